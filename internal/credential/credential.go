package credential

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"
)

var (
	ErrNotFound     = errors.New("credential not found")
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedScheme is returned for a DSN scheme with no registered store.
	ErrUnsupportedScheme = errors.New("unsupported credential store scheme")
)

// ContactScope selects which listing endpoint the CRM exposes for a credential.
type ContactScope string

const (
	ScopeLocation ContactScope = "location"
	ScopeBusiness ContactScope = "business"
)

// Credential is the single OAuth token set persisted for a connected tenant.
// Field tags follow the persisted record layout.
type Credential struct {
	TenantID     string    `json:"location_id"`
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	TokenKind    string    `json:"token_type,omitempty"`
	UserType     string    `json:"user_type,omitempty"`
	CompanyID    string    `json:"company_id,omitempty"`
	ExpiresIn    int64     `json:"expires_in"`
	Scope        string    `json:"scope,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

func (c Credential) ExpiresAt() time.Time {
	if c.UpdatedAt.IsZero() || c.ExpiresIn <= 0 {
		return time.Time{}
	}
	return c.UpdatedAt.Add(time.Duration(c.ExpiresIn) * time.Second)
}

// ContactScope reports business scope only for company-level installs that
// carry a company id; everything else lists contacts per location.
func (c Credential) ContactScope() ContactScope {
	if strings.EqualFold(strings.TrimSpace(c.UserType), "company") && strings.TrimSpace(c.CompanyID) != "" {
		return ScopeBusiness
	}
	return ScopeLocation
}

func (c Credential) validate() error {
	if strings.TrimSpace(c.TenantID) == "" || strings.TrimSpace(c.AccessToken) == "" {
		return ErrInvalidInput
	}
	return nil
}

// Store reads and writes the active credential. Latest returns the most
// recently updated record; Upsert replaces the whole record keyed by tenant.
type Store interface {
	Latest(ctx context.Context) (Credential, error)
	Upsert(ctx context.Context, cred Credential) error
	Delete(ctx context.Context, tenantID string) error
}

func prepareUpsert(cred Credential) (Credential, error) {
	cred.TenantID = strings.TrimSpace(cred.TenantID)
	if err := cred.validate(); err != nil {
		return Credential{}, err
	}
	if cred.UpdatedAt.IsZero() {
		cred.UpdatedAt = time.Now().UTC()
	}
	return cred, nil
}

func latestOf(creds map[string]Credential) (Credential, bool) {
	if len(creds) == 0 {
		return Credential{}, false
	}
	ids := make([]string, 0, len(creds))
	for id := range creds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	var best Credential
	found := false
	for _, id := range ids {
		cred := creds[id]
		if !found || cred.UpdatedAt.After(best.UpdatedAt) {
			best = cred
			found = true
		}
	}
	return best, found
}

type InMemoryStore struct {
	mu    sync.Mutex
	creds map[string]Credential
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{creds: map[string]Credential{}}
}

func (s *InMemoryStore) Latest(ctx context.Context) (Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := latestOf(s.creds)
	if !ok {
		return Credential{}, ErrNotFound
	}
	return cred, nil
}

func (s *InMemoryStore) Upsert(ctx context.Context, cred Credential) error {
	cred, err := prepareUpsert(cred)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds[cred.TenantID] = cred
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, strings.TrimSpace(tenantID))
	return nil
}
