package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaycrm/internal/credential"
	"golang.org/x/oauth2"
)

type ExchangeResult struct {
	TenantID  string
	Duplicate bool
}

// Exchanger turns an authorization code into the active credential. It is the
// only component that creates a credential from scratch.
type Exchanger struct {
	config Config
	store  credential.Store
	guard  CodeGuard
	logger Logger
	now    func() time.Time
}

func NewExchanger(cfg Config, store credential.Store, guard CodeGuard, logger Logger) *Exchanger {
	if guard == nil {
		guard = NewMemoryCodeGuard(0)
	}
	return &Exchanger{
		config: cfg,
		store:  store,
		guard:  guard,
		logger: logger,
		now:    time.Now,
	}
}

// Exchange submits code once. A code seen before returns Duplicate without
// contacting the provider; a failed code stays claimed.
func (e *Exchanger) Exchange(ctx context.Context, code string) (ExchangeResult, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return ExchangeResult{}, ErrEmptyCode
	}
	first, err := e.guard.Claim(ctx, code)
	if err != nil {
		return ExchangeResult{}, &ExchangeError{Kind: ErrPersistence, Err: err}
	}
	if !first {
		e.logf("oauth exchange skipped: code already submitted")
		return ExchangeResult{Duplicate: true}, nil
	}

	e.logf("oauth exchanging authorization code")
	tok, err := e.config.oauth2Config().Exchange(e.config.withClient(ctx), code)
	if err != nil {
		xerr := classifyTokenError(err)
		e.logf("oauth exchange failed: kind=%v status=%d provider_code=%q", xerr.Kind, xerr.StatusCode, xerr.ProviderCode)
		return ExchangeResult{}, xerr
	}
	cred := credentialFromToken(tok, e.now())
	if cred.AccessToken == "" || cred.RefreshToken == "" {
		return ExchangeResult{}, &ExchangeError{Kind: ErrMalformedResponse, Err: errors.New("token response missing access or refresh token")}
	}
	if cred.TenantID == "" {
		return ExchangeResult{}, &ExchangeError{Kind: ErrMalformedResponse, Err: errors.New("token response missing locationId")}
	}
	if err := e.store.Upsert(ctx, cred); err != nil {
		e.logf("oauth credential save failed for location %s: %v", cred.TenantID, err)
		return ExchangeResult{}, &ExchangeError{Kind: ErrPersistence, Err: err}
	}
	e.logf("oauth connected location %s", cred.TenantID)
	return ExchangeResult{TenantID: cred.TenantID}, nil
}

func (e *Exchanger) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}

// Refresher runs the refresh-token grant for a stored credential.
type Refresher struct {
	config Config
	now    func() time.Time
}

func NewRefresher(cfg Config) *Refresher {
	return &Refresher{config: cfg, now: time.Now}
}

// Refresh returns cred with a new token pair. Tenant metadata the provider
// omits is carried over from cred.
func (r *Refresher) Refresh(ctx context.Context, cred credential.Credential) (credential.Credential, error) {
	if strings.TrimSpace(cred.RefreshToken) == "" {
		return credential.Credential{}, &ExchangeError{Kind: ErrInvalidGrant, Err: errors.New("no refresh token stored")}
	}
	// an expired token forces the source to run the refresh grant
	src := r.config.oauth2Config().TokenSource(r.config.withClient(ctx), &oauth2.Token{
		RefreshToken: cred.RefreshToken,
		Expiry:       time.Unix(1, 0),
	})
	tok, err := src.Token()
	if err != nil {
		return credential.Credential{}, classifyTokenError(err)
	}
	next := credentialFromToken(tok, r.now())
	if next.AccessToken == "" {
		return credential.Credential{}, &ExchangeError{Kind: ErrMalformedResponse, Err: errors.New("refresh response missing access token")}
	}
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}
	if next.TenantID == "" {
		next.TenantID = cred.TenantID
	}
	if next.UserType == "" {
		next.UserType = cred.UserType
	}
	if next.CompanyID == "" {
		next.CompanyID = cred.CompanyID
	}
	if next.Scope == "" {
		next.Scope = cred.Scope
	}
	return next, nil
}

func credentialFromToken(tok *oauth2.Token, now time.Time) credential.Credential {
	cred := credential.Credential{
		TenantID:     extraString(tok, "locationId"),
		AccessToken:  strings.TrimSpace(tok.AccessToken),
		RefreshToken: strings.TrimSpace(tok.RefreshToken),
		TokenKind:    tok.TokenType,
		UserType:     extraString(tok, "userType"),
		CompanyID:    extraString(tok, "companyId"),
		ExpiresIn:    extraInt(tok, "expires_in"),
		Scope:        extraString(tok, "scope"),
		UpdatedAt:    now.UTC(),
	}
	if cred.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		cred.ExpiresIn = int64(tok.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return cred
}

func extraString(tok *oauth2.Token, key string) string {
	switch v := tok.Extra(key).(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		b, _ := json.Marshal(v)
		return strings.Trim(string(b), `"`)
	}
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		return n
	default:
		return 0
	}
}
