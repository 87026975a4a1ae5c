// Package gateway sends authenticated CRM requests for the single active
// credential, refreshing it at most once per call when the CRM answers 401.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycrm/internal/credential"
	"github.com/google/uuid"
)

var (
	ErrUnauthenticated         = errors.New("no connected CRM account")
	ErrReauthorizationRequired = errors.New("token refresh failed; reconnect the CRM account")
)

const maxResponseBytes = 32 << 20

type Logger interface {
	Printf(format string, args ...any)
}

// Refresher runs the provider's refresh-token grant.
type Refresher interface {
	Refresh(ctx context.Context, cred credential.Credential) (credential.Credential, error)
}

type Request struct {
	Method   string
	Endpoint string
	Query    url.Values
	Body     json.RawMessage
}

type Response struct {
	StatusCode    int
	Header        http.Header
	Body          []byte
	CorrelationID string
}

func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Tenant is the listing scope resolved once from credential metadata.
type Tenant struct {
	LocationID string
	CompanyID  string
	Scope      credential.ContactScope
}

type Options struct {
	BaseURL      string
	APIVersion   string
	HTTPClient   *http.Client
	Logger       Logger
	OnTransition func(Transition)
}

type Gateway struct {
	store      credential.Store
	refresher  Refresher
	baseURL    string
	apiVersion string
	httpClient *http.Client
	logger     Logger
	observe    func(Transition)

	tenantMu sync.Mutex
	tenants  map[string]Tenant
}

func New(store credential.Store, refresher Refresher, opts Options) *Gateway {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://services.leadconnectorhq.com"
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = "2021-07-28"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Gateway{
		store:      store,
		refresher:  refresher,
		baseURL:    baseURL,
		apiVersion: apiVersion,
		httpClient: httpClient,
		logger:     opts.Logger,
		observe:    opts.OnTransition,
		tenants:    map[string]Tenant{},
	}
}

// Do sends req with the active credential. A 401 triggers one refresh and
// one retry; a second 401 is returned to the caller unchanged.
func (g *Gateway) Do(ctx context.Context, req Request) (*Response, error) {
	m := newMachine(g.observe)
	cred, err := g.store.Latest(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			_ = m.fire(EventCredentialMissing)
			return nil, ErrUnauthenticated
		}
		return nil, fmt.Errorf("load credential: %w", err)
	}
	if err := m.fire(EventCredentialLoaded); err != nil {
		return nil, err
	}

	for {
		resp, err := g.send(ctx, cred.AccessToken, req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode != http.StatusUnauthorized {
			return resp, nil
		}
		if err := m.fire(EventUnauthorized); err != nil {
			g.logf("crm %s %s still unauthorized after refresh (correlation %s)", req.method(), req.Endpoint, resp.CorrelationID)
			return resp, nil
		}
		g.logf("crm %s %s unauthorized, refreshing token for location %s", req.method(), req.Endpoint, cred.TenantID)
		next, err := g.refresher.Refresh(ctx, cred)
		if err != nil {
			_ = m.fire(EventRefreshFailed)
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			return nil, fmt.Errorf("%w: %v", ErrReauthorizationRequired, err)
		}
		if err := g.store.Upsert(ctx, next); err != nil {
			_ = m.fire(EventRefreshFailed)
			return nil, fmt.Errorf("persist refreshed credential: %w", err)
		}
		if err := m.fire(EventRefreshSucceeded); err != nil {
			return nil, err
		}
		cred = next
	}
}

// Tenant reports the active tenant and its contact listing scope, cached per
// tenant id.
func (g *Gateway) Tenant(ctx context.Context) (Tenant, error) {
	cred, err := g.store.Latest(ctx)
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			return Tenant{}, ErrUnauthenticated
		}
		return Tenant{}, err
	}
	g.tenantMu.Lock()
	defer g.tenantMu.Unlock()
	if tenant, ok := g.tenants[cred.TenantID]; ok {
		return tenant, nil
	}
	tenant := Tenant{
		LocationID: cred.TenantID,
		CompanyID:  strings.TrimSpace(cred.CompanyID),
		Scope:      cred.ContactScope(),
	}
	g.tenants[cred.TenantID] = tenant
	return tenant, nil
}

// ForgetTenant drops the cached scope, e.g. after a reconnect.
func (g *Gateway) ForgetTenant(tenantID string) {
	g.tenantMu.Lock()
	defer g.tenantMu.Unlock()
	delete(g.tenants, tenantID)
}

func (g *Gateway) send(ctx context.Context, accessToken string, req Request) (*Response, error) {
	target := g.baseURL + "/" + strings.TrimLeft(req.Endpoint, "/")
	if len(req.Query) > 0 {
		sep := "?"
		if strings.Contains(target, "?") {
			sep = "&"
		}
		target += sep + req.Query.Encode()
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.method(), target, body)
	if err != nil {
		return nil, err
	}
	correlationID := uuid.NewString()
	httpReq.Header.Set("Authorization", "Bearer "+accessToken)
	httpReq.Header.Set("Version", g.apiVersion)
	httpReq.Header.Set("Accept", "application/json")
	httpReq.Header.Set("X-Correlation-Id", correlationID)
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	return &Response{
		StatusCode:    resp.StatusCode,
		Header:        resp.Header.Clone(),
		Body:          payload,
		CorrelationID: correlationID,
	}, nil
}

func (r Request) method() string {
	method := strings.ToUpper(strings.TrimSpace(r.Method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

func (g *Gateway) logf(format string, args ...any) {
	if g.logger == nil {
		return
	}
	g.logger.Printf(format, args...)
}
