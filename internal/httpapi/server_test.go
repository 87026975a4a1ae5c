package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/agentworkforce/relaycrm/internal/credential"
	"github.com/agentworkforce/relaycrm/internal/crm"
	"github.com/agentworkforce/relaycrm/internal/gateway"
	"github.com/agentworkforce/relaycrm/internal/oauth"
	"github.com/agentworkforce/relaycrm/internal/syncengine"
	"github.com/golang-jwt/jwt/v5"
)

type fakeExchanger struct {
	mu     sync.Mutex
	codes  []string
	result oauth.ExchangeResult
	err    error
}

func (f *fakeExchanger) Exchange(ctx context.Context, code string) (oauth.ExchangeResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codes = append(f.codes, code)
	if code == "" {
		return oauth.ExchangeResult{}, oauth.ErrEmptyCode
	}
	return f.result, f.err
}

type fakeAuthorizer struct{}

func (fakeAuthorizer) AuthorizationURL(state string) string {
	return "https://provider.example.test/oauth/chooselocation?response_type=code&state=" + state
}

type fakeInvoker struct {
	action string
	params json.RawMessage
	out    json.RawMessage
	err    error
}

func (f *fakeInvoker) Invoke(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	f.action = action
	f.params = params
	return f.out, f.err
}

type fakeSource struct {
	records    []crm.Record
	statsGate  chan struct{}
	statsCalls int64
	events     []crm.Record
	eventsErr  error
}

func (s *fakeSource) Stats(ctx context.Context) (crm.Stats, error) {
	atomic.AddInt64(&s.statsCalls, 1)
	if s.statsGate != nil {
		select {
		case <-s.statsGate:
		case <-ctx.Done():
			return crm.Stats{}, ctx.Err()
		}
	}
	return crm.Stats{TotalContacts: len(s.records)}, nil
}

func (s *fakeSource) CustomFields(ctx context.Context) ([]crm.Record, error) {
	return nil, nil
}

func (s *fakeSource) ListContacts(ctx context.Context, q crm.ContactsQuery) (crm.ContactPage, error) {
	if q.StartAfterID != "" {
		return crm.ContactPage{}, nil
	}
	return crm.ContactPage{Contacts: s.records, Total: len(s.records)}, nil
}

func (s *fakeSource) Contact(ctx context.Context, id string) (crm.Record, error) {
	for _, r := range s.records {
		if r.ID() == id {
			updated := r.Clone()
			updated["tags"] = []any{"refreshed"}
			return updated, nil
		}
	}
	return nil, &crm.HTTPError{StatusCode: http.StatusNotFound, Message: "contact not found"}
}

func (s *fakeSource) ContactAppointments(ctx context.Context, id string) ([]crm.Record, error) {
	return []crm.Record{{"id": "evt-" + id, "contactId": id}}, nil
}

func (s *fakeSource) CalendarEvents(ctx context.Context, start, end time.Time) ([]crm.Record, error) {
	return s.events, s.eventsErr
}

type fakeCalendar struct {
	mu     sync.Mutex
	starts []time.Time
	ends   []time.Time
	events []crm.Record
	err    error
}

func (f *fakeCalendar) CalendarEvents(ctx context.Context, start, end time.Time) ([]crm.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.starts = append(f.starts, start)
	f.ends = append(f.ends, end)
	return f.events, f.err
}

type fakeDisconnector struct {
	calls    int64
	tenantID string
	err      error
}

func (f *fakeDisconnector) Disconnect(ctx context.Context) (string, error) {
	atomic.AddInt64(&f.calls, 1)
	return f.tenantID, f.err
}

func newTestEngine(src *fakeSource) *syncengine.Engine {
	return syncengine.New(src, syncengine.Options{PageDelay: time.Millisecond, RetryBaseDelay: time.Millisecond})
}

func sampleContacts() []crm.Record {
	return []crm.Record{
		{"id": "c1", "firstName": "Ada", "lastName": "Lovelace", "email": "ada@example.test"},
		{"id": "c2", "firstName": "Grace", "lastName": "Hopper", "email": "grace@example.test"},
		{"id": "c3", "contactName": "Alan Turing", "email": "alan@example.test"},
	}
}

func TestHealth(t *testing.T) {
	server := NewServer(Deps{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-Id") == "" {
		t.Fatalf("expected generated correlation id")
	}
}

func TestAuthRequired(t *testing.T) {
	server := NewServer(Deps{Engine: newTestEngine(&fakeSource{})})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts"})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	if payload["code"] != "unauthorized" || payload["correlationId"] == "" {
		t.Fatalf("unexpected error envelope: %+v", payload)
	}
}

func TestBearerValidation(t *testing.T) {
	server := NewServer(Deps{Engine: newTestEngine(&fakeSource{})})
	cases := []struct {
		name   string
		token  string
		status int
		msg    string
	}{
		{"expired", mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(-time.Minute)), http.StatusUnauthorized, "token expired"},
		{"wrong audience", mustTestJWTWithAudience(t, "dev-secret", "agent", []string{"crm:read"}, "relayfile", time.Now().Add(time.Hour)), http.StatusUnauthorized, "invalid aud claim"},
		{"wrong secret", mustTestJWT(t, "other-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour)), http.StatusUnauthorized, "jwt signature mismatch"},
		{"garbage", "not-a-jwt", http.StatusUnauthorized, "invalid jwt format"},
		{"missing scope", mustTestJWT(t, "dev-secret", "agent", []string{"sync:read"}, time.Now().Add(time.Hour)), http.StatusForbidden, "missing required scope: crm:read"},
		{"no scopes", mustTestJWT(t, "dev-secret", "agent", nil, time.Now().Add(time.Hour)), http.StatusForbidden, "no scopes granted"},
	}
	for _, tc := range cases {
		rec := doRequest(t, server, request{
			method:  http.MethodGet,
			path:    "/v1/contacts",
			headers: map[string]string{"Authorization": "Bearer " + tc.token},
		})
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.msg) {
			t.Fatalf("%s: expected message %q, got %s", tc.name, tc.msg, rec.Body.String())
		}
	}
}

func TestAuthorizeRedirects(t *testing.T) {
	server := NewServer(Deps{Authorizer: fakeAuthorizer{}})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/oauth/authorize?state=abc"})
	if rec.Code != http.StatusFound {
		t.Fatalf("expected 302, got %d", rec.Code)
	}
	if loc := rec.Header().Get("Location"); !strings.Contains(loc, "chooselocation") || !strings.Contains(loc, "state=abc") {
		t.Fatalf("unexpected redirect %q", loc)
	}

	unconfigured := NewServer(Deps{})
	rec = doRequest(t, unconfigured, request{method: http.MethodGet, path: "/v1/oauth/authorize"})
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 without authorizer, got %d", rec.Code)
	}
}

func TestCallbackOutcomes(t *testing.T) {
	cases := []struct {
		name   string
		result oauth.ExchangeResult
		err    error
		status int
		want   string
	}{
		{"connected", oauth.ExchangeResult{TenantID: "loc_1"}, nil, http.StatusOK, `"locationId":"loc_1"`},
		{"duplicate", oauth.ExchangeResult{Duplicate: true}, nil, http.StatusAccepted, `"duplicate":true`},
		{"invalid grant", oauth.ExchangeResult{}, &oauth.ExchangeError{Kind: oauth.ErrInvalidGrant, StatusCode: 400}, http.StatusBadRequest, "authorization code"},
		{"malformed", oauth.ExchangeResult{}, &oauth.ExchangeError{Kind: oauth.ErrMalformedResponse}, http.StatusBadGateway, "malformed_response"},
		{"persistence", oauth.ExchangeResult{}, &oauth.ExchangeError{Kind: oauth.ErrPersistence, Err: errors.New("disk full")}, http.StatusInternalServerError, "could not be saved"},
		{"network", oauth.ExchangeResult{}, &oauth.ExchangeError{Kind: oauth.ErrNetwork}, http.StatusBadGateway, "upstream_unavailable"},
	}
	for _, tc := range cases {
		exchanger := &fakeExchanger{result: tc.result, err: tc.err}
		server := NewServer(Deps{Exchanger: exchanger})
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/oauth/callback?code=abc"})
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: expected body to contain %q, got %s", tc.name, tc.want, rec.Body.String())
		}
		if len(exchanger.codes) != 1 || exchanger.codes[0] != "abc" {
			t.Fatalf("%s: unexpected exchanged codes %v", tc.name, exchanger.codes)
		}
	}
}

func TestCallbackAcceptsJSONBodyAndRejectsMissingCode(t *testing.T) {
	exchanger := &fakeExchanger{result: oauth.ExchangeResult{TenantID: "loc_2"}}
	server := NewServer(Deps{Exchanger: exchanger})

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/oauth/callback", body: map[string]any{"code": "from-body"}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if exchanger.codes[0] != "from-body" {
		t.Fatalf("expected body code, got %v", exchanger.codes)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/oauth/callback"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing code, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/oauth/callback?error=access_denied"})
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "authorization_denied") {
		t.Fatalf("expected denied authorization to be reported, got %d %s", rec.Code, rec.Body.String())
	}
	if len(exchanger.codes) != 2 {
		t.Fatalf("denied authorization must not reach the exchanger, got %v", exchanger.codes)
	}
}

func TestProxyInvokesAction(t *testing.T) {
	invoker := &fakeInvoker{out: json.RawMessage(`{"contacts":[],"meta":{"total":0}}`)}
	server := NewServer(Deps{CRM: invoker})
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/proxy",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{"action": "get_contacts", "body": map[string]any{"limit": 5}},
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if invoker.action != crm.ActionContacts {
		t.Fatalf("expected get_contacts, got %q", invoker.action)
	}
	var params map[string]any
	if err := json.Unmarshal(invoker.params, &params); err != nil || params["limit"] != float64(5) {
		t.Fatalf("unexpected params %s", invoker.params)
	}
	if strings.TrimSpace(rec.Body.String()) != `{"contacts":[],"meta":{"total":0}}` {
		t.Fatalf("expected raw provider json, got %s", rec.Body.String())
	}
}

func TestProxyErrorEnvelope(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour))
	cases := []struct {
		name   string
		body   map[string]any
		err    error
		status int
		want   string
	}{
		{"invalid body", map[string]any{"method": "GET"}, nil, http.StatusBadRequest, `"error"`},
		{"provider error", map[string]any{"endpoint": "/contacts/x"}, &crm.HTTPError{StatusCode: 422, Message: "bad field", Details: json.RawMessage(`{"message":"bad field"}`)}, 422, `"details":{"message":"bad field"}`},
		{"not connected", map[string]any{"action": "get_stats"}, gateway.ErrUnauthenticated, http.StatusUnauthorized, "authorize first"},
		{"reauthorize", map[string]any{"action": "get_stats"}, gateway.ErrReauthorizationRequired, http.StatusUnauthorized, "please reconnect"},
		{"unknown action", map[string]any{"action": "get_stats"}, crm.ErrUnknownAction, http.StatusBadRequest, "unknown action"},
		{"transport", map[string]any{"action": "get_stats"}, errors.New("dial tcp: refused"), http.StatusBadGateway, "refused"},
	}
	for _, tc := range cases {
		server := NewServer(Deps{CRM: &fakeInvoker{err: tc.err}})
		rec := doRequest(t, server, request{
			method:  http.MethodPost,
			path:    "/v1/proxy",
			headers: map[string]string{"Authorization": "Bearer " + token},
			body:    tc.body,
		})
		if rec.Code != tc.status {
			t.Fatalf("%s: expected %d, got %d (%s)", tc.name, tc.status, rec.Code, rec.Body.String())
		}
		if !strings.Contains(rec.Body.String(), tc.want) {
			t.Fatalf("%s: expected %q in %s", tc.name, tc.want, rec.Body.String())
		}
	}
}

func TestSyncAndQueryContacts(t *testing.T) {
	src := &fakeSource{records: sampleContacts()}
	server := NewServer(Deps{Engine: newTestEngine(src)})
	defer server.Close()
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read", "sync:read", "sync:trigger"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync?wait=true", headers: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var result syncengine.Result
	if err := json.NewDecoder(rec.Body).Decode(&result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.Status != syncengine.StatusCompleted || result.Merged != 3 {
		t.Fatalf("unexpected result %+v", result)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts?sort=name&limit=2", headers: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	var listing struct {
		Contacts   []crm.Record        `json:"contacts"`
		Total      int                 `json:"total"`
		NextOffset int                 `json:"nextOffset"`
		Progress   syncengine.Progress `json:"progress"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&listing); err != nil {
		t.Fatalf("decode listing: %v", err)
	}
	if listing.Total != 3 || len(listing.Contacts) != 2 || listing.NextOffset != 2 {
		t.Fatalf("unexpected listing %+v", listing)
	}
	if listing.Contacts[0].ID() != "c1" || listing.Contacts[1].ID() != "c3" {
		t.Fatalf("expected name order ada, alan; got %s, %s", listing.Contacts[0].ID(), listing.Contacts[1].ID())
	}
	if listing.Progress != (syncengine.Progress{Current: 3, Total: 3}) {
		t.Fatalf("unexpected progress %+v", listing.Progress)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts?search=HOPPER", headers: auth})
	if !strings.Contains(rec.Body.String(), `"total":1`) || !strings.Contains(rec.Body.String(), "grace@example.test") {
		t.Fatalf("unexpected search result %s", rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts/c2", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Grace") {
		t.Fatalf("unexpected detail %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts/missing", headers: auth})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"records":3`) || !strings.Contains(rec.Body.String(), `"status":"completed"`) {
		t.Fatalf("unexpected status %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts?limit=abc", headers: auth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", rec.Code)
	}
}

func TestSyncStartIsSingleFlightAndCancellable(t *testing.T) {
	src := &fakeSource{records: sampleContacts(), statsGate: make(chan struct{})}
	engine := newTestEngine(src)
	server := NewServer(Deps{Engine: engine})
	token := mustTestJWT(t, "dev-secret", "agent", []string{"sync:trigger"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d (%s)", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"skipped"`) {
		t.Fatalf("expected second trigger to be skipped, got %d %s", rec.Code, rec.Body.String())
	}

	waitForStats(t, src)

	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 on cancel, got %d", rec.Code)
	}
	if err := server.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	last, ok := engine.LastResult()
	if !ok || last.Status != syncengine.StatusCancelled {
		t.Fatalf("expected cancelled pass, got %+v", last)
	}
	if got := atomic.LoadInt64(&src.statsCalls); got != 1 {
		t.Fatalf("expected one bootstrap call, got %d", got)
	}
	if engine.Len() != 0 {
		t.Fatalf("cancelled bootstrap should not merge records")
	}

	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "idle") {
		t.Fatalf("expected idle after cancellation, got %d %s", rec.Code, rec.Body.String())
	}
}

func waitForStats(t *testing.T, src *fakeSource) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt64(&src.statsCalls) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("sync pass never reached bootstrap")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestCloseCancelsRunningPass(t *testing.T) {
	src := &fakeSource{records: sampleContacts(), statsGate: make(chan struct{})}
	engine := newTestEngine(src)
	server := NewServer(Deps{Engine: engine})
	token := mustTestJWT(t, "dev-secret", "agent", []string{"sync:trigger"}, time.Now().Add(time.Hour))

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: map[string]string{"Authorization": "Bearer " + token}})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	done := make(chan struct{})
	go func() {
		_ = server.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("close did not stop the running pass")
	}
	if engine.Running() {
		t.Fatalf("expected lock released after close")
	}
}

func TestContactRefresh(t *testing.T) {
	src := &fakeSource{records: sampleContacts()}
	engine := newTestEngine(src)
	server := NewServer(Deps{Engine: engine})
	defer server.Close()
	token := mustTestJWT(t, "dev-secret", "agent", []string{"sync:trigger"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/contacts/c1/refresh", headers: auth})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (%s)", rec.Code, rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "refreshed") || !strings.Contains(rec.Body.String(), "evt-c1") {
		t.Fatalf("unexpected refresh body %s", rec.Body.String())
	}
	if record, ok := engine.Record("c1"); !ok || record["tags"] == nil {
		t.Fatalf("expected deep sync to upsert into the snapshot")
	}

	rec = doRequest(t, server, request{method: http.MethodPost, path: "/v1/contacts/nope/refresh", headers: auth})
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), `"error"`) {
		t.Fatalf("expected provider 404 envelope, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestRateLimitingBySubject(t *testing.T) {
	server := NewServerWithConfig(Deps{Engine: newTestEngine(&fakeSource{})}, ServerConfig{
		RateLimitMax:    2,
		RateLimitWindow: time.Minute,
	})
	tokenA := mustTestJWT(t, "dev-secret", "agent-a", []string{"sync:read"}, time.Now().Add(time.Hour))
	tokenB := mustTestJWT(t, "dev-secret", "agent-b", []string{"sync:read"}, time.Now().Add(time.Hour))

	for i := 0; i < 2; i++ {
		rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: map[string]string{"Authorization": "Bearer " + tokenA}})
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, rec.Code)
		}
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: map[string]string{"Authorization": "Bearer " + tokenA}})
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "60" {
		t.Fatalf("expected Retry-After 60, got %q", rec.Header().Get("Retry-After"))
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: map[string]string{"Authorization": "Bearer " + tokenB}})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected other subject to be unaffected, got %d", rec.Code)
	}
}

func TestPayloadTooLarge(t *testing.T) {
	server := NewServerWithConfig(Deps{CRM: &fakeInvoker{}}, ServerConfig{MaxBodyBytes: 16})
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{
		method:  http.MethodPost,
		path:    "/v1/proxy",
		headers: map[string]string{"Authorization": "Bearer " + token},
		body:    map[string]any{"action": "get_contacts", "body": map[string]any{"query": strings.Repeat("x", 64)}},
	})
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", rec.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(Deps{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/workspaces/ws_1/fs/tree", headers: map[string]string{"X-Correlation-Id": "corr_404"}})
	if rec.Code != http.StatusNotFound || !strings.Contains(rec.Body.String(), "corr_404") {
		t.Fatalf("expected 404 with correlation id, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDashboardServesHTML(t *testing.T) {
	server := NewServer(Deps{})
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/dashboard"})
	if rec.Code != http.StatusOK || !strings.HasPrefix(rec.Header().Get("Content-Type"), "text/html") {
		t.Fatalf("unexpected dashboard response %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
	if !strings.Contains(rec.Body.String(), "/v1/sync/stream") {
		t.Fatalf("dashboard should subscribe to the sync stream")
	}
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    map[string]any
}

func doRequest(t *testing.T, server http.Handler, r request) *httptest.ResponseRecorder {
	t.Helper()
	var bodyBytes []byte
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		bodyBytes = data
	}
	req := httptest.NewRequest(r.method, r.path, bytes.NewReader(bodyBytes))
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	server.ServeHTTP(rec, req)
	return rec
}

func mustTestJWT(t *testing.T, secret, subject string, scopes []string, exp time.Time) string {
	return mustTestJWTWithAudience(t, secret, subject, scopes, tokenAudience, exp)
}

func mustTestJWTWithAudience(t *testing.T, secret, subject string, scopes []string, aud string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":    subject,
		"scopes": scopes,
		"exp":    exp.Unix(),
		"aud":    aud,
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign jwt: %v", err)
	}
	return signed
}

func TestStartSyncIsVisibleToTheAPI(t *testing.T) {
	src := &fakeSource{records: sampleContacts(), statsGate: make(chan struct{})}
	engine := newTestEngine(src)
	server := NewServer(Deps{Engine: engine})
	defer server.Close()
	token := mustTestJWT(t, "dev-secret", "agent", []string{"sync:trigger", "sync:read"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	done, ok := server.StartSync()
	if !ok {
		t.Fatalf("expected the startup pass to start")
	}
	if _, ok := server.StartSync(); ok {
		t.Fatalf("expected a second pass to be refused")
	}
	waitForStats(t, src)

	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"skipped"`) {
		t.Fatalf("expected trigger during startup pass to be skipped, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/sync/status", headers: auth})
	if !strings.Contains(rec.Body.String(), `"running":true`) {
		t.Fatalf("expected running status, got %s", rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), "cancelling") {
		t.Fatalf("expected startup pass to be cancellable, got %d %s", rec.Code, rec.Body.String())
	}
	select {
	case result := <-done:
		if result.Status != syncengine.StatusCancelled {
			t.Fatalf("expected cancelled result, got %+v", result)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("startup pass did not stop")
	}
}

func TestSyncTriggerReportsPassStartedElsewhere(t *testing.T) {
	src := &fakeSource{records: sampleContacts(), statsGate: make(chan struct{})}
	engine := newTestEngine(src)
	server := NewServer(Deps{Engine: engine})
	defer server.Close()
	token := mustTestJWT(t, "dev-secret", "agent", []string{"sync:trigger"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	done, ok := engine.Start(context.Background())
	if !ok {
		t.Fatalf("expected engine pass to start")
	}
	waitForStats(t, src)
	rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"skipped"`) {
		t.Fatalf("expected skipped while the engine is busy, got %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/sync", headers: auth})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for a pass the server does not own, got %d %s", rec.Code, rec.Body.String())
	}
	close(src.statsGate)
	if result := <-done; result.Status != syncengine.StatusCompleted {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestContactsAppointmentFilterNeedsCalendar(t *testing.T) {
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read", "sync:trigger"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	src := &fakeSource{records: sampleContacts(), events: []crm.Record{{"id": "e1", "contactId": "c2"}}}
	server := NewServer(Deps{Engine: newTestEngine(src)})
	defer server.Close()
	if rec := doRequest(t, server, request{method: http.MethodPost, path: "/v1/sync?wait=true", headers: auth}); rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts?appointment=has", headers: auth})
	if !strings.Contains(rec.Body.String(), `"total":1`) || !strings.Contains(rec.Body.String(), "grace@example.test") || !strings.Contains(rec.Body.String(), `"appointmentsKnown":true`) {
		t.Fatalf("unexpected booked contacts %s", rec.Body.String())
	}
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/contacts?appointment=none", headers: auth})
	if !strings.Contains(rec.Body.String(), `"total":2`) {
		t.Fatalf("unexpected unbooked contacts %s", rec.Body.String())
	}

	blind := &fakeSource{records: sampleContacts(), eventsErr: &crm.HTTPError{StatusCode: http.StatusForbidden}}
	blindServer := NewServer(Deps{Engine: newTestEngine(blind)})
	defer blindServer.Close()
	if rec := doRequest(t, blindServer, request{method: http.MethodPost, path: "/v1/sync?wait=true", headers: auth}); rec.Code != http.StatusOK {
		t.Fatalf("sync: %d %s", rec.Code, rec.Body.String())
	}
	rec = doRequest(t, blindServer, request{method: http.MethodGet, path: "/v1/contacts?appointment=none", headers: auth})
	body := rec.Body.String()
	if !strings.Contains(body, "ada@example.test") || !strings.Contains(body, "grace@example.test") || !strings.Contains(body, "alan@example.test") || !strings.Contains(body, `"appointmentsKnown":false`) {
		t.Fatalf("expected the filter to be ignored without a calendar, got %s", body)
	}
}

func TestAppointmentsForDay(t *testing.T) {
	calendar := &fakeCalendar{events: []crm.Record{{"id": "e1", "title": "Intro call"}}}
	server := NewServer(Deps{Calendar: calendar})
	token := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + token}

	rec := doRequest(t, server, request{method: http.MethodGet, path: "/v1/appointments?date=2026-01-05", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Intro call") || !strings.Contains(rec.Body.String(), `"date":"2026-01-05"`) {
		t.Fatalf("unexpected appointments %d %s", rec.Code, rec.Body.String())
	}
	wantStart := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	if len(calendar.starts) != 1 || !calendar.starts[0].Equal(wantStart) || !calendar.ends[0].Equal(wantStart.Add(24*time.Hour)) {
		t.Fatalf("unexpected window %v - %v", calendar.starts, calendar.ends)
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/appointments", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), time.Now().UTC().Format("2006-01-02")) {
		t.Fatalf("expected today's appointments, got %d %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/appointments?date=01/05/2026", headers: auth})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for a malformed date, got %d", rec.Code)
	}

	calendar.err = gateway.ErrUnauthenticated
	rec = doRequest(t, server, request{method: http.MethodGet, path: "/v1/appointments?date=2026-01-05", headers: auth})
	if rec.Code != http.StatusUnauthorized || !strings.Contains(rec.Body.String(), "authorize first") {
		t.Fatalf("expected unauthenticated envelope, got %d %s", rec.Code, rec.Body.String())
	}
}

func TestDisconnectRemovesConnection(t *testing.T) {
	src := &fakeSource{records: sampleContacts(), statsGate: make(chan struct{})}
	engine := newTestEngine(src)
	disconnector := &fakeDisconnector{tenantID: "loc_1"}
	server := NewServer(Deps{Engine: engine, Disconnector: disconnector})
	defer server.Close()

	reader := mustTestJWT(t, "dev-secret", "agent", []string{"crm:read"}, time.Now().Add(time.Hour))
	rec := doRequest(t, server, request{method: http.MethodDelete, path: "/v1/oauth/connection", headers: map[string]string{"Authorization": "Bearer " + reader}})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without crm:write, got %d", rec.Code)
	}

	writer := mustTestJWT(t, "dev-secret", "agent", []string{"crm:write"}, time.Now().Add(time.Hour))
	auth := map[string]string{"Authorization": "Bearer " + writer}
	done, ok := server.StartSync()
	if !ok {
		t.Fatalf("expected pass to start")
	}
	waitForStats(t, src)
	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/oauth/connection", headers: auth})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"locationId":"loc_1"`) {
		t.Fatalf("unexpected disconnect %d %s", rec.Code, rec.Body.String())
	}
	if result := <-done; result.Status != syncengine.StatusCancelled {
		t.Fatalf("expected disconnect to cancel the running pass, got %+v", result)
	}

	disconnector.err = credential.ErrNotFound
	rec = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/oauth/connection", headers: auth})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when nothing is connected, got %d", rec.Code)
	}
	if got := atomic.LoadInt64(&disconnector.calls); got != 2 {
		t.Fatalf("expected two disconnect calls, got %d", got)
	}
}
