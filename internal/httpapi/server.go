package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/relaycrm/internal/credential"
	"github.com/agentworkforce/relaycrm/internal/crm"
	"github.com/agentworkforce/relaycrm/internal/gateway"
	"github.com/agentworkforce/relaycrm/internal/oauth"
	"github.com/agentworkforce/relaycrm/internal/query"
	"github.com/agentworkforce/relaycrm/internal/syncengine"
	"github.com/google/uuid"
)

type Logger interface {
	Printf(format string, args ...any)
}

type Exchanger interface {
	Exchange(ctx context.Context, code string) (oauth.ExchangeResult, error)
}

type Authorizer interface {
	AuthorizationURL(state string) string
}

type Invoker interface {
	Invoke(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error)
}

type Calendar interface {
	CalendarEvents(ctx context.Context, start, end time.Time) ([]crm.Record, error)
}

// Disconnector removes the active CRM connection and reports its tenant.
type Disconnector interface {
	Disconnect(ctx context.Context) (string, error)
}

// Deps are the collaborators behind the routes. A nil dependency disables
// the routes that need it with a 503.
type Deps struct {
	Exchanger    Exchanger
	Authorizer   Authorizer
	Disconnector Disconnector
	CRM          Invoker
	Calendar     Calendar
	Engine       *syncengine.Engine
	Logger       Logger
}

type ServerConfig struct {
	JWTSecret       string
	RateLimitMax    int
	RateLimitWindow time.Duration
	MaxBodyBytes    int64
	ContactsLimit   int
}

type Server struct {
	deps        Deps
	cfg         ServerConfig
	rateLimiter *rateLimiter

	ctx    context.Context
	cancel context.CancelFunc

	passMu     sync.Mutex
	passCancel context.CancelFunc
	passes     sync.WaitGroup
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps) *Server {
	return NewServerWithConfig(deps, ServerConfig{})
}

func NewServerWithConfig(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	if cfg.ContactsLimit <= 0 {
		cfg.ContactsLimit = 100
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		deps:        deps,
		cfg:         cfg,
		rateLimiter: limiter,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// Close cancels any pass started through the API and waits for it to stop.
func (s *Server) Close() error {
	s.cancel()
	s.passes.Wait()
	return nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	w.Header().Set("X-Correlation-Id", correlationID)

	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	case r.URL.Path == "/dashboard":
		s.handleDashboard(w, r)
		return
	case r.URL.Path == "/v1/oauth/authorize" && r.Method == http.MethodGet:
		s.handleAuthorize(w, r, correlationID)
		return
	case r.URL.Path == "/v1/oauth/callback" && (r.Method == http.MethodGet || r.Method == http.MethodPost):
		s.handleCallback(w, r, correlationID)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	var requiredScope string
	var route string
	switch {
	case len(parts) == 3 && parts[1] == "oauth" && parts[2] == "connection" && r.Method == http.MethodDelete:
		requiredScope = "crm:write"
		route = "disconnect"
	case len(parts) == 2 && parts[1] == "appointments" && r.Method == http.MethodGet:
		requiredScope = "crm:read"
		route = "appointments"
	case len(parts) == 2 && parts[1] == "proxy" && r.Method == http.MethodPost:
		requiredScope = "crm:read"
		route = "proxy"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "sync_start"
	case len(parts) == 2 && parts[1] == "sync" && r.Method == http.MethodDelete:
		requiredScope = "sync:trigger"
		route = "sync_cancel"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "status" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_status"
	case len(parts) == 3 && parts[1] == "sync" && parts[2] == "stream" && r.Method == http.MethodGet:
		requiredScope = "sync:read"
		route = "sync_stream"
	case len(parts) == 2 && parts[1] == "contacts" && r.Method == http.MethodGet:
		requiredScope = "crm:read"
		route = "contacts"
	case len(parts) == 3 && parts[1] == "contacts" && r.Method == http.MethodGet:
		requiredScope = "crm:read"
		route = "contact"
	case len(parts) == 4 && parts[1] == "contacts" && parts[3] == "refresh" && r.Method == http.MethodPost:
		requiredScope = "sync:trigger"
		route = "contact_refresh"
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}

	authHeader := r.Header.Get("Authorization")
	if authHeader == "" && route == "sync_stream" {
		// browsers cannot set headers on a websocket upgrade
		if token := r.URL.Query().Get("access_token"); token != "" {
			authHeader = "Bearer " + token
		}
	}
	claims, authErr := authorizeBearer(authHeader, s.cfg.JWTSecret, requiredScope, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil {
		if !s.rateLimiter.allow(claims.Subject, time.Now().UTC()) {
			retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
			writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
			return
		}
	}

	switch route {
	case "disconnect":
		s.handleDisconnect(w, r, correlationID)
	case "appointments":
		s.handleAppointments(w, r, correlationID)
	case "proxy":
		s.handleProxy(w, r, correlationID)
	case "sync_start":
		s.handleSyncStart(w, r, correlationID)
	case "sync_cancel":
		s.handleSyncCancel(w, r, correlationID)
	case "sync_status":
		s.handleSyncStatus(w, r, correlationID)
	case "sync_stream":
		s.handleSyncStream(w, r, correlationID)
	case "contacts":
		s.handleContacts(w, r, correlationID)
	case "contact":
		s.handleContact(w, r, parts[2], correlationID)
	case "contact_refresh":
		s.handleContactRefresh(w, r, parts[2], correlationID)
	}
}

func (s *Server) handleAuthorize(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Authorizer == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "oauth is not configured", correlationID)
		return
	}
	http.Redirect(w, r, s.deps.Authorizer.AuthorizationURL(r.URL.Query().Get("state")), http.StatusFound)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Exchanger == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "oauth is not configured", correlationID)
		return
	}
	if denied := r.URL.Query().Get("error"); denied != "" {
		writeError(w, http.StatusBadRequest, "authorization_denied", "authorization was not granted: "+denied, correlationID)
		return
	}
	code := r.URL.Query().Get("code")
	if code == "" && r.Method == http.MethodPost {
		var payload struct {
			Code string `json:"code"`
		}
		if !s.decodeJSONBody(w, r, correlationID, &payload) {
			return
		}
		code = payload.Code
	}

	result, err := s.deps.Exchanger.Exchange(r.Context(), code)
	if err != nil {
		status, errCode := exchangeErrorStatus(err)
		message := err.Error()
		var exErr *oauth.ExchangeError
		if errors.As(err, &exErr) {
			message = exErr.Message()
		}
		s.logf("oauth callback failed correlation_id=%s: %v", correlationID, err)
		writeError(w, status, errCode, message, correlationID)
		return
	}
	if result.Duplicate {
		writeJSON(w, http.StatusAccepted, map[string]any{"success": true, "duplicate": true})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "locationId": result.TenantID})
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Disconnector == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "oauth is not configured", correlationID)
		return
	}
	s.cancelPass()
	tenantID, err := s.deps.Disconnector.Disconnect(r.Context())
	if err != nil {
		if errors.Is(err, credential.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_connected", "no crm connection to remove", correlationID)
			return
		}
		s.logf("disconnect failed correlation_id=%s: %v", correlationID, err)
		writeError(w, http.StatusInternalServerError, "persistence_failed", "failed to remove the crm connection", correlationID)
		return
	}
	s.logf("crm disconnected location %s", tenantID)
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "locationId": tenantID})
}

func exchangeErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, oauth.ErrEmptyCode):
		return http.StatusBadRequest, "bad_request"
	case errors.Is(err, oauth.ErrInvalidGrant):
		return http.StatusBadRequest, "invalid_grant"
	case errors.Is(err, oauth.ErrMalformedResponse):
		return http.StatusBadGateway, "malformed_response"
	case errors.Is(err, oauth.ErrPersistence):
		return http.StatusInternalServerError, "persistence_failed"
	case errors.Is(err, oauth.ErrNetwork):
		return http.StatusBadGateway, "upstream_unavailable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.CRM == nil {
		writeProxyError(w, http.StatusServiceUnavailable, "crm client is not configured", nil)
		return
	}
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return
	}
	inv, err := crm.ParseInvocation(body)
	if err != nil {
		writeProxyError(w, http.StatusBadRequest, err.Error(), nil)
		return
	}
	out, err := s.deps.CRM.Invoke(r.Context(), inv.Action, inv.Params)
	if err != nil {
		s.writeCRMError(w, err, correlationID)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(out)
}

// writeCRMError renders a failed CRM call with the proxy envelope.
func (s *Server) writeCRMError(w http.ResponseWriter, err error, correlationID string) {
	var httpErr *crm.HTTPError
	switch {
	case errors.As(err, &httpErr):
		writeProxyError(w, httpErr.StatusCode, httpErr.Error(), httpErr.Details)
	case errors.Is(err, gateway.ErrUnauthenticated):
		writeProxyError(w, http.StatusUnauthorized, "no crm connection, authorize first", nil)
	case errors.Is(err, gateway.ErrReauthorizationRequired):
		writeProxyError(w, http.StatusUnauthorized, "token expired and refresh failed, please reconnect", nil)
	case errors.Is(err, crm.ErrInvalidParams), errors.Is(err, crm.ErrUnknownAction):
		writeProxyError(w, http.StatusBadRequest, err.Error(), nil)
	case errors.Is(err, crm.ErrMalformedPayload):
		writeProxyError(w, http.StatusBadGateway, err.Error(), nil)
	default:
		s.logf("crm call failed correlation_id=%s: %v", correlationID, err)
		writeProxyError(w, http.StatusBadGateway, err.Error(), nil)
	}
}

func (s *Server) handleSyncStart(w http.ResponseWriter, r *http.Request, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	wait, err := parseOptionalBool(r.URL.Query().Get("wait"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid wait value", correlationID)
		return
	}

	done, started := s.StartSync()
	if !started {
		writeJSON(w, http.StatusOK, map[string]any{"status": syncengine.StatusSkipped, "progress": engine.Progress()})
		return
	}
	if !wait {
		writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "correlationId": correlationID})
		return
	}
	select {
	case result := <-done:
		writeJSON(w, http.StatusOK, result)
	case <-r.Context().Done():
	}
}

// StartSync begins a pass that the server tracks, so the API can report it
// and DELETE /v1/sync can cancel it. It reports false when a pass is already
// active, whoever started it, or when no engine is configured. The channel
// receives the result once.
func (s *Server) StartSync() (<-chan syncengine.Result, bool) {
	engine := s.deps.Engine
	if engine == nil {
		return nil, false
	}
	s.passMu.Lock()
	defer s.passMu.Unlock()
	if s.passCancel != nil {
		return nil, false
	}
	passCtx, cancel := context.WithCancel(s.ctx)
	results, ok := engine.Start(passCtx)
	if !ok {
		cancel()
		return nil, false
	}
	s.passCancel = cancel
	s.passes.Add(1)

	done := make(chan syncengine.Result, 1)
	go func() {
		defer s.passes.Done()
		result := <-results
		s.passMu.Lock()
		s.passCancel = nil
		s.passMu.Unlock()
		cancel()
		if result.Error != "" {
			s.logf("sync pass ended with %s: %s", result.Status, result.Error)
		}
		done <- result
	}()
	return done, true
}

func (s *Server) cancelPass() bool {
	s.passMu.Lock()
	cancel := s.passCancel
	s.passMu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (s *Server) handleSyncCancel(w http.ResponseWriter, _ *http.Request, correlationID string) {
	if !s.cancelPass() {
		if s.deps.Engine != nil && s.deps.Engine.Running() {
			writeError(w, http.StatusConflict, "not_cancellable", "the running pass was not started by this server", correlationID)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "idle", "correlationId": correlationID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "cancelling", "correlationId": correlationID})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, _ *http.Request, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	payload := map[string]any{
		"running":  engine.Running(),
		"progress": engine.Progress(),
		"records":  engine.Len(),
	}
	if last, ok := engine.LastResult(); ok {
		payload["lastResult"] = last
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	params := r.URL.Query()
	limit, err := parseOptionalBoundedInt(params.Get("limit"), s.cfg.ContactsLimit, 1, 1000)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid limit", correlationID)
		return
	}
	offset, err := parseOptionalBoundedInt(params.Get("offset"), 0, 0, math.MaxInt32)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid offset", correlationID)
		return
	}
	desc, err := parseOptionalBool(params.Get("desc"), false)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid desc value", correlationID)
		return
	}

	appointmentsKnown := engine.AppointmentsKnown()
	view := query.Apply(engine.Records(), query.Aux{
		Appointments:      engine.Appointments(),
		AppointmentsKnown: appointmentsKnown,
		CustomFields:      engine.CustomFields(),
	}, query.Options{
		Search:         params.Get("search"),
		HasDocument:    query.ParseFilter(params.Get("document")),
		HasAppointment: query.ParseFilter(params.Get("appointment")),
		Sort:           query.Sort{Field: params.Get("sort"), Desc: desc},
	})
	total := len(view)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	payload := map[string]any{
		"contacts": view[offset:end],
		"total":    total,
		"offset":   offset,
		"limit":    limit,
		"progress": engine.Progress(),
		// false means the appointment filter was not applied
		"appointmentsKnown": appointmentsKnown,
	}
	if end < total {
		payload["nextOffset"] = end
	}
	if last, ok := engine.LastResult(); ok && last.Status == syncengine.StatusPartial {
		payload["incomplete"] = true
	}
	writeJSON(w, http.StatusOK, payload)
}

const appointmentDateLayout = "2006-01-02"

// handleAppointments lists the calendar events of one UTC day, today when no
// date is given.
func (s *Server) handleAppointments(w http.ResponseWriter, r *http.Request, correlationID string) {
	if s.deps.Calendar == nil {
		writeProxyError(w, http.StatusServiceUnavailable, "crm client is not configured", nil)
		return
	}
	day := time.Now().UTC().Truncate(24 * time.Hour)
	if raw := strings.TrimSpace(r.URL.Query().Get("date")); raw != "" {
		parsed, err := time.Parse(appointmentDateLayout, raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "bad_request", "date must be YYYY-MM-DD", correlationID)
			return
		}
		day = parsed
	}
	events, err := s.deps.Calendar.CalendarEvents(r.Context(), day, day.Add(24*time.Hour))
	if err != nil {
		s.writeCRMError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":   day.Format(appointmentDateLayout),
		"events": nonNil(events),
	})
}

func (s *Server) handleContact(w http.ResponseWriter, _ *http.Request, id, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	record, ok := engine.Record(id)
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "contact not found", correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contact":      record,
		"appointments": nonNil(engine.AppointmentsFor(id)),
	})
}

func (s *Server) handleContactRefresh(w http.ResponseWriter, r *http.Request, id, correlationID string) {
	engine := s.deps.Engine
	if engine == nil {
		writeError(w, http.StatusServiceUnavailable, "not_configured", "sync engine is not configured", correlationID)
		return
	}
	record, err := engine.DeepSync(r.Context(), id)
	if err != nil {
		s.writeCRMError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"contact":      record,
		"appointments": nonNil(engine.AppointmentsFor(record.ID())),
	})
}

func nonNil(records []crm.Record) []crm.Record {
	if records == nil {
		return []crm.Record{}
	}
	return records
}

func (s *Server) logf(format string, args ...any) {
	if s.deps.Logger == nil {
		return
	}
	s.deps.Logger.Printf(format, args...)
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get("X-Correlation-Id")
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return true
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func writeProxyError(w http.ResponseWriter, status int, message string, details json.RawMessage) {
	payload := map[string]any{"error": message}
	if len(details) > 0 {
		payload["details"] = details
	}
	writeJSON(w, status, payload)
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func parseOptionalBoundedInt(raw string, fallback, min, max int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if value < min {
		return min, nil
	}
	if value > max {
		return max, nil
	}
	return value, nil
}

func parseOptionalBool(raw string, fallback bool) (bool, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	return strconv.ParseBool(raw)
}
