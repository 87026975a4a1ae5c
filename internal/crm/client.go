// Package crm maps the CRM's contact endpoints onto typed calls made through
// the authenticated gateway.
package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/agentworkforce/relaycrm/internal/credential"
	"github.com/agentworkforce/relaycrm/internal/gateway"
)

// HTTPError is a non-2xx provider reply. Details holds the provider body
// when it was JSON.
type HTTPError struct {
	StatusCode int
	Message    string
	Details    json.RawMessage
}

func (e *HTTPError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("crm http %d", e.StatusCode)
	}
	return fmt.Sprintf("crm http %d: %s", e.StatusCode, e.Message)
}

// Doer is the part of the gateway the client needs.
type Doer interface {
	Do(ctx context.Context, req gateway.Request) (*gateway.Response, error)
	Tenant(ctx context.Context) (gateway.Tenant, error)
}

type Client struct {
	gw Doer
}

func NewClient(gw Doer) *Client {
	return &Client{gw: gw}
}

// Stats reads the contact total with a one-row listing.
func (c *Client) Stats(ctx context.Context) (Stats, error) {
	page, err := c.ListContacts(ctx, ContactsQuery{Limit: 1})
	if err != nil {
		return Stats{}, err
	}
	return Stats{TotalContacts: page.Total}, nil
}

// ListContacts fetches one page from the listing endpoint that matches the
// tenant's scope.
func (c *Client) ListContacts(ctx context.Context, q ContactsQuery) (ContactPage, error) {
	tenant, err := c.gw.Tenant(ctx)
	if err != nil {
		return ContactPage{}, err
	}
	params := url.Values{}
	endpoint := "/contacts/"
	if tenant.Scope == credential.ScopeBusiness {
		endpoint = "/contacts/business/" + url.PathEscape(tenant.CompanyID)
	} else {
		params.Set("locationId", tenant.LocationID)
	}
	if q.Limit > 0 {
		params.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.StartAfter != "" {
		params.Set("startAfter", q.StartAfter)
	}
	if q.StartAfterID != "" {
		params.Set("startAfterId", q.StartAfterID)
	}
	if strings.TrimSpace(q.Query) != "" {
		params.Set("query", strings.TrimSpace(q.Query))
	}

	body, err := c.getJSON(ctx, endpoint, params)
	if err != nil {
		return ContactPage{}, err
	}
	if err := validatePayload(contactPageSchemaURL, body); err != nil {
		return ContactPage{}, err
	}
	var payload struct {
		Contacts []Record `json:"contacts"`
		Meta     *struct {
			Total        *int            `json:"total"`
			StartAfter   json.RawMessage `json:"startAfter"`
			StartAfterID json.RawMessage `json:"startAfterId"`
		} `json:"meta"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ContactPage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	page := ContactPage{Contacts: payload.Contacts}
	if payload.Meta != nil {
		if payload.Meta.Total != nil {
			page.Total = *payload.Meta.Total
		}
		next := Cursor{
			StartAfter:   scalarText(payload.Meta.StartAfter),
			StartAfterID: scalarText(payload.Meta.StartAfterID),
		}
		if next.StartAfter != "" || next.StartAfterID != "" {
			page.Next = &next
		}
	}
	return page, nil
}

func (c *Client) Contact(ctx context.Context, id string) (Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: contact id is required", ErrInvalidParams)
	}
	body, err := c.getJSON(ctx, "/contacts/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	if err := validatePayload(contactDetailSchemaURL, body); err != nil {
		return nil, err
	}
	var payload struct {
		Contact Record `json:"contact"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload.Contact, nil
}

func (c *Client) ContactAppointments(ctx context.Context, id string) ([]Record, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: contact id is required", ErrInvalidParams)
	}
	body, err := c.getJSON(ctx, "/contacts/"+url.PathEscape(id)+"/appointments", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Events []Record `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload.Events, nil
}

// CalendarEvents lists the tenant's calendar events starting in [start, end).
func (c *Client) CalendarEvents(ctx context.Context, start, end time.Time) ([]Record, error) {
	if !end.After(start) {
		return nil, fmt.Errorf("%w: calendar window end must be after start", ErrInvalidParams)
	}
	tenant, err := c.gw.Tenant(ctx)
	if err != nil {
		return nil, err
	}
	params := url.Values{}
	params.Set("locationId", tenant.LocationID)
	params.Set("startTime", strconv.FormatInt(start.UnixMilli(), 10))
	params.Set("endTime", strconv.FormatInt(end.UnixMilli(), 10))
	body, err := c.getJSON(ctx, "/calendars/events", params)
	if err != nil {
		return nil, err
	}
	var payload struct {
		Events []Record `json:"events"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload.Events, nil
}

func (c *Client) CustomFields(ctx context.Context) ([]Record, error) {
	tenant, err := c.gw.Tenant(ctx)
	if err != nil {
		return nil, err
	}
	body, err := c.getJSON(ctx, "/locations/"+url.PathEscape(tenant.LocationID)+"/customFields", nil)
	if err != nil {
		return nil, err
	}
	var payload struct {
		CustomFields []Record `json:"customFields"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return payload.CustomFields, nil
}

// Raw forwards an arbitrary provider path. The response is returned whatever
// its status.
func (c *Client) Raw(ctx context.Context, endpoint, method string, body json.RawMessage) (*gateway.Response, error) {
	endpoint = strings.TrimSpace(endpoint)
	if !strings.HasPrefix(endpoint, "/") || strings.HasPrefix(endpoint, "//") {
		return nil, fmt.Errorf("%w: endpoint must be a provider path", ErrInvalidParams)
	}
	if string(body) == "null" {
		body = nil
	}
	return c.gw.Do(ctx, gateway.Request{Method: method, Endpoint: endpoint, Body: body})
}

func (c *Client) getJSON(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	resp, err := c.gw.Do(ctx, gateway.Request{Method: http.MethodGet, Endpoint: endpoint, Query: params})
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, providerError(resp)
	}
	return resp.Body, nil
}

func providerError(resp *gateway.Response) *HTTPError {
	herr := &HTTPError{StatusCode: resp.StatusCode}
	if json.Valid(resp.Body) {
		herr.Details = json.RawMessage(resp.Body)
		var payload struct {
			Message json.RawMessage `json:"message"`
			Error   string          `json:"error"`
		}
		if err := json.Unmarshal(resp.Body, &payload); err == nil {
			herr.Message = messageText(payload.Message)
			if herr.Message == "" {
				herr.Message = payload.Error
			}
		}
	}
	if herr.Message == "" {
		herr.Message = http.StatusText(resp.StatusCode)
	}
	return herr
}

// messageText accepts the provider's message as a string or a list of strings.
func messageText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return strings.Join(list, "; ")
	}
	return scalarText(raw)
}

// Temporary reports whether a failed call is worth retrying.
func Temporary(err error) bool {
	var herr *HTTPError
	if errors.As(err, &herr) {
		return herr.StatusCode == http.StatusTooManyRequests || herr.StatusCode >= 500
	}
	return true
}
