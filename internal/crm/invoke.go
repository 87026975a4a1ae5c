package crm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

const (
	ActionStats               = "get_stats"
	ActionContacts            = "get_contacts"
	ActionContactDetail       = "get_contact_detail"
	ActionContactAppointments = "get_contact_appointments"
	ActionCustomFields        = "get_custom_fields"
	ActionCalendarEvents      = "get_calendar_events"
	ActionRaw                 = "raw"
)

var (
	ErrInvalidParams = errors.New("invalid invocation params")
	ErrUnknownAction = errors.New("unknown action")
)

// Invocation is a proxied call as posted by a dashboard client: either a
// named action with params under "body", or a raw endpoint.
type Invocation struct {
	Action string
	Params json.RawMessage
}

type rawParams struct {
	Endpoint string          `json:"endpoint"`
	Method   string          `json:"method,omitempty"`
	Body     json.RawMessage `json:"body,omitempty"`
}

type contactParams struct {
	ContactID string `json:"contactId"`
}

// calendarParams are epoch milliseconds, as the provider takes them.
type calendarParams struct {
	StartTime int64 `json:"startTime"`
	EndTime   int64 `json:"endTime"`
}

// ParseInvocation validates and decodes a proxy request body.
func ParseInvocation(data []byte) (Invocation, error) {
	if err := validatePayload(invocationSchemaURL, data); err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	var envelope struct {
		Action   string          `json:"action"`
		Endpoint string          `json:"endpoint"`
		Method   string          `json:"method"`
		Body     json.RawMessage `json:"body"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return Invocation{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if envelope.Action == "" || envelope.Action == ActionRaw {
		params, err := json.Marshal(rawParams{Endpoint: envelope.Endpoint, Method: envelope.Method, Body: envelope.Body})
		if err != nil {
			return Invocation{}, err
		}
		return Invocation{Action: ActionRaw, Params: params}, nil
	}
	return Invocation{Action: envelope.Action, Params: envelope.Body}, nil
}

// Invoke runs a named action and returns the provider JSON. Non-2xx replies
// come back as *HTTPError.
func (c *Client) Invoke(ctx context.Context, action string, params json.RawMessage) (json.RawMessage, error) {
	switch strings.TrimSpace(action) {
	case ActionStats:
		stats, err := c.Stats(ctx)
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	case ActionContacts:
		var q ContactsQuery
		if err := decodeParams(params, &q); err != nil {
			return nil, err
		}
		if q.Limit <= 0 {
			q.Limit = 100
		}
		page, err := c.ListContacts(ctx, q)
		if err != nil {
			return nil, err
		}
		return json.Marshal(pageEnvelope(page))
	case ActionContactDetail:
		var p contactParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		contact, err := c.Contact(ctx, p.ContactID)
		if err != nil {
			return nil, err
		}
		return json.Marshal(map[string]any{"contact": contact})
	case ActionContactAppointments:
		var p contactParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		events, err := c.ContactAppointments(ctx, p.ContactID)
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []Record{}
		}
		return json.Marshal(map[string]any{"events": events})
	case ActionCalendarEvents:
		var p calendarParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		events, err := c.CalendarEvents(ctx, time.UnixMilli(p.StartTime), time.UnixMilli(p.EndTime))
		if err != nil {
			return nil, err
		}
		if events == nil {
			events = []Record{}
		}
		return json.Marshal(map[string]any{"events": events})
	case ActionCustomFields:
		fields, err := c.CustomFields(ctx)
		if err != nil {
			return nil, err
		}
		if fields == nil {
			fields = []Record{}
		}
		return json.Marshal(map[string]any{"customFields": fields})
	case ActionRaw:
		var p rawParams
		if err := decodeParams(params, &p); err != nil {
			return nil, err
		}
		resp, err := c.Raw(ctx, p.Endpoint, p.Method, p.Body)
		if err != nil {
			return nil, err
		}
		if !resp.OK() {
			return nil, providerError(resp)
		}
		if len(resp.Body) == 0 {
			return json.RawMessage(`{}`), nil
		}
		if !json.Valid(resp.Body) {
			return nil, fmt.Errorf("%w: non-JSON response", ErrMalformedPayload)
		}
		return json.RawMessage(resp.Body), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func pageEnvelope(page ContactPage) map[string]any {
	contacts := page.Contacts
	if contacts == nil {
		contacts = []Record{}
	}
	meta := map[string]any{"total": page.Total}
	if page.Next != nil {
		meta["startAfter"] = page.Next.StartAfter
		meta["startAfterId"] = page.Next.StartAfterID
	}
	return map[string]any{"contacts": contacts, "meta": meta}
}

func decodeParams(params json.RawMessage, out any) error {
	text := strings.TrimSpace(string(params))
	if text == "" || text == "null" {
		return nil
	}
	if err := json.Unmarshal(params, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}
