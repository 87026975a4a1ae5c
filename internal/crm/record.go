package crm

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Record is one CRM entity as returned by the provider. Only "id" is
// interpreted; every other field is carried through untouched.
type Record map[string]any

func (r Record) ID() string {
	return r.String("id")
}

// String renders a scalar field as text. Missing and non-scalar fields are "".
func (r Record) String(field string) string {
	switch v := r[field].(type) {
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case json.Number:
		return v.String()
	case bool:
		return strconv.FormatBool(v)
	default:
		return ""
	}
}

// Clone copies the top-level fields. Nested values are shared.
func (r Record) Clone() Record {
	if r == nil {
		return nil
	}
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Cursor is the provider's startAfter/startAfterId pair. Both halves must be
// present for the cursor to be usable.
type Cursor struct {
	StartAfter   string `json:"startAfter,omitempty"`
	StartAfterID string `json:"startAfterId,omitempty"`
}

func (c *Cursor) Complete() bool {
	return c != nil && strings.TrimSpace(c.StartAfter) != "" && strings.TrimSpace(c.StartAfterID) != ""
}

func (c *Cursor) Equal(other *Cursor) bool {
	if c == nil || other == nil {
		return c == other
	}
	return c.StartAfter == other.StartAfter && c.StartAfterID == other.StartAfterID
}

type ContactPage struct {
	Contacts []Record
	// Next is nil when the provider sent no cursor at all.
	Next  *Cursor
	Total int
}

type ContactsQuery struct {
	Limit        int    `json:"limit,omitempty"`
	StartAfter   string `json:"startAfter,omitempty"`
	StartAfterID string `json:"startAfterId,omitempty"`
	Query        string `json:"query,omitempty"`
}

// UnmarshalJSON accepts the cursor halves as strings or numbers, so a
// caller can echo the provider's meta block back unchanged.
func (q *ContactsQuery) UnmarshalJSON(data []byte) error {
	var raw struct {
		Limit        int             `json:"limit"`
		StartAfter   json.RawMessage `json:"startAfter"`
		StartAfterID json.RawMessage `json:"startAfterId"`
		Query        string          `json:"query"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*q = ContactsQuery{
		Limit:        raw.Limit,
		StartAfter:   scalarText(raw.StartAfter),
		StartAfterID: scalarText(raw.StartAfterID),
		Query:        raw.Query,
	}
	return nil
}

type Stats struct {
	TotalContacts int `json:"totalContacts"`
}

// scalarText normalizes a raw JSON scalar (string, number, null) to text.
func scalarText(raw json.RawMessage) string {
	text := strings.TrimSpace(string(raw))
	if text == "" || text == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	return text
}
