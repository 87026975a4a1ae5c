package query

import (
	"strings"

	"github.com/agentworkforce/relaycrm/internal/crm"
)

const documentMarker = "resume"

// resumeFieldIDs collects custom field definition ids whose id or name
// mentions a resume.
func resumeFieldIDs(definitions []crm.Record) map[string]bool {
	ids := map[string]bool{}
	for _, def := range definitions {
		id := def.ID()
		if id == "" {
			continue
		}
		if mentionsDocument(id) || mentionsDocument(def.String("name")) || mentionsDocument(def.String("fieldKey")) {
			ids[id] = true
		}
	}
	return ids
}

// HasDocument reports whether a contact carries a resume: a custom field whose
// id (or known definition) mentions one, or a value that is a link to one.
func HasDocument(record crm.Record, documentFields map[string]bool) bool {
	fields, _ := record["customFields"].([]any)
	for _, raw := range fields {
		field, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		id, _ := field["id"].(string)
		name, _ := field["name"].(string)
		if documentFields[id] && hasValue(field) {
			return true
		}
		if (mentionsDocument(id) || mentionsDocument(name)) && hasValue(field) {
			return true
		}
		if isDocumentLink(field["value"]) {
			return true
		}
	}
	return false
}

func hasValue(field map[string]any) bool {
	switch v := field["value"].(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(v) != ""
	case []any:
		return len(v) > 0
	case map[string]any:
		return len(v) > 0
	default:
		return true
	}
}

func isDocumentLink(value any) bool {
	switch v := value.(type) {
	case string:
		lower := strings.ToLower(v)
		return strings.Contains(lower, "http") && strings.Contains(lower, documentMarker)
	case []any:
		for _, item := range v {
			if isDocumentLink(item) {
				return true
			}
		}
	case map[string]any:
		for _, item := range v {
			if isDocumentLink(item) {
				return true
			}
		}
	}
	return false
}

func mentionsDocument(text string) bool {
	return strings.Contains(strings.ToLower(text), documentMarker)
}

type bookings struct {
	contactIDs map[string]bool
	emails     map[string]bool
}

func indexAppointments(appointments []crm.Record) bookings {
	b := bookings{contactIDs: map[string]bool{}, emails: map[string]bool{}}
	for _, appt := range appointments {
		if id := strings.TrimSpace(appt.String("contactId")); id != "" {
			b.contactIDs[id] = true
		}
		if email := strings.ToLower(strings.TrimSpace(appt.String("email"))); email != "" {
			b.emails[email] = true
		}
	}
	return b
}

func (b bookings) has(record crm.Record) bool {
	if id := record.ID(); id != "" && b.contactIDs[id] {
		return true
	}
	email := strings.ToLower(strings.TrimSpace(record.String("email")))
	return email != "" && b.emails[email]
}

// HasAppointment reports whether any appointment links to the record by
// contact id or email.
func HasAppointment(record crm.Record, appointments []crm.Record) bool {
	return indexAppointments(appointments).has(record)
}
