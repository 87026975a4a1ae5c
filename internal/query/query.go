// Package query filters and orders a contact snapshot without touching the
// network or mutating its input.
package query

import (
	"sort"
	"strings"
	"time"

	"github.com/agentworkforce/relaycrm/internal/crm"
)

// Filter is a tri-state predicate over a derived boolean.
type Filter string

const (
	Any  Filter = ""
	Has  Filter = "has"
	None Filter = "none"
)

// ParseFilter accepts "has"/"none" (and "yes"/"no", "true"/"false"); anything
// else is Any.
func ParseFilter(raw string) Filter {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "has", "yes", "true", "with":
		return Has
	case "none", "no", "false", "without":
		return None
	default:
		return Any
	}
}

func (f Filter) keep(value bool) bool {
	switch f {
	case Has:
		return value
	case None:
		return !value
	default:
		return true
	}
}

const (
	SortName      = "name"
	SortDateAdded = "dateAdded"
)

type Sort struct {
	Field string
	Desc  bool
}

type Options struct {
	Search         string
	HasDocument    Filter
	HasAppointment Filter
	Sort           Sort
}

// Aux holds the reference collections the derived predicates scan.
// AppointmentsKnown is false until the appointment collection has been
// loaded; the appointment filter is not applied before then.
type Aux struct {
	Appointments      []crm.Record
	AppointmentsKnown bool
	CustomFields      []crm.Record
}

var searchFields = []string{"firstName", "lastName", "contactName", "email", "phone", "source"}

// Apply returns the records matching opts, in sort order. Equal sort keys keep
// their input order.
func Apply(records []crm.Record, aux Aux, opts Options) []crm.Record {
	needle := strings.ToLower(strings.TrimSpace(opts.Search))
	if !aux.AppointmentsKnown {
		opts.HasAppointment = Any
	}
	var booked bookings
	if opts.HasAppointment != Any {
		booked = indexAppointments(aux.Appointments)
	}
	var documentFields map[string]bool
	if opts.HasDocument != Any {
		documentFields = resumeFieldIDs(aux.CustomFields)
	}

	out := make([]crm.Record, 0, len(records))
	for _, record := range records {
		if record == nil {
			continue
		}
		if needle != "" && !matches(record, needle) {
			continue
		}
		if opts.HasDocument != Any && !opts.HasDocument.keep(HasDocument(record, documentFields)) {
			continue
		}
		if opts.HasAppointment != Any && !opts.HasAppointment.keep(booked.has(record)) {
			continue
		}
		out = append(out, record)
	}
	if field := strings.TrimSpace(opts.Sort.Field); field != "" {
		sortRecords(out, field, opts.Sort.Desc)
	}
	return out
}

func matches(record crm.Record, needle string) bool {
	for _, field := range searchFields {
		if strings.Contains(strings.ToLower(record.String(field)), needle) {
			return true
		}
	}
	return false
}

// DisplayName is first and last name, falling back to contactName, then email.
func DisplayName(record crm.Record) string {
	name := strings.TrimSpace(strings.TrimSpace(record.String("firstName")) + " " + strings.TrimSpace(record.String("lastName")))
	if name != "" {
		return name
	}
	if name = strings.TrimSpace(record.String("contactName")); name != "" {
		return name
	}
	return strings.TrimSpace(record.String("email"))
}

func sortRecords(records []crm.Record, field string, desc bool) {
	switch field {
	case SortName:
		keys := make([]string, len(records))
		for i, r := range records {
			keys[i] = strings.ToLower(DisplayName(r))
		}
		sortByText(records, keys, desc)
	case SortDateAdded:
		sortByTime(records, field, desc)
	default:
		keys := make([]string, len(records))
		for i, r := range records {
			keys[i] = strings.ToLower(r.String(field))
		}
		sortByText(records, keys, desc)
	}
}

type keyed[K any] struct {
	record crm.Record
	key    K
}

func sortByText(records []crm.Record, keys []string, desc bool) {
	items := make([]keyed[string], len(records))
	for i, r := range records {
		items[i] = keyed[string]{record: r, key: keys[i]}
	}
	sort.SliceStable(items, func(i, j int) bool {
		if desc {
			return items[i].key > items[j].key
		}
		return items[i].key < items[j].key
	})
	for i := range items {
		records[i] = items[i].record
	}
}

// sortByTime orders parsed timestamps; records whose field does not parse
// sort after every dated record in both directions.
func sortByTime(records []crm.Record, field string, desc bool) {
	items := make([]keyed[time.Time], len(records))
	for i, r := range records {
		items[i] = keyed[time.Time]{record: r, key: parseTime(r.String(field))}
	}
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i].key, items[j].key
		if a.IsZero() || b.IsZero() {
			return !a.IsZero() && b.IsZero()
		}
		if desc {
			return a.After(b)
		}
		return a.Before(b)
	})
	for i := range items {
		records[i] = items[i].record
	}
}

func parseTime(value string) time.Time {
	value = strings.TrimSpace(value)
	if value == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.000Z", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t
		}
	}
	return time.Time{}
}
