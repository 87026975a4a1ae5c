package crm

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

var ErrMalformedPayload = errors.New("malformed CRM payload")

const (
	contactPageSchemaURL   = "relaycrm://schemas/contact-page.json"
	contactDetailSchemaURL = "relaycrm://schemas/contact-detail.json"
	invocationSchemaURL    = "relaycrm://schemas/invocation.json"
)

const contactObjectSchema = `{
	"type": "object",
	"required": ["id"],
	"properties": {"id": {"type": "string", "minLength": 1}}
}`

var schemaDocs = map[string]string{
	contactPageSchemaURL: `{
		"type": "object",
		"required": ["contacts"],
		"properties": {
			"contacts": {"type": "array", "items": ` + contactObjectSchema + `},
			"meta": {
				"type": ["object", "null"],
				"properties": {
					"total": {"type": ["integer", "null"], "minimum": 0},
					"startAfter": {"type": ["string", "number", "null"]},
					"startAfterId": {"type": ["string", "null"]}
				}
			}
		}
	}`,
	contactDetailSchemaURL: `{
		"type": "object",
		"required": ["contact"],
		"properties": {"contact": ` + contactObjectSchema + `}
	}`,
	invocationSchemaURL: `{
		"type": "object",
		"properties": {
			"action": {"enum": ["get_stats", "get_contacts", "get_contact_detail", "get_contact_appointments", "get_custom_fields", "get_calendar_events", "raw"]},
			"endpoint": {"type": "string", "pattern": "^/[^/]"},
			"method": {"enum": ["GET", "POST", "PUT", "PATCH", "DELETE", "get", "post", "put", "patch", "delete"]},
			"body": {"type": ["object", "array", "null"]}
		},
		"anyOf": [{"required": ["action"]}, {"required": ["endpoint"]}]
	}`,
}

var (
	schemaOnce sync.Once
	schemaErr  error
	schemas    map[string]*jsonschema.Schema
)

func compiledSchema(url string) (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		for loc, doc := range schemaDocs {
			parsed, err := jsonschema.UnmarshalJSON(strings.NewReader(doc))
			if err != nil {
				schemaErr = fmt.Errorf("parse schema %s: %w", loc, err)
				return
			}
			if err := compiler.AddResource(loc, parsed); err != nil {
				schemaErr = fmt.Errorf("add schema %s: %w", loc, err)
				return
			}
		}
		compiled := make(map[string]*jsonschema.Schema, len(schemaDocs))
		for loc := range schemaDocs {
			sch, err := compiler.Compile(loc)
			if err != nil {
				schemaErr = fmt.Errorf("compile schema %s: %w", loc, err)
				return
			}
			compiled[loc] = sch
		}
		schemas = compiled
	})
	if schemaErr != nil {
		return nil, schemaErr
	}
	return schemas[url], nil
}

// validatePayload checks raw JSON against one of the built-in schemas.
func validatePayload(url string, payload []byte) error {
	sch, err := compiledSchema(url)
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if err := sch.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}
