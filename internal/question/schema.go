// Package question describes the schema carried by question events and
// validates answers against it.
package question

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Property describes one answer field.
type Property struct {
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Masked      bool     `json:"masked,omitempty"`
}

// UnmarshalJSON accepts the legacy "_password" flag as an alias of masked.
func (p *Property) UnmarshalJSON(data []byte) error {
	type plain Property
	var aux struct {
		plain
		Password bool `json:"_password"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	*p = Property(aux.plain)
	if aux.Password {
		p.Masked = true
	}
	return nil
}

// Schema is the payload of a question event.
type Schema struct {
	Description string              `json:"description"`
	Properties  map[string]Property `json:"properties"`
}

// Names returns property names in a stable order.
func (s Schema) Names() []string {
	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// JSONSchema renders s as a JSON Schema object document in which every
// property is required and no other properties are allowed.
func (s Schema) JSONSchema() map[string]any {
	props := make(map[string]any, len(s.Properties))
	required := make([]any, 0, len(s.Properties))
	for _, name := range s.Names() {
		p := s.Properties[name]
		doc := map[string]any{}
		if p.Type != "" {
			doc["type"] = p.Type
		}
		if len(p.Enum) > 0 {
			enum := make([]any, len(p.Enum))
			for i, v := range p.Enum {
				enum[i] = v
			}
			doc["enum"] = enum
		}
		props[name] = doc
		required = append(required, name)
	}
	return map[string]any{
		"type":                 "object",
		"properties":           props,
		"required":             required,
		"additionalProperties": false,
	}
}

// Validate checks answer against the schema.
func (s Schema) Validate(answer map[string]any) error {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("question.json", s.JSONSchema()); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := c.Compile("question.json")
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	// Round-trip through JSON so the validator sees plain JSON values.
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("unmarshal answer: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("invalid answer: %w", err)
	}
	return nil
}

// Decode converts a loosely typed schema (as carried in event fields) into a
// Schema.
func Decode(v any) (Schema, error) {
	switch s := v.(type) {
	case Schema:
		return s, nil
	case *Schema:
		if s == nil {
			return Schema{}, fmt.Errorf("nil schema")
		}
		return *s, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return Schema{}, fmt.Errorf("marshal schema: %w", err)
	}
	var s Schema
	if err := json.Unmarshal(raw, &s); err != nil {
		return Schema{}, fmt.Errorf("decode schema: %w", err)
	}
	return s, nil
}
