package api

import (
	"errors"
	"fmt"
)

type (
	// Schema is a reduced JSON-Schema: required fields plus per-property
	// primitive kinds. Nested validation, enums, and formats are out of
	// scope on purpose; deeper checks belong to the tools themselves
	Schema struct {
		Required   []string                   `json:"required,omitempty"`
		Properties map[string]*SchemaProperty `json:"properties,omitempty"`
	}

	// SchemaProperty describes one field. Type gates input validation;
	// Source/Transform/Value/Default drive output projection
	SchemaProperty struct {
		Type      string     `json:"type,omitempty"`
		Source    string     `json:"source,omitempty"`
		Transform *Transform `json:"transformation,omitempty"`
		Value     any        `json:"value,omitempty"`
		Default   any        `json:"default,omitempty"`
	}
)

var (
	ErrRequiredFieldMissing = errors.New("required field missing")
	ErrFieldWrongType       = errors.New("field has wrong type")
)

// ValidateInput checks the given values against the schema: required
// presence plus primitive kind per property. A nil schema accepts
// anything
func (s *Schema) ValidateInput(values map[string]any) error {
	if s == nil {
		return nil
	}
	for _, name := range s.Required {
		if _, ok := values[name]; !ok {
			return fmt.Errorf("%w: %s", ErrRequiredFieldMissing, name)
		}
	}
	for name, prop := range s.Properties {
		value, ok := values[name]
		if !ok || prop.Type == "" {
			continue
		}
		if !matchesKind(value, prop.Type) {
			return fmt.Errorf("%w: %s expected %s",
				ErrFieldWrongType, name, prop.Type)
		}
	}
	return nil
}

func matchesKind(value any, kind string) bool {
	switch kind {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

// Clone returns a deep copy of the schema
func (s *Schema) Clone() *Schema {
	if s == nil {
		return nil
	}
	res := &Schema{
		Required: append([]string(nil), s.Required...),
	}
	if s.Properties != nil {
		res.Properties = make(map[string]*SchemaProperty, len(s.Properties))
		for name, prop := range s.Properties {
			cp := *prop
			if prop.Transform != nil {
				cp.Transform = prop.Transform.Clone()
			}
			cp.Value = CopyValue(prop.Value)
			cp.Default = CopyValue(prop.Default)
			res.Properties[name] = &cp
		}
	}
	return res
}
