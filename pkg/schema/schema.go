// Package schema defines typed-record schemas: an ordered field list with
// declared types, defaults and enumerations, a validating constructor from a
// JSON-like mapping, and a serializer back to plain values.
package schema

import (
	"encoding/json"
	"fmt"
)

// Type is the declared type of a field.
type Type string

const (
	TypeString  Type = "string"
	TypeInteger Type = "integer"
	TypeNumber  Type = "number"
	TypeBoolean Type = "boolean"
	TypeArray   Type = "array"
	TypeObject  Type = "object"
	TypeEnum    Type = "enum"
)

// Record is a schema-conformant value built by Decode or Defaults.
type Record = map[string]any

// Field describes one field of a schema.
type Field struct {
	Name        string
	Type        Type
	Description string
	// Enum lists the allowed values for TypeEnum fields, in preference order.
	Enum []string
	// Fallback is the enum value used when free text matches no option.
	// Empty means unmatched text is a validation error.
	Fallback string
	Default  any
	Optional bool
	// Items describes array elements. Nil accepts any element.
	Items *Field
	// Properties describes nested object fields. Nil accepts any mapping.
	Properties []Field
}

// Schema is a named, ordered list of fields.
type Schema struct {
	Name        string
	Description string
	Fields      []Field
}

// New creates a schema.
func New(name string, fields ...Field) *Schema {
	return &Schema{Name: name, Fields: fields}
}

// Field returns the field with the given name.
func (s *Schema) Field(name string) (Field, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return Field{}, false
}

// Has reports whether the schema declares a field.
func (s *Schema) Has(name string) bool {
	_, ok := s.Field(name)
	return ok
}

// Check validates the schema definition itself.
func (s *Schema) Check() error {
	if s == nil {
		return fmt.Errorf("schema is nil")
	}
	if s.Name == "" {
		return fmt.Errorf("schema name is required")
	}
	return checkFields(s.Name, s.Fields)
}

func checkFields(path string, fields []Field) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if f.Name == "" {
			return fmt.Errorf("%s: field name is required", path)
		}
		if seen[f.Name] {
			return fmt.Errorf("%s: duplicate field %q", path, f.Name)
		}
		seen[f.Name] = true
		switch f.Type {
		case TypeEnum:
			if len(f.Enum) == 0 {
				return fmt.Errorf("%s.%s: enum field has no options", path, f.Name)
			}
			if f.Fallback != "" && !contains(f.Enum, f.Fallback) {
				return fmt.Errorf("%s.%s: fallback %q is not an option", path, f.Name, f.Fallback)
			}
		case TypeObject:
			if err := checkFields(path+"."+f.Name, f.Properties); err != nil {
				return err
			}
		case TypeArray:
			if f.Items != nil && f.Items.Type == TypeObject {
				if err := checkFields(path+"."+f.Name+"[]", f.Items.Properties); err != nil {
					return err
				}
			}
		case TypeString, TypeInteger, TypeNumber, TypeBoolean:
		default:
			return fmt.Errorf("%s.%s: unknown type %q", path, f.Name, f.Type)
		}
	}
	return nil
}

// JSONSchema renders the schema as a draft-07 style JSON schema mapping.
func (s *Schema) JSONSchema() map[string]any {
	out := objectSchema(s.Fields)
	out["title"] = s.Name
	if s.Description != "" {
		out["description"] = s.Description
	}
	return out
}

// MarshalIndent renders JSONSchema for inclusion in prompts.
func (s *Schema) MarshalIndent() string {
	data, err := json.MarshalIndent(s.JSONSchema(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

func objectSchema(fields []Field) map[string]any {
	props := make(map[string]any, len(fields))
	required := make([]string, 0, len(fields))
	for _, f := range fields {
		props[f.Name] = fieldSchema(f)
		if !f.Optional {
			required = append(required, f.Name)
		}
	}
	out := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		out["required"] = required
	}
	return out
}

func fieldSchema(f Field) map[string]any {
	var out map[string]any
	switch f.Type {
	case TypeEnum:
		out = map[string]any{"type": "string", "enum": f.Enum}
	case TypeArray:
		out = map[string]any{"type": "array"}
		if f.Items != nil {
			out["items"] = fieldSchema(*f.Items)
		}
	case TypeObject:
		if f.Properties != nil {
			out = objectSchema(f.Properties)
		} else {
			out = map[string]any{"type": "object"}
		}
	default:
		out = map[string]any{"type": string(f.Type)}
	}
	if f.Description != "" {
		out["description"] = f.Description
	}
	if f.Default != nil {
		out["default"] = f.Default
	}
	return out
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
