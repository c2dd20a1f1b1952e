package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// ValidationError lists every field that failed to decode.
type ValidationError struct {
	Schema   string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Schema, strings.Join(e.Problems, "; "))
}

// Decode validates m against the schema and returns a normalized record.
// Unknown keys are dropped. Missing fields take their declared default;
// missing optional fields collapse to an empty collection or nil.
func (s *Schema) Decode(m map[string]any) (Record, error) {
	if m == nil {
		return nil, &ValidationError{Schema: s.Name, Problems: []string{"expected an object"}}
	}
	rec, problems := decodeObject(s.Fields, m, "")
	if len(problems) > 0 {
		return nil, &ValidationError{Schema: s.Name, Problems: problems}
	}
	return rec, nil
}

// Defaults builds the safe default record: declared defaults first, then
// type-derived values (first option for enums, nil for optional scalars).
func (s *Schema) Defaults() Record {
	return defaultsFor(s.Fields)
}

// Encode serializes a record to plain JSON-compatible values, keeping only
// declared fields.
func (s *Schema) Encode(r Record) map[string]any {
	out := make(map[string]any, len(s.Fields))
	for _, f := range s.Fields {
		if v, ok := r[f.Name]; ok {
			out[f.Name] = Plain(v)
		}
	}
	return out
}

func defaultsFor(fields []Field) map[string]any {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		out[f.Name] = defaultValue(f)
	}
	return out
}

func defaultValue(f Field) any {
	if f.Default != nil {
		if v, err := decodeValue(f, f.Default, f.Name); err == nil {
			return v
		}
	}
	if f.Optional {
		return emptyFor(f)
	}
	return ZeroValue(f)
}

func emptyFor(f Field) any {
	if f.Type == TypeObject && f.Properties != nil {
		return defaultsFor(f.Properties)
	}
	return EmptyValue(f.Type)
}

func decodeObject(fields []Field, m map[string]any, prefix string) (map[string]any, []string) {
	out := make(map[string]any, len(fields))
	var problems []string
	for _, f := range fields {
		path := prefix + f.Name
		v, present := m[f.Name]
		if v == nil {
			switch {
			case f.Default != nil:
				out[f.Name] = defaultValue(f)
			case f.Optional:
				out[f.Name] = emptyFor(f)
			case present:
				problems = append(problems, path+": must not be null")
			default:
				problems = append(problems, path+": required field is missing")
			}
			continue
		}
		val, err := decodeValue(f, v, path)
		if err != nil {
			problems = append(problems, err.Error())
			continue
		}
		out[f.Name] = val
	}
	return out, problems
}

func decodeValue(f Field, v any, path string) (any, error) {
	switch f.Type {
	case TypeString:
		switch x := v.(type) {
		case string:
			return x, nil
		case float64, int, int64, bool, json.Number:
			return fmt.Sprint(x), nil
		case []any:
			parts := make([]string, 0, len(x))
			for _, item := range x {
				parts = append(parts, fmt.Sprint(item))
			}
			return strings.Join(parts, ", "), nil
		}
	case TypeInteger:
		if n, ok := toFloat(v); ok && n == math.Trunc(n) {
			return int(n), nil
		}
	case TypeNumber:
		if n, ok := toFloat(v); ok {
			return n, nil
		}
	case TypeBoolean:
		if b, ok := ParseBool(v); ok {
			return b, nil
		}
	case TypeEnum:
		text, ok := v.(string)
		if !ok {
			text = fmt.Sprint(v)
		}
		if opt, ok := NormalizeEnum(text, f.Enum, f.Fallback); ok {
			return opt, nil
		}
		return nil, fmt.Errorf("%s: %q is not one of %v", path, text, f.Enum)
	case TypeArray:
		return decodeArray(f, v, path)
	case TypeObject:
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		if f.Properties == nil {
			return Plain(m), nil
		}
		rec, problems := decodeObject(f.Properties, m, path+".")
		if len(problems) > 0 {
			return nil, fmt.Errorf("%s", strings.Join(problems, "; "))
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%s: expected %s, got %T", path, f.Type, v)
}

func decodeArray(f Field, v any, path string) (any, error) {
	var items []any
	switch x := v.(type) {
	case []any:
		items = x
	case []string:
		for _, s := range x {
			items = append(items, s)
		}
	case string:
		// a bare string where a list was expected is treated as one element
		if strings.TrimSpace(x) == "" {
			return []any{}, nil
		}
		items = []any{x}
	default:
		return nil, fmt.Errorf("%s: expected array, got %T", path, v)
	}
	out := make([]any, 0, len(items))
	for i, item := range items {
		if f.Items == nil {
			out = append(out, Plain(item))
			continue
		}
		val, err := decodeValue(*f.Items, item, fmt.Sprintf("%s[%d]", path, i))
		if err != nil {
			return nil, err
		}
		out = append(out, val)
	}
	return out, nil
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

// Plain deep-copies v into built-in JSON types.
func Plain(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[k] = Plain(val)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = Plain(val)
		}
		return out
	case []string:
		out := make([]any, len(x))
		for i, val := range x {
			out[i] = val
		}
		return out
	default:
		return v
	}
}
