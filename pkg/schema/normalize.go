package schema

import "strings"

// NormalizeEnum maps free-form text onto one of options. An exact
// case-insensitive match wins; otherwise the first option contained in the
// text is chosen, so "High risk" becomes "high". Text matching nothing yields
// fallback, and ok is false when fallback is empty.
func NormalizeEnum(text string, options []string, fallback string) (string, bool) {
	needle := strings.ToLower(strings.TrimSpace(text))
	for _, opt := range options {
		if needle == strings.ToLower(opt) {
			return opt, true
		}
	}
	if needle != "" {
		spaced := strings.ReplaceAll(needle, "_", " ")
		for _, opt := range options {
			o := strings.ToLower(opt)
			if strings.Contains(needle, o) || strings.Contains(spaced, strings.ReplaceAll(o, "_", " ")) {
				return opt, true
			}
		}
	}
	if fallback != "" {
		return fallback, true
	}
	return "", false
}

// ParseBool coerces booleans and their common string spellings.
func ParseBool(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y", "1":
			return true, true
		case "false", "no", "n", "0", "":
			return false, true
		}
	case float64:
		return b != 0, true
	case int:
		return b != 0, true
	}
	return false, false
}

// EmptyValue is the value a null collection collapses to. Scalars have none.
func EmptyValue(t Type) any {
	switch t {
	case TypeString:
		return ""
	case TypeArray:
		return []any{}
	case TypeObject:
		return map[string]any{}
	default:
		return nil
	}
}

// ZeroValue is the type-derived default for a required field.
func ZeroValue(f Field) any {
	switch f.Type {
	case TypeInteger:
		return 0
	case TypeNumber:
		return 0.0
	case TypeBoolean:
		return false
	case TypeEnum:
		if len(f.Enum) > 0 {
			return f.Enum[0]
		}
		return ""
	case TypeObject:
		if f.Properties != nil {
			return defaultsFor(f.Properties)
		}
		return map[string]any{}
	default:
		return EmptyValue(f.Type)
	}
}
