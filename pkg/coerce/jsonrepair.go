package coerce

import (
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	fencePattern          = regexp.MustCompile("(?s)```(?:json|JSON)?\\s*(.*?)```")
	bareEllipsisPattern   = regexp.MustCompile(`(:\s*)\.\.\.(\s*[,}\]])`)
	leadingEllipsisString = regexp.MustCompile(`(:\s*)"(?:\.\.\.|…)([^"]*)"`)
	invalidEscapePattern  = regexp.MustCompile(`\\([^"\\/bfnrtu]|u[^0-9a-fA-F]|$)`)
)

// prepare turns model output into a JSON object candidate: fences stripped,
// surrounding prose dropped, placeholder faults sanitized, truncation closed,
// and a single-key wrapper unwrapped unless declared(key) reports the key is
// a real field. The result may still be invalid JSON.
func prepare(text string, declared func(string) bool) string {
	text = stripFences(text)
	candidate := extractObject(text)
	if candidate == "" {
		return ""
	}
	candidate = sanitize(candidate)
	candidate = closeTruncated(candidate)
	return unwrapSingleKey(candidate, declared)
}

func stripFences(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil && strings.Contains(m[1], "{") {
		return strings.TrimSpace(m[1])
	}
	// an opening fence whose closing fence was cut off
	if idx := strings.Index(text, "```"); idx >= 0 {
		rest := text[idx+3:]
		rest = strings.TrimPrefix(strings.TrimPrefix(rest, "json"), "JSON")
		if strings.Contains(rest, "{") && !strings.Contains(rest, "```") {
			return strings.TrimSpace(rest)
		}
	}
	return text
}

// extractObject returns the span from the first '{' to the last '}'. When the
// object opened at the first brace never closes, the rest of the text is
// returned so closeTruncated can finish it.
func extractObject(text string) string {
	start := strings.Index(text, "{")
	if start < 0 {
		return ""
	}
	if !balances(text[start:]) {
		return strings.TrimSpace(text[start:])
	}
	end := strings.LastIndex(text, "}")
	return text[start : end+1]
}

// balances reports whether the object at the start of s closes.
func balances(s string) bool {
	depth := 0
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if inString {
			switch c {
			case '\\':
				escaped = true
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{', '[':
			depth++
		case '}', ']':
			depth--
			if depth == 0 {
				return true
			}
		}
	}
	return false
}

func sanitize(s string) string {
	s = bareEllipsisPattern.ReplaceAllString(s, `$1""$2`)
	s = leadingEllipsisString.ReplaceAllString(s, `$1"$2"`)
	if !gjson.Valid(s) {
		s = invalidEscapePattern.ReplaceAllStringFunc(s, func(m string) string {
			return `\` + m
		})
	}
	return s
}

// closeTruncated appends the quote and closers a cut-off generation is missing.
// Quoted characters are skipped and backslash escapes respected while tracking
// the open brace/bracket stack.
func closeTruncated(s string) string {
	if gjson.Valid(s) {
		return s
	}
	var stack []byte
	inString, escaped := false, false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		if c == '\\' {
			escaped = true
			continue
		}
		if c == '"' {
			inString = !inString
			continue
		}
		if inString {
			continue
		}
		switch c {
		case '{':
			stack = append(stack, '}')
		case '[':
			stack = append(stack, ']')
		case '}', ']':
			if len(stack) > 0 && stack[len(stack)-1] == c {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if len(stack) == 0 && !inString {
		return s
	}
	var b strings.Builder
	b.WriteString(s)
	if inString {
		b.WriteByte('"')
	}
	out := strings.TrimRight(b.String(), " \t\r\n,")
	if strings.HasSuffix(out, ":") {
		out += `""`
	}
	b.Reset()
	b.WriteString(out)
	for i := len(stack) - 1; i >= 0; i-- {
		b.WriteByte(stack[i])
	}
	return b.String()
}

// unwrapSingleKey replaces {"Wrapper": {...}} with the inner object.
func unwrapSingleKey(s string, declared func(string) bool) string {
	if !gjson.Valid(s) {
		return s
	}
	root := gjson.Parse(s)
	if !root.IsObject() {
		return s
	}
	var keys int
	var name string
	var inner gjson.Result
	root.ForEach(func(key, value gjson.Result) bool {
		keys++
		name, inner = key.String(), value
		return keys < 2
	})
	if keys == 1 && inner.IsObject() && (declared == nil || !declared(name)) {
		return inner.Raw
	}
	return s
}
