package coerce

import (
	"fmt"
	"strings"

	"github.com/zen-systems/verdict/pkg/schema"
)

// FormatPrompt asks the formatter to map raw text onto the schema.
func FormatPrompt(s *schema.Schema, name, raw string) string {
	return buildPrompt(s, name, raw, "")
}

// RetryPrompt repeats FormatPrompt with the previous validation error.
func RetryPrompt(s *schema.Schema, name, raw, lastErr string) string {
	return buildPrompt(s, name, raw, lastErr)
}

func buildPrompt(s *schema.Schema, name, raw, lastErr string) string {
	var sb strings.Builder

	sb.WriteString("You are a strict JSON formatter.\n")
	sb.WriteString(fmt.Sprintf("Target schema name: %s\n", name))
	sb.WriteString(fmt.Sprintf("Target JSON schema: %s\n\n", s.MarshalIndent()))
	sb.WriteString("Raw text to convert:\n")
	sb.WriteString(raw)
	sb.WriteString("\n\n")

	if lastErr != "" {
		sb.WriteString("Your previous response was invalid JSON for this schema.\n")
		sb.WriteString(fmt.Sprintf("Validation error: %s\n", lastErr))
		sb.WriteString("Return ONLY one valid JSON object, no prose, no markdown.\n")
	}

	sb.WriteString("Output requirements:\n")
	sb.WriteString("- Return exactly one JSON object\n")
	sb.WriteString("- Do not include markdown fences\n")
	sb.WriteString("- Do not include comments\n")
	sb.WriteString("- Use empty strings/lists when uncertain\n")

	return sb.String()
}
