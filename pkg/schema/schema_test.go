package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func diagnosisSchema() *Schema {
	return New("Diagnosis",
		String("condition", "most likely condition"),
		Enum("probability", "likelihood", "high", "moderate", "low").WithFallback("moderate"),
		Bool("urgent", "needs urgent referral"),
		Integer("rank", "position in the differential").AsOptional(),
		Number("score", "confidence score").WithDefault(0.5),
		Strings("features", "supporting features").AsOptional(),
		Object("details", "extra detail",
			String("note", ""),
			Enum("severity", "", "mild", "severe"),
		).AsOptional(),
	)
}

func TestDecodeNormalizesFields(t *testing.T) {
	s := diagnosisSchema()
	rec, err := s.Decode(map[string]any{
		"condition":   "Melanoma",
		"probability": "High risk",
		"urgent":      "TRUE",
		"rank":        float64(2),
		"features":    nil,
		"extra":       "dropped",
	})
	require.NoError(t, err)

	assert.Equal(t, "high", rec["probability"])
	assert.Equal(t, true, rec["urgent"])
	assert.Equal(t, 2, rec["rank"])
	assert.Equal(t, 0.5, rec["score"])
	assert.Equal(t, []any{}, rec["features"])
	assert.NotContains(t, rec, "extra")
}

func TestDecodeEnumFallbackAndFailure(t *testing.T) {
	s := diagnosisSchema()
	rec, err := s.Decode(map[string]any{"condition": "X", "probability": "unclear", "urgent": false})
	require.NoError(t, err)
	assert.Equal(t, "moderate", rec["probability"])

	strict := New("Strict", Enum("level", "", "a", "b"))
	_, err = strict.Decode(map[string]any{"level": "zzz"})
	require.Error(t, err)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Problems[0], "level")
}

func TestDecodeReportsMissingRequired(t *testing.T) {
	s := diagnosisSchema()
	_, err := s.Decode(map[string]any{"probability": "low"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "condition: required field is missing")
	assert.Contains(t, err.Error(), "urgent: required field is missing")
}

func TestDecodeNestedObject(t *testing.T) {
	s := diagnosisSchema()
	rec, err := s.Decode(map[string]any{
		"condition": "X", "probability": "low", "urgent": "no",
		"details": map[string]any{"note": "n", "severity": "Severe"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"note": "n", "severity": "severe"}, rec["details"])

	_, err = s.Decode(map[string]any{
		"condition": "X", "probability": "low", "urgent": "no",
		"details": map[string]any{"note": "n"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "details.severity")
}

func TestDefaultsRoundTrip(t *testing.T) {
	s := diagnosisSchema()
	defaults := s.Defaults()

	assert.Equal(t, "", defaults["condition"])
	assert.Equal(t, "high", defaults["probability"])
	assert.Equal(t, false, defaults["urgent"])
	assert.Nil(t, defaults["rank"])
	assert.Equal(t, 0.5, defaults["score"])

	rec, err := s.Decode(defaults)
	require.NoError(t, err)
	assert.Equal(t, defaults, s.Encode(rec))
}

func TestNormalizeEnum(t *testing.T) {
	opts := []string{"high", "moderate", "low"}
	tests := []struct {
		in   string
		want string
	}{
		{"HIGH", "high"},
		{"High risk", "high"},
		{"probably low", "low"},
		{"moderate-ish", "moderate"},
		{"no idea", "moderate"},
		{"", "moderate"},
	}
	for _, tt := range tests {
		got, ok := NormalizeEnum(tt.in, opts, "moderate")
		assert.True(t, ok)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestCheckRejectsBadDefinitions(t *testing.T) {
	assert.NoError(t, diagnosisSchema().Check())
	assert.Error(t, New("", String("a", "")).Check())
	assert.Error(t, New("S", String("a", ""), String("a", "")).Check())
	assert.Error(t, New("S", Enum("e", "")).Check())
	assert.Error(t, New("S", Enum("e", "", "x").WithFallback("y")).Check())
}

func TestJSONSchemaListsRequired(t *testing.T) {
	js := diagnosisSchema().JSONSchema()
	assert.Equal(t, "Diagnosis", js["title"])
	required := js["required"].([]string)
	assert.Contains(t, required, "condition")
	assert.NotContains(t, required, "rank")
	props := js["properties"].(map[string]any)
	assert.Equal(t, []string{"high", "moderate", "low"}, props["probability"].(map[string]any)["enum"])
}
