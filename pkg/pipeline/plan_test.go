package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zen-systems/verdict/pkg/schema"
)

func nothing(context.Context, Inputs) (string, error) { return "", nil }

func TestPlanValidate(t *testing.T) {
	valid := func() *Plan {
		return &Plan{
			Name:      "p",
			Inputs:    []InputSpec{{Name: "notes"}},
			FanOut:    []Stage{{Name: "look", Inputs: []string{"notes"}, Execute: nothing}},
			PhaseA:    []Stage{{Name: "think", Inputs: []string{"look"}, Execute: nothing}},
			PhaseB:    []Stage{{Name: "write", Inputs: []string{"think"}, Execute: nothing, Schema: answerSchema}},
			Synthesis: []string{"write"},
		}
	}
	require.NoError(t, valid().Validate())

	tests := []struct {
		name   string
		mutate func(p *Plan)
		want   string
	}{
		{"duplicate", func(p *Plan) { p.PhaseA[0].Name = "look" }, "duplicate stage name: look"},
		{"shadows input", func(p *Plan) { p.PhaseA[0].Name = "notes" }, "duplicate stage name: notes"},
		{"forward reference", func(p *Plan) { p.PhaseA[0].Inputs = []string{"write"} }, "not declared before it"},
		{"fan-out on stage", func(p *Plan) { p.FanOut = append(p.FanOut, Stage{Name: "x", Inputs: []string{"look"}, Execute: nothing}) }, "fan-out stage x cannot depend on stage look"},
		{"no executor", func(p *Plan) { p.PhaseA[0].Execute = nil }, "exactly one of Execute or Build"},
		{"synthesis outside phase B", func(p *Plan) { p.Synthesis = []string{"think"} }, "not a phase B stage"},
		{"terminal without record", func(p *Plan) { p.PhaseB[0].Schema = nil }, "must declare a schema or a builder"},
		{"bad schema", func(p *Plan) { p.PhaseB[0].Schema = schema.New("Bad", schema.Enum("level", "")) }, "write"},
		{"empty", func(p *Plan) { p.FanOut, p.PhaseA, p.PhaseB, p.Synthesis = nil, nil, nil, nil }, "at least one stage"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := valid()
			tt.mutate(p)
			err := p.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestRecoveryStagesFilterInputs(t *testing.T) {
	p := &Plan{
		Name:   "p",
		Inputs: []InputSpec{{Name: "notes"}},
		PhaseA: []Stage{{Name: "a", Execute: nothing}, {Name: "b", Execute: nothing}},
		PhaseB: []Stage{
			{Name: "treatment", Inputs: []string{"a"}, Execute: nothing},
			{Name: "cmo", Inputs: []string{"notes", "a", "b", "treatment"}, Execute: nothing, Schema: answerSchema},
			{Name: "scribe", Inputs: []string{"cmo", "b"}, Execute: nothing, Schema: answerSchema},
		},
		Synthesis: []string{"cmo", "scribe"},
	}
	require.NoError(t, p.Validate())

	produced := map[string]bool{"a": true}
	stages := p.RecoveryStages(func(name string) bool { return produced[name] })
	require.Len(t, stages, 2)
	assert.Equal(t, []string{"notes", "a"}, stages[0].Inputs)
	assert.Equal(t, []string{"cmo"}, stages[1].Inputs)

	// the declared plan is untouched
	assert.Equal(t, []string{"notes", "a", "b", "treatment"}, p.PhaseB[1].Inputs)
}

const manifestYAML = `
name: demo
description: demo manifest
stages:
  - name: summary
    backend: reasoning
    timeout: 90s
    prompt: |
      Notes: {{.Input.notes}}
      Colour: {{.Raw.colour}}
      {{if .Feedback}}Feedback: {{.Feedback}}{{end}}
  - name: look
    backend: vision
    images: true
    prompt: Describe the image.
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)
	require.Len(t, m.Stages, 2)

	st, ok := m.Stage("summary")
	require.True(t, ok)
	assert.Equal(t, "reasoning", st.Backend)
	assert.Equal(t, 90*time.Second, st.Timeout)

	look, _ := m.Stage("look")
	assert.True(t, look.Images)

	in := newInputs(Stage{Name: "summary"}, map[string]any{"notes": "itchy"}, nil)
	prompt, err := st.Render(in)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Notes: itchy")
	assert.Contains(t, prompt, "Colour:")
	assert.NotContains(t, prompt, "no value")
	assert.NotContains(t, prompt, "Feedback")

	in.Feedback = "be brief"
	prompt, err = st.Render(in)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Feedback: be brief")
}

func TestRenderKeepsLiteralTextAndBlanksAbsentValues(t *testing.T) {
	spec := StageSpec{
		Name:    "cmo",
		Backend: "reasoning",
		Prompt:  "Patient: {{.Input.notes}}\nAge: [{{.Input.age}}]\nPlan: [{{.Raw.plan}}]\nNote: [{{.Records.history.note}}]",
	}
	history := &StageResult{Name: "history", Raw: "h", Record: map[string]any{"note": nil}}
	in := newInputs(Stage{Name: "cmo", Inputs: []string{"history", "plan"}},
		map[string]any{"notes": "wrote <no value> on the intake form"},
		map[string]*StageResult{"history": history})

	prompt, err := spec.Render(in)
	require.NoError(t, err)
	assert.Contains(t, prompt, "Patient: wrote <no value> on the intake form")
	assert.Contains(t, prompt, "Age: []")
	assert.Contains(t, prompt, "Plan: []")
	assert.Contains(t, prompt, "Note: []")
	assert.Nil(t, history.Record["note"])
}

func TestManifestValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no name", "stages:\n  - name: a\n    prompt: x\n", "manifest name is required"},
		{"no stages", "name: m\n", "at least one stage"},
		{"duplicate", "name: m\nstages:\n  - name: a\n    prompt: x\n  - name: a\n    prompt: y\n", "duplicate stage name: a"},
		{"empty prompt", "name: m\nstages:\n  - name: a\n", "must have a prompt"},
		{"bad template", "name: m\nstages:\n  - name: a\n    prompt: \"{{.Input\"\n", "invalid prompt template"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadManifest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "manifest.yaml")
	require.NoError(t, os.WriteFile(path, []byte(manifestYAML), 0o600))

	m, err := LoadManifest(path)
	require.NoError(t, err)
	assert.Equal(t, "demo", m.Name)

	_, err = LoadManifest(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
