package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordKeepsExecutionOrderAndGaps(t *testing.T) {
	r := NewRecord("run-1")
	r.SetRaw("biodata", "age 40")
	r.SetStatus("biodata", "direct", "")
	r.SetRaw("treatment", "")
	r.SetStatus("treatment", "missing", "executor: timeout")
	r.SetAdapted("treatment", map[string]any{"plan": []string{}})

	assert.Equal(t, []string{"biodata", "treatment"}, r.Stages())

	m := r.ToPlainMap()
	raw := m["raw_outputs"].(map[string]any)
	assert.Equal(t, "", raw["treatment"])
	assert.Equal(t, "missing", m["adapter_status"].(map[string]any)["treatment"])
	assert.Equal(t, "executor: timeout", m["adapter_errors"].(map[string]any)["treatment"])

	stages := m["stages"].([]any)
	require.Len(t, stages, 2)
	second := stages[1].(map[string]any)
	assert.Equal(t, map[string]any{"plan": []any{}}, second["adapted"])
}

func TestToPlainMapUsesBuiltinTypes(t *testing.T) {
	r := NewRecord("run-1")
	r.SetInput("patient", map[string]any{"age": 40, "tags": []string{"a"}})
	r.SetRaw("s", "x")
	r.SetDuration("s", 1500*time.Millisecond)
	r.Flag("s", "unmatched_winner")
	applied := true
	r.AddFeedback(FeedbackEntry{Round: 2, Action: ActionRejected, Feedback: "check border", Scope: "full", RevisionApplied: &applied, RevisionReason: "border"})

	m := r.ToPlainMap()
	assertPlain(t, m)

	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"revision_applied":true`)
	assert.Contains(t, string(data), `"duration_ms":1500`)
	assert.Contains(t, string(data), `"flags":["unmatched_winner"]`)
}

func assertPlain(t *testing.T, v any) {
	t.Helper()
	switch x := v.(type) {
	case map[string]any:
		for _, val := range x {
			assertPlain(t, val)
		}
	case []any:
		for _, val := range x {
			assertPlain(t, val)
		}
	case nil, string, bool, int, int64, float64:
	default:
		t.Fatalf("non-plain value %T", v)
	}
}

func TestRecordConcurrentWritesToDistinctStages(t *testing.T) {
	r := NewRecord("run-1")
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("s%d", i)
			r.SetRaw(name, "x")
			r.SetStatus(name, "direct", "")
		}(i)
	}
	wg.Wait()
	assert.Len(t, r.Stages(), 20)
}

func TestRunCountAndFeedback(t *testing.T) {
	r := NewRecord("run-1")
	assert.Equal(t, 1, r.RunCount())
	assert.Equal(t, 2, r.NextRound())
	r.AddFeedback(FeedbackEntry{Round: 2, Action: ActionRejected, Feedback: "f"})
	r.UpdateLastFeedback(func(e *FeedbackEntry) { e.RevisionReason = "why" })
	assert.Equal(t, "why", r.Feedback()[0].RevisionReason)
}

func TestWriterWritesRunAndStages(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "run-1")
	require.NoError(t, err)

	r := NewRecord("run-1")
	r.SetRaw("cmo/final", "text")
	r.SetStatus("cmo/final", "ok", "")
	require.NoError(t, w.Write(r))

	data, err := os.ReadFile(filepath.Join(dir, "run-1", "run.json"))
	require.NoError(t, err)
	var run map[string]any
	require.NoError(t, json.Unmarshal(data, &run))
	assert.Equal(t, "run-1", run["run_id"])

	_, err = os.Stat(filepath.Join(dir, "run-1", "stages", "cmo_final.json"))
	assert.NoError(t, err)
}

func TestVerifyDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	w, err := NewWriter(dir, "run-2")
	require.NoError(t, err)

	r := NewRecord("run-2")
	r.SetRaw("anchor", "Psoriasis")
	r.SetStatus("anchor", "direct", "")
	require.NoError(t, w.Write(r))
	require.NoError(t, Verify(w.RunDir()))

	stage := filepath.Join(w.RunDir(), "stages", "anchor.json")
	require.NoError(t, os.WriteFile(stage, []byte(`{"raw_text": "Eczema"}`), 0644))
	err = Verify(w.RunDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "digest mismatch for stages/anchor.json")

	require.NoError(t, os.Remove(stage))
	err = Verify(w.RunDir())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing evidence file stages/anchor.json")
}

func TestVerifyRejectsEscapingPaths(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DigestFile), []byte(`{"../outside.json": "00"}`), 0644))
	err := Verify(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "escapes run directory")
}

func TestNewWriterValidates(t *testing.T) {
	_, err := NewWriter("", "x")
	assert.Error(t, err)
	_, err = NewWriter(t.TempDir(), "")
	assert.Error(t, err)
}
