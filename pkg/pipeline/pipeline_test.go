package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/zen-systems/verdict/pkg/arbitration"
	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/literature"
	"github.com/zen-systems/verdict/pkg/schema"
)

var answerSchema = schema.New("Answer",
	schema.String("answer", "the chosen answer"),
	schema.Bool("revision_applied", "whether feedback changed the answer").WithDefault(false),
	schema.String("revision_reason", "why").WithDefault(""),
)

// calls counts executions per stage and keeps what each call saw.
type calls struct {
	mu     sync.Mutex
	count  map[string]int
	inputs map[string][][]string
	notes  map[string][]string
}

func newCalls() *calls {
	return &calls{count: map[string]int{}, inputs: map[string][][]string{}, notes: map[string][]string{}}
}

func (c *calls) record(in Inputs) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.count[in.Stage]++
	c.inputs[in.Stage] = append(c.inputs[in.Stage], in.Upstream())
	c.notes[in.Stage] = append(c.notes[in.Stage], in.Feedback)
}

func (c *calls) n(stage string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count[stage]
}

func (c *calls) text(s string) Executor {
	return func(_ context.Context, in Inputs) (string, error) {
		c.record(in)
		return s, nil
	}
}

func (c *calls) fail(msg string) Executor {
	return func(_ context.Context, in Inputs) (string, error) {
		c.record(in)
		return "", errors.New(msg)
	}
}

// answer returns the arbitration winner as an Answer record.
func (c *calls) answer() Executor {
	return func(_ context.Context, in Inputs) (string, error) {
		c.record(in)
		winner := ""
		if in.Decision != nil {
			winner = in.Decision.Winner
		}
		revised := in.Feedback != ""
		return fmt.Sprintf(`{"answer": %q, "revision_applied": %t, "revision_reason": %q}`, winner, revised, in.Feedback), nil
	}
}

func judge(c *calls, response string) *arbitration.Resolver {
	return arbitration.New(arbitration.JudgeFunc(func(context.Context, string) (string, error) {
		c.mu.Lock()
		c.count["arbiter"]++
		c.mu.Unlock()
		return response, nil
	}), nil)
}

func testPlan(c *calls, response string) *Plan {
	return &Plan{
		Name:   "test",
		Inputs: []InputSpec{{Name: "notes", Required: true}, {Name: "image"}},
		FanOut: []Stage{
			{Name: "v1", Inputs: []string{"image"}, Execute: c.text("round and red")},
			{Name: "v2", Inputs: []string{"image"}, Execute: c.fail("backend down")},
		},
		PhaseA: []Stage{
			{Name: "summary", Inputs: []string{"notes", "v1", "v2"}, Execute: c.text("summary text")},
		},
		Arbitration: &ArbitrationStep{
			Name:     "arbiter",
			Inputs:   []string{"summary"},
			Resolver: judge(c, response),
			Candidates: func(in Inputs) (string, []string, string) {
				return "A", []string{"B", "C"}, in.Text("summary")
			},
		},
		PhaseB: []Stage{
			{Name: "plan", Inputs: []string{"summary"}, Execute: c.text("plan text")},
			{Name: "final", Inputs: []string{"plan", "summary"}, Execute: c.answer(), Schema: answerSchema},
		},
		Synthesis: []string{"final"},
		Revision:  &RevisionFields{Applied: "revision_applied", Reason: "revision_reason"},
	}
}

func TestFanOutRunsConcurrently(t *testing.T) {
	const delay = 150 * time.Millisecond
	sleeper := func(_ context.Context, in Inputs) (string, error) {
		time.Sleep(delay)
		return in.Stage + " done", nil
	}
	stages := []Stage{
		{Name: "a", Execute: sleeper},
		{Name: "b", Execute: sleeper},
		{Name: "c", Execute: sleeper},
		{Name: "d", Execute: func(context.Context, Inputs) (string, error) {
			time.Sleep(delay)
			return "", errors.New("boom")
		}},
	}

	start := time.Now()
	raw, errs := FanOut(context.Background(), stages, nil)
	elapsed := time.Since(start)

	assert.Less(t, elapsed, 2*delay)
	assert.Equal(t, "a done", raw["a"])
	assert.Equal(t, "b done", raw["b"])
	assert.Equal(t, "c done", raw["c"])
	assert.Equal(t, "", raw["d"])
	require.Len(t, errs, 1)
	assert.EqualError(t, errs["d"], "boom")
}

func TestFanOutRecoversPanics(t *testing.T) {
	raw, errs := FanOut(context.Background(), []Stage{
		{Name: "ok", Execute: func(context.Context, Inputs) (string, error) { return "fine", nil }},
		{Name: "bad", Execute: func(context.Context, Inputs) (string, error) { panic("nil map") }},
	}, nil)

	assert.Equal(t, "fine", raw["ok"])
	require.Error(t, errs["bad"])
	assert.Contains(t, errs["bad"].Error(), "panic")
}

func TestRunProducesFinalRecordAndAudit(t *testing.T) {
	c := newCalls()
	d, err := New(testPlan(c, "DIAGNOSIS: b\nREASONING: fits the summary"))
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), map[string]any{"notes": "itchy patch", "image": []byte{0xff, 0xd8}})
	require.NoError(t, err)

	assert.Equal(t, "B", final["answer"])
	assert.Equal(t, StateComplete, run.State())
	assert.Equal(t, 1, run.RunCount())
	require.NotNil(t, run.Decision())
	assert.Equal(t, "B", run.Decision().Winner)

	assert.Equal(t, []string{"v1", "v2", "summary", "arbiter", "plan", "final"}, run.Audit.Stages())

	plain := run.Audit.ToPlainMap()
	raw := plain["raw_outputs"].(map[string]any)
	assert.Equal(t, "", raw["v2"])
	assert.Equal(t, "round and red", raw["v1"])
	status := plain["adapter_status"].(map[string]any)
	assert.Equal(t, "missing", status["v2"])
	assert.Equal(t, "direct", status["final"])
	assert.Equal(t, "direct", status["arbiter"])
	assert.Contains(t, plain["adapter_errors"].(map[string]any)["v2"], "backend down")
	assert.Equal(t, "<2 bytes>", plain["inputs"].(map[string]any)["image"])

	summary, ok := run.Result("summary")
	require.True(t, ok)
	assert.Equal(t, []string{"v1", "v2"}, c.inputs["summary"][0])
	assert.True(t, summary.Succeeded())

	v2, _ := run.Result("v2")
	assert.False(t, v2.Succeeded())
	assert.Equal(t, []string{"v2"}, run.Missing())
}

func TestUnmatchedWinnerIsFlagged(t *testing.T) {
	c := newCalls()
	d, err := New(testPlan(c, "DIAGNOSIS: Xylophone\nREASONING: none of the above"))
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)

	assert.Equal(t, "Xylophone", final["answer"])
	assert.Equal(t, []string{FlagUnmatchedWinner}, run.Audit.Flags("arbiter"))
}

func TestRecoveryUsesOnlyProducedInputs(t *testing.T) {
	c := newCalls()
	plan := &Plan{
		Name:   "recovery",
		Inputs: []InputSpec{{Name: "notes"}},
		PhaseA: []Stage{{Name: "history", Inputs: []string{"notes"}, Execute: c.text("history text")}},
		PhaseB: []Stage{
			{Name: "treatment", Inputs: []string{"history"}, Execute: c.fail("timeout")},
			{Name: "cmo", Inputs: []string{"notes", "history", "treatment"}, Execute: c.fail("formatter down"), Schema: answerSchema},
		},
		Synthesis: []string{"cmo"},
	}
	d, err := New(plan)
	require.NoError(t, err)

	_, run, err := d.Run(context.Background(), map[string]any{"notes": "n"})
	require.Error(t, err)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Equal(t, []string{"treatment", "cmo"}, fatal.Missing)
	assert.Contains(t, err.Error(), "treatment")
	assert.Contains(t, err.Error(), "formatter down")

	require.Equal(t, 2, c.n("cmo"))
	assert.Equal(t, []string{"history", "treatment"}, c.inputs["cmo"][0])
	assert.Equal(t, []string{"history"}, c.inputs["cmo"][1])
	assert.Equal(t, 1, c.n("treatment"))
	assert.Equal(t, StateFailed, run.State())
}

func TestRecoverySucceedsOnRetry(t *testing.T) {
	c := newCalls()
	attempts := 0
	flaky := func(_ context.Context, in Inputs) (string, error) {
		c.record(in)
		attempts++
		if attempts == 1 {
			return "", errors.New("first try failed")
		}
		return `{"answer": "recovered"}`, nil
	}
	plan := &Plan{
		Name:      "recovery",
		PhaseA:    []Stage{{Name: "history", Execute: c.text("h")}},
		PhaseB:    []Stage{{Name: "cmo", Inputs: []string{"history"}, Execute: flaky, Schema: answerSchema}},
		Synthesis: []string{"cmo"},
	}
	d, err := New(plan)
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "recovered", final["answer"])
	assert.Equal(t, StateComplete, run.State())
	assert.Equal(t, "direct", run.Audit.Status("cmo"))
}

func TestRerunAppendsFeedbackPerCall(t *testing.T) {
	c := newCalls()
	d, err := New(testPlan(c, "DIAGNOSIS: A\nREASONING: r"))
	require.NoError(t, err)

	_, run, err := d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)
	require.Equal(t, 1, run.RunCount())

	_, run, err = d.Rerun(context.Background(), "consider B", "post_arbitration")
	require.NoError(t, err)
	assert.Equal(t, 2, run.RunCount())
	require.Len(t, run.FeedbackHistory(), 1)

	_, run, err = d.Rerun(context.Background(), "still wrong", "nonsense")
	require.NoError(t, err)
	assert.Equal(t, 3, run.RunCount())

	history := run.FeedbackHistory()
	require.Len(t, history, 2)
	assert.Equal(t, 2, history[0].Round)
	assert.Equal(t, "consider B", history[0].Feedback)
	assert.Equal(t, "post_arbitration", history[0].Scope)
	assert.Equal(t, 3, history[1].Round)
	assert.Equal(t, "full", history[1].Scope)

	require.NotNil(t, history[0].RevisionApplied)
	assert.True(t, *history[0].RevisionApplied)
	assert.Equal(t, "consider B", history[0].RevisionReason)

	notes := c.notes["final"]
	assert.Equal(t, []string{"", "consider B", "still wrong"}, notes)
}

func TestRerunScopes(t *testing.T) {
	c := newCalls()
	budget := literature.NewBudget(2)
	d, err := New(testPlan(c, "DIAGNOSIS: A\nREASONING: r"), WithResettable(budget))
	require.NoError(t, err)

	_, _, err = d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)
	budget.Take()
	budget.Take()

	_, _, err = d.Rerun(context.Background(), "fb", "synthesis_only")
	require.NoError(t, err)
	assert.Equal(t, 1, c.n("summary"))
	assert.Equal(t, 1, c.n("plan"))
	assert.Equal(t, 1, c.n("arbiter"))
	assert.Equal(t, 2, c.n("final"))
	assert.Equal(t, 2, budget.Used())

	_, _, err = d.Rerun(context.Background(), "fb", "post_arbitration")
	require.NoError(t, err)
	assert.Equal(t, 1, c.n("summary"))
	assert.Equal(t, 2, c.n("plan"))
	assert.Equal(t, 2, c.n("arbiter"))
	assert.Equal(t, 3, c.n("final"))

	_, _, err = d.Rerun(context.Background(), "fb", "full")
	require.NoError(t, err)
	assert.Equal(t, 2, c.n("summary"))
	assert.Equal(t, 2, c.n("v1"))
	assert.Equal(t, 3, c.n("arbiter"))
	assert.Equal(t, 0, budget.Used())
}

func TestSynthesisOnlyKeepsDecision(t *testing.T) {
	c := newCalls()
	d, err := New(testPlan(c, "DIAGNOSIS: c\nREASONING: r"))
	require.NoError(t, err)

	_, _, err = d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)

	final, _, err := d.Rerun(context.Background(), "shorter please", "synthesis_only")
	require.NoError(t, err)
	assert.Equal(t, "C", final["answer"])
}

func TestRerunBeforeRun(t *testing.T) {
	d, err := New(testPlan(newCalls(), ""))
	require.NoError(t, err)

	_, _, err = d.Rerun(context.Background(), "fb", "full")
	assert.ErrorIs(t, err, ErrNoRun)
}

func TestRunRejectsInvalidInputs(t *testing.T) {
	tests := []struct {
		name   string
		inputs map[string]any
		field  string
	}{
		{name: "unknown key", inputs: map[string]any{"notes": "x", "extra": "y"}, field: "extra"},
		{name: "missing required", inputs: map[string]any{"image": []byte{1}}, field: "notes"},
		{name: "blank required", inputs: map[string]any{"notes": "   "}, field: "notes"},
		{name: "unsupported type", inputs: map[string]any{"notes": struct{}{}}, field: "notes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCalls()
			d, err := New(testPlan(c, ""))
			require.NoError(t, err)

			_, run, err := d.Run(context.Background(), tt.inputs)
			var inputErr *InputError
			require.ErrorAs(t, err, &inputErr)
			assert.Equal(t, tt.field, inputErr.Field)
			assert.Nil(t, run)
			assert.Zero(t, c.n("v1"))
			assert.Zero(t, c.n("summary"))
		})
	}
}

func TestStageTimeoutAndPanicDegrade(t *testing.T) {
	plan := &Plan{
		Name: "degrade",
		PhaseA: []Stage{
			{Name: "slow", Timeout: 20 * time.Millisecond, Execute: func(ctx context.Context, _ Inputs) (string, error) {
				<-ctx.Done()
				return "", ctx.Err()
			}},
			{Name: "crash", Execute: func(context.Context, Inputs) (string, error) { panic("bad index") }},
			{Name: "final", Inputs: []string{"slow", "crash"}, Schema: answerSchema,
				Execute: func(context.Context, Inputs) (string, error) { return `{"answer": "ok"}`, nil }},
		},
	}
	d, err := New(plan)
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "ok", final["answer"])

	slow, _ := run.Result("slow")
	assert.Equal(t, coerce.StatusMissing, slow.Status)
	assert.ErrorIs(t, slow.Err(), context.DeadlineExceeded)

	crash, _ := run.Result("crash")
	assert.Equal(t, coerce.StatusMissing, crash.Status)
	assert.Contains(t, crash.Error, "panic")
}

func TestTerminalStageIsSynthesisByDefault(t *testing.T) {
	c := newCalls()
	plan := &Plan{
		Name:   "implicit",
		PhaseA: []Stage{{Name: "history", Execute: c.text("h")}},
		PhaseB: []Stage{{Name: "final", Inputs: []string{"history"}, Execute: c.fail("backend down"), Schema: answerSchema}},
	}
	d, err := New(plan)
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, final)

	var fatal *FatalError
	require.ErrorAs(t, err, &fatal)
	assert.Contains(t, fatal.Missing, "final")
	assert.Equal(t, 2, c.n("final"))
	assert.Equal(t, StateFailed, run.State())
	assert.Nil(t, run.Final())
}

func TestEmptyRawTextDefaultsWithoutFormatter(t *testing.T) {
	formatterCalls := 0
	formatter := coerce.FormatterFunc(func(context.Context, string) (string, error) {
		formatterCalls++
		return `{"answer": "never"}`, nil
	})
	plan := &Plan{
		Name:   "empty",
		PhaseA: []Stage{{Name: "final", Schema: answerSchema, Execute: func(context.Context, Inputs) (string, error) { return "", nil }}},
	}
	d, err := New(plan, WithCoercer(coerce.New(formatter)))
	require.NoError(t, err)

	final, run, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, answerSchema.Defaults(), final)
	assert.Equal(t, "missing", run.Audit.Status("final"))
	assert.Zero(t, formatterCalls)
}

func TestBuilderStage(t *testing.T) {
	plan := &Plan{
		Name: "builder",
		PhaseA: []Stage{
			{Name: "notes", Execute: func(context.Context, Inputs) (string, error) { return "abc", nil }},
			{Name: "final", Inputs: []string{"notes"}, Schema: answerSchema, Build: func(_ context.Context, in Inputs) (schema.Record, error) {
				return schema.Record{"answer": in.Text("notes"), "revision_applied": "TRUE"}, nil
			}},
		},
	}
	d, err := New(plan)
	require.NoError(t, err)

	final, _, err := d.Run(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "abc", final["answer"])
	assert.Equal(t, true, final["revision_applied"])
}

func TestStageSpansRecorded(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	c := newCalls()
	d, err := New(testPlan(c, "DIAGNOSIS: A\nREASONING: r"), WithTracer(provider.Tracer("test")))
	require.NoError(t, err)
	_, _, err = d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)

	stages := map[string]string{}
	for _, span := range recorder.Ended() {
		if span.Name() != "verdict.stage" {
			continue
		}
		attrs := map[attribute.Key]attribute.Value{}
		for _, kv := range span.Attributes() {
			attrs[kv.Key] = kv.Value
		}
		stages[attrs["stage.name"].AsString()] = attrs["stage.status"].AsString()
	}
	assert.Equal(t, map[string]string{
		"v1":      "direct",
		"v2":      "missing",
		"summary": "direct",
		"arbiter": "direct",
		"plan":    "direct",
		"final":   "direct",
	}, stages)
}

func TestObserverSeesEveryStage(t *testing.T) {
	var mu sync.Mutex
	var seen []string
	d, err := New(testPlan(newCalls(), "DIAGNOSIS: A\nREASONING: r"), WithObserver(func(res StageResult) {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, res.Name)
	}))
	require.NoError(t, err)
	_, _, err = d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"v1", "v2", "summary", "arbiter", "plan", "final"}, seen)
}

func TestApproveAppendsEntry(t *testing.T) {
	d, err := New(testPlan(newCalls(), "DIAGNOSIS: A\nREASONING: r"))
	require.NoError(t, err)
	_, run, err := d.Run(context.Background(), map[string]any{"notes": "x"})
	require.NoError(t, err)

	run.Approve("looks right")
	history := run.FeedbackHistory()
	require.Len(t, history, 1)
	assert.Equal(t, "approved", history[0].Action)
	assert.Equal(t, 1, history[0].Round)
	assert.Equal(t, 1, run.RunCount())
}

func TestParseScope(t *testing.T) {
	tests := []struct {
		in   string
		want Scope
		ok   bool
	}{
		{"full", ScopeFull, true},
		{" Post_Arbitration ", ScopePostArbitration, true},
		{"synthesis_only", ScopeSynthesisOnly, true},
		{"", ScopeFull, false},
		{"everything", ScopeFull, false},
	}
	for _, tt := range tests {
		got, ok := ParseScope(tt.in)
		assert.Equal(t, tt.want, got, tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
	}
}
