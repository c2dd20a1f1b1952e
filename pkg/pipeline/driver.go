// Package pipeline runs a declared stage plan: a concurrent fan-out, a
// sequential Phase A, one arbitration step and a sequential Phase B, with
// recovery of the synthesis stages and scoped reruns driven by reviewer
// feedback.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/arbitration"
	"github.com/zen-systems/verdict/pkg/audit"
	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/schema"
)

// Scope selects which stages a rerun re-executes.
type Scope string

const (
	// ScopeFull re-runs every stage.
	ScopeFull Scope = "full"
	// ScopePostArbitration re-runs arbitration and Phase B.
	ScopePostArbitration Scope = "post_arbitration"
	// ScopeSynthesisOnly re-runs only the synthesis stages.
	ScopeSynthesisOnly Scope = "synthesis_only"
)

// Scopes lists the supported rerun scopes.
func Scopes() []Scope {
	return []Scope{ScopeFull, ScopePostArbitration, ScopeSynthesisOnly}
}

// ParseScope maps text onto a Scope. Unknown values become ScopeFull with ok false.
func ParseScope(s string) (Scope, bool) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case ScopeFull:
		return ScopeFull, true
	case ScopePostArbitration:
		return ScopePostArbitration, true
	case ScopeSynthesisOnly:
		return ScopeSynthesisOnly, true
	}
	return ScopeFull, false
}

// FlagUnmatchedWinner marks an arbitration answer that named no candidate.
const FlagUnmatchedWinner = "unmatched_winner"

// Driver executes a Plan. One run is held at a time; Rerun continues it.
type Driver struct {
	plan        *Plan
	logger      *zap.Logger
	tracer      trace.Tracer
	coercer     *coerce.Adapter
	observer    Observer
	resettables []Resettable

	mu  sync.Mutex
	run *PipelineRun
}

// New validates the plan and creates a Driver.
func New(plan *Plan, opts ...Option) (*Driver, error) {
	if err := plan.Validate(); err != nil {
		return nil, fmt.Errorf("invalid plan: %w", err)
	}
	d := &Driver{
		plan:    plan,
		logger:  zap.NewNop(),
		tracer:  noop.NewTracerProvider().Tracer("verdict/pipeline"),
		coercer: coerce.New(nil),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(zap.String("plan", plan.Name))
	return d, nil
}

// Plan returns the plan being driven.
func (d *Driver) Plan() *Plan {
	return d.plan
}

// Current returns the latest run, or nil before Run.
func (d *Driver) Current() *PipelineRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.run
}

// pass carries what every stage of one execution pass sees.
type pass struct {
	scope    Scope
	feedback string
	round    int
}

func (p pass) inputs(run *PipelineRun, st Stage) Inputs {
	in := newInputs(st, run.literals, run.snapshot())
	in.Feedback = p.feedback
	in.Round = p.round
	in.Decision = run.Decision()
	return in
}

// Run starts a new run. Inputs are checked before any stage executes.
func (d *Driver) Run(ctx context.Context, inputs map[string]any) (schema.Record, *PipelineRun, error) {
	literals, err := d.checkInputs(inputs)
	if err != nil {
		return nil, nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	run := newRun(uuid.NewString(), d.plan.StageNames(), literals, d.logger)
	for _, spec := range d.plan.Inputs {
		if v, ok := literals[spec.Name]; ok {
			run.Audit.SetInput(spec.Name, describeInput(v))
		}
	}
	d.run = run
	d.reset()

	run.logger.Info("pipeline: run started", zap.Int("stages", len(run.order)))
	final, err := d.runPass(ctx, run, pass{scope: ScopeFull, round: 1})
	return final, run, err
}

// Rerun re-executes the current run with reviewer feedback. Unknown scopes
// fall back to a full rerun.
func (d *Driver) Rerun(ctx context.Context, feedback string, scope string) (schema.Record, *PipelineRun, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	run := d.run
	if run == nil {
		return nil, nil, ErrNoRun
	}
	sc, ok := ParseScope(scope)
	if !ok {
		run.logger.Warn("pipeline: unknown rerun scope, using full", zap.String("scope", scope))
	}

	round := run.Audit.NextRound()
	run.Audit.AddFeedback(audit.FeedbackEntry{
		Round:    round,
		Action:   audit.ActionRejected,
		Feedback: feedback,
		Scope:    string(sc),
	})
	if sc == ScopeFull {
		d.reset()
	}

	run.logger.Info("pipeline: rerun requested",
		zap.Int("round", round), zap.String("scope", string(sc)))
	final, err := d.runPass(ctx, run, pass{scope: sc, feedback: feedback, round: round})
	if err == nil {
		d.recordRevision(run)
	}
	return final, run, err
}

func (d *Driver) reset() {
	for _, r := range d.resettables {
		r.Reset()
	}
}

// scheduled lists the stages a pass re-executes, in plan order.
func (d *Driver) scheduled(sc Scope) []string {
	var names []string
	switch sc {
	case ScopeSynthesisOnly:
		names = append(names, d.plan.synthesisNames()...)
	case ScopePostArbitration:
		if d.plan.Arbitration != nil {
			names = append(names, d.plan.Arbitration.Name)
		}
		for _, st := range d.plan.PhaseB {
			names = append(names, st.Name)
		}
	default:
		names = d.plan.StageNames()
	}
	return names
}

func (d *Driver) runPass(ctx context.Context, run *PipelineRun, p pass) (schema.Record, error) {
	ctx, span := d.tracer.Start(ctx, "verdict.run", trace.WithAttributes(
		attribute.String("run.id", run.ID),
		attribute.String("run.scope", string(p.scope)),
		attribute.Int("run.round", p.round)))
	defer span.End()

	run.clear(d.scheduled(p.scope))
	if p.scope != ScopeSynthesisOnly {
		run.setDecision(nil)
	}
	run.setState(StateRunning)

	if p.scope == ScopeFull {
		if err := d.phaseA(ctx, run, p); err != nil {
			return d.fail(run, span, err)
		}
	}
	if p.scope != ScopeSynthesisOnly && d.plan.Arbitration != nil {
		d.arbitrate(ctx, run, p)
	}

	phaseErr := d.phaseB(ctx, run, p)
	if phaseErr != nil {
		if len(d.plan.synthesisNames()) == 0 {
			return d.fail(run, span, phaseErr)
		}
		if d.synthesisComplete(run) {
			run.logger.Warn("pipeline: phase B error after synthesis completed", zap.Error(phaseErr))
		} else if err := d.recoverSynthesis(ctx, run, p, phaseErr); err != nil {
			return d.fail(run, span, err)
		}
	}

	final := d.final(run)
	run.setFinal(final)
	run.setState(StateComplete)
	run.logger.Info("pipeline: run complete", zap.Int("round", p.round))
	return final, nil
}

func (d *Driver) fail(run *PipelineRun, span trace.Span, err error) (schema.Record, error) {
	run.setState(StateFailed)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	run.logger.Error("pipeline: run failed", zap.Error(err))
	return nil, err
}

func (d *Driver) phaseA(ctx context.Context, run *PipelineRun, p pass) error {
	ctx, span := d.tracer.Start(ctx, "verdict.phase", trace.WithAttributes(attribute.String("phase.name", "A")))
	defer span.End()

	d.fanOut(ctx, run, d.plan.FanOut, p)
	for _, st := range d.plan.PhaseA {
		res := d.execute(ctx, run, st, p.inputs(run, st))
		run.store(res)
		if st.Required && !res.Succeeded() {
			return &PhaseError{Phase: "phase A", Stage: st.Name, Err: stageErr(res)}
		}
	}
	return nil
}

func (d *Driver) phaseB(ctx context.Context, run *PipelineRun, p pass) error {
	ctx, span := d.tracer.Start(ctx, "verdict.phase", trace.WithAttributes(attribute.String("phase.name", "B")))
	defer span.End()

	for _, st := range d.plan.PhaseB {
		if p.scope == ScopeSynthesisOnly && !d.plan.isSynthesis(st.Name) {
			continue
		}
		res := d.execute(ctx, run, st, p.inputs(run, st))
		run.store(res)
		if d.plan.required(st) && !res.Succeeded() {
			err := &PhaseError{Phase: "phase B", Stage: st.Name, Err: stageErr(res)}
			span.RecordError(err)
			return err
		}
	}
	return nil
}

func (d *Driver) synthesisComplete(run *PipelineRun) bool {
	for _, name := range d.plan.synthesisNames() {
		if !run.produced(name) {
			return false
		}
	}
	return true
}

// arbitrate runs the arbitration step and stores its decision as a stage result.
func (d *Driver) arbitrate(ctx context.Context, run *PipelineRun, p pass) {
	a := d.plan.Arbitration
	ctx, span := d.tracer.Start(ctx, "verdict.stage",
		trace.WithAttributes(attribute.String("stage.name", a.Name)))
	defer span.End()

	in := p.inputs(run, Stage{Name: a.Name, Inputs: a.Inputs})
	primary, alternatives, evidence := a.Candidates(in)
	if p.feedback != "" {
		evidence = strings.TrimSpace(evidence + "\n\nReviewer feedback (may override the prior decision):\n" + p.feedback)
	}

	resolver := a.Resolver
	if a.JudgeFor != nil {
		resolver = resolver.WithJudge(a.JudgeFor(in))
	}

	start := time.Now()
	dec, err := resolver.Resolve(ctx, primary, alternatives, evidence)
	elapsed := time.Since(start)

	res := &StageResult{
		Name:     a.Name,
		Raw:      dec.Raw,
		Record:   decisionRecord(dec),
		Status:   decisionStatus(dec.Source),
		Duration: elapsed,
		err:      err,
	}
	if err != nil {
		res.Error = err.Error()
		span.RecordError(err)
	}

	run.Audit.SetRaw(a.Name, res.Raw)
	run.Audit.SetAdapted(a.Name, res.Record)
	run.Audit.SetStatus(a.Name, string(res.Status), res.Error)
	run.Audit.SetDuration(a.Name, elapsed)
	if dec.Unmatched {
		run.Audit.Flag(a.Name, FlagUnmatchedWinner)
	}
	span.SetAttributes(
		attribute.String("stage.status", string(res.Status)),
		attribute.Int64("stage.duration_ms", elapsed.Milliseconds()))

	run.store(res)
	if dec.Empty() {
		run.setDecision(nil)
	} else {
		run.setDecision(&dec)
	}
	if d.observer != nil {
		d.observer(*res)
	}
}

func decisionRecord(dec arbitration.Decision) schema.Record {
	candidates := make([]any, len(dec.Candidates))
	for i, c := range dec.Candidates {
		candidates[i] = c
	}
	return schema.Record{
		"winner":     dec.Winner,
		"reasoning":  dec.Reasoning,
		"candidates": candidates,
		"matched":    dec.Matched,
		"unmatched":  dec.Unmatched,
		"source":     string(dec.Source),
	}
}

func decisionStatus(src arbitration.Source) coerce.Status {
	switch src {
	case arbitration.SourceParsed:
		return coerce.StatusDirect
	case arbitration.SourceAdapter:
		return coerce.StatusRecovered
	case arbitration.SourcePrimary:
		return coerce.StatusDefaulted
	}
	return coerce.StatusMissing
}

// final returns the terminal stage record.
func (d *Driver) final(run *PipelineRun) schema.Record {
	res, ok := run.Result(d.plan.terminal())
	if !ok || res.Record == nil {
		return schema.Record{}
	}
	return res.Record
}

// recordRevision copies the revision fields of this round into the latest
// feedback entry.
func (d *Driver) recordRevision(run *PipelineRun) {
	rf := d.plan.Revision
	if rf == nil {
		return
	}
	res, ok := run.Result(d.plan.revisionStage())
	if !ok || res.Record == nil {
		return
	}
	applied, ok := schema.ParseBool(res.Record[rf.Applied])
	if !ok {
		return
	}
	reason, _ := res.Record[rf.Reason].(string)
	run.Audit.UpdateLastFeedback(func(e *audit.FeedbackEntry) {
		e.RevisionApplied = &applied
		e.RevisionReason = reason
	})
}

func stageErr(res *StageResult) error {
	if err := res.Err(); err != nil {
		return err
	}
	if res.Error != "" {
		return errors.New(res.Error)
	}
	return errors.New("no output")
}

// checkInputs rejects unknown, missing or unsupported caller inputs.
func (d *Driver) checkInputs(inputs map[string]any) (map[string]any, error) {
	declared := make(map[string]InputSpec, len(d.plan.Inputs))
	for _, spec := range d.plan.Inputs {
		declared[spec.Name] = spec
	}

	keys := make([]string, 0, len(inputs))
	for k := range inputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	literals := make(map[string]any, len(inputs))
	for _, k := range keys {
		if _, ok := declared[k]; !ok {
			return nil, &InputError{Field: k, Reason: "unknown input"}
		}
		v := inputs[k]
		switch v.(type) {
		case nil, string, []byte, [][]byte, bool, int, int64, float64, map[string]any, []any, []string:
		default:
			return nil, &InputError{Field: k, Reason: fmt.Sprintf("unsupported type %T", v)}
		}
		if !isEmptyInput(v) {
			literals[k] = v
		}
	}
	for _, spec := range d.plan.Inputs {
		if _, ok := literals[spec.Name]; spec.Required && !ok {
			return nil, &InputError{Field: spec.Name, Reason: "required input is missing"}
		}
	}
	return literals, nil
}

func isEmptyInput(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(x) == ""
	case []byte:
		return len(x) == 0
	case [][]byte:
		return len(x) == 0
	}
	return false
}

// describeInput keeps binary inputs out of the audit record.
func describeInput(v any) any {
	switch x := v.(type) {
	case []byte:
		return fmt.Sprintf("<%d bytes>", len(x))
	case [][]byte:
		return fmt.Sprintf("<%d images>", len(x))
	}
	return v
}
