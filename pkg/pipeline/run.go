package pipeline

import (
	"sync"

	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/arbitration"
	"github.com/zen-systems/verdict/pkg/audit"
	"github.com/zen-systems/verdict/pkg/schema"
)

// State is the run-level state.
type State string

const (
	StateRunning    State = "running"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateRecovering State = "recovering"
)

// PipelineRun is the mutable state of one pipeline execution, kept across
// reruns.
type PipelineRun struct {
	ID    string
	Audit *audit.Record

	mu       sync.Mutex
	state    State
	literals map[string]any
	results  map[string]*StageResult
	order    []string
	final    schema.Record
	decision *arbitration.Decision
	logger   *zap.Logger
}

func newRun(id string, order []string, literals map[string]any, logger *zap.Logger) *PipelineRun {
	return &PipelineRun{
		ID:       id,
		Audit:    audit.NewRecord(id),
		literals: literals,
		results:  make(map[string]*StageResult),
		order:    order,
		logger:   logger.With(zap.String("run_id", id)),
	}
}

func (r *PipelineRun) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.Audit.SetState(string(s))
	if prev != s {
		r.logger.Info("pipeline: state transition",
			zap.String("from", string(prev)),
			zap.String("to", string(s)))
	}
}

// State returns the current run state.
func (r *PipelineRun) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *PipelineRun) store(res *StageResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Name] = res
}

func (r *PipelineRun) clear(names []string) {
	r.mu.Lock()
	for _, n := range names {
		delete(r.results, n)
	}
	r.mu.Unlock()
	for _, n := range names {
		r.Audit.ClearFlags(n)
	}
}

// snapshot copies the results map for input resolution.
func (r *PipelineRun) snapshot() map[string]*StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]*StageResult, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out
}

func (r *PipelineRun) produced(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.results[name].Succeeded()
}

// Result returns the latest result of a stage.
func (r *PipelineRun) Result(name string) (*StageResult, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.results[name]
	return res, ok
}

// Results returns the latest results in plan order.
func (r *PipelineRun) Results() []*StageResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*StageResult, 0, len(r.results))
	for _, name := range r.order {
		if res, ok := r.results[name]; ok {
			out = append(out, res)
		}
	}
	return out
}

// Missing lists the stages with no output, in plan order.
func (r *PipelineRun) Missing() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, name := range r.order {
		if !r.results[name].Succeeded() {
			out = append(out, name)
		}
	}
	return out
}

// Final returns the final record of the latest successful pass.
func (r *PipelineRun) Final() schema.Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.final
}

// Decision returns the latest arbitration decision, or nil.
func (r *PipelineRun) Decision() *arbitration.Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.decision
}

func (r *PipelineRun) setDecision(d *arbitration.Decision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decision = d
}

func (r *PipelineRun) setFinal(rec schema.Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.final = rec
}

// RunCount returns how many passes have executed.
func (r *PipelineRun) RunCount() int {
	return r.Audit.RunCount()
}

// FeedbackHistory returns the reviewer feedback log.
func (r *PipelineRun) FeedbackHistory() []audit.FeedbackEntry {
	return r.Audit.Feedback()
}

// Approve records reviewer approval of the current round.
func (r *PipelineRun) Approve(note string) {
	r.Audit.AddFeedback(audit.FeedbackEntry{
		Round:    r.Audit.RunCount(),
		Action:   audit.ActionApproved,
		Feedback: note,
	})
	r.logger.Info("pipeline: run approved", zap.Int("round", r.Audit.RunCount()))
}
