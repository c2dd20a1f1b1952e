// Package audit keeps the per-run record of every stage's raw text, adapted
// record and adapter status, plus the reviewer feedback log.
package audit

import (
	"sort"
	"sync"
	"time"

	"github.com/zen-systems/verdict/pkg/schema"
)

// Feedback actions.
const (
	ActionRejected = "rejected"
	ActionApproved = "approved"
)

// FeedbackEntry is one round of reviewer feedback.
type FeedbackEntry struct {
	Round           int    `json:"round"`
	Action          string `json:"action"`
	Feedback        string `json:"feedback,omitempty"`
	Scope           string `json:"scope,omitempty"`
	RevisionApplied *bool  `json:"revision_applied,omitempty"`
	RevisionReason  string `json:"revision_reason,omitempty"`
}

// Record is safe for concurrent use; fan-out workers write distinct stage keys.
type Record struct {
	mu        sync.Mutex
	runID     string
	startedAt time.Time
	state     string
	runCount  int
	inputs    map[string]any
	order     []string
	raw       map[string]string
	adapted   map[string]map[string]any
	status    map[string]string
	errs      map[string]string
	durations map[string]time.Duration
	flags     map[string][]string
	feedback  []FeedbackEntry
}

// NewRecord creates an empty record with run_count 1.
func NewRecord(runID string) *Record {
	return &Record{
		runID:     runID,
		startedAt: time.Now().UTC(),
		runCount:  1,
		inputs:    make(map[string]any),
		raw:       make(map[string]string),
		adapted:   make(map[string]map[string]any),
		status:    make(map[string]string),
		errs:      make(map[string]string),
		durations: make(map[string]time.Duration),
		flags:     make(map[string][]string),
	}
}

// RunID returns the run identifier.
func (r *Record) RunID() string {
	return r.runID
}

func (r *Record) touch(stage string) {
	if _, ok := r.raw[stage]; !ok {
		r.order = append(r.order, stage)
		r.raw[stage] = ""
	}
}

// Register reserves entries for stages in the given order, so stages that
// finish concurrently still appear in declaration order.
func (r *Record) Register(stages ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, st := range stages {
		r.touch(st)
	}
}

// SetInput records a caller-supplied input.
func (r *Record) SetInput(key string, value any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs[key] = schema.Plain(value)
}

// SetRaw records the raw text of a stage, registering it on first sight.
func (r *Record) SetRaw(stage, raw string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(stage)
	r.raw[stage] = raw
}

// SetAdapted records the adapted record of a stage.
func (r *Record) SetAdapted(stage string, rec map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(stage)
	if rec == nil {
		delete(r.adapted, stage)
		return
	}
	r.adapted[stage] = schema.Plain(rec).(map[string]any)
}

// SetStatus records the adapter status and, when non-empty, the error text.
func (r *Record) SetStatus(stage, status, errText string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(stage)
	r.status[stage] = status
	if errText == "" {
		delete(r.errs, stage)
	} else {
		r.errs[stage] = errText
	}
}

// SetDuration records wall-clock time spent in a stage.
func (r *Record) SetDuration(stage string, d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(stage)
	r.durations[stage] = d
}

// Flag attaches a named condition to a stage, e.g. an unmatched arbitration winner.
func (r *Record) Flag(stage, flag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touch(stage)
	for _, f := range r.flags[stage] {
		if f == flag {
			return
		}
	}
	r.flags[stage] = append(r.flags[stage], flag)
}

// ClearFlags drops the flags of a stage that is about to be re-executed.
func (r *Record) ClearFlags(stage string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.flags, stage)
}

// SetState records the run state.
func (r *Record) SetState(state string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = state
}

// State returns the recorded run state.
func (r *Record) State() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// NextRound increments run_count and returns the new value.
func (r *Record) NextRound() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runCount++
	return r.runCount
}

// RunCount returns the number of executions so far.
func (r *Record) RunCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runCount
}

// AddFeedback appends a feedback entry.
func (r *Record) AddFeedback(e FeedbackEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.feedback = append(r.feedback, e)
}

// UpdateLastFeedback lets the caller fill in the outcome of the latest round.
func (r *Record) UpdateLastFeedback(fn func(*FeedbackEntry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.feedback) > 0 {
		fn(&r.feedback[len(r.feedback)-1])
	}
}

// Feedback returns a copy of the feedback history.
func (r *Record) Feedback() []FeedbackEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]FeedbackEntry(nil), r.feedback...)
}

// Stages returns attempted stage names in first-execution order.
func (r *Record) Stages() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// Raw returns the raw text recorded for a stage.
func (r *Record) Raw(stage string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.raw[stage]
	return v, ok
}

// Status returns the adapter status recorded for a stage.
func (r *Record) Status(stage string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status[stage]
}

// Flags returns the flags recorded for a stage.
func (r *Record) Flags(stage string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.flags[stage]...)
}

// ToPlainMap renders the record as nested built-in values only.
func (r *Record) ToPlainMap() map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	stages := make([]any, 0, len(r.order))
	raw := make(map[string]any, len(r.raw))
	status := make(map[string]any, len(r.status))
	errs := make(map[string]any, len(r.errs))
	for _, name := range r.order {
		raw[name] = r.raw[name]
		st := r.status[name]
		if st != "" {
			status[name] = st
		}
		if e, ok := r.errs[name]; ok {
			errs[name] = e
		}
		stages = append(stages, r.stageMapLocked(name))
	}

	feedback := make([]any, 0, len(r.feedback))
	for _, e := range r.feedback {
		entry := map[string]any{"round": e.Round, "action": e.Action}
		if e.Feedback != "" {
			entry["feedback"] = e.Feedback
		}
		if e.Scope != "" {
			entry["scope"] = e.Scope
		}
		if e.RevisionApplied != nil {
			entry["revision_applied"] = *e.RevisionApplied
			entry["revision_reason"] = e.RevisionReason
		}
		feedback = append(feedback, entry)
	}

	return map[string]any{
		"run_id":           r.runID,
		"started_at":       r.startedAt.Format(time.RFC3339),
		"state":            r.state,
		"run_count":        r.runCount,
		"inputs":           schema.Plain(r.inputs),
		"stages":           stages,
		"raw_outputs":      raw,
		"adapter_status":   status,
		"adapter_errors":   errs,
		"feedback_history": feedback,
	}
}

// StageMap renders one stage as nested built-in values.
func (r *Record) StageMap(stage string) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stageMapLocked(stage)
}

func (r *Record) stageMapLocked(name string) map[string]any {
	out := map[string]any{
		"name":        name,
		"raw_text":    r.raw[name],
		"status":      r.status[name],
		"duration_ms": r.durations[name].Milliseconds(),
	}
	if rec, ok := r.adapted[name]; ok {
		out["adapted"] = schema.Plain(rec)
	} else {
		out["adapted"] = nil
	}
	if e, ok := r.errs[name]; ok {
		out["error"] = e
	}
	if flags := r.flags[name]; len(flags) > 0 {
		sorted := append([]string(nil), flags...)
		sort.Strings(sorted)
		list := make([]any, len(sorted))
		for i, f := range sorted {
			list[i] = f
		}
		out["flags"] = list
	}
	return out
}
