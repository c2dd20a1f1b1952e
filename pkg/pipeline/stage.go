package pipeline

import (
	"context"
	"time"

	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/schema"
)

// Executor produces raw model text from resolved inputs.
type Executor func(ctx context.Context, in Inputs) (string, error)

// Builder produces a record directly, for non-generative stages.
type Builder func(ctx context.Context, in Inputs) (schema.Record, error)

// Stage is one declared unit of work. Exactly one of Execute or Build is set.
type Stage struct {
	Name string
	// Inputs lists upstream stage names and caller input names this stage reads.
	Inputs  []string
	Execute Executor
	Build   Builder
	// Schema, when set, is the record shape raw text is adapted into.
	Schema *schema.Schema
	// Required stages abort their phase on failure.
	Required bool
	Timeout  time.Duration
}

// withInputs returns a copy of s reading only the given inputs.
func (s Stage) withInputs(inputs []string) Stage {
	s.Inputs = append([]string(nil), inputs...)
	return s
}

// StageResult is produced once per stage execution and never mutated.
type StageResult struct {
	Name     string
	Raw      string
	Record   schema.Record
	Status   coerce.Status
	Error    string
	Duration time.Duration
	Attempts int

	err error
}

// Err returns the executor error, if any.
func (r *StageResult) Err() error {
	return r.err
}

// Succeeded reports whether the stage produced output: no executor error and
// either non-empty raw text or a directly built record.
func (r *StageResult) Succeeded() bool {
	if r == nil || r.err != nil {
		return false
	}
	return r.Raw != "" || (r.Record != nil && r.Status == coerce.StatusDirect)
}
