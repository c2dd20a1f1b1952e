package pipeline

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNoRun is returned by Rerun before Run has been called.
var ErrNoRun = errors.New("rerun requested before any run")

// InputError reports malformed caller input. No stage runs when it is returned.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Field == "" {
		return "invalid input: " + e.Reason
	}
	return fmt.Sprintf("invalid input %q: %s", e.Field, e.Reason)
}

// PhaseError reports a required stage that failed inside a phase.
type PhaseError struct {
	Phase string
	Stage string
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s: stage %s failed: %v", e.Phase, e.Stage, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// FatalError is returned when recovery could not produce a final record.
// Missing lists every stage that has no output, in declaration order.
type FatalError struct {
	Original error
	Recovery error
	Missing  []string
}

func (e *FatalError) Error() string {
	missing := "none"
	if len(e.Missing) > 0 {
		missing = strings.Join(e.Missing, ", ")
	}
	msg := "could not construct final record; upstream stages with no output: " + missing
	if e.Original != nil {
		msg += "; original error: " + e.Original.Error()
	}
	if e.Recovery != nil {
		msg += "; recovery error: " + e.Recovery.Error()
	}
	return msg
}

func (e *FatalError) Unwrap() []error {
	var errs []error
	if e.Original != nil {
		errs = append(errs, e.Original)
	}
	if e.Recovery != nil {
		errs = append(errs, e.Recovery)
	}
	return errs
}
