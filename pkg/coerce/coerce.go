// Package coerce adapts free-text model output into schema records.
//
// Adapt tries, in order: a direct parse of the JSON embedded in the text, one
// formatter reformat, one formatter retry quoting the validation error, and
// finally the schema's safe defaults. It never fails.
package coerce

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/schema"
)

// Status records which step produced a record.
type Status string

const (
	StatusDirect    Status = "direct"
	StatusOK        Status = "ok"
	StatusRecovered Status = "recovered"
	StatusDefaulted Status = "defaulted"
	// StatusMissing is set by callers when a stage produced no text at all.
	StatusMissing Status = "missing"
)

// Meta describes how a record was obtained.
type Meta struct {
	Status   Status `json:"status"`
	Error    string `json:"error"`
	Attempts int    `json:"attempts"`
}

// Formatter rewrites prose into JSON. Implementations enforce their own timeout.
type Formatter interface {
	Reformat(ctx context.Context, prompt string) (string, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(ctx context.Context, prompt string) (string, error)

// Reformat calls f.
func (f FormatterFunc) Reformat(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

var errNoObject = errors.New("no JSON object found in text")

// Adapter converts raw text into schema records.
type Adapter struct {
	formatter Formatter
	timeout   time.Duration
	logger    *zap.Logger
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(a *Adapter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithTimeout bounds each formatter call.
func WithTimeout(d time.Duration) Option {
	return func(a *Adapter) { a.timeout = d }
}

// New creates an Adapter. A nil formatter disables the reformat steps.
func New(f Formatter, opts ...Option) *Adapter {
	a := &Adapter{formatter: f, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Adapt converts raw into a record valid for s. name labels the target in
// prompts and logs.
func (a *Adapter) Adapt(ctx context.Context, raw string, s *schema.Schema, name string) (schema.Record, Meta) {
	log := a.logger.With(zap.String("schema", name))

	if strings.TrimSpace(raw) == "" {
		log.Debug("coerce: empty text, using defaults")
		return s.Defaults(), Meta{Status: StatusDefaulted, Error: "empty raw text"}
	}

	rec, err := Parse(raw, s)
	if err == nil {
		log.Debug("coerce: direct parse succeeded")
		return rec, Meta{Status: StatusDirect}
	}
	lastErr := err.Error()
	log.Debug("coerce: direct parse failed", zap.Error(err))

	if a.formatter != nil {
		for attempt := 1; attempt <= 2; attempt++ {
			prompt := FormatPrompt(s, name, raw)
			if attempt > 1 {
				prompt = RetryPrompt(s, name, raw, lastErr)
			}
			rec, err := a.reformat(ctx, prompt, s)
			if err == nil {
				status := StatusOK
				if attempt > 1 {
					status = StatusRecovered
				}
				log.Debug("coerce: formatter succeeded", zap.Int("attempt", attempt))
				return rec, Meta{Status: status, Attempts: attempt}
			}
			lastErr = err.Error()
			log.Warn("coerce: formatter attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
	}

	log.Warn("coerce: falling back to defaults", zap.String("error", lastErr))
	attempts := 0
	if a.formatter != nil {
		attempts = 2
	}
	return s.Defaults(), Meta{Status: StatusDefaulted, Error: lastErr, Attempts: attempts}
}

func (a *Adapter) reformat(ctx context.Context, prompt string, s *schema.Schema) (schema.Record, error) {
	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	out, err := a.formatter.Reformat(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("formatter: %w", err)
	}
	return Parse(out, s)
}

// Parse extracts, repairs and validates the JSON object embedded in text.
func Parse(text string, s *schema.Schema) (schema.Record, error) {
	candidate := prepare(text, s.Has)
	if candidate == "" {
		return nil, errNoObject
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(candidate), &m); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	return s.Decode(m)
}
