package pipeline

import (
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/coerce"
)

// Resettable is per-run state the driver resets at the start of every full
// pass, such as a literature call budget.
type Resettable interface {
	Reset()
}

// Observer is notified after every stage execution.
type Observer func(StageResult)

// Option configures a Driver.
type Option func(*Driver)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithTracer sets the tracer used for run, phase and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(d *Driver) {
		if t != nil {
			d.tracer = t
		}
	}
}

// WithCoercer sets the output adapter. Without one, raw text is parsed
// directly and falls back to defaults with no formatter calls.
func WithCoercer(c *coerce.Adapter) Option {
	return func(d *Driver) {
		if c != nil {
			d.coercer = c
		}
	}
}

// WithObserver registers a callback invoked after every stage.
func WithObserver(o Observer) Option {
	return func(d *Driver) { d.observer = o }
}

// WithResettable registers state to reset on Run and on full reruns.
func WithResettable(r ...Resettable) Option {
	return func(d *Driver) { d.resettables = append(d.resettables, r...) }
}
