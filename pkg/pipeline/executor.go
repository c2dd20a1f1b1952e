package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/zen-systems/verdict/pkg/coerce"
	"github.com/zen-systems/verdict/pkg/schema"
)

// execute runs one stage and records it in the audit trail. It never fails:
// executor errors, panics and timeouts degrade to empty raw text.
func (d *Driver) execute(ctx context.Context, run *PipelineRun, st Stage, in Inputs) *StageResult {
	ctx, span := d.tracer.Start(ctx, "verdict.stage",
		trace.WithAttributes(attribute.String("stage.name", st.Name)))
	defer span.End()

	log := run.logger.With(zap.String("stage", st.Name))
	log.Debug("pipeline: stage started", zap.Strings("inputs", in.Upstream()))

	start := time.Now()
	res := &StageResult{Name: st.Name}

	callCtx := ctx
	if st.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, st.Timeout)
		defer cancel()
	}

	if st.Build != nil {
		rec, err := safeBuild(callCtx, st.Build, in)
		res.Record, res.err = rec, err
	} else {
		raw, err := safeExecute(callCtx, st.Execute, in)
		if err != nil {
			raw = ""
		}
		res.Raw, res.err = raw, err
	}
	run.Audit.SetRaw(st.Name, res.Raw)

	d.adapt(ctx, st, res)
	res.Duration = time.Since(start)

	run.Audit.SetAdapted(st.Name, res.Record)
	run.Audit.SetStatus(st.Name, string(res.Status), res.Error)
	run.Audit.SetDuration(st.Name, res.Duration)

	span.SetAttributes(
		attribute.String("stage.status", string(res.Status)),
		attribute.Int64("stage.duration_ms", res.Duration.Milliseconds()))
	if res.err != nil {
		span.RecordError(res.err)
		span.SetStatus(codes.Error, res.err.Error())
		log.Warn("pipeline: stage failed, continuing with empty output",
			zap.Duration("duration", res.Duration), zap.Error(res.err))
	} else {
		log.Info("pipeline: stage complete",
			zap.String("status", string(res.Status)),
			zap.Duration("duration", res.Duration))
	}

	if d.observer != nil {
		d.observer(*res)
	}
	return res
}

// adapt fills Record, Status and Error from the raw output.
func (d *Driver) adapt(ctx context.Context, st Stage, res *StageResult) {
	var notes []string
	if res.err != nil {
		notes = append(notes, res.err.Error())
	}

	switch {
	case st.Build != nil:
		switch {
		case res.err != nil || res.Record == nil:
			res.Status = coerce.StatusMissing
			res.Record = nil
			if st.Schema != nil {
				res.Record = st.Schema.Defaults()
			}
			if res.err == nil {
				notes = append(notes, "builder returned no record")
			}
		case st.Schema != nil:
			rec, err := st.Schema.Decode(res.Record)
			if err != nil {
				res.Record = st.Schema.Defaults()
				res.Status = coerce.StatusDefaulted
				notes = append(notes, err.Error())
			} else {
				res.Record = rec
				res.Status = coerce.StatusDirect
			}
		default:
			res.Status = coerce.StatusDirect
		}

	case st.Schema == nil:
		res.Status = coerce.StatusDirect
		if strings.TrimSpace(res.Raw) == "" {
			res.Status = coerce.StatusMissing
			if res.err == nil {
				notes = append(notes, "empty raw text")
			}
		}

	case strings.TrimSpace(res.Raw) == "":
		res.Record = st.Schema.Defaults()
		res.Status = coerce.StatusMissing
		if res.err == nil {
			notes = append(notes, "empty raw text")
		}

	default:
		rec, meta := d.coercer.Adapt(ctx, res.Raw, st.Schema, st.Name)
		res.Record = rec
		res.Status = meta.Status
		res.Attempts = meta.Attempts
		if meta.Error != "" {
			notes = append(notes, meta.Error)
		}
	}
	res.Error = strings.Join(notes, "; ")
}

func safeExecute(ctx context.Context, fn Executor, in Inputs) (raw string, err error) {
	defer func() {
		if r := recover(); r != nil {
			raw, err = "", fmt.Errorf("executor panic: %v", r)
		}
	}()
	raw, err = fn(ctx, in)
	if err == nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("stage timed out: %w", ctx.Err())
	}
	return raw, err
}

func safeBuild(ctx context.Context, fn Builder, in Inputs) (rec schema.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			rec, err = nil, fmt.Errorf("builder panic: %v", r)
		}
	}()
	return fn(ctx, in)
}
