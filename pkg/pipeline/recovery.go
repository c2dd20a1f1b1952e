package pipeline

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// recoverSynthesis re-runs the synthesis stages once, each wired only to the inputs
// that produced output. A second failure is fatal and names every stage
// left without output.
func (d *Driver) recoverSynthesis(ctx context.Context, run *PipelineRun, p pass, original error) error {
	run.setState(StateFailed)
	run.setState(StateRecovering)

	ctx, span := d.tracer.Start(ctx, "verdict.phase", trace.WithAttributes(attribute.String("phase.name", "recovery")))
	defer span.End()

	stages := d.plan.RecoveryStages(run.produced)
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	run.logger.Warn("pipeline: recovering synthesis stages",
		zap.Strings("stages", names), zap.Error(original))
	run.clear(names)

	for _, st := range stages {
		res := d.execute(ctx, run, st, p.inputs(run, st))
		run.store(res)
		if !res.Succeeded() {
			recErr := &PhaseError{Phase: "recovery", Stage: st.Name, Err: stageErr(res)}
			span.RecordError(recErr)
			return &FatalError{Original: original, Recovery: recErr, Missing: run.Missing()}
		}
	}
	run.logger.Info("pipeline: recovery succeeded", zap.Strings("stages", names))
	return nil
}
