package pipeline

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// concurrently calls fn for every index on a pool sized to n and waits for
// all of them. fn must not fail; each call writes only its own slot.
func concurrently(ctx context.Context, n int, fn func(ctx context.Context, i int)) {
	if n == 0 {
		return
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(n)
	for i := 0; i < n; i++ {
		g.Go(func() error {
			fn(gctx, i)
			return nil
		})
	}
	_ = g.Wait()
}

// FanOut runs independent stages concurrently and returns their raw text by
// name. A failing stage yields empty text and an entry in errs; its siblings
// are unaffected. No adaptation or audit recording happens here.
func FanOut(ctx context.Context, stages []Stage, literals map[string]any) (raw map[string]string, errs map[string]error) {
	texts := make([]string, len(stages))
	failures := make([]error, len(stages))

	concurrently(ctx, len(stages), func(ctx context.Context, i int) {
		st := stages[i]
		in := newInputs(st, literals, nil)
		if st.Timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, st.Timeout)
			defer cancel()
		}
		if st.Execute == nil {
			failures[i] = fmt.Errorf("stage %s has no executor", st.Name)
			return
		}
		text, err := safeExecute(ctx, st.Execute, in)
		if err != nil {
			failures[i] = err
			return
		}
		texts[i] = text
	})

	raw = make(map[string]string, len(stages))
	errs = make(map[string]error)
	for i, st := range stages {
		raw[st.Name] = texts[i]
		if failures[i] != nil {
			errs[st.Name] = failures[i]
		}
	}
	return raw, errs
}

// fanOut runs the plan's fan-out stages through the full executor wrapper.
func (d *Driver) fanOut(ctx context.Context, run *PipelineRun, stages []Stage, p pass) {
	names := make([]string, len(stages))
	for i, st := range stages {
		names[i] = st.Name
	}
	run.Audit.Register(names...)

	results := make([]*StageResult, len(stages))
	concurrently(ctx, len(stages), func(ctx context.Context, i int) {
		results[i] = d.execute(ctx, run, stages[i], p.inputs(run, stages[i]))
	})
	for _, res := range results {
		run.store(res)
	}
}
