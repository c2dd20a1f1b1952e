package adapter

import (
	"context"
	"fmt"
	"time"
)

// Target names an adapter and model combination.
type Target struct {
	Adapter string `mapstructure:"adapter" yaml:"adapter"`
	Model   string `mapstructure:"model" yaml:"model"`
}

func (t Target) String() string {
	return t.Adapter + "/" + t.Model
}

// RetryConfig defines retry and backoff behavior for transient failures.
type RetryConfig struct {
	MaxRetries  int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Policy controls retries and fallbacks for a single logical call.
type Policy struct {
	Retry         RetryConfig
	AllowFallback bool
	// Fallback is keyed by "adapter/model" or by adapter name alone.
	Fallback map[string][]Target
}

// DefaultPolicy retries twice with 200ms..2s backoff and no fallback.
func DefaultPolicy() Policy {
	return Policy{Retry: RetryConfig{MaxRetries: 2, BaseBackoff: 200 * time.Millisecond, MaxBackoff: 2 * time.Second}}
}

// Call invokes target with retry on transient errors, then walks the fallback
// chain. Images are only sent to adapters implementing ImageAdapter; a target
// that cannot take images is skipped.
func Call(ctx context.Context, reg Registry, target Target, prompt string, images [][]byte, policy Policy) (*Response, []CallReport, error) {
	targets := buildTargets(target, policy)
	var reports []CallReport
	var lastErr error

	for idx, t := range targets {
		impl, ok := reg[t.Adapter]
		if !ok {
			lastErr = fmt.Errorf("adapter %s not found", t.Adapter)
			reports = append(reports, CallReport{Adapter: t.Adapter, Model: t.Model, FallbackUsed: idx > 0, Error: lastErr.Error()})
			continue
		}
		var imgImpl ImageAdapter
		if len(images) > 0 {
			imgImpl, ok = impl.(ImageAdapter)
			if !ok {
				lastErr = fmt.Errorf("adapter %s does not accept images", t.Adapter)
				reports = append(reports, CallReport{Adapter: t.Adapter, Model: t.Model, FallbackUsed: idx > 0, Error: lastErr.Error()})
				continue
			}
		}

		for attempt := 0; attempt <= policy.Retry.MaxRetries; attempt++ {
			var resp *Response
			var err error
			if imgImpl != nil {
				resp, err = imgImpl.GenerateWithImages(ctx, t.Model, prompt, images)
			} else {
				resp, err = impl.Generate(ctx, t.Model, prompt)
			}
			if err == nil {
				reports = append(reports, CallReport{
					Adapter:      t.Adapter,
					Model:        t.Model,
					Usage:        normalizeUsage(resp.Usage),
					Retries:      attempt,
					FallbackUsed: idx > 0,
				})
				return resp, reports, nil
			}

			lastErr = err
			if !IsTransient(err) || attempt == policy.Retry.MaxRetries {
				reports = append(reports, CallReport{
					Adapter:      t.Adapter,
					Model:        t.Model,
					Retries:      attempt,
					FallbackUsed: idx > 0,
					Error:        err.Error(),
				})
				break
			}

			backoff := computeBackoff(policy.Retry.BaseBackoff, policy.Retry.MaxBackoff, attempt)
			if err := sleepWithContext(ctx, backoff); err != nil {
				return nil, reports, err
			}
		}
		if ctx.Err() != nil {
			return nil, reports, ctx.Err()
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("adapter call failed")
	}
	return nil, reports, lastErr
}

func buildTargets(target Target, policy Policy) []Target {
	targets := []Target{target}
	if !policy.AllowFallback || policy.Fallback == nil {
		return targets
	}
	if chain, ok := policy.Fallback[target.String()]; ok {
		return append(targets, chain...)
	}
	if chain, ok := policy.Fallback[target.Adapter]; ok {
		return append(targets, chain...)
	}
	return targets
}

func computeBackoff(base, max time.Duration, attempt int) time.Duration {
	if max < base {
		max = base
	}
	backoff := base
	for i := 0; i < attempt; i++ {
		backoff *= 2
		if backoff >= max {
			return max
		}
	}
	return backoff
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
