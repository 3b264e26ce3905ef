package resilience

import (
	"context"
	"time"
)

// Policy gates every outbound call for a platform: a permit from the
// platform's budget, the call itself, outcome feedback to the limiter and
// breaker, and bounded retry around the whole sequence.
type Policy struct {
	Limiters       *Limiters
	Retry          RetryConfig
	AcquireTimeout time.Duration
}

// Call runs fn under the policy. Permanent errors and ErrCircuitOpen return
// immediately; transient and rate-limit errors are retried up to the bound.
func (p *Policy) Call(ctx context.Context, platform, op string, fn func(ctx context.Context) error) error {
	_, err := CallVal(ctx, p, platform, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// CallVal is Call for functions that return a value.
func CallVal[T any](ctx context.Context, p *Policy, platform, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := p.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(platform, op)
	}
	return DoVal(ctx, cfg, func(ctx context.Context) (T, error) {
		var zero T
		if err := p.Limiters.Acquire(ctx, platform, p.AcquireTimeout); err != nil {
			return zero, err
		}
		val, err := fn(ctx)
		p.Limiters.OnResult(platform, err)
		return val, err
	})
}

// Gate returns the per-request gate for platform under this policy's
// acquire timeout.
func (p *Policy) Gate(platform string) Gate {
	return p.Limiters.Gate(platform, p.AcquireTimeout)
}

// RetryVal applies the retry bound to fn without taking a permit. fn is
// expected to pass each of its requests through Gate.
func RetryVal[T any](ctx context.Context, p *Policy, platform, op string, fn func(ctx context.Context) (T, error)) (T, error) {
	cfg := p.Retry
	if cfg.OnRetry == nil {
		cfg.OnRetry = RetryLogger(platform, op)
	}
	return DoVal(ctx, cfg, fn)
}
