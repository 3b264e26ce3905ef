package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Budget is a platform's request allowance: Requests per Per, with Burst
// requests allowed back to back.
type Budget struct {
	Requests int
	Per      time.Duration
	Burst    int
}

// DefaultBudget is one request per second with no burst.
var DefaultBudget = Budget{Requests: 1, Per: time.Second, Burst: 1}

// Limit converts the budget to a token refill rate.
func (b Budget) Limit() rate.Limit {
	if b.Requests <= 0 || b.Per <= 0 {
		return rate.Every(DefaultBudget.Per)
	}
	return rate.Limit(float64(b.Requests) / b.Per.Seconds())
}

func (b Budget) burst() int {
	if b.Burst <= 0 {
		return 1
	}
	return b.Burst
}

// adaptiveLimiter halves its rate on rate-limit signals (down to a quarter
// of the configured budget) and recovers by 20% per success, never rising
// above the configured budget.
type adaptiveLimiter struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	base    rate.Limit
	floor   rate.Limit
	current rate.Limit
}

func newAdaptiveLimiter(b Budget) *adaptiveLimiter {
	lim := b.Limit()
	return &adaptiveLimiter{
		limiter: rate.NewLimiter(lim, b.burst()),
		base:    lim,
		floor:   lim / 4,
		current: lim,
	}
}

func (a *adaptiveLimiter) onSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.current >= a.base {
		return
	}
	a.current = min(a.current*1.2, a.base)
	a.limiter.SetLimit(a.current)
}

func (a *adaptiveLimiter) onRateLimit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.current = max(a.current*0.5, a.floor)
	a.limiter.SetLimit(a.current)
	return a.current
}

func (a *adaptiveLimiter) limit() rate.Limit {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.current
}

// Limiters holds an independent token budget and circuit breaker per
// platform. Acquire on one platform never waits on another's tokens.
type Limiters struct {
	mu       sync.Mutex
	def      Budget
	budgets  map[string]Budget
	limiters map[string]*adaptiveLimiter
	breakers *Breakers
}

// NewLimiters builds a registry. Platforms missing from budgets use def.
func NewLimiters(def Budget, budgets map[string]Budget, breakers *Breakers) *Limiters {
	if breakers == nil {
		breakers = NewBreakers(DefaultCircuitBreakerConfig())
	}
	b := make(map[string]Budget, len(budgets))
	for k, v := range budgets {
		b[k] = v
	}
	return &Limiters{
		def:      def,
		budgets:  b,
		limiters: make(map[string]*adaptiveLimiter),
		breakers: breakers,
	}
}

func (l *Limiters) get(platform string) *adaptiveLimiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if a, ok := l.limiters[platform]; ok {
		return a
	}
	budget, ok := l.budgets[platform]
	if !ok {
		budget = l.def
	}
	a := newAdaptiveLimiter(budget)
	l.limiters[platform] = a
	return a
}

// Breakers exposes the circuit breaker registry.
func (l *Limiters) Breakers() *Breakers { return l.breakers }

// Acquire blocks until platform has a token. It fails fast with
// ErrCircuitOpen while the platform's circuit is open, and returns a
// RateLimitError wrapping ErrAcquireTimeout when no token arrives within
// timeout. A non-positive timeout waits as long as ctx allows.
func (l *Limiters) Acquire(ctx context.Context, platform string, timeout time.Duration) error {
	cb := l.breakers.Get(platform)
	if err := cb.Allow(); err != nil {
		return err
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := l.get(platform).limiter.Wait(waitCtx); err != nil {
		cb.release()
		if ctx.Err() != nil {
			return eris.Wrapf(ctx.Err(), "rate limiter: acquire %s", platform)
		}
		return &RateLimitError{Platform: platform, Err: ErrAcquireTimeout}
	}
	return nil
}

// OnResult records the outcome of a call made under a permit. Rate-limit
// signals slow the platform down; successes let it recover.
func (l *Limiters) OnResult(platform string, err error) {
	l.breakers.Get(platform).Record(err)

	a := l.get(platform)
	switch {
	case err == nil:
		a.onSuccess()
	case IsRateLimited(err):
		next := a.onRateLimit()
		zap.L().Warn("rate limiter: slowing platform after rate-limit signal",
			zap.String("platform", platform),
			zap.Float64("requests_per_second", float64(next)),
		)
	}
}

// Gate runs one outbound request under a platform's budget.
type Gate func(ctx context.Context, fn func(ctx context.Context) error) error

// Gate returns a Gate for platform. Every call takes its own permit and
// reports its outcome through OnResult, so adapters that page or fan out
// inside a single fetch spend one token per HTTP request.
func (l *Limiters) Gate(platform string, timeout time.Duration) Gate {
	return func(ctx context.Context, fn func(ctx context.Context) error) error {
		if err := l.Acquire(ctx, platform, timeout); err != nil {
			return err
		}
		err := fn(ctx)
		l.OnResult(platform, err)
		return err
	}
}

// Limit returns the platform's current effective rate.
func (l *Limiters) Limit(platform string) rate.Limit {
	return l.get(platform).limit()
}
