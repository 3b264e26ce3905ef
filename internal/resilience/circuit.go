// Package resilience guards outbound platform and LLM calls with per-platform
// rate budgets, bounded retry, and circuit breakers.
package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed lets requests through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects requests until the cool-down elapses.
	CircuitOpen
	// CircuitHalfOpen allows probe requests to test recovery.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the platform's
// circuit is open.
var ErrCircuitOpen = eris.New("circuit breaker is open")

// CircuitBreakerConfig controls circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures before opening
	// the circuit. Default: 5.
	FailureThreshold int

	// Cooldown is how long the circuit stays open before a probe is let
	// through. Default: 60s.
	Cooldown time.Duration

	// HalfOpenMaxProbes is the number of successful probes required to close
	// the circuit again, and the most probes admitted at once while
	// half-open. Default: 1.
	HalfOpenMaxProbes int

	// ShouldTrip decides whether an error counts toward the threshold. If nil,
	// transient and rate-limit errors count and permanent errors do not: a bad
	// request says nothing about the platform's health.
	ShouldTrip func(err error) bool
}

// DefaultCircuitBreakerConfig returns the defaults used when the circuit
// section of the configuration is empty.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		HalfOpenMaxProbes: 1,
	}
}

// CircuitBreaker tracks the health of one platform.
type CircuitBreaker struct {
	name string
	cfg  CircuitBreakerConfig

	mu                  sync.Mutex
	state               CircuitState
	consecutiveFailures int
	openedAt            time.Time
	halfOpenSuccesses   int
	probesInFlight      int

	now func() time.Time
}

// NewCircuitBreaker creates a breaker for the named platform.
func NewCircuitBreaker(name string, cfg CircuitBreakerConfig) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if cfg.HalfOpenMaxProbes <= 0 {
		cfg.HalfOpenMaxProbes = def.HalfOpenMaxProbes
	}
	if cfg.ShouldTrip == nil {
		cfg.ShouldTrip = IsTransient
	}
	return &CircuitBreaker{
		name:  name,
		cfg:   cfg,
		state: CircuitClosed,
		now:   time.Now,
	}
}

// Allow reports whether a request may proceed. An open circuit whose
// cool-down has elapsed moves to half-open. While half-open, at most
// HalfOpenMaxProbes admitted requests may be awaiting their Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil
	case CircuitOpen:
		if cb.now().Sub(cb.openedAt) < cb.cfg.Cooldown {
			return eris.Wrapf(ErrCircuitOpen, "%s", cb.name)
		}
		cb.transition(CircuitHalfOpen)
	}
	if cb.probesInFlight >= cb.cfg.HalfOpenMaxProbes {
		return eris.Wrapf(ErrCircuitOpen, "%s: probe in flight", cb.name)
	}
	cb.probesInFlight++
	return nil
}

// release returns a half-open probe slot taken by Allow for a request that
// was never sent.
func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}
}

// Record feeds the outcome of a request into the breaker.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == CircuitHalfOpen && cb.probesInFlight > 0 {
		cb.probesInFlight--
	}

	if err == nil || !cb.cfg.ShouldTrip(err) {
		switch cb.state {
		case CircuitHalfOpen:
			cb.halfOpenSuccesses++
			if cb.halfOpenSuccesses >= cb.cfg.HalfOpenMaxProbes {
				cb.consecutiveFailures = 0
				cb.halfOpenSuccesses = 0
				cb.probesInFlight = 0
				cb.transition(CircuitClosed)
			}
		case CircuitClosed:
			cb.consecutiveFailures = 0
		}
		return
	}

	cb.consecutiveFailures++
	switch cb.state {
	case CircuitClosed:
		if cb.consecutiveFailures >= cb.cfg.FailureThreshold {
			cb.openedAt = cb.now()
			cb.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		cb.openedAt = cb.now()
		cb.halfOpenSuccesses = 0
		cb.probesInFlight = 0
		cb.transition(CircuitOpen)
	}
}

// State returns the current state, reporting half-open once the cool-down
// has elapsed even if no request has probed yet.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == CircuitOpen && cb.now().Sub(cb.openedAt) >= cb.cfg.Cooldown {
		return CircuitHalfOpen
	}
	return cb.state
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.consecutiveFailures
}

// Reset forces the circuit closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.consecutiveFailures = 0
	cb.halfOpenSuccesses = 0
	cb.probesInFlight = 0
	if cb.state != CircuitClosed {
		cb.transition(CircuitClosed)
	}
}

func (cb *CircuitBreaker) transition(to CircuitState) {
	from := cb.state
	cb.state = to
	zap.L().Warn("circuit breaker state change",
		zap.String("platform", cb.name),
		zap.Stringer("from", from),
		zap.Stringer("to", to),
		zap.Int("consecutive_failures", cb.consecutiveFailures),
	)
}

// Breakers is a registry of per-platform circuit breakers. One platform's
// outage never opens another platform's circuit.
type Breakers struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	cfg      CircuitBreakerConfig
	now      func() time.Time
}

// NewBreakers creates an empty registry sharing cfg.
func NewBreakers(cfg CircuitBreakerConfig) *Breakers {
	return &Breakers{
		breakers: make(map[string]*CircuitBreaker),
		cfg:      cfg,
		now:      time.Now,
	}
}

// SetClock replaces the time source for every current and future breaker.
func (b *Breakers) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
	for _, cb := range b.breakers {
		cb.mu.Lock()
		cb.now = now
		cb.mu.Unlock()
	}
}

// Get returns the breaker for platform, creating it on first use.
func (b *Breakers) Get(platform string) *CircuitBreaker {
	b.mu.RLock()
	cb, ok := b.breakers[platform]
	b.mu.RUnlock()
	if ok {
		return cb
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok = b.breakers[platform]; ok {
		return cb
	}
	cb = NewCircuitBreaker(platform, b.cfg)
	cb.now = b.now
	b.breakers[platform] = cb
	return cb
}

// PlatformState is a snapshot row for status output.
type PlatformState struct {
	Platform string
	State    CircuitState
	Failures int
}

// States returns a snapshot of every breaker, sorted by platform.
func (b *Breakers) States() []PlatformState {
	b.mu.RLock()
	out := make([]PlatformState, 0, len(b.breakers))
	for name, cb := range b.breakers {
		out = append(out, PlatformState{Platform: name, State: cb.State(), Failures: cb.Failures()})
	}
	b.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Platform < out[j].Platform })
	return out
}
