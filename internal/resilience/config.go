package resilience

import (
	"time"
)

// FromRetrySettings converts configuration values to a RetryConfig. Zero
// values keep the defaults.
func FromRetrySettings(maxAttempts, initialBackoffMs, maxBackoffMs int, multiplier, jitterFraction float64) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if initialBackoffMs > 0 {
		cfg.InitialBackoff = time.Duration(initialBackoffMs) * time.Millisecond
	}
	if maxBackoffMs > 0 {
		cfg.MaxBackoff = time.Duration(maxBackoffMs) * time.Millisecond
	}
	if multiplier > 0 {
		cfg.Multiplier = multiplier
	}
	if jitterFraction >= 0 {
		cfg.JitterFraction = jitterFraction
	}
	return cfg
}

// FromCircuitSettings converts configuration values to a CircuitBreakerConfig.
func FromCircuitSettings(failureThreshold, cooldownSecs int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold > 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if cooldownSecs > 0 {
		cfg.Cooldown = time.Duration(cooldownSecs) * time.Second
	}
	return cfg
}

// FromRateSettings converts a requests-per-window setting to a Budget.
// perSeconds may be fractional, e.g. 1.5 for the transform throttle.
func FromRateSettings(requests int, perSeconds float64, burst int) Budget {
	if requests <= 0 || perSeconds <= 0 {
		return DefaultBudget
	}
	return Budget{
		Requests: requests,
		Per:      time.Duration(perSeconds * float64(time.Second)),
		Burst:    burst,
	}
}
