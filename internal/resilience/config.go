package resilience

import (
	"time"
)

// FromRetryConfig converts config values to a RetryConfig.
func FromRetryConfig(maxAttempts, backoffMs int) RetryConfig {
	cfg := DefaultRetryConfig()
	if maxAttempts > 0 {
		cfg.MaxAttempts = maxAttempts
	}
	if backoffMs > 0 {
		cfg.Backoff = time.Duration(backoffMs) * time.Millisecond
	}
	return cfg
}

// FromCircuitConfig converts config values to a CircuitBreakerConfig. A
// zero threshold disables tripping; a zero cooldown is kept as-is.
func FromCircuitConfig(failureThreshold, openMinutes int) CircuitBreakerConfig {
	cfg := DefaultCircuitBreakerConfig()
	if failureThreshold >= 0 {
		cfg.FailureThreshold = failureThreshold
	}
	if openMinutes >= 0 {
		cfg.Cooldown = time.Duration(openMinutes) * time.Minute
	}
	return cfg
}
