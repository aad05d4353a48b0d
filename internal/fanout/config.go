package fanout

import (
	"time"

	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

// Config bounds every segment dispatch.
type Config struct {
	// Timeout is the wall-clock budget for one segment across all attempts.
	Timeout     time.Duration
	MaxParallel int
	Retry       RetryPolicy
	Breaker     BreakerPolicy
}

// RetryPolicy configures exponential backoff between attempts.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
}

// BreakerPolicy configures the per-target circuit breaker.
type BreakerPolicy struct {
	FailureThreshold int
	Cooldown         time.Duration
	Window           time.Duration
}

// ConfigFrom converts the dispatch section of the service configuration.
func ConfigFrom(c config.DispatchConfig) Config {
	return Config{
		Timeout:     c.Timeout,
		MaxParallel: c.MaxParallel,
		Retry: RetryPolicy{
			MaxAttempts:    c.Retry.MaxAttempts,
			InitialBackoff: c.Retry.InitialBackoff,
			MaxBackoff:     c.Retry.MaxBackoff,
			Multiplier:     c.Retry.Multiplier,
		},
		Breaker: BreakerPolicy{
			FailureThreshold: c.Circuit.FailureThreshold,
			Cooldown:         c.Circuit.Cooldown,
			Window:           c.Circuit.Window,
		},
	}
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxParallel <= 0 {
		c.MaxParallel = 8
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.InitialBackoff <= 0 {
		c.Retry.InitialBackoff = 200 * time.Millisecond
	}
	if c.Retry.MaxBackoff <= 0 {
		c.Retry.MaxBackoff = 5 * time.Second
	}
	if c.Retry.Multiplier < 1 {
		c.Retry.Multiplier = 2
	}
	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.Cooldown <= 0 {
		c.Breaker.Cooldown = 30 * time.Second
	}
	return c
}
