package fanout

import (
	"context"
	"errors"
	"log/slog"

	"github.com/sony/gobreaker"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// breaker returns the circuit breaker for target, creating it on first use.
func (e *Executor) breaker(target string) *gobreaker.CircuitBreaker {
	if cb, ok := e.breakers.Load(target); ok {
		return cb.(*gobreaker.CircuitBreaker)
	}
	cb, _ := e.breakers.LoadOrStore(target, gobreaker.NewCircuitBreaker(e.breakerSettings(target)))
	return cb.(*gobreaker.CircuitBreaker)
}

func (e *Executor) breakerSettings(target string) gobreaker.Settings {
	threshold := uint32(e.cfg.Breaker.FailureThreshold)
	return gobreaker.Settings{
		Name:        target,
		MaxRequests: 1,
		Interval:    e.cfg.Breaker.Window,
		Timeout:     e.cfg.Breaker.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Called with the breaker locked; must not call back into it.
		OnStateChange: func(name string, from, to gobreaker.State) {
			e.logger.Warn("circuit state changed",
				slog.String("target", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()),
			)
			e.recorder.RecordBreakerTransition(context.Background(), name, from.String(), to.String())
		},
		IsSuccessful: breakerSuccess,
	}
}

// breakerSuccess decides what counts against a target's health. Requests the
// target rightly refused are the caller's fault, not the target's.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return true
	}
	de := domain.AsDispatchError(err)
	return de.Class.Permanent()
}

// BreakerState reports the circuit state for target. Targets never
// dispatched to are closed.
func (e *Executor) BreakerState(target string) domain.CircuitState {
	cb, ok := e.breakers.Load(target)
	if !ok {
		return domain.CircuitClosed
	}
	return circuitState(cb.(*gobreaker.CircuitBreaker).State())
}

// BreakerStates reports every known circuit.
func (e *Executor) BreakerStates() map[string]domain.CircuitState {
	out := make(map[string]domain.CircuitState)
	e.breakers.Range(func(k, v any) bool {
		out[k.(string)] = circuitState(v.(*gobreaker.CircuitBreaker).State())
		return true
	})
	return out
}

func circuitState(s gobreaker.State) domain.CircuitState {
	switch s {
	case gobreaker.StateOpen:
		return domain.CircuitOpen
	case gobreaker.StateHalfOpen:
		return domain.CircuitHalfOpen
	default:
		return domain.CircuitClosed
	}
}

func isBreakerRejection(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}
