package fanout

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

func breakerConfig() Config {
	cfg := testConfig()
	cfg.Retry.MaxAttempts = 1
	cfg.Breaker = BreakerPolicy{FailureThreshold: 2, Cooldown: 50 * time.Millisecond}
	return cfg
}

func dispatchOne(t *testing.T, e *Executor, target string) domain.SegmentResult {
	t.Helper()
	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", target, true)}})
	require.NoError(t, err)
	return out.Results[0]
}

func TestBreaker_TripsAndShortCircuits(t *testing.T) {
	tr := newFakeTransport()
	tr.on("flaky", fail("internal_error", true))
	e := New(tr, newFakeRegistry("flaky"), breakerConfig())

	dispatchOne(t, e, "flaky")
	assert.Equal(t, domain.CircuitClosed, e.BreakerState("flaky"))
	dispatchOne(t, e, "flaky")
	assert.Equal(t, domain.CircuitOpen, e.BreakerState("flaky"))

	r := dispatchOne(t, e, "flaky")
	assert.Equal(t, domain.ErrorClassTargetUnavailable, r.Error.Class)
	assert.Equal(t, 0, r.Attempts)
	assert.Equal(t, 2, tr.count("flaky"), "open circuit must not reach the transport")
}

func TestBreaker_SingleHalfOpenProbe(t *testing.T) {
	tr := newFakeTransport()
	tr.on("flaky", fail("internal_error", true))
	e := New(tr, newFakeRegistry("flaky"), breakerConfig())
	dispatchOne(t, e, "flaky")
	dispatchOne(t, e, "flaky")
	require.Equal(t, domain.CircuitOpen, e.BreakerState("flaky"))

	time.Sleep(70 * time.Millisecond)
	assert.Equal(t, domain.CircuitHalfOpen, e.BreakerState("flaky"))

	release := make(chan struct{})
	entered := make(chan struct{}, 4)
	tr.on("flaky", func(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
		entered <- struct{}{}
		<-release
		return ok(`"recovered"`)(ctx, req)
	})

	var wg sync.WaitGroup
	results := make([]domain.SegmentResult, 3)
	wg.Add(1)
	go func() {
		defer wg.Done()
		results[0] = dispatchOne(t, e, "flaky")
	}()
	<-entered

	for i := 1; i < 3; i++ {
		results[i] = dispatchOne(t, e, "flaky")
		assert.Equal(t, domain.ErrorClassTargetUnavailable, results[i].Error.Class, "only one probe while half-open")
	}
	close(release)
	wg.Wait()

	assert.Equal(t, domain.SegmentOK, results[0].Status)
	assert.Equal(t, 1, tr.count("flaky"))
	assert.Equal(t, domain.CircuitClosed, e.BreakerState("flaky"))
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	tr := newFakeTransport()
	tr.on("flaky", fail("timeout", false))
	e := New(tr, newFakeRegistry("flaky"), breakerConfig())
	dispatchOne(t, e, "flaky")
	dispatchOne(t, e, "flaky")

	time.Sleep(70 * time.Millisecond)
	r := dispatchOne(t, e, "flaky")
	assert.Equal(t, domain.ErrorClassTimeout, r.Error.Class)
	assert.Equal(t, domain.CircuitOpen, e.BreakerState("flaky"))
}

func TestBreaker_ValidationErrorsDoNotTrip(t *testing.T) {
	tr := newFakeTransport()
	tr.on("strict", fail("validation_error", false))
	e := New(tr, newFakeRegistry("strict"), breakerConfig())
	for i := 0; i < 5; i++ {
		dispatchOne(t, e, "strict")
	}
	assert.Equal(t, domain.CircuitClosed, e.BreakerState("strict"))
	assert.Equal(t, 5, tr.count("strict"))
}

func TestBreaker_IsolatedPerTarget(t *testing.T) {
	tr := newFakeTransport()
	tr.on("bad", fail("internal_error", true))
	tr.on("good", ok(`1`))
	e := New(tr, newFakeRegistry("bad", "good"), breakerConfig())
	dispatchOne(t, e, "bad")
	dispatchOne(t, e, "bad")

	assert.Equal(t, domain.SegmentOK, dispatchOne(t, e, "good").Status)
	states := e.BreakerStates()
	assert.Equal(t, domain.CircuitOpen, states["bad"])
	assert.Equal(t, domain.CircuitClosed, states["good"])
	assert.Equal(t, domain.CircuitClosed, e.BreakerState("unknown"))
}
