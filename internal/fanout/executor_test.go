package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

type fakeRegistry struct {
	mu      sync.Mutex
	targets map[string]*domain.TargetEligibility
}

func newFakeRegistry(names ...string) *fakeRegistry {
	r := &fakeRegistry{targets: make(map[string]*domain.TargetEligibility)}
	for _, n := range names {
		r.targets[n] = &domain.TargetEligibility{Name: n, Kind: domain.TargetKindLocal, State: domain.TargetActive}
	}
	return r
}

func (r *fakeRegistry) set(name string, state domain.TargetState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[name].State = state
}

func (r *fakeRegistry) IsEligible(name string) bool {
	t, ok := r.Get(name)
	return ok && t.Eligible()
}

func (r *fakeRegistry) Get(name string) (*domain.TargetEligibility, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.targets[name]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

func (r *fakeRegistry) Eligible() []*domain.TargetEligibility {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.TargetEligibility
	for _, t := range r.targets {
		if t.Eligible() {
			out = append(out, t.Clone())
		}
	}
	return out
}

type sendFunc func(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResponse, error)

type fakeTransport struct {
	mu       sync.Mutex
	handlers map[string]sendFunc
	calls    map[string]*atomic.Int32
	reject   map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers: make(map[string]sendFunc),
		calls:    make(map[string]*atomic.Int32),
		reject:   make(map[string]bool),
	}
}

func (f *fakeTransport) on(target string, fn sendFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[target] = fn
	f.calls[target] = &atomic.Int32{}
}

func (f *fakeTransport) count(target string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.calls[target]; ok {
		return int(c.Load())
	}
	return 0
}

func (f *fakeTransport) Supports(t *domain.TargetEligibility, seg domain.Segment) error {
	if f.reject[t.Name] {
		return domain.ErrValidation("%s cannot handle %s", t.Name, seg.Capability)
	}
	return nil
}

func (f *fakeTransport) Send(ctx context.Context, t *domain.TargetEligibility, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
	f.mu.Lock()
	fn, ok := f.handlers[t.Name]
	c := f.calls[t.Name]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("no handler for %s", t.Name)
	}
	c.Add(1)
	return fn(ctx, req)
}

func ok(result string) sendFunc {
	return func(context.Context, *domain.DispatchRequest) (*domain.DispatchResponse, error) {
		return &domain.DispatchResponse{Version: domain.EnvelopeVersion, Status: "ok", Result: json.RawMessage(result)}, nil
	}
}

func fail(class string, retryable bool) sendFunc {
	return func(context.Context, *domain.DispatchRequest) (*domain.DispatchResponse, error) {
		return &domain.DispatchResponse{
			Version: domain.EnvelopeVersion,
			Status:  "error",
			Error:   &domain.EnvelopeError{ErrorClass: class, ErrorMessage: "boom", Retryable: retryable},
		}, nil
	}
}

func testConfig() Config {
	return Config{
		Timeout:     time.Second,
		MaxParallel: 4,
		Retry:       RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond, Multiplier: 2},
		Breaker:     BreakerPolicy{FailureThreshold: 3, Cooldown: 50 * time.Millisecond},
	}
}

var rc = domain.RequestContext{RequestID: "req-1", SourceChannel: domain.ChannelTelegram}

func seg(id, target string, required bool) domain.Segment {
	return domain.Segment{ID: id, Target: target, Input: "do " + id, Required: required}
}

func TestDispatch_ParallelAggregatesAndOrders(t *testing.T) {
	tr := newFakeTransport()
	tr.on("calendar", ok(`{"a":1}`))
	tr.on("mail", ok(`{"b":2}`))
	e := New(tr, newFakeRegistry("calendar", "mail"), testConfig())

	plan := domain.Plan{Mode: domain.ModeParallel, Segments: []domain.Segment{
		seg("s1", "mail", true),
		{ID: "s2", Target: "calendar", Input: "x", Required: true, Priority: 5},
	}}
	out, err := e.Dispatch(context.Background(), rc, plan)
	require.NoError(t, err)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "calendar", out.Results[0].Target, "higher priority first")
	assert.False(t, out.Errored())

	primary, found := out.Primary()
	require.True(t, found)
	assert.JSONEq(t, `{"a":1}`, string(primary.Result))
	assert.NotEqual(t, out.Results[0].SubrequestID, out.Results[1].SubrequestID)
	assert.Equal(t, 1, out.Results[0].Attempts)
}

func TestDispatch_RegistryGate(t *testing.T) {
	tr := newFakeTransport()
	tr.on("calendar", ok(`{}`))
	reg := newFakeRegistry("calendar")
	reg.set("calendar", domain.TargetQuarantined)
	e := New(tr, reg, testConfig())

	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "calendar", true), seg("s2", "nobody", false)}})
	require.NoError(t, err)
	for _, r := range out.Results {
		assert.Equal(t, domain.ErrorClassTargetUnavailable, r.Error.Class, r.Target)
		assert.Equal(t, 0, r.Attempts)
	}
	assert.Equal(t, 0, tr.count("calendar"))
	assert.True(t, out.Errored())
}

func TestDispatch_CapabilityCheckBeforeTransport(t *testing.T) {
	tr := newFakeTransport()
	tr.on("calendar", ok(`{}`))
	tr.reject["calendar"] = true
	e := New(tr, newFakeRegistry("calendar"), testConfig())

	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "calendar", true)}})
	require.NoError(t, err)
	assert.Equal(t, domain.ErrorClassValidation, out.Results[0].Error.Class)
	assert.Equal(t, 0, tr.count("calendar"))
}

func TestDispatch_RetriesTransientFailures(t *testing.T) {
	tr := newFakeTransport()
	var n atomic.Int32
	tr.on("mail", func(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
		if n.Add(1) < 3 {
			return fail("overload_rejected", false)(ctx, req)
		}
		assert.Equal(t, 3, req.Attempt)
		return ok(`"sent"`)(ctx, req)
	})
	e := New(tr, newFakeRegistry("mail"), testConfig())

	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "mail", true)}})
	require.NoError(t, err)
	assert.Equal(t, domain.SegmentOK, out.Results[0].Status)
	assert.Equal(t, 3, out.Results[0].Attempts)
}

func TestDispatch_RetryBudgetExhausted(t *testing.T) {
	tr := newFakeTransport()
	tr.on("mail", fail("mailbox_locked", true))
	e := New(tr, newFakeRegistry("mail"), testConfig())

	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "mail", true)}})
	require.NoError(t, err)
	r := out.Results[0]
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, 3, tr.count("mail"))
	assert.Equal(t, domain.ErrorClassInternal, r.Error.Class)
	assert.Equal(t, "mailbox_locked", r.Error.OriginalClass)
}

func TestDispatch_PermanentFailureNotRetried(t *testing.T) {
	tr := newFakeTransport()
	tr.on("mail", fail("validation_error", true))
	e := New(tr, newFakeRegistry("mail"), testConfig())

	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "mail", true)}})
	require.NoError(t, err)
	assert.Equal(t, 1, out.Results[0].Attempts)
	assert.Equal(t, domain.ErrorClassValidation, out.Results[0].Error.Class)
	assert.Equal(t, domain.CircuitClosed, e.BreakerState("mail"))
}

func TestDispatch_TimeoutSynthesized(t *testing.T) {
	tr := newFakeTransport()
	tr.on("slow", func(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	cfg := testConfig()
	cfg.Timeout = 30 * time.Millisecond
	e := New(tr, newFakeRegistry("slow"), cfg)

	start := time.Now()
	out, err := e.Dispatch(context.Background(), rc, domain.Plan{Segments: []domain.Segment{seg("s1", "slow", true)}})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, domain.ErrorClassTimeout, out.Results[0].Error.Class)
	assert.Equal(t, "slow", out.Results[0].Error.Target)
}

func TestDispatch_OrderedAbortOnFailure(t *testing.T) {
	tr := newFakeTransport()
	tr.on("a", ok(`1`))
	tr.on("b", fail("validation_error", false))
	tr.on("c", ok(`3`))
	e := New(tr, newFakeRegistry("a", "b", "c"), testConfig())

	plan := domain.Plan{Mode: domain.ModeOrdered, AbortOnFailure: true, Segments: []domain.Segment{
		seg("s1", "a", true), seg("s2", "b", true), seg("s3", "c", false),
	}}
	out, err := e.Dispatch(context.Background(), rc, plan)
	require.NoError(t, err)

	byID := map[string]domain.SegmentResult{}
	for _, r := range out.Results {
		byID[r.SegmentID] = r
	}
	assert.Equal(t, domain.SegmentOK, byID["s1"].Status)
	assert.Equal(t, domain.SegmentError, byID["s2"].Status)
	assert.Equal(t, domain.SegmentSkipped, byID["s3"].Status)
	assert.Equal(t, 0, tr.count("c"))
	assert.Equal(t, domain.ErrorClassValidation, out.Err().Class)
}

func TestDispatch_OrderedRunsSequentially(t *testing.T) {
	tr := newFakeTransport()
	var mu sync.Mutex
	var order []string
	record := func(name string) sendFunc {
		return func(ctx context.Context, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return ok(`null`)(ctx, req)
		}
	}
	tr.on("z", record("z"))
	tr.on("a", record("a"))
	e := New(tr, newFakeRegistry("z", "a"), testConfig())

	_, err := e.Dispatch(context.Background(), rc, domain.Plan{Mode: domain.ModeOrdered, Segments: []domain.Segment{seg("s1", "z", true), seg("s2", "a", true)}})
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, order)
}

func TestDispatch_Conditional(t *testing.T) {
	tr := newFakeTransport()
	tr.on("lookup", ok(`{"id":7}`))
	tr.on("broken", fail("validation_error", false))
	tr.on("notify", ok(`"done"`))
	tr.on("audit", ok(`"logged"`))
	e := New(tr, newFakeRegistry("lookup", "broken", "notify", "audit"), testConfig())

	segs := []domain.Segment{
		seg("s1", "lookup", true),
		seg("s2", "broken", false),
		{ID: "s3", Target: "notify", Input: "x", DependsOn: []string{"s1", "s2"}},
		{ID: "s4", Target: "audit", Input: "x", DependsOn: []string{"s3"}},
	}

	t.Run("join all", func(t *testing.T) {
		out, err := e.Dispatch(context.Background(), rc, domain.Plan{Mode: domain.ModeConditional, Join: domain.JoinAll, Segments: segs})
		require.NoError(t, err)
		status := map[string]domain.SegmentStatus{}
		for _, r := range out.Results {
			status[r.SegmentID] = r.Status
		}
		assert.Equal(t, domain.SegmentSkipped, status["s3"])
		assert.Equal(t, domain.SegmentSkipped, status["s4"], "skips cascade")
		assert.False(t, out.Errored(), "only optional segments failed")
	})

	t.Run("join any", func(t *testing.T) {
		out, err := e.Dispatch(context.Background(), rc, domain.Plan{Mode: domain.ModeConditional, Join: domain.JoinAny, Segments: segs})
		require.NoError(t, err)
		status := map[string]domain.SegmentStatus{}
		for _, r := range out.Results {
			status[r.SegmentID] = r.Status
		}
		assert.Equal(t, domain.SegmentOK, status["s3"])
		assert.Equal(t, domain.SegmentOK, status["s4"])
	})
}

func TestDispatch_PlanValidation(t *testing.T) {
	e := New(newFakeTransport(), newFakeRegistry(), testConfig())
	tests := []struct {
		name string
		plan domain.Plan
	}{
		{"empty", domain.Plan{}},
		{"unknown mode", domain.Plan{Mode: "broadcast", Segments: []domain.Segment{seg("s1", "a", true)}}},
		{"duplicate ids", domain.Plan{Segments: []domain.Segment{seg("s1", "a", true), seg("s1", "b", true)}}},
		{"unknown dependency", domain.Plan{Mode: domain.ModeConditional, Segments: []domain.Segment{
			{ID: "s1", Target: "a", DependsOn: []string{"nope"}},
		}}},
		{"cycle", domain.Plan{Mode: domain.ModeConditional, Segments: []domain.Segment{
			{ID: "s1", Target: "a", DependsOn: []string{"s2"}},
			{ID: "s2", Target: "b", DependsOn: []string{"s1"}},
		}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.Dispatch(context.Background(), rc, tt.plan)
			require.Error(t, err)
			assert.Equal(t, domain.ErrorClassValidation, domain.AsDispatchError(err).Class)
		})
	}
}

func TestWaves(t *testing.T) {
	w, err := waves([]domain.Segment{
		{ID: "c", DependsOn: []string{"a", "b"}},
		{ID: "a"},
		{ID: "b", DependsOn: []string{"a"}},
		{ID: "d"},
	})
	require.NoError(t, err)
	var ids [][]string
	for _, wave := range w {
		var row []string
		for _, s := range wave {
			row = append(row, s.ID)
		}
		ids = append(ids, row)
	}
	assert.Equal(t, [][]string{{"a", "d"}, {"b"}, {"c"}}, ids)
}
