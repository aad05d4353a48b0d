package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
	"github.com/tjfontaine/switchboard/internal/storage/memory"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var liveness = config.LivenessConfig{Unit: 10 * time.Second, ActiveWithin: 2, StaleWithin: 4}

func newTestRegistry(t *testing.T) (*Registry, *memory.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	return New(store, liveness, WithClock(clock.Now)), store, clock
}

func auditReasons(t *testing.T, store *memory.Store, name string) []string {
	t.Helper()
	audit, err := store.ListEligibilityAudit(context.Background(), name, 100)
	require.NoError(t, err)
	reasons := make([]string, 0, len(audit))
	for i := len(audit) - 1; i >= 0; i-- {
		reasons = append(reasons, audit[i].Reason)
	}
	return reasons
}

func TestHeartbeat_SelfRegisters(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	assert.False(t, r.IsEligible("calendar"))
	got, err := r.Heartbeat(ctx, HeartbeatInput{Target: "calendar", Endpoint: "http://cal", Counters: map[string]int64{"ok": 1}})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetActive, got.State)
	assert.True(t, r.IsEligible("calendar"))
	assert.Equal(t, []string{domain.ReasonSelfRegistered}, auditReasons(t, store, "calendar"))

	persisted, err := store.LoadTargets(ctx)
	require.NoError(t, err)
	require.Len(t, persisted, 1)
	assert.Equal(t, int64(1), persisted[0].Version)
}

func TestSweep_TTLTransitions(t *testing.T) {
	r, store, clock := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Heartbeat(ctx, HeartbeatInput{Target: "mail", Endpoint: "http://mail"})
	require.NoError(t, err)

	clock.Advance(20 * time.Second)
	assert.Equal(t, SweepStats{}, r.Sweep(ctx), "exactly at the active bound stays active")

	clock.Advance(time.Second)
	assert.Equal(t, SweepStats{Staled: 1}, r.Sweep(ctx))
	assert.False(t, r.IsEligible("mail"), "stale targets are not eligible")

	assert.Equal(t, SweepStats{}, r.Sweep(ctx), "a stale target is not re-staled")

	clock.Advance(20 * time.Second)
	assert.Equal(t, SweepStats{Quarantined: 1}, r.Sweep(ctx))
	got, _ := r.Get("mail")
	assert.Equal(t, domain.TargetQuarantined, got.State)
	assert.Equal(t, domain.ReasonTTLExpired, got.QuarantineReason)
	assert.False(t, got.Manual)

	// Never auto-deregistered.
	clock.Advance(24 * time.Hour)
	r.Sweep(ctx)
	_, ok := r.Get("mail")
	assert.True(t, ok)

	_, err = r.Heartbeat(ctx, HeartbeatInput{Target: "mail"})
	require.NoError(t, err)
	assert.True(t, r.IsEligible("mail"))

	assert.Equal(t, []string{
		domain.ReasonSelfRegistered,
		domain.ReasonTTLStale,
		domain.ReasonTTLExpired,
		domain.ReasonHeartbeatRecovered,
	}, auditReasons(t, store, "mail"))
}

func TestSweep_ActiveStraightToQuarantine(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	r.Heartbeat(ctx, HeartbeatInput{Target: "x"})
	clock.Advance(time.Minute)
	assert.Equal(t, SweepStats{Quarantined: 1}, r.Sweep(ctx))
}

func TestHeartbeat_StaleRecoversWithHeartbeatReason(t *testing.T) {
	r, store, clock := newTestRegistry(t)
	ctx := context.Background()

	r.Heartbeat(ctx, HeartbeatInput{Target: "x"})
	clock.Advance(30 * time.Second)
	r.Sweep(ctx)

	got, err := r.Heartbeat(ctx, HeartbeatInput{Target: "x"})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetActive, got.State)
	assert.Equal(t, []string{domain.ReasonSelfRegistered, domain.ReasonTTLStale, domain.ReasonHeartbeat}, auditReasons(t, store, "x"))
}

func TestOperatorQuarantineIsSticky(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Heartbeat(ctx, HeartbeatInput{Target: "billing"})
	_, err := r.Quarantine(ctx, "billing", "bad deploy")
	require.NoError(t, err)

	got, err := r.Heartbeat(ctx, HeartbeatInput{Target: "billing", Counters: map[string]int64{"n": 2}})
	require.NoError(t, err)
	assert.Equal(t, domain.TargetQuarantined, got.State, "heartbeat must not lift an operator quarantine")
	assert.Equal(t, int64(2), got.Counters["n"], "heartbeat still records counters")

	got, err = r.Restore(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetActive, got.State)
	assert.False(t, got.Manual)

	assert.Equal(t, []string{
		domain.ReasonSelfRegistered,
		domain.ReasonOperatorQuarantine,
		domain.ReasonOperatorRestore,
	}, auditReasons(t, store, "billing"))
}

func TestRegister(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterInput{Name: "general", Kind: domain.TargetKindHTTP}, domain.ReasonConfigured)
	require.Error(t, err, "http targets need an endpoint")

	_, err = r.Register(ctx, RegisterInput{Name: "general", Kind: domain.TargetKindLocal}, domain.ReasonConfigured)
	require.NoError(t, err)
	_, err = r.Quarantine(ctx, "general", "")
	require.NoError(t, err)

	// Config refresh keeps the operator quarantine.
	got, err := r.Register(ctx, RegisterInput{Name: "general", Kind: domain.TargetKindLocal, Capabilities: []string{"*"}}, domain.ReasonConfigured)
	require.NoError(t, err)
	assert.Equal(t, domain.TargetQuarantined, got.State)
	assert.Equal(t, []string{"*"}, got.Capabilities)

	// Explicit re-registration lifts it.
	got, err = r.Register(ctx, RegisterInput{Name: "general", Kind: domain.TargetKindLocal}, domain.ReasonReregistered)
	require.NoError(t, err)
	assert.Equal(t, domain.TargetActive, got.State)

	reasons := auditReasons(t, store, "general")
	assert.Equal(t, domain.ReasonReregistered, reasons[len(reasons)-1])
}

func TestSweep_LocalTargetsExempt(t *testing.T) {
	r, _, clock := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Register(ctx, RegisterInput{Name: "general", Kind: domain.TargetKindLocal}, domain.ReasonConfigured)
	require.NoError(t, err)
	clock.Advance(time.Hour)
	r.Sweep(ctx)
	assert.True(t, r.IsEligible("general"))
}

func TestDeregister(t *testing.T) {
	r, store, _ := newTestRegistry(t)
	ctx := context.Background()

	r.Heartbeat(ctx, HeartbeatInput{Target: "x"})
	require.NoError(t, r.Deregister(ctx, "x"))
	assert.False(t, r.IsEligible("x"))
	assert.ErrorIs(t, r.Deregister(ctx, "x"), ErrUnknownTarget)

	targets, _ := store.LoadTargets(ctx)
	assert.Empty(t, targets)
	_, err := r.Quarantine(ctx, "x", "")
	assert.ErrorIs(t, err, ErrUnknownTarget)
}

func TestLoadRestoresPersistedTargets(t *testing.T) {
	r, store, clock := newTestRegistry(t)
	ctx := context.Background()
	r.Heartbeat(ctx, HeartbeatInput{Target: "a"})
	r.Heartbeat(ctx, HeartbeatInput{Target: "b"})
	r.Quarantine(ctx, "b", "")

	restarted := New(store, liveness, WithClock(clock.Now))
	require.NoError(t, restarted.Load(ctx))
	assert.True(t, restarted.IsEligible("a"))
	assert.False(t, restarted.IsEligible("b"))

	// Persisted version lets the restarted registry keep writing under CAS.
	_, err := restarted.Restore(ctx, "b")
	require.NoError(t, err)
	persisted, _ := store.LoadTargets(ctx)
	assert.Equal(t, domain.TargetActive, persisted[1].State)
}

func TestConcurrentHeartbeatsConverge(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := r.Heartbeat(ctx, HeartbeatInput{Target: "hot", Counters: map[string]int64{"seq": int64(i)}})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	got, ok := r.Get("hot")
	require.True(t, ok)
	assert.Equal(t, int64(50), got.Version, "every heartbeat is one CAS step")
	assert.Len(t, r.List(), 1)
}

func TestEligibleFiltersInactive(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		r.Heartbeat(ctx, HeartbeatInput{Target: fmt.Sprintf("t%d", i)})
	}
	r.Quarantine(ctx, "t1", "")

	var names []string
	for _, t := range r.Eligible() {
		names = append(names, t.Name)
	}
	assert.Equal(t, []string{"t0", "t2"}, names)
}

func TestIngestor(t *testing.T) {
	r, _, _ := newTestRegistry(t)
	ing := NewIngestor(r, 1, nil)

	assert.True(t, ing.Submit(HeartbeatInput{Target: "a"}))
	assert.False(t, ing.Submit(HeartbeatInput{Target: "b"}), "full channel drops")
	assert.Equal(t, int64(1), ing.Dropped())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ing.Run(ctx)

	require.Eventually(t, func() bool { return r.IsEligible("a") }, time.Second, 5*time.Millisecond)
}

// gatedStore blocks the first save of a given version until released.
type gatedStore struct {
	*memory.Store
	version int64
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedStore) SaveTarget(ctx context.Context, t *domain.TargetEligibility, expected int64) error {
	if t.Version == g.version {
		g.once.Do(func() {
			close(g.entered)
			<-g.release
		})
	}
	return g.Store.SaveTarget(ctx, t, expected)
}

// flakyStore fails the save of one version with a transient error.
type flakyStore struct {
	*memory.Store
	failVersion int64
}

func (f *flakyStore) SaveTarget(ctx context.Context, t *domain.TargetEligibility, expected int64) error {
	if t.Version == f.failVersion {
		return errors.New("disk full")
	}
	return f.Store.SaveTarget(ctx, t, expected)
}

func persisted(t *testing.T, store *memory.Store, name string) *domain.TargetEligibility {
	t.Helper()
	targets, err := store.LoadTargets(context.Background())
	require.NoError(t, err)
	for _, tg := range targets {
		if tg.Name == name {
			return tg
		}
	}
	t.Fatalf("target %s not persisted", name)
	return nil
}

func TestOverlappingUpdatesPersistInOrder(t *testing.T) {
	mem := memory.New()
	gated := &gatedStore{Store: mem, version: 2, entered: make(chan struct{}), release: make(chan struct{})}
	r := New(gated, liveness)
	ctx := context.Background()

	_, err := r.Heartbeat(ctx, HeartbeatInput{Target: "billing"})
	require.NoError(t, err)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, err := r.Heartbeat(ctx, HeartbeatInput{Target: "billing"})
		assert.NoError(t, err)
	}()
	<-gated.entered
	go func() {
		defer wg.Done()
		_, err := r.Quarantine(ctx, "billing", "bad deploy")
		assert.NoError(t, err)
	}()
	time.Sleep(20 * time.Millisecond)
	close(gated.release)
	wg.Wait()

	live, _ := r.Get("billing")
	stored := persisted(t, mem, "billing")
	assert.Equal(t, live.Version, stored.Version)
	assert.Equal(t, domain.TargetQuarantined, stored.State)
	assert.True(t, stored.Manual)

	// A restarted registry keeps the operator quarantine.
	restarted := New(mem, liveness)
	require.NoError(t, restarted.Load(ctx))
	assert.False(t, restarted.IsEligible("billing"))
	_, err = restarted.Restore(ctx, "billing")
	require.NoError(t, err)
	assert.Equal(t, domain.TargetActive, persisted(t, mem, "billing").State)
}

func TestFailedSaveResyncsOnNextUpdate(t *testing.T) {
	mem := memory.New()
	r := New(&flakyStore{Store: mem, failVersion: 2}, liveness)
	ctx := context.Background()

	r.Heartbeat(ctx, HeartbeatInput{Target: "mail"})
	r.Heartbeat(ctx, HeartbeatInput{Target: "mail"}) // v2 lost
	assert.Equal(t, int64(1), persisted(t, mem, "mail").Version)

	_, err := r.Quarantine(ctx, "mail", "")
	require.NoError(t, err)

	stored := persisted(t, mem, "mail")
	assert.Equal(t, int64(3), stored.Version)
	assert.Equal(t, domain.TargetQuarantined, stored.State)

	_, err = r.Restore(ctx, "mail")
	require.NoError(t, err)
	assert.Equal(t, int64(4), persisted(t, mem, "mail").Version)
}
