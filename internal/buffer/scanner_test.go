package buffer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/storage/memory"
)

func seed(t *testing.T, store *memory.Store, id, text string, age time.Duration) {
	t.Helper()
	_, _, err := store.InsertOrGet(context.Background(), &domain.IngressRecord{
		Context: domain.RequestContext{
			RequestID:              id,
			ReceivedAt:             time.Now().Add(-age),
			SourceChannel:          domain.ChannelAPI,
			SourceEndpointIdentity: "svc",
			SourceSenderIdentity:   "caller",
		},
		DedupKey:       "key-" + id,
		PolicyTier:     domain.TierDefault,
		NormalizedText: text,
		State:          domain.StateAccepted,
	})
	require.NoError(t, err)
}

func TestScanner_RecoversOncePerSweep(t *testing.T) {
	store := memory.New()
	b := New(nil)
	s := NewScanner(store, b, ScannerConfig{GracePeriod: time.Second}, nil, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seed(t, store, fmt.Sprintf("r%d", i), "hello", time.Minute)
	}
	seed(t, store, "fresh", "hello", 0)

	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Scanned)
	assert.Equal(t, 3, stats.Recovered)

	// A second sweep before any worker runs must not duplicate.
	stats, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Recovered)
	assert.Equal(t, 3, stats.AlreadyTracked)
	assert.Equal(t, 3, b.Stats().Depth[domain.TierDefault])
}

func TestScanner_NoRecoveryAfterProcessing(t *testing.T) {
	store := memory.New()
	b := New(nil)
	s := NewScanner(store, b, ScannerConfig{GracePeriod: time.Second}, nil, nil)
	ctx := context.Background()

	seed(t, store, "r1", "hello", time.Minute)
	_, err := s.Sweep(ctx)
	require.NoError(t, err)

	c := b.NewCursor(0)
	m, ok := c.TryNext()
	require.True(t, ok)
	require.NoError(t, store.TransitionState(ctx, m.RequestID, domain.StateAccepted, domain.StateProcessing))
	b.Release(m.RequestID)

	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Scanned)
	_, ok = c.TryNext()
	assert.False(t, ok)
}

func TestScanner_InvalidContentErrored(t *testing.T) {
	store := memory.New()
	b := New(nil)
	pub := &capturePublisher{}
	s := NewScanner(store, b, ScannerConfig{GracePeriod: time.Second}, pub, nil)
	ctx := context.Background()

	seed(t, store, "empty", "", time.Minute)
	seed(t, store, "blank", " \t ", time.Minute)

	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Invalid)
	assert.Zero(t, stats.Recovered)

	for _, id := range []string{"empty", "blank"} {
		rec, err := store.GetRequest(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StateErrored, rec.State, id)
		require.NotNil(t, rec.Error)
		assert.Equal(t, domain.ErrorClassValidation, rec.Error.Class)
	}
	assert.Equal(t, []domain.LifecycleEventType{domain.LifecycleEventErrored, domain.LifecycleEventErrored}, pub.types())
}

func TestScanner_ReclaimsExpiredProcessingClaims(t *testing.T) {
	store := memory.New()
	b := New(nil)
	pub := &capturePublisher{}
	s := NewScanner(store, b, ScannerConfig{GracePeriod: time.Second, ProcessingLease: 10 * time.Minute}, pub, nil)
	ctx := context.Background()

	seed(t, store, "stuck", "hello", time.Hour)
	require.NoError(t, store.TransitionState(ctx, "stuck", domain.StateAccepted, domain.StateProcessing))

	// Within the lease the claim is left alone.
	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.Reclaimed)
	assert.Zero(t, stats.Recovered)

	s.now = func() time.Time { return time.Now().Add(20 * time.Minute) }
	stats, err = s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reclaimed)
	assert.Equal(t, 1, stats.Recovered)

	rec, err := store.GetRequest(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, domain.StateAccepted, rec.State)

	m, ok := b.NewCursor(0).TryNext()
	require.True(t, ok)
	assert.Equal(t, "stuck", m.RequestID)
	assert.Equal(t, []domain.LifecycleEventType{domain.LifecycleEventRecovered}, pub.types())
}

func TestScanner_DefersWhenFull(t *testing.T) {
	store := memory.New()
	b := New(Capacities{domain.TierDefault: 1})
	s := NewScanner(store, b, ScannerConfig{GracePeriod: time.Second}, nil, nil)

	seed(t, store, "a", "x", 2*time.Minute)
	seed(t, store, "b", "x", time.Minute)

	stats, err := s.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Recovered)
	assert.Equal(t, 1, stats.Deferred)
}

func TestScanner_Retention(t *testing.T) {
	store := memory.New()
	s := NewScanner(store, New(nil), ScannerConfig{GracePeriod: time.Hour, Retention: 24 * time.Hour}, nil, nil)
	ctx := context.Background()

	seed(t, store, "old", "x", 48*time.Hour)
	require.NoError(t, store.Finalize(ctx, "old", domain.Finalization{State: domain.StateErrored}))

	stats, err := s.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Purged)
}

func TestScanner_RunStopsOnCancel(t *testing.T) {
	store := memory.New()
	b := New(nil)
	s := NewScanner(store, b, ScannerConfig{Interval: 5 * time.Millisecond, GracePeriod: time.Millisecond}, nil, nil)
	seed(t, store, "r", "x", time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Tracked("r") }, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
