package buffer

import (
	"context"
	"log/slog"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
)

// ScannerConfig controls the recovery sweep.
type ScannerConfig struct {
	Interval        time.Duration
	GracePeriod     time.Duration
	BatchSize       int
	ProcessingLease time.Duration
	Retention       time.Duration // 0 disables purging
}

// SweepStats summarizes one sweep.
type SweepStats struct {
	Scanned        int   `json:"scanned"`
	Reclaimed      int   `json:"reclaimed"`
	Recovered      int   `json:"recovered"`
	AlreadyTracked int   `json:"already_tracked"`
	Deferred       int   `json:"deferred"`
	Invalid        int   `json:"invalid"`
	Purged         int64 `json:"purged"`
}

// Scanner re-enqueues accepted records that never reached a worker, such as
// those skipped under backpressure or queued at the time of a crash.
type Scanner struct {
	store     ports.IngressStore
	buffer    *Buffer
	cfg       ScannerConfig
	publisher ports.EventPublisher
	logger    *slog.Logger
	now       func() time.Time
}

// NewScanner creates a Scanner. publisher may be nil.
func NewScanner(store ports.IngressStore, buf *Buffer, cfg ScannerConfig, publisher ports.EventPublisher, logger *slog.Logger) *Scanner {
	if cfg.Interval <= 0 {
		cfg.Interval = 30 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 10 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 500
	}
	if cfg.ProcessingLease <= 0 {
		cfg.ProcessingLease = 10 * time.Minute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scanner{
		store:     store,
		buffer:    buf,
		cfg:       cfg,
		publisher: publisher,
		logger:    logger,
		now:       time.Now,
	}
}

// Run sweeps once immediately and then on every interval until ctx is done.
func (s *Scanner) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("recovery sweep failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Sweep performs a single recovery pass.
func (s *Scanner) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats
	now := s.now()

	// A worker that crashed or failed to finalize leaves its claim behind.
	// Expired claims go back to accepted and are picked up below.
	reclaimed, err := s.store.ReclaimStaleProcessing(ctx, now.Add(-s.cfg.ProcessingLease), s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}
	for _, rec := range reclaimed {
		stats.Reclaimed++
		s.logger.Warn("reclaimed stale processing claim",
			slog.String("request_id", rec.RequestID()),
			slog.Time("received_at", rec.Context.ReceivedAt),
		)
	}

	stale, err := s.store.ListStaleAccepted(ctx, now.Add(-s.cfg.GracePeriod), s.cfg.BatchSize)
	if err != nil {
		return stats, err
	}

	for _, rec := range stale {
		stats.Scanned++

		if derr := rec.Unprocessable(); derr != nil {
			s.rejectInvalid(ctx, rec, derr)
			stats.Invalid++
			continue
		}

		switch s.buffer.Recover(ctx, domain.BufferedMessage{
			RequestID:  rec.RequestID(),
			PolicyTier: rec.PolicyTier,
			EnqueuedAt: now,
		}) {
		case Pushed:
			stats.Recovered++
			s.publish(ctx, domain.LifecycleEventRecovered, rec.RequestID(), nil)
		case AlreadyTracked:
			stats.AlreadyTracked++
		case QueueFull:
			stats.Deferred++
		}
	}

	if s.cfg.Retention > 0 {
		n, err := s.store.PurgeBefore(ctx, now.Add(-s.cfg.Retention))
		if err != nil {
			return stats, err
		}
		stats.Purged = n
	}

	if stats.Scanned > 0 || stats.Reclaimed > 0 || stats.Purged > 0 {
		s.logger.Info("recovery sweep complete",
			slog.Int("scanned", stats.Scanned),
			slog.Int("reclaimed", stats.Reclaimed),
			slog.Int("recovered", stats.Recovered),
			slog.Int("already_tracked", stats.AlreadyTracked),
			slog.Int("deferred", stats.Deferred),
			slog.Int("invalid", stats.Invalid),
			slog.Int64("purged", stats.Purged),
		)
	}
	return stats, nil
}

func (s *Scanner) rejectInvalid(ctx context.Context, rec *domain.IngressRecord, derr *domain.DispatchError) {
	if err := s.store.Finalize(ctx, rec.RequestID(), domain.Finalization{
		State: domain.StateErrored,
		Error: derr,
	}); err != nil {
		s.logger.Warn("failed to mark unprocessable message errored",
			slog.String("request_id", rec.RequestID()),
			slog.String("error", err.Error()),
		)
		return
	}
	s.publish(ctx, domain.LifecycleEventErrored, rec.RequestID(), domain.LifecycleFinishedData{Error: derr})
}

func (s *Scanner) publish(ctx context.Context, typ domain.LifecycleEventType, requestID string, data any) {
	if s.publisher == nil {
		return
	}
	if err := s.publisher.Publish(ctx, &domain.LifecycleEvent{
		Type:      typ,
		RequestID: requestID,
		Timestamp: s.now().UTC(),
		Data:      data,
	}); err != nil {
		s.logger.Warn("failed to publish lifecycle event",
			slog.String("request_id", requestID),
			slog.String("type", string(typ)),
			slog.String("error", err.Error()),
		)
	}
}
