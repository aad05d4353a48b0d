package registry

import (
	"context"
	"log/slog"
	"sync/atomic"
)

// Ingestor decouples heartbeat receipt from registry updates. Submit never
// blocks; when the channel is full the heartbeat is dropped because the
// next one from the same target supersedes it.
type Ingestor struct {
	registry *Registry
	ch       chan HeartbeatInput
	dropped  atomic.Int64
	logger   *slog.Logger
}

// NewIngestor creates an Ingestor with the given channel capacity.
func NewIngestor(r *Registry, capacity int, logger *slog.Logger) *Ingestor {
	if capacity <= 0 {
		capacity = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		registry: r,
		ch:       make(chan HeartbeatInput, capacity),
		logger:   logger,
	}
}

// Submit queues hb and reports whether it was accepted.
func (i *Ingestor) Submit(hb HeartbeatInput) bool {
	select {
	case i.ch <- hb:
		return true
	default:
		n := i.dropped.Add(1)
		i.logger.Warn("heartbeat channel full, dropping heartbeat",
			slog.String("target", hb.Target),
			slog.Int64("dropped_total", n),
		)
		return false
	}
}

// Dropped returns the number of heartbeats discarded under load.
func (i *Ingestor) Dropped() int64 {
	return i.dropped.Load()
}

// Run applies queued heartbeats until ctx is done.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case hb := <-i.ch:
			if _, err := i.registry.Heartbeat(ctx, hb); err != nil {
				i.logger.Warn("heartbeat rejected",
					slog.String("target", hb.Target),
					slog.String("error", err.Error()),
				)
			}
		}
	}
}
