// Package direct provides a direct event publisher that writes to storage.
package direct

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/core/ports"
)

// Publisher implements ports.EventPublisher by writing directly to storage.
// This is the default implementation for single-instance deployments.
type Publisher struct {
	store  ports.AuditStore
	logger *slog.Logger
}

// NewPublisher creates a new direct event publisher.
func NewPublisher(store ports.AuditStore, logger *slog.Logger) (*Publisher, error) {
	if store == nil {
		return nil, fmt.Errorf("storage provider required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		store:  store,
		logger: logger,
	}, nil
}

// Publish writes a lifecycle event directly to storage.
func (p *Publisher) Publish(ctx context.Context, event *domain.LifecycleEvent) error {
	if event == nil || event.RequestID == "" {
		return fmt.Errorf("lifecycle event requires a request id")
	}
	if err := p.store.AppendLifecycleEvent(ctx, event); err != nil {
		return fmt.Errorf("append lifecycle event %s: %w", event.Type, err)
	}
	p.logger.DebugContext(ctx, "lifecycle event",
		slog.String("request_id", event.RequestID),
		slog.String("type", string(event.Type)),
	)
	return nil
}

// Close is a no-op for direct publisher.
func (p *Publisher) Close() error {
	return nil
}
