package ports

import (
	"context"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/pkg/config"
)

// ConfigProvider loads and manages configuration.
// Implementations: file-based with hot reload, static.
type ConfigProvider interface {
	Load(ctx context.Context) (*config.Config, error)
	Watch(ctx context.Context, onChange func(*config.Config)) error
	Close() error
}

// EventPublisher publishes request lifecycle events.
// Implementations: direct storage (default).
type EventPublisher interface {
	Publish(ctx context.Context, event *domain.LifecycleEvent) error
	Close() error
}

// SignalNotifier delivers user-visible status signals back to interactive channels.
type SignalNotifier interface {
	Notify(ctx context.Context, rc domain.RequestContext, signal domain.Signal, text string) error
}

// Transport delivers one dispatch envelope to a target.
type Transport interface {
	Send(ctx context.Context, target *domain.TargetEligibility, req *domain.DispatchRequest) (*domain.DispatchResponse, error)
}

// Eligibility answers whether a target may be selected right now.
type Eligibility interface {
	IsEligible(name string) bool
	Get(name string) (*domain.TargetEligibility, bool)
	Eligible() []*domain.TargetEligibility
}
