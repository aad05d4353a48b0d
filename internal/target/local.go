package target

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// Handler processes a segment in-process. Returning a *domain.DispatchError
// controls the reported class and retryability.
type Handler func(ctx context.Context, req *domain.DispatchRequest) (json.RawMessage, error)

// LocalTransport dispatches to handlers registered by name.
type LocalTransport struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewLocalTransport() *LocalTransport {
	return &LocalTransport{handlers: make(map[string]Handler)}
}

// Handle registers h for the named target, replacing any previous handler.
func (l *LocalTransport) Handle(name string, h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers[name] = h
}

// Has reports whether a handler is registered for name.
func (l *LocalTransport) Has(name string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.handlers[name]
	return ok
}

func (l *LocalTransport) Send(ctx context.Context, target *domain.TargetEligibility, req *domain.DispatchRequest) (*domain.DispatchResponse, error) {
	l.mu.RLock()
	h, ok := l.handlers[target.Name]
	l.mu.RUnlock()
	if !ok {
		return nil, domain.ErrTargetUnavailable(target.Name, "no local handler registered")
	}

	started := time.Now()
	result, err := h(ctx, req)
	finished := time.Now()
	timing := &domain.Timing{
		StartedAt:  started.UTC(),
		FinishedAt: finished.UTC(),
		DurationMS: finished.Sub(started).Milliseconds(),
	}

	if err != nil {
		de := domain.AsDispatchError(err)
		return &domain.DispatchResponse{
			Version: domain.EnvelopeVersion,
			Status:  "error",
			Error: &domain.EnvelopeError{
				ErrorClass:   string(de.Class),
				ErrorMessage: de.Message,
				Retryable:    de.Retryable,
			},
			Timing: timing,
		}, nil
	}
	if result == nil {
		result = json.RawMessage(`null`)
	}
	if !json.Valid(result) {
		return nil, domain.ErrInternal(fmt.Errorf("local handler %s returned invalid JSON", target.Name))
	}
	return &domain.DispatchResponse{
		Version: domain.EnvelopeVersion,
		Status:  "ok",
		Result:  result,
		Timing:  timing,
	}, nil
}
