package buffer

import (
	"context"
	"sync"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

type capturePublisher struct {
	mu     sync.Mutex
	events []*domain.LifecycleEvent
}

func (p *capturePublisher) Publish(_ context.Context, e *domain.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *capturePublisher) Close() error { return nil }

func (p *capturePublisher) types() []domain.LifecycleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.LifecycleEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
