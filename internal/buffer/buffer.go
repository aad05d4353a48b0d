// Package buffer holds accepted work in fixed-capacity per-tier queues in
// front of the dispatch workers. The durable ingress record is the source of
// truth; anything the hot path could not queue is picked up by the Scanner.
package buffer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tjfontaine/switchboard/internal/core/domain"
	"github.com/tjfontaine/switchboard/internal/telemetry"
)

// Capacities bounds each tier queue.
type Capacities map[domain.PolicyTier]int

type queue struct {
	items    []domain.BufferedMessage
	capacity int
}

func (q *queue) full() bool { return len(q.items) >= q.capacity }

// Buffer is safe for concurrent use by the ingress path, the scanner, and
// any number of worker cursors.
type Buffer struct {
	mu      sync.Mutex
	queues  map[domain.PolicyTier]*queue
	tracked map[string]struct{}
	notify  chan struct{}

	backpressure atomic.Int64
	recovered    atomic.Int64

	logger   *slog.Logger
	recorder telemetry.Recorder
}

// Option configures a Buffer.
type Option func(*Buffer)

func WithLogger(logger *slog.Logger) Option {
	return func(b *Buffer) { b.logger = logger }
}

func WithRecorder(r telemetry.Recorder) Option {
	return func(b *Buffer) { b.recorder = r }
}

// New creates a Buffer. Tiers missing from caps get a capacity of 1024.
func New(caps Capacities, opts ...Option) *Buffer {
	b := &Buffer{
		queues:   make(map[domain.PolicyTier]*queue, len(domain.Tiers)),
		tracked:  make(map[string]struct{}),
		notify:   make(chan struct{}, 1),
		logger:   slog.Default(),
		recorder: telemetry.NoopRecorder{},
	}
	for _, tier := range domain.Tiers {
		c := caps[tier]
		if c <= 0 {
			c = 1024
		}
		b.queues[tier] = &queue{capacity: c}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Enqueue is the non-blocking hot path. It returns false when the tier queue
// is full; the message then waits in durable storage for the scanner.
// Messages already queued or in flight are acknowledged without a second copy.
func (b *Buffer) Enqueue(msg domain.BufferedMessage) bool {
	msg.PolicyTier = domain.ParseTier(string(msg.PolicyTier))
	switch b.push(msg) {
	case QueueFull:
		n := b.backpressure.Add(1)
		b.recorder.RecordBackpressure(context.Background(), string(msg.PolicyTier))
		b.logger.Warn("buffer tier full, deferring to recovery scanner",
			slog.String("request_id", msg.RequestID),
			slog.String("policy_tier", string(msg.PolicyTier)),
			slog.Int64("backpressure_total", n),
		)
		return false
	default:
		return true
	}
}

// PushResult describes what happened to an enqueue attempt.
type PushResult int

const (
	Pushed PushResult = iota
	AlreadyTracked
	QueueFull
)

// Recover re-enqueues a message found by the scanner.
func (b *Buffer) Recover(ctx context.Context, msg domain.BufferedMessage) PushResult {
	msg.PolicyTier = domain.ParseTier(string(msg.PolicyTier))
	res := b.push(msg)
	if res == Pushed {
		b.recovered.Add(1)
		b.recorder.RecordRecovered(ctx, string(msg.PolicyTier))
	}
	return res
}

func (b *Buffer) push(msg domain.BufferedMessage) PushResult {
	msg.PolicyTier = domain.ParseTier(string(msg.PolicyTier))

	b.mu.Lock()
	if _, dup := b.tracked[msg.RequestID]; dup {
		b.mu.Unlock()
		return AlreadyTracked
	}
	q := b.queues[msg.PolicyTier]
	if q.full() {
		b.mu.Unlock()
		return QueueFull
	}
	q.items = append(q.items, msg)
	b.tracked[msg.RequestID] = struct{}{}
	b.mu.Unlock()

	b.signal()
	return Pushed
}

func (b *Buffer) signal() {
	select {
	case b.notify <- struct{}{}:
	default:
	}
}

// Release forgets a request once its worker is done with it, allowing the
// scanner to recover it again if it is still accepted.
func (b *Buffer) Release(requestID string) {
	b.mu.Lock()
	delete(b.tracked, requestID)
	b.mu.Unlock()
}

// Tracked reports whether requestID is queued or in flight.
func (b *Buffer) Tracked(requestID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.tracked[requestID]
	return ok
}

// Stats is a point-in-time view of the buffer.
type Stats struct {
	Depth        map[domain.PolicyTier]int `json:"depth"`
	Capacity     map[domain.PolicyTier]int `json:"capacity"`
	InFlight     int                       `json:"in_flight"`
	Backpressure int64                     `json:"backpressure"`
	Recovered    int64                     `json:"recovered"`
}

func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Depth:        make(map[domain.PolicyTier]int, len(b.queues)),
		Capacity:     make(map[domain.PolicyTier]int, len(b.queues)),
		Backpressure: b.backpressure.Load(),
		Recovered:    b.recovered.Load(),
	}
	queued := 0
	for tier, q := range b.queues {
		s.Depth[tier] = len(q.items)
		s.Capacity[tier] = q.capacity
		queued += len(q.items)
	}
	s.InFlight = len(b.tracked) - queued
	return s
}

// Backpressure returns how many hot-path enqueues were skipped.
func (b *Buffer) Backpressure() int64 {
	return b.backpressure.Load()
}
