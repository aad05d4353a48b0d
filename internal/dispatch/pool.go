package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tjfontaine/switchboard/internal/buffer"
	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// Pool is a fixed set of workers, each with its own tier cursor.
type Pool struct {
	buffer         *buffer.Buffer
	processor      *Processor
	workers        int
	maxConsecutive int
	gate           *threadGate
	logger         *slog.Logger
}

// NewPool creates a Pool of n workers.
func NewPool(buf *buffer.Buffer, processor *Processor, n, maxConsecutive int, logger *slog.Logger) *Pool {
	if n < 1 {
		n = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		buffer:         buf,
		processor:      processor,
		workers:        n,
		maxConsecutive: maxConsecutive,
		gate:           newThreadGate(),
		logger:         logger,
	}
}

// Run starts the workers and blocks until ctx is done. A worker finishes the
// request it holds before returning.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.workers; i++ {
		cursor := p.buffer.NewCursor(p.maxConsecutive)
		g.Go(func() error {
			return p.work(ctx, i, cursor)
		})
	}
	p.logger.Info("dispatch workers started", slog.Int("workers", p.workers))
	return g.Wait()
}

func (p *Pool) work(ctx context.Context, id int, cursor *buffer.Cursor) error {
	for {
		msg, err := cursor.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		p.logger.Debug("dequeued",
			slog.Int("worker", id),
			slog.String("request_id", msg.RequestID),
			slog.String("tier", string(msg.PolicyTier)),
		)
		p.handle(context.WithoutCancel(ctx), msg)
	}
}

// handle processes msg unless another worker already owns its thread, in
// which case msg is parked and drained by that worker in arrival order.
func (p *Pool) handle(ctx context.Context, msg domain.BufferedMessage) {
	rec := p.processor.load(ctx, msg)
	if rec == nil {
		return
	}
	key := rec.Context.ThreadKey()
	if key == "" {
		p.processor.Process(ctx, rec)
		return
	}
	if !p.gate.acquire(key, msg) {
		return
	}
	p.processor.Process(ctx, rec)
	for {
		next, ok := p.gate.next(key)
		if !ok {
			return
		}
		if rec := p.processor.load(ctx, next); rec != nil {
			p.processor.Process(ctx, rec)
		}
	}
}

// threadGate serializes work per source thread.
type threadGate struct {
	mu     sync.Mutex
	parked map[string][]domain.BufferedMessage
}

func newThreadGate() *threadGate {
	return &threadGate{parked: make(map[string][]domain.BufferedMessage)}
}

// acquire claims key for the caller, or parks msg behind the current owner.
func (g *threadGate) acquire(key string, msg domain.BufferedMessage) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if q, busy := g.parked[key]; busy {
		g.parked[key] = append(q, msg)
		return false
	}
	g.parked[key] = []domain.BufferedMessage{}
	return true
}

// next pops the oldest parked message for key, or releases key when none remain.
func (g *threadGate) next(key string) (domain.BufferedMessage, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	q := g.parked[key]
	if len(q) == 0 {
		delete(g.parked, key)
		return domain.BufferedMessage{}, false
	}
	g.parked[key] = q[1:]
	return q[0], true
}
