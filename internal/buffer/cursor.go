package buffer

import (
	"context"

	"github.com/tjfontaine/switchboard/internal/core/domain"
)

// DefaultMaxConsecutive is the starvation guard used when none is configured.
const DefaultMaxConsecutive = 10

// Cursor dequeues in strict tier order with a starvation guard. Each worker
// owns one; a Cursor is not safe for concurrent use.
type Cursor struct {
	buf            *Buffer
	maxConsecutive int
	lastTier       domain.PolicyTier
	streak         int
}

// NewCursor returns a Cursor over b. After maxConsecutive dequeues from one
// tier, a waiting lower tier is served once before the higher tier resumes.
func (b *Buffer) NewCursor(maxConsecutive int) *Cursor {
	if maxConsecutive <= 0 {
		maxConsecutive = DefaultMaxConsecutive
	}
	return &Cursor{buf: b, maxConsecutive: maxConsecutive}
}

// TryNext dequeues without blocking.
func (c *Cursor) TryNext() (domain.BufferedMessage, bool) {
	b := c.buf
	b.mu.Lock()
	defer b.mu.Unlock()

	tier, ok := c.pick()
	if !ok {
		return domain.BufferedMessage{}, false
	}
	q := b.queues[tier]
	msg := q.items[0]
	q.items[0] = domain.BufferedMessage{}
	q.items = q.items[1:]

	if tier == c.lastTier {
		c.streak++
	} else {
		c.lastTier = tier
		c.streak = 1
	}

	for _, other := range b.queues {
		if len(other.items) > 0 {
			b.signal()
			break
		}
	}
	return msg, true
}

// pick must be called with the buffer lock held.
func (c *Cursor) pick() (domain.PolicyTier, bool) {
	highest := -1
	for i, tier := range domain.Tiers {
		if len(c.buf.queues[tier].items) > 0 {
			highest = i
			break
		}
	}
	if highest < 0 {
		return "", false
	}
	top := domain.Tiers[highest]
	if top == c.lastTier && c.streak >= c.maxConsecutive {
		for _, lower := range domain.Tiers[highest+1:] {
			if len(c.buf.queues[lower].items) > 0 {
				return lower, true
			}
		}
	}
	return top, true
}

// Next blocks until a message is available or ctx is done.
func (c *Cursor) Next(ctx context.Context) (domain.BufferedMessage, error) {
	for {
		if msg, ok := c.TryNext(); ok {
			return msg, nil
		}
		select {
		case <-ctx.Done():
			return domain.BufferedMessage{}, ctx.Err()
		case <-c.buf.notify:
		}
	}
}
