package stream

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// Channel is an in-process transport usable as both Source and Sink.
// Fetched messages stay pending until acknowledged and are delivered again
// once they have been pending for minIdle.
type Channel struct {
	mu      sync.Mutex
	seq     int64
	queue   []Message
	pending map[string]pendingMessage
	minIdle time.Duration
	block   time.Duration
	notify  chan struct{}
	now     func() time.Time
}

type pendingMessage struct {
	msg       Message
	delivered time.Time
}

// NewChannel creates an empty channel transport. A zero minIdle never
// redelivers.
func NewChannel(minIdle time.Duration) *Channel {
	return &Channel{
		pending: make(map[string]pendingMessage),
		minIdle: minIdle,
		block:   50 * time.Millisecond,
		notify:  make(chan struct{}, 1),
		now:     time.Now,
	}
}

// Publish appends a message; key is ignored.
func (c *Channel) Publish(_ context.Context, _ string, payload []byte) error {
	c.mu.Lock()
	c.seq++
	cp := make([]byte, len(payload))
	copy(cp, payload)
	c.queue = append(c.queue, Message{ID: strconv.FormatInt(c.seq, 10), Payload: cp})
	c.mu.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

func (c *Channel) Fetch(ctx context.Context, max int) ([]Message, error) {
	if max <= 0 {
		return nil, nil
	}
	if out := c.take(max); len(out) > 0 {
		return out, nil
	}
	timer := time.NewTimer(c.block)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
	case <-c.notify:
	}
	return c.take(max), nil
}

func (c *Channel) take(max int) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var out []Message
	if c.minIdle > 0 {
		for id, p := range c.pending {
			if len(out) == max {
				break
			}
			if now.Sub(p.delivered) >= c.minIdle {
				c.pending[id] = pendingMessage{msg: p.msg, delivered: now}
				out = append(out, p.msg)
			}
		}
	}
	for len(out) < max && len(c.queue) > 0 {
		m := c.queue[0]
		c.queue = c.queue[1:]
		c.pending[m.ID] = pendingMessage{msg: m, delivered: now}
		out = append(out, m)
	}
	return out
}

func (c *Channel) Ack(_ context.Context, ids ...string) error {
	c.mu.Lock()
	for _, id := range ids {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	return nil
}

// Len returns the number of messages not yet delivered.
func (c *Channel) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Pending returns the number of delivered but unacknowledged messages.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Drain removes and returns every message not yet delivered.
func (c *Channel) Drain() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := c.queue
	c.queue = nil
	return out
}
