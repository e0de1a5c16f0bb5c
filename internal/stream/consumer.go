package stream

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/riskengine/internal/engine"
	"github.com/mbd888/riskengine/internal/fraud"
	"github.com/mbd888/riskengine/internal/metrics"
	"github.com/mbd888/riskengine/internal/retry"
)

// Processor scores one transaction without taking a pool slot.
type Processor interface {
	Process(ctx context.Context, tx fraud.Transaction) (*fraud.ScoreResult, error)
}

// Config tunes a Consumer.
type Config struct {
	// Timeout bounds each transport call (ack, publish).
	Timeout time.Duration
	// DrainTimeout bounds how long Run waits for in-flight messages after
	// its context ends.
	DrainTimeout time.Duration
	// PauseBase and PauseMax bound the fetch pause after dependency
	// failures.
	PauseBase time.Duration
	PauseMax  time.Duration
}

// DefaultConfig returns the stock consumer settings.
func DefaultConfig() Config {
	return Config{
		Timeout:      2 * time.Second,
		DrainTimeout: 10 * time.Second,
		PauseBase:    100 * time.Millisecond,
		PauseMax:     5 * time.Second,
	}
}

// Consumer pulls transactions from a Source, scores them on the shared
// pool and publishes results. It fetches only as many messages as there
// are free slots, so a slow engine applies backpressure to the stream.
type Consumer struct {
	src    Source
	out    Sink
	dead   Sink
	proc   Processor
	pool   *engine.Pool
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	wg     sync.WaitGroup
	failed atomic.Bool
}

// NewConsumer wires a consumer. dead receives rejected messages.
func NewConsumer(src Source, out, dead Sink, proc Processor, pool *engine.Pool, cfg Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = def.DrainTimeout
	}
	if cfg.PauseBase <= 0 {
		cfg.PauseBase = def.PauseBase
	}
	if cfg.PauseMax <= 0 {
		cfg.PauseMax = def.PauseMax
	}
	return &Consumer{
		src:    src,
		out:    out,
		dead:   dead,
		proc:   proc,
		pool:   pool,
		cfg:    cfg,
		logger: logger.With("component", "stream_consumer"),
		now:    time.Now,
	}
}

// Run consumes until ctx ends, then stops fetching and waits up to the
// drain timeout for in-flight messages. Messages still unfinished at that
// point stay unacknowledged and are redelivered later.
func (c *Consumer) Run(ctx context.Context) error {
	work, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	c.logger.Info("stream consumer started", "workers", c.pool.Size())
	backoff := retry.Backoff{Base: c.cfg.PauseBase, Max: c.cfg.PauseMax}
	for ctx.Err() == nil {
		if c.failed.Swap(false) {
			metrics.StreamPauses.Inc()
			pause := backoff.Next()
			c.logger.Warn("dependency failures, pausing fetch", "pause", pause)
			select {
			case <-ctx.Done():
			case <-time.After(pause):
			}
			continue
		}

		n := c.freeSlots(ctx)
		if n == 0 {
			continue
		}
		msgs, err := c.src.Fetch(ctx, n)
		if err != nil {
			if ctx.Err() == nil {
				c.logger.Error("fetch failed", "error", err)
				c.failed.Store(true)
			}
			continue
		}
		if len(msgs) > 0 {
			backoff.Reset()
		}
		for _, m := range msgs {
			// Messages left unstarted at shutdown stay unacknowledged.
			if err := c.pool.Acquire(ctx); err != nil {
				break
			}
			c.wg.Add(1)
			go func(m Message) {
				defer c.wg.Done()
				defer c.pool.Release()
				c.handle(work, m)
			}(m)
		}
	}

	return c.drain(cancelWork)
}

// freeSlots waits until at least one pool slot is free and returns how
// many are. Slots are not held while fetching so request traffic is never
// blocked behind a fetch.
func (c *Consumer) freeSlots(ctx context.Context) int {
	if c.pool.Free() == 0 {
		if err := c.pool.Acquire(ctx); err != nil {
			return 0
		}
		c.pool.Release()
	}
	return max(c.pool.Free(), 1)
}

func (c *Consumer) drain(cancelWork context.CancelFunc) error {
	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("stream consumer drained")
		return nil
	case <-time.After(c.cfg.DrainTimeout):
		cancelWork()
		<-done
		c.logger.Warn("drain timeout, unfinished messages will be redelivered")
		return context.DeadlineExceeded
	}
}

func (c *Consumer) handle(ctx context.Context, m Message) {
	tx, verr := decode(m)
	if verr != nil {
		c.reject(ctx, m, verr)
		return
	}

	res, err := c.proc.Process(ctx, tx)
	if err != nil {
		var ve *fraud.ValidationError
		if errors.As(err, &ve) {
			c.reject(ctx, m, ve)
			return
		}
		c.failed.Store(true)
		metrics.StreamMessagesTotal.WithLabelValues("redeliver").Inc()
		c.logger.Warn("scoring failed, leaving message for redelivery",
			"message_id", m.ID, "tx_id", tx.ID, "error", err)
		return
	}

	payload, err := json.Marshal(res)
	if err != nil {
		c.logger.Error("encode result", "tx_id", tx.ID, "error", err)
		return
	}
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.out.Publish(ctx, res.TransactionID, payload)
	}); err != nil {
		c.failed.Store(true)
		metrics.StreamMessagesTotal.WithLabelValues("redeliver").Inc()
		c.logger.Error("publish result failed", "tx_id", tx.ID, "error", err)
		return
	}
	c.ack(ctx, m, "acked")
}

func (c *Consumer) reject(ctx context.Context, m Message, verr *fraud.ValidationError) {
	payload, err := rejection(m, verr, c.now())
	if err != nil {
		c.logger.Error("encode rejection", "message_id", m.ID, "error", err)
		return
	}
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.dead.Publish(ctx, m.ID, payload)
	}); err != nil {
		c.failed.Store(true)
		c.logger.Error("dead-letter publish failed", "message_id", m.ID, "error", err)
		return
	}
	c.logger.Info("message rejected", "message_id", m.ID, "code", verr.Code, "field", verr.Field)
	c.ack(ctx, m, "dead_lettered")
}

func (c *Consumer) ack(ctx context.Context, m Message, disposition string) {
	if err := c.call(ctx, func(ctx context.Context) error {
		return c.src.Ack(ctx, m.ID)
	}); err != nil {
		// The result is out; a redelivery returns the cached decision.
		c.logger.Warn("ack failed", "message_id", m.ID, "error", err)
		return
	}
	metrics.StreamMessagesTotal.WithLabelValues(disposition).Inc()
}

func (c *Consumer) call(ctx context.Context, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()
	return fn(ctx)
}
