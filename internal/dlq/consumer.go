package dlq

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// Replayer re-submits a dead-lettered point through the router. The entry's
// original msg_id rides along so dedup treats a replay inside the TTL window
// as the duplicate it is.
type Replayer interface {
	Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error)
}

// ConsumerConfig tunes the replay loop.
type ConsumerConfig struct {
	Interval   time.Duration
	BatchSize  int64
	MaxReplays int

	// DedupTTL mirrors the deduplicator's window. A replay the dedup layer
	// drops is only treated as done once the entry is older than this;
	// before that the drop just means the failed original's key is still
	// live.
	DedupTTL time.Duration
}

type replayKey struct{}

// WithReplay marks ctx as a replay submission. The router skips its own
// dead-lettering under this marker; the consumer owns the entry's
// lifecycle, so a second failure bumps the existing entry instead of
// appending a fresh one.
func WithReplay(ctx context.Context) context.Context {
	return context.WithValue(ctx, replayKey{}, true)
}

// IsReplay reports whether ctx carries the replay marker.
func IsReplay(ctx context.Context) bool {
	v, _ := ctx.Value(replayKey{}).(bool)
	return v
}

// Consumer periodically drains the head of the DLQ and replays entries
// whose raw payload still parses as a DataPoint. Entries that fail replay
// MaxReplays times move to the archive stream.
type Consumer struct {
	queue    *Queue
	replayer Replayer
	cfg      ConsumerConfig
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates a replay consumer.
func NewConsumer(queue *Queue, replayer Replayer, cfg ConsumerConfig, logger *slog.Logger) *Consumer {
	return &Consumer{
		queue:    queue,
		replayer: replayer,
		cfg:      cfg,
		logger:   logger.With("component", "dlq_consumer"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background replay loop.
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.run()
	c.logger.Info("dlq consumer started", "interval", c.cfg.Interval, "batch_size", c.cfg.BatchSize)
}

// Stop stops the consumer and waits for the in-flight batch.
func (c *Consumer) Stop() {
	close(c.stopCh)
	c.wg.Wait()
	c.logger.Info("dlq consumer stopped")
}

func (c *Consumer) run() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.drainBatch()
		}
	}
}

func (c *Consumer) drainBatch() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	entries, err := c.queue.Oldest(ctx, c.cfg.BatchSize)
	if err != nil {
		c.logger.Error("dlq read failed", "error", err)
		return
	}

	for _, e := range entries {
		select {
		case <-c.stopCh:
			return
		default:
		}
		c.replayOne(ctx, e)
	}
}

func (c *Consumer) replayOne(ctx context.Context, e types.DLQEntry) {
	var p types.DataPoint
	if err := json.Unmarshal(e.Raw, &p); err != nil {
		// Unparseable payloads can never replay; archive immediately.
		c.logger.Warn("archiving unparseable dlq entry", "id", e.ID, "error", err)
		if aerr := c.queue.Archive(ctx, e); aerr != nil {
			c.logger.Error("dlq archive failed", "id", e.ID, "error", aerr)
		}
		return
	}
	p.MsgID = e.MsgID

	out, err := c.replayer.Route(WithReplay(ctx), &p)
	if err == nil || types.IsKind(err, types.KindDuplicate) {
		dropped := out.Duplicate || types.IsKind(err, types.KindDuplicate)
		if dropped && time.Since(e.FirstFailedAt) < c.cfg.DedupTTL {
			// The failed original's dedup key is still live, so nothing was
			// persisted. Leave the entry; a later cycle replays it past the
			// window.
			return
		}
		if rerr := c.queue.Remove(ctx, e.ID); rerr != nil {
			c.logger.Error("dlq remove failed", "id", e.ID, "error", rerr)
		}
		return
	}

	e.Attempts++
	if e.Attempts >= c.cfg.MaxReplays {
		c.logger.Warn("dlq entry exhausted replays, archiving",
			"id", e.ID, "attempts", e.Attempts, "error", err)
		if aerr := c.queue.Archive(ctx, e); aerr != nil {
			c.logger.Error("dlq archive failed", "id", e.ID, "error", aerr)
		}
		return
	}

	// Re-append with the bumped attempt count and drop the old entry so the
	// log stays ordered by first failure.
	if rerr := c.queue.Remove(ctx, e.ID); rerr != nil {
		c.logger.Error("dlq remove failed", "id", e.ID, "error", rerr)
		return
	}
	c.queue.Send(ctx, e)
}
