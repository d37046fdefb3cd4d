// Package bus publishes clean data points to the downstream prediction
// channel.
//
// The bus is fire-and-forget: persistence never waits on it, publish
// failures are logged (at most once per minute per series) and never
// retried. A per-series rate limit drops excess publishes silently.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/edgeflow/ingestd/pkg/types"
)

// Publisher is the prediction bus contract.
type Publisher interface {
	Publish(ctx context.Context, msg types.BusMessage) error
}

// =============================================================================
// REDIS PUBLISHER
// =============================================================================

// RedisPublisher publishes bus messages to a Redis pub/sub channel.
type RedisPublisher struct {
	client  *redis.Client
	channel string
}

// NewRedisPublisher creates a publisher over an existing client.
func NewRedisPublisher(client *redis.Client, channel string) *RedisPublisher {
	return &RedisPublisher{client: client, channel: channel}
}

// Publish sends one message. Consumers subscribe to the channel; there is
// no delivery guarantee and no ordering across series.
func (p *RedisPublisher) Publish(ctx context.Context, msg types.BusMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshaling bus message: %w", err)
	}
	if err := p.client.Publish(ctx, p.channel, data).Err(); err != nil {
		return types.E(types.KindUnavailable, "bus_publish_failed", err)
	}
	return nil
}

// =============================================================================
// THROTTLED WRAPPER
// =============================================================================

// Stats is a snapshot of bus counters.
type Stats struct {
	Published int64 `json:"published"`
	Throttled int64 `json:"throttled"`
	Failed    int64 `json:"failed"`
}

const limiterStripes = 64

type limiterStripe struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	// lastErrLog throttles failure logging to once per minute per series.
	lastErrLog map[string]time.Time
}

// Throttled wraps a publisher with a per-series token bucket: at most one
// publish per minimum interval, additional publishes dropped silently.
type Throttled struct {
	inner    Publisher
	interval time.Duration
	logger   *slog.Logger

	stripes [limiterStripes]*limiterStripe

	published atomic.Int64
	throttled atomic.Int64
	failed    atomic.Int64
}

// NewThrottled wraps inner with the per-series rate limit.
func NewThrottled(inner Publisher, minInterval time.Duration, logger *slog.Logger) *Throttled {
	t := &Throttled{
		inner:    inner,
		interval: minInterval,
		logger:   logger.With("component", "prediction_bus"),
	}
	for i := range t.stripes {
		t.stripes[i] = &limiterStripe{
			limiters:   make(map[string]*rate.Limiter),
			lastErrLog: make(map[string]time.Time),
		}
	}
	return t
}

// Publish forwards the message unless the series is inside its interval
// window. Failures are swallowed after logging: the bus never escalates.
func (t *Throttled) Publish(ctx context.Context, msg types.BusMessage) error {
	if !t.allow(msg.SeriesID) {
		t.throttled.Add(1)
		return nil
	}

	if err := t.inner.Publish(ctx, msg); err != nil {
		t.failed.Add(1)
		t.logFailure(msg.SeriesID, err)
		return nil
	}
	t.published.Add(1)
	return nil
}

// Stats returns a snapshot of counters.
func (t *Throttled) Stats() Stats {
	return Stats{
		Published: t.published.Load(),
		Throttled: t.throttled.Load(),
		Failed:    t.failed.Load(),
	}
}

func (t *Throttled) stripe(seriesID string) *limiterStripe {
	return t.stripes[fnv32(seriesID)%limiterStripes]
}

func (t *Throttled) allow(seriesID string) bool {
	s := t.stripe(seriesID)
	s.mu.Lock()
	lim, ok := s.limiters[seriesID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(t.interval), 1)
		s.limiters[seriesID] = lim
	}
	s.mu.Unlock()
	return lim.Allow()
}

func (t *Throttled) logFailure(seriesID string, err error) {
	s := t.stripe(seriesID)
	s.mu.Lock()
	last, ok := s.lastErrLog[seriesID]
	now := time.Now()
	if ok && now.Sub(last) < time.Minute {
		s.mu.Unlock()
		return
	}
	s.lastErrLog[seriesID] = now
	s.mu.Unlock()

	t.logger.Warn("bus publish failed", "series_id", seriesID, "error", err)
}

// fnv32 is the 32-bit FNV-1a hash, used for stripe selection.
func fnv32(s string) uint32 {
	h := uint32(2166136261)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= 16777619
	}
	return h
}
