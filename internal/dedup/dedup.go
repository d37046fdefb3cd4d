// Package dedup provides the Redis-backed idempotency window.
//
// Each message is identified by a msg_id. A SET NX EX records the id with a
// TTL; an id that already exists marks the message as a duplicate. When
// Redis is unreachable the deduplicator enters passthrough mode (every call
// reports "not a duplicate") and raises a health flag - ingest continues,
// duplicates may slip through.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "ingest:dedup:"

// Stats is a snapshot of deduplicator counters.
type Stats struct {
	Available       bool  `json:"available"`
	TotalChecked    int64 `json:"total_checked"`
	DuplicatesFound int64 `json:"duplicates_found"`
	PassthroughHits int64 `json:"passthrough_hits"`
}

// Deduplicator implements the idempotency window.
type Deduplicator struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger

	// unavailable flips to 1 after a Redis failure and back to 0 on the
	// next success. Read by the resilience health endpoint.
	unavailable atomic.Bool

	totalChecked    atomic.Int64
	duplicatesFound atomic.Int64
	passthroughHits atomic.Int64
}

// New creates a deduplicator over an existing Redis client.
func New(client *redis.Client, ttl time.Duration, logger *slog.Logger) *Deduplicator {
	return &Deduplicator{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "dedup"),
	}
}

// NewFromURL connects to Redis and returns a deduplicator.
func NewFromURL(ctx context.Context, redisURL string, ttl time.Duration, logger *slog.Logger) (*Deduplicator, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return New(client, ttl, logger), nil
}

// IsDuplicate reports whether msgID was seen within the TTL window. A false
// return atomically records the id. On backing-store failure it fails open:
// the message is admitted and the health flag is set.
func (d *Deduplicator) IsDuplicate(ctx context.Context, msgID string) bool {
	if msgID == "" {
		return false
	}
	d.totalChecked.Add(1)

	ok, err := d.client.SetNX(ctx, keyPrefix+msgID, "1", d.ttl).Result()
	if err != nil {
		d.passthroughHits.Add(1)
		if d.unavailable.CompareAndSwap(false, true) {
			d.logger.Warn("dedup store unreachable, entering passthrough", "error", err)
		}
		return false
	}
	if d.unavailable.CompareAndSwap(true, false) {
		d.logger.Info("dedup store recovered")
	}

	if !ok {
		// Key already existed.
		d.duplicatesFound.Add(1)
		return true
	}
	return false
}

// Available reports whether the backing store answered the last call.
func (d *Deduplicator) Available() bool {
	return !d.unavailable.Load()
}

// Stats returns a snapshot of counters.
func (d *Deduplicator) Stats() Stats {
	return Stats{
		Available:       d.Available(),
		TotalChecked:    d.totalChecked.Load(),
		DuplicatesFound: d.duplicatesFound.Load(),
		PassthroughHits: d.passthroughHits.Load(),
	}
}
