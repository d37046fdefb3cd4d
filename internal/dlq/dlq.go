// Package dlq provides the Redis-Streams dead-letter queue for messages
// that failed parsing or exhausted their retries.
//
// The stream is an append-only ordered log bounded with MAXLEN ~; when full
// the oldest entries are dropped and counted. Entries keep the original
// msg_id so replays through the router dedup correctly.
package dlq

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeflow/ingestd/pkg/types"
)

const (
	// StreamName is the Redis stream holding failed messages.
	StreamName = "dlq:ingest"
	// ArchiveStreamName receives entries that exhausted their replays.
	ArchiveStreamName = "dlq:archive"
)

// Stats is a snapshot of queue counters.
type Stats struct {
	Depth     int64 `json:"depth"`
	TotalSent int64 `json:"total_sent"`
	SendFails int64 `json:"send_errors"`
}

// Queue is the dead-letter queue.
type Queue struct {
	client *redis.Client
	maxLen int64
	logger *slog.Logger

	totalSent atomic.Int64
	sendFails atomic.Int64
}

// New creates a queue over an existing Redis client.
func New(client *redis.Client, maxLen int64, logger *slog.Logger) *Queue {
	return &Queue{
		client: client,
		maxLen: maxLen,
		logger: logger.With("component", "dlq"),
	}
}

// Send appends an entry to the dead-letter log. A send failure is logged
// and counted but never propagated: the DLQ must not take down ingestion.
func (q *Queue) Send(ctx context.Context, e types.DLQEntry) {
	if e.FirstFailedAt.IsZero() {
		e.FirstFailedAt = time.Now().UTC()
	}
	err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: StreamName,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entryValues(e),
	}).Err()
	if err != nil {
		q.sendFails.Add(1)
		q.logger.Error("dlq send failed", "category", e.Category, "error", err)
		return
	}
	q.totalSent.Add(1)
	q.logger.Warn("message dead-lettered",
		"category", e.Category,
		"transport", e.Transport,
		"detail", e.Detail,
		"attempts", e.Attempts,
	)
}

// Depth returns the current stream length.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	n, err := q.client.XLen(ctx, StreamName).Result()
	if err != nil {
		return 0, fmt.Errorf("dlq depth: %w", err)
	}
	return n, nil
}

// Oldest returns up to count entries from the head of the log.
func (q *Queue) Oldest(ctx context.Context, count int64) ([]types.DLQEntry, error) {
	msgs, err := q.client.XRangeN(ctx, StreamName, "-", "+", count).Result()
	if err != nil {
		return nil, fmt.Errorf("dlq range: %w", err)
	}
	entries := make([]types.DLQEntry, 0, len(msgs))
	for _, m := range msgs {
		entries = append(entries, entryFromValues(m.ID, m.Values))
	}
	return entries, nil
}

// Remove deletes entries by stream id after successful replay.
func (q *Queue) Remove(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	return q.client.XDel(ctx, StreamName, ids...).Err()
}

// Archive moves an entry to the archive stream, used when it exhausted its
// replay budget.
func (q *Queue) Archive(ctx context.Context, e types.DLQEntry) error {
	if err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: ArchiveStreamName,
		MaxLen: q.maxLen,
		Approx: true,
		Values: entryValues(e),
	}).Err(); err != nil {
		return fmt.Errorf("dlq archive: %w", err)
	}
	return q.Remove(ctx, e.ID)
}

// Stats returns a snapshot of counters. Depth is best-effort; -1 when the
// store is unreachable.
func (q *Queue) Stats(ctx context.Context) Stats {
	depth, err := q.Depth(ctx)
	if err != nil {
		depth = -1
	}
	return Stats{
		Depth:     depth,
		TotalSent: q.totalSent.Load(),
		SendFails: q.sendFails.Load(),
	}
}

func entryValues(e types.DLQEntry) map[string]interface{} {
	return map[string]interface{}{
		"ts_first_failed": e.FirstFailedAt.UnixMicro(),
		"transport":       e.Transport,
		"raw":             string(e.Raw),
		"category":        string(e.Category),
		"detail":          e.Detail,
		"attempts":        e.Attempts,
		"msg_id":          e.MsgID,
	}
}

func entryFromValues(id string, v map[string]interface{}) types.DLQEntry {
	e := types.DLQEntry{ID: id}
	if s, ok := v["ts_first_failed"].(string); ok {
		if us, err := strconv.ParseInt(s, 10, 64); err == nil {
			e.FirstFailedAt = time.UnixMicro(us).UTC()
		}
	}
	if s, ok := v["transport"].(string); ok {
		e.Transport = s
	}
	if s, ok := v["raw"].(string); ok {
		e.Raw = []byte(s)
	}
	if s, ok := v["category"].(string); ok {
		e.Category = types.DLQCategory(s)
	}
	if s, ok := v["detail"].(string); ok {
		e.Detail = s
	}
	if s, ok := v["attempts"].(string); ok {
		e.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := v["msg_id"].(string); ok {
		e.MsgID = s
	}
	return e
}
