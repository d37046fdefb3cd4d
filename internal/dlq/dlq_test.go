package dlq

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/edgeflow/ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestQueue(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return New(client, 1000, testLogger()), client
}

func sampleEntry(detail string) types.DLQEntry {
	return types.DLQEntry{
		FirstFailedAt: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		Transport:     "mqtt",
		Raw:           []byte(`{"series_id":"42"}`),
		Category:      types.DLQPersist,
		Detail:        detail,
		Attempts:      1,
		MsgID:         "42:1700000000.000000:21.500000",
	}
}

func TestSendAndOldest(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Send(ctx, sampleEntry("db down"))

	depth, err := q.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if depth != 1 {
		t.Fatalf("depth = %d, want 1", depth)
	}

	entries, err := q.Oldest(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}

	got := entries[0]
	want := sampleEntry("db down")
	if got.ID == "" {
		t.Error("stream id missing")
	}
	if !got.FirstFailedAt.Equal(want.FirstFailedAt) {
		t.Errorf("first failed at = %s, want %s", got.FirstFailedAt, want.FirstFailedAt)
	}
	if got.Transport != want.Transport || got.Category != want.Category ||
		got.Detail != want.Detail || got.Attempts != want.Attempts || got.MsgID != want.MsgID {
		t.Errorf("entry round-trip mismatch: %+v", got)
	}
	if string(got.Raw) != string(want.Raw) {
		t.Errorf("raw = %s, want %s", got.Raw, want.Raw)
	}
}

func TestSendNeverPropagatesFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	q := New(client, 1000, testLogger())

	mr.Close()
	q.Send(context.Background(), sampleEntry("while down")) // must not panic

	stats := q.Stats(context.Background())
	if stats.SendFails != 1 {
		t.Errorf("send fails = %d, want 1", stats.SendFails)
	}
	if stats.Depth != -1 {
		t.Errorf("depth during outage = %d, want -1", stats.Depth)
	}
}

func TestRemove(t *testing.T) {
	q, _ := newTestQueue(t)
	ctx := context.Background()

	q.Send(ctx, sampleEntry("a"))
	q.Send(ctx, sampleEntry("b"))

	entries, _ := q.Oldest(ctx, 10)
	if err := q.Remove(ctx, entries[0].ID); err != nil {
		t.Fatal(err)
	}

	remaining, _ := q.Oldest(ctx, 10)
	if len(remaining) != 1 || remaining[0].Detail != "b" {
		t.Errorf("remaining = %+v, want only entry b", remaining)
	}
}

func TestArchive(t *testing.T) {
	q, client := newTestQueue(t)
	ctx := context.Background()

	q.Send(ctx, sampleEntry("tired"))
	entries, _ := q.Oldest(ctx, 1)

	if err := q.Archive(ctx, entries[0]); err != nil {
		t.Fatal(err)
	}

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("live depth after archive = %d, want 0", depth)
	}
	archived, err := client.XLen(ctx, ArchiveStreamName).Result()
	if err != nil {
		t.Fatal(err)
	}
	if archived != 1 {
		t.Errorf("archive depth = %d, want 1", archived)
	}
}

// mockReplayer scripts per-call outcomes.
type mockReplayer struct {
	mu        sync.Mutex
	calls     int
	msgIDs    []string
	sawReplay bool
	out       types.RouteOutcome
	err       error
}

func (m *mockReplayer) Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.msgIDs = append(m.msgIDs, p.MsgID)
	m.sawReplay = IsReplay(ctx)
	return m.out, m.err
}

func pointEntry(t *testing.T, attempts int) types.DLQEntry {
	t.Helper()
	raw, err := json.Marshal(types.DataPoint{
		SeriesID:  "42",
		SensorID:  42,
		Domain:    types.DomainIoT,
		Value:     21.5,
		Timestamp: time.Now().UTC(),
	})
	if err != nil {
		t.Fatal(err)
	}
	return types.DLQEntry{
		Transport: "http",
		Raw:       raw,
		Category:  types.DLQPersist,
		Detail:    "db down",
		Attempts:  attempts,
		MsgID:     "original-msg-id",
	}
}

func newTestConsumer(t *testing.T, replayer Replayer) (*Consumer, *Queue) {
	t.Helper()
	q, _ := newTestQueue(t)
	c := NewConsumer(q, replayer, ConsumerConfig{
		Interval:   time.Hour, // driven manually via drainBatch
		BatchSize:  10,
		MaxReplays: 3,
		DedupTTL:   time.Minute,
	}, testLogger())
	return c, q
}

func TestConsumerReplaysAndRemoves(t *testing.T) {
	replayer := &mockReplayer{}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	q.Send(ctx, pointEntry(t, 1))
	c.drainBatch()

	if replayer.calls != 1 {
		t.Fatalf("replay calls = %d, want 1", replayer.calls)
	}
	if replayer.msgIDs[0] != "original-msg-id" {
		t.Errorf("replay lost the original msg id: %q", replayer.msgIDs[0])
	}
	if !replayer.sawReplay {
		t.Error("replay submission not marked; the router would dead-letter a second copy")
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("depth after successful replay = %d, want 0", depth)
	}
}

func TestConsumerFreshDuplicateDeferred(t *testing.T) {
	// The failed original set the dedup key; while it lives, a dropped
	// replay persisted nothing and the entry must survive.
	replayer := &mockReplayer{out: types.RouteOutcome{Duplicate: true}}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	q.Send(ctx, pointEntry(t, 1))
	c.drainBatch()

	entries, _ := q.Oldest(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("entry removed inside the dedup window, got %d entries", len(entries))
	}
	if entries[0].Attempts != 1 {
		t.Errorf("attempts = %d, want 1 (a deferred replay is not a failure)", entries[0].Attempts)
	}
}

func TestConsumerStaleDuplicateRemoved(t *testing.T) {
	replayer := &mockReplayer{err: types.E(types.KindDuplicate, "duplicate", nil)}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	e := pointEntry(t, 1)
	e.FirstFailedAt = time.Now().Add(-2 * time.Minute).UTC()
	q.Send(ctx, e)
	c.drainBatch()

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("duplicate past the dedup window should remove the entry, depth = %d", depth)
	}
}

func TestConsumerBumpsAttemptsOnFailure(t *testing.T) {
	replayer := &mockReplayer{err: types.E(types.KindUnavailable, "db_down", nil)}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	q.Send(ctx, pointEntry(t, 1))
	c.drainBatch()

	entries, _ := q.Oldest(ctx, 10)
	if len(entries) != 1 {
		t.Fatalf("entry should be re-queued, got %d", len(entries))
	}
	if entries[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", entries[0].Attempts)
	}
}

func TestConsumerArchivesAfterMaxReplays(t *testing.T) {
	replayer := &mockReplayer{err: types.E(types.KindUnavailable, "db_down", nil)}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	// Attempts 2; one more failure reaches the budget of 3.
	q.Send(ctx, pointEntry(t, 2))
	c.drainBatch()

	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("exhausted entry still in the live stream, depth = %d", depth)
	}
}

func TestConsumerArchivesUnparseable(t *testing.T) {
	replayer := &mockReplayer{}
	c, q := newTestConsumer(t, replayer)
	ctx := context.Background()

	e := sampleEntry("garbage")
	e.Raw = []byte("not json")
	q.Send(ctx, e)
	c.drainBatch()

	if replayer.calls != 0 {
		t.Error("unparseable entry must not reach the router")
	}
	depth, _ := q.Depth(ctx)
	if depth != 0 {
		t.Errorf("unparseable entry still queued, depth = %d", depth)
	}
}
