// Command dlqctl inspects and manages the gateway's dead-letter queue.
//
// # Usage
//
//	dlqctl [--redis redis://localhost:6379/0] <command>
//
// Commands:
//
//	stats            Print queue depth
//	peek [n]         Print the oldest n entries (default 10)
//	drop <id>...     Delete entries by stream id
//	archive <id>...  Move entries to the archive stream
//	purge            Delete every entry (asks --yes)
//
// Exit codes: 0 success, 1 operation failed, 2 usage error.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/edgeflow/ingestd/internal/dlq"
	"github.com/edgeflow/ingestd/pkg/types"
)

func main() {
	var (
		redisURL = flag.String("redis", envOr("INGEST_REDIS_URL", "redis://localhost:6379/0"), "Redis URL")
		yes      = flag.Bool("yes", false, "Confirm destructive operations")
	)
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	opts, err := redis.ParseURL(*redisURL)
	if err != nil {
		fmt.Fprintln(os.Stderr, "invalid redis URL:", err)
		os.Exit(2)
	}
	client := redis.NewClient(opts)
	defer client.Close()
	if err := client.Ping(ctx).Err(); err != nil {
		fmt.Fprintln(os.Stderr, "redis unreachable:", err)
		os.Exit(1)
	}

	// The queue logs through slog; keep the CLI output clean.
	queue := dlq.New(client, 0, slog.New(slog.NewTextHandler(io.Discard, nil)))

	var cmdErr error
	switch args[0] {
	case "stats":
		cmdErr = runStats(ctx, queue, client)
	case "peek":
		cmdErr = runPeek(ctx, queue, args[1:])
	case "drop":
		cmdErr = runDrop(ctx, queue, args[1:])
	case "archive":
		cmdErr = runArchive(ctx, queue, args[1:])
	case "purge":
		cmdErr = runPurge(ctx, client, *yes)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		usage()
		os.Exit(2)
	}
	if cmdErr != nil {
		fmt.Fprintln(os.Stderr, "error:", cmdErr)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: dlqctl [--redis URL] [--yes] <command>

commands:
  stats            print queue depth
  peek [n]         print the oldest n entries (default 10)
  drop <id>...     delete entries by stream id
  archive <id>...  move entries to the archive stream
  purge            delete every entry (requires --yes)`)
}

func runStats(ctx context.Context, queue *dlq.Queue, client *redis.Client) error {
	depth, err := queue.Depth(ctx)
	if err != nil {
		return err
	}
	archived, err := client.XLen(ctx, dlq.ArchiveStreamName).Result()
	if err != nil {
		return err
	}
	fmt.Printf("depth:    %d\narchived: %d\n", depth, archived)
	return nil
}

func runPeek(ctx context.Context, queue *dlq.Queue, args []string) error {
	count := int64(10)
	if len(args) > 0 {
		n, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil || n <= 0 {
			return fmt.Errorf("bad count %q", args[0])
		}
		count = n
	}

	entries, err := queue.Oldest(ctx, count)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("queue is empty")
		return nil
	}
	for _, e := range entries {
		printEntry(e)
	}
	return nil
}

func printEntry(e types.DLQEntry) {
	fmt.Printf("%s  [%s]  transport=%s attempts=%d failed_at=%s\n",
		e.ID, e.Category, e.Transport, e.Attempts,
		e.FirstFailedAt.Format(time.RFC3339))
	if e.Detail != "" {
		fmt.Printf("    detail: %s\n", e.Detail)
	}
	// Pretty-print the payload when it is valid JSON.
	var compact json.RawMessage
	if json.Unmarshal(e.Raw, &compact) == nil {
		fmt.Printf("    raw:    %s\n", compact)
	} else {
		fmt.Printf("    raw:    %q\n", e.Raw)
	}
}

func runDrop(ctx context.Context, queue *dlq.Queue, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("drop needs at least one stream id")
	}
	if err := queue.Remove(ctx, ids...); err != nil {
		return err
	}
	fmt.Printf("dropped %d entries\n", len(ids))
	return nil
}

func runArchive(ctx context.Context, queue *dlq.Queue, ids []string) error {
	if len(ids) == 0 {
		return fmt.Errorf("archive needs at least one stream id")
	}
	// Archiving needs full entries; fetch the head and match by id.
	entries, err := queue.Oldest(ctx, int64(len(ids))*100)
	if err != nil {
		return err
	}
	byID := make(map[string]types.DLQEntry, len(entries))
	for _, e := range entries {
		byID[e.ID] = e
	}

	archived := 0
	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			fmt.Fprintf(os.Stderr, "entry %s not found near the head of the queue\n", id)
			continue
		}
		if err := queue.Archive(ctx, e); err != nil {
			return err
		}
		archived++
	}
	fmt.Printf("archived %d entries\n", archived)
	return nil
}

func runPurge(ctx context.Context, client *redis.Client, yes bool) error {
	if !yes {
		return fmt.Errorf("purge deletes every entry; rerun with --yes")
	}
	n, err := client.XLen(ctx, dlq.StreamName).Result()
	if err != nil {
		return err
	}
	if err := client.Del(ctx, dlq.StreamName).Err(); err != nil {
		return err
	}
	fmt.Printf("purged %d entries\n", n)
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
