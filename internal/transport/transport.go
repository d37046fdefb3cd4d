// Package transport defines the contract every ingestion adapter
// implements and the small router surface adapters depend on.
//
// A transport owns exactly one producer-facing protocol. It parses native
// payloads into DataPoint, applies its own backpressure policy, and hands
// points to the router one at a time. Nothing downstream of a transport
// sees a raw payload.
package transport

import (
	"context"

	"github.com/edgeflow/ingestd/pkg/types"
)

// PointRouter is the slice of the ingestion core a transport needs.
type PointRouter interface {
	Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error)
}

// Transport is a long-running ingestion adapter.
type Transport interface {
	// Name identifies the adapter in logs and metrics ("mqtt", "http",
	// "websocket", "csv").
	Name() string

	// Start begins accepting producer traffic. Non-blocking; background
	// goroutines run until Stop.
	Start(ctx context.Context) error

	// Stop drains and shuts the adapter down. Blocks until in-flight work
	// finished.
	Stop()
}
