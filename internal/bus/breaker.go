package bus

import (
	"context"

	"github.com/edgeflow/ingestd/internal/resilience"
	"github.com/edgeflow/ingestd/pkg/types"
)

// Guarded wraps a publisher with the bus circuit breaker so a dead
// prediction channel fails fast instead of stalling ingest workers.
type Guarded struct {
	inner   Publisher
	breaker *resilience.Breaker
}

// NewGuarded wraps inner with the breaker.
func NewGuarded(inner Publisher, breaker *resilience.Breaker) *Guarded {
	return &Guarded{inner: inner, breaker: breaker}
}

// Publish runs the publish under the breaker.
func (g *Guarded) Publish(ctx context.Context, msg types.BusMessage) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.inner.Publish(ctx, msg)
	})
}
