package pipeline

import (
	"context"
	"log/slog"

	"github.com/edgeflow/ingestd/internal/bus"
	"github.com/edgeflow/ingestd/pkg/types"
)

// PredictionPipeline handles NORMAL readings: persist the point, upsert the
// series' latest-value record, and publish to the prediction bus when the
// series is warmed up and prediction is enabled.
//
// Persistence and publication are best-effort independent: the point must
// persist before the publish is attempted, and a publish failure never
// rolls back or retries persistence.
type PredictionPipeline struct {
	store  Store
	bus    bus.Publisher
	logger *slog.Logger
}

// NewPredictionPipeline creates the prediction sub-pipeline.
func NewPredictionPipeline(store Store, publisher bus.Publisher, logger *slog.Logger) *PredictionPipeline {
	return &PredictionPipeline{
		store:  store,
		bus:    publisher,
		logger: logger.With("component", "prediction_pipeline"),
	}
}

// Ingest processes one clean reading.
func (pp *PredictionPipeline) Ingest(ctx context.Context, r *types.UnifiedReading) (Outcome, error) {
	if r.Class.Class != types.ClassNormal {
		return Outcome{}, misrouted("prediction", r.Class)
	}

	p := &r.Point
	if err := pp.store.InsertPoint(ctx, p, r.Class); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Persisted: true}

	if err := pp.store.UpsertLatestValue(ctx, p); err != nil {
		// Latest-value is a convenience projection; the point row is the
		// source of truth.
		pp.logger.Error("latest value upsert failed", "series_id", p.SeriesID, "error", err)
	}

	if !pp.shouldPublish(r) {
		return out, nil
	}

	// Persistence already succeeded; a cancelled request context must not
	// suppress the publish.
	msg := types.BusMessage{
		SeriesID:   p.SeriesID,
		Value:      p.Value,
		Timestamp:  p.Timestamp,
		IngestedAt: p.IngestedAt,
		Metadata:   p.Metadata,
	}
	if err := pp.bus.Publish(context.WithoutCancel(ctx), msg); err != nil {
		pp.logger.Warn("bus publish failed", "series_id", p.SeriesID, "error", err)
		return out, nil
	}
	out.Published = true
	return out, nil
}

// shouldPublish enforces warm-up suppression and the per-series prediction
// flag. A series still INITIALIZING (or STALE) only counts readings.
func (pp *PredictionPipeline) shouldPublish(r *types.UnifiedReading) bool {
	if r.State == nil || !r.State.State.CanEmitEvents() {
		return false
	}
	if r.Config != nil && !r.Config.PredictionEnabled {
		return false
	}
	return true
}
