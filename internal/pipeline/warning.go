package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgeflow/ingestd/pkg/types"
)

// WarningPipeline handles ANOMALY_DETECTED (delta_spike) and
// WARNING_VIOLATION (operational_range, warning_zone) readings. It persists
// the point and an event record carrying the computed deltas, superseding
// any active warning for the series. It never publishes to the prediction
// bus.
type WarningPipeline struct {
	store  Store
	logger *slog.Logger
}

// NewWarningPipeline creates the warning sub-pipeline.
func NewWarningPipeline(store Store, logger *slog.Logger) *WarningPipeline {
	return &WarningPipeline{
		store:  store,
		logger: logger.With("component", "warning_pipeline"),
	}
}

// Ingest processes one warning-class reading.
func (wp *WarningPipeline) Ingest(ctx context.Context, r *types.UnifiedReading) (Outcome, error) {
	eventType, ok := warningEventType(r.Class)
	if !ok {
		return Outcome{}, misrouted("warning", r.Class)
	}

	p := &r.Point
	if err := wp.store.InsertPoint(ctx, p, r.Class); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Persisted: true}

	if !wp.store.ManagesEvents(p.SeriesID) {
		return out, nil
	}

	now := time.Now().UTC()

	prev, err := wp.store.ActiveWarning(ctx, p.SeriesID)
	if err != nil {
		return out, err
	}
	if prev != nil {
		if err := wp.store.ResolveWarning(ctx, prev.ID, now, types.ResolutionSuperseded); err != nil {
			return out, err
		}
		out.ResolvedClass = types.ClassWarning
		out.ResolvedAt = &now
	}

	event := &types.WarningEvent{
		ID:           uuid.NewString(),
		SeriesID:     p.SeriesID,
		EventType:    eventType,
		CurrentValue: p.Value,
		Timestamp:    p.Timestamp,
		OpenedAt:     now,
		IsActive:     true,
	}
	if r.Class.Delta != nil {
		event.AbsoluteDelta = r.Class.Delta.Absolute
		event.RelativeDelta = r.Class.Delta.Relative
	}
	if r.State != nil && r.State.LastValue != nil {
		event.PreviousValue = *r.State.LastValue
	}
	if err := wp.store.CreateWarning(ctx, event); err != nil {
		return out, err
	}

	wp.logger.Info("warning opened",
		"series_id", p.SeriesID, "event_type", eventType, "value", p.Value,
		"superseded", prev != nil)
	return out, nil
}

// warningEventType maps an accepted classification to its stored event
// type; the second return is false for classes this pipeline does not own.
func warningEventType(c types.Classification) (types.WarningEventType, bool) {
	switch {
	case c.Class == types.ClassAnomaly && c.Reason == types.ReasonDeltaSpike:
		return types.EventDeltaSpike, true
	case c.Class == types.ClassWarning &&
		(c.Reason == types.ReasonOperationalRange || c.Reason == types.ReasonWarningZone):
		return types.EventOperationalDeviation, true
	}
	return "", false
}
