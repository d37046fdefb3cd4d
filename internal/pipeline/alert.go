package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/edgeflow/ingestd/pkg/types"
)

// AlertPipeline handles CRITICAL_VIOLATION readings with reason
// physical_range. It persists the triggering point, supersedes any active
// alert for the series, opens a new critical alert, and emits a
// notification record. It never publishes to the prediction bus.
type AlertPipeline struct {
	store  Store
	logger *slog.Logger
}

// NewAlertPipeline creates the alert sub-pipeline.
func NewAlertPipeline(store Store, logger *slog.Logger) *AlertPipeline {
	return &AlertPipeline{
		store:  store,
		logger: logger.With("component", "alert_pipeline"),
	}
}

// Ingest processes one critical reading.
func (ap *AlertPipeline) Ingest(ctx context.Context, r *types.UnifiedReading) (Outcome, error) {
	if r.Class.Class != types.ClassCritical || r.Class.Reason != types.ReasonPhysicalRange {
		return Outcome{}, misrouted("alert", r.Class)
	}

	p := &r.Point
	if err := ap.store.InsertPoint(ctx, p, r.Class); err != nil {
		return Outcome{}, err
	}
	out := Outcome{Persisted: true}

	if !ap.store.ManagesEvents(p.SeriesID) {
		// The legacy backend evaluated thresholds transactionally inside
		// the insert; our classification was informational only.
		return out, nil
	}

	now := time.Now().UTC()

	// At most one active alert per series: resolve before creating.
	prev, err := ap.store.ActiveAlert(ctx, p.SeriesID)
	if err != nil {
		return out, err
	}
	if prev != nil {
		if err := ap.store.ResolveAlert(ctx, prev.ID, now, types.ResolutionSuperseded); err != nil {
			return out, err
		}
		out.ResolvedClass = types.ClassCritical
		out.ResolvedAt = &now
	}

	alert := &types.Alert{
		ID:        uuid.NewString(),
		SeriesID:  p.SeriesID,
		Severity:  types.SeverityCritical,
		Threshold: r.Class.Reason,
		Value:     p.Value,
		Timestamp: p.Timestamp,
		OpenedAt:  now,
		IsActive:  true,
		Metadata:  map[string]string{"band": r.Class.Band, "detail": r.Class.Detail},
	}
	if err := ap.store.CreateAlert(ctx, alert); err != nil {
		return out, err
	}

	notif := &types.Notification{
		ID:        uuid.NewString(),
		AlertID:   alert.ID,
		SeriesID:  p.SeriesID,
		Message:   fmt.Sprintf("critical violation on %s: %s", p.SeriesID, r.Class.Detail),
		CreatedAt: now,
	}
	if err := ap.store.CreateNotification(ctx, notif); err != nil {
		// The alert exists; a missing notification row is not worth failing
		// the ingest over.
		ap.logger.Error("notification record failed", "alert_id", alert.ID, "error", err)
	}

	ap.logger.Warn("alert opened",
		"series_id", p.SeriesID, "value", p.Value, "alert_id", alert.ID,
		"superseded", prev != nil)
	return out, nil
}
