// Package pipeline implements the three purpose-specific ingestion
// sub-pipelines: alert, warning, and prediction.
//
// Each pipeline owns the persistence semantics for exactly one
// classification class and rejects readings of any other class;
// misrouted readings surface as internal errors and never cross pipelines.
// Only the router constructs and invokes pipelines.
package pipeline

import (
	"context"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// Store is the persistence surface the pipelines need. The domain storage
// router implements it, directing each call to the legacy or generic
// backend by series.
type Store interface {
	// InsertPoint persists the data point itself. For legacy IoT series
	// this is the transactional stored-procedure call that also evaluates
	// thresholds; the classification rides along as informational metadata.
	InsertPoint(ctx context.Context, p *types.DataPoint, class types.Classification) error

	// ManagesEvents reports whether the gateway manages alert/warning
	// records for the series. False for legacy series, whose backend
	// evaluates thresholds inside InsertPoint.
	ManagesEvents(seriesID string) bool

	ActiveAlert(ctx context.Context, seriesID string) (*types.Alert, error)
	CreateAlert(ctx context.Context, a *types.Alert) error
	ResolveAlert(ctx context.Context, alertID string, at time.Time, reason string) error

	ActiveWarning(ctx context.Context, seriesID string) (*types.WarningEvent, error)
	CreateWarning(ctx context.Context, w *types.WarningEvent) error
	ResolveWarning(ctx context.Context, warningID string, at time.Time, reason string) error

	UpsertLatestValue(ctx context.Context, p *types.DataPoint) error

	CreateNotification(ctx context.Context, n *types.Notification) error
}

// Outcome reports what a pipeline did with a reading.
type Outcome struct {
	Persisted bool
	Published bool

	// ResolvedClass/ResolvedAt describe a previously active record that
	// this reading superseded, used to arm the classifier cooldown.
	ResolvedClass types.Class
	ResolvedAt    *time.Time
}

// Pipeline is the common sub-pipeline contract.
type Pipeline interface {
	Ingest(ctx context.Context, r *types.UnifiedReading) (Outcome, error)
}

// misrouted builds the rejection error for a reading of a class the
// pipeline does not own.
func misrouted(pipeline string, c types.Classification) error {
	return types.E(types.KindInternal, "misrouted_class",
		&misrouteDetail{pipeline: pipeline, class: c.Class, reason: c.Reason})
}

type misrouteDetail struct {
	pipeline string
	class    types.Class
	reason   string
}

func (m *misrouteDetail) Error() string {
	return "pipeline " + m.pipeline + " received " + string(m.class) + " (" + m.reason + ")"
}
