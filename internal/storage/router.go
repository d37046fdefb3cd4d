package storage

import (
	"context"
	"strconv"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// Router directs each persistence call to the backend that owns the series:
// numeric series ids belong to the legacy IoT schema, everything else to
// the generic time-series schema. The backends fail independently; an
// outage on one never blocks ingestion into the other.
type Router struct {
	legacy  *LegacyStore
	generic *GenericStore
}

// NewRouter creates the domain storage router.
func NewRouter(legacy *LegacyStore, generic *GenericStore) *Router {
	return &Router{legacy: legacy, generic: generic}
}

// =============================================================================
// PIPELINE STORE
// =============================================================================

// InsertPoint persists the point in the owning backend. For legacy series
// the stored procedure also evaluates thresholds; the classification is
// informational there.
func (r *Router) InsertPoint(ctx context.Context, p *types.DataPoint, class types.Classification) error {
	if types.IsLegacySeries(p.SeriesID) {
		return r.legacy.InsertReading(ctx, p.SensorID, p.Value, p.Timestamp)
	}
	return r.generic.InsertPoint(ctx, p, class)
}

// ManagesEvents reports whether the gateway owns alert/warning records for
// the series. Legacy alerting lives inside the stored procedure.
func (r *Router) ManagesEvents(seriesID string) bool {
	return !types.IsLegacySeries(seriesID)
}

func (r *Router) ActiveAlert(ctx context.Context, seriesID string) (*types.Alert, error) {
	if types.IsLegacySeries(seriesID) {
		return nil, nil
	}
	return r.generic.ActiveAlert(ctx, seriesID)
}

func (r *Router) CreateAlert(ctx context.Context, a *types.Alert) error {
	return r.generic.CreateAlert(ctx, a)
}

func (r *Router) ResolveAlert(ctx context.Context, alertID string, at time.Time, reason string) error {
	return r.generic.ResolveAlert(ctx, alertID, at, reason)
}

func (r *Router) ActiveWarning(ctx context.Context, seriesID string) (*types.WarningEvent, error) {
	if types.IsLegacySeries(seriesID) {
		return nil, nil
	}
	return r.generic.ActiveWarning(ctx, seriesID)
}

func (r *Router) CreateWarning(ctx context.Context, w *types.WarningEvent) error {
	return r.generic.CreateWarning(ctx, w)
}

func (r *Router) ResolveWarning(ctx context.Context, warningID string, at time.Time, reason string) error {
	return r.generic.ResolveWarning(ctx, warningID, at, reason)
}

// UpsertLatestValue maintains the current-value projection in the owning
// backend.
func (r *Router) UpsertLatestValue(ctx context.Context, p *types.DataPoint) error {
	if types.IsLegacySeries(p.SeriesID) {
		return r.legacy.UpdateSensorLatest(ctx, p.SensorID, p.Value, p.Timestamp)
	}
	return r.generic.UpsertLatestValue(ctx, p)
}

func (r *Router) CreateNotification(ctx context.Context, n *types.Notification) error {
	return r.generic.CreateNotification(ctx, n)
}

// =============================================================================
// CONFIG / STATE STORES
// =============================================================================

// GetStreamConfig loads series configuration from the owning backend. For
// legacy series the sensor's threshold columns are mapped onto the unified
// shape.
func (r *Router) GetStreamConfig(ctx context.Context, seriesID string) (*types.StreamConfig, error) {
	if types.IsLegacySeries(seriesID) {
		sensorID, _ := strconv.ParseInt(seriesID, 10, 64)
		return r.legacy.GetSensorConfig(ctx, sensorID)
	}
	return r.generic.GetStreamConfig(ctx, seriesID)
}

// GetSeriesState loads operational state from the owning backend, keeping
// the backends independent under partial outage.
func (r *Router) GetSeriesState(ctx context.Context, seriesID string) (*types.SeriesState, error) {
	if types.IsLegacySeries(seriesID) {
		return r.legacy.GetSensorState(ctx, seriesID)
	}
	return r.generic.GetSeriesState(ctx, seriesID)
}

// SaveSeriesState persists operational state to the owning backend.
func (r *Router) SaveSeriesState(ctx context.Context, st *types.SeriesState) error {
	if types.IsLegacySeries(st.SeriesID) {
		return r.legacy.SaveSensorState(ctx, st)
	}
	return r.generic.SaveSeriesState(ctx, st)
}

// MarkStaleSeries sweeps both backends. A failure on one backend does not
// stop the sweep of the other; the first error is reported after both ran.
func (r *Router) MarkStaleSeries(ctx context.Context, cutoff time.Time) (int, error) {
	legacyN, legacyErr := r.legacy.MarkStaleSensors(ctx, cutoff)
	genericN, genericErr := r.generic.MarkStaleSeries(ctx, cutoff)
	if legacyErr != nil {
		return legacyN + genericN, legacyErr
	}
	return legacyN + genericN, genericErr
}

// =============================================================================
// HEALTH
// =============================================================================

// BackendHealth reports reachability of one backend.
type BackendHealth struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

// Health probes both backends independently.
func (r *Router) Health(ctx context.Context) []BackendHealth {
	return []BackendHealth{
		probe(ctx, "legacy", r.legacy.Ping),
		probe(ctx, "generic", r.generic.Ping),
	}
}

// HealthFor probes a single backend by name. Unknown names report
// unhealthy.
func (r *Router) HealthFor(ctx context.Context, name string) BackendHealth {
	switch name {
	case "legacy":
		return probe(ctx, "legacy", r.legacy.Ping)
	case "generic":
		return probe(ctx, "generic", r.generic.Ping)
	}
	return BackendHealth{Name: name, Error: "unknown backend"}
}

func probe(ctx context.Context, name string, ping func(context.Context) error) BackendHealth {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	started := time.Now()
	h := BackendHealth{Name: name}
	if err := ping(ctx); err != nil {
		h.Error = err.Error()
	} else {
		h.Healthy = true
	}
	h.LatencyMs = time.Since(started).Milliseconds()
	return h
}
