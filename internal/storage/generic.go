// Package storage implements the two persistence backends and the domain
// router that picks between them per series.
//
// # Design
//
// Raw SQL with pgx, matching the rest of the platform. The generic backend
// owns the domain-agnostic time-series schema; the legacy backend wraps the
// IoT relational schema whose stored procedure evaluates thresholds
// transactionally. Neither backend knows about the other.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgeflow/ingestd/pkg/types"
)

// GenericStore persists non-IoT series: append-only points plus the
// gateway-managed alert, warning, latest-value, configuration, and state
// tables.
type GenericStore struct {
	pool *pgxpool.Pool
}

// NewGenericStore creates a store over an existing pool.
func NewGenericStore(pool *pgxpool.Pool) *GenericStore {
	return &GenericStore{pool: pool}
}

// NewGenericStoreFromURL connects to the given database URL.
func NewGenericStoreFromURL(ctx context.Context, url string) (*GenericStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to generic database: %w", err)
	}
	return &GenericStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *GenericStore) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *GenericStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// DATA POINTS
// =============================================================================

// InsertPoint appends one data point. The classification rides along as
// informational metadata; it never gates the insert. Conflicts on
// (series_id, ts) are dropped so a replayed point cannot double-insert.
func (s *GenericStore) InsertPoint(ctx context.Context, p *types.DataPoint, class types.Classification) error {
	metaJSON, _ := json.Marshal(p.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO data_points (
			series_id, ts, value, ingested_at,
			domain, source_id, stream_id, stream_type,
			class, class_reason, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (series_id, ts) DO NOTHING
	`,
		p.SeriesID, p.Timestamp, p.Value, p.IngestedAt,
		p.Domain, p.SourceID, p.StreamID, p.StreamType,
		class.Class, class.Reason, metaJSON,
	)
	if err != nil {
		return fmt.Errorf("insert data point %s: %w", p.SeriesID, err)
	}
	return nil
}

// =============================================================================
// ALERTS
// =============================================================================

// ActiveAlert returns the active alert for a series, or nil.
func (s *GenericStore) ActiveAlert(ctx context.Context, seriesID string) (*types.Alert, error) {
	var a types.Alert
	var metaJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT id, series_id, severity, threshold, value, ts,
			opened_at, resolved_at, resolution_reason, is_active, metadata
		FROM stream_alerts
		WHERE series_id = $1 AND is_active
		ORDER BY opened_at DESC
		LIMIT 1
	`, seriesID).Scan(
		&a.ID, &a.SeriesID, &a.Severity, &a.Threshold, &a.Value, &a.Timestamp,
		&a.OpenedAt, &a.ResolvedAt, &a.ResolutionReason, &a.IsActive, &metaJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	json.Unmarshal(metaJSON, &a.Metadata)
	return &a, nil
}

// CreateAlert inserts a new alert record.
func (s *GenericStore) CreateAlert(ctx context.Context, a *types.Alert) error {
	metaJSON, _ := json.Marshal(a.Metadata)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_alerts (
			id, series_id, severity, threshold, value, ts,
			opened_at, is_active, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8)
	`, a.ID, a.SeriesID, a.Severity, a.Threshold, a.Value, a.Timestamp,
		a.OpenedAt, metaJSON)
	if err != nil {
		return fmt.Errorf("insert alert %s: %w", a.SeriesID, err)
	}
	return nil
}

// ResolveAlert closes an alert.
func (s *GenericStore) ResolveAlert(ctx context.Context, alertID string, at time.Time, reason string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE stream_alerts
		SET is_active = FALSE, resolved_at = $2, resolution_reason = $3
		WHERE id = $1 AND is_active
	`, alertID, at, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("alert not found or already resolved: %s", alertID)
	}
	return nil
}

// =============================================================================
// WARNINGS
// =============================================================================

// ActiveWarning returns the active warning event for a series, or nil.
func (s *GenericStore) ActiveWarning(ctx context.Context, seriesID string) (*types.WarningEvent, error) {
	var w types.WarningEvent
	err := s.pool.QueryRow(ctx, `
		SELECT id, series_id, event_type,
			previous_value, current_value, absolute_delta, relative_delta,
			ts, opened_at, resolved_at, resolution_reason, is_active
		FROM stream_warnings
		WHERE series_id = $1 AND is_active
		ORDER BY opened_at DESC
		LIMIT 1
	`, seriesID).Scan(
		&w.ID, &w.SeriesID, &w.EventType,
		&w.PreviousValue, &w.CurrentValue, &w.AbsoluteDelta, &w.RelativeDelta,
		&w.Timestamp, &w.OpenedAt, &w.ResolvedAt, &w.ResolutionReason, &w.IsActive,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

// CreateWarning inserts a new warning event record.
func (s *GenericStore) CreateWarning(ctx context.Context, w *types.WarningEvent) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_warnings (
			id, series_id, event_type,
			previous_value, current_value, absolute_delta, relative_delta,
			ts, opened_at, is_active
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE)
	`, w.ID, w.SeriesID, w.EventType,
		w.PreviousValue, w.CurrentValue, w.AbsoluteDelta, w.RelativeDelta,
		w.Timestamp, w.OpenedAt)
	if err != nil {
		return fmt.Errorf("insert warning %s: %w", w.SeriesID, err)
	}
	return nil
}

// ResolveWarning closes a warning event.
func (s *GenericStore) ResolveWarning(ctx context.Context, warningID string, at time.Time, reason string) error {
	result, err := s.pool.Exec(ctx, `
		UPDATE stream_warnings
		SET is_active = FALSE, resolved_at = $2, resolution_reason = $3
		WHERE id = $1 AND is_active
	`, warningID, at, reason)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("warning not found or already resolved: %s", warningID)
	}
	return nil
}

// =============================================================================
// LATEST VALUES
// =============================================================================

// UpsertLatestValue maintains the one-row-per-series current-value
// projection consumed by dashboards and the prediction service.
func (s *GenericStore) UpsertLatestValue(ctx context.Context, p *types.DataPoint) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stream_latest_values (series_id, value, ts, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (series_id) DO UPDATE SET
			value = EXCLUDED.value,
			ts = EXCLUDED.ts,
			updated_at = NOW()
		WHERE stream_latest_values.ts <= EXCLUDED.ts
	`, p.SeriesID, p.Value, p.Timestamp)
	return err
}

// =============================================================================
// NOTIFICATIONS
// =============================================================================

// CreateNotification records the notification row emitted when an alert
// opens. Delivery is a downstream consumer's job.
func (s *GenericStore) CreateNotification(ctx context.Context, n *types.Notification) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO notifications (id, alert_id, series_id, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, n.ID, n.AlertID, n.SeriesID, n.Message, n.CreatedAt)
	return err
}

// =============================================================================
// STREAM CONFIGS
// =============================================================================

// GetStreamConfig loads a series configuration, or nil when none exists.
func (s *GenericStore) GetStreamConfig(ctx context.Context, seriesID string) (*types.StreamConfig, error) {
	var cfg types.StreamConfig
	var constraintsJSON []byte
	err := s.pool.QueryRow(ctx, `
		SELECT series_id, domain, name, alerting_enabled, prediction_enabled, constraints
		FROM stream_configs WHERE series_id = $1
	`, seriesID).Scan(
		&cfg.SeriesID, &cfg.Domain, &cfg.Name,
		&cfg.AlertingEnabled, &cfg.PredictionEnabled, &constraintsJSON,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(constraintsJSON) > 0 {
		if err := json.Unmarshal(constraintsJSON, &cfg.Constraints); err != nil {
			return nil, fmt.Errorf("decode constraints for %s: %w", seriesID, err)
		}
	}
	return &cfg, nil
}

// UpsertStreamConfig creates or replaces a series configuration.
func (s *GenericStore) UpsertStreamConfig(ctx context.Context, cfg *types.StreamConfig) error {
	constraintsJSON, err := json.Marshal(cfg.Constraints)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO stream_configs (series_id, domain, name, alerting_enabled, prediction_enabled, constraints, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (series_id) DO UPDATE SET
			domain = EXCLUDED.domain,
			name = EXCLUDED.name,
			alerting_enabled = EXCLUDED.alerting_enabled,
			prediction_enabled = EXCLUDED.prediction_enabled,
			constraints = EXCLUDED.constraints,
			updated_at = NOW()
	`, cfg.SeriesID, cfg.Domain, cfg.Name,
		cfg.AlertingEnabled, cfg.PredictionEnabled, constraintsJSON)
	return err
}

// =============================================================================
// SERIES STATES
// =============================================================================

// GetSeriesState loads the operational state for a series, or nil when the
// series has never been seen.
func (s *GenericStore) GetSeriesState(ctx context.Context, seriesID string) (*types.SeriesState, error) {
	var st types.SeriesState
	err := s.pool.QueryRow(ctx, `
		SELECT series_id, state, valid_readings, min_readings_for_normal,
			state_changed_at, last_value, last_ts
		FROM series_states WHERE series_id = $1
	`, seriesID).Scan(
		&st.SeriesID, &st.State, &st.ValidReadings, &st.MinReadingsForNormal,
		&st.StateChangedAt, &st.LastValue, &st.LastTimestamp,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// SaveSeriesState persists the operational state.
func (s *GenericStore) SaveSeriesState(ctx context.Context, st *types.SeriesState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO series_states (
			series_id, state, valid_readings, min_readings_for_normal,
			state_changed_at, last_value, last_ts, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (series_id) DO UPDATE SET
			state = EXCLUDED.state,
			valid_readings = EXCLUDED.valid_readings,
			min_readings_for_normal = EXCLUDED.min_readings_for_normal,
			state_changed_at = EXCLUDED.state_changed_at,
			last_value = EXCLUDED.last_value,
			last_ts = EXCLUDED.last_ts,
			updated_at = NOW()
	`, st.SeriesID, st.State, st.ValidReadings, st.MinReadingsForNormal,
		st.StateChangedAt, st.LastValue, st.LastTimestamp)
	if err != nil {
		return fmt.Errorf("save series state %s: %w", st.SeriesID, err)
	}
	return nil
}

// MarkStaleSeries flips series with no point since the cutoff to STALE and
// returns how many changed. INITIALIZING series are left alone; they have
// nothing to go stale from.
func (s *GenericStore) MarkStaleSeries(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE series_states
		SET state = 'STALE', state_changed_at = NOW(), updated_at = NOW()
		WHERE state IN ('NORMAL', 'WARNING', 'ALERT')
		  AND last_ts IS NOT NULL AND last_ts < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}
