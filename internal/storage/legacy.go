package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/edgeflow/ingestd/pkg/types"
)

// LegacyStore wraps the existing IoT relational schema. Readings go through
// the stored procedure that inserts and evaluates sensor thresholds in one
// transaction; the gateway never writes legacy alert tables directly.
type LegacyStore struct {
	pool *pgxpool.Pool
}

// NewLegacyStore creates a store over an existing pool.
func NewLegacyStore(pool *pgxpool.Pool) *LegacyStore {
	return &LegacyStore{pool: pool}
}

// NewLegacyStoreFromURL connects to the given database URL.
func NewLegacyStoreFromURL(ctx context.Context, url string) (*LegacyStore, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to legacy database: %w", err)
	}
	return &LegacyStore{pool: pool}, nil
}

// Close closes the connection pool.
func (s *LegacyStore) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *LegacyStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// =============================================================================
// READINGS
// =============================================================================

// InsertReading persists one reading via the threshold stored procedure.
// The procedure inserts the reading, compares it against the sensor's
// thresholds, and opens/resolves legacy alerts as needed, all in one
// transaction.
func (s *LegacyStore) InsertReading(ctx context.Context, sensorID int64, value float64, ts time.Time) error {
	_, err := s.pool.Exec(ctx,
		`SELECT sp_insert_reading_and_check_threshold($1, $2, $3)`,
		sensorID, value, ts)
	if err != nil {
		return fmt.Errorf("insert reading sensor %d: %w", sensorID, err)
	}
	return nil
}

// UpdateSensorLatest maintains the sensor's denormalized current value.
func (s *LegacyStore) UpdateSensorLatest(ctx context.Context, sensorID int64, value float64, ts time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE sensors
		SET last_value = $2, last_reading_at = $3, updated_at = NOW()
		WHERE id = $1 AND (last_reading_at IS NULL OR last_reading_at <= $3)
	`, sensorID, value, ts)
	return err
}

// =============================================================================
// SENSOR CONFIGURATION
// =============================================================================

// GetSensorConfig maps a sensor's threshold columns onto the unified
// configuration shape: legacy thresholds become the critical band. The
// stored procedure remains authoritative for legacy alerting; the mapped
// band only drives classification labels and routing.
func (s *LegacyStore) GetSensorConfig(ctx context.Context, sensorID int64) (*types.StreamConfig, error) {
	var name string
	var minThreshold, maxThreshold *float64
	var alertsEnabled bool
	err := s.pool.QueryRow(ctx, `
		SELECT name, min_threshold, max_threshold, alerts_enabled
		FROM sensors WHERE id = $1
	`, sensorID).Scan(&name, &minThreshold, &maxThreshold, &alertsEnabled)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	return &types.StreamConfig{
		SeriesID:          types.LegacySeriesID(sensorID),
		Domain:            types.DomainIoT,
		Name:              name,
		AlertingEnabled:   alertsEnabled,
		PredictionEnabled: true,
		Constraints: types.ValueConstraints{
			CriticalMin: minThreshold,
			CriticalMax: maxThreshold,
		},
	}, nil
}

// =============================================================================
// SENSOR STATES
// =============================================================================

// GetSensorState loads the operational state for a legacy sensor series, or
// nil when the sensor has never produced a point through the gateway.
func (s *LegacyStore) GetSensorState(ctx context.Context, seriesID string) (*types.SeriesState, error) {
	var st types.SeriesState
	err := s.pool.QueryRow(ctx, `
		SELECT series_id, state, valid_readings, min_readings_for_normal,
			state_changed_at, last_value, last_ts
		FROM sensor_states WHERE series_id = $1
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

// SaveSensorState persists the operational state for a legacy sensor series.
func (s *LegacyStore) SaveSensorState(ctx context.Context, st *types.SeriesState) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sensor_states (
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
		return fmt.Errorf("save sensor state %s: %w", st.SeriesID, err)
	}
	return nil
}

// MarkStaleSensors flips legacy sensor series with no point since the
// cutoff to STALE.
func (s *LegacyStore) MarkStaleSensors(ctx context.Context, cutoff time.Time) (int, error) {
	result, err := s.pool.Exec(ctx, `
		UPDATE sensor_states
		SET state = 'STALE', state_changed_at = NOW(), updated_at = NOW()
		WHERE state IN ('NORMAL', 'WARNING', 'ALERT')
		  AND last_ts IS NOT NULL AND last_ts < $1
	`, cutoff)
	if err != nil {
		return 0, err
	}
	return int(result.RowsAffected()), nil
}

// =============================================================================
// SENSOR RESOLUTION
// =============================================================================

// LookupSensorID resolves a (device uuid, sensor uuid) pair to the numeric
// sensor id. Returns 0 with no error when the pair is unknown.
func (s *LegacyStore) LookupSensorID(ctx context.Context, deviceUUID, sensorUUID string) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		SELECT s.id
		FROM sensors s
		JOIN devices d ON s.device_id = d.id
		WHERE d.device_uuid = $1 AND s.sensor_uuid = $2
	`, deviceUUID, sensorUUID).Scan(&id)
	if err == pgx.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return id, nil
}

// RecordUnknownSensor audits a failed sensor resolution so operators can
// spot devices pushing data before provisioning finished.
func (s *LegacyStore) RecordUnknownSensor(ctx context.Context, deviceUUID, sensorUUID, transport string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO unknown_sensors (device_uuid, sensor_uuid, transport, first_seen_at, last_seen_at, hit_count)
		VALUES ($1, $2, $3, NOW(), NOW(), 1)
		ON CONFLICT (device_uuid, sensor_uuid) DO UPDATE SET
			last_seen_at = NOW(),
			hit_count = unknown_sensors.hit_count + 1
	`, deviceUUID, sensorUUID, transport)
	return err
}

// =============================================================================
// DEVICE KEYS
// =============================================================================

// GetDeviceKeyHash retrieves the bcrypt hash of a device's API key. Returns
// empty string when the device is unknown or has no key set.
func (s *LegacyStore) GetDeviceKeyHash(ctx context.Context, deviceUUID string) (string, error) {
	var keyHash *string
	err := s.pool.QueryRow(ctx, `
		SELECT api_key_hash FROM devices WHERE device_uuid = $1
	`, deviceUUID).Scan(&keyHash)
	if err == pgx.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	if keyHash == nil {
		return "", nil
	}
	return *keyHash, nil
}
