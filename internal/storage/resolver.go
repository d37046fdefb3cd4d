package storage

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SensorResolver maps (device uuid, sensor uuid) pairs to numeric sensor
// ids with a short TTL cache. Unknown pairs are cached negatively and
// audited so devices pushing data before provisioning are visible without
// hammering the lookup query.
type SensorResolver struct {
	store  *LegacyStore
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.Mutex
	cache map[resolverKey]resolverEntry
}

type resolverKey struct {
	deviceUUID string
	sensorUUID string
}

type resolverEntry struct {
	sensorID int64
	expires  time.Time
}

// NewSensorResolver creates a resolver over the legacy store.
func NewSensorResolver(store *LegacyStore, ttl time.Duration, logger *slog.Logger) *SensorResolver {
	return &SensorResolver{
		store:  store,
		ttl:    ttl,
		logger: logger.With("component", "sensor_resolver"),
		cache:  make(map[resolverKey]resolverEntry),
	}
}

// Resolve returns the sensor id for a device/sensor uuid pair, or 0 when
// the pair is unknown. The transport name is recorded in the unknown-sensor
// audit trail.
func (r *SensorResolver) Resolve(ctx context.Context, deviceUUID, sensorUUID, transport string) (int64, error) {
	key := resolverKey{deviceUUID: deviceUUID, sensorUUID: sensorUUID}

	r.mu.Lock()
	if e, ok := r.cache[key]; ok && time.Now().Before(e.expires) {
		r.mu.Unlock()
		return e.sensorID, nil
	}
	r.mu.Unlock()

	id, err := r.store.LookupSensorID(ctx, deviceUUID, sensorUUID)
	if err != nil {
		return 0, err
	}

	r.mu.Lock()
	r.cache[key] = resolverEntry{sensorID: id, expires: time.Now().Add(r.ttl)}
	r.mu.Unlock()

	if id == 0 {
		r.logger.Warn("unknown sensor",
			"device_uuid", deviceUUID, "sensor_uuid", sensorUUID, "transport", transport)
		if aerr := r.store.RecordUnknownSensor(ctx, deviceUUID, sensorUUID, transport); aerr != nil {
			r.logger.Error("unknown sensor audit failed", "error", aerr)
		}
	}
	return id, nil
}

// Invalidate drops a cached pair, forcing a fresh lookup. Used after
// provisioning adds a sensor mid-flight.
func (r *SensorResolver) Invalidate(deviceUUID, sensorUUID string) {
	r.mu.Lock()
	delete(r.cache, resolverKey{deviceUUID: deviceUUID, sensorUUID: sensorUUID})
	r.mu.Unlock()
}
