// Package config provides configuration loading and tuning constants for
// the ingest gateway.
//
// This file centralizes defaults that were previously scattered through the
// pipeline, making them easier to find, modify, and test.
package config

import "time"

// Guard windows for incoming timestamps.
const (
	// MaxTimestampAge - points older than this are rejected at the guards.
	MaxTimestampAge = 24 * time.Hour

	// MaxTimestampSkew - allowed clock skew into the future.
	MaxTimestampSkew = 60 * time.Second

	// SuspiciousZeroThreshold - an exact zero after a previous reading with
	// magnitude at or above this is flagged (not rejected).
	SuspiciousZeroThreshold = 5.0
)

// Deduplication defaults.
const (
	DefaultDedupTTL = 60 * time.Second
)

// Dead-letter queue defaults.
const (
	DefaultDLQMaxLen          = 10000
	DefaultDLQReplayInterval  = 60 * time.Second
	DefaultDLQReplayBatchSize = 10
	DefaultDLQMaxReplays      = 3
)

// Retry and circuit-breaker defaults.
const (
	DefaultRetryMaxAttempts = 3
	DefaultRetryBaseDelay   = 100 * time.Millisecond
	DefaultRetryMaxDelay    = 5 * time.Second

	DefaultBreakerThreshold    = 5
	DefaultBreakerOpenDuration = 30 * time.Second
)

// Repository cache defaults.
const (
	DefaultCacheTTL      = 300 * time.Second
	DefaultCacheCapacity = 10000
)

// Classifier defaults.
const (
	DefaultSpikeWindow         = 10 * time.Second
	DefaultSpikeMinReadings    = 5
	DefaultConsecutiveRequired = 1
	DefaultCooldown            = 300 * time.Second
)

// State machine defaults.
const (
	DefaultWarmupReadings = 10
	DefaultStaleTimeout   = 2 * time.Hour
	DefaultSweepInterval  = 60 * time.Second
)

// Prediction bus defaults.
const (
	DefaultBusMinInterval = 1 * time.Second
	DefaultBusChannel     = "predictions:data"
)

// Transport limits.
const (
	// MQTTQueueCapacity bounds the internal channel between the network
	// loop and the persistence workers. The network loop never touches the
	// database.
	MQTTQueueCapacity = 10000
	MQTTWorkerCount   = 8

	// HTTPMaxInFlight bounds concurrent ingest requests; excess gets 429.
	HTTPMaxInFlight = 256

	// WSMaxInFlight bounds unacknowledged batches per session; excess
	// closes the connection with 1013.
	WSMaxInFlight = 100

	// CSVChunkSize is how many rows a CSV job parses per chunk before
	// yielding.
	CSVChunkSize = 500
)

// Lock striping for per-series serialization of state transitions.
const (
	SeriesLockStripes = 1024
)

// Sensor resolver cache TTL for (device_uuid, sensor_uuid) lookups.
const (
	ResolverCacheTTL = 300 * time.Second
)
