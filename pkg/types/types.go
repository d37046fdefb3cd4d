// Package types defines the core domain types shared across transports,
// the router, and the storage backends.
//
// # Design Principles
//
//  1. Simplicity: Types represent the domain model directly, no ORM abstractions
//  2. Serialization: All types are JSON-serializable for API transport
//  3. One contract: every transport normalizes into DataPoint before anything
//     downstream sees the message
package types

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// =============================================================================
// DOMAIN
// =============================================================================

// Domain is the coarse category of a series. It selects the storage backend
// and the default constraints applied when a series has no configuration.
type Domain string

const (
	DomainIoT            Domain = "iot"
	DomainInfrastructure Domain = "infrastructure"
	DomainFinance        Domain = "finance"
	DomainHealth         Domain = "health"
	DomainGeneric        Domain = "generic"
)

// Valid reports whether d is a recognized domain.
func (d Domain) Valid() bool {
	switch d {
	case DomainIoT, DomainInfrastructure, DomainFinance, DomainHealth, DomainGeneric:
		return true
	}
	return false
}

// =============================================================================
// DATA POINT
// =============================================================================

// DataPoint is the universal unit flowing through the gateway. Transports
// parse their native message shapes into this contract and hand it to the
// router; nothing downstream of a transport sees raw payloads.
type DataPoint struct {
	// SeriesID identifies the time-series. For legacy IoT it is the numeric
	// sensor id rendered as a string; for everything else it is
	// {domain}/{source_id}/{stream_id}.
	SeriesID string `json:"series_id"`

	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`

	// Set by the gateway, not the producer.
	IngestedAt  time.Time `json:"ingested_at,omitempty"`
	ProcessedAt time.Time `json:"processed_at,omitempty"`

	Domain     Domain `json:"domain"`
	SourceID   string `json:"source_id,omitempty"`
	StreamID   string `json:"stream_id,omitempty"`
	StreamType string `json:"stream_type,omitempty"`

	// SensorID is the legacy integer sensor id. Zero for non-IoT points.
	SensorID int64 `json:"sensor_id,omitempty"`

	// Sequence is an optional monotonically-increasing producer counter.
	Sequence int64 `json:"sequence,omitempty"`

	// Metadata is an opaque bag; the gateway never interprets it.
	Metadata map[string]string `json:"metadata,omitempty"`

	// MsgID is the producer-supplied idempotency key. When empty the router
	// derives one from (series, timestamp, value).
	MsgID string `json:"msg_id,omitempty"`

	// Transport names the adapter that produced this point.
	Transport string `json:"transport,omitempty"`
}

// SeriesIDFor builds the canonical series identifier for a generic point.
func SeriesIDFor(domain Domain, sourceID, streamID string) string {
	return fmt.Sprintf("%s/%s/%s", domain, sourceID, streamID)
}

// LegacySeriesID renders a legacy sensor id as a series identifier.
func LegacySeriesID(sensorID int64) string {
	return strconv.FormatInt(sensorID, 10)
}

// IsLegacySeries reports whether a series id belongs to the legacy IoT
// schema. Legacy ids are plain positive integers.
func IsLegacySeries(seriesID string) bool {
	n, err := strconv.ParseInt(seriesID, 10, 64)
	return err == nil && n > 0
}

// DeriveMsgID builds the idempotency key used when a producer did not supply
// one. Timestamps are rounded to microseconds and values to six decimals so
// re-parsed payloads derive the same key.
func (p *DataPoint) DeriveMsgID() string {
	ts := float64(p.Timestamp.Round(time.Microsecond).UnixNano()) / 1e9
	return fmt.Sprintf("%s:%.6f:%.6f", p.SeriesID, ts, p.Value)
}

// EffectiveMsgID returns the producer-supplied key or the derived one.
func (p *DataPoint) EffectiveMsgID() string {
	if p.MsgID != "" {
		return p.MsgID
	}
	return p.DeriveMsgID()
}

// Validate enforces the structural rules every point must satisfy before it
// can enter the router. Temporal rules live in the guards package.
func (p *DataPoint) Validate() error {
	if p.SeriesID == "" {
		return fmt.Errorf("series_id is required")
	}
	if !p.Domain.Valid() {
		return fmt.Errorf("unknown domain %q", p.Domain)
	}
	if math.IsNaN(p.Value) || math.IsInf(p.Value, 0) {
		return fmt.Errorf("value must be finite, got %v", p.Value)
	}
	if p.Timestamp.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	return nil
}

// =============================================================================
// BUS MESSAGE
// =============================================================================

// BusMessage is the shape published to the prediction bus. No ordering is
// guaranteed across series.
type BusMessage struct {
	SeriesID   string            `json:"series_id"`
	Value      float64           `json:"value"`
	Timestamp  time.Time         `json:"timestamp"`
	IngestedAt time.Time         `json:"ingested_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// =============================================================================
// ROUTE OUTCOME
// =============================================================================

// RouteOutcome summarizes what the router did with one point.
type RouteOutcome struct {
	Class     Classification `json:"classification"`
	Duplicate bool           `json:"duplicate,omitempty"`
	Persisted bool           `json:"persisted"`
	Published bool           `json:"published"`
}
