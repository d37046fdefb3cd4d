// Package types - stored alert and warning records.
//
// # Lifecycle
//
// At most one active alert and one active warning exist per series at any
// moment. A second qualifying event resolves the previous record atomically
// with creating the new one (resolution reason "superseded").
package types

import "time"

// AlertSeverity grades an alert. Critical alerts are never downgraded.
type AlertSeverity string

const (
	SeverityCritical AlertSeverity = "critical"
	SeverityWarning  AlertSeverity = "warning"
)

// ResolutionSuperseded marks a record resolved because a newer qualifying
// event replaced it.
const ResolutionSuperseded = "superseded"

// Alert is a stored critical-violation record.
type Alert struct {
	ID       string        `json:"id"`
	SeriesID string        `json:"series_id"`
	Severity AlertSeverity `json:"severity"`

	// Threshold names the violated band ("physical_range").
	Threshold string  `json:"threshold"`
	Value     float64 `json:"value"`

	// Timestamp is the producer timestamp of the triggering point.
	Timestamp time.Time `json:"timestamp"`

	OpenedAt         time.Time  `json:"opened_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	IsActive         bool       `json:"is_active"`

	Metadata map[string]string `json:"metadata,omitempty"`
}

// WarningEventType discriminates warning records.
type WarningEventType string

const (
	// EventDeltaSpike - instantaneous rate of change exceeded a bound.
	EventDeltaSpike WarningEventType = "DELTA_SPIKE"
	// EventOperationalDeviation - value left the operational band or entered
	// the warning zone.
	EventOperationalDeviation WarningEventType = "OPERATIONAL_DEVIATION"
)

// WarningEvent is a stored warning record (delta spike or band deviation).
type WarningEvent struct {
	ID        string           `json:"id"`
	SeriesID  string           `json:"series_id"`
	EventType WarningEventType `json:"event_type"`

	PreviousValue float64 `json:"previous_value"`
	CurrentValue  float64 `json:"current_value"`
	AbsoluteDelta float64 `json:"absolute_delta"`
	RelativeDelta float64 `json:"relative_delta"`

	Timestamp time.Time `json:"timestamp"`

	OpenedAt         time.Time  `json:"opened_at"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolutionReason string     `json:"resolution_reason,omitempty"`
	IsActive         bool       `json:"is_active"`
}

// Notification is the record emitted when an alert opens. Delivery channels
// are out of scope; downstream consumers read this table.
type Notification struct {
	ID        string    `json:"id"`
	AlertID   string    `json:"alert_id"`
	SeriesID  string    `json:"series_id"`
	Message   string    `json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
