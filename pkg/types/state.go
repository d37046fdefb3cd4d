// Package types - per-series operational state.
package types

import "time"

// OpState is the operational lifecycle state of a series.
type OpState string

const (
	// StateInitializing - newly seen series accumulating warm-up readings.
	// Never emits alerts, warnings, or prediction publishes.
	StateInitializing OpState = "INITIALIZING"
	// StateNormal - warmed up, readings within bands.
	StateNormal OpState = "NORMAL"
	// StateWarning - an operational deviation or delta spike is active.
	StateWarning OpState = "WARNING"
	// StateAlert - a critical violation is active.
	StateAlert OpState = "ALERT"
	// StateStale - no point received within the stale timeout.
	StateStale OpState = "STALE"
)

// Valid reports whether s is a recognized state.
func (s OpState) Valid() bool {
	switch s {
	case StateInitializing, StateNormal, StateWarning, StateAlert, StateStale:
		return true
	}
	return false
}

// CanEmitEvents reports whether a series in this state may produce alerts,
// warnings, or bus publishes.
func (s OpState) CanEmitEvents() bool {
	return s == StateNormal || s == StateWarning || s == StateAlert
}

// SeriesState is the persisted operational state for one series.
type SeriesState struct {
	SeriesID string  `json:"series_id"`
	State    OpState `json:"state"`

	ValidReadings        int `json:"valid_readings_count"`
	MinReadingsForNormal int `json:"min_readings_for_normal"`

	StateChangedAt time.Time  `json:"state_changed_at"`
	LastValue      *float64   `json:"last_value,omitempty"`
	LastTimestamp  *time.Time `json:"last_timestamp,omitempty"`
}

// NewSeriesState returns the initial state for a newly seen series.
func NewSeriesState(seriesID string, minReadings int) *SeriesState {
	return &SeriesState{
		SeriesID:             seriesID,
		State:                StateInitializing,
		MinReadingsForNormal: minReadings,
		StateChangedAt:       time.Now().UTC(),
	}
}
