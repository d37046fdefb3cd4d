// Package types - per-series configuration and constraint bands.
package types

import "time"

// ValueConstraints holds the optional numeric bounds for a series, tightest
// outermost: critical (hard physical limits), operational, warning, and the
// rate-of-change band. Every bound is optional and independently checkable.
// Boundary values are in-band (closed intervals on the safe side).
type ValueConstraints struct {
	CriticalMin *float64 `json:"critical_min,omitempty"`
	CriticalMax *float64 `json:"critical_max,omitempty"`

	OperationalMin *float64 `json:"operational_min,omitempty"`
	OperationalMax *float64 `json:"operational_max,omitempty"`

	WarningMin *float64 `json:"warning_min,omitempty"`
	WarningMax *float64 `json:"warning_max,omitempty"`

	// Rate-of-change band. A spike fires when any configured bound is met.
	AbsDelta *float64 `json:"abs_delta,omitempty"`
	RelDelta *float64 `json:"rel_delta,omitempty"`
	AbsSlope *float64 `json:"abs_slope,omitempty"`
	RelSlope *float64 `json:"rel_slope,omitempty"`

	// SpikeWindow bounds the elapsed time between readings for delta
	// comparison. Zero means the default (10s).
	SpikeWindow time.Duration `json:"spike_window,omitempty"`

	// MinReadings is how many valid readings must exist before delta
	// detection applies. Zero means the default (5).
	MinReadings int `json:"min_readings,omitempty"`

	// ConsecutiveRequired is how many back-to-back same-reason violations
	// are needed before one counts. Zero means 1.
	ConsecutiveRequired int `json:"consecutive_violations_required,omitempty"`

	// Cooldown suppresses a new alert/warning of the same kind after the
	// previous one resolved. Zero means the default (300s).
	Cooldown time.Duration `json:"cooldown,omitempty"`
}

// HasDeltaBounds reports whether any rate-of-change bound is configured.
func (c ValueConstraints) HasDeltaBounds() bool {
	return c.AbsDelta != nil || c.RelDelta != nil || c.AbsSlope != nil || c.RelSlope != nil
}

// StreamConfig is the per-series configuration. Identity is
// (SeriesID, Domain).
type StreamConfig struct {
	SeriesID string `json:"series_id"`
	Domain   Domain `json:"domain"`
	Name     string `json:"name,omitempty"`

	AlertingEnabled   bool `json:"alerting_enabled"`
	PredictionEnabled bool `json:"prediction_enabled"`

	Constraints ValueConstraints `json:"constraints"`
}

// DefaultStreamConfig returns the configuration applied when a series has
// none: no bands, alerting and prediction both on.
func DefaultStreamConfig(seriesID string, domain Domain) *StreamConfig {
	return &StreamConfig{
		SeriesID:          seriesID,
		Domain:            domain,
		AlertingEnabled:   true,
		PredictionEnabled: true,
	}
}
