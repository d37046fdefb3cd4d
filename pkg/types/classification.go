// Package types - classification results attached to points by the classifier.
package types

import "time"

// Class is the classification assigned to a data point. Exactly one
// sub-pipeline owns each class.
type Class string

const (
	ClassNormal   Class = "NORMAL"
	ClassWarning  Class = "WARNING_VIOLATION"
	ClassCritical Class = "CRITICAL_VIOLATION"
	ClassAnomaly  Class = "ANOMALY_DETECTED"
	ClassRejected Class = "REJECTED"
)

// Reason codes carried by classifications. Machine-readable; surfaced in API
// responses and stored alongside alert/warning records.
const (
	ReasonPhysicalRange    = "physical_range"
	ReasonOperationalRange = "operational_range"
	ReasonWarningZone      = "warning_zone"
	ReasonDeltaSpike       = "delta_spike"
	ReasonWarmup           = "warmup"
	ReasonDebounce         = "debounce"
	ReasonCooldown         = "cooldown"
	ReasonInRange          = "in_range"
	ReasonGuardsFailed     = "guards_failed"
)

// DeltaInfo carries the computed deltas for an ANOMALY_DETECTED result.
type DeltaInfo struct {
	Absolute float64       `json:"absolute_delta"`
	Relative float64       `json:"relative_delta"`
	Elapsed  time.Duration `json:"elapsed"`
}

// Classification is a tagged result: the class, a machine-readable reason,
// and optional metadata about the violated band or the computed delta.
type Classification struct {
	Class  Class  `json:"class"`
	Reason string `json:"reason"`

	// Band names the violated band for range violations
	// ("critical", "operational", "warning").
	Band string `json:"band,omitempty"`

	// Delta is set only for delta-spike anomalies.
	Delta *DeltaInfo `json:"delta,omitempty"`

	// Detail is a human-readable explanation, never parsed.
	Detail string `json:"detail,omitempty"`
}

// IsEvent reports whether the classification produces an alert or warning
// record rather than a prediction publish.
func (c Classification) IsEvent() bool {
	return c.Class == ClassCritical || c.Class == ClassWarning || c.Class == ClassAnomaly
}

// UnifiedReading is the contract handed from the router to a sub-pipeline:
// the point, its classification, and the context it was classified under.
type UnifiedReading struct {
	Point  DataPoint      `json:"point"`
	Class  Classification `json:"classification"`
	Config *StreamConfig  `json:"-"`
	State  *SeriesState   `json:"-"`
}
