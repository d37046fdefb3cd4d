// Package guards implements the early rejection checks every point passes
// before entering the pipeline.
//
// Fail fast, explicit reason, logged for audit. Guards are pure: they never
// touch storage and never mutate the point.
package guards

import (
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/edgeflow/ingestd/internal/config"
	"github.com/edgeflow/ingestd/pkg/types"
)

// Result is the outcome of guarding one point.
type Result struct {
	OK     bool
	Reason string
	Detail string

	// SuspiciousZero is set when the value is an exact zero whose previous
	// neighbour was far from zero. Flagged, never rejected.
	SuspiciousZero bool
}

// Check runs the guard chain against a point. prevValue is the last known
// value for the series (nil when unknown); now anchors the timestamp window.
func Check(p *types.DataPoint, prevValue *float64, now time.Time) Result {
	if math.IsNaN(p.Value) {
		return reject("value_nan", "value is NaN")
	}
	if math.IsInf(p.Value, 0) {
		return reject("value_infinite", fmt.Sprintf("value is %v", p.Value))
	}
	if p.SeriesID == "" {
		return reject("missing_series", "empty series id")
	}
	if p.Domain == types.DomainIoT && p.SensorID <= 0 {
		return reject("invalid_sensor_id", fmt.Sprintf("sensor id %d", p.SensorID))
	}
	if !p.Domain.Valid() {
		return reject("invalid_domain", string(p.Domain))
	}

	if !p.Timestamp.IsZero() {
		age := now.Sub(p.Timestamp)
		if age > config.MaxTimestampAge {
			return reject("timestamp_too_old", fmt.Sprintf("age %s exceeds %s", age, config.MaxTimestampAge))
		}
		if age < -config.MaxTimestampSkew {
			return reject("timestamp_in_future", fmt.Sprintf("skew %s exceeds %s", -age, config.MaxTimestampSkew))
		}
	}

	res := Result{OK: true, Reason: "ok"}
	if isSuspiciousZero(p.Value, prevValue) {
		res.SuspiciousZero = true
	}
	return res
}

// isSuspiciousZero flags an exact zero following a reading far from zero.
// These usually indicate a sensor fault or truncated payload rather than a
// real measurement.
func isSuspiciousZero(value float64, prev *float64) bool {
	if value != 0 || prev == nil {
		return false
	}
	return math.Abs(*prev) >= config.SuspiciousZeroThreshold
}

// LogSuspicious records a flagged zero with full context for later analysis.
func LogSuspicious(logger *slog.Logger, p *types.DataPoint, prevValue *float64) {
	prev := 0.0
	if prevValue != nil {
		prev = *prevValue
	}
	logger.Warn("suspicious zero reading",
		"series_id", p.SeriesID,
		"domain", p.Domain,
		"previous_value", prev,
		"timestamp", p.Timestamp,
		"transport", p.Transport,
	)
}

func reject(reason, detail string) Result {
	return Result{OK: false, Reason: reason, Detail: detail}
}
