// Package classify implements the per-point classification pipeline.
//
// # Precedence
//
// Highest first, first match wins:
//
//  1. value outside the critical band    -> CRITICAL_VIOLATION (physical_range)
//  2. value outside the operational band -> WARNING_VIOLATION (operational_range)
//  3. value inside the warning zone      -> WARNING_VIOLATION (warning_zone)
//  4. delta spike vs the previous point  -> ANOMALY_DETECTED (delta_spike)
//  5. otherwise                          -> NORMAL
//
// A series still warming up (INITIALIZING) or marked STALE never emits
// events: classification runs, but the result is rewritten to NORMAL with
// reason "warmup" so the routing layer can skip the publish step without
// the classifier losing purity.
package classify

import (
	"fmt"
	"time"

	"github.com/edgeflow/ingestd/internal/config"
	"github.com/edgeflow/ingestd/pkg/types"
)

// Classifier evaluates points against their constraints and state. The band
// and delta evaluation is pure; the classifier instance only carries the
// debounce and cooldown bookkeeping.
type Classifier struct {
	track *tracker
}

// New creates a classifier.
func New() *Classifier {
	return &Classifier{track: newTracker()}
}

// Classify assigns a class to one point given its configuration and
// operational state. now anchors the cooldown windows.
func (c *Classifier) Classify(now time.Time, p *types.DataPoint, cfg *types.StreamConfig, st *types.SeriesState) types.Classification {
	raw := c.evaluate(now, p, cfg, st)

	// Warm-up suppression: the series counts readings but emits nothing.
	if raw.IsEvent() && !st.State.CanEmitEvents() {
		return types.Classification{
			Class:  types.ClassNormal,
			Reason: types.ReasonWarmup,
			Detail: fmt.Sprintf("suppressed %s (%s) during %s", raw.Class, raw.Reason, st.State),
		}
	}
	return raw
}

// NoteResolved starts the cooldown clock after a warning record resolved.
// Called by the routing layer, never by the classifier itself. Critical
// violations are exempt: a resolved alert is immediately replaceable by the
// next qualifying point, so the alert chain always has exactly one active
// record.
func (c *Classifier) NoteResolved(seriesID string, class types.Class, resolvedAt time.Time, cooldown time.Duration) {
	switch class {
	case types.ClassWarning, types.ClassAnomaly:
		if cooldown <= 0 {
			cooldown = config.DefaultCooldown
		}
		c.track.startCooldown(seriesID, kindWarning, resolvedAt, cooldown)
	}
}

func (c *Classifier) evaluate(now time.Time, p *types.DataPoint, cfg *types.StreamConfig, st *types.SeriesState) types.Classification {
	cons := cfg.Constraints

	if !cfg.AlertingEnabled {
		c.track.reset(p.SeriesID)
		return normal("alerting disabled for series")
	}

	// 1. Critical band (hard physical limits).
	if bandConfigured(cons.CriticalMin, cons.CriticalMax) && outsideBand(p.Value, cons.CriticalMin, cons.CriticalMax) {
		return c.violation(now, p, cons, types.Classification{
			Class:  types.ClassCritical,
			Reason: types.ReasonPhysicalRange,
			Band:   "critical",
			Detail: bandDetail(p.Value, cons.CriticalMin, cons.CriticalMax),
		}, kindAlert)
	}

	// 2. Operational band.
	if bandConfigured(cons.OperationalMin, cons.OperationalMax) && outsideBand(p.Value, cons.OperationalMin, cons.OperationalMax) {
		return c.violation(now, p, cons, types.Classification{
			Class:  types.ClassWarning,
			Reason: types.ReasonOperationalRange,
			Band:   "operational",
			Detail: bandDetail(p.Value, cons.OperationalMin, cons.OperationalMax),
		}, kindWarning)
	}

	// 3. Warning zone: past the warning bound but still inside operational.
	if bandConfigured(cons.WarningMin, cons.WarningMax) && outsideBand(p.Value, cons.WarningMin, cons.WarningMax) {
		return c.violation(now, p, cons, types.Classification{
			Class:  types.ClassWarning,
			Reason: types.ReasonWarningZone,
			Band:   "warning",
			Detail: bandDetail(p.Value, cons.WarningMin, cons.WarningMax),
		}, kindWarning)
	}

	// 4. Delta spike against the previous point.
	if delta := detectSpike(p, cons, st); delta != nil {
		return c.violation(now, p, cons, types.Classification{
			Class:  types.ClassAnomaly,
			Reason: types.ReasonDeltaSpike,
			Delta:  delta,
			Detail: fmt.Sprintf("Δv=%.4f (%.2f%%) over %s", delta.Absolute, delta.Relative*100, delta.Elapsed),
		}, kindWarning)
	}

	// 5. Clean point.
	c.track.reset(p.SeriesID)
	return normal("within all configured bands")
}

// violation applies the consecutive-violation debounce and the post-resolve
// cooldown to a qualifying classification.
func (c *Classifier) violation(now time.Time, p *types.DataPoint, cons types.ValueConstraints, result types.Classification, kind recordKind) types.Classification {
	required := cons.ConsecutiveRequired
	if required <= 0 {
		required = config.DefaultConsecutiveRequired
	}

	count := c.track.bump(p.SeriesID, result.Reason)
	if count < required {
		return types.Classification{
			Class:  types.ClassNormal,
			Reason: types.ReasonDebounce,
			Detail: fmt.Sprintf("%s %d/%d consecutive", result.Reason, count, required),
		}
	}

	// Cooldown suppresses warning-kind violations only. Physical-range
	// violations must always reach the alert pipeline.
	if kind == kindWarning && c.track.inCooldown(p.SeriesID, kindWarning, now) {
		return types.Classification{
			Class:  types.ClassNormal,
			Reason: types.ReasonCooldown,
			Detail: fmt.Sprintf("%s suppressed by cooldown", result.Reason),
		}
	}
	return result
}

func normal(detail string) types.Classification {
	return types.Classification{
		Class:  types.ClassNormal,
		Reason: types.ReasonInRange,
		Detail: detail,
	}
}

func bandDetail(value float64, min, max *float64) string {
	lo, hi := "-inf", "+inf"
	if min != nil {
		lo = fmt.Sprintf("%g", *min)
	}
	if max != nil {
		hi = fmt.Sprintf("%g", *max)
	}
	return fmt.Sprintf("value %g outside [%s, %s]", value, lo, hi)
}
