package classify

import (
	"math"

	"github.com/edgeflow/ingestd/internal/config"
	"github.com/edgeflow/ingestd/pkg/types"
)

// epsilon guards relative-delta division against near-zero previous values.
const epsilon = 1e-6

// noiseFloor is the per-stream-type minimum movement considered a real
// change. Both the absolute and relative floor must be undershot for a
// delta to count as noise.
type noiseFloor struct {
	abs float64
	rel float64
}

var noiseFloors = map[string]noiseFloor{
	"temperature": {0.5, 0.02},
	"humidity":    {2.0, 0.03},
	"air_quality": {50.0, 0.10},
	"voltage":     {1.0, 0.05},
	"power":       {10.0, 0.10},
	"pressure":    {0.5, 0.005},
}

var defaultNoiseFloor = noiseFloor{0.1, 0.01}

// detectSpike evaluates the rate-of-change band against the previous
// reading. It returns nil when no spike fires.
//
// A spike requires: Δt > 0 and Δt within the spike window, enough valid
// readings in history, movement above the stream type's noise floor, and at
// least one configured delta or slope bound met.
func detectSpike(p *types.DataPoint, cons types.ValueConstraints, st *types.SeriesState) *types.DeltaInfo {
	if !cons.HasDeltaBounds() {
		return nil
	}
	if st.LastValue == nil || st.LastTimestamp == nil {
		return nil
	}

	window := cons.SpikeWindow
	if window <= 0 {
		window = config.DefaultSpikeWindow
	}
	minReadings := cons.MinReadings
	if minReadings <= 0 {
		minReadings = config.DefaultSpikeMinReadings
	}
	if st.ValidReadings < minReadings {
		return nil
	}

	dt := p.Timestamp.Sub(*st.LastTimestamp)
	if dt <= 0 || dt > window {
		return nil
	}

	prev := *st.LastValue
	dv := math.Abs(p.Value - prev)
	rel := dv / math.Max(math.Abs(prev), epsilon)

	floor := defaultNoiseFloor
	if f, ok := noiseFloors[p.StreamType]; ok {
		floor = f
	}
	if dv < floor.abs && rel < floor.rel {
		return nil
	}

	dtSec := dt.Seconds()
	fired := false
	switch {
	case cons.AbsDelta != nil && dv >= *cons.AbsDelta:
		fired = true
	case cons.RelDelta != nil && rel >= *cons.RelDelta:
		fired = true
	case cons.AbsSlope != nil && dv/dtSec >= *cons.AbsSlope:
		fired = true
	case cons.RelSlope != nil && rel/dtSec >= *cons.RelSlope:
		fired = true
	}
	if !fired {
		return nil
	}

	return &types.DeltaInfo{
		Absolute: dv,
		Relative: rel,
		Elapsed:  dt,
	}
}

// outsideBand reports whether value falls outside the optional [min, max]
// band. Boundary values are in-band.
func outsideBand(value float64, min, max *float64) bool {
	if min != nil && value < *min {
		return true
	}
	if max != nil && value > *max {
		return true
	}
	return false
}

// bandConfigured reports whether either bound exists.
func bandConfigured(min, max *float64) bool {
	return min != nil || max != nil
}
