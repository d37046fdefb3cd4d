// Package state implements the per-series operational state machine.
//
// # Transitions
//
//	valid point, count reaches minimum     INITIALIZING          -> NORMAL
//	CRITICAL_VIOLATION                     NORMAL, WARNING       -> ALERT
//	WARNING_VIOLATION / ANOMALY_DETECTED   NORMAL                -> WARNING
//	NORMAL point, nothing active           ALERT, WARNING        -> NORMAL
//	no point within stale timeout          NORMAL,WARNING,ALERT  -> STALE (sweeper)
//	any valid point                        STALE                 -> INITIALIZING
//
// Transitions are persisted atomically with the reading counter through the
// write-through state repository; the router serializes calls per series.
package state

import (
	"context"
	"log/slog"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// StateSaver persists updated series state. Implemented by the repository
// (write-through to the storage backend).
type StateSaver interface {
	SaveState(ctx context.Context, st *types.SeriesState) error
}

// Machine applies classification-driven transitions.
type Machine struct {
	saver  StateSaver
	logger *slog.Logger
}

// NewMachine creates a state machine over the given saver.
func NewMachine(saver StateSaver, logger *slog.Logger) *Machine {
	return &Machine{
		saver:  saver,
		logger: logger.With("component", "state_machine"),
	}
}

// Apply advances the state for one valid point and persists the result.
// hasActive reports whether any alert or warning record is still active for
// the series; a NORMAL point only recovers the state when nothing is.
//
// The passed state is mutated in place so the caller's cached copy stays
// coherent with what was persisted.
func (m *Machine) Apply(ctx context.Context, st *types.SeriesState, class types.Classification, p *types.DataPoint, hasActive bool) error {
	from := st.State

	// Every valid point counts, and a stale series restarts warm-up.
	if st.State == types.StateStale {
		st.State = types.StateInitializing
		st.ValidReadings = 0
		st.StateChangedAt = time.Now().UTC()
	}
	st.ValidReadings++

	switch {
	case st.State == types.StateInitializing:
		if st.ValidReadings >= st.MinReadingsForNormal {
			m.transition(st, types.StateNormal, "warm-up complete")
		}

	case class.Class == types.ClassCritical:
		if st.State == types.StateNormal || st.State == types.StateWarning {
			m.transition(st, types.StateAlert, "critical violation")
		}

	case class.Class == types.ClassWarning || class.Class == types.ClassAnomaly:
		if st.State == types.StateNormal {
			m.transition(st, types.StateWarning, "warning violation")
		}

	case class.Class == types.ClassNormal:
		if (st.State == types.StateAlert || st.State == types.StateWarning) && !hasActive {
			m.transition(st, types.StateNormal, "recovered")
		}
	}

	v := p.Value
	ts := p.Timestamp
	st.LastValue = &v
	st.LastTimestamp = &ts

	if err := m.saver.SaveState(ctx, st); err != nil {
		return err
	}
	if from != st.State {
		m.logger.Info("series state transition",
			"series_id", st.SeriesID, "from", from, "to", st.State)
	}
	return nil
}

func (m *Machine) transition(st *types.SeriesState, to types.OpState, reason string) {
	m.logger.Debug("state transition",
		"series_id", st.SeriesID, "from", st.State, "to", to, "reason", reason)
	st.State = to
	st.StateChangedAt = time.Now().UTC()
}
