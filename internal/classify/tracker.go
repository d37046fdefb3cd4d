package classify

import (
	"sync"
	"time"
)

// recordKind discriminates the violation families. Only warning-kind
// records participate in cooldown; alert-kind violations are never
// suppressed.
type recordKind string

const (
	kindAlert   recordKind = "alert"
	kindWarning recordKind = "warning"
)

// seriesTracker holds the debounce and cooldown bookkeeping for one series.
// Debounce is per reason code: a different violation reason restarts the
// run, and any NORMAL classification resets it.
type seriesTracker struct {
	lastReason    string
	consecutive   int
	cooldownUntil map[recordKind]time.Time
}

// tracker maps series to their debounce/cooldown state.
type tracker struct {
	mu     sync.Mutex
	series map[string]*seriesTracker
}

func newTracker() *tracker {
	return &tracker{series: make(map[string]*seriesTracker)}
}

func (t *tracker) forSeries(seriesID string) *seriesTracker {
	st, ok := t.series[seriesID]
	if !ok {
		st = &seriesTracker{cooldownUntil: make(map[recordKind]time.Time)}
		t.series[seriesID] = st
	}
	return st
}

// bump records a same-reason violation and returns the consecutive count.
func (t *tracker) bump(seriesID, reason string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.forSeries(seriesID)
	if st.lastReason != reason {
		st.lastReason = reason
		st.consecutive = 0
	}
	st.consecutive++
	return st.consecutive
}

// reset clears the debounce run, called on any NORMAL classification.
func (t *tracker) reset(seriesID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if st, ok := t.series[seriesID]; ok {
		st.lastReason = ""
		st.consecutive = 0
	}
}

// startCooldown suppresses new records of the given kind until resolvedAt
// plus the cooldown window.
func (t *tracker) startCooldown(seriesID string, kind recordKind, resolvedAt time.Time, cooldown time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.forSeries(seriesID).cooldownUntil[kind] = resolvedAt.Add(cooldown)
}

// inCooldown reports whether a new record of the kind is suppressed at now.
func (t *tracker) inCooldown(seriesID string, kind recordKind, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.series[seriesID]
	if !ok {
		return false
	}
	until, ok := st.cooldownUntil[kind]
	return ok && now.Before(until)
}
