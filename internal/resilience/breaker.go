package resilience

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

// BreakerState is the circuit state.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

// ReasonCircuitOpen marks breaker rejections. They carry kind unavailable
// but must never be retried: an open circuit answers the same way on every
// attempt, so the point goes straight to the DLQ.
const ReasonCircuitOpen = "circuit_open"

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig tunes one circuit breaker.
type BreakerConfig struct {
	// Name identifies the guarded dependency ("legacy_db", "generic_db",
	// "prediction_bus").
	Name string

	// FailureThreshold is the number of consecutive failures that trips
	// the circuit.
	FailureThreshold int

	// OpenDuration is how long the circuit stays open before admitting a
	// trial call.
	OpenDuration time.Duration

	// OnStateChange is called on every transition.
	OnStateChange func(name string, from, to BreakerState)
}

// BreakerSnapshot is the externally visible state, served by the resilience
// health endpoint.
type BreakerSnapshot struct {
	Name     string     `json:"name"`
	State    string     `json:"state"`
	OpenedAt *time.Time `json:"opened_at,omitempty"`
	Failures int        `json:"consecutive_failures"`
}

// Breaker is a three-state circuit breaker guarding one dependency.
//
// CLOSED counts consecutive failures; FailureThreshold of them opens the
// circuit. OPEN rejects calls immediately with kind unavailable. After
// OpenDuration one trial call is admitted (HALF_OPEN); success closes the
// circuit, failure reopens it and restarts the timer.
type Breaker struct {
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	state    BreakerState
	failures int
	openedAt time.Time
	// trialInFlight ensures HALF_OPEN admits exactly one probe.
	trialInFlight bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(cfg BreakerConfig, logger *slog.Logger) *Breaker {
	return &Breaker{
		cfg:    cfg,
		logger: logger.With("component", "breaker", "name", cfg.Name),
	}
}

// Execute runs op under the breaker. When the circuit is open the call is
// rejected immediately without invoking op.
func (b *Breaker) Execute(ctx context.Context, op func(ctx context.Context) error) error {
	if err := b.admit(); err != nil {
		return err
	}

	err := op(ctx)
	b.record(err == nil)
	return err
}

// State returns the current state, accounting for open-timer expiry.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		return StateHalfOpen
	}
	return b.state
}

// Snapshot returns the externally visible state.
func (b *Breaker) Snapshot() BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerSnapshot{
		Name:     b.cfg.Name,
		Failures: b.failures,
	}
	state := b.state
	if state == StateOpen && time.Since(b.openedAt) >= b.cfg.OpenDuration {
		state = StateHalfOpen
	}
	s.State = state.String()
	if b.state != StateClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

func (b *Breaker) admit() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if time.Since(b.openedAt) < b.cfg.OpenDuration {
			return types.E(types.KindUnavailable, ReasonCircuitOpen, nil)
		}
		b.transition(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return types.E(types.KindUnavailable, ReasonCircuitOpen, nil)
		}
		b.trialInFlight = true
		return nil
	}
	return nil
}

func (b *Breaker) record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failures = 0
			return
		}
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = time.Now()
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.trialInFlight = false
		if success {
			b.failures = 0
			b.transition(StateClosed)
			return
		}
		b.openedAt = time.Now()
		b.transition(StateOpen)
	case StateOpen:
		// A call admitted just before the state flipped; counts are reset
		// when the trial path runs.
	}
}

func (b *Breaker) transition(to BreakerState) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.logger.Info("breaker state change", "from", from.String(), "to", to.String())
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.cfg.Name, from, to)
	}
}
