package resilience

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func unavailable() error {
	return types.E(types.KindUnavailable, "db_down", errors.New("connection refused"))
}

// =============================================================================
// RETRY
// =============================================================================

func TestRetrySucceedsEventually(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return unavailable()
		}
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryExhaustsAttempts(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	attempts := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return unavailable()
	})
	if err == nil {
		t.Fatal("expected error after exhausting attempts")
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}

func TestRetryOnlyRetriesUnavailable(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond}

	for _, kind := range []types.ErrKind{types.KindInvalidInput, types.KindInternal, types.KindThrottled} {
		attempts := 0
		Retry(context.Background(), policy, func(ctx context.Context) error {
			attempts++
			return types.E(kind, "nope", nil)
		})
		if attempts != 1 {
			t.Errorf("kind %s: attempts = %d, want 1 (no retry)", kind, attempts)
		}
	}
}

func TestRetryFailsFastOnOpenCircuit(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 3, BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second}
	breaker := NewBreaker(BreakerConfig{
		Name: "db", FailureThreshold: 1, OpenDuration: time.Hour,
	}, testLogger())

	// Trip the circuit.
	breaker.Execute(context.Background(), func(ctx context.Context) error {
		return unavailable()
	})

	attempts := 0
	invoked := 0
	err := Retry(context.Background(), policy, func(ctx context.Context) error {
		attempts++
		return breaker.Execute(ctx, func(ctx context.Context) error {
			invoked++
			return nil
		})
	})
	if types.ReasonOf(err) != ReasonCircuitOpen {
		t.Fatalf("err = %v, want %s", err, ReasonCircuitOpen)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1 (open circuit is not retried)", attempts)
	}
	if invoked != 0 {
		t.Errorf("guarded op invoked %d times while open", invoked)
	}
}

func TestRetryStopsOnContextCancel(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 100, BaseDelay: 50 * time.Millisecond, MaxDelay: time.Second}

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := Retry(ctx, policy, func(ctx context.Context) error {
		attempts++
		return unavailable()
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("retry loop did not stop promptly on cancellation")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	policy := RetryPolicy{MaxAttempts: 10, BaseDelay: 100 * time.Millisecond, MaxDelay: 400 * time.Millisecond}

	// With ±50% jitter, attempt n sleeps in [0.5, 1.5] * min(base*2^(n-1), cap).
	for attempt, want := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		5: 400 * time.Millisecond, // capped
	} {
		for i := 0; i < 20; i++ {
			d := backoff(policy, attempt)
			if d < want/2 || d > want*3/2 {
				t.Errorf("attempt %d: backoff %s outside [%s, %s]", attempt, d, want/2, want*3/2)
			}
		}
	}
}

// =============================================================================
// BREAKER
// =============================================================================

func newTestBreaker(threshold int, openFor time.Duration) *Breaker {
	return NewBreaker(BreakerConfig{
		Name:             "test",
		FailureThreshold: threshold,
		OpenDuration:     openFor,
	}, testLogger())
}

func TestBreakerOpensAfterThreshold(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()

	fail := func(ctx context.Context) error { return unavailable() }
	for i := 0; i < 3; i++ {
		b.Execute(ctx, fail)
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	// Open circuit rejects without invoking the operation.
	invoked := false
	err := b.Execute(ctx, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err == nil {
		t.Fatal("open circuit must reject")
	}
	if !types.IsKind(err, types.KindUnavailable) {
		t.Errorf("rejection kind = %s, want unavailable", types.KindOf(err))
	}
	if invoked {
		t.Error("operation invoked while the circuit was open")
	}
}

func TestBreakerResetsOnSuccess(t *testing.T) {
	b := newTestBreaker(3, time.Hour)
	ctx := context.Background()

	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	b.Execute(ctx, func(ctx context.Context) error { return nil })
	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })

	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED (success resets the count)", b.State())
	}
}

func TestBreakerHalfOpenRecovery(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)
	ctx := context.Background()

	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want OPEN", b.State())
	}

	time.Sleep(30 * time.Millisecond)
	if b.State() != StateHalfOpen {
		t.Fatalf("state = %s, want HALF_OPEN after the open window", b.State())
	}

	// Successful trial closes the circuit.
	if err := b.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("trial call rejected: %v", err)
	}
	if b.State() != StateClosed {
		t.Errorf("state = %s, want CLOSED after successful trial", b.State())
	}
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	b := newTestBreaker(1, 20*time.Millisecond)
	ctx := context.Background()

	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	time.Sleep(30 * time.Millisecond)

	b.Execute(ctx, func(ctx context.Context) error { return unavailable() })
	if b.State() != StateOpen {
		t.Errorf("state = %s, want OPEN after failed trial", b.State())
	}
}

func TestBreakerStateChangeCallback(t *testing.T) {
	var transitions []string
	b := NewBreaker(BreakerConfig{
		Name:             "cb",
		FailureThreshold: 1,
		OpenDuration:     time.Hour,
		OnStateChange: func(name string, from, to BreakerState) {
			transitions = append(transitions, from.String()+"->"+to.String())
		},
	}, testLogger())

	b.Execute(context.Background(), func(ctx context.Context) error { return unavailable() })
	if len(transitions) != 1 || transitions[0] != "CLOSED->OPEN" {
		t.Errorf("transitions = %v, want [CLOSED->OPEN]", transitions)
	}
}

func TestBreakerSnapshot(t *testing.T) {
	b := newTestBreaker(1, time.Hour)
	snap := b.Snapshot()
	if snap.Name != "test" || snap.State != "CLOSED" || snap.OpenedAt != nil {
		t.Errorf("initial snapshot wrong: %+v", snap)
	}

	b.Execute(context.Background(), func(ctx context.Context) error { return unavailable() })
	snap = b.Snapshot()
	if snap.State != "OPEN" || snap.OpenedAt == nil {
		t.Errorf("open snapshot wrong: %+v", snap)
	}
}
