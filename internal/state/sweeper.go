package state

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// SweepStore marks live series with no recent readings as STALE.
type SweepStore interface {
	// MarkStaleSeries transitions every NORMAL/WARNING/ALERT series whose
	// last reading predates cutoff to STALE, returning how many changed.
	MarkStaleSeries(ctx context.Context, cutoff time.Time) (int, error)
}

// Sweeper periodically applies the stale timeout across all series.
type Sweeper struct {
	store    SweepStore
	timeout  time.Duration
	interval time.Duration
	logger   *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper creates a stale sweeper.
func NewSweeper(store SweepStore, timeout, interval time.Duration, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		store:    store,
		timeout:  timeout,
		interval: interval,
		logger:   logger.With("component", "stale_sweeper"),
		stopCh:   make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.run()
	s.logger.Info("stale sweeper started", "timeout", s.timeout, "interval", s.interval)
}

// Stop stops the sweeper and waits for the in-flight sweep.
func (s *Sweeper) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.logger.Info("stale sweeper stopped")
}

func (s *Sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Sweeper) sweep() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := s.store.MarkStaleSeries(ctx, time.Now().UTC().Add(-s.timeout))
	if err != nil {
		s.logger.Error("stale sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.logger.Info("series marked stale", "count", n)
	}
}
