package repository

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/edgeflow/ingestd/pkg/types"
)

// ConfigStore loads per-series configuration. A missing series returns
// (nil, nil).
type ConfigStore interface {
	GetStreamConfig(ctx context.Context, seriesID string) (*types.StreamConfig, error)
}

// StateStore loads and persists per-series operational state. A missing
// series returns (nil, nil).
type StateStore interface {
	GetSeriesState(ctx context.Context, seriesID string) (*types.SeriesState, error)
	SaveSeriesState(ctx context.Context, st *types.SeriesState) error
}

// Options tunes the repository caches.
type Options struct {
	TTL            time.Duration
	Capacity       int
	WarmupReadings int
}

// Repository is the cached view over stream configuration and operational
// state. Reads are read-through with TTL; state writes are write-through so
// reads observe writes monotonically.
type Repository struct {
	configs ConfigStore
	states  StateStore
	logger  *slog.Logger
	opts    Options

	configCache *ttlCache[*types.StreamConfig]
	stateCache  *ttlCache[*types.SeriesState]
	group       singleflight.Group

	// loggedDefaults tracks series already warned about missing config so
	// the log line fires once per series.
	mu             sync.Mutex
	loggedDefaults map[string]struct{}
}

// New creates a repository over the given stores.
func New(configs ConfigStore, states StateStore, opts Options, logger *slog.Logger) *Repository {
	return &Repository{
		configs:        configs,
		states:         states,
		logger:         logger.With("component", "repository"),
		opts:           opts,
		configCache:    newTTLCache[*types.StreamConfig](opts.Capacity, opts.TTL),
		stateCache:     newTTLCache[*types.SeriesState](opts.Capacity, opts.TTL),
		loggedDefaults: make(map[string]struct{}),
	}
}

// Config returns the configuration for a series, applying domain defaults
// when none is stored. Concurrent misses for the same series coalesce into
// one load.
func (r *Repository) Config(ctx context.Context, seriesID string, domain types.Domain) (*types.StreamConfig, error) {
	if cfg, ok := r.configCache.get(seriesID); ok {
		return cfg, nil
	}

	v, err, _ := r.group.Do("cfg:"+seriesID, func() (interface{}, error) {
		cfg, err := r.configs.GetStreamConfig(ctx, seriesID)
		if err != nil {
			return nil, fmt.Errorf("loading stream config %s: %w", seriesID, err)
		}
		if cfg == nil {
			cfg = types.DefaultStreamConfig(seriesID, domain)
			r.logMissingConfig(seriesID, domain)
		}
		r.configCache.put(seriesID, cfg)
		return cfg, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.StreamConfig), nil
}

// State returns the operational state for a series, creating the initial
// INITIALIZING state for a series never seen before.
func (r *Repository) State(ctx context.Context, seriesID string) (*types.SeriesState, error) {
	if st, ok := r.stateCache.get(seriesID); ok {
		return st, nil
	}

	v, err, _ := r.group.Do("st:"+seriesID, func() (interface{}, error) {
		st, err := r.states.GetSeriesState(ctx, seriesID)
		if err != nil {
			return nil, fmt.Errorf("loading series state %s: %w", seriesID, err)
		}
		if st == nil {
			st = types.NewSeriesState(seriesID, r.opts.WarmupReadings)
		}
		r.stateCache.put(seriesID, st)
		return st, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*types.SeriesState), nil
}

// SaveState persists state write-through: the cache is updated only after
// the store accepted the write.
func (r *Repository) SaveState(ctx context.Context, st *types.SeriesState) error {
	if err := r.states.SaveSeriesState(ctx, st); err != nil {
		// Drop the cached copy so the next read reloads the truth.
		r.stateCache.invalidate(st.SeriesID)
		return fmt.Errorf("saving series state %s: %w", st.SeriesID, err)
	}
	r.stateCache.put(st.SeriesID, st)
	return nil
}

// InvalidateConfig drops a cached configuration, forcing a reload.
func (r *Repository) InvalidateConfig(seriesID string) {
	r.configCache.invalidate(seriesID)
}

func (r *Repository) logMissingConfig(seriesID string, domain types.Domain) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.loggedDefaults[seriesID]; seen {
		return
	}
	r.loggedDefaults[seriesID] = struct{}{}
	r.logger.Info("no stream config, applying domain defaults",
		"series_id", seriesID, "domain", domain)
}
