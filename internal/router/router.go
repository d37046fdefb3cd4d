// Package router is the single entry point into the ingestion core.
//
// Route runs the full per-point sequence: guards, dedup, context load,
// classification, dispatch to exactly one sub-pipeline, retry/breaker
// wrapped persistence, and the state-machine transition. Classifications
// convert into side effects here and nowhere else; sub-pipelines are not
// reachable from outside this package's owner.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflow/ingestd/internal/classify"
	"github.com/edgeflow/ingestd/internal/config"
	"github.com/edgeflow/ingestd/internal/dedup"
	"github.com/edgeflow/ingestd/internal/dlq"
	"github.com/edgeflow/ingestd/internal/guards"
	"github.com/edgeflow/ingestd/internal/metrics"
	"github.com/edgeflow/ingestd/internal/pipeline"
	"github.com/edgeflow/ingestd/internal/repository"
	"github.com/edgeflow/ingestd/internal/resilience"
	"github.com/edgeflow/ingestd/internal/state"
	"github.com/edgeflow/ingestd/pkg/types"
)

// Stats is a snapshot of router counters, surfaced by /ingest/stats.
type Stats struct {
	Processed  int64 `json:"total_processed"`
	Duplicates int64 `json:"total_duplicates"`
	Rejected   int64 `json:"total_rejected"`
	Errors     int64 `json:"total_errors"`
}

// Deps collects the router's collaborators. The router is built once at
// startup and shared, immutable, across all transports.
type Deps struct {
	Dedup      *dedup.Deduplicator
	DLQ        *dlq.Queue
	Repo       *repository.Repository
	Classifier *classify.Classifier
	Machine    *state.Machine
	Store      pipeline.Store

	Alerts      pipeline.Pipeline
	Warnings    pipeline.Pipeline
	Predictions pipeline.Pipeline

	// LegacyBreaker and GenericBreaker guard the two storage backends.
	LegacyBreaker  *resilience.Breaker
	GenericBreaker *resilience.Breaker
	Retry          resilience.RetryPolicy

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Router orchestrates the classification pipeline. Reentrant and safe for
// concurrent use; per-series sequencing is enforced with striped locks.
type Router struct {
	deps Deps

	locks [config.SeriesLockStripes]sync.Mutex

	processed  atomic.Int64
	duplicates atomic.Int64
	rejected   atomic.Int64
	errors     atomic.Int64
}

// New builds the router.
func New(deps Deps) *Router {
	deps.Logger = deps.Logger.With("component", "router")
	return &Router{deps: deps}
}

// Route processes one data point end to end. The returned outcome reports
// the classification and what was persisted/published; errors carry the
// gateway taxonomy so transports can map them to producer responses.
func (r *Router) Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error) {
	started := time.Now()
	if p.IngestedAt.IsZero() {
		p.IngestedAt = started.UTC()
	}

	// 1. Guards.
	if res := guards.Check(p, nil, started); !res.OK {
		r.rejected.Add(1)
		if r.deps.Metrics != nil {
			r.deps.Metrics.PointsRejected.WithLabelValues(res.Reason).Inc()
		}
		r.deadLetter(ctx, p, types.DLQGuards, fmt.Sprintf("%s: %s", res.Reason, res.Detail))
		return types.RouteOutcome{
				Class: types.Classification{Class: types.ClassRejected, Reason: res.Reason, Detail: res.Detail},
			}, types.E(types.KindInvalidInput, types.ReasonGuardsFailed,
				fmt.Errorf("%s: %s", res.Reason, res.Detail))
	}

	// 2. Dedup. A hit is silent success.
	msgID := p.EffectiveMsgID()
	if r.deps.Dedup != nil && r.deps.Dedup.IsDuplicate(ctx, msgID) {
		r.duplicates.Add(1)
		if r.deps.Metrics != nil {
			r.deps.Metrics.DedupHits.Inc()
		}
		r.deps.Logger.Debug("duplicate dropped", "series_id", p.SeriesID, "msg_id", msgID)
		return types.RouteOutcome{Duplicate: true}, nil
	}

	// Per-series critical section: classification order, record lifecycle,
	// and the state transition are serialized per series.
	lock := &r.locks[stripeFor(p.SeriesID)]
	lock.Lock()
	defer lock.Unlock()

	// 3. Load constraints and state.
	cfg, err := r.deps.Repo.Config(ctx, p.SeriesID, p.Domain)
	if err != nil {
		return r.failPersist(ctx, p, types.E(types.KindUnavailable, "config_load_failed", err))
	}
	st, err := r.deps.Repo.State(ctx, p.SeriesID)
	if err != nil {
		return r.failPersist(ctx, p, types.E(types.KindUnavailable, "state_load_failed", err))
	}

	if guards.Check(p, st.LastValue, started).SuspiciousZero {
		guards.LogSuspicious(r.deps.Logger, p, st.LastValue)
	}

	// 4. Classify.
	class := r.deps.Classifier.Classify(started, p, cfg, st)
	if r.deps.Metrics != nil {
		r.deps.Metrics.Classifications.WithLabelValues(string(class.Class), class.Reason).Inc()
	}

	reading := &types.UnifiedReading{Point: *p, Class: class, Config: cfg, State: st}

	// 5. Exactly one sub-pipeline owns the classification.
	pipe, err := r.pipelineFor(class)
	if err != nil {
		r.errors.Add(1)
		r.deadLetter(ctx, p, types.DLQClassifierBug, err.Error())
		return types.RouteOutcome{Class: class}, err
	}

	// 6. Persist under retry + the backend's circuit breaker.
	breaker := r.breakerFor(p.SeriesID)
	var out pipeline.Outcome
	err = resilience.Retry(ctx, r.deps.Retry, func(ctx context.Context) error {
		return breaker.Execute(ctx, func(ctx context.Context) error {
			var ierr error
			out, ierr = pipe.Ingest(ctx, reading)
			return ierr
		})
	})
	if err != nil {
		return r.persistFailed(ctx, p, class, err)
	}

	// A superseded record starts the cooldown clock for its kind.
	if out.ResolvedAt != nil {
		r.deps.Classifier.NoteResolved(p.SeriesID, out.ResolvedClass, *out.ResolvedAt, cfg.Constraints.Cooldown)
	}

	// 7. State transition, atomic with the counter via write-through save.
	hasActive, err := r.hasActiveRecords(ctx, p.SeriesID, class, st)
	if err != nil {
		r.deps.Logger.Error("active record lookup failed", "series_id", p.SeriesID, "error", err)
		hasActive = true // do not recover the state on uncertain evidence
	}
	if err := r.deps.Machine.Apply(ctx, st, class, p, hasActive); err != nil {
		r.deps.Logger.Error("state transition failed", "series_id", p.SeriesID, "error", err)
	}

	p.ProcessedAt = time.Now().UTC()
	r.processed.Add(1)
	if r.deps.Metrics != nil {
		r.deps.Metrics.PointsIngested.WithLabelValues(p.Transport, string(p.Domain)).Inc()
		r.deps.Metrics.IngestLatency.WithLabelValues(p.Transport).Observe(time.Since(started).Seconds())
	}

	return types.RouteOutcome{
		Class:     class,
		Persisted: out.Persisted,
		Published: out.Published,
	}, nil
}

// Stats returns a snapshot of router counters.
func (r *Router) Stats() Stats {
	return Stats{
		Processed:  r.processed.Load(),
		Duplicates: r.duplicates.Load(),
		Rejected:   r.rejected.Load(),
		Errors:     r.errors.Load(),
	}
}

// pipelineFor maps a classification to its owning sub-pipeline.
func (r *Router) pipelineFor(class types.Classification) (pipeline.Pipeline, error) {
	switch class.Class {
	case types.ClassCritical:
		return r.deps.Alerts, nil
	case types.ClassWarning, types.ClassAnomaly:
		return r.deps.Warnings, nil
	case types.ClassNormal:
		return r.deps.Predictions, nil
	}
	return nil, types.E(types.KindInternal, "unroutable_class",
		fmt.Errorf("no pipeline owns class %s", class.Class))
}

func (r *Router) breakerFor(seriesID string) *resilience.Breaker {
	if types.IsLegacySeries(seriesID) {
		return r.deps.LegacyBreaker
	}
	return r.deps.GenericBreaker
}

// hasActiveRecords checks for live alert/warning records, needed only when
// a NORMAL point might recover an ALERT/WARNING state.
func (r *Router) hasActiveRecords(ctx context.Context, seriesID string, class types.Classification, st *types.SeriesState) (bool, error) {
	if class.Class != types.ClassNormal {
		return true, nil
	}
	if st.State != types.StateAlert && st.State != types.StateWarning {
		return false, nil
	}
	a, err := r.deps.Store.ActiveAlert(ctx, seriesID)
	if err != nil {
		return false, err
	}
	if a != nil {
		return true, nil
	}
	w, err := r.deps.Store.ActiveWarning(ctx, seriesID)
	if err != nil {
		return false, err
	}
	return w != nil, nil
}

// persistFailed categorizes a persistence failure and dead-letters the
// point. Cancellation is its own category so replay tooling can treat it
// as clean.
func (r *Router) persistFailed(ctx context.Context, p *types.DataPoint, class types.Classification, err error) (types.RouteOutcome, error) {
	r.errors.Add(1)

	category := types.DLQPersist
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || types.ReasonOf(err) == "cancelled" {
		category = types.DLQCancelled
	} else if types.IsKind(err, types.KindInternal) {
		category = types.DLQClassifierBug
	}
	r.deadLetter(ctx, p, category, err.Error())
	return types.RouteOutcome{Class: class}, err
}

func (r *Router) failPersist(ctx context.Context, p *types.DataPoint, err error) (types.RouteOutcome, error) {
	return r.persistFailed(ctx, p, types.Classification{}, err)
}

// deadLetter writes the point to the DLQ, keeping its idempotency key so a
// replay inside the dedup window drops instead of double-persisting. Replay
// submissions are exempt: the consumer already holds an entry for the point
// and bumps its attempt count itself.
func (r *Router) deadLetter(ctx context.Context, p *types.DataPoint, category types.DLQCategory, detail string) {
	if r.deps.DLQ == nil || dlq.IsReplay(ctx) {
		return
	}
	raw, merr := json.Marshal(p)
	if merr != nil {
		raw = []byte(fmt.Sprintf("%+v", p))
	}
	r.deps.DLQ.Send(context.WithoutCancel(ctx), types.DLQEntry{
		FirstFailedAt: time.Now().UTC(),
		Transport:     p.Transport,
		Raw:           raw,
		Category:      category,
		Detail:        detail,
		Attempts:      1,
		MsgID:         p.EffectiveMsgID(),
	})
}

func stripeFor(seriesID string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(seriesID))
	return h.Sum32() % config.SeriesLockStripes
}
