package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/edgeflow/ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func f(v float64) *float64 { return &v }

// mockStore implements Store in memory with per-call error injection.
type mockStore struct {
	mu sync.Mutex

	points        []types.DataPoint
	alerts        []types.Alert
	warnings      []types.WarningEvent
	notifications []types.Notification
	latest        map[string]float64

	activeAlert   *types.Alert
	activeWarning *types.WarningEvent
	resolved      []string

	managesEvents bool

	insertErr error
	activeErr error
	notifyErr error
	upsertErr error
}

func newMockStore() *mockStore {
	return &mockStore{managesEvents: true, latest: make(map[string]float64)}
}

func (m *mockStore) InsertPoint(ctx context.Context, p *types.DataPoint, class types.Classification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.insertErr != nil {
		return m.insertErr
	}
	m.points = append(m.points, *p)
	return nil
}

func (m *mockStore) ManagesEvents(seriesID string) bool { return m.managesEvents }

func (m *mockStore) ActiveAlert(ctx context.Context, seriesID string) (*types.Alert, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeAlert, m.activeErr
}

func (m *mockStore) CreateAlert(ctx context.Context, a *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, *a)
	return nil
}

func (m *mockStore) ResolveAlert(ctx context.Context, alertID string, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, alertID)
	return nil
}

func (m *mockStore) ActiveWarning(ctx context.Context, seriesID string) (*types.WarningEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeWarning, m.activeErr
}

func (m *mockStore) CreateWarning(ctx context.Context, w *types.WarningEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.warnings = append(m.warnings, *w)
	return nil
}

func (m *mockStore) ResolveWarning(ctx context.Context, warningID string, at time.Time, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = append(m.resolved, warningID)
	return nil
}

func (m *mockStore) UpsertLatestValue(ctx context.Context, p *types.DataPoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return m.upsertErr
	}
	m.latest[p.SeriesID] = p.Value
	return nil
}

func (m *mockStore) CreateNotification(ctx context.Context, n *types.Notification) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return m.notifyErr
	}
	m.notifications = append(m.notifications, *n)
	return nil
}

// mockBus records published messages.
type mockBus struct {
	mu   sync.Mutex
	msgs []types.BusMessage
	err  error
}

func (m *mockBus) Publish(ctx context.Context, msg types.BusMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.msgs = append(m.msgs, msg)
	return nil
}

func reading(class types.Class, reason string) *types.UnifiedReading {
	now := time.Now().UTC()
	lastValue := 20.0
	return &types.UnifiedReading{
		Point: types.DataPoint{
			SeriesID:   "finance/NYSE/AAPL",
			Domain:     types.DomainFinance,
			Value:      187.2,
			Timestamp:  now,
			IngestedAt: now,
		},
		Class: types.Classification{Class: class, Reason: reason},
		Config: &types.StreamConfig{
			SeriesID:          "finance/NYSE/AAPL",
			Domain:            types.DomainFinance,
			AlertingEnabled:   true,
			PredictionEnabled: true,
		},
		State: &types.SeriesState{
			SeriesID:      "finance/NYSE/AAPL",
			State:         types.StateNormal,
			ValidReadings: 50,
			LastValue:     &lastValue,
		},
	}
}

// =============================================================================
// ALERT PIPELINE
// =============================================================================

func TestAlertPipelineOpensAlert(t *testing.T) {
	store := newMockStore()
	ap := NewAlertPipeline(store, testLogger())

	out, err := ap.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Persisted {
		t.Error("point not persisted")
	}
	if out.ResolvedAt != nil {
		t.Error("nothing was active, nothing should be resolved")
	}
	if len(store.points) != 1 || len(store.alerts) != 1 || len(store.notifications) != 1 {
		t.Fatalf("points=%d alerts=%d notifications=%d, want 1/1/1",
			len(store.points), len(store.alerts), len(store.notifications))
	}
	a := store.alerts[0]
	if a.Severity != types.SeverityCritical || !a.IsActive {
		t.Errorf("alert = %+v, want active critical", a)
	}
	if store.notifications[0].AlertID != a.ID {
		t.Error("notification not linked to the alert")
	}
}

func TestAlertPipelineSupersedes(t *testing.T) {
	store := newMockStore()
	store.activeAlert = &types.Alert{ID: "old-alert", SeriesID: "finance/NYSE/AAPL", IsActive: true}
	ap := NewAlertPipeline(store, testLogger())

	out, err := ap.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if err != nil {
		t.Fatal(err)
	}
	if len(store.resolved) != 1 || store.resolved[0] != "old-alert" {
		t.Errorf("resolved = %v, want [old-alert]", store.resolved)
	}
	if out.ResolvedClass != types.ClassCritical || out.ResolvedAt == nil {
		t.Error("outcome must report the superseded record for cooldown arming")
	}
	if len(store.alerts) != 1 {
		t.Errorf("new alerts = %d, want 1", len(store.alerts))
	}
}

func TestAlertPipelineNotificationFailureNonFatal(t *testing.T) {
	store := newMockStore()
	store.notifyErr = errors.New("notifier down")
	ap := NewAlertPipeline(store, testLogger())

	out, err := ap.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if err != nil {
		t.Fatalf("notification failure escalated: %v", err)
	}
	if !out.Persisted || len(store.alerts) != 1 {
		t.Error("alert should still be opened")
	}
}

func TestAlertPipelineLegacySeriesSkipsEvents(t *testing.T) {
	store := newMockStore()
	store.managesEvents = false
	ap := NewAlertPipeline(store, testLogger())

	out, err := ap.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Persisted {
		t.Error("point must persist")
	}
	if len(store.alerts) != 0 || len(store.notifications) != 0 {
		t.Error("legacy backend owns threshold evaluation; no gateway records expected")
	}
}

func TestAlertPipelineRejectsMisrouted(t *testing.T) {
	store := newMockStore()
	ap := NewAlertPipeline(store, testLogger())

	_, err := ap.Ingest(context.Background(), reading(types.ClassNormal, types.ReasonInRange))
	if !types.IsKind(err, types.KindInternal) || types.ReasonOf(err) != "misrouted_class" {
		t.Fatalf("got %v, want internal/misrouted_class", err)
	}
	if len(store.points) != 0 {
		t.Error("misrouted reading must not persist")
	}
}

func TestAlertPipelineInsertFailure(t *testing.T) {
	store := newMockStore()
	store.insertErr = types.E(types.KindUnavailable, "db_down", nil)
	ap := NewAlertPipeline(store, testLogger())

	out, err := ap.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if err == nil {
		t.Fatal("insert failure must propagate")
	}
	if out.Persisted {
		t.Error("outcome claims persistence after a failed insert")
	}
}

// =============================================================================
// WARNING PIPELINE
// =============================================================================

func TestWarningPipelineEventTypes(t *testing.T) {
	tests := []struct {
		class  types.Class
		reason string
		want   types.WarningEventType
	}{
		{types.ClassAnomaly, types.ReasonDeltaSpike, types.EventDeltaSpike},
		{types.ClassWarning, types.ReasonOperationalRange, types.EventOperationalDeviation},
		{types.ClassWarning, types.ReasonWarningZone, types.EventOperationalDeviation},
	}
	for _, tt := range tests {
		store := newMockStore()
		wp := NewWarningPipeline(store, testLogger())
		r := reading(tt.class, tt.reason)
		if tt.class == types.ClassAnomaly {
			r.Class.Delta = &types.DeltaInfo{Absolute: 15, Relative: 0.75}
		}

		if _, err := wp.Ingest(context.Background(), r); err != nil {
			t.Fatalf("%s/%s: %v", tt.class, tt.reason, err)
		}
		if len(store.warnings) != 1 {
			t.Fatalf("%s/%s: warnings = %d, want 1", tt.class, tt.reason, len(store.warnings))
		}
		w := store.warnings[0]
		if w.EventType != tt.want {
			t.Errorf("%s/%s: event type %s, want %s", tt.class, tt.reason, w.EventType, tt.want)
		}
		if tt.class == types.ClassAnomaly {
			if w.AbsoluteDelta != 15 || w.PreviousValue != 20 {
				t.Errorf("delta info not carried: %+v", w)
			}
		}
	}
}

func TestWarningPipelineSupersedes(t *testing.T) {
	store := newMockStore()
	store.activeWarning = &types.WarningEvent{ID: "old-warning", IsActive: true}
	wp := NewWarningPipeline(store, testLogger())

	out, err := wp.Ingest(context.Background(), reading(types.ClassWarning, types.ReasonWarningZone))
	if err != nil {
		t.Fatal(err)
	}
	if len(store.resolved) != 1 || store.resolved[0] != "old-warning" {
		t.Errorf("resolved = %v, want [old-warning]", store.resolved)
	}
	if out.ResolvedClass != types.ClassWarning || out.ResolvedAt == nil {
		t.Error("outcome must report the superseded record")
	}
}

func TestWarningPipelineRejectsMisrouted(t *testing.T) {
	wp := NewWarningPipeline(newMockStore(), testLogger())
	_, err := wp.Ingest(context.Background(), reading(types.ClassCritical, types.ReasonPhysicalRange))
	if !types.IsKind(err, types.KindInternal) {
		t.Fatalf("got %v, want internal", err)
	}
}

// =============================================================================
// PREDICTION PIPELINE
// =============================================================================

func TestPredictionPipelinePersistsAndPublishes(t *testing.T) {
	store := newMockStore()
	b := &mockBus{}
	pp := NewPredictionPipeline(store, b, testLogger())

	out, err := pp.Ingest(context.Background(), reading(types.ClassNormal, types.ReasonInRange))
	if err != nil {
		t.Fatal(err)
	}
	if !out.Persisted || !out.Published {
		t.Fatalf("outcome = %+v, want persisted and published", out)
	}
	if len(store.points) != 1 {
		t.Errorf("points = %d, want 1", len(store.points))
	}
	if store.latest["finance/NYSE/AAPL"] != 187.2 {
		t.Error("latest value not upserted")
	}
	if len(b.msgs) != 1 || b.msgs[0].SeriesID != "finance/NYSE/AAPL" {
		t.Errorf("bus messages = %+v", b.msgs)
	}
}

func TestPredictionPipelineSuppressesDuringWarmup(t *testing.T) {
	for _, op := range []types.OpState{types.StateInitializing, types.StateStale} {
		store := newMockStore()
		b := &mockBus{}
		pp := NewPredictionPipeline(store, b, testLogger())

		r := reading(types.ClassNormal, types.ReasonInRange)
		r.State.State = op
		out, err := pp.Ingest(context.Background(), r)
		if err != nil {
			t.Fatal(err)
		}
		if !out.Persisted {
			t.Errorf("state %s: warm-up points still persist", op)
		}
		if out.Published || len(b.msgs) != 0 {
			t.Errorf("state %s: published during warm-up", op)
		}
	}
}

func TestPredictionPipelineRespectsDisabledFlag(t *testing.T) {
	store := newMockStore()
	b := &mockBus{}
	pp := NewPredictionPipeline(store, b, testLogger())

	r := reading(types.ClassNormal, types.ReasonInRange)
	r.Config.PredictionEnabled = false
	out, err := pp.Ingest(context.Background(), r)
	if err != nil {
		t.Fatal(err)
	}
	if out.Published || len(b.msgs) != 0 {
		t.Error("published for a prediction-disabled series")
	}
}

func TestPredictionPipelineBusFailureNonFatal(t *testing.T) {
	store := newMockStore()
	b := &mockBus{err: types.E(types.KindUnavailable, "bus_publish_failed", nil)}
	pp := NewPredictionPipeline(store, b, testLogger())

	out, err := pp.Ingest(context.Background(), reading(types.ClassNormal, types.ReasonInRange))
	if err != nil {
		t.Fatalf("bus failure escalated: %v", err)
	}
	if !out.Persisted || out.Published {
		t.Errorf("outcome = %+v, want persisted only", out)
	}
}

func TestPredictionPipelineUpsertFailureNonFatal(t *testing.T) {
	store := newMockStore()
	store.upsertErr = errors.New("db hiccup")
	pp := NewPredictionPipeline(store, &mockBus{}, testLogger())

	if _, err := pp.Ingest(context.Background(), reading(types.ClassNormal, types.ReasonInRange)); err != nil {
		t.Fatalf("latest-value failure escalated: %v", err)
	}
}

func TestPredictionPipelineRejectsMisrouted(t *testing.T) {
	pp := NewPredictionPipeline(newMockStore(), &mockBus{}, testLogger())
	_, err := pp.Ingest(context.Background(), reading(types.ClassWarning, types.ReasonWarningZone))
	if !types.IsKind(err, types.KindInternal) || types.ReasonOf(err) != "misrouted_class" {
		t.Fatalf("got %v, want internal/misrouted_class", err)
	}
}
