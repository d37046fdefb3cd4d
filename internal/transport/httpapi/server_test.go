package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/edgeflow/ingestd/internal/router"
	"github.com/edgeflow/ingestd/internal/storage"
	"github.com/edgeflow/ingestd/internal/transport/csvupload"
	"github.com/edgeflow/ingestd/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// mockRouter scripts per-call results and records routed points.
type mockRouter struct {
	mu     sync.Mutex
	points []types.DataPoint
	out    types.RouteOutcome
	err    error

	block chan struct{} // non-nil: Route blocks until closed
}

func (m *mockRouter) Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error) {
	if m.block != nil {
		<-m.block
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, *p)
	return m.out, m.err
}

func (m *mockRouter) last() *types.DataPoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.points) == 0 {
		return nil
	}
	return &m.points[len(m.points)-1]
}

type mockResolver struct {
	ids map[string]int64
	err error
}

func (m *mockResolver) Resolve(ctx context.Context, deviceUUID, sensorUUID, transport string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.ids[sensorUUID], nil
}

type mockVerifier struct {
	err     error
	lastKey string
}

func (m *mockVerifier) Verify(ctx context.Context, deviceUUID, key string) error {
	m.lastKey = key
	return m.err
}

type mockBackends struct{ healthy bool }

func (m *mockBackends) Health(ctx context.Context) []storage.BackendHealth {
	return []storage.BackendHealth{
		{Name: "legacy", Healthy: m.healthy},
		{Name: "generic", Healthy: true},
	}
}

func (m *mockBackends) HealthFor(ctx context.Context, name string) storage.BackendHealth {
	return storage.BackendHealth{Name: name, Healthy: m.healthy}
}

type mockStats struct{ stats router.Stats }

func (m *mockStats) Stats() router.Stats { return m.stats }

func newTestServer(rt *mockRouter) *Server {
	return NewServer(Deps{
		Router:      rt,
		MaxInFlight: 4,
		Logger:      testLogger(),
	})
}

func postJSON(t *testing.T, s *Server, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("decoding response %q: %v", w.Body.String(), err)
	}
}

// =============================================================================
// SINGLE READING
// =============================================================================

func TestIngestReadingAccepted(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{
		Class:     types.Classification{Class: types.ClassNormal},
		Persisted: true,
		Published: true,
	}}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/readings",
		`{"sensor_id": 42, "value": 21.5, "timestamp": "2026-03-14T09:26:53Z"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "accepted" || resp["persisted"] != true {
		t.Errorf("resp = %v", resp)
	}
	if resp["inserted"] != float64(1) {
		t.Errorf("inserted = %v, want 1", resp["inserted"])
	}

	p := rt.last()
	if p.SeriesID != "42" || p.SensorID != 42 || p.Domain != types.DomainIoT || p.Transport != "http" {
		t.Errorf("point = %+v", p)
	}
}

func TestIngestReadingEpochTimestamp(t *testing.T) {
	rt := &mockRouter{}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/readings",
		`{"sensor_id": 42, "value": 21.5, "timestamp": 1700000000.5}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if rt.last().Timestamp.Unix() != 1700000000 {
		t.Errorf("timestamp = %s", rt.last().Timestamp)
	}
}

func TestIngestReadingValidation(t *testing.T) {
	s := newTestServer(&mockRouter{})

	for name, body := range map[string]string{
		"bad json":       `{`,
		"zero sensor id": `{"sensor_id": 0, "value": 1}`,
		"bad timestamp":  `{"sensor_id": 42, "value": 1, "timestamp": "yesterday"}`,
	} {
		w := postJSON(t, s, "/ingest/readings", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", name, w.Code)
		}
	}
}

func TestIngestReadingErrorMapping(t *testing.T) {
	tests := []struct {
		kind types.ErrKind
		want int
	}{
		{types.KindInvalidInput, http.StatusBadRequest},
		{types.KindThrottled, http.StatusTooManyRequests},
		{types.KindUnavailable, http.StatusServiceUnavailable},
		{types.KindInternal, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rt := &mockRouter{err: types.E(tt.kind, "r", nil)}
		s := newTestServer(rt)
		w := postJSON(t, s, "/ingest/readings", `{"sensor_id": 42, "value": 1}`)
		if w.Code != tt.want {
			t.Errorf("kind %s: status %d, want %d", tt.kind, w.Code, tt.want)
		}
	}
}

func TestIngestReadingDuplicate(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{Duplicate: true}}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/readings", `{"sensor_id": 42, "value": 1}`)
	if w.Code != http.StatusOK {
		t.Fatalf("duplicate must answer 200, got %d", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "duplicate" {
		t.Errorf("resp = %v", resp)
	}
}

// =============================================================================
// BULK
// =============================================================================

func TestBulkPartialSuccess(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{Class: types.Classification{Class: types.ClassNormal}}}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/readings/bulk",
		`{"readings": [{"sensor_id": 42, "value": 1}, {"sensor_id": 0, "value": 2}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("partial success must answer 200, got %d", w.Code)
	}
	var resp batchResponse
	decode(t, w, &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Errorf("resp = %+v", resp)
	}
	if len(resp.Results) != 2 || resp.Results[1].Status != "rejected" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestBulkAllRejected(t *testing.T) {
	s := newTestServer(&mockRouter{})
	w := postJSON(t, s, "/ingest/readings/bulk",
		`{"readings": [{"sensor_id": 0, "value": 1}, {"sensor_id": -1, "value": 2}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("all-rejected batch: status %d, want 400", w.Code)
	}
}

func TestBulkEmpty(t *testing.T) {
	s := newTestServer(&mockRouter{})
	w := postJSON(t, s, "/ingest/readings/bulk", `{"readings": []}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("empty batch: status %d, want 400", w.Code)
	}
}

// =============================================================================
// PACKETS
// =============================================================================

func TestIngestPacket(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{
		Class:     types.Classification{Class: types.ClassNormal},
		Persisted: true,
	}}
	s := NewServer(Deps{
		Router:      rt,
		Resolver:    &mockResolver{ids: map[string]int64{"su-1": 7}},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := postJSON(t, s, "/ingest/packets", `{
		"device_uuid": "du-1",
		"readings": [
			{"sensor_uuid": "su-1", "value": 21.5},
			{"sensor_uuid": "su-unknown", "value": 3.3}
		]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp packetResponse
	decode(t, w, &resp)
	if resp.Inserted != 1 || resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Results[1].Error != "unknown sensor" {
		t.Errorf("results = %+v", resp.Results)
	}
	if len(resp.UnknownSensors) != 1 || resp.UnknownSensors[0] != "su-unknown" {
		t.Errorf("unknown_sensors = %v", resp.UnknownSensors)
	}

	p := rt.last()
	if p.SensorID != 7 || p.SourceID != "du-1" {
		t.Errorf("point = %+v", p)
	}
}

func TestIngestPacketEmptyUnknownSensors(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{Persisted: true}}
	s := NewServer(Deps{
		Router:      rt,
		Resolver:    &mockResolver{ids: map[string]int64{"su-1": 7}},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := postJSON(t, s, "/ingest/packets",
		`{"device_uuid": "du-1", "readings": [{"sensor_uuid": "su-1", "value": 1}]}`)
	var raw map[string]json.RawMessage
	decode(t, w, &raw)
	if string(raw["unknown_sensors"]) != "[]" {
		t.Errorf("unknown_sensors = %s, want []", raw["unknown_sensors"])
	}
}

func TestIngestPacketAuthRejected(t *testing.T) {
	s := NewServer(Deps{
		Router:      &mockRouter{},
		Resolver:    &mockResolver{ids: map[string]int64{"su-1": 7}},
		Verifier:    &mockVerifier{err: fmt.Errorf("invalid key")},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := postJSON(t, s, "/ingest/packets",
		`{"device_uuid": "du-1", "api_key": "bad", "readings": [{"sensor_uuid": "su-1", "value": 1}]}`)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("status %d, want 401", w.Code)
	}
}

func TestIngestPacketDeviceKeyHeader(t *testing.T) {
	verifier := &mockVerifier{}
	s := NewServer(Deps{
		Router:      &mockRouter{out: types.RouteOutcome{Persisted: true}},
		Resolver:    &mockResolver{ids: map[string]int64{"su-1": 7}},
		Verifier:    verifier,
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	req := httptest.NewRequest(http.MethodPost, "/ingest/packets",
		strings.NewReader(`{"device_uuid": "du-1", "readings": [{"sensor_uuid": "su-1", "value": 1}]}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Device-Key", "k-header")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if verifier.lastKey != "k-header" {
		t.Errorf("verified key = %q, want the X-Device-Key header", verifier.lastKey)
	}
}

// =============================================================================
// GENERIC DATA
// =============================================================================

func TestIngestData(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{
		Class:     types.Classification{Class: types.ClassNormal},
		Persisted: true,
	}}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/data", `{
		"domain": "finance", "source_id": "NYSE",
		"data_points": [
			{"stream_id": "AAPL", "value": 187.2, "timestamp": 1700000000, "metadata": {"exchange": "NYSE"}},
			{"stream_id": "MSFT", "value": 402.1, "timestamp": 1700000000}
		]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var resp dataResponse
	decode(t, w, &resp)
	if resp.Inserted != 2 || resp.Accepted != 2 || resp.Rejected != 0 {
		t.Fatalf("resp = %+v", resp)
	}
	if len(resp.Results) != 2 {
		t.Fatalf("results = %+v", resp.Results)
	}
	if resp.Results[0].Class != string(types.ClassNormal) || resp.Results[0].StreamID != "AAPL" {
		t.Errorf("first result = %+v", resp.Results[0])
	}

	p := rt.last()
	if p.SeriesID != "finance/NYSE/MSFT" || p.Domain != types.DomainFinance {
		t.Errorf("point = %+v", p)
	}
}

func TestIngestDataPerPointResults(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{
		Class:     types.Classification{Class: types.ClassNormal},
		Persisted: true,
	}}
	s := newTestServer(rt)

	w := postJSON(t, s, "/ingest/data", `{
		"domain": "finance", "source_id": "NYSE",
		"data_points": [
			{"stream_id": "AAPL", "value": 187.2, "timestamp": 1700000000},
			{"value": 1, "timestamp": 1700000000}
		]
	}`)
	if w.Code != http.StatusOK {
		t.Fatalf("partial success must answer 200, got %d", w.Code)
	}
	var resp dataResponse
	decode(t, w, &resp)
	if resp.Accepted != 1 || resp.Rejected != 1 {
		t.Fatalf("resp = %+v", resp)
	}
	if resp.Results[1].Index != 1 || resp.Results[1].Status != "rejected" {
		t.Errorf("results = %+v", resp.Results)
	}
}

func TestIngestDataRejectsIoT(t *testing.T) {
	s := newTestServer(&mockRouter{})
	w := postJSON(t, s, "/ingest/data",
		`{"domain": "iot", "source_id": "plant", "data_points": [{"stream_id": "temp", "value": 1}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status %d, want 400", w.Code)
	}
}

func TestIngestDataValidation(t *testing.T) {
	s := newTestServer(&mockRouter{})
	for name, body := range map[string]string{
		"bad domain":     `{"domain": "weather", "source_id": "a", "data_points": [{"stream_id": "b", "value": 1}]}`,
		"missing source": `{"domain": "finance", "data_points": [{"stream_id": "b", "value": 1}]}`,
		"empty batch":    `{"domain": "finance", "source_id": "a", "data_points": []}`,
		"missing stream": `{"domain": "finance", "source_id": "a", "data_points": [{"value": 1}]}`,
	} {
		w := postJSON(t, s, "/ingest/data", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", name, w.Code)
		}
	}
}

// =============================================================================
// BACKPRESSURE
// =============================================================================

func TestInFlightLimit(t *testing.T) {
	rt := &mockRouter{block: make(chan struct{})}
	s := NewServer(Deps{Router: rt, MaxInFlight: 1, Logger: testLogger()})

	release := rt.block
	done := make(chan int, 1)
	go func() {
		w := postJSON(t, s, "/ingest/readings", `{"sensor_id": 42, "value": 1}`)
		done <- w.Code
	}()

	// Wait for the first request to occupy the only slot.
	deadline := time.Now().Add(2 * time.Second)
	for len(s.sem) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("first request never started")
		}
		time.Sleep(time.Millisecond)
	}

	w := postJSON(t, s, "/ingest/readings", `{"sensor_id": 43, "value": 1}`)
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("second request: status %d, want 429", w.Code)
	}

	close(release)
	if code := <-done; code != http.StatusOK {
		t.Errorf("first request: status %d, want 200", code)
	}
}

// =============================================================================
// OPERATIONS
// =============================================================================

func TestHealth(t *testing.T) {
	s := NewServer(Deps{
		Router:      &mockRouter{},
		Backends:    &mockBackends{healthy: true},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "ok" {
		t.Errorf("resp = %v", resp)
	}
}

func TestHealthDegraded(t *testing.T) {
	s := NewServer(Deps{
		Router:      &mockRouter{},
		Backends:    &mockBackends{healthy: false},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	var resp map[string]any
	decode(t, w, &resp)
	if resp["status"] != "degraded" {
		t.Errorf("resp = %v, want degraded", resp)
	}
}

func TestBackendHealthEndpoint(t *testing.T) {
	s := NewServer(Deps{
		Router:      &mockRouter{},
		Backends:    &mockBackends{healthy: false},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health/legacy", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("unhealthy backend: status %d, want 503", w.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	s := NewServer(Deps{
		Router:      &mockRouter{},
		RouterSts:   &mockStats{stats: router.Stats{Processed: 12, Duplicates: 3}},
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	w := httptest.NewRecorder()
	s.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ingest/stats", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var got router.Stats
	decode(t, w, &got)
	if got.Processed != 12 || got.Duplicates != 3 {
		t.Errorf("stats = %+v", got)
	}
}

func TestCSVUploadWithMapping(t *testing.T) {
	rt := &mockRouter{out: types.RouteOutcome{Persisted: true}}
	manager := csvupload.NewManager(rt, 500, testLogger())
	s := NewServer(Deps{
		Router:      rt,
		CSV:         manager,
		MaxInFlight: 4,
		Logger:      testLogger(),
	})

	// Raw-body upload takes its mapping from the query string.
	body := "ts,hr,spo2\n1700000000,72,98\n1700000060,73,97\n"
	path := "/ingest/csv?filename=vitals.csv&domain=health&source_id=ward-3" +
		"&timestamp_column=ts&value_columns[]=hr&value_columns[]=spo2"
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "text/csv")
	w := httptest.NewRecorder()
	s.ServeHTTP(w, req)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}

	var submitted map[string]any
	decode(t, w, &submitted)
	jobID, _ := submitted["job_id"].(string)
	if jobID == "" || submitted["status"] == "" {
		t.Fatalf("submit response = %v", submitted)
	}

	manager.Wait()

	jw := httptest.NewRecorder()
	s.ServeHTTP(jw, httptest.NewRequest(http.MethodGet, "/ingest/csv/jobs/"+jobID, nil))
	if jw.Code != http.StatusOK {
		t.Fatalf("job status %d: %s", jw.Code, jw.Body.String())
	}
	var job map[string]any
	decode(t, jw, &job)
	if job["status"] != "completed" {
		t.Fatalf("job = %v", job)
	}
	if job["rows"] != float64(2) || job["processed_rows"] != float64(2) ||
		job["inserted_rows"] != float64(2) || job["rejected_rows"] != float64(0) {
		t.Errorf("job counts = %v", job)
	}

	p := rt.last()
	if p.Domain != types.DomainHealth || p.SourceID != "ward-3" {
		t.Errorf("point = %+v", p)
	}
}

func TestCSVDisabled(t *testing.T) {
	s := newTestServer(&mockRouter{})
	w := postJSON(t, s, "/ingest/csv", "sensor_id,value,timestamp\n")
	if w.Code != http.StatusNotImplemented {
		t.Errorf("status %d, want 501", w.Code)
	}
}
