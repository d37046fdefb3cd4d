package mqtt

import (
	"context"
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

type mockRouter struct {
	mu     sync.Mutex
	points []types.DataPoint
}

func (m *mockRouter) Route(ctx context.Context, p *types.DataPoint) (types.RouteOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.points = append(m.points, *p)
	return types.RouteOutcome{Persisted: true}, nil
}

func newTestAdapter() *Adapter {
	return New(Options{QueueCapacity: 16, Workers: 1}, &mockRouter{}, testLogger())
}

func TestParseLegacyTopic(t *testing.T) {
	a := newTestAdapter()

	p, err := a.parse("iot/sensors/42/readings",
		[]byte(`{"value": 21.5, "timestamp": 1700000000.25, "msg_id": "m-1", "sequence": 9}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.SeriesID != "42" || p.SensorID != 42 || p.Domain != types.DomainIoT {
		t.Errorf("point = %+v", p)
	}
	if p.Value != 21.5 || p.MsgID != "m-1" || p.Sequence != 9 {
		t.Errorf("payload fields = %+v", p)
	}
	if p.Transport != "mqtt" {
		t.Errorf("transport = %s", p.Transport)
	}
	want := time.Unix(1700000000, 250000000).UTC()
	if !p.Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", p.Timestamp, want)
	}
}

func TestParseGenericTopic(t *testing.T) {
	a := newTestAdapter()

	p, err := a.parse("finance/NYSE/AAPL/data",
		[]byte(`{"value": 187.2, "timestamp": 1700000000, "metadata": {"exchange": "NYSE"}}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.SeriesID != "finance/NYSE/AAPL" || p.Domain != types.DomainFinance {
		t.Errorf("point = %+v", p)
	}
	if p.SourceID != "NYSE" || p.StreamID != "AAPL" {
		t.Errorf("source/stream = %s/%s", p.SourceID, p.StreamID)
	}
	if p.Metadata["exchange"] != "NYSE" {
		t.Error("metadata dropped")
	}
}

func TestParseISOTimestamp(t *testing.T) {
	a := newTestAdapter()

	p, err := a.parse("iot/sensors/42/readings",
		[]byte(`{"value": 21.5, "timestamp": "2026-08-25T10:00:00Z"}`))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 8, 25, 10, 0, 0, 0, time.UTC)
	if !p.Timestamp.Equal(want) {
		t.Errorf("timestamp = %s, want %s", p.Timestamp, want)
	}
}

func TestSubscriptionsGatedOnGenericFlag(t *testing.T) {
	legacyOnly := New(Options{QueueCapacity: 1}, &mockRouter{}, testLogger())
	subs := legacyOnly.subscriptions()
	if len(subs) != 1 {
		t.Fatalf("subscriptions = %v, want legacy topic only", subs)
	}
	if _, ok := subs["iot/sensors/+/readings"]; !ok {
		t.Errorf("legacy topic missing: %v", subs)
	}

	both := New(Options{QueueCapacity: 1, SubscribeGeneric: true}, &mockRouter{}, testLogger())
	subs = both.subscriptions()
	if len(subs) != 2 {
		t.Fatalf("subscriptions = %v, want legacy and generic topics", subs)
	}
	if _, ok := subs["+/+/+/data"]; !ok {
		t.Errorf("generic topic missing: %v", subs)
	}
}

func TestParseBadTopics(t *testing.T) {
	payload := []byte(`{"value": 1, "timestamp": 1700000000}`)
	topics := []string{
		"iot/sensors/abc/readings", // non-numeric id
		"iot/sensors/0/readings",   // non-positive id
		"iot/sensors/-3/readings",
		"iot/NYSE/AAPL/data",   // iot must use the legacy shape
		"weather/a/b/data",     // unknown domain
		"finance/NYSE/AAPL",    // wrong depth
		"finance/NYSE/data",    // wrong depth
		"some/other/topic/set", // wrong suffix
	}
	for _, topic := range topics {
		a := newTestAdapter()
		if _, err := a.parse(topic, payload); err == nil {
			t.Errorf("topic %q parsed", topic)
		}
		if a.Stats().BadTopic != 1 {
			t.Errorf("topic %q: bad_topic = %d, want 1", topic, a.Stats().BadTopic)
		}
	}
}

func TestParseBadPayloads(t *testing.T) {
	payloads := map[string]string{
		"not json":          `{`,
		"missing value":     `{"timestamp": 1700000000}`,
		"missing timestamp": `{"value": 1}`,
		"string timestamp":  `{"value": 1, "timestamp": "yesterday"}`,
	}
	for name, payload := range payloads {
		a := newTestAdapter()
		if _, err := a.parse("iot/sensors/42/readings", []byte(payload)); err == nil {
			t.Errorf("%s: parsed", name)
		}
		if a.Stats().BadBody != 1 {
			t.Errorf("%s: bad_payload = %d, want 1", name, a.Stats().BadBody)
		}
	}
}

func TestParseZeroValueAccepted(t *testing.T) {
	// An explicit zero is a real measurement; only an absent value is
	// rejected.
	a := newTestAdapter()
	p, err := a.parse("iot/sensors/42/readings", []byte(`{"value": 0, "timestamp": 1700000000}`))
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != 0 {
		t.Errorf("value = %v", p.Value)
	}
}

func TestWorkerDrainsQueue(t *testing.T) {
	router := &mockRouter{}
	a := New(Options{QueueCapacity: 16, Workers: 1}, router, testLogger())

	for i := 0; i < 3; i++ {
		p, err := a.parse("iot/sensors/42/readings", []byte(`{"value": 1, "timestamp": 1700000000}`))
		if err != nil {
			t.Fatal(err)
		}
		a.queue <- p
	}

	a.wg.Add(1)
	go a.worker()
	close(a.stopCh)
	a.wg.Wait()

	router.mu.Lock()
	defer router.mu.Unlock()
	if len(router.points) != 3 {
		t.Errorf("routed = %d, want 3 (queue drained on stop)", len(router.points))
	}
}

func TestQueueOverflowDrops(t *testing.T) {
	a := New(Options{QueueCapacity: 1, Workers: 0}, &mockRouter{}, testLogger())
	payload := []byte(`{"value": 1, "timestamp": 1700000000}`)

	a.onMessage(nil, fakeMessage{topic: "iot/sensors/42/readings", payload: payload})
	a.onMessage(nil, fakeMessage{topic: "iot/sensors/42/readings", payload: payload})

	stats := a.Stats()
	if stats.Received != 2 || stats.Dropped != 1 {
		t.Errorf("stats = %+v, want received 2 / dropped 1", stats)
	}
}

// fakeMessage implements the paho.Message surface onMessage touches.
type fakeMessage struct {
	topic   string
	payload []byte
}

func (m fakeMessage) Duplicate() bool   { return false }
func (m fakeMessage) Qos() byte         { return 1 }
func (m fakeMessage) Retained() bool    { return false }
func (m fakeMessage) Topic() string     { return m.topic }
func (m fakeMessage) MessageID() uint16 { return 0 }
func (m fakeMessage) Payload() []byte   { return m.payload }
func (m fakeMessage) Ack()              {}
