// Package mqtt implements the MQTT ingestion adapter.
//
// # Topics
//
//	iot/sensors/{sensor_id}/readings     legacy numeric-id readings
//	{domain}/{source_id}/{stream_id}/data  generic domain points
//
// Messages are decoded on the broker callback goroutine and pushed onto a
// bounded queue; a fixed worker pool drains the queue into the router. A
// full queue drops the message with a warning rather than blocking the
// MQTT client; sensors retransmit, and dedup absorbs the overlap.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"

	"github.com/edgeflow/ingestd/internal/transport"
	"github.com/edgeflow/ingestd/pkg/types"
)

// Options configures the MQTT adapter.
type Options struct {
	BrokerURL string
	ClientID  string
	Username  string
	Password  string

	// QueueCapacity bounds the decode-to-route queue.
	QueueCapacity int
	// Workers is the number of goroutines draining the queue.
	Workers int
	// SubscribeGeneric also subscribes the generic {domain}/{source}/
	// {stream}/data topic; the legacy readings topic is always subscribed.
	SubscribeGeneric bool
}

// Stats is a snapshot of adapter counters.
type Stats struct {
	Received int64 `json:"received"`
	Dropped  int64 `json:"dropped"`
	BadTopic int64 `json:"bad_topic"`
	BadBody  int64 `json:"bad_payload"`
}

// Adapter is the MQTT ingestion transport.
type Adapter struct {
	opts   Options
	router transport.PointRouter
	logger *slog.Logger

	client paho.Client
	queue  chan *types.DataPoint
	stopCh chan struct{}
	wg     sync.WaitGroup

	received atomic.Int64
	dropped  atomic.Int64
	badTopic atomic.Int64
	badBody  atomic.Int64
}

// New creates the adapter. The broker connection happens in Start.
func New(opts Options, router transport.PointRouter, logger *slog.Logger) *Adapter {
	return &Adapter{
		opts:   opts,
		router: router,
		logger: logger.With("component", "mqtt"),
		queue:  make(chan *types.DataPoint, opts.QueueCapacity),
		stopCh: make(chan struct{}),
	}
}

// Name implements transport.Transport.
func (a *Adapter) Name() string { return "mqtt" }

// Start connects to the broker, subscribes, and launches the worker pool.
func (a *Adapter) Start(ctx context.Context) error {
	clientOpts := paho.NewClientOptions().
		AddBroker(a.opts.BrokerURL).
		SetClientID(a.opts.ClientID).
		SetUsername(a.opts.Username).
		SetPassword(a.opts.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetOrderMatters(false).
		SetOnConnectHandler(a.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			a.logger.Warn("broker connection lost", "error", err)
		})

	a.client = paho.NewClient(clientOpts)
	token := a.client.Connect()
	if !token.WaitTimeout(30 * time.Second) {
		return fmt.Errorf("broker connect timed out: %s", a.opts.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("broker connect: %w", err)
	}

	for i := 0; i < a.opts.Workers; i++ {
		a.wg.Add(1)
		go a.worker()
	}

	a.logger.Info("mqtt adapter started",
		"broker", a.opts.BrokerURL, "workers", a.opts.Workers,
		"queue_capacity", a.opts.QueueCapacity)
	return nil
}

// Stop unsubscribes, drains the queue, and disconnects.
func (a *Adapter) Stop() {
	if a.client != nil && a.client.IsConnected() {
		topics := make([]string, 0, 2)
		for topic := range a.subscriptions() {
			topics = append(topics, topic)
		}
		a.client.Unsubscribe(topics...)
	}
	close(a.stopCh)
	a.wg.Wait()
	if a.client != nil {
		a.client.Disconnect(250)
	}
	a.logger.Info("mqtt adapter stopped", "stats", a.Stats())
}

// Stats returns a snapshot of adapter counters.
func (a *Adapter) Stats() Stats {
	return Stats{
		Received: a.received.Load(),
		Dropped:  a.dropped.Load(),
		BadTopic: a.badTopic.Load(),
		BadBody:  a.badBody.Load(),
	}
}

// subscriptions returns the topic filters this adapter consumes.
func (a *Adapter) subscriptions() map[string]byte {
	subs := map[string]byte{
		"iot/sensors/+/readings": 1,
	}
	if a.opts.SubscribeGeneric {
		subs["+/+/+/data"] = 1
	}
	return subs
}

// onConnect re-subscribes on every (re)connection; subscriptions do not
// survive a clean-session reconnect.
func (a *Adapter) onConnect(client paho.Client) {
	subs := a.subscriptions()
	token := client.SubscribeMultiple(subs, a.onMessage)
	go func() {
		token.Wait()
		if err := token.Error(); err != nil {
			a.logger.Error("subscribe failed", "error", err)
			return
		}
		a.logger.Info("subscribed", "topics", len(subs))
	}()
}

// onMessage decodes and enqueues. It runs on the paho callback goroutine
// and must never block.
func (a *Adapter) onMessage(_ paho.Client, msg paho.Message) {
	a.received.Add(1)

	p, err := a.parse(msg.Topic(), msg.Payload())
	if err != nil {
		a.logger.Warn("message dropped", "topic", msg.Topic(), "error", err)
		return
	}

	select {
	case a.queue <- p:
	default:
		a.dropped.Add(1)
		a.logger.Warn("queue full, dropping message",
			"topic", msg.Topic(), "series_id", p.SeriesID)
	}
}

func (a *Adapter) worker() {
	defer a.wg.Done()
	for {
		select {
		case p := <-a.queue:
			a.route(p)
		case <-a.stopCh:
			// Drain what is already queued before exiting.
			for {
				select {
				case p := <-a.queue:
					a.route(p)
				default:
					return
				}
			}
		}
	}
}

func (a *Adapter) route(p *types.DataPoint) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := a.router.Route(ctx, p); err != nil {
		// The router already dead-lettered what it could; this is telemetry.
		a.logger.Debug("point not ingested",
			"series_id", p.SeriesID, "reason", types.ReasonOf(err))
	}
}

// =============================================================================
// PARSING
// =============================================================================

type wirePayload struct {
	Value     *float64           `json:"value"`
	Timestamp transport.FlexTime `json:"timestamp"`
	MsgID     string             `json:"msg_id,omitempty"`
	Sequence  int64              `json:"sequence,omitempty"`
	Metadata  map[string]string  `json:"metadata,omitempty"`
}

// parse maps a topic+payload pair onto a DataPoint.
func (a *Adapter) parse(topic string, payload []byte) (*types.DataPoint, error) {
	var body wirePayload
	if err := json.Unmarshal(payload, &body); err != nil {
		a.badBody.Add(1)
		return nil, fmt.Errorf("bad payload: %w", err)
	}
	if body.Value == nil {
		a.badBody.Add(1)
		return nil, fmt.Errorf("payload missing value")
	}
	if body.Timestamp.IsZero() {
		// The producer clock is the data's clock; a missing timestamp is
		// invalid.
		a.badBody.Add(1)
		return nil, fmt.Errorf("payload missing timestamp")
	}
	ts := body.Timestamp.UTC()

	parts := strings.Split(topic, "/")

	// iot/sensors/{id}/readings
	if len(parts) == 4 && parts[0] == "iot" && parts[1] == "sensors" && parts[3] == "readings" {
		sensorID, err := strconv.ParseInt(parts[2], 10, 64)
		if err != nil || sensorID <= 0 {
			a.badTopic.Add(1)
			return nil, fmt.Errorf("bad sensor id in topic %q", topic)
		}
		return &types.DataPoint{
			SeriesID:  types.LegacySeriesID(sensorID),
			SensorID:  sensorID,
			Domain:    types.DomainIoT,
			Value:     *body.Value,
			Timestamp: ts,
			MsgID:     body.MsgID,
			Sequence:  body.Sequence,
			Metadata:  body.Metadata,
			Transport: "mqtt",
		}, nil
	}

	// {domain}/{source}/{stream}/data
	if len(parts) == 4 && parts[3] == "data" {
		domain := types.Domain(parts[0])
		if !domain.Valid() || domain == types.DomainIoT {
			a.badTopic.Add(1)
			return nil, fmt.Errorf("bad domain in topic %q", topic)
		}
		if parts[1] == "" || parts[2] == "" {
			a.badTopic.Add(1)
			return nil, fmt.Errorf("empty source or stream in topic %q", topic)
		}
		return &types.DataPoint{
			SeriesID:  types.SeriesIDFor(domain, parts[1], parts[2]),
			Domain:    domain,
			SourceID:  parts[1],
			StreamID:  parts[2],
			Value:     *body.Value,
			Timestamp: ts,
			MsgID:     body.MsgID,
			Sequence:  body.Sequence,
			Metadata:  body.Metadata,
			Transport: "mqtt",
		}, nil
	}

	a.badTopic.Add(1)
	return nil, fmt.Errorf("unroutable topic %q", topic)
}
