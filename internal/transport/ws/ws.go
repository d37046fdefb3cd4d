// Package ws implements the WebSocket ingestion endpoint.
//
// # Protocol
//
// The client opens a session with a connect frame, then streams data
// frames; every data frame is answered with an ack carrying the same id
// and the running count of points processed so far:
//
//	-> {"type": "connect", "source_id": "...", "domain": "...", "api_key": "..."}
//	<- {"type": "connected", "session_id": "..."}
//	-> {"type": "data", "id": "b-1", "batch": [...]}
//	<- {"type": "ack", "id": "b-1", "sequence_up_to": 2, "accepted": 2, ...}
//
// Legacy devices connect with device_uuid instead of source_id/domain and
// send uuid- or id-addressed points; generic points inherit the session's
// source and domain when they omit their own.
//
// Each session tolerates a bounded number of unacknowledged data frames;
// a client that keeps pushing past the cap is closed with 1013 (try again
// later). Protocol violations close with 1008 (policy violation).
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/edgeflow/ingestd/internal/transport"
	"github.com/edgeflow/ingestd/pkg/types"
)

// SensorResolver maps uuid-addressed readings onto numeric sensor ids.
type SensorResolver interface {
	Resolve(ctx context.Context, deviceUUID, sensorUUID, transport string) (int64, error)
}

// KeyVerifier checks device credentials. Nil disables verification.
type KeyVerifier interface {
	Verify(ctx context.Context, deviceUUID, key string) error
}

// Options configures the WebSocket endpoint.
type Options struct {
	// MaxInFlight caps unacknowledged data frames per session.
	MaxInFlight int
	// WriteTimeout bounds each outbound frame write.
	WriteTimeout time.Duration
}

// Handler serves WebSocket ingestion sessions.
type Handler struct {
	opts     Options
	router   transport.PointRouter
	resolver SensorResolver
	verifier KeyVerifier
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu       sync.Mutex
	sessions map[string]*session
}

// NewHandler creates the endpoint handler.
func NewHandler(opts Options, router transport.PointRouter, resolver SensorResolver, verifier KeyVerifier, logger *slog.Logger) *Handler {
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	return &Handler{
		opts:     opts,
		router:   router,
		resolver: resolver,
		verifier: verifier,
		logger:   logger.With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		sessions: make(map[string]*session),
	}
}

// Register mounts the endpoint on the given mux. The legacy path stays
// mounted; deployed devices still dial it.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /ingest/stream", h.serve)
	mux.HandleFunc("GET /ws/ingest", h.serve)
}

// Close terminates every open session. Used during shutdown.
func (h *Handler) Close() {
	h.mu.Lock()
	open := make([]*session, 0, len(h.sessions))
	for _, s := range h.sessions {
		open = append(open, s)
	}
	h.mu.Unlock()

	for _, s := range open {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}
}

// =============================================================================
// WIRE FRAMES
// =============================================================================

type clientFrame struct {
	Type string `json:"type"`

	// connect
	DeviceUUID string `json:"device_uuid,omitempty"`
	SourceID   string `json:"source_id,omitempty"`
	Domain     string `json:"domain,omitempty"`
	APIKey     string `json:"api_key,omitempty"`

	// data; batch and points are aliases.
	ID     string      `json:"id,omitempty"`
	Batch  []wirePoint `json:"batch,omitempty"`
	Points []wirePoint `json:"points,omitempty"`
}

type wirePoint struct {
	// Legacy addressing: numeric id, or sensor uuid resolved against the
	// session's device.
	SensorID   int64  `json:"sensor_id,omitempty"`
	SensorUUID string `json:"sensor_uuid,omitempty"`

	// Generic addressing.
	Domain   string `json:"domain,omitempty"`
	SourceID string `json:"source_id,omitempty"`
	StreamID string `json:"stream_id,omitempty"`

	Value     float64           `json:"value"`
	Timestamp json.Number       `json:"timestamp"`
	MsgID     string            `json:"msg_id,omitempty"`
	Sequence  int64             `json:"sequence,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

type pointError struct {
	Index  int    `json:"index"`
	Reason string `json:"reason"`
}

type serverFrame struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`

	// SequenceUpTo is the cumulative count of points processed on this
	// session, acked frames included, so the client can trim its send
	// buffer.
	ID           string       `json:"id,omitempty"`
	SequenceUpTo int64        `json:"sequence_up_to,omitempty"`
	Accepted     int          `json:"accepted,omitempty"`
	Duplicates   int          `json:"duplicates,omitempty"`
	Rejected     int          `json:"rejected,omitempty"`
	Errors       []pointError `json:"errors,omitempty"`

	Error string `json:"error,omitempty"`
}

// =============================================================================
// SESSION
// =============================================================================

type session struct {
	id         string
	deviceUUID string
	sourceID   string
	domain     types.Domain
	conn       *websocket.Conn

	// seq counts points processed across the session's data frames.
	seq atomic.Int64

	// writeMu serializes frame writes; acks come from worker goroutines.
	writeMu sync.Mutex
	// inflight caps unacknowledged data frames.
	inflight chan struct{}
	wg       sync.WaitGroup

	closeOnce sync.Once
}

func (s *session) close(code int, reason string) {
	s.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(code, reason)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		s.writeMu.Unlock()
		s.conn.Close()
	})
}

func (h *Handler) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	sess := &session{
		id:       uuid.NewString(),
		conn:     conn,
		inflight: make(chan struct{}, h.opts.MaxInFlight),
	}

	h.mu.Lock()
	h.sessions[sess.id] = sess
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, sess.id)
		h.mu.Unlock()
		sess.wg.Wait()
		conn.Close()
	}()

	// The first frame must be connect.
	var hello clientFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Type != "connect" {
		sess.close(websocket.ClosePolicyViolation, "expected connect frame")
		return
	}
	if hello.Domain != "" {
		domain := types.Domain(hello.Domain)
		if !domain.Valid() || domain == types.DomainIoT {
			sess.close(websocket.ClosePolicyViolation,
				fmt.Sprintf("bad session domain %q", hello.Domain))
			return
		}
		sess.domain = domain
	}
	if h.verifier != nil {
		principal := hello.DeviceUUID
		if principal == "" {
			principal = hello.SourceID
		}
		if principal != "" {
			if err := h.verifier.Verify(r.Context(), principal, hello.APIKey); err != nil {
				sess.close(websocket.ClosePolicyViolation, "invalid credentials")
				return
			}
		}
	}
	sess.deviceUUID = hello.DeviceUUID
	sess.sourceID = hello.SourceID

	if err := h.write(sess, serverFrame{Type: "connected", SessionID: sess.id}); err != nil {
		return
	}
	h.logger.Info("session opened",
		"session_id", sess.id, "device_uuid", sess.deviceUUID,
		"source_id", sess.sourceID, "remote", r.RemoteAddr)

	for {
		var frame clientFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Warn("session read error", "session_id", sess.id, "error", err)
			}
			return
		}

		switch frame.Type {
		case "data":
			// Admit the frame against the in-flight cap without blocking
			// the read loop.
			select {
			case sess.inflight <- struct{}{}:
			default:
				sess.close(websocket.CloseTryAgainLater, "too many unacknowledged frames")
				return
			}
			sess.wg.Add(1)
			go func(f clientFrame) {
				defer sess.wg.Done()
				defer func() { <-sess.inflight }()
				h.handleData(sess, f)
			}(frame)
		case "ping":
			h.write(sess, serverFrame{Type: "pong", ID: frame.ID})
		default:
			sess.close(websocket.ClosePolicyViolation,
				fmt.Sprintf("unknown frame type %q", frame.Type))
			return
		}
	}
}

// handleData routes one data frame's points and acks the frame.
func (h *Handler) handleData(sess *session, frame clientFrame) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pts := frame.Batch
	if len(pts) == 0 {
		pts = frame.Points
	}

	ack := serverFrame{Type: "ack", ID: frame.ID}
	for i, wp := range pts {
		p, err := h.toPoint(ctx, sess, wp)
		if err != nil {
			ack.Rejected++
			ack.Errors = append(ack.Errors, pointError{Index: i, Reason: err.Error()})
			continue
		}
		out, err := h.router.Route(ctx, p)
		switch {
		case err != nil:
			ack.Rejected++
			ack.Errors = append(ack.Errors, pointError{Index: i, Reason: types.ReasonOf(err)})
		case out.Duplicate:
			ack.Duplicates++
		default:
			ack.Accepted++
		}
	}
	ack.SequenceUpTo = sess.seq.Add(int64(len(pts)))
	h.write(sess, ack)
}

// toPoint maps a wire point onto a DataPoint, resolving uuid addressing
// against the session's device.
func (h *Handler) toPoint(ctx context.Context, sess *session, wp wirePoint) (*types.DataPoint, error) {
	ts, err := parseEpoch(wp.Timestamp)
	if err != nil {
		return nil, err
	}

	sensorID := wp.SensorID
	if sensorID == 0 && wp.SensorUUID != "" {
		if sess.deviceUUID == "" {
			return nil, fmt.Errorf("sensor_uuid requires a device session")
		}
		if h.resolver == nil {
			return nil, fmt.Errorf("uuid addressing unavailable")
		}
		id, err := h.resolver.Resolve(ctx, sess.deviceUUID, wp.SensorUUID, "ws")
		if err != nil {
			return nil, fmt.Errorf("sensor lookup unavailable")
		}
		if id == 0 {
			return nil, fmt.Errorf("unknown sensor %s", wp.SensorUUID)
		}
		sensorID = id
	}

	if sensorID > 0 {
		return &types.DataPoint{
			SeriesID:  types.LegacySeriesID(sensorID),
			SensorID:  sensorID,
			Domain:    types.DomainIoT,
			SourceID:  sess.deviceUUID,
			Value:     wp.Value,
			Timestamp: ts,
			MsgID:     wp.MsgID,
			Sequence:  wp.Sequence,
			Metadata:  wp.Metadata,
			Transport: "ws",
		}, nil
	}

	// Points inherit the session's addressing when they omit their own.
	domain := types.Domain(wp.Domain)
	if wp.Domain == "" {
		domain = sess.domain
	}
	sourceID := wp.SourceID
	if sourceID == "" {
		sourceID = sess.sourceID
	}
	if !domain.Valid() {
		return nil, fmt.Errorf("unknown domain %q", wp.Domain)
	}
	if domain == types.DomainIoT {
		return nil, fmt.Errorf("iot points must carry sensor_id or sensor_uuid")
	}
	if sourceID == "" || wp.StreamID == "" {
		return nil, fmt.Errorf("source_id and stream_id are required")
	}
	return &types.DataPoint{
		SeriesID:  types.SeriesIDFor(domain, sourceID, wp.StreamID),
		Domain:    domain,
		SourceID:  sourceID,
		StreamID:  wp.StreamID,
		Value:     wp.Value,
		Timestamp: ts,
		MsgID:     wp.MsgID,
		Sequence:  wp.Sequence,
		Metadata:  wp.Metadata,
		Transport: "ws",
	}, nil
}

func (h *Handler) write(sess *session, frame serverFrame) error {
	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	sess.conn.SetWriteDeadline(time.Now().Add(h.opts.WriteTimeout))
	if err := sess.conn.WriteJSON(frame); err != nil {
		h.logger.Warn("write failed", "session_id", sess.id, "error", err)
		return err
	}
	return nil
}

// parseEpoch accepts integer or fractional unix seconds.
func parseEpoch(n json.Number) (time.Time, error) {
	if n == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	epoch, err := n.Float64()
	if err != nil {
		return time.Time{}, fmt.Errorf("bad timestamp %q", n)
	}
	sec := int64(epoch)
	nsec := int64((epoch - float64(sec)) * 1e9)
	return time.Unix(sec, nsec).UTC(), nil
}
