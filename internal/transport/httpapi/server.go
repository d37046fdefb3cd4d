// Package httpapi provides the HTTP ingestion and operations API.
//
// # Endpoints
//
// Ingestion:
//   - POST /ingest/packets - Legacy IoT device packet (uuid-addressed readings)
//   - POST /ingest/readings - Single legacy reading (numeric sensor id)
//   - POST /ingest/readings/bulk - Batch of legacy readings
//   - POST /ingest/data - Generic domain data-point batch
//   - POST /ingest/csv - Asynchronous CSV batch upload
//   - GET  /ingest/csv/jobs/{id} - Upload job progress
//
// Operations:
//   - GET /health - Gateway and backend health
//   - GET /health/{backend} - Single backend health
//   - GET /resilience/health - Dedup, DLQ, breaker, and bus status
//   - GET /ingest/stats - Router counters
//   - GET /metrics - Prometheus exposition
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/edgeflow/ingestd/internal/bus"
	"github.com/edgeflow/ingestd/internal/dedup"
	"github.com/edgeflow/ingestd/internal/dlq"
	"github.com/edgeflow/ingestd/internal/metrics"
	"github.com/edgeflow/ingestd/internal/resilience"
	"github.com/edgeflow/ingestd/internal/router"
	"github.com/edgeflow/ingestd/internal/storage"
	"github.com/edgeflow/ingestd/internal/transport"
	"github.com/edgeflow/ingestd/internal/transport/csvupload"
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

// BackendHealth exposes storage backend probes to the health endpoints.
type BackendHealth interface {
	Health(ctx context.Context) []storage.BackendHealth
	HealthFor(ctx context.Context, name string) storage.BackendHealth
}

// StatsSource exposes the router counters to /ingest/stats.
type StatsSource interface {
	Stats() router.Stats
}

// BusStats exposes prediction bus counters.
type BusStats interface {
	Stats() bus.Stats
}

// Deps collects the server's collaborators. Optional fields may be nil;
// the endpoints that need them degrade gracefully.
type Deps struct {
	Router   transport.PointRouter
	Resolver SensorResolver
	Verifier KeyVerifier
	CSV      *csvupload.Manager

	Backends  BackendHealth
	RouterSts StatsSource
	Dedup     *dedup.Deduplicator
	DLQ       *dlq.Queue
	Breakers  []*resilience.Breaker
	Bus       BusStats

	Metrics *metrics.Metrics
	Host    *metrics.HealthCollector

	MaxInFlight int
	Logger      *slog.Logger
}

// Server is the HTTP API server.
type Server struct {
	deps   Deps
	mux    *http.ServeMux
	sem    chan struct{}
	logger *slog.Logger

	httpServer *http.Server
}

// NewServer creates the API server and registers routes.
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		sem:    make(chan struct{}, deps.MaxInFlight),
		logger: deps.Logger.With("component", "http_api"),
	}
	s.registerRoutes()
	return s
}

// Mux returns the underlying ServeMux for registering additional routes
// (the WebSocket endpoint mounts here).
func (s *Server) Mux() *http.ServeMux {
	return s.mux
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	s.logger.Debug("request",
		"method", r.Method,
		"path", r.URL.Path,
		"duration", time.Since(start))
}

// Name implements transport.Transport.
func (s *Server) Name() string { return "http" }

// Start begins serving on the given address.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.httpServer = &http.Server{
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("http api listening", "addr", addr)
	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	// Ingestion endpoints sit behind the in-flight limiter.
	s.mux.HandleFunc("POST /ingest/packets", s.limited(s.handleIngestPacket))
	s.mux.HandleFunc("POST /ingest/readings", s.limited(s.handleIngestReading))
	s.mux.HandleFunc("POST /ingest/readings/bulk", s.limited(s.handleIngestReadingsBulk))
	s.mux.HandleFunc("POST /ingest/data", s.limited(s.handleIngestData))
	s.mux.HandleFunc("POST /ingest/csv", s.handleCSVUpload)
	s.mux.HandleFunc("GET /ingest/csv/jobs/{id}", s.handleCSVJob)

	// Operations
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/{backend}", s.handleBackendHealth)
	s.mux.HandleFunc("GET /resilience/health", s.handleResilienceHealth)
	s.mux.HandleFunc("GET /ingest/stats", s.handleStats)

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", promhttp.HandlerFor(
			s.deps.Metrics.Registry(), promhttp.HandlerOpts{}))
	}
}

// limited applies the bounded-concurrency policy: rather than queueing
// unboundedly, excess requests are refused with 429 so producers back off.
func (s *Server) limited(h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case s.sem <- struct{}{}:
			defer func() { <-s.sem }()
			h(w, r)
		default:
			s.writeError(w, http.StatusTooManyRequests, "too many in-flight requests")
		}
	}
}

// =============================================================================
// HELPERS
// =============================================================================

func (s *Server) readJSON(r *http.Request, v any) error {
	return json.NewDecoder(r.Body).Decode(v)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// statusFor maps the gateway error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch types.KindOf(err) {
	case types.KindInvalidInput:
		return http.StatusBadRequest
	case types.KindDuplicate:
		return http.StatusOK
	case types.KindThrottled:
		return http.StatusTooManyRequests
	case types.KindUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
