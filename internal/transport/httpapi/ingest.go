package httpapi

import (
	"fmt"
	"io"
	"net/http"

	"github.com/edgeflow/ingestd/internal/transport"
	"github.com/edgeflow/ingestd/internal/transport/csvupload"
	"github.com/edgeflow/ingestd/pkg/types"
)

// =============================================================================
// LEGACY IOT: PACKETS
// =============================================================================

type packetReading struct {
	SensorUUID string             `json:"sensor_uuid"`
	Value      float64            `json:"value"`
	Timestamp  transport.FlexTime `json:"timestamp"`
	MsgID      string             `json:"msg_id,omitempty"`
}

type packetRequest struct {
	DeviceUUID string          `json:"device_uuid"`
	APIKey     string          `json:"api_key,omitempty"`
	Readings   []packetReading `json:"readings"`
}

type readingResult struct {
	SensorUUID string `json:"sensor_uuid,omitempty"`
	SensorID   int64  `json:"sensor_id,omitempty"`
	Status     string `json:"status"`
	Class      string `json:"classification,omitempty"`
	Error      string `json:"error,omitempty"`
}

type batchResponse struct {
	Inserted   int             `json:"inserted"`
	Accepted   int             `json:"accepted"`
	Duplicates int             `json:"duplicates"`
	Rejected   int             `json:"rejected"`
	Results    []readingResult `json:"results"`
}

// packetResponse extends the batch shape with the sensor uuids the device
// sent that the gateway does not know, so the device can stop sending them.
type packetResponse struct {
	batchResponse
	UnknownSensors []string `json:"unknown_sensors"`
}

// handleIngestPacket accepts a device packet: several uuid-addressed
// readings from one device. Each reading succeeds or fails independently;
// the packet never fails as a unit.
func (s *Server) handleIngestPacket(w http.ResponseWriter, r *http.Request) {
	var req packetRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if req.DeviceUUID == "" {
		s.writeError(w, http.StatusBadRequest, "device_uuid is required")
		return
	}
	if len(req.Readings) == 0 {
		s.writeError(w, http.StatusBadRequest, "readings must not be empty")
		return
	}

	if s.deps.Verifier != nil {
		key := req.APIKey
		if key == "" {
			key = r.Header.Get("X-Device-Key")
		}
		if key == "" {
			key = r.Header.Get("X-API-Key")
		}
		if err := s.deps.Verifier.Verify(r.Context(), req.DeviceUUID, key); err != nil {
			s.writeError(w, http.StatusUnauthorized, "invalid device credentials")
			return
		}
	}

	resp := packetResponse{
		batchResponse:  batchResponse{Results: make([]readingResult, 0, len(req.Readings))},
		UnknownSensors: make([]string, 0),
	}
	for _, reading := range req.Readings {
		res := readingResult{SensorUUID: reading.SensorUUID}

		sensorID, err := s.deps.Resolver.Resolve(r.Context(), req.DeviceUUID, reading.SensorUUID, "http")
		if err != nil {
			res.Status = "error"
			res.Error = "sensor lookup unavailable"
			resp.Rejected++
			resp.Results = append(resp.Results, res)
			continue
		}
		if sensorID == 0 {
			res.Status = "rejected"
			res.Error = "unknown sensor"
			resp.Rejected++
			resp.UnknownSensors = append(resp.UnknownSensors, reading.SensorUUID)
			resp.Results = append(resp.Results, res)
			continue
		}
		res.SensorID = sensorID

		p := &types.DataPoint{
			SeriesID:  types.LegacySeriesID(sensorID),
			SensorID:  sensorID,
			Domain:    types.DomainIoT,
			SourceID:  req.DeviceUUID,
			Value:     reading.Value,
			Timestamp: reading.Timestamp.Time,
			MsgID:     reading.MsgID,
			Transport: "http",
		}
		s.routeInto(r, p, &res, &resp.batchResponse)
		resp.Results = append(resp.Results, res)
	}

	s.writeJSON(w, batchStatus(resp.batchResponse), resp)
}

// =============================================================================
// LEGACY IOT: READINGS
// =============================================================================

type readingRequest struct {
	SensorID  int64              `json:"sensor_id"`
	Value     float64            `json:"value"`
	Timestamp transport.FlexTime `json:"timestamp"`
	MsgID     string             `json:"msg_id,omitempty"`
}

func (req *readingRequest) toPoint() (*types.DataPoint, error) {
	if req.SensorID <= 0 {
		return nil, fmt.Errorf("sensor_id must be positive")
	}
	return &types.DataPoint{
		SeriesID:  types.LegacySeriesID(req.SensorID),
		SensorID:  req.SensorID,
		Domain:    types.DomainIoT,
		Value:     req.Value,
		Timestamp: req.Timestamp.Time,
		MsgID:     req.MsgID,
		Transport: "http",
	}, nil
}

// handleIngestReading accepts one legacy reading addressed by numeric
// sensor id.
func (s *Server) handleIngestReading(w http.ResponseWriter, r *http.Request) {
	var req readingRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	p, err := req.toPoint()
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.routeSingle(w, r, p)
}

type bulkRequest struct {
	Readings []readingRequest `json:"readings"`
}

// handleIngestReadingsBulk accepts a batch of legacy readings. Rows
// succeed or fail independently.
func (s *Server) handleIngestReadingsBulk(w http.ResponseWriter, r *http.Request) {
	var req bulkRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}
	if len(req.Readings) == 0 {
		s.writeError(w, http.StatusBadRequest, "readings must not be empty")
		return
	}

	resp := batchResponse{Results: make([]readingResult, 0, len(req.Readings))}
	for _, reading := range req.Readings {
		res := readingResult{SensorID: reading.SensorID}
		p, err := reading.toPoint()
		if err != nil {
			res.Status = "rejected"
			res.Error = err.Error()
			resp.Rejected++
			resp.Results = append(resp.Results, res)
			continue
		}
		s.routeInto(r, p, &res, &resp)
		resp.Results = append(resp.Results, res)
	}

	s.writeJSON(w, batchStatus(resp), resp)
}

// =============================================================================
// GENERIC DOMAINS
// =============================================================================

type dataPoint struct {
	StreamID   string             `json:"stream_id"`
	StreamType string             `json:"stream_type,omitempty"`
	Value      float64            `json:"value"`
	Timestamp  transport.FlexTime `json:"timestamp"`
	Sequence   int64              `json:"sequence,omitempty"`
	Metadata   map[string]string  `json:"metadata,omitempty"`
	MsgID      string             `json:"msg_id,omitempty"`
}

type dataRequest struct {
	Domain     string      `json:"domain"`
	SourceID   string      `json:"source_id"`
	DataPoints []dataPoint `json:"data_points"`
}

type dataPointResult struct {
	Index    int    `json:"index"`
	StreamID string `json:"stream_id"`
	Status   string `json:"status"`
	Class    string `json:"classification,omitempty"`
	Error    string `json:"error,omitempty"`
}

type dataResponse struct {
	Inserted   int               `json:"inserted"`
	Accepted   int               `json:"accepted"`
	Duplicates int               `json:"duplicates"`
	Rejected   int               `json:"rejected"`
	Results    []dataPointResult `json:"results"`
}

// handleIngestData accepts a batch of generic data points from one source.
// Points succeed or fail independently and each carries its classification
// in the response. IoT points must use the legacy endpoints; they are
// addressed by sensor id, not series triple.
func (s *Server) handleIngestData(w http.ResponseWriter, r *http.Request) {
	var req dataRequest
	if err := s.readJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return
	}

	domain := types.Domain(req.Domain)
	if !domain.Valid() {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown domain %q", req.Domain))
		return
	}
	if domain == types.DomainIoT {
		s.writeError(w, http.StatusBadRequest, "iot points must use /ingest/readings or /ingest/packets")
		return
	}
	if req.SourceID == "" {
		s.writeError(w, http.StatusBadRequest, "source_id is required")
		return
	}
	if len(req.DataPoints) == 0 {
		s.writeError(w, http.StatusBadRequest, "data_points must not be empty")
		return
	}

	resp := dataResponse{Results: make([]dataPointResult, 0, len(req.DataPoints))}
	for i, dp := range req.DataPoints {
		res := dataPointResult{Index: i, StreamID: dp.StreamID}
		if dp.StreamID == "" {
			res.Status = "rejected"
			res.Error = "stream_id is required"
			resp.Rejected++
			resp.Results = append(resp.Results, res)
			continue
		}

		p := &types.DataPoint{
			SeriesID:   types.SeriesIDFor(domain, req.SourceID, dp.StreamID),
			Domain:     domain,
			SourceID:   req.SourceID,
			StreamID:   dp.StreamID,
			StreamType: dp.StreamType,
			Value:      dp.Value,
			Timestamp:  dp.Timestamp.Time,
			Sequence:   dp.Sequence,
			Metadata:   dp.Metadata,
			MsgID:      dp.MsgID,
			Transport:  "http",
		}
		out, err := s.deps.Router.Route(r.Context(), p)
		switch {
		case err != nil:
			res.Status = "rejected"
			res.Error = types.ReasonOf(err)
			resp.Rejected++
		case out.Duplicate:
			res.Status = "duplicate"
			resp.Duplicates++
		default:
			res.Status = "accepted"
			res.Class = string(out.Class.Class)
			resp.Accepted++
			if out.Persisted {
				resp.Inserted++
			}
		}
		resp.Results = append(resp.Results, res)
	}

	status := http.StatusOK
	if resp.Accepted == 0 && resp.Duplicates == 0 && resp.Rejected > 0 {
		status = http.StatusBadRequest
	}
	s.writeJSON(w, status, resp)
}

// =============================================================================
// CSV UPLOAD
// =============================================================================

// handleCSVUpload accepts a CSV file, multipart ("file" field) or raw
// body, and returns the job id immediately. The column mapping comes from
// the multipart form fields, or from query parameters for raw uploads;
// without one the header must be self-describing.
func (s *Server) handleCSVUpload(w http.ResponseWriter, r *http.Request) {
	if s.deps.CSV == nil {
		s.writeError(w, http.StatusNotImplemented, "csv ingestion disabled")
		return
	}

	filename := r.URL.Query().Get("filename")
	var body io.Reader = r.Body
	var mapping csvupload.Mapping

	if file, header, err := r.FormFile("file"); err == nil {
		// FormValue is safe here: FormFile already parsed the multipart
		// form, so the body is not consumed twice.
		body = file
		if filename == "" {
			filename = header.Filename
		}
		mapping = csvupload.Mapping{
			Domain:          r.FormValue("domain"),
			SourceID:        r.FormValue("source_id"),
			TimestampColumn: r.FormValue("timestamp_column"),
			ValueColumns:    formColumns(r.MultipartForm.Value),
		}
	} else {
		q := r.URL.Query()
		mapping = csvupload.Mapping{
			Domain:          q.Get("domain"),
			SourceID:        q.Get("source_id"),
			TimestampColumn: q.Get("timestamp_column"),
			ValueColumns:    formColumns(q),
		}
	}
	if filename == "" {
		filename = "upload.csv"
	}

	job := s.deps.CSV.Submit(filename, body, mapping)
	s.writeJSON(w, http.StatusAccepted, job)
}

// formColumns reads the value-column list, accepting both the bracketed
// array key and the bare repeated key.
func formColumns(values map[string][]string) []string {
	if cols := values["value_columns[]"]; len(cols) > 0 {
		return cols
	}
	return values["value_columns"]
}

// handleCSVJob reports upload job progress.
func (s *Server) handleCSVJob(w http.ResponseWriter, r *http.Request) {
	if s.deps.CSV == nil {
		s.writeError(w, http.StatusNotImplemented, "csv ingestion disabled")
		return
	}
	job := s.deps.CSV.Job(r.PathValue("id"))
	if job == nil {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// =============================================================================
// ROUTING HELPERS
// =============================================================================

// routeSingle routes one point and writes the single-point response shape.
func (s *Server) routeSingle(w http.ResponseWriter, r *http.Request, p *types.DataPoint) {
	out, err := s.deps.Router.Route(r.Context(), p)
	if err != nil {
		s.writeJSON(w, statusFor(err), map[string]any{
			"error":  types.ReasonOf(err),
			"detail": err.Error(),
		})
		return
	}
	if out.Duplicate {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "duplicate", "inserted": 0})
		return
	}
	inserted := 0
	if out.Persisted {
		inserted = 1
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":         "accepted",
		"inserted":       inserted,
		"classification": out.Class.Class,
		"persisted":      out.Persisted,
		"published":      out.Published,
	})
}

// routeInto routes one point of a batch, folding the result into the batch
// response.
func (s *Server) routeInto(r *http.Request, p *types.DataPoint, res *readingResult, resp *batchResponse) {
	out, err := s.deps.Router.Route(r.Context(), p)
	switch {
	case err != nil:
		res.Status = "rejected"
		res.Error = types.ReasonOf(err)
		resp.Rejected++
	case out.Duplicate:
		res.Status = "duplicate"
		resp.Duplicates++
	default:
		res.Status = "accepted"
		res.Class = string(out.Class.Class)
		resp.Accepted++
		if out.Persisted {
			resp.Inserted++
		}
	}
}

// batchStatus picks the response status for a batch: all-rejected is a
// client error, anything else succeeded at least partially.
func batchStatus(resp batchResponse) int {
	if resp.Accepted == 0 && resp.Duplicates == 0 && resp.Rejected > 0 {
		return http.StatusBadRequest
	}
	return http.StatusOK
}
