// Package csvupload implements asynchronous CSV batch ingestion.
//
// An upload becomes a job: the file is parsed row by row in the
// background, each row routed like any live point, and progress is
// queryable by job id. Two header shapes are accepted, the legacy sensor
// form and the generic series form.
package csvupload

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/edgeflow/ingestd/internal/transport"
	"github.com/edgeflow/ingestd/pkg/types"
)

// JobStatus is the lifecycle state of an upload job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// maxRowErrors caps how many per-row failures a job records.
const maxRowErrors = 100

// RowError describes one rejected row.
type RowError struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Job is the queryable progress record for one upload.
type Job struct {
	ID       string    `json:"job_id"`
	Filename string    `json:"filename"`
	Status   JobStatus `json:"status"`

	// Rows counts every data row read from the file; Processed only the
	// rows that parsed well enough to be routed.
	Rows       int `json:"rows"`
	Processed  int `json:"processed_rows"`
	Accepted   int `json:"inserted_rows"`
	Duplicates int `json:"duplicate_rows"`
	Rejected   int `json:"rejected_rows"`

	RowErrors []RowError `json:"row_errors,omitempty"`
	Error     string     `json:"error,omitempty"`

	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Mapping tells the parser how to read a file that does not carry the
// self-describing legacy or generic headers: every value column becomes a
// stream under one source. A zero Mapping means sniff the header instead.
type Mapping struct {
	Domain   string
	SourceID string
	// TimestampColumn defaults to "timestamp".
	TimestampColumn string
	// ValueColumns defaults to every column except the timestamp.
	ValueColumns []string
}

func (m Mapping) zero() bool {
	return m.Domain == "" && m.SourceID == "" && m.TimestampColumn == "" && len(m.ValueColumns) == 0
}

// Manager runs upload jobs and retains their results for status queries.
type Manager struct {
	router    transport.PointRouter
	logger    *slog.Logger
	chunkSize int

	mu   sync.Mutex
	jobs map[string]*Job
	wg   sync.WaitGroup
}

// NewManager creates the job manager.
func NewManager(router transport.PointRouter, chunkSize int, logger *slog.Logger) *Manager {
	return &Manager{
		router:    router,
		logger:    logger.With("component", "csv_upload"),
		chunkSize: chunkSize,
		jobs:      make(map[string]*Job),
	}
}

// Submit registers a new job and starts parsing in the background. The
// reader must stay valid until the job finishes; callers hand over
// ownership.
func (m *Manager) Submit(filename string, r io.Reader, mapping Mapping) *Job {
	job := &Job{
		ID:        uuid.NewString(),
		Filename:  filename,
		Status:    JobPending,
		StartedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.jobs[job.ID] = job
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(job, r, mapping)
	}()

	return m.snapshot(job.ID)
}

// Job returns a snapshot of a job's progress, or nil when unknown.
func (m *Manager) Job(id string) *Job {
	return m.snapshot(id)
}

// Wait blocks until all running jobs finished. Used during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) run(job *Job, r io.Reader, mapping Mapping) {
	// Uploads outlive the HTTP request that submitted them.
	ctx := context.Background()

	m.update(job.ID, func(j *Job) { j.Status = JobRunning })

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if err != nil {
		m.fail(job.ID, fmt.Sprintf("reading header: %v", err))
		return
	}
	var parse rowParser
	if mapping.zero() {
		parse, err = rowParserFor(header)
	} else {
		parse, err = mappedParser(header, mapping)
	}
	if err != nil {
		m.fail(job.ID, err.Error())
		return
	}

	row := 1
	inChunk := 0
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		row++
		m.update(job.ID, func(j *Job) { j.Rows++ })
		if err != nil {
			m.recordRowError(job.ID, row, fmt.Sprintf("malformed row: %v", err))
			continue
		}

		pts, perr := parse(record)
		if perr != nil {
			m.recordRowError(job.ID, row, perr.Error())
			continue
		}

		var routeErr error
		dups := 0
		for _, p := range pts {
			p.Transport = "csv"
			out, rerr := m.router.Route(ctx, p)
			if rerr != nil {
				routeErr = rerr
				break
			}
			if out.Duplicate {
				dups++
			}
		}
		m.update(job.ID, func(j *Job) {
			j.Processed++
			switch {
			case routeErr != nil:
				j.Rejected++
			case dups == len(pts):
				j.Duplicates++
			default:
				j.Accepted++
			}
		})
		if routeErr != nil {
			m.recordRowError(job.ID, row, routeErr.Error())
		}

		// Yield between chunks so a large file cannot starve live traffic.
		inChunk++
		if inChunk >= m.chunkSize {
			inChunk = 0
			time.Sleep(10 * time.Millisecond)
		}
	}

	now := time.Now().UTC()
	m.update(job.ID, func(j *Job) {
		j.Status = JobCompleted
		j.FinishedAt = &now
	})
	final := m.snapshot(job.ID)
	m.logger.Info("csv job finished",
		"job_id", job.ID, "file", job.Filename,
		"processed", final.Processed, "accepted", final.Accepted,
		"duplicates", final.Duplicates, "rejected", final.Rejected)
}

func (m *Manager) fail(id, msg string) {
	now := time.Now().UTC()
	m.update(id, func(j *Job) {
		j.Status = JobFailed
		j.Error = msg
		j.FinishedAt = &now
	})
	m.logger.Error("csv job failed", "job_id", id, "error", msg)
}

func (m *Manager) recordRowError(id string, row int, reason string) {
	m.update(id, func(j *Job) {
		if len(j.RowErrors) < maxRowErrors {
			j.RowErrors = append(j.RowErrors, RowError{Row: row, Reason: reason})
		}
	})
}

func (m *Manager) update(id string, fn func(*Job)) {
	m.mu.Lock()
	if j, ok := m.jobs[id]; ok {
		fn(j)
	}
	m.mu.Unlock()
}

func (m *Manager) snapshot(id string) *Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil
	}
	cp := *j
	cp.RowErrors = append([]RowError(nil), j.RowErrors...)
	return &cp
}

// =============================================================================
// ROW PARSING
// =============================================================================

type rowParser func(record []string) ([]*types.DataPoint, error)

func headerIndex(header []string) map[string]int {
	cols := make(map[string]int, len(header))
	for i, h := range header {
		cols[strings.ToLower(strings.TrimSpace(h))] = i
	}
	return cols
}

// rowParserFor picks the parser from the header. Legacy files carry
// sensor_id,value,timestamp; generic files carry
// domain,source_id,stream_id,value,timestamp with optional msg_id.
func rowParserFor(header []string) (rowParser, error) {
	cols := headerIndex(header)
	if _, legacy := cols["sensor_id"]; legacy {
		return legacyParser(cols)
	}
	if _, generic := cols["domain"]; generic {
		return genericParser(cols)
	}
	return nil, fmt.Errorf("unrecognized header: need sensor_id or domain columns")
}

// mappedParser reads a file under an explicit column mapping: one source,
// one timestamp column, every mapped value column its own stream. Blank
// cells are skipped; a row with no usable cell is an error.
func mappedParser(header []string, mapping Mapping) (rowParser, error) {
	domain := types.Domain(mapping.Domain)
	if !domain.Valid() {
		return nil, fmt.Errorf("unknown domain %q", mapping.Domain)
	}
	if domain == types.DomainIoT {
		return nil, fmt.Errorf("iot uploads must use the sensor_id header format")
	}
	if mapping.SourceID == "" {
		return nil, fmt.Errorf("source_id is required")
	}

	cols := headerIndex(header)
	tsCol := strings.ToLower(mapping.TimestampColumn)
	if tsCol == "" {
		tsCol = "timestamp"
	}
	if _, ok := cols[tsCol]; !ok {
		return nil, fmt.Errorf("timestamp column %q not in header", tsCol)
	}

	valueCols := make([]string, 0, len(mapping.ValueColumns))
	if len(mapping.ValueColumns) > 0 {
		for _, c := range mapping.ValueColumns {
			name := strings.ToLower(strings.TrimSpace(c))
			if _, ok := cols[name]; !ok {
				return nil, fmt.Errorf("value column %q not in header", c)
			}
			valueCols = append(valueCols, name)
		}
	} else {
		for _, h := range header {
			name := strings.ToLower(strings.TrimSpace(h))
			if name != tsCol {
				valueCols = append(valueCols, name)
			}
		}
		if len(valueCols) == 0 {
			return nil, fmt.Errorf("no value columns besides %q", tsCol)
		}
	}

	return func(record []string) ([]*types.DataPoint, error) {
		ts, err := ParseTimestamp(field(record, cols, tsCol))
		if err != nil {
			return nil, err
		}
		pts := make([]*types.DataPoint, 0, len(valueCols))
		for _, col := range valueCols {
			cell := field(record, cols, col)
			if cell == "" {
				continue
			}
			value, err := strconv.ParseFloat(cell, 64)
			if err != nil {
				return nil, fmt.Errorf("bad value %q in column %s", cell, col)
			}
			pts = append(pts, &types.DataPoint{
				SeriesID:  types.SeriesIDFor(domain, mapping.SourceID, col),
				Domain:    domain,
				SourceID:  mapping.SourceID,
				StreamID:  col,
				Value:     value,
				Timestamp: ts,
			})
		}
		if len(pts) == 0 {
			return nil, fmt.Errorf("row has no values")
		}
		return pts, nil
	}, nil
}

func legacyParser(cols map[string]int) (rowParser, error) {
	for _, required := range []string{"sensor_id", "value", "timestamp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("legacy header missing %s column", required)
		}
	}
	return func(record []string) ([]*types.DataPoint, error) {
		sensorID, err := strconv.ParseInt(field(record, cols, "sensor_id"), 10, 64)
		if err != nil || sensorID <= 0 {
			return nil, fmt.Errorf("bad sensor_id %q", field(record, cols, "sensor_id"))
		}
		value, ts, err := valueAndTimestamp(record, cols)
		if err != nil {
			return nil, err
		}
		return []*types.DataPoint{{
			SeriesID:  types.LegacySeriesID(sensorID),
			SensorID:  sensorID,
			Domain:    types.DomainIoT,
			Value:     value,
			Timestamp: ts,
			MsgID:     field(record, cols, "msg_id"),
		}}, nil
	}, nil
}

func genericParser(cols map[string]int) (rowParser, error) {
	for _, required := range []string{"domain", "source_id", "stream_id", "value", "timestamp"} {
		if _, ok := cols[required]; !ok {
			return nil, fmt.Errorf("generic header missing %s column", required)
		}
	}
	return func(record []string) ([]*types.DataPoint, error) {
		domain := types.Domain(field(record, cols, "domain"))
		if !domain.Valid() {
			return nil, fmt.Errorf("unknown domain %q", domain)
		}
		if domain == types.DomainIoT {
			return nil, fmt.Errorf("iot rows must use the legacy sensor_id format")
		}
		sourceID := field(record, cols, "source_id")
		streamID := field(record, cols, "stream_id")
		if sourceID == "" || streamID == "" {
			return nil, fmt.Errorf("source_id and stream_id are required")
		}
		value, ts, err := valueAndTimestamp(record, cols)
		if err != nil {
			return nil, err
		}
		return []*types.DataPoint{{
			SeriesID:  types.SeriesIDFor(domain, sourceID, streamID),
			Domain:    domain,
			SourceID:  sourceID,
			StreamID:  streamID,
			Value:     value,
			Timestamp: ts,
			MsgID:     field(record, cols, "msg_id"),
		}}, nil
	}, nil
}

func valueAndTimestamp(record []string, cols map[string]int) (float64, time.Time, error) {
	value, err := strconv.ParseFloat(field(record, cols, "value"), 64)
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("bad value %q", field(record, cols, "value"))
	}
	ts, err := ParseTimestamp(field(record, cols, "timestamp"))
	if err != nil {
		return 0, time.Time{}, err
	}
	return value, ts, nil
}

func field(record []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[i])
}

// ParseTimestamp accepts RFC 3339 or a unix epoch in seconds, integer or
// fractional.
func ParseTimestamp(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, fmt.Errorf("timestamp is required")
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("bad timestamp %q", s)
}
