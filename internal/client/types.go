package client

import (
	"encoding/json"
	"time"
)

// Cursor values understood by the query endpoint.
const (
	CursorFirstPage = "-"
	CursorFullQuery = ""
)

// QueryRequest is the body posted to the query endpoint.
type QueryRequest struct {
	OID         string      `json:"oid"`
	Query       string      `json:"query"`
	LimitEvent  int         `json:"limit_event"`
	LimitEval   int         `json:"limit_eval"`
	IsDryRun    bool        `json:"is_dry_run"`
	Stream      string      `json:"stream,omitempty"`
	EventSource EventSource `json:"event_source"`
}

// EventSource selects where the query reads from.
type EventSource struct {
	SensorEvents SensorEvents `json:"sensor_events"`
}

// SensorEvents carries the paging cursor. "-" starts a paged query, "" asks for everything.
type SensorEvents struct {
	Cursor string `json:"cursor"`
}

// QueryResponse is one page of query results.
type QueryResponse struct {
	Results        []QueryResult               `json:"results"`
	Stats          QueryStats                  `json:"stats"`
	TranscodedRule json.RawMessage             `json:"transcoded_rule,omitempty"`
	Histogram      map[string]int64            `json:"histogram,omitempty"`
	Facets         map[string]map[string]int64 `json:"facets,omitempty"`
	Cursor         string                      `json:"cursor,omitempty"`
	Error          string                      `json:"error,omitempty"`
}

// HasMore reports whether the service returned a continuation cursor.
func (r *QueryResponse) HasMore() bool {
	return r.Cursor != ""
}

// QueryResult wraps one result row. Data is kept raw so key order survives decoding.
type QueryResult struct {
	Data json.RawMessage `json:"data"`
}

// QueryStats carries cost accounting for a query call.
type QueryStats struct {
	NBilled int64 `json:"n_billed"`
}

// Schema lists the event types known to the organization.
type Schema struct {
	EventTypes []string `json:"event_types"`
}

// JobState is the remote lifecycle state of a download job.
type JobState string

const (
	JobQueued    JobState = "queued"
	JobRunning   JobState = "running"
	JobMerging   JobState = "merging"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether no further transitions are expected.
func (s JobState) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	}
	return false
}

// JobStatus is the status document of a download job.
type JobStatus struct {
	JobID        string          `json:"jobId"`
	Status       JobState        `json:"status"`
	CreatedAt    string          `json:"createdAt,omitempty"`
	StartedAt    string          `json:"startedAt,omitempty"`
	CompletedAt  string          `json:"completedAt,omitempty"`
	Progress     *JobProgress    `json:"progress,omitempty"`
	ResultURL    string          `json:"resultUrl,omitempty"`
	ResultExpiry string          `json:"resultExpiry,omitempty"`
	Error        string          `json:"error,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
}

// JobProgress reports how far a download job has got.
type JobProgress struct {
	EventsProcessed  int64   `json:"eventsProcessed"`
	PagesProcessed   int64   `json:"pagesProcessed"`
	BytesProcessed   int64   `json:"bytesProcessed"`
	RuntimeSeconds   float64 `json:"runtimeSeconds"`
	EventsPerSecond  float64 `json:"eventsPerSecond"`
	DateRangePercent float64 `json:"dateRangePercent"`
}

// DownloadRequest starts a download job.
type DownloadRequest struct {
	OID         string          `json:"oid"`
	Query       string          `json:"query"`
	StartTime   int64           `json:"startTime"`
	EndTime     int64           `json:"endTime"`
	Compression string          `json:"compression,omitempty"`
	Stream      string          `json:"stream,omitempty"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

// DownloadStarted is returned when a job is accepted.
type DownloadStarted struct {
	JobID          string         `json:"jobId"`
	EstimatedStats EstimatedStats `json:"estimatedStats"`
	TokenExpiry    string         `json:"tokenExpiry,omitempty"`
}

// EstimatedStats is the service's up-front estimate for a job.
type EstimatedStats struct {
	EventsScanned  int64 `json:"eventsScanned"`
	EventsMatched  int64 `json:"eventsMatched"`
	EstimatedPrice Price `json:"estimatedPrice"`
}

// Price is a monetary estimate.
type Price struct {
	Price    float64 `json:"price"`
	Currency string  `json:"currency"`
}

type jobList struct {
	Jobs []JobStatus `json:"jobs"`
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// ParseTime parses the RFC 3339 timestamps used in job documents.
// An empty or malformed value yields the zero time.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
