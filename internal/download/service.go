// Package download manages search-download jobs: starting them, inspecting
// and cancelling them, and waiting for them to finish.
package download

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/client"
	"insight-cli/internal/monitor"
	"insight-cli/internal/query"
	"insight-cli/internal/storage"
	"insight-cli/internal/timeparse"
)

// Jobs can run for up to six hours server-side.
const maxJobRuntime = 6 * time.Hour

// API is the subset of the REST client the service needs.
type API interface {
	StatusFetcher
	StartDownload(ctx context.Context, req client.DownloadRequest) (*client.DownloadStarted, error)
	ListDownloads(ctx context.Context, limit, offset int) ([]client.JobStatus, error)
	CancelDownload(ctx context.Context, jobID string) error
}

// TokenLifetime guarantees the bearer token outlives a job.
type TokenLifetime interface {
	EnsureLifetime(ctx context.Context, d time.Duration) (string, time.Time, error)
}

// Recorder receives job state for the audit log.
type Recorder interface {
	LogJob(job *storage.JobRecord)
}

// Options configures a Service.
type Options struct {
	OID      string
	Tokens   TokenLifetime
	Recorder Recorder
	Metrics  *monitor.Metrics
}

// Service wraps the job endpoints with validation and error translation.
type Service struct {
	api    API
	opts   Options
	logger zerolog.Logger
}

// NewService creates a job service.
func NewService(api API, opts Options) *Service {
	return &Service{
		api:    api,
		opts:   opts,
		logger: log.With().Str("component", "download").Logger(),
	}
}

// StartOptions describes a new job. Start and End accept any time expression
// understood by timeparse.
type StartOptions struct {
	Query       string
	Start       string
	End         string
	Compression string // zip or none
	Stream      string // optional
	Metadata    string // optional JSON object
	TokenHours  float64
}

// Started is a validated, accepted job.
type Started struct {
	*client.DownloadStarted
	StartTime int64
	EndTime   int64
}

// Start validates opts and submits the job.
func (s *Service) Start(ctx context.Context, opts StartOptions) (*Started, error) {
	if strings.TrimSpace(opts.Query) == "" {
		return nil, fmt.Errorf("query must not be empty")
	}

	startTS, endTS, err := timeparse.ParseRange(opts.Start, opts.End)
	if err != nil {
		return nil, err
	}

	compression := opts.Compression
	if compression == "" {
		compression = "zip"
	}
	if compression != "zip" && compression != "none" {
		return nil, fmt.Errorf("invalid compression %q: must be zip or none", compression)
	}

	var stream string
	if opts.Stream != "" {
		st, err := query.ParseStream(opts.Stream)
		if err != nil {
			return nil, err
		}
		stream = string(st)
	}

	metadata, err := parseMetadata(opts.Metadata)
	if err != nil {
		return nil, err
	}

	if opts.TokenHours <= 0 {
		return nil, fmt.Errorf("token hours must be > 0, got %g", opts.TokenHours)
	}
	lifetime := time.Duration(opts.TokenHours * float64(time.Hour))
	if lifetime < maxJobRuntime {
		s.logger.Warn().
			Float64("token_hours", opts.TokenHours).
			Msg("token lifetime is shorter than the maximum job runtime")
	}
	if s.opts.Tokens != nil {
		if _, _, err := s.opts.Tokens.EnsureLifetime(ctx, lifetime); err != nil {
			return nil, fmt.Errorf("generating token: %w", err)
		}
	}

	started, err := s.api.StartDownload(ctx, client.DownloadRequest{
		OID:         s.opts.OID,
		Query:       opts.Query,
		StartTime:   startTS,
		EndTime:     endTS,
		Compression: compression,
		Stream:      stream,
		Metadata:    metadata,
	})
	if err != nil {
		return nil, &JobError{Op: "start", Err: err}
	}

	s.logger.Info().Str("job_id", started.JobID).Msg("download job started")
	s.record(&storage.JobRecord{
		JobID:  started.JobID,
		OID:    s.opts.OID,
		Query:  opts.Query,
		Status: string(client.JobQueued),
	})
	return &Started{DownloadStarted: started, StartTime: startTS, EndTime: endTS}, nil
}

// Status returns the current status of a job.
func (s *Service) Status(ctx context.Context, jobID string) (*client.JobStatus, error) {
	status, err := s.api.DownloadStatus(ctx, jobID)
	if err != nil {
		return nil, s.translate(jobID, "status", err)
	}
	return status, nil
}

// List returns a page of jobs.
func (s *Service) List(ctx context.Context, limit, offset int) ([]client.JobStatus, error) {
	if limit < 1 || limit > 1000 {
		return nil, fmt.Errorf("limit must be 1-1000, got %d", limit)
	}
	if offset < 0 {
		return nil, fmt.Errorf("offset must be >= 0, got %d", offset)
	}
	return s.api.ListDownloads(ctx, limit, offset)
}

// Cancel asks the service to stop a job.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	if err := s.api.CancelDownload(ctx, jobID); err != nil {
		return s.translate(jobID, "cancel", err)
	}
	s.logger.Info().Str("job_id", jobID).Msg("download job cancelled")
	s.record(&storage.JobRecord{JobID: jobID, OID: s.opts.OID, Status: string(client.JobCancelled)})
	return nil
}

// URL returns the result URL of a completed job. Any other state, or a
// completed job whose URL has expired, fails with ErrJobNotReady.
func (s *Service) URL(ctx context.Context, jobID string) (string, *client.JobStatus, error) {
	status, err := s.Status(ctx, jobID)
	if err != nil {
		return "", nil, err
	}
	if status.Status != client.JobCompleted {
		return "", status, &JobError{
			JobID:   jobID,
			Op:      "url",
			Message: fmt.Sprintf("job is not completed (status: %s)", status.Status),
			Err:     ErrJobNotReady,
		}
	}
	if status.ResultURL == "" {
		return "", status, &JobError{
			JobID:   jobID,
			Op:      "url",
			Message: "no result URL available (results may have expired)",
			Err:     ErrJobNotReady,
		}
	}
	return status.ResultURL, status, nil
}

// Wait polls a job until it finishes and records the outcome.
func (s *Service) Wait(ctx context.Context, jobID string, opts PollOptions) (*client.JobStatus, error) {
	if opts.Metrics == nil {
		opts.Metrics = s.opts.Metrics
	}
	status, err := Wait(ctx, s.api, jobID, opts)
	if err != nil {
		var jobErr *JobError
		if IsJobFailed(err) && errors.As(err, &jobErr) {
			s.record(&storage.JobRecord{JobID: jobID, OID: s.opts.OID, Status: string(client.JobFailed), Error: jobErr.Message})
		}
		return nil, err
	}

	rec := &storage.JobRecord{
		JobID:     jobID,
		OID:       s.opts.OID,
		Status:    string(status.Status),
		ResultURL: status.ResultURL,
	}
	if t := client.ParseTime(status.CompletedAt); !t.IsZero() {
		rec.CompletedAt = &t
	}
	s.record(rec)
	return status, nil
}

func (s *Service) record(job *storage.JobRecord) {
	if s.opts.Recorder != nil {
		s.opts.Recorder.LogJob(job)
	}
}

// translate maps status codes of the job endpoints onto job errors.
func (s *Service) translate(jobID, op string, err error) error {
	var apiErr *client.APIError
	if !errors.As(err, &apiErr) {
		return &JobError{JobID: jobID, Op: op, Err: err}
	}
	switch {
	case apiErr.StatusCode == 404:
		return &JobError{JobID: jobID, Op: op, Message: apiErr.Message, Err: ErrJobNotFound}
	case apiErr.StatusCode == 409 && op == "cancel":
		return &JobError{JobID: jobID, Op: op, Message: apiErr.Message, Err: ErrCannotCancel}
	default:
		return &JobError{JobID: jobID, Op: op, Err: err}
	}
}

// parseMetadata checks that raw is a JSON object and returns it compacted.
func parseMetadata(raw string) (json.RawMessage, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil || obj == nil {
		if err == nil {
			err = errors.New("got null")
		}
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(raw)); err != nil {
		return nil, fmt.Errorf("metadata must be a JSON object: %w", err)
	}
	return buf.Bytes(), nil
}
