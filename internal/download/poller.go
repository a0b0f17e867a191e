package download

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/client"
	"insight-cli/internal/monitor"
)

// DefaultPollInterval is the pause between status checks when none is configured.
const DefaultPollInterval = 10 * time.Second

// StatusFetcher reads the status of one job.
type StatusFetcher interface {
	DownloadStatus(ctx context.Context, jobID string) (*client.JobStatus, error)
}

// ProgressFunc observes each non-terminal status. Errors and panics are
// logged and never stop the wait.
type ProgressFunc func(status *client.JobStatus) error

// PollOptions configures Wait.
type PollOptions struct {
	Interval   time.Duration
	Timeout    time.Duration // 0 waits forever
	OnProgress ProgressFunc
	Metrics    *monitor.Metrics
}

// Wait polls jobID until it reaches a terminal state.
//
// completed returns the final status. failed and cancelled return a
// *JobError wrapping ErrJobFailed with the service's message. Running out of
// Timeout returns ErrPollTimeout. A status request that fails aborts the wait
// immediately. Cancelling ctx stops polling but leaves the remote job running.
func Wait(ctx context.Context, fetcher StatusFetcher, jobID string, opts PollOptions) (*client.JobStatus, error) {
	if opts.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be > 0, got %s", opts.Interval)
	}
	if opts.Timeout < 0 {
		return nil, fmt.Errorf("poll timeout must be >= 0, got %s", opts.Timeout)
	}

	logger := log.With().Str("job_id", jobID).Logger()
	start := time.Now()
	polls := 0

	for {
		status, err := fetcher.DownloadStatus(ctx, jobID)
		polls++
		opts.Metrics.RecordPoll()
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				opts.Metrics.RecordJobOutcome("interrupted")
				return nil, &JobError{JobID: jobID, Op: "wait", Err: ctxErr}
			}
			opts.Metrics.RecordJobOutcome("error")
			return nil, &JobError{JobID: jobID, Op: "wait", Err: err}
		}

		switch status.Status {
		case client.JobCompleted:
			logger.Debug().Int("polls", polls).Dur("elapsed", time.Since(start)).Msg("job completed")
			opts.Metrics.RecordJobOutcome("completed")
			return status, nil
		case client.JobFailed, client.JobCancelled:
			opts.Metrics.RecordJobOutcome(string(status.Status))
			return nil, &JobError{
				JobID:   jobID,
				Op:      "wait",
				Message: status.Error,
				Err:     fmt.Errorf("%w (status %s)", ErrJobFailed, status.Status),
			}
		case client.JobQueued, client.JobRunning, client.JobMerging:
		default:
			logger.Warn().Str("status", string(status.Status)).Msg("unknown job status, still waiting")
		}

		notify(logger, opts.OnProgress, status)

		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			opts.Metrics.RecordJobOutcome("timeout")
			return nil, &JobError{
				JobID: jobID,
				Op:    "wait",
				Err:   fmt.Errorf("%w after %s (last status %s)", ErrPollTimeout, opts.Timeout, status.Status),
			}
		}

		timer := time.NewTimer(opts.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			opts.Metrics.RecordJobOutcome("interrupted")
			return nil, &JobError{JobID: jobID, Op: "wait", Err: ctx.Err()}
		case <-timer.C:
		}
	}
}

func notify(logger zerolog.Logger, fn ProgressFunc, status *client.JobStatus) {
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Warn().Interface("panic", r).Msg("progress callback panicked")
		}
	}()
	if err := fn(status); err != nil {
		logger.Warn().Err(err).Msg("progress callback failed")
	}
}

// IsInterrupted returns true if the wait stopped because its context ended.
func IsInterrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
