package download

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking.
var (
	ErrJobFailed    = errors.New("job failed")
	ErrPollTimeout  = errors.New("timeout waiting for job")
	ErrJobNotReady  = errors.New("job not ready")
	ErrCannotCancel = errors.New("cannot cancel job")
	ErrJobNotFound  = errors.New("job not found")
)

// JobError wraps a job operation failure with context.
type JobError struct {
	JobID   string
	Op      string // "wait", "cancel", "url", "status", "start"
	Message string // message reported by the service, may be empty
	Err     error
}

func (e *JobError) Error() string {
	prefix := e.Op
	if e.JobID != "" {
		prefix = fmt.Sprintf("job %s: %s", e.JobID, e.Op)
	}
	if e.Message != "" {
		return fmt.Sprintf("%s: %v: %s", prefix, e.Err, e.Message)
	}
	return fmt.Sprintf("%s: %v", prefix, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsJobFailed returns true if the job ended failed or cancelled.
func IsJobFailed(err error) bool {
	return errors.Is(err, ErrJobFailed)
}

// IsTimeout returns true if waiting for the job ran out of time.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrPollTimeout)
}

// IsNotReady returns true if the job has no downloadable result yet.
func IsNotReady(err error) bool {
	return errors.Is(err, ErrJobNotReady)
}
