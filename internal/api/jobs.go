package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"insight-cli/internal/client"
	"insight-cli/internal/monitor"
)

var (
	errJobNotFound  = errors.New("job not found")
	errJobFinished  = errors.New("job already finished")
	resultURLExpiry = 24 * time.Hour
)

type job struct {
	status  client.JobStatus
	query   string
	created time.Time
	fails   bool
}

// JobStore holds download jobs in memory. Each status read moves a job one
// step along queued, running, merging, completed. Jobs whose query contains
// "FAIL" fail instead of merging.
type JobStore struct {
	mu      sync.Mutex
	jobs    map[string]*job
	order   []string // oldest first
	metrics *monitor.Metrics
	baseURL string
	now     func() time.Time
}

// NewJobStore creates an empty store. Result URLs are built from baseURL.
func NewJobStore(baseURL string, metrics *monitor.Metrics) *JobStore {
	return &JobStore{
		jobs:    make(map[string]*job),
		metrics: metrics,
		baseURL: strings.TrimRight(baseURL, "/"),
		now:     time.Now,
	}
}

// Create registers a queued job.
func (s *JobStore) Create(req client.DownloadRequest) client.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	id := uuid.New().String()
	j := &job{
		status: client.JobStatus{
			JobID:     id,
			Status:    client.JobQueued,
			CreatedAt: now.Format(time.RFC3339),
			Metadata:  req.Metadata,
		},
		query:   req.Query,
		created: now,
		fails:   strings.Contains(req.Query, "FAIL"),
	}
	s.jobs[id] = j
	s.order = append(s.order, id)
	s.gauge()
	return j.status
}

// Get returns the job status and then advances it.
func (s *JobStore) Get(id string) (client.JobStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return client.JobStatus{}, errJobNotFound
	}
	s.advance(j)
	s.gauge()
	return snapshot(j), nil
}

// Cancel stops a job that has not finished.
func (s *JobStore) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[id]
	if !ok {
		return errJobNotFound
	}
	if j.status.Status.Terminal() {
		return fmt.Errorf("%w (status %s)", errJobFinished, j.status.Status)
	}
	j.status.Status = client.JobCancelled
	j.status.CompletedAt = s.now().UTC().Format(time.RFC3339)
	s.gauge()
	return nil
}

// List returns jobs newest first.
func (s *JobStore) List(limit, offset int) []client.JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []client.JobStatus{}
	for i := len(s.order) - 1 - offset; i >= 0 && len(out) < limit; i-- {
		out = append(out, snapshot(s.jobs[s.order[i]]))
	}
	return out
}

// Active counts jobs that have not reached a terminal state.
func (s *JobStore) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active()
}

func (s *JobStore) active() int {
	n := 0
	for _, j := range s.jobs {
		if !j.status.Status.Terminal() {
			n++
		}
	}
	return n
}

func (s *JobStore) gauge() {
	if s.metrics != nil {
		s.metrics.StubJobsActive.Set(float64(s.active()))
	}
}

func (s *JobStore) advance(j *job) {
	now := s.now().UTC()
	st := &j.status

	switch st.Status {
	case client.JobQueued:
		st.Status = client.JobRunning
		st.StartedAt = now.Format(time.RFC3339)
		st.Progress = &client.JobProgress{}
		setProgress(st.Progress, 1, 40)
	case client.JobRunning:
		if j.fails {
			st.Status = client.JobFailed
			st.Error = "Out of memory"
			st.CompletedAt = now.Format(time.RFC3339)
			return
		}
		st.Status = client.JobMerging
		setProgress(st.Progress, 2, 100)
	case client.JobMerging:
		st.Status = client.JobCompleted
		st.CompletedAt = now.Format(time.RFC3339)
		st.ResultURL = fmt.Sprintf("%s/results/%s.zip", s.baseURL, st.JobID)
		st.ResultExpiry = now.Add(resultURLExpiry).Format(time.RFC3339)
		setProgress(st.Progress, 3, 100)
	}
}

func setProgress(p *client.JobProgress, pages int64, pct float64) {
	p.PagesProcessed = pages
	p.EventsProcessed = pages * 50000
	p.BytesProcessed = pages * 12 << 20
	p.RuntimeSeconds = float64(pages) * 30
	p.EventsPerSecond = float64(p.EventsProcessed) / p.RuntimeSeconds
	p.DateRangePercent = pct
}

// snapshot copies a status so callers never share the progress pointer.
func snapshot(j *job) client.JobStatus {
	st := j.status
	if st.Progress != nil {
		p := *st.Progress
		st.Progress = &p
	}
	if st.Metadata != nil {
		st.Metadata = append(json.RawMessage(nil), st.Metadata...)
	}
	return st
}
