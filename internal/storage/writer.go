package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the write side of the audit log.
type Store interface {
	LogQuery(ctx context.Context, rec *QueryRecord) error
	UpsertJob(ctx context.Context, job *JobRecord) error
}

// entry holds exactly one of query or job.
type entry struct {
	query *QueryRecord
	job   *JobRecord
}

func (e entry) id() string {
	if e.job != nil {
		return e.job.JobID
	}
	return e.query.ID
}

// AuditWriter writes audit records in the background so the shell never waits on Postgres.
type AuditWriter struct {
	store     Store
	ch        chan entry
	wg        sync.WaitGroup
	done      chan struct{}
	closeOnce sync.Once
	baseDelay time.Duration
}

func NewAuditWriter(store Store, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 1000
	}
	return &AuditWriter{
		store:     store,
		ch:        make(chan entry, bufferSize),
		done:      make(chan struct{}),
		baseDelay: 100 * time.Millisecond,
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

// LogQuery queues a query record. Safe on a nil writer.
func (w *AuditWriter) LogQuery(rec *QueryRecord) {
	if w == nil {
		return
	}
	w.enqueue(entry{query: rec})
}

// LogJob queues a job state record. Safe on a nil writer.
func (w *AuditWriter) LogJob(job *JobRecord) {
	if w == nil {
		return
	}
	w.enqueue(entry{job: job})
}

func (w *AuditWriter) enqueue(e entry) {
	select {
	case w.ch <- e:
	default:
		log.Warn().Str("record_id", e.id()).Msg("audit buffer full, dropping log entry")
	}
}

// Flush stops the writer and waits up to timeout for queued records to be written.
func (w *AuditWriter) Flush(timeout time.Duration) {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.done) })

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Debug().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case e := <-w.ch:
			w.writeWithRetry(e)
		case <-w.done:
			// Drain remaining entries
			for {
				select {
				case e := <-w.ch:
					w.writeWithRetry(e)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) write(e entry) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if e.job != nil {
		return w.store.UpsertJob(ctx, e.job)
	}
	return w.store.LogQuery(ctx, e.query)
}

func (w *AuditWriter) writeWithRetry(e entry) {
	const maxRetries = 3

	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := w.write(e)
		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * w.baseDelay
			log.Warn().
				Err(err).
				Str("record_id", e.id()).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("record_id", e.id()).
				Msg("audit write failed permanently after retries")
		}
	}
}
