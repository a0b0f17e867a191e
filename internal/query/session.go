// Package query holds the state of an interactive query session: the current
// query context, the paging cursor, a one-slot result cache and the running
// cost total.
package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/client"
	"insight-cli/internal/monitor"
	"insight-cli/internal/render"
	"insight-cli/internal/storage"
)

// Backend is the subset of the REST client a session needs.
type Backend interface {
	Query(ctx context.Context, req client.QueryRequest) (*client.QueryResponse, error)
	Schema(ctx context.Context) (*client.Schema, error)
}

// Recorder receives an audit record for every remote query call.
type Recorder interface {
	LogQuery(rec *storage.QueryRecord)
}

// Page is one page of results handed back to the caller.
type Page struct {
	Rows           []json.RawMessage
	HasMore        bool
	Cached         bool
	BilledUnits    int64
	Histogram      map[string]int64
	Facets         map[string]map[string]int64
	TranscodedRule json.RawMessage
}

// EstimatedCost is the result of a dry run.
type EstimatedCost struct {
	BilledUnits    int64
	TranscodedRule json.RawMessage
}

type cachedResult struct {
	key  cacheKey
	page Page
}

// Options configures a Session.
type Options struct {
	Context    Context
	Format     render.Format
	OutputFile string
	Metrics    *monitor.Metrics
	Recorder   Recorder
	OID        string
}

// Session is single-owner state: it must not be used from more than one goroutine.
type Session struct {
	backend  Backend
	metrics  *monitor.Metrics
	recorder Recorder
	oid      string
	logger   zerolog.Logger

	qctx       Context
	format     render.Format
	outputFile string

	cache    *cachedResult
	lastReq  client.QueryRequest
	cursor   string
	hasMore  bool
	billed   int64
	lastResp *client.QueryResponse

	eventTypes []string
}

// NewSession creates a session. A zero Options.Context means DefaultContext.
func NewSession(backend Backend, opts Options) *Session {
	qctx := opts.Context
	if qctx == (Context{}) {
		qctx = DefaultContext()
	}
	if qctx.Stream == "" {
		qctx.Stream = StreamEvent
	}
	format := opts.Format
	if format == "" {
		format = render.FormatTable
	}
	return &Session{
		backend:    backend,
		metrics:    opts.Metrics,
		recorder:   opts.Recorder,
		oid:        opts.OID,
		logger:     log.With().Str("component", "query").Logger(),
		qctx:       qctx,
		format:     format,
		outputFile: opts.OutputFile,
	}
}

// Context returns a copy of the current query context.
func (s *Session) Context() Context {
	return s.qctx
}

func (s *Session) SetTimeFrame(tf string) error {
	tf = strings.TrimSpace(tf)
	if tf == "" {
		return errors.New("time frame must not be empty")
	}
	s.qctx.TimeFrame = tf
	return nil
}

func (s *Session) SetSensors(sel string) error {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return errors.New("sensor selector must not be empty")
	}
	s.qctx.Sensors = sel
	return nil
}

// SetEvents changes the event selector and refreshes the autocomplete schema.
// The selector is updated even when the refresh fails; the refresh error is returned.
func (s *Session) SetEvents(ctx context.Context, sel string) error {
	sel = strings.TrimSpace(sel)
	if sel == "" {
		return errors.New("event selector must not be empty")
	}
	s.qctx.Events = sel
	if err := s.RefreshSchema(ctx); err != nil {
		return fmt.Errorf("events set, but refreshing autocomplete failed: %w", err)
	}
	return nil
}

func (s *Session) SetStream(st Stream) error {
	parsed, err := ParseStream(string(st))
	if err != nil {
		return err
	}
	s.qctx.Stream = parsed
	return nil
}

// SetEventLimit sets the maximum number of events; 0 means unlimited.
func (s *Session) SetEventLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("event limit must be >= 0, got %d", n)
	}
	s.qctx.LimitEvents = n
	return nil
}

// SetEvalLimit sets the maximum number of evaluations; 0 means unlimited.
func (s *Session) SetEvalLimit(n int) error {
	if n < 0 {
		return fmt.Errorf("evaluation limit must be >= 0, got %d", n)
	}
	s.qctx.LimitEvals = n
	return nil
}

func (s *Session) SetOutputFormat(f render.Format) error {
	if err := f.Set(string(f)); err != nil {
		return err
	}
	s.format = f
	return nil
}

// SetOutputFile sets where results are written. "" and "-" mean stdout.
func (s *Session) SetOutputFile(path string) {
	path = strings.TrimSpace(path)
	if path == "-" {
		path = ""
	}
	s.outputFile = path
}

func (s *Session) OutputFormat() render.Format { return s.format }
func (s *Session) OutputFile() string          { return s.outputFile }

// TotalBilled is the sum of billed units over all successful queries of this session.
func (s *Session) TotalBilled() int64 {
	return s.billed
}

// HasMore reports whether FetchNextPage can be called.
func (s *Session) HasMore() bool {
	return s.hasMore
}

// LastResponse returns the most recent successful response, if any.
func (s *Session) LastResponse() *client.QueryResponse {
	return s.lastResp
}

// RefreshSchema reloads the event types used for completion.
func (s *Session) RefreshSchema(ctx context.Context) error {
	schema, err := s.backend.Schema(ctx)
	if err != nil {
		return err
	}
	types := append([]string(nil), schema.EventTypes...)
	sort.Strings(types)
	s.eventTypes = types
	s.logger.Debug().Int("event_types", len(types)).Msg("schema refreshed")
	return nil
}

// Completions returns the event types learned from the last schema refresh.
func (s *Session) Completions() []string {
	return s.eventTypes
}

// RunQuery runs fragment against the current context. An identical repeated
// query is answered from the cache without a remote call.
func (s *Session) RunQuery(ctx context.Context, fragment string, paged bool) (*Page, error) {
	key := cacheKey{ctx: s.qctx, fragment: fragment, paged: paged}
	if s.cache != nil && s.cache.key == key {
		page := s.cache.page
		page.Cached = true
		page.HasMore = s.hasMore
		s.logger.Debug().Str("fragment", fragment).Msg("serving cached result")
		s.metrics.RecordQuery(modeName(paged), "cached", 0, len(page.Rows), 0)
		return &page, nil
	}

	cursor := client.CursorFullQuery
	if paged {
		cursor = client.CursorFirstPage
	}
	req := client.QueryRequest{
		OID:         s.oid,
		Query:       s.qctx.Build(fragment),
		LimitEvent:  s.qctx.LimitEvents,
		LimitEval:   s.qctx.LimitEvals,
		Stream:      string(s.qctx.Stream),
		EventSource: client.EventSource{SensorEvents: client.SensorEvents{Cursor: cursor}},
	}

	resp, err := s.call(ctx, req, modeName(paged))
	if err != nil {
		return nil, err
	}

	page := newPage(resp)
	s.cache = &cachedResult{key: key, page: page}
	s.lastReq = req
	s.lastResp = resp
	if paged {
		s.cursor = resp.Cursor
		s.hasMore = resp.HasMore()
	} else {
		s.cursor = ""
		s.hasMore = false
	}
	page.HasMore = s.hasMore
	s.billed += resp.Stats.NBilled
	return &page, nil
}

// FetchNextPage continues the last paged query. It always calls the service.
func (s *Session) FetchNextPage(ctx context.Context) (*Page, error) {
	if !s.hasMore {
		return nil, ErrNoMorePages
	}

	req := s.lastReq
	req.EventSource.SensorEvents.Cursor = s.cursor
	resp, err := s.call(ctx, req, "next")
	if err != nil {
		return nil, err
	}

	page := newPage(resp)
	page.HasMore = resp.HasMore()
	s.cursor = resp.Cursor
	s.hasMore = page.HasMore
	s.lastResp = resp
	if s.cache != nil {
		s.cache.page = page
	}
	s.billed += resp.Stats.NBilled
	return &page, nil
}

// DryRun asks the service to estimate fragment without running it. The
// cache, cursor and cost total are left untouched.
func (s *Session) DryRun(ctx context.Context, fragment string) (*EstimatedCost, error) {
	req := client.QueryRequest{
		OID:         s.oid,
		Query:       s.qctx.Build(fragment),
		LimitEvent:  s.qctx.LimitEvents,
		LimitEval:   s.qctx.LimitEvals,
		IsDryRun:    true,
		Stream:      string(s.qctx.Stream),
		EventSource: client.EventSource{SensorEvents: client.SensorEvents{Cursor: client.CursorFullQuery}},
	}
	resp, err := s.call(ctx, req, "dry_run")
	if err != nil {
		return nil, err
	}
	return &EstimatedCost{
		BilledUnits:    resp.Stats.NBilled,
		TranscodedRule: resp.TranscodedRule,
	}, nil
}

// call issues one request and turns any failure into a *QueryError.
func (s *Session) call(ctx context.Context, req client.QueryRequest, mode string) (*client.QueryResponse, error) {
	start := time.Now()
	resp, err := s.backend.Query(ctx, req)
	elapsed := time.Since(start)

	rec := &storage.QueryRecord{
		ID:         uuid.NewString(),
		OID:        s.oid,
		Query:      req.Query,
		Stream:     req.Stream,
		Mode:       mode,
		DurationMS: elapsed.Milliseconds(),
		Status:     "ok",
		CreatedAt:  start,
	}

	var qerr *QueryError
	switch {
	case err != nil:
		qerr = &QueryError{Query: req.Query, Message: errorText(err), Err: err}
	case resp.Error != "":
		qerr = &QueryError{Query: req.Query, Message: resp.Error}
	}

	if qerr != nil {
		rec.Status = "error"
		rec.Error = qerr.Message
		s.record(rec)
		s.metrics.RecordQuery(mode, "error", elapsed.Seconds(), 0, 0)
		s.logger.Debug().Err(qerr).Str("mode", mode).Msg("query failed")
		return nil, qerr
	}

	rec.Rows = len(resp.Results)
	rec.BilledUnits = resp.Stats.NBilled
	s.record(rec)
	billed := resp.Stats.NBilled
	if req.IsDryRun {
		billed = 0
	}
	s.metrics.RecordQuery(mode, "ok", elapsed.Seconds(), len(resp.Results), billed)
	s.logger.Debug().
		Str("mode", mode).
		Int("rows", len(resp.Results)).
		Int64("billed", resp.Stats.NBilled).
		Bool("has_more", resp.HasMore()).
		Dur("duration", elapsed).
		Msg("query complete")
	return resp, nil
}

func (s *Session) record(rec *storage.QueryRecord) {
	if s.recorder != nil {
		s.recorder.LogQuery(rec)
	}
}

func newPage(resp *client.QueryResponse) Page {
	rows := make([]json.RawMessage, len(resp.Results))
	for i, r := range resp.Results {
		rows[i] = r.Data
	}
	return Page{
		Rows:           rows,
		BilledUnits:    resp.Stats.NBilled,
		Histogram:      resp.Histogram,
		Facets:         resp.Facets,
		TranscodedRule: resp.TranscodedRule,
	}
}

func modeName(paged bool) string {
	if paged {
		return "paged"
	}
	return "full"
}

// errorText prefers the service's own message over the wrapped transport text.
func errorText(err error) string {
	var apiErr *client.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Message
	}
	return err.Error()
}
