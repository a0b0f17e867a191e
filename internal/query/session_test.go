package query

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-cli/internal/client"
	"insight-cli/internal/monitor"
	"insight-cli/internal/render"
	"insight-cli/internal/storage"
)

// fakeBackend replays queued responses and records every request.
type fakeBackend struct {
	requests  []client.QueryRequest
	responses []*client.QueryResponse
	errs      []error
	schema    *client.Schema
	schemaErr error
}

func (f *fakeBackend) Query(_ context.Context, req client.QueryRequest) (*client.QueryResponse, error) {
	f.requests = append(f.requests, req)
	i := len(f.requests) - 1
	if i < len(f.errs) && f.errs[i] != nil {
		return nil, f.errs[i]
	}
	if i < len(f.responses) {
		return f.responses[i], nil
	}
	return &client.QueryResponse{
		Results: []client.QueryResult{{Data: json.RawMessage(fmt.Sprintf(`{"n":%d}`, i))}},
		Stats:   client.QueryStats{NBilled: 1},
	}, nil
}

func (f *fakeBackend) Schema(context.Context) (*client.Schema, error) {
	if f.schemaErr != nil {
		return nil, f.schemaErr
	}
	return f.schema, nil
}

type recorder struct{ recs []*storage.QueryRecord }

func (r *recorder) LogQuery(rec *storage.QueryRecord) { r.recs = append(r.recs, rec) }

func page(cursor string, billed int64, rows ...string) *client.QueryResponse {
	resp := &client.QueryResponse{Cursor: cursor, Stats: client.QueryStats{NBilled: billed}}
	for _, r := range rows {
		resp.Results = append(resp.Results, client.QueryResult{Data: json.RawMessage(r)})
	}
	return resp
}

func TestDefaultContext(t *testing.T) {
	s := NewSession(&fakeBackend{}, Options{})
	assert.Equal(t, Context{TimeFrame: "-10m", Sensors: "*", Events: "*", Stream: StreamEvent}, s.Context())
	assert.Equal(t, render.FormatTable, s.OutputFormat())
}

func TestBuild(t *testing.T) {
	c := DefaultContext()
	assert.Equal(t, "-10m | * | * | event/FILE_PATH ends with '.exe'", c.Build("event/FILE_PATH ends with '.exe'"))
}

func TestRunQuery_RequestShape(t *testing.T) {
	fb := &fakeBackend{}
	s := NewSession(fb, Options{OID: "org-1"})
	require.NoError(t, s.SetEventLimit(50))
	require.NoError(t, s.SetEvalLimit(7))
	require.NoError(t, s.SetStream(StreamDetect))

	_, err := s.RunQuery(context.Background(), "frag", true)
	require.NoError(t, err)
	_, err = s.RunQuery(context.Background(), "frag", false)
	require.NoError(t, err)

	require.Len(t, fb.requests, 2)
	paged, full := fb.requests[0], fb.requests[1]
	assert.Equal(t, "org-1", paged.OID)
	assert.Equal(t, "-10m | * | * | frag", paged.Query)
	assert.Equal(t, 50, paged.LimitEvent)
	assert.Equal(t, 7, paged.LimitEval)
	assert.Equal(t, "detect", paged.Stream)
	assert.False(t, paged.IsDryRun)
	assert.Equal(t, client.CursorFirstPage, paged.EventSource.SensorEvents.Cursor)
	assert.Equal(t, client.CursorFullQuery, full.EventSource.SensorEvents.Cursor)
}

func TestRunQuery_CacheHit(t *testing.T) {
	fb := &fakeBackend{}
	s := NewSession(fb, Options{})

	first, err := s.RunQuery(context.Background(), "frag", false)
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := s.RunQuery(context.Background(), "frag", false)
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Rows, second.Rows)
	assert.Len(t, fb.requests, 1, "identical query must not call the service")
	assert.Equal(t, int64(1), s.TotalBilled(), "cached results are not billed twice")
}

func TestRunQuery_AnyContextChangeInvalidatesCache(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Session) error
	}{
		{"time frame", func(s *Session) error { return s.SetTimeFrame("-1h") }},
		{"sensors", func(s *Session) error { return s.SetSensors("plat == windows") }},
		{"events", func(s *Session) error { return s.SetEvents(context.Background(), "NEW_PROCESS") }},
		{"stream", func(s *Session) error { return s.SetStream(StreamAudit) }},
		{"event limit", func(s *Session) error { return s.SetEventLimit(10) }},
		{"eval limit", func(s *Session) error { return s.SetEvalLimit(10) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fb := &fakeBackend{schema: &client.Schema{}}
			s := NewSession(fb, Options{})

			_, err := s.RunQuery(context.Background(), "frag", false)
			require.NoError(t, err)
			require.NoError(t, tt.mutate(s))
			p, err := s.RunQuery(context.Background(), "frag", false)
			require.NoError(t, err)

			assert.False(t, p.Cached)
			assert.Len(t, fb.requests, 2)
		})
	}
}

func TestRunQuery_FragmentAndModeChangeInvalidateCache(t *testing.T) {
	fb := &fakeBackend{}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	_, err := s.RunQuery(ctx, "a", false)
	require.NoError(t, err)
	_, err = s.RunQuery(ctx, "b", false)
	require.NoError(t, err)
	_, err = s.RunQuery(ctx, "b", true)
	require.NoError(t, err)

	assert.Len(t, fb.requests, 3)
}

func TestRunQuery_KeyFieldsDoNotRunTogether(t *testing.T) {
	// "1" + "0m" and "10" + "m" must not share a cache slot.
	fb := &fakeBackend{}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	require.NoError(t, s.SetEventLimit(1))
	_, err := s.RunQuery(ctx, "0m", false)
	require.NoError(t, err)

	require.NoError(t, s.SetEventLimit(10))
	p, err := s.RunQuery(ctx, "m", false)
	require.NoError(t, err)
	assert.False(t, p.Cached)
	assert.Len(t, fb.requests, 2)
}

func TestPaging(t *testing.T) {
	fb := &fakeBackend{responses: []*client.QueryResponse{
		page("c1", 2, `{"n":1}`),
		page("c2", 3, `{"n":2}`),
		page("", 4, `{"n":3}`),
	}}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	p, err := s.RunQuery(ctx, "frag", true)
	require.NoError(t, err)
	assert.True(t, p.HasMore)

	p, err = s.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.True(t, p.HasMore)
	assert.JSONEq(t, `{"n":2}`, string(p.Rows[0]))
	assert.Equal(t, "c1", fb.requests[1].EventSource.SensorEvents.Cursor)

	p, err = s.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.False(t, p.HasMore)
	assert.Equal(t, "c2", fb.requests[2].EventSource.SensorEvents.Cursor)
	assert.Equal(t, fb.requests[0].Query, fb.requests[2].Query)

	_, err = s.FetchNextPage(ctx)
	assert.ErrorIs(t, err, ErrNoMorePages)
	assert.True(t, IsNoMorePages(err))
	assert.Len(t, fb.requests, 3)

	assert.Equal(t, int64(9), s.TotalBilled())
}

func TestFetchNextPage_WithoutQuery(t *testing.T) {
	_, err := NewSession(&fakeBackend{}, Options{}).FetchNextPage(context.Background())
	assert.ErrorIs(t, err, ErrNoMorePages)
}

func TestFetchNextPage_AfterFullQuery(t *testing.T) {
	fb := &fakeBackend{responses: []*client.QueryResponse{page("ignored", 1, `{}`)}}
	s := NewSession(fb, Options{})

	p, err := s.RunQuery(context.Background(), "frag", false)
	require.NoError(t, err)
	assert.False(t, p.HasMore)

	_, err = s.FetchNextPage(context.Background())
	assert.ErrorIs(t, err, ErrNoMorePages)
}

func TestRunQuery_FailureLeavesStateUnchanged(t *testing.T) {
	fb := &fakeBackend{
		responses: []*client.QueryResponse{page("c1", 5, `{"n":1}`), nil, {Error: "bad syntax"}},
		errs:      []error{nil, &client.APIError{StatusCode: 500, Message: "backend exploded"}},
	}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	_, err := s.RunQuery(ctx, "good", true)
	require.NoError(t, err)

	_, err = s.RunQuery(ctx, "bad", true)
	require.Error(t, err)
	var qerr *QueryError
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "backend exploded", qerr.Message)
	assert.True(t, IsQueryFailed(err))

	var apiErr *client.APIError
	assert.ErrorAs(t, err, &apiErr)

	_, err = s.RunQuery(ctx, "worse", true)
	require.ErrorAs(t, err, &qerr)
	assert.Equal(t, "bad syntax", qerr.Message)
	assert.Contains(t, err.Error(), "bad syntax")

	// Cost, cursor and cache still reflect the first query.
	assert.Equal(t, int64(5), s.TotalBilled())
	assert.True(t, s.HasMore())
	p, err := s.RunQuery(ctx, "good", true)
	require.NoError(t, err)
	assert.True(t, p.Cached)
	assert.Len(t, fb.requests, 3)
}

func TestFetchNextPage_FailureKeepsCursor(t *testing.T) {
	fb := &fakeBackend{
		responses: []*client.QueryResponse{page("c1", 1, `{}`), nil, page("", 1, `{}`)},
		errs:      []error{nil, errors.New("connection reset")},
	}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	_, err := s.RunQuery(ctx, "frag", true)
	require.NoError(t, err)
	_, err = s.FetchNextPage(ctx)
	require.Error(t, err)
	assert.True(t, IsQueryFailed(err))

	_, err = s.FetchNextPage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c1", fb.requests[2].EventSource.SensorEvents.Cursor)
}

func TestDryRun(t *testing.T) {
	fb := &fakeBackend{responses: []*client.QueryResponse{
		page("", 3, `{"n":1}`),
		{Stats: client.QueryStats{NBilled: 1000}, TranscodedRule: json.RawMessage(`{"op":"is"}`)},
	}}
	s := NewSession(fb, Options{})
	ctx := context.Background()

	_, err := s.RunQuery(ctx, "frag", false)
	require.NoError(t, err)

	est, err := s.DryRun(ctx, "frag")
	require.NoError(t, err)
	assert.Equal(t, int64(1000), est.BilledUnits)
	assert.JSONEq(t, `{"op":"is"}`, string(est.TranscodedRule))
	assert.True(t, fb.requests[1].IsDryRun)

	// Neither the cost total nor the cache moved.
	assert.Equal(t, int64(3), s.TotalBilled())
	p, err := s.RunQuery(ctx, "frag", false)
	require.NoError(t, err)
	assert.True(t, p.Cached)
}

func TestSetEvents_RefreshFailureKeepsSelector(t *testing.T) {
	fb := &fakeBackend{schemaErr: errors.New("schema unavailable")}
	s := NewSession(fb, Options{})

	err := s.SetEvents(context.Background(), "NEW_PROCESS DNS_REQUEST")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema unavailable")
	assert.Equal(t, "NEW_PROCESS DNS_REQUEST", s.Context().Events)
}

func TestSetEvents_RefreshesCompletions(t *testing.T) {
	fb := &fakeBackend{schema: &client.Schema{EventTypes: []string{"NEW_PROCESS", "DNS_REQUEST"}}}
	s := NewSession(fb, Options{})

	require.NoError(t, s.SetEvents(context.Background(), "NEW_PROCESS"))
	assert.Equal(t, []string{"DNS_REQUEST", "NEW_PROCESS"}, s.Completions())
}

func TestSetters_Validation(t *testing.T) {
	s := NewSession(&fakeBackend{}, Options{})

	assert.Error(t, s.SetTimeFrame("  "))
	assert.Error(t, s.SetSensors(""))
	assert.Error(t, s.SetEventLimit(-1))
	assert.Error(t, s.SetEvalLimit(-1))
	assert.Error(t, s.SetStream("firehose"))
	assert.Error(t, s.SetOutputFormat("yaml"))

	require.NoError(t, s.SetOutputFormat(render.FormatJSON))
	assert.Equal(t, render.FormatJSON, s.OutputFormat())

	s.SetOutputFile("/tmp/out.json")
	assert.Equal(t, "/tmp/out.json", s.OutputFile())
	s.SetOutputFile("-")
	assert.Equal(t, "", s.OutputFile())

	// Selectors are opaque and passed through untouched.
	require.NoError(t, s.SetSensors("hostname contains 'web' and plat == linux"))
	assert.Equal(t, "hostname contains 'web' and plat == linux", s.Context().Sensors)
}

func TestStream_Set(t *testing.T) {
	var st Stream
	require.NoError(t, st.Set("AUDIT"))
	assert.Equal(t, StreamAudit, st)
	assert.Error(t, st.Set("nope"))
	assert.Equal(t, "stream", st.Type())
}

func TestAuditAndMetrics(t *testing.T) {
	fb := &fakeBackend{
		responses: []*client.QueryResponse{page("", 4, `{}`, `{}`)},
		errs:      []error{nil, errors.New("down")},
	}
	rec := &recorder{}
	m := monitor.NewMetrics()
	s := NewSession(fb, Options{Recorder: rec, Metrics: m, OID: "org-1"})

	_, err := s.RunQuery(context.Background(), "a", false)
	require.NoError(t, err)
	_, err = s.RunQuery(context.Background(), "b", false)
	require.Error(t, err)

	require.Len(t, rec.recs, 2)
	assert.Equal(t, "ok", rec.recs[0].Status)
	assert.Equal(t, 2, rec.recs[0].Rows)
	assert.Equal(t, int64(4), rec.recs[0].BilledUnits)
	assert.Equal(t, "org-1", rec.recs[0].OID)
	assert.NotEmpty(t, rec.recs[0].ID)
	assert.Equal(t, "error", rec.recs[1].Status)
	assert.Equal(t, "down", rec.recs[1].Error)
}
