package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(Options{
		QueryURL:  srv.URL + "/query",
		SearchURL: srv.URL,
		OID:       "org-1",
		Tokens:    StaticToken("tok"),
	})
}

func TestQuery_SendsWireFormat(t *testing.T) {
	var got map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/query", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		assert.NotEmpty(t, r.Header.Get("X-Request-ID"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"results":[{"data":{"b":1,"a":2}}],"stats":{"n_billed":7},"cursor":"abc"}`))
	})

	resp, err := c.Query(context.Background(), QueryRequest{
		Query:       "-10m | * | * | event/FILE_PATH contains 'x'",
		LimitEvent:  5,
		Stream:      "event",
		EventSource: EventSource{SensorEvents: SensorEvents{Cursor: CursorFirstPage}},
	})
	require.NoError(t, err)

	assert.Equal(t, "org-1", got["oid"])
	assert.Equal(t, float64(5), got["limit_event"])
	assert.Equal(t, float64(0), got["limit_eval"])
	assert.Equal(t, false, got["is_dry_run"])
	assert.Equal(t, "event", got["stream"])
	assert.Equal(t, map[string]any{"sensor_events": map[string]any{"cursor": "-"}}, got["event_source"])

	require.Len(t, resp.Results, 1)
	assert.JSONEq(t, `{"b":1,"a":2}`, string(resp.Results[0].Data))
	assert.Equal(t, int64(7), resp.Stats.NBilled)
	assert.True(t, resp.HasMore())
}

func TestQuery_APIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"syntax error near 'foo'"}`))
	})

	_, err := c.Query(context.Background(), QueryRequest{Query: "foo"})
	require.Error(t, err)

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "syntax error near 'foo'", apiErr.Message)
	assert.NotEmpty(t, apiErr.RequestID)
	assert.True(t, IsBadRequest(err))
	assert.False(t, IsNotFound(err))
}

func TestErrorMessage_Fallbacks(t *testing.T) {
	assert.Equal(t, "boom", errorMessage(500, []byte(`{"message":"boom"}`)))
	assert.Equal(t, "plain text", errorMessage(500, []byte("plain text\n")))
	assert.Equal(t, "Not Found", errorMessage(404, nil))
}

func TestSchema(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/query/schema", r.URL.Path)
		assert.Equal(t, "org-1", r.URL.Query().Get("oid"))
		w.Write([]byte(`{"event_types":["NEW_PROCESS","DNS_REQUEST"]}`))
	})

	schema, err := c.Schema(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"NEW_PROCESS", "DNS_REQUEST"}, schema.EventTypes)
}

func TestStartDownload(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/download", r.URL.Path)
		var body DownloadRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "org-1", body.OID)
		assert.Equal(t, int64(100), body.StartTime)
		assert.JSONEq(t, `{"case":"42"}`, string(body.Metadata))
		w.Write([]byte(`{"jobId":"job-1","estimatedStats":{"eventsScanned":10,"eventsMatched":3,"estimatedPrice":{"price":0.5,"currency":"USD"}}}`))
	})

	started, err := c.StartDownload(context.Background(), DownloadRequest{
		Query:     "* | *",
		StartTime: 100,
		EndTime:   200,
		Metadata:  json.RawMessage(`{"case":"42"}`),
	})
	require.NoError(t, err)
	assert.Equal(t, "job-1", started.JobID)
	assert.Equal(t, int64(3), started.EstimatedStats.EventsMatched)
	assert.Equal(t, "USD", started.EstimatedStats.EstimatedPrice.Currency)
}

func TestListDownloads_StringifiesParams(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "20", r.URL.Query().Get("limit"))
		assert.Equal(t, "40", r.URL.Query().Get("offset"))
		w.Write([]byte(`{"jobs":[{"jobId":"a","status":"running"},{"jobId":"b","status":"completed"}]}`))
	})

	jobs, err := c.ListDownloads(context.Background(), 20, 40)
	require.NoError(t, err)
	require.Len(t, jobs, 2)
	assert.Equal(t, JobCompleted, jobs[1].Status)
}

func TestCancelDownload(t *testing.T) {
	tests := []struct {
		name     string
		code     int
		body     string
		wantErr  bool
		conflict bool
	}{
		{"ok", http.StatusOK, `{}`, false, false},
		{"no content", http.StatusNoContent, ``, false, false},
		{"conflict", http.StatusConflict, `{"error":"job already completed"}`, true, true},
		{"not found", http.StatusNotFound, `{"error":"job not found"}`, true, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodDelete, r.Method)
				assert.Equal(t, "/download/job%2F1", r.URL.EscapedPath())
				w.WriteHeader(tt.code)
				w.Write([]byte(tt.body))
			})

			err := c.CancelDownload(context.Background(), "job/1")
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.conflict, IsConflict(err))
		})
	}
}

func TestDownloadStatus_DecodesProgress(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"jobId":"j","status":"running","progress":{"eventsProcessed":1500,"pagesProcessed":3,"bytesProcessed":2048,"runtimeSeconds":65,"eventsPerSecond":23.1,"dateRangePercent":42.5}}`))
	})

	st, err := c.DownloadStatus(context.Background(), "j")
	require.NoError(t, err)
	require.NotNil(t, st.Progress)
	assert.Equal(t, int64(1500), st.Progress.EventsProcessed)
	assert.InDelta(t, 42.5, st.Progress.DateRangePercent, 0.001)
	assert.False(t, st.Status.Terminal())
}

func TestTransportError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	c := New(Options{SearchURL: srv.URL})
	_, err := c.DownloadStatus(context.Background(), "j")
	require.Error(t, err)

	var apiErr *APIError
	assert.False(t, errors.As(err, &apiErr))
}

func TestJobStateTerminal(t *testing.T) {
	for _, s := range []JobState{JobQueued, JobRunning, JobMerging, "unknown"} {
		assert.False(t, s.Terminal(), s)
	}
	for _, s := range []JobState{JobCompleted, JobFailed, JobCancelled} {
		assert.True(t, s.Terminal(), s)
	}
}
