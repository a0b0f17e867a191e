package shell

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"insight-cli/internal/client"
	"insight-cli/internal/query"
)

type fakeBackend struct {
	responses []*client.QueryResponse
	requests  []client.QueryRequest
	schema    []string
	err       error
}

func (b *fakeBackend) Query(_ context.Context, req client.QueryRequest) (*client.QueryResponse, error) {
	b.requests = append(b.requests, req)
	if b.err != nil {
		return nil, b.err
	}
	if len(b.responses) == 0 {
		return &client.QueryResponse{}, nil
	}
	resp := b.responses[0]
	b.responses = b.responses[1:]
	return resp, nil
}

func (b *fakeBackend) Schema(context.Context) (*client.Schema, error) {
	return &client.Schema{EventTypes: b.schema}, nil
}

func rows(objs ...string) []client.QueryResult {
	out := make([]client.QueryResult, len(objs))
	for i, o := range objs {
		out[i] = client.QueryResult{Data: json.RawMessage(o)}
	}
	return out
}

func newTestShell(t *testing.T, backend *fakeBackend, input string) (*Shell, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	sess := query.NewSession(backend, query.Options{OID: "org-1"})
	hist := NewHistory(filepath.Join(t.TempDir(), "history"), 10)
	sh := New(Options{
		Session: sess,
		Reader:  NewScanReader(strings.NewReader(input), nil, Prompt, hist),
		Out:     &out,
		History: hist,
	})
	return sh, &out
}

func TestRunPagedQuery(t *testing.T) {
	backend := &fakeBackend{responses: []*client.QueryResponse{
		{Results: rows(`{"host":"a"}`), Stats: client.QueryStats{NBilled: 3}, Cursor: "c1"},
		{Results: rows(`{"host":"b"}`), Stats: client.QueryStats{NBilled: 2}},
	}}
	sh, out := newTestShell(t, backend, "q NEW_PROCESS\nn\nn\nstats\nquit\n")

	require.NoError(t, sh.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "| a ")
	assert.Contains(t, text, "| b ")
	assert.Contains(t, text, "More results available")
	assert.Contains(t, text, "Error: no more pages")
	assert.Contains(t, text, "Total billed units this session: 5")
	require.Len(t, backend.requests, 2)
	assert.Equal(t, "-10m | * | * | NEW_PROCESS", backend.requests[0].Query)
	assert.Equal(t, "-", backend.requests[0].EventSource.SensorEvents.Cursor)
	assert.Equal(t, "c1", backend.requests[1].EventSource.SensorEvents.Cursor)
}

func TestRunKeepsGoingAfterErrors(t *testing.T) {
	backend := &fakeBackend{err: errors.New("connection refused")}
	sh, out := newTestShell(t, backend, "q x\nbogus\nset_limit_event -1\nset_limit_event abc\nenv\n")

	require.NoError(t, sh.Run(context.Background()))
	text := out.String()

	assert.Contains(t, text, "Error: query failed: connection refused")
	assert.Contains(t, text, `Error: unknown command "bogus"`)
	assert.Contains(t, text, "Error: event limit must be >= 0")
	assert.Contains(t, text, "Error: invalid limit")
	assert.Contains(t, text, "time frame:   -10m")
}

func TestCachedQuery(t *testing.T) {
	backend := &fakeBackend{responses: []*client.QueryResponse{
		{Results: rows(`{"k":1}`), Stats: client.QueryStats{NBilled: 4}},
	}}
	sh, out := newTestShell(t, backend, "")
	ctx := context.Background()

	sh.Execute(ctx, "qa * | NEW_PROCESS")
	sh.Execute(ctx, "qa * | NEW_PROCESS")

	assert.Len(t, backend.requests, 1)
	assert.Contains(t, out.String(), "Billed units: 4")
	assert.Contains(t, out.String(), "(cached result, no units billed)")
}

func TestSetCommandsChangeContext(t *testing.T) {
	backend := &fakeBackend{schema: []string{"NEW_PROCESS", "DNS_REQUEST"}}
	sh, out := newTestShell(t, backend, "")
	ctx := context.Background()

	for _, line := range []string{
		"set_time -2h",
		"set_sensors plat == windows",
		"set_events NEW_PROCESS DNS_REQUEST",
		"set_stream audit",
		"set_limit_event 100",
		"set_limit_eval 50",
		"set_format json",
	} {
		assert.False(t, sh.Execute(ctx, line), line)
	}
	assert.NotContains(t, out.String(), "Error:")

	c := sh.session.Context()
	assert.Equal(t, "-2h", c.TimeFrame)
	assert.Equal(t, "plat == windows", c.Sensors)
	assert.Equal(t, "NEW_PROCESS DNS_REQUEST", c.Events)
	assert.Equal(t, query.StreamAudit, c.Stream)
	assert.Equal(t, 100, c.LimitEvents)
	assert.Equal(t, 50, c.LimitEvals)
	assert.Equal(t, []string{"DNS_REQUEST", "NEW_PROCESS"}, sh.session.Completions())

	sh.Execute(ctx, "set_stream logs")
	assert.Contains(t, out.String(), "Error: invalid stream")
	sh.Execute(ctx, "set_format xml")
	assert.Contains(t, out.String(), "Error: invalid format")
}

func TestSetOutputWritesFile(t *testing.T) {
	backend := &fakeBackend{responses: []*client.QueryResponse{
		{Results: rows(`{"k":1}`)},
	}}
	sh, out := newTestShell(t, backend, "")
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "results.json")

	sh.Execute(ctx, "set_format json")
	sh.Execute(ctx, "set_output "+path)
	sh.Execute(ctx, "qa x")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":1}`, string(data))
	assert.Contains(t, out.String(), "1 row(s) written to "+path)

	sh.Execute(ctx, "set_output -")
	assert.Equal(t, "", sh.session.OutputFile())
}

func TestDryRun(t *testing.T) {
	backend := &fakeBackend{responses: []*client.QueryResponse{
		{Stats: client.QueryStats{NBilled: 12}, TranscodedRule: json.RawMessage(`{"op":"is"}`)},
	}}
	sh, out := newTestShell(t, backend, "")

	sh.Execute(context.Background(), "dryrun NEW_PROCESS")
	assert.Contains(t, out.String(), "Estimated cost: 12 billed units")
	assert.Contains(t, out.String(), `{"op":"is"}`)
	assert.True(t, backend.requests[0].IsDryRun)
	assert.Equal(t, int64(0), sh.session.TotalBilled())
}

func TestHistogramAndFacets(t *testing.T) {
	backend := &fakeBackend{responses: []*client.QueryResponse{{
		Histogram: map[string]int64{"10:00": 2},
		Facets:    map[string]map[string]int64{"host": {"a": 2}},
	}}}
	sh, out := newTestShell(t, backend, "")
	ctx := context.Background()

	sh.Execute(ctx, "histogram")
	assert.Contains(t, out.String(), "No histogram data available.")

	sh.Execute(ctx, "qa x")
	out.Reset()
	sh.Execute(ctx, "histogram")
	sh.Execute(ctx, "facets")
	assert.Contains(t, out.String(), "10:00 (2)")
	assert.Contains(t, out.String(), "* host:\n  - a: 2\n")
}

func TestQuitAndUsage(t *testing.T) {
	sh, out := newTestShell(t, &fakeBackend{}, "")
	ctx := context.Background()

	assert.True(t, sh.Execute(ctx, "quit"))
	assert.True(t, sh.Execute(ctx, "  exit  "))
	assert.False(t, sh.Execute(ctx, ""))
	assert.False(t, sh.Execute(ctx, "q"))
	assert.Contains(t, out.String(), "Error: usage: q <query>")

	out.Reset()
	sh.Execute(ctx, "help")
	assert.Contains(t, out.String(), "set_limit_eval <n>")
	assert.Contains(t, out.String(), "quit")
}

func TestComplete(t *testing.T) {
	backend := &fakeBackend{schema: []string{"NEW_PROCESS", "NETWORK_CONNECTIONS", "DNS_REQUEST"}}
	sh, _ := newTestShell(t, backend, "")
	require.NoError(t, sh.session.RefreshSchema(context.Background()))

	tests := []struct {
		name     string
		line     string
		wantLine string
		wantOK   bool
	}{
		{"unique command", "hist", "histogram ", true},
		{"shared prefix", "set_l", "set_limit_ev", true},
		{"ambiguous no progress", "set_limit_ev", "", false},
		{"event type", "q * | DNS", "q * | DNS_REQUEST", true},
		{"event common prefix", "set_events NE", "set_events NE", false},
		{"event longer prefix", "set_events NEW", "set_events NEW_PROCESS", true},
		{"no match", "zzz", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			line, pos, ok := sh.Complete(tt.line, len(tt.line), '\t')
			assert.Equal(t, tt.wantOK, ok)
			if ok {
				assert.Equal(t, tt.wantLine, line)
				assert.Equal(t, len(tt.wantLine), pos)
			}
		})
	}

	_, _, ok := sh.Complete("hist", 4, 'x')
	assert.False(t, ok)
}

func TestCloseSavesHistoryOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "history")
	hist := NewHistory(path, 10)
	sess := query.NewSession(&fakeBackend{}, query.Options{})
	sh := New(Options{
		Session: sess,
		Reader:  NewScanReader(strings.NewReader("env\nstats\n"), nil, Prompt, hist),
		Out:     &bytes.Buffer{},
		History: hist,
	})

	require.NoError(t, sh.Run(context.Background()))
	require.NoError(t, sh.Close())
	require.NoError(t, sh.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "env\nstats\n", string(data))
}
