package api

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"insight-cli/internal/client"
)

// EventTypes served by the schema endpoint.
var EventTypes = []string{
	"CODE_IDENTITY",
	"DNS_REQUEST",
	"FILE_CREATE",
	"NETWORK_CONNECTIONS",
	"NEW_PROCESS",
	"TERMINATE_PROCESS",
	"USER_OBSERVED",
}

var hostnames = []string{"web-01", "web-02", "db-01", "build-07"}

// Dataset produces deterministic canned result pages.
type Dataset struct {
	PageSize int
	Pages    int
	Base     time.Time
}

// Cursor names used between pages: "p2", "p3", ...
func pageCursor(page int) string {
	return fmt.Sprintf("p%d", page)
}

// parseCursor maps a request cursor to a 1-based page, 0 meaning all pages.
func (d Dataset) parseCursor(cursor string) (int, error) {
	switch cursor {
	case client.CursorFullQuery:
		return 0, nil
	case client.CursorFirstPage:
		return 1, nil
	}
	var page int
	if _, err := fmt.Sscanf(cursor, "p%d", &page); err != nil || page < 2 || page > d.Pages {
		return 0, fmt.Errorf("invalid cursor %q", cursor)
	}
	return page, nil
}

// Respond answers a query request. Fragments containing "INVALID" yield a
// service-reported error; "EMPTY" yields no rows.
func (d Dataset) Respond(req client.QueryRequest) (*client.QueryResponse, error) {
	page, err := d.parseCursor(req.EventSource.SensorEvents.Cursor)
	if err != nil {
		return nil, err
	}

	if strings.Contains(req.Query, "INVALID") {
		return &client.QueryResponse{Error: "invalid query: unexpected token INVALID"}, nil
	}

	if req.IsDryRun {
		rule, _ := json.Marshal(map[string]string{"op": "lookup", "query": req.Query})
		return &client.QueryResponse{
			Stats:          client.QueryStats{NBilled: int64(d.PageSize * d.Pages)},
			TranscodedRule: rule,
		}, nil
	}

	resp := &client.QueryResponse{
		Histogram: map[string]int64{},
		Facets:    map[string]map[string]int64{"routing/hostname": {}},
	}
	if strings.Contains(req.Query, "EMPTY") {
		return resp, nil
	}

	first, last := page, page
	if page == 0 {
		first, last = 1, d.Pages
	} else if page < d.Pages {
		resp.Cursor = pageCursor(page + 1)
	}

	for p := first; p <= last; p++ {
		for i := 0; i < d.PageSize; i++ {
			if req.LimitEvent > 0 && len(resp.Results) >= req.LimitEvent {
				resp.Cursor = ""
				break
			}
			n := (p-1)*d.PageSize + i
			ts := d.Base.Add(time.Duration(n) * time.Minute)
			host := hostnames[n%len(hostnames)]

			row, _ := json.Marshal(map[string]any{
				"ts": ts.UTC().Format("2006-01-02 15:04:05"),
				"routing": map[string]any{
					"hostname":   host,
					"event_type": "NEW_PROCESS",
					"sid":        fmt.Sprintf("sensor-%d", n%len(hostnames)),
				},
				"event": map[string]any{
					"FILE_PATH":    fmt.Sprintf("C:\\Windows\\System32\\proc%d.exe", n),
					"PROCESS_ID":   1000 + n,
					"COMMAND_LINE": fmt.Sprintf("proc%d.exe /quiet", n),
				},
			})
			resp.Results = append(resp.Results, client.QueryResult{Data: row})
			resp.Histogram[ts.UTC().Format("15:04")]++
			resp.Facets["routing/hostname"][host]++
		}
	}
	resp.Stats.NBilled = int64(len(resp.Results))
	return resp, nil
}
