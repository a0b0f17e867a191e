package download

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"insight-cli/internal/client"
	"insight-cli/internal/render"
)

var statusIcons = map[client.JobState]string{
	client.JobQueued:    "⏳",
	client.JobRunning:   "🔄",
	client.JobMerging:   "📦",
	client.JobCompleted: "✅",
	client.JobFailed:    "❌",
	client.JobCancelled: "🚫",
}

// PrintStatus writes a human-readable job summary. Progress is shown for
// active jobs, or always when verbose; metadata only when verbose.
func PrintStatus(w io.Writer, status *client.JobStatus, verbose bool) {
	icon, ok := statusIcons[status.Status]
	if !ok {
		icon = "❓"
	}
	state := string(status.Status)
	if state == "" {
		state = "unknown"
	}
	jobID := status.JobID
	if jobID == "" {
		jobID = "unknown"
	}

	fmt.Fprintf(w, "%s Job: %s\n", icon, jobID)
	fmt.Fprintf(w, "   Status: %s\n", state)
	fmt.Fprintf(w, "   Created: %s\n", status.CreatedAt)
	if status.StartedAt != "" {
		fmt.Fprintf(w, "   Started: %s\n", status.StartedAt)
	}
	if status.CompletedAt != "" {
		fmt.Fprintf(w, "   Completed: %s\n", status.CompletedAt)
	}

	active := status.Status == client.JobRunning || status.Status == client.JobMerging
	if p := status.Progress; p != nil && (verbose || active) {
		fmt.Fprintln(w, "   Progress:")
		fmt.Fprintf(w, "     - Events processed: %s\n", render.FormatCount(p.EventsProcessed))
		fmt.Fprintf(w, "     - Pages processed: %d\n", p.PagesProcessed)
		fmt.Fprintf(w, "     - Data processed: %s\n", render.FormatBytes(p.BytesProcessed))
		if p.RuntimeSeconds > 0 {
			fmt.Fprintf(w, "     - Runtime: %s\n", render.FormatDuration(p.RuntimeSeconds))
		}
		if p.EventsPerSecond > 0 {
			fmt.Fprintf(w, "     - Rate: %.1f events/sec\n", p.EventsPerSecond)
		}
		if p.DateRangePercent > 0 {
			fmt.Fprintf(w, "     - Date range: %.1f%%\n", p.DateRangePercent)
		}
	}

	if status.Error != "" {
		fmt.Fprintf(w, "   Error: %s\n", status.Error)
	}
	if status.ResultURL != "" {
		fmt.Fprintf(w, "   Result URL: %s\n", status.ResultURL)
		if status.ResultExpiry != "" {
			fmt.Fprintf(w, "   URL Expires: %s\n", status.ResultExpiry)
		}
	}

	if verbose && len(status.Metadata) > 0 {
		var meta map[string]any
		if json.Unmarshal(status.Metadata, &meta) == nil && len(meta) > 0 {
			fmt.Fprintln(w, "   Metadata:")
			keys := make([]string, 0, len(meta))
			for k := range meta {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "     - %s: %v\n", k, meta[k])
			}
		}
	}
}

// ProgressLine is the single carriage-return line redrawn while waiting.
func ProgressLine(status *client.JobStatus) string {
	var events int64
	var runtime, pct float64
	if p := status.Progress; p != nil {
		events, runtime, pct = p.EventsProcessed, p.RuntimeSeconds, p.DateRangePercent
	}
	return fmt.Sprintf("\r  Status: %s | Events: %s | Progress: %.1f%% | Runtime: %s   ",
		status.Status, render.FormatCount(events), pct, render.FormatDuration(runtime))
}

// PrintStarted writes the summary shown after a job is accepted.
func PrintStarted(w io.Writer, started *Started) {
	fmt.Fprintf(w, "Download job started: %s\n", started.JobID)
	est := started.EstimatedStats
	if est.EventsMatched > 0 {
		fmt.Fprintf(w, "Estimated events: %s\n", render.FormatCount(est.EventsMatched))
	}
	if est.EstimatedPrice.Currency != "" || est.EstimatedPrice.Price > 0 {
		currency := est.EstimatedPrice.Currency
		if currency == "" {
			currency = "USD"
		}
		fmt.Fprintf(w, "Estimated price: %.4f %s\n", est.EstimatedPrice.Price, currency)
	}
	if started.TokenExpiry != "" {
		fmt.Fprintf(w, "Token expires: %s\n", started.TokenExpiry)
	}
}
