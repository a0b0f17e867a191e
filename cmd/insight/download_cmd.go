package main

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"insight-cli/internal/client"
	"insight-cli/internal/download"
)

func newDownloadCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search-download",
		Short: "Manage long-running search download jobs",
	}
	cmd.AddCommand(
		newDownloadStartCmd(a),
		newDownloadStatusCmd(a),
		newDownloadListCmd(a),
		newDownloadCancelCmd(a),
		newDownloadWaitCmd(a),
		newDownloadURLCmd(a),
	)
	return cmd
}

func (a *app) downloads(cmd *cobra.Command) (*download.Service, error) {
	c, tokens, err := a.connect(cmd.Context())
	if err != nil {
		return nil, err
	}
	return download.NewService(c, download.Options{
		OID:      c.OID(),
		Tokens:   tokens,
		Recorder: a.jobRecorder(),
		Metrics:  a.metrics,
	}), nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newDownloadStartCmd(a *app) *cobra.Command {
	var (
		opts     download.StartOptions
		wait     bool
		jsonOut  bool
		interval time.Duration
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a new search download job",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("compression") {
				opts.Compression = a.cfg.Download.Compression
			}
			if !cmd.Flags().Changed("token-hours") {
				opts.TokenHours = a.cfg.Download.TokenHours
			}

			errOut := cmd.ErrOrStderr()
			if !jsonOut {
				fmt.Fprintln(errOut, "Starting search download job...")
				fmt.Fprintf(errOut, "Query: %s\n", opts.Query)
				fmt.Fprintf(errOut, "Token valid for: %g hours\n\n", opts.TokenHours)
			}

			started, err := svc.Start(cmd.Context(), opts)
			if err != nil {
				return err
			}
			if jsonOut {
				if err := printJSON(cmd.OutOrStdout(), started.DownloadStarted); err != nil {
					return err
				}
			} else {
				download.PrintStarted(cmd.OutOrStdout(), started)
			}

			if !wait {
				return nil
			}
			if !jsonOut {
				fmt.Fprintln(errOut, "\nWaiting for job to complete...")
			}
			return waitForJob(cmd, a, svc, started.JobID, interval, a.cfg.Download.Timeout, jsonOut, jsonOut)
		},
	}

	fl := cmd.Flags()
	fl.StringVarP(&opts.Query, "query", "q", "", "the search query to execute")
	fl.StringVarP(&opts.Start, "start", "s", "", "start time: now-10m, 2025-12-30 10:00:00, Unix timestamp")
	fl.StringVarP(&opts.End, "end", "e", "", "end time: now, now-1h, 2025-12-30 10:00:00, Unix timestamp")
	fl.StringVar(&opts.Stream, "stream", "", "optional stream: event, audit or detect")
	fl.StringVar(&opts.Compression, "compression", "zip", "result compression: zip or none")
	fl.Float64Var(&opts.TokenHours, "token-hours", 8, "token validity in hours; jobs can run up to 6 hours")
	fl.StringVar(&opts.Metadata, "metadata", "", `JSON object attached to the job, e.g. '{"purpose": "forensics"}'`)
	fl.BoolVar(&wait, "wait", false, "wait for the job to complete")
	fl.DurationVar(&interval, "poll-interval", download.DefaultPollInterval, "time between status checks with --wait")
	fl.BoolVar(&jsonOut, "json", false, "print raw JSON")
	_ = cmd.MarkFlagRequired("query")
	_ = cmd.MarkFlagRequired("start")
	_ = cmd.MarkFlagRequired("end")
	return cmd
}

func newDownloadStatusCmd(a *app) *cobra.Command {
	var verbose, jsonOut bool
	cmd := &cobra.Command{
		Use:   "status <job-id>",
		Short: "Get the status of a download job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			status, err := svc.Status(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if jsonOut {
				return printJSON(cmd.OutOrStdout(), status)
			}
			download.PrintStatus(cmd.OutOrStdout(), status, verbose)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&verbose, "details", "d", false, "show detailed progress information")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	return cmd
}

func newDownloadListCmd(a *app) *cobra.Command {
	var (
		limit, offset int
		verbose       bool
		jsonOut       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List download jobs for the organization",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			jobs, err := svc.List(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if jsonOut {
				if jobs == nil {
					jobs = []client.JobStatus{}
				}
				return printJSON(out, map[string]any{"jobs": jobs})
			}
			if len(jobs) == 0 {
				fmt.Fprintln(out, "No download jobs found.")
				return nil
			}
			fmt.Fprintf(out, "Found %d download job(s):\n\n", len(jobs))
			for i := range jobs {
				download.PrintStatus(out, &jobs[i], verbose)
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to return (max 1000)")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of jobs to skip")
	cmd.Flags().BoolVarP(&verbose, "details", "d", false, "show detailed progress information")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	return cmd
}

func newDownloadCancelCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a running download job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			if err := svc.Cancel(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Job %s cancelled successfully.\n", args[0])
			return nil
		},
	}
}

func newDownloadWaitCmd(a *app) *cobra.Command {
	var (
		interval time.Duration
		timeout  time.Duration
		quiet    bool
		jsonOut  bool
	)
	cmd := &cobra.Command{
		Use:   "wait <job-id>",
		Short: "Wait for a download job to complete",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("poll-interval") {
				interval = a.cfg.Download.PollInterval
			}
			if !cmd.Flags().Changed("timeout") {
				timeout = a.cfg.Download.Timeout
			}
			silent := quiet || jsonOut
			if !silent {
				fmt.Fprintf(cmd.ErrOrStderr(), "Waiting for job %s to complete...\n", args[0])
			}
			return waitForJob(cmd, a, svc, args[0], interval, timeout, silent, jsonOut)
		},
	}
	cmd.Flags().DurationVar(&interval, "poll-interval", download.DefaultPollInterval, "time between status checks")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "maximum time to wait, 0 waits forever")
	cmd.Flags().BoolVar(&quiet, "quiet", false, "suppress progress output")
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print raw JSON")
	return cmd
}

// waitForJob polls until the job ends. Progress goes to stderr on a single
// rewritten line; an interrupt leaves the job running and exits 130.
func waitForJob(cmd *cobra.Command, a *app, svc *download.Service, jobID string, interval, timeout time.Duration, silent, jsonOut bool) error {
	errOut := cmd.ErrOrStderr()
	opts := download.PollOptions{Interval: interval, Timeout: timeout}
	if !silent {
		opts.OnProgress = func(status *client.JobStatus) error {
			_, err := io.WriteString(errOut, download.ProgressLine(status))
			return err
		}
	}

	final, err := svc.Wait(cmd.Context(), jobID, opts)
	if !silent {
		fmt.Fprintln(errOut)
	}
	if err != nil {
		if download.IsInterrupted(err) && cmd.Context().Err() != nil {
			fmt.Fprintln(errOut, "Interrupted. The job is still running in the background.")
			fmt.Fprintf(errOut, "Check status with: %s search-download status %s\n", cmd.Root().Name(), jobID)
			return &exitError{code: exitInterrupted}
		}
		return err
	}

	if jsonOut {
		return printJSON(cmd.OutOrStdout(), final)
	}
	download.PrintStatus(cmd.OutOrStdout(), final, true)
	return nil
}

func newDownloadURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url <job-id>",
		Short: "Print the download URL of a completed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.downloads(cmd)
			if err != nil {
				return err
			}
			url, status, err := svc.URL(cmd.Context(), args[0])
			if err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), url)
				return nil
			}
			if !download.IsNotReady(err) || status == nil {
				return err
			}

			errOut := cmd.ErrOrStderr()
			if status.Status != client.JobCompleted {
				fmt.Fprintf(errOut, "Job is not completed (status: %s)\n", status.Status)
				if !status.Status.Terminal() {
					fmt.Fprintf(errOut, "Wait for completion with: %s search-download wait %s\n", cmd.Root().Name(), args[0])
				}
			} else {
				fmt.Fprintln(errOut, "No result URL available (results may have expired)")
			}
			return &exitError{code: 1}
		},
	}
}
