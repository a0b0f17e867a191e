package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"insight-cli/internal/client"
	"insight-cli/internal/query"
	"insight-cli/internal/render"
	"insight-cli/internal/shell"
)

type queryFlags struct {
	query       string
	limitEvent  int
	limitEval   int
	dryRun      bool
	pretty      bool
	output      render.Format
	outFile     string
	stream      query.Stream
	interactive bool
}

func newQueryCmd(a *app) *cobra.Command {
	f := &queryFlags{output: render.FormatJSON, stream: query.StreamEvent}

	cmd := &cobra.Command{
		Use:   "query",
		Short: "Run a one-shot query or start the interactive shell",
		Long: "Run a single query given with --query and print its results, or start\n" +
			"an interactive shell with --interactive.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, _, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			if f.interactive {
				return runShell(cmd, a, c)
			}
			if f.query == "" {
				return errors.New("--query is required unless --interactive is set")
			}
			return runOneShot(cmd, a, c, f)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.query, "query", "", "full query, e.g. \"-1h | * | NEW_PROCESS | event/FILE_PATH ends with 'cmd.exe'\"")
	fl.IntVar(&f.limitEvent, "limit-event", 0, "approximate number of events to evaluate, 0 for no limit")
	fl.IntVar(&f.limitEval, "limit-eval", 0, "approximate number of rule evaluations, 0 for no limit")
	fl.BoolVar(&f.dryRun, "dry-run", false, "estimate the cost of the query without running it")
	fl.BoolVar(&f.pretty, "pretty", false, "indent JSON output")
	fl.Var(&f.output, "output", "output format when set: table or json (default compact JSON, one result per line)")
	fl.StringVar(&f.outFile, "out-file", "", "write results to this file instead of stdout")
	fl.Var(&f.stream, "stream", "event stream: event, audit or detect")
	fl.BoolVarP(&f.interactive, "interactive", "i", false, "start the interactive shell")
	return cmd
}

func runOneShot(cmd *cobra.Command, a *app, c *client.Client, f *queryFlags) error {
	if f.limitEvent < 0 || f.limitEval < 0 {
		return errors.New("limits must be >= 0")
	}

	resp, err := c.Query(cmd.Context(), client.QueryRequest{
		OID:         c.OID(),
		Query:       f.query,
		LimitEvent:  f.limitEvent,
		LimitEval:   f.limitEval,
		IsDryRun:    f.dryRun,
		Stream:      string(f.stream),
		EventSource: client.EventSource{SensorEvents: client.SensorEvents{Cursor: client.CursorFullQuery}},
	})
	if err != nil {
		return err
	}
	if resp.Error != "" {
		return &query.QueryError{Query: f.query, Message: resp.Error}
	}

	mode := "one_shot"
	if f.dryRun {
		mode = "dry_run"
	}
	billed := resp.Stats.NBilled
	if f.dryRun {
		billed = 0
	}
	a.metrics.RecordQuery(mode, "ok", 0, len(resp.Results), billed)

	out := cmd.OutOrStdout()
	if f.dryRun {
		fmt.Fprintf(out, "Estimated cost: %d billed units\n", resp.Stats.NBilled)
		if len(resp.TranscodedRule) > 0 {
			fmt.Fprintf(out, "Transcoded rule:\n%s\n", indentJSON(resp.TranscodedRule))
		}
		return nil
	}

	if f.outFile != "" {
		file, err := os.OpenFile(f.outFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		defer file.Close()
		out = file
	}

	rows := make([]json.RawMessage, len(resp.Results))
	for i, r := range resp.Results {
		rows[i] = r.Data
	}

	switch {
	case cmd.Flags().Changed("output"):
		err = render.RenderRaw(out, rows, f.output)
	case f.pretty:
		err = render.RenderRaw(out, rows, render.FormatJSON)
	default:
		err = writeCompact(out, rows)
	}
	if err != nil {
		return err
	}
	if f.outFile != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%d row(s) written to %s\n", len(rows), f.outFile)
	}
	return nil
}

func writeCompact(w io.Writer, rows []json.RawMessage) error {
	for _, row := range rows {
		var buf bytes.Buffer
		if err := json.Compact(&buf, row); err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}
		buf.WriteByte('\n')
		if _, err := w.Write(buf.Bytes()); err != nil {
			return err
		}
	}
	return nil
}

func indentJSON(raw json.RawMessage) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func newSession(a *app, c *client.Client) (*query.Session, error) {
	qc := a.cfg.Query
	stream, err := query.ParseStream(qc.Stream)
	if err != nil {
		return nil, err
	}
	var format render.Format
	if err := format.Set(qc.Output); err != nil {
		return nil, err
	}
	return query.NewSession(c, query.Options{
		Context: query.Context{
			TimeFrame:   qc.TimeFrame,
			Sensors:     qc.Sensors,
			Events:      qc.Events,
			Stream:      stream,
			LimitEvents: qc.LimitEvent,
			LimitEvals:  qc.LimitEval,
		},
		Format:   format,
		Metrics:  a.metrics,
		Recorder: a.queryRecorder(),
		OID:      c.OID(),
	}), nil
}

// runShell starts the REPL: a raw-mode line editor when stdin is a terminal,
// a plain line scanner otherwise.
func runShell(cmd *cobra.Command, a *app, c *client.Client) error {
	ctx := cmd.Context()
	session, err := newSession(a, c)
	if err != nil {
		return err
	}
	if err := session.RefreshSchema(ctx); err != nil {
		log.Warn().Err(err).Msg("schema unavailable, event type completion disabled")
	}

	history := shell.NewHistory(a.cfg.Shell.HistoryFile, a.cfg.Shell.HistorySize)
	if a.cfg.Shell.HistoryFile != "" {
		if err := history.Load(); err != nil {
			log.Warn().Err(err).Msg("loading shell history failed")
		}
	}

	var sh *shell.Shell
	var reader shell.LineReader
	out := cmd.OutOrStdout()

	stdin, isFile := cmd.InOrStdin().(*os.File)
	if isFile && shell.IsTerminal(stdin) {
		complete := func(line string, pos int, key rune) (string, int, bool) {
			return sh.Complete(line, pos, key)
		}
		tr, err := shell.NewTerminalReader(stdin, out, shell.Prompt, history, complete)
		if err != nil {
			return err
		}
		reader, out = tr, tr.Writer()
	} else {
		reader = shell.NewScanReader(cmd.InOrStdin(), out, shell.Prompt, history)
	}

	sh = shell.New(shell.Options{Session: session, Reader: reader, Out: out, History: history})

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			// a blocked terminal read cannot be interrupted; restore the
			// terminal, persist history and leave.
			if err := sh.Close(); err != nil {
				log.Warn().Err(err).Msg("closing shell")
			}
			a.close()
			os.Exit(exitInterrupted)
		case <-done:
		}
	}()

	runErr := sh.Run(ctx)
	if err := sh.Close(); err != nil {
		log.Warn().Err(err).Msg("closing shell")
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return runErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Total billed units this session: %d\n", session.TotalBilled())
	return nil
}
