// Package shell implements the interactive query prompt.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/query"
	"insight-cli/internal/render"
)

// Prompt is shown before each input line.
const Prompt = "insight> "

// Options configures a Shell.
type Options struct {
	Session *query.Session
	Reader  LineReader
	Out     io.Writer
	History *History
}

// Shell reads commands and dispatches them to a query session. Command
// errors are printed and the loop continues.
type Shell struct {
	session *query.Session
	reader  LineReader
	out     io.Writer
	history *History
	logger  zerolog.Logger

	closeOnce sync.Once
	closeErr  error
}

type command struct {
	usage string
	help  string
	run   func(s *Shell, ctx context.Context, arg string) error
}

// commands is filled in init since help refers back to it.
var commands map[string]command

func init() {
	commands = map[string]command{
		"q":               {"q <query>", "run a paged query against the current context", (*Shell).cmdQuery},
		"qa":              {"qa <query>", "run a query and fetch all results at once", (*Shell).cmdQueryAll},
		"n":               {"n", "fetch the next page of the last paged query", (*Shell).cmdNext},
		"next":            {"next", "same as n", (*Shell).cmdNext},
		"dryrun":          {"dryrun <query>", "estimate the cost of a query without running it", (*Shell).cmdDryRun},
		"set_time":        {"set_time <timeframe>", "set the time frame, e.g. -1h", (*Shell).cmdSetTime},
		"set_sensors":     {"set_sensors <selector>", "set the sensor selector", (*Shell).cmdSetSensors},
		"set_events":      {"set_events <selector>", "set the event selector", (*Shell).cmdSetEvents},
		"set_stream":      {"set_stream <event|audit|detect>", "set the event stream", (*Shell).cmdSetStream},
		"set_limit_event": {"set_limit_event <n>", "set the event limit, 0 for none", (*Shell).cmdSetLimitEvent},
		"set_limit_eval":  {"set_limit_eval <n>", "set the evaluation limit, 0 for none", (*Shell).cmdSetLimitEval},
		"set_output":      {"set_output <file|->", "append results to a file, - for the terminal", (*Shell).cmdSetOutput},
		"set_format":      {"set_format <table|json>", "set the result format", (*Shell).cmdSetFormat},
		"env":             {"env", "show the current query context", (*Shell).cmdEnv},
		"stats":           {"stats", "show the cost of this session", (*Shell).cmdStats},
		"histogram":       {"histogram", "show the histogram of the last result", (*Shell).cmdHistogram},
		"facets":          {"facets", "show the facets of the last result", (*Shell).cmdFacets},
		"help":            {"help", "list commands", (*Shell).cmdHelp},
		"quit":            {"quit", "leave the shell", nil},
		"exit":            {"exit", "same as quit", nil},
	}
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// New creates a shell.
func New(opts Options) *Shell {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Shell{
		session: opts.Session,
		reader:  opts.Reader,
		out:     out,
		history: opts.History,
		logger:  log.With().Str("component", "shell").Logger(),
	}
}

// Run reads and executes lines until quit, end of input or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	fmt.Fprintln(s.out, "Type help for a list of commands.")
	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := s.reader.ReadLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(s.out)
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading input: %w", err)
		}
		if s.Execute(ctx, line) {
			return nil
		}
	}
}

// Execute runs one input line and reports whether the shell should exit.
func (s *Shell) Execute(ctx context.Context, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	name, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(s.out, "Error: unknown command %q, type help for a list\n", name)
		return false
	}
	if cmd.run == nil {
		return true
	}
	if err := cmd.run(s, ctx, arg); err != nil {
		s.logger.Debug().Err(err).Str("command", name).Msg("command failed")
		fmt.Fprintf(s.out, "Error: %v\n", err)
	}
	return false
}

// Close saves history and releases the line reader. It is safe to call from
// a signal handler and again at normal exit.
func (s *Shell) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if s.history != nil {
			errs = append(errs, s.history.Save())
		}
		if s.reader != nil {
			errs = append(errs, s.reader.Close())
		}
		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

// Complete completes the word under the cursor: a command name for the first
// word, an event type after it.
func (s *Shell) Complete(line string, pos int, key rune) (string, int, bool) {
	if key != '\t' || pos > len(line) {
		return "", 0, false
	}
	head := line[:pos]
	start := strings.LastIndexAny(head, " |") + 1
	word := head[start:]

	candidates := commandNames()
	if strings.TrimSpace(head[:start]) != "" {
		candidates = s.session.Completions()
	}

	var matches []string
	for _, c := range candidates {
		if strings.HasPrefix(c, word) {
			matches = append(matches, c)
		}
	}
	if len(matches) == 0 {
		return "", 0, false
	}

	completed := commonPrefix(matches)
	if len(matches) == 1 && start == 0 {
		completed += " "
	}
	if completed == word {
		return "", 0, false
	}
	newLine := head[:start] + completed + line[pos:]
	return newLine, start + len(completed), true
}

func commonPrefix(words []string) string {
	prefix := words[0]
	for _, w := range words[1:] {
		for !strings.HasPrefix(w, prefix) {
			prefix = prefix[:len(prefix)-1]
		}
	}
	return prefix
}

func (s *Shell) cmdQuery(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: q <query>")
	}
	page, err := s.session.RunQuery(ctx, arg, true)
	if err != nil {
		return err
	}
	return s.printPage(page)
}

func (s *Shell) cmdQueryAll(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: qa <query>")
	}
	page, err := s.session.RunQuery(ctx, arg, false)
	if err != nil {
		return err
	}
	return s.printPage(page)
}

func (s *Shell) cmdNext(ctx context.Context, _ string) error {
	page, err := s.session.FetchNextPage(ctx)
	if err != nil {
		return err
	}
	return s.printPage(page)
}

func (s *Shell) cmdDryRun(ctx context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: dryrun <query>")
	}
	est, err := s.session.DryRun(ctx, arg)
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Estimated cost: %d billed units\n", est.BilledUnits)
	if len(est.TranscodedRule) > 0 && string(est.TranscodedRule) != "null" {
		fmt.Fprintf(s.out, "Transcoded rule:\n%s\n", est.TranscodedRule)
	}
	return nil
}

func (s *Shell) cmdSetTime(_ context.Context, arg string) error {
	return s.session.SetTimeFrame(arg)
}

func (s *Shell) cmdSetSensors(_ context.Context, arg string) error {
	return s.session.SetSensors(arg)
}

func (s *Shell) cmdSetEvents(ctx context.Context, arg string) error {
	return s.session.SetEvents(ctx, arg)
}

func (s *Shell) cmdSetStream(_ context.Context, arg string) error {
	st, err := query.ParseStream(arg)
	if err != nil {
		return err
	}
	return s.session.SetStream(st)
}

func (s *Shell) cmdSetLimitEvent(_ context.Context, arg string) error {
	n, err := parseLimit(arg)
	if err != nil {
		return err
	}
	return s.session.SetEventLimit(n)
}

func (s *Shell) cmdSetLimitEval(_ context.Context, arg string) error {
	n, err := parseLimit(arg)
	if err != nil {
		return err
	}
	return s.session.SetEvalLimit(n)
}

func parseLimit(arg string) (int, error) {
	n, err := strconv.Atoi(arg)
	if err != nil {
		return 0, fmt.Errorf("invalid limit %q: must be an integer", arg)
	}
	return n, nil
}

func (s *Shell) cmdSetOutput(_ context.Context, arg string) error {
	if arg == "" {
		return errors.New("usage: set_output <file|->")
	}
	s.session.SetOutputFile(arg)
	return nil
}

func (s *Shell) cmdSetFormat(_ context.Context, arg string) error {
	var f render.Format
	if err := f.Set(arg); err != nil {
		return err
	}
	return s.session.SetOutputFormat(f)
}

func (s *Shell) cmdEnv(_ context.Context, _ string) error {
	c := s.session.Context()
	output := s.session.OutputFile()
	if output == "" {
		output = "-"
	}
	fmt.Fprintf(s.out, "time frame:   %s\n", c.TimeFrame)
	fmt.Fprintf(s.out, "sensors:      %s\n", c.Sensors)
	fmt.Fprintf(s.out, "events:       %s\n", c.Events)
	fmt.Fprintf(s.out, "stream:       %s\n", c.Stream)
	fmt.Fprintf(s.out, "limit event:  %d\n", c.LimitEvents)
	fmt.Fprintf(s.out, "limit eval:   %d\n", c.LimitEvals)
	fmt.Fprintf(s.out, "format:       %s\n", s.session.OutputFormat())
	fmt.Fprintf(s.out, "output:       %s\n", output)
	return nil
}

func (s *Shell) cmdStats(_ context.Context, _ string) error {
	fmt.Fprintf(s.out, "Total billed units this session: %d\n", s.session.TotalBilled())
	return nil
}

func (s *Shell) cmdHistogram(_ context.Context, _ string) error {
	var hist map[string]int64
	if resp := s.session.LastResponse(); resp != nil {
		hist = resp.Histogram
	}
	render.Histogram(s.out, hist)
	return nil
}

func (s *Shell) cmdFacets(_ context.Context, _ string) error {
	var facets map[string]map[string]int64
	if resp := s.session.LastResponse(); resp != nil {
		facets = resp.Facets
	}
	render.Facets(s.out, facets)
	return nil
}

func (s *Shell) cmdHelp(_ context.Context, _ string) error {
	for _, name := range commandNames() {
		c := commands[name]
		fmt.Fprintf(s.out, "  %-34s %s\n", c.usage, c.help)
	}
	return nil
}

func (s *Shell) printPage(page *query.Page) error {
	out := s.out
	if path := s.session.OutputFile(); path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("opening output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	if err := render.RenderRaw(out, page.Rows, s.session.OutputFormat()); err != nil {
		return err
	}
	if out != s.out {
		fmt.Fprintf(s.out, "%d row(s) written to %s\n", len(page.Rows), s.session.OutputFile())
	}

	switch {
	case page.Cached:
		fmt.Fprintln(s.out, "(cached result, no units billed)")
	case page.BilledUnits > 0:
		fmt.Fprintf(s.out, "Billed units: %d\n", page.BilledUnits)
	}
	if page.HasMore {
		fmt.Fprintln(s.out, "More results available, type n for the next page.")
	}
	return nil
}
