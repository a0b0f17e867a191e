package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"insight-cli/internal/auth"
	"insight-cli/internal/client"
	"insight-cli/internal/config"
	"insight-cli/internal/download"
	"insight-cli/internal/monitor"
	"insight-cli/internal/query"
	"insight-cli/internal/storage"
)

var (
	version = "dev"
	commit  = "none"
)

// exitError ends the process with a specific code. An empty message prints nothing.
type exitError struct {
	code int
	msg  string
}

func (e *exitError) Error() string { return e.msg }

const exitInterrupted = 130

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
}

func run(ctx context.Context, args []string, in io.Reader, out, errOut io.Writer) int {
	a := &app{}
	defer a.close()

	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetIn(in)
	root.SetOut(out)
	root.SetErr(errOut)

	err := root.ExecuteContext(ctx)
	if err == nil {
		return 0
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.msg != "" {
			fmt.Fprintf(errOut, "Error: %s\n", ee.msg)
		}
		return ee.code
	}
	fmt.Fprintf(errOut, "Error: %v\n", err)
	return 1
}

// app holds state resolved once per invocation and shared by subcommands.
type app struct {
	configPath string
	verbose    bool

	oid       string
	apiKey    string
	token     string
	queryURL  string
	searchURL string

	cfg     *config.Config
	metrics *monitor.Metrics
	tracer  *monitor.Tracer
	db      *storage.DB
	audit   *storage.AuditWriter

	closeOnce sync.Once
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:           "insight",
		Short:         "Query security telemetry and export large result sets",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setup(cmd)
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.configPath, "config", "", "config file (default ~/.insight/config.yaml)")
	pf.BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	pf.StringVar(&a.oid, "oid", "", "organization id")
	pf.StringVar(&a.apiKey, "api-key", "", "API key exchanged for a JWT")
	pf.StringVar(&a.token, "token", "", "JWT used as-is")
	pf.StringVar(&a.queryURL, "query-url", "", "query endpoint URL")
	pf.StringVar(&a.searchURL, "search-url", "", "search endpoint URL")

	root.AddCommand(newQueryCmd(a))
	root.AddCommand(newDownloadCmd(a))
	root.AddCommand(newAuditCmd(a))
	root.AddCommand(newConfigCmd(a))
	root.AddCommand(newVersionCmd())
	return root
}

// setup resolves configuration with precedence flag > env > file > default.
func (a *app) setup(cmd *cobra.Command) error {
	if err := config.LoadDotEnv(".env"); err != nil {
		return err
	}

	path := a.configPath
	explicit := cmd.Flags().Changed("config")
	if !explicit {
		if v := os.Getenv(config.EnvConfig); v != "" {
			path, explicit = v, true
		} else {
			path = config.DefaultPath()
		}
	}

	var (
		cfg *config.Config
		err error
	)
	if explicit {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return err
	}

	cfg.ApplyEnv(os.LookupEnv)

	flags := cmd.Flags()
	override := func(dst *string, name, val string) {
		if flags.Changed(name) {
			*dst = val
		}
	}
	override(&cfg.API.OID, "oid", a.oid)
	override(&cfg.API.APIKey, "api-key", a.apiKey)
	override(&cfg.API.Token, "token", a.token)
	override(&cfg.API.QueryURL, "query-url", a.queryURL)
	override(&cfg.API.SearchURL, "search-url", a.searchURL)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	setupLogging(cfg.Log.Level, a.verbose)
	a.cfg = cfg
	a.configPath = path
	a.metrics = monitor.NewMetrics()
	if cfg.Tracing.Enabled {
		a.tracer = monitor.NewTracer()
	}
	return nil
}

func setupLogging(level string, verbose bool) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.WarnLevel
	}
	if verbose {
		lvl = zerolog.DebugLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

// connect builds the API client. It also opens the audit log when a
// database is configured; an unreachable database only disables auditing.
func (a *app) connect(ctx context.Context) (*client.Client, *auth.Source, error) {
	api := a.cfg.API
	if api.OID == "" {
		return nil, nil, fmt.Errorf("organization id is required: set --oid, %s or api.oid", config.EnvOID)
	}
	if api.Token == "" && api.APIKey == "" {
		return nil, nil, fmt.Errorf("credentials are required: set --token, --api-key, %s or %s", config.EnvToken, config.EnvAPIKey)
	}

	tokens := auth.NewSource(auth.Options{
		Token:  api.Token,
		JWTURL: api.JWTURL,
		OID:    api.OID,
		APIKey: api.APIKey,
	})
	c := client.New(client.Options{
		QueryURL:       api.QueryURL,
		SearchURL:      api.SearchURL,
		OID:            api.OID,
		Tokens:         tokens,
		Timeout:        api.RequestTimeout,
		RateLimitRPS:   api.RateLimitRPS,
		RateLimitBurst: api.RateLimitBurst,
		Metrics:        a.metrics,
		Tracer:         a.tracer,
	})

	a.openAudit(ctx)
	return c, tokens, nil
}

func (a *app) openAudit(ctx context.Context) {
	if a.cfg.Database.DSN == "" || a.audit != nil {
		return
	}
	db, err := storage.New(ctx, a.cfg.Database.DSN)
	if err != nil {
		log.Warn().Err(err).Msg("database unavailable, audit logging disabled")
		return
	}
	if err := db.Migrate(ctx); err != nil {
		log.Warn().Err(err).Msg("audit schema migration failed, audit logging disabled")
		db.Close()
		return
	}
	a.db = db
	a.audit = storage.NewAuditWriter(db, a.cfg.Database.BufferSize)
	a.audit.Start()
}

// The recorders return untyped nil when auditing is off so the interface
// checks in the session and job service hold.
func (a *app) queryRecorder() query.Recorder {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

func (a *app) jobRecorder() download.Recorder {
	if a.audit == nil {
		return nil
	}
	return a.audit
}

// close flushes the audit log and writes the metrics textfile. It runs once.
func (a *app) close() {
	a.closeOnce.Do(func() {
		if a.audit != nil {
			a.audit.Flush(10 * time.Second)
		}
		if a.db != nil {
			a.db.Close()
		}
		if a.cfg != nil && a.cfg.Metrics.Textfile != "" {
			if err := a.metrics.WriteTextfile(a.cfg.Metrics.Textfile); err != nil {
				log.Warn().Err(err).Str("path", a.cfg.Metrics.Textfile).Msg("writing metrics textfile failed")
			}
		}
	})
}
