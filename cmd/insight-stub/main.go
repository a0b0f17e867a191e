// Command insight-stub serves an in-memory stand-in for the query and
// download service so the CLI can be run without remote credentials.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"insight-cli/internal/api"
	"insight-cli/internal/config"
	"insight-cli/internal/monitor"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	if err := config.LoadDotEnv(".env"); err != nil {
		log.Fatal().Err(err).Msg("failed to load .env")
	}

	configPath := os.Getenv(config.EnvConfig)
	if configPath == "" {
		configPath = config.DefaultPath()
	}
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", configPath).Msg("failed to load config")
	}

	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p < 1 || p > 65535 {
			log.Fatal().Str("port", port).Msg("invalid PORT")
		}
		log.Info().Int("port", p).Msg("using port from environment")
		cfg.Stub.Port = p
	}

	metrics := monitor.NewMetrics()
	server := api.NewServer(cfg, metrics)

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigCh

		log.Info().Str("signal", sig.String()).Msg("shutting down")

		ctx, cancel := context.WithTimeout(context.Background(), cfg.Stub.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Error().Err(err).Msg("HTTP server shutdown error")
		}
	}()

	log.Info().
		Str("addr", cfg.Address()).
		Int("api_keys", len(cfg.Stub.APIKeys)).
		Int("page_size", cfg.Stub.PageSize).
		Int("pages", cfg.Stub.Pages).
		Msg("stub starting")

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server failed")
	}
	<-done

	log.Info().Msg("server stopped")
}
