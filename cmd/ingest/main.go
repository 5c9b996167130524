// Command ingest fetches the blocklist feed once and reloads the dataset.
// It exits non-zero when the reload fails.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"

	"ipsentry/internal/app"
	"ipsentry/internal/app/bootstrap"
	"ipsentry/internal/config"
)

func main() {
	timeout := flag.Duration("timeout", 30*time.Minute, "abort the ingest after this long")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	os.Exit(run(*timeout))
}

func run(timeout time.Duration) int {
	// The ingest serves no HTTP, so API secrets are not required.
	cfg, err := config.Load("Auth")
	if err != nil {
		log.Error("failed to load config", "error", err)
		return 1
	}

	logger, err := app.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		log.Error("failed to build logger", "error", err)
		return 1
	}
	log.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	components, err := bootstrap.Setup(ctx, cfg, logger)
	if err != nil {
		logger.Error("setup failed", "error", err)
		return 1
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("error closing connections", "error", err)
		}
	}()

	result, err := components.Routine.RunOnce(ctx, "ingest")
	if err != nil {
		logger.Error("Ingest failed", "error", err)
		return 1
	}

	for _, warning := range result.Outcome.Warnings {
		logger.Warn("Ingest completed with warning", "warning", warning)
	}
	logger.Info("Ingest completed",
		"fetched", result.Fetched,
		"loaded", result.Outcome.Loaded,
		"took", result.Outcome.Total,
	)
	return 0
}
