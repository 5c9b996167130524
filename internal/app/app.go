package app

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"ipsentry/internal/app/bootstrap"
	"ipsentry/internal/app/server"
	"ipsentry/internal/app/version"
	"ipsentry/internal/config"
	jobruntime "ipsentry/internal/jobs/runtime"
)

// Run serves the HTTP API and, when enabled, the scheduled blocklist refresh
// until SIGINT or SIGTERM.
func Run() error {
	if err := godotenv.Load(); err != nil {
		log.Warn("No .env file found. Falling back to system environment variables.")
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	log.SetDefault(logger)

	info := version.Get()
	logger.Info("Starting ipsentry", "version", info.Version, "built_at", info.BuiltAt, "instance", jobruntime.InstanceID())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	components, err := bootstrap.Setup(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := components.Close(); err != nil {
			logger.Warn("error closing connections", "error", err)
		}
	}()

	api := server.New(server.Options{
		Port:       cfg.Port,
		Lookup:     components.Lookup,
		Ingester:   components.Routine,
		Countries:  components.Countries,
		JWTSecret:  []byte(cfg.Auth.JWTSecret),
		TokenTTL:   cfg.Auth.TokenTTL,
		AdminToken: cfg.Auth.AdminToken,
		Checks: map[string]server.HealthCheck{
			"postgres": components.PingDatabase,
			"redis":    func(ctx context.Context) error { return components.Redis.Ping(ctx).Err() },
			"cache":    components.Cache.Ping,
		},
		Instances: func(ctx context.Context) (int, error) {
			return jobruntime.CountActiveInstances(ctx, components.Redis)
		},
		Logger: logger,
	})

	heartbeatCancel := jobruntime.LaunchInstanceHeartbeat(ctx, components.Redis, logger)
	defer heartbeatCancel()

	group, groupCtx := errgroup.WithContext(ctx)
	if cfg.Refresh.Enabled {
		group.Go(func() error {
			components.Routine.Start(groupCtx)
			return nil
		})
	} else {
		logger.Info("Scheduled blocklist refresh disabled")
	}
	group.Go(func() error {
		return api.ListenAndServe(groupCtx)
	})

	return group.Wait()
}

// NewLogger builds the root logger. Components derive prefixed children.
func NewLogger(level, format string) (*log.Logger, error) {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var formatter log.Formatter
	switch strings.ToLower(format) {
	case "", "text":
		formatter = log.TextFormatter
	case "json":
		formatter = log.JSONFormatter
	case "logfmt":
		formatter = log.LogfmtFormatter
	default:
		return nil, fmt.Errorf("invalid log format %q", format)
	}

	return log.NewWithOptions(os.Stderr, log.Options{
		Level:           lvl,
		Formatter:       formatter,
		ReportTimestamp: true,
	}), nil
}
