package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"ipsentry/internal/blocklist"
	"ipsentry/internal/cache"
	"ipsentry/internal/config"
	"ipsentry/internal/database"
	"ipsentry/internal/feed"
	"ipsentry/internal/geolite"
	jobruntime "ipsentry/internal/jobs/runtime"
	"ipsentry/internal/support"
)

// Components holds everything both binaries share.
type Components struct {
	DB          *gorm.DB
	Redis       *redis.Client
	CacheClient *redis.Client

	Store     *database.DatasetStore
	Cache     *cache.RedisStatusCache
	Loader    *blocklist.Loader
	Lookup    *blocklist.Lookup
	Refresher *jobruntime.Refresher
	Routine   *jobruntime.RefreshRoutine
	Countries *geolite.CountryResolver

	closers []func() error
}

// Setup connects to Postgres and both Redis databases and wires the
// blocklist components. On error everything opened so far is closed.
func Setup(ctx context.Context, cfg *config.Config, logger *log.Logger) (_ *Components, err error) {
	if logger == nil {
		logger = log.Default()
	}

	c := &Components{}
	defer func() {
		if err != nil {
			_ = c.Close()
		}
	}()

	tables := database.TableNames{
		Live:     cfg.Dataset.LiveTable,
		Staging:  cfg.Dataset.StagingTable,
		Sequence: cfg.Dataset.Sequence,
	}

	c.DB, err = database.SetupDB(
		database.WithDSN(cfg.Database.PostgresDSN()),
		database.WithPool(cfg.Database.MaxOpenConns, cfg.Database.MaxIdleConns, cfg.Database.ConnMaxLifetime, cfg.Database.ConnMaxIdleTime),
		database.WithTables(tables),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to set up database: %w", err)
	}
	c.closers = append(c.closers, func() error { return database.Close(c.DB) })

	if cfg.Redis.URL == cfg.Cache.URL {
		logger.Warn("Cache and coordination share a Redis database; reloads will flush the leader lock", "url", cfg.Cache.URL)
	}

	c.Redis, err = support.NewRedisClient(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to get redis client: %w", err)
	}
	c.closers = append(c.closers, c.Redis.Close)

	c.CacheClient, err = support.NewRedisClient(ctx, cfg.Cache.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache client: %w", err)
	}
	c.closers = append(c.closers, c.CacheClient.Close)

	c.Countries, err = geolite.OpenCountryResolver(cfg.GeoLite.CountryDB, logger)
	if err != nil {
		return nil, err
	}
	c.closers = append(c.closers, c.Countries.Close)

	fetcher, err := feed.NewFetcher(feed.Options{
		URL:      cfg.Feed.URL,
		MinHits:  cfg.Feed.MinHits,
		ProxyURL: cfg.Feed.ProxyURL,
		Timeout:  cfg.Feed.Timeout,
		MaxBytes: cfg.Feed.MaxBytes,
	}, logger)
	if err != nil {
		return nil, err
	}

	c.Store = database.NewDatasetStore(c.DB, tables)
	c.Cache = cache.NewRedisStatusCache(c.CacheClient, cfg.Cache.TTL, cfg.Cache.KeyPrefix)
	c.Loader = blocklist.NewLoader(c.Store, c.Cache, logger)
	c.Lookup = blocklist.NewLookup(c.Store, c.Cache, logger)
	c.Refresher = jobruntime.NewRefresher(fetcher, c.Loader, logger)

	leadership := support.NewLeadership(c.Redis, support.DefaultLeadershipTTL, logger)
	c.Routine = jobruntime.NewRefreshRoutine(c.Refresher, leadership, c.Redis, cfg.Refresh.Interval, cfg.Refresh.OnStartup, logger)

	if count, err := c.Store.Count(ctx); err != nil {
		logger.Warn("Could not count blocked addresses", "error", err)
	} else {
		logger.Info("Blocklist ready", "table", tables.Live, "addresses", count)
	}

	return c, nil
}

// Close releases connections in reverse order of opening.
func (c *Components) Close() error {
	if c == nil {
		return nil
	}
	var errs []error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	c.closers = nil
	return errors.Join(errs...)
}

func (c *Components) PingDatabase(ctx context.Context) error {
	return database.Ping(ctx, c.DB)
}
