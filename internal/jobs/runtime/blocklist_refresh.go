package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"ipsentry/internal/blocklist"
)

// The leader key elects the instance that schedules refreshes. The reload
// lock is held for the duration of every reload, whatever triggered it, so no
// two reloads touch the staging table at once.
const (
	refreshLeaderKey       = "ipsentry:leader:blocklist_refresh"
	reloadLockKey          = "ipsentry:lock:blocklist_reload"
	lastRefreshKey         = "ipsentry:blocklist:last_refresh"
	defaultRefreshInterval = 24 * time.Hour
	redisOpTimeout         = 5 * time.Second
)

// AddressSource supplies the complete current blocklist.
type AddressSource interface {
	Fetch(ctx context.Context) ([]string, error)
}

// Reloader installs a complete dataset.
type Reloader interface {
	Reload(ctx context.Context, addresses []string) (*blocklist.ReloadOutcome, error)
}

type RefreshResult struct {
	Reason  string
	Fetched int
	Outcome *blocklist.ReloadOutcome
}

// Refresher fetches the feed and reloads the dataset. Concurrent triggers on
// one instance share a single run. It takes no distributed lock itself;
// callers go through RefreshRoutine.RunOnce for that.
type Refresher struct {
	source AddressSource
	loader Reloader
	group  singleflight.Group
	logger *log.Logger
}

func NewRefresher(source AddressSource, loader Reloader, logger *log.Logger) *Refresher {
	if logger == nil {
		logger = log.Default()
	}
	return &Refresher{
		source: source,
		loader: loader,
		logger: logger.WithPrefix("refresh"),
	}
}

// Refresh runs (or joins) a fetch+reload cycle.
func (r *Refresher) Refresh(ctx context.Context, reason string) (*RefreshResult, error) {
	result, err, shared := r.group.Do("refresh", func() (interface{}, error) {
		return r.doRefresh(ctx, reason)
	})
	if shared {
		r.logger.Debug("Joined in-flight refresh", "reason", reason)
	}
	if err != nil {
		return nil, err
	}
	res, _ := result.(*RefreshResult)
	return res, nil
}

func (r *Refresher) doRefresh(ctx context.Context, reason string) (*RefreshResult, error) {
	addresses, err := r.source.Fetch(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch blocklist: %w", err)
	}

	outcome, err := r.loader.Reload(ctx, addresses)
	if err != nil {
		return nil, err
	}

	return &RefreshResult{Reason: reason, Fetched: len(addresses), Outcome: outcome}, nil
}

// Locker is the distributed lock the routine coordinates through;
// support.Leadership implements it.
type Locker interface {
	Run(ctx context.Context, key string, run func(context.Context)) error
	Do(ctx context.Context, key string, fn func(context.Context) error) error
}

// RefreshRoutine triggers refreshes on a fixed interval while this instance
// holds the leader lock. Every run, scheduled or manual, goes through RunOnce.
type RefreshRoutine struct {
	refresher  *Refresher
	leadership Locker
	group      singleflight.Group
	client     *redis.Client
	interval   time.Duration
	onStartup  bool
	logger     *log.Logger
}

func NewRefreshRoutine(refresher *Refresher, leadership Locker, client *redis.Client, interval time.Duration, onStartup bool, logger *log.Logger) *RefreshRoutine {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	if logger == nil {
		logger = log.Default()
	}
	return &RefreshRoutine{
		refresher:  refresher,
		leadership: leadership,
		client:     client,
		interval:   interval,
		onStartup:  onStartup,
		logger:     logger.WithPrefix("refresh"),
	}
}

// Start blocks until ctx is cancelled.
func (rr *RefreshRoutine) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	err := rr.leadership.Run(ctx, refreshLeaderKey, func(leaderCtx context.Context) {
		rr.runLoop(leaderCtx)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		rr.logger.Error("Blocklist refresh routine stopped", "error", err)
	}
}

// RunOnce performs a single refresh under the reload lock, waiting for a
// reload on any instance to finish first. Concurrent callers on this
// instance share one run.
func (rr *RefreshRoutine) RunOnce(ctx context.Context, reason string) (*RefreshResult, error) {
	res, err, _ := rr.group.Do("run", func() (interface{}, error) {
		var result *RefreshResult
		err := rr.leadership.Do(ctx, reloadLockKey, func(lockCtx context.Context) error {
			r, err := rr.refresher.Refresh(lockCtx, reason)
			if err != nil {
				return err
			}
			rr.recordRefresh(lockCtx, time.Now())
			result = r
			return nil
		})
		return result, err
	})
	if err != nil {
		return nil, err
	}
	result, _ := res.(*RefreshResult)
	return result, nil
}

func (rr *RefreshRoutine) runLoop(ctx context.Context) {
	first := rr.initialDelay(ctx)
	rr.logger.Info("Refresh leadership acquired", "next_in", first)

	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			rr.trigger(ctx, "scheduled")
			timer.Reset(rr.interval)
		}
	}
}

// initialDelay schedules the first run relative to the last successful
// refresh recorded by any instance, so leader changes and restarts neither
// skip nor repeat a cycle.
func (rr *RefreshRoutine) initialDelay(ctx context.Context) time.Duration {
	if rr.onStartup {
		return 0
	}
	last, ok := rr.lastRefresh(ctx)
	if !ok {
		return 0
	}
	return nextDelay(last, rr.interval, time.Now())
}

func nextDelay(last time.Time, interval time.Duration, now time.Time) time.Duration {
	remaining := interval - now.Sub(last)
	if remaining < 0 {
		return 0
	}
	if remaining > interval {
		return interval
	}
	return remaining
}

func (rr *RefreshRoutine) trigger(ctx context.Context, reason string) {
	result, err := rr.RunOnce(ctx, reason)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			rr.logger.Info("Blocklist refresh canceled", "reason", reason)
		} else {
			rr.logger.Error("Blocklist refresh failed", "reason", reason, "error", err)
		}
		return
	}

	rr.logger.Info("Blocklist refresh completed",
		"reason", reason,
		"fetched", result.Fetched,
		"loaded", result.Outcome.Loaded,
		"warnings", len(result.Outcome.Warnings),
		"took", result.Outcome.Total,
	)
}

func (rr *RefreshRoutine) lastRefresh(ctx context.Context) (time.Time, bool) {
	if rr.client == nil {
		return time.Time{}, false
	}
	opCtx, cancel := context.WithTimeout(ctx, redisOpTimeout)
	defer cancel()

	raw, err := rr.client.Get(opCtx, lastRefreshKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			rr.logger.Warn("Failed to read last refresh time", "error", err)
		}
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		rr.logger.Warn("Ignoring malformed last refresh time", "value", raw)
		return time.Time{}, false
	}
	return ts, true
}

func (rr *RefreshRoutine) recordRefresh(ctx context.Context, at time.Time) {
	if rr.client == nil {
		return
	}
	opCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), redisOpTimeout)
	defer cancel()

	if err := rr.client.Set(opCtx, lastRefreshKey, at.UTC().Format(time.RFC3339), 0).Err(); err != nil {
		rr.logger.Warn("Failed to record refresh time", "error", err)
	}
}
