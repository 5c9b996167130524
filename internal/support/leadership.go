package support

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultLeadershipTTL   = 45 * time.Second
	leadershipRetryDelay   = time.Second
	renewalTimeout         = 5 * time.Second
	minRenewalInterval     = time.Second
	defaultRenewalFraction = 3
)

var (
	leaderCounter atomic.Uint64

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
	return 0
end`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end`)
)

// Leadership elects one instance per key through a Redis lock so scheduled
// work such as dataset reloads runs on a single node.
type Leadership struct {
	client *redis.Client
	ttl    time.Duration
	logger *log.Logger
}

func NewLeadership(client *redis.Client, ttl time.Duration, logger *log.Logger) *Leadership {
	if ttl <= 0 {
		ttl = DefaultLeadershipTTL
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Leadership{client: client, ttl: ttl, logger: logger.WithPrefix("leader")}
}

// Run blocks until ctx is done. Whenever the lock for key is held, run is
// invoked with a context that is cancelled when leadership is lost; the lock
// is released when run returns and acquisition starts over.
func (l *Leadership) Run(ctx context.Context, key string, run func(context.Context)) error {
	if run == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if l.client == nil {
		return errors.New("support: leader lock requires a redis client")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		session, err := l.acquire(ctx, key)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return ctx.Err()
			}
			l.logger.Warn("Failed to acquire lock", "key", key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return ctx.Err()
			}
			continue
		}

		l.logger.Debug("Lock acquired", "key", key)
		run(session.ctx)
		session.Close()
		l.logger.Debug("Lock released", "key", key)

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return ctx.Err()
		}
	}
}

// Do waits for the lock on key, runs fn once while holding it and releases
// it. fn's context is cancelled if the lock is lost mid-run.
func (l *Leadership) Do(ctx context.Context, key string, fn func(context.Context) error) error {
	if fn == nil {
		return errors.New("support: leader run function cannot be nil")
	}
	if l.client == nil {
		return errors.New("support: leader lock requires a redis client")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	session, err := l.acquire(ctx, key)
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", key, err)
	}
	defer session.Close()

	l.logger.Debug("Lock acquired", "key", key)
	return fn(session.ctx)
}

type leaderSession struct {
	owner     *Leadership
	key       string
	value     string
	ctx       context.Context
	cancel    context.CancelFunc
	stopRenew chan struct{}
	closeOnce sync.Once
}

func (l *Leadership) acquire(ctx context.Context, key string) (*leaderSession, error) {
	value := generateLeaderID()

	for {
		ok, err := l.client.SetNX(ctx, key, value, l.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			l.logger.Warn("SETNX failed", "key", key, "error", err)
			if !sleepCtx(ctx, leadershipRetryDelay) {
				return nil, ctx.Err()
			}
			continue
		}

		if ok {
			sessionCtx, cancel := context.WithCancel(ctx)
			session := &leaderSession{
				owner:     l,
				key:       key,
				value:     value,
				ctx:       sessionCtx,
				cancel:    cancel,
				stopRenew: make(chan struct{}),
			}
			go session.renewLoop()
			return session, nil
		}

		if !sleepCtx(ctx, leadershipRetryDelay) {
			return nil, ctx.Err()
		}
	}
}

func (ls *leaderSession) Close() {
	ls.closeOnce.Do(func() {
		close(ls.stopRenew)
		ls.cancel()
		if err := ls.release(); err != nil {
			ls.owner.logger.Warn("Lock release failed", "key", ls.key, "error", err)
		}
	})
}

func (ls *leaderSession) renewLoop() {
	interval := ls.owner.ttl / defaultRenewalFraction
	if interval < minRenewalInterval {
		interval = minRenewalInterval
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ls.stopRenew:
			return
		case <-ls.ctx.Done():
			return
		case <-ticker.C:
			if err := ls.renew(); err != nil {
				ls.owner.logger.Warn("Lock renewal failed", "key", ls.key, "error", err)
				ls.cancel()
				return
			}
		}
	}
}

func (ls *leaderSession) renew() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	res, err := renewScript.Run(ctx, ls.owner.client, []string{ls.key}, ls.value, ls.owner.ttl.Milliseconds()).Result()
	if err != nil {
		return err
	}
	if updated, ok := res.(int64); ok && updated == 0 {
		return errors.New("lock lost")
	}
	return nil
}

func (ls *leaderSession) release() error {
	ctx, cancel := context.WithTimeout(context.Background(), renewalTimeout)
	defer cancel()

	_, err := releaseScript.Run(ctx, ls.owner.client, []string{ls.key}, ls.value).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

func generateLeaderID() string {
	host, _ := os.Hostname()
	counter := leaderCounter.Add(1)
	return fmt.Sprintf("%s-%d-%d-%d", host, os.Getpid(), time.Now().UnixNano(), counter)
}
