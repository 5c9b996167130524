package blocklist

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/charmbracelet/log"
)

// postCommitTimeout bounds the flush and cleanup steps. They run detached from
// the caller's context because the swap has already committed by then.
const postCommitTimeout = 30 * time.Second

// ReloadOutcome summarises a successful reload.
type ReloadOutcome struct {
	Requested int
	Loaded    int64

	StageDuration    time.Duration
	TransferDuration time.Duration
	SwapDuration     time.Duration
	Total            time.Duration

	// Warnings holds the best-effort failures that did not abort the reload.
	Warnings []error
}

// Loader replaces the whole live dataset: stage, bulk-populate, swap,
// invalidate, cleanup. It is not safe to run two reloads at the same time;
// callers serialize triggers.
type Loader struct {
	store  DatasetStore
	cache  CacheFlusher
	logger *log.Logger
}

func NewLoader(store DatasetStore, cache CacheFlusher, logger *log.Logger) *Loader {
	if logger == nil {
		logger = log.Default()
	}
	return &Loader{
		store:  store,
		cache:  cache,
		logger: logger.WithPrefix("loader"),
	}
}

// Reload makes addresses the complete live dataset. An empty slice is valid and
// leaves the live dataset empty. On error the previous dataset is untouched.
func (l *Loader) Reload(ctx context.Context, addresses []string) (*ReloadOutcome, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	started := time.Now()
	outcome := &ReloadOutcome{Requested: len(addresses)}
	l.logger.Info("Starting reload", "count", len(addresses))

	err := l.install(ctx, addresses, outcome)
	// Staging is dropped on every path, before the outcome is final.
	l.cleanup(ctx, outcome)
	if err != nil {
		return nil, l.failed(err)
	}

	outcome.Total = time.Since(started)
	l.logger.Info("Reload completed", "rows", outcome.Loaded, "warnings", len(outcome.Warnings), "took", outcome.Total)
	return outcome, nil
}

// install runs stage, bulk-populate, swap and invalidate.
func (l *Loader) install(ctx context.Context, addresses []string, outcome *ReloadOutcome) error {
	phase := time.Now()
	if err := l.store.PrepareStaging(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrStaging, err)
	}
	outcome.StageDuration = time.Since(phase)

	phase = time.Now()
	loaded, err := l.store.CopyToStaging(ctx, addresses)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTransfer, err)
	}
	outcome.Loaded = loaded
	outcome.TransferDuration = time.Since(phase)
	l.logger.Debug("Staging dataset populated", "rows", loaded, "took", outcome.TransferDuration)

	phase = time.Now()
	if err := l.swap(ctx, outcome); err != nil {
		return err
	}
	outcome.SwapDuration = time.Since(phase)
	l.logger.Info("Dataset swap committed", "rows", loaded, "took", outcome.SwapDuration)

	// Until this flush completes, cached answers may still describe the
	// previous dataset.
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
	defer cancel()
	if err := l.cache.Flush(flushCtx); err != nil {
		l.warn(outcome, fmt.Errorf("%w: %w", ErrInvalidation, err))
	} else {
		l.logger.Debug("Status cache flushed")
	}
	return nil
}

func (l *Loader) swap(ctx context.Context, outcome *ReloadOutcome) error {
	tx, err := l.store.BeginSwap(ctx)
	if err != nil {
		return fmt.Errorf("%w: begin transaction: %w", ErrSwap, err)
	}

	released := false
	defer func() {
		if released {
			return
		}
		if rbErr := tx.Rollback(); rbErr != nil {
			l.logger.Error("Swap rollback failed", "error", rbErr)
			return
		}
		l.logger.Warn("Swap rolled back, live dataset unchanged")
	}()

	if err := tx.DetachSequence(ctx); err != nil {
		l.warn(outcome, fmt.Errorf("%w: detach: %w", ErrSequence, err))
	}

	if err := tx.DropLive(ctx); err != nil {
		return fmt.Errorf("%w: drop live dataset: %w", ErrSwap, err)
	}

	if err := tx.PromoteStaging(ctx); err != nil {
		return fmt.Errorf("%w: promote staging dataset: %w", ErrSwap, err)
	}

	if err := tx.AttachSequence(ctx); err != nil {
		l.warn(outcome, fmt.Errorf("%w: attach: %w", ErrSequence, err))
	}

	// Commit releases the handle whether or not it succeeds.
	released = true
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit: %w", ErrSwap, err)
	}
	return nil
}

func (l *Loader) cleanup(ctx context.Context, outcome *ReloadOutcome) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), postCommitTimeout)
	defer cancel()

	if err := l.store.DropStaging(cleanupCtx); err != nil {
		l.warn(outcome, fmt.Errorf("%w: %w", ErrCleanup, err))
	}
}

func (l *Loader) warn(outcome *ReloadOutcome, err error) {
	outcome.Warnings = append(outcome.Warnings, err)
	l.logger.Warn("Reload step failed, continuing", "error", err)
}

func (l *Loader) failed(err error) error {
	if errors.Is(err, context.Canceled) {
		l.logger.Info("Reload canceled", "error", err)
	} else {
		l.logger.Error("Reload failed", "error", err)
	}
	return err
}
