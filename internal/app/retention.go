package app

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Pruner deletes analyses older than a retention period.
type Pruner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

// RetentionManager prunes the history store on an hourly ticker.
type RetentionManager struct {
	store     Pruner
	retention time.Duration
	interval  time.Duration
	log       *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRetentionManager creates a new RetentionManager.
func NewRetentionManager(store Pruner, retention time.Duration, log *slog.Logger) *RetentionManager {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	return &RetentionManager{
		store:     store,
		retention: retention,
		interval:  time.Hour,
		log:       log,
	}
}

// Start runs an initial prune and then prunes every interval until Stop or
// ctx is cancelled.
func (rm *RetentionManager) Start(ctx context.Context) {
	ctx, rm.cancel = context.WithCancel(ctx)

	rm.Prune(ctx)

	rm.wg.Add(1)
	go func() {
		defer rm.wg.Done()
		ticker := time.NewTicker(rm.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rm.Prune(ctx)
			}
		}
	}()
}

// Stop gracefully shuts down the retention manager.
func (rm *RetentionManager) Stop() {
	if rm.cancel != nil {
		rm.cancel()
	}
	rm.wg.Wait()
}

// Prune deletes expired analyses once and returns how many were removed.
func (rm *RetentionManager) Prune(ctx context.Context) int64 {
	deleted, err := rm.store.Cleanup(ctx, rm.retention)
	if err != nil {
		rm.log.Error("retention prune failed", "error", err)
		return 0
	}
	if deleted > 0 {
		rm.log.Info("pruned expired analyses", "deleted", deleted, "retention", rm.retention)
	}
	return deleted
}
