package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/config"
)

// ResultStore defines the storage interface for the retention worker.
type ResultStore interface {
	DeleteResultsBefore(ctx context.Context, before time.Time) (int64, error)
}

// RetentionConfig holds configuration for the retention worker.
type RetentionConfig struct {
	// Interval between deletion runs.
	Interval time.Duration

	// Retention is how long results are kept. Zero disables deletion.
	Retention time.Duration
}

// DefaultRetentionConfig returns sensible defaults.
func DefaultRetentionConfig() RetentionConfig {
	return RetentionConfig{
		Interval:  config.DefaultRetentionInterval,
		Retention: config.DefaultResultRetention,
	}
}

// RetentionWorker deletes results older than the retention window.
type RetentionWorker struct {
	store  ResultStore
	config RetentionConfig
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

// NewRetentionWorker creates a new retention worker.
func NewRetentionWorker(store ResultStore, cfg RetentionConfig, logger *slog.Logger) *RetentionWorker {
	if logger == nil {
		logger = slog.Default()
	}
	return &RetentionWorker{
		store:  store,
		config: cfg,
		logger: logger.With("component", "retention_worker"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the worker in a goroutine. It does nothing when retention is disabled.
func (w *RetentionWorker) Start(ctx context.Context) {
	if w.config.Retention <= 0 {
		w.logger.Info("result retention disabled")
		return
	}
	go w.run(ctx)
}

// Stop signals the worker to stop.
func (w *RetentionWorker) Stop() {
	close(w.stopCh)
}

func (w *RetentionWorker) run(ctx context.Context) {
	w.logger.Info("retention worker started",
		"interval", w.config.Interval,
		"retention", w.config.Retention,
	)

	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("retention worker stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("retention worker stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce deletes expired results and returns how many were removed.
func (w *RetentionWorker) RunOnce(ctx context.Context) int64 {
	if w.config.Retention <= 0 {
		return 0
	}

	start := time.Now()
	cutoff := w.now().Add(-w.config.Retention)
	n, err := w.store.DeleteResultsBefore(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to delete expired results", "error", err)
		return 0
	}
	w.logger.Info("retention cycle complete",
		"duration", time.Since(start),
		"deleted", n,
		"cutoff", cutoff,
	)
	return n
}
