// Package worker provides background workers for the control plane.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/config"
)

// NodeStore defines the storage interface for the node sweeper.
type NodeStore interface {
	// MarkNodesOffline flips online nodes whose last heartbeat is older than
	// before and returns how many changed.
	MarkNodesOffline(ctx context.Context, before time.Time) (int64, error)
}

// NodeSweeperConfig holds configuration for the node sweeper.
type NodeSweeperConfig struct {
	// Interval between sweeps.
	Interval time.Duration

	// OfflineAfter is how long a node may go without a heartbeat before it
	// is marked offline.
	OfflineAfter time.Duration
}

// DefaultNodeSweeperConfig returns sensible defaults.
func DefaultNodeSweeperConfig() NodeSweeperConfig {
	return NodeSweeperConfig{
		Interval:     config.DefaultSweepInterval,
		OfflineAfter: config.OfflineMultiplier * config.DefaultHeartbeatInterval,
	}
}

// NodeSweeper marks nodes offline once their heartbeats stop.
type NodeSweeper struct {
	store  NodeStore
	config NodeSweeperConfig
	logger *slog.Logger
	now    func() time.Time
	stopCh chan struct{}
}

// NewNodeSweeper creates a new node sweeper.
func NewNodeSweeper(store NodeStore, cfg NodeSweeperConfig, logger *slog.Logger) *NodeSweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &NodeSweeper{
		store:  store,
		config: cfg,
		logger: logger.With("component", "node_sweeper"),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// Start begins the sweeper in a goroutine.
func (w *NodeSweeper) Start(ctx context.Context) {
	go w.run(ctx)
}

// Stop signals the sweeper to stop.
func (w *NodeSweeper) Stop() {
	close(w.stopCh)
}

func (w *NodeSweeper) run(ctx context.Context) {
	w.logger.Info("node sweeper started",
		"interval", w.config.Interval,
		"offline_after", w.config.OfflineAfter,
	)

	// Run immediately on start
	w.RunOnce(ctx)

	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("node sweeper stopping (context cancelled)")
			return
		case <-w.stopCh:
			w.logger.Info("node sweeper stopping (stop signal)")
			return
		case <-ticker.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep and returns the number of nodes marked offline.
func (w *NodeSweeper) RunOnce(ctx context.Context) int64 {
	cutoff := w.now().Add(-w.config.OfflineAfter)
	n, err := w.store.MarkNodesOffline(ctx, cutoff)
	if err != nil {
		w.logger.Error("failed to mark stale nodes offline", "error", err)
		return 0
	}
	if n > 0 {
		w.logger.Info("nodes marked offline", "count", n, "cutoff", cutoff)
	}
	return n
}
