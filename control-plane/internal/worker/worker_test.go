package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/store"
	"github.com/pilot-net/dialer/control-plane/internal/testutil"
	"github.com/pilot-net/dialer/pkg/types"
)

func TestNodeSweeperRunOnce(t *testing.T) {
	ctx := context.Background()
	mem := store.NewMemoryStore()

	fresh := testutil.FixtureNode(func(n *types.Node) { n.AgentID = "fresh" })
	stale := testutil.FixtureNodeStale(5*time.Minute, func(n *types.Node) { n.AgentID = "stale" })
	for _, n := range []*types.Node{fresh, stale} {
		if err := mem.UpsertNode(ctx, n); err != nil {
			t.Fatal(err)
		}
	}

	sweeper := NewNodeSweeper(mem, NodeSweeperConfig{Interval: time.Minute, OfflineAfter: 90 * time.Second}, testutil.NewTestLogger())
	if n := sweeper.RunOnce(ctx); n != 1 {
		t.Errorf("RunOnce() = %d, want 1", n)
	}

	nodes, _ := mem.ListNodes(ctx)
	status := map[string]types.NodeStatus{}
	for _, n := range nodes {
		status[n.AgentID] = n.Status
	}
	if status["fresh"] != types.NodeOnline || status["stale"] != types.NodeOffline {
		t.Errorf("statuses = %v", status)
	}

	// Already-offline nodes are not counted again.
	if n := sweeper.RunOnce(ctx); n != 0 {
		t.Errorf("second RunOnce() = %d, want 0", n)
	}
}

func TestDefaultNodeSweeperConfig(t *testing.T) {
	cfg := DefaultNodeSweeperConfig()
	if cfg.OfflineAfter != 90*time.Second {
		t.Errorf("OfflineAfter = %v, want 3 heartbeat intervals", cfg.OfflineAfter)
	}
}

type failingResultStore struct{}

func (failingResultStore) DeleteResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	return 0, errors.New("db down")
}

func TestRetentionWorkerRunOnce(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now.Add(-48 * time.Hour)
	mem := store.NewMemoryStore(store.WithClock(func() time.Time { return clock }))

	mem.InsertResult(ctx, testutil.FixtureResult(1))
	clock = now
	mem.InsertResult(ctx, testutil.FixtureResult(1))

	tests := []struct {
		name      string
		retention time.Duration
		want      int64
	}{
		{"disabled", 0, 0},
		{"expires old results", 24 * time.Hour, 1},
		{"nothing left to expire", 24 * time.Hour, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := NewRetentionWorker(mem, RetentionConfig{Interval: time.Hour, Retention: tt.retention}, testutil.NewTestLogger())
			w.now = func() time.Time { return now }
			if got := w.RunOnce(ctx); got != tt.want {
				t.Errorf("RunOnce() = %d, want %d", got, tt.want)
			}
		})
	}

	w := NewRetentionWorker(failingResultStore{}, DefaultRetentionConfig(), testutil.NewTestLogger())
	if got := w.RunOnce(ctx); got != 0 {
		t.Errorf("RunOnce() with failing store = %d, want 0", got)
	}
}

func TestWorkerStop(t *testing.T) {
	mem := store.NewMemoryStore()
	sweeper := NewNodeSweeper(mem, NodeSweeperConfig{Interval: 10 * time.Millisecond, OfflineAfter: time.Minute}, testutil.NewTestLogger())
	retention := NewRetentionWorker(mem, RetentionConfig{Interval: 10 * time.Millisecond, Retention: time.Hour}, testutil.NewTestLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper.Start(ctx)
	retention.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	sweeper.Stop()
	retention.Stop()
}
