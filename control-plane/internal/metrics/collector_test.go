package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/pilot-net/dialer/pkg/types"
)

type fakeStore struct {
	pingErr error
	pool    *types.PoolStats
	nodes   []types.Node
	lists   int
}

func (f *fakeStore) Ping(ctx context.Context) error { return f.pingErr }
func (f *fakeStore) Backend() string                { return "postgres" }
func (f *fakeStore) PoolStats() *types.PoolStats    { return f.pool }

func (f *fakeStore) ListNodes(ctx context.Context) ([]types.Node, error) {
	f.lists++
	return f.nodes, nil
}

type fakePinger struct{ err error }

func (p fakePinger) Ping(ctx context.Context) error { return p.err }

func TestCollectorHealth(t *testing.T) {
	store := &fakeStore{
		pool: &types.PoolStats{MaxConnections: 10, AcquiredConnections: 1},
		nodes: []types.Node{
			{AgentID: "a", Status: types.NodeOnline},
			{AgentID: "b", Status: types.NodeOffline},
			{AgentID: "c", Status: types.NodeOnline},
		},
	}
	c := NewCollector(store, fakePinger{})

	h, err := c.GetInfrastructureHealth(context.Background())
	if err != nil {
		t.Fatalf("GetInfrastructureHealth() error = %v", err)
	}
	if h.Store.Status != "healthy" || h.Store.Backend != "postgres" {
		t.Errorf("Store = %+v", h.Store)
	}
	if h.Fleet != (types.FleetHealth{Total: 3, Online: 2, Offline: 1}) {
		t.Errorf("Fleet = %+v", h.Fleet)
	}
	if !h.Redis.Enabled || !h.Redis.Connected {
		t.Errorf("Redis = %+v", h.Redis)
	}
	if h.ControlPlane.Goroutines == 0 {
		t.Error("ControlPlane.Goroutines = 0")
	}

	// Second call within the TTL is served from cache.
	c.GetInfrastructureHealth(context.Background())
	if store.lists != 1 {
		t.Errorf("ListNodes called %d times, want 1", store.lists)
	}
}

func TestCollectorDegradedDependencies(t *testing.T) {
	tests := []struct {
		name      string
		store     *fakeStore
		redis     Pinger
		wantStore string
		wantRedis types.DependencyHealth
	}{
		{"store down", &fakeStore{pingErr: errors.New("refused")}, nil, "error", types.DependencyHealth{}},
		{"pool exhausted", &fakeStore{pool: &types.PoolStats{MaxConnections: 10, AcquiredConnections: 9}}, nil, "degraded", types.DependencyHealth{}},
		{"memory store", &fakeStore{}, fakePinger{err: errors.New("down")}, "healthy", types.DependencyHealth{Enabled: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := NewCollector(tt.store, tt.redis).GetInfrastructureHealth(context.Background())
			if h.Store.Status != tt.wantStore {
				t.Errorf("Store.Status = %s, want %s", h.Store.Status, tt.wantStore)
			}
			if h.Redis != tt.wantRedis {
				t.Errorf("Redis = %+v, want %+v", h.Redis, tt.wantRedis)
			}
		})
	}
}
