// Package metrics provides infrastructure health collection for the control plane.
package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

// HealthStore is the store surface the collector inspects.
type HealthStore interface {
	Ping(ctx context.Context) error
	Backend() string
	PoolStats() *types.PoolStats
	ListNodes(ctx context.Context) ([]types.Node, error)
}

// Pinger is an optional dependency checked for connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Collector gathers infrastructure metrics with caching.
type Collector struct {
	store HealthStore
	redis Pinger // nil when Redis is not configured

	startTime time.Time

	// Cached values with TTL
	mu            sync.RWMutex
	cachedHealth  *types.InfrastructureHealth
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewCollector creates a new metrics collector. redis may be nil.
func NewCollector(store HealthStore, redis Pinger) *Collector {
	return &Collector{
		store:         store,
		redis:         redis,
		startTime:     time.Now(),
		cacheDuration: config.CacheTTLInfraHealth,
	}
}

// GetInfrastructureHealth returns the current infrastructure health metrics.
// Results are cached briefly so health polling does not load the store.
func (c *Collector) GetInfrastructureHealth(ctx context.Context) (*types.InfrastructureHealth, error) {
	c.mu.RLock()
	if c.cachedHealth != nil && time.Now().Before(c.cacheExpiry) {
		health := *c.cachedHealth
		c.mu.RUnlock()
		return &health, nil
	}
	c.mu.RUnlock()

	health := c.collectHealth(ctx)

	c.mu.Lock()
	c.cachedHealth = health
	c.cacheExpiry = time.Now().Add(c.cacheDuration)
	c.mu.Unlock()

	out := *health
	return &out, nil
}

func (c *Collector) collectHealth(ctx context.Context) *types.InfrastructureHealth {
	health := &types.InfrastructureHealth{
		Timestamp:    time.Now(),
		ControlPlane: c.collectControlPlaneHealth(),
		Store:        c.collectStoreHealth(ctx),
		Redis:        c.collectRedisHealth(ctx),
	}

	nodes, err := c.store.ListNodes(ctx)
	if err == nil {
		health.Fleet.Total = len(nodes)
		for _, n := range nodes {
			if n.Status == types.NodeOnline {
				health.Fleet.Online++
			} else {
				health.Fleet.Offline++
			}
		}
	}
	return health
}

func (c *Collector) collectControlPlaneHealth() types.ControlPlaneHealth {
	health := types.ControlPlaneHealth{
		Status:        "healthy",
		Goroutines:    runtime.NumGoroutine(),
		UptimeSeconds: int64(time.Since(c.startTime).Seconds()),
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err == nil {
		if cpu, err := proc.CPUPercent(); err == nil {
			health.CPUPercent = cpu
		}
		if mem, err := proc.MemoryInfo(); err == nil {
			health.MemoryMB = float64(mem.RSS) / (1024 * 1024)
		}
		if memPct, err := proc.MemoryPercent(); err == nil {
			health.MemoryPercent = float64(memPct)
		}
	}

	if health.MemoryPercent > 90 || health.CPUPercent > 90 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectStoreHealth(ctx context.Context) types.StoreHealth {
	health := types.StoreHealth{
		Status:  "healthy",
		Backend: c.store.Backend(),
		Pool:    c.store.PoolStats(),
	}

	pingCtx, cancel := context.WithTimeout(ctx, config.DatabasePingTimeout)
	defer cancel()
	if err := c.store.Ping(pingCtx); err != nil {
		health.Status = "error"
		return health
	}

	if p := health.Pool; p != nil && p.MaxConnections > 2 && p.AcquiredConnections >= p.MaxConnections-2 {
		health.Status = "degraded"
	}
	return health
}

func (c *Collector) collectRedisHealth(ctx context.Context) types.DependencyHealth {
	if c.redis == nil {
		return types.DependencyHealth{}
	}
	pingCtx, cancel := context.WithTimeout(ctx, config.RedisConnectionTimeout)
	defer cancel()
	return types.DependencyHealth{
		Enabled:   true,
		Connected: c.redis.Ping(pingCtx) == nil,
	}
}
