package types

import "time"

// InfrastructureHealth is the body of GET /api/v1/health/infrastructure.
type InfrastructureHealth struct {
	Timestamp    time.Time          `json:"timestamp"`
	ControlPlane ControlPlaneHealth `json:"control_plane"`
	Store        StoreHealth        `json:"store"`
	Redis        DependencyHealth   `json:"redis"`
	Fleet        FleetHealth        `json:"fleet"`
}

// ControlPlaneHealth contains control plane runtime metrics.
type ControlPlaneHealth struct {
	Status        string  `json:"status"` // healthy, degraded
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryMB      float64 `json:"memory_mb"`
	MemoryPercent float64 `json:"memory_percent"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds int64   `json:"uptime_seconds"`
}

// StoreHealth describes the backing store.
type StoreHealth struct {
	Status  string     `json:"status"`
	Backend string     `json:"backend"` // postgres, memory
	Pool    *PoolStats `json:"pool,omitempty"`
}

// PoolStats contains pgxpool connection pool statistics.
type PoolStats struct {
	TotalConnections    int32 `json:"total_connections"`
	IdleConnections     int32 `json:"idle_connections"`
	AcquiredConnections int32 `json:"acquired_connections"`
	MaxConnections      int32 `json:"max_connections"`
}

// DependencyHealth describes an optional dependency.
type DependencyHealth struct {
	Enabled   bool `json:"enabled"`
	Connected bool `json:"connected"`
}

// FleetHealth summarizes node liveness.
type FleetHealth struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}
