package store

import (
	"context"
	"encoding/json"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

// MemoryStore is an in-process Repository. All records are lost on restart.
type MemoryStore struct {
	mu sync.RWMutex

	tasks        map[int64]*types.Task
	alertConfigs map[int64]*types.AlertConfig
	alerts       map[string]*types.Alert
	active       map[types.AlertKey]string // key -> active alert ID
	results      []types.Result
	nodes        map[string]*types.Node

	nextTaskID   int64
	nextConfigID int64
	nextResultID int64

	now func() time.Time
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock overrides the clock used for server-assigned timestamps.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) {
		m.now = now
	}
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		tasks:        make(map[int64]*types.Task),
		alertConfigs: make(map[int64]*types.AlertConfig),
		alerts:       make(map[string]*types.Alert),
		active:       make(map[types.AlertKey]string),
		nodes:        make(map[string]*types.Node),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Ping always succeeds.
func (m *MemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Backend names the storage engine for health reporting.
func (m *MemoryStore) Backend() string {
	return "memory"
}

// PoolStats is nil; there is no connection pool.
func (m *MemoryStore) PoolStats() *types.PoolStats {
	return nil
}

// =============================================================================
// TASKS
// =============================================================================

func copyTask(t *types.Task) types.Task {
	out := *t
	out.AgentIDs = slices.Clone(t.AgentIDs)
	out.Params.Steps = slices.Clone(t.Params.Steps)
	return out
}

// GetTask retrieves a task by ID.
func (m *MemoryStore) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	out := copyTask(t)
	return &out, nil
}

// CreateTask inserts a task and fills in its ID, version and timestamps.
func (m *MemoryStore) CreateTask(ctx context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextTaskID++
	now := m.now()
	task.ID = m.nextTaskID
	task.Version = 1
	task.CreatedAt = now
	task.UpdatedAt = now

	stored := copyTask(task)
	m.tasks[task.ID] = &stored
	return nil
}

// UpdateTask replaces a task and bumps its version.
func (m *MemoryStore) UpdateTask(ctx context.Context, task *types.Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	prev, ok := m.tasks[task.ID]
	if !ok {
		return ErrNotFound
	}
	task.Version = prev.Version + 1
	task.CreatedAt = prev.CreatedAt
	task.UpdatedAt = m.now()

	stored := copyTask(task)
	m.tasks[task.ID] = &stored
	return nil
}

// ListAssignments returns every task assigned to the agent ordered by ID.
func (m *MemoryStore) ListAssignments(ctx context.Context, agentID string) ([]types.Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var tasks []types.Task
	for _, t := range m.tasks {
		if slices.Contains(t.AgentIDs, agentID) {
			tasks = append(tasks, copyTask(t))
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// =============================================================================
// ALERT CONFIGS
// =============================================================================

// CreateAlertConfig inserts an alert rule.
func (m *MemoryStore) CreateAlertConfig(ctx context.Context, cfg *types.AlertConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextConfigID++
	cfg.ID = m.nextConfigID
	cfg.CreatedAt = m.now()

	stored := *cfg
	stored.Config = slices.Clone(cfg.Config)
	m.alertConfigs[cfg.ID] = &stored
	return nil
}

// ListEnabledAlertConfigs returns the enabled rules of a task ordered by ID.
func (m *MemoryStore) ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var configs []types.AlertConfig
	for _, c := range m.alertConfigs {
		if c.TaskID == taskID && c.Enabled {
			out := *c
			out.Config = json.RawMessage(slices.Clone(c.Config))
			configs = append(configs, out)
		}
	}
	sort.Slice(configs, func(i, j int) bool { return configs[i].ID < configs[j].ID })
	return configs, nil
}

// =============================================================================
// ALERTS
// =============================================================================

// GetActiveAlert returns the active alert holding key, if any.
func (m *MemoryStore) GetActiveAlert(ctx context.Context, key types.AlertKey) (*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[key]
	if !ok {
		return nil, nil
	}
	out := *m.alerts[id]
	return &out, nil
}

// CreateAlert inserts a new active alert. It returns ErrActiveAlertExists
// when another active alert already holds the key.
func (m *MemoryStore) CreateAlert(ctx context.Context, alert *types.Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := alert.Key()
	if alert.Status == types.AlertActive {
		if _, taken := m.active[key]; taken {
			return ErrActiveAlertExists
		}
		m.active[key] = alert.ID
	}
	stored := *alert
	m.alerts[alert.ID] = &stored
	return nil
}

// TouchAlert refreshes the message, trigger value and last-seen time of an active alert.
func (m *MemoryStore) TouchAlert(ctx context.Context, id, message, triggerValue string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.Status != types.AlertActive {
		return ErrNotFound
	}
	a.Message = message
	a.TriggerValue = triggerValue
	a.LastSeenAt = at
	return nil
}

// ResolveAlert transitions an active alert to resolved.
func (m *MemoryStore) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.alerts[id]
	if !ok || a.Status != types.AlertActive {
		return ErrNotFound
	}
	resolvedAt := at
	a.Status = types.AlertResolved
	a.ResolvedAt = &resolvedAt
	delete(m.active, a.Key())
	return nil
}

// GetAlert retrieves an alert by ID within a tenant.
func (m *MemoryStore) GetAlert(ctx context.Context, tenantID int64, id string) (*types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.alerts[id]
	if !ok || a.TenantID != tenantID {
		return nil, nil
	}
	out := *a
	return &out, nil
}

// ListAlerts returns a tenant's alerts, newest first.
func (m *MemoryStore) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var alerts []types.Alert
	for _, a := range m.alerts {
		if a.TenantID != filter.TenantID {
			continue
		}
		if filter.TaskID != nil && a.TaskID != *filter.TaskID {
			continue
		}
		if filter.Status != nil && a.Status != *filter.Status {
			continue
		}
		alerts = append(alerts, *a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		if !alerts[i].CreatedAt.Equal(alerts[j].CreatedAt) {
			return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
		}
		return alerts[i].ID < alerts[j].ID
	})
	return page(alerts, filter.Offset, config.ClampLimit(filter.Limit)), nil
}

func page[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	items = items[offset:]
	if len(items) > limit {
		items = items[:limit]
	}
	return items
}

// =============================================================================
// RESULTS
// =============================================================================

// InsertResult persists a result and assigns its ID and created_at.
func (m *MemoryStore) InsertResult(ctx context.Context, result *types.Result) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextResultID++
	result.ID = m.nextResultID
	result.CreatedAt = m.now()

	stored := *result
	stored.Details = json.RawMessage(slices.Clone(result.Details))
	m.results = append(m.results, stored)
	return nil
}

// ListResults returns the newest results of a task.
func (m *MemoryStore) ListResults(ctx context.Context, filter types.ResultFilter) ([]types.Result, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if filter.TenantID != 0 {
		t, ok := m.tasks[filter.TaskID]
		if !ok || t.TenantID != filter.TenantID {
			return nil, nil
		}
	}

	limit := config.ClampLimit(filter.Limit)
	var results []types.Result
	for i := len(m.results) - 1; i >= 0 && len(results) < limit; i-- {
		if m.results[i].TaskID == filter.TaskID {
			results = append(results, m.results[i])
		}
	}
	return results, nil
}

// DeleteResultsBefore removes results created before the cutoff.
func (m *MemoryStore) DeleteResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	kept := m.results[:0]
	var deleted int64
	for _, r := range m.results {
		if r.CreatedAt.Before(before) {
			deleted++
			continue
		}
		kept = append(kept, r)
	}
	m.results = kept
	return deleted, nil
}

// =============================================================================
// NODES
// =============================================================================

// UpsertNode records a heartbeat. created_at is kept from the first heartbeat.
func (m *MemoryStore) UpsertNode(ctx context.Context, node *types.Node) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := *node
	if prev, ok := m.nodes[node.AgentID]; ok {
		stored.CreatedAt = prev.CreatedAt
	} else {
		stored.CreatedAt = node.LastHeartbeat
	}
	m.nodes[node.AgentID] = &stored
	return nil
}

// ListNodes returns all registered nodes ordered by agent ID.
func (m *MemoryStore) ListNodes(ctx context.Context) ([]types.Node, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nodes := make([]types.Node, 0, len(m.nodes))
	for _, n := range m.nodes {
		nodes = append(nodes, *n)
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].AgentID < nodes[j].AgentID })
	return nodes, nil
}

// MarkNodesOffline flips online nodes whose last heartbeat is older than before.
func (m *MemoryStore) MarkNodesOffline(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	now := m.now()
	for _, node := range m.nodes {
		if node.Status == types.NodeOnline && node.LastHeartbeat.Before(before) {
			node.Status = types.NodeOffline
			node.UpdatedAt = now
			n++
		}
	}
	return n, nil
}
