// Package store provides persistence for the control plane.
//
// # Design
//
// Store uses raw SQL with pgx against the schema in db/migrate. MemoryStore
// implements the same Repository contract in process, for tests and for
// running a control plane without Postgres.
//
// Lookups return nil, nil when the row does not exist.
//
// # Alert De-duplication
//
// The alerts table carries a unique partial index over active alerts per
// (task_id, step_id, alarm_type). CreateAlert maps a violation of that index
// to ErrActiveAlertExists so callers can re-read the winning alert instead of
// creating a duplicate. MemoryStore enforces the same rule under its mutex.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pilot-net/dialer/pkg/types"
)

// ErrActiveAlertExists is returned by CreateAlert when an active alert
// already holds the same key.
var ErrActiveAlertExists = errors.New("active alert already exists for key")

// ErrNotFound is returned by mutations addressed at a missing row.
var ErrNotFound = errors.New("not found")

// uniqueViolation is the Postgres SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// Repository is the full persistence contract of the control plane.
type Repository interface {
	Ping(ctx context.Context) error
	Backend() string
	PoolStats() *types.PoolStats

	GetTask(ctx context.Context, id int64) (*types.Task, error)
	CreateTask(ctx context.Context, task *types.Task) error
	ListAssignments(ctx context.Context, agentID string) ([]types.Task, error)

	CreateAlertConfig(ctx context.Context, cfg *types.AlertConfig) error
	ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error)

	GetActiveAlert(ctx context.Context, key types.AlertKey) (*types.Alert, error)
	CreateAlert(ctx context.Context, alert *types.Alert) error
	TouchAlert(ctx context.Context, id, message, triggerValue string, at time.Time) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
	GetAlert(ctx context.Context, tenantID int64, id string) (*types.Alert, error)
	ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error)

	InsertResult(ctx context.Context, result *types.Result) error
	ListResults(ctx context.Context, filter types.ResultFilter) ([]types.Result, error)
	DeleteResultsBefore(ctx context.Context, before time.Time) (int64, error)

	UpsertNode(ctx context.Context, node *types.Node) error
	ListNodes(ctx context.Context) ([]types.Node, error)
	MarkNodesOffline(ctx context.Context, before time.Time) (int64, error)
}

var (
	_ Repository = (*Store)(nil)
	_ Repository = (*MemoryStore)(nil)
)

// Store provides database operations.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new store with the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// NewStoreFromURL creates a new store by connecting to the given database URL.
func NewStoreFromURL(ctx context.Context, url string) (*Store, error) {
	pool, err := pgxpool.New(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping tests database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Pool returns the underlying connection pool for migrations.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Backend names the storage engine for health reporting.
func (s *Store) Backend() string {
	return "postgres"
}

// PoolStats returns connection pool statistics.
func (s *Store) PoolStats() *types.PoolStats {
	stat := s.pool.Stat()
	return &types.PoolStats{
		TotalConnections:    stat.TotalConns(),
		IdleConnections:     stat.IdleConns(),
		AcquiredConnections: stat.AcquiredConns(),
		MaxConnections:      stat.MaxConns(),
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

// =============================================================================
// TASKS
// =============================================================================

const taskColumns = `id, tenant_id, name, type, target, interval_sec, enabled, params, agent_ids, version, created_at, updated_at`

func scanTask(row pgx.Row) (*types.Task, error) {
	var t types.Task
	var paramsJSON []byte
	err := row.Scan(
		&t.ID, &t.TenantID, &t.Name, &t.Type, &t.Target, &t.IntervalSec,
		&t.Enabled, &paramsJSON, &t.AgentIDs, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if len(paramsJSON) > 0 {
		if err := json.Unmarshal(paramsJSON, &t.Params); err != nil {
			return nil, fmt.Errorf("decoding params of task %d: %w", t.ID, err)
		}
	}
	return &t, nil
}

// GetTask retrieves a task by ID.
func (s *Store) GetTask(ctx context.Context, id int64) (*types.Task, error) {
	task, err := scanTask(s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = $1`, id))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return task, nil
}

// CreateTask inserts a task and fills in its ID, version and timestamps.
func (s *Store) CreateTask(ctx context.Context, task *types.Task) error {
	paramsJSON, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	agentIDs := task.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO tasks (tenant_id, name, type, target, interval_sec, enabled, params, agent_ids)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id, version, created_at, updated_at
	`,
		task.TenantID, task.Name, task.Type, task.Target, task.IntervalSec,
		task.Enabled, paramsJSON, agentIDs,
	).Scan(&task.ID, &task.Version, &task.CreatedAt, &task.UpdatedAt)
}

// UpdateTask replaces a task's content. The tasks_bump_version trigger
// increments version when anything changed.
func (s *Store) UpdateTask(ctx context.Context, task *types.Task) error {
	paramsJSON, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encoding params: %w", err)
	}
	agentIDs := task.AgentIDs
	if agentIDs == nil {
		agentIDs = []string{}
	}
	err = s.pool.QueryRow(ctx, `
		UPDATE tasks
		SET tenant_id = $2, name = $3, type = $4, target = $5, interval_sec = $6,
			enabled = $7, params = $8, agent_ids = $9
		WHERE id = $1
		RETURNING version, updated_at
	`,
		task.ID, task.TenantID, task.Name, task.Type, task.Target, task.IntervalSec,
		task.Enabled, paramsJSON, agentIDs,
	).Scan(&task.Version, &task.UpdatedAt)
	if err == pgx.ErrNoRows {
		return ErrNotFound
	}
	return err
}

// ListAssignments returns every task assigned to the agent, including
// disabled ones so the agent can stop scheduling them.
func (s *Store) ListAssignments(ctx context.Context, agentID string) ([]types.Task, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE $1 = ANY(agent_ids)
		ORDER BY id
	`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []types.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// =============================================================================
// ALERT CONFIGS
// =============================================================================

// CreateAlertConfig inserts an alert rule.
func (s *Store) CreateAlertConfig(ctx context.Context, cfg *types.AlertConfig) error {
	config := []byte(cfg.Config)
	if len(config) == 0 {
		config = []byte("{}")
	}
	return s.pool.QueryRow(ctx, `
		INSERT INTO alert_configs (task_id, step_id, alert_type, enabled, config)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`, cfg.TaskID, cfg.StepID, cfg.AlertType, cfg.Enabled, config).Scan(&cfg.ID, &cfg.CreatedAt)
}

// ListEnabledAlertConfigs returns the enabled rules of a task ordered by ID.
func (s *Store) ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, task_id, step_id, alert_type, enabled, config, created_at
		FROM alert_configs
		WHERE task_id = $1 AND enabled
		ORDER BY id
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var configs []types.AlertConfig
	for rows.Next() {
		var cfg types.AlertConfig
		var config []byte
		if err := rows.Scan(&cfg.ID, &cfg.TaskID, &cfg.StepID, &cfg.AlertType, &cfg.Enabled, &config, &cfg.CreatedAt); err != nil {
			return nil, err
		}
		cfg.Config = json.RawMessage(config)
		configs = append(configs, cfg)
	}
	return configs, rows.Err()
}
