package store

import (
	"context"
	"fmt"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// NODES
// =============================================================================

// UpsertNode records a heartbeat. created_at is kept from the first heartbeat.
func (s *Store) UpsertNode(ctx context.Context, node *types.Node) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO nodes (
			agent_id, agent_area, ip_address, hostname, status, last_heartbeat,
			max_workers, active_threads, pending_tasks, completed_tasks,
			total_tasks, running_tasks, failed_tasks, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $6)
		ON CONFLICT (agent_id) DO UPDATE SET
			agent_area = EXCLUDED.agent_area,
			ip_address = EXCLUDED.ip_address,
			hostname = EXCLUDED.hostname,
			status = EXCLUDED.status,
			last_heartbeat = EXCLUDED.last_heartbeat,
			max_workers = EXCLUDED.max_workers,
			active_threads = EXCLUDED.active_threads,
			pending_tasks = EXCLUDED.pending_tasks,
			completed_tasks = EXCLUDED.completed_tasks,
			total_tasks = EXCLUDED.total_tasks,
			running_tasks = EXCLUDED.running_tasks,
			failed_tasks = EXCLUDED.failed_tasks,
			updated_at = EXCLUDED.updated_at
	`,
		node.AgentID, node.AgentArea, node.IPAddress, node.Hostname, node.Status, node.LastHeartbeat,
		node.MaxWorkers, node.ActiveThreads, node.PendingTasks, node.CompletedTasks,
		node.TotalTasks, node.RunningTasks, node.FailedTasks,
	)
	if err != nil {
		return fmt.Errorf("upsert node: %w", err)
	}
	return nil
}

// ListNodes returns all registered nodes ordered by agent ID.
func (s *Store) ListNodes(ctx context.Context) ([]types.Node, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT agent_id, agent_area, ip_address, hostname, status, last_heartbeat,
			max_workers, active_threads, pending_tasks, completed_tasks,
			total_tasks, running_tasks, failed_tasks, created_at, updated_at
		FROM nodes
		ORDER BY agent_id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []types.Node
	for rows.Next() {
		var n types.Node
		if err := rows.Scan(
			&n.AgentID, &n.AgentArea, &n.IPAddress, &n.Hostname, &n.Status, &n.LastHeartbeat,
			&n.MaxWorkers, &n.ActiveThreads, &n.PendingTasks, &n.CompletedTasks,
			&n.TotalTasks, &n.RunningTasks, &n.FailedTasks, &n.CreatedAt, &n.UpdatedAt,
		); err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}
	return nodes, rows.Err()
}

// MarkNodesOffline flips online nodes whose last heartbeat is older than before.
func (s *Store) MarkNodesOffline(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE nodes
		SET status = 'offline', updated_at = NOW()
		WHERE status = 'online' AND last_heartbeat < $1
	`, before)
	if err != nil {
		return 0, fmt.Errorf("mark nodes offline: %w", err)
	}
	return tag.RowsAffected(), nil
}
