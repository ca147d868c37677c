package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// RESULTS
// =============================================================================

// InsertResult persists a result and assigns its ID and created_at.
// Any agent-supplied created_at is ignored.
func (s *Store) InsertResult(ctx context.Context, result *types.Result) error {
	var details []byte
	if len(result.Details) > 0 {
		details = result.Details
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO results (task_id, agent_id, agent_area, status, response_time, message, details)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`,
		result.TaskID, result.AgentID, result.AgentArea, result.Status,
		result.ResponseTime, result.Message, details,
	).Scan(&result.ID, &result.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return nil
}

// ListResults returns the newest results of a task.
func (s *Store) ListResults(ctx context.Context, filter types.ResultFilter) ([]types.Result, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.task_id, r.agent_id, r.agent_area, r.status, r.response_time, r.message, r.details, r.created_at
		FROM results r
		JOIN tasks t ON t.id = r.task_id
		WHERE r.task_id = $1 AND ($2::bigint = 0 OR t.tenant_id = $2::bigint)
		ORDER BY r.created_at DESC, r.id DESC
		LIMIT $3
	`, filter.TaskID, filter.TenantID, config.ClampLimit(filter.Limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []types.Result
	for rows.Next() {
		var r types.Result
		var details []byte
		if err := rows.Scan(
			&r.ID, &r.TaskID, &r.AgentID, &r.AgentArea, &r.Status,
			&r.ResponseTime, &r.Message, &details, &r.CreatedAt,
		); err != nil {
			return nil, err
		}
		if len(details) > 0 {
			r.Details = json.RawMessage(details)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// DeleteResultsBefore removes results created before the cutoff.
func (s *Store) DeleteResultsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM results WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("delete results: %w", err)
	}
	return tag.RowsAffected(), nil
}
