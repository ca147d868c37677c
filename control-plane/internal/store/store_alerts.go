package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// ALERTS
// =============================================================================

const alertColumns = `
	id::text, task_id, tenant_id, task_name, step_id, config_id, alarm_type,
	level, status, message, trigger_value, threshold_value, agent_id,
	created_at, last_seen_at, resolved_at`

func scanAlert(row pgx.Row) (*types.Alert, error) {
	var a types.Alert
	err := row.Scan(
		&a.ID, &a.TaskID, &a.TenantID, &a.TaskName, &a.StepID, &a.ConfigID, &a.AlarmType,
		&a.Level, &a.Status, &a.Message, &a.TriggerValue, &a.ThresholdValue, &a.AgentID,
		&a.CreatedAt, &a.LastSeenAt, &a.ResolvedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// GetActiveAlert returns the active alert holding key, if any.
func (s *Store) GetActiveAlert(ctx context.Context, key types.AlertKey) (*types.Alert, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE task_id = $1 AND COALESCE(step_id, '') = $2 AND alarm_type = $3 AND status = 'active'
	`, key.TaskID, key.StepID, key.AlarmType))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// CreateAlert inserts a new active alert. It returns ErrActiveAlertExists
// when another active alert already holds the key.
func (s *Store) CreateAlert(ctx context.Context, alert *types.Alert) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO alerts (
			id, task_id, tenant_id, task_name, step_id, config_id, alarm_type,
			level, status, message, trigger_value, threshold_value, agent_id,
			created_at, last_seen_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
	`,
		alert.ID, alert.TaskID, alert.TenantID, alert.TaskName, alert.StepID, alert.ConfigID, alert.AlarmType,
		alert.Level, alert.Status, alert.Message, alert.TriggerValue, alert.ThresholdValue, alert.AgentID,
		alert.CreatedAt, alert.LastSeenAt,
	)
	if isUniqueViolation(err) {
		return ErrActiveAlertExists
	}
	if err != nil {
		return fmt.Errorf("insert alert: %w", err)
	}
	return nil
}

// TouchAlert refreshes the message, trigger value and last-seen time of an active alert.
func (s *Store) TouchAlert(ctx context.Context, id, message, triggerValue string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET message = $2, trigger_value = $3, last_seen_at = $4
		WHERE id = $1 AND status = 'active'
	`, id, message, triggerValue, at)
	if err != nil {
		return fmt.Errorf("touch alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveAlert transitions an active alert to resolved.
func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE alerts
		SET status = 'resolved', resolved_at = $2
		WHERE id = $1 AND status = 'active'
	`, id, at)
	if err != nil {
		return fmt.Errorf("resolve alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetAlert retrieves an alert by ID within a tenant.
func (s *Store) GetAlert(ctx context.Context, tenantID int64, id string) (*types.Alert, error) {
	alert, err := scanAlert(s.pool.QueryRow(ctx, `
		SELECT `+alertColumns+`
		FROM alerts
		WHERE id::text = $1 AND tenant_id = $2
	`, id, tenantID))
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return alert, nil
}

// ListAlerts returns a tenant's alerts, newest first.
func (s *Store) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	where := "tenant_id = $1"
	args := []interface{}{filter.TenantID}
	argNum := 2

	if filter.TaskID != nil {
		where += fmt.Sprintf(" AND task_id = $%d", argNum)
		args = append(args, *filter.TaskID)
		argNum++
	}
	if filter.Status != nil {
		where += fmt.Sprintf(" AND status = $%d", argNum)
		args = append(args, *filter.Status)
		argNum++
	}

	query := fmt.Sprintf(`
		SELECT %s
		FROM alerts
		WHERE %s
		ORDER BY created_at DESC, id
		LIMIT $%d OFFSET $%d
	`, alertColumns, where, argNum, argNum+1)
	args = append(args, config.ClampLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []types.Alert
	for rows.Next() {
		alert, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		alerts = append(alerts, *alert)
	}
	return alerts, rows.Err()
}
