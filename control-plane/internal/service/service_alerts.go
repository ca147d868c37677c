package service

import (
	"context"

	"github.com/pilot-net/dialer/pkg/types"
)

// =============================================================================
// TENANT QUERIES
// =============================================================================

// ListAlerts returns alerts matching the given tenant-scoped filter.
func (s *Service) ListAlerts(ctx context.Context, filter types.AlertFilter) ([]types.Alert, error) {
	alerts, err := s.store.ListAlerts(ctx, filter)
	if err != nil {
		return nil, err
	}
	if alerts == nil {
		alerts = []types.Alert{}
	}
	return alerts, nil
}

// GetAlert retrieves one of a tenant's alerts.
func (s *Service) GetAlert(ctx context.Context, tenantID int64, id string) (*types.Alert, error) {
	alert, err := s.store.GetAlert(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if alert == nil {
		return nil, ErrNotFound
	}
	return alert, nil
}

// ListTaskResults returns the newest results of a task the tenant owns.
func (s *Service) ListTaskResults(ctx context.Context, tenantID, taskID int64, limit int) ([]types.Result, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil || task.TenantID != tenantID {
		return nil, ErrNotFound
	}

	results, err := s.store.ListResults(ctx, types.ResultFilter{TaskID: taskID, TenantID: tenantID, Limit: limit})
	if err != nil {
		return nil, err
	}
	if results == nil {
		results = []types.Result{}
	}
	return results, nil
}

// ListNodes returns every registered node. Nodes are not tenant-scoped.
func (s *Service) ListNodes(ctx context.Context) ([]types.Node, error) {
	nodes, err := s.store.ListNodes(ctx)
	if err != nil {
		return nil, err
	}
	if nodes == nil {
		nodes = []types.Node{}
	}
	return nodes, nil
}
