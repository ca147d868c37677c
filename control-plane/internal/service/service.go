// Package service contains the business logic for the control plane.
//
// # Result Ingestion
//
// IngestResult validates a result, persists it with a server-assigned
// timestamp, and then evaluates alert rules synchronously. Persistence errors
// are returned so the agent retries; evaluation errors are logged only, the
// result stays stored.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/alerting"
	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/control-plane/internal/store"
	"github.com/pilot-net/dialer/pkg/types"
)

var (
	// ErrInvalidResult is returned when a result fails validation.
	ErrInvalidResult = errors.New("invalid result")

	// ErrUnknownTask is returned for a result whose task does not exist.
	ErrUnknownTask = errors.New("unknown task")

	// ErrInvalidHeartbeat is returned when a heartbeat fails validation.
	ErrInvalidHeartbeat = errors.New("invalid heartbeat")

	// ErrNotFound is returned when a tenant-scoped record does not exist.
	ErrNotFound = errors.New("not found")
)

// Evaluator applies alert rules to a persisted result.
type Evaluator interface {
	Evaluate(ctx context.Context, task *types.Task, result *types.Result) (alerting.Summary, error)
}

// Service provides business logic operations.
type Service struct {
	store     store.Repository
	evaluator Evaluator
	logger    *slog.Logger
	now       func() time.Time
}

// NewService creates a new service. evaluator may be nil to disable alerting.
func NewService(repo store.Repository, evaluator Evaluator, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     repo,
		evaluator: evaluator,
		logger:    logger.With("component", "service"),
		now:       time.Now,
	}
}

// Store returns the underlying repository (used by health checks).
func (s *Service) Store() store.Repository {
	return s.store
}

// =============================================================================
// AGENT OPERATIONS
// =============================================================================

// IngestResult persists one result and evaluates alert rules against it.
func (s *Service) IngestResult(ctx context.Context, result *types.Result) error {
	if err := result.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResult, err)
	}

	task, err := s.store.GetTask(ctx, result.TaskID)
	if err != nil {
		return fmt.Errorf("looking up task %d: %w", result.TaskID, err)
	}
	if task == nil {
		return fmt.Errorf("%w: %d", ErrUnknownTask, result.TaskID)
	}

	if err := s.store.InsertResult(ctx, result); err != nil {
		return fmt.Errorf("persisting result: %w", err)
	}

	if s.evaluator == nil {
		return nil
	}

	// The result is durable; evaluation must not be cut short by the agent
	// disconnecting.
	evalCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), config.EvaluatorTimeout)
	defer cancel()

	summary, err := s.evaluator.Evaluate(evalCtx, task, result)
	if err != nil {
		s.logger.Error("alert evaluation failed",
			"task_id", task.ID, "result_id", result.ID, "error", err)
	}
	if summary.Opened+summary.Updated+summary.Resolved > 0 {
		s.logger.Debug("alerts evaluated",
			"task_id", task.ID,
			"result_id", result.ID,
			"evaluated", summary.Evaluated,
			"opened", summary.Opened,
			"updated", summary.Updated,
			"resolved", summary.Resolved,
		)
	}
	return nil
}

// RecordHeartbeat marks the node online and stores its telemetry.
func (s *Service) RecordHeartbeat(ctx context.Context, hb types.Heartbeat) (*types.HeartbeatResponse, error) {
	if err := hb.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeartbeat, err)
	}

	now := s.now()
	if err := s.store.UpsertNode(ctx, types.NodeFromHeartbeat(hb, now)); err != nil {
		return nil, fmt.Errorf("recording heartbeat: %w", err)
	}
	return &types.HeartbeatResponse{Status: "ok", ServerTime: now}, nil
}

// Assignments returns the task snapshots assigned to an agent.
func (s *Service) Assignments(ctx context.Context, agentID string) (*types.AssignmentResponse, error) {
	tasks, err := s.store.ListAssignments(ctx, agentID)
	if err != nil {
		return nil, fmt.Errorf("listing assignments: %w", err)
	}

	resp := &types.AssignmentResponse{Tasks: make([]types.Assignment, 0, len(tasks))}
	for i := range tasks {
		resp.Tasks = append(resp.Tasks, tasks[i].Assignment())
	}
	return resp, nil
}
