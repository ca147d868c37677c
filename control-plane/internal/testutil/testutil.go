// Package testutil provides testing utilities and fixtures for the control plane.
//
// This package contains:
//   - Test helper functions (loggers, pointers, times)
//   - Fixture factories for domain types (tasks, alert configs, results, nodes)
//
// # Usage
//
// Fixtures use functional options for customization:
//
//	task := testutil.FixtureTask()
//	task := testutil.FixtureTask(func(t *types.Task) {
//		t.TenantID = 42
//		t.AgentIDs = []string{"agent-eu-1"}
//	})
package testutil

import (
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/dialer/pkg/types"
)

// NewTestLogger returns a logger that discards all output.
// Use for tests where logging output is not needed.
func NewTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// NewVerboseTestLogger returns a logger that writes to stderr.
// Use for debugging test failures.
func NewVerboseTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
}

// =============================================================================
// TASK FIXTURES
// =============================================================================

// FixtureTask creates an enabled tcp task with sensible defaults.
// ID is left zero so the store assigns it.
func FixtureTask(overrides ...func(*types.Task)) *types.Task {
	task := &types.Task{
		TenantID:    1,
		Name:        "test-task-" + uuid.New().String()[:8],
		Type:        types.ProbeTCP,
		Target:      "example.com:443",
		IntervalSec: 60,
		Enabled:     true,
		Params:      types.TaskParams{TimeoutSec: 5},
		AgentIDs:    []string{"agent-1"},
	}

	for _, override := range overrides {
		override(task)
	}

	return task
}

// FixtureHTTPStepTask creates an http-step task with a single "login" step.
func FixtureHTTPStepTask(overrides ...func(*types.Task)) *types.Task {
	return FixtureTask(append([]func(*types.Task){
		func(t *types.Task) {
			t.Type = types.ProbeHTTPStep
			t.Target = ""
			t.Params.Steps = []types.HTTPStep{{
				ID:      "login",
				Name:    "Login",
				Request: types.HTTPRequest{Method: "POST", URL: "https://example.com/login"},
			}}
		},
	}, overrides...)...)
}

// =============================================================================
// ALERT CONFIG FIXTURES
// =============================================================================

// FixtureAlertConfig creates an enabled status_code config allowing only 200.
func FixtureAlertConfig(taskID int64, overrides ...func(*types.AlertConfig)) *types.AlertConfig {
	cfg := &types.AlertConfig{
		TaskID:    taskID,
		AlertType: types.AlertStatusCode,
		Enabled:   true,
		Config:    MustJSON(types.RuleConfig{Level: types.LevelWarning, AllowedCodes: []int{200}}),
	}

	for _, override := range overrides {
		override(cfg)
	}

	return cfg
}

// =============================================================================
// RESULT FIXTURES
// =============================================================================

// FixtureResult creates a successful result for the given task.
func FixtureResult(taskID int64, overrides ...func(*types.Result)) *types.Result {
	result := &types.Result{
		TaskID:       taskID,
		AgentID:      "agent-1",
		AgentArea:    "us-east",
		Status:       types.StatusSuccess,
		ResponseTime: Ptr(42.0),
		Message:      "ok",
	}

	for _, override := range overrides {
		override(result)
	}

	return result
}

// FixtureStepResult creates an http-step result whose single step returned statusCode.
func FixtureStepResult(taskID int64, stepID string, statusCode int, overrides ...func(*types.Result)) *types.Result {
	details := types.HTTPStepDetails{Steps: []types.StepRecord{{
		StepID:         stepID,
		Name:           stepID,
		Request:        types.StepRequest{Method: "GET", URL: "https://example.com/" + stepID},
		Response:       &types.StepResponse{StatusCode: statusCode, Headers: map[string]string{}},
		RemoteIP:       "93.184.216.34",
		ResponseTimeMs: Ptr(12.5),
	}}}
	return FixtureResult(taskID, append([]func(*types.Result){
		func(r *types.Result) {
			r.Details = MustJSON(details)
		},
	}, overrides...)...)
}

// =============================================================================
// NODE FIXTURES
// =============================================================================

// FixtureNode creates an online node that has just sent a heartbeat.
func FixtureNode(overrides ...func(*types.Node)) *types.Node {
	now := time.Now()
	node := &types.Node{
		AgentID:       "agent-" + uuid.New().String()[:8],
		AgentArea:     "us-east",
		IPAddress:     "10.0.0.1",
		Hostname:      "probe-01",
		Status:        types.NodeOnline,
		LastHeartbeat: now,
		Telemetry:     types.Telemetry{MaxWorkers: 8},
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	for _, override := range overrides {
		override(node)
	}

	return node
}

// FixtureNodeStale creates an online node whose last heartbeat was d ago.
func FixtureNodeStale(d time.Duration, overrides ...func(*types.Node)) *types.Node {
	return FixtureNode(append([]func(*types.Node){
		func(n *types.Node) {
			n.LastHeartbeat = TimeAgo(d)
		},
	}, overrides...)...)
}

// =============================================================================
// HELPERS
// =============================================================================

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// TimeAgo returns the time d before now.
func TimeAgo(d time.Duration) time.Time {
	return time.Now().Add(-d)
}

// MustJSON marshals v or panics.
func MustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
