// Package executor defines the plugin interface for probe types.
//
// # Design Principles
//
// 1. Interface Segregation: Small, focused interface that all probes implement
// 2. Bounded Execution: Every probe honors the context deadline it is given
// 3. Capability Declaration: Executors declare their external dependencies
// 4. Graceful Degradation: Missing dependencies detected at registration, not runtime
//
// # Adding New Executors
//
// To add a new probe type:
//
//  1. Create a new file (e.g., smtp.go) implementing the Executor interface
//  2. Define the details struct for your probe type in pkg/types
//  3. Register the executor in NewDefaultRegistry
//
// Example:
//
//	type SMTPExecutor struct { /* ... */ }
//	func (e *SMTPExecutor) Type() types.ProbeType { return "smtp" }
//	func (e *SMTPExecutor) Execute(ctx, task) (*Result, error) { /* ... */ }
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// Executor is the interface all probe types implement.
//
// Execute must return once ctx is done, aborting outstanding I/O. Probe-level
// failures (refused, timeout, NXDOMAIN) are reported inside the Result; a
// returned error means the probe could not be attempted at all and is
// converted to status=error by the caller.
type Executor interface {
	// Type returns the task type this executor serves (e.g., "tcp")
	Type() types.ProbeType

	// Capabilities returns what this executor needs and how it is driven
	Capabilities() Capabilities

	// Execute runs one probe for the task snapshot
	Execute(ctx context.Context, task types.Assignment) (*Result, error)
}

// Capabilities describes an executor's requirements.
type Capabilities struct {
	// Dependencies lists external binaries required (e.g., ["ping"])
	Dependencies []string

	// Retryable indicates params.retries applies to this executor
	Retryable bool
}

// Result is the outcome of a probe execution.
type Result struct {
	Status         types.ResultStatus `json:"status"`
	ResponseTimeMs *float64           `json:"response_time"`
	Message        string             `json:"message"`
	Details        json.RawMessage    `json:"details,omitempty"`
}

// Failed reports whether the result counts towards failed_tasks.
func (r *Result) Failed() bool {
	return r.Status != types.StatusSuccess
}

// =============================================================================
// REGISTRY
// =============================================================================

// Registry maps task types to executors.
type Registry struct {
	executors map[types.ProbeType]Executor
	mu        sync.RWMutex
}

// NewRegistry creates a new executor registry.
func NewRegistry() *Registry {
	return &Registry{
		executors: make(map[types.ProbeType]Executor),
	}
}

// NewDefaultRegistry registers the built-in tcp, ping, dns and http-step executors.
// An executor whose dependencies are missing is skipped with a warning.
func NewDefaultRegistry(pingPath string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := NewRegistry()

	pingExec := NewPingExecutor()
	if pingPath != "" {
		pingExec.PingPath = pingPath
	}
	for _, e := range []Executor{NewTCPExecutor(), pingExec, NewDNSExecutor(), NewHTTPStepExecutor()} {
		if err := r.Register(e); err != nil {
			logger.Warn("failed to register executor", "type", e.Type(), "error", err)
			continue
		}
		logger.Debug("registered executor", "type", e.Type())
	}
	return r
}

// Register adds an executor to the registry.
// Returns an error if dependencies are missing or executor already registered.
func (r *Registry) Register(e Executor) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	typ := e.Type()
	if _, exists := r.executors[typ]; exists {
		return fmt.Errorf("executor already registered: %s", typ)
	}

	for _, dep := range e.Capabilities().Dependencies {
		if _, err := exec.LookPath(dep); err != nil {
			return fmt.Errorf("executor %s missing dependency: %s", typ, dep)
		}
	}

	r.executors[typ] = e
	return nil
}

// Get returns an executor by type.
func (r *Registry) Get(typ types.ProbeType) (Executor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.executors[typ]
	return e, ok
}

// List returns all registered executor types, sorted.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// graceWindow bounds how long past its deadline a probe may take to unwind.
const graceWindow = time.Second

// InvocationTimeout returns the deadline budget for one attempt of the task.
// http-step budgets one task timeout per step; ping gets an extra grace
// second so the binary can print its summary before being killed.
func InvocationTimeout(task types.Assignment) time.Duration {
	timeout := task.Params.Timeout()
	switch task.Type {
	case types.ProbeHTTPStep:
		if n := len(task.Params.Steps); n > 1 {
			return timeout * time.Duration(n)
		}
	case types.ProbePing:
		return timeout + graceWindow
	}
	return timeout
}

// MarshalPayload converts a typed details struct to json.RawMessage.
func MarshalPayload(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

// UnmarshalPayload extracts a typed details struct from json.RawMessage.
func UnmarshalPayload[T any](data json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(data, &v)
	return v, err
}

// elapsedMs returns the monotonic time since start in milliseconds.
func elapsedMs(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func msPtr(v float64) *float64 {
	return &v
}

// isTimeout reports whether err stems from the probe deadline.
func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}

// TimeoutResult is the result reported when a probe exceeds its deadline.
func TimeoutResult(timeout time.Duration, elapsed float64, details json.RawMessage) *Result {
	return &Result{
		Status:         types.StatusError,
		ResponseTimeMs: msPtr(elapsed),
		Message:        fmt.Sprintf("probe timed out after %s", timeout),
		Details:        details,
	}
}

// ErrorResult converts an unexpected failure into a status=error result.
func ErrorResult(err error) *Result {
	return &Result{
		Status:  types.StatusError,
		Message: err.Error(),
	}
}
