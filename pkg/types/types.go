// Package types defines the domain and wire types shared between agent and control plane.
//
// # Design Principles
//
// 1. Simplicity: Types represent the domain model directly, no ORM abstractions
// 2. Serialization: All types are JSON-serializable for API transport
// 3. Validation: Types include Validate() methods for business rule enforcement
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// TASK
// =============================================================================

// ProbeType selects the probe plugin that executes a task.
type ProbeType string

const (
	ProbeTCP      ProbeType = "tcp"
	ProbePing     ProbeType = "ping"
	ProbeDNS      ProbeType = "dns"
	ProbeHTTPStep ProbeType = "http-step"
)

// Valid reports whether the probe type is one of the known plugins.
func (p ProbeType) Valid() bool {
	switch p {
	case ProbeTCP, ProbePing, ProbeDNS, ProbeHTTPStep:
		return true
	}
	return false
}

// DefaultProbeTimeout applies when a task does not set params.timeout.
const DefaultProbeTimeout = 5 * time.Second

// Task is the control plane's record of one probe configuration.
//
// Tasks are created and mutated by the task CRUD collaborator. Every mutation
// bumps Version; agents only ever see Assignment snapshots keyed by (ID, Version).
type Task struct {
	ID          int64      `json:"task_id"`
	TenantID    int64      `json:"tenant_id"`
	Name        string     `json:"name"`
	Type        ProbeType  `json:"type"`
	Target      string     `json:"target"`
	IntervalSec int        `json:"interval_sec"`
	Enabled     bool       `json:"enabled"`
	Params      TaskParams `json:"params"`
	AgentIDs    []string   `json:"agent_ids"`
	Version     int64      `json:"version"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Validate checks task invariants.
func (t *Task) Validate() error {
	if !t.Type.Valid() {
		return fmt.Errorf("unknown probe type: %q", t.Type)
	}
	if t.Target == "" && t.Type != ProbeHTTPStep {
		return fmt.Errorf("target is required")
	}
	if t.IntervalSec < 1 {
		return fmt.Errorf("interval_sec must be >= 1")
	}
	if t.Type == ProbeHTTPStep {
		if len(t.Params.Steps) == 0 {
			return fmt.Errorf("http-step task requires at least one step")
		}
		seen := make(map[string]bool, len(t.Params.Steps))
		for _, step := range t.Params.Steps {
			if step.ID == "" {
				return fmt.Errorf("step_id is required")
			}
			if seen[step.ID] {
				return fmt.Errorf("duplicate step_id: %s", step.ID)
			}
			seen[step.ID] = true
		}
	}
	return nil
}

// Assignment converts the task into the snapshot shipped to agents.
func (t *Task) Assignment() Assignment {
	return Assignment{
		TaskID:      t.ID,
		Version:     t.Version,
		Type:        t.Type,
		Target:      t.Target,
		IntervalSec: t.IntervalSec,
		Enabled:     t.Enabled,
		Params:      t.Params,
	}
}

// TaskParams holds probe-specific parameters.
type TaskParams struct {
	TimeoutSec float64    `json:"timeout,omitempty"`     // Per-probe timeout in seconds (default 5)
	Retries    int        `json:"retries,omitempty"`     // Extra attempts for tcp/ping/dns
	Count      int        `json:"count,omitempty"`       // Echo requests per ping probe
	RecordType string     `json:"record_type,omitempty"` // DNS record type (default A)
	Nameserver string     `json:"nameserver,omitempty"`  // DNS server host[:port]
	Steps      []HTTPStep `json:"steps,omitempty"`       // http-step sequence

	// Named "$" variables seeded into an http-step sequence. Entries in
	// Variables override InitialVariables of the same name.
	InitialVariables []Variable `json:"initialVariables,omitempty"`
	Variables        []Variable `json:"variables,omitempty"`
}

// Variable is a named value substituted wherever its name appears in a
// request. Names must start with "$".
type Variable struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Timeout returns the effective probe timeout.
func (p TaskParams) Timeout() time.Duration {
	if p.TimeoutSec <= 0 {
		return DefaultProbeTimeout
	}
	return time.Duration(p.TimeoutSec * float64(time.Second))
}

// HTTPStep is a single request in an http-step sequence.
type HTTPStep struct {
	ID         string       `json:"step_id"`
	Name       string       `json:"name"`
	Request    HTTPRequest  `json:"request"`
	Extract    []Extraction `json:"extract,omitempty"`
	Assertions []Assertion  `json:"assertions,omitempty"`
	FailFast   bool         `json:"fail_fast,omitempty"` // stop the sequence when this step fails
}

// ValueSource selects the part of a step response an extraction or
// assertion reads.
type ValueSource string

const (
	SourceStatusCode ValueSource = "status_code"
	SourceJSONBody   ValueSource = "json_body"
	SourceTextBody   ValueSource = "text_body"
	SourceHeaders    ValueSource = "headers"
)

// Extraction copies one value from a response into a "$" variable.
//
// Expression is a JSONPath ($.a.b[0]) for json_body, a regular expression
// for text_body (first group, or the whole match) and a header name for
// headers. status_code ignores it.
type Extraction struct {
	Source       ValueSource `json:"source"`
	Expression   string      `json:"expression"`
	VariableName string      `json:"variable_name"`
}

// Comparison is the operator of an assertion.
type Comparison string

const (
	CompareEqual       Comparison = "equal"
	CompareNotEqual    Comparison = "not_equal"
	CompareGreater     Comparison = "greater_than"
	CompareLess        Comparison = "less_than"
	CompareContains    Comparison = "contains"
	CompareNotContains Comparison = "not_contains"
	CompareExists      Comparison = "exists"
	CompareNotExists   Comparison = "not_exists"
	CompareEmpty       Comparison = "empty"
	CompareNotEmpty    Comparison = "not_empty"
	CompareMatches     Comparison = "matches"
)

// Assertion checks one value of a step response. Property is a JSONPath
// for json_body and a header name for headers.
type Assertion struct {
	Source     ValueSource `json:"source"`
	Property   string      `json:"property,omitempty"`
	Comparison Comparison  `json:"comparison"`
	Target     any         `json:"target,omitempty"`
}

// HTTPRequest describes the outgoing request of a step.
type HTTPRequest struct {
	Method  string    `json:"method"`
	URL     string    `json:"url"`
	Headers []Header  `json:"headers,omitempty"`
	Body    *HTTPBody `json:"body,omitempty"`
}

// Header is one key/value request header. Order is preserved.
type Header struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// BodyType tags how a step body is encoded.
type BodyType string

const (
	BodyJSON BodyType = "json"
	BodyForm BodyType = "form"
	BodyRaw  BodyType = "raw"
)

// HTTPBody is the request body with its content-type tag.
type HTTPBody struct {
	Type    BodyType `json:"type"`
	Content string   `json:"content"`
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// Assignment is the read-only task snapshot an agent executes.
type Assignment struct {
	TaskID      int64      `json:"task_id"`
	Version     int64      `json:"version"`
	Type        ProbeType  `json:"type"`
	Target      string     `json:"target"`
	IntervalSec int        `json:"interval_sec"`
	Enabled     bool       `json:"enabled"`
	Params      TaskParams `json:"params"`
}

// Interval returns the task interval, never less than one second.
func (a Assignment) Interval() time.Duration {
	if a.IntervalSec < 1 {
		return time.Second
	}
	return time.Duration(a.IntervalSec) * time.Second
}

// AssignmentResponse is the body of GET /api/agent/assignments.
type AssignmentResponse struct {
	Tasks []Assignment `json:"tasks"`
}

// =============================================================================
// RESULTS
// =============================================================================

// ResultStatus is the outcome of one probe invocation.
type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusError   ResultStatus = "error"
)

// Valid reports whether the status is one the control plane accepts.
func (s ResultStatus) Valid() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusError:
		return true
	}
	return false
}

// Result is one probe outcome as reported by an agent and persisted by the control plane.
//
// ResponseTime is nil when the probe never reached the point of measuring I/O.
// CreatedAt is assigned by the server; agent-supplied values are ignored.
type Result struct {
	ID           int64           `json:"id,omitempty"`
	TaskID       int64           `json:"task_id"`
	AgentID      string          `json:"agent_id"`
	AgentArea    string          `json:"agent_area"`
	Status       ResultStatus    `json:"status"`
	ResponseTime *float64        `json:"response_time"`
	Message      string          `json:"message"`
	Details      json.RawMessage `json:"details,omitempty"`
	CreatedAt    time.Time       `json:"created_at,omitempty"`
}

// Validate checks the fields required for ingestion.
func (r *Result) Validate() error {
	if r.TaskID <= 0 {
		return fmt.Errorf("task_id is required")
	}
	if r.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("invalid status: %q", r.Status)
	}
	return nil
}

// StepRecord is one executed http step inside details.steps.
type StepRecord struct {
	StepID         string             `json:"step_id"`
	Name           string             `json:"name"`
	Status         ResultStatus       `json:"status,omitempty"`
	Request        StepRequest        `json:"request"`
	Response       *StepResponse      `json:"response,omitempty"`
	RemoteIP       string             `json:"remote_ip,omitempty"`
	ResponseTimeMs *float64           `json:"response_time_ms"`
	Error          string             `json:"error,omitempty"`
	Extractions    []ExtractionResult `json:"extractions,omitempty"`
	Assertions     []AssertionResult  `json:"assertions,omitempty"`
}

// ExtractionResult records one extraction attempt.
type ExtractionResult struct {
	Source       ValueSource `json:"source"`
	Expression   string      `json:"expression"`
	VariableName string      `json:"variable_name"`
	Success      bool        `json:"success"`
	Value        any         `json:"value,omitempty"`
	Message      string      `json:"message,omitempty"`
}

// AssertionResult records the outcome of one assertion.
type AssertionResult struct {
	Source     ValueSource `json:"source"`
	Property   string      `json:"property,omitempty"`
	Comparison Comparison  `json:"comparison"`
	Target     any         `json:"target,omitempty"`
	Passed     bool        `json:"result"`
	Actual     any         `json:"actual_value,omitempty"`
	Message    string      `json:"message"`
}

// StepRequest echoes the outgoing request after substitution.
type StepRequest struct {
	Method  string   `json:"method"`
	URL     string   `json:"url"`
	Headers []Header `json:"headers,omitempty"`
	Body    string   `json:"body,omitempty"`
}

// StepResponse captures what the server returned for a step.
type StepResponse struct {
	StatusCode int               `json:"status_code"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// HTTPStepDetails is the details payload of an http-step result.
type HTTPStepDetails struct {
	Steps            []StepRecord `json:"steps"`
	TotalAssertions  int          `json:"total_assertions"`
	PassedAssertions int          `json:"passed_assertions"`
}

// TCPDetails is the details payload of a tcp result.
type TCPDetails struct {
	Target        string   `json:"target"`
	Host          string   `json:"host"`
	Port          int      `json:"port"`
	ResolvedIP    string   `json:"resolved_ip,omitempty"`
	Connected     bool     `json:"connected"`
	ReturnCode    int      `json:"return_code"`
	ConnectTimeMs *float64 `json:"connect_time_ms,omitempty"`
}

// PingDetails is the details payload of a ping result.
type PingDetails struct {
	Target          string  `json:"target"`
	IP              string  `json:"ip,omitempty"`
	PacketsSent     int     `json:"packets_sent"`
	PacketsReceived int     `json:"packets_received"`
	PacketLoss      float64 `json:"packet_loss"`
	RTTMin          float64 `json:"rtt_min"`
	RTTAvg          float64 `json:"rtt_avg"`
	RTTMax          float64 `json:"rtt_max"`
}

// DNSDetails is the details payload of a dns result.
type DNSDetails struct {
	Target     string   `json:"target"`
	RecordType string   `json:"record_type"`
	Nameserver string   `json:"nameserver,omitempty"`
	Addresses  []string `json:"addresses"`
}

// ResultFilter scopes result queries.
type ResultFilter struct {
	TaskID   int64
	TenantID int64
	Limit    int
}

// IngestResponse is returned for an accepted result.
type IngestResponse struct {
	ID int64 `json:"id"`
}

// =============================================================================
// NODES
// =============================================================================

// NodeStatus is the control plane's view of agent liveness.
type NodeStatus string

const (
	NodeOnline  NodeStatus = "online"
	NodeOffline NodeStatus = "offline"
)

// Telemetry is the pool and scheduler snapshot an agent ships with each heartbeat.
type Telemetry struct {
	MaxWorkers     int   `json:"max_workers"`
	ActiveThreads  int   `json:"active_threads"`
	PendingTasks   int   `json:"pending_tasks"`
	CompletedTasks int64 `json:"completed_tasks"`
	TotalTasks     int   `json:"total_tasks"`
	RunningTasks   int   `json:"running_tasks"`
	FailedTasks    int64 `json:"failed_tasks"`
}

// Heartbeat is the body of POST /api/agent/heartbeat.
type Heartbeat struct {
	AgentID   string `json:"agent_id"`
	AgentArea string `json:"agent_area"`
	IPAddress string `json:"ip_address"`
	Hostname  string `json:"hostname"`
	Telemetry
}

// Validate checks the fields required to upsert a node.
func (h *Heartbeat) Validate() error {
	if h.AgentID == "" {
		return fmt.Errorf("agent_id is required")
	}
	return nil
}

// HeartbeatResponse acknowledges a heartbeat.
type HeartbeatResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

// Node is a registered agent. Nodes are global, not tenant-scoped.
type Node struct {
	AgentID       string     `json:"agent_id"`
	AgentArea     string     `json:"agent_area"`
	IPAddress     string     `json:"ip_address"`
	Hostname      string     `json:"hostname"`
	Status        NodeStatus `json:"status"`
	LastHeartbeat time.Time  `json:"last_heartbeat"`
	Telemetry
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NodeFromHeartbeat builds the node record a heartbeat upserts.
func NodeFromHeartbeat(hb Heartbeat, at time.Time) *Node {
	return &Node{
		AgentID:       hb.AgentID,
		AgentArea:     hb.AgentArea,
		IPAddress:     hb.IPAddress,
		Hostname:      hb.Hostname,
		Status:        NodeOnline,
		LastHeartbeat: at,
		Telemetry:     hb.Telemetry,
		UpdatedAt:     at,
	}
}
