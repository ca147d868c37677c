package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// =============================================================================
// ALERT CONFIG
// =============================================================================

// AlertType is the predicate family of an alert rule.
type AlertType string

const (
	AlertStatusCode   AlertType = "status_code"
	AlertResponseTime AlertType = "response_time"
	AlertStatus       AlertType = "status"
	AlertDNSIP        AlertType = "dns_ip"
	AlertPacketLoss   AlertType = "packet_loss"
)

// Valid reports whether the alert type is known.
func (t AlertType) Valid() bool {
	switch t {
	case AlertStatusCode, AlertResponseTime, AlertStatus, AlertDNSIP, AlertPacketLoss:
		return true
	}
	return false
}

// AlertLevel is the severity recorded on an alert.
type AlertLevel string

const (
	LevelCritical AlertLevel = "critical"
	LevelWarning  AlertLevel = "warning"
	LevelInfo     AlertLevel = "info"
)

// Valid reports whether the level is known.
func (l AlertLevel) Valid() bool {
	switch l {
	case LevelCritical, LevelWarning, LevelInfo:
		return true
	}
	return false
}

// AlertConfig is a user-defined rule over results of one task, optionally one step.
type AlertConfig struct {
	ID        int64           `json:"config_id"`
	TaskID    int64           `json:"task_id"`
	StepID    *string         `json:"step_id"`
	AlertType AlertType       `json:"alert_type"`
	Enabled   bool            `json:"enabled"`
	Config    json.RawMessage `json:"config"`
	CreatedAt time.Time       `json:"created_at,omitempty"`
}

// RuleConfig is the union of the type-specific configuration fields.
// Only the fields relevant to the config's AlertType are read.
type RuleConfig struct {
	Level          AlertLevel   `json:"level"`
	AllowedCodes   []int        `json:"allowed_codes,omitempty"`
	ThresholdMs    float64      `json:"threshold_ms,omitempty"`
	ExpectedStatus ResultStatus `json:"expected_status,omitempty"`
	ExpectedIPs    []string     `json:"expected_ips,omitempty"`
	ThresholdPct   float64      `json:"threshold_percent,omitempty"`
	MinOccurrences int          `json:"min_occurrences,omitempty"`
}

// Rule decodes and validates the configuration bag.
func (c *AlertConfig) Rule() (RuleConfig, error) {
	var rule RuleConfig
	if len(c.Config) > 0 {
		if err := json.Unmarshal(c.Config, &rule); err != nil {
			return rule, fmt.Errorf("decoding config %d: %w", c.ID, err)
		}
	}
	if rule.Level == "" {
		rule.Level = LevelWarning
	}
	if !rule.Level.Valid() {
		return rule, fmt.Errorf("config %d: invalid level %q", c.ID, rule.Level)
	}
	if rule.MinOccurrences < 1 {
		rule.MinOccurrences = 1
	}

	switch c.AlertType {
	case AlertStatusCode:
		if len(rule.AllowedCodes) == 0 {
			return rule, fmt.Errorf("config %d: allowed_codes is required", c.ID)
		}
	case AlertResponseTime:
		if rule.ThresholdMs <= 0 {
			return rule, fmt.Errorf("config %d: threshold_ms must be positive", c.ID)
		}
	case AlertStatus:
		if rule.ExpectedStatus != StatusSuccess && rule.ExpectedStatus != StatusFailed {
			return rule, fmt.Errorf("config %d: expected_status must be success or failed", c.ID)
		}
	case AlertDNSIP:
		if len(rule.ExpectedIPs) == 0 {
			return rule, fmt.Errorf("config %d: expected_ips is required", c.ID)
		}
	case AlertPacketLoss:
		if rule.ThresholdPct < 0 || rule.ThresholdPct > 100 {
			return rule, fmt.Errorf("config %d: threshold_percent must be within 0-100", c.ID)
		}
	default:
		return rule, fmt.Errorf("config %d: unknown alert type %q", c.ID, c.AlertType)
	}
	return rule, nil
}

// Key returns the de-duplication key this config writes alerts under.
func (c *AlertConfig) Key() AlertKey {
	key := AlertKey{TaskID: c.TaskID, AlarmType: c.AlertType}
	if c.StepID != nil {
		key.StepID = *c.StepID
	}
	return key
}

// =============================================================================
// ALERTS
// =============================================================================

// AlertState is the lifecycle state of an alert record.
type AlertState string

const (
	AlertActive   AlertState = "active"
	AlertResolved AlertState = "resolved"
)

// AlertKey identifies the slot in which at most one active alert may exist.
// An empty StepID means the rule is task-level.
type AlertKey struct {
	TaskID    int64
	StepID    string
	AlarmType AlertType
}

// String renders the key for lock names and logs.
func (k AlertKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.TaskID, k.StepID, k.AlarmType)
}

// Alert is an open or resolved incident record.
type Alert struct {
	ID             string     `json:"alert_id"`
	TaskID         int64      `json:"task_id"`
	TenantID       int64      `json:"tenant_id"`
	TaskName       string     `json:"task_name"`
	StepID         *string    `json:"step_id"`
	ConfigID       int64      `json:"config_id"`
	AlarmType      AlertType  `json:"alarm_type"`
	Level          AlertLevel `json:"level"`
	Status         AlertState `json:"status"`
	Message        string     `json:"message"`
	TriggerValue   string     `json:"trigger_value"`
	ThresholdValue string     `json:"threshold_value"`
	AgentID        string     `json:"agent_id"`
	CreatedAt      time.Time  `json:"created_at"`
	LastSeenAt     time.Time  `json:"last_seen_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

// Key returns the de-duplication key of the alert.
func (a *Alert) Key() AlertKey {
	key := AlertKey{TaskID: a.TaskID, AlarmType: a.AlarmType}
	if a.StepID != nil {
		key.StepID = *a.StepID
	}
	return key
}

// AlertFilter scopes alert listings.
type AlertFilter struct {
	TenantID int64
	TaskID   *int64
	Status   *AlertState
	Limit    int
	Offset   int
}

// AlertEventType names an alert state transition.
type AlertEventType string

const (
	AlertEventOpened   AlertEventType = "alert.opened"
	AlertEventUpdated  AlertEventType = "alert.updated"
	AlertEventResolved AlertEventType = "alert.resolved"
)

// AlertEvent is published for every transition the evaluator applies.
type AlertEvent struct {
	Type       AlertEventType `json:"type"`
	Alert      Alert          `json:"alert"`
	ResultID   int64          `json:"result_id"`
	OccurredAt time.Time      `json:"occurred_at"`
}
