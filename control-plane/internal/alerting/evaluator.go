// Package alerting evaluates alert rules against ingested results and keeps
// the alert store consistent with their outcome.
//
// # Keys
//
// Every rule writes under an AlertKey of (task_id, step_id or none,
// alarm_type). At most one active alert exists per key. Rules that share a
// key are evaluated together: the key fires when any rule triggers, and
// resolves only when every applicable rule is clear.
//
// # State Machine
//
//	none     -> active    first triggering result creates an alert
//	active   -> active    further triggering results update message and trigger value
//	active   -> resolved  first clear result sets resolved_at
//	resolved -> active    next triggering result creates a new alert
//
// The level is fixed when the alert is created.
//
// # Occurrences
//
// A rule with min_occurrences N must hold for N consecutive results from the
// same agent before it counts. Streaks are held in memory per process.
//
// # Concurrency
//
// Evaluations of the same key are serialized with a Locker; different keys
// proceed in parallel. The store's unique active-alert constraint is the
// final guard: a lost create race re-reads and updates the winning alert.
package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pilot-net/dialer/control-plane/internal/store"
	"github.com/pilot-net/dialer/pkg/types"
)

// AlertStore is the alert persistence the evaluator mutates.
type AlertStore interface {
	GetActiveAlert(ctx context.Context, key types.AlertKey) (*types.Alert, error)
	CreateAlert(ctx context.Context, alert *types.Alert) error
	TouchAlert(ctx context.Context, id, message, triggerValue string, at time.Time) error
	ResolveAlert(ctx context.Context, id string, at time.Time) error
}

// ConfigSource lists the enabled rules of a task.
type ConfigSource interface {
	ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error)
}

// Notifier receives every transition the evaluator applies.
type Notifier interface {
	Notify(ctx context.Context, event types.AlertEvent) error
}

// Summary counts what one evaluation did.
type Summary struct {
	Evaluated int
	Opened    int
	Updated   int
	Resolved  int
}

// Evaluator applies alert rules to results.
type Evaluator struct {
	alerts   AlertStore
	configs  ConfigSource
	locker   Locker
	notifier Notifier
	streaks  *streaks
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithLocker sets the per-key locker. Defaults to a LocalLocker.
func WithLocker(l Locker) Option {
	return func(e *Evaluator) {
		e.locker = l
	}
}

// WithNotifier sets the transition notifier.
func WithNotifier(n Notifier) Option {
	return func(e *Evaluator) {
		e.notifier = n
	}
}

// WithClock overrides the evaluator's clock.
func WithClock(now func() time.Time) Option {
	return func(e *Evaluator) {
		e.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Evaluator) {
		e.logger = logger
	}
}

// NewEvaluator creates an evaluator over the given stores.
func NewEvaluator(alerts AlertStore, configs ConfigSource, opts ...Option) *Evaluator {
	e := &Evaluator{
		alerts:  alerts,
		configs: configs,
		locker:  NewLocalLocker(),
		streaks: newStreaks(),
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "evaluator")
	return e
}

// Evaluate applies every enabled rule of the task to one persisted result.
// Failures on one key do not stop the others; all errors are joined.
func (e *Evaluator) Evaluate(ctx context.Context, task *types.Task, result *types.Result) (Summary, error) {
	var summary Summary

	configs, err := e.configs.ListEnabledAlertConfigs(ctx, task.ID)
	if err != nil {
		return summary, fmt.Errorf("listing alert configs: %w", err)
	}
	if len(configs) == 0 {
		return summary, nil
	}

	details, err := parseDetails(result.Details)
	if err != nil {
		e.logger.Warn("malformed result details, evaluating without them",
			"task_id", task.ID, "result_id", result.ID, "error", err)
	}

	groups := make(map[types.AlertKey][]types.AlertConfig)
	for _, cfg := range configs {
		groups[cfg.Key()] = append(groups[cfg.Key()], cfg)
	}
	keys := make([]types.AlertKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })

	var errs []error
	for _, key := range keys {
		if err := e.evaluateKey(ctx, task, result, details, key, groups[key], &summary); err != nil {
			errs = append(errs, fmt.Errorf("key %s: %w", key, err))
		}
	}
	return summary, errors.Join(errs...)
}

// firing is the rule that made a key trigger.
type firing struct {
	cfg     types.AlertConfig
	level   types.AlertLevel
	verdict Verdict
}

func (e *Evaluator) evaluateKey(
	ctx context.Context,
	task *types.Task,
	result *types.Result,
	details detailView,
	key types.AlertKey,
	configs []types.AlertConfig,
	summary *Summary,
) error {
	unlock, err := e.locker.Lock(ctx, key.String())
	if err != nil {
		return fmt.Errorf("locking: %w", err)
	}
	defer unlock()

	var fire *firing
	var pending, cleared bool
	var errs []error

	for _, cfg := range configs {
		rule, err := cfg.Rule()
		if err != nil {
			e.logger.Warn("skipping invalid alert config", "config_id", cfg.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		summary.Evaluated++

		verdict := check(cfg, rule, result, details)
		if !verdict.Applicable {
			continue
		}
		switch e.streaks.observe(cfg.ID, result.AgentID, verdict.Holds, rule.MinOccurrences) {
		case streakTriggered:
			if fire == nil {
				fire = &firing{cfg: cfg, level: rule.Level, verdict: verdict}
			}
		case streakPending:
			pending = true
		case streakClear:
			cleared = true
		}
	}

	switch {
	case fire != nil:
		errs = append(errs, e.fire(ctx, task, result, key, fire, summary))
	case pending:
		// Holding but below min_occurrences; leave any active alert as is.
	case cleared:
		errs = append(errs, e.resolve(ctx, result, key, summary))
	}
	return errors.Join(errs...)
}

func (e *Evaluator) fire(ctx context.Context, task *types.Task, result *types.Result, key types.AlertKey, f *firing, summary *Summary) error {
	now := e.now()

	existing, err := e.alerts.GetActiveAlert(ctx, key)
	if err != nil {
		return fmt.Errorf("reading active alert: %w", err)
	}

	if existing == nil {
		alert := &types.Alert{
			ID:             uuid.NewString(),
			TaskID:         task.ID,
			TenantID:       task.TenantID,
			TaskName:       task.Name,
			StepID:         f.cfg.StepID,
			ConfigID:       f.cfg.ID,
			AlarmType:      key.AlarmType,
			Level:          f.level,
			Status:         types.AlertActive,
			Message:        f.verdict.Message,
			TriggerValue:   f.verdict.Trigger,
			ThresholdValue: f.verdict.Threshold,
			AgentID:        result.AgentID,
			CreatedAt:      now,
			LastSeenAt:     now,
		}
		err := e.alerts.CreateAlert(ctx, alert)
		if err == nil {
			summary.Opened++
			e.logger.Info("alert opened",
				"alert_id", alert.ID, "task_id", task.ID, "key", key.String(),
				"level", alert.Level, "trigger", alert.TriggerValue)
			e.notify(ctx, types.AlertEventOpened, *alert, result.ID, now)
			return nil
		}
		if !errors.Is(err, store.ErrActiveAlertExists) {
			return fmt.Errorf("creating alert: %w", err)
		}

		// Another replica opened it first; update theirs.
		if existing, err = e.alerts.GetActiveAlert(ctx, key); err != nil {
			return fmt.Errorf("re-reading active alert: %w", err)
		}
		if existing == nil {
			return fmt.Errorf("active alert vanished after conflict")
		}
	}

	if err := e.alerts.TouchAlert(ctx, existing.ID, f.verdict.Message, f.verdict.Trigger, now); err != nil {
		return fmt.Errorf("updating alert %s: %w", existing.ID, err)
	}
	summary.Updated++
	existing.Message = f.verdict.Message
	existing.TriggerValue = f.verdict.Trigger
	existing.LastSeenAt = now
	e.logger.Debug("alert updated", "alert_id", existing.ID, "key", key.String(), "trigger", f.verdict.Trigger)
	e.notify(ctx, types.AlertEventUpdated, *existing, result.ID, now)
	return nil
}

func (e *Evaluator) resolve(ctx context.Context, result *types.Result, key types.AlertKey, summary *Summary) error {
	existing, err := e.alerts.GetActiveAlert(ctx, key)
	if err != nil {
		return fmt.Errorf("reading active alert: %w", err)
	}
	if existing == nil {
		return nil
	}

	now := e.now()
	if err := e.alerts.ResolveAlert(ctx, existing.ID, now); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("resolving alert %s: %w", existing.ID, err)
	}
	summary.Resolved++
	existing.Status = types.AlertResolved
	existing.ResolvedAt = &now
	e.logger.Info("alert resolved", "alert_id", existing.ID, "key", key.String())
	e.notify(ctx, types.AlertEventResolved, *existing, result.ID, now)
	return nil
}

func (e *Evaluator) notify(ctx context.Context, typ types.AlertEventType, alert types.Alert, resultID int64, at time.Time) {
	if e.notifier == nil {
		return
	}
	event := types.AlertEvent{Type: typ, Alert: alert, ResultID: resultID, OccurredAt: at}
	if err := e.notifier.Notify(ctx, event); err != nil {
		e.logger.Warn("alert notification failed", "alert_id", alert.ID, "event", typ, "error", err)
	}
}

// =============================================================================
// STREAKS
// =============================================================================

type streakState int

const (
	streakClear streakState = iota
	streakPending
	streakTriggered
)

type streakKey struct {
	configID int64
	agentID  string
}

// streaks counts consecutive holding results per rule and agent.
type streaks struct {
	mu     sync.Mutex
	counts map[streakKey]int
}

func newStreaks() *streaks {
	return &streaks{counts: make(map[streakKey]int)}
}

func (s *streaks) observe(configID int64, agentID string, holds bool, need int) streakState {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := streakKey{configID: configID, agentID: agentID}
	if !holds {
		delete(s.counts, k)
		return streakClear
	}
	s.counts[k]++
	if s.counts[k] >= need {
		return streakTriggered
	}
	return streakPending
}
