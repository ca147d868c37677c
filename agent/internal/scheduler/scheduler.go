// Package scheduler fires assigned tasks on their intervals.
//
// # Design
//
// The scheduler holds one entry per assigned task: the current snapshot, its
// version, the next fire time and whether an invocation is outstanding. A
// single tick loop (1s granularity) submits due tasks to the worker pool.
//
// # Reconciliation
//
// Assignment lists from the control plane are diffed by task ID:
//   - New tasks fire on the next tick, then settle into their interval
//   - Removed tasks are dropped and their invocations cancelled
//   - Version bumps swap the snapshot but keep the next fire time
//
// Re-applying an unchanged list is a no-op.
//
// # Overlap
//
// A task is never resubmitted while its previous invocation is outstanding;
// if a probe outlives its interval the next run starts on the first tick
// after it completes. The pool is consulted as well, so a task removed and
// re-added while its cancelled invocation unwinds waits for it.
package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// DefaultTick is the scheduler's firing granularity.
const DefaultTick = time.Second

// Submitter runs invocations; implemented by the worker pool.
type Submitter interface {
	Submit(task types.Assignment, done func())
	Cancel(taskID int64)
	InFlight(taskID int64) bool
}

type entry struct {
	task    types.Assignment
	next    time.Time
	running bool
}

// Scheduler manages the per-task fire loop.
type Scheduler struct {
	pool   Submitter
	logger *slog.Logger
	tick   time.Duration
	now    func() time.Time

	mu      sync.Mutex
	entries map[int64]*entry
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithTick overrides the tick interval.
func WithTick(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.tick = d
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// New creates a scheduler that submits to pool.
func New(pool Submitter, logger *slog.Logger, opts ...Option) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		pool:    pool,
		logger:  logger.With("component", "scheduler"),
		tick:    DefaultTick,
		now:     time.Now,
		entries: make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Change summarizes one reconciliation.
type Change struct {
	Added   int
	Removed int
	Updated int
}

// Empty reports whether the reconciliation changed nothing.
func (c Change) Empty() bool {
	return c.Added == 0 && c.Removed == 0 && c.Updated == 0
}

// Reconcile applies a full assignment list.
func (s *Scheduler) Reconcile(tasks []types.Assignment) Change {
	var change Change
	var removed []int64
	now := s.now()

	s.mu.Lock()
	seen := make(map[int64]bool, len(tasks))
	for _, t := range tasks {
		seen[t.TaskID] = true
		e, ok := s.entries[t.TaskID]
		if !ok {
			s.entries[t.TaskID] = &entry{task: t, next: now}
			change.Added++
			continue
		}
		if e.task.Version != t.Version {
			e.task = t
			change.Updated++
		}
	}
	for id := range s.entries {
		if !seen[id] {
			delete(s.entries, id)
			removed = append(removed, id)
		}
	}
	s.mu.Unlock()

	change.Removed = len(removed)
	for _, id := range removed {
		s.pool.Cancel(id)
	}

	if !change.Empty() {
		s.logger.Info("assignments reconciled",
			"added", change.Added,
			"removed", change.Removed,
			"updated", change.Updated,
			"total", len(tasks))
	}
	return change
}

// Run ticks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.Tick()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.Tick()
		}
	}
}

// Tick submits every enabled task that is due and not already running.
func (s *Scheduler) Tick() int {
	now := s.now()
	fired := 0

	// Submissions happen under the lock so a concurrent Reconcile cannot
	// remove a task between the due check and its submission.
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if !e.task.Enabled || e.running || now.Before(e.next) {
			continue
		}
		if s.pool.InFlight(e.task.TaskID) {
			continue
		}
		e.running = true
		e.next = now.Add(e.task.Interval())
		ent := e
		s.pool.Submit(e.task, func() { s.finished(ent) })
		fired++
	}
	return fired
}

func (s *Scheduler) finished(e *entry) {
	s.mu.Lock()
	e.running = false
	s.mu.Unlock()
}

// Stats returns the number of assigned tasks and those with an
// outstanding invocation.
func (s *Scheduler) Stats() (total, running int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.entries {
		if e.running {
			running++
		}
	}
	return len(s.entries), running
}

// Snapshot returns the current task snapshot for id.
func (s *Scheduler) Snapshot(id int64) (types.Assignment, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return types.Assignment{}, time.Time{}, false
	}
	return e.task, e.next, true
}
