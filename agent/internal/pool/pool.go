// Package pool runs probe invocations on a bounded set of workers.
//
// Submissions queue in FIFO order without bound; at most MaxWorkers
// invocations execute at once. Each invocation runs under its own deadline
// and can be cancelled by task ID, in which case its result is discarded.
package pool

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pilot-net/dialer/agent/internal/executor"
	"github.com/pilot-net/dialer/pkg/types"
)

// abandonGrace is how long a worker waits for a probe to honor its
// deadline before giving up on it. The task stays in flight until the
// abandoned plugin call actually returns.
const abandonGrace = time.Second

// Executors resolves a task type to its probe plugin.
type Executors interface {
	Get(typ types.ProbeType) (executor.Executor, bool)
}

// ResultSink receives finished results for shipping.
type ResultSink interface {
	Enqueue(types.Result) bool
}

// Stats is a point-in-time view of pool counters.
type Stats struct {
	MaxWorkers int
	Active     int
	Pending    int
	Abandoned  int // plugin calls still running past their deadline
	Completed  int64
	Failed     int64
}

type job struct {
	id     uint64
	task   types.Assignment
	done   func()
	cancel context.CancelFunc
}

// Pool executes probe invocations with bounded concurrency.
type Pool struct {
	executors  Executors
	sink       ResultSink
	maxWorkers int
	agentID    string
	agentArea  string
	grace      time.Duration
	logger     *slog.Logger

	mu       sync.Mutex
	queue    []*job
	inflight map[int64]map[uint64]context.CancelFunc
	nextID   uint64
	wake     chan struct{}

	active    atomic.Int64
	abandoned atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
}

// Option configures a Pool.
type Option func(*Pool)

// WithMaxWorkers sets the concurrency limit.
func WithMaxWorkers(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxWorkers = n
		}
	}
}

// WithAgent stamps results with the agent identity.
func WithAgent(id, area string) Option {
	return func(p *Pool) {
		p.agentID = id
		p.agentArea = area
	}
}

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) {
		if l != nil {
			p.logger = l
		}
	}
}

// New creates a pool. Workers start with Run.
func New(executors Executors, sink ResultSink, opts ...Option) *Pool {
	p := &Pool{
		executors:  executors,
		sink:       sink,
		maxWorkers: runtime.NumCPU() * 4,
		grace:      abandonGrace,
		logger:     slog.Default(),
		inflight:   make(map[int64]map[uint64]context.CancelFunc),
		wake:       make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.With("component", "pool")
	return p
}

// Submit enqueues one invocation of task. done, if non-nil, is called once
// the invocation finished, failed, or was dropped. When the plugin overran
// its deadline, done waits until the plugin call has returned.
func (p *Pool) Submit(task types.Assignment, done func()) {
	p.mu.Lock()
	p.nextID++
	p.queue = append(p.queue, &job{id: p.nextID, task: task, done: done})
	p.mu.Unlock()
	p.signal()
}

// Cancel drops queued invocations of taskID and cancels running ones.
// Results of cancelled invocations are discarded.
func (p *Pool) Cancel(taskID int64) {
	p.mu.Lock()
	var dropped []*job
	kept := p.queue[:0]
	for _, j := range p.queue {
		if j.task.TaskID == taskID {
			dropped = append(dropped, j)
			continue
		}
		kept = append(kept, j)
	}
	for i := len(kept); i < len(p.queue); i++ {
		p.queue[i] = nil
	}
	p.queue = kept
	for _, cancel := range p.inflight[taskID] {
		cancel()
	}
	p.mu.Unlock()

	for _, j := range dropped {
		if j.done != nil {
			j.done()
		}
	}
	if len(dropped) > 0 {
		p.logger.Debug("dropped queued invocations", "task_id", taskID, "count", len(dropped))
	}
}

// InFlight reports whether an invocation of taskID is running, including
// an abandoned plugin call that has not returned yet.
func (p *Pool) InFlight(taskID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.inflight[taskID]) > 0
}

// Stats returns the current counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	pending := len(p.queue)
	p.mu.Unlock()
	return Stats{
		MaxWorkers: p.maxWorkers,
		Active:     int(p.active.Load()),
		Pending:    pending,
		Abandoned:  int(p.abandoned.Load()),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
	}
}

// Run starts the workers and blocks until ctx is cancelled and every
// worker has returned.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started", "max_workers", p.maxWorkers)

	var wg sync.WaitGroup
	for i := 0; i < p.maxWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.runWorker(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) runWorker(ctx context.Context) {
	for {
		j, jobCtx, ok := p.next(ctx)
		if !ok {
			return
		}
		p.handle(jobCtx, j)
	}
}

// next pops the oldest queued job, waiting until one arrives or ctx ends.
// The job is registered as in flight before the lock is released so a
// concurrent Cancel always reaches it.
func (p *Pool) next(ctx context.Context) (*job, context.Context, bool) {
	for {
		p.mu.Lock()
		if len(p.queue) > 0 {
			j := p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
			more := len(p.queue) > 0

			jobCtx, cancel := context.WithCancel(ctx)
			j.cancel = cancel
			m := p.inflight[j.task.TaskID]
			if m == nil {
				m = make(map[uint64]context.CancelFunc)
				p.inflight[j.task.TaskID] = m
			}
			m[j.id] = cancel
			p.active.Add(1)
			p.mu.Unlock()

			if more {
				p.signal()
			}
			return j, jobCtx, true
		}
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, nil, false
		case <-p.wake:
		}
	}
}

func (p *Pool) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Pool) handle(jobCtx context.Context, j *job) {
	defer p.active.Add(-1)

	res, settled := p.execute(jobCtx, j.task)
	defer p.release(j, settled)

	if jobCtx.Err() != nil {
		// De-assigned or shutting down
		p.logger.Debug("discarding cancelled invocation", "task_id", j.task.TaskID)
		return
	}

	if res.Status == types.StatusSuccess {
		p.completed.Add(1)
	} else {
		p.failed.Add(1)
	}

	out := types.Result{
		TaskID:       j.task.TaskID,
		AgentID:      p.agentID,
		AgentArea:    p.agentArea,
		Status:       res.Status,
		ResponseTime: res.ResponseTimeMs,
		Message:      res.Message,
		Details:      res.Details,
	}
	if p.sink != nil && !p.sink.Enqueue(out) {
		p.logger.Warn("result sink rejected result", "task_id", j.task.TaskID)
	}
}

// release untracks j and calls its done callback. When settled is non-nil
// the plugin call is still running, so both wait for it to close.
func (p *Pool) release(j *job, settled <-chan struct{}) {
	finish := func() {
		p.untrack(j)
		if j.done != nil {
			j.done()
		}
	}
	if settled == nil {
		finish()
		return
	}

	p.abandoned.Add(1)
	go func() {
		<-settled
		p.abandoned.Add(-1)
		p.logger.Debug("abandoned plugin call returned", "task_id", j.task.TaskID)
		finish()
	}()
}

// execute runs the task with retries for executors that allow them. A
// non-nil settled channel means the last attempt was abandoned; it is
// closed once that plugin call returns. Abandoned attempts are never retried.
func (p *Pool) execute(ctx context.Context, task types.Assignment) (*executor.Result, <-chan struct{}) {
	e, ok := p.executors.Get(task.Type)
	if !ok {
		return executor.ErrorResult(fmt.Errorf("no executor for task type %q", task.Type)), nil
	}

	attempts := 1
	if e.Capabilities().Retryable && task.Params.Retries > 0 {
		attempts += task.Params.Retries
	}

	var res *executor.Result
	var settled <-chan struct{}
	for attempt := 1; attempt <= attempts; attempt++ {
		res, settled = p.attempt(ctx, e, task)
		if res.Status == types.StatusSuccess || ctx.Err() != nil || settled != nil {
			break
		}
		if attempt < attempts {
			p.logger.Debug("retrying probe", "task_id", task.TaskID, "attempt", attempt, "status", res.Status)
		}
	}
	return res, settled
}

// attempt runs one probe under its deadline. A plugin that panics or
// overruns its deadline by more than the grace period is reported as
// status=error. For an overrun the returned channel closes when the plugin
// finally returns; it is nil otherwise.
func (p *Pool) attempt(ctx context.Context, e executor.Executor, task types.Assignment) (*executor.Result, <-chan struct{}) {
	timeout := executor.InvocationTimeout(task)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	ch := make(chan *executor.Result, 1)
	settled := make(chan struct{})
	go func() {
		defer close(settled)
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("probe panicked", "task_id", task.TaskID, "type", task.Type, "panic", r)
				ch <- executor.ErrorResult(fmt.Errorf("probe panicked: %v", r))
			}
		}()
		res, err := e.Execute(ctx, task)
		if err != nil {
			res = executor.ErrorResult(err)
		} else if res == nil {
			res = executor.ErrorResult(fmt.Errorf("probe returned no result"))
		}
		ch <- res
	}()

	select {
	case res := <-ch:
		return res, nil
	case <-ctx.Done():
	}

	grace := time.NewTimer(p.grace)
	defer grace.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-grace.C:
		p.logger.Warn("probe ignored its deadline", "task_id", task.TaskID, "type", task.Type)
		elapsed := float64(time.Since(start).Microseconds()) / 1000
		return executor.TimeoutResult(timeout, elapsed, nil), settled
	}
}

func (p *Pool) untrack(j *job) {
	j.cancel()
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.inflight[j.task.TaskID]
	delete(m, j.id)
	if len(m) == 0 {
		delete(p.inflight, j.task.TaskID)
	}
}
