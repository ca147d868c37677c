// Package agent implements the dialer probe agent.
//
// # Agent Lifecycle
//
// 1. Startup: Verify the control plane is reachable within the startup window
// 2. Heartbeat: Report identity and pool telemetry on a fixed interval
// 3. Sync: Poll assignments and reconcile them into the scheduler
// 4. Probe: Fire due tasks into the bounded worker pool
// 5. Ship: Post results in order, buffering while the control plane is away
// 6. Shutdown: Stop scheduling, cancel in-flight probes, flush the buffer
//
// # Failure Modes
//
// Transport errors never stop the agent; it keeps probing its last-known
// assignments. A 401 that persists past the auth grace window is fatal.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pilot-net/dialer/agent/internal/client"
	"github.com/pilot-net/dialer/agent/internal/config"
	"github.com/pilot-net/dialer/agent/internal/executor"
	"github.com/pilot-net/dialer/agent/internal/hostinfo"
	"github.com/pilot-net/dialer/agent/internal/pool"
	"github.com/pilot-net/dialer/agent/internal/scheduler"
	"github.com/pilot-net/dialer/agent/internal/shipper"
	"github.com/pilot-net/dialer/pkg/types"
)

// Version is set at build time.
var Version = "dev"

// ErrStartup is returned when the control plane cannot be reached within
// the startup window.
var ErrStartup = errors.New("control plane unreachable at startup")

// Agent is the main agent orchestrator.
type Agent struct {
	cfg       *config.Config
	client    *client.Client
	registry  *executor.Registry
	pool      *pool.Pool
	scheduler *scheduler.Scheduler
	shipper   *shipper.Shipper
	logger    *slog.Logger

	authGrace time.Duration
	host      hostinfo.Info
	startTime time.Time
}

// Option customizes an Agent.
type Option func(*Agent)

// WithRegistry replaces the default probe registry.
func WithRegistry(r *executor.Registry) Option {
	return func(a *Agent) {
		a.registry = r
	}
}

// WithAuthGrace sets how long 401 responses are tolerated.
func WithAuthGrace(d time.Duration) Option {
	return func(a *Agent) {
		if d > 0 {
			a.authGrace = d
		}
	}
}

// New creates a new agent.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		authGrace: shipper.DefaultAuthGrace,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.registry == nil {
		a.registry = executor.NewDefaultRegistry(cfg.Probing.PingPath, logger)
	}

	a.client = client.NewClient(client.Config{
		BaseURL:    cfg.ControlPlane.URL,
		AgentID:    cfg.Agent.ID,
		AuthToken:  cfg.ControlPlane.Token,
		Version:    Version,
		HTTPClient: &http.Client{Timeout: cfg.ControlPlane.RequestTimeout},
	})
	a.shipper = shipper.New(shipper.Config{
		Poster:     a.client,
		BufferSize: cfg.Probing.ResultBufferSize,
		RatePerSec: cfg.Probing.ResultRatePerSec,
		AuthGrace:  a.authGrace,
		Logger:     logger,
	})
	a.pool = pool.New(a.registry, a.shipper,
		pool.WithMaxWorkers(cfg.Probing.MaxWorkers),
		pool.WithAgent(cfg.Agent.ID, cfg.Agent.Area),
		pool.WithLogger(logger),
	)
	a.scheduler = scheduler.New(a.pool, logger)

	return a, nil
}

// Run starts the agent and blocks until ctx is cancelled or a fatal error
// occurs. A clean shutdown returns nil.
func (a *Agent) Run(ctx context.Context) error {
	a.startTime = time.Now()

	if err := a.awaitControlPlane(ctx); err != nil {
		return err
	}
	if ctx.Err() != nil {
		return nil
	}
	a.host = hostinfo.Collect(ctx, a.cfg.ControlPlane.URL)

	a.logger.Info("agent started",
		"agent_id", a.cfg.Agent.ID,
		"area", a.cfg.Agent.Area,
		"hostname", a.host.Hostname,
		"ip_address", a.host.IPAddress,
		"probes", a.registry.List(),
		"max_workers", a.cfg.Probing.MaxWorkers)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.pool.Run(gctx) })
	g.Go(func() error { return a.scheduler.Run(gctx) })
	g.Go(func() error { return a.shipper.Run(gctx) })
	g.Go(func() error { return a.runHeartbeat(gctx) })
	g.Go(func() error { return a.runAssignmentSync(gctx) })

	err := g.Wait()
	a.logger.Info("agent stopped",
		"uptime", time.Since(a.startTime).Round(time.Second),
		"unsent_results", a.shipper.Pending())
	return err
}

// awaitControlPlane retries the health check until it succeeds or the
// startup window closes.
func (a *Agent) awaitControlPlane(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.ControlPlane.StartupTimeout)
	defer cancel()

	backoff := shipper.NewBackoff(500*time.Millisecond, 5*time.Second)
	for {
		err := a.client.Ping(ctx)
		if err == nil {
			return nil
		}
		a.logger.Warn("control plane not reachable yet", "url", a.cfg.ControlPlane.URL, "error", err)

		timer := time.NewTimer(backoff.Next())
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return fmt.Errorf("%w: %v", ErrStartup, err)
		case <-timer.C:
		}
	}
}

// =============================================================================
// HEARTBEAT
// =============================================================================

// runHeartbeat sends one heartbeat immediately, then on every interval. The
// control plane relies on it for liveness, so failures never stop the loop.
func (a *Agent) runHeartbeat(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.Health.HeartbeatInterval)
	defer ticker.Stop()

	var auth authWindow
	for {
		err := a.sendHeartbeat(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fatal := auth.observe(err, a.authGrace); fatal != nil {
			return fmt.Errorf("heartbeat: %w", fatal)
		}
		if err != nil {
			a.logger.Warn("heartbeat failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// sendHeartbeat sends a single heartbeat.
func (a *Agent) sendHeartbeat(ctx context.Context) error {
	_, err := a.client.Heartbeat(ctx, a.heartbeat())
	return err
}

// heartbeat builds the payload from the current pool and scheduler counters.
func (a *Agent) heartbeat() types.Heartbeat {
	ps := a.pool.Stats()
	total, running := a.scheduler.Stats()
	return types.Heartbeat{
		AgentID:   a.cfg.Agent.ID,
		AgentArea: a.cfg.Agent.Area,
		IPAddress: a.host.IPAddress,
		Hostname:  a.host.Hostname,
		Telemetry: types.Telemetry{
			MaxWorkers:     ps.MaxWorkers,
			ActiveThreads:  ps.Active,
			PendingTasks:   ps.Pending,
			CompletedTasks: ps.Completed,
			TotalTasks:     total,
			RunningTasks:   running,
			FailedTasks:    ps.Failed,
		},
	}
}

// =============================================================================
// ASSIGNMENTS
// =============================================================================

// runAssignmentSync polls assignments immediately, then on every interval.
// Failed polls back off but keep the last-known assignment set running.
func (a *Agent) runAssignmentSync(ctx context.Context) error {
	backoff := shipper.NewBackoff(time.Second, a.cfg.Probing.AssignmentPollInterval)

	var auth authWindow
	for {
		err := a.syncAssignments(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if fatal := auth.observe(err, a.authGrace); fatal != nil {
			return fmt.Errorf("assignment sync: %w", fatal)
		}

		wait := a.cfg.Probing.AssignmentPollInterval
		if err != nil {
			wait = backoff.Next()
			a.logger.Warn("assignment sync failed", "error", err, "retry_in", wait)
		} else {
			backoff.Reset()
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// syncAssignments fetches and applies the assignment set.
func (a *Agent) syncAssignments(ctx context.Context) error {
	resp, err := a.client.GetAssignments(ctx)
	if err != nil {
		return err
	}

	change := a.scheduler.Reconcile(resp.Tasks)
	if !change.Empty() {
		a.logger.Info("assignments synced",
			"count", len(resp.Tasks),
			"added", change.Added,
			"removed", change.Removed,
			"updated", change.Updated)
	}
	return nil
}

// authWindow tracks how long a loop has been receiving 401s.
type authWindow struct {
	since time.Time
}

// observe records the outcome of a request and returns a non-nil error
// once unauthorized responses have persisted for grace.
func (w *authWindow) observe(err error, grace time.Duration) error {
	if !errors.Is(err, client.ErrUnauthorized) {
		w.since = time.Time{}
		return nil
	}
	if w.since.IsZero() {
		w.since = time.Now()
	}
	if time.Since(w.since) >= grace {
		return err
	}
	return nil
}
