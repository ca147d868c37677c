// Package shipper delivers probe results to the control plane.
//
// # Design
//
// Results are buffered in a bounded FIFO and posted one at a time by a
// single submitter goroutine. The head of the queue is only removed once
// the control plane accepts it, so results for a task arrive in the order
// they were produced.
//
// # Resilience
//
// - Transport failures and 5xx responses retry with exponential backoff (capped at 60s)
// - When the buffer is full the oldest result is dropped
// - Rejected results (4xx other than 401) are dropped and logged
// - A 401 that persists past the auth grace window is fatal
package shipper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/pilot-net/dialer/agent/internal/client"
	"github.com/pilot-net/dialer/pkg/types"
)

const (
	// DefaultBufferSize is the number of results held while the control plane is unreachable.
	DefaultBufferSize = 1024

	// DefaultAuthGrace is how long 401 responses are tolerated before giving up.
	DefaultAuthGrace = 30 * time.Second

	shutdownFlushTimeout = 5 * time.Second
)

// Poster submits a single result.
type Poster interface {
	PostResult(ctx context.Context, result types.Result) (int64, error)
}

// Config for the shipper.
type Config struct {
	Poster     Poster
	BufferSize int           // Max buffered results (default 1024)
	RatePerSec float64       // Max posts per second, 0 for unlimited
	Backoff    *Backoff      // Retry schedule (default 1s doubling to 60s)
	AuthGrace  time.Duration // Tolerated 401 window (default 30s)
	Logger     *slog.Logger
}

type item struct {
	seq    uint64
	result types.Result
}

// Shipper buffers results and posts them in order.
type Shipper struct {
	poster    Poster
	capacity  int
	limiter   *rate.Limiter
	backoff   *Backoff
	authGrace time.Duration
	logger    *slog.Logger

	mu     sync.Mutex
	buffer []item
	seq    uint64
	notify chan struct{}

	shipped  atomic.Int64
	dropped  atomic.Int64
	rejected atomic.Int64
}

// New creates a shipper.
func New(cfg Config) *Shipper {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff(time.Second, MaxBackoff)
	}
	if cfg.AuthGrace <= 0 {
		cfg.AuthGrace = DefaultAuthGrace
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	limit := rate.Inf
	if cfg.RatePerSec > 0 {
		limit = rate.Limit(cfg.RatePerSec)
	}
	return &Shipper{
		poster:    cfg.Poster,
		capacity:  cfg.BufferSize,
		limiter:   rate.NewLimiter(limit, 1),
		backoff:   cfg.Backoff,
		authGrace: cfg.AuthGrace,
		logger:    cfg.Logger.With("component", "shipper"),
		notify:    make(chan struct{}, 1),
	}
}

// Enqueue buffers a result, evicting the oldest one when full.
func (s *Shipper) Enqueue(r types.Result) bool {
	s.mu.Lock()
	if len(s.buffer) >= s.capacity {
		evicted := s.buffer[0]
		s.buffer = s.buffer[1:]
		s.dropped.Add(1)
		s.logger.Warn("result buffer full, dropping oldest result", "task_id", evicted.result.TaskID, "capacity", s.capacity)
	}
	s.seq++
	s.buffer = append(s.buffer, item{seq: s.seq, result: r})
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return true
}

// Run posts buffered results until ctx is cancelled. It returns an error
// wrapping client.ErrUnauthorized once the auth grace window is exhausted.
func (s *Shipper) Run(ctx context.Context) error {
	var authFailingSince time.Time

	for {
		head, ok := s.peek()
		if !ok {
			select {
			case <-ctx.Done():
				return nil
			case <-s.notify:
				continue
			}
		}

		if err := s.limiter.Wait(ctx); err != nil {
			s.flushOnShutdown()
			return nil
		}

		_, err := s.poster.PostResult(ctx, head.result)
		switch {
		case err == nil:
			s.pop(head.seq)
			s.shipped.Add(1)
			s.backoff.Reset()
			authFailingSince = time.Time{}
			continue

		case ctx.Err() != nil:
			s.flushOnShutdown()
			return nil

		case errors.Is(err, client.ErrUnauthorized):
			if authFailingSince.IsZero() {
				authFailingSince = time.Now()
			}
			if time.Since(authFailingSince) >= s.authGrace {
				return fmt.Errorf("posting results: %w", err)
			}
			s.logger.Warn("result rejected: unauthorized", "task_id", head.result.TaskID)

		case !client.Retryable(err):
			s.pop(head.seq)
			s.rejected.Add(1)
			s.logger.Error("result rejected by control plane, dropping", "task_id", head.result.TaskID, "error", err)
			continue

		default:
			s.logger.Warn("failed to post result, will retry", "task_id", head.result.TaskID, "pending", s.Pending(), "error", err)
		}

		wait := s.backoff.Next()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// flushOnShutdown makes one bounded pass over the buffer, stopping at the
// first failure.
func (s *Shipper) flushOnShutdown() {
	if s.Pending() == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
	defer cancel()

	for {
		head, ok := s.peek()
		if !ok {
			return
		}
		if _, err := s.poster.PostResult(ctx, head.result); err != nil {
			s.logger.Warn("unsent results at shutdown", "count", s.Pending(), "error", err)
			return
		}
		s.pop(head.seq)
		s.shipped.Add(1)
	}
}

func (s *Shipper) peek() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) == 0 {
		return item{}, false
	}
	return s.buffer[0], true
}

// pop removes the head if it is still the item that was sent; it may have
// been evicted while the request was in flight.
func (s *Shipper) pop(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffer) > 0 && s.buffer[0].seq == seq {
		s.buffer[0] = item{}
		s.buffer = s.buffer[1:]
	}
}

// Pending returns the number of buffered results.
func (s *Shipper) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffer)
}

// Stats returns shipper statistics.
type Stats struct {
	Pending  int   `json:"pending"`
	Shipped  int64 `json:"shipped"`
	Dropped  int64 `json:"dropped"`
	Rejected int64 `json:"rejected"`
}

func (s *Shipper) Stats() Stats {
	return Stats{
		Pending:  s.Pending(),
		Shipped:  s.shipped.Load(),
		Dropped:  s.dropped.Load(),
		Rejected: s.rejected.Load(),
	}
}
