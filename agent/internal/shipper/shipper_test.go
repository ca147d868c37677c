package shipper

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/dialer/agent/internal/client"
	"github.com/pilot-net/dialer/pkg/types"
)

// scriptedPoster fails according to errs (in call order), then succeeds.
type scriptedPoster struct {
	mu       sync.Mutex
	errs     []error
	calls    int
	received []types.Result
}

func (p *scriptedPoster) PostResult(ctx context.Context, r types.Result) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if len(p.errs) > 0 {
		err := p.errs[0]
		p.errs = p.errs[1:]
		if err != nil {
			return 0, err
		}
	}
	p.received = append(p.received, r)
	return int64(len(p.received)), nil
}

func (p *scriptedPoster) got() []types.Result {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.Result(nil), p.received...)
}

func result(taskID int64, msg string) types.Result {
	return types.Result{TaskID: taskID, AgentID: "a", Status: types.StatusSuccess, Message: msg}
}

func runShipper(t *testing.T, s *Shipper) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	return cancel, errc
}

func waitForCount(t *testing.T, p *scriptedPoster, n int) []types.Result {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := p.got(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("received %d results, want %d", len(p.got()), n)
	return nil
}

func TestShipper_PreservesOrderAcrossOutage(t *testing.T) {
	unavailable := &client.StatusError{Code: 503}
	poster := &scriptedPoster{errs: []error{unavailable, errors.New("connection refused"), unavailable}}
	s := New(Config{Poster: poster, Backoff: NewBackoff(time.Millisecond, 4*time.Millisecond)})

	want := []types.Result{result(1, "a1"), result(2, "b1"), result(1, "a2"), result(1, "a3"), result(2, "b2")}
	for _, r := range want {
		s.Enqueue(r)
	}

	cancel, _ := runShipper(t, s)
	defer cancel()

	got := waitForCount(t, poster, len(want))
	for i := range want {
		if got[i].Message != want[i].Message {
			t.Fatalf("position %d: got %s, want %s", i, got[i].Message, want[i].Message)
		}
	}
	if s.Pending() != 0 {
		t.Errorf("pending = %d, want 0", s.Pending())
	}
}

func TestShipper_DropsOldestWhenFull(t *testing.T) {
	poster := &scriptedPoster{}
	s := New(Config{Poster: poster, BufferSize: 3})

	for i := int64(1); i <= 5; i++ {
		s.Enqueue(result(i, ""))
	}
	if st := s.Stats(); st.Pending != 3 || st.Dropped != 2 {
		t.Fatalf("stats = %+v, want pending=3 dropped=2", st)
	}

	cancel, _ := runShipper(t, s)
	defer cancel()

	got := waitForCount(t, poster, 3)
	for i, wantID := range []int64{3, 4, 5} {
		if got[i].TaskID != wantID {
			t.Errorf("position %d: task %d, want %d", i, got[i].TaskID, wantID)
		}
	}
}

func TestShipper_DropsRejectedResult(t *testing.T) {
	poster := &scriptedPoster{errs: []error{&client.StatusError{Code: 400, Body: "bad status"}}}
	s := New(Config{Poster: poster, Backoff: NewBackoff(time.Millisecond, time.Millisecond)})

	s.Enqueue(result(1, "bad"))
	s.Enqueue(result(2, "good"))

	cancel, _ := runShipper(t, s)
	defer cancel()

	got := waitForCount(t, poster, 1)
	if got[0].Message != "good" {
		t.Errorf("got %s, want good", got[0].Message)
	}
	if st := s.Stats(); st.Rejected != 1 {
		t.Errorf("rejected = %d, want 1", st.Rejected)
	}
}

func TestShipper_UnauthorizedIsFatalAfterGrace(t *testing.T) {
	errs := make([]error, 100)
	for i := range errs {
		errs[i] = client.ErrUnauthorized
	}
	poster := &scriptedPoster{errs: errs}
	s := New(Config{
		Poster:    poster,
		Backoff:   NewBackoff(2*time.Millisecond, 2*time.Millisecond),
		AuthGrace: 20 * time.Millisecond,
	})
	s.Enqueue(result(1, ""))

	cancel, errc := runShipper(t, s)
	defer cancel()

	select {
	case err := <-errc:
		if !errors.Is(err, client.ErrUnauthorized) {
			t.Fatalf("err = %v, want ErrUnauthorized", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("shipper did not give up on persistent 401")
	}
	if s.Pending() != 1 {
		t.Errorf("result should stay buffered, pending = %d", s.Pending())
	}
}

func TestShipper_StopsOnCancel(t *testing.T) {
	s := New(Config{Poster: &scriptedPoster{}})
	cancel, errc := runShipper(t, s)
	cancel()

	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("err = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestBackoff(t *testing.T) {
	b := NewBackoff(time.Second, MaxBackoff)

	want := []time.Duration{1, 2, 4, 8, 16, 32, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Errorf("step %d: got %v, want %v", i, got, w*time.Second)
		}
	}

	b.Reset()
	if got := b.Next(); got != time.Second {
		t.Errorf("after reset: got %v, want 1s", got)
	}
}
