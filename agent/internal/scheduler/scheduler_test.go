package scheduler

import (
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

type fakePool struct {
	mu        sync.Mutex
	submitted []types.Assignment
	dones     map[int64]func()
	cancelled []int64

	// lingering keeps cancelled invocations in flight until complete.
	lingering bool
}

func newFakePool() *fakePool {
	return &fakePool{dones: make(map[int64]func())}
}

func (p *fakePool) Submit(task types.Assignment, done func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, task)
	p.dones[task.TaskID] = done
}

func (p *fakePool) Cancel(taskID int64) {
	p.mu.Lock()
	p.cancelled = append(p.cancelled, taskID)
	if p.lingering {
		p.mu.Unlock()
		return
	}
	done := p.dones[taskID]
	delete(p.dones, taskID)
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

func (p *fakePool) InFlight(taskID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.dones[taskID]
	return ok
}

func (p *fakePool) complete(taskID int64) {
	p.mu.Lock()
	done := p.dones[taskID]
	delete(p.dones, taskID)
	p.mu.Unlock()
	if done != nil {
		done()
	}
}

func (p *fakePool) count(taskID int64) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, t := range p.submitted {
		if t.TaskID == taskID {
			n++
		}
	}
	return n
}

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func task(id, version int64, intervalSec int) types.Assignment {
	return types.Assignment{TaskID: id, Version: version, Type: types.ProbeTCP, Target: "h:1", IntervalSec: intervalSec, Enabled: true}
}

func newTestScheduler() (*Scheduler, *fakePool, *fakeClock) {
	pool := newFakePool()
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	return New(pool, nil, WithClock(clock.now)), pool, clock
}

func TestScheduler_NewTaskFiresImmediatelyThenOnInterval(t *testing.T) {
	s, pool, clock := newTestScheduler()
	s.Reconcile([]types.Assignment{task(1, 1, 10)})

	if n := s.Tick(); n != 1 {
		t.Fatalf("first tick fired %d, want 1", n)
	}
	pool.complete(1)

	clock.advance(9 * time.Second)
	if n := s.Tick(); n != 0 {
		t.Fatalf("fired %d before interval elapsed", n)
	}

	clock.advance(time.Second)
	if n := s.Tick(); n != 1 {
		t.Fatalf("fired %d at interval, want 1", n)
	}
}

func TestScheduler_NoOverlap(t *testing.T) {
	s, pool, clock := newTestScheduler()
	s.Reconcile([]types.Assignment{task(1, 1, 1)})

	s.Tick()
	clock.advance(5 * time.Second)
	s.Tick()
	s.Tick()
	if got := pool.count(1); got != 1 {
		t.Fatalf("submitted %d while running, want 1", got)
	}
	if _, running := s.Stats(); running != 1 {
		t.Errorf("running = %d, want 1", running)
	}

	pool.complete(1)
	s.Tick()
	if got := pool.count(1); got != 2 {
		t.Fatalf("submitted %d after completion, want 2", got)
	}
}

func TestScheduler_DisabledTaskNeverFires(t *testing.T) {
	s, pool, _ := newTestScheduler()
	tk := task(1, 1, 1)
	tk.Enabled = false
	s.Reconcile([]types.Assignment{tk})

	s.Tick()
	if pool.count(1) != 0 {
		t.Fatal("disabled task fired")
	}
	if total, _ := s.Stats(); total != 1 {
		t.Errorf("total = %d, want 1", total)
	}
}

func TestScheduler_RemovalCancels(t *testing.T) {
	s, pool, _ := newTestScheduler()
	s.Reconcile([]types.Assignment{task(1, 1, 60), task(2, 1, 60)})
	s.Tick()

	change := s.Reconcile([]types.Assignment{task(2, 1, 60)})
	if change.Removed != 1 {
		t.Fatalf("removed = %d, want 1", change.Removed)
	}
	if len(pool.cancelled) != 1 || pool.cancelled[0] != 1 {
		t.Fatalf("cancelled = %v, want [1]", pool.cancelled)
	}
	if _, _, ok := s.Snapshot(1); ok {
		t.Error("removed task still scheduled")
	}
	if total, running := s.Stats(); total != 1 || running != 1 {
		t.Errorf("stats = %d/%d, want 1/1", total, running)
	}
}

func TestScheduler_VersionBumpKeepsNextFire(t *testing.T) {
	s, pool, clock := newTestScheduler()
	s.Reconcile([]types.Assignment{task(1, 1, 30)})
	s.Tick()
	pool.complete(1)

	_, nextBefore, _ := s.Snapshot(1)

	clock.advance(10 * time.Second)
	updated := task(1, 2, 30)
	updated.Target = "h:2"
	change := s.Reconcile([]types.Assignment{updated})
	if change.Updated != 1 {
		t.Fatalf("updated = %d, want 1", change.Updated)
	}

	snap, nextAfter, _ := s.Snapshot(1)
	if snap.Target != "h:2" || snap.Version != 2 {
		t.Errorf("snapshot not replaced: %+v", snap)
	}
	if !nextAfter.Equal(nextBefore) {
		t.Errorf("next fire moved from %v to %v", nextBefore, nextAfter)
	}
	if s.Tick() != 0 {
		t.Error("version bump caused immediate fire")
	}
}

func TestScheduler_ReconcileIdempotent(t *testing.T) {
	s, pool, _ := newTestScheduler()
	list := []types.Assignment{task(1, 3, 30), task(2, 1, 15)}

	if c := s.Reconcile(list); c.Added != 2 {
		t.Fatalf("added = %d, want 2", c.Added)
	}
	s.Tick()
	_, next1, _ := s.Snapshot(1)

	if c := s.Reconcile(list); !c.Empty() {
		t.Fatalf("re-applying unchanged list changed state: %+v", c)
	}
	_, next1Again, _ := s.Snapshot(1)
	if !next1.Equal(next1Again) {
		t.Error("next fire changed on idempotent reconcile")
	}
	if len(pool.cancelled) != 0 {
		t.Error("idempotent reconcile cancelled tasks")
	}
}

func TestScheduler_ReAddedTaskWaitsForCancelledInvocation(t *testing.T) {
	s, pool, clock := newTestScheduler()
	pool.lingering = true

	s.Reconcile([]types.Assignment{task(1, 1, 10)})
	if fired := s.Tick(); fired != 1 {
		t.Fatalf("first Tick() fired %d, want 1", fired)
	}

	s.Reconcile(nil)
	s.Reconcile([]types.Assignment{task(1, 2, 10)})
	clock.advance(30 * time.Second)
	if fired := s.Tick(); fired != 0 {
		t.Errorf("Tick() fired %d while the cancelled invocation is unwinding, want 0", fired)
	}
	if got := pool.count(1); got != 1 {
		t.Errorf("submitted %d times, want 1", got)
	}

	pool.complete(1)
	if fired := s.Tick(); fired != 1 {
		t.Errorf("Tick() after unwind fired %d, want 1", fired)
	}
	if got := pool.count(1); got != 2 {
		t.Errorf("submitted %d times, want 2", got)
	}
}
