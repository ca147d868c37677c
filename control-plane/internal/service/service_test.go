package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pilot-net/dialer/control-plane/internal/alerting"
	"github.com/pilot-net/dialer/control-plane/internal/store"
	"github.com/pilot-net/dialer/control-plane/internal/testutil"
	"github.com/pilot-net/dialer/pkg/types"
)

type fakeEvaluator struct {
	mu    sync.Mutex
	calls []int64
	err   error
	ctxOK bool
}

func (f *fakeEvaluator) Evaluate(ctx context.Context, task *types.Task, result *types.Result) (alerting.Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, result.ID)
	_, hasDeadline := ctx.Deadline()
	f.ctxOK = hasDeadline && ctx.Err() == nil
	return alerting.Summary{Evaluated: 1}, f.err
}

func newTestService(t *testing.T, eval Evaluator) (*Service, *store.MemoryStore, *types.Task) {
	t.Helper()
	mem := store.NewMemoryStore()
	task := testutil.FixtureTask()
	if err := mem.CreateTask(context.Background(), task); err != nil {
		t.Fatal(err)
	}
	return NewService(mem, eval, testutil.NewTestLogger()), mem, task
}

func TestIngestResult(t *testing.T) {
	eval := &fakeEvaluator{}
	svc, mem, task := newTestService(t, eval)

	result := testutil.FixtureResult(task.ID, func(r *types.Result) {
		r.CreatedAt = time.Date(2001, 1, 1, 0, 0, 0, 0, time.UTC)
	})
	if err := svc.IngestResult(context.Background(), result); err != nil {
		t.Fatalf("IngestResult() error = %v", err)
	}

	if result.ID == 0 {
		t.Error("expected result ID to be assigned")
	}
	if result.CreatedAt.Year() == 2001 {
		t.Error("agent-supplied created_at was kept")
	}
	if len(eval.calls) != 1 || eval.calls[0] != result.ID {
		t.Errorf("evaluator calls = %v, want [%d]", eval.calls, result.ID)
	}
	if !eval.ctxOK {
		t.Error("evaluator context should carry a deadline and be live")
	}

	stored, err := mem.ListResults(context.Background(), types.ResultFilter{TaskID: task.ID})
	if err != nil || len(stored) != 1 {
		t.Fatalf("ListResults() = %v, %v", stored, err)
	}
}

func TestIngestResultRejects(t *testing.T) {
	tests := []struct {
		name    string
		result  func(taskID int64) *types.Result
		wantErr error
	}{
		{
			name: "missing agent",
			result: func(id int64) *types.Result {
				return testutil.FixtureResult(id, func(r *types.Result) { r.AgentID = "" })
			},
			wantErr: ErrInvalidResult,
		},
		{
			name: "bad status",
			result: func(id int64) *types.Result {
				return testutil.FixtureResult(id, func(r *types.Result) { r.Status = "timeout" })
			},
			wantErr: ErrInvalidResult,
		},
		{
			name: "unknown task",
			result: func(id int64) *types.Result {
				return testutil.FixtureResult(id + 100)
			},
			wantErr: ErrUnknownTask,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			eval := &fakeEvaluator{}
			svc, mem, task := newTestService(t, eval)

			err := svc.IngestResult(context.Background(), tt.result(task.ID))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("IngestResult() error = %v, want %v", err, tt.wantErr)
			}
			if len(eval.calls) != 0 {
				t.Error("evaluator should not run for rejected results")
			}
			stored, _ := mem.ListResults(context.Background(), types.ResultFilter{TaskID: task.ID})
			if len(stored) != 0 {
				t.Errorf("stored %d results, want 0", len(stored))
			}
		})
	}
}

func TestIngestResultEvaluationFailureKeepsResult(t *testing.T) {
	svc, mem, task := newTestService(t, &fakeEvaluator{err: errors.New("boom")})

	if err := svc.IngestResult(context.Background(), testutil.FixtureResult(task.ID)); err != nil {
		t.Fatalf("IngestResult() error = %v, want nil", err)
	}
	stored, _ := mem.ListResults(context.Background(), types.ResultFilter{TaskID: task.ID})
	if len(stored) != 1 {
		t.Errorf("stored %d results, want 1", len(stored))
	}
}

func TestIngestResultOpensAlert(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()

	task := testutil.FixtureHTTPStepTask()
	if err := mem.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	cfg := testutil.FixtureAlertConfig(task.ID, func(c *types.AlertConfig) {
		c.StepID = testutil.Ptr("login")
	})
	if err := mem.CreateAlertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	svc := NewService(mem, alerting.NewEvaluator(mem, mem), testutil.NewTestLogger())
	if err := svc.IngestResult(ctx, testutil.FixtureStepResult(task.ID, "login", 500)); err != nil {
		t.Fatal(err)
	}

	alerts, err := svc.ListAlerts(ctx, types.AlertFilter{TenantID: task.TenantID})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 || alerts[0].TriggerValue != "500" || alerts[0].Status != types.AlertActive {
		t.Fatalf("alerts = %+v, want one active alert triggered by 500", alerts)
	}

	if err := svc.IngestResult(ctx, testutil.FixtureStepResult(task.ID, "login", 200)); err != nil {
		t.Fatal(err)
	}
	got, err := svc.GetAlert(ctx, task.TenantID, alerts[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != types.AlertResolved || got.ResolvedAt == nil {
		t.Errorf("alert = %+v, want resolved", got)
	}
}

func TestIngestDuplicatePayloadKeepsOneAlert(t *testing.T) {
	mem := store.NewMemoryStore()
	ctx := context.Background()

	task := testutil.FixtureHTTPStepTask()
	if err := mem.CreateTask(ctx, task); err != nil {
		t.Fatal(err)
	}
	cfg := testutil.FixtureAlertConfig(task.ID, func(c *types.AlertConfig) {
		c.StepID = testutil.Ptr("login")
	})
	if err := mem.CreateAlertConfig(ctx, cfg); err != nil {
		t.Fatal(err)
	}

	svc := NewService(mem, alerting.NewEvaluator(mem, mem), testutil.NewTestLogger())
	payload := testutil.MustJSON(testutil.FixtureStepResult(task.ID, "login", 500))
	for i := 0; i < 2; i++ {
		var result types.Result
		if err := json.Unmarshal(payload, &result); err != nil {
			t.Fatal(err)
		}
		if err := svc.IngestResult(ctx, &result); err != nil {
			t.Fatalf("ingest %d: %v", i+1, err)
		}
	}

	results, err := mem.ListResults(ctx, types.ResultFilter{TaskID: task.ID})
	if err != nil {
		t.Fatal(err)
	}
	if len(results) != 2 {
		t.Errorf("results = %d, want 2 (duplicates are stored)", len(results))
	}

	active := types.AlertActive
	alerts, err := svc.ListAlerts(ctx, types.AlertFilter{TenantID: task.TenantID, Status: &active})
	if err != nil {
		t.Fatal(err)
	}
	if len(alerts) != 1 {
		t.Fatalf("active alerts = %d, want 1", len(alerts))
	}
	if alerts[0].TriggerValue != "500" {
		t.Errorf("trigger value = %q, want 500", alerts[0].TriggerValue)
	}
}

func TestRecordHeartbeat(t *testing.T) {
	svc, mem, _ := newTestService(t, nil)
	ctx := context.Background()

	if _, err := svc.RecordHeartbeat(ctx, types.Heartbeat{}); !errors.Is(err, ErrInvalidHeartbeat) {
		t.Errorf("RecordHeartbeat(empty) error = %v, want ErrInvalidHeartbeat", err)
	}

	hb := types.Heartbeat{
		AgentID:   "agent-1",
		AgentArea: "eu-west",
		Hostname:  "probe-01",
		Telemetry: types.Telemetry{MaxWorkers: 4, CompletedTasks: 12},
	}
	resp, err := svc.RecordHeartbeat(ctx, hb)
	if err != nil {
		t.Fatalf("RecordHeartbeat() error = %v", err)
	}
	if resp.Status != "ok" || resp.ServerTime.IsZero() {
		t.Errorf("response = %+v", resp)
	}

	nodes, _ := mem.ListNodes(ctx)
	if len(nodes) != 1 {
		t.Fatalf("nodes = %d, want 1", len(nodes))
	}
	if nodes[0].Status != types.NodeOnline || nodes[0].CompletedTasks != 12 || nodes[0].AgentArea != "eu-west" {
		t.Errorf("node = %+v", nodes[0])
	}
}

func TestAssignments(t *testing.T) {
	svc, mem, task := newTestService(t, nil)
	ctx := context.Background()

	other := testutil.FixtureTask(func(tk *types.Task) { tk.AgentIDs = []string{"agent-2"} })
	if err := mem.CreateTask(ctx, other); err != nil {
		t.Fatal(err)
	}

	resp, err := svc.Assignments(ctx, "agent-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(resp.Tasks) != 1 || resp.Tasks[0].TaskID != task.ID || resp.Tasks[0].Version != task.Version {
		t.Errorf("tasks = %+v, want only task %d", resp.Tasks, task.ID)
	}

	resp, err = svc.Assignments(ctx, "unknown")
	if err != nil {
		t.Fatal(err)
	}
	if resp.Tasks == nil || len(resp.Tasks) != 0 {
		t.Errorf("tasks = %#v, want empty non-nil slice", resp.Tasks)
	}
}

func TestListTaskResultsTenantScope(t *testing.T) {
	svc, _, task := newTestService(t, nil)
	ctx := context.Background()

	if err := svc.IngestResult(ctx, testutil.FixtureResult(task.ID)); err != nil {
		t.Fatal(err)
	}

	results, err := svc.ListTaskResults(ctx, task.TenantID, task.ID, 10)
	if err != nil || len(results) != 1 {
		t.Errorf("ListTaskResults(owner) = %v, %v", results, err)
	}

	if _, err := svc.ListTaskResults(ctx, task.TenantID+1, task.ID, 10); !errors.Is(err, ErrNotFound) {
		t.Errorf("ListTaskResults(other tenant) error = %v, want ErrNotFound", err)
	}
	if _, err := svc.GetAlert(ctx, task.TenantID, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetAlert(missing) error = %v, want ErrNotFound", err)
	}
}
