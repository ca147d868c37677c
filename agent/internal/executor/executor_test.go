package executor

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// MockExecutor is a test executor for unit tests.
type MockExecutor struct {
	TypeName    types.ProbeType
	Caps        Capabilities
	ExecuteFunc func(ctx context.Context, task types.Assignment) (*Result, error)
}

func (m *MockExecutor) Type() types.ProbeType {
	return m.TypeName
}

func (m *MockExecutor) Capabilities() Capabilities {
	return m.Caps
}

func (m *MockExecutor) Execute(ctx context.Context, task types.Assignment) (*Result, error) {
	if m.ExecuteFunc != nil {
		return m.ExecuteFunc(ctx, task)
	}
	return &Result{
		Status:         types.StatusSuccess,
		ResponseTimeMs: msPtr(1),
		Details:        json.RawMessage(`{}`),
	}, nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	exec := &MockExecutor{TypeName: "test_probe"}

	// First registration should succeed
	if err := r.Register(exec); err != nil {
		t.Fatalf("expected no error, got: %v", err)
	}

	// Duplicate registration should fail
	if err := r.Register(exec); err == nil {
		t.Fatal("expected error for duplicate registration")
	}
}

func TestRegistry_RegisterMissingDependency(t *testing.T) {
	r := NewRegistry()

	exec := &MockExecutor{
		TypeName: "needs_binary",
		Caps:     Capabilities{Dependencies: []string{"definitely-not-a-real-binary-xyz"}},
	}
	if err := r.Register(exec); err == nil {
		t.Fatal("expected error for missing dependency")
	}
	if _, ok := r.Get("needs_binary"); ok {
		t.Fatal("executor with missing dependency should not be registered")
	}
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	r.Register(&MockExecutor{TypeName: types.ProbeTCP})

	found, ok := r.Get(types.ProbeTCP)
	if !ok {
		t.Fatal("expected to find executor")
	}
	if found.Type() != types.ProbeTCP {
		t.Fatalf("wrong executor type: %s", found.Type())
	}

	if _, ok := r.Get("nonexistent"); ok {
		t.Fatal("should not find nonexistent executor")
	}
}

func TestRegistry_List(t *testing.T) {
	r := NewRegistry()

	r.Register(&MockExecutor{TypeName: types.ProbePing})
	r.Register(&MockExecutor{TypeName: types.ProbeDNS})
	r.Register(&MockExecutor{TypeName: types.ProbeTCP})

	got := r.List()
	want := []string{"dns", "ping", "tcp"}
	if len(got) != len(want) {
		t.Fatalf("expected %d executors, got %d", len(want), len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("List()[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestNewDefaultRegistry(t *testing.T) {
	r := NewDefaultRegistry("", nil)

	for _, typ := range []types.ProbeType{types.ProbeTCP, types.ProbeDNS, types.ProbeHTTPStep} {
		if _, ok := r.Get(typ); !ok {
			t.Errorf("expected %s executor to be registered", typ)
		}
	}
}

func TestInvocationTimeout(t *testing.T) {
	steps := []types.HTTPStep{{ID: "a"}, {ID: "b"}, {ID: "c"}}

	tests := []struct {
		name string
		task types.Assignment
		want time.Duration
	}{
		{"tcp default", types.Assignment{Type: types.ProbeTCP}, 5 * time.Second},
		{"tcp explicit", types.Assignment{Type: types.ProbeTCP, Params: types.TaskParams{TimeoutSec: 2}}, 2 * time.Second},
		{"ping adds grace", types.Assignment{Type: types.ProbePing, Params: types.TaskParams{TimeoutSec: 3}}, 4 * time.Second},
		{"http-step per step", types.Assignment{Type: types.ProbeHTTPStep, Params: types.TaskParams{TimeoutSec: 2, Steps: steps}}, 6 * time.Second},
		{"fractional", types.Assignment{Type: types.ProbeDNS, Params: types.TaskParams{TimeoutSec: 0.5}}, 500 * time.Millisecond},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := InvocationTimeout(tt.task); got != tt.want {
				t.Errorf("InvocationTimeout() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMarshalPayload(t *testing.T) {
	payload := types.TCPDetails{Target: "h:1", Host: "h", Port: 1, Connected: true}
	raw := MarshalPayload(payload)

	decoded, err := UnmarshalPayload[types.TCPDetails](raw)
	if err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Port != 1 || !decoded.Connected {
		t.Errorf("unexpected payload: %+v", decoded)
	}
}

func TestTimeoutResult(t *testing.T) {
	r := TimeoutResult(2*time.Second, 2000.4, nil)

	if r.Status != types.StatusError {
		t.Errorf("status = %s, want error", r.Status)
	}
	if r.ResponseTimeMs == nil || *r.ResponseTimeMs != 2000.4 {
		t.Errorf("response time = %v, want 2000.4", r.ResponseTimeMs)
	}
	if r.Message != "probe timed out after 2s" {
		t.Errorf("message = %q", r.Message)
	}
}

func floatClose(a, b, tolerance float64) bool {
	d := a - b
	if d < 0 {
		d = -d
	}
	return d <= tolerance
}
