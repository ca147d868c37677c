package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/pilot-net/dialer/pkg/types"
)

const linuxPingOK = `PING example.com (93.184.216.34) 56(84) bytes of data.
64 bytes from 93.184.216.34: icmp_seq=1 ttl=56 time=11.8 ms
64 bytes from 93.184.216.34: icmp_seq=2 ttl=56 time=12.4 ms
64 bytes from 93.184.216.34: icmp_seq=3 ttl=56 time=13.2 ms

--- example.com ping statistics ---
4 packets transmitted, 3 received, 25% packet loss, time 3004ms
rtt min/avg/max/mdev = 11.800/12.466/13.200/0.573 ms
`

const linuxPingLost = `PING 10.255.255.1 (10.255.255.1) 56(84) bytes of data.

--- 10.255.255.1 ping statistics ---
4 packets transmitted, 0 received, 100% packet loss, time 3060ms
`

const darwinPingOK = `PING 1.1.1.1 (1.1.1.1): 56 data bytes
64 bytes from 1.1.1.1: icmp_seq=0 ttl=57 time=5.512 ms
64 bytes from 1.1.1.1: icmp_seq=1 ttl=57 time=6.201 ms

--- 1.1.1.1 ping statistics ---
2 packets transmitted, 2 packets received, 0.0% packet loss
round-trip min/avg/max/stddev = 5.512/5.856/6.201/0.344 ms
`

func TestParsePingOutput(t *testing.T) {
	tests := []struct {
		name       string
		output     string
		wantParsed bool
		wantIP     string
		wantSent   int
		wantRecv   int
		wantLoss   float64
		wantAvg    float64
	}{
		{"linux partial loss", linuxPingOK, true, "93.184.216.34", 4, 3, 25, 12.466},
		{"linux total loss", linuxPingLost, true, "10.255.255.1", 4, 0, 100, 0},
		{"darwin", darwinPingOK, true, "1.1.1.1", 2, 2, 0, 5.856},
		{"unknown host", "ping: nope.invalid: Name or service not known\n", false, "", 0, 0, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ok := ParsePingOutput(tt.output, "target")
			if ok != tt.wantParsed {
				t.Fatalf("parsed = %v, want %v", ok, tt.wantParsed)
			}
			if d.IP != tt.wantIP {
				t.Errorf("ip = %q, want %q", d.IP, tt.wantIP)
			}
			if !ok {
				return
			}
			if d.PacketsSent != tt.wantSent || d.PacketsReceived != tt.wantRecv {
				t.Errorf("packets = %d/%d, want %d/%d", d.PacketsReceived, d.PacketsSent, tt.wantRecv, tt.wantSent)
			}
			if d.PacketLoss != tt.wantLoss {
				t.Errorf("loss = %f, want %f", d.PacketLoss, tt.wantLoss)
			}
			if !floatClose(d.RTTAvg, tt.wantAvg, 0.001) {
				t.Errorf("avg = %f, want %f", d.RTTAvg, tt.wantAvg)
			}
		})
	}
}

func fakeRunner(output string, err error) CommandRunner {
	return func(ctx context.Context, name string, args ...string) ([]byte, error) {
		return []byte(output), err
	}
}

func TestPingExecutor_Execute(t *testing.T) {
	exitErr := errors.New("exit status 1")

	tests := []struct {
		name       string
		output     string
		err        error
		wantStatus types.ResultStatus
	}{
		{"reachable", linuxPingOK, nil, types.StatusSuccess},
		{"unreachable", linuxPingLost, exitErr, types.StatusFailed},
		{"resolution failure", "ping: nope.invalid: Name or service not known\n", errors.New("exit status 2"), types.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewPingExecutor()
			e.Run = fakeRunner(tt.output, tt.err)

			res, err := e.Execute(context.Background(), types.Assignment{
				Type:   types.ProbePing,
				Target: "example.com",
				Params: types.TaskParams{TimeoutSec: 2},
			})
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%s)", res.Status, tt.wantStatus, res.Message)
			}
			if res.ResponseTimeMs == nil {
				t.Error("expected response time")
			}
		})
	}
}

func TestPingExecutor_Timeout(t *testing.T) {
	e := NewPingExecutor()
	e.Run = func(ctx context.Context, name string, args ...string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res, err := e.Execute(context.Background(), types.Assignment{
		Type:   types.ProbePing,
		Target: "example.com",
		Params: types.TaskParams{TimeoutSec: 0.1},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != types.StatusError || !strings.Contains(res.Message, "timed out") {
		t.Errorf("got %s %q, want timeout error", res.Status, res.Message)
	}
}

func TestPingArgs(t *testing.T) {
	linux := strings.Join(pingArgs("linux", "h", 4, 3e9), " ")
	if linux != "-n -c 4 -W 3 -w 3 h" {
		t.Errorf("linux args = %q", linux)
	}
	darwin := strings.Join(pingArgs("darwin", "h", 2, 1.5e9), " ")
	if darwin != "-n -c 2 -W 1500 -t 1 h" {
		t.Errorf("darwin args = %q", darwin)
	}
}
