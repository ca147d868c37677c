// Package executor - reachability probe using the system ping binary.
//
// # Output Parsing
//
// Linux iputils and BSD ping both end with a summary block:
//
//	4 packets transmitted, 4 received, 0% packet loss, time 3004ms
//	rtt min/avg/max/mdev = 0.045/0.061/0.078/0.012 ms
//
// BSD prints "packets received" and "round-trip" instead; both forms parse.
// The target IP comes from the "PING host (ip)" banner, falling back to the
// first "bytes from" reply line.
package executor

import (
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// defaultPingCount applies when params.count is unset.
const defaultPingCount = 4

var (
	pingSummaryRegexp   = regexp.MustCompile(`(?m)(\d+) packets transmitted, (\d+) (?:packets )?received, (?:\+\d+ errors, )?([0-9.]+)% packet loss`)
	pingIPRegexp        = regexp.MustCompile(`(?m)^PING [^\(]*\(([0-9a-fA-F:\.]+)\)`)
	pingRttRegexp       = regexp.MustCompile(`(?m)(?:rtt|round-trip) [^=]*= ([0-9.]+)/([0-9.]+)/([0-9.]+)`)
	pingBytesFromRegexp = regexp.MustCompile(`bytes from ([^\s:]+)(?: \(([0-9a-fA-F:\.]+)\))?`)
)

// CommandRunner runs an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// PingExecutor probes targets with the platform ping binary.
type PingExecutor struct {
	// PingPath is the path to the ping binary. Default: "ping"
	PingPath string

	// Run executes the binary; replaced in tests
	Run CommandRunner
}

// NewPingExecutor creates a ping executor with sensible defaults.
func NewPingExecutor() *PingExecutor {
	return &PingExecutor{
		PingPath: "ping",
		Run:      runCommand,
	}
}

func (e *PingExecutor) Type() types.ProbeType { return types.ProbePing }

func (e *PingExecutor) Capabilities() Capabilities {
	return Capabilities{
		Dependencies: []string{e.PingPath},
		Retryable:    true,
	}
}

// Execute runs one ping burst against the target.
func (e *PingExecutor) Execute(ctx context.Context, task types.Assignment) (*Result, error) {
	target := strings.TrimSpace(task.Target)
	if target == "" {
		return nil, fmt.Errorf("target is empty")
	}
	count := task.Params.Count
	if count <= 0 {
		count = defaultPingCount
	}
	timeout := task.Params.Timeout()

	// The binary enforces the timeout itself; the context only backs it up
	ctx, cancel := context.WithTimeout(ctx, timeout+graceWindow)
	defer cancel()

	start := time.Now()
	output, runErr := e.Run(ctx, e.PingPath, pingArgs(runtime.GOOS, target, count, timeout)...)
	elapsed := elapsedMs(start)
	out := string(output)

	details, parsed := ParsePingOutput(out, target)
	if !parsed {
		details.PacketsSent = count
		details.PacketLoss = 100
	}
	payload := MarshalPayload(details)

	if ctx.Err() == context.DeadlineExceeded {
		return TimeoutResult(timeout, elapsed, payload), nil
	}
	if !parsed {
		msg := lastLine(out)
		if msg == "" && runErr != nil {
			msg = runErr.Error()
		}
		return &Result{
			Status:         types.StatusError,
			ResponseTimeMs: msPtr(elapsed),
			Message:        fmt.Sprintf("ping %s: %s", target, msg),
			Details:        payload,
		}, nil
	}

	res := &Result{
		ResponseTimeMs: msPtr(elapsed),
		Details:        payload,
		Message: fmt.Sprintf("%d/%d packets received, %s%% loss",
			details.PacketsReceived, details.PacketsSent, strconv.FormatFloat(details.PacketLoss, 'f', -1, 64)),
	}
	if details.PacketLoss < 100 {
		res.Status = types.StatusSuccess
	} else {
		res.Status = types.StatusFailed
	}
	return res, nil
}

// pingArgs builds the argument list for the platform's ping flavour.
// Linux takes -W per reply and -w overall in seconds; BSD takes -W in
// milliseconds and -t overall in seconds.
func pingArgs(goos, target string, count int, timeout time.Duration) []string {
	secs := int(timeout.Seconds())
	if secs < 1 {
		secs = 1
	}
	switch goos {
	case "darwin", "freebsd", "openbsd", "netbsd":
		return []string{"-n", "-c", strconv.Itoa(count), "-W", strconv.Itoa(int(timeout.Milliseconds())), "-t", strconv.Itoa(secs), target}
	default:
		return []string{"-n", "-c", strconv.Itoa(count), "-W", strconv.Itoa(secs), "-w", strconv.Itoa(secs), target}
	}
}

// ParsePingOutput extracts the summary from ping output.
// The boolean is false when no packet summary was found.
func ParsePingOutput(output, target string) (types.PingDetails, bool) {
	details := types.PingDetails{Target: target, IP: parsePingIP(output)}

	matches := pingSummaryRegexp.FindStringSubmatch(output)
	if len(matches) != 4 {
		return details, false
	}
	details.PacketsSent, _ = strconv.Atoi(matches[1])
	details.PacketsReceived, _ = strconv.Atoi(matches[2])
	details.PacketLoss, _ = strconv.ParseFloat(matches[3], 64)

	if rtt := pingRttRegexp.FindStringSubmatch(output); len(rtt) == 4 {
		details.RTTMin, _ = strconv.ParseFloat(rtt[1], 64)
		details.RTTAvg, _ = strconv.ParseFloat(rtt[2], 64)
		details.RTTMax, _ = strconv.ParseFloat(rtt[3], 64)
	}
	return details, true
}

func parsePingIP(output string) string {
	if m := pingIPRegexp.FindStringSubmatch(output); len(m) == 2 {
		return m[1]
	}
	m := pingBytesFromRegexp.FindStringSubmatch(output)
	if len(m) >= 3 && m[2] != "" {
		return m[2]
	}
	if len(m) >= 2 {
		return strings.Trim(m[1], "<>")
	}
	return ""
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = graceWindow
	return cmd.CombinedOutput()
}
