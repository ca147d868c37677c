package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

// defaultTCPPort applies when the target carries no port.
const defaultTCPPort = 80

// HostResolver resolves a host name to addresses. *net.Resolver satisfies it.
type HostResolver interface {
	LookupHost(ctx context.Context, host string) ([]string, error)
}

// TCPExecutor probes targets with a TCP connect.
type TCPExecutor struct {
	Resolver HostResolver
	Dialer   *net.Dialer
}

// NewTCPExecutor creates a TCP executor using the system resolver.
func NewTCPExecutor() *TCPExecutor {
	return &TCPExecutor{
		Resolver: net.DefaultResolver,
		Dialer:   &net.Dialer{},
	}
}

func (e *TCPExecutor) Type() types.ProbeType { return types.ProbeTCP }

func (e *TCPExecutor) Capabilities() Capabilities {
	return Capabilities{Retryable: true}
}

// Execute resolves the target host and attempts a single TCP connect.
func (e *TCPExecutor) Execute(ctx context.Context, task types.Assignment) (*Result, error) {
	host, port, err := splitTarget(task.Target, defaultTCPPort)
	if err != nil {
		return nil, err
	}
	timeout := task.Params.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	details := types.TCPDetails{Target: task.Target, Host: host, Port: port}
	start := time.Now()

	addr := host
	if net.ParseIP(host) == nil {
		addrs, err := e.Resolver.LookupHost(ctx, host)
		if err != nil || len(addrs) == 0 {
			elapsed := elapsedMs(start)
			if err != nil && isTimeout(ctx, err) {
				return TimeoutResult(timeout, elapsed, MarshalPayload(details)), nil
			}
			if err == nil {
				err = fmt.Errorf("no addresses")
			}
			details.ReturnCode = -1
			return &Result{
				Status:         types.StatusError,
				ResponseTimeMs: msPtr(elapsed),
				Message:        fmt.Sprintf("dns resolution failed for %s: %v", host, err),
				Details:        MarshalPayload(details),
			}, nil
		}
		addr = addrs[0]
	}
	details.ResolvedIP = addr

	dialStart := time.Now()
	dialer := *e.Dialer
	dialer.Timeout = timeout
	conn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(addr, strconv.Itoa(port)))
	connectMs := elapsedMs(dialStart)
	elapsed := elapsedMs(start)
	details.ConnectTimeMs = msPtr(connectMs)

	if err != nil {
		details.ReturnCode = returnCode(err)
		if isTimeout(ctx, err) {
			return TimeoutResult(timeout, elapsed, MarshalPayload(details)), nil
		}
		return &Result{
			Status:         types.StatusFailed,
			ResponseTimeMs: msPtr(elapsed),
			Message:        fmt.Sprintf("connect to %s:%d failed: %v", addr, port, err),
			Details:        MarshalPayload(details),
		}, nil
	}
	conn.Close()

	details.Connected = true
	return &Result{
		Status:         types.StatusSuccess,
		ResponseTimeMs: msPtr(elapsed),
		Message:        fmt.Sprintf("connected to %s:%d", addr, port),
		Details:        MarshalPayload(details),
	}, nil
}

// splitTarget parses host[:port], accepting bracketed IPv6 literals.
func splitTarget(target string, defaultPort int) (string, int, error) {
	if target == "" {
		return "", 0, fmt.Errorf("target is empty")
	}
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		// No port present; a bare IPv6 literal lands here too
		if ip := net.ParseIP(trimBrackets(target)); ip != nil {
			return ip.String(), defaultPort, nil
		}
		return target, defaultPort, nil
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return "", 0, fmt.Errorf("invalid port in target %q", target)
	}
	return host, port, nil
}

func trimBrackets(s string) string {
	if len(s) > 1 && s[0] == '[' && s[len(s)-1] == ']' {
		return s[1 : len(s)-1]
	}
	return s
}

// returnCode extracts the connect errno, or -1 when none is available.
func returnCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return -1
}
