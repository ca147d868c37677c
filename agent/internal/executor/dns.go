package executor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/pilot-net/dialer/pkg/types"
)

var supportedRecordTypes = map[string]bool{
	"A": true, "AAAA": true, "CNAME": true, "MX": true, "TXT": true, "NS": true,
}

// DNSResolver is the subset of *net.Resolver the DNS executor uses.
type DNSResolver interface {
	LookupIP(ctx context.Context, network, host string) ([]net.IP, error)
	LookupCNAME(ctx context.Context, host string) (string, error)
	LookupMX(ctx context.Context, name string) ([]*net.MX, error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
	LookupNS(ctx context.Context, name string) ([]*net.NS, error)
}

// DNSExecutor resolves a name for one record type.
type DNSExecutor struct {
	// Resolver is used when the task names no nameserver
	Resolver DNSResolver

	// NewResolver builds a resolver pinned to a nameserver address
	NewResolver func(nameserver string) DNSResolver
}

// NewDNSExecutor creates a DNS executor using the system resolver.
func NewDNSExecutor() *DNSExecutor {
	return &DNSExecutor{
		Resolver:    net.DefaultResolver,
		NewResolver: pinnedResolver,
	}
}

func (e *DNSExecutor) Type() types.ProbeType { return types.ProbeDNS }

func (e *DNSExecutor) Capabilities() Capabilities {
	return Capabilities{Retryable: true}
}

// Execute queries the target for params.record_type (default A).
func (e *DNSExecutor) Execute(ctx context.Context, task types.Assignment) (*Result, error) {
	name := strings.TrimSuffix(strings.TrimSpace(task.Target), ".")
	if name == "" {
		return nil, fmt.Errorf("target is empty")
	}
	recordType := strings.ToUpper(task.Params.RecordType)
	if recordType == "" {
		recordType = "A"
	}
	if !supportedRecordTypes[recordType] {
		return nil, fmt.Errorf("unsupported record type %q", recordType)
	}

	resolver := e.Resolver
	nameserver := task.Params.Nameserver
	if nameserver != "" {
		if _, _, err := net.SplitHostPort(nameserver); err != nil {
			nameserver = net.JoinHostPort(trimBrackets(nameserver), "53")
		}
		resolver = e.NewResolver(nameserver)
	}

	timeout := task.Params.Timeout()
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	details := types.DNSDetails{Target: name, RecordType: recordType, Nameserver: nameserver}
	start := time.Now()
	addrs, err := lookup(ctx, resolver, recordType, name)
	elapsed := elapsedMs(start)
	details.Addresses = addrs
	if details.Addresses == nil {
		details.Addresses = []string{}
	}
	payload := MarshalPayload(details)

	if err != nil {
		if isTimeout(ctx, err) {
			return TimeoutResult(timeout, elapsed, payload), nil
		}
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) && !dnsErr.IsNotFound && !dnsErr.IsTemporary {
			// Malformed responses and refused queries are not a verdict on the name
			return &Result{
				Status:         types.StatusError,
				ResponseTimeMs: msPtr(elapsed),
				Message:        fmt.Sprintf("%s lookup for %s failed: %v", recordType, name, err),
				Details:        payload,
			}, nil
		}
		return &Result{
			Status:         types.StatusFailed,
			ResponseTimeMs: msPtr(elapsed),
			Message:        fmt.Sprintf("%s lookup for %s failed: %v", recordType, name, err),
			Details:        payload,
		}, nil
	}
	if len(addrs) == 0 {
		return &Result{
			Status:         types.StatusFailed,
			ResponseTimeMs: msPtr(elapsed),
			Message:        fmt.Sprintf("no %s records for %s", recordType, name),
			Details:        payload,
		}, nil
	}

	return &Result{
		Status:         types.StatusSuccess,
		ResponseTimeMs: msPtr(elapsed),
		Message:        fmt.Sprintf("resolved %d %s record(s)", len(addrs), recordType),
		Details:        payload,
	}, nil
}

// lookup dispatches on record type and flattens answers to strings in the
// order the resolver returned them.
func lookup(ctx context.Context, r DNSResolver, recordType, name string) ([]string, error) {
	var out []string
	switch recordType {
	case "A", "AAAA":
		network := "ip4"
		if recordType == "AAAA" {
			network = "ip6"
		}
		ips, err := r.LookupIP(ctx, network, name)
		if err != nil {
			return nil, err
		}
		for _, ip := range ips {
			out = append(out, ip.String())
		}
	case "CNAME":
		cname, err := r.LookupCNAME(ctx, name)
		if err != nil {
			return nil, err
		}
		if cname != "" {
			out = append(out, strings.TrimSuffix(cname, "."))
		}
	case "MX":
		mxs, err := r.LookupMX(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, mx := range mxs {
			out = append(out, strings.TrimSuffix(mx.Host, "."))
		}
	case "TXT":
		txts, err := r.LookupTXT(ctx, name)
		if err != nil {
			return nil, err
		}
		out = append(out, txts...)
	case "NS":
		nss, err := r.LookupNS(ctx, name)
		if err != nil {
			return nil, err
		}
		for _, ns := range nss {
			out = append(out, strings.TrimSuffix(ns.Host, "."))
		}
	default:
		return nil, fmt.Errorf("unsupported record type %q", recordType)
	}
	return out, nil
}

func pinnedResolver(nameserver string) DNSResolver {
	return &net.Resolver{
		PreferGo: true,
		Dial: func(ctx context.Context, network, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, nameserver)
		},
	}
}
