package executor

import (
	"context"
	"net"
	"testing"

	"github.com/pilot-net/dialer/pkg/types"
)

type fakeDNSResolver struct {
	ips   []net.IP
	cname string
	mx    []*net.MX
	txt   []string
	ns    []*net.NS
	err   error

	gotNetwork string
}

func (f *fakeDNSResolver) LookupIP(ctx context.Context, network, host string) ([]net.IP, error) {
	f.gotNetwork = network
	return f.ips, f.err
}

func (f *fakeDNSResolver) LookupCNAME(ctx context.Context, host string) (string, error) {
	return f.cname, f.err
}

func (f *fakeDNSResolver) LookupMX(ctx context.Context, name string) ([]*net.MX, error) {
	return f.mx, f.err
}

func (f *fakeDNSResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	return f.txt, f.err
}

func (f *fakeDNSResolver) LookupNS(ctx context.Context, name string) ([]*net.NS, error) {
	return f.ns, f.err
}

func dnsTask(target, recordType string) types.Assignment {
	return types.Assignment{
		Type:   types.ProbeDNS,
		Target: target,
		Params: types.TaskParams{RecordType: recordType, TimeoutSec: 2},
	}
}

func TestDNSExecutor_RecordTypes(t *testing.T) {
	tests := []struct {
		name       string
		recordType string
		resolver   *fakeDNSResolver
		want       []string
	}{
		{
			name:     "A default in arrival order",
			resolver: &fakeDNSResolver{ips: []net.IP{net.ParseIP("10.0.0.2"), net.ParseIP("10.0.0.1")}},
			want:     []string{"10.0.0.2", "10.0.0.1"},
		},
		{
			name:       "AAAA",
			recordType: "aaaa",
			resolver:   &fakeDNSResolver{ips: []net.IP{net.ParseIP("2001:db8::1")}},
			want:       []string{"2001:db8::1"},
		},
		{
			name:       "CNAME strips trailing dot",
			recordType: "CNAME",
			resolver:   &fakeDNSResolver{cname: "edge.example.net."},
			want:       []string{"edge.example.net"},
		},
		{
			name:       "MX",
			recordType: "MX",
			resolver:   &fakeDNSResolver{mx: []*net.MX{{Host: "mx1.example.com.", Pref: 10}}},
			want:       []string{"mx1.example.com"},
		},
		{
			name:       "TXT",
			recordType: "TXT",
			resolver:   &fakeDNSResolver{txt: []string{"v=spf1 -all"}},
			want:       []string{"v=spf1 -all"},
		},
		{
			name:       "NS",
			recordType: "NS",
			resolver:   &fakeDNSResolver{ns: []*net.NS{{Host: "ns1.example.com."}}},
			want:       []string{"ns1.example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewDNSExecutor()
			e.Resolver = tt.resolver

			res, err := e.Execute(context.Background(), dnsTask("example.com.", tt.recordType))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != types.StatusSuccess {
				t.Fatalf("status = %s, want success (%s)", res.Status, res.Message)
			}

			details, _ := UnmarshalPayload[types.DNSDetails](res.Details)
			if details.Target != "example.com" {
				t.Errorf("target = %q", details.Target)
			}
			if len(details.Addresses) != len(tt.want) {
				t.Fatalf("addresses = %v, want %v", details.Addresses, tt.want)
			}
			for i := range tt.want {
				if details.Addresses[i] != tt.want[i] {
					t.Errorf("addresses[%d] = %s, want %s", i, details.Addresses[i], tt.want[i])
				}
			}
		})
	}
}

func TestDNSExecutor_AAAAUsesIPv6Network(t *testing.T) {
	r := &fakeDNSResolver{ips: []net.IP{net.ParseIP("::1")}}
	e := NewDNSExecutor()
	e.Resolver = r

	e.Execute(context.Background(), dnsTask("example.com", "AAAA"))
	if r.gotNetwork != "ip6" {
		t.Errorf("network = %q, want ip6", r.gotNetwork)
	}
}

func TestDNSExecutor_Failures(t *testing.T) {
	tests := []struct {
		name       string
		resolver   *fakeDNSResolver
		wantStatus types.ResultStatus
	}{
		{"nxdomain", &fakeDNSResolver{err: &net.DNSError{Err: "no such host", IsNotFound: true}}, types.StatusFailed},
		{"empty answer", &fakeDNSResolver{}, types.StatusFailed},
		{"server failure", &fakeDNSResolver{err: &net.DNSError{Err: "server misbehaving"}}, types.StatusError},
		{"timeout", &fakeDNSResolver{err: &net.DNSError{Err: "i/o timeout", IsTimeout: true}}, types.StatusError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := NewDNSExecutor()
			e.Resolver = tt.resolver

			res, err := e.Execute(context.Background(), dnsTask("example.com", ""))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if res.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s (%s)", res.Status, tt.wantStatus, res.Message)
			}
		})
	}
}

func TestDNSExecutor_Nameserver(t *testing.T) {
	var got string
	e := NewDNSExecutor()
	e.Resolver = &fakeDNSResolver{err: &net.DNSError{Err: "should not be used"}}
	e.NewResolver = func(ns string) DNSResolver {
		got = ns
		return &fakeDNSResolver{ips: []net.IP{net.ParseIP("10.1.1.1")}}
	}

	task := dnsTask("example.com", "A")
	task.Params.Nameserver = "9.9.9.9"
	res, err := e.Execute(context.Background(), task)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != "9.9.9.9:53" {
		t.Errorf("nameserver = %q, want 9.9.9.9:53", got)
	}
	if res.Status != types.StatusSuccess {
		t.Errorf("status = %s, want success", res.Status)
	}
}

func TestDNSExecutor_UnsupportedRecordType(t *testing.T) {
	e := NewDNSExecutor()
	if _, err := e.Execute(context.Background(), dnsTask("example.com", "SRV")); err == nil {
		t.Fatal("expected error for unsupported record type")
	}
}
