package hostinfo

import (
	"context"
	"net"
	"testing"
)

func TestOutboundIP_Loopback(t *testing.T) {
	ip, err := OutboundIP("http://127.0.0.1:8080")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ip != "127.0.0.1" {
		t.Errorf("ip = %s, want 127.0.0.1", ip)
	}
}

func TestCollect(t *testing.T) {
	info := Collect(context.Background(), "http://127.0.0.1:8080")

	if info.Hostname == "" {
		t.Error("expected a hostname")
	}
	if net.ParseIP(info.IPAddress) == nil {
		t.Errorf("ip address %q is not an IP", info.IPAddress)
	}
	if info.OS == "" {
		t.Error("expected OS")
	}
}
