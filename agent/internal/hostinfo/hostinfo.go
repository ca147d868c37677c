// Package hostinfo gathers the identity facts an agent reports in heartbeats.
package hostinfo

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/host"
)

// Info describes the machine the agent runs on.
type Info struct {
	Hostname        string
	IPAddress       string
	OS              string
	Platform        string
	PlatformVersion string
	KernelVersion   string
	BootTime        time.Time
}

// Collect gathers host facts. controlURL selects the egress interface whose
// address is reported as the agent IP.
func Collect(ctx context.Context, controlURL string) Info {
	info := Info{OS: runtime.GOOS}

	if h, err := host.InfoWithContext(ctx); err == nil {
		info.Hostname = h.Hostname
		info.Platform = h.Platform
		info.PlatformVersion = h.PlatformVersion
		info.KernelVersion = h.KernelVersion
		if h.BootTime > 0 {
			info.BootTime = time.Unix(int64(h.BootTime), 0)
		}
	}
	if info.Hostname == "" {
		info.Hostname, _ = os.Hostname()
	}

	if ip, err := OutboundIP(controlURL); err == nil {
		info.IPAddress = ip
	}
	return info
}

// OutboundIP returns the local address used to reach the control plane.
// Dialing UDP only selects a route; no packets are sent.
func OutboundIP(controlURL string) (string, error) {
	target := "192.0.2.1:80"
	if u, err := url.Parse(controlURL); err == nil && u.Hostname() != "" {
		port := u.Port()
		if port == "" {
			port = "443"
			if u.Scheme == "http" {
				port = "80"
			}
		}
		target = net.JoinHostPort(u.Hostname(), port)
	}

	conn, err := net.DialTimeout("udp", target, 2*time.Second)
	if err != nil {
		return "", fmt.Errorf("selecting outbound address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("unexpected local address %v", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
