package config

import (
	"testing"
	"time"
)

func TestLivenessThresholds(t *testing.T) {
	offline := OfflineMultiplier * DefaultHeartbeatInterval
	if offline != 90*time.Second {
		t.Errorf("offline threshold = %v, want 90s", offline)
	}
	if DefaultSweepInterval > offline {
		t.Errorf("DefaultSweepInterval (%v) should not exceed the offline threshold (%v)",
			DefaultSweepInterval, offline)
	}
}

func TestAlertTimings(t *testing.T) {
	if AlertLockRetry >= AlertLockTTL {
		t.Errorf("AlertLockRetry (%v) should be much shorter than AlertLockTTL (%v)", AlertLockRetry, AlertLockTTL)
	}
	if EvaluatorTimeout < AlertLockTTL {
		t.Errorf("EvaluatorTimeout (%v) should cover at least one lock TTL (%v)", EvaluatorTimeout, AlertLockTTL)
	}
}

func TestPaginationLimits(t *testing.T) {
	if DefaultPaginationLimit > MaxPaginationLimit {
		t.Errorf("DefaultPaginationLimit (%d) should not exceed MaxPaginationLimit (%d)",
			DefaultPaginationLimit, MaxPaginationLimit)
	}

	tests := []struct {
		in   int
		want int
	}{
		{0, DefaultPaginationLimit},
		{-3, DefaultPaginationLimit},
		{10, 10},
		{MaxPaginationLimit + 1, MaxPaginationLimit},
	}
	for _, tt := range tests {
		if got := ClampLimit(tt.in); got != tt.want {
			t.Errorf("ClampLimit(%d) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestCacheTTLs(t *testing.T) {
	ttls := []struct {
		name string
		ttl  time.Duration
	}{
		{"AlertConfigs", CacheTTLAlertConfigs},
		{"InfraHealth", CacheTTLInfraHealth},
	}

	for _, tt := range ttls {
		t.Run(tt.name, func(t *testing.T) {
			if tt.ttl <= 0 {
				t.Errorf("Cache TTL for %s should be positive, got %v", tt.name, tt.ttl)
			}
			// Cache TTLs should generally be under 5 minutes to ensure freshness
			if tt.ttl > 5*time.Minute {
				t.Errorf("Cache TTL for %s (%v) seems too long", tt.name, tt.ttl)
			}
		})
	}
}
