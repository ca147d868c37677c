package config

import "time"

// Node liveness.
const (
	// DefaultHeartbeatInterval is the agent heartbeat period the sweeper assumes.
	DefaultHeartbeatInterval = 30 * time.Second

	// OfflineMultiplier is how many missed heartbeat intervals mark a node offline.
	OfflineMultiplier = 3

	// DefaultSweepInterval is how often stale nodes are marked offline.
	DefaultSweepInterval = 30 * time.Second
)

// Result retention.
const (
	// DefaultResultRetention is how long results are kept. Zero disables deletion.
	DefaultResultRetention = 30 * 24 * time.Hour

	// DefaultRetentionInterval is how often expired results are deleted.
	DefaultRetentionInterval = time.Hour
)

// Alert evaluation.
const (
	// AlertLockTTL bounds how long a distributed key lock survives a crashed holder.
	AlertLockTTL = 10 * time.Second

	// AlertLockRetry is the polling period while waiting for a held key lock.
	AlertLockRetry = 25 * time.Millisecond

	// EvaluatorTimeout bounds one synchronous evaluation after a result is persisted.
	EvaluatorTimeout = 10 * time.Second

	// CacheTTLAlertConfigs is how long enabled alert configs are cached per task.
	CacheTTLAlertConfigs = 30 * time.Second

	// CacheTTLInfraHealth is how long infrastructure health is reused.
	CacheTTLInfraHealth = 30 * time.Second
)

// HTTP serving.
const (
	// MaxRequestBodyBytes caps agent request bodies.
	MaxRequestBodyBytes = 4 << 20

	// DefaultHTTPTimeout is the server read and write timeout.
	DefaultHTTPTimeout = 30 * time.Second

	// ShutdownTimeout bounds graceful server shutdown.
	ShutdownTimeout = 10 * time.Second
)

// Pagination defaults for API list endpoints.
const (
	// DefaultPaginationLimit is the default number of items returned
	// when no limit is specified.
	DefaultPaginationLimit = 50

	// MaxPaginationLimit is the maximum number of items that can be
	// requested in a single API call.
	MaxPaginationLimit = 500
)

// Dependency connectivity.
const (
	// DatabasePingTimeout is the timeout for database connectivity checks.
	DatabasePingTimeout = 5 * time.Second

	// RedisConnectionTimeout is the timeout for Redis connectivity checks.
	RedisConnectionTimeout = 5 * time.Second

	// KafkaWriteTimeout bounds publishing one alert event.
	KafkaWriteTimeout = 5 * time.Second
)

// ClampLimit applies the pagination defaults to a requested limit.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultPaginationLimit
	}
	if limit > MaxPaginationLimit {
		return MaxPaginationLimit
	}
	return limit
}
