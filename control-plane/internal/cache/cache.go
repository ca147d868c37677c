// Package cache provides Redis-backed caching for hot control plane reads.
//
// Every result ingestion lists the enabled alert configs of its task.
// ConfigCache keeps those lists in Redis for a short TTL so bursts of results
// for the same task do not each hit the database. Redis failures fall through
// to the underlying source.
//
// Alert configs are written outside the control plane, so a config that was
// just disabled or edited keeps being evaluated until its entry expires or
// Invalidate is called. The TTL is that staleness bound.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pilot-net/dialer/control-plane/internal/config"
	"github.com/pilot-net/dialer/pkg/types"
)

const (
	// Cache key prefixes
	keyPrefix          = "dialer:cache:"
	alertConfigsPrefix = "alert-configs:"
)

// Cache provides Redis-backed value caching.
type Cache struct {
	client *redis.Client
	logger *slog.Logger
}

// New connects to Redis and verifies the connection.
func New(redisURL string, logger *slog.Logger) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), config.RedisConnectionTimeout)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewFromClient(client, logger), nil
}

// NewFromClient wraps an existing client without checking connectivity.
func NewFromClient(client *redis.Client, logger *slog.Logger) *Cache {
	if logger == nil {
		logger = slog.Default()
	}
	return &Cache{
		client: client,
		logger: logger.With("component", "cache"),
	}
}

// Client returns the underlying Redis client so other components can share it.
func (c *Cache) Client() *redis.Client {
	return c.client
}

// Ping checks Redis connectivity.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Get retrieves a cached value. Returns nil if not found or expired.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, nil // Cache miss
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Set stores a value in the cache with the given TTL.
func (c *Cache) Set(ctx context.Context, key string, data []byte, ttl time.Duration) error {
	return c.client.Set(ctx, keyPrefix+key, data, ttl).Err()
}

// GetJSON retrieves and unmarshals a cached JSON value.
func (c *Cache) GetJSON(ctx context.Context, key string, v any) (bool, error) {
	data, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if data == nil {
		return false, nil // Cache miss
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, err
	}
	return true, nil
}

// SetJSON marshals and stores a JSON value in the cache.
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.Set(ctx, key, data, ttl)
}

// Delete removes a key from the cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, keyPrefix+key).Err()
}

// =============================================================================
// ALERT CONFIGS
// =============================================================================

// ConfigSource lists the enabled alert configs of a task.
type ConfigSource interface {
	ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error)
}

// ConfigCache is a read-through cache in front of a ConfigSource.
type ConfigCache struct {
	cache  *Cache
	source ConfigSource
	ttl    time.Duration
}

// NewConfigCache caches source in c for ttl. A non-positive ttl selects
// config.CacheTTLAlertConfigs.
func NewConfigCache(c *Cache, source ConfigSource, ttl time.Duration) *ConfigCache {
	if ttl <= 0 {
		ttl = config.CacheTTLAlertConfigs
	}
	return &ConfigCache{cache: c, source: source, ttl: ttl}
}

// TTL returns how long cached configs are served.
func (cc *ConfigCache) TTL() time.Duration {
	return cc.ttl
}

func alertConfigsKey(taskID int64) string {
	return alertConfigsPrefix + strconv.FormatInt(taskID, 10)
}

// ListEnabledAlertConfigs serves from Redis when possible.
func (cc *ConfigCache) ListEnabledAlertConfigs(ctx context.Context, taskID int64) ([]types.AlertConfig, error) {
	key := alertConfigsKey(taskID)

	var configs []types.AlertConfig
	hit, err := cc.cache.GetJSON(ctx, key, &configs)
	if err != nil {
		cc.cache.logger.Debug("alert config cache read failed", "task_id", taskID, "error", err)
	}
	if hit {
		return configs, nil
	}

	configs, err = cc.source.ListEnabledAlertConfigs(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if configs == nil {
		configs = []types.AlertConfig{}
	}
	if err := cc.cache.SetJSON(ctx, key, configs, cc.ttl); err != nil {
		cc.cache.logger.Debug("alert config cache write failed", "task_id", taskID, "error", err)
	}
	return configs, nil
}

// Invalidate drops the cached configs of a task.
func (cc *ConfigCache) Invalidate(ctx context.Context, taskID int64) error {
	return cc.cache.Delete(ctx, alertConfigsKey(taskID))
}
