// Package config loads control plane configuration and centralizes the
// tunable constants used across packages.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables (DIALER_*, OP_CONNECT_*)
// 3. Config file (YAML)
// 4. Defaults
//
// # Example Config File
//
//	listen_addr: ":8080"
//	database_url: postgres://localhost:5432/dialer?sslmode=disable
//	redis_url: redis://localhost:6379/0
//	kafka:
//	  brokers: [kafka-1:9092]
//	  topic: dialer.alerts
//	secrets:
//	  backend: file
//	  token_file: /run/secrets/agent_token
//	tenants:
//	  - id: 1
//	    name: acme
//	    api_key_hash: $2a$10$...
//	heartbeat_interval: 30s
//	result_retention: 720h
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"

	"github.com/pilot-net/dialer/control-plane/internal/secrets"
)

// Config is the complete control plane configuration.
type Config struct {
	ListenAddr  string `yaml:"listen_addr"`
	DatabaseURL string `yaml:"database_url"` // Empty selects the in-memory store
	RedisURL    string `yaml:"redis_url"`    // Optional; enables distributed locking and config caching

	Kafka KafkaConfig `yaml:"kafka"`

	AgentToken string         `yaml:"agent_token"`
	Secrets    secrets.Config `yaml:"secrets"`

	Tenants []TenantConfig `yaml:"tenants"`

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	SweepInterval     time.Duration `yaml:"sweep_interval"`
	ResultRetention   time.Duration `yaml:"result_retention"` // Zero disables deletion
	RetentionInterval time.Duration `yaml:"retention_interval"`

	// AlertConfigCacheTTL bounds how long a changed alert config can go
	// unnoticed when Redis caching is on. Zero disables the cache.
	AlertConfigCacheTTL time.Duration `yaml:"alert_config_cache_ttl"`
}

// KafkaConfig enables alert event publishing when Brokers is non-empty.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// Enabled reports whether events should be published.
func (k KafkaConfig) Enabled() bool {
	return len(k.Brokers) > 0
}

// TenantConfig is one tenant allowed to use the read API.
type TenantConfig struct {
	ID         int64  `yaml:"id"`
	Name       string `yaml:"name"`
	APIKeyHash string `yaml:"api_key_hash"` // bcrypt hash of the tenant API key
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:        ":8080",
		Kafka:             KafkaConfig{Topic: "dialer.alerts"},
		HeartbeatInterval: DefaultHeartbeatInterval,
		SweepInterval:     DefaultSweepInterval,
		ResultRetention:   DefaultResultRetention,
		RetentionInterval: DefaultRetentionInterval,

		AlertConfigCacheTTL: CacheTTLAlertConfigs,
	}
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	return cfg, nil
}

// ApplyEnvOverrides applies overrides from the process environment.
func (c *Config) ApplyEnvOverrides() error {
	return c.ApplyEnv(os.LookupEnv)
}

// ApplyEnv applies overrides using lookup. Malformed durations are errors.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("DIALER_LISTEN_ADDR", &c.ListenAddr)
	str("DIALER_DATABASE_URL", &c.DatabaseURL)
	str("DIALER_REDIS_URL", &c.RedisURL)
	str("DIALER_KAFKA_TOPIC", &c.Kafka.Topic)
	str("DIALER_AGENT_TOKEN", &c.AgentToken)
	str("DIALER_SECRETS_BACKEND", &c.Secrets.Backend)
	str("DIALER_AGENT_TOKEN_FILE", &c.Secrets.TokenFile)
	str("OP_CONNECT_HOST", &c.Secrets.OnePassword.Host)
	str("OP_CONNECT_TOKEN", &c.Secrets.OnePassword.Token)
	str("OP_VAULT_ID", &c.Secrets.OnePassword.VaultID)
	str("OP_ITEM", &c.Secrets.OnePassword.Item)

	if v, ok := lookup("DIALER_KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitList(v)
	}

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"DIALER_HEARTBEAT_INTERVAL", &c.HeartbeatInterval},
		{"DIALER_SWEEP_INTERVAL", &c.SweepInterval},
		{"DIALER_RESULT_RETENTION", &c.ResultRetention},
		{"DIALER_RETENTION_INTERVAL", &c.RetentionInterval},
		{"DIALER_ALERT_CONFIG_CACHE_TTL", &c.AlertConfigCacheTTL},
	}
	for _, d := range durations {
		v, ok := lookup(d.key)
		if !ok || v == "" {
			continue
		}
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.key, v)
		}
		*d.dst = parsed
	}
	return nil
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.HeartbeatInterval < time.Second {
		return fmt.Errorf("heartbeat_interval must be >= 1s")
	}
	if c.SweepInterval < time.Second {
		return fmt.Errorf("sweep_interval must be >= 1s")
	}
	if c.ResultRetention < 0 {
		return fmt.Errorf("result_retention must be >= 0")
	}
	if c.ResultRetention > 0 && c.RetentionInterval < time.Second {
		return fmt.Errorf("retention_interval must be >= 1s")
	}
	if c.AlertConfigCacheTTL < 0 {
		return fmt.Errorf("alert_config_cache_ttl must be >= 0")
	}
	if c.Kafka.Enabled() && c.Kafka.Topic == "" {
		return fmt.Errorf("kafka.topic is required when brokers are set")
	}

	seen := make(map[int64]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ID <= 0 {
			return fmt.Errorf("tenant %q: id must be positive", t.Name)
		}
		if seen[t.ID] {
			return fmt.Errorf("duplicate tenant id %d", t.ID)
		}
		seen[t.ID] = true
		if _, err := bcrypt.Cost([]byte(t.APIKeyHash)); err != nil {
			return fmt.Errorf("tenant %d: api_key_hash is not a bcrypt hash", t.ID)
		}
	}
	return nil
}

// OfflineAfter is the heartbeat silence after which a node is offline.
func (c *Config) OfflineAfter() time.Duration {
	return OfflineMultiplier * c.HeartbeatInterval
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
