// Package config handles agent configuration loading and validation.
//
// # Configuration Sources
//
// Configuration is loaded from (in order of precedence):
// 1. Command-line flags
// 2. Environment variables
// 3. Dotenv file (--env-file), which never overrides the real environment
// 4. Config file (YAML)
// 5. Defaults
//
// # Environment Variables
//
//	AGENT_ID                      required
//	AGENT_AREA                    geographic or logical tag
//	CONTROL_URL                   control plane base URL
//	AGENT_TOKEN                   shared bearer token
//	MAX_WORKERS                   default CPU count x 4
//	HEARTBEAT_INTERVAL_SEC        default 30
//	ASSIGNMENT_POLL_INTERVAL_SEC  default 30
//	RESULT_BUFFER_SIZE            default 1024
//	RESULT_RATE_PER_SEC           default 0 (unlimited)
//	PING_PATH                     default "ping"
//
// # Example Config File
//
//	control_plane:
//	  url: https://dialer.example.net
//	  token: agt_xxx
//
//	agent:
//	  id: fra-01
//	  area: eu-central
//
//	probing:
//	  max_workers: 32
//	  assignment_poll_interval: 30s
//	  result_buffer_size: 1024
//
//	health:
//	  heartbeat_interval: 30s
package config

import (
	"fmt"
	"net/url"
	"os"
	"runtime"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the complete agent configuration.
type Config struct {
	ControlPlane ControlPlaneConfig `yaml:"control_plane"`
	Agent        AgentConfig        `yaml:"agent"`
	Probing      ProbingConfig      `yaml:"probing"`
	Health       HealthConfig       `yaml:"health"`
}

// ControlPlaneConfig defines how to connect to the control plane.
type ControlPlaneConfig struct {
	URL   string `yaml:"url"`   // e.g., https://dialer.example.net
	Token string `yaml:"token"` // Shared agent token

	// Timeouts
	RequestTimeout time.Duration `yaml:"request_timeout,omitempty"`
	StartupTimeout time.Duration `yaml:"startup_timeout,omitempty"` // Window for the initial reachability check
}

// AgentConfig defines agent identity.
type AgentConfig struct {
	ID   string `yaml:"id"`
	Area string `yaml:"area"`
}

// ProbingConfig defines probing behavior.
type ProbingConfig struct {
	MaxWorkers             int           `yaml:"max_workers"`
	AssignmentPollInterval time.Duration `yaml:"assignment_poll_interval"`
	ResultBufferSize       int           `yaml:"result_buffer_size"`
	ResultRatePerSec       float64       `yaml:"result_rate_per_sec,omitempty"`
	PingPath               string        `yaml:"ping_path,omitempty"`
}

// HealthConfig defines health monitoring behavior.
type HealthConfig struct {
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		ControlPlane: ControlPlaneConfig{
			RequestTimeout: 30 * time.Second,
			StartupTimeout: 30 * time.Second,
		},
		Probing: ProbingConfig{
			MaxWorkers:             runtime.NumCPU() * 4,
			AssignmentPollInterval: 30 * time.Second,
			ResultBufferSize:       1024,
			PingPath:               "ping",
		},
		Health: HealthConfig{
			HeartbeatInterval: 30 * time.Second,
		},
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

// LoadEnvFile reads a dotenv file into the process environment.
// Variables already set are left untouched.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("loading env file: %w", err)
	}
	return nil
}

// ApplyEnvOverrides applies environment variable overrides from the process environment.
func (c *Config) ApplyEnvOverrides() error {
	return c.ApplyEnv(os.LookupEnv)
}

// ApplyEnv applies overrides using lookup. Malformed numbers are errors.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("AGENT_ID", &c.Agent.ID)
	str("AGENT_AREA", &c.Agent.Area)
	str("CONTROL_URL", &c.ControlPlane.URL)
	str("AGENT_TOKEN", &c.ControlPlane.Token)
	str("PING_PATH", &c.Probing.PingPath)

	ints := []struct {
		key string
		set func(int)
	}{
		{"MAX_WORKERS", func(n int) { c.Probing.MaxWorkers = n }},
		{"RESULT_BUFFER_SIZE", func(n int) { c.Probing.ResultBufferSize = n }},
		{"HEARTBEAT_INTERVAL_SEC", func(n int) { c.Health.HeartbeatInterval = time.Duration(n) * time.Second }},
		{"ASSIGNMENT_POLL_INTERVAL_SEC", func(n int) { c.Probing.AssignmentPollInterval = time.Duration(n) * time.Second }},
	}
	for _, e := range ints {
		v, ok := lookup(e.key)
		if !ok || v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%s: invalid integer %q", e.key, v)
		}
		e.set(n)
	}

	if v, ok := lookup("RESULT_RATE_PER_SEC"); ok && v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("RESULT_RATE_PER_SEC: invalid number %q", v)
		}
		c.Probing.ResultRatePerSec = f
	}
	return nil
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	if c.Agent.ID == "" {
		return fmt.Errorf("AGENT_ID is required")
	}
	if c.ControlPlane.URL == "" {
		return fmt.Errorf("CONTROL_URL is required")
	}
	u, err := url.Parse(c.ControlPlane.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("CONTROL_URL must be an http(s) URL, got %q", c.ControlPlane.URL)
	}
	if c.ControlPlane.Token == "" {
		return fmt.Errorf("AGENT_TOKEN is required")
	}
	if c.Probing.MaxWorkers < 1 {
		return fmt.Errorf("MAX_WORKERS must be >= 1")
	}
	if c.Probing.ResultBufferSize < 1 {
		return fmt.Errorf("RESULT_BUFFER_SIZE must be >= 1")
	}
	if c.Health.HeartbeatInterval < time.Second {
		return fmt.Errorf("HEARTBEAT_INTERVAL_SEC must be >= 1")
	}
	if c.Probing.AssignmentPollInterval < time.Second {
		return fmt.Errorf("ASSIGNMENT_POLL_INTERVAL_SEC must be >= 1")
	}
	if c.Probing.ResultRatePerSec < 0 {
		return fmt.Errorf("RESULT_RATE_PER_SEC must be >= 0")
	}
	return nil
}
