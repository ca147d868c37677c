package secrets

import (
	"fmt"
	"log/slog"
)

// Config holds configuration for the agent token backend.
type Config struct {
	// Backend specifies which backend to use: "static", "file", "1password", or "auto".
	// "auto" (default) uses 1Password if configured, then a token file, then
	// the static token.
	Backend string `yaml:"backend"`

	// TokenFile is read by the file backend.
	TokenFile string `yaml:"token_file"`

	// OnePassword configures the 1password backend.
	OnePassword OnePasswordConfig `yaml:"onepassword"`
}

// NewSource creates a Source based on configuration. static is the token
// from agent_token or DIALER_AGENT_TOKEN.
func NewSource(cfg Config, static string, logger *slog.Logger) (Source, error) {
	if logger == nil {
		logger = slog.Default()
	}
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "static":
		return StaticSource{Token: static}, nil

	case "file":
		if cfg.TokenFile == "" {
			return nil, fmt.Errorf("file backend requested but token_file not set")
		}
		return FileSource{Path: cfg.TokenFile}, nil

	case "1password":
		return NewOnePasswordSource(cfg.OnePassword, logger)

	case "auto":
		op := cfg.OnePassword
		if op.Host != "" && op.Token != "" && op.VaultID != "" {
			return NewOnePasswordSource(op, logger)
		}
		if cfg.TokenFile != "" {
			return FileSource{Path: cfg.TokenFile}, nil
		}
		return StaticSource{Token: static}, nil

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
