// Package secrets resolves the shared agent token the control plane accepts.
//
// The token can come from static configuration, a file mounted by the
// orchestrator, or a 1Password Connect vault item. The resolved value is
// read once at startup; rotating it requires a restart.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrEmptyToken is returned when a source resolves to an empty value.
var ErrEmptyToken = errors.New("agent token is empty")

// Source resolves the agent token.
type Source interface {
	AgentToken(ctx context.Context) (string, error)
	Name() string
}

// StaticSource returns a token taken from configuration or the environment.
type StaticSource struct {
	Token string
}

func (s StaticSource) Name() string { return "static" }

func (s StaticSource) AgentToken(ctx context.Context) (string, error) {
	if s.Token == "" {
		return "", ErrEmptyToken
	}
	return s.Token, nil
}

// FileSource reads the token from a file, trimming surrounding whitespace.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "file" }

func (s FileSource) AgentToken(ctx context.Context) (string, error) {
	data, err := os.ReadFile(s.Path)
	if err != nil {
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", fmt.Errorf("%s: %w", s.Path, ErrEmptyToken)
	}
	return token, nil
}
