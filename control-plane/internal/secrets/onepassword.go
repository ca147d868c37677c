package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// DefaultOnePasswordItem is the vault item title holding the agent token.
const DefaultOnePasswordItem = "dialer agent token"

const purposePassword = "PASSWORD"

// OnePasswordConfig holds configuration for 1Password Connect.
type OnePasswordConfig struct {
	Host    string `yaml:"host"`     // OP_CONNECT_HOST
	Token   string `yaml:"token"`    // OP_CONNECT_TOKEN
	VaultID string `yaml:"vault_id"` // OP_VAULT_ID
	Item    string `yaml:"item"`     // Item title (default "dialer agent token")
	Field   string `yaml:"field"`    // Field label; empty selects the password field
}

// OnePasswordSource reads the agent token from a 1Password Connect vault item.
type OnePasswordSource struct {
	client  connect.Client
	vaultID string
	item    string
	field   string
	logger  *slog.Logger
}

// NewOnePasswordSource creates a source backed by 1Password Connect.
func NewOnePasswordSource(cfg OnePasswordConfig, logger *slog.Logger) (*OnePasswordSource, error) {
	if cfg.Host == "" || cfg.Token == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}
	client := connect.NewClientWithUserAgent(cfg.Host, cfg.Token, "dialer-control-plane")
	return newOnePasswordSource(client, cfg, logger), nil
}

func newOnePasswordSource(client connect.Client, cfg OnePasswordConfig, logger *slog.Logger) *OnePasswordSource {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Item == "" {
		cfg.Item = DefaultOnePasswordItem
	}
	return &OnePasswordSource{
		client:  client,
		vaultID: cfg.VaultID,
		item:    cfg.Item,
		field:   cfg.Field,
		logger:  logger.With("component", "secrets"),
	}
}

func (s *OnePasswordSource) Name() string { return "1password" }

// AgentToken looks the item up by title and returns the configured field.
func (s *OnePasswordSource) AgentToken(ctx context.Context) (string, error) {
	items, err := s.client.GetItemsByTitle(s.item, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("1Password item %q not found in vault", s.item)
	}
	if len(items) > 1 {
		s.logger.Warn("multiple 1Password items share a title, using the first", "item", s.item, "count", len(items))
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	token := s.fieldValue(item)
	if token == "" {
		return "", fmt.Errorf("1Password item %q: %w", s.item, ErrEmptyToken)
	}
	return token, nil
}

// fieldValue returns the labelled field, or the password field when no
// label is configured.
func (s *OnePasswordSource) fieldValue(item *onepassword.Item) string {
	for _, f := range item.Fields {
		if f == nil {
			continue
		}
		if s.field != "" {
			if strings.EqualFold(f.Label, s.field) {
				return strings.TrimSpace(f.Value)
			}
			continue
		}
		if f.Purpose == purposePassword {
			return strings.TrimSpace(f.Value)
		}
	}
	return ""
}
