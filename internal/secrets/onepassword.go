package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/1Password/connect-sdk-go/connect"
	"github.com/1Password/connect-sdk-go/onepassword"
)

// OnePasswordStore keeps secrets in 1Password via the Connect API.
//
// Configuration is via environment variables:
//   - OP_CONNECT_HOST: URL of the 1Password Connect server
//   - OP_CONNECT_TOKEN: Access token for the Connect server
//   - OP_VAULT_ID: UUID of the vault to store secrets in
type OnePasswordStore struct {
	client  connect.Client
	vaultID string
	logger  *slog.Logger

	// Cache to avoid repeated API calls on hot paths.
	mu    sync.RWMutex
	cache map[string]string
}

// NewOnePasswordStore creates a new 1Password-backed secret store.
func NewOnePasswordStore(cfg Config, logger *slog.Logger) (*OnePasswordStore, error) {
	if cfg.ConnectHost == "" || cfg.ConnectToken == "" || cfg.VaultID == "" {
		return nil, fmt.Errorf("1Password configuration incomplete: host, token, and vault_id are required")
	}

	client := connect.NewClientWithUserAgent(cfg.ConnectHost, cfg.ConnectToken, "ingestd")

	return &OnePasswordStore{
		client:  client,
		vaultID: cfg.VaultID,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get retrieves a secret by item title. Returns empty string when the item
// does not exist.
func (s *OnePasswordStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	items, err := s.client.GetItemsByTitle(name, s.vaultID)
	if err != nil {
		if isNotFoundError(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing items: %w", err)
	}
	if len(items) == 0 {
		return "", nil
	}

	item, err := s.client.GetItem(items[0].ID, s.vaultID)
	if err != nil {
		return "", fmt.Errorf("getting item: %w", err)
	}

	value := fieldValue(item, "value")
	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return value, nil
}

// Set creates or replaces a secret.
func (s *OnePasswordStore) Set(ctx context.Context, name, value string) error {
	item := &onepassword.Item{
		Title:    name,
		Category: onepassword.Password,
		Vault:    onepassword.ItemVault{ID: s.vaultID},
		Fields: []*onepassword.ItemField{
			{
				ID:    "value",
				Label: "value",
				Type:  "CONCEALED",
				Value: value,
			},
		},
	}

	existing, err := s.client.GetItemsByTitle(name, s.vaultID)
	if err != nil && !isNotFoundError(err) {
		return fmt.Errorf("finding item: %w", err)
	}

	if len(existing) == 0 {
		_, err = s.client.CreateItem(item, s.vaultID)
	} else {
		item.ID = existing[0].ID
		_, err = s.client.UpdateItem(item, s.vaultID)
	}
	if err != nil {
		return fmt.Errorf("saving item: %w", err)
	}

	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return nil
}

// Close releases any resources.
func (s *OnePasswordStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func fieldValue(item *onepassword.Item, id string) string {
	for _, f := range item.Fields {
		if f.ID == id {
			return f.Value
		}
	}
	return ""
}

func isNotFoundError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "404") || strings.Contains(msg, "not found")
}
