// Package secrets provides secure storage for sensitive configuration:
// database passwords, broker credentials, and producer API keys.
//
// The primary implementation uses 1Password Connect for production
// environments, with a local file-based fallback for development.
package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
)

// Store provides retrieval and storage of named secrets.
type Store interface {
	// Get retrieves a secret by name. Returns empty string when the secret
	// does not exist.
	Get(ctx context.Context, name string) (string, error)

	// Set creates or replaces a secret.
	Set(ctx context.Context, name, value string) error

	// Close releases any resources held by the store.
	Close() error
}

// Well-known secret names.
const (
	SecretLegacyDBPassword  = "ingestd-legacy-db-password"
	SecretGenericDBPassword = "ingestd-generic-db-password"
	SecretMQTTPassword      = "ingestd-mqtt-password"
	SecretAPIKeyPepper      = "ingestd-api-key-pepper"
)

// Config holds configuration for the secrets backend.
type Config struct {
	// Backend specifies which backend to use: "1password", "local", or
	// "auto". "auto" (default) uses 1Password if configured, otherwise
	// local.
	Backend string

	// 1Password Connect configuration.
	ConnectHost  string // OP_CONNECT_HOST
	ConnectToken string // OP_CONNECT_TOKEN
	VaultID      string // OP_VAULT_ID

	// Local storage directory (default: ~/.ingestd/secrets).
	LocalDir string
}

// ConfigFromEnv creates a Config from environment variables.
func ConfigFromEnv() Config {
	backend := os.Getenv("INGEST_SECRETS_BACKEND")
	if backend == "" {
		backend = "auto"
	}
	return Config{
		Backend:      backend,
		ConnectHost:  os.Getenv("OP_CONNECT_HOST"),
		ConnectToken: os.Getenv("OP_CONNECT_TOKEN"),
		VaultID:      os.Getenv("OP_VAULT_ID"),
		LocalDir:     os.Getenv("INGEST_SECRETS_DIR"),
	}
}

// NewStore creates a Store based on configuration.
func NewStore(cfg Config, logger *slog.Logger) (Store, error) {
	backend := cfg.Backend
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "1password":
		return NewOnePasswordStore(cfg, logger)

	case "local":
		return NewLocalStore(cfg.LocalDir, logger)

	case "auto":
		if cfg.ConnectToken != "" {
			st, err := NewOnePasswordStore(cfg, logger)
			if err != nil {
				logger.Warn("failed to initialize 1Password, falling back to local storage",
					"error", err)
				return NewLocalStore(cfg.LocalDir, logger)
			}
			return st, nil
		}
		logger.Info("OP_CONNECT_TOKEN not set, using local secret storage")
		return NewLocalStore(cfg.LocalDir, logger)

	default:
		return nil, fmt.Errorf("unknown secrets backend: %s", backend)
	}
}
