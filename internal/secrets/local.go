package secrets

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// LocalStore keeps secrets as files on the local filesystem. Intended for
// development and testing only.
//
// Each secret is one file: <base_dir>/<name> with mode 0600.
type LocalStore struct {
	baseDir string
	logger  *slog.Logger

	mu    sync.RWMutex
	cache map[string]string
}

// NewLocalStore creates a filesystem-backed secret store. If baseDir is
// empty, it defaults to ~/.ingestd/secrets.
func NewLocalStore(baseDir string, logger *slog.Logger) (*LocalStore, error) {
	if baseDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("getting home directory: %w", err)
		}
		baseDir = filepath.Join(home, ".ingestd", "secrets")
	}

	if err := os.MkdirAll(baseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating secrets directory: %w", err)
	}

	logger.Info("using local secret store", "path", baseDir)

	return &LocalStore{
		baseDir: baseDir,
		logger:  logger,
		cache:   make(map[string]string),
	}, nil
}

// Get retrieves a secret. Returns empty string when the secret does not
// exist.
func (s *LocalStore) Get(ctx context.Context, name string) (string, error) {
	s.mu.RLock()
	if v, ok := s.cache[name]; ok {
		s.mu.RUnlock()
		return v, nil
	}
	s.mu.RUnlock()

	data, err := os.ReadFile(s.path(name))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("reading secret %s: %w", name, err)
	}

	value := strings.TrimSpace(string(data))
	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return value, nil
}

// Set creates or replaces a secret.
func (s *LocalStore) Set(ctx context.Context, name, value string) error {
	if err := os.WriteFile(s.path(name), []byte(value), 0600); err != nil {
		return fmt.Errorf("writing secret %s: %w", name, err)
	}
	s.mu.Lock()
	s.cache[name] = value
	s.mu.Unlock()
	return nil
}

// Close releases any resources.
func (s *LocalStore) Close() error {
	s.mu.Lock()
	s.cache = make(map[string]string)
	s.mu.Unlock()
	return nil
}

func (s *LocalStore) path(name string) string {
	// Secrets are flat; a name with separators would escape the directory.
	return filepath.Join(s.baseDir, filepath.Base(name))
}
