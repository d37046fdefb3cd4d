// Package auth verifies producer credentials: device API keys for legacy
// IoT producers and gateway API keys for generic producers.
//
// Keys are stored as bcrypt hashes. Because bcrypt is deliberately slow and
// sensors publish continuously, successful verifications are cached by a
// SHA-256 digest of the presented key for a short TTL.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"
)

// KeyHashStore looks up the stored bcrypt hash for a device. Empty string
// means no key is configured.
type KeyHashStore interface {
	GetDeviceKeyHash(ctx context.Context, deviceUUID string) (string, error)
}

// Config controls authentication behavior.
type Config struct {
	// Enforce controls whether verification failures reject the message.
	// When false, failures are logged but allowed (grace period mode for
	// fleets still rolling out keys).
	Enforce bool

	// CacheTTL bounds how long a successful verification is remembered.
	CacheTTL time.Duration
}

// Verifier checks device API keys against stored hashes.
type Verifier struct {
	store  KeyHashStore
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedAuth
}

type cachedAuth struct {
	keyDigest [32]byte
	expires   time.Time
}

// NewVerifier creates a key verifier.
func NewVerifier(store KeyHashStore, cfg Config, logger *slog.Logger) *Verifier {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	return &Verifier{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "auth"),
		cache:  make(map[string]cachedAuth),
	}
}

// Verify checks a device's presented key. Returns nil when the message may
// proceed; in grace period mode that includes failed verifications, which
// are logged instead.
func (v *Verifier) Verify(ctx context.Context, deviceUUID, key string) error {
	ok, err := v.check(ctx, deviceUUID, key)
	if err != nil {
		// Store outage: fail open, same posture as dedup. Rejecting valid
		// producers during a lookup outage loses data for no security win.
		v.logger.Error("key lookup failed, allowing", "device_uuid", deviceUUID, "error", err)
		return nil
	}
	if ok {
		return nil
	}
	if !v.cfg.Enforce {
		v.logger.Debug("key verification failed (grace period)", "device_uuid", deviceUUID)
		return nil
	}
	v.logger.Warn("key verification failed", "device_uuid", deviceUUID)
	return fmt.Errorf("invalid key for device %s", deviceUUID)
}

func (v *Verifier) check(ctx context.Context, deviceUUID, key string) (bool, error) {
	digest := sha256.Sum256([]byte(key))

	v.mu.Lock()
	if c, hit := v.cache[deviceUUID]; hit && time.Now().Before(c.expires) && c.keyDigest == digest {
		v.mu.Unlock()
		return true, nil
	}
	v.mu.Unlock()

	hash, err := v.store.GetDeviceKeyHash(ctx, deviceUUID)
	if err != nil {
		return false, err
	}
	if hash == "" {
		// No key provisioned. Enforcement decides whether that passes.
		return !v.cfg.Enforce, nil
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte(key)) != nil {
		return false, nil
	}

	v.mu.Lock()
	v.cache[deviceUUID] = cachedAuth{keyDigest: digest, expires: time.Now().Add(v.cfg.CacheTTL)}
	v.mu.Unlock()
	return true, nil
}

// Invalidate drops a device's cached verification, used after key rotation.
func (v *Verifier) Invalidate(deviceUUID string) {
	v.mu.Lock()
	delete(v.cache, deviceUUID)
	v.mu.Unlock()
}

// GenerateDeviceKey generates a new API key for a device. Returns the
// plaintext key and its bcrypt hash; only the hash is stored.
func GenerateDeviceKey(deviceUUID string) (plaintext string, hash string, err error) {
	randomBytes := make([]byte, 32)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	prefix := deviceUUID
	if len(prefix) > 6 {
		prefix = prefix[:6]
	}
	plaintext = fmt.Sprintf("ingest_%s_%s", prefix, base64.URLEncoding.EncodeToString(randomBytes))

	hashBytes, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("hashing device key: %w", err)
	}
	return plaintext, string(hashBytes), nil
}

// VerifyKey compares a plaintext key against a bcrypt hash.
func VerifyKey(plaintext, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}
