package auth

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// KeyPrefix is the fixed prefix of provisioned API keys.
const KeyPrefix = "tgk_"

// lookupPrefixLen is the number of leading key characters stored in plaintext
// for indexed lookup ("tgk_abcd").
const lookupPrefixLen = 8

// ErrAuthUnavailable is returned when the key store cannot be reached. The
// gateway fails closed: the caller is rejected as unauthenticated.
var ErrAuthUnavailable = errors.New("auth store unavailable")

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	KeyID   string
	KeyHash string
}

type sqlKeyStore struct {
	db *sql.DB
}

// NewSQLKeyStore returns a KeyStore backed by the api_keys table.
func NewSQLKeyStore(db *sql.DB) KeyStore {
	return &sqlKeyStore{db: db}
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, key_hash
		FROM api_keys
		WHERE key_prefix = $1 AND revoked_at IS NULL
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.KeyID, &r.KeyHash); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresAuthenticator validates API keys against the api_keys table.
type PostgresAuthenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// PostgresAuthConfig configures the PostgresAuthenticator.
type PostgresAuthConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresAuthenticator creates a new PostgresAuthenticator.
func NewPostgresAuthenticator(cfg PostgresAuthConfig) *PostgresAuthenticator {
	return NewPostgresAuthenticatorWithStore(NewSQLKeyStore(cfg.DB), cfg.CacheTTL, cfg.Logger)
}

// NewPostgresAuthenticatorWithStore creates an authenticator with a custom store.
func NewPostgresAuthenticatorWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresAuthenticator {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresAuthenticator{
		store:  store,
		cache:  NewAuthCache(cacheTTL),
		logger: logger,
	}
}

func (a *PostgresAuthenticator) Authenticate(ctx context.Context, credential string) (*Principal, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return nil, ErrAuthMissing
	}

	cached := a.cache.Get(credential)
	if cached.Hit {
		if cached.NeedsRefresh {
			go a.backgroundRefresh(credential)
		}
		return cached.Principal, nil
	}

	principal, err := a.lookupAndVerify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrAuthInvalid) {
			return nil, ErrAuthInvalid
		}
		a.logger.Warn("auth store unreachable", zap.Error(err))
		return nil, fmt.Errorf("Authenticate: %w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(credential, principal)
	return principal, nil
}

func (a *PostgresAuthenticator) backgroundRefresh(credential string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	principal, err := a.lookupAndVerify(ctx, credential)
	if err != nil {
		if errors.Is(err, ErrAuthInvalid) {
			// Revoked since it was cached.
			a.cache.Delete(credential)
			return
		}
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		// Keep serving the stale entry; a later request retries.
		a.cache.ReleaseRefresh(credential)
		return
	}
	a.cache.Set(credential, principal)
}

func (a *PostgresAuthenticator) lookupAndVerify(ctx context.Context, credential string) (*Principal, error) {
	if len(credential) < lookupPrefixLen {
		return nil, ErrAuthInvalid
	}

	row, err := a.store.LookupByPrefix(ctx, credential[:lookupPrefixLen])
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAuthInvalid
	}
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(credential)); err != nil {
		return nil, ErrAuthInvalid
	}
	return &Principal{KeyID: row.KeyID}, nil
}

// GenerateAPIKey creates a new API key with its bcrypt hash and lookup prefix.
// Returns (fullKey, hash, prefix, error). The fullKey is shown to the operator once.
func GenerateAPIKey() (string, string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	fullKey := KeyPrefix + hex.EncodeToString(raw)

	hash, err := HashKey(fullKey)
	if err != nil {
		return "", "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	return fullKey, hash, fullKey[:lookupPrefixLen], nil
}

// HashKey returns the bcrypt hash stored for a key.
func HashKey(key string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("HashKey: %w", err)
	}
	return string(hash), nil
}
