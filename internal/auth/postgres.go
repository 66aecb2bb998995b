package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/singleflight"
)

const (
	keyPrefixLength = 8
	lookupTimeout   = 5 * time.Second
)

// KeyStore abstracts DB queries for testability.
type KeyStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error)
}

type keyRow struct {
	KeyID       string
	Identity    string
	KeyHash     string // bcrypt
	Permissions string // JSONB array
	Revoked     bool
	ExpiresAt   sql.NullTime
}

// sqlKeyStore is the real implementation using *sql.DB.
type sqlKeyStore struct {
	db *sql.DB
}

func (s *sqlKeyStore) LookupByPrefix(ctx context.Context, prefix string) (*keyRow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, identity, key_hash, permissions, revoked, expires_at
		FROM api_keys
		WHERE key_prefix = $1
	`, prefix)

	var r keyRow
	if err := row.Scan(&r.KeyID, &r.Identity, &r.KeyHash, &r.Permissions, &r.Revoked, &r.ExpiresAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// PostgresVerifier validates API keys against the api_keys table.
// Successful verifications are cached; concurrent misses for the same key
// share a single DB lookup. Database failures are returned as errors so the
// dispatcher fails closed.
type PostgresVerifier struct {
	store  KeyStore
	cache  *Cache
	group  singleflight.Group
	logger *zap.Logger
}

// PostgresConfig configures the PostgresVerifier.
type PostgresConfig struct {
	DB       *sql.DB
	CacheTTL time.Duration
	Logger   *zap.Logger
}

// NewPostgresVerifier creates a new PostgresVerifier.
func NewPostgresVerifier(cfg PostgresConfig) *PostgresVerifier {
	return NewPostgresVerifierWithStore(&sqlKeyStore{db: cfg.DB}, cfg.CacheTTL, cfg.Logger)
}

// NewPostgresVerifierWithStore creates a verifier with a custom store (for testing).
func NewPostgresVerifierWithStore(store KeyStore, cacheTTL time.Duration, logger *zap.Logger) *PostgresVerifier {
	if cacheTTL == 0 {
		cacheTTL = 30 * time.Second
	}
	return &PostgresVerifier{
		store:  store,
		cache:  NewCache(cacheTTL),
		logger: logger,
	}
}

func (v *PostgresVerifier) Verify(ctx context.Context, creds Credentials) (*Result, error) {
	key := creds.APIKey
	if key == "" {
		key = creds.Token
	}
	if key == "" {
		return Failed("missing api key"), nil
	}
	cacheKey := digest(key)

	// Check cache
	cached := v.cache.Get(cacheKey)
	if cached.Hit {
		if cached.NeedsRefresh {
			go v.refreshInBackground(cacheKey, key)
		}
		return cloneResult(cached.Result), nil
	}

	// Cache miss, one DB lookup per key at a time. The shared lookup
	// outlives any single caller's cancellation.
	ch := v.group.DoChan(cacheKey, func() (any, error) {
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()
		return v.verifyFromDB(lookupCtx, key)
	})
	var r singleflight.Result
	select {
	case r = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("Verify: %w", ctx.Err())
	}
	if r.Err != nil {
		return nil, fmt.Errorf("Verify: %w", r.Err)
	}
	res := r.Val.(*Result)
	if res.Authenticated {
		v.cache.Set(cacheKey, res)
	}
	return cloneResult(res), nil
}

func (v *PostgresVerifier) verifyFromDB(ctx context.Context, key string) (*Result, error) {
	if len(key) < keyPrefixLength {
		return Failed("invalid api key"), nil
	}

	row, err := v.store.LookupByPrefix(ctx, key[:keyPrefixLength])
	if errors.Is(err, sql.ErrNoRows) {
		return Failed("invalid api key"), nil
	}
	if err != nil {
		return nil, fmt.Errorf("verifyFromDB: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(row.KeyHash), []byte(key)); err != nil {
		return Failed("invalid api key"), nil
	}
	if row.Revoked {
		return Failed("api key revoked"), nil
	}
	res := &Result{
		Authenticated: true,
		Identity:      row.Identity,
		Claims:        map[string]any{"key_id": row.KeyID},
	}
	if row.ExpiresAt.Valid {
		if !time.Now().Before(row.ExpiresAt.Time) {
			return Failed("api key expired"), nil
		}
		res.ExpiresAt = row.ExpiresAt.Time
	}
	if row.Permissions != "" && row.Permissions != "[]" {
		if err := json.Unmarshal([]byte(row.Permissions), &res.Permissions); err != nil {
			return nil, fmt.Errorf("verifyFromDB: permissions: %w", err)
		}
	}
	return res, nil
}

func (v *PostgresVerifier) refreshInBackground(cacheKey, key string) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupTimeout)
	defer cancel()

	res, err := v.verifyFromDB(ctx, key)
	if err != nil {
		v.logger.Warn("background auth refresh failed", zap.Error(err))
		return
	}
	if !res.Authenticated {
		// Revoked or rotated since it was cached.
		v.cache.Delete(cacheKey)
		return
	}
	v.cache.Set(cacheKey, res)
}

func cloneResult(r *Result) *Result {
	out := *r
	out.Permissions = slices.Clone(r.Permissions)
	return &out
}
