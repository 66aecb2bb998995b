package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"slices"
	"strings"
	"time"
)

// DefaultKeyPrefix marks keys minted by GenerateAPIKey.
const DefaultKeyPrefix = "trk_"

// APIKey binds one API key to an identity. Key may be plaintext or
// "sha256:<hex digest>" so config files need not hold the secret.
type APIKey struct {
	Key         string    `yaml:"key"`
	Identity    string    `yaml:"identity"`
	Permissions []string  `yaml:"permissions"`
	ExpiresAt   time.Time `yaml:"expires_at"`
}

type apiKeyEntry struct {
	identity    string
	permissions []string
	expiresAt   time.Time
}

// APIKeyVerifier maps API keys to identities. Only digests are held in memory.
type APIKeyVerifier struct {
	keys map[string]apiKeyEntry
	now  func() time.Time
}

// NewAPIKeyVerifier builds the key map. Entries without an identity are rejected.
func NewAPIKeyVerifier(keys []APIKey) (*APIKeyVerifier, error) {
	v := &APIKeyVerifier{keys: make(map[string]apiKeyEntry, len(keys)), now: time.Now}
	for i, k := range keys {
		if k.Key == "" || k.Identity == "" {
			return nil, fmt.Errorf("NewAPIKeyVerifier: entry %d: key and identity are required", i)
		}
		var d string
		if hexDigest, ok := strings.CutPrefix(k.Key, "sha256:"); ok {
			d = strings.ToLower(hexDigest)
		} else {
			d = digest(k.Key)
		}
		v.keys[d] = apiKeyEntry{
			identity:    k.Identity,
			permissions: slices.Clone(k.Permissions),
			expiresAt:   k.ExpiresAt,
		}
	}
	return v, nil
}

func (v *APIKeyVerifier) Verify(_ context.Context, creds Credentials) (*Result, error) {
	key := creds.APIKey
	if key == "" {
		key = creds.Token
	}
	if key == "" {
		return Failed("missing api key"), nil
	}
	e, ok := v.keys[digest(key)]
	if !ok {
		return Failed("invalid api key"), nil
	}
	if !e.expiresAt.IsZero() && !v.now().Before(e.expiresAt) {
		return Failed("api key expired"), nil
	}
	return &Result{
		Authenticated: true,
		Identity:      e.identity,
		Permissions:   slices.Clone(e.permissions),
		ExpiresAt:     e.expiresAt,
	}, nil
}

// GenerateAPIKey mints a random key with the given prefix (DefaultKeyPrefix if empty).
// It returns the key and its "sha256:" form for storage.
func GenerateAPIKey(prefix string) (key, stored string, err error) {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("GenerateAPIKey: %w", err)
	}
	key = prefix + base64.RawURLEncoding.EncodeToString(buf)
	return key, "sha256:" + digest(key), nil
}
