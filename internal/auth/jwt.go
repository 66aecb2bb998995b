package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// JWTConfig configures HS256 token verification.
type JWTConfig struct {
	Secret   string        `yaml:"secret"`
	Issuer   string        `yaml:"issuer"`
	Audience string        `yaml:"audience"`
	Leeway   time.Duration `yaml:"leeway"`
}

// Claims is the token payload: registered claims plus granted permissions.
type Claims struct {
	Permissions []string `json:"permissions,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates signature, expiry, issuer and audience, then maps
// sub to the identity and the permissions claim to permissions.
type JWTVerifier struct {
	secret []byte
	cfg    JWTConfig
	parser *jwt.Parser
	now    func() time.Time
}

func NewJWTVerifier(cfg JWTConfig) (*JWTVerifier, error) {
	return newJWTVerifierWithClock(cfg, time.Now)
}

func newJWTVerifierWithClock(cfg JWTConfig, now func() time.Time) (*JWTVerifier, error) {
	if cfg.Secret == "" {
		return nil, errors.New("NewJWTVerifier: secret is required")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithLeeway(cfg.Leeway),
		jwt.WithTimeFunc(now),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &JWTVerifier{
		secret: []byte(cfg.Secret),
		cfg:    cfg,
		parser: jwt.NewParser(opts...),
		now:    now,
	}, nil
}

func (v *JWTVerifier) Verify(_ context.Context, creds Credentials) (*Result, error) {
	if creds.Token == "" {
		return Failed("missing bearer token"), nil
	}

	claims := &Claims{}
	_, err := v.parser.ParseWithClaims(creds.Token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	})
	switch {
	case err == nil:
	case errors.Is(err, jwt.ErrTokenExpired):
		return Failed("token expired"), nil
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return Failed("invalid token signature"), nil
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return Failed("token not issued for this service"), nil
	default:
		return Failed("invalid token"), nil
	}

	if claims.Subject == "" {
		return Failed("token missing subject"), nil
	}

	res := &Result{
		Authenticated: true,
		Identity:      claims.Subject,
		Permissions:   slices.Clone(claims.Permissions),
		Claims: map[string]any{
			"sub": claims.Subject,
		},
	}
	if claims.ExpiresAt != nil {
		res.ExpiresAt = claims.ExpiresAt.Time
		res.Claims["exp"] = claims.ExpiresAt.Unix()
	}
	if claims.Issuer != "" {
		res.Claims["iss"] = claims.Issuer
	}
	if claims.ID != "" {
		res.Claims["jti"] = claims.ID
	}
	return res, nil
}

// Issue signs a token for subject valid for ttl.
func (v *JWTVerifier) Issue(subject string, permissions []string, ttl time.Duration) (string, error) {
	now := v.now()
	claims := Claims{
		Permissions: permissions,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
	}
	if v.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("Issue: %w", err)
	}
	return signed, nil
}
