package auth

import (
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Mode selects the verifier built by FromConfig.
const (
	ModeDisabled = ""
	ModeNone     = "none"
	ModeStatic   = "static"
	ModeAPIKey   = "api_key"
	ModeJWT      = "jwt"
	ModePostgres = "postgres"
	ModeChain    = "chain"
)

// Config is the auth section of the service configuration.
type Config struct {
	Mode         string        `yaml:"mode"`
	Chain        []string      `yaml:"chain"`
	StaticTokens []StaticToken `yaml:"static_tokens"`
	APIKeys      []APIKey      `yaml:"api_keys"`
	JWT          JWTConfig     `yaml:"jwt"`
	CacheTTL     time.Duration `yaml:"cache_ttl"`
}

// FromConfig builds the configured verifier. ModeDisabled returns nil, which
// makes every auth-protected tool fail with unauthenticated. db is required
// only for ModePostgres.
func FromConfig(cfg Config, db *sql.DB, logger *zap.Logger) (Verifier, error) {
	if cfg.Mode == ModeChain {
		if len(cfg.Chain) == 0 {
			return nil, fmt.Errorf("FromConfig: chain mode needs at least one member")
		}
		var members []Verifier
		for _, mode := range cfg.Chain {
			if mode == ModeChain || mode == ModeDisabled {
				return nil, fmt.Errorf("FromConfig: invalid chain member %q", mode)
			}
			v, err := build(mode, cfg, db, logger)
			if err != nil {
				return nil, err
			}
			members = append(members, v)
		}
		return NewChainVerifier(members...), nil
	}
	if cfg.Mode == ModeDisabled {
		return nil, nil
	}
	return build(cfg.Mode, cfg, db, logger)
}

func build(mode string, cfg Config, db *sql.DB, logger *zap.Logger) (Verifier, error) {
	switch mode {
	case ModeNone:
		logger.Warn("auth mode none: every caller is granted every permission")
		return NewAllowAllVerifier(), nil
	case ModeStatic:
		if len(cfg.StaticTokens) == 0 {
			return nil, fmt.Errorf("FromConfig: static mode needs static_tokens")
		}
		return NewStaticTokenVerifier(cfg.StaticTokens), nil
	case ModeAPIKey:
		v, err := NewAPIKeyVerifier(cfg.APIKeys)
		if err != nil {
			return nil, err
		}
		return v, nil
	case ModeJWT:
		v, err := NewJWTVerifier(cfg.JWT)
		if err != nil {
			return nil, err
		}
		return v, nil
	case ModePostgres:
		if db == nil {
			return nil, fmt.Errorf("FromConfig: postgres mode needs a database")
		}
		return NewPostgresVerifier(PostgresConfig{DB: db, CacheTTL: cfg.CacheTTL, Logger: logger}), nil
	}
	return nil, fmt.Errorf("FromConfig: unknown auth mode %q", mode)
}

// NeedsDatabase reports whether cfg references the postgres verifier.
func (cfg Config) NeedsDatabase() bool {
	if cfg.Mode == ModePostgres {
		return true
	}
	if cfg.Mode == ModeChain {
		for _, m := range cfg.Chain {
			if m == ModePostgres {
				return true
			}
		}
	}
	return false
}
