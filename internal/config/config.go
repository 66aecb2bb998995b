// Package config loads the server configuration: built-in defaults, then an
// optional YAML file named by TOOL_RPC_CONFIG, then environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/triage-ai/palisade/services/tool_rpc/internal/auth"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/sanitize"
	"github.com/triage-ai/palisade/services/tool_rpc/internal/session"
)

// ErrInvalid wraps every Validate failure.
var ErrInvalid = errors.New("invalid config")

type Config struct {
	Port        string `yaml:"port"`
	MetricsPort string `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
	Debug       bool   `yaml:"debug"`

	DefaultTimeout       time.Duration `yaml:"default_timeout"`
	MaxBlocking          int64         `yaml:"max_blocking"`
	StreamQueueSize      int           `yaml:"stream_queue_size"`
	LimiterSweepInterval time.Duration `yaml:"limiter_sweep_interval"`
	ShutdownTimeout      time.Duration `yaml:"shutdown_timeout"`

	ClickHouseDSN string `yaml:"clickhouse_dsn"`
	PostgresDSN   string `yaml:"postgres_dsn"`

	Auth      auth.Config     `yaml:"auth"`
	Sanitizer sanitize.Config `yaml:"sanitizer"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:                 "50061",
		MetricsPort:          "9464",
		LogLevel:             "info",
		DefaultTimeout:       30 * time.Second,
		MaxBlocking:          64,
		StreamQueueSize:      session.DefaultQueueSize,
		LimiterSweepInterval: 30 * time.Second,
		ShutdownTimeout:      10 * time.Second,
		Auth:                 auth.Config{CacheTTL: 30 * time.Second},
		Sanitizer:            sanitize.DefaultConfig(),
	}
}

// Load builds the configuration and validates it.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("TOOL_RPC_CONFIG"); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, fmt.Errorf("Load: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("Load: %w", err)
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config %q: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parsing config %q: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = envOrDefault("TOOL_RPC_PORT", c.Port)
	c.MetricsPort = envOrDefault("TOOL_RPC_METRICS_PORT", c.MetricsPort)
	c.LogLevel = envOrDefault("TOOL_RPC_LOG_LEVEL", c.LogLevel)
	c.Debug = envOrDefaultBool("TOOL_RPC_DEBUG", c.Debug)

	c.DefaultTimeout = envOrDefaultDuration("TOOL_RPC_DEFAULT_TIMEOUT_MS", time.Millisecond, c.DefaultTimeout)
	c.MaxBlocking = int64(envOrDefaultInt("TOOL_RPC_MAX_BLOCKING", int(c.MaxBlocking)))
	c.StreamQueueSize = envOrDefaultInt("TOOL_RPC_STREAM_QUEUE_SIZE", c.StreamQueueSize)
	c.LimiterSweepInterval = envOrDefaultDuration("TOOL_RPC_LIMITER_SWEEP_S", time.Second, c.LimiterSweepInterval)

	c.ClickHouseDSN = envOrDefault("CLICKHOUSE_DSN", c.ClickHouseDSN)
	c.PostgresDSN = envOrDefault("POSTGRES_DSN", c.PostgresDSN)

	c.Auth.Mode = envOrDefault("TOOL_RPC_AUTH_MODE", c.Auth.Mode)
	if chain := os.Getenv("TOOL_RPC_AUTH_CHAIN"); chain != "" {
		c.Auth.Chain = splitList(chain)
	}
	c.Auth.CacheTTL = envOrDefaultDuration("TOOL_RPC_AUTH_CACHE_TTL_S", time.Second, c.Auth.CacheTTL)
	c.Auth.JWT.Secret = envOrDefault("TOOL_RPC_JWT_SECRET", c.Auth.JWT.Secret)
	c.Auth.JWT.Issuer = envOrDefault("TOOL_RPC_JWT_ISSUER", c.Auth.JWT.Issuer)
	c.Auth.JWT.Audience = envOrDefault("TOOL_RPC_JWT_AUDIENCE", c.Auth.JWT.Audience)
	if token := os.Getenv("TOOL_RPC_STATIC_TOKEN"); token != "" {
		c.Auth.StaticTokens = append(c.Auth.StaticTokens, auth.StaticToken{
			Token:       token,
			Identity:    os.Getenv("TOOL_RPC_STATIC_TOKEN_IDENTITY"),
			Permissions: splitList(os.Getenv("TOOL_RPC_STATIC_TOKEN_PERMISSIONS")),
		})
	}

	c.Sanitizer.MaxStringLength = envOrDefaultInt("TOOL_RPC_MAX_STRING_LENGTH", c.Sanitizer.MaxStringLength)
}

var logLevels = []string{"debug", "info", "warn", "error"}

var authModes = []string{
	auth.ModeDisabled, auth.ModeNone, auth.ModeStatic, auth.ModeAPIKey,
	auth.ModeJWT, auth.ModePostgres, auth.ModeChain,
}

// Validate rejects configurations the server cannot start with.
func (c Config) Validate() error {
	if err := validPort("port", c.Port); err != nil {
		return err
	}
	if err := validPort("metrics_port", c.MetricsPort); err != nil {
		return err
	}
	if c.Port == c.MetricsPort {
		return fmt.Errorf("%w: port and metrics_port are both %s", ErrInvalid, c.Port)
	}
	if !slices.Contains(logLevels, c.LogLevel) {
		return fmt.Errorf("%w: log_level %q is not one of %s", ErrInvalid, c.LogLevel, strings.Join(logLevels, ", "))
	}
	if c.DefaultTimeout < 0 {
		return fmt.Errorf("%w: default_timeout must not be negative", ErrInvalid)
	}
	if c.MaxBlocking < 1 {
		return fmt.Errorf("%w: max_blocking must be >= 1, got %d", ErrInvalid, c.MaxBlocking)
	}
	if c.StreamQueueSize < 1 {
		return fmt.Errorf("%w: stream_queue_size must be >= 1, got %d", ErrInvalid, c.StreamQueueSize)
	}
	if c.LimiterSweepInterval <= 0 {
		return fmt.Errorf("%w: limiter_sweep_interval must be > 0", ErrInvalid)
	}
	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: shutdown_timeout must be > 0", ErrInvalid)
	}

	if !slices.Contains(authModes, c.Auth.Mode) {
		return fmt.Errorf("%w: unknown auth mode %q", ErrInvalid, c.Auth.Mode)
	}
	modes := []string{c.Auth.Mode}
	if c.Auth.Mode == auth.ModeChain {
		if len(c.Auth.Chain) == 0 {
			return fmt.Errorf("%w: auth chain mode needs at least one member", ErrInvalid)
		}
		modes = c.Auth.Chain
	}
	for _, mode := range modes {
		switch mode {
		case auth.ModeStatic:
			if len(c.Auth.StaticTokens) == 0 {
				return fmt.Errorf("%w: auth mode static needs static_tokens", ErrInvalid)
			}
		case auth.ModeAPIKey:
			if len(c.Auth.APIKeys) == 0 {
				return fmt.Errorf("%w: auth mode api_key needs api_keys", ErrInvalid)
			}
		case auth.ModeJWT:
			if c.Auth.JWT.Secret == "" {
				return fmt.Errorf("%w: auth mode jwt needs a secret", ErrInvalid)
			}
		}
	}
	if c.Auth.NeedsDatabase() && c.PostgresDSN == "" {
		return fmt.Errorf("%w: auth mode postgres needs postgres_dsn", ErrInvalid)
	}
	return nil
}

func validPort(name, port string) error {
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return fmt.Errorf("%w: %s %q is not a valid port", ErrInvalid, name, port)
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envOrDefaultInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultVal
}

func envOrDefaultBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

// envOrDefaultDuration reads an integer count of unit.
func envOrDefaultDuration(key string, unit, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return time.Duration(i) * unit
		}
	}
	return defaultVal
}
