// Package config loads server configuration from an optional yaml file and
// the environment.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultPath is the config file read when no path is given.
const DefaultPath = "config.yaml"

// EnvPrefix prefixes structured environment overrides, e.g.
// PIPELEX_STORAGE__TYPE=sqlite.
const EnvPrefix = "PIPELEX_"

type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Auth      AuthConfig      `koanf:"auth"`
	Storage   StorageConfig   `koanf:"storage"`
	Registry  RegistryConfig  `koanf:"registry"`
	Engine    EngineConfig    `koanf:"engine"`
	Builder   BuilderConfig   `koanf:"builder"`
	Runner    RunnerConfig    `koanf:"runner"`
	Library   LibraryConfig   `koanf:"library"`
	Telemetry TelemetryConfig `koanf:"telemetry"`
}

type ServerConfig struct {
	Host            string        `koanf:"host"` // empty listens on all interfaces
	Port            int           `koanf:"port"`
	RequestTimeout  time.Duration `koanf:"request_timeout"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// AuthConfig selects and configures the bearer token strategy. UseJWT is
// read once at startup; the secrets may be reloaded.
type AuthConfig struct {
	UseJWT       bool   `koanf:"use_jwt"`
	JWTSecretKey string `koanf:"jwt_secret_key"`
	APIKey       string `koanf:"api_key"`
}

type StorageConfig struct {
	Type   string        `koanf:"type"` // memory, sqlite, redis
	SQLite SQLiteConfig  `koanf:"sqlite"`
	Redis  RedisConfig   `koanf:"redis"`
	RunTTL time.Duration `koanf:"run_ttl"`
}

type SQLiteConfig struct {
	Path string `koanf:"path"`
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type RegistryConfig struct {
	MaxSessions     int           `koanf:"max_sessions"`      // 0 means unlimited
	ClosedRetention time.Duration `koanf:"closed_retention"` // how long closed sessions are remembered
}

type EngineConfig struct {
	RunTimeout            time.Duration `koanf:"run_timeout"`
	MaxOutputMultiplicity int           `koanf:"max_output_multiplicity"`
}

// BuilderConfig points the pipe builder at an OpenAI-compatible endpoint.
// The builder is disabled when neither APIKey nor BaseURL is set.
type BuilderConfig struct {
	BaseURL              string `koanf:"base_url"`
	APIKey               string `koanf:"api_key"`
	Model                string `koanf:"model"`
	MaxAttempts          int    `koanf:"max_attempts"`
	MaxBriefTokens       int    `koanf:"max_brief_tokens"`
	BlockPrivateNetworks bool   `koanf:"block_private_networks"`
}

// Enabled reports whether a builder endpoint is configured.
func (b BuilderConfig) Enabled() bool {
	return b.APIKey != "" || b.BaseURL != ""
}

// LibraryConfig lists PLX files or directories loaded at startup. Their
// pipes stay registered for the life of the process.
type LibraryConfig struct {
	Paths []string `koanf:"paths"`
}

type RunnerConfig struct {
	BaseURL  string `koanf:"base_url"`
	TokenEnv string `koanf:"token_env"`
}

type TelemetryConfig struct {
	ServiceName string `koanf:"service_name"`
	Tracing     bool   `koanf:"tracing"`
}

// legacyEnv maps the flat environment names used by existing deployments to
// config keys.
var legacyEnv = map[string]string{
	"USE_JWT":        "auth.use_jwt",
	"JWT_SECRET_KEY": "auth.jwt_secret_key",
	"API_KEY":        "auth.api_key",
	"PORT":           "server.port",
	"REDIS_URL":      "storage.redis.url",
	"OPENAI_API_KEY": "builder.api_key",
}

var defaults = map[string]any{
	"server.port":                    8080,
	"server.request_timeout":         "5m",
	"server.shutdown_timeout":        "30s",
	"storage.type":                   "memory",
	"storage.sqlite.path":            "./data/pipelex.db",
	"storage.run_ttl":                "24h",
	"registry.closed_retention":      "10m",
	"engine.run_timeout":             "10m",
	"engine.max_output_multiplicity": 100,
	"builder.model":                  "gpt-4o-mini",
	"builder.max_attempts":           3,
	"builder.max_brief_tokens":       2000,
	"runner.base_url":                "http://localhost:8080",
	"runner.token_env":               "PIPELEX_API_TOKEN",
	"telemetry.service_name":         "pipelex-api",
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads path (DefaultPath when empty), then the legacy environment
// names, then PIPELEX_ overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	if path == "" {
		path = DefaultPath
	}
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		// File not found is OK, we'll use env vars
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", func(s string) string {
		return legacyEnv[s]
	}), nil); err != nil {
		return nil, err
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.Replace(strings.ToLower(strings.TrimPrefix(s, EnvPrefix)), "__", ".", -1)
	}), nil); err != nil {
		return nil, err
	}

	for key, value := range defaults {
		if !k.Exists(key) {
			k.Set(key, value)
		}
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, err
	}

	cfg.Auth.JWTSecretKey = substituteEnvVars(cfg.Auth.JWTSecretKey)
	cfg.Auth.APIKey = substituteEnvVars(cfg.Auth.APIKey)
	cfg.Builder.APIKey = substituteEnvVars(cfg.Builder.APIKey)
	cfg.Storage.Redis.URL = substituteEnvVars(cfg.Storage.Redis.URL)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks values that would otherwise fail late.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port %d out of range", c.Server.Port)
	}
	switch c.Storage.Type {
	case "memory", "sqlite":
	case "redis":
		if c.Storage.Redis.URL == "" {
			return fmt.Errorf("storage.redis.url is required for redis storage")
		}
	default:
		return fmt.Errorf("unknown storage.type %q (want memory, sqlite or redis)", c.Storage.Type)
	}
	if c.Registry.MaxSessions < 0 {
		return fmt.Errorf("registry.max_sessions must not be negative")
	}
	if c.Engine.MaxOutputMultiplicity < 0 {
		return fmt.Errorf("engine.max_output_multiplicity must not be negative")
	}
	return nil
}

func substituteEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}
