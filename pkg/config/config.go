package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/assetdesk/authgate/pkg/observability"
	"github.com/assetdesk/authgate/pkg/sso"
)

// Config holds all gateway configuration. Loaded once at startup; not
// hot-reloaded mid-request.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Monitor   MonitorConfig
	LogLevel  observability.LogLevel
	Providers []*sso.ProviderConfig
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host            string
	Port            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	// Health/metrics server (separate port for k8s probes)
	HealthPort string
}

// DatabaseConfig holds the account/session store configuration.
type DatabaseConfig struct {
	URL      string
	MaxConns int
}

// RedisConfig holds the optional shared replay-cache backend.
type RedisConfig struct {
	URL      string // empty disables the Redis replay cache
	Password string
	DB       int
}

// AuthConfig holds session and fallback settings.
type AuthConfig struct {
	StateSecret      string
	DefaultRole      string
	LocalAuthEnabled bool
}

// MonitorConfig holds availability monitor tuning.
type MonitorConfig struct {
	ProbeInterval         time.Duration
	RecoveryInterval      time.Duration
	ProbeTimeout          time.Duration
	FallbackAfterFailures int
}

// Load reads configuration from environment variables and the providers
// file, then validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:            getEnv("AUTHGATE_HOST", "0.0.0.0"),
			Port:            getEnv("AUTHGATE_PORT", "8080"),
			ReadTimeout:     getEnvDuration("AUTHGATE_READ_TIMEOUT", 15*time.Second),
			WriteTimeout:    getEnvDuration("AUTHGATE_WRITE_TIMEOUT", 15*time.Second),
			IdleTimeout:     getEnvDuration("AUTHGATE_IDLE_TIMEOUT", 60*time.Second),
			ShutdownTimeout: getEnvDuration("AUTHGATE_SHUTDOWN_TIMEOUT", 30*time.Second),
			HealthPort:      getEnv("AUTHGATE_HEALTH_PORT", "9090"),
		},
		Database: DatabaseConfig{
			URL:      getEnv("AUTHGATE_POSTGRES_URL", ""),
			MaxConns: getEnvInt("AUTHGATE_POSTGRES_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			URL:      getEnv("AUTHGATE_REDIS_URL", ""),
			Password: getEnv("AUTHGATE_REDIS_PASSWORD", ""),
			DB:       getEnvInt("AUTHGATE_REDIS_DB", 0),
		},
		Auth: AuthConfig{
			StateSecret:      getEnv("AUTHGATE_STATE_SECRET", ""),
			DefaultRole:      getEnv("AUTHGATE_DEFAULT_ROLE", "requester"),
			LocalAuthEnabled: getEnvBool("AUTHGATE_LOCAL_AUTH_ENABLED", false),
		},
		Monitor: MonitorConfig{
			ProbeInterval:         getEnvDuration("AUTHGATE_PROBE_INTERVAL", 30*time.Second),
			RecoveryInterval:      getEnvDuration("AUTHGATE_RECOVERY_INTERVAL", 0),
			ProbeTimeout:          getEnvDuration("AUTHGATE_PROBE_TIMEOUT", 5*time.Second),
			FallbackAfterFailures: getEnvInt("AUTHGATE_FALLBACK_AFTER_FAILURES", 3),
		},
		LogLevel: parseLogLevel(getEnv("AUTHGATE_LOG_LEVEL", "info")),
	}

	providersFile := getEnv("AUTHGATE_PROVIDERS_FILE", "providers.yaml")
	providers, err := LoadProviders(providersFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load providers: %w", err)
	}
	cfg.Providers = providers

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// providerYAML mirrors sso.ProviderConfig with human-readable durations.
type providerYAML struct {
	ID           string           `yaml:"id"`
	Kind         string           `yaml:"kind"`
	Enabled      bool             `yaml:"enabled"`
	DefaultRole  string           `yaml:"default_role"`
	ClockSkew    string           `yaml:"clock_skew"`
	SAML         *sso.SAMLConfig  `yaml:"saml"`
	OAuth        *sso.OAuthConfig `yaml:"oauth"`
	AttributeMap sso.AttributeMap `yaml:"attribute_map"`
}

// LoadProviders reads the per-provider configuration file.
func LoadProviders(path string) ([]*sso.ProviderConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	var doc struct {
		Providers []providerYAML `yaml:"providers"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", path, err)
	}

	providers := make([]*sso.ProviderConfig, 0, len(doc.Providers))
	for _, p := range doc.Providers {
		cfg := &sso.ProviderConfig{
			ID:           p.ID,
			Kind:         sso.ProviderKind(p.Kind),
			Enabled:      p.Enabled,
			DefaultRole:  p.DefaultRole,
			SAML:         p.SAML,
			OAuth:        p.OAuth,
			AttributeMap: p.AttributeMap,
		}
		if p.ClockSkew != "" {
			skew, err := time.ParseDuration(p.ClockSkew)
			if err != nil {
				return nil, fmt.Errorf("provider %s: invalid clock_skew: %w", p.ID, err)
			}
			cfg.ClockSkew = skew
		}
		providers = append(providers, cfg)
	}
	return providers, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port is required")
	}
	if c.Server.HealthPort == "" {
		return fmt.Errorf("health port is required")
	}
	if c.Server.Port == c.Server.HealthPort {
		return fmt.Errorf("server port and health port must be different")
	}
	if c.Database.URL == "" {
		return fmt.Errorf("AUTHGATE_POSTGRES_URL is required")
	}
	if c.Auth.StateSecret == "" {
		return fmt.Errorf("AUTHGATE_STATE_SECRET is required")
	}
	if c.Monitor.FallbackAfterFailures <= 0 {
		return fmt.Errorf("fallback failure threshold must be positive")
	}

	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if err := ValidateProvider(p); err != nil {
			return err
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
	}
	return nil
}

// ValidateProvider fails fast on incomplete provider material.
func ValidateProvider(p *sso.ProviderConfig) error {
	if p.ID == "" {
		return fmt.Errorf("provider id is required")
	}
	switch p.Kind {
	case sso.ProviderKindSAML:
		if p.SAML == nil {
			return fmt.Errorf("provider %s: saml section is required", p.ID)
		}
		if p.SAML.EntityID == "" {
			return fmt.Errorf("provider %s: entity_id is required", p.ID)
		}
		if p.SAML.SSOURL == "" {
			return fmt.Errorf("provider %s: sso_url is required", p.ID)
		}
		if p.SAML.Certificate == "" {
			return fmt.Errorf("provider %s: certificate is required", p.ID)
		}
		if p.SAML.CallbackURL == "" {
			return fmt.Errorf("provider %s: callback_url is required", p.ID)
		}
	case sso.ProviderKindOAuth:
		if p.OAuth == nil {
			return fmt.Errorf("provider %s: oauth section is required", p.ID)
		}
		if p.OAuth.ClientID == "" {
			return fmt.Errorf("provider %s: client_id is required", p.ID)
		}
		if p.OAuth.ClientSecret == "" {
			return fmt.Errorf("provider %s: client_secret is required", p.ID)
		}
		if p.OAuth.AuthURL == "" || p.OAuth.TokenURL == "" {
			return fmt.Errorf("provider %s: auth_url and token_url are required", p.ID)
		}
		if p.OAuth.UserInfoURL == "" {
			return fmt.Errorf("provider %s: user_info_url is required", p.ID)
		}
		if p.OAuth.CallbackURL == "" {
			return fmt.Errorf("provider %s: callback_url is required", p.ID)
		}
	default:
		return fmt.Errorf("provider %s: unsupported kind %q", p.ID, p.Kind)
	}
	return nil
}

// Helper functions for environment variables

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return strings.ToLower(value) == "true"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func parseLogLevel(value string) observability.LogLevel {
	switch strings.ToLower(value) {
	case "debug":
		return observability.DebugLevel
	case "warn", "warning":
		return observability.WarnLevel
	case "error":
		return observability.ErrorLevel
	default:
		return observability.InfoLevel
	}
}
