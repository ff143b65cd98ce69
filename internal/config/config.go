// Package config loads server settings from the environment, with an
// optional .env file for development.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port            string   `mapstructure:"PORT"`
	Env             string   `mapstructure:"ENV"`
	DatabaseURL     string   `mapstructure:"DATABASE_URL"`
	DBMaxConns      int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns      int32    `mapstructure:"DB_MIN_CONNS"`
	BaseURL         string   `mapstructure:"BASE_URL"`
	DefaultTenant   string   `mapstructure:"DEFAULT_TENANT"`
	CORSOrigins     []string `mapstructure:"CORS_ORIGINS"`
	AuthSigningKey  string   `mapstructure:"AUTH_SIGNING_KEY"`
	AuthIssuer      string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience    string   `mapstructure:"AUTH_AUDIENCE"`
	MigrationsDir   string   `mapstructure:"MIGRATIONS_DIR"`
	DefaultPageSize int      `mapstructure:"DEFAULT_PAGE_SIZE"`
	MaxPageSize     int      `mapstructure:"MAX_PAGE_SIZE"`
	WebhookURLs     []string `mapstructure:"WEBHOOK_URLS"`
	WebhookSecret   string   `mapstructure:"WEBHOOK_SECRET"`
	WebhookEvents   []string `mapstructure:"WEBHOOK_EVENTS"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("BASE_URL", "http://localhost:8000")
	v.SetDefault("DEFAULT_TENANT", "default")
	v.SetDefault("CORS_ORIGINS", "*")
	v.SetDefault("MIGRATIONS_DIR", "migrations")
	v.SetDefault("DEFAULT_PAGE_SIZE", 100)
	v.SetDefault("MAX_PAGE_SIZE", 1000)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("BASE_URL")
	v.BindEnv("DEFAULT_TENANT")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("AUTH_SIGNING_KEY")
	v.BindEnv("AUTH_ISSUER")
	v.BindEnv("AUTH_AUDIENCE")
	v.BindEnv("MIGRATIONS_DIR")
	v.BindEnv("DEFAULT_PAGE_SIZE")
	v.BindEnv("MAX_PAGE_SIZE")
	v.BindEnv("WEBHOOK_URLS")
	v.BindEnv("WEBHOOK_SECRET")
	v.BindEnv("WEBHOOK_EVENTS")

	// Try reading .env, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Comma-separated lists come through viper as single strings
	if cfg.CORSOrigins == nil {
		cfg.CORSOrigins = splitList(v.GetString("CORS_ORIGINS"))
	}
	if cfg.WebhookURLs == nil {
		cfg.WebhookURLs = splitList(v.GetString("WEBHOOK_URLS"))
	}
	if cfg.WebhookEvents == nil {
		cfg.WebhookEvents = splitList(v.GetString("WEBHOOK_EVENTS"))
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if cfg.DefaultPageSize < 1 {
		return nil, fmt.Errorf("DEFAULT_PAGE_SIZE must be at least 1, got %d", cfg.DefaultPageSize)
	}
	if cfg.MaxPageSize < cfg.DefaultPageSize {
		return nil, fmt.Errorf("MAX_PAGE_SIZE %d is below DEFAULT_PAGE_SIZE %d",
			cfg.MaxPageSize, cfg.DefaultPageSize)
	}

	return cfg, nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return ":" + c.Port
}

// APIBase is the externally visible root of the FHIR API, used in bundle
// links, fullUrls and Location headers.
func (c *Config) APIBase() string {
	return strings.TrimSuffix(c.BaseURL, "/") + "/R4"
}
