package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/omnichat/batteryd/internal/pricing"
)

// ServerConfig holds HTTP listener settings.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// DatabaseConfig holds persistence settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds identity token validation settings.
type JWTConfig struct {
	Secret string        `yaml:"secret"`
	Expiry time.Duration `yaml:"expiry"`
}

// RedisConfig holds the optional result-cache connection settings.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// StripeConfig holds billing webhook settings.
type StripeConfig struct {
	SecretKey     string `yaml:"secret-key"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// BatteryConfig tunes metering behavior.
type BatteryConfig struct {
	FreeModelPrefixes []string                `yaml:"free-model-prefixes"`
	PricingOverrides  map[string]pricing.Rate `yaml:"pricing-overrides"`
	ResetInterval     time.Duration           `yaml:"reset-interval"`
	ResultCacheTTL    time.Duration           `yaml:"result-cache-ttl"`
	HistoryDays       int                     `yaml:"history-days"`
}

// LogConfig holds logging output settings.
type LogConfig struct {
	Level      string `yaml:"level"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
}

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	JWT      JWTConfig      `yaml:"jwt"`
	Redis    RedisConfig    `yaml:"redis"`
	Stripe   StripeConfig   `yaml:"stripe"`
	Battery  BatteryConfig  `yaml:"battery"`
	Log      LogConfig      `yaml:"log"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{DSN: "batteryd.db"},
		JWT:      JWTConfig{Expiry: 24 * time.Hour},
		Battery: BatteryConfig{
			ResetInterval: time.Hour,
			HistoryDays:   7,
		},
		Log: LogConfig{Level: "info", MaxSizeMB: 100, MaxBackups: 3},
	}
}

// Load reads a YAML config file when present and applies environment
// overrides on top. A missing file is not an error; env-only deployments
// are supported.
func Load(path string) (*Config, error) {
	cfg := Default()

	path = strings.TrimSpace(path)
	if path != "" {
		data, errRead := os.ReadFile(path)
		if errRead != nil {
			if !os.IsNotExist(errRead) {
				return nil, fmt.Errorf("config: read %s: %w", path, errRead)
			}
		} else if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}

	applyEnvOverrides(cfg)

	if strings.TrimSpace(cfg.JWT.Secret) == "" {
		return nil, fmt.Errorf("config: jwt secret is required")
	}
	return cfg, nil
}

// applyEnvOverrides maps well-known environment variables over the config.
func applyEnvOverrides(cfg *Config) {
	setString := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	setString(&cfg.Server.Addr, "BATTERYD_ADDR")
	setString(&cfg.Database.DSN, "BATTERYD_DSN")
	setString(&cfg.JWT.Secret, "BATTERYD_JWT_SECRET")
	setString(&cfg.Redis.Addr, "BATTERYD_REDIS_ADDR")
	setString(&cfg.Redis.Password, "BATTERYD_REDIS_PASSWORD")
	setString(&cfg.Stripe.SecretKey, "STRIPE_SECRET_KEY")
	setString(&cfg.Stripe.WebhookSecret, "STRIPE_WEBHOOK_SECRET")
	setString(&cfg.Log.Level, "BATTERYD_LOG_LEVEL")
	setString(&cfg.Log.File, "BATTERYD_LOG_FILE")
}
