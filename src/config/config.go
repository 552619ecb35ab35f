package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	JWTSecret   string `mapstructure:"JWT_SECRET"`

	PlaidClientID     string        `mapstructure:"PLAID_CLIENT_ID"`
	PlaidSecret       string        `mapstructure:"PLAID_SECRET"`
	PlaidEnv          string        `mapstructure:"PLAID_ENV"`
	PlaidWebhookURL   string        `mapstructure:"PLAID_WEBHOOK_URL"`
	PlaidCountryCodes []string      `mapstructure:"PLAID_COUNTRY_CODES"`
	PlaidClientName   string        `mapstructure:"PLAID_CLIENT_NAME"`
	PlaidTimeout      time.Duration `mapstructure:"PLAID_TIMEOUT"`

	VaultKey string `mapstructure:"VAULT_KEY"`

	RedisURL    string `mapstructure:"REDIS_URL"`
	RabbitMQURL string `mapstructure:"RABBITMQ_URL"`
	SyncQueue   string `mapstructure:"SYNC_QUEUE"`

	SyncWorkers  int           `mapstructure:"SYNC_WORKERS"`
	SyncMaxPages int           `mapstructure:"SYNC_MAX_PAGES"`
	SyncLockTTL  time.Duration `mapstructure:"SYNC_LOCK_TTL"`
	SyncTimeout  time.Duration `mapstructure:"SYNC_TIMEOUT"`

	CORSAllowedOrigins []string      `mapstructure:"CORS_ALLOWED_ORIGINS"`
	AccountCacheTTL    time.Duration `mapstructure:"ACCOUNT_CACHE_TTL"`
	LogLevel           string        `mapstructure:"LOG_LEVEL"`
}

var defaults = map[string]any{
	"PORT":                 "8080",
	"DATABASE_URL":         "",
	"JWT_SECRET":           "",
	"PLAID_CLIENT_ID":      "",
	"PLAID_SECRET":         "",
	"PLAID_ENV":            "sandbox",
	"PLAID_WEBHOOK_URL":    "",
	"PLAID_COUNTRY_CODES":  "US",
	"PLAID_CLIENT_NAME":    "Bank Link",
	"PLAID_TIMEOUT":        "30s",
	"VAULT_KEY":            "",
	"REDIS_URL":            "",
	"RABBITMQ_URL":         "",
	"SYNC_QUEUE":           "plaid.sync",
	"SYNC_WORKERS":         4,
	"SYNC_MAX_PAGES":       200,
	"SYNC_LOCK_TTL":        "2m",
	"SYNC_TIMEOUT":         "5m",
	"CORS_ALLOWED_ORIGINS": "http://localhost:3000",
	"ACCOUNT_CACHE_TTL":    "5m",
	"LOG_LEVEL":            "info",
}

// Load reads a .env file if present and then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()
	return FromEnv(viper.New())
}

func FromEnv(v *viper.Viper) (Config, error) {
	v.AutomaticEnv()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.PlaidCountryCodes = splitList(cfg.PlaidCountryCodes)
	cfg.CORSAllowedOrigins = splitList(cfg.CORSAllowedOrigins)
	cfg.PlaidEnv = strings.ToLower(strings.TrimSpace(cfg.PlaidEnv))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	var errs []error
	for key, value := range map[string]string{
		"DATABASE_URL":    c.DatabaseURL,
		"PLAID_CLIENT_ID": c.PlaidClientID,
		"PLAID_SECRET":    c.PlaidSecret,
		"JWT_SECRET":      c.JWTSecret,
	} {
		if value == "" {
			errs = append(errs, fmt.Errorf("%s is required", key))
		}
	}
	if c.PlaidEnv != "sandbox" && c.PlaidEnv != "production" {
		errs = append(errs, fmt.Errorf("PLAID_ENV must be sandbox or production, got %q", c.PlaidEnv))
	}
	if c.PlaidEnv == "production" && c.VaultKey == "" {
		errs = append(errs, errors.New("VAULT_KEY is required in production"))
	}
	if c.SyncWorkers <= 0 {
		errs = append(errs, errors.New("SYNC_WORKERS must be positive"))
	}
	if c.SyncMaxPages <= 0 {
		errs = append(errs, errors.New("SYNC_MAX_PAGES must be positive"))
	}
	return errors.Join(errs...)
}

func (c Config) IsSandbox() bool {
	return c.PlaidEnv == "sandbox"
}

// splitList accepts both a decoded slice and a single comma separated value.
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
