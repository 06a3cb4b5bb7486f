// Package config loads process configuration from the environment, with an
// optional YAML overlay file for deployments that prefer files over env.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"
)

// Config carries every recognised setting. The master API key doubles as the
// HMAC salt for PAT hashing and the JWT signing secret.
type Config struct {
	Port string `yaml:"port"`

	APIKey  string `yaml:"api_key"`
	AppURI  string `yaml:"app_uri"`
	AppName string `yaml:"app_name"`

	Timezone  string `yaml:"timezone"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	DefaultUser     string `yaml:"default_user"`
	SuperadminEmail string `yaml:"superadmin_email"`
	AgentName       string `yaml:"agent_name"`

	RegistrationDisabled     bool `yaml:"registration_disabled"`
	EmailVerificationEnabled bool `yaml:"email_verification_enabled"`
	BillingPaused            bool `yaml:"billing_paused"`

	StripeAPIKey         string `yaml:"stripe_api_key"`
	StripePricingTableID string `yaml:"stripe_pricing_table_id"`
	PaymentWalletAddress string `yaml:"payment_wallet_address"`

	LowBalanceWarningThreshold int64 `yaml:"low_balance_warning_threshold"`
	TokenWarningIncrement      int64 `yaml:"token_warning_increment"`

	EmailProvider string `yaml:"email_provider"`

	DatabaseURL   string `yaml:"database_url"`
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`

	RegistrationRequirementsFile string `yaml:"registration_requirements_file"`
}

// FromEnv builds a Config from environment variables with sane defaults.
func FromEnv() *Config {
	cfg := &Config{
		Port:                         envOr("PORT", "8080"),
		APIKey:                       os.Getenv("AGIXT_API_KEY"),
		AppURI:                       envOr("APP_URI", "http://localhost:3437"),
		AppName:                      envOr("APP_NAME", "AGiXT"),
		Timezone:                     envOr("TZ", "UTC"),
		LogLevel:                     envOr("LOG_LEVEL", "info"),
		LogFormat:                    envOr("LOG_FORMAT", "text"),
		DefaultUser:                  os.Getenv("DEFAULT_USER"),
		SuperadminEmail:              strings.ToLower(os.Getenv("SUPERADMIN_EMAIL")),
		AgentName:                    envOr("AGENT_NAME", "AGiXT"),
		RegistrationDisabled:         envBool("REGISTRATION_DISABLED"),
		EmailVerificationEnabled:     envBool("EMAIL_VERIFICATION_ENABLED"),
		BillingPaused:                envBool("BILLING_PAUSED"),
		StripeAPIKey:                 os.Getenv("STRIPE_API_KEY"),
		StripePricingTableID:         os.Getenv("STRIPE_PRICING_TABLE_ID"),
		PaymentWalletAddress:         os.Getenv("PAYMENT_WALLET_ADDRESS"),
		LowBalanceWarningThreshold:   envInt64("LOW_BALANCE_WARNING_THRESHOLD", 100000),
		TokenWarningIncrement:        envInt64("TOKEN_WARNING_INCREMENT", 50000),
		EmailProvider:                envOr("EMAIL_PROVIDER", "auto"),
		DatabaseURL:                  os.Getenv("DATABASE_URL"),
		RedisAddr:                    os.Getenv("REDIS_ADDR"),
		RedisPassword:                os.Getenv("REDIS_PASSWORD"),
		RedisDB:                      int(envInt64("REDIS_DB", 0)),
		RegistrationRequirementsFile: envOr("REGISTRATION_REQUIREMENTS", "registration_requirements.json"),
	}
	return cfg
}

// ApplyFile overlays settings from a YAML file onto the receiver. Missing
// file is not an error; env values win only where the file is silent, so the
// file is decoded directly over the struct.
func (c *Config) ApplyFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(c); err != nil {
		return fmt.Errorf("decode config %s: %w", path, err)
	}
	return nil
}

// Validate checks the settings that have no workable default.
func (c *Config) Validate() error {
	if c.APIKey == "" {
		return fmt.Errorf("AGIXT_API_KEY must be set")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("invalid TZ %q: %w", c.Timezone, err)
	}
	return nil
}

// Location resolves the configured timezone, falling back to UTC.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// NewLogger builds the process logger from LOG_LEVEL / LOG_FORMAT.
func (c *Config) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if strings.EqualFold(c.LogFormat, "json") {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string) bool {
	v := strings.ToLower(os.Getenv(key))
	return v == "true" || v == "1" || v == "yes"
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}
