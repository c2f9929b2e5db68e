// Package config loads runtime configuration for the storefront server from
// environment variables, with an optional .env file for local development.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config aggregates runtime configuration for the server and its backends.
type Config struct {
	HTTPAddr        string
	ShutdownTimeout time.Duration

	// Storage backend selection: Postgres when DatabaseURL is set,
	// Redis when RedisAddr is set, in-memory otherwise.
	DatabaseURL   string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	StripeSecretKey       string
	StripeWebhookSecret   string
	StripePriceProMonthly string
	StripePriceCreditPack string

	// SiteURL is the storefront's public origin; checkout and portal
	// redirect URLs are derived from it.
	SiteURL string

	FreeDailyLimit int
	LogLevel       string
}

// Load reads configuration from environment variables, applying sane defaults.
func Load() (Config, error) {
	if err := loadEnvFile(); err != nil {
		return Config{}, err
	}

	cfg := Config{
		HTTPAddr:              getEnv("HTTP_ADDR", ":8080"),
		ShutdownTimeout:       time.Second * time.Duration(getInt("SHUTDOWN_TIMEOUT_SECONDS", 15)),
		DatabaseURL:           os.Getenv("DATABASE_URL"),
		RedisAddr:             os.Getenv("REDIS_ADDR"),
		RedisPassword:         os.Getenv("REDIS_PASSWORD"),
		RedisDB:               getInt("REDIS_DB", 0),
		StripeSecretKey:       os.Getenv("STRIPE_SECRET_KEY"),
		StripeWebhookSecret:   os.Getenv("STRIPE_WEBHOOK_SECRET"),
		StripePriceProMonthly: os.Getenv("STRIPE_PRICE_PRO_MONTHLY"),
		StripePriceCreditPack: os.Getenv("STRIPE_PRICE_CREDIT_PACK"),
		SiteURL:               strings.TrimSuffix(getEnv("SITE_URL", "http://localhost:3000"), "/"),
		FreeDailyLimit:        getInt("FREE_DAILY_LIMIT", 5),
		LogLevel:              strings.ToLower(getEnv("LOG_LEVEL", "info")),
	}

	var missing []string
	if cfg.StripeSecretKey == "" {
		missing = append(missing, "STRIPE_SECRET_KEY")
	}
	if cfg.StripeWebhookSecret == "" {
		missing = append(missing, "STRIPE_WEBHOOK_SECRET")
	}
	if cfg.StripePriceProMonthly == "" {
		missing = append(missing, "STRIPE_PRICE_PRO_MONTHLY")
	}
	if cfg.StripePriceCreditPack == "" {
		missing = append(missing, "STRIPE_PRICE_CREDIT_PACK")
	}
	if len(missing) > 0 {
		return Config{}, fmt.Errorf("missing required environment variables: %v", missing)
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return i
}

func loadEnvFile() error {
	candidates := []string{}
	if custom, ok := os.LookupEnv("CONFIG_ENV_PATH"); ok && custom != "" {
		candidates = append(candidates, custom)
	}
	candidates = append(candidates, ".env")

	for _, path := range candidates {
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return fmt.Errorf("access env file %s: %w", path, err)
		}
		if info.IsDir() {
			continue
		}
		if err := godotenv.Overload(path); err != nil {
			return fmt.Errorf("load env file %s: %w", path, err)
		}
		return nil
	}
	// Running without a .env file is normal in production.
	return nil
}
