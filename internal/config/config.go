package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"time"
)

// Engine configuration. Precedence: environment variables override the
// optional --config JSON file, which overrides the built-in defaults.
// ADMIN_API_KEY is the only required value: the admin surface must never
// come up unauthenticated.

type Config struct {
	Port        string `json:"port"`
	AdminAPIKey string `json:"adminApiKey"`

	DataDir           string `json:"dataDir"`
	EnablePersistence bool   `json:"enablePersistence"`
	SnapshotIntervalS int    `json:"snapshotIntervalSeconds"`

	DatabaseURL    string `json:"databaseUrl"`
	AllowedOrigins string `json:"allowedOrigins"`

	// Tenant defaults, overridable per tenant at creation.
	MaxCycleDepth int     `json:"maxCycleDepth"`
	MinEfficiency float64 `json:"minEfficiency"`

	RateLimitDiscoveryPerMin int `json:"rateLimitDiscoveryPerMin"`
	RateLimitAssetsPerDay    int `json:"rateLimitAssetsPerDay"`
	RateLimitWebhooksPerMin  int `json:"rateLimitWebhooksPerMin"`

	WebhookTimeoutMS   int `json:"webhookTimeoutMs"`
	WebhookMaxAttempts int `json:"webhookMaxAttempts"`
}

func defaults() Config {
	return Config{
		Port:                     "5440",
		DataDir:                  "./data",
		SnapshotIntervalS:        60,
		MaxCycleDepth:            10,
		MinEfficiency:            0.6,
		RateLimitDiscoveryPerMin: 60,
		RateLimitAssetsPerDay:    10000,
		RateLimitWebhooksPerMin:  60,
		WebhookTimeoutMS:         5000,
		WebhookMaxAttempts:       5,
	}
}

// Load builds the configuration from args (for --config) and the
// environment. Any error here is a startup configuration error: the
// caller exits with code 1.
func Load(args []string) (Config, error) {
	fs := flag.NewFlagSet("engine", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to JSON config file")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := defaults()
	if *configPath != "" {
		buf, err := os.ReadFile(*configPath)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := json.Unmarshal(buf, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if cfg.AdminAPIKey == "" {
		return Config{}, fmt.Errorf("ADMIN_API_KEY is required; set it in the environment or config file")
	}
	if cfg.MaxCycleDepth < 2 {
		return Config{}, fmt.Errorf("MAX_CYCLE_DEPTH must be at least 2, got %d", cfg.MaxCycleDepth)
	}
	if cfg.MinEfficiency < 0 || cfg.MinEfficiency > 1 {
		return Config{}, fmt.Errorf("MIN_EFFICIENCY must be in [0,1], got %v", cfg.MinEfficiency)
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("PORT", &cfg.Port)
	envStr("ADMIN_API_KEY", &cfg.AdminAPIKey)
	envStr("DATA_DIR", &cfg.DataDir)
	envBool("ENABLE_PERSISTENCE", &cfg.EnablePersistence)
	envInt("SNAPSHOT_INTERVAL_SECONDS", &cfg.SnapshotIntervalS)
	envStr("DATABASE_URL", &cfg.DatabaseURL)
	envStr("ALLOWED_ORIGINS", &cfg.AllowedOrigins)
	envInt("MAX_CYCLE_DEPTH", &cfg.MaxCycleDepth)
	envFloat("MIN_EFFICIENCY", &cfg.MinEfficiency)
	envInt("RATE_LIMIT_DISCOVERY_PER_MIN", &cfg.RateLimitDiscoveryPerMin)
	envInt("RATE_LIMIT_ASSETS_PER_DAY", &cfg.RateLimitAssetsPerDay)
	envInt("RATE_LIMIT_WEBHOOKS_PER_MIN", &cfg.RateLimitWebhooksPerMin)
	envInt("WEBHOOK_TIMEOUT_MS", &cfg.WebhookTimeoutMS)
	envInt("WEBHOOK_MAX_ATTEMPTS", &cfg.WebhookMaxAttempts)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		*dst = v == "true" || v == "1"
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

// SnapshotInterval returns the snapshot period as a duration.
func (c Config) SnapshotInterval() time.Duration {
	return time.Duration(c.SnapshotIntervalS) * time.Second
}

// WebhookTimeout returns the per-attempt webhook timeout.
func (c Config) WebhookTimeout() time.Duration {
	return time.Duration(c.WebhookTimeoutMS) * time.Millisecond
}
