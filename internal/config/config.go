// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cast"

	"github.com/mbd888/carpool/internal/fare"
	"github.com/mbd888/carpool/internal/money"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage
	DatabaseURL string        // PostgreSQL connection string (optional, uses in-memory if not set)
	AutoMigrate bool          // apply pending goose migrations at startup
	LockTimeout time.Duration // per-transaction lock wait before StorageUnavailable
	RedisURL    string        // idempotency result cache (optional)

	// Wallet service
	WalletGatewayURL   string // uses an in-memory wallet if not set
	WalletGatewayToken string
	WalletTimeout      time.Duration

	// Fee policy
	FeePolicy fare.Policy

	// Settlement
	SettlementMaxAttempts int
	SettlementBaseDelay   time.Duration
	ReconcileInterval     time.Duration

	// Events and paging
	KafkaBrokers       []string
	KafkaTopic         string
	AlertWebhookURL    string
	AlertWebhookSecret string
	OTLPEndpoint       string

	// Security
	AdminSecret  string
	RateLimitRPM int
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultLockTimeout       = 2 * time.Second
	DefaultWalletTimeout     = 5 * time.Second
	DefaultFeePolicyVersion  = "default"
	DefaultPlatformFeeBps    = 2000
	DefaultCancelGracePeriod = 5 * time.Minute
	DefaultCancelFlatFee     = "2.00"
	DefaultCancelRecipient   = fare.RecipientDriver
	DefaultMaxAttempts       = 3
	DefaultBaseDelay         = 50 * time.Millisecond
	DefaultReconcileInterval = 5 * time.Minute
	DefaultKafkaTopic        = "carpool.settlement-events"
	DefaultRateLimit         = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	var errs []string
	dur := func(key string, def time.Duration) time.Duration {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		d, err := cast.ToDurationE(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return d
	}
	integer := func(key string, def int64) int64 {
		v := os.Getenv(key)
		if v == "" {
			return def
		}
		i, err := cast.ToInt64E(v)
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", key, err))
			return def
		}
		return i
	}

	flatFee, err := money.Parse(getEnv("CANCEL_FLAT_FEE", DefaultCancelFlatFee))
	if err != nil {
		errs = append(errs, fmt.Sprintf("CANCEL_FLAT_FEE: %v", err))
	}

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:          getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		AutoMigrate:        cast.ToBool(os.Getenv("AUTO_MIGRATE")),
		LockTimeout:        dur("LOCK_TIMEOUT", DefaultLockTimeout),
		RedisURL:           os.Getenv("REDIS_URL"),
		WalletGatewayURL:   os.Getenv("WALLET_GATEWAY_URL"),
		WalletGatewayToken: os.Getenv("WALLET_GATEWAY_TOKEN"),
		WalletTimeout:      dur("WALLET_TIMEOUT", DefaultWalletTimeout),
		FeePolicy: fare.Policy{
			Version:        getEnv("FEE_POLICY_VERSION", DefaultFeePolicyVersion),
			PlatformFeeBps: integer("PLATFORM_FEE_BPS", DefaultPlatformFeeBps),
			Cancellation: fare.CancellationPolicy{
				GracePeriod: dur("CANCEL_GRACE_PERIOD", DefaultCancelGracePeriod),
				FlatFee:     flatFee,
				PercentBps:  integer("CANCEL_FEE_BPS", 0),
				Recipient:   fare.Recipient(getEnv("CANCEL_FEE_RECIPIENT", string(DefaultCancelRecipient))),
			},
		},
		SettlementMaxAttempts: int(integer("SETTLEMENT_MAX_ATTEMPTS", DefaultMaxAttempts)),
		SettlementBaseDelay:   dur("SETTLEMENT_BASE_DELAY", DefaultBaseDelay),
		ReconcileInterval:     dur("RECONCILE_INTERVAL", DefaultReconcileInterval),
		KafkaBrokers:          splitList(os.Getenv("KAFKA_BROKERS")),
		KafkaTopic:            getEnv("KAFKA_TOPIC", DefaultKafkaTopic),
		AlertWebhookURL:       os.Getenv("ALERT_WEBHOOK_URL"),
		AlertWebhookSecret:    os.Getenv("ALERT_WEBHOOK_SECRET"),
		OTLPEndpoint:          os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		AdminSecret:           os.Getenv("ADMIN_SECRET"),
		RateLimitRPM:          int(integer("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that the configuration is usable
func (c *Config) Validate() error {
	if err := c.FeePolicy.Validate(); err != nil {
		return err
	}
	if c.LockTimeout <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT must be positive")
	}
	if c.WalletTimeout <= 0 {
		return fmt.Errorf("WALLET_TIMEOUT must be positive")
	}
	if c.SettlementMaxAttempts < 1 {
		return fmt.Errorf("SETTLEMENT_MAX_ATTEMPTS must be at least 1")
	}
	if c.AlertWebhookURL != "" && c.AlertWebhookSecret == "" {
		return fmt.Errorf("ALERT_WEBHOOK_SECRET is required when ALERT_WEBHOOK_URL is set")
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required when KAFKA_BROKERS is set")
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required in production")
		}
		if c.WalletGatewayURL == "" {
			return fmt.Errorf("WALLET_GATEWAY_URL is required in production")
		}
		if c.AdminSecret == "" {
			return fmt.Errorf("ADMIN_SECRET is required in production")
		}
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
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
