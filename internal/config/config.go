// Package config loads deployment-level settings from a JSON file, with
// environment variables overriding secrets that should not live on disk.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// Config is the deployment configuration for the control plane daemon.
type Config struct {
	ListenAddr string `json:"listenAddr"`

	// Postgres DSN for the durable backing store; empty runs purely on the
	// in-memory projection (development mode).
	DatabaseDSN string `json:"databaseDsn"`

	// Redis URL for rate limiting and route caching; optional.
	RedisURL string `json:"redisUrl"`

	Escrow EscrowConfig `json:"escrow"`

	Auth AuthConfig `json:"auth"`

	Billing BillingConfig `json:"billing"`

	Promos []PromoConfig `json:"promos"`
}

// EscrowConfig locates the on-chain escrow contract.
type EscrowConfig struct {
	RPCURL                string `json:"rpcUrl"`
	ContractAddress       string `json:"contractAddress"`
	RequiredConfirmations int64  `json:"requiredConfirmations"`
	ChainID               int64  `json:"chainId"`
	// SignerKeyHex is normally injected via DECLOUD_ESCROW_SIGNER_KEY
	// rather than stored in the file.
	SignerKeyHex string `json:"signerKeyHex,omitempty"`
}

// AuthConfig carries tenant authentication settings.
type AuthConfig struct {
	// JWTSecret is normally injected via DECLOUD_JWT_SECRET.
	JWTSecret string            `json:"jwtSecret,omitempty"`
	APIKeys   map[string]string `json:"apiKeys,omitempty"` // key -> wallet
	RateLimit RateLimitConfig   `json:"rateLimit"`
}

// RateLimitConfig bounds tenant API request rates.
type RateLimitConfig struct {
	MaxRequests   int `json:"maxRequests"`
	WindowSeconds int `json:"windowSeconds"`
}

// BillingConfig tunes the billing and settlement tickers.
type BillingConfig struct {
	IntervalMinutes     int     `json:"intervalMinutes"`
	SettlementHours     int     `json:"settlementHours"`
	MinSettlementAmount float64 `json:"minSettlementAmount"`
	BatchSettlement     bool    `json:"batchSettlement"`
	MaxBillingFailures  int     `json:"maxBillingFailures"`
}

// Load reads and validates a config file, then applies env overrides.
func Load(path string) (Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg, nil
}

// Default returns a development configuration requiring no file.
func Default() Config {
	var cfg Config
	cfg.applyDefaults()
	cfg.applyEnv()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ListenAddr == "" {
		c.ListenAddr = ":8080"
	}
	if c.Escrow.RequiredConfirmations <= 0 {
		c.Escrow.RequiredConfirmations = 20
	}
	if c.Auth.RateLimit.MaxRequests <= 0 {
		c.Auth.RateLimit.MaxRequests = 300
	}
	if c.Auth.RateLimit.WindowSeconds <= 0 {
		c.Auth.RateLimit.WindowSeconds = 60
	}
	if c.Billing.IntervalMinutes <= 0 {
		c.Billing.IntervalMinutes = 5
	}
	if c.Billing.SettlementHours <= 0 {
		c.Billing.SettlementHours = 6
	}
	if c.Billing.MinSettlementAmount <= 0 {
		c.Billing.MinSettlementAmount = 1.0
	}
	if c.Billing.MaxBillingFailures <= 0 {
		c.Billing.MaxBillingFailures = 3
	}
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DECLOUD_JWT_SECRET"); v != "" {
		c.Auth.JWTSecret = v
	}
	if v := os.Getenv("DECLOUD_ESCROW_SIGNER_KEY"); v != "" {
		c.Escrow.SignerKeyHex = v
	}
	if v := os.Getenv("DECLOUD_DATABASE_DSN"); v != "" {
		c.DatabaseDSN = v
	}
	if v := os.Getenv("DECLOUD_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
}

// BillingInterval returns the billing cycle duration.
func (c Config) BillingInterval() time.Duration {
	return time.Duration(c.Billing.IntervalMinutes) * time.Minute
}

// SettlementInterval returns the settlement cadence.
func (c Config) SettlementInterval() time.Duration {
	return time.Duration(c.Billing.SettlementHours) * time.Hour
}

// RateLimitWindow returns the tenant rate-limit window.
func (c Config) RateLimitWindow() time.Duration {
	return time.Duration(c.Auth.RateLimit.WindowSeconds) * time.Second
}

// PromoConfig is one operator-configured promo code.
type PromoConfig struct {
	Code      string  `json:"code"`
	Amount    float64 `json:"amount"`
	ValidDays int     `json:"validDays"`
}
