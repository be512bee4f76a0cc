// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Fee policy (basis points plus fiat-cent bounds)
	FeeBP           int
	FeeMinCents     int64
	FeeMaxCents     int64
	DisputeFeeBP    int
	DisputeMinCents int64
	DisputeMaxCents int64

	// Deposit settings
	Asset         string // asset symbol held in escrow
	RequiredConfs int
	GraceHours    int // hours after funding before auto-finalise

	// Wallet backend (Electrum JSON-RPC)
	ElectrumRPCURL     string
	ElectrumRPCUser    string
	ElectrumRPCPass    string
	AddressLabelPrefix string

	// Exchange rates (fiat per asset unit, static)
	BTCCADRate string
	BTCUSDRate string

	// Notifications
	BotToken  string // Telegram bot token (optional, notifications disabled if unset)
	BotHandle string // the bot's own handle, excluded from party binding

	// Security
	AdminToken     string
	HookToken      string // shared secret for the funding callback
	AdminIDs       []int64
	AllowedOrigins []string

	// Tracing (disabled when empty)
	OTLPEndpoint string
}

// Defaults mirror the production deployment values
const (
	DefaultPort            = "8080"
	DefaultEnv             = "development"
	DefaultLogLevel        = "info"
	DefaultAsset           = "BTC"
	DefaultFeeBP           = 150
	DefaultFeeMinCents     = 300
	DefaultFeeMaxCents     = 15000
	DefaultDisputeFeeBP    = 80
	DefaultDisputeMinCents = 1500
	DefaultDisputeMaxCents = 10000
	DefaultRequiredConfs   = 1
	DefaultGraceHours      = 72
	DefaultLabelPrefix     = "escrow-deal-"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:               getEnv("PORT", DefaultPort),
		Env:                getEnv("ENV", DefaultEnv),
		LogLevel:           getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:        os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		FeeBP:              int(getEnvInt64("FEE_BP", DefaultFeeBP)),
		FeeMinCents:        getEnvInt64("FEE_MIN_CENTS", DefaultFeeMinCents),
		FeeMaxCents:        getEnvInt64("FEE_MAX_CENTS", DefaultFeeMaxCents),
		DisputeFeeBP:       int(getEnvInt64("DISPUTE_FEE_BP", DefaultDisputeFeeBP)),
		DisputeMinCents:    getEnvInt64("DISPUTE_MIN_CENTS", DefaultDisputeMinCents),
		DisputeMaxCents:    getEnvInt64("DISPUTE_MAX_CENTS", DefaultDisputeMaxCents),
		Asset:              getEnv("ASSET", DefaultAsset),
		RequiredConfs:      int(getEnvInt64("REQUIRED_CONFS", DefaultRequiredConfs)),
		GraceHours:         int(getEnvInt64("GRACE_HOURS", DefaultGraceHours)),
		ElectrumRPCURL:     os.Getenv("ELECTRUM_RPC_URL"),
		ElectrumRPCUser:    os.Getenv("ELECTRUM_RPC_USER"),
		ElectrumRPCPass:    os.Getenv("ELECTRUM_RPC_PASS"),
		AddressLabelPrefix: getEnv("ADDRESS_LABEL_PREFIX", DefaultLabelPrefix),
		BTCCADRate:         os.Getenv("BTC_CAD"),
		BTCUSDRate:         os.Getenv("BTC_USD"),
		BotToken:           os.Getenv("BOT_TOKEN"),
		BotHandle:          os.Getenv("BOT_HANDLE"),
		AdminToken:         os.Getenv("ADMIN_TOKEN"),
		HookToken:          os.Getenv("HOOK_TOKEN"),
		AdminIDs:           getEnvInt64List("ADMIN_IDS"),
		AllowedOrigins:     getEnvList("ALLOWED_ORIGINS"),
		OTLPEndpoint:       os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.FeeBP < 0 || c.DisputeFeeBP < 0 {
		return fmt.Errorf("fee basis points must not be negative")
	}
	if c.FeeMinCents < 0 || c.FeeMaxCents < 0 || c.DisputeMinCents < 0 || c.DisputeMaxCents < 0 {
		return fmt.Errorf("fee bounds must not be negative")
	}
	if c.FeeMinCents > 0 && c.FeeMaxCents > 0 && c.FeeMinCents > c.FeeMaxCents {
		return fmt.Errorf("FEE_MIN_CENTS must not exceed FEE_MAX_CENTS")
	}
	if c.DisputeMinCents > 0 && c.DisputeMaxCents > 0 && c.DisputeMinCents > c.DisputeMaxCents {
		return fmt.Errorf("DISPUTE_MIN_CENTS must not exceed DISPUTE_MAX_CENTS")
	}
	if c.RequiredConfs < 1 {
		return fmt.Errorf("REQUIRED_CONFS must be at least 1")
	}
	if c.GraceHours < 1 {
		return fmt.Errorf("GRACE_HOURS must be at least 1")
	}
	if c.IsProduction() && c.AdminToken == "" {
		return fmt.Errorf("ADMIN_TOKEN is required in production")
	}
	if c.IsProduction() && c.HookToken == "" {
		return fmt.Errorf("HOOK_TOKEN is required in production")
	}

	return nil
}

// IsAdmin reports whether the given user ID is configured as an admin
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvList(key string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func getEnvInt64List(key string) []int64 {
	raw := os.Getenv(key)
	if raw == "" {
		return nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if i, err := strconv.ParseInt(part, 10, 64); err == nil {
			out = append(out, i)
		}
	}
	return out
}
