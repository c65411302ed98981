// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"

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

	// Broker settings
	CustodyAccount string // Pooled custodial account identity
	AdminIdentity  string // Identity allowed to record deposits and manage keys

	// Chain watcher settings (optional, deposit detection disabled if unset)
	RPCURL        string
	ChainID       int64
	AssetContract string // ERC-20 contract watched for deposits
	DepositVault  string // On-chain address deposits are sent to

	// Security
	AdminSecret   string // Admin API secret
	WebhookSecret string // Default HMAC secret for webhook signing
	RateLimitRPS  int

	// Observability
	OTLPEndpoint string // OTLP gRPC endpoint for traces (optional)
}

// Base Sepolia defaults
const (
	DefaultRPCURL        = "https://sepolia.base.org"
	DefaultChainID       = 84532                                        // Base Sepolia
	DefaultAssetContract = "0x036CbD53842c5426634e7929541eC2318f3dCF7e" // Base Sepolia USDC
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultCustody       = "custody"
	DefaultRateLimit     = 100
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:    os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		CustodyAccount: getEnv("CUSTODY_ACCOUNT", DefaultCustody),
		AdminIdentity:  getEnv("ADMIN_IDENTITY", "admin"),
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		AssetContract:  getEnv("ASSET_CONTRACT", DefaultAssetContract),
		DepositVault:   os.Getenv("DEPOSIT_VAULT"), // Watcher disabled if not set
		AdminSecret:    os.Getenv("ADMIN_SECRET"),
		WebhookSecret:  os.Getenv("WEBHOOK_SECRET"),
		RateLimitRPS:   int(getEnvInt64("RATE_LIMIT_RPS", int64(DefaultRateLimit))),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.CustodyAccount == "" {
		return fmt.Errorf("CUSTODY_ACCOUNT is required")
	}
	if c.AdminIdentity == "" {
		return fmt.Errorf("ADMIN_IDENTITY is required")
	}
	if c.IsProduction() && c.AdminSecret == "" {
		return fmt.Errorf("ADMIN_SECRET is required in production")
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

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}
