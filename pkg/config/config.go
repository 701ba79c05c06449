// Package config loads the paywall's runtime configuration from the
// environment, with optional .env support for local development.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	x402types "github.com/x402-rs/x402-paywall/pkg/types"
)

// Default public RPC endpoints, overridable per network.
const (
	defaultBaseRPC        = "https://mainnet.base.org"
	defaultBaseSepoliaRPC = "https://sepolia.base.org"
)

// Config holds the application configuration.
type Config struct {
	Host    string `validate:"required"`
	Port    string `validate:"required"`
	BaseURL string `validate:"required,url"`

	// NetworkMode selects testnet (relay settlement on Base Sepolia) or
	// mainnet (direct settlement on Base).
	NetworkMode string `validate:"required,oneof=testnet mainnet"`

	// WalletAddress receives every payment.
	WalletAddress string `validate:"required,eth_addr"`

	RPCURLs map[x402types.Network]string

	// RelayURL is the external settlement service used in testnet mode.
	RelayURL string `validate:"required_if=NetworkMode testnet,omitempty,url"`

	// EVMPrivateKey funds gas for direct settlement in mainnet mode. May be
	// empty; settlement then fails per-request with missing_credentials.
	EVMPrivateKey string

	LogLevel string `validate:"oneof=debug info warn error"`

	// CacheTTL bounds how long a settled proof admits retries.
	CacheTTL time.Duration `validate:"min=0"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	// Try to load .env file (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{
		Host:          getEnvOrDefault("HOST", "0.0.0.0"),
		Port:          getEnvOrDefault("PORT", "3000"),
		BaseURL:       getEnvOrDefault("BASE_URL", "http://localhost:3000"),
		NetworkMode:   getEnvOrDefault("NETWORK", "testnet"),
		WalletAddress: os.Getenv("WALLET_ADDRESS"),
		RelayURL:      getEnvOrDefault("RELAY_URL", "https://x402.org/facilitator"),
		EVMPrivateKey: os.Getenv("EVM_PRIVATE_KEY"),
		LogLevel:      getEnvOrDefault("LOG_LEVEL", "info"),
		CacheTTL:      5 * time.Minute,
		RPCURLs: map[x402types.Network]string{
			x402types.NetworkBase:        getEnvOrDefault("RPC_URL_BASE", defaultBaseRPC),
			x402types.NetworkBaseSepolia: getEnvOrDefault("RPC_URL_BASE_SEPOLIA", defaultBaseSepoliaRPC),
		},
	}

	if ttl := os.Getenv("PAYMENT_CACHE_TTL"); ttl != "" {
		d, err := time.ParseDuration(ttl)
		if err != nil {
			return nil, fmt.Errorf("invalid PAYMENT_CACHE_TTL: %w", err)
		}
		cfg.CacheTTL = d
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Network returns the active x402 network for the configured mode.
func (c *Config) Network() x402types.Network {
	if c.NetworkMode == "mainnet" {
		return x402types.NetworkBase
	}
	return x402types.NetworkBaseSepolia
}

// RPCURL returns the RPC endpoint for the active network.
func (c *Config) RPCURL() string {
	return c.RPCURLs[c.Network()]
}

// ListenAddr returns the host:port the HTTP server binds.
func (c *Config) ListenAddr() string {
	return c.Host + ":" + c.Port
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
