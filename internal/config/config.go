// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"

	"github.com/somnia-labs/wallet-guardian/internal/security"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port          string
	Env           string // "development", "staging", "production"
	LogLevel      string
	CORSOrigins   []string
	RateLimitMax  int
	BodySizeLimit int64

	// Chain settings
	RPCURL     string
	ChainID    int64
	PrivateKey string // Hex-encoded, no 0x prefix; empty means read-only mode

	// Flag registry
	ContractAddress string // empty means flag endpoints report "not configured"

	// Scoring artifacts
	ModelPath     string
	ScalerPath    string
	FeaturesPath  string
	BlacklistPath string

	// Optional push-subscription source for mempool/log streaming, in
	// addition to the poll-based ingester. Validated as a public,
	// non-internal endpoint since it is dialed server-side.
	DataStreamURL string

	// Tracing
	OTLPEndpoint string
}

// Defaults
const (
	DefaultPort          = "8080"
	DefaultEnv           = "development"
	DefaultLogLevel      = "info"
	DefaultRateLimitMax  = 100
	DefaultBodySizeLimit = 1 << 20 // 1MB
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:            getEnv("PORT", DefaultPort),
		Env:             getEnv("NODE_ENV", DefaultEnv),
		LogLevel:        getEnv("LOG_LEVEL", DefaultLogLevel),
		CORSOrigins:     splitCSV(os.Getenv("CORS_ORIGINS")),
		RateLimitMax:    int(getEnvInt64("RATE_LIMIT_MAX", DefaultRateLimitMax)),
		BodySizeLimit:   getEnvInt64("BODY_SIZE_LIMIT", DefaultBodySizeLimit),
		RPCURL:          os.Getenv("SOMNIA_RPC_URL"),
		ChainID:         getEnvInt64("SOMNIA_CHAIN_ID", 0),
		PrivateKey:      normalizeHexKey(os.Getenv("PRIVATE_KEY")),
		ContractAddress: os.Getenv("CONTRACT_ADDRESS"),
		ModelPath:       os.Getenv("MODEL_PATH"),
		ScalerPath:      os.Getenv("SCALER_PATH"),
		FeaturesPath:    os.Getenv("FEATURES_PATH"),
		BlacklistPath:   os.Getenv("BLACKLIST_PATH"),
		DataStreamURL:   os.Getenv("DATA_STREAM_URL"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present.
// Only SOMNIA_RPC_URL and SOMNIA_CHAIN_ID are mandatory; PRIVATE_KEY and
// CONTRACT_ADDRESS are optional and degrade to read-only / not-configured
// modes per spec.md §6.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("SOMNIA_RPC_URL is required")
	}
	if c.ChainID == 0 {
		return fmt.Errorf("SOMNIA_CHAIN_ID is required")
	}
	// The configured chain id can only be checked against SOMNIA_RPC_URL's
	// actual network id once a connection exists; that check runs at
	// startup in cmd/server against chainclient.Client.GetNetworkID.
	if c.PrivateKey != "" && len(c.PrivateKey) != 64 {
		return fmt.Errorf("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)")
	}
	if c.DataStreamURL != "" {
		if err := security.ValidateEndpointURL(c.DataStreamURL); err != nil {
			return fmt.Errorf("DATA_STREAM_URL: %w", err)
		}
	}
	return nil
}

// DataStreamEnabled reports whether a push-subscription source is configured.
func (c *Config) DataStreamEnabled() bool {
	return c.DataStreamURL != ""
}

// WritesEnabled reports whether a signer is configured for on-chain writes.
func (c *Config) WritesEnabled() bool {
	return c.PrivateKey != ""
}

// FlagRegistryEnabled reports whether the flag contract address is configured.
func (c *Config) FlagRegistryEnabled() bool {
	return c.ContractAddress != ""
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

func normalizeHexKey(key string) string {
	return strings.TrimPrefix(key, "0x")
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
