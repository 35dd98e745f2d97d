// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "json" or "text"

	// Chain access
	RPCURL  string
	ChainID int64 // 0 means take it from the node

	// Scanner
	PollInterval    time.Duration
	StartBlock      uint64 // 0 means start at the current head
	MinBytecodeSize int

	// Risk engine
	ProviderTimeout          time.Duration
	HighRiskThreshold        int
	LiquidityWindow          uint64 // blocks
	ActivityWindow           uint64 // blocks
	WeightsFile              string // optional YAML overrides
	MaxConcurrentAssessments int

	// Upstreams
	PythHermesURL       string
	BlockscoutURL       string
	BlockscoutAPIKey    string
	StablecoinAddresses []string

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string

	// Alerts
	AlertWebhookURLs []string
	WebhookSecret    string

	// Tracing (optional, disabled if not set)
	OTLPEndpoint     string
	TraceSampleRatio float64 // 1 keeps every trace
}

const (
	DefaultPort                     = "8080"
	DefaultEnv                      = "development"
	DefaultLogLevel                 = "info"
	DefaultLogFormat                = "text"
	DefaultPollInterval             = 12 * time.Second
	DefaultMinBytecodeSize          = 100
	DefaultProviderTimeout          = 15 * time.Second
	DefaultHighRiskThreshold        = 70
	DefaultLiquidityWindow          = 100
	DefaultActivityWindow           = 1000
	DefaultMaxConcurrentAssessments = 16
	DefaultPythHermesURL            = "https://hermes.pyth.network"
	DefaultBlockscoutURL            = "https://eth.blockscout.com"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnv("PORT", DefaultPort),
		Env:                      getEnv("ENV", DefaultEnv),
		LogLevel:                 getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:                getEnv("LOG_FORMAT", DefaultLogFormat),
		RPCURL:                   os.Getenv("RPC_URL"), // Required, no default
		ChainID:                  getEnvInt64("CHAIN_ID", 0),
		PollInterval:             getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		StartBlock:               uint64(getEnvInt64("START_BLOCK", 0)),
		MinBytecodeSize:          int(getEnvInt64("MIN_BYTECODE_SIZE", DefaultMinBytecodeSize)),
		ProviderTimeout:          getEnvDuration("PROVIDER_TIMEOUT", DefaultProviderTimeout),
		HighRiskThreshold:        int(getEnvInt64("HIGH_RISK_THRESHOLD", DefaultHighRiskThreshold)),
		LiquidityWindow:          uint64(getEnvInt64("LIQUIDITY_WINDOW", DefaultLiquidityWindow)),
		ActivityWindow:           uint64(getEnvInt64("ACTIVITY_WINDOW", DefaultActivityWindow)),
		WeightsFile:              os.Getenv("WEIGHTS_FILE"),
		MaxConcurrentAssessments: int(getEnvInt64("MAX_CONCURRENT_ASSESSMENTS", DefaultMaxConcurrentAssessments)),
		PythHermesURL:            getEnv("PYTH_HERMES_URL", DefaultPythHermesURL),
		BlockscoutURL:            getEnv("BLOCKSCOUT_URL", DefaultBlockscoutURL),
		BlockscoutAPIKey:         os.Getenv("BLOCKSCOUT_API_KEY"),
		StablecoinAddresses:      getEnvList("STABLECOIN_ADDRESSES"),
		DatabaseURL:              os.Getenv("DATABASE_URL"),
		AlertWebhookURLs:         getEnvList("ALERT_WEBHOOK_URLS"),
		WebhookSecret:            os.Getenv("WEBHOOK_SECRET"),
		OTLPEndpoint:             os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		TraceSampleRatio:         getEnvFloat("OTEL_TRACES_SAMPLER_ARG", 1),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if n, err := strconv.Atoi(c.Port); err != nil || n <= 0 || n > 65535 {
		return fmt.Errorf("PORT must be a TCP port number, got %q", c.Port)
	}

	switch strings.ToLower(c.LogFormat) {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.LogFormat)
	}

	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL must be positive")
	}
	if c.ProviderTimeout <= 0 {
		return fmt.Errorf("PROVIDER_TIMEOUT must be positive")
	}
	if c.MinBytecodeSize < 0 {
		return fmt.Errorf("MIN_BYTECODE_SIZE must not be negative")
	}
	if c.HighRiskThreshold < 0 || c.HighRiskThreshold > 100 {
		return fmt.Errorf("HIGH_RISK_THRESHOLD must be between 0 and 100, got %d", c.HighRiskThreshold)
	}
	if c.LiquidityWindow == 0 || c.ActivityWindow == 0 {
		return fmt.Errorf("LIQUIDITY_WINDOW and ACTIVITY_WINDOW must be positive")
	}
	if c.MaxConcurrentAssessments <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_ASSESSMENTS must be positive")
	}

	if c.TraceSampleRatio < 0 || c.TraceSampleRatio > 1 {
		return fmt.Errorf("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1, got %g", c.TraceSampleRatio)
	}

	for _, addr := range c.StablecoinAddresses {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("STABLECOIN_ADDRESSES: invalid address %q", addr)
		}
	}

	for _, raw := range c.AlertWebhookURLs {
		u, err := url.Parse(raw)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ALERT_WEBHOOK_URLS: invalid URL %q", raw)
		}
	}

	return nil
}

// Stablecoins returns the configured stablecoin contract addresses.
func (c *Config) Stablecoins() []common.Address {
	out := make([]common.Address, 0, len(c.StablecoinAddresses))
	for _, addr := range c.StablecoinAddresses {
		out = append(out, common.HexToAddress(addr))
	}
	return out
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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

// getEnvDuration accepts a Go duration ("12s", "1m") or a plain number of
// seconds.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

// getEnvList splits a comma-separated value, dropping blanks.
func getEnvList(key string) []string {
	var out []string
	for _, part := range strings.Split(os.Getenv(key), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
