package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"spotLadderBot/internal/adapters/logger"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Execution Parameters
	PollInterval     time.Duration // monitor price-poll cadence
	EntryFillTimeout time.Duration // how long to wait for an entry fill
	FeeRate          float64       // taker fee applied to wallet accounting
	MinNotional      float64       // exchange minimum-notional floor
	MaxPositionSize  float64       // cap on plan notional in quote terms (0 = no cap)
	MaxOpenTrades    int           // cap on concurrently managed trades (0 = no cap)

	// Command Bus
	ConsumerGroup string        // consumer-group name for command delivery
	ConsumerName  string        // this process's identity within the group
	CommandBlock  time.Duration // blocking-read window for the next command
	ClaimIdle     time.Duration // claim age after which another consumer may take over
	GroupLockTTL  time.Duration // per-group mutual-exclusion lease

	// Retry
	RetryMaxAttempts int
	RetryMinDelay    time.Duration
	RetryMaxDelay    time.Duration

	// Database
	DBPath   string
	EventTTL time.Duration // order-event retention window

	// Logging
	LogLevel logger.LogLevel

	// Metrics
	MetricsAddr string // empty disables the metrics endpoint

	// Connection Settings
	ReconnectDelay       time.Duration
	MaxReconnectAttempts int
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Execution Parameters
	pollSeconds := getEnvAsInt("POLL_INTERVAL_SECONDS", 5)
	if pollSeconds <= 0 {
		errs = append(errs, "POLL_INTERVAL_SECONDS must be positive")
	}
	cfg.PollInterval = time.Duration(pollSeconds) * time.Second

	fillTimeoutSeconds := getEnvAsInt("ENTRY_FILL_TIMEOUT_SECONDS", 120)
	if fillTimeoutSeconds <= 0 {
		errs = append(errs, "ENTRY_FILL_TIMEOUT_SECONDS must be positive")
	}
	cfg.EntryFillTimeout = time.Duration(fillTimeoutSeconds) * time.Second

	cfg.FeeRate, err = getEnvAsFloatRequired("FEE_RATE", 0.001)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid FEE_RATE: %v", err))
	} else if cfg.FeeRate < 0 || cfg.FeeRate >= 1.0 {
		errs = append(errs, "FEE_RATE must be between 0.0 (inclusive) and 1.0 (exclusive)")
	}

	cfg.MinNotional, err = getEnvAsFloatRequired("MIN_NOTIONAL", 10.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_NOTIONAL: %v", err))
	} else if cfg.MinNotional < 0 {
		errs = append(errs, "MIN_NOTIONAL cannot be negative")
	}

	cfg.MaxPositionSize, err = getEnvAsFloatRequired("MAX_POSITION_NOTIONAL", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_POSITION_NOTIONAL: %v", err))
	} else if cfg.MaxPositionSize < 0 {
		errs = append(errs, "MAX_POSITION_NOTIONAL cannot be negative")
	}

	cfg.MaxOpenTrades, err = getEnvAsIntRequired("MAX_OPEN_TRADES", 0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_OPEN_TRADES: %v", err))
	} else if cfg.MaxOpenTrades < 0 {
		errs = append(errs, "MAX_OPEN_TRADES cannot be negative")
	}

	// Command Bus
	cfg.ConsumerGroup = getEnv("CONSUMER_GROUP", "executors")
	if cfg.ConsumerGroup == "" {
		errs = append(errs, "CONSUMER_GROUP must be set")
	}
	defaultConsumer, _ := os.Hostname()
	if defaultConsumer == "" {
		defaultConsumer = "consumer-1"
	}
	cfg.ConsumerName = getEnv("CONSUMER_NAME", defaultConsumer)

	blockSeconds := getEnvAsInt("COMMAND_BLOCK_SECONDS", 5)
	if blockSeconds <= 0 {
		errs = append(errs, "COMMAND_BLOCK_SECONDS must be positive")
	}
	cfg.CommandBlock = time.Duration(blockSeconds) * time.Second

	claimIdleSeconds := getEnvAsInt("CLAIM_IDLE_SECONDS", 60)
	if claimIdleSeconds <= 0 {
		errs = append(errs, "CLAIM_IDLE_SECONDS must be positive")
	}
	cfg.ClaimIdle = time.Duration(claimIdleSeconds) * time.Second

	lockTTLSeconds := getEnvAsInt("GROUP_LOCK_TTL_SECONDS", 30)
	if lockTTLSeconds <= 0 {
		errs = append(errs, "GROUP_LOCK_TTL_SECONDS must be positive")
	}
	cfg.GroupLockTTL = time.Duration(lockTTLSeconds) * time.Second

	// Retry
	cfg.RetryMaxAttempts = getEnvAsInt("RETRY_MAX_ATTEMPTS", 5)
	if cfg.RetryMaxAttempts <= 0 {
		errs = append(errs, "RETRY_MAX_ATTEMPTS must be positive")
	}
	cfg.RetryMinDelay = time.Duration(getEnvAsInt("RETRY_MIN_DELAY_MS", 200)) * time.Millisecond
	cfg.RetryMaxDelay = time.Duration(getEnvAsInt("RETRY_MAX_DELAY_MS", 10000)) * time.Millisecond
	if cfg.RetryMinDelay <= 0 || cfg.RetryMaxDelay < cfg.RetryMinDelay {
		errs = append(errs, "retry delays must be positive and RETRY_MAX_DELAY_MS >= RETRY_MIN_DELAY_MS")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/spot_ladder_bot.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	eventTTLHours := getEnvAsInt("EVENT_TTL_HOURS", 72)
	if eventTTLHours <= 0 {
		errs = append(errs, "EVENT_TTL_HOURS must be positive")
	}
	cfg.EventTTL = time.Duration(eventTTLHours) * time.Hour

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr)

	// Metrics
	cfg.MetricsAddr = getEnv("METRICS_ADDR", ":9090")

	// Connection Settings
	reconnectDelaySeconds := getEnvAsInt("RECONNECT_DELAY_SECONDS", 5)
	if reconnectDelaySeconds <= 0 {
		errs = append(errs, "RECONNECT_DELAY_SECONDS must be positive")
	}
	cfg.ReconnectDelay = time.Duration(reconnectDelaySeconds) * time.Second

	cfg.MaxReconnectAttempts = getEnvAsInt("MAX_RECONNECT_ATTEMPTS", 10)
	if cfg.MaxReconnectAttempts < 0 {
		errs = append(errs, "MAX_RECONNECT_ATTEMPTS cannot be negative")
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Log warning? For non-required fields, default is often acceptable.
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
