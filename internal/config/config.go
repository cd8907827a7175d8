package config

import (
	"fmt"
	"math/big"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dedata/checkpay/pkg/validation"
)

// DefaultDailyReward is 10 tokens with 18 decimals.
const DefaultDailyReward = "10000000000000000000"

type Config struct {
	Development bool
	// Logging configuration
	LogLevel      string
	LogFile       string
	LogMaxSizeMB  int
	LogMaxBackups int
	LogMaxAgeDays int

	// API configuration
	APIPort           int
	MetricsPort       int
	JWTSecret         string
	JWTExpiry         time.Duration
	AuthNonceTTL      time.Duration
	CORSOrigins       []string
	APIRateLimitRPS   float64
	APIRateLimitBurst int

	// Postgres configuration
	PostgresUser     string
	PostgresPassword string
	PostgresHost     string
	PostgresPort     int
	PostgresDB       string
	PostgresSSLMode  string

	// Redis configuration
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Check-in configuration
	CheckInTimezone string
	DailyReward     string
	MaxRetryCount   int

	// X402 payment gateway configuration
	X402Enabled        bool
	X402BaseURL        string
	X402APIToken       string
	X402MerchantID     string
	X402PriceAmount    string
	X402BlockchainType int
	X402TokenSymbol    string

	// Blockchain configuration
	RPCURL            string
	ChainID           *big.Int
	TokenAddress      string
	PayoutPrivateKey  string
	PayoutKeySecretID string
	AWSRegion         string
	MinGasPriceGwei   int64
	GasLimit          uint64
	Confirmations     uint64
	RPCMaxAttempts    int
	ConfirmTimeout    time.Duration

	// Worker configuration
	WorkerIdleBackoff time.Duration
	DequeueTimeout    time.Duration
	RecoveryWindow    time.Duration
	CheckInTimeout    time.Duration
	ShutdownGrace     time.Duration
	SweepSchedule     string
	ReconcileAfter    time.Duration
	LeaseTTL          time.Duration

	// SMTP configuration
	SMTPHost      string
	SMTPPort      int
	SMTPUser      string
	SMTPPassword  string
	SMTPSender    string
	OperatorEmail string

	// Notification configuration
	TelegramBotToken       string
	TelegramOperatorChatID string
}

// LoadConfig loads the configuration from environment variables
func LoadConfig() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cfg := &Config{
		Development:   getEnvAsBool("DEVELOPMENT", false),
		LogLevel:      getEnv("LOG_LEVEL", ""),
		LogFile:       getEnv("LOG_FILE", ""),
		LogMaxSizeMB:  getEnvAsInt("LOG_MAX_SIZE_MB", 100),
		LogMaxBackups: getEnvAsInt("LOG_MAX_BACKUPS", 7),
		LogMaxAgeDays: getEnvAsInt("LOG_MAX_AGE_DAYS", 30),

		APIPort:           getEnvAsInt("API_PORT", 8080),
		MetricsPort:       getEnvAsInt("METRICS_PORT", 9090),
		JWTSecret:         getEnv("JWT_SECRET", ""),
		JWTExpiry:         getEnvAsDuration("JWT_EXPIRY", 24*time.Hour),
		AuthNonceTTL:      getEnvAsDuration("AUTH_NONCE_TTL", 5*time.Minute),
		CORSOrigins:       getEnvAsList("CORS_ORIGINS", []string{"*"}),
		APIRateLimitRPS:   getEnvAsFloat("API_RATE_LIMIT_RPS", 5),
		APIRateLimitBurst: getEnvAsInt("API_RATE_LIMIT_BURST", 20),

		PostgresUser:     getEnv("POSTGRES_USER", "postgres"),
		PostgresPassword: getEnv("POSTGRES_PASSWORD", "password"),
		PostgresHost:     getEnv("POSTGRES_HOST", "localhost"),
		PostgresPort:     getEnvAsInt("POSTGRES_PORT", 5432),
		PostgresDB:       getEnv("POSTGRES_DB", "checkpay"),
		PostgresSSLMode:  getEnv("POSTGRES_SSLMODE", "disable"),

		RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvAsInt("REDIS_DB", 0),

		CheckInTimezone: getEnv("CHECKIN_TIMEZONE", "UTC"),
		DailyReward:     getEnv("DAILY_REWARD", DefaultDailyReward),
		MaxRetryCount:   getEnvAsInt("MAX_RETRY_COUNT", 3),

		X402Enabled:        getEnvAsBool("X402_ENABLED", false),
		X402BaseURL:        strings.TrimRight(getEnv("X402_BASE_URL", "http://localhost:8086"), "/"),
		X402APIToken:       getEnv("X402_API_TOKEN", ""),
		X402MerchantID:     getEnv("X402_MERCHANT_ID", ""),
		X402PriceAmount:    getEnv("X402_PRICE_AMOUNT", ""),
		X402BlockchainType: getEnvAsInt("X402_BLOCKCHAIN_TYPE", 1),
		X402TokenSymbol:    getEnv("X402_TOKEN_SYMBOL", "USDT"),

		RPCURL:            getEnv("RPC_URL", "http://localhost:8545"),
		ChainID:           getEnvAsBigInt("CHAIN_ID", big.NewInt(137)),
		TokenAddress:      getEnv("TOKEN_ADDRESS", ""),
		PayoutPrivateKey:  getEnv("PAYOUT_PRIVATE_KEY", ""),
		PayoutKeySecretID: getEnv("PAYOUT_KEY_SECRET_ID", ""),
		AWSRegion:         getEnv("AWS_REGION", ""),
		MinGasPriceGwei:   int64(getEnvAsInt("MIN_GAS_PRICE_GWEI", 30)),
		GasLimit:          uint64(getEnvAsInt("GAS_LIMIT", 0)),
		Confirmations:     uint64(getEnvAsInt("CONFIRMATIONS", 1)),
		RPCMaxAttempts:    getEnvAsInt("RPC_MAX_ATTEMPTS", 3),
		ConfirmTimeout:    getEnvAsDuration("CONFIRM_TIMEOUT", 3*time.Minute),

		WorkerIdleBackoff: getEnvAsDuration("WORKER_IDLE_BACKOFF", 5*time.Second),
		DequeueTimeout:    getEnvAsDuration("DEQUEUE_TIMEOUT", 5*time.Second),
		RecoveryWindow:    getEnvAsDuration("RECOVERY_WINDOW", 24*time.Hour),
		CheckInTimeout:    getEnvAsDuration("CHECKIN_TIMEOUT", 24*time.Hour),
		ShutdownGrace:     getEnvAsDuration("SHUTDOWN_GRACE", 10*time.Second),
		SweepSchedule:     getEnv("SWEEP_SCHEDULE", "@every 10m"),
		ReconcileAfter:    getEnvAsDuration("RECONCILE_AFTER", 10*time.Minute),
		LeaseTTL:          getEnvAsDuration("LEASE_TTL", 30*time.Second),

		SMTPHost:      getEnv("SMTP_HOST", ""),
		SMTPPort:      getEnvAsInt("SMTP_PORT", 587),
		SMTPUser:      getEnv("SMTP_USER", ""),
		SMTPPassword:  getEnv("SMTP_PASSWORD", ""),
		SMTPSender:    getEnv("SMTP_SENDER", ""),
		OperatorEmail: getEnv("OPERATOR_EMAIL", ""),

		TelegramBotToken:       getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramOperatorChatID: getEnv("TELEGRAM_OPERATOR_CHAT_ID", ""),
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the settings shared by every command
func (c *Config) Validate() error {
	if c.PostgresDB == "" {
		return fmt.Errorf("POSTGRES_DB is required")
	}

	if c.PostgresHost == "" {
		return fmt.Errorf("POSTGRES_HOST is required")
	}

	if c.RedisAddr == "" {
		return fmt.Errorf("REDIS_ADDR is required")
	}

	if _, err := validation.ParseAmount(c.DailyReward); err != nil {
		return fmt.Errorf("invalid DAILY_REWARD: %w", err)
	}

	if c.MaxRetryCount < 1 {
		return fmt.Errorf("MAX_RETRY_COUNT must be at least 1")
	}

	if _, err := c.Location(); err != nil {
		return fmt.Errorf("invalid CHECKIN_TIMEZONE: %w", err)
	}

	if c.X402Enabled {
		if c.X402BaseURL == "" || c.X402APIToken == "" || c.X402MerchantID == "" {
			return fmt.Errorf("X402_BASE_URL, X402_API_TOKEN and X402_MERCHANT_ID are required when X402_ENABLED is set")
		}
	}

	return nil
}

// ValidateAPI checks the settings needed to serve the HTTP API
func (c *Config) ValidateAPI() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	if c.APIPort <= 0 {
		return fmt.Errorf("API_PORT must be positive")
	}
	return nil
}

// ValidateWorker checks the settings needed to broadcast payouts
func (c *Config) ValidateWorker() error {
	if c.TokenAddress == "" {
		return fmt.Errorf("TOKEN_ADDRESS is required")
	}

	if err := validation.ValidateAddress(c.TokenAddress); err != nil {
		return fmt.Errorf("invalid TOKEN_ADDRESS format: %w", err)
	}

	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}

	if c.PayoutPrivateKey == "" && c.PayoutKeySecretID == "" {
		return fmt.Errorf("PAYOUT_PRIVATE_KEY or PAYOUT_KEY_SECRET_ID is required")
	}

	if c.ChainID == nil || c.ChainID.Sign() <= 0 {
		return fmt.Errorf("CHAIN_ID must be positive")
	}

	if c.Confirmations < 1 {
		return fmt.Errorf("CONFIRMATIONS must be at least 1")
	}

	if c.RPCMaxAttempts < 1 {
		return fmt.Errorf("RPC_MAX_ATTEMPTS must be at least 1")
	}

	return nil
}

// Location returns the time zone that defines a check-in calendar day
func (c *Config) Location() (*time.Location, error) {
	return time.LoadLocation(c.CheckInTimezone)
}

// PostgresDSN builds the connection string for the GORM postgres driver
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=%s",
		c.PostgresHost, c.PostgresUser, c.PostgresPassword, c.PostgresDB, c.PostgresPort, c.PostgresSSLMode)
}

// Helper functions to read environment variables
func getEnv(key string, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvAsInt(name string, defaultValue int) int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.Atoi(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsFloat(name string, defaultValue float64) float64 {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseFloat(valueStr, 64); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBool(name string, defaultValue bool) bool {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := strconv.ParseBool(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsBigInt(name string, defaultValue *big.Int) *big.Int {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, ok := new(big.Int).SetString(valueStr, 10); ok {
			return value
		}
	}
	return defaultValue
}

func getEnvAsDuration(name string, defaultValue time.Duration) time.Duration {
	if valueStr, exists := os.LookupEnv(name); exists {
		if value, err := time.ParseDuration(valueStr); err == nil {
			return value
		}
	}
	return defaultValue
}

func getEnvAsList(name string, defaultValue []string) []string {
	valueStr, exists := os.LookupEnv(name)
	if !exists || strings.TrimSpace(valueStr) == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(valueStr, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
