// Package config provides configuration management for the sale settlement backend.
// It loads configuration from environment variables and .env files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/sale-settlement/internal/types"
)

// Config holds all application configuration
type Config struct {
	Server      ServerConfig
	Database    DatabaseConfig
	Networks    map[types.Network]NetworkConfig
	Reconcile   ReconcileConfig
	Phase       PhaseConfig
	Reservation ReservationConfig
	Referral    ReferralConfig
	Auth        AuthConfig
	Throttle    ThrottleConfig
	Cache       CacheConfig
	Logging     LoggingConfig
	Worker      WorkerConfig
}

// ServerConfig holds server configuration
type ServerConfig struct {
	Port string
	Host string
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
	Redis      RedisConfig
}

// PostgresConfig holds Postgres configuration
type PostgresConfig struct {
	Host           string
	Port           string
	Database       string
	User           string
	Password       string
	MaxConnections int
}

// ClickHouseConfig holds ClickHouse configuration.
// The transfer audit trail is skipped when Enabled is false.
type ClickHouseConfig struct {
	Enabled  bool
	Host     string
	Port     string
	Database string
	User     string
	Password string
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host           string
	Port           string
	Password       string
	DB             int
	MaxConnections int
}

// NetworkConfig holds explorer settings for one network
type NetworkConfig struct {
	ExplorerURL       string
	APIKey            string
	USDTAddress       string
	TokenDecimals     int
	BlockTime         time.Duration
	RequestsPerSecond float64
}

// ReconcileConfig holds reconciliation poller configuration
type ReconcileConfig struct {
	ReceiverAddress string
	PollInterval    time.Duration
	RecencyWindow   time.Duration
	ExplorerTimeout time.Duration
}

// PhaseConfig holds phase transition scheduler configuration
type PhaseConfig struct {
	TickInterval   time.Duration
	StartTolerance time.Duration
}

// ReservationConfig holds supply reservation configuration
type ReservationConfig struct {
	TTL           time.Duration
	SweepInterval time.Duration
}

// ReferralConfig holds referral credit configuration
type ReferralConfig struct {
	Percent int
}

// AuthConfig holds bearer token configuration
type AuthConfig struct {
	JWTSecret     string
	// GatewaySecret signs payment gateway callback tokens
	GatewaySecret string
}

// ThrottleConfig holds per-caller request throttling configuration
type ThrottleConfig struct {
	// Limit requests are allowed per Period before the caller is blocked for Window
	Limit  int
	Period time.Duration
	Window time.Duration
}

// CacheConfig holds cache configuration
type CacheConfig struct {
	SalesTTL time.Duration
}

// WorkerConfig holds background worker process configuration
type WorkerConfig struct {
	// MetricsAddr serves /metrics and /status for the worker
	MetricsAddr string
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string
	Format string
}

type networkDefaults struct {
	explorerURL string
	usdtAddress string
	blockTime   time.Duration
}

var defaultNetworks = map[types.Network]networkDefaults{
	types.NetworkETH: {
		explorerURL: "https://api.etherscan.io/api",
		usdtAddress: "0xdAC17F958D2ee523a2206206994597C13D831ec7",
		blockTime:   15 * time.Second,
	},
	types.NetworkBNB: {
		explorerURL: "https://api.bscscan.com/api",
		usdtAddress: "0x55d398326f99059fF775485246999027B3197955",
		blockTime:   15 * time.Second,
	},
	types.NetworkFTM: {
		explorerURL: "https://api.ftmscan.com/api",
		usdtAddress: "0x049d68029688eAbF473097a2fC38ef61633A3C7A",
		blockTime:   15 * time.Second,
	},
	types.NetworkMATIC: {
		explorerURL: "https://api.polygonscan.com/api",
		usdtAddress: "0xc2132d05d31c914a87c6611c10748aeb04b58e8f",
		blockTime:   15 * time.Second,
	},
}

// LoadConfig loads configuration from .env file and environment variables
func LoadConfig() (*Config, error) {
	// .env is optional, variables can be set directly
	if err := godotenv.Load(); err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("error loading .env file: %w", err)
		}
	}

	config := &Config{
		Server: ServerConfig{
			Port: getEnv("SERVER_PORT", "8080"),
			Host: getEnv("SERVER_HOST", "0.0.0.0"),
		},
		Database: DatabaseConfig{
			Postgres: PostgresConfig{
				Host:           getEnv("POSTGRES_HOST", "localhost"),
				Port:           getEnv("POSTGRES_PORT", "5432"),
				Database:       getEnv("POSTGRES_DB", "sale_settlement"),
				User:           getEnv("POSTGRES_USER", "sale"),
				Password:       getEnv("POSTGRES_PASSWORD", ""),
				MaxConnections: getEnvAsInt("POSTGRES_MAX_CONNECTIONS", 50),
			},
			ClickHouse: ClickHouseConfig{
				Enabled:  getEnvAsBool("CLICKHOUSE_ENABLED", false),
				Host:     getEnv("CLICKHOUSE_HOST", "localhost"),
				Port:     getEnv("CLICKHOUSE_PORT", "9000"),
				Database: getEnv("CLICKHOUSE_DB", "sale_settlement"),
				User:     getEnv("CLICKHOUSE_USER", "default"),
				Password: getEnv("CLICKHOUSE_PASSWORD", ""),
			},
			Redis: RedisConfig{
				Host:           getEnv("REDIS_HOST", "localhost"),
				Port:           getEnv("REDIS_PORT", "6379"),
				Password:       getEnv("REDIS_PASSWORD", ""),
				DB:             getEnvAsInt("REDIS_DB", 0),
				MaxConnections: getEnvAsInt("REDIS_MAX_CONNECTIONS", 20),
			},
		},
		Reconcile: ReconcileConfig{
			ReceiverAddress: getEnv("RECEIVER_ADDRESS", ""),
			PollInterval:    getEnvAsDuration("POLL_INTERVAL", 30*time.Second),
			RecencyWindow:   getEnvAsDuration("RECENCY_WINDOW", 10*time.Minute),
			ExplorerTimeout: getEnvAsDuration("EXPLORER_TIMEOUT", 10*time.Second),
		},
		Phase: PhaseConfig{
			TickInterval:   getEnvAsDuration("PHASE_TICK_INTERVAL", 60*time.Second),
			StartTolerance: getEnvAsDuration("PHASE_START_TOLERANCE", time.Second),
		},
		Reservation: ReservationConfig{
			TTL:           getEnvAsDuration("RESERVATION_TTL", 30*time.Minute),
			SweepInterval: getEnvAsDuration("RESERVATION_SWEEP_INTERVAL", time.Minute),
		},
		Referral: ReferralConfig{
			Percent: getEnvAsInt("REFERRAL_PERCENT", 10),
		},
		Auth: AuthConfig{
			JWTSecret:     getEnv("JWT_SECRET", ""),
			GatewaySecret: getEnv("GATEWAY_JWT_SECRET", ""),
		},
		Throttle: ThrottleConfig{
			Limit:  getEnvAsInt("THROTTLE_LIMIT", 5),
			Period: getEnvAsDuration("THROTTLE_PERIOD", 5*time.Second),
			Window: getEnvAsDuration("THROTTLE_WINDOW", 55*time.Second),
		},
		Cache: CacheConfig{
			SalesTTL: getEnvAsDuration("CACHE_SALES_TTL", 10*time.Second),
		},
		Logging: LoggingConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Worker: WorkerConfig{
			MetricsAddr: getEnv("WORKER_METRICS_ADDR", ":9090"),
		},
	}

	config.Networks = loadNetworkConfigs()

	return config, nil
}

// loadNetworkConfigs loads per-network explorer settings
func loadNetworkConfigs() map[types.Network]NetworkConfig {
	networks := make(map[types.Network]NetworkConfig, len(types.AllNetworks))
	for _, network := range types.AllNetworks {
		def := defaultNetworks[network]
		prefix := string(network)
		networks[network] = NetworkConfig{
			ExplorerURL:       getEnv(prefix+"_EXPLORER_URL", def.explorerURL),
			APIKey:            getEnv(prefix+"_API_KEY", ""),
			USDTAddress:       getEnv(prefix+"_USDT_ADDRESS", def.usdtAddress),
			TokenDecimals:     getEnvAsInt(prefix+"_TOKEN_DECIMALS", 18),
			BlockTime:         getEnvAsDuration(prefix+"_BLOCK_TIME", def.blockTime),
			RequestsPerSecond: getEnvAsFloat(prefix+"_REQUESTS_PER_SECOND", 5),
		}
	}
	return networks
}

// Validate checks settings the worker cannot run without
func (c *Config) Validate() error {
	if c.Reconcile.ReceiverAddress == "" {
		return fmt.Errorf("RECEIVER_ADDRESS is required")
	}
	if !strings.HasPrefix(strings.ToLower(c.Reconcile.ReceiverAddress), "0x") || len(c.Reconcile.ReceiverAddress) != 42 {
		return fmt.Errorf("RECEIVER_ADDRESS is not a valid address: %s", c.Reconcile.ReceiverAddress)
	}
	if c.Referral.Percent < 0 || c.Referral.Percent > 100 {
		return fmt.Errorf("REFERRAL_PERCENT must be between 0 and 100, got %d", c.Referral.Percent)
	}
	if c.Auth.GatewaySecret != "" && c.Auth.GatewaySecret == c.Auth.JWTSecret {
		return fmt.Errorf("GATEWAY_JWT_SECRET must differ from JWT_SECRET")
	}
	for network, nc := range c.Networks {
		if nc.BlockTime <= 0 {
			return fmt.Errorf("%s_BLOCK_TIME must be positive", network)
		}
		if nc.TokenDecimals < 0 {
			return fmt.Errorf("%s_TOKEN_DECIMALS must not be negative", network)
		}
	}
	return nil
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsBool gets an environment variable as a boolean with a default value
func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration gets an environment variable as a duration with a default value
func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	valueStr := getEnv(key, "")
	if valueStr == "" {
		return defaultValue
	}

	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
