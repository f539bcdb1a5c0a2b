// Package config loads the engine configuration from config.json with
// environment variable overrides taking precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
)

type Config struct {
	BinanceConfig  BinanceConfig  `json:"binance"`
	ServerConfig   ServerConfig   `json:"server"`
	MongoConfig    MongoConfig    `json:"mongo"`
	PostgresConfig PostgresConfig `json:"postgres"`
	RedisConfig    RedisConfig    `json:"redis"`
	NATSConfig     NATSConfig     `json:"nats"`
	EngineConfig   EngineConfig   `json:"engine"`
	LoggingConfig  LoggingConfig  `json:"logging"`
}

// BinanceConfig holds the futures venue connection settings.
type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // Use the simulated venue instead of Binance
}

type ServerConfig struct {
	Host           string `json:"host"`
	Port           int    `json:"port"`
	ProductionMode bool   `json:"production_mode"`
}

type MongoConfig struct {
	Enabled  bool   `json:"enabled"`
	URI      string `json:"uri"`
	Database string `json:"database"`
}

type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

type NATSConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

// EngineConfig holds the trading engine runtime settings.
type EngineConfig struct {
	HedgeModeEnabled     bool `json:"hedge_mode_enabled"`
	LockTTLSeconds       int  `json:"lock_ttl_seconds"`
	LockSweepSeconds     int  `json:"lock_sweep_seconds"`
	LeaderElection       bool `json:"leader_election"`
	LeaderTTLSeconds     int  `json:"leader_ttl_seconds"`
	DrainTimeoutSeconds  int  `json:"drain_timeout_seconds"`
	SyncIntervalSeconds  int  `json:"sync_interval_seconds"`
	ConfigCacheTTLSecond int  `json:"config_cache_ttl_seconds"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	JSONFormat bool   `json:"json_format"` // console writer when false
}

// Load reads config.json (optional) and applies environment overrides.
func Load() (*Config, error) {
	cfg, err := loadFromFile("config.json")
	if err != nil {
		cfg = &Config{}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	if !c.BinanceConfig.MockMode && (c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "") {
		return errors.New("binance api_key and secret_key are required unless mock_mode is enabled")
	}
	if c.ServerConfig.Port <= 0 || c.ServerConfig.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.ServerConfig.Port)
	}
	if c.MongoConfig.Enabled && c.MongoConfig.URI == "" {
		return errors.New("mongo uri is required when mongo is enabled")
	}
	if c.NATSConfig.Enabled && c.NATSConfig.URL == "" {
		return errors.New("nats url is required when nats is enabled")
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.BinanceConfig.APIKey = getEnvOrDefault("BINANCE_API_KEY", cfg.BinanceConfig.APIKey)
	cfg.BinanceConfig.SecretKey = getEnvOrDefault("BINANCE_SECRET_KEY", cfg.BinanceConfig.SecretKey)
	cfg.BinanceConfig.TestNet = getEnvBoolOrDefault("BINANCE_TESTNET", cfg.BinanceConfig.TestNet)
	cfg.BinanceConfig.MockMode = getEnvBoolOrDefault("MOCK_MODE", cfg.BinanceConfig.MockMode)

	cfg.ServerConfig.Host = getEnvOrDefault("SERVER_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.Port = getEnvIntOrDefault("SERVER_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.ProductionMode = getEnvBoolOrDefault("SERVER_PRODUCTION", cfg.ServerConfig.ProductionMode)

	cfg.MongoConfig.Enabled = getEnvBoolOrDefault("MONGO_ENABLED", cfg.MongoConfig.Enabled)
	cfg.MongoConfig.URI = getEnvOrDefault("MONGO_URI", cfg.MongoConfig.URI)
	cfg.MongoConfig.Database = getEnvOrDefault("MONGO_DATABASE", defaultString(cfg.MongoConfig.Database, "tradeengine"))

	cfg.PostgresConfig.Enabled = getEnvBoolOrDefault("POSTGRES_ENABLED", cfg.PostgresConfig.Enabled)
	cfg.PostgresConfig.Host = getEnvOrDefault("POSTGRES_HOST", defaultString(cfg.PostgresConfig.Host, "localhost"))
	cfg.PostgresConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", defaultInt(cfg.PostgresConfig.Port, 5432))
	cfg.PostgresConfig.User = getEnvOrDefault("POSTGRES_USER", cfg.PostgresConfig.User)
	cfg.PostgresConfig.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.PostgresConfig.Password)
	cfg.PostgresConfig.Database = getEnvOrDefault("POSTGRES_DATABASE", defaultString(cfg.PostgresConfig.Database, "tradeengine"))
	cfg.PostgresConfig.SSLMode = getEnvOrDefault("POSTGRES_SSLMODE", defaultString(cfg.PostgresConfig.SSLMode, "disable"))

	cfg.RedisConfig.Enabled = getEnvBoolOrDefault("REDIS_ENABLED", cfg.RedisConfig.Enabled)
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	cfg.NATSConfig.Enabled = getEnvBoolOrDefault("NATS_ENABLED", cfg.NATSConfig.Enabled)
	cfg.NATSConfig.URL = getEnvOrDefault("NATS_URL", defaultString(cfg.NATSConfig.URL, "nats://localhost:4222"))

	cfg.EngineConfig.HedgeModeEnabled = getEnvBoolOrDefault("HEDGE_MODE_ENABLED", true)
	cfg.EngineConfig.LockTTLSeconds = getEnvIntOrDefault("LOCK_TTL_SECONDS", defaultInt(cfg.EngineConfig.LockTTLSeconds, 120))
	cfg.EngineConfig.LockSweepSeconds = getEnvIntOrDefault("LOCK_SWEEP_SECONDS", defaultInt(cfg.EngineConfig.LockSweepSeconds, 30))
	cfg.EngineConfig.LeaderElection = getEnvBoolOrDefault("LEADER_ELECTION", cfg.EngineConfig.LeaderElection)
	cfg.EngineConfig.LeaderTTLSeconds = getEnvIntOrDefault("LEADER_TTL_SECONDS", defaultInt(cfg.EngineConfig.LeaderTTLSeconds, 15))
	cfg.EngineConfig.DrainTimeoutSeconds = getEnvIntOrDefault("DRAIN_TIMEOUT_SECONDS", defaultInt(cfg.EngineConfig.DrainTimeoutSeconds, 30))
	cfg.EngineConfig.SyncIntervalSeconds = getEnvIntOrDefault("SYNC_INTERVAL_SECONDS", defaultInt(cfg.EngineConfig.SyncIntervalSeconds, 10))
	cfg.EngineConfig.ConfigCacheTTLSecond = getEnvIntOrDefault("CONFIG_CACHE_TTL_SECONDS", defaultInt(cfg.EngineConfig.ConfigCacheTTLSecond, 60))

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.JSONFormat = getEnvBoolOrDefault("LOG_JSON", cfg.LoggingConfig.JSONFormat)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}
	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func defaultInt(v, fallback int) int {
	if v == 0 {
		return fallback
	}
	return v
}
