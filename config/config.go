// Package config loads application configuration from a JSON file with
// environment variable overrides for secrets, so a config file checked into
// a deploy repo never has to carry API keys.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"ladder-trading-bot/internal/logging"
)

type Config struct {
	BinanceConfig      BinanceConfig      `json:"binance"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	EngineConfig       EngineConfig       `json:"engine"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      logging.Config     `json:"logging"`
}

type BinanceConfig struct {
	APIKey    string `json:"api_key"`
	SecretKey string `json:"secret_key"`
	BaseURL   string `json:"base_url"`
	TestNet   bool   `json:"testnet"`
	MockMode  bool   `json:"mock_mode"` // in-memory exchange, no real orders
}

type DatabaseConfig struct {
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
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// EngineConfig tunes the execution engine sweep and protection policy.
type EngineConfig struct {
	TickIntervalSec      int     `json:"tick_interval_sec"`
	WorkerCount          int     `json:"worker_count"`
	TouchSafetyMarginPct float64 `json:"touch_safety_margin_pct"`
	MinFillKeepPct       float64 `json:"min_fill_keep_pct"`
	ProtectionRetries    int     `json:"protection_retries"`
	RetentionDays        int     `json:"retention_days"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		BinanceConfig: BinanceConfig{
			BaseURL:  "https://fapi.binance.com",
			MockMode: true,
		},
		DatabaseConfig: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Database: "ladder_bot",
			SSLMode:  "disable",
		},
		RedisConfig: RedisConfig{
			Addr: "localhost:6379",
		},
		EngineConfig: EngineConfig{
			TickIntervalSec:      10,
			WorkerCount:          4,
			TouchSafetyMarginPct: 5.0,
			MinFillKeepPct:       20.0,
			ProtectionRetries:    3,
			RetentionDays:        7,
		},
		LoggingConfig: logging.Config{
			Level:  "info",
			Output: "stdout",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist, then applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("BINANCE_API_KEY"); v != "" {
		c.BinanceConfig.APIKey = v
	}
	if v := os.Getenv("BINANCE_SECRET_KEY"); v != "" {
		c.BinanceConfig.SecretKey = v
	}
	if v := os.Getenv("BINANCE_TESTNET"); v != "" {
		c.BinanceConfig.TestNet, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("BINANCE_MOCK_MODE"); v != "" {
		c.BinanceConfig.MockMode, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("DB_HOST"); v != "" {
		c.DatabaseConfig.Host = v
		c.DatabaseConfig.Enabled = true
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.DatabaseConfig.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.DatabaseConfig.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.DatabaseConfig.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.DatabaseConfig.Database = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		c.RedisConfig.Addr = v
		c.RedisConfig.Enabled = true
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		c.RedisConfig.Password = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		c.NotificationConfig.Telegram.BotToken = v
	}
	if v := os.Getenv("TELEGRAM_CHAT_ID"); v != "" {
		c.NotificationConfig.Telegram.ChatID = v
	}
	if v := os.Getenv("DISCORD_WEBHOOK_URL"); v != "" {
		c.NotificationConfig.Discord.WebhookURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.LoggingConfig.Level = v
	}
}

// Validate checks for configurations that cannot work at runtime.
func (c *Config) Validate() error {
	if !c.BinanceConfig.MockMode {
		if c.BinanceConfig.APIKey == "" || c.BinanceConfig.SecretKey == "" {
			return fmt.Errorf("binance api_key and secret_key are required outside mock mode")
		}
	}
	if c.DatabaseConfig.Enabled && c.DatabaseConfig.Host == "" {
		return fmt.Errorf("database enabled but host is empty")
	}
	if c.EngineConfig.TickIntervalSec < 1 {
		return fmt.Errorf("engine tick_interval_sec must be at least 1")
	}
	if c.EngineConfig.WorkerCount < 1 {
		return fmt.Errorf("engine worker_count must be at least 1")
	}
	if c.EngineConfig.MinFillKeepPct < 0 || c.EngineConfig.MinFillKeepPct > 100 {
		return fmt.Errorf("engine min_fill_keep_pct must be within 0-100")
	}
	return nil
}
