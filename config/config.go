package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"coin-portfolio-bot/internal/api"
	"coin-portfolio-bot/internal/circuit"
	"coin-portfolio-bot/internal/factors"
	"coin-portfolio-bot/internal/history"
	"coin-portfolio-bot/internal/scheduler"
	"coin-portfolio-bot/internal/vault"
)

type Config struct {
	ExchangeConfig     ExchangeConfig        `json:"exchange"`
	TradingConfig      TradingConfig         `json:"trading"`
	EngineConfig       EngineConfig          `json:"engine"`
	SchedulerConfig    scheduler.Config      `json:"scheduler"`
	FactorsConfig      factors.Config        `json:"factors"`
	BreakerConfig      circuit.BreakerConfig `json:"circuit_breaker"`
	DatabaseConfig     history.DBConfig      `json:"database"`
	RedisConfig        RedisConfig           `json:"redis"`
	NotificationConfig NotificationConfig    `json:"notification"`
	VaultConfig        vault.Config          `json:"vault"`
	ServerConfig       api.ServerConfig      `json:"server"`
}

// ExchangeConfig holds the REST and websocket endpoints plus the credentials
// used when Vault is disabled.
type ExchangeConfig struct {
	APIKey    string `json:"-"`
	SecretKey string `json:"-"`
	BaseURL   string `json:"base_url"`
	WSBaseURL string `json:"ws_base_url"`
	TestNet   bool   `json:"testnet"`
}

type TradingConfig struct {
	Symbols             []string `json:"symbols"`
	QuoteAmountPerEntry float64  `json:"quote_amount_per_entry"`
	DryRun              bool     `json:"dry_run"` // paper fills, no real orders
	SnapshotFile        string   `json:"snapshot_file"`
}

// EngineConfig sizes the analysis cycle. Durations are in seconds.
type EngineConfig struct {
	CycleIntervalSecs int `json:"cycle_interval_secs"`
	PriceMaxAgeSecs   int `json:"price_max_age_secs"`
	MaxWorkers        int `json:"max_workers"`
	TaskTimeoutSecs   int `json:"task_timeout_secs"`
	CycleDeadlineSecs int `json:"cycle_deadline_secs"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"-"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"-"`
}

// RedisConfig holds the snapshot store connection. When disabled the ledger
// falls back to the JSON file store.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"-"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

func Load(filename string) (*Config, error) {
	cfg, err := loadFromFile(filename)
	if err != nil {
		// No config file is fine; env vars and defaults carry it.
		cfg = &Config{}
	}

	applyDefaults(cfg)
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.BaseURL == "" {
		cfg.ExchangeConfig.BaseURL = "https://api.binance.com"
	}
	if cfg.ExchangeConfig.WSBaseURL == "" {
		cfg.ExchangeConfig.WSBaseURL = "wss://stream.binance.com:9443"
	}
	if cfg.TradingConfig.QuoteAmountPerEntry <= 0 {
		cfg.TradingConfig.QuoteAmountPerEntry = 100
	}
	if cfg.TradingConfig.SnapshotFile == "" {
		cfg.TradingConfig.SnapshotFile = "positions.json"
	}
	if cfg.EngineConfig.CycleIntervalSecs <= 0 {
		cfg.EngineConfig.CycleIntervalSecs = 60
	}
	if cfg.EngineConfig.PriceMaxAgeSecs <= 0 {
		cfg.EngineConfig.PriceMaxAgeSecs = 30
	}
	if cfg.EngineConfig.MaxWorkers <= 0 {
		cfg.EngineConfig.MaxWorkers = 3
	}
	if cfg.EngineConfig.TaskTimeoutSecs <= 0 {
		cfg.EngineConfig.TaskTimeoutSecs = 20
	}
	if cfg.EngineConfig.CycleDeadlineSecs <= 0 {
		cfg.EngineConfig.CycleDeadlineSecs = 90
	}
	if cfg.SchedulerConfig.MaxPositions == 0 {
		cfg.SchedulerConfig = scheduler.DefaultConfig()
	}
	if cfg.FactorsConfig.BaseMinEntryScore == 0 {
		cfg.FactorsConfig = factors.DefaultManagerConfig()
	}
	if cfg.BreakerConfig.MaxConsecutiveLosses == 0 {
		cfg.BreakerConfig = circuit.DefaultBreakerConfig()
	}
	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8080
	}
}

func applyEnvOverrides(cfg *Config) {
	// Exchange credentials only come from the environment or Vault, never
	// from the config file.
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.WSBaseURL = getEnvOrDefault("EXCHANGE_WS_BASE_URL", cfg.ExchangeConfig.WSBaseURL)
	if v := os.Getenv("EXCHANGE_TESTNET"); v != "" {
		cfg.ExchangeConfig.TestNet = v == "true"
	}

	if v := os.Getenv("TRADING_SYMBOLS"); v != "" {
		cfg.TradingConfig.Symbols = splitSymbols(v)
	}
	if v := os.Getenv("TRADING_DRY_RUN"); v != "" {
		cfg.TradingConfig.DryRun = v == "true"
	}
	cfg.TradingConfig.QuoteAmountPerEntry = getEnvFloatOrDefault("TRADING_QUOTE_AMOUNT", cfg.TradingConfig.QuoteAmountPerEntry)

	cfg.EngineConfig.CycleIntervalSecs = getEnvIntOrDefault("ENGINE_CYCLE_INTERVAL_SECS", cfg.EngineConfig.CycleIntervalSecs)
	cfg.EngineConfig.MaxWorkers = getEnvIntOrDefault("ENGINE_MAX_WORKERS", cfg.EngineConfig.MaxWorkers)

	// Database config
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis config
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)

	// Notification config
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationConfig.Enabled = v == "true"
	}
	if v := os.Getenv("TELEGRAM_ENABLED"); v != "" {
		cfg.NotificationConfig.Telegram.Enabled = v == "true"
	}
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	if v := os.Getenv("DISCORD_ENABLED"); v != "" {
		cfg.NotificationConfig.Discord.Enabled = v == "true"
	}
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Vault config
	if v := os.Getenv("VAULT_ENABLED"); v != "" {
		cfg.VaultConfig.Enabled = v == "true"
	}
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", cfg.VaultConfig.MountPath)
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", cfg.VaultConfig.SecretPath)

	// Server config
	cfg.ServerConfig.Port = getEnvIntOrDefault("API_PORT", cfg.ServerConfig.Port)
	if v := os.Getenv("API_PRODUCTION_MODE"); v != "" {
		cfg.ServerConfig.ProductionMode = v == "true"
	}
}

// Validate fails fast on configuration the engine cannot run with.
func (c *Config) Validate() error {
	if len(c.TradingConfig.Symbols) == 0 {
		return fmt.Errorf("config: no trading symbols configured")
	}
	seen := make(map[string]bool, len(c.TradingConfig.Symbols))
	for _, symbol := range c.TradingConfig.Symbols {
		if symbol == "" {
			return fmt.Errorf("config: empty symbol in trading list")
		}
		if seen[symbol] {
			return fmt.Errorf("config: duplicate symbol %s", symbol)
		}
		seen[symbol] = true
	}
	if c.TradingConfig.QuoteAmountPerEntry <= 0 {
		return fmt.Errorf("config: quote_amount_per_entry must be positive")
	}
	if c.SchedulerConfig.MaxPositions <= 0 {
		return fmt.Errorf("config: max_positions must be positive")
	}
	if err := c.FactorsConfig.Bounds.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.RedisConfig.Enabled && c.RedisConfig.Address == "" {
		return fmt.Errorf("config: redis enabled but no address")
	}
	if c.VaultConfig.Enabled && c.VaultConfig.Address == "" {
		return fmt.Errorf("config: vault enabled but no address")
	}
	return nil
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

func splitSymbols(raw string) []string {
	parts := strings.Split(raw, ",")
	symbols := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			symbols = append(symbols, strings.ToUpper(trimmed))
		}
	}
	return symbols
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

// GenerateSampleConfig writes a starter configuration file.
func GenerateSampleConfig(filename string) error {
	config := Config{
		ExchangeConfig: ExchangeConfig{
			BaseURL:   "https://api.binance.com",
			WSBaseURL: "wss://stream.binance.com:9443",
			TestNet:   true,
		},
		TradingConfig: TradingConfig{
			Symbols:             []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
			QuoteAmountPerEntry: 100,
			DryRun:              true,
			SnapshotFile:        "positions.json",
		},
		EngineConfig: EngineConfig{
			CycleIntervalSecs: 60,
			PriceMaxAgeSecs:   30,
			MaxWorkers:        3,
			TaskTimeoutSecs:   20,
			CycleDeadlineSecs: 90,
		},
		SchedulerConfig: scheduler.DefaultConfig(),
		FactorsConfig:   factors.DefaultManagerConfig(),
		BreakerConfig:   circuit.DefaultBreakerConfig(),
		ServerConfig: api.ServerConfig{
			Port:           8080,
			ProductionMode: false,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
