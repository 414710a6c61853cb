package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full agent configuration, loaded from an optional JSON file
// with environment variable overrides taking precedence.
type Config struct {
	ExchangeConfig    ExchangeConfig    `json:"exchange"`
	TradingConfig     TradingConfig     `json:"trading"`
	RiskConfig        RiskConfig        `json:"risk"`
	ModelConfig       ModelConfig       `json:"model"`
	SchedulerConfig   SchedulerConfig   `json:"scheduler"`
	DataSourceConfig  DataSourceConfig  `json:"data_sources"`
	DatabaseConfig    DatabaseConfig    `json:"database"`
	RedisConfig       RedisConfig       `json:"redis"`
	VaultConfig       VaultConfig       `json:"vault"`
	ServerConfig      ServerConfig      `json:"server"`
	LoggingConfig     LoggingConfig     `json:"logging"`
}

// ExchangeConfig holds trading venue connectivity settings.
type ExchangeConfig struct {
	Venue             string  `json:"venue"`               // e.g. "binance"
	APIKey            string  `json:"api_key"`
	SecretKey         string  `json:"secret_key"`
	BaseURL           string  `json:"base_url"`
	TestNet           bool    `json:"testnet"`
	Futures           bool    `json:"futures"`             // perpetual futures vs spot
	PositionMode      string  `json:"position_mode"`       // "ONE_WAY" or "HEDGE"
	RequestTimeoutSec int     `json:"request_timeout_sec"` // per-call timeout
	RequestsPerSecond float64 `json:"requests_per_second"` // token bucket refill rate
	BucketBurst       int     `json:"bucket_burst"`        // token bucket capacity
	UserStreamEnabled bool    `json:"user_stream_enabled"` // websocket user-data stream
}

// TradingConfig holds the core trading loop settings.
type TradingConfig struct {
	EnableTrading       bool     `json:"enable_trading"`        // false = record orders locally only
	TradingExchange     string   `json:"trading_exchange"`
	DataSourceExchange  string   `json:"data_source_exchange"`
	DataSourceSymbols   []string `json:"data_source_symbols"`   // full pair form, e.g. "BTC/USDT"
	PrimaryTimeframe    string   `json:"primary_timeframe"`     // trader's candle timeframe
	CandleWindow        int      `json:"candle_window"`         // candles fetched per snapshot
	MaxSymbolsToTrade   int      `json:"max_symbols_to_trade"`
	PromptStyle         string   `json:"prompt_style"`          // conservative | balanced | aggressive
	MaxConcurrentFetches int     `json:"max_concurrent_fetches"`
	MaxConcurrentOrders  int     `json:"max_concurrent_orders"`
}

// RiskConfig holds the risk manager limits.
type RiskConfig struct {
	MaxPositionSize     float64 `json:"max_position_size"`      // fraction of wallet per position
	MaxSingleTrade      float64 `json:"max_single_trade"`       // absolute quote-currency cap
	MaxDailyLoss        float64 `json:"max_daily_loss"`         // fraction, circuit breaker
	MaxDrawdown         float64 `json:"max_drawdown"`           // fraction from high-water mark
	StopLossPct         float64 `json:"stop_loss_pct"`
	TakeProfitPct       float64 `json:"take_profit_pct"`
	MinStopDistancePct  float64 `json:"min_stop_distance_pct"`
	MaxStopDistancePct  float64 `json:"max_stop_distance_pct"`
	MaxLeverageMajor    int     `json:"max_leverage_major"`     // BTC/ETH
	MaxLeverageAltcoin  int     `json:"max_leverage_altcoin"`
	HighLeverageWarning int     `json:"high_leverage_warning"`
	LiquidationBuffer   float64 `json:"liquidation_buffer"`     // min distance to liquidation
}

// ModelConfig holds decision model settings.
type ModelConfig struct {
	Provider    string  `json:"provider"`     // deepseek | qwen | openai | claude
	APIKey      string  `json:"api_key"`
	BaseURL     string  `json:"base_url"`     // override for self-hosted gateways
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
	TimeoutSec  int     `json:"timeout_sec"`
	NewsModel   string  `json:"news_model"`   // small model for news summaries, optional
}

// SchedulerConfig holds the coordinator loop intervals, in seconds.
type SchedulerConfig struct {
	StrategistInterval  int `json:"strategist_interval"`
	TraderInterval      int `json:"trader_interval"`
	PerceptionInterval  int `json:"perception_interval"`
	EnvironmentInterval int `json:"environment_interval"`
	SyncInterval        int `json:"sync_interval"`
	ShutdownGraceSec    int `json:"shutdown_grace_sec"`
	SnapshotTTLSec      int `json:"snapshot_ttl_sec"`
	EnvironmentTTLSec   int `json:"environment_ttl_sec"`
}

// DataSourceConfig enables the optional environment collectors.
type DataSourceConfig struct {
	MacroEnabled     bool   `json:"macro_enabled"`
	MacroEndpoint    string `json:"macro_endpoint"` // JSON endpoint serving macro indicators
	StocksEnabled    bool   `json:"stocks_enabled"`
	SentimentEnabled bool   `json:"sentiment_enabled"`
	OverviewEnabled  bool   `json:"overview_enabled"`
	NewsEnabled      bool   `json:"news_enabled"`
	NewsFeedURL      string `json:"news_feed_url"`
	CollectorTimeout int    `json:"collector_timeout_sec"`
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds the short-term cache settings.
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// VaultConfig holds optional HashiCorp Vault secret resolution.
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`
	SecretPath string `json:"secret_path"`
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// ServerConfig holds the read-only operational status server settings.
type ServerConfig struct {
	Enabled        bool   `json:"enabled"`
	Host           string `json:"host"`
	Port           int    `json:"port"`
	AllowedOrigins string `json:"allowed_origins"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `json:"level"`       // DEBUG, INFO, WARN, ERROR
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"`
}

// Load reads config.json if present, applies environment overrides, and
// fills in defaults for anything left unset.
func Load() (*Config, error) {
	return LoadFrom("config.json")
}

// LoadFrom loads configuration from the given JSON file path.
func LoadFrom(path string) (*Config, error) {
	// .env is optional; ignore a missing file
	_ = godotenv.Load()

	cfg, err := loadFromFile(path)
	if err != nil {
		cfg = &Config{}
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filename, err)
	}
	return &cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	cfg.ExchangeConfig.APIKey = getEnvOrDefault("EXCHANGE_API_KEY", cfg.ExchangeConfig.APIKey)
	cfg.ExchangeConfig.SecretKey = getEnvOrDefault("EXCHANGE_SECRET_KEY", cfg.ExchangeConfig.SecretKey)
	cfg.ExchangeConfig.Venue = getEnvOrDefault("EXCHANGE_VENUE", cfg.ExchangeConfig.Venue)
	cfg.ExchangeConfig.BaseURL = getEnvOrDefault("EXCHANGE_BASE_URL", cfg.ExchangeConfig.BaseURL)
	cfg.ExchangeConfig.TestNet = getEnvBoolOrDefault("EXCHANGE_TESTNET", cfg.ExchangeConfig.TestNet)

	cfg.TradingConfig.EnableTrading = getEnvBoolOrDefault("ENABLE_TRADING", cfg.TradingConfig.EnableTrading)
	if symbols := os.Getenv("DATA_SOURCE_SYMBOLS"); symbols != "" {
		cfg.TradingConfig.DataSourceSymbols = splitAndTrim(symbols)
	}

	cfg.ModelConfig.Provider = getEnvOrDefault("MODEL_PROVIDER", cfg.ModelConfig.Provider)
	cfg.ModelConfig.APIKey = getEnvOrDefault("MODEL_API_KEY", cfg.ModelConfig.APIKey)
	cfg.ModelConfig.Model = getEnvOrDefault("MODEL_NAME", cfg.ModelConfig.Model)

	cfg.DatabaseConfig.Host = getEnvOrDefault("POSTGRES_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("POSTGRES_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("POSTGRES_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("POSTGRES_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("POSTGRES_DB", cfg.DatabaseConfig.Database)

	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", cfg.VaultConfig.Address)
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)

	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
}

func applyDefaults(cfg *Config) {
	if cfg.ExchangeConfig.Venue == "" {
		cfg.ExchangeConfig.Venue = "binance"
	}
	// Spot is not wired; the gateway speaks the perpetual-futures API.
	cfg.ExchangeConfig.Futures = true
	if cfg.ExchangeConfig.PositionMode == "" {
		cfg.ExchangeConfig.PositionMode = "HEDGE"
	}
	if cfg.ExchangeConfig.RequestTimeoutSec == 0 {
		cfg.ExchangeConfig.RequestTimeoutSec = 10
	}
	if cfg.ExchangeConfig.RequestsPerSecond == 0 {
		cfg.ExchangeConfig.RequestsPerSecond = 20
	}
	if cfg.ExchangeConfig.BucketBurst == 0 {
		cfg.ExchangeConfig.BucketBurst = 40
	}
	if cfg.TradingConfig.PrimaryTimeframe == "" {
		cfg.TradingConfig.PrimaryTimeframe = "15m"
	}
	if cfg.TradingConfig.CandleWindow == 0 {
		cfg.TradingConfig.CandleWindow = 100
	}
	if cfg.TradingConfig.MaxSymbolsToTrade == 0 {
		cfg.TradingConfig.MaxSymbolsToTrade = 6
	}
	if cfg.TradingConfig.PromptStyle == "" {
		cfg.TradingConfig.PromptStyle = "balanced"
	}
	if cfg.TradingConfig.MaxConcurrentFetches == 0 {
		cfg.TradingConfig.MaxConcurrentFetches = 5
	}
	if cfg.TradingConfig.MaxConcurrentOrders == 0 {
		cfg.TradingConfig.MaxConcurrentOrders = 5
	}
	if len(cfg.TradingConfig.DataSourceSymbols) == 0 {
		cfg.TradingConfig.DataSourceSymbols = []string{"BTC/USDT", "ETH/USDT", "SOL/USDT", "BNB/USDT"}
	}

	if cfg.RiskConfig.MaxPositionSize == 0 {
		cfg.RiskConfig.MaxPositionSize = 0.20
	}
	if cfg.RiskConfig.MaxSingleTrade == 0 {
		cfg.RiskConfig.MaxSingleTrade = 50000
	}
	if cfg.RiskConfig.MaxDailyLoss == 0 {
		cfg.RiskConfig.MaxDailyLoss = 0.05
	}
	if cfg.RiskConfig.MaxDrawdown == 0 {
		cfg.RiskConfig.MaxDrawdown = 0.15
	}
	if cfg.RiskConfig.StopLossPct == 0 {
		cfg.RiskConfig.StopLossPct = 0.02
	}
	if cfg.RiskConfig.TakeProfitPct == 0 {
		cfg.RiskConfig.TakeProfitPct = 0.04
	}
	if cfg.RiskConfig.MinStopDistancePct == 0 {
		cfg.RiskConfig.MinStopDistancePct = 0.003
	}
	if cfg.RiskConfig.MaxStopDistancePct == 0 {
		cfg.RiskConfig.MaxStopDistancePct = 0.10
	}
	if cfg.RiskConfig.MaxLeverageMajor == 0 {
		cfg.RiskConfig.MaxLeverageMajor = 50
	}
	if cfg.RiskConfig.MaxLeverageAltcoin == 0 {
		cfg.RiskConfig.MaxLeverageAltcoin = 20
	}
	if cfg.RiskConfig.HighLeverageWarning == 0 {
		cfg.RiskConfig.HighLeverageWarning = 25
	}
	if cfg.RiskConfig.LiquidationBuffer == 0 {
		cfg.RiskConfig.LiquidationBuffer = 0.05
	}

	if cfg.ModelConfig.Provider == "" {
		cfg.ModelConfig.Provider = "deepseek"
	}
	if cfg.ModelConfig.Temperature == 0 {
		cfg.ModelConfig.Temperature = 0.3
	}
	if cfg.ModelConfig.MaxTokens == 0 {
		cfg.ModelConfig.MaxTokens = 4096
	}
	if cfg.ModelConfig.TimeoutSec == 0 {
		cfg.ModelConfig.TimeoutSec = 90
	}

	if cfg.SchedulerConfig.StrategistInterval == 0 {
		cfg.SchedulerConfig.StrategistInterval = 3600
	}
	if cfg.SchedulerConfig.TraderInterval == 0 {
		cfg.SchedulerConfig.TraderInterval = 180
	}
	if cfg.SchedulerConfig.PerceptionInterval == 0 {
		cfg.SchedulerConfig.PerceptionInterval = 5
	}
	if cfg.SchedulerConfig.EnvironmentInterval == 0 {
		cfg.SchedulerConfig.EnvironmentInterval = 1800
	}
	if cfg.SchedulerConfig.SyncInterval == 0 {
		cfg.SchedulerConfig.SyncInterval = 10
	}
	if cfg.SchedulerConfig.ShutdownGraceSec == 0 {
		cfg.SchedulerConfig.ShutdownGraceSec = 30
	}
	if cfg.SchedulerConfig.SnapshotTTLSec == 0 {
		cfg.SchedulerConfig.SnapshotTTLSec = 30
	}
	if cfg.SchedulerConfig.EnvironmentTTLSec == 0 {
		cfg.SchedulerConfig.EnvironmentTTLSec = 1800
	}

	if cfg.DataSourceConfig.CollectorTimeout == 0 {
		cfg.DataSourceConfig.CollectorTimeout = 10
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize == 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.VaultConfig.MountPath == "" {
		cfg.VaultConfig.MountPath = "secret"
	}
	if cfg.VaultConfig.SecretPath == "" {
		cfg.VaultConfig.SecretPath = "trading-agent"
	}

	if cfg.ServerConfig.Port == 0 {
		cfg.ServerConfig.Port = 8090
	}
	if cfg.ServerConfig.Host == "" {
		cfg.ServerConfig.Host = "0.0.0.0"
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "INFO"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}
}

// Validate rejects configurations the agent cannot safely run with.
func (c *Config) Validate() error {
	switch c.TradingConfig.PromptStyle {
	case "conservative", "balanced", "aggressive":
	default:
		return fmt.Errorf("invalid prompt_style %q", c.TradingConfig.PromptStyle)
	}

	switch c.ExchangeConfig.PositionMode {
	case "ONE_WAY", "HEDGE":
	default:
		return fmt.Errorf("invalid position_mode %q", c.ExchangeConfig.PositionMode)
	}


	if c.RiskConfig.MaxDailyLoss <= 0 || c.RiskConfig.MaxDailyLoss >= 1 {
		return fmt.Errorf("max_daily_loss must be a fraction in (0,1), got %v", c.RiskConfig.MaxDailyLoss)
	}
	if c.RiskConfig.MaxDrawdown <= 0 || c.RiskConfig.MaxDrawdown >= 1 {
		return fmt.Errorf("max_drawdown must be a fraction in (0,1), got %v", c.RiskConfig.MaxDrawdown)
	}

	if c.TradingConfig.EnableTrading && c.ExchangeConfig.APIKey == "" && !c.VaultConfig.Enabled {
		return fmt.Errorf("enable_trading requires exchange credentials or vault")
	}

	return nil
}

// StrategistTick returns the strategist interval as a duration.
func (c *SchedulerConfig) StrategistTick() time.Duration {
	return time.Duration(c.StrategistInterval) * time.Second
}

// TraderTick returns the trader interval as a duration.
func (c *SchedulerConfig) TraderTick() time.Duration {
	return time.Duration(c.TraderInterval) * time.Second
}

// PerceptionTick returns the perception refresh interval as a duration.
func (c *SchedulerConfig) PerceptionTick() time.Duration {
	return time.Duration(c.PerceptionInterval) * time.Second
}

// EnvironmentTick returns the environment refresh interval as a duration.
func (c *SchedulerConfig) EnvironmentTick() time.Duration {
	return time.Duration(c.EnvironmentInterval) * time.Second
}

// SyncTick returns the account sync interval as a duration.
func (c *SchedulerConfig) SyncTick() time.Duration {
	return time.Duration(c.SyncInterval) * time.Second
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
