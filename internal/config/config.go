// Package config loads and validates the engine configuration.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Solana     SolanaConfig     `mapstructure:"solana"`
	Jupiter    JupiterConfig    `mapstructure:"jupiter"`
	Trading    TradingConfig    `mapstructure:"trading"`
	Consensus  ConsensusConfig  `mapstructure:"consensus"`
	Reputation ReputationConfig `mapstructure:"reputation"`
	Extraction ExtractionConfig `mapstructure:"extraction"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// SolanaConfig holds RPC and websocket endpoints for the chain.
type SolanaConfig struct {
	RPCURL            string        `mapstructure:"rpc_url"`
	WSURL             string        `mapstructure:"ws_url"`
	Timeout           time.Duration `mapstructure:"timeout"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second"`
	RequestBurst      int           `mapstructure:"request_burst"`
	// SecretKey is the base58-encoded 64-byte keypair of the trading wallet.
	// Set it via SOLFOLLOW_SOLANA_SECRET_KEY rather than the config file.
	SecretKey string `mapstructure:"secret_key"`
}

// JupiterConfig holds the swap aggregator and bundle submission endpoints.
type JupiterConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	FallbackURL    string        `mapstructure:"fallback_url"`
	BlockEngineURL string        `mapstructure:"block_engine_url"`
	TipLamports    uint64        `mapstructure:"tip_lamports"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// TradingConfig holds position sizing and exit policy.
type TradingConfig struct {
	BaseBuySOL       float64       `mapstructure:"base_buy_sol"`
	MaxBuySOL        float64       `mapstructure:"max_buy_sol"`
	SlippagePct      float64       `mapstructure:"slippage_pct"`
	SellSlippagePct  float64       `mapstructure:"sell_slippage_pct"`
	GasReserveSOL    float64       `mapstructure:"gas_reserve_sol"`
	CompoundFraction float64       `mapstructure:"compound_fraction"`
	MonitorInterval  time.Duration `mapstructure:"monitor_interval"`
	TargetCeilingPct float64       `mapstructure:"target_ceiling_pct"`
	// Targets maps distinct-alpha count to target profit percent. Keys are
	// strings because they arrive from YAML/env; use TargetTable for the
	// parsed form.
	Targets map[string]float64 `mapstructure:"targets"`
}

// TargetTable parses the alpha-count keys of Targets into integers.
func (t TradingConfig) TargetTable() (map[uint]float64, error) {
	table := make(map[uint]float64, len(t.Targets))
	for key, pct := range t.Targets {
		n, err := strconv.ParseUint(key, 10, 32)
		if err != nil || n == 0 {
			return nil, fmt.Errorf("trading.targets key %q must be a positive integer", key)
		}
		if pct <= 0 {
			return nil, fmt.Errorf("trading.targets[%s] must be positive", key)
		}
		table[uint(n)] = pct
	}
	return table, nil
}

// ConsensusConfig holds the debounce-window policy.
type ConsensusConfig struct {
	MinWallets int           `mapstructure:"min_wallets"`
	Debounce   time.Duration `mapstructure:"debounce"`
}

// ReputationConfig holds leaderboard policy.
type ReputationConfig struct {
	LeaderboardSize int `mapstructure:"leaderboard_size"`
}

// ExtractionConfig holds the historical-extraction policy.
type ExtractionConfig struct {
	Cooldown       time.Duration `mapstructure:"cooldown"`
	MaxBuyers      int           `mapstructure:"max_buyers"`
	SignatureLimit int           `mapstructure:"signature_limit"`
	PageSize       int           `mapstructure:"page_size"`
	MinTransferSOL float64       `mapstructure:"min_transfer_sol"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// StorageConfig holds storage and persistence configuration
type StorageConfig struct {
	DBPath    string `mapstructure:"db_path"`
	MaxTrades int    `mapstructure:"max_trades"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	setDefaults(v)

	v.SetEnvPrefix("SOLFOLLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	v.SetDefault("solana.rpc_url", "https://api.mainnet-beta.solana.com")
	v.SetDefault("solana.ws_url", "")
	v.SetDefault("solana.timeout", "30s")
	v.SetDefault("solana.requests_per_second", 1.0)
	v.SetDefault("solana.request_burst", 1)
	v.SetDefault("solana.secret_key", "")

	v.SetDefault("jupiter.base_url", "https://lite-api.jup.ag/swap/v1")
	v.SetDefault("jupiter.fallback_url", "https://api.jup.ag/swap/v1")
	v.SetDefault("jupiter.block_engine_url", "https://mainnet.block-engine.jito.wtf/api/v1/bundles")
	v.SetDefault("jupiter.tip_lamports", 50000)
	v.SetDefault("jupiter.timeout", "20s")
	v.SetDefault("jupiter.max_retries", 3)
	v.SetDefault("jupiter.retry_delay_base", "1s")

	v.SetDefault("trading.base_buy_sol", 0.5)
	v.SetDefault("trading.max_buy_sol", 5.0)
	v.SetDefault("trading.slippage_pct", 15.0)
	v.SetDefault("trading.sell_slippage_pct", 100.0)
	v.SetDefault("trading.gas_reserve_sol", 0.003)
	v.SetDefault("trading.compound_fraction", 0.5)
	v.SetDefault("trading.monitor_interval", "8s")
	v.SetDefault("trading.target_ceiling_pct", 5500.0)
	v.SetDefault("trading.targets", map[string]float64{
		"1": 100, "2": 300, "3": 600, "4": 1000, "5": 1500,
		"6": 2100, "7": 2800, "8": 3600, "9": 4500, "10": 5500,
	})

	v.SetDefault("consensus.min_wallets", 2)
	v.SetDefault("consensus.debounce", "90s")

	v.SetDefault("reputation.leaderboard_size", 10)

	v.SetDefault("extraction.cooldown", "5m")
	v.SetDefault("extraction.max_buyers", 10)
	v.SetDefault("extraction.signature_limit", 100)
	v.SetDefault("extraction.page_size", 100)
	v.SetDefault("extraction.min_transfer_sol", 0.5)

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	v.SetDefault("storage.db_path", "./data/solfollow.db")
	v.SetDefault("storage.max_trades", 500)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	if c.Solana.RPCURL == "" {
		return fmt.Errorf("solana.rpc_url is required")
	}
	if c.Solana.Timeout < time.Second {
		return fmt.Errorf("solana.timeout must be at least 1 second")
	}
	if c.Solana.RequestsPerSecond <= 0 {
		return fmt.Errorf("solana.requests_per_second must be positive")
	}
	if c.Solana.RequestBurst < 1 {
		return fmt.Errorf("solana.request_burst must be at least 1")
	}
	if c.Solana.SecretKey == "" {
		return fmt.Errorf("solana.secret_key is required (set SOLFOLLOW_SOLANA_SECRET_KEY)")
	}

	if c.Jupiter.BaseURL == "" {
		return fmt.Errorf("jupiter.base_url is required")
	}
	if c.Jupiter.MaxRetries < 1 {
		return fmt.Errorf("jupiter.max_retries must be at least 1")
	}

	if c.Trading.BaseBuySOL <= 0 {
		return fmt.Errorf("trading.base_buy_sol must be positive")
	}
	if c.Trading.MaxBuySOL < c.Trading.BaseBuySOL {
		return fmt.Errorf("trading.max_buy_sol must be at least trading.base_buy_sol")
	}
	if c.Trading.SlippagePct <= 0 || c.Trading.SlippagePct > 100 {
		return fmt.Errorf("trading.slippage_pct must be in (0, 100]")
	}
	if c.Trading.SellSlippagePct <= 0 || c.Trading.SellSlippagePct > 100 {
		return fmt.Errorf("trading.sell_slippage_pct must be in (0, 100]")
	}
	if c.Trading.GasReserveSOL < 0 {
		return fmt.Errorf("trading.gas_reserve_sol must not be negative")
	}
	if c.Trading.CompoundFraction < 0 || c.Trading.CompoundFraction > 1 {
		return fmt.Errorf("trading.compound_fraction must be in [0, 1]")
	}
	if c.Trading.MonitorInterval < time.Second {
		return fmt.Errorf("trading.monitor_interval must be at least 1 second")
	}
	if c.Trading.TargetCeilingPct <= 0 {
		return fmt.Errorf("trading.target_ceiling_pct must be positive")
	}
	if _, err := c.Trading.TargetTable(); err != nil {
		return err
	}

	if c.Consensus.MinWallets < 1 {
		return fmt.Errorf("consensus.min_wallets must be at least 1")
	}
	if c.Consensus.Debounce < time.Second {
		return fmt.Errorf("consensus.debounce must be at least 1 second")
	}

	if c.Reputation.LeaderboardSize < 1 {
		return fmt.Errorf("reputation.leaderboard_size must be at least 1")
	}

	if c.Extraction.Cooldown < time.Second {
		return fmt.Errorf("extraction.cooldown must be at least 1 second")
	}
	if c.Extraction.MaxBuyers < 1 {
		return fmt.Errorf("extraction.max_buyers must be at least 1")
	}
	if c.Extraction.SignatureLimit < 1 {
		return fmt.Errorf("extraction.signature_limit must be at least 1")
	}
	if c.Extraction.PageSize < 1 || c.Extraction.PageSize > 1000 {
		return fmt.Errorf("extraction.page_size must be between 1 and 1000")
	}
	if c.Extraction.MinTransferSOL < 0 {
		return fmt.Errorf("extraction.min_transfer_sol must not be negative")
	}

	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Storage.DBPath == "" {
		return fmt.Errorf("storage.db_path is required")
	}
	if c.Storage.MaxTrades < 1 {
		return fmt.Errorf("storage.max_trades must be at least 1")
	}

	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}
