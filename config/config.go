// Package config loads copy-trade engine configuration from YAML with
// environment-friendly defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port              int `yaml:"port"`
	ReadTimeoutMS     int `yaml:"read_timeout_ms"`
	WriteTimeoutMS    int `yaml:"write_timeout_ms"`
	ShutdownTimeoutMS int `yaml:"shutdown_timeout_ms"`
}

// CopyConfig holds the trade-size thresholds for the amount calculator.
type CopyConfig struct {
	IgnoreThresholdUSDC  float64 `yaml:"ignore_threshold_usdc"` // leader BUYs below this are ignored
	MinCopyUSDC          float64 `yaml:"min_copy_usdc"`
	MaxCopyUSDC          float64 `yaml:"max_copy_usdc"`
	MinLeaderSellUSDC    float64 `yaml:"min_leader_sell_usdc"`
	MinFollowerSellUSDC  float64 `yaml:"min_follower_sell_usdc"`
	DefaultAllocationPct float64 `yaml:"default_allocation_pct"`
	SellSlippage         float64 `yaml:"sell_slippage"` // max drop of best bid vs leader price
}

// IngestionConfig controls the dual-path event ingestion.
type IngestionConfig struct {
	PushChannel         string `yaml:"push_channel"`
	BroadSweepSec       int    `yaml:"broad_sweep_sec"`
	FastSweepSec        int    `yaml:"fast_sweep_sec"`
	FastSweepTopN       int    `yaml:"fast_sweep_top_n"`
	DedupTTLSec         int    `yaml:"dedup_ttl_sec"`
	FollowerCacheTTLSec int    `yaml:"follower_cache_ttl_sec"`
	PollBatchSize       int    `yaml:"poll_batch_size"`
}

// ExecutionConfig bounds order placement retries.
type ExecutionConfig struct {
	MaxAttempts      int `yaml:"max_attempts"`
	InitialDelayMS   int `yaml:"initial_delay_ms"`
	RequestTimeoutMS int `yaml:"request_timeout_ms"`
}

// MarketConfig bounds the market resolution cache.
type MarketConfig struct {
	ResolutionTTLHours int `yaml:"resolution_ttl_hours"`
	SuffixMatchLen     int `yaml:"suffix_match_len"` // hex chars compared in fuzzy token matching
}

// SmartWalletConfig seeds the known smart-wallet registry.
type SmartWalletConfig struct {
	Addresses []string `yaml:"addresses"`
}

// Config aggregates all engine configuration knobs.
type Config struct {
	Server       ServerConfig      `yaml:"server"`
	Copy         CopyConfig        `yaml:"copy"`
	Ingestion    IngestionConfig   `yaml:"ingestion"`
	Execution    ExecutionConfig   `yaml:"execution"`
	Market       MarketConfig      `yaml:"market"`
	SmartWallets SmartWalletConfig `yaml:"smart_wallets"`
}

// Load reads configuration from disk, falling back to defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	configPath := path
	if configPath == "" {
		configPath = filepath.Join("config", "default.yaml")
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("config: unable to read %s: %w", configPath, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: unable to parse %s: %w", configPath, err)
	}

	cfg.applyDefaults()
	return &cfg, nil
}

// Default returns baseline configuration values.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port:              8082,
			ReadTimeoutMS:     10000,
			WriteTimeoutMS:    10000,
			ShutdownTimeoutMS: 5000,
		},
		Copy: CopyConfig{
			IgnoreThresholdUSDC:  2.0,
			MinCopyUSDC:          1.0,
			MaxCopyUSDC:          500.0,
			MinLeaderSellUSDC:    0.50,
			MinFollowerSellUSDC:  0.50,
			DefaultAllocationPct: 10,
			SellSlippage:         0.15,
		},
		Ingestion: IngestionConfig{
			PushChannel:         "copytrade:trades",
			BroadSweepSec:       120,
			FastSweepSec:        60,
			FastSweepTopN:       20,
			DedupTTLSec:         300,
			FollowerCacheTTLSec: 30,
			PollBatchSize:       50,
		},
		Execution: ExecutionConfig{
			MaxAttempts:      3,
			InitialDelayMS:   500,
			RequestTimeoutMS: 15000,
		},
		Market: MarketConfig{
			ResolutionTTLHours: 24,
			SuffixMatchLen:     20,
		},
	}
}

func (c *Config) applyDefaults() {
	def := Default()

	if c.Server.Port == 0 {
		c.Server.Port = def.Server.Port
	}
	if c.Server.ReadTimeoutMS == 0 {
		c.Server.ReadTimeoutMS = def.Server.ReadTimeoutMS
	}
	if c.Server.WriteTimeoutMS == 0 {
		c.Server.WriteTimeoutMS = def.Server.WriteTimeoutMS
	}
	if c.Server.ShutdownTimeoutMS == 0 {
		c.Server.ShutdownTimeoutMS = def.Server.ShutdownTimeoutMS
	}

	if c.Copy.IgnoreThresholdUSDC == 0 {
		c.Copy.IgnoreThresholdUSDC = def.Copy.IgnoreThresholdUSDC
	}
	if c.Copy.MinCopyUSDC == 0 {
		c.Copy.MinCopyUSDC = def.Copy.MinCopyUSDC
	}
	if c.Copy.MaxCopyUSDC == 0 {
		c.Copy.MaxCopyUSDC = def.Copy.MaxCopyUSDC
	}
	if c.Copy.MinLeaderSellUSDC == 0 {
		c.Copy.MinLeaderSellUSDC = def.Copy.MinLeaderSellUSDC
	}
	if c.Copy.MinFollowerSellUSDC == 0 {
		c.Copy.MinFollowerSellUSDC = def.Copy.MinFollowerSellUSDC
	}
	if c.Copy.DefaultAllocationPct == 0 {
		c.Copy.DefaultAllocationPct = def.Copy.DefaultAllocationPct
	}
	if c.Copy.SellSlippage == 0 {
		c.Copy.SellSlippage = def.Copy.SellSlippage
	}

	if c.Ingestion.PushChannel == "" {
		c.Ingestion.PushChannel = def.Ingestion.PushChannel
	}
	if c.Ingestion.BroadSweepSec == 0 {
		c.Ingestion.BroadSweepSec = def.Ingestion.BroadSweepSec
	}
	if c.Ingestion.FastSweepSec == 0 {
		c.Ingestion.FastSweepSec = def.Ingestion.FastSweepSec
	}
	if c.Ingestion.FastSweepTopN == 0 {
		c.Ingestion.FastSweepTopN = def.Ingestion.FastSweepTopN
	}
	if c.Ingestion.DedupTTLSec == 0 {
		c.Ingestion.DedupTTLSec = def.Ingestion.DedupTTLSec
	}
	if c.Ingestion.FollowerCacheTTLSec == 0 {
		c.Ingestion.FollowerCacheTTLSec = def.Ingestion.FollowerCacheTTLSec
	}
	if c.Ingestion.PollBatchSize == 0 {
		c.Ingestion.PollBatchSize = def.Ingestion.PollBatchSize
	}

	if c.Execution.MaxAttempts == 0 {
		c.Execution.MaxAttempts = def.Execution.MaxAttempts
	}
	if c.Execution.InitialDelayMS == 0 {
		c.Execution.InitialDelayMS = def.Execution.InitialDelayMS
	}
	if c.Execution.RequestTimeoutMS == 0 {
		c.Execution.RequestTimeoutMS = def.Execution.RequestTimeoutMS
	}

	if c.Market.ResolutionTTLHours == 0 {
		c.Market.ResolutionTTLHours = def.Market.ResolutionTTLHours
	}
	if c.Market.SuffixMatchLen == 0 {
		c.Market.SuffixMatchLen = def.Market.SuffixMatchLen
	}
}

// Validate rejects configurations the engine cannot safely run with.
func (c *Config) Validate() error {
	if c.Copy.MinCopyUSDC > c.Copy.MaxCopyUSDC {
		return fmt.Errorf("config: min_copy_usdc %.2f exceeds max_copy_usdc %.2f",
			c.Copy.MinCopyUSDC, c.Copy.MaxCopyUSDC)
	}
	if c.Copy.DefaultAllocationPct < 5 || c.Copy.DefaultAllocationPct > 100 {
		return fmt.Errorf("config: default_allocation_pct %.1f out of [5,100]",
			c.Copy.DefaultAllocationPct)
	}
	if c.Execution.MaxAttempts < 1 {
		return fmt.Errorf("config: max_attempts must be at least 1")
	}
	return nil
}
