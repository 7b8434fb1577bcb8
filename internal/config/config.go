// Package config loads and validates the pipeline's YAML configuration
// document with viper. Required keys fail fast at startup; everything else
// carries a default.
package config

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
)

// ActivePoolConfig gates GENERATED/VALIDATED admission into ACTIVE.
type ActivePoolConfig struct {
	MinScore decimal64 `mapstructure:"min_score"`
	MaxSize  int       `mapstructure:"max_size"`
}

// SelectionConfig bounds diversification of LIVE strategies.
type SelectionConfig struct {
	MaxPerType      int `mapstructure:"max_per_type"`
	MaxPerTimeframe int `mapstructure:"max_per_timeframe"`
}

// RotatorConfig governs Selector/Deployer cadence and caps.
type RotatorConfig struct {
	MaxLiveStrategies  int              `mapstructure:"max_live_strategies"`
	MinPoolSize        int              `mapstructure:"min_pool_size"`
	CheckIntervalMin   int              `mapstructure:"check_interval_minutes"`
	Selection          SelectionConfig  `mapstructure:"selection"`
}

// MultiWindowConfig governs the MultiWindowValidator.
type MultiWindowConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Windows      int     `mapstructure:"windows"`
	MinAvgSharpe float64 `mapstructure:"min_avg_sharpe"`
	MaxCV        float64 `mapstructure:"max_cv"`
	ISDays       int     `mapstructure:"is_days"`
	OOSDays      int     `mapstructure:"oos_days"`
}

// ThresholdsConfig are the Scorer's hard gates: a backtest missing any of
// them collapses to the unselectable sentinel score.
type ThresholdsConfig struct {
	MinSharpe      float64 `mapstructure:"min_sharpe"`
	MinWinRate     float64 `mapstructure:"min_win_rate"`
	MaxDrawdown    float64 `mapstructure:"max_drawdown"`
	MinTotalTrades int     `mapstructure:"min_total_trades"`
}

// BacktestingConfig governs the BacktestEngine.
type BacktestingConfig struct {
	InitialCapital decimal64          `mapstructure:"initial_capital"`
	FeeRate        decimal64          `mapstructure:"fee_rate"`
	SlippageBps    decimal64          `mapstructure:"slippage_bps"`
	CapitalPctPerTrade decimal64      `mapstructure:"capital_pct_per_trade"`
	ISDays         int                `mapstructure:"is_days"`
	OOSDays        int                `mapstructure:"oos_days"`
	MaxCoins       int                `mapstructure:"max_coins"`
	ParallelWorkers int               `mapstructure:"parallel_workers"`
	Thresholds     ThresholdsConfig   `mapstructure:"thresholds"`
	MultiWindow    MultiWindowConfig  `mapstructure:"multi_window"`
}

// PipelineConfig governs worker cadences and the claim protocol's batch and
// staleness settings.
type PipelineConfig struct {
	ValidationIntervalSeconds int `mapstructure:"validation_interval_seconds"`
	BacktestIntervalSeconds   int `mapstructure:"backtest_interval_seconds"`
	TradeSyncIntervalSeconds  int `mapstructure:"trade_sync_interval_seconds"`
	SweepIntervalSeconds      int `mapstructure:"sweep_interval_seconds"`
	ClaimBatchSize            int `mapstructure:"claim_batch_size"`
	MaxClaimAgeMinutes        int `mapstructure:"max_claim_age_minutes"`
}

// ExchangeConfig governs venue endpoints, subaccounts, and balance
// reconciliation cadence.
type ExchangeConfig struct {
	BaseURL              string `mapstructure:"base_url"`
	WebsocketURL         string `mapstructure:"websocket_url"`
	SubaccountCount      int    `mapstructure:"subaccount_count"`
	BalanceReconciliation struct {
		Enabled            bool `mapstructure:"enabled"`
		CatchupLookbackDays int `mapstructure:"catchup_lookback_days"`
	} `mapstructure:"balance_reconciliation"`
}

// MetricsConfig governs MetricsRecorder cadence and thresholds.
type MetricsConfig struct {
	CollectionIntervalSeconds int `mapstructure:"collection_interval_seconds"`
	QueueLimits               struct {
		Generated int `mapstructure:"generated"`
		Validated int `mapstructure:"validated"`
	} `mapstructure:"queue_limits"`
}

// Config is the root configuration document.
type Config struct {
	Database struct {
		DSN string `mapstructure:"dsn"`
	} `mapstructure:"database"`
	Redis struct {
		Addr string `mapstructure:"addr"`
	} `mapstructure:"redis"`
	ActivePool   ActivePoolConfig  `mapstructure:"active_pool"`
	Rotator      RotatorConfig     `mapstructure:"rotator"`
	Backtesting  BacktestingConfig `mapstructure:"backtesting"`
	Pipeline     PipelineConfig    `mapstructure:"pipeline"`
	Exchange     ExchangeConfig    `mapstructure:"exchange"`
	Metrics      MetricsConfig     `mapstructure:"metrics"`
	Trading      struct {
		TotalCapital decimal64 `mapstructure:"total_capital"`
	} `mapstructure:"trading"`
	Timeframes   []string          `mapstructure:"timeframes"`
	DataDir      string            `mapstructure:"data_dir"`
	LogLevel     string            `mapstructure:"log_level"`
}

// decimal64 lets viper unmarshal plain YAML floats; callers convert to
// decimal.Decimal at the point of use via decimal.NewFromFloat.
type decimal64 = float64

// requiredKeys is checked after unmarshal; a missing value at any of these
// dotted paths is a fatal ConfigError.
var requiredKeys = []string{
	"database.dsn",
	"active_pool.min_score",
	"rotator.max_live_strategies",
	"rotator.selection.max_per_type",
	"rotator.selection.max_per_timeframe",
	"backtesting.initial_capital",
	"trading.total_capital",
	"exchange.base_url",
}

// Load reads and validates the configuration file at path.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetDefault("metrics.collection_interval_seconds", 300)
	v.SetDefault("rotator.min_pool_size", 0)
	v.SetDefault("rotator.check_interval_minutes", 15)
	v.SetDefault("backtesting.parallel_workers", 4)
	v.SetDefault("backtesting.is_days", 90)
	v.SetDefault("backtesting.oos_days", 30)
	v.SetDefault("backtesting.max_coins", 5)
	v.SetDefault("pipeline.validation_interval_seconds", 30)
	v.SetDefault("pipeline.backtest_interval_seconds", 60)
	v.SetDefault("pipeline.trade_sync_interval_seconds", 15)
	v.SetDefault("pipeline.sweep_interval_seconds", 120)
	v.SetDefault("pipeline.claim_batch_size", 10)
	v.SetDefault("pipeline.max_claim_age_minutes", 10)
	v.SetDefault("exchange.balance_reconciliation.enabled", true)
	v.SetDefault("exchange.balance_reconciliation.catchup_lookback_days", 7)
	v.SetDefault("data_dir", "data/candles")
	v.SetDefault("log_level", "info")

	if err := v.ReadInConfig(); err != nil {
		return nil, &pipelineerr.ConfigError{Key: path, Err: err}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &pipelineerr.ConfigError{Key: path, Err: err}
	}

	for _, key := range requiredKeys {
		if !v.IsSet(key) {
			return nil, &pipelineerr.ConfigError{
				Key: key,
				Err: fmt.Errorf("required configuration key is missing"),
			}
		}
	}

	return &cfg, nil
}
