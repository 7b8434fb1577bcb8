// Package main runs the strategy lifecycle pipeline: load configuration,
// wire the store, market data, exchange adapter, and every stage worker
// under the supervisor, then serve until SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/coinregistry"
	"github.com/sixbtc/pipeline/internal/config"
	"github.com/sixbtc/pipeline/internal/deployer"
	"github.com/sixbtc/pipeline/internal/exchange"
	"github.com/sixbtc/pipeline/internal/marketdata"
	"github.com/sixbtc/pipeline/internal/metricsrecorder"
	"github.com/sixbtc/pipeline/internal/reconciler"
	"github.com/sixbtc/pipeline/internal/scoring"
	"github.com/sixbtc/pipeline/internal/selector"
	"github.com/sixbtc/pipeline/internal/store"
	"github.com/sixbtc/pipeline/internal/strategy"
	"github.com/sixbtc/pipeline/internal/supervisor"
	"github.com/sixbtc/pipeline/internal/tradesync"
	"github.com/sixbtc/pipeline/internal/validator"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to the pipeline configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel)
	defer logger.Sync()
	logger.Info("starting strategy lifecycle pipeline",
		zap.String("config", *configPath))

	if err := run(logger, cfg); err != nil {
		logger.Error("pipeline failed", zap.Error(err))
		os.Exit(1)
	}
}

func run(logger *zap.Logger, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.New(logger, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	defer st.Close()

	if err := st.Migrate(); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}

	exch := exchange.NewWSClient(logger, cfg.Exchange.BaseURL, cfg.Exchange.WebsocketURL, loadCredentials(ctx, st))

	cache, err := marketdata.New(logger, cfg.DataDir, exch)
	if err != nil {
		return fmt.Errorf("market data cache: %w", err)
	}

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
	}
	registry := coinregistry.New(logger, exch, rdb)
	if err := registry.Refresh(ctx); err != nil {
		logger.Warn("coin registry refresh failed at startup, leverage caps unavailable until next refresh", zap.Error(err))
	}

	engineCfg := backtester.DefaultConfig(decimal.NewFromFloat(cfg.Backtesting.InitialCapital))
	if cfg.Backtesting.FeeRate > 0 {
		engineCfg.FeeRate = decimal.NewFromFloat(cfg.Backtesting.FeeRate)
	}
	if cfg.Backtesting.SlippageBps > 0 {
		engineCfg.Slippage = decimal.NewFromFloat(cfg.Backtesting.SlippageBps / 10000)
	}
	if cfg.Backtesting.CapitalPctPerTrade > 0 {
		engineCfg.PositionFraction = decimal.NewFromFloat(cfg.Backtesting.CapitalPctPerTrade)
	}
	engine := backtester.New(engineCfg, registry)

	strategyRegistry := backtester.NewRegistry()
	strategy.RegisterBuiltins(strategyRegistry)

	addresses, masterID := subaccountAddresses(ctx, st)

	sup := supervisor.New(logger, cfg, supervisor.Deps{
		Store:    st,
		Cache:    cache,
		Registry: strategyRegistry,
		Engine:   engine,
		Valid:    validator.New(),
		MW: validator.NewMultiWindowValidator(engine, cache, cfg.Backtesting.MultiWindow,
			cfg.Backtesting.ISDays, cfg.Backtesting.OOSDays),
		Scorer: scoring.New(logger, cfg.Backtesting.Thresholds),
		Selector: selector.New(logger, st, selector.Config{
			MinScore:          cfg.ActivePool.MinScore,
			MaxLiveStrategies: cfg.Rotator.MaxLiveStrategies,
			MinPoolSize:       cfg.Rotator.MinPoolSize,
			MaxPerType:        cfg.Rotator.Selection.MaxPerType,
			MaxPerTimeframe:   cfg.Rotator.Selection.MaxPerTimeframe,
		}),
		Deployer: deployer.New(logger, st, exch, cfg.Trading.TotalCapital, cfg.Exchange.SubaccountCount),
		Recon: reconciler.New(logger, st, exch, reconciler.Config{
			Enabled:             cfg.Exchange.BalanceReconciliation.Enabled,
			CatchupLookbackDays: cfg.Exchange.BalanceReconciliation.CatchupLookbackDays,
		}, addresses, masterID),
		Syncer: tradesync.New(logger, st, exch, 7*24*time.Hour),
		Recorder: metricsrecorder.New(logger, st,
			time.Duration(cfg.Metrics.CollectionIntervalSeconds)*time.Second,
			metricsrecorder.Limits{
				Generated: cfg.Metrics.QueueLimits.Generated,
				Validated: cfg.Metrics.QueueLimits.Validated,
				Active:    cfg.ActivePool.MaxSize,
				Live:      cfg.Rotator.MaxLiveStrategies,
			}, prometheus.DefaultRegisterer),
	})

	if err := sup.Start(ctx); err != nil {
		return fmt.Errorf("supervisor start: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("shutdown signal received", zap.String("signal", sig.String()))

	sup.Stop()
	return nil
}

// loadCredentials builds the exchange credential list from subaccount rows
// already provisioned in the store; a fresh database starts empty and the
// deployer provisions rows on its first cycle.
func loadCredentials(ctx context.Context, st *store.Store) []exchange.SubaccountCredential {
	subs, err := st.ListSubaccounts(ctx)
	if err != nil {
		return nil
	}
	var creds []exchange.SubaccountCredential
	for _, sub := range subs {
		if sub.Address != "" {
			creds = append(creds, exchange.SubaccountCredential{
				SubaccountID: sub.ID,
				Address:      sub.Address,
			})
		}
	}
	return creds
}

// subaccountAddresses builds the reconciler's address -> subaccount map.
// The master (lowest-id) subaccount absorbs updates no address matches.
func subaccountAddresses(ctx context.Context, st *store.Store) (map[string]int, int) {
	addresses := make(map[string]int)
	masterID := 1
	subs, err := st.ListSubaccounts(ctx)
	if err != nil {
		return addresses, masterID
	}
	for i, sub := range subs {
		if i == 0 || sub.ID < masterID {
			masterID = sub.ID
		}
		if sub.Address != "" {
			addresses[sub.Address] = sub.ID
		}
	}
	return addresses, masterID
}

func setupLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:       zap.NewAtomicLevelAt(zapLevel),
		Development: false,
		Encoding:    "console",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "time",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.CapitalColorLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	logger, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	return logger
}
