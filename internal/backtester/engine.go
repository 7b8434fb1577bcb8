// Package backtester provides the leveraged-portfolio backtesting engine:
// per-symbol and multi-symbol (portfolio) simulation with margin-aware
// equity curves and per-coin leverage capping.
package backtester

import (
	"context"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

func timeFromUnixNano(ns int64) time.Time {
	return time.Unix(0, ns).UTC()
}

// LeverageResolver caps a strategy's requested leverage at the coin's
// registered maximum. Implemented by internal/coinregistry.Registry.
type LeverageResolver interface {
	MaxLeverage(symbol string) (int, error)
}

// Config carries the subset of backtesting.*/hyperliquid.* settings the
// engine needs.
type Config struct {
	InitialCapital decimal.Decimal
	FeeRate        decimal.Decimal
	Slippage       decimal.Decimal
	// PositionFraction is the fraction of InitialCapital used as margin per
	// new position when the strategy doesn't size itself explicitly.
	PositionFraction decimal.Decimal
	DefaultLeverage  int
}

// DefaultConfig returns the engine defaults: 0.045% taker fee, 0.05%
// slippage, 20% position sizing, 1x default leverage.
func DefaultConfig(initialCapital decimal.Decimal) Config {
	return Config{
		InitialCapital:   initialCapital,
		FeeRate:          decimal.NewFromFloat(0.00045),
		Slippage:         decimal.NewFromFloat(0.0005),
		PositionFraction: decimal.NewFromFloat(0.20),
		DefaultLeverage:  1,
	}
}

// Engine is the BacktestEngine: simulates a Strategy over one or many
// symbols' OHLCV bars with per-symbol leverage capping.
type Engine struct {
	cfg      Config
	leverage LeverageResolver
	metricsC *MetricsCalculator
}

// New builds an Engine. leverage may be nil, in which case the requested
// leverage is used without a per-coin cap.
func New(cfg Config, leverage LeverageResolver) *Engine {
	return &Engine{cfg: cfg, leverage: leverage, metricsC: NewMetricsCalculator()}
}

// Result is the outcome of one backtest run: the reconstructed trades, the
// equity curve they produced, and the derived Metrics report.
type Result struct {
	Trades          []*LeveragedTrade
	EquityCurve     []types.EquityCurvePoint
	Metrics         *Metrics
	SymbolBreakdown map[string]*Metrics
}

// Run simulates strategy against a single symbol's bars. leverageOverride,
// when non-zero, replaces the leverage the strategy requests on every trade
// (still capped at the coin registry's maximum), which makes two runs
// directly comparable at different leverage levels.
func (e *Engine) Run(ctx context.Context, strat Strategy, symbol string, bars []types.OHLCV, leverageOverride int) (*Result, error) {
	trades, err := e.generateTrades(strat, symbol, bars, leverageOverride)
	if err != nil {
		return nil, err
	}
	if len(trades) == 0 {
		return &Result{Metrics: e.metricsC.Calculate(nil, nil, e.cfg.InitialCapital)}, nil
	}

	equity := e.buildEquityCurve(trades, bars)
	metrics := e.metricsC.Calculate(trades, equity, e.cfg.InitialCapital)
	return &Result{Trades: trades, EquityCurve: equity, Metrics: metrics}, nil
}

// RunPortfolio simulates strategy independently against every symbol in
// data, then merges the resulting trades onto one unified, margin-sharing
// equity curve. leveragePerSymbol may be nil.
func (e *Engine) RunPortfolio(ctx context.Context, strat Strategy, data map[string][]types.OHLCV, leveragePerSymbol map[string]int) (*Result, error) {
	var all []*LeveragedTrade
	for symbol, bars := range data {
		override := 0
		if leveragePerSymbol != nil {
			override = leveragePerSymbol[symbol]
		}
		trades, err := e.generateTrades(strat, symbol, bars, override)
		if err != nil {
			return nil, err
		}
		all = append(all, trades...)
	}
	if len(all) == 0 {
		return &Result{Metrics: e.metricsC.Calculate(nil, nil, e.cfg.InitialCapital)}, nil
	}

	sort.Slice(all, func(i, j int) bool { return all[i].EntryTime.Before(all[j].EntryTime) })

	index := unifiedIndex(data)
	equity := e.buildPortfolioEquityCurve(all, index)
	metrics := e.metricsC.Calculate(all, equity, e.cfg.InitialCapital)

	return &Result{
		Trades:          all,
		EquityCurve:     equity,
		Metrics:         metrics,
		SymbolBreakdown: e.symbolBreakdown(all),
	}, nil
}

// openPosition tracks an in-progress trade while generateTrades walks bars.
type openPosition struct {
	entryIdx   int
	entryPrice decimal.Decimal
	size       decimal.Decimal
	side       types.PositionSide
	leverage   int
}

// generateTrades walks bars index-by-index, handing the strategy only the
// prefix bars[:i+1] at each step (no lookahead by construction), and
// reconstructs LeveragedTrade records from the Entry/Close Signal pairs it
// emits.
func (e *Engine) generateTrades(strat Strategy, symbol string, bars []types.OHLCV, leverageOverride int) ([]*LeveragedTrade, error) {
	var trades []*LeveragedTrade
	var open *openPosition

	for i := range bars {
		sig, err := strat.Evaluate(bars[:i+1], symbol)
		if err != nil {
			return nil, err
		}
		price := bars[i].Close

		if sig != nil {
			switch {
			case (sig.Direction == SignalLong || sig.Direction == SignalShort) && open == nil:
				side := types.PositionSideLong
				if sig.Direction == SignalShort {
					side = types.PositionSideShort
				}
				override := leverageOverride
				if override == 0 {
					override = sig.Leverage
				}
				leverage, err := e.resolveLeverage(symbol, override)
				if err != nil {
					return nil, err
				}
				open = &openPosition{
					entryIdx:   i,
					entryPrice: adversarial(price, e.cfg.Slippage, side, true),
					size:       e.positionSize(price, leverage),
					side:       side,
					leverage:   leverage,
				}

			case sig.Direction == SignalClose && open != nil:
				exitPrice := adversarial(price, e.cfg.Slippage, open.side, false)
				trades = append(trades, NewLeveragedTrade(symbol, open.side, bars[open.entryIdx].Timestamp, bars[i].Timestamp, open.entryPrice, exitPrice, open.size, open.leverage, e.cfg.FeeRate))
				open = nil
			}
		}

		if open != nil && i == len(bars)-1 {
			exitPrice := adversarial(price, e.cfg.Slippage, open.side, false)
			trades = append(trades, NewLeveragedTrade(symbol, open.side, bars[open.entryIdx].Timestamp, bars[i].Timestamp, open.entryPrice, exitPrice, open.size, open.leverage, e.cfg.FeeRate))
			open = nil
		}
	}

	return trades, nil
}

func (e *Engine) resolveLeverage(symbol string, override int) (int, error) {
	target := e.cfg.DefaultLeverage
	if override > 0 {
		target = override
	}
	if e.leverage == nil {
		return target, nil
	}
	maxLev, err := e.leverage.MaxLeverage(symbol)
	if err != nil {
		return 0, err
	}
	if target > maxLev {
		target = maxLev
	}
	if target <= 0 {
		target = 1
	}
	return target, nil
}

// positionSize sizes a new position at PositionFraction of InitialCapital
// as margin.
func (e *Engine) positionSize(price decimal.Decimal, leverage int) decimal.Decimal {
	if price.IsZero() {
		return decimal.Zero
	}
	maxMargin := e.cfg.InitialCapital.Mul(e.cfg.PositionFraction)
	notional := maxMargin.Mul(decimal.NewFromInt(int64(leverage)))
	return notional.Div(price)
}

// buildEquityCurve reconstructs per-bar equity for a single-symbol run:
// unrealised pnl while a trade is open, realised-only thereafter.
func (e *Engine) buildEquityCurve(trades []*LeveragedTrade, bars []types.OHLCV) []types.EquityCurvePoint {
	n := len(bars)
	equity := make([]decimal.Decimal, n)
	for i := range equity {
		equity[i] = e.cfg.InitialCapital
	}

	idxByTime := make(map[int64]int, n)
	for i, b := range bars {
		idxByTime[b.Timestamp.UnixNano()] = i
	}

	var cumulative decimal.Decimal
	for _, t := range trades {
		entryIdx, ok1 := idxByTime[t.EntryTime.UnixNano()]
		exitIdx, ok2 := idxByTime[t.ExitTime.UnixNano()]
		if !ok1 || !ok2 {
			continue
		}
		for i := entryIdx; i <= exitIdx && i < n; i++ {
			var unrealized decimal.Decimal
			if t.Side == types.PositionSideLong {
				unrealized = bars[i].Close.Sub(t.EntryPrice).Mul(t.Quantity)
			} else {
				unrealized = t.EntryPrice.Sub(bars[i].Close).Mul(t.Quantity)
			}
			equity[i] = e.cfg.InitialCapital.Add(cumulative).Add(unrealized)
		}
		cumulative = cumulative.Add(t.PnLDollars)
		for i := exitIdx; i < n; i++ {
			equity[i] = e.cfg.InitialCapital.Add(cumulative)
		}
	}

	out := make([]types.EquityCurvePoint, n)
	for i, b := range bars {
		out[i] = types.EquityCurvePoint{Timestamp: b.Timestamp, Equity: equity[i]}
	}
	return out
}

// buildPortfolioEquityCurve merges trades from every symbol onto a single
// unified time index, realising pnl on each trade's exit bar.
func (e *Engine) buildPortfolioEquityCurve(trades []*LeveragedTrade, index []int64) []types.EquityCurvePoint {
	n := len(index)
	var realized decimal.Decimal
	out := make([]types.EquityCurvePoint, n)

	for i, ts := range index {
		for _, t := range trades {
			if t.ExitTime.UnixNano() == ts {
				realized = realized.Add(t.PnLDollars)
			}
		}
		out[i] = types.EquityCurvePoint{
			Timestamp: timeFromUnixNano(ts),
			Equity:    e.cfg.InitialCapital.Add(realized),
		}
	}
	return out
}

func (e *Engine) symbolBreakdown(trades []*LeveragedTrade) map[string]*Metrics {
	bySymbol := make(map[string][]*LeveragedTrade)
	for _, t := range trades {
		bySymbol[t.Symbol] = append(bySymbol[t.Symbol], t)
	}
	out := make(map[string]*Metrics, len(bySymbol))
	for symbol, ts := range bySymbol {
		out[symbol] = e.metricsC.Calculate(ts, nil, e.cfg.InitialCapital)
	}
	return out
}

func unifiedIndex(data map[string][]types.OHLCV) []int64 {
	seen := make(map[int64]struct{})
	for _, bars := range data {
		for _, b := range bars {
			seen[b.Timestamp.UnixNano()] = struct{}{}
		}
	}
	out := make([]int64, 0, len(seen))
	for ts := range seen {
		out = append(out, ts)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
