package validator

import (
	"context"
	"fmt"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/config"
	"github.com/sixbtc/pipeline/internal/marketdata"
	"github.com/sixbtc/pipeline/pkg/types"
)

// WindowResult is one window's backtest summary.
type WindowResult struct {
	Window  int
	Sharpe  float64
	Trades  int
	WinRate float64
	Period  string
}

// MultiWindowResult is the full consistency-check outcome.
type MultiWindowResult struct {
	Passed   bool
	Reason   string
	AvgSharpe float64
	StdSharpe float64
	CV        float64
	Windows   []WindowResult
}

// MultiWindowValidator re-backtests a strategy over N disjoint historical
// windows and rejects it if performance isn't consistent across them — the
// overfitting check the backtest worker runs before scoring, whose CV feeds
// the score's stability term. It evaluates the parameterised strategy it is
// handed, so the same base code with different parameters is checked again,
// since consistency depends on the chosen parameters too.
type MultiWindowValidator struct {
	engine *backtester.Engine
	cache  *marketdata.Cache
	cfg    config.MultiWindowConfig
	isDays int
	oosDays int
}

// NewMultiWindowValidator builds a validator sharing engine and cache with
// the rest of the pipeline.
func NewMultiWindowValidator(engine *backtester.Engine, cache *marketdata.Cache, cfg config.MultiWindowConfig, isDays, oosDays int) *MultiWindowValidator {
	return &MultiWindowValidator{engine: engine, cache: cache, cfg: cfg, isDays: isDays, oosDays: oosDays}
}

type windowSpec struct {
	startOffsetDays int
	windowDays      int
}

// generateWindows divides the same (is_days + oos_days) span the main
// backtest uses into equal, non-overlapping, chronologically ordered
// slices.
func (v *MultiWindowValidator) generateWindows() []windowSpec {
	totalDays := v.isDays + v.oosDays
	windowDays := totalDays / v.cfg.Windows

	out := make([]windowSpec, 0, v.cfg.Windows)
	for i := 0; i < v.cfg.Windows; i++ {
		startOffset := totalDays - i*windowDays
		out = append(out, windowSpec{startOffsetDays: startOffset, windowDays: windowDays})
	}
	return out
}

// Validate runs strat across every generated window for every symbol in
// pairs, merges each window's multi-symbol portfolio result into a single
// Sharpe reading, and gates on average Sharpe and cross-window coefficient
// of variation.
func (v *MultiWindowValidator) Validate(ctx context.Context, strat backtester.Strategy, pairs []string, tf types.Timeframe) (*MultiWindowResult, error) {
	if !v.cfg.Enabled {
		return &MultiWindowResult{Passed: true, Reason: "multi_window_disabled"}, nil
	}

	windows := v.generateWindows()
	if len(windows) < 2 {
		return &MultiWindowResult{Passed: true, Reason: "insufficient_data_windows"}, nil
	}

	var results []WindowResult
	for i, w := range windows {
		endDate := time.Now().UTC().Add(-time.Duration(w.startOffsetDays-w.windowDays) * 24 * time.Hour)
		startDate := endDate.Add(-time.Duration(w.windowDays) * 24 * time.Hour)
		period := fmt.Sprintf("%dd-%dd ago", w.startOffsetDays, w.startOffsetDays-w.windowDays)

		data := make(map[string][]types.OHLCV, len(pairs))
		for _, symbol := range pairs {
			bars, err := v.cache.Load(ctx, symbol, tf, startDate, endDate)
			if err != nil {
				continue
			}
			if len(bars) > 0 {
				data[symbol] = bars
			}
		}
		if len(data) == 0 {
			continue
		}

		result, err := v.engine.RunPortfolio(ctx, strat, data, nil)
		if err != nil {
			continue
		}
		if result.Metrics == nil || result.Metrics.TotalTrades == 0 {
			continue
		}

		sharpe, _ := result.Metrics.SharpeRatio.Float64()
		winRate, _ := result.Metrics.WinRate.Float64()
		results = append(results, WindowResult{
			Window:  i + 1,
			Sharpe:  sharpe,
			Trades:  result.Metrics.TotalTrades,
			WinRate: winRate,
			Period:  period,
		})
	}

	if len(results) < 2 {
		return &MultiWindowResult{
			Passed: true,
			Reason: fmt.Sprintf("only_%d_windows_with_trades", len(results)),
			Windows: results,
		}, nil
	}

	sharpes := make([]float64, len(results))
	for i, r := range results {
		sharpes[i] = r.Sharpe
	}
	avgSharpe := stat.Mean(sharpes, nil)
	stdSharpe := 0.0
	if len(sharpes) > 1 {
		stdSharpe = stat.StdDev(sharpes, nil)
	}

	var cv float64
	switch {
	case avgSharpe > 0:
		cv = stdSharpe / avgSharpe
	case stdSharpe > 0:
		cv = 1e308 // finite stand-in for an unbounded CV
	default:
		cv = 0
	}

	passed := true
	reason := ""
	if avgSharpe < v.cfg.MinAvgSharpe {
		passed = false
		reason += fmt.Sprintf("avg_sharpe=%.2f<%.2f;", avgSharpe, v.cfg.MinAvgSharpe)
	}
	if cv > v.cfg.MaxCV {
		passed = false
		reason += fmt.Sprintf("cv=%.2f>%.2f;", cv, v.cfg.MaxCV)
	}
	if passed {
		reason = fmt.Sprintf("passed:avg=%.2f,cv=%.2f", avgSharpe, cv)
	}

	return &MultiWindowResult{
		Passed:    passed,
		Reason:    reason,
		AvgSharpe: avgSharpe,
		StdSharpe: stdSharpe,
		CV:        cv,
		Windows:   results,
	}, nil
}
