// Package scoring turns a backtest's metrics report into the single
// score_backtest number the Selector ranks on. Hard threshold gates run
// first; a strategy missing any of them collapses to a sentinel score no
// selection threshold can admit.
package scoring

import (
	"math"

	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/config"
)

// RejectedScore is the sentinel assigned when a hard gate fails. It sits
// below any plausible min_score so a gated-out strategy can never be
// selected by accident.
const RejectedScore = -1.0

// Weights for the composite: edge carries the most signal, risk-adjusted
// performance next, stability last.
const (
	edgeWeight      = 0.45
	sharpeWeight    = 0.35
	stabilityWeight = 0.20
)

// Scorer composes the three normalised components into a 0-100 score.
type Scorer struct {
	logger     *zap.Logger
	thresholds config.ThresholdsConfig
}

// New builds a Scorer with the configured hard gates.
func New(logger *zap.Logger, thresholds config.ThresholdsConfig) *Scorer {
	return &Scorer{logger: logger, thresholds: thresholds}
}

// GateResult reports which hard gate rejected a backtest, empty when all
// gates passed.
type GateResult struct {
	Passed bool
	Reason string
}

// CheckGates applies the hard thresholds in order and reports the first
// failure. MaxDrawdown is configured as a positive fraction; the metrics
// report also carries drawdown as a positive fraction.
func (s *Scorer) CheckGates(m *backtester.Metrics) GateResult {
	sharpe, _ := m.SharpeRatio.Float64()
	winRate, _ := m.WinRate.Float64()
	drawdown, _ := m.MaxDrawdown.Float64()

	switch {
	case m.TotalTrades < s.thresholds.MinTotalTrades:
		return GateResult{Reason: "min_trades"}
	case sharpe < s.thresholds.MinSharpe:
		return GateResult{Reason: "min_sharpe"}
	case winRate < s.thresholds.MinWinRate:
		return GateResult{Reason: "min_win_rate"}
	case s.thresholds.MaxDrawdown > 0 && math.Abs(drawdown) > s.thresholds.MaxDrawdown:
		return GateResult{Reason: "max_drawdown"}
	}
	return GateResult{Passed: true}
}

// Score computes the composite score for a gated-in backtest.
// multiWindowCV is the cross-window Sharpe coefficient of variation from
// the MultiWindowValidator (0 when multi-window is disabled); a high CV
// drags the stability component down.
func (s *Scorer) Score(m *backtester.Metrics, multiWindowCV float64) float64 {
	if gate := s.CheckGates(m); !gate.Passed {
		s.logger.Debug("score gated out", zap.String("reason", gate.Reason))
		return RejectedScore
	}

	expectancy, _ := m.Expectancy.Float64()
	sharpe, _ := m.SharpeRatio.Float64()
	drawdown, _ := m.MaxDrawdown.Float64()

	edge := normalize(expectancy, 0, 5)
	riskAdjusted := normalize(sharpe, 0, 3)

	// Stability rewards a shallow drawdown and consistent cross-window
	// performance in equal measure.
	drawdownScore := 1 - clamp01(math.Abs(drawdown)/0.5)
	cvScore := 1 - clamp01(multiWindowCV)
	stability := (drawdownScore + cvScore) / 2

	score := (edge*edgeWeight + riskAdjusted*sharpeWeight + stability*stabilityWeight) * 100
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return RejectedScore
	}
	return score
}

// normalize maps value from [lo, hi] onto [0, 1], clamping outside the
// range.
func normalize(value, lo, hi float64) float64 {
	if hi <= lo {
		return 0
	}
	return clamp01((value - lo) / (hi - lo))
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
