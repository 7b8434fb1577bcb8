// Performance metrics for completed backtests: trade statistics, Sharpe
// and Sortino on per-bar returns, drawdown, and the leveraged-portfolio
// extras (ED ratio, consistency, average leverage, peak margin use).
package backtester

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

// profitFactorSentinel caps an all-winning trade sequence's profit factor
// at a finite value instead of +Inf so downstream consumers can assume
// every metric is finite.
var profitFactorSentinel = decimal.NewFromFloat(999.0)

// Metrics is the full leveraged-engine performance report.
type Metrics struct {
	TotalTrades      int
	WinningTrades    int
	LosingTrades     int
	WinRate          decimal.Decimal
	AvgWin           decimal.Decimal
	AvgLoss          decimal.Decimal
	LargestWin       decimal.Decimal
	LargestLoss      decimal.Decimal
	ProfitFactor     decimal.Decimal
	Expectancy       decimal.Decimal
	EDRatio          decimal.Decimal
	TotalReturn      decimal.Decimal
	AnnualizedReturn decimal.Decimal
	SharpeRatio      decimal.Decimal
	SortinoRatio     decimal.Decimal
	MaxDrawdown      decimal.Decimal
	MaxDrawdownDate  time.Time
	CalmarRatio      decimal.Decimal
	Consistency      decimal.Decimal
	AvgLeverage      decimal.Decimal
	MaxMarginPct     decimal.Decimal
}

// MetricsCalculator computes Metrics from a completed set of LeveragedTrade
// and the portfolio equity curve they produced.
type MetricsCalculator struct{}

// NewMetricsCalculator builds a MetricsCalculator.
func NewMetricsCalculator() *MetricsCalculator {
	return &MetricsCalculator{}
}

// Calculate computes the full metrics report. NaN/±Inf results from
// degenerate inputs (e.g. a single trade, zero variance) are sanitized to
// zero except profit factor, which uses the finite sentinel cap instead.
func (mc *MetricsCalculator) Calculate(trades []*LeveragedTrade, equityCurve []types.EquityCurvePoint, initialCapital decimal.Decimal) *Metrics {
	m := &Metrics{}
	if len(trades) == 0 {
		return m
	}

	var totalWins, totalLosses, totalLeverage decimal.Decimal
	for _, t := range trades {
		m.TotalTrades++
		if t.PnLDollars.GreaterThan(decimal.Zero) {
			m.WinningTrades++
			totalWins = totalWins.Add(t.PnLDollars)
			if t.PnLDollars.GreaterThan(m.LargestWin) {
				m.LargestWin = t.PnLDollars
			}
		} else if t.PnLDollars.LessThan(decimal.Zero) {
			m.LosingTrades++
			totalLosses = totalLosses.Add(t.PnLDollars.Abs())
			if t.PnLDollars.Abs().GreaterThan(m.LargestLoss) {
				m.LargestLoss = t.PnLDollars.Abs()
			}
		}
		totalLeverage = totalLeverage.Add(decimal.NewFromInt(int64(t.Leverage)))
		if !initialCapital.IsZero() {
			marginPct := t.Margin.Div(initialCapital)
			if marginPct.GreaterThan(m.MaxMarginPct) {
				m.MaxMarginPct = marginPct
			}
		}
	}

	n := decimal.NewFromInt(int64(m.TotalTrades))
	m.WinRate = decimal.NewFromInt(int64(m.WinningTrades)).Div(n)
	if m.WinningTrades > 0 {
		m.AvgWin = totalWins.Div(decimal.NewFromInt(int64(m.WinningTrades)))
	}
	if m.LosingTrades > 0 {
		m.AvgLoss = totalLosses.Div(decimal.NewFromInt(int64(m.LosingTrades)))
	}

	if totalLosses.IsZero() {
		if totalWins.GreaterThan(decimal.Zero) {
			m.ProfitFactor = profitFactorSentinel
		}
	} else {
		pf := totalWins.Div(totalLosses)
		if pf.GreaterThan(profitFactorSentinel) {
			pf = profitFactorSentinel
		}
		m.ProfitFactor = pf
	}

	lossPct := decimal.NewFromInt(1).Sub(m.WinRate)
	m.Expectancy = m.WinRate.Mul(m.AvgWin).Sub(lossPct.Mul(m.AvgLoss))

	m.AvgLeverage = totalLeverage.Div(n)

	if len(equityCurve) > 0 && !initialCapital.IsZero() {
		final := equityCurve[len(equityCurve)-1].Equity
		m.TotalReturn = final.Sub(initialCapital).Div(initialCapital)
	}

	returns := dailyReturns(equityCurve)
	if len(returns) > 0 {
		avg := mean(returns)
		m.AnnualizedReturn = decimal.NewFromFloat(sanitize(avg * 252))
	}
	if len(returns) > 1 {
		avg := mean(returns)
		sd := stdDev(returns)
		if sd > 0 {
			m.SharpeRatio = decimal.NewFromFloat(sanitize(avg / sd * math.Sqrt(252)))
		}
		dd := downsideDeviation(returns)
		if dd > 0 {
			m.SortinoRatio = decimal.NewFromFloat(sanitize(avg / dd * math.Sqrt(252)))
		}
	}

	maxDD, maxDDDate := calculateMaxDrawdown(equityCurve)
	m.MaxDrawdown = maxDD
	m.MaxDrawdownDate = maxDDDate

	if !m.MaxDrawdown.IsZero() {
		m.CalmarRatio = decimal.NewFromFloat(sanitize(divF(m.AnnualizedReturn, m.MaxDrawdown)))
		// ED ratio: expectancy over |max drawdown|; zero drawdown leaves
		// it zero.
		m.EDRatio = m.Expectancy.Div(m.MaxDrawdown.Abs())
	}

	m.Consistency = calculateConsistency(equityCurve)

	return m
}

// calculateConsistency measures what fraction of equity-curve steps were
// non-negative, a simple smoothness proxy used alongside MultiWindowValidator's
// cross-window Sharpe CV for the Scorer's stability term.
func calculateConsistency(equityCurve []types.EquityCurvePoint) decimal.Decimal {
	if len(equityCurve) < 2 {
		return decimal.Zero
	}
	nonNegative := 0
	for i := 1; i < len(equityCurve); i++ {
		if equityCurve[i].Equity.GreaterThanOrEqual(equityCurve[i-1].Equity) {
			nonNegative++
		}
	}
	return decimal.NewFromInt(int64(nonNegative)).Div(decimal.NewFromInt(int64(len(equityCurve) - 1)))
}

// RiskMetrics is the volatility/VaR/CVaR risk report.
type RiskMetrics struct {
	DailyVolatility  decimal.Decimal
	AnnualVolatility decimal.Decimal
	VaR95            decimal.Decimal
	VaR99            decimal.Decimal
	CVaR95           decimal.Decimal
}

// CalculateRiskMetrics computes volatility/VaR/CVaR from the equity curve.
func (mc *MetricsCalculator) CalculateRiskMetrics(equityCurve []types.EquityCurvePoint) *RiskMetrics {
	rm := &RiskMetrics{}
	returns := dailyReturns(equityCurve)
	if len(returns) == 0 {
		return rm
	}

	dv := stdDev(returns)
	rm.DailyVolatility = decimal.NewFromFloat(dv)
	rm.AnnualVolatility = decimal.NewFromFloat(dv * math.Sqrt(252))

	sorted := append([]float64{}, returns...)
	sort.Float64s(sorted)

	idx95 := int(float64(len(sorted)) * 0.05)
	if idx95 >= 0 && idx95 < len(sorted) {
		rm.VaR95 = decimal.NewFromFloat(-sorted[idx95])
	}
	idx99 := int(float64(len(sorted)) * 0.01)
	if idx99 >= 0 && idx99 < len(sorted) {
		rm.VaR99 = decimal.NewFromFloat(-sorted[idx99])
	}
	if idx95 > 0 {
		var sum float64
		for i := 0; i < idx95; i++ {
			sum += sorted[i]
		}
		rm.CVaR95 = decimal.NewFromFloat(-sum / float64(idx95))
	}

	return rm
}

func dailyReturns(equityCurve []types.EquityCurvePoint) []float64 {
	if len(equityCurve) < 2 {
		return nil
	}
	out := make([]float64, 0, len(equityCurve)-1)
	for i := 1; i < len(equityCurve); i++ {
		prev := equityCurve[i-1].Equity
		if prev.IsZero() {
			continue
		}
		ret := equityCurve[i].Equity.Sub(prev).Div(prev)
		f, _ := ret.Float64()
		out = append(out, f)
	}
	return out
}

func calculateMaxDrawdown(equityCurve []types.EquityCurvePoint) (decimal.Decimal, time.Time) {
	if len(equityCurve) == 0 {
		return decimal.Zero, time.Time{}
	}
	var maxDD decimal.Decimal
	var maxDDDate time.Time
	peak := equityCurve[0].Equity

	for _, p := range equityCurve {
		if p.Equity.GreaterThan(peak) {
			peak = p.Equity
		}
		if !peak.IsZero() {
			dd := peak.Sub(p.Equity).Div(peak)
			if dd.GreaterThan(maxDD) {
				maxDD = dd
				maxDDDate = p.Timestamp
			}
		}
	}
	return maxDD, maxDDDate
}

func mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func stdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	m := mean(values)
	var sq float64
	for _, v := range values {
		d := v - m
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)-1))
}

func downsideDeviation(returns []float64) float64 {
	var neg []float64
	for _, r := range returns {
		if r < 0 {
			neg = append(neg, r)
		}
	}
	if len(neg) == 0 {
		return 0
	}
	return stdDev(neg)
}

// sanitize replaces NaN/±Inf with 0. Profit factor is the one exception,
// capped with the finite sentinel at its call site instead.
func sanitize(f float64) float64 {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0
	}
	return f
}

func divF(a, b decimal.Decimal) float64 {
	if b.IsZero() {
		return 0
	}
	f, _ := a.Div(b).Float64()
	return f
}
