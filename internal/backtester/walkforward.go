// Walk-forward parameter optimisation: expanding train/test windows, grid
// search on train, out-of-sample test, and a parameter-stability
// (coefficient-of-variation) gate.
package backtester

import (
	"context"
	"math"
	"sort"

	"github.com/sixbtc/pipeline/pkg/types"
)

// ParamValue is one candidate value in a grid search dimension. Only
// numeric values participate in the stability/averaging computation;
// non-numeric values use a most-common-value fallback.
type ParamValue struct {
	Numeric    float64
	IsNumeric  bool
	IsInt      bool
	RawInt     int64
	RawString  string
}

// ParamGrid maps a parameter name to the candidate values grid search
// tries.
type ParamGrid map[string][]ParamValue

// StrategyFactory builds a Strategy instance from a parameter assignment.
type StrategyFactory func(params map[string]ParamValue) (Strategy, error)

// WalkForwardConfig controls window count, split ratio, and the
// metric/threshold/stability gates.
type WalkForwardConfig struct {
	Windows        int
	TrainPct       float64
	MinMetricValue float64
	MaxCV          float64
}

// DefaultWalkForwardConfig: 4 windows, 75% initial train split,
// Sharpe >= 1.0, CV < 0.30.
func DefaultWalkForwardConfig() WalkForwardConfig {
	return WalkForwardConfig{Windows: 4, TrainPct: 0.75, MinMetricValue: 1.0, MaxCV: 0.30}
}

// WalkForwardAnalyzer performs walk-forward parameter optimisation with a
// cross-window stability gate: reject if any window's out-of-sample metric
// misses the threshold, or if the selected numeric parameters vary too
// much window to window (overfitting signal).
type WalkForwardAnalyzer struct {
	engine *Engine
	cfg    WalkForwardConfig
}

// NewWalkForwardAnalyzer builds an analyzer sharing engine for every grid
// point and window it runs.
func NewWalkForwardAnalyzer(engine *Engine, cfg WalkForwardConfig) *WalkForwardAnalyzer {
	return &WalkForwardAnalyzer{engine: engine, cfg: cfg}
}

// window is one (train, test) bar-index split of a unified dataset,
// produced by expanding the train boundary and sliding the test boundary
// forward each iteration.
type window struct {
	train []types.OHLCV
	test  []types.OHLCV
}

func createWindows(bars []types.OHLCV, cfg WalkForwardConfig) []window {
	total := len(bars)
	out := make([]window, 0, cfg.Windows)
	for i := 0; i < cfg.Windows; i++ {
		trainEndPct := cfg.TrainPct + float64(i)*(1-cfg.TrainPct)/float64(cfg.Windows)
		trainEnd := int(float64(total) * trainEndPct)
		testEndPct := trainEndPct + (1-cfg.TrainPct)/float64(cfg.Windows)
		testEnd := int(float64(total) * testEndPct)
		if trainEnd > total {
			trainEnd = total
		}
		if testEnd > total {
			testEnd = total
		}
		out = append(out, window{train: bars[:trainEnd], test: bars[trainEnd:testEnd]})
	}
	return out
}

// Metric names the Metrics field the grid search optimises and the
// threshold gate checks.
type Metric string

const (
	MetricSharpe     Metric = "sharpe_ratio"
	MetricExpectancy Metric = "expectancy"
	MetricWinRate    Metric = "win_rate"
)

func metricValue(m *Metrics, metric Metric) float64 {
	var d float64
	switch metric {
	case MetricExpectancy:
		d, _ = m.Expectancy.Float64()
	case MetricWinRate:
		d, _ = m.WinRate.Float64()
	default:
		d, _ = m.SharpeRatio.Float64()
	}
	return d
}

// Optimize runs the full walk-forward procedure over symbol's bars: for
// each expanding window, grid-search factory/grid on train, test the
// winner on test. Returns the averaged stable parameter set, or ok=false
// if any window misses the metric threshold or the winners are unstable
// across windows.
func (wf *WalkForwardAnalyzer) Optimize(ctx context.Context, factory StrategyFactory, symbol string, bars []types.OHLCV, grid ParamGrid, metric Metric) (map[string]ParamValue, bool, error) {
	windows := createWindows(bars, wf.cfg)

	var winners []map[string]ParamValue
	var testMetrics []float64

	for _, w := range windows {
		best, bestVal, err := wf.gridSearch(factory, symbol, w.train, grid, metric)
		if err != nil {
			return nil, false, err
		}
		if best == nil {
			return nil, false, nil
		}
		_ = bestVal

		strat, err := factory(best)
		if err != nil {
			return nil, false, err
		}
		result, err := wf.engine.Run(ctx, strat, symbol, w.test, 0)
		if err != nil {
			return nil, false, err
		}
		testVal := metricValue(result.Metrics, metric)
		if testVal < wf.cfg.MinMetricValue {
			return nil, false, nil
		}

		winners = append(winners, best)
		testMetrics = append(testMetrics, testVal)
	}

	stable, _ := checkStability(winners, wf.cfg.MaxCV)
	if !stable {
		return nil, false, nil
	}

	return averageParams(winners), true, nil
}

func (wf *WalkForwardAnalyzer) gridSearch(factory StrategyFactory, symbol string, bars []types.OHLCV, grid ParamGrid, metric Metric) (map[string]ParamValue, float64, error) {
	names := make([]string, 0, len(grid))
	for name := range grid {
		names = append(names, name)
	}
	sort.Strings(names)

	combos := cartesianProduct(grid, names)

	bestVal := math.Inf(-1)
	var best map[string]ParamValue

	for _, combo := range combos {
		strat, err := factory(combo)
		if err != nil {
			continue
		}
		result, err := wf.engine.Run(context.Background(), strat, symbol, bars, 0)
		if err != nil {
			continue
		}
		v := metricValue(result.Metrics, metric)
		if v > bestVal {
			bestVal = v
			best = combo
		}
	}
	return best, bestVal, nil
}

func cartesianProduct(grid ParamGrid, names []string) []map[string]ParamValue {
	if len(names) == 0 {
		return nil
	}
	combos := []map[string]ParamValue{{}}
	for _, name := range names {
		values := grid[name]
		var next []map[string]ParamValue
		for _, combo := range combos {
			for _, v := range values {
				c := make(map[string]ParamValue, len(combo)+1)
				for k, existing := range combo {
					c[k] = existing
				}
				c[name] = v
				next = append(next, c)
			}
		}
		combos = next
	}
	return combos
}

// checkStability computes, per numeric parameter, the coefficient of
// variation (std/|mean|) of its winning value across windows. Stable iff
// every numeric parameter's CV is below maxCV.
func checkStability(winners []map[string]ParamValue, maxCV float64) (bool, map[string]float64) {
	if len(winners) == 0 {
		return false, nil
	}
	cvs := make(map[string]float64)
	for name, first := range winners[0] {
		if !first.IsNumeric {
			continue
		}
		values := make([]float64, 0, len(winners))
		for _, w := range winners {
			values = append(values, w[name].Numeric)
		}
		mean := meanF(values)
		sd := popStdDev(values, mean)
		cv := 0.0
		if mean != 0 {
			cv = sd / math.Abs(mean)
		}
		cvs[name] = cv
	}
	stable := true
	for _, cv := range cvs {
		if cv >= maxCV {
			stable = false
		}
	}
	return stable, cvs
}

// averageParams reduces the per-window winners to one parameter set:
// numeric values are meaned (rounded to int when every window's winner was
// integral), non-numeric values take the mode.
func averageParams(winners []map[string]ParamValue) map[string]ParamValue {
	out := make(map[string]ParamValue)
	if len(winners) == 0 {
		return out
	}
	for name := range winners[0] {
		values := make([]ParamValue, 0, len(winners))
		for _, w := range winners {
			values = append(values, w[name])
		}
		if values[0].IsNumeric {
			nums := make([]float64, len(values))
			allInt := true
			for i, v := range values {
				nums[i] = v.Numeric
				if !v.IsInt {
					allInt = false
				}
			}
			avg := meanF(nums)
			if allInt {
				out[name] = ParamValue{Numeric: math.Round(avg), IsNumeric: true, IsInt: true, RawInt: int64(math.Round(avg))}
			} else {
				out[name] = ParamValue{Numeric: avg, IsNumeric: true}
			}
		} else {
			out[name] = mostCommon(values)
		}
	}
	return out
}

func mostCommon(values []ParamValue) ParamValue {
	counts := make(map[string]int)
	for _, v := range values {
		counts[v.RawString]++
	}
	best := values[0]
	bestCount := -1
	for _, v := range values {
		if counts[v.RawString] > bestCount {
			bestCount = counts[v.RawString]
			best = v
		}
	}
	return best
}

func meanF(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func popStdDev(values []float64, mean float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return math.Sqrt(sq / float64(len(values)))
}
