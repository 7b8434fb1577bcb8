package validator

import (
	"math/rand"
	"time"

	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/pkg/types"
)

// minSignalsForShuffle is the signal-count floor below which the null
// distribution is too noisy to trust.
const minSignalsForShuffle = 10

// exitHorizonBars is the fixed forward horizon the shuffle test measures
// each signal's edge over.
const exitHorizonBars = 10

// ShuffleResult is the empirical half of a Validator run.
type ShuffleResult struct {
	RealEdge   float64
	MeanNull   float64
	StdNull    float64
	ZScore     float64
	PValue     float64
	Passed     bool
	NumSignals int
}

// ShuffleTest evaluates strat bar-by-bar (no lookahead, same protocol the
// BacktestEngine uses), computes the strategy's real average 10-bar-forward
// edge, then rebuilds a null distribution by permuting which entry each
// signal direction attaches to. The strategy passes if its real edge sits
// significantly (p < 0.05) above that null — a strategy whose edge
// disappears under shuffling was exploiting the particular order of its own
// signals, the empirical signature of a lookahead bug the AST check missed.
func ShuffleTest(strat backtester.Strategy, bars []types.OHLCV, symbol string, iterations int) (*ShuffleResult, error) {
	return shuffleTestWithRand(strat, bars, symbol, iterations, rand.New(rand.NewSource(time.Now().UnixNano())))
}

func shuffleTestWithRand(strat backtester.Strategy, bars []types.OHLCV, symbol string, iterations int, rng *rand.Rand) (*ShuffleResult, error) {
	var directions []int
	var entryIdx []int

	for i := range bars {
		sig, err := strat.Evaluate(bars[:i+1], symbol)
		if err != nil {
			return nil, err
		}
		if sig == nil {
			continue
		}
		switch sig.Direction {
		case backtester.SignalLong:
			directions = append(directions, 1)
			entryIdx = append(entryIdx, i)
		case backtester.SignalShort:
			directions = append(directions, -1)
			entryIdx = append(entryIdx, i)
		}
	}

	if len(directions) < minSignalsForShuffle {
		return &ShuffleResult{PValue: 1.0, Passed: false, NumSignals: len(directions)}, nil
	}

	closes := make([]float64, len(bars))
	for i, b := range bars {
		f, _ := b.Close.Float64()
		closes[i] = f
	}

	realEdge := simpleEdge(directions, entryIdx, closes)

	nulls := make([]float64, iterations)
	shuffled := make([]int, len(directions))
	copy(shuffled, directions)
	for it := 0; it < iterations; it++ {
		rng.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })
		nulls[it] = simpleEdge(shuffled, entryIdx, closes)
	}

	meanNull := stat.Mean(nulls, nil)
	stdNull := stat.StdDev(nulls, nil)

	if stdNull == 0 {
		return &ShuffleResult{RealEdge: realEdge, MeanNull: meanNull, PValue: 1.0, Passed: false, NumSignals: len(directions)}, nil
	}

	z := (realEdge - meanNull) / stdNull
	p := 1 - distuv.Normal{Mu: 0, Sigma: 1}.CDF(z)

	return &ShuffleResult{
		RealEdge:   realEdge,
		MeanNull:   meanNull,
		StdNull:    stdNull,
		ZScore:     z,
		PValue:     p,
		Passed:     p < 0.05,
		NumSignals: len(directions),
	}, nil
}

// simpleEdge is the average return of each signal exiting at a fixed
// 10-bar horizon (or end of data).
func simpleEdge(directions []int, entryIdx []int, closes []float64) float64 {
	if len(directions) == 0 {
		return 0
	}
	var sum float64
	for k, dir := range directions {
		entry := entryIdx[k]
		exit := entry + exitHorizonBars
		if exit > len(closes)-1 {
			exit = len(closes) - 1
		}
		entryPrice := closes[entry]
		exitPrice := closes[exit]
		if entryPrice == 0 {
			continue
		}
		var ret float64
		if dir == 1 {
			ret = (exitPrice - entryPrice) / entryPrice
		} else {
			ret = (entryPrice - exitPrice) / entryPrice
		}
		sum += ret
	}
	return sum / float64(len(directions))
}
