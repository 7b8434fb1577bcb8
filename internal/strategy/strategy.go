// Package strategy ships the built-in strategy kinds the pipeline can
// compile a stored Strategy row into. Each kind is a pure function over the
// OHLCV prefix it is handed: no I/O, no state outside its declared
// parameters, and never a read past the latest bar.
package strategy

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/pkg/types"
)

// Kind tags follow the strategy taxonomy stored in strategies.strategy_type.
const (
	KindMomentum      = "MOM"
	KindMeanReversion = "REV"
	KindTrendFollow   = "TRN"
	KindBreakout      = "BRE"
	KindVolatility    = "VOL"
)

// RegisterBuiltins wires every built-in kind into the engine's registry.
func RegisterBuiltins(reg *backtester.Registry) {
	reg.Register(KindMomentum, func(code string, params map[string]interface{}) (backtester.Strategy, error) {
		return newMomentum(params), nil
	})
	reg.Register(KindMeanReversion, func(code string, params map[string]interface{}) (backtester.Strategy, error) {
		return newMeanReversion(params), nil
	})
	reg.Register(KindTrendFollow, func(code string, params map[string]interface{}) (backtester.Strategy, error) {
		return newTrendFollow(params), nil
	})
	reg.Register(KindBreakout, func(code string, params map[string]interface{}) (backtester.Strategy, error) {
		return newBreakout(params), nil
	})
	reg.Register(KindVolatility, func(code string, params map[string]interface{}) (backtester.Strategy, error) {
		return newVolatility(params), nil
	})
}

// base carries the parameter plumbing shared by every kind.
type base struct {
	name   string
	params map[string]interface{}
}

func (b *base) Name() string                           { return b.name }
func (b *base) Parameters() map[string]interface{}     { return b.params }
func (b *base) SetParameters(p map[string]interface{}) { b.params = p }

func (b *base) intParam(key string, fallback int) int {
	switch v := b.params[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func (b *base) floatParam(key string, fallback float64) float64 {
	switch v := b.params[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	}
	return fallback
}

func closes(bars []types.OHLCV) []decimal.Decimal {
	out := make([]decimal.Decimal, len(bars))
	for i, b := range bars {
		out[i] = b.Close
	}
	return out
}

func sma(values []decimal.Decimal, period int) decimal.Decimal {
	if len(values) < period || period <= 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values[len(values)-period:] {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(period)))
}

func stdDev(values []decimal.Decimal, period int) decimal.Decimal {
	if len(values) < period || period < 2 {
		return decimal.Zero
	}
	window := values[len(values)-period:]
	m := sma(values, period)
	sq := decimal.Zero
	for _, v := range window {
		d := v.Sub(m)
		sq = sq.Add(d.Mul(d))
	}
	variance, _ := sq.Div(decimal.NewFromInt(int64(period - 1))).Float64()
	if variance <= 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// momentum trades the rate of change over a lookback period: long when the
// move up exceeds the threshold, short on the mirror move, flat when
// momentum decays back toward zero.
type momentum struct {
	base
}

func newMomentum(params map[string]interface{}) *momentum {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &momentum{base{name: "momentum", params: params}}
}

func (s *momentum) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	period := s.intParam("period", 14)
	threshold := decimal.NewFromFloat(s.floatParam("threshold", 0.02))
	if len(bars) <= period {
		return nil, nil
	}

	current := bars[len(bars)-1].Close
	past := bars[len(bars)-1-period].Close
	if past.IsZero() {
		return nil, nil
	}
	roc := current.Sub(past).Div(past)

	switch {
	case roc.GreaterThan(threshold):
		return &backtester.Signal{Direction: backtester.SignalLong, Leverage: s.intParam("leverage", 0)}, nil
	case roc.LessThan(threshold.Neg()):
		return &backtester.Signal{Direction: backtester.SignalShort, Leverage: s.intParam("leverage", 0)}, nil
	case roc.Abs().LessThan(threshold.Div(decimal.NewFromInt(4))):
		return &backtester.Signal{Direction: backtester.SignalClose}, nil
	}
	return nil, nil
}

// meanReversion fades stretched moves: entry when price sits more than
// stddev_mult standard deviations from its moving average, exit when it
// crosses back through the mean.
type meanReversion struct {
	base
}

func newMeanReversion(params map[string]interface{}) *meanReversion {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &meanReversion{base{name: "mean_reversion", params: params}}
}

func (s *meanReversion) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	period := s.intParam("period", 20)
	mult := decimal.NewFromFloat(s.floatParam("stddev_mult", 2.0))
	if len(bars) < period+1 {
		return nil, nil
	}

	cs := closes(bars)
	mean := sma(cs, period)
	sd := stdDev(cs, period)
	if sd.IsZero() {
		return nil, nil
	}

	price := cs[len(cs)-1]
	upper := mean.Add(sd.Mul(mult))
	lower := mean.Sub(sd.Mul(mult))

	switch {
	case price.LessThan(lower):
		return &backtester.Signal{Direction: backtester.SignalLong, Leverage: s.intParam("leverage", 0)}, nil
	case price.GreaterThan(upper):
		return &backtester.Signal{Direction: backtester.SignalShort, Leverage: s.intParam("leverage", 0)}, nil
	case price.Sub(mean).Abs().LessThan(sd.Div(decimal.NewFromInt(4))):
		return &backtester.Signal{Direction: backtester.SignalClose}, nil
	}
	return nil, nil
}

// trendFollow rides moving-average crosses: long when the fast average
// crosses above the slow one, short on the inverse, flat when they pinch.
type trendFollow struct {
	base
}

func newTrendFollow(params map[string]interface{}) *trendFollow {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &trendFollow{base{name: "trend_following", params: params}}
}

func (s *trendFollow) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	fast := s.intParam("fast_period", 10)
	slow := s.intParam("slow_period", 30)
	if fast >= slow || len(bars) < slow+1 {
		return nil, nil
	}

	cs := closes(bars)
	fastMA := sma(cs, fast)
	slowMA := sma(cs, slow)
	prevFast := sma(cs[:len(cs)-1], fast)
	prevSlow := sma(cs[:len(cs)-1], slow)

	crossedUp := prevFast.LessThanOrEqual(prevSlow) && fastMA.GreaterThan(slowMA)
	crossedDown := prevFast.GreaterThanOrEqual(prevSlow) && fastMA.LessThan(slowMA)

	switch {
	case crossedUp:
		return &backtester.Signal{Direction: backtester.SignalLong, Leverage: s.intParam("leverage", 0)}, nil
	case crossedDown:
		return &backtester.Signal{Direction: backtester.SignalShort, Leverage: s.intParam("leverage", 0)}, nil
	case fastMA.Sub(slowMA).Abs().LessThan(slowMA.Mul(decimal.NewFromFloat(0.0005))):
		return &backtester.Signal{Direction: backtester.SignalClose}, nil
	}
	return nil, nil
}

// breakout enters on a close beyond the prior N-bar extreme and exits when
// price falls back toward the channel midpoint.
type breakout struct {
	base
}

func newBreakout(params map[string]interface{}) *breakout {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &breakout{base{name: "breakout", params: params}}
}

func (s *breakout) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	period := s.intParam("period", 20)
	if len(bars) < period+1 {
		return nil, nil
	}

	window := bars[len(bars)-1-period : len(bars)-1]
	highest := window[0].High
	lowest := window[0].Low
	for _, b := range window[1:] {
		if b.High.GreaterThan(highest) {
			highest = b.High
		}
		if b.Low.LessThan(lowest) {
			lowest = b.Low
		}
	}

	price := bars[len(bars)-1].Close
	mid := highest.Add(lowest).Div(decimal.NewFromInt(2))

	switch {
	case price.GreaterThan(highest):
		return &backtester.Signal{Direction: backtester.SignalLong, Leverage: s.intParam("leverage", 0)}, nil
	case price.LessThan(lowest):
		return &backtester.Signal{Direction: backtester.SignalShort, Leverage: s.intParam("leverage", 0)}, nil
	case price.Sub(mid).Abs().LessThan(highest.Sub(lowest).Div(decimal.NewFromInt(10))):
		return &backtester.Signal{Direction: backtester.SignalClose}, nil
	}
	return nil, nil
}

// volatility trades expansion regimes: entry in the direction of the move
// when the short-window deviation blows past its long-window baseline, exit
// once volatility compresses again.
type volatility struct {
	base
}

func newVolatility(params map[string]interface{}) *volatility {
	if params == nil {
		params = map[string]interface{}{}
	}
	return &volatility{base{name: "volatility_expansion", params: params}}
}

func (s *volatility) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	short := s.intParam("short_period", 10)
	long := s.intParam("long_period", 40)
	ratio := decimal.NewFromFloat(s.floatParam("expansion_ratio", 1.5))
	if short >= long || len(bars) < long+1 {
		return nil, nil
	}

	cs := closes(bars)
	shortVol := stdDev(cs, short)
	longVol := stdDev(cs, long)
	if longVol.IsZero() {
		return nil, nil
	}

	price := cs[len(cs)-1]
	prev := cs[len(cs)-2]

	if shortVol.GreaterThan(longVol.Mul(ratio)) {
		if price.GreaterThan(prev) {
			return &backtester.Signal{Direction: backtester.SignalLong, Leverage: s.intParam("leverage", 0)}, nil
		}
		return &backtester.Signal{Direction: backtester.SignalShort, Leverage: s.intParam("leverage", 0)}, nil
	}
	if shortVol.LessThan(longVol) {
		return &backtester.Signal{Direction: backtester.SignalClose}, nil
	}
	return nil, nil
}
