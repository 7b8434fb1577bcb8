package validator_test

import (
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/validator"
	"github.com/sixbtc/pipeline/pkg/types"
)

func TestASTCheckForbiddenPatterns(t *testing.T) {
	cases := []struct {
		name    string
		code    string
		pattern string
	}{
		{"centered_rolling", `Rolling(close, 20, true)`, "center_true"},
		{"centered_expanding", `Expanding(close, true)`, "future_center"},
		{"negative_shift", `Shift(-3)`, "negative_shift"},
		{"nested_rolling", `Add(Rolling(close, 20, true), sma)`, "center_true"},
		{"selector_call", `df.Rolling(20, true)`, "center_true"},
		{"garbage", `this is not an expression ((`, "syntax_error"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			passed, violations := validator.ASTCheck(c.code)
			if passed {
				t.Fatalf("expected %q to fail the static check", c.code)
			}
			found := false
			for _, v := range violations {
				if v.Pattern == c.pattern {
					found = true
				}
			}
			if !found {
				t.Fatalf("expected a %s violation, got %v", c.pattern, violations)
			}
		})
	}
}

func TestASTCheckCleanPatterns(t *testing.T) {
	cases := []string{
		`Rolling(close, 20)`,
		`Rolling(close, 20, false)`,
		`Shift(3)`,
		`Sub(Sma(close, 10), Sma(close, 30))`,
		`Expanding(close)`,
	}
	for _, code := range cases {
		if passed, violations := validator.ASTCheck(code); !passed {
			t.Errorf("clean code %q rejected: %v", code, violations)
		}
	}
}

// scriptedStrategy emits a fixed direction at fixed bar indices, for
// constructing signal sets with a known relationship to the price path.
type scriptedStrategy struct {
	signals map[int]backtester.SignalDirection
}

func (s *scriptedStrategy) Name() string                           { return "scripted" }
func (s *scriptedStrategy) Parameters() map[string]interface{}     { return nil }
func (s *scriptedStrategy) SetParameters(map[string]interface{})   {}
func (s *scriptedStrategy) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	dir, ok := s.signals[len(bars)-1]
	if !ok {
		return nil, nil
	}
	return &backtester.Signal{Direction: dir}, nil
}

func mkBars(prices []float64) []types.OHLCV {
	start := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.OHLCV, len(prices))
	for i, p := range prices {
		d := decimal.NewFromFloat(p)
		out[i] = types.OHLCV{Timestamp: start.Add(time.Duration(i) * time.Hour), Open: d, High: d, Low: d, Close: d}
	}
	return out
}

func TestShuffleRequiresMinimumSignals(t *testing.T) {
	strat := &scriptedStrategy{signals: map[int]backtester.SignalDirection{
		5: backtester.SignalLong, 20: backtester.SignalShort,
	}}
	res, err := validator.ShuffleTest(strat, mkBars(flatWalk(100)), "BTC", 50)
	if err != nil {
		t.Fatalf("ShuffleTest: %v", err)
	}
	if res.Passed {
		t.Fatal("two signals must not be enough to pass")
	}
	if res.PValue != 1.0 {
		t.Errorf("p-value = %v, want 1.0 for the insufficiency short-circuit", res.PValue)
	}
	if res.NumSignals != 2 {
		t.Errorf("signal count = %d, want 2", res.NumSignals)
	}
}

func TestShufflePassesGenuineEdge(t *testing.T) {
	// Alternate long signals before engineered +10% jumps and short
	// signals before -10% drops: the real direction assignment captures
	// the move, while shuffled assignments mostly fight it.
	prices := make([]float64, 0, 400)
	signals := make(map[int]backtester.SignalDirection)
	price := 1000.0
	for block := 0; block < 20; block++ {
		for i := 0; i < 9; i++ {
			prices = append(prices, price)
		}
		signals[len(prices)-1] = backtester.SignalLong
		if block%2 == 1 {
			signals[len(prices)-1] = backtester.SignalShort
		}
		move := 1.10
		if block%2 == 1 {
			move = 0.90
		}
		price *= move
		for i := 0; i < 10; i++ {
			prices = append(prices, price)
		}
	}

	strat := &scriptedStrategy{signals: signals}
	res, err := validator.ShuffleTest(strat, mkBars(prices), "BTC", 200)
	if err != nil {
		t.Fatalf("ShuffleTest: %v", err)
	}
	if !res.Passed {
		t.Fatalf("an engineered edge must survive the shuffle test: %+v", res)
	}
	if res.RealEdge <= res.MeanNull {
		t.Errorf("real edge %v should exceed the null mean %v", res.RealEdge, res.MeanNull)
	}
}

func TestShuffleRejectsDirectionlessSignals(t *testing.T) {
	// All-long signals on a flat tape: every permutation yields the same
	// zero edge, so the null collapses and the test must fail closed.
	signals := make(map[int]backtester.SignalDirection)
	for i := 10; i < 110; i += 5 {
		signals[i] = backtester.SignalLong
	}
	strat := &scriptedStrategy{signals: signals}
	res, err := validator.ShuffleTest(strat, mkBars(flatWalk(200)), "BTC", 50)
	if err != nil {
		t.Fatalf("ShuffleTest: %v", err)
	}
	if res.Passed {
		t.Fatal("a zero-variance null must fail closed")
	}
}

func flatWalk(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = 1000
	}
	return out
}

func TestValidateSkipsShuffleOnASTFailure(t *testing.T) {
	v := validator.New()
	strat := &scriptedStrategy{signals: nil}

	res, err := v.Validate(strat, `Rolling(close, 20, true)`, mkBars(flatWalk(50)), "BTC")
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if res.Passed || res.ASTPassed {
		t.Fatal("static failure must reject outright")
	}
	if res.Shuffle != nil {
		t.Fatal("shuffle test must not run after a static failure")
	}
	joined := ""
	for _, v := range res.ASTViolations {
		joined += v.Detail + ";"
	}
	if !strings.Contains(joined, "Rolling") {
		t.Errorf("violation detail should name the offending call, got %q", joined)
	}
}
