package backtester_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/pkg/types"
)

func mkBars(prices ...float64) []types.OHLCV {
	start := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.OHLCV, len(prices))
	for i, p := range prices {
		d := decimal.NewFromFloat(p)
		out[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      d, High: d, Low: d, Close: d,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

// scripted emits fixed signals at fixed bar indices.
type scripted struct {
	signals map[int]*backtester.Signal
}

func (s *scripted) Name() string                         { return "scripted" }
func (s *scripted) Parameters() map[string]interface{}   { return nil }
func (s *scripted) SetParameters(map[string]interface{}) {}
func (s *scripted) Evaluate(bars []types.OHLCV, symbol string) (*backtester.Signal, error) {
	return s.signals[len(bars)-1], nil
}

func long(lev int) *backtester.Signal {
	return &backtester.Signal{Direction: backtester.SignalLong, Leverage: lev}
}

func closeSig() *backtester.Signal {
	return &backtester.Signal{Direction: backtester.SignalClose}
}

// frictionless removes fees and slippage so price math is exact.
func frictionless(capital float64) backtester.Config {
	cfg := backtester.DefaultConfig(decimal.NewFromFloat(capital))
	cfg.FeeRate = decimal.Zero
	cfg.Slippage = decimal.Zero
	return cfg
}

func TestTradeAccounting(t *testing.T) {
	entry := decimal.NewFromFloat(100)
	exit := decimal.NewFromFloat(110)
	qty := decimal.NewFromFloat(2)
	feeRate := decimal.NewFromFloat(0.001)

	tr := backtester.NewLeveragedTrade("BTC", types.PositionSideLong,
		time.Now(), time.Now().Add(time.Hour), entry, exit, qty, 4, feeRate)

	// notional = 200, margin = 200/4 = 50
	if !tr.Notional.Equal(decimal.NewFromFloat(200)) {
		t.Errorf("notional = %s, want 200", tr.Notional)
	}
	if !tr.Margin.Equal(decimal.NewFromFloat(50)) {
		t.Errorf("margin = %s, want 50", tr.Margin)
	}
	// fees = (200 + 220) * 0.001 = 0.42; pnl = 20 - 0.42
	if !tr.Fees.Equal(decimal.NewFromFloat(0.42)) {
		t.Errorf("fees = %s, want 0.42", tr.Fees)
	}
	if !tr.PnLDollars.Equal(decimal.NewFromFloat(19.58)) {
		t.Errorf("pnl = %s, want 19.58", tr.PnLDollars)
	}
	// return on margin = 19.58 / 50
	if !tr.ReturnOnMargin.Equal(decimal.NewFromFloat(0.3916)) {
		t.Errorf("return on margin = %s, want 0.3916", tr.ReturnOnMargin)
	}
}

func TestShortTradeSymmetry(t *testing.T) {
	entry := decimal.NewFromFloat(100)
	exit := decimal.NewFromFloat(90)
	qty := decimal.NewFromFloat(1)

	tr := backtester.NewLeveragedTrade("BTC", types.PositionSideShort,
		time.Now(), time.Now().Add(time.Hour), entry, exit, qty, 1, decimal.Zero)

	if !tr.PnLDollars.Equal(decimal.NewFromFloat(10)) {
		t.Errorf("short pnl = %s, want 10", tr.PnLDollars)
	}
}

func TestMarginEqualsNotionalAtOneX(t *testing.T) {
	tr := backtester.NewLeveragedTrade("ETH", types.PositionSideLong,
		time.Now(), time.Now().Add(time.Hour),
		decimal.NewFromFloat(2000), decimal.NewFromFloat(2100),
		decimal.NewFromFloat(3), 1, decimal.Zero)

	if !tr.Margin.Equal(tr.Notional) {
		t.Errorf("at 1x leverage margin (%s) must equal notional (%s)", tr.Margin, tr.Notional)
	}
}

func TestEngineProfitableRoundTrip(t *testing.T) {
	// Drop at bar 5, recovery by bar 10: enter on the dip, close into the
	// recovery.
	prices := []float64{100, 100, 100, 100, 100, 97, 98, 99, 100, 101, 101, 101}
	strat := &scripted{signals: map[int]*backtester.Signal{
		5: long(0),
		10: closeSig(),
	}}

	engine := backtester.New(frictionless(10000), nil)
	result, err := engine.Run(context.Background(), strat, "BTC", mkBars(prices...), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}
	if !result.Trades[0].PnLDollars.GreaterThan(decimal.Zero) {
		t.Errorf("expected a winning trade, pnl = %s", result.Trades[0].PnLDollars)
	}
	if wr, _ := result.Metrics.WinRate.Float64(); wr != 1.0 {
		t.Errorf("win rate = %v, want 1.0", wr)
	}
	if !result.Metrics.MaxDrawdown.IsZero() {
		t.Errorf("a monotone winning equity curve has zero drawdown, got %s", result.Metrics.MaxDrawdown)
	}
}

func TestOpenTradeForceClosedAtEnd(t *testing.T) {
	strat := &scripted{signals: map[int]*backtester.Signal{3: long(0)}}
	engine := backtester.New(frictionless(10000), nil)

	result, err := engine.Run(context.Background(), strat, "BTC", mkBars(100, 100, 100, 100, 105, 110), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("an open position must be closed on the final bar, got %d trades", len(result.Trades))
	}
}

type fixedLeverage int

func (f fixedLeverage) MaxLeverage(symbol string) (int, error) { return int(f), nil }

func TestLeverageCappedByRegistry(t *testing.T) {
	strat := &scripted{signals: map[int]*backtester.Signal{
		2: long(50),
		4: closeSig(),
	}}
	engine := backtester.New(frictionless(10000), fixedLeverage(10))

	result, err := engine.Run(context.Background(), strat, "BTC", mkBars(100, 100, 100, 101, 102, 102), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Trades) != 1 || result.Trades[0].Leverage != 10 {
		t.Fatalf("requested 50x must clamp to the registry's 10x, got %+v", result.Trades)
	}
}

func TestLeverageScalesReturnOnMargin(t *testing.T) {
	prices := []float64{100, 100, 100, 100, 100, 97, 98, 99, 100, 101, 101, 101}
	mk := func() *scripted {
		return &scripted{signals: map[int]*backtester.Signal{
			5: long(0),
			10: closeSig(),
		}}
	}

	engine := backtester.New(frictionless(10000), nil)
	r1, err := engine.Run(context.Background(), mk(), "BTC", mkBars(prices...), 1)
	if err != nil {
		t.Fatalf("Run 1x: %v", err)
	}
	r5, err := engine.Run(context.Background(), mk(), "BTC", mkBars(prices...), 5)
	if err != nil {
		t.Fatalf("Run 5x: %v", err)
	}

	rom1, _ := r1.Trades[0].ReturnOnMargin.Float64()
	rom5, _ := r5.Trades[0].ReturnOnMargin.Float64()
	ratio := rom5 / rom1
	if ratio < 4.0 || ratio > 6.0 {
		t.Errorf("5x return-on-margin should be ~5x the 1x run, got ratio %v", ratio)
	}
}

func TestSharpeInvariantToPositionScale(t *testing.T) {
	// The same trade sequence at 10x the capital (and so 10x the sizes)
	// must produce the same Sharpe: it is a property of returns, not size.
	prices := make([]float64, 0, 120)
	p := 100.0
	for i := 0; i < 120; i++ {
		if i%2 == 0 {
			p *= 1.01
		} else {
			p *= 0.997
		}
		prices = append(prices, p)
	}
	signals := map[int]*backtester.Signal{}
	for i := 5; i < 110; i += 10 {
		signals[i] = long(0)
		signals[i+4] = closeSig()
	}

	small := backtester.New(frictionless(1000), nil)
	big := backtester.New(frictionless(10000), nil)

	rSmall, err := small.Run(context.Background(), &scripted{signals: signals}, "BTC", mkBars(prices...), 0)
	if err != nil {
		t.Fatalf("Run small: %v", err)
	}
	rBig, err := big.Run(context.Background(), &scripted{signals: signals}, "BTC", mkBars(prices...), 0)
	if err != nil {
		t.Fatalf("Run big: %v", err)
	}

	sSmall, _ := rSmall.Metrics.SharpeRatio.Float64()
	sBig, _ := rBig.Metrics.SharpeRatio.Float64()
	diff := sSmall - sBig
	if diff < -1e-6 || diff > 1e-6 {
		t.Errorf("Sharpe must be scale-invariant: small=%v big=%v", sSmall, sBig)
	}
}

func TestProfitFactorSentinelOnAllWins(t *testing.T) {
	calc := backtester.NewMetricsCalculator()
	trades := []*backtester.LeveragedTrade{
		backtester.NewLeveragedTrade("BTC", types.PositionSideLong, time.Now(), time.Now().Add(time.Hour),
			decimal.NewFromFloat(100), decimal.NewFromFloat(110), decimal.NewFromFloat(1), 1, decimal.Zero),
		backtester.NewLeveragedTrade("BTC", types.PositionSideLong, time.Now(), time.Now().Add(time.Hour),
			decimal.NewFromFloat(100), decimal.NewFromFloat(105), decimal.NewFromFloat(1), 1, decimal.Zero),
	}
	m := calc.Calculate(trades, nil, decimal.NewFromFloat(1000))
	if pf, _ := m.ProfitFactor.Float64(); pf != 999.0 {
		t.Errorf("all-winning profit factor = %v, want the 999 sentinel", pf)
	}
}

func TestAdverseSlippage(t *testing.T) {
	// With slippage on, a flat round trip must lose money: entry fills
	// above the tape, exit below it.
	cfg := frictionless(10000)
	cfg.Slippage = decimal.NewFromFloat(0.001)
	strat := &scripted{signals: map[int]*backtester.Signal{
		1: long(0),
		4: closeSig(),
	}}

	engine := backtester.New(cfg, nil)
	result, err := engine.Run(context.Background(), strat, "BTC", mkBars(100, 100, 100, 100, 100, 100), 0)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(result.Trades))
	}
	if !result.Trades[0].PnLDollars.LessThan(decimal.Zero) {
		t.Errorf("slippage must cost a flat round trip money, pnl = %s", result.Trades[0].PnLDollars)
	}
}

func TestPortfolioMergesSymbols(t *testing.T) {
	strat := &scripted{signals: map[int]*backtester.Signal{
		2: long(0),
		5: closeSig(),
	}}
	data := map[string][]types.OHLCV{
		"BTC": mkBars(100, 100, 100, 102, 104, 104, 104),
		"ETH": mkBars(50, 50, 50, 51, 52, 52, 52),
	}

	engine := backtester.New(frictionless(10000), nil)
	result, err := engine.RunPortfolio(context.Background(), strat, data, nil)
	if err != nil {
		t.Fatalf("RunPortfolio: %v", err)
	}
	if len(result.Trades) != 2 {
		t.Fatalf("expected one trade per symbol, got %d", len(result.Trades))
	}
	if len(result.SymbolBreakdown) != 2 {
		t.Fatalf("expected a per-symbol breakdown for both symbols, got %d", len(result.SymbolBreakdown))
	}
}
