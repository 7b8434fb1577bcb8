package tradesync_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/tradesync"
	"github.com/sixbtc/pipeline/pkg/types"
)

func fill(coin string, side types.PositionSide, price, size, fee, closedPnl float64, at time.Time, id string) types.Fill {
	return types.Fill{
		Coin:      coin,
		Side:      side,
		Price:     decimal.NewFromFloat(price),
		Size:      decimal.NewFromFloat(size),
		Fee:       decimal.NewFromFloat(fee),
		ClosedPnL: decimal.NewFromFloat(closedPnl),
		Timestamp: at,
		TradeID:   id,
	}
}

func TestReconstructWeightedEntry(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	// Two opening fills of 1.0 each at 100 and 110, closed in one 2.0 fill
	// at 120: weighted entry is 105, net pnl is closedPnl minus all fees.
	fills := []types.Fill{
		fill("BTC", types.PositionSideLong, 100, 1, 0.5, 0, t0, "f1"),
		fill("BTC", types.PositionSideLong, 110, 1, 0.5, 0, t0.Add(time.Minute), "f2"),
		fill("BTC", types.PositionSideLong, 120, 2, 1.0, 30, t0.Add(2*time.Minute), "f3"),
	}

	trades := tradesync.ReconstructTrades(fills)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}

	tr := trades[0]
	if entry, _ := tr.EntryPrice.Float64(); entry != 105 {
		t.Errorf("entry price = %v, want 105", entry)
	}
	if net, _ := tr.NetPnL.Float64(); net != 28 {
		t.Errorf("net pnl = %v, want 28 (30 gross - 2 fees)", net)
	}
	if tr.ExitFillID != "f3" {
		t.Errorf("exit fill id = %s, want f3", tr.ExitFillID)
	}
	if !tr.EntryTime.Equal(t0) {
		t.Errorf("entry time should be the earliest opening fill")
	}
}

func TestReconstructWithoutOpeningFills(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)
	fills := []types.Fill{
		fill("ETH", types.PositionSideShort, 3000, 1, 1.5, -45, t0, "x1"),
	}

	trades := tradesync.ReconstructTrades(fills)
	if len(trades) != 1 {
		t.Fatalf("expected 1 trade, got %d", len(trades))
	}
	// No openings in the window: entry falls back to the exit fill.
	if entry, _ := trades[0].EntryPrice.Float64(); entry != 3000 {
		t.Errorf("entry price = %v, want exit price fallback", entry)
	}
	if net, _ := trades[0].NetPnL.Float64(); net != -46.5 {
		t.Errorf("net pnl = %v, want -46.5", net)
	}
}

type fakeStore struct {
	open    map[string]*types.LiveTrade
	patched []string
}

func (f *fakeStore) FindOpenLiveTrade(ctx context.Context, subaccountID int, symbol string) (*types.LiveTrade, error) {
	return f.open[symbol], nil
}

func (f *fakeStore) CloseLiveTrade(ctx context.Context, subaccountID int, symbol string, exitPrice, fees, netPnl float64, exitTime time.Time, exitReason string) error {
	f.patched = append(f.patched, symbol)
	return nil
}

type fakeExchange struct {
	positions [][]types.Position
	fills     []types.Fill
	tick      int
}

func (f *fakeExchange) GetPositions(ctx context.Context, subaccountID int) ([]types.Position, error) {
	p := f.positions[f.tick]
	if f.tick < len(f.positions)-1 {
		f.tick++
	}
	return p, nil
}

func (f *fakeExchange) FetchFills(ctx context.Context, subaccountID int, coin string, since time.Time) ([]types.Fill, error) {
	return f.fills, nil
}

func TestClosedPositionDetectionAndPatch(t *testing.T) {
	t0 := time.Date(2026, 7, 1, 12, 0, 0, 0, time.UTC)

	ex := &fakeExchange{
		positions: [][]types.Position{
			{{Symbol: "BTC-USDC", Side: types.PositionSideLong, Quantity: decimal.NewFromInt(1)}},
			{}, // position vanished between ticks
			{{Symbol: "BTC-USDC", Side: types.PositionSideLong, Quantity: decimal.NewFromInt(1)}},
			{}, // vanished again, but the closing fill is the same one
		},
		fills: []types.Fill{
			fill("BTC", types.PositionSideLong, 100, 1, 0.5, 0, t0, "f1"),
			fill("BTC", types.PositionSideLong, 120, 1, 0.5, 20, t0.Add(time.Minute), "f2"),
		},
	}
	st := &fakeStore{open: map[string]*types.LiveTrade{
		"BTC": {Symbol: "BTC", SubaccountID: 1},
	}}

	syncer := tradesync.New(zap.NewNop(), st, ex, time.Hour)

	// First tick establishes the baseline, second detects the close.
	syncer.SyncCycle(context.Background(), []int{1})
	syncer.SyncCycle(context.Background(), []int{1})

	if len(st.patched) != 1 || st.patched[0] != "BTC" {
		t.Fatalf("expected BTC trade patched once, got %v", st.patched)
	}

	// The position flickering back and closing again with the same fill
	// history must not re-patch: dedup keys on the exit fill id.
	syncer.SyncCycle(context.Background(), []int{1})
	syncer.SyncCycle(context.Background(), []int{1})
	if len(st.patched) != 1 {
		t.Fatalf("expected dedup by exit fill id, got %v", st.patched)
	}
}
