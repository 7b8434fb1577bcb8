// Package tradesync reconstructs closed round-trip trades from exchange
// fills. The exchange is the source of truth: a position that disappeared
// between two monitoring ticks was closed there, and the closing fill plus
// its matched opening fills rebuild the trade the store only knew half of.
package tradesync

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/pkg/types"
)

// Store is the slice of the StrategyStore the syncer patches trades
// through.
type Store interface {
	FindOpenLiveTrade(ctx context.Context, subaccountID int, symbol string) (*types.LiveTrade, error)
	CloseLiveTrade(ctx context.Context, subaccountID int, symbol string, exitPrice, fees, netPnl float64, exitTime time.Time, exitReason string) error
}

// Exchange is the venue capability surface the syncer consumes.
type Exchange interface {
	GetPositions(ctx context.Context, subaccountID int) ([]types.Position, error)
	FetchFills(ctx context.Context, subaccountID int, coin string, since time.Time) ([]types.Fill, error)
}

// ReconstructedTrade is one round trip rebuilt from fills.
type ReconstructedTrade struct {
	ExitFillID string
	Symbol     string
	Side       types.PositionSide
	EntryTime  time.Time
	EntryPrice decimal.Decimal
	Size       decimal.Decimal
	ExitTime   time.Time
	ExitPrice  decimal.Decimal
	GrossPnL   decimal.Decimal
	NetPnL     decimal.Decimal
	TotalFees  decimal.Decimal
}

// Syncer compares each tick's open positions against the previous tick's
// and reconstructs any position that vanished in between.
type Syncer struct {
	logger   *zap.Logger
	store    Store
	exchange Exchange

	fillsLookback time.Duration

	// lastPositions holds the previous tick's open symbols per subaccount.
	lastPositions map[int]map[string]struct{}
	// syncedExits dedups reconstruction by closing-fill id.
	syncedExits map[string]struct{}
}

// New builds a Syncer.
func New(logger *zap.Logger, store Store, exchange Exchange, fillsLookback time.Duration) *Syncer {
	if fillsLookback <= 0 {
		fillsLookback = 7 * 24 * time.Hour
	}
	return &Syncer{
		logger:        logger,
		store:         store,
		exchange:      exchange,
		fillsLookback: fillsLookback,
		lastPositions: make(map[int]map[string]struct{}),
		syncedExits:   make(map[string]struct{}),
	}
}

// SyncCycle runs one monitoring tick over every given subaccount id.
func (s *Syncer) SyncCycle(ctx context.Context, subaccountIDs []int) {
	for _, id := range subaccountIDs {
		if err := s.syncSubaccount(ctx, id); err != nil {
			s.logger.Error("trade sync failed",
				zap.Int("subaccount", id), zap.Error(err))
		}
	}
}

func (s *Syncer) syncSubaccount(ctx context.Context, subaccountID int) error {
	positions, err := s.exchange.GetPositions(ctx, subaccountID)
	if err != nil {
		return err
	}

	current := make(map[string]struct{}, len(positions))
	for _, p := range positions {
		current[normalizeSymbol(p.Symbol)] = struct{}{}
	}

	previous, seenBefore := s.lastPositions[subaccountID]
	s.lastPositions[subaccountID] = current

	if !seenBefore {
		// First tick for this subaccount: no baseline to diff against.
		return nil
	}

	var closed []string
	for symbol := range previous {
		if _, still := current[symbol]; !still {
			closed = append(closed, symbol)
		}
	}
	if len(closed) == 0 {
		return nil
	}

	s.logger.Info("detected closed positions",
		zap.Int("subaccount", subaccountID),
		zap.Strings("symbols", closed))

	fills, err := s.exchange.FetchFills(ctx, subaccountID, "", time.Now().UTC().Add(-s.fillsLookback))
	if err != nil {
		return err
	}

	closedSet := make(map[string]struct{}, len(closed))
	for _, sym := range closed {
		closedSet[sym] = struct{}{}
	}

	for _, trade := range ReconstructTrades(fills) {
		if _, relevant := closedSet[normalizeSymbol(trade.Symbol)]; !relevant {
			continue
		}
		if _, done := s.syncedExits[trade.ExitFillID]; done {
			continue
		}
		s.syncedExits[trade.ExitFillID] = struct{}{}
		s.patchTrade(ctx, subaccountID, trade)
	}
	return nil
}

// patchTrade writes the exit side onto the matching open trade row. A miss
// means the position was opened outside the system; that is logged, not
// invented into a row.
func (s *Syncer) patchTrade(ctx context.Context, subaccountID int, trade *ReconstructedTrade) {
	open, err := s.store.FindOpenLiveTrade(ctx, subaccountID, trade.Symbol)
	if err != nil {
		s.logger.Error("open trade lookup failed",
			zap.String("symbol", trade.Symbol), zap.Error(err))
		return
	}
	if open == nil {
		s.logger.Warn("no matching open trade, position opened outside the system",
			zap.Int("subaccount", subaccountID),
			zap.String("symbol", trade.Symbol))
		return
	}

	exitPrice, _ := trade.ExitPrice.Float64()
	fees, _ := trade.TotalFees.Float64()
	netPnl, _ := trade.NetPnL.Float64()
	if err := s.store.CloseLiveTrade(ctx, subaccountID, trade.Symbol, exitPrice, fees, netPnl, trade.ExitTime, "synced"); err != nil {
		s.logger.Error("trade patch failed",
			zap.String("symbol", trade.Symbol), zap.Error(err))
		return
	}

	s.logger.Info("trade synced",
		zap.String("symbol", trade.Symbol),
		zap.String("side", string(trade.Side)),
		zap.Float64("net_pnl", netPnl))
}

// ReconstructTrades rebuilds round trips from a fill history. A fill with
// non-zero realised pnl closes a position; earlier same-side opening fills
// are accumulated backwards until they cover the exit size, and their
// size-weighted mean is the entry price. Net pnl is the closing fill's
// realised pnl minus all fees on both sides.
func ReconstructTrades(fills []types.Fill) []*ReconstructedTrade {
	byCoin := make(map[string][]types.Fill)
	for _, f := range fills {
		byCoin[f.Coin] = append(byCoin[f.Coin], f)
	}

	var out []*ReconstructedTrade
	for coin, coinFills := range byCoin {
		sortFillsByTime(coinFills)

		for i, fill := range coinFills {
			if fill.ClosedPnL.IsZero() {
				continue
			}

			exitSize := fill.Size.Abs()
			exitFee := fill.Fee.Abs()
			side := fill.Side

			var entryFills []types.Fill
			remaining := exitSize
			dust := decimal.NewFromFloat(0.0001)
			for j := i - 1; j >= 0 && remaining.GreaterThan(dust); j-- {
				prev := coinFills[j]
				if !prev.ClosedPnL.IsZero() || prev.Side != side {
					continue
				}
				entryFills = append(entryFills, prev)
				remaining = remaining.Sub(prev.Size.Abs())
			}

			entryPrice := fill.Price
			entryTime := fill.Timestamp
			entryFee := decimal.Zero
			if len(entryFills) > 0 {
				totalValue := decimal.Zero
				totalSize := decimal.Zero
				for _, ef := range entryFills {
					size := ef.Size.Abs()
					totalValue = totalValue.Add(ef.Price.Mul(size))
					totalSize = totalSize.Add(size)
					entryFee = entryFee.Add(ef.Fee.Abs())
				}
				if totalSize.GreaterThan(decimal.Zero) {
					entryPrice = totalValue.Div(totalSize)
				}
				entryTime = entryFills[len(entryFills)-1].Timestamp
			}

			totalFees := entryFee.Add(exitFee)
			out = append(out, &ReconstructedTrade{
				ExitFillID: fill.TradeID,
				Symbol:     coin,
				Side:       side,
				EntryTime:  entryTime,
				EntryPrice: entryPrice,
				Size:       exitSize,
				ExitTime:   fill.Timestamp,
				ExitPrice:  fill.Price,
				GrossPnL:   fill.ClosedPnL,
				NetPnL:     fill.ClosedPnL.Sub(totalFees),
				TotalFees:  totalFees,
			})
		}
	}
	return out
}

func sortFillsByTime(fills []types.Fill) {
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].Timestamp.Before(fills[j].Timestamp)
	})
}

// normalizeSymbol strips the quote suffix exchanges append to perp symbols,
// so position and fill symbols compare equal.
func normalizeSymbol(symbol string) string {
	return strings.TrimSuffix(symbol, "-USDC")
}
