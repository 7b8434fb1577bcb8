package backtester

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

// LeveragedTrade is one simulated trade under the leveraged-portfolio
// accounting model:
// margin = notional / leverage, fees are charged once at close on
// (entry_notional + exit_notional) * fee_rate, and pnl is the raw price
// move on the full notional (not the margin) since leverage only affects
// capital consumption, not the economic size of the position.
type LeveragedTrade struct {
	Symbol       string
	Side         types.PositionSide
	EntryTime    time.Time
	ExitTime     time.Time
	EntryPrice   decimal.Decimal
	ExitPrice    decimal.Decimal
	Quantity     decimal.Decimal
	Leverage     int
	Notional     decimal.Decimal
	Margin       decimal.Decimal
	Fees         decimal.Decimal
	PnLDollars   decimal.Decimal
	ReturnOnMargin decimal.Decimal
}

// NewLeveragedTrade computes the derived fields: notional from entry
// price * quantity, margin from notional / leverage, raw price pnl
// (before fees) on the full notional, fees from the combined entry+exit
// notional, and net pnl/ROI after fees.
func NewLeveragedTrade(symbol string, side types.PositionSide, entryTime, exitTime time.Time, entryPrice, exitPrice, quantity decimal.Decimal, leverage int, feeRate decimal.Decimal) *LeveragedTrade {
	notional := entryPrice.Mul(quantity)
	exitNotional := exitPrice.Mul(quantity)
	margin := notional.Div(decimal.NewFromInt(int64(leverage)))

	var rawPnL decimal.Decimal
	if side == types.PositionSideLong {
		rawPnL = exitPrice.Sub(entryPrice).Mul(quantity)
	} else {
		rawPnL = entryPrice.Sub(exitPrice).Mul(quantity)
	}

	fees := notional.Add(exitNotional).Mul(feeRate)
	netPnL := rawPnL.Sub(fees)

	var returnOnMargin decimal.Decimal
	if !margin.IsZero() {
		returnOnMargin = netPnL.Div(margin)
	}

	return &LeveragedTrade{
		Symbol:         symbol,
		Side:           side,
		EntryTime:      entryTime,
		ExitTime:       exitTime,
		EntryPrice:     entryPrice,
		ExitPrice:      exitPrice,
		Quantity:       quantity,
		Leverage:       leverage,
		Notional:       notional,
		Margin:         margin,
		Fees:           fees,
		PnLDollars:     netPnL,
		ReturnOnMargin: returnOnMargin,
	}
}
