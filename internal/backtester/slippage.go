// Package backtester provides the leveraged-portfolio backtesting engine.
package backtester

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

// SlippageModel applies adversarial slippage to an entry or exit fill:
// longs buy higher and sell lower, shorts the reverse. Every fill pays the
// spread; the simulator never fills at a better price than the bar shows.
type SlippageModel interface {
	// Apply returns price adjusted by slippage for side/isEntry against the
	// given bar.
	Apply(price decimal.Decimal, side types.PositionSide, isEntry bool, bar types.OHLCV) decimal.Decimal
}

// FixedSlippage applies a constant basis-point slippage regardless of size.
type FixedSlippage struct {
	BasisPoints decimal.Decimal
}

// NewFixedSlippage builds a FixedSlippage model.
func NewFixedSlippage(bps decimal.Decimal) *FixedSlippage {
	return &FixedSlippage{BasisPoints: bps}
}

// Apply adjusts price adversarially by the fixed fraction.
func (f *FixedSlippage) Apply(price decimal.Decimal, side types.PositionSide, isEntry bool, bar types.OHLCV) decimal.Decimal {
	frac := f.BasisPoints.Div(decimal.NewFromInt(10000))
	return adversarial(price, frac, side, isEntry)
}

// VolumeWeightedSlippage scales the base slippage by a square-root market
// impact term against the bar's traded volume.
type VolumeWeightedSlippage struct {
	BaseBps      decimal.Decimal
	ImpactFactor decimal.Decimal
	// Size is the order's quantity; divided by the bar's volume it gives
	// the participation rate. The caller sets it before each Apply.
	Size decimal.Decimal
}

// Apply adjusts price adversarially by base slippage plus a volume-impact
// term.
func (v *VolumeWeightedSlippage) Apply(price decimal.Decimal, side types.PositionSide, isEntry bool, bar types.OHLCV) decimal.Decimal {
	frac := v.BaseBps.Div(decimal.NewFromInt(10000))
	if !bar.Volume.IsZero() && !v.Size.IsZero() {
		participation := v.Size.Div(bar.Volume)
		pf, _ := participation.Float64()
		impact := v.ImpactFactor.Mul(decimal.NewFromFloat(math.Sqrt(pf)))
		frac = frac.Add(impact)
	}
	return adversarial(price, frac, side, isEntry)
}

// adversarial applies frac against price in the direction that always hurts
// the trader: longs pay more to enter and receive less to exit; shorts the
// mirror image.
func adversarial(price, frac decimal.Decimal, side types.PositionSide, isEntry bool) decimal.Decimal {
	worse := side == types.PositionSideLong && isEntry
	worse = worse || (side == types.PositionSideShort && !isEntry)

	adj := price.Mul(frac)
	if worse {
		return price.Add(adj)
	}
	return price.Sub(adj)
}
