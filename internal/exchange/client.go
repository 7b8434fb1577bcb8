// Package exchange defines the venue-facing capability interfaces the
// pipeline depends on and ships one concrete adapter: net/http for the
// request/response endpoints, gorilla/websocket for the streaming ledger
// feed.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sixbtc/pipeline/pkg/types"
)

// Client is the capability surface BalanceReconciler, TradeSyncer, and
// Deployer depend on.
type Client interface {
	GetPositions(ctx context.Context, subaccountID int) ([]types.Position, error)
	GetAccountBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error)
	GetLedgerUpdates(ctx context.Context, subaccountID int, start, end time.Time) ([]types.LedgerUpdate, error)
	CloseAllPositions(ctx context.Context, subaccountID int) error
	FetchFills(ctx context.Context, subaccountID int, coin string, since time.Time) ([]types.Fill, error)
	SubscribeLedgerUpdates(ctx context.Context) (<-chan types.LedgerUpdate, error)
}

// CandleFetcher backfills OHLCV ranges for MarketDataCache's gap-healing
// path.
type CandleFetcher interface {
	FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}
