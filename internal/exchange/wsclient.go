package exchange

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/coinregistry"
	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// WSClient is the concrete Client implementation: plain net/http for
// request/response endpoints, gorilla/websocket for the ledger stream.
type WSClient struct {
	logger       *zap.Logger
	baseURL      string
	wsURL        string
	httpClient   *http.Client
	credentials  map[int]SubaccountCredential
}

// SubaccountCredential binds a local subaccount id to its exchange-side
// account address, used to resolve which subaccount a streamed ledger
// update belongs to.
type SubaccountCredential struct {
	SubaccountID int
	Address      string
}

// NewWSClient builds a Client against baseURL (HTTP) and wsURL (WebSocket).
func NewWSClient(logger *zap.Logger, baseURL, wsURL string, credentials []SubaccountCredential) *WSClient {
	byID := make(map[int]SubaccountCredential, len(credentials))
	for _, c := range credentials {
		byID[c.SubaccountID] = c
	}
	return &WSClient{
		logger:      logger,
		baseURL:     baseURL,
		wsURL:       wsURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		credentials: byID,
	}
}

func (c *WSClient) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: true, Err: err}
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: false, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return &pipelineerr.ExchangeError{Op: path, Fatal: false, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	if resp.StatusCode >= 400 {
		return &pipelineerr.ExchangeError{Op: path, Fatal: true, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: false, Err: err}
	}
	if err := json.Unmarshal(body, out); err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: false, Err: err}
	}
	return nil
}

func (c *WSClient) postJSON(ctx context.Context, path string, body interface{}) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: true, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: true, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &pipelineerr.ExchangeError{Op: path, Fatal: false, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return &pipelineerr.ExchangeError{Op: path, Fatal: resp.StatusCode < 500, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}
	return nil
}

// GetPositions fetches open positions for a subaccount.
func (c *WSClient) GetPositions(ctx context.Context, subaccountID int) ([]types.Position, error) {
	var positions []types.Position
	err := c.getJSON(ctx, "/subaccounts/"+strconv.Itoa(subaccountID)+"/positions", &positions)
	return positions, err
}

// GetAccountBalance fetches the current on-exchange balance for a
// subaccount — the source of truth BalanceReconciler reconciles against.
func (c *WSClient) GetAccountBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error) {
	var resp struct {
		Balance decimal.Decimal `json:"balance"`
	}
	if err := c.getJSON(ctx, "/subaccounts/"+strconv.Itoa(subaccountID)+"/balance", &resp); err != nil {
		return decimal.Zero, err
	}
	return resp.Balance, nil
}

// GetLedgerUpdates fetches ledger events in [start, end), used for
// BalanceReconciler's startup catch-up dedup seeding.
func (c *WSClient) GetLedgerUpdates(ctx context.Context, subaccountID int, start, end time.Time) ([]types.LedgerUpdate, error) {
	path := fmt.Sprintf("/subaccounts/%d/ledger?start=%d&end=%d",
		subaccountID, start.UnixMilli(), end.UnixMilli())
	var updates []types.LedgerUpdate
	err := c.getJSON(ctx, path, &updates)
	return updates, err
}

// CloseAllPositions flattens every open position on a subaccount, used by
// Deployer.Undeploy before it releases the subaccount.
func (c *WSClient) CloseAllPositions(ctx context.Context, subaccountID int) error {
	return c.postJSON(ctx, "/subaccounts/"+strconv.Itoa(subaccountID)+"/close-all", struct{}{})
}

// FetchFills fetches fill history for a coin since the given time, used by
// TradeSyncer to reconstruct closed trades.
func (c *WSClient) FetchFills(ctx context.Context, subaccountID int, coin string, since time.Time) ([]types.Fill, error) {
	path := fmt.Sprintf("/subaccounts/%d/fills?coin=%s&since=%d", subaccountID, coin, since.UnixMilli())
	var fills []types.Fill
	err := c.getJSON(ctx, path, &fills)
	return fills, err
}

// FetchOHLCV implements CandleFetcher for MarketDataCache's gap-healing
// path.
func (c *WSClient) FetchOHLCV(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	path := fmt.Sprintf("/candles?symbol=%s&timeframe=%s&start=%d&end=%d",
		symbol, tf, start.UnixMilli(), end.UnixMilli())
	var bars []types.OHLCV
	err := c.getJSON(ctx, path, &bars)
	return bars, err
}

// LoadCoinSpecs implements coinregistry.Source from the venue's asset
// metadata endpoint.
func (c *WSClient) LoadCoinSpecs(ctx context.Context) ([]coinregistry.CoinSpec, error) {
	var specs []coinregistry.CoinSpec
	if err := c.getJSON(ctx, "/meta/assets", &specs); err != nil {
		return nil, err
	}
	return specs, nil
}

// LatestUpdatedAt is the coin registry's staleness watermark: the newest
// updated_at across the asset table, fetched without loading the rows.
func (c *WSClient) LatestUpdatedAt(ctx context.Context) (time.Time, error) {
	var resp struct {
		UpdatedAt int64 `json:"updatedAt"`
	}
	if err := c.getJSON(ctx, "/meta/assets/updated", &resp); err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(resp.UpdatedAt), nil
}

// SubscribeLedgerUpdates opens a WebSocket connection to the venue's ledger
// feed and decodes each message into a LedgerUpdate. The returned channel
// is closed when a read fails or ctx ends; the connection is not redialed.
func (c *WSClient) SubscribeLedgerUpdates(ctx context.Context) (<-chan types.LedgerUpdate, error) {
	out := make(chan types.LedgerUpdate, 256)

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, &pipelineerr.ExchangeError{Op: "dial ledger ws", Fatal: false, Err: err}
	}

	go c.readLoop(ctx, conn, out)
	return out, nil
}

func (c *WSClient) readLoop(ctx context.Context, conn *websocket.Conn, out chan<- types.LedgerUpdate) {
	defer close(out)
	defer conn.Close()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		_, payload, err := conn.ReadMessage()
		if err != nil {
			c.logger.Warn("ledger websocket read failed, closing stream", zap.Error(err))
			return
		}

		var raw rawLedgerEvent
		if err := json.Unmarshal(payload, &raw); err != nil {
			c.logger.Warn("ledger websocket decode failed, skipping message", zap.Error(err))
			continue
		}

		update, ok := raw.toLedgerUpdate()
		if !ok {
			continue
		}

		select {
		case out <- update:
		case <-ctx.Done():
			return
		}
	}
}

type rawLedgerEvent struct {
	Hash      string                 `json:"hash"`
	Type      string                 `json:"type"`
	Delta     map[string]interface{} `json:"delta"`
	Amount    string                 `json:"amount"`
	Direction string                 `json:"direction"`
	Time      int64                  `json:"time"`
}

func (r rawLedgerEvent) toLedgerUpdate() (types.LedgerUpdate, bool) {
	if r.Hash == "" {
		return types.LedgerUpdate{}, false
	}
	amount, err := decimal.NewFromString(r.Amount)
	if err != nil {
		return types.LedgerUpdate{}, false
	}
	direction := types.LedgerIn
	switch {
	case r.Direction == "out":
		direction = types.LedgerOut
	case r.Direction == "":
		// Transfer events omit an explicit direction; the sign of the
		// delta decides.
		if amount.IsNegative() {
			direction = types.LedgerOut
		}
	}
	amount = amount.Abs()
	return types.LedgerUpdate{
		Hash:       r.Hash,
		UpdateType: r.Type,
		Direction:  direction,
		Amount:     amount,
		Timestamp:  time.UnixMilli(r.Time),
		RawData:    map[string]interface{}{"delta": r.Delta},
	}, true
}
