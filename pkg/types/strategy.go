package types

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// StrategyStatus is a node in the lifecycle DAG: GENERATED -> VALIDATED ->
// ACTIVE -> LIVE, with FAILED and RETIRED as terminal states. FAILED is
// reachable from every non-terminal status, RETIRED only from ACTIVE or LIVE.
type StrategyStatus string

const (
	StrategyGenerated StrategyStatus = "GENERATED"
	StrategyValidated StrategyStatus = "VALIDATED"
	StrategyActive    StrategyStatus = "ACTIVE"
	StrategyLive      StrategyStatus = "LIVE"
	StrategyFailed    StrategyStatus = "FAILED"
	StrategyRetired   StrategyStatus = "RETIRED"
)

// allowedTransitions encodes the DAG edges. Back-edges are never valid; a
// strategy once FAILED or RETIRED never re-enters the pipeline.
var allowedTransitions = map[StrategyStatus]map[StrategyStatus]bool{
	StrategyGenerated: {StrategyValidated: true, StrategyFailed: true},
	StrategyValidated: {StrategyActive: true, StrategyFailed: true},
	StrategyActive:    {StrategyLive: true, StrategyFailed: true, StrategyRetired: true},
	StrategyLive:      {StrategyRetired: true, StrategyFailed: true},
}

// CanTransition reports whether moving from one status to another is a legal
// edge of the lifecycle DAG.
func CanTransition(from, to StrategyStatus) bool {
	edges, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return edges[to]
}

// Strategy is a candidate trading strategy moving through the lifecycle
// pipeline. Code is a closed expression over OHLCV bars that produces
// Signals; it carries no free variables beyond its declared Parameters.
type Strategy struct {
	ID               uuid.UUID              `db:"id" json:"id"`
	Name             string                 `db:"name" json:"name"`
	StrategyType     string                 `db:"strategy_type" json:"strategyType"`
	Code             string                 `db:"code" json:"code"`
	BaseCodeHash     string                 `db:"base_code_hash" json:"baseCodeHash"`
	Parameters       map[string]interface{} `db:"parameters" json:"parameters"`
	OptimalTimeframe Timeframe              `db:"optimal_timeframe" json:"optimalTimeframe"`
	BacktestPairs    []string               `db:"backtest_pairs" json:"backtestPairs"`
	Status           StrategyStatus         `db:"status" json:"status"`
	ScoreBacktest    decimal.Decimal        `db:"score_backtest" json:"scoreBacktest"`
	ClaimWorker      *string                `db:"claim_worker" json:"claimWorker,omitempty"`
	ClaimStartedAt   *time.Time             `db:"claim_started_at" json:"claimStartedAt,omitempty"`
	GenerationMode   string                 `db:"generation_mode" json:"generationMode,omitempty"`
	CreatedAt        time.Time              `db:"created_at" json:"createdAt"`
	UpdatedAt        time.Time              `db:"updated_at" json:"updatedAt"`
	LiveSince        *time.Time             `db:"live_since" json:"liveSince,omitempty"`
	RetiredAt        *time.Time             `db:"retired_at" json:"retiredAt,omitempty"`
	FailureReason    string                 `db:"failure_reason" json:"failureReason,omitempty"`
}

// BacktestResult is the stored outcome of one BacktestEngine run against a
// (base_code_hash, parameters) combination, keyed so repeat requests for the
// same configuration are served from cache instead of re-simulated.
type BacktestResult struct {
	ID                uuid.UUID       `db:"id" json:"id"`
	StrategyID        uuid.UUID       `db:"strategy_id" json:"strategyId"`
	BaseCodeHash       string          `db:"base_code_hash" json:"baseCodeHash"`
	ParametersHash     string          `db:"parameters_hash" json:"parametersHash"`
	Symbol            string          `db:"symbol" json:"symbol"`
	Timeframe         Timeframe       `db:"timeframe" json:"timeframe"`
	TotalTrades       int             `db:"total_trades" json:"totalTrades"`
	WinRate           decimal.Decimal `db:"win_rate" json:"winRate"`
	SharpeRatio       decimal.Decimal `db:"sharpe_ratio" json:"sharpeRatio"`
	SortinoRatio      decimal.Decimal `db:"sortino_ratio" json:"sortinoRatio"`
	MaxDrawdown       decimal.Decimal `db:"max_drawdown" json:"maxDrawdown"`
	ProfitFactor      decimal.Decimal `db:"profit_factor" json:"profitFactor"`
	Expectancy        decimal.Decimal `db:"expectancy" json:"expectancy"`
	EDRatio           decimal.Decimal `db:"ed_ratio" json:"edRatio"`
	Consistency       decimal.Decimal `db:"consistency" json:"consistency"`
	AvgLeverage       decimal.Decimal `db:"avg_leverage" json:"avgLeverage"`
	MaxMarginPct      decimal.Decimal `db:"max_margin_pct" json:"maxMarginPct"`
	FinalEquity       decimal.Decimal `db:"final_equity" json:"finalEquity"`
	EquityCurve       []EquityCurvePoint `db:"-" json:"equityCurve,omitempty"`
	CreatedAt         time.Time       `db:"created_at" json:"createdAt"`
}

// SubaccountStatus tracks deployment lifecycle of an exchange subaccount.
type SubaccountStatus string

const (
	SubaccountActive SubaccountStatus = "ACTIVE"
	SubaccountPaused SubaccountStatus = "PAUSED"
	SubaccountStopped SubaccountStatus = "STOPPED"
)

// Subaccount is one isolated capital slot on the exchange that a LIVE
// strategy can be deployed onto.
type Subaccount struct {
	ID                    int              `db:"id" json:"id"`
	StrategyID            *uuid.UUID       `db:"strategy_id" json:"strategyId,omitempty"`
	Status                SubaccountStatus `db:"status" json:"status"`
	AllocatedCapital      decimal.Decimal  `db:"allocated_capital" json:"allocatedCapital"`
	CurrentBalance        decimal.Decimal  `db:"current_balance" json:"currentBalance"`
	PeakBalance           decimal.Decimal  `db:"peak_balance" json:"peakBalance"`
	PeakBalanceUpdatedAt  *time.Time       `db:"peak_balance_updated_at" json:"peakBalanceUpdatedAt,omitempty"`
	Address               string           `db:"address" json:"address,omitempty"`
	DeployedAt            *time.Time       `db:"deployed_at" json:"deployedAt,omitempty"`
}

// LiveTrade is a realized trade reconstructed from exchange fills by the
// TradeSyncer, distinct from the backtester's simulated Trade.
type LiveTrade struct {
	ID           uuid.UUID       `db:"id" json:"id"`
	StrategyID   uuid.UUID       `db:"strategy_id" json:"strategyId"`
	SubaccountID int             `db:"subaccount_id" json:"subaccountId"`
	Symbol       string          `db:"symbol" json:"symbol"`
	Side         PositionSide    `db:"side" json:"side"`
	Quantity     decimal.Decimal `db:"quantity" json:"quantity"`
	EntryPrice   decimal.Decimal `db:"entry_price" json:"entryPrice"`
	ExitPrice    decimal.Decimal `db:"exit_price" json:"exitPrice"`
	Fees         decimal.Decimal `db:"fees" json:"fees"`
	NetPnL       decimal.Decimal `db:"net_pnl" json:"netPnl"`
	PositionID   string          `db:"position_id" json:"positionId"`
	EntryTime    time.Time       `db:"entry_time" json:"entryTime"`
	ExitTime     *time.Time      `db:"exit_time" json:"exitTime,omitempty"`
	ExitReason   string          `db:"exit_reason" json:"exitReason,omitempty"`
}

// StrategyEventType enumerates append-only lifecycle events recorded for a
// strategy. The event log is the source of truth for MetricsRecorder: unlike
// current strategy counts, events survive deletion of the strategy row.
type StrategyEventType string

const (
	EventGenerated       StrategyEventType = "GENERATED"
	EventValidationStart StrategyEventType = "VALIDATION_STARTED"
	EventValidationPass  StrategyEventType = "VALIDATION_PASSED"
	EventValidationFail  StrategyEventType = "VALIDATION_FAILED"
	EventBacktestStart   StrategyEventType = "BACKTEST_STARTED"
	EventBacktestDone    StrategyEventType = "BACKTEST_COMPLETED"
	EventScored          StrategyEventType = "SCORED"
	EventActivated       StrategyEventType = "ACTIVATED"
	EventSelected        StrategyEventType = "SELECTED"
	EventDeployed        StrategyEventType = "DEPLOYED"
	EventUndeployed      StrategyEventType = "UNDEPLOYED"
	EventRetired         StrategyEventType = "RETIRED"
	EventFailed          StrategyEventType = "FAILED"

	EventBalanceReconciled StrategyEventType = "BALANCE_RECONCILED"
	EventTradeSynced       StrategyEventType = "TRADE_SYNCED"
)

// Stage groups event types into the pipeline stage they belong to, so
// throughput and success-rate queries can filter on a stage without
// enumerating every event type it contains.
func (e StrategyEventType) Stage() string {
	switch e {
	case EventGenerated:
		return "generation"
	case EventValidationStart, EventValidationPass, EventValidationFail:
		return "validation"
	case EventBacktestStart, EventBacktestDone, EventScored:
		return "backtest"
	case EventActivated:
		return "pool"
	case EventSelected:
		return "selection"
	case EventDeployed, EventUndeployed:
		return "deployment"
	case EventRetired, EventFailed:
		return "lifecycle"
	case EventBalanceReconciled:
		return "balance_reconciliation"
	case EventTradeSynced:
		return "trade_sync"
	default:
		return ""
	}
}

// StrategyEvent is one row of the append-only event log. StrategyID is nil
// for events not tied to a single strategy (balance reconciliation).
type StrategyEvent struct {
	ID         uuid.UUID              `db:"id" json:"id"`
	StrategyID *uuid.UUID             `db:"strategy_id" json:"strategyId,omitempty"`
	Stage      string                 `db:"stage" json:"stage"`
	EventType  StrategyEventType      `db:"event_type" json:"eventType"`
	Detail     map[string]interface{} `db:"detail" json:"detail,omitempty"`
	DurationMS *int64                 `db:"duration_ms" json:"durationMs,omitempty"`
	CreatedAt  time.Time              `db:"created_at" json:"createdAt"`
}

// MetricsSnapshot is one periodic MetricsRecorder row: queue depths,
// per-stage throughput (events per hour over the collection interval),
// success rates derived from the event log, utilisation against configured
// limits, and the overall health tag.
type MetricsSnapshot struct {
	ID        uuid.UUID `db:"id" json:"id"`
	Timestamp time.Time `db:"timestamp" json:"timestamp"`

	QueueGenerated int `db:"queue_generated" json:"queueGenerated"`
	QueueValidated int `db:"queue_validated" json:"queueValidated"`
	QueueActive    int `db:"queue_active" json:"queueActive"`
	QueueLive      int `db:"queue_live" json:"queueLive"`
	QueueRetired   int `db:"queue_retired" json:"queueRetired"`
	QueueFailed    int `db:"queue_failed" json:"queueFailed"`

	ThroughputGeneration  float64 `db:"throughput_generation" json:"throughputGeneration"`
	ThroughputValidation  float64 `db:"throughput_validation" json:"throughputValidation"`
	ThroughputBacktesting float64 `db:"throughput_backtesting" json:"throughputBacktesting"`

	UtilizationGenerated float64 `db:"utilization_generated" json:"utilizationGenerated"`
	UtilizationValidated float64 `db:"utilization_validated" json:"utilizationValidated"`
	UtilizationActive    float64 `db:"utilization_active" json:"utilizationActive"`

	SuccessRateValidation  float64 `db:"success_rate_validation" json:"successRateValidation"`
	SuccessRateBacktesting float64 `db:"success_rate_backtesting" json:"successRateBacktesting"`

	AvgSharpe     float64 `db:"avg_sharpe" json:"avgSharpe"`
	AvgWinRate    float64 `db:"avg_win_rate" json:"avgWinRate"`
	AvgExpectancy float64 `db:"avg_expectancy" json:"avgExpectancy"`

	PatternCount int `db:"pattern_count" json:"patternCount"`
	AICount      int `db:"ai_count" json:"aiCount"`

	OverallStatus string `db:"overall_status" json:"overallStatus"`
}

// LedgerDirection is the sign of a LedgerUpdate relative to a subaccount.
type LedgerDirection string

const (
	LedgerIn  LedgerDirection = "in"
	LedgerOut LedgerDirection = "out"
)

// LedgerUpdate is a single deposit/withdraw/transfer event streamed from the
// exchange's ledger feed.
type LedgerUpdate struct {
	Hash       string                 `json:"hash"`
	UpdateType string                 `json:"updateType"`
	Direction  LedgerDirection        `json:"direction"`
	Amount     decimal.Decimal        `json:"amount"`
	Timestamp  time.Time              `json:"timestamp"`
	RawData    map[string]interface{} `json:"rawData,omitempty"`
}

// Fill is a single exchange execution report used by TradeSyncer to
// reconstruct closed trades.
type Fill struct {
	Coin       string          `json:"coin"`
	Side       PositionSide    `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	Fee        decimal.Decimal `json:"fee"`
	ClosedPnL  decimal.Decimal `json:"closedPnl"`
	Timestamp  time.Time       `json:"timestamp"`
	TradeID    string          `json:"tradeId"`
}
