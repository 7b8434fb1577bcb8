package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// SaveBacktestResult inserts an immutable backtest result row. A repeat of
// the same (base_code_hash, parameters_hash, symbol, timeframe) key is a
// no-op rather than an overwrite: results are never rewritten once stored.
func (s *Store) SaveBacktestResult(ctx context.Context, r *types.BacktestResult) error {
	if r.ID == uuid.Nil {
		r.ID = uuid.New()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_results (
			id, strategy_id, base_code_hash, parameters_hash, symbol, timeframe,
			total_trades, win_rate, sharpe_ratio, sortino_ratio, max_drawdown,
			profit_factor, expectancy, ed_ratio, consistency, avg_leverage,
			max_margin_pct, final_equity, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, now())
		ON CONFLICT (base_code_hash, parameters_hash, symbol, timeframe) DO NOTHING`,
		r.ID, r.StrategyID, r.BaseCodeHash, r.ParametersHash, r.Symbol, r.Timeframe,
		r.TotalTrades, r.WinRate, r.SharpeRatio, r.SortinoRatio, r.MaxDrawdown,
		r.ProfitFactor, r.Expectancy, r.EDRatio, r.Consistency, r.AvgLeverage,
		r.MaxMarginPct, r.FinalEquity)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "SaveBacktestResult", Err: err}
	}
	return nil
}

// FindBacktestResult looks up a cached result by its full cache key.
// Returns nil without error on a miss.
func (s *Store) FindBacktestResult(ctx context.Context, baseCodeHash, parametersHash, symbol string, tf types.Timeframe) (*types.BacktestResult, error) {
	var r types.BacktestResult
	err := s.db.GetContext(ctx, &r, `
		SELECT * FROM backtest_results
		WHERE base_code_hash = $1 AND parameters_hash = $2 AND symbol = $3 AND timeframe = $4`,
		baseCodeHash, parametersHash, symbol, tf)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "FindBacktestResult", Err: err}
	}
	return &r, nil
}

// PoolQuality is the MetricsRecorder's average-quality read across the
// ACTIVE pool's stored backtest results.
type PoolQuality struct {
	AvgSharpe     float64 `db:"avg_sharpe"`
	AvgWinRate    float64 `db:"avg_win_rate"`
	AvgExpectancy float64 `db:"avg_expectancy"`
}

// ActivePoolQuality averages sharpe/win-rate/expectancy over backtest
// results belonging to currently-ACTIVE strategies.
func (s *Store) ActivePoolQuality(ctx context.Context) (*PoolQuality, error) {
	var q PoolQuality
	err := s.db.GetContext(ctx, &q, `
		SELECT COALESCE(avg(r.sharpe_ratio), 0)  AS avg_sharpe,
		       COALESCE(avg(r.win_rate), 0)      AS avg_win_rate,
		       COALESCE(avg(r.expectancy), 0)    AS avg_expectancy
		FROM backtest_results r
		JOIN strategies s ON s.id = r.strategy_id
		WHERE s.status = $1`, types.StrategyActive)
	if err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ActivePoolQuality", Err: err}
	}
	return &q, nil
}

// GenerationModeBreakdown counts strategies by provenance tag, the
// pattern-vs-AI split the metrics snapshot reports.
func (s *Store) GenerationModeBreakdown(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT generation_mode, count(*) FROM strategies GROUP BY generation_mode`)
	if err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "GenerationModeBreakdown", Err: err}
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var mode string
		var n int
		if err := rows.Scan(&mode, &n); err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "GenerationModeBreakdown scan", Err: err}
		}
		out[mode] = n
	}
	return out, rows.Err()
}

// SaveMetricsSnapshot writes one MetricsRecorder snapshot row.
func (s *Store) SaveMetricsSnapshot(ctx context.Context, snap *types.MetricsSnapshot) error {
	if snap.ID == uuid.Nil {
		snap.ID = uuid.New()
	}
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO pipeline_metrics_snapshots (
			id, timestamp,
			queue_generated, queue_validated, queue_active, queue_live, queue_retired, queue_failed,
			throughput_generation, throughput_validation, throughput_backtesting,
			utilization_generated, utilization_validated, utilization_active,
			success_rate_validation, success_rate_backtesting,
			avg_sharpe, avg_win_rate, avg_expectancy,
			pattern_count, ai_count, overall_status
		) VALUES (
			:id, :timestamp,
			:queue_generated, :queue_validated, :queue_active, :queue_live, :queue_retired, :queue_failed,
			:throughput_generation, :throughput_validation, :throughput_backtesting,
			:utilization_generated, :utilization_validated, :utilization_active,
			:success_rate_validation, :success_rate_backtesting,
			:avg_sharpe, :avg_win_rate, :avg_expectancy,
			:pattern_count, :ai_count, :overall_status
		)`, snap)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "SaveMetricsSnapshot", Err: err}
	}
	return nil
}
