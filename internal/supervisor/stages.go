package supervisor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// RunValidationCycle claims a batch of GENERATED strategies and runs each
// through the static + empirical lookahead checks.
func (s *Supervisor) RunValidationCycle(ctx context.Context) {
	worker := s.workerID("validation")
	batch, err := s.store.ClaimBatch(ctx, types.StrategyGenerated, worker, s.cfg.Pipeline.ClaimBatchSize, s.maxClaimAge())
	if err != nil {
		s.logger.Error("validation claim failed", zap.Error(err))
		return
	}
	for _, strat := range batch {
		if ctx.Err() != nil {
			_ = s.store.ReleaseClaim(context.Background(), strat.ID, worker)
			continue
		}
		s.validateOne(ctx, worker, strat)
	}
}

func (s *Supervisor) validateOne(ctx context.Context, worker string, strat *types.Strategy) {
	started := time.Now()

	compiled, err := s.registry.Create(strat.StrategyType, strat.Code, strat.Parameters)
	if err != nil {
		s.failStrategy(ctx, worker, strat, types.StrategyGenerated, "compile: "+err.Error())
		return
	}

	if len(strat.BacktestPairs) == 0 {
		s.failStrategy(ctx, worker, strat, types.StrategyGenerated, "no trading coins")
		return
	}
	symbol := strat.BacktestPairs[0]
	end := time.Now().UTC()
	start := end.Add(-time.Duration(s.cfg.Backtesting.ISDays) * 24 * time.Hour)

	bars, err := s.cache.Load(ctx, symbol, strat.OptimalTimeframe, start, end)
	if err != nil {
		// Data outages are transient: release and let the next cycle retry
		// instead of failing the strategy over an unreachable feed.
		s.logger.Warn("validation data load failed, skipping this cycle",
			zap.String("strategy", strat.Name), zap.Error(err))
		_ = s.store.ReleaseClaim(ctx, strat.ID, worker)
		return
	}

	result, err := s.valid.Validate(compiled, strat.Code, bars, symbol)
	if err != nil {
		s.failStrategy(ctx, worker, strat, types.StrategyGenerated, "validation error: "+err.Error())
		return
	}

	if !result.Passed {
		reason := "shuffle_test_failed"
		detail := map[string]interface{}{}
		if !result.ASTPassed {
			reason = "lookahead_bias"
			violations := make([]string, 0, len(result.ASTViolations))
			for _, v := range result.ASTViolations {
				violations = append(violations, v.Pattern+": "+v.Detail)
			}
			detail["violations"] = violations
		} else if result.Shuffle != nil {
			detail["p_value"] = result.Shuffle.PValue
			detail["signals"] = result.Shuffle.NumSignals
		}
		detail["reason"] = reason
		detail["duration_ms"] = time.Since(started).Milliseconds()
		err = s.store.CommitTransition(ctx, strat.ID, worker,
			types.StrategyGenerated, types.StrategyFailed,
			map[string]interface{}{"failure_reason": reason},
			types.EventValidationFail, detail)
		s.logCommit(err, strat, "validation fail")
		return
	}

	detail := map[string]interface{}{
		"duration_ms": time.Since(started).Milliseconds(),
	}
	if result.Shuffle != nil {
		detail["p_value"] = result.Shuffle.PValue
	}
	err = s.store.CommitTransition(ctx, strat.ID, worker,
		types.StrategyGenerated, types.StrategyValidated,
		nil, types.EventValidationPass, detail)
	s.logCommit(err, strat, "validation pass")
}

// RunBacktestCycle claims VALIDATED strategies and fans them out across the
// backtest pool. Backpressure: when the ACTIVE pool is full, nothing is
// claimed and the queue simply waits.
func (s *Supervisor) RunBacktestCycle(ctx context.Context) {
	activeCount, err := s.store.CountByStatus(ctx, types.StrategyActive)
	if err != nil {
		s.logger.Error("active count failed", zap.Error(err))
		return
	}
	if s.cfg.ActivePool.MaxSize > 0 && activeCount >= s.cfg.ActivePool.MaxSize {
		s.logger.Debug("active pool full, backtest cycle idle",
			zap.Int("active", activeCount))
		return
	}

	worker := s.workerID("backtest")
	batch, err := s.store.ClaimBatch(ctx, types.StrategyValidated, worker, s.cfg.Pipeline.ClaimBatchSize, s.maxClaimAge())
	if err != nil {
		s.logger.Error("backtest claim failed", zap.Error(err))
		return
	}
	if len(batch) == 0 {
		return
	}

	s.backtestPool.Each(len(batch), func(i int) error {
		if ctx.Err() != nil {
			_ = s.store.ReleaseClaim(context.Background(), batch[i].ID, worker)
			return nil
		}
		s.backtestOne(ctx, worker, batch[i])
		return nil
	})
}

func (s *Supervisor) backtestOne(ctx context.Context, worker string, strat *types.Strategy) {
	started := time.Now()

	compiled, err := s.registry.Create(strat.StrategyType, strat.Code, strat.Parameters)
	if err != nil {
		s.failStrategy(ctx, worker, strat, types.StrategyValidated, "compile: "+err.Error())
		return
	}

	pairs := strat.BacktestPairs
	if max := s.cfg.Backtesting.MaxCoins; max > 0 && len(pairs) > max {
		pairs = pairs[:max]
	}

	end := time.Now().UTC()
	totalDays := s.cfg.Backtesting.ISDays + s.cfg.Backtesting.OOSDays
	start := end.Add(-time.Duration(totalDays) * 24 * time.Hour)

	data := make(map[string][]types.OHLCV, len(pairs))
	for _, symbol := range pairs {
		bars, err := s.cache.Load(ctx, symbol, strat.OptimalTimeframe, start, end)
		if err != nil {
			s.logger.Warn("backtest data load failed for symbol",
				zap.String("strategy", strat.Name),
				zap.String("symbol", symbol), zap.Error(err))
			continue
		}
		if len(bars) > 0 {
			data[symbol] = bars
		}
	}
	if len(data) == 0 {
		s.logger.Warn("no backtest data available, skipping this cycle",
			zap.String("strategy", strat.Name))
		_ = s.store.ReleaseClaim(ctx, strat.ID, worker)
		return
	}

	result, err := s.engine.RunPortfolio(ctx, compiled, data, nil)
	if err != nil {
		s.failStrategy(ctx, worker, strat, types.StrategyValidated, "backtest: "+err.Error())
		return
	}

	sharpe, _ := result.Metrics.SharpeRatio.Float64()
	_ = s.store.AppendEvent(ctx, &strat.ID, types.EventBacktestDone, map[string]interface{}{
		"total_trades": result.Metrics.TotalTrades,
		"sharpe":       sharpe,
	}, time.Since(started))

	mwCV := 0.0
	if s.mw != nil {
		mwResult, err := s.mw.Validate(ctx, compiled, pairs, strat.OptimalTimeframe)
		if err != nil {
			s.failStrategy(ctx, worker, strat, types.StrategyValidated, "multi_window: "+err.Error())
			return
		}
		if !mwResult.Passed {
			s.failStrategy(ctx, worker, strat, types.StrategyValidated, "multi_window: "+mwResult.Reason)
			return
		}
		mwCV = mwResult.CV
	}

	score := s.scorer.Score(result.Metrics, mwCV)
	s.persistResults(ctx, strat, result)

	if score < s.cfg.ActivePool.MinScore {
		s.failStrategy(ctx, worker, strat, types.StrategyValidated, "score_below_threshold")
		return
	}

	winRate, _ := result.Metrics.WinRate.Float64()
	err = s.store.CommitTransition(ctx, strat.ID, worker,
		types.StrategyValidated, types.StrategyActive,
		map[string]interface{}{"score_backtest": score},
		types.EventActivated, map[string]interface{}{
			"score":        score,
			"sharpe":       sharpe,
			"win_rate":     winRate,
			"total_trades": result.Metrics.TotalTrades,
			"duration_ms":  time.Since(started).Milliseconds(),
		})
	s.logCommit(err, strat, "activated")
}

// persistResults writes the immutable portfolio-level result plus one row
// per symbol breakdown. Write failures are logged, not fatal: the score
// already lives on the strategy row.
func (s *Supervisor) persistResults(ctx context.Context, strat *types.Strategy, result *backtester.Result) {
	paramsHash := hashParams(strat.Parameters)
	save := func(symbol string, m *backtester.Metrics) {
		row := &types.BacktestResult{
			StrategyID:     strat.ID,
			BaseCodeHash:   strat.BaseCodeHash,
			ParametersHash: paramsHash,
			Symbol:         symbol,
			Timeframe:      strat.OptimalTimeframe,
			TotalTrades:    m.TotalTrades,
			WinRate:        m.WinRate,
			SharpeRatio:    m.SharpeRatio,
			SortinoRatio:   m.SortinoRatio,
			MaxDrawdown:    m.MaxDrawdown,
			ProfitFactor:   m.ProfitFactor,
			Expectancy:     m.Expectancy,
			EDRatio:        m.EDRatio,
			Consistency:    m.Consistency,
			AvgLeverage:    m.AvgLeverage,
			MaxMarginPct:   m.MaxMarginPct,
		}
		if n := len(result.EquityCurve); n > 0 {
			row.FinalEquity = result.EquityCurve[n-1].Equity
		}
		if err := s.store.SaveBacktestResult(ctx, row); err != nil {
			s.logger.Warn("backtest result save failed",
				zap.String("strategy", strat.Name),
				zap.String("symbol", symbol), zap.Error(err))
		}
	}

	save("PORTFOLIO", result.Metrics)
	for symbol, m := range result.SymbolBreakdown {
		save(symbol, m)
	}
}

// RunRotationCycle selects from the ACTIVE pool and deploys into free
// subaccount slots.
func (s *Supervisor) RunRotationCycle(ctx context.Context) {
	ready, err := s.selector.IsPoolReady(ctx)
	if err != nil {
		s.logger.Error("pool readiness check failed", zap.Error(err))
		return
	}
	if !ready {
		s.logger.Debug("active pool warming up, rotation idle")
		return
	}

	slots, err := s.selector.FreeSlots(ctx)
	if err != nil {
		s.logger.Error("free slot count failed", zap.Error(err))
		return
	}
	if slots == 0 {
		return
	}

	candidates, err := s.selector.GetCandidates(ctx, slots)
	if err != nil {
		s.logger.Error("candidate selection failed", zap.Error(err))
		return
	}
	if len(candidates) == 0 {
		return
	}

	deployed, err := s.deployer.DeployCandidates(ctx, candidates)
	if err != nil {
		s.logger.Error("deployment cycle failed", zap.Error(err))
		return
	}
	if deployed > 0 {
		s.logger.Info("rotation deployed strategies", zap.Int("count", deployed))
	}
}

// RunSweepCycle releases claims whose owner stopped committing, making the
// rows claimable again. Swept strategies keep their status; the sweeper is
// recovery, not judgement.
func (s *Supervisor) RunSweepCycle(ctx context.Context) {
	if _, err := s.store.SweepStaleClaims(ctx, s.maxClaimAge()); err != nil {
		s.logger.Error("stale claim sweep failed", zap.Error(err))
	}
}

func (s *Supervisor) RunTradeSyncCycle(ctx context.Context) {
	subs, err := s.store.ListSubaccounts(ctx)
	if err != nil {
		s.logger.Error("subaccount list failed", zap.Error(err))
		return
	}
	var ids []int
	for _, sub := range subs {
		if sub.Status == types.SubaccountActive {
			ids = append(ids, sub.ID)
		}
	}
	if len(ids) > 0 {
		s.syncer.SyncCycle(ctx, ids)
	}
}

func (s *Supervisor) RunMetricsCycle(ctx context.Context) {
	if _, err := s.recorder.CollectSnapshot(ctx); err != nil {
		s.logger.Error("metrics snapshot failed", zap.Error(err))
	}
}

// failStrategy commits a terminal FAILED transition for one batch item,
// isolating the fault to that strategy.
func (s *Supervisor) failStrategy(ctx context.Context, worker string, strat *types.Strategy, from types.StrategyStatus, reason string) {
	err := s.store.CommitTransition(ctx, strat.ID, worker, from, types.StrategyFailed,
		map[string]interface{}{"failure_reason": reason},
		types.EventFailed, map[string]interface{}{"reason": reason})
	s.logCommit(err, strat, "failed: "+reason)
}

func (s *Supervisor) logCommit(err error, strat *types.Strategy, outcome string) {
	switch {
	case err == nil:
		s.logger.Info("strategy transition",
			zap.String("strategy", strat.Name), zap.String("outcome", outcome))
	case errors.Is(err, pipelineerr.ErrStaleClaim):
		// Lost the claim to a sweep or a competing worker; the computed
		// artefacts are discarded and the next owner redoes the work.
		s.logger.Warn("stale claim, work discarded", zap.String("strategy", strat.Name))
	default:
		s.logger.Error("transition commit failed",
			zap.String("strategy", strat.Name), zap.Error(err))
	}
}

// hashParams fingerprints a parameter map with stable key order, the cache
// key half that distinguishes two parameterisations of the same base code.
func hashParams(params map[string]interface{}) string {
	if len(params) == 0 {
		return "empty"
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		v, _ := json.Marshal(params[k])
		h.Write([]byte(k))
		h.Write([]byte{'='})
		h.Write(v)
		h.Write([]byte{';'})
	}
	return hex.EncodeToString(h.Sum(nil))[:16]
}
