package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// GetSubaccount fetches one subaccount by id.
func (s *Store) GetSubaccount(ctx context.Context, id int) (*types.Subaccount, error) {
	var sub types.Subaccount
	if err := s.db.GetContext(ctx, &sub, `SELECT * FROM subaccounts WHERE id = $1`, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "GetSubaccount", Err: err}
		}
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "GetSubaccount", Err: err}
	}
	return &sub, nil
}

// ListSubaccounts returns every subaccount row, ordered by id, for the
// reconciler's sweep and any operator-facing listing.
func (s *Store) ListSubaccounts(ctx context.Context) ([]*types.Subaccount, error) {
	var rows []*types.Subaccount
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM subaccounts ORDER BY id`); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ListSubaccounts", Err: err}
	}
	return rows, nil
}

// GetFreeSubaccounts returns PAUSED subaccounts with no bound strategy —
// the Deployer's pool of slots available for a newly selected LIVE strategy.
func (s *Store) GetFreeSubaccounts(ctx context.Context) ([]*types.Subaccount, error) {
	var rows []*types.Subaccount
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM subaccounts WHERE status = $1 AND strategy_id IS NULL ORDER BY id`,
		types.SubaccountPaused); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "GetFreeSubaccounts", Err: err}
	}
	return rows, nil
}

// EnsureSubaccounts creates PAUSED placeholder rows up to count, so a
// freshly provisioned deployment starts with its full slot pool without a
// manual seeding step. Existing rows are left untouched.
func (s *Store) EnsureSubaccounts(ctx context.Context, count int) error {
	for i := 1; i <= count; i++ {
		if _, err := s.db.ExecContext(ctx, `
			INSERT INTO subaccounts (id, status, allocated_capital, current_balance, peak_balance)
			VALUES ($1, $2, 0, 0, 0)
			ON CONFLICT (id) DO NOTHING`, i, types.SubaccountPaused); err != nil {
			return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "EnsureSubaccounts", Err: err}
		}
	}
	return nil
}

// CountSubaccountsByStatus returns how many subaccounts are in status, used
// by the Deployer's equal-split capital calculation.
func (s *Store) CountSubaccountsByStatus(ctx context.Context, status types.SubaccountStatus) (int, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM subaccounts WHERE status = $1`, status); err != nil {
		return 0, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CountSubaccountsByStatus", Err: err}
	}
	return n, nil
}

// FindSubaccountByStrategy returns the subaccount currently bound to
// strategyID, or nil if the strategy isn't deployed.
func (s *Store) FindSubaccountByStrategy(ctx context.Context, strategyID uuid.UUID) (*types.Subaccount, error) {
	var sub types.Subaccount
	err := s.db.GetContext(ctx, &sub, `SELECT * FROM subaccounts WHERE strategy_id = $1`, strategyID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "FindSubaccountByStrategy", Err: err}
	}
	return &sub, nil
}

// Deploy binds strategyID onto subaccountID: the subaccount must currently
// be PAUSED and unbound, and strategyID must currently be ACTIVE. Both
// updates commit together with the DEPLOYED event so a crash between them
// never leaves a subaccount bound to a strategy that isn't LIVE.
func (s *Store) Deploy(ctx context.Context, subaccountID int, strategyID uuid.UUID, allocatedCapital float64) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy begin", Err: err}
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE subaccounts
		SET strategy_id = $1, status = $2, allocated_capital = $3,
		    current_balance = $3, peak_balance = $3, peak_balance_updated_at = now(),
		    deployed_at = now()
		WHERE id = $4 AND status = $5 AND strategy_id IS NULL`,
		strategyID, types.SubaccountActive, allocatedCapital, subaccountID, types.SubaccountPaused)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy subaccount update", Err: err}
	}
	n, err := res.RowsAffected()
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy rows", Err: err}
	}
	if n == 0 {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Deploy", Err: fmt.Errorf("subaccount %d is not a free slot", subaccountID)}
	}

	res, err = tx.ExecContext(ctx, `
		UPDATE strategies
		SET status = $1, claim_worker = NULL, claim_started_at = NULL,
		    updated_at = now(), live_since = now()
		WHERE id = $2 AND status = $3`,
		types.StrategyLive, strategyID, types.StrategyActive)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy strategy update", Err: err}
	}
	n, err = res.RowsAffected()
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy rows", Err: err}
	}
	if n == 0 {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Deploy", Err: fmt.Errorf("strategy %s is not ACTIVE", strategyID)}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_events (id, strategy_id, stage, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), strategyID, types.EventDeployed.Stage(), types.EventDeployed, []byte(fmt.Sprintf(`{"subaccountId":%d}`, subaccountID))); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy event insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Deploy commit", Err: err}
	}
	s.invalidateCountCache()
	return nil
}

// Undeploy unbinds a subaccount from its strategy and retires the strategy,
// the reverse of Deploy — used when the rotator pulls a strategy off the
// active pool or the reconciler flags it for removal.
func (s *Store) Undeploy(ctx context.Context, subaccountID int, failureReason string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy begin", Err: err}
	}
	defer tx.Rollback()

	var strategyID uuid.UUID
	if err := tx.GetContext(ctx, &strategyID, `SELECT strategy_id FROM subaccounts WHERE id = $1 AND strategy_id IS NOT NULL`, subaccountID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Undeploy", Err: fmt.Errorf("subaccount %d has no bound strategy", subaccountID)}
		}
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy lookup", Err: err}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE subaccounts
		SET strategy_id = NULL, status = $1, allocated_capital = 0,
		    current_balance = 0, peak_balance = 0, peak_balance_updated_at = NULL,
		    deployed_at = NULL
		WHERE id = $2`, types.SubaccountPaused, subaccountID); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy subaccount update", Err: err}
	}

	event := types.EventRetired
	to := types.StrategyRetired
	detail := []byte(`{}`)
	if failureReason != "" {
		event = types.EventFailed
		to = types.StrategyFailed
		detail = []byte(fmt.Sprintf(`{"reason":%q}`, failureReason))
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE strategies
		SET status = $1, updated_at = now(), retired_at = now(), failure_reason = $2
		WHERE id = $3 AND status = $4`,
		to, failureReason, strategyID, types.StrategyLive)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy strategy update", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "Undeploy", Err: fmt.Errorf("strategy %s is not LIVE", strategyID)}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_events (id, strategy_id, stage, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), strategyID, event.Stage(), event, detail); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy event insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "Undeploy commit", Err: err}
	}
	s.invalidateCountCache()
	return nil
}

// UpdateBalance records the reconciler's latest read of a subaccount's
// exchange balance, advancing peak_balance when the new balance is a new
// high-water mark (used for drawdown-from-peak checks).
func (s *Store) UpdateBalance(ctx context.Context, subaccountID int, balance float64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE subaccounts
		SET current_balance = $1,
		    peak_balance = GREATEST(peak_balance, $1),
		    peak_balance_updated_at = CASE WHEN $1 > peak_balance THEN now() ELSE peak_balance_updated_at END
		WHERE id = $2`, balance, subaccountID)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "UpdateBalance", Err: err}
	}
	return nil
}

// HasAppliedLedgerUpdate reports whether hash has already been applied to a
// subaccount's balance — the dedup check that turns the reconciler's
// at-least-once ledger feed into exactly-once application per hash.
func (s *Store) HasAppliedLedgerUpdate(ctx context.Context, hash string) (bool, error) {
	var n int
	if err := s.db.GetContext(ctx, &n, `SELECT count(*) FROM ledger_updates_applied WHERE hash = $1`, hash); err != nil {
		return false, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "HasAppliedLedgerUpdate", Err: err}
	}
	return n > 0, nil
}

// RecordLedgerHash marks hash as seen without adjusting any balance — the
// startup catch-up uses it after snapping allocated_capital to the
// exchange's authoritative reading, so the live stream can't re-apply
// updates the snapshot already reflects.
func (s *Store) RecordLedgerHash(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error {
	amount, _ := update.Amount.Float64()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ledger_updates_applied (hash, subaccount_id, update_type, direction, amount, applied_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (hash) DO NOTHING`,
		update.Hash, subaccountID, update.UpdateType, update.Direction, amount)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerHash", Err: err}
	}
	return nil
}

// RecordLedgerUpdate marks hash applied and adjusts the subaccount's
// allocated_capital in one transaction, so a crash between the two never
// double-applies or silently drops an update. A deposit (LedgerIn) raises
// allocated_capital and peak_balance together; a withdrawal (LedgerOut)
// lowers allocated_capital but never below zero and never touches
// peak_balance — the reconciler's _apply_adjustment policy.
func (s *Store) RecordLedgerUpdate(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerUpdate begin", Err: err}
	}
	defer tx.Rollback()

	amount, _ := update.Amount.Float64()
	if amount <= 0 {
		return tx.Commit()
	}

	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger_updates_applied (hash, subaccount_id, update_type, direction, amount, applied_at)
		VALUES ($1, $2, $3, $4, $5, now())
		ON CONFLICT (hash) DO NOTHING`,
		update.Hash, subaccountID, update.UpdateType, update.Direction, amount)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerUpdate insert", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Already applied by a previous delivery of the same hash; no-op.
		return tx.Commit()
	}

	if update.Direction == types.LedgerIn {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subaccounts
			SET allocated_capital = allocated_capital + $1,
			    peak_balance = GREATEST(peak_balance, allocated_capital + $1),
			    peak_balance_updated_at = CASE WHEN allocated_capital + $1 > peak_balance THEN now() ELSE peak_balance_updated_at END
			WHERE id = $2`, amount, subaccountID); err != nil {
			return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerUpdate deposit", Err: err}
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			UPDATE subaccounts
			SET allocated_capital = GREATEST(0, allocated_capital - $1)
			WHERE id = $2`, amount, subaccountID); err != nil {
			return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerUpdate withdrawal", Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecordLedgerUpdate commit", Err: err}
	}
	return nil
}

// ReconcileDecision is the pure startup-catchup repair rule. A
// non-positive exchange balance against a positive stored allocation is
// phantom capital: both allocation and peak zero out. Otherwise a drift
// beyond $1 snaps the allocation to the exchange reading, raising the peak
// if that reading exceeds it. Anything else is left alone.
func ReconcileDecision(oldAllocated, oldPeak, actualBalance float64) (newAllocated, newPeak float64, corrected bool) {
	newAllocated, newPeak = oldAllocated, oldPeak

	if actualBalance <= 0 {
		if oldAllocated > 0 {
			return 0, 0, true
		}
		return newAllocated, newPeak, false
	}

	if diff := oldAllocated - actualBalance; diff > 1.0 || diff < -1.0 {
		newAllocated = actualBalance
		if newPeak < actualBalance {
			newPeak = actualBalance
		}
		return newAllocated, newPeak, true
	}
	return newAllocated, newPeak, false
}

// ReconcileBalance applies the startup-catchup rule: if actualBalance is
// non-positive, zero out allocated_capital and peak_balance (the "phantom
// capital" case); otherwise, if allocated_capital has drifted from
// actualBalance by more than $1, snap it to actualBalance and raise
// peak_balance if that's now higher. current_balance always tracks
// actualBalance. Returns whether a correction was applied.
func (s *Store) ReconcileBalance(ctx context.Context, subaccountID int, actualBalance float64) (bool, error) {
	sub, err := s.GetSubaccount(ctx, subaccountID)
	if err != nil {
		return false, err
	}

	oldAllocated, _ := sub.AllocatedCapital.Float64()
	oldPeak, _ := sub.PeakBalance.Float64()
	newAllocated, newPeak, corrected := ReconcileDecision(oldAllocated, oldPeak, actualBalance)

	if !corrected {
		_, err := s.db.ExecContext(ctx, `UPDATE subaccounts SET current_balance = $1 WHERE id = $2`, actualBalance, subaccountID)
		if err != nil {
			return false, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ReconcileBalance", Err: err}
		}
		return false, nil
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE subaccounts
		SET current_balance = $1, allocated_capital = $2, peak_balance = $3, peak_balance_updated_at = now()
		WHERE id = $4`, actualBalance, newAllocated, newPeak, subaccountID)
	if err != nil {
		return false, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ReconcileBalance", Err: err}
	}
	return true, nil
}

// OpenLiveTrade inserts a newly observed exchange fill as an open live
// trade, the TradeSyncer's entry-side reconstruction step.
func (s *Store) OpenLiveTrade(ctx context.Context, trade *types.LiveTrade) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO live_trades (id, strategy_id, subaccount_id, symbol, side, quantity, entry_price, exit_price, fees, net_pnl, position_id, entry_time, exit_time, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0, $8, 0, $9, $10, NULL, '')`,
		trade.ID, trade.StrategyID, trade.SubaccountID, trade.Symbol, trade.Side,
		trade.Quantity, trade.EntryPrice, trade.Fees, trade.PositionID, trade.EntryTime)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "OpenLiveTrade", Err: err}
	}
	return nil
}

// CloseLiveTrade patches the exit side of an open live trade onto its
// matching row, found by (subaccount, symbol, still-open) — the
// TradeSyncer's close-side reconstruction step.
func (s *Store) CloseLiveTrade(ctx context.Context, subaccountID int, symbol string, exitPrice, fees, netPnl float64, exitTime time.Time, exitReason string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE live_trades
		SET exit_price = $1, fees = fees + $2, net_pnl = $3, exit_time = $4, exit_reason = $5
		WHERE id = (
			SELECT id FROM live_trades
			WHERE subaccount_id = $6 AND symbol = $7 AND exit_time IS NULL
			ORDER BY entry_time LIMIT 1
		)`, exitPrice, fees, netPnl, exitTime, exitReason, subaccountID, symbol)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CloseLiveTrade", Err: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "CloseLiveTrade", Err: fmt.Errorf("no open live trade for subaccount %d symbol %s", subaccountID, symbol)}
	}
	return nil
}

// FindOpenLiveTrade looks up the still-open live trade for a
// (subaccount, symbol) pair, used by the TradeSyncer to decide whether an
// observed fill opens a new trade or closes an existing one.
func (s *Store) FindOpenLiveTrade(ctx context.Context, subaccountID int, symbol string) (*types.LiveTrade, error) {
	var t types.LiveTrade
	err := s.db.GetContext(ctx, &t, `
		SELECT * FROM live_trades
		WHERE subaccount_id = $1 AND symbol = $2 AND exit_time IS NULL
		ORDER BY entry_time LIMIT 1`, subaccountID, symbol)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "FindOpenLiveTrade", Err: err}
	}
	return &t, nil
}

// ListLiveTrades returns every live trade for a strategy, newest first, for
// reporting and MetricsRecorder.
func (s *Store) ListLiveTrades(ctx context.Context, strategyID uuid.UUID) ([]*types.LiveTrade, error) {
	var rows []*types.LiveTrade
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM live_trades WHERE strategy_id = $1 ORDER BY entry_time DESC`, strategyID); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ListLiveTrades", Err: err}
	}
	return rows, nil
}
