// Package reconciler keeps each subaccount's allocated_capital and
// peak_balance consistent with the exchange's ledger: a startup catch-up
// that repairs phantom capital and drift against the authoritative balance,
// then a live stream of deduplicated ledger updates.
package reconciler

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/pkg/types"
)

// Store is the slice of the StrategyStore the reconciler writes through.
type Store interface {
	ListSubaccounts(ctx context.Context) ([]*types.Subaccount, error)
	ReconcileBalance(ctx context.Context, subaccountID int, actualBalance float64) (bool, error)
	HasAppliedLedgerUpdate(ctx context.Context, hash string) (bool, error)
	RecordLedgerUpdate(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error
	RecordLedgerHash(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error
	AppendEvent(ctx context.Context, strategyID *uuid.UUID, event types.StrategyEventType, detail map[string]interface{}, duration time.Duration) error
}

// Exchange is the venue capability surface the reconciler consumes.
type Exchange interface {
	GetAccountBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error)
	GetLedgerUpdates(ctx context.Context, subaccountID int, start, end time.Time) ([]types.LedgerUpdate, error)
	SubscribeLedgerUpdates(ctx context.Context) (<-chan types.LedgerUpdate, error)
}

// Config mirrors exchange.balance_reconciliation.*.
type Config struct {
	Enabled             bool
	CatchupLookbackDays int
}

// Reconciler applies the startup catch-up and live-update policies.
type Reconciler struct {
	logger   *zap.Logger
	store    Store
	exchange Exchange
	cfg      Config

	// addresses maps a lowercase exchange address to its subaccount id, for
	// resolving which subaccount a streamed update belongs to.
	addresses map[string]int
	masterID  int
}

// New builds a Reconciler. The subaccount address map and master id come
// from the configured credentials; masterID receives updates whose address
// matches no subaccount.
func New(logger *zap.Logger, store Store, exchange Exchange, cfg Config, addresses map[string]int, masterID int) *Reconciler {
	lower := make(map[string]int, len(addresses))
	for addr, id := range addresses {
		lower[strings.ToLower(addr)] = id
	}
	return &Reconciler{
		logger:    logger,
		store:     store,
		exchange:  exchange,
		cfg:       cfg,
		addresses: lower,
		masterID:  masterID,
	}
}

// StartupCatchup snaps every ACTIVE subaccount's stored capital to the
// exchange's authoritative balance, then pre-seeds the ledger dedup set
// from the configured lookback window so the live stream can't re-apply an
// update the catch-up already covered. Runs to completion before the other
// workers start. Returns how many subaccounts needed correction.
func (r *Reconciler) StartupCatchup(ctx context.Context) (int, error) {
	if !r.cfg.Enabled {
		r.logger.Info("balance reconciliation disabled, skipping catchup")
		return 0, nil
	}

	started := time.Now()
	subaccounts, err := r.store.ListSubaccounts(ctx)
	if err != nil {
		return 0, err
	}

	end := time.Now().UTC()
	start := end.Add(-time.Duration(r.cfg.CatchupLookbackDays) * 24 * time.Hour)

	corrected := 0
	for _, sub := range subaccounts {
		if sub.Status != types.SubaccountActive {
			// PAUSED/STOPPED rows carry stale allocations by design; they
			// are re-seeded on the next deploy.
			continue
		}

		balance, err := r.exchange.GetAccountBalance(ctx, sub.ID)
		if err != nil {
			r.logger.Warn("cannot fetch balance, skipping subaccount",
				zap.Int("subaccount", sub.ID), zap.Error(err))
			continue
		}
		balanceF, _ := balance.Float64()

		fixed, err := r.store.ReconcileBalance(ctx, sub.ID, balanceF)
		if err != nil {
			r.logger.Error("balance reconcile failed",
				zap.Int("subaccount", sub.ID), zap.Error(err))
			continue
		}
		if fixed {
			oldAllocated, _ := sub.AllocatedCapital.Float64()
			reason := "mismatch"
			if balanceF <= 0 && oldAllocated > 0 {
				reason = "phantom_capital"
			}
			r.logger.Info("reconciled subaccount",
				zap.Int("subaccount", sub.ID),
				zap.String("reason", reason),
				zap.Float64("old_allocated", oldAllocated),
				zap.Float64("balance", balanceF))
			corrected++
		}

		// Ledger hash pre-seeding is best-effort; a miss only means the
		// live path does the dedup lookup against the store instead.
		updates, err := r.exchange.GetLedgerUpdates(ctx, sub.ID, start, end)
		if err != nil {
			continue
		}
		for i := range updates {
			if updates[i].Hash == "" {
				continue
			}
			_ = r.store.RecordLedgerHash(ctx, sub.ID, &updates[i])
		}
	}

	_ = r.store.AppendEvent(ctx, nil, types.EventBalanceReconciled, map[string]interface{}{
		"corrected": corrected,
		"checked":   len(subaccounts),
	}, time.Since(started))

	r.logger.Info("balance reconciliation complete", zap.Int("corrected", corrected))
	return corrected, nil
}

// Run consumes the live ledger stream until ctx is cancelled. Each update
// is applied at most once, keyed on its tx hash; the per-subaccount apply
// itself is transactional in the store.
func (r *Reconciler) Run(ctx context.Context) error {
	if !r.cfg.Enabled {
		<-ctx.Done()
		return nil
	}

	stream, err := r.exchange.SubscribeLedgerUpdates(ctx)
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-stream:
			if !ok {
				return nil
			}
			r.handleUpdate(ctx, &update)
		}
	}
}

func (r *Reconciler) handleUpdate(ctx context.Context, update *types.LedgerUpdate) {
	if update.Hash == "" {
		return
	}

	applied, err := r.store.HasAppliedLedgerUpdate(ctx, update.Hash)
	if err != nil {
		r.logger.Error("dedup lookup failed", zap.Error(err))
		return
	}
	if applied {
		return
	}

	if update.Direction != types.LedgerIn && update.Direction != types.LedgerOut {
		r.logger.Warn("ledger update with unknown direction, skipping",
			zap.String("type", update.UpdateType))
		return
	}

	subaccountID := r.resolveSubaccount(update)
	if err := r.store.RecordLedgerUpdate(ctx, subaccountID, update); err != nil {
		r.logger.Error("ledger update apply failed",
			zap.Int("subaccount", subaccountID), zap.Error(err))
		return
	}

	amount, _ := update.Amount.Float64()
	r.logger.Info("ledger update applied",
		zap.Int("subaccount", subaccountID),
		zap.String("type", update.UpdateType),
		zap.String("direction", string(update.Direction)),
		zap.Float64("amount", amount))
}

// resolveSubaccount maps the update's destination or user address onto a
// configured subaccount, falling back to the master subaccount when the
// address matches none — the stream subscription runs on the master
// address, so unattributed flows land there.
func (r *Reconciler) resolveSubaccount(update *types.LedgerUpdate) int {
	raw := update.RawData
	if delta, ok := raw["delta"].(map[string]interface{}); ok {
		raw = delta
	}
	for _, key := range []string{"destination", "user"} {
		if addr, ok := raw[key].(string); ok {
			if id, found := r.addresses[strings.ToLower(addr)]; found {
				return id
			}
		}
	}
	return r.masterID
}
