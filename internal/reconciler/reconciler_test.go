package reconciler_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/reconciler"
	"github.com/sixbtc/pipeline/internal/store"
	"github.com/sixbtc/pipeline/pkg/types"
)

// fakeStore mirrors the store's ledger-dedup and balance semantics in
// memory: every adjustment keys on the update hash exactly once.
type fakeStore struct {
	subs    map[int]*types.Subaccount
	applied map[string]struct{}
	events  []types.StrategyEventType
}

func newFakeStore(subs ...*types.Subaccount) *fakeStore {
	byID := make(map[int]*types.Subaccount)
	for _, s := range subs {
		byID[s.ID] = s
	}
	return &fakeStore{subs: byID, applied: make(map[string]struct{})}
}

func (f *fakeStore) ListSubaccounts(ctx context.Context) ([]*types.Subaccount, error) {
	var out []*types.Subaccount
	for _, s := range f.subs {
		out = append(out, s)
	}
	return out, nil
}

func (f *fakeStore) ReconcileBalance(ctx context.Context, subaccountID int, actualBalance float64) (bool, error) {
	sub := f.subs[subaccountID]
	oldAllocated, _ := sub.AllocatedCapital.Float64()
	oldPeak, _ := sub.PeakBalance.Float64()
	newAllocated, newPeak, corrected := store.ReconcileDecision(oldAllocated, oldPeak, actualBalance)
	sub.CurrentBalance = decimal.NewFromFloat(actualBalance)
	sub.AllocatedCapital = decimal.NewFromFloat(newAllocated)
	sub.PeakBalance = decimal.NewFromFloat(newPeak)
	return corrected, nil
}

func (f *fakeStore) HasAppliedLedgerUpdate(ctx context.Context, hash string) (bool, error) {
	_, ok := f.applied[hash]
	return ok, nil
}

func (f *fakeStore) RecordLedgerUpdate(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error {
	if _, done := f.applied[update.Hash]; done {
		return nil
	}
	f.applied[update.Hash] = struct{}{}

	sub := f.subs[subaccountID]
	amount, _ := update.Amount.Float64()
	allocated, _ := sub.AllocatedCapital.Float64()
	if update.Direction == types.LedgerIn {
		allocated += amount
		if peak, _ := sub.PeakBalance.Float64(); allocated > peak {
			sub.PeakBalance = decimal.NewFromFloat(allocated)
		}
	} else {
		allocated -= amount
		if allocated < 0 {
			allocated = 0
		}
	}
	sub.AllocatedCapital = decimal.NewFromFloat(allocated)
	return nil
}

func (f *fakeStore) RecordLedgerHash(ctx context.Context, subaccountID int, update *types.LedgerUpdate) error {
	f.applied[update.Hash] = struct{}{}
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, strategyID *uuid.UUID, event types.StrategyEventType, detail map[string]interface{}, duration time.Duration) error {
	f.events = append(f.events, event)
	return nil
}

type fakeExchange struct {
	balances map[int]float64
	ledger   map[int][]types.LedgerUpdate
	stream   chan types.LedgerUpdate
}

func (f *fakeExchange) GetAccountBalance(ctx context.Context, subaccountID int) (decimal.Decimal, error) {
	return decimal.NewFromFloat(f.balances[subaccountID]), nil
}

func (f *fakeExchange) GetLedgerUpdates(ctx context.Context, subaccountID int, start, end time.Time) ([]types.LedgerUpdate, error) {
	return f.ledger[subaccountID], nil
}

func (f *fakeExchange) SubscribeLedgerUpdates(ctx context.Context) (<-chan types.LedgerUpdate, error) {
	return f.stream, nil
}

func sub(id int, status types.SubaccountStatus, allocated, peak float64) *types.Subaccount {
	return &types.Subaccount{
		ID:               id,
		Status:           status,
		AllocatedCapital: decimal.NewFromFloat(allocated),
		PeakBalance:      decimal.NewFromFloat(peak),
	}
}

func newReconciler(st *fakeStore, ex *fakeExchange) *reconciler.Reconciler {
	return reconciler.New(zap.NewNop(), st, ex, reconciler.Config{
		Enabled:             true,
		CatchupLookbackDays: 7,
	}, nil, 1)
}

func TestPhantomCapitalCleanup(t *testing.T) {
	// Allocated capital with a zero exchange balance and no deposits is
	// phantom: both allocation and peak must zero out.
	st := newFakeStore(sub(1, types.SubaccountActive, 83.33, 120))
	ex := &fakeExchange{balances: map[int]float64{1: 0}}

	corrected, err := newReconciler(st, ex).StartupCatchup(context.Background())
	if err != nil {
		t.Fatalf("StartupCatchup: %v", err)
	}
	if corrected != 1 {
		t.Fatalf("expected 1 correction, got %d", corrected)
	}

	got := st.subs[1]
	if !got.AllocatedCapital.IsZero() {
		t.Errorf("allocated_capital = %s, want 0", got.AllocatedCapital)
	}
	if !got.PeakBalance.IsZero() {
		t.Errorf("peak_balance = %s, want 0", got.PeakBalance)
	}
	if len(st.events) != 1 || st.events[0] != types.EventBalanceReconciled {
		t.Errorf("expected a single balance reconciliation event, got %v", st.events)
	}
}

func TestMismatchSnapsToExchangeBalance(t *testing.T) {
	st := newFakeStore(sub(1, types.SubaccountActive, 100, 100))
	ex := &fakeExchange{balances: map[int]float64{1: 250}}

	if _, err := newReconciler(st, ex).StartupCatchup(context.Background()); err != nil {
		t.Fatalf("StartupCatchup: %v", err)
	}

	got := st.subs[1]
	if allocated, _ := got.AllocatedCapital.Float64(); allocated != 250 {
		t.Errorf("allocated_capital = %v, want 250", allocated)
	}
	if peak, _ := got.PeakBalance.Float64(); peak != 250 {
		t.Errorf("peak_balance = %v, want 250", peak)
	}
}

func TestSubDollarDriftLeftAlone(t *testing.T) {
	st := newFakeStore(sub(1, types.SubaccountActive, 100, 110))
	ex := &fakeExchange{balances: map[int]float64{1: 100.5}}

	corrected, err := newReconciler(st, ex).StartupCatchup(context.Background())
	if err != nil {
		t.Fatalf("StartupCatchup: %v", err)
	}
	if corrected != 0 {
		t.Fatalf("expected no corrections for sub-dollar drift, got %d", corrected)
	}
	if allocated, _ := st.subs[1].AllocatedCapital.Float64(); allocated != 100 {
		t.Errorf("allocated_capital = %v, want 100", allocated)
	}
}

func TestPausedSubaccountsSkipped(t *testing.T) {
	st := newFakeStore(sub(1, types.SubaccountPaused, 500, 500))
	ex := &fakeExchange{balances: map[int]float64{1: 0}}

	corrected, err := newReconciler(st, ex).StartupCatchup(context.Background())
	if err != nil {
		t.Fatalf("StartupCatchup: %v", err)
	}
	if corrected != 0 {
		t.Fatalf("PAUSED subaccounts must not be reconciled, got %d corrections", corrected)
	}
}

func TestLedgerIdempotence(t *testing.T) {
	// A duplicated deposit hash applies once; the withdraw still lands.
	st := newFakeStore(sub(1, types.SubaccountActive, 0, 0))
	ex := &fakeExchange{stream: make(chan types.LedgerUpdate, 8)}

	updates := []types.LedgerUpdate{
		{Hash: "A", UpdateType: "deposit", Direction: types.LedgerIn, Amount: decimal.NewFromInt(100)},
		{Hash: "A", UpdateType: "deposit", Direction: types.LedgerIn, Amount: decimal.NewFromInt(100)},
		{Hash: "B", UpdateType: "withdraw", Direction: types.LedgerOut, Amount: decimal.NewFromInt(30)},
	}
	for _, u := range updates {
		ex.stream <- u
	}
	close(ex.stream)

	r := newReconciler(st, ex)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if allocated, _ := st.subs[1].AllocatedCapital.Float64(); allocated != 70 {
		t.Errorf("allocated_capital = %v, want 70", allocated)
	}
	if len(st.applied) != 2 {
		t.Errorf("expected 2 distinct hashes recorded, got %d", len(st.applied))
	}
}

func TestWithdrawNeverGoesNegative(t *testing.T) {
	st := newFakeStore(sub(1, types.SubaccountActive, 10, 10))
	ex := &fakeExchange{stream: make(chan types.LedgerUpdate, 1)}
	ex.stream <- types.LedgerUpdate{
		Hash: "C", UpdateType: "withdraw", Direction: types.LedgerOut, Amount: decimal.NewFromInt(500),
	}
	close(ex.stream)

	if err := newReconciler(st, ex).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !st.subs[1].AllocatedCapital.IsZero() {
		t.Errorf("allocated_capital = %s, want 0", st.subs[1].AllocatedCapital)
	}
}
