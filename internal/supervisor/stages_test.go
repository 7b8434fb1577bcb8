package supervisor_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/config"
	"github.com/sixbtc/pipeline/internal/strategy"
	"github.com/sixbtc/pipeline/internal/supervisor"
	"github.com/sixbtc/pipeline/internal/validator"
	"github.com/sixbtc/pipeline/pkg/types"
)

type transition struct {
	id    uuid.UUID
	from  types.StrategyStatus
	to    types.StrategyStatus
	event types.StrategyEventType
	patch map[string]interface{}
}

type fakeStore struct {
	claimable   map[types.StrategyStatus][]*types.Strategy
	counts      map[types.StrategyStatus]int
	transitions []transition
	released    []uuid.UUID
	claims      int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		claimable: make(map[types.StrategyStatus][]*types.Strategy),
		counts:    make(map[types.StrategyStatus]int),
	}
}

func (f *fakeStore) ClaimBatch(ctx context.Context, status types.StrategyStatus, worker string, limit int, staleAfter time.Duration) ([]*types.Strategy, error) {
	f.claims++
	batch := f.claimable[status]
	f.claimable[status] = nil
	return batch, nil
}

func (f *fakeStore) CommitTransition(ctx context.Context, strategyID uuid.UUID, worker string, from, to types.StrategyStatus, patch map[string]interface{}, event types.StrategyEventType, detail map[string]interface{}) error {
	f.transitions = append(f.transitions, transition{strategyID, from, to, event, patch})
	return nil
}

func (f *fakeStore) ReleaseClaim(ctx context.Context, strategyID uuid.UUID, worker string) error {
	f.released = append(f.released, strategyID)
	return nil
}

func (f *fakeStore) ReleaseAllClaims(ctx context.Context, worker string) (int64, error) {
	return 0, nil
}

func (f *fakeStore) SweepStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	return 0, nil
}

func (f *fakeStore) CountByStatus(ctx context.Context, status types.StrategyStatus) (int, error) {
	return f.counts[status], nil
}

func (f *fakeStore) SaveBacktestResult(ctx context.Context, r *types.BacktestResult) error {
	return nil
}

func (f *fakeStore) AppendEvent(ctx context.Context, strategyID *uuid.UUID, event types.StrategyEventType, detail map[string]interface{}, duration time.Duration) error {
	return nil
}

func (f *fakeStore) ListSubaccounts(ctx context.Context) ([]*types.Subaccount, error) {
	return nil, nil
}

type fakeCache struct {
	bars []types.OHLCV
	err  error
}

func (f *fakeCache) Load(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error) {
	return f.bars, f.err
}

type fixedScorer struct{ score float64 }

func (f fixedScorer) Score(m *backtester.Metrics, cv float64) float64 { return f.score }

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.ClaimBatchSize = 10
	cfg.Pipeline.MaxClaimAgeMinutes = 10
	cfg.Backtesting.ISDays = 30
	cfg.Backtesting.OOSDays = 10
	cfg.Backtesting.ParallelWorkers = 2
	cfg.ActivePool.MaxSize = 50
	cfg.ActivePool.MinScore = 50
	return cfg
}

// trendBars returns a steadily rising series so a momentum strategy opens
// at least one profitable long.
func trendBars(n int) []types.OHLCV {
	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	out := make([]types.OHLCV, n)
	price := 100.0
	for i := range out {
		price *= 1.01
		p := decimal.NewFromFloat(price)
		out[i] = types.OHLCV{
			Timestamp: start.Add(time.Duration(i) * 15 * time.Minute),
			Open:      p, High: p.Mul(decimal.NewFromFloat(1.002)),
			Low: p.Mul(decimal.NewFromFloat(0.998)), Close: p,
			Volume: decimal.NewFromInt(1000),
		}
	}
	return out
}

func newSupervisor(st *fakeStore, cache *fakeCache, score float64) *supervisor.Supervisor {
	registry := backtester.NewRegistry()
	strategy.RegisterBuiltins(registry)
	engine := backtester.New(backtester.DefaultConfig(decimal.NewFromInt(10000)), nil)

	return supervisor.New(zap.NewNop(), testConfig(), supervisor.Deps{
		Store:    st,
		Cache:    cache,
		Registry: registry,
		Engine:   engine,
		Valid:    validator.New(),
		Scorer:   fixedScorer{score},
	})
}

func generated(kind string, code string) *types.Strategy {
	return &types.Strategy{
		ID:               uuid.New(),
		Name:             fmt.Sprintf("%s-test", kind),
		StrategyType:     kind,
		Code:             code,
		BaseCodeHash:     "hash",
		OptimalTimeframe: types.Timeframe15m,
		BacktestPairs:    []string{"BTC"},
		Status:           types.StrategyGenerated,
	}
}

func TestValidationFailsLookaheadStrategy(t *testing.T) {
	st := newFakeStore()
	st.claimable[types.StrategyGenerated] = []*types.Strategy{
		generated("MOM", `Rolling(close, 20, true)`),
	}
	sup := newSupervisor(st, &fakeCache{bars: trendBars(100)}, 90)

	sup.RunValidationCycle(context.Background())

	if len(st.transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(st.transitions))
	}
	tr := st.transitions[0]
	if tr.to != types.StrategyFailed || tr.event != types.EventValidationFail {
		t.Fatalf("expected FAILED via validation fail, got %s/%s", tr.to, tr.event)
	}
	if tr.patch["failure_reason"] != "lookahead_bias" {
		t.Errorf("failure_reason = %v, want lookahead_bias", tr.patch["failure_reason"])
	}
}

func TestValidationReleasesClaimOnDataOutage(t *testing.T) {
	st := newFakeStore()
	item := generated("MOM", `Sub(close, sma20)`)
	st.claimable[types.StrategyGenerated] = []*types.Strategy{item}
	sup := newSupervisor(st, &fakeCache{err: fmt.Errorf("feed down")}, 90)

	sup.RunValidationCycle(context.Background())

	if len(st.transitions) != 0 {
		t.Fatalf("a data outage must not fail the strategy, got %v", st.transitions)
	}
	if len(st.released) != 1 || st.released[0] != item.ID {
		t.Fatalf("expected the claim released for retry, got %v", st.released)
	}
}

func TestBacktestBackpressureWhenPoolFull(t *testing.T) {
	st := newFakeStore()
	st.counts[types.StrategyActive] = 50
	st.claimable[types.StrategyValidated] = []*types.Strategy{generated("MOM", `x`)}
	sup := newSupervisor(st, &fakeCache{bars: trendBars(100)}, 90)

	sup.RunBacktestCycle(context.Background())

	if st.claims != 0 {
		t.Fatal("backtest cycle must not claim while the active pool is full")
	}
}

func TestBacktestActivatesPassingStrategy(t *testing.T) {
	st := newFakeStore()
	item := generated("MOM", `Sub(close, sma20)`)
	item.Status = types.StrategyValidated
	st.claimable[types.StrategyValidated] = []*types.Strategy{item}
	sup := newSupervisor(st, &fakeCache{bars: trendBars(200)}, 90)

	sup.RunBacktestCycle(context.Background())

	if len(st.transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(st.transitions))
	}
	tr := st.transitions[0]
	if tr.to != types.StrategyActive || tr.event != types.EventActivated {
		t.Fatalf("expected ACTIVE via activation, got %s/%s", tr.to, tr.event)
	}
	if tr.patch["score_backtest"] != 90.0 {
		t.Errorf("score patch = %v, want 90", tr.patch["score_backtest"])
	}
}

func TestBacktestRejectsLowScore(t *testing.T) {
	st := newFakeStore()
	item := generated("MOM", `Sub(close, sma20)`)
	item.Status = types.StrategyValidated
	st.claimable[types.StrategyValidated] = []*types.Strategy{item}
	sup := newSupervisor(st, &fakeCache{bars: trendBars(200)}, 10)

	sup.RunBacktestCycle(context.Background())

	if len(st.transitions) != 1 {
		t.Fatalf("expected 1 transition, got %d", len(st.transitions))
	}
	tr := st.transitions[0]
	if tr.to != types.StrategyFailed {
		t.Fatalf("expected FAILED on low score, got %s", tr.to)
	}
	if tr.patch["failure_reason"] != "score_below_threshold" {
		t.Errorf("failure_reason = %v, want score_below_threshold", tr.patch["failure_reason"])
	}
}
