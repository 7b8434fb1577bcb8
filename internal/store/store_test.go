package store_test

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/store"
	"github.com/sixbtc/pipeline/pkg/types"
)

func TestCanTransitionDAG(t *testing.T) {
	cases := []struct {
		from, to types.StrategyStatus
		want     bool
	}{
		{types.StrategyGenerated, types.StrategyValidated, true},
		{types.StrategyGenerated, types.StrategyActive, false},
		{types.StrategyValidated, types.StrategyActive, true},
		{types.StrategyActive, types.StrategyLive, true},
		{types.StrategyActive, types.StrategyGenerated, false},
		{types.StrategyLive, types.StrategyActive, false},
		{types.StrategyRetired, types.StrategyActive, false},
		{types.StrategyFailed, types.StrategyValidated, false},
	}

	for _, c := range cases {
		if got := types.CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

// TestStoreClaimAndCommit exercises the claim/commit/stale-claim protocol
// against a real Postgres instance. It is skipped unless
// PIPELINE_TEST_DATABASE_DSN is set, keeping fast unit tests hermetic and
// gating anything needing external infrastructure behind an explicit
// opt-in.
func TestStoreClaimAndCommit(t *testing.T) {
	dsn := os.Getenv("PIPELINE_TEST_DATABASE_DSN")
	if dsn == "" {
		t.Skip("PIPELINE_TEST_DATABASE_DSN not set, skipping integration test")
	}

	logger := zap.NewNop()
	s, err := store.New(logger, dsn)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer s.Close()

	if err := s.Migrate(); err != nil {
		t.Fatalf("Migrate: %v", err)
	}

	ctx := context.Background()

	claimed, err := s.ClaimBatch(ctx, types.StrategyGenerated, "worker-1", 10, time.Minute)
	if err != nil {
		t.Fatalf("ClaimBatch: %v", err)
	}

	for _, strat := range claimed {
		err := s.CommitTransition(ctx, strat.ID, "worker-1",
			types.StrategyGenerated, types.StrategyValidated,
			map[string]interface{}{}, types.EventValidationPass, nil)
		if err != nil {
			t.Fatalf("CommitTransition: %v", err)
		}

		// A second commit attempt with the same claim must now fail: the
		// row has already moved and the claim was cleared.
		err = s.CommitTransition(ctx, strat.ID, "worker-1",
			types.StrategyGenerated, types.StrategyValidated,
			map[string]interface{}{}, types.EventValidationPass, nil)
		if err == nil {
			t.Fatalf("expected stale claim error on repeat commit")
		}
	}
}
