// Package selector picks the top strategies from the ACTIVE pool for LIVE
// deployment, under score and diversification constraints. Selection is
// read-only; the Deployer performs the actual transitions.
package selector

import (
	"context"

	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/pkg/types"
)

// Store is the read-only slice of the StrategyStore the selector needs.
type Store interface {
	GetByStatus(ctx context.Context, status types.StrategyStatus, orderByScoreDesc bool) ([]*types.Strategy, error)
	CountByStatus(ctx context.Context, status types.StrategyStatus) (int, error)
}

// Config carries the selection thresholds. MinScore is the single
// threshold shared with ACTIVE admission: every ACTIVE strategy at or above
// it is LIVE-eligible.
type Config struct {
	MinScore          float64
	MaxLiveStrategies int
	MinPoolSize       int
	MaxPerType        int
	MaxPerTimeframe   int
}

// Selector implements the diversification-aware top-N selection.
type Selector struct {
	logger *zap.Logger
	store  Store
	cfg    Config
}

// New builds a Selector.
func New(logger *zap.Logger, store Store, cfg Config) *Selector {
	return &Selector{logger: logger, store: store, cfg: cfg}
}

// GetCandidates returns up to slotsAvailable ACTIVE strategies, score
// descending, skipping any that would push a strategy type or timeframe
// past its diversification cap when counted together with the current LIVE
// set.
func (s *Selector) GetCandidates(ctx context.Context, slotsAvailable int) ([]*types.Strategy, error) {
	if slotsAvailable <= 0 {
		return nil, nil
	}

	eligible, err := s.store.GetByStatus(ctx, types.StrategyActive, true)
	if err != nil {
		return nil, err
	}

	live, err := s.store.GetByStatus(ctx, types.StrategyLive, false)
	if err != nil {
		return nil, err
	}

	typeCounts := make(map[string]int)
	tfCounts := make(map[types.Timeframe]int)
	for _, st := range live {
		typeCounts[st.StrategyType]++
		tfCounts[st.OptimalTimeframe]++
	}

	var candidates []*types.Strategy
	for _, st := range eligible {
		if len(candidates) >= slotsAvailable {
			break
		}
		score, _ := st.ScoreBacktest.Float64()
		if score < s.cfg.MinScore {
			// eligible is score-descending, so nothing after this passes
			// the threshold either.
			break
		}

		if typeCounts[st.StrategyType] >= s.cfg.MaxPerType {
			s.logger.Debug("skipped by type cap",
				zap.String("strategy", st.Name),
				zap.String("type", st.StrategyType))
			continue
		}
		if tfCounts[st.OptimalTimeframe] >= s.cfg.MaxPerTimeframe {
			s.logger.Debug("skipped by timeframe cap",
				zap.String("strategy", st.Name),
				zap.String("timeframe", string(st.OptimalTimeframe)))
			continue
		}

		candidates = append(candidates, st)
		typeCounts[st.StrategyType]++
		tfCounts[st.OptimalTimeframe]++
	}

	s.logger.Info("selection complete",
		zap.Int("candidates", len(candidates)),
		zap.Int("eligible", len(eligible)),
		zap.Int("slots", slotsAvailable))
	return candidates, nil
}

// FreeSlots returns how many LIVE slots remain under MaxLiveStrategies.
func (s *Selector) FreeSlots(ctx context.Context) (int, error) {
	liveCount, err := s.store.CountByStatus(ctx, types.StrategyLive)
	if err != nil {
		return 0, err
	}
	free := s.cfg.MaxLiveStrategies - liveCount
	if free < 0 {
		free = 0
	}
	return free, nil
}

// IsPoolReady reports whether the ACTIVE pool has reached MinPoolSize.
// While warming up, selection returns nothing so early mediocre strategies
// don't grab LIVE slots ahead of a fuller field.
func (s *Selector) IsPoolReady(ctx context.Context) (bool, error) {
	if s.cfg.MinPoolSize <= 0 {
		return true, nil
	}
	activeCount, err := s.store.CountByStatus(ctx, types.StrategyActive)
	if err != nil {
		return false, err
	}
	return activeCount >= s.cfg.MinPoolSize, nil
}

// Stats is the selection-state summary exposed for logging and snapshots.
type Stats struct {
	ActiveCount           int
	LiveCount             int
	MaxLive               int
	MinPoolSize           int
	PoolReady             bool
	FreeSlots             int
	TypeDistribution      map[string]int
	TimeframeDistribution map[types.Timeframe]int
}

// SelectionStats gathers current pool/live counts and LIVE distribution.
func (s *Selector) SelectionStats(ctx context.Context) (*Stats, error) {
	activeCount, err := s.store.CountByStatus(ctx, types.StrategyActive)
	if err != nil {
		return nil, err
	}
	live, err := s.store.GetByStatus(ctx, types.StrategyLive, false)
	if err != nil {
		return nil, err
	}

	typeDist := make(map[string]int)
	tfDist := make(map[types.Timeframe]int)
	for _, st := range live {
		typeDist[st.StrategyType]++
		tfDist[st.OptimalTimeframe]++
	}

	free := s.cfg.MaxLiveStrategies - len(live)
	if free < 0 {
		free = 0
	}
	return &Stats{
		ActiveCount:           activeCount,
		LiveCount:             len(live),
		MaxLive:               s.cfg.MaxLiveStrategies,
		MinPoolSize:           s.cfg.MinPoolSize,
		PoolReady:             s.cfg.MinPoolSize <= 0 || activeCount >= s.cfg.MinPoolSize,
		FreeSlots:             free,
		TypeDistribution:      typeDist,
		TimeframeDistribution: tfDist,
	}, nil
}
