// Package supervisor owns the pipeline's worker loops: one cadence per
// stage, claims serialised through the StrategyStore, cooperative shutdown
// at batch boundaries. The supervisor is the only component that knows the
// whole wiring; every stage underneath it stays independently testable.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/backtester"
	"github.com/sixbtc/pipeline/internal/config"
	"github.com/sixbtc/pipeline/internal/deployer"
	"github.com/sixbtc/pipeline/internal/metricsrecorder"
	"github.com/sixbtc/pipeline/internal/reconciler"
	"github.com/sixbtc/pipeline/internal/selector"
	"github.com/sixbtc/pipeline/internal/tradesync"
	"github.com/sixbtc/pipeline/internal/validator"
	"github.com/sixbtc/pipeline/internal/workers"
	"github.com/sixbtc/pipeline/pkg/types"
)

// StrategyStore is the store surface the stage workers run against.
type StrategyStore interface {
	ClaimBatch(ctx context.Context, status types.StrategyStatus, worker string, limit int, staleAfter time.Duration) ([]*types.Strategy, error)
	CommitTransition(ctx context.Context, strategyID uuid.UUID, worker string, from, to types.StrategyStatus, patch map[string]interface{}, event types.StrategyEventType, detail map[string]interface{}) error
	ReleaseClaim(ctx context.Context, strategyID uuid.UUID, worker string) error
	ReleaseAllClaims(ctx context.Context, worker string) (int64, error)
	SweepStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error)
	CountByStatus(ctx context.Context, status types.StrategyStatus) (int, error)
	SaveBacktestResult(ctx context.Context, r *types.BacktestResult) error
	AppendEvent(ctx context.Context, strategyID *uuid.UUID, event types.StrategyEventType, detail map[string]interface{}, duration time.Duration) error
	ListSubaccounts(ctx context.Context) ([]*types.Subaccount, error)
}

// CandleLoader is the market-data surface the workers read bars through.
type CandleLoader interface {
	Load(ctx context.Context, symbol string, tf types.Timeframe, start, end time.Time) ([]types.OHLCV, error)
}

// Supervisor wires and schedules every pipeline stage.
type Supervisor struct {
	logger *zap.Logger
	cfg    *config.Config

	store    StrategyStore
	cache    CandleLoader
	registry *backtester.Registry
	engine   *backtester.Engine
	valid    *validator.Validator
	mw       *validator.MultiWindowValidator
	scorer   Scorer
	selector *selector.Selector
	deployer *deployer.Deployer
	recon    *reconciler.Reconciler
	syncer   *tradesync.Syncer
	recorder *metricsrecorder.Recorder

	backtestPool *workers.Pool
	cron         *cron.Cron
	hostname     string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    sync.WaitGroup
}

// Scorer is the scoring surface the backtest worker gates and scores with.
type Scorer interface {
	Score(m *backtester.Metrics, multiWindowCV float64) float64
}

// Deps bundles the constructor's collaborators.
type Deps struct {
	Store    StrategyStore
	Cache    CandleLoader
	Registry *backtester.Registry
	Engine   *backtester.Engine
	Valid    *validator.Validator
	MW       *validator.MultiWindowValidator
	Scorer   Scorer
	Selector *selector.Selector
	Deployer *deployer.Deployer
	Recon    *reconciler.Reconciler
	Syncer   *tradesync.Syncer
	Recorder *metricsrecorder.Recorder
}

// New builds a Supervisor. Any nil optional collaborator (Recon, Syncer,
// Recorder) simply leaves its stage unscheduled.
func New(logger *zap.Logger, cfg *config.Config, deps Deps) *Supervisor {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "pipeline"
	}
	return &Supervisor{
		logger:   logger,
		cfg:      cfg,
		store:    deps.Store,
		cache:    deps.Cache,
		registry: deps.Registry,
		engine:   deps.Engine,
		valid:    deps.Valid,
		mw:       deps.MW,
		scorer:   deps.Scorer,
		selector: deps.Selector,
		deployer: deps.Deployer,
		recon:    deps.Recon,
		syncer:   deps.Syncer,
		recorder: deps.Recorder,
		backtestPool: workers.NewPool(logger, "backtest",
			cfg.Backtesting.ParallelWorkers, cfg.Pipeline.ClaimBatchSize),
		hostname: hostname,
	}
}

// workerID gives each stage a stable claim identity distinct per host, so
// ReleaseAllClaims on shutdown frees exactly this process's claims.
func (s *Supervisor) workerID(stage string) string {
	return fmt.Sprintf("%s-%s", stage, s.hostname)
}

func (s *Supervisor) maxClaimAge() time.Duration {
	return time.Duration(s.cfg.Pipeline.MaxClaimAgeMinutes) * time.Minute
}

// Start runs the startup catch-up, then schedules every stage. It returns
// once scheduling is in place; the workers run on the cron scheduler and
// their own goroutines until Stop.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	// Balance reconciliation catch-up runs to completion before any worker
	// starts, so every stage sees capital numbers the exchange agrees with.
	if s.recon != nil {
		if _, err := s.recon.StartupCatchup(runCtx); err != nil {
			cancel()
			return err
		}
		s.done.Add(1)
		go func() {
			defer s.done.Done()
			if err := s.recon.Run(runCtx); err != nil {
				s.logger.Error("ledger stream stopped", zap.Error(err))
			}
		}()
	}

	s.backtestPool.Start()

	c := cron.New()
	schedule := func(seconds int, name string, fn func(context.Context)) {
		if seconds <= 0 {
			return
		}
		spec := fmt.Sprintf("@every %ds", seconds)
		if _, err := c.AddFunc(spec, func() {
			if runCtx.Err() != nil {
				return
			}
			fn(runCtx)
		}); err != nil {
			s.logger.Error("cannot schedule worker",
				zap.String("worker", name), zap.Error(err))
		}
	}

	schedule(s.cfg.Pipeline.ValidationIntervalSeconds, "validation", s.RunValidationCycle)
	schedule(s.cfg.Pipeline.BacktestIntervalSeconds, "backtest", s.RunBacktestCycle)
	schedule(s.cfg.Rotator.CheckIntervalMin*60, "rotation", s.RunRotationCycle)
	schedule(s.cfg.Pipeline.SweepIntervalSeconds, "sweep", s.RunSweepCycle)
	if s.syncer != nil {
		schedule(s.cfg.Pipeline.TradeSyncIntervalSeconds, "trade_sync", s.RunTradeSyncCycle)
	}
	if s.recorder != nil {
		schedule(s.cfg.Metrics.CollectionIntervalSeconds, "metrics", s.RunMetricsCycle)
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("pipeline supervisor started")
	return nil
}

// Stop cancels the workers, waits for in-flight batches, and releases every
// claim this process still holds so the next worker generation can pick the
// rows straight back up.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}

	if s.cron != nil {
		stopCtx := s.cron.Stop()
		<-stopCtx.Done()
	}
	s.cancel()
	s.done.Wait()
	s.backtestPool.Stop()

	releaseCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, stage := range []string{"validation", "backtest"} {
		if n, err := s.store.ReleaseAllClaims(releaseCtx, s.workerID(stage)); err != nil {
			s.logger.Warn("claim release failed",
				zap.String("stage", stage), zap.Error(err))
		} else if n > 0 {
			s.logger.Info("released claims on shutdown",
				zap.String("stage", stage), zap.Int64("count", n))
		}
	}

	s.running = false
	s.logger.Info("pipeline supervisor stopped")
}
