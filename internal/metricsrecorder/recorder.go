// Package metricsrecorder takes periodic snapshots of pipeline health from
// the append-only event log. Events outlive the strategies that emitted
// them, so success and failure rates stay accurate no matter what cleanup
// deletes — current row counts only feed the queue-depth side of the
// snapshot.
package metricsrecorder

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/store"
	"github.com/sixbtc/pipeline/pkg/types"
)

// Store is the slice of the StrategyStore the recorder reads and writes.
type Store interface {
	CountsByStatus(ctx context.Context) (map[types.StrategyStatus]int, error)
	RecentEvents(ctx context.Context, since time.Time) ([]*types.StrategyEvent, error)
	ActivePoolQuality(ctx context.Context) (*store.PoolQuality, error)
	GenerationModeBreakdown(ctx context.Context) (map[string]int, error)
	SaveMetricsSnapshot(ctx context.Context, snap *types.MetricsSnapshot) error
}

// Limits are the queue caps utilisation is measured against.
type Limits struct {
	Generated int
	Validated int
	Active    int
	Live      int
}

// Recorder collects one snapshot per collection interval.
type Recorder struct {
	logger   *zap.Logger
	store    Store
	interval time.Duration
	limits   Limits

	queueDepth   *prometheus.GaugeVec
	throughput   *prometheus.GaugeVec
	successRate  *prometheus.GaugeVec
	utilization  *prometheus.GaugeVec
	healthStatus prometheus.Gauge
}

// New builds a Recorder and registers its gauges on reg. reg may be nil to
// skip Prometheus export (tests).
func New(logger *zap.Logger, s Store, interval time.Duration, limits Limits, reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		logger:   logger,
		store:    s,
		interval: interval,
		limits:   limits,
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_depth",
			Help: "Strategies per lifecycle status.",
		}, []string{"status"}),
		throughput: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_throughput_per_hour",
			Help: "Stage throughput in events per hour over the last collection interval.",
		}, []string{"stage"}),
		successRate: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_success_rate",
			Help: "Stage success rate over the last collection interval.",
		}, []string{"stage"}),
		utilization: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "pipeline_queue_utilization",
			Help: "Queue depth divided by its configured limit.",
		}, []string{"queue"}),
		healthStatus: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pipeline_health_status",
			Help: "Overall pipeline health: 0 healthy, 1 degraded, 2 critical.",
		}),
	}
	if reg != nil {
		reg.MustRegister(r.queueDepth, r.throughput, r.successRate, r.utilization, r.healthStatus)
	}
	return r
}

// CollectSnapshot assembles and persists one snapshot row, updating the
// Prometheus gauges with the same numbers.
func (r *Recorder) CollectSnapshot(ctx context.Context) (*types.MetricsSnapshot, error) {
	depths, err := r.store.CountsByStatus(ctx)
	if err != nil {
		return nil, err
	}

	events, err := r.store.RecentEvents(ctx, time.Now().UTC().Add(-r.interval))
	if err != nil {
		return nil, err
	}

	counts := countEvents(events)
	windowHours := r.interval.Hours()

	snap := &types.MetricsSnapshot{
		Timestamp:      time.Now().UTC(),
		QueueGenerated: depths[types.StrategyGenerated],
		QueueValidated: depths[types.StrategyValidated],
		QueueActive:    depths[types.StrategyActive],
		QueueLive:      depths[types.StrategyLive],
		QueueRetired:   depths[types.StrategyRetired],
		QueueFailed:    depths[types.StrategyFailed],
	}

	if windowHours > 0 {
		snap.ThroughputGeneration = float64(counts[types.EventGenerated]) / windowHours
		snap.ThroughputValidation = float64(counts[types.EventValidationPass]+counts[types.EventValidationFail]) / windowHours
		snap.ThroughputBacktesting = float64(counts[types.EventActivated]) / windowHours
	}

	snap.UtilizationGenerated = utilization(snap.QueueGenerated, r.limits.Generated)
	snap.UtilizationValidated = utilization(snap.QueueValidated, r.limits.Validated)
	snap.UtilizationActive = utilization(snap.QueueActive, r.limits.Active)

	snap.SuccessRateValidation = successRate(counts[types.EventValidationPass], counts[types.EventValidationFail])

	// A completed backtest that never produced an ACTIVATED event was
	// rejected at scoring, shuffle, or multi-window; that difference is the
	// stage's failure count.
	backtestFailures := counts[types.EventBacktestDone] - counts[types.EventActivated]
	if backtestFailures < 0 {
		backtestFailures = 0
	}
	snap.SuccessRateBacktesting = successRate(counts[types.EventActivated], backtestFailures)

	if quality, err := r.store.ActivePoolQuality(ctx); err == nil && quality != nil {
		snap.AvgSharpe = quality.AvgSharpe
		snap.AvgWinRate = quality.AvgWinRate
		snap.AvgExpectancy = quality.AvgExpectancy
	}

	if modes, err := r.store.GenerationModeBreakdown(ctx); err == nil {
		for mode, n := range modes {
			if mode == "pattern" {
				snap.PatternCount += n
			} else {
				snap.AICount += n
			}
		}
	}

	snap.OverallStatus = OverallStatus(snap.QueueActive, snap.QueueLive, snap.SuccessRateBacktesting, counts[types.EventActivated]+backtestFailures > 0)

	if err := r.store.SaveMetricsSnapshot(ctx, snap); err != nil {
		return nil, err
	}

	r.export(snap)
	r.logger.Info("metrics snapshot",
		zap.String("status", snap.OverallStatus),
		zap.Int("generated", snap.QueueGenerated),
		zap.Int("validated", snap.QueueValidated),
		zap.Int("active", snap.QueueActive),
		zap.Int("live", snap.QueueLive),
		zap.Float64("validation_rate", snap.SuccessRateValidation),
		zap.Float64("backtest_rate", snap.SuccessRateBacktesting))
	return snap, nil
}

// OverallStatus is the health tag: critical when the pipeline has nothing
// deployed or deployable and backtests are almost never passing, degraded
// when the pool is empty or thin, healthy otherwise.
func OverallStatus(activeCount, liveCount int, backtestRate float64, haveBacktestData bool) string {
	if activeCount == 0 && liveCount == 0 {
		if haveBacktestData && backtestRate < 0.01 {
			return "critical"
		}
		return "degraded"
	}
	if activeCount < 10 {
		return "degraded"
	}
	return "healthy"
}

func (r *Recorder) export(snap *types.MetricsSnapshot) {
	r.queueDepth.WithLabelValues("generated").Set(float64(snap.QueueGenerated))
	r.queueDepth.WithLabelValues("validated").Set(float64(snap.QueueValidated))
	r.queueDepth.WithLabelValues("active").Set(float64(snap.QueueActive))
	r.queueDepth.WithLabelValues("live").Set(float64(snap.QueueLive))
	r.queueDepth.WithLabelValues("retired").Set(float64(snap.QueueRetired))
	r.queueDepth.WithLabelValues("failed").Set(float64(snap.QueueFailed))

	r.throughput.WithLabelValues("generation").Set(snap.ThroughputGeneration)
	r.throughput.WithLabelValues("validation").Set(snap.ThroughputValidation)
	r.throughput.WithLabelValues("backtesting").Set(snap.ThroughputBacktesting)

	r.successRate.WithLabelValues("validation").Set(snap.SuccessRateValidation)
	r.successRate.WithLabelValues("backtesting").Set(snap.SuccessRateBacktesting)

	r.utilization.WithLabelValues("generated").Set(snap.UtilizationGenerated)
	r.utilization.WithLabelValues("validated").Set(snap.UtilizationValidated)
	r.utilization.WithLabelValues("active").Set(snap.UtilizationActive)

	switch snap.OverallStatus {
	case "critical":
		r.healthStatus.Set(2)
	case "degraded":
		r.healthStatus.Set(1)
	default:
		r.healthStatus.Set(0)
	}
}

func countEvents(events []*types.StrategyEvent) map[types.StrategyEventType]int {
	out := make(map[types.StrategyEventType]int)
	for _, ev := range events {
		out[ev.EventType]++
	}
	return out
}

func utilization(depth, limit int) float64 {
	if limit <= 0 {
		return 0
	}
	return float64(depth) / float64(limit)
}

func successRate(passed, failed int) float64 {
	total := passed + failed
	if total == 0 {
		return 0
	}
	return float64(passed) / float64(total)
}
