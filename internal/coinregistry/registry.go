// Package coinregistry implements CoinRegistry: per-symbol trading
// parameters (max leverage, tick size, minimum notional) with fail-fast
// lookups for unknown symbols and a Redis-backed shared snapshot cache so
// multiple PipelineSupervisor processes avoid duplicating source reads.
//
// There is deliberately no default leverage for an unknown symbol: lookups
// return pipelineerr.ErrUnknownSymbol and the caller fails that item.
package coinregistry

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
)

// CoinSpec is the per-symbol parameter row.
type CoinSpec struct {
	Symbol       string          `json:"symbol"`
	MaxLeverage  int             `json:"maxLeverage"`
	TickSize     decimal.Decimal `json:"tickSize"`
	MinNotional  decimal.Decimal `json:"minNotional"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Source loads the authoritative symbol table, e.g. from the relational
// store or a config file. LatestUpdatedAt is the cheap staleness probe:
// the newest updated_at across all rows, without loading them.
type Source interface {
	LoadCoinSpecs(ctx context.Context) ([]CoinSpec, error)
	LatestUpdatedAt(ctx context.Context) (time.Time, error)
}

const redisKey = "coinregistry:snapshot"

// Registry is the CoinRegistry.
type Registry struct {
	logger *zap.Logger
	source Source
	rdb    *redis.Client

	mu       sync.RWMutex
	specs    map[string]CoinSpec
	loadedAt time.Time
}

// New builds a Registry. rdb may be nil, in which case the shared cache is
// skipped and every process refreshes independently from source.
func New(logger *zap.Logger, source Source, rdb *redis.Client) *Registry {
	return &Registry{
		logger: logger,
		source: source,
		rdb:    rdb,
		specs:  make(map[string]CoinSpec),
	}
}

// Refresh reconciles the snapshot against the source's updated_at
// watermark: if nothing advanced past what this process already holds, the
// call is a no-op; if the shared Redis snapshot is still at the watermark,
// it is adopted; otherwise the full table is reloaded from source and
// republished. A failed watermark probe falls through to a full reload —
// stale-on-error would defeat the check's whole purpose.
func (r *Registry) Refresh(ctx context.Context) error {
	watermark, err := r.source.LatestUpdatedAt(ctx)
	if err != nil {
		r.logger.Warn("coinregistry: watermark probe failed, forcing full reload", zap.Error(err))
		watermark = time.Time{}
	}

	r.mu.RLock()
	have := r.loadedAt
	populated := len(r.specs) > 0
	r.mu.RUnlock()

	if populated && !watermark.IsZero() && !watermark.After(have) {
		return nil
	}

	if r.rdb != nil && !watermark.IsZero() {
		if specs, ok := r.tryRedis(ctx); ok {
			if !watermark.After(latestUpdatedAt(specs)) {
				r.set(specs)
				return nil
			}
			// The shared snapshot is behind the source; fall through and
			// republish a fresh one.
		}
	}

	specs, err := r.source.LoadCoinSpecs(ctx)
	if err != nil {
		return &pipelineerr.DataError{Op: "coinregistry refresh", Err: err}
	}
	r.set(specs)

	if r.rdb != nil {
		r.writeRedis(ctx, specs)
	}
	return nil
}

// latestUpdatedAt is the snapshot's watermark: the newest updated_at among
// its rows.
func latestUpdatedAt(specs []CoinSpec) time.Time {
	latest := time.Time{}
	for _, s := range specs {
		if s.UpdatedAt.After(latest) {
			latest = s.UpdatedAt
		}
	}
	return latest
}

func (r *Registry) tryRedis(ctx context.Context) ([]CoinSpec, bool) {
	raw, err := r.rdb.Get(ctx, redisKey).Bytes()
	if err != nil {
		return nil, false
	}
	var specs []CoinSpec
	if err := json.Unmarshal(raw, &specs); err != nil {
		r.logger.Warn("coinregistry: corrupt redis snapshot", zap.Error(err))
		return nil, false
	}
	return specs, true
}

func (r *Registry) writeRedis(ctx context.Context, specs []CoinSpec) {
	raw, err := json.Marshal(specs)
	if err != nil {
		return
	}
	if err := r.rdb.Set(ctx, redisKey, raw, 5*time.Minute).Err(); err != nil {
		r.logger.Warn("coinregistry: failed to populate redis cache", zap.Error(err))
	}
}

func (r *Registry) set(specs []CoinSpec) {
	m := make(map[string]CoinSpec, len(specs))
	for _, s := range specs {
		m[s.Symbol] = s
	}
	r.mu.Lock()
	r.specs = m
	r.loadedAt = latestUpdatedAt(specs)
	r.mu.Unlock()
}

// MaxLeverage returns the leverage cap for symbol. It fails — no default —
// if the symbol has no registry row.
func (r *Registry) MaxLeverage(symbol string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[symbol]
	if !ok {
		return 0, pipelineerr.ErrUnknownSymbol
	}
	return spec.MaxLeverage, nil
}

// Spec returns the full CoinSpec for symbol.
func (r *Registry) Spec(symbol string) (CoinSpec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[symbol]
	if !ok {
		return CoinSpec{}, pipelineerr.ErrUnknownSymbol
	}
	return spec, nil
}

// Symbols returns every known symbol.
func (r *Registry) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.specs))
	for s := range r.specs {
		out = append(out, s)
	}
	return out
}
