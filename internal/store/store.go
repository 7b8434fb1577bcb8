// Package store implements StrategyStore, the single-writer-per-row
// persistence layer the lifecycle pipeline claims work from. The claim
// protocol is a compare-and-swap expressed as a guarded SQL UPDATE ...
// RETURNING against Postgres.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// Store is the StrategyStore: claim/commit/release over a Postgres-backed
// strategies table, plus an append-only strategy_events table.
type Store struct {
	db     *sqlx.DB
	logger *zap.Logger

	mu         sync.RWMutex
	countCache map[types.StrategyStatus]int
	cacheAt    time.Time
}

// New opens a connection pool against dsn and verifies connectivity.
func New(logger *zap.Logger, dsn string) (*Store, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "connect", Err: err}
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	return &Store{
		db:         db,
		logger:     logger,
		countCache: make(map[types.StrategyStatus]int),
	}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// ClaimBatch atomically claims up to limit rows in status for worker,
// skipping rows already claimed by a live worker (claim younger than
// staleAfter). It is the sole entry point that moves ownership of a row to
// a worker; callers must ReleaseClaim or CommitTransition before the claim
// goes stale.
func (s *Store) ClaimBatch(ctx context.Context, status types.StrategyStatus, worker string, limit int, staleAfter time.Duration) ([]*types.Strategy, error) {
	const q = `
		UPDATE strategies
		SET claim_worker = $1, claim_started_at = now()
		WHERE id IN (
			SELECT id FROM strategies
			WHERE status = $2
			  AND (claim_worker IS NULL OR claim_started_at < now() - $3::interval)
			ORDER BY created_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING *`

	rows, err := s.db.QueryxContext(ctx, q, worker, status, staleAfter.String(), limit)
	if err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ClaimBatch", Err: err}
	}
	defer rows.Close()

	var out []*types.Strategy
	for rows.Next() {
		var st dbStrategy
		if err := rows.StructScan(&st); err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "ClaimBatch scan", Err: err}
		}
		strat, err := st.toDomain()
		if err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "ClaimBatch decode", Err: err}
		}
		out = append(out, strat)
	}
	return out, rows.Err()
}

// CommitTransition verifies the caller still owns strategyID at status
// `from` and atomically applies patch while moving status to `to`, clearing
// the claim and appending an event row. Returns pipelineerr.ErrStaleClaim if
// the row no longer matches (lost to a sweep or another worker).
func (s *Store) CommitTransition(ctx context.Context, strategyID uuid.UUID, worker string, from, to types.StrategyStatus, patch map[string]interface{}, event types.StrategyEventType, detail map[string]interface{}) error {
	if !types.CanTransition(from, to) {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "CommitTransition", Err: fmt.Errorf("illegal transition %s -> %s", from, to)}
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CommitTransition begin", Err: err}
	}
	defer tx.Rollback()

	patchJSON, err := json.Marshal(patch)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "CommitTransition marshal patch", Err: err}
	}

	// Known keys in the patch are promoted to their real columns (the
	// Selector orders on score_backtest; reporting filters on
	// failure_reason); everything else lands in the jsonb patch blob.
	res, err := tx.ExecContext(ctx, `
		UPDATE strategies
		SET status = $1,
		    claim_worker = NULL,
		    claim_started_at = NULL,
		    updated_at = now(),
		    score_backtest = COALESCE(($2::jsonb->>'score_backtest')::double precision, score_backtest),
		    failure_reason = COALESCE($2::jsonb->>'failure_reason', failure_reason),
		    retired_at = CASE WHEN $1 IN ('RETIRED', 'FAILED') THEN now() ELSE retired_at END,
		    patch = patch || $2::jsonb
		WHERE id = $3 AND status = $4 AND claim_worker = $5`,
		to, patchJSON, strategyID, from, worker)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CommitTransition update", Err: err}
	}

	n, err := res.RowsAffected()
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CommitTransition rows", Err: err}
	}
	if n == 0 {
		return pipelineerr.ErrStaleClaim
	}

	detailJSON, _ := json.Marshal(detail)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO strategy_events (id, strategy_id, stage, event_type, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, now())`,
		uuid.New(), strategyID, event.Stage(), event, detailJSON); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CommitTransition event insert", Err: err}
	}

	if err := tx.Commit(); err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CommitTransition commit", Err: err}
	}

	s.invalidateCountCache()
	return nil
}

// ReleaseClaim drops a claim without changing status — used on worker
// shutdown or when an item needs to be retried by whichever worker claims it
// next.
func (s *Store) ReleaseClaim(ctx context.Context, strategyID uuid.UUID, worker string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE strategies
		SET claim_worker = NULL, claim_started_at = NULL
		WHERE id = $1 AND claim_worker = $2`, strategyID, worker)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ReleaseClaim", Err: err}
	}
	return nil
}

// ReleaseAllClaims drops every claim held by worker; called during graceful
// shutdown so other workers can immediately pick the rows back up.
func (s *Store) ReleaseAllClaims(ctx context.Context, worker string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET claim_worker = NULL, claim_started_at = NULL
		WHERE claim_worker = $1`, worker)
	if err != nil {
		return 0, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "ReleaseAllClaims", Err: err}
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SweepStaleClaims reclaims rows whose claim has outlived staleAfter without
// a commit, presumably because the owning worker crashed.
func (s *Store) SweepStaleClaims(ctx context.Context, staleAfter time.Duration) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE strategies SET claim_worker = NULL, claim_started_at = NULL
		WHERE claim_worker IS NOT NULL AND claim_started_at < now() - $1::interval`,
		staleAfter.String())
	if err != nil {
		return 0, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "SweepStaleClaims", Err: err}
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.logger.Warn("reclaimed stale strategy claims", zap.Int64("count", n))
		s.invalidateCountCache()
	}
	return n, nil
}

// CountByStatus is a reporting read served from a short-lived in-process
// cache so MetricsRecorder and health checks never contend with claim
// traffic.
func (s *Store) CountByStatus(ctx context.Context, status types.StrategyStatus) (int, error) {
	s.mu.RLock()
	if time.Since(s.cacheAt) < 2*time.Second {
		if n, ok := s.countCache[status]; ok {
			s.mu.RUnlock()
			return n, nil
		}
	}
	s.mu.RUnlock()

	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM strategies GROUP BY status`)
	if err != nil {
		return 0, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CountByStatus", Err: err}
	}
	defer rows.Close()

	counts := make(map[types.StrategyStatus]int)
	for rows.Next() {
		var st types.StrategyStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return 0, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "CountByStatus scan", Err: err}
		}
		counts[st] = n
	}

	s.mu.Lock()
	s.countCache = counts
	s.cacheAt = time.Now()
	s.mu.Unlock()

	return counts[status], nil
}

func (s *Store) invalidateCountCache() {
	s.mu.Lock()
	s.cacheAt = time.Time{}
	s.mu.Unlock()
}

// GetByStatus is a plain read used by Selector/Scorer; it never claims.
func (s *Store) GetByStatus(ctx context.Context, status types.StrategyStatus, orderByScoreDesc bool) ([]*types.Strategy, error) {
	q := `SELECT * FROM strategies WHERE status = $1`
	if orderByScoreDesc {
		q += ` ORDER BY score_backtest DESC`
	} else {
		q += ` ORDER BY created_at`
	}

	var rows []dbStrategy
	if err := s.db.SelectContext(ctx, &rows, q, status); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "GetByStatus", Err: err}
	}

	out := make([]*types.Strategy, 0, len(rows))
	for _, r := range rows {
		strat, err := r.toDomain()
		if err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "GetByStatus decode", Err: err}
		}
		out = append(out, strat)
	}
	return out, nil
}

// RecentEvents returns the strategy_events rows newer than since, used by
// MetricsRecorder to compute throughput/success-rate windows without relying
// on current row counts.
func (s *Store) RecentEvents(ctx context.Context, since time.Time) ([]*types.StrategyEvent, error) {
	var rows []dbEvent
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM strategy_events WHERE created_at >= $1 ORDER BY created_at`, since); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "RecentEvents", Err: err}
	}

	out := make([]*types.StrategyEvent, 0, len(rows))
	for _, r := range rows {
		ev, err := r.toDomain()
		if err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "RecentEvents decode", Err: err}
		}
		out = append(out, ev)
	}
	return out, nil
}

// dbStrategy mirrors the strategies table's column shapes for sqlx scanning;
// jsonb/array columns that Postgres cannot scan directly into Go types round
// trip through raw bytes.
type dbStrategy struct {
	types.Strategy
	ParametersRaw    []byte `db:"parameters"`
	BacktestPairsRaw []byte `db:"backtest_pairs"`
	PatchRaw         []byte `db:"patch"`
}

func (d dbStrategy) toDomain() (*types.Strategy, error) {
	s := d.Strategy
	if len(d.ParametersRaw) > 0 {
		if err := json.Unmarshal(d.ParametersRaw, &s.Parameters); err != nil {
			return nil, err
		}
	}
	if len(d.BacktestPairsRaw) > 0 {
		if err := json.Unmarshal(d.BacktestPairsRaw, &s.BacktestPairs); err != nil {
			return nil, err
		}
	}
	return &s, nil
}

type dbEvent struct {
	types.StrategyEvent
	DetailRaw []byte `db:"detail"`
}

func (d dbEvent) toDomain() (*types.StrategyEvent, error) {
	e := d.StrategyEvent
	if len(d.DetailRaw) > 0 {
		if err := json.Unmarshal(d.DetailRaw, &e.Detail); err != nil {
			return nil, err
		}
	}
	return &e, nil
}
