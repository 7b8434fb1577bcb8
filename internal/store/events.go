package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// AppendEvent writes a standalone event-log row outside any transition —
// used by the reconciler and trade syncer, whose events aren't tied to a
// status change (and, for reconciliation, not to a strategy at all).
func (s *Store) AppendEvent(ctx context.Context, strategyID *uuid.UUID, event types.StrategyEventType, detail map[string]interface{}, duration time.Duration) error {
	detailJSON, _ := json.Marshal(detail)
	var durationMS *int64
	if duration > 0 {
		ms := duration.Milliseconds()
		durationMS = &ms
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategy_events (id, strategy_id, stage, event_type, detail, duration_ms, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, now())`,
		uuid.New(), strategyID, event.Stage(), event, detailJSON, durationMS)
	if err != nil {
		return &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "AppendEvent", Err: err}
	}
	return nil
}

// CountsByStatus returns the full status -> count map in one query, for the
// MetricsRecorder's queue-depth snapshot.
func (s *Store) CountsByStatus(ctx context.Context) (map[types.StrategyStatus]int, error) {
	rows, err := s.db.QueryxContext(ctx, `SELECT status, count(*) FROM strategies GROUP BY status`)
	if err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "CountsByStatus", Err: err}
	}
	defer rows.Close()

	counts := make(map[types.StrategyStatus]int)
	for rows.Next() {
		var st types.StrategyStatus
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreIntegrity, Op: "CountsByStatus scan", Err: err}
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// GetStrategy fetches one strategy row by id without claiming it.
func (s *Store) GetStrategy(ctx context.Context, id uuid.UUID) (*types.Strategy, error) {
	var row dbStrategy
	if err := s.db.GetContext(ctx, &row, `SELECT * FROM strategies WHERE id = $1`, id); err != nil {
		return nil, &pipelineerr.StoreError{Kind: pipelineerr.StoreTransient, Op: "GetStrategy", Err: err}
	}
	return row.toDomain()
}
