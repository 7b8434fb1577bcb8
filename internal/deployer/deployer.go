// Package deployer binds selected ACTIVE strategies onto free exchange
// subaccounts and tears the binding back down when a LIVE strategy is
// retired.
package deployer

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/pipelineerr"
	"github.com/sixbtc/pipeline/pkg/types"
)

// deployTimeout bounds each deployment transaction; a deploy that can't
// finish inside it is retried on the next rotation cycle.
const deployTimeout = 10 * time.Second

// Store is the slice of the StrategyStore the deployer mutates through.
type Store interface {
	EnsureSubaccounts(ctx context.Context, count int) error
	GetFreeSubaccounts(ctx context.Context) ([]*types.Subaccount, error)
	CountSubaccountsByStatus(ctx context.Context, status types.SubaccountStatus) (int, error)
	FindSubaccountByStrategy(ctx context.Context, strategyID uuid.UUID) (*types.Subaccount, error)
	Deploy(ctx context.Context, subaccountID int, strategyID uuid.UUID, allocatedCapital float64) error
	Undeploy(ctx context.Context, subaccountID int, failureReason string) error
}

// PositionCloser is the exchange capability undeploy needs: flatten every
// open position on a subaccount before the slot is released.
type PositionCloser interface {
	CloseAllPositions(ctx context.Context, subaccountID int) error
}

// Deployer assigns candidates to free subaccounts with equal-split capital.
type Deployer struct {
	logger       *zap.Logger
	store        Store
	exchange     PositionCloser
	totalCapital float64
	slotCount    int
}

// New builds a Deployer over slotCount subaccounts sharing totalCapital.
func New(logger *zap.Logger, store Store, exchange PositionCloser, totalCapital float64, slotCount int) *Deployer {
	return &Deployer{
		logger:       logger,
		store:        store,
		exchange:     exchange,
		totalCapital: totalCapital,
		slotCount:    slotCount,
	}
}

// DeployCandidates pairs each candidate with a free subaccount and commits
// the ACTIVE->LIVE binding one candidate at a time. A failed deploy skips
// that candidate; the rest still get their slot. Returns how many deploys
// succeeded.
func (d *Deployer) DeployCandidates(ctx context.Context, candidates []*types.Strategy) (int, error) {
	if len(candidates) == 0 {
		return 0, nil
	}

	if err := d.store.EnsureSubaccounts(ctx, d.slotCount); err != nil {
		return 0, err
	}
	free, err := d.store.GetFreeSubaccounts(ctx)
	if err != nil {
		return 0, err
	}

	deployed := 0
	for i, candidate := range candidates {
		if i >= len(free) {
			d.logger.Info("no free subaccounts left",
				zap.Int("deployed", deployed),
				zap.Int("remaining", len(candidates)-i))
			break
		}
		if err := d.deployOne(ctx, candidate, free[i].ID); err != nil {
			d.logger.Warn("deployment failed",
				zap.String("strategy", candidate.Name),
				zap.Int("subaccount", free[i].ID),
				zap.Error(err))
			continue
		}
		deployed++
	}
	return deployed, nil
}

// deployOne computes the equal split including the newly activated slot and
// commits the transactional binding: the store verifies the candidate is
// still ACTIVE and the subaccount still free, so a concurrent rotation
// cycle can't double-book either side.
func (d *Deployer) deployOne(ctx context.Context, candidate *types.Strategy, subaccountID int) error {
	ctx, cancel := context.WithTimeout(ctx, deployTimeout)
	defer cancel()

	activeCount, err := d.store.CountSubaccountsByStatus(ctx, types.SubaccountActive)
	if err != nil {
		return err
	}
	capitalPer := d.totalCapital / float64(activeCount+1)

	if err := d.store.Deploy(ctx, subaccountID, candidate.ID, capitalPer); err != nil {
		return err
	}

	d.logger.Info("strategy deployed",
		zap.String("strategy", candidate.Name),
		zap.Int("subaccount", subaccountID),
		zap.Float64("capital", capitalPer))
	return nil
}

// Undeploy flattens the strategy's subaccount on the exchange, releases the
// slot, and retires the strategy (or fails it when failureReason is
// non-empty). Surviving allocations are left unchanged until the next
// deploy recomputes the split.
func (d *Deployer) Undeploy(ctx context.Context, strategyID uuid.UUID, failureReason string) error {
	sub, err := d.store.FindSubaccountByStrategy(ctx, strategyID)
	if err != nil {
		return err
	}
	if sub == nil {
		return &pipelineerr.StoreError{
			Kind: pipelineerr.StoreIntegrity,
			Op:   "Undeploy",
			Err:  fmt.Errorf("strategy %s has no bound subaccount", strategyID),
		}
	}

	if d.exchange != nil {
		if err := d.exchange.CloseAllPositions(ctx, sub.ID); err != nil {
			// Exchange-side flattening failed; leave the binding in place so
			// the next rotation retries rather than stranding open positions
			// on an unbound subaccount.
			return err
		}
	}

	if err := d.store.Undeploy(ctx, sub.ID, failureReason); err != nil {
		return err
	}

	d.logger.Info("strategy undeployed",
		zap.String("strategy", strategyID.String()),
		zap.Int("subaccount", sub.ID),
		zap.String("reason", failureReason))
	return nil
}
