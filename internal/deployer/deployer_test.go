package deployer_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sixbtc/pipeline/internal/deployer"
	"github.com/sixbtc/pipeline/pkg/types"
)

type deployCall struct {
	subaccountID int
	strategyID   uuid.UUID
	capital      float64
}

type fakeStore struct {
	ensured     int
	free        []*types.Subaccount
	activeCount int
	deploys     []deployCall
	undeploys   []int
	byStrategy  map[uuid.UUID]*types.Subaccount
}

func (f *fakeStore) EnsureSubaccounts(ctx context.Context, count int) error {
	f.ensured = count
	return nil
}

func (f *fakeStore) GetFreeSubaccounts(ctx context.Context) ([]*types.Subaccount, error) {
	return f.free, nil
}

func (f *fakeStore) CountSubaccountsByStatus(ctx context.Context, status types.SubaccountStatus) (int, error) {
	return f.activeCount, nil
}

func (f *fakeStore) FindSubaccountByStrategy(ctx context.Context, strategyID uuid.UUID) (*types.Subaccount, error) {
	return f.byStrategy[strategyID], nil
}

func (f *fakeStore) Deploy(ctx context.Context, subaccountID int, strategyID uuid.UUID, allocatedCapital float64) error {
	f.deploys = append(f.deploys, deployCall{subaccountID, strategyID, allocatedCapital})
	f.activeCount++
	return nil
}

func (f *fakeStore) Undeploy(ctx context.Context, subaccountID int, failureReason string) error {
	f.undeploys = append(f.undeploys, subaccountID)
	return nil
}

type fakeCloser struct {
	closed []int
}

func (f *fakeCloser) CloseAllPositions(ctx context.Context, subaccountID int) error {
	f.closed = append(f.closed, subaccountID)
	return nil
}

func strat(name string) *types.Strategy {
	return &types.Strategy{ID: uuid.New(), Name: name, Status: types.StrategyActive}
}

func TestEqualSplitIncludesNewSlot(t *testing.T) {
	st := &fakeStore{
		free: []*types.Subaccount{{ID: 3}, {ID: 4}},
	}
	d := deployer.New(zap.NewNop(), st, &fakeCloser{}, 1000, 4)

	deployed, err := d.DeployCandidates(context.Background(), []*types.Strategy{strat("a"), strat("b")})
	if err != nil {
		t.Fatalf("DeployCandidates: %v", err)
	}
	if deployed != 2 {
		t.Fatalf("expected 2 deploys, got %d", deployed)
	}
	if st.ensured != 4 {
		t.Errorf("expected subaccount provisioning up to 4, got %d", st.ensured)
	}

	// First deploy: 0 active before, so 1000/1. Second: 1000/2.
	if st.deploys[0].capital != 1000 {
		t.Errorf("first allocation = %v, want 1000", st.deploys[0].capital)
	}
	if st.deploys[1].capital != 500 {
		t.Errorf("second allocation = %v, want 500", st.deploys[1].capital)
	}
}

func TestDeployStopsAtFreeSlots(t *testing.T) {
	st := &fakeStore{free: []*types.Subaccount{{ID: 1}}}
	d := deployer.New(zap.NewNop(), st, &fakeCloser{}, 1000, 4)

	deployed, err := d.DeployCandidates(context.Background(), []*types.Strategy{strat("a"), strat("b"), strat("c")})
	if err != nil {
		t.Fatalf("DeployCandidates: %v", err)
	}
	if deployed != 1 {
		t.Fatalf("expected 1 deploy with a single free slot, got %d", deployed)
	}
}

func TestUndeployClosesPositionsFirst(t *testing.T) {
	target := strat("doomed")
	st := &fakeStore{
		byStrategy: map[uuid.UUID]*types.Subaccount{
			target.ID: {ID: 2, StrategyID: &target.ID, Status: types.SubaccountActive},
		},
	}
	closer := &fakeCloser{}
	d := deployer.New(zap.NewNop(), st, closer, 1000, 4)

	if err := d.Undeploy(context.Background(), target.ID, ""); err != nil {
		t.Fatalf("Undeploy: %v", err)
	}
	if len(closer.closed) != 1 || closer.closed[0] != 2 {
		t.Errorf("expected positions flattened on subaccount 2, got %v", closer.closed)
	}
	if len(st.undeploys) != 1 || st.undeploys[0] != 2 {
		t.Errorf("expected store undeploy of subaccount 2, got %v", st.undeploys)
	}
}

func TestUndeployUnknownStrategyFails(t *testing.T) {
	st := &fakeStore{byStrategy: map[uuid.UUID]*types.Subaccount{}}
	d := deployer.New(zap.NewNop(), st, &fakeCloser{}, 1000, 4)

	if err := d.Undeploy(context.Background(), uuid.New(), ""); err == nil {
		t.Fatal("expected an error for a strategy with no bound subaccount")
	}
}
