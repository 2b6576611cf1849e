package storagemock

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/helios-ems/helios/pkg/storage"
	"github.com/helios-ems/helios/pkg/types"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetSettings(ctx context.Context) (types.Settings, int, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.Settings), args.Int(1), args.Error(2)
	}
	return types.Settings{}, 0, storage.ErrNotFound
}

func (m *MockDatabase) SetSettings(ctx context.Context, settings types.Settings, version int) error {
	args := m.Called(ctx, settings, version)
	return args.Error(0)
}

func (m *MockDatabase) InsertPlan(ctx context.Context, plan *types.Plan) error {
	args := m.Called(ctx, plan)
	return args.Error(0)
}

func (m *MockDatabase) GetLatestPlan(ctx context.Context) (*types.Plan, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		p, _ := args.Get(0).(*types.Plan)
		return p, args.Error(1)
	}
	return nil, storage.ErrNotFound
}

func (m *MockDatabase) InsertTransition(ctx context.Context, t types.Transition) error {
	args := m.Called(ctx, t)
	return args.Error(0)
}

func (m *MockDatabase) GetTransitions(ctx context.Context, start, end time.Time) ([]types.Transition, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Transition), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) UpsertEnergyHistory(ctx context.Context, stats types.EnergyStats) error {
	args := m.Called(ctx, stats)
	return args.Error(0)
}

func (m *MockDatabase) GetEnergyHistory(ctx context.Context, start, end time.Time) ([]types.EnergyStats, error) {
	args := m.Called(ctx, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.EnergyStats), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	if len(args) > 0 {
		return args.Error(0)
	}
	return nil
}
