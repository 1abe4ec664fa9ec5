package storagemock

import (
	"context"

	"github.com/raterudder/solarcurtail/pkg/storage"
	"github.com/raterudder/solarcurtail/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetState(ctx context.Context) (types.PersistedState, error) {
	args := m.Called(ctx)
	if len(args) > 0 {
		return args.Get(0).(types.PersistedState), args.Error(1)
	}
	return types.PersistedState{}, storage.ErrStateNotFound
}

func (m *MockDatabase) SetState(ctx context.Context, state types.PersistedState) error {
	args := m.Called(ctx, state)
	return args.Error(0)
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
