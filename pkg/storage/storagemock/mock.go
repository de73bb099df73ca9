package storagemock

import (
	"context"
	"time"

	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
	"github.com/stretchr/testify/mock"
)

type MockDatabase struct {
	mock.Mock
}

var _ storage.Database = (*MockDatabase)(nil)

func (m *MockDatabase) GetAccount(ctx context.Context, accountID string) (types.Account, error) {
	args := m.Called(ctx, accountID)
	if len(args) > 0 {
		return args.Get(0).(types.Account), args.Error(1)
	}
	return types.Account{}, nil
}

func (m *MockDatabase) PutAccount(ctx context.Context, account types.Account) error {
	args := m.Called(ctx, account)
	return args.Error(0)
}

func (m *MockDatabase) UpdateAccountTokens(ctx context.Context, accountID, accessToken string, expiresAt time.Time, refreshToken string) error {
	args := m.Called(ctx, accountID, accessToken, expiresAt, refreshToken)
	return args.Error(0)
}

func (m *MockDatabase) SetUsagePoint(ctx context.Context, accountID, usagePointID string) error {
	args := m.Called(ctx, accountID, usagePointID)
	return args.Error(0)
}

func (m *MockDatabase) UpsertReading(ctx context.Context, reading types.Reading) (types.Reading, error) {
	args := m.Called(ctx, reading)
	if len(args) > 0 {
		return args.Get(0).(types.Reading), args.Error(1)
	}
	return reading, nil
}

func (m *MockDatabase) GetReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.Reading, error) {
	args := m.Called(ctx, accountID, period, kind, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.Reading), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) HasReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (bool, error) {
	args := m.Called(ctx, accountID, period, kind, start, end)
	if len(args) > 0 {
		return args.Bool(0), args.Error(1)
	}
	return false, nil
}

func (m *MockDatabase) SumAndAverage(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (float64, float64, error) {
	args := m.Called(ctx, accountID, period, kind, start, end)
	if len(args) > 0 {
		return args.Get(0).(float64), args.Get(1).(float64), args.Error(2)
	}
	return 0, 0, nil
}

func (m *MockDatabase) GroupSumByMonth(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.MonthlyTotal, error) {
	args := m.Called(ctx, accountID, period, kind, start, end)
	if len(args) > 0 {
		return args.Get(0).([]types.MonthlyTotal), args.Error(1)
	}
	return nil, nil
}

func (m *MockDatabase) PutOAuthState(ctx context.Context, accountID, state string) error {
	args := m.Called(ctx, accountID, state)
	return args.Error(0)
}

func (m *MockDatabase) TakeOAuthState(ctx context.Context, accountID string) (string, error) {
	args := m.Called(ctx, accountID)
	if len(args) > 0 {
		return args.String(0), args.Error(1)
	}
	return "", nil
}

func (m *MockDatabase) Close() error {
	args := m.Called()
	return args.Error(0)
}
