package storagemock

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

// Memory is an in-memory Database for tests that exercise full flows
// (sync, aggregation, OAuth states) without a running backend.
type Memory struct {
	mu       sync.Mutex
	accounts map[string]types.Account
	readings map[string]map[readingKey]types.Reading
	states   map[string]string
}

type readingKey struct {
	usagePointID string
	date         time.Time
	period       types.PeriodType
	kind         types.MeasurementKind
}

var _ storage.Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		accounts: make(map[string]types.Account),
		readings: make(map[string]map[readingKey]types.Reading),
		states:   make(map[string]string),
	}
}

func (m *Memory) GetAccount(_ context.Context, accountID string) (types.Account, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return types.Account{}, storage.ErrAccountNotFound
	}
	return acct, nil
}

func (m *Memory) PutAccount(_ context.Context, account types.Account) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts[account.ID] = account
	return nil
}

func (m *Memory) UpdateAccountTokens(_ context.Context, accountID, accessToken string, expiresAt time.Time, refreshToken string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	acct.AccessToken = accessToken
	acct.TokenExpiresAt = expiresAt
	acct.RefreshToken = refreshToken
	m.accounts[accountID] = acct
	return nil
}

func (m *Memory) SetUsagePoint(_ context.Context, accountID, usagePointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	acct, ok := m.accounts[accountID]
	if !ok {
		return storage.ErrAccountNotFound
	}
	acct.UsagePointID = usagePointID
	m.accounts[accountID] = acct
	return nil
}

func (m *Memory) UpsertReading(_ context.Context, reading types.Reading) (types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reading.PeriodType == types.PeriodThirtyMinutes {
		reading.Date = reading.Date.UTC().Truncate(time.Minute)
	} else {
		reading.Date = time.Date(reading.Date.Year(), reading.Date.Month(), reading.Date.Day(), 0, 0, 0, 0, time.UTC)
	}
	byKey, ok := m.readings[reading.AccountID]
	if !ok {
		byKey = make(map[readingKey]types.Reading)
		m.readings[reading.AccountID] = byKey
	}
	byKey[readingKey{reading.UsagePointID, reading.Date, reading.PeriodType, reading.MeasurementKind}] = reading
	return reading, nil
}

func (m *Memory) rangeLocked(accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) []types.Reading {
	// end is inclusive of its whole calendar day
	endExcl := end.AddDate(0, 0, 1)
	var out []types.Reading
	for key, r := range m.readings[accountID] {
		if key.period != period || key.kind != kind {
			continue
		}
		if key.date.Before(start) || !key.date.Before(endExcl) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out
}

func (m *Memory) GetReadingsInRange(_ context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.Reading, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rangeLocked(accountID, period, kind, start, end), nil
}

func (m *Memory) HasReadingsInRange(_ context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rangeLocked(accountID, period, kind, start, end)) > 0, nil
}

func (m *Memory) SumAndAverage(_ context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	readings := m.rangeLocked(accountID, period, kind, start, end)
	if len(readings) == 0 {
		return 0, 0, nil
	}
	var total float64
	for _, r := range readings {
		total += r.Value
	}
	return total, total / float64(len(readings)), nil
}

func (m *Memory) GroupSumByMonth(_ context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.MonthlyTotal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byMonth := make(map[time.Time]*types.MonthlyTotal)
	for _, r := range m.rangeLocked(accountID, period, kind, start, end) {
		month := time.Date(r.Date.Year(), r.Date.Month(), 1, 0, 0, 0, 0, time.UTC)
		mt, ok := byMonth[month]
		if !ok {
			mt = &types.MonthlyTotal{Month: month, Unit: r.Unit}
			byMonth[month] = mt
		}
		mt.TotalValue += r.Value
	}
	totals := make([]types.MonthlyTotal, 0, len(byMonth))
	for _, mt := range byMonth {
		totals = append(totals, *mt)
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Month.Before(totals[j].Month) })
	return totals, nil
}

func (m *Memory) PutOAuthState(_ context.Context, accountID, state string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[accountID] = state
	return nil
}

func (m *Memory) TakeOAuthState(_ context.Context, accountID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[accountID]
	if !ok {
		return "", storage.ErrStateNotFound
	}
	delete(m.states, accountID)
	return state, nil
}

func (m *Memory) Close() error {
	return nil
}
