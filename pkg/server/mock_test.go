package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/metersync/metersync/pkg/provider"
	"github.com/metersync/metersync/pkg/storage/storagemock"
	"github.com/metersync/metersync/pkg/syncer"
	"github.com/metersync/metersync/pkg/types"
	"github.com/stretchr/testify/require"
)

// fakeProvider is a canned provider.Client for handler tests. It returns one
// reading per day and records auth interactions.
type fakeProvider struct {
	mu             sync.Mutex
	dailyValue     float64
	fetchErr       error
	fetchCalls     int
	exchangedCodes []string
	revokeCalls    int
}

var _ provider.Client = (*fakeProvider)(nil)

func (f *fakeProvider) series(acct *types.Account, start, end time.Time, period types.PeriodType, kind types.MeasurementKind) ([]types.Reading, error) {
	f.mu.Lock()
	f.fetchCalls++
	err := f.fetchErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	var out []types.Reading
	for d := start; !d.After(end); d = d.AddDate(0, 0, 1) {
		out = append(out, types.Reading{
			AccountID:       acct.ID,
			UsagePointID:    acct.UsagePointID,
			Date:            d,
			PeriodType:      period,
			Value:           f.dailyValue,
			Unit:            "kWh",
			MeasurementKind: kind,
		})
	}
	return out, nil
}

func (f *fakeProvider) GetDailyConsumption(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return f.series(acct, start, end, types.PeriodDaily, types.MeasurementEnergy)
}

func (f *fakeProvider) GetDailyConsumptionMaxPower(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return f.series(acct, start, end, types.PeriodDaily, types.MeasurementPowerMax)
}

func (f *fakeProvider) GetDailyProduction(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return f.series(acct, start, end, types.PeriodDaily, types.MeasurementProduction)
}

func (f *fakeProvider) GetConsumptionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return f.series(acct, start, end, types.PeriodThirtyMinutes, types.MeasurementPower)
}

func (f *fakeProvider) GetProductionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return f.series(acct, start, end, types.PeriodThirtyMinutes, types.MeasurementProduction)
}

func (f *fakeProvider) AuthorizeURL(state string) string {
	return "https://provider.example.com/authorize?state=" + state
}

func (f *fakeProvider) EnsureAuthenticated(ctx context.Context, acct *types.Account) error {
	return nil
}

func (f *fakeProvider) ExchangeAuthorizationCode(ctx context.Context, acct *types.Account, code string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if code == "" {
		return errors.New("missing code")
	}
	f.exchangedCodes = append(f.exchangedCodes, code)
	acct.AccessToken = "exchanged"
	acct.TokenExpiresAt = time.Now().Add(time.Hour)
	return nil
}

func (f *fakeProvider) Revoke(ctx context.Context, acct *types.Account) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revokeCalls++
	acct.AccessToken = ""
	acct.TokenExpiresAt = time.Time{}
	return true, nil
}

func (f *fakeProvider) GetUsagePointAddresses(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return json.RawMessage(`{"customer": {"addresses": true}}`), nil
}

func (f *fakeProvider) GetContracts(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return json.RawMessage(`{"customer": {"contracts": true}}`), nil
}

func (f *fakeProvider) GetIdentity(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return json.RawMessage(`{"customer": {"identity": true}}`), nil
}

func (f *fakeProvider) GetContactData(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return json.RawMessage(`{"customer": {"contact": true}}`), nil
}

func newTestServer(t *testing.T) (*httptest.Server, *storagemock.Memory, *fakeProvider) {
	t.Helper()
	db := storagemock.NewMemory()
	fp := &fakeProvider{dailyValue: 3}
	srv := &Server{
		db:         db,
		provider:   fp,
		sync:       syncer.New(db, fp),
		bypassAuth: true,
	}
	ts := httptest.NewServer(srv.setupHandler())
	t.Cleanup(ts.Close)

	// seed the default account with a usage point
	require.NoError(t, db.PutAccount(context.Background(), types.Account{
		ID:           types.AccountIDNone,
		UsagePointID: "12345678901234",
	}))
	return ts, db, fp
}
