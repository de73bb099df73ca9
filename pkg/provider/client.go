package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/metersync/metersync/pkg/common"
	"github.com/metersync/metersync/pkg/daterange"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

const (
	dailyConsumptionPath    = "metering_data_dc/v5/daily_consumption"
	consumptionLoadPath     = "metering_data_clc/v5/consumption_load_curve"
	dailyMaxPowerPath       = "metering_data_dcmp/v5/daily_consumption_max_power"
	dailyProductionPath     = "metering_data_dp/v5/daily_production"
	productionLoadPath      = "metering_data_plc/v5/production_load_curve"
	usagePointAddressesPath = "customers_upa/v5/usage_points/addresses"
	usagePointContractsPath = "customers_upc/v5/usage_points/contracts"
	identityPath            = "customers_i/v5/identity"
	contactDataPath         = "customers_cd/v5/contact_data"
)

// HTTPClient implements Client against the real provider API.
type HTTPClient struct {
	*AuthManager
	client  *http.Client
	baseURL string
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient returns a Client talking to the provider at baseURL with the
// given OAuth2 credentials.
func NewHTTPClient(baseURL, clientID, clientSecret, redirectURI string, db storage.Database) *HTTPClient {
	am := newAuthManager(baseURL, clientID, clientSecret, redirectURI, db)
	return &HTTPClient{
		AuthManager: am,
		client:      common.HTTPClient(time.Minute),
		baseURL:     am.baseURL,
	}
}

// GetDailyConsumption fetches daily consumption totals for the window.
func (c *HTTPClient) GetDailyConsumption(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return c.getMeteringData(ctx, acct, dailyConsumptionPath, start, end, types.PeriodDaily, types.MeasurementEnergy, "kWh")
}

// GetConsumptionLoadCurve fetches the 30-minute average power curve.
func (c *HTTPClient) GetConsumptionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return c.getMeteringData(ctx, acct, consumptionLoadPath, start, end, types.PeriodThirtyMinutes, types.MeasurementPower, "kWh")
}

// GetDailyConsumptionMaxPower fetches the daily maximum power draw.
func (c *HTTPClient) GetDailyConsumptionMaxPower(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return c.getMeteringData(ctx, acct, dailyMaxPowerPath, start, end, types.PeriodDaily, types.MeasurementPowerMax, "kWh")
}

// GetDailyProduction fetches daily production totals for the window.
func (c *HTTPClient) GetDailyProduction(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return c.getMeteringData(ctx, acct, dailyProductionPath, start, end, types.PeriodDaily, types.MeasurementProduction, "kWh")
}

// GetProductionLoadCurve fetches the 30-minute average production curve.
func (c *HTTPClient) GetProductionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return c.getMeteringData(ctx, acct, productionLoadPath, start, end, types.PeriodThirtyMinutes, types.MeasurementProduction, "kWh")
}

// GetUsagePointAddresses returns the provider's address record verbatim.
func (c *HTTPClient) GetUsagePointAddresses(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return c.getRaw(ctx, acct, usagePointAddressesPath)
}

// GetContracts returns the provider's contract record verbatim.
func (c *HTTPClient) GetContracts(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return c.getRaw(ctx, acct, usagePointContractsPath)
}

// GetIdentity returns the provider's customer identity record verbatim.
func (c *HTTPClient) GetIdentity(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return c.getRaw(ctx, acct, identityPath)
}

// GetContactData returns the provider's contact record verbatim.
func (c *HTTPClient) GetContactData(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	return c.getRaw(ctx, acct, contactDataPath)
}

func (c *HTTPClient) getMeteringData(ctx context.Context, acct *types.Account, endpoint string, start, end time.Time, period types.PeriodType, kind types.MeasurementKind, defaultUnit string) ([]types.Reading, error) {
	params, err := daterange.PrepareRequestParams(start, end, period, acct.UsagePointID)
	if err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("usage_point_id", params.UsagePointID)
	query.Set("start", params.Start)
	query.Set("end", params.End)

	body, err := c.doRequest(ctx, acct, endpoint, query)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode metering envelope",
			slog.String("endpoint", endpoint), slog.Any("error", err), slog.String("body", string(body)))
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if env.MeterReading == nil {
		return nil, fmt.Errorf("%w: missing meter_reading", ErrMalformedResponse)
	}

	readings := normalizeReadings(ctx, acct, &env, period, kind, defaultUnit)
	log.Ctx(ctx).DebugContext(ctx, "fetched metering data",
		slog.String("endpoint", endpoint),
		slog.String("accountID", acct.ID),
		slog.Int("received", len(env.MeterReading.IntervalReadings)),
		slog.Int("normalized", len(readings)),
	)
	return readings, nil
}

func (c *HTTPClient) getRaw(ctx context.Context, acct *types.Account, endpoint string) (json.RawMessage, error) {
	if acct.UsagePointID == "" {
		return nil, fmt.Errorf("%w: account has no usage point configured", daterange.ErrInvalidParams)
	}
	query := url.Values{}
	query.Set("usage_point_id", acct.UsagePointID)
	return c.doRequest(ctx, acct, endpoint, query)
}

// doRequest performs an authenticated GET against the provider. We try up to
// 2 times because the stored token might have been revoked out from under us
// even though it looked unexpired.
func (c *HTTPClient) doRequest(ctx context.Context, acct *types.Account, endpoint string, query url.Values) ([]byte, error) {
	for i := 0; i < 2; i++ {
		if err := c.EnsureAuthenticated(ctx, acct); err != nil {
			return nil, err
		}

		u := fmt.Sprintf("%s/%s?%s", c.baseURL, endpoint, query.Encode())
		req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+acct.AccessToken)
		req.Header.Set("Accept", "application/json")

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("requesting %s: %w", endpoint, err)
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("reading %s response: %w", endpoint, err)
		}

		if resp.StatusCode == http.StatusUnauthorized && i == 0 {
			log.Ctx(ctx).DebugContext(ctx, "provider rejected token, re-authenticating",
				slog.String("endpoint", endpoint), slog.String("accountID", acct.ID))
			if err := c.invalidateToken(ctx, acct); err != nil {
				return nil, err
			}
			continue
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &ApiError{Code: resp.StatusCode, Body: string(body)}
		}
		return body, nil
	}
	// unreachable: the second pass always returns
	return nil, &ApiError{Code: http.StatusUnauthorized}
}
