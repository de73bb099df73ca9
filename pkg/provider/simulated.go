package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/metersync/metersync/pkg/daterange"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

// Simulated implements Client without any network access. Values are
// deterministic per (usage point, date) so repeated syncs are idempotent and
// tests can assert exact numbers. Useful for local development before
// provider credentials are issued.
type Simulated struct {
	db storage.Database
}

var _ Client = (*Simulated)(nil)

func NewSimulated(db storage.Database) *Simulated {
	return &Simulated{db: db}
}

// AuthorizeURL returns a loopback consent URL. Redeeming any non-empty code
// succeeds, so the full authorize/callback flow can be exercised locally.
func (s *Simulated) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("state", state)
	params.Set("response_type", "code")
	return "http://localhost/simulated/authorize?" + params.Encode()
}

func (s *Simulated) issueToken(ctx context.Context, acct *types.Account, withRefresh bool) error {
	acct.AccessToken = "simulated-" + uuid.NewString()
	acct.TokenExpiresAt = time.Now().Add(time.Hour)
	if withRefresh {
		acct.RefreshToken = "simulated-refresh-" + uuid.NewString()
	}
	return s.db.UpdateAccountTokens(ctx, acct.ID, acct.AccessToken, acct.TokenExpiresAt, acct.RefreshToken)
}

func (s *Simulated) EnsureAuthenticated(ctx context.Context, acct *types.Account) error {
	if acct.Authenticated() {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "issuing simulated token")
	return s.issueToken(ctx, acct, false)
}

func (s *Simulated) ExchangeAuthorizationCode(ctx context.Context, acct *types.Account, code string) error {
	if code == "" {
		return errors.New("missing authorization code")
	}
	return s.issueToken(ctx, acct, true)
}

func (s *Simulated) Revoke(ctx context.Context, acct *types.Account) (bool, error) {
	acct.AccessToken = ""
	acct.TokenExpiresAt = time.Time{}
	acct.RefreshToken = ""
	if err := s.db.UpdateAccountTokens(ctx, acct.ID, "", time.Time{}, ""); err != nil {
		return true, err
	}
	return true, nil
}

// simulatedValue returns a deterministic value in [5, 20] for the usage
// point and date.
func simulatedValue(usagePointID string, date time.Time) float64 {
	h := fnv.New32a()
	h.Write([]byte(usagePointID))
	h.Write([]byte(date.Format("2006-01-02 15:04")))
	return 5 + float64(h.Sum32()%1501)/100
}

func (s *Simulated) dailySeries(ctx context.Context, acct *types.Account, start, end time.Time, kind types.MeasurementKind, unit string) ([]types.Reading, error) {
	params, err := daterange.PrepareRequestParams(start, end, types.PeriodDaily, acct.UsagePointID)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureAuthenticated(ctx, acct); err != nil {
		return nil, err
	}

	startDate, _ := daterange.EnsureDate(params.Start)
	endDate, _ := daterange.EnsureDate(params.End)

	var readings []types.Reading
	for d := startDate; !d.After(endDate); d = d.AddDate(0, 0, 1) {
		readings = append(readings, types.Reading{
			AccountID:       acct.ID,
			UsagePointID:    acct.UsagePointID,
			Date:            d,
			PeriodType:      types.PeriodDaily,
			Value:           simulatedValue(acct.UsagePointID, d),
			Unit:            unit,
			MeasurementKind: kind,
		})
	}
	return readings, nil
}

func (s *Simulated) GetDailyConsumption(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return s.dailySeries(ctx, acct, start, end, types.MeasurementEnergy, "kWh")
}

func (s *Simulated) GetDailyConsumptionMaxPower(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return s.dailySeries(ctx, acct, start, end, types.MeasurementPowerMax, "kVA")
}

func (s *Simulated) GetDailyProduction(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return s.dailySeries(ctx, acct, start, end, types.MeasurementProduction, "kWh")
}

func (s *Simulated) halfHourSeries(ctx context.Context, acct *types.Account, start, end time.Time, kind types.MeasurementKind) ([]types.Reading, error) {
	params, err := daterange.PrepareRequestParams(start, end, types.PeriodThirtyMinutes, acct.UsagePointID)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureAuthenticated(ctx, acct); err != nil {
		return nil, err
	}

	startDate, _ := daterange.EnsureDate(params.Start)
	endDate, _ := daterange.EnsureDate(params.End)

	var readings []types.Reading
	for t := startDate; !t.After(endDate); t = t.Add(30 * time.Minute) {
		readings = append(readings, types.Reading{
			AccountID:       acct.ID,
			UsagePointID:    acct.UsagePointID,
			Date:            t,
			PeriodType:      types.PeriodThirtyMinutes,
			Value:           simulatedValue(acct.UsagePointID, t) / 10,
			Unit:            "kW",
			MeasurementKind: kind,
		})
	}
	return readings, nil
}

// GetConsumptionLoadCurve yields one point per 30 minutes.
func (s *Simulated) GetConsumptionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return s.halfHourSeries(ctx, acct, start, end, types.MeasurementPower)
}

// GetProductionLoadCurve yields one production point per 30 minutes.
func (s *Simulated) GetProductionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error) {
	return s.halfHourSeries(ctx, acct, start, end, types.MeasurementProduction)
}

func (s *Simulated) GetUsagePointAddresses(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	if acct.UsagePointID == "" {
		return nil, fmt.Errorf("%w: account has no usage point configured", daterange.ErrInvalidParams)
	}
	payload := map[string]interface{}{
		"customer": map[string]interface{}{
			"usage_points": []map[string]interface{}{{
				"usage_point": map[string]interface{}{
					"usage_point_id": acct.UsagePointID,
					"usage_point_addresses": map[string]string{
						"street":      "2 bis rue du capitaine Flam",
						"postal_code": "75000",
						"city":        "Paris",
						"country":     "France",
						"insee_code":  "75056",
					},
				},
			}},
		},
	}
	return json.Marshal(payload)
}

func (s *Simulated) GetContracts(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	if acct.UsagePointID == "" {
		return nil, fmt.Errorf("%w: account has no usage point configured", daterange.ErrInvalidParams)
	}
	payload := map[string]interface{}{
		"customer": map[string]interface{}{
			"usage_points": []map[string]interface{}{{
				"usage_point": map[string]string{
					"usage_point_id":     acct.UsagePointID,
					"usage_point_status": "com",
					"meter_type":         "AMM",
				},
				"contracts": map[string]string{
					"segment":             "C5",
					"subscribed_power":    "9 kVA",
					"distribution_tariff": "BTINFCUST",
					"contract_status":     "SERVC",
				},
			}},
		},
	}
	return json.Marshal(payload)
}

func (s *Simulated) GetIdentity(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	if acct.UsagePointID == "" {
		return nil, fmt.Errorf("%w: account has no usage point configured", daterange.ErrInvalidParams)
	}
	payload := map[string]interface{}{
		"customer": map[string]interface{}{
			"customer_id": "1358019319",
			"identity": map[string]interface{}{
				"natural_person": map[string]string{
					"title":     "M",
					"firstname": "Jean",
					"lastname":  "Dupont",
				},
			},
		},
	}
	return json.Marshal(payload)
}

func (s *Simulated) GetContactData(ctx context.Context, acct *types.Account) (json.RawMessage, error) {
	if acct.UsagePointID == "" {
		return nil, fmt.Errorf("%w: account has no usage point configured", daterange.ErrInvalidParams)
	}
	payload := map[string]interface{}{
		"customer": map[string]interface{}{
			"customer_id": "1358019319",
			"contact_data": map[string]string{
				"phone": "0123456789",
				"email": "jean.dupont@example.fr",
			},
		},
	}
	return json.Marshal(payload)
}
