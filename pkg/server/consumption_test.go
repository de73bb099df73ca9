package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/metersync/metersync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func getJSON(t *testing.T, url string, dest interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if dest != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(dest))
	}
	return resp
}

func TestDailyConsumption(t *testing.T) {
	ts, _, fp := newTestServer(t)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -4)
	url := fmt.Sprintf("%s/api/consumption/daily?start=%s&end=%s",
		ts.URL, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var summary types.ConsumptionSummary
	resp := getJSON(t, url, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, summary.Readings, 5)
	assert.Equal(t, 15.0, summary.Total)
	assert.Equal(t, 3.0, summary.Average)
	assert.Equal(t, 1, fp.fetchCalls)

	// second request is served from storage
	resp = getJSON(t, url, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, fp.fetchCalls)
}

func TestDailyConsumptionValidation(t *testing.T) {
	ts, _, fp := newTestServer(t)

	t.Run("Missing Dates", func(t *testing.T) {
		resp := getJSON(t, ts.URL+"/api/consumption/daily", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Garbage Dates", func(t *testing.T) {
		resp := getJSON(t, ts.URL+"/api/consumption/daily?start=03-15-2025&end=2025-03-20", nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("Inverted Range", func(t *testing.T) {
		end := time.Now().UTC().Truncate(24 * time.Hour)
		start := end.AddDate(0, 0, -4)
		url := fmt.Sprintf("%s/api/consumption/daily?start=%s&end=%s",
			ts.URL, end.Format("2006-01-02"), start.Format("2006-01-02"))
		resp := getJSON(t, url, nil)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	assert.Zero(t, fp.fetchCalls, "validation failures must not hit the provider")
}

func TestDailyConsumptionProviderDown(t *testing.T) {
	ts, db, fp := newTestServer(t)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -2)

	// one stale reading is already persisted
	_, err := db.UpsertReading(t.Context(), types.Reading{
		AccountID: types.AccountIDNone, UsagePointID: "12345678901234",
		Date: start, PeriodType: types.PeriodDaily,
		Value: 7, Unit: "kWh", MeasurementKind: types.MeasurementEnergy,
	})
	require.NoError(t, err)
	fp.fetchErr = errors.New("provider down")

	url := fmt.Sprintf("%s/api/consumption/daily?start=%s&end=%s",
		ts.URL, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var summary types.ConsumptionSummary
	resp := getJSON(t, url, &summary)
	require.Equal(t, http.StatusOK, resp.StatusCode, "persisted data is still served")
	assert.Len(t, summary.Readings, 1)
	assert.Equal(t, 7.0, summary.Total)
}

func TestMonthlyConsumption(t *testing.T) {
	ts, _, _ := newTestServer(t)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, -2, 0)
	url := fmt.Sprintf("%s/api/consumption/monthly?start=%s&end=%s",
		ts.URL, start.Format("2006-01-02"), end.Format("2006-01-02"))

	var body struct {
		Months []types.MonthlyTotal `json:"months"`
	}
	resp := getJSON(t, url, &body)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NotEmpty(t, body.Months)
	assert.Equal(t, 1, body.Months[0].Month.Day(), "months are keyed by their first day")
	assert.Greater(t, body.Months[0].TotalValue, 0.0)
}

func TestProductionAndPowerSeries(t *testing.T) {
	ts, _, _ := newTestServer(t)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -1)
	q := fmt.Sprintf("start=%s&end=%s", start.Format("2006-01-02"), end.Format("2006-01-02"))

	for _, path := range []string{
		"/api/production/daily",
		"/api/production/loadcurve",
		"/api/consumption/maxpower",
		"/api/consumption/loadcurve",
	} {
		t.Run(path, func(t *testing.T) {
			var summary types.ConsumptionSummary
			resp := getJSON(t, ts.URL+path+"?"+q, &summary)
			require.Equal(t, http.StatusOK, resp.StatusCode)
			assert.NotEmpty(t, summary.Readings)
		})
	}
}

func TestSeriesAreIndependent(t *testing.T) {
	ts, _, fp := newTestServer(t)

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -1)
	q := fmt.Sprintf("start=%s&end=%s", start.Format("2006-01-02"), end.Format("2006-01-02"))

	resp := getJSON(t, ts.URL+"/api/consumption/daily?"+q, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp = getJSON(t, ts.URL+"/api/production/daily?"+q, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 2, fp.fetchCalls, "consumption and production sync separately")
}
