package provider

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/types"
)

// envelope is the provider's metering-data response wrapper.
type envelope struct {
	MeterReading *meterReading `json:"meter_reading"`
}

type meterReading struct {
	UsagePointID     string            `json:"usage_point_id"`
	Start            string            `json:"start"`
	End              string            `json:"end"`
	ReadingType      readingType       `json:"reading_type"`
	IntervalReadings []intervalReading `json:"interval_reading"`
}

type readingType struct {
	Unit              string `json:"unit"`
	MeasurementKind   string `json:"measurement_kind"`
	Aggregate         string `json:"aggregate"`
	MeasuringPeriod   string `json:"measuring_period"`
	IntervalLength    string `json:"interval_length"`
	MeasurementMethod string `json:"measurement_method"`
}

type intervalReading struct {
	Value flexString `json:"value"`
	Date  string     `json:"date"`
	Unit  string     `json:"unit"`
}

// flexString captures a JSON value that providers send sometimes as a quoted
// string and sometimes as a bare number. Decoding never fails; garbage is
// kept verbatim and handled during normalization.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = flexString(s)
		return nil
	}
	*f = flexString(strings.TrimSpace(string(data)))
	return nil
}

// allowedUnits are the units we pass through as-is (compared
// case-insensitively, stored with original casing).
var allowedUnits = map[string]bool{
	"kwh": true,
	"kw":  true,
	"kva": true,
	"w":   true,
	"wh":  true,
	"va":  true,
}

// extractUnit picks the unit for one interval entry. The entry's own unit
// wins over the envelope-level reading type, which wins over the endpoint
// default. Anything outside the allow-list is forced to kWh.
func extractUnit(ir intervalReading, rt readingType, defaultUnit string) string {
	unit := ir.Unit
	if unit == "" {
		unit = rt.Unit
	}
	if unit == "" {
		unit = defaultUnit
	}
	if !allowedUnits[strings.ToLower(unit)] {
		return "kWh"
	}
	return unit
}

// parseReadingDate accepts both the plain date the daily endpoints return
// and the timestamped form used by the load curve.
func parseReadingDate(s string) (time.Time, error) {
	if t, err := time.ParseInLocation("2006-01-02", s, time.UTC); err == nil {
		return t, nil
	}
	return time.ParseInLocation("2006-01-02 15:04:05", s, time.UTC)
}

// normalizeReadings converts a provider envelope into readings for the
// account. Entries are processed independently: a missing date or value
// skips that entry with a warning, and an unparseable value becomes 0 so one
// bad entry never poisons the rest of the series.
func normalizeReadings(ctx context.Context, acct *types.Account, env *envelope, period types.PeriodType, kind types.MeasurementKind, defaultUnit string) []types.Reading {
	if env == nil || env.MeterReading == nil {
		return nil
	}
	mr := env.MeterReading

	readings := make([]types.Reading, 0, len(mr.IntervalReadings))
	for i, ir := range mr.IntervalReadings {
		if ir.Date == "" {
			log.Ctx(ctx).WarnContext(ctx, "interval reading missing date, skipping",
				slog.Int("index", i), slog.String("accountID", acct.ID))
			continue
		}
		date, err := parseReadingDate(ir.Date)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "interval reading has unparseable date, skipping",
				slog.Int("index", i), slog.String("date", ir.Date), slog.String("accountID", acct.ID))
			continue
		}
		if ir.Value == "" {
			log.Ctx(ctx).WarnContext(ctx, "interval reading missing value, skipping",
				slog.Int("index", i), slog.String("date", ir.Date), slog.String("accountID", acct.ID))
			continue
		}
		value, err := strconv.ParseFloat(string(ir.Value), 64)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "interval reading has unparseable value, using 0",
				slog.Int("index", i), slog.String("value", string(ir.Value)), slog.String("accountID", acct.ID))
			value = 0
		}

		readings = append(readings, types.Reading{
			AccountID:       acct.ID,
			UsagePointID:    acct.UsagePointID,
			Date:            date,
			PeriodType:      period,
			Value:           value,
			Unit:            extractUnit(ir, mr.ReadingType, defaultUnit),
			MeasurementKind: kind,
		})
	}
	return readings
}
