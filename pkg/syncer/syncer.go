// Package syncer decides when to pull data from the provider and keeps the
// persisted series the single source of truth for queries. Data is fetched
// at most once per requested window; everything else is served from storage.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/metersync/metersync/pkg/daterange"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/provider"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

// maxMonthlySpanMonths is the widest window a monthly aggregation covers.
// Wider requests are silently clamped to the most recent months, matching
// how far back the provider keeps daily history.
const maxMonthlySpanMonths = 36

// fetchChunkDays keeps each provider request under the daily window cap
// when a monthly aggregation needs years of daily data.
const fetchChunkDays = 360

// Syncer coordinates the provider client and storage.
type Syncer struct {
	db     storage.Database
	client provider.Client
}

func New(db storage.Database, client provider.Client) *Syncer {
	return &Syncer{db: db, client: client}
}

// SyncIfMissing fetches and persists readings for the window unless storage
// already holds at least one reading in it. The window is treated as a unit:
// partial coverage counts as covered, so a once-synced range is never
// re-fetched.
func (s *Syncer) SyncIfMissing(ctx context.Context, acct *types.Account, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) error {
	start = truncateDay(start)
	end = truncateDay(end)

	if period == types.PeriodMonthly {
		return s.syncMonthly(ctx, acct, kind, start, end)
	}

	have, err := s.db.HasReadingsInRange(ctx, acct.ID, period, kind, start, end)
	if err != nil {
		return err
	}
	if have {
		log.Ctx(ctx).DebugContext(ctx, "window already synced",
			slog.String("accountID", acct.ID),
			slog.String("period", string(period)),
			slog.String("kind", string(kind)),
		)
		return nil
	}

	return s.fetchAndPersist(ctx, acct, period, kind, start, end)
}

// Summary returns the persisted readings in the window together with their
// total and average. An empty window yields zeros, not an error.
func (s *Syncer) Summary(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (types.ConsumptionSummary, error) {
	start = truncateDay(start)
	end = truncateDay(end)

	readings, err := s.db.GetReadingsInRange(ctx, accountID, period, kind, start, end)
	if err != nil {
		return types.ConsumptionSummary{}, err
	}
	total, average, err := s.db.SumAndAverage(ctx, accountID, period, kind, start, end)
	if err != nil {
		return types.ConsumptionSummary{}, err
	}
	return types.ConsumptionSummary{
		Readings: readings,
		Total:    total,
		Average:  average,
	}, nil
}

// MonthlyTotals returns the persisted monthly series for the window.
func (s *Syncer) MonthlyTotals(ctx context.Context, accountID string, kind types.MeasurementKind, start, end time.Time) ([]types.MonthlyTotal, error) {
	start, end = clampMonthlyRange(truncateDay(start), truncateDay(end))
	readings, err := s.db.GetReadingsInRange(ctx, accountID, types.PeriodMonthly, kind, start, end)
	if err != nil {
		return nil, err
	}
	totals := make([]types.MonthlyTotal, len(readings))
	for i, r := range readings {
		totals[i] = types.MonthlyTotal{Month: r.Date, TotalValue: r.Value, Unit: r.Unit}
	}
	return totals, nil
}

// syncMonthly derives the monthly series from persisted daily readings. The
// daily series is synced first, then summed per calendar month and persisted
// through the same upsert path as fetched data.
func (s *Syncer) syncMonthly(ctx context.Context, acct *types.Account, kind types.MeasurementKind, start, end time.Time) error {
	requested := start
	start, end = clampMonthlyRange(start, end)
	if monthStart(requested) != start {
		log.Ctx(ctx).InfoContext(ctx, "monthly window clamped",
			slog.String("accountID", acct.ID),
			slog.Time("requestedStart", requested),
			slog.Time("clampedStart", start),
		)
	}

	// 36 calendar months can reach slightly past the daily history horizon
	// (leap days plus the partial current month), so the derived daily fetch
	// starts no earlier than the oldest day the provider still serves.
	dailyStart := start
	if earliest := daterange.EarliestStart(types.PeriodDaily); dailyStart.Before(earliest) {
		dailyStart = earliest
	}
	if err := s.SyncIfMissing(ctx, acct, types.PeriodDaily, kind, dailyStart, end); err != nil {
		return err
	}

	totals, err := s.db.GroupSumByMonth(ctx, acct.ID, types.PeriodDaily, kind, start, end)
	if err != nil {
		return err
	}
	for _, mt := range totals {
		_, err := s.db.UpsertReading(ctx, types.Reading{
			AccountID:       acct.ID,
			UsagePointID:    acct.UsagePointID,
			Date:            mt.Month,
			PeriodType:      types.PeriodMonthly,
			Value:           mt.TotalValue,
			Unit:            mt.Unit,
			MeasurementKind: kind,
		})
		if err != nil {
			return err
		}
	}
	log.Ctx(ctx).DebugContext(ctx, "derived monthly readings",
		slog.String("accountID", acct.ID),
		slog.String("kind", string(kind)),
		slog.Int("months", len(totals)),
	)
	return nil
}

// fetchAndPersist pulls the window from the provider in chunks small enough
// to satisfy the per-request window cap and upserts every reading.
func (s *Syncer) fetchAndPersist(ctx context.Context, acct *types.Account, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) error {
	fetch, err := s.fetchFunc(period, kind)
	if err != nil {
		return err
	}

	var persisted int
	for chunkStart := start; !chunkStart.After(end); chunkStart = chunkStart.AddDate(0, 0, fetchChunkDays+1) {
		chunkEnd := chunkStart.AddDate(0, 0, fetchChunkDays)
		if chunkEnd.After(end) {
			chunkEnd = end
		}

		readings, err := fetch(ctx, acct, chunkStart, chunkEnd)
		if err != nil {
			return fmt.Errorf("fetching %s/%s: %w", period, kind, err)
		}
		// persistence failures are isolated per reading so one bad row
		// cannot sink the rest of the batch
		for _, r := range readings {
			if _, err := s.db.UpsertReading(ctx, r); err != nil {
				log.Ctx(ctx).WarnContext(ctx, "failed to persist reading, skipping",
					slog.String("accountID", acct.ID),
					slog.Time("date", r.Date),
					slog.String("period", string(period)),
					slog.Any("error", err),
				)
				continue
			}
			persisted++
		}
	}

	log.Ctx(ctx).InfoContext(ctx, "synced readings",
		slog.String("accountID", acct.ID),
		slog.String("period", string(period)),
		slog.String("kind", string(kind)),
		slog.Time("start", start),
		slog.Time("end", end),
		slog.Int("count", persisted),
	)
	return nil
}

type fetchFunc func(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)

func (s *Syncer) fetchFunc(period types.PeriodType, kind types.MeasurementKind) (fetchFunc, error) {
	switch {
	case period == types.PeriodDaily && kind == types.MeasurementEnergy:
		return s.client.GetDailyConsumption, nil
	case period == types.PeriodDaily && kind == types.MeasurementPowerMax:
		return s.client.GetDailyConsumptionMaxPower, nil
	case period == types.PeriodDaily && kind == types.MeasurementProduction:
		return s.client.GetDailyProduction, nil
	case period == types.PeriodThirtyMinutes && kind == types.MeasurementPower:
		return s.client.GetConsumptionLoadCurve, nil
	case period == types.PeriodThirtyMinutes && kind == types.MeasurementProduction:
		return s.client.GetProductionLoadCurve, nil
	default:
		return nil, fmt.Errorf("no provider endpoint for period %s and kind %s", period, kind)
	}
}

// clampMonthlyRange aligns both ends to the first of their month and limits
// the span to maxMonthlySpanMonths, keeping the most recent months.
func clampMonthlyRange(start, end time.Time) (time.Time, time.Time) {
	start = monthStart(start)
	end = monthStart(end)
	months := (end.Year()-start.Year())*12 + int(end.Month()) - int(start.Month())
	if months > maxMonthlySpanMonths {
		start = end.AddDate(0, -maxMonthlySpanMonths, 0)
	}
	return start, end
}

func monthStart(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
