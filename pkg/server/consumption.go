package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/metersync/metersync/pkg/daterange"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/provider"
	"github.com/metersync/metersync/pkg/types"
)

func (s *Server) handleDailyConsumption(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r, types.PeriodDaily, types.MeasurementEnergy)
}

func (s *Server) handleConsumptionLoadCurve(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r, types.PeriodThirtyMinutes, types.MeasurementPower)
}

func (s *Server) handleConsumptionMaxPower(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r, types.PeriodDaily, types.MeasurementPowerMax)
}

func (s *Server) handleDailyProduction(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r, types.PeriodDaily, types.MeasurementProduction)
}

func (s *Server) handleProductionLoadCurve(w http.ResponseWriter, r *http.Request) {
	s.handleSeries(w, r, types.PeriodThirtyMinutes, types.MeasurementProduction)
}

// handleSeries syncs the requested window if needed and returns the
// persisted readings with their total and average. Provider outages are not
// fatal: whatever is already persisted is still served.
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request, period types.PeriodType, kind types.MeasurementKind) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	start, end, err := parseDateRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := daterange.ValidateRange(start, end, period); err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := s.sync.SyncIfMissing(ctx, &acct, period, kind, start, end); err != nil {
		if isValidationError(err) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		// provider trouble; log and fall through to persisted data
		log.Ctx(ctx).WarnContext(ctx, "sync failed, serving persisted readings",
			slog.String("accountID", acct.ID),
			slog.String("period", string(period)),
			slog.String("kind", string(kind)),
			slog.Any("error", err),
		)
	}

	summary, err := s.sync.Summary(ctx, acct.ID, period, kind, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to summarize readings", slog.Any("error", err))
		writeJSONError(w, "failed to read persisted data", http.StatusInternalServerError)
		return
	}

	setReadingsCacheControl(w, end)
	writeJSON(w, summary)
}

func (s *Server) handleMonthlyConsumption(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	start, end, err := parseDateRange(r)
	if err != nil {
		writeJSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	// no width check here: monthly windows are clamped, not rejected
	if start.After(end) {
		writeJSONError(w, "start date must be before end date", http.StatusBadRequest)
		return
	}

	if err := s.sync.SyncIfMissing(ctx, &acct, types.PeriodMonthly, types.MeasurementEnergy, start, end); err != nil {
		if isValidationError(err) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).WarnContext(ctx, "monthly sync failed, serving persisted readings",
			slog.String("accountID", acct.ID),
			slog.Any("error", err),
		)
	}

	totals, err := s.sync.MonthlyTotals(ctx, acct.ID, types.MeasurementEnergy, start, end)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to read monthly totals", slog.Any("error", err))
		writeJSONError(w, "failed to read persisted data", http.StatusInternalServerError)
		return
	}

	setReadingsCacheControl(w, end)
	writeJSON(w, struct {
		Months []types.MonthlyTotal `json:"months"`
	}{Months: totals})
}

// parseDateRange reads the required start and end query parameters. Both ISO
// (YYYY-MM-DD) and DD/MM/YYYY forms are accepted.
func parseDateRange(r *http.Request) (time.Time, time.Time, error) {
	startStr := r.URL.Query().Get("start")
	endStr := r.URL.Query().Get("end")
	if startStr == "" || endStr == "" {
		return time.Time{}, time.Time{}, errors.New("start and end query parameters are required")
	}

	start, err := daterange.EnsureDate(startStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid start date: %v", err)
	}
	end, err := daterange.EnsureDate(endStr)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid end date: %v", err)
	}
	return start, end, nil
}

func isValidationError(err error) bool {
	return errors.Is(err, daterange.ErrInvalidParams) ||
		errors.Is(err, daterange.ErrInvalidRange) ||
		errors.Is(err, daterange.ErrInvalidDateFormat)
}

// setReadingsCacheControl allows short private caching; windows entirely in
// the past are stable and can be cached for a day.
func setReadingsCacheControl(w http.ResponseWriter, end time.Time) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	if end.Before(today) {
		w.Header().Set("Cache-Control", "private, max-age=86400")
	} else {
		w.Header().Set("Cache-Control", "private, max-age=60")
	}
}

// apiErrorStatus maps a provider error to the status we answer with when the
// provider response is required to serve the request at all.
func apiErrorStatus(err error) int {
	var apiErr *provider.ApiError
	if errors.As(err, &apiErr) {
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}
