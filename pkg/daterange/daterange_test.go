package daterange

import (
	"testing"
	"time"

	"github.com/metersync/metersync/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnsureDate(t *testing.T) {
	t.Run("Time Passthrough", func(t *testing.T) {
		in := time.Date(2025, 3, 15, 13, 45, 0, 0, time.UTC)
		got, err := EnsureDate(in)
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), got, "should truncate to midnight")
	})

	t.Run("ISO String", func(t *testing.T) {
		got, err := EnsureDate("2025-03-15")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("French String", func(t *testing.T) {
		got, err := EnsureDate("15/03/2025")
		require.NoError(t, err)
		assert.Equal(t, time.Date(2025, 3, 15, 0, 0, 0, 0, time.UTC), got)
	})

	t.Run("Ambiguous String Rejected", func(t *testing.T) {
		_, err := EnsureDate("03-15-2025")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidDateFormat)
	})

	t.Run("Garbage String Rejected", func(t *testing.T) {
		_, err := EnsureDate("not a date")
		assert.ErrorIs(t, err, ErrInvalidDateFormat)
	})

	t.Run("Unsupported Type Rejected", func(t *testing.T) {
		_, err := EnsureDate(12345)
		assert.ErrorIs(t, err, ErrInvalidDateFormat)
	})
}

func TestValidateRange(t *testing.T) {
	today := time.Now().UTC().Truncate(24 * time.Hour)

	t.Run("Valid Window", func(t *testing.T) {
		err := ValidateRange(today.AddDate(0, 0, -30), today, types.PeriodDaily)
		assert.NoError(t, err)
	})

	t.Run("Start After End", func(t *testing.T) {
		err := ValidateRange(today, today.AddDate(0, 0, -1), types.PeriodDaily)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRange)
		assert.Contains(t, err.Error(), "before end date")
	})

	t.Run("Start In Future", func(t *testing.T) {
		err := ValidateRange(today.AddDate(0, 0, 1), today.AddDate(0, 0, 2), types.PeriodDaily)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRange)
		assert.Contains(t, err.Error(), "future")
	})

	t.Run("Daily Too Long", func(t *testing.T) {
		// 500 days is within history limits but over the 365-day window cap
		err := ValidateRange(today.AddDate(0, 0, -500), today, types.PeriodDaily)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("Daily Too Old", func(t *testing.T) {
		start := today.AddDate(0, 0, -(1095 + 10))
		err := ValidateRange(start, start.AddDate(0, 0, 5), types.PeriodDaily)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidRange)
		assert.Contains(t, err.Error(), "too old")
	})

	t.Run("Monthly Allows Longer Window", func(t *testing.T) {
		// 2-year monthly window is fine even though it exceeds the daily cap.
		err := ValidateRange(today.AddDate(-2, 0, 0), today, types.PeriodMonthly)
		assert.NoError(t, err)
	})

	t.Run("Zero Dates", func(t *testing.T) {
		err := ValidateRange(time.Time{}, today, types.PeriodDaily)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})
}

func TestPrepareRequestParams(t *testing.T) {
	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today.AddDate(0, 0, -7)

	t.Run("Valid", func(t *testing.T) {
		params, err := PrepareRequestParams(start, today, types.PeriodDaily, "12345678901234")
		require.NoError(t, err)
		assert.Equal(t, "12345678901234", params.UsagePointID)
		assert.Equal(t, start.Format("2006-01-02"), params.Start)
		assert.Equal(t, today.Format("2006-01-02"), params.End)
	})

	t.Run("String Dates", func(t *testing.T) {
		params, err := PrepareRequestParams(start.Format("2006-01-02"), today.Format("2006-01-02"), types.PeriodDaily, "12345678901234")
		require.NoError(t, err)
		assert.Equal(t, start.Format("2006-01-02"), params.Start)
	})

	t.Run("Nil Dates", func(t *testing.T) {
		_, err := PrepareRequestParams(nil, today, types.PeriodDaily, "12345678901234")
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("Missing Usage Point", func(t *testing.T) {
		_, err := PrepareRequestParams(start, today, types.PeriodDaily, "")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParams)
		assert.Contains(t, err.Error(), "usage point")
	})

	t.Run("Wraps Range Violation", func(t *testing.T) {
		_, err := PrepareRequestParams(today, start, types.PeriodDaily, "12345678901234")
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrInvalidParams)
	})

	t.Run("Wraps Format Violation", func(t *testing.T) {
		_, err := PrepareRequestParams("03-15-2025", today, types.PeriodDaily, "12345678901234")
		assert.ErrorIs(t, err, ErrInvalidParams)
	})
}
