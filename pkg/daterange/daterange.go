// Package daterange validates and normalizes the bounded date windows that
// the provider accepts for metering-data requests.
package daterange

import (
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/metersync/metersync/pkg/types"
)

var (
	// ErrInvalidDateFormat indicates an input could not be interpreted as a date.
	ErrInvalidDateFormat = errors.New("invalid date format")
	// ErrInvalidRange indicates a (start, end) pair violates a window rule.
	ErrInvalidRange = errors.New("invalid date range")
	// ErrInvalidParams indicates request parameters could not be assembled.
	ErrInvalidParams = errors.New("invalid request parameters")
)

var (
	isoDateRe    = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)
	frenchDateRe = regexp.MustCompile(`^\d{2}/\d{2}/\d{4}$`)
)

// RequestParams is the validated set of query parameters for a metering-data
// request. Start and End are ISO8601 dates.
type RequestParams struct {
	UsagePointID string
	Start        string
	End          string
}

// EnsureDate converts the input into a date truncated to midnight UTC.
// It accepts a time.Time or a string in ISO (YYYY-MM-DD) or DD/MM/YYYY
// form. Unrecognized string formats are rejected rather than guessed.
func EnsureDate(input any) (time.Time, error) {
	switch v := input.(type) {
	case time.Time:
		return truncateDay(v), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("%w: nil date", ErrInvalidDateFormat)
		}
		return truncateDay(*v), nil
	case string:
		var layout string
		switch {
		case isoDateRe.MatchString(v):
			layout = "2006-01-02"
		case frenchDateRe.MatchString(v):
			layout = "02/01/2006"
		default:
			return time.Time{}, fmt.Errorf("%w: unrecognized date %q", ErrInvalidDateFormat, v)
		}
		t, err := time.ParseInLocation(layout, v, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: cannot parse %q", ErrInvalidDateFormat, v)
		}
		return t, nil
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported type %T", ErrInvalidDateFormat, input)
	}
}

// maxDurationDays is the widest window the provider accepts for one request.
func maxDurationDays(period types.PeriodType) int {
	if period == types.PeriodMonthly {
		return 1095 // 3 years for monthly figures
	}
	return 365
}

// maxHistoryDays is how far back a request may start. The provider keeps
// roughly 36 months of history for every series.
func maxHistoryDays(period types.PeriodType) int {
	return 1095
}

// EarliestStart is the oldest start date the provider accepts for the
// period, based on its history retention.
func EarliestStart(period types.PeriodType) time.Time {
	return truncateDay(time.Now().UTC()).AddDate(0, 0, -maxHistoryDays(period))
}

// ValidateRange checks a (start, end) pair against the period's window rules.
// Each rule fails independently with its own reason so callers can surface
// the specific violation.
func ValidateRange(start, end time.Time, period types.PeriodType) error {
	if start.IsZero() || end.IsZero() {
		return fmt.Errorf("%w: start and end dates are required", ErrInvalidRange)
	}
	start = truncateDay(start)
	end = truncateDay(end)
	today := truncateDay(time.Now().UTC())

	if start.After(end) {
		return fmt.Errorf("%w: start date (%s) must be before end date (%s)", ErrInvalidRange,
			start.Format("2006-01-02"), end.Format("2006-01-02"))
	}
	if start.After(today) {
		return fmt.Errorf("%w: start date (%s) cannot be in the future", ErrInvalidRange,
			start.Format("2006-01-02"))
	}
	if days := daysBetween(start, end); days > maxDurationDays(period) {
		return fmt.Errorf("%w: requested window (%d days) is too long (maximum: %d days)", ErrInvalidRange,
			days, maxDurationDays(period))
	}
	if days := daysBetween(start, today); days > maxHistoryDays(period) {
		return fmt.Errorf("%w: start date (%s) is too old (maximum: %d days back)", ErrInvalidRange,
			start.Format("2006-01-02"), maxHistoryDays(period))
	}
	return nil
}

// PrepareRequestParams converts raw date inputs into validated query
// parameters. This is the single gateway all metering-data requests go
// through; any underlying failure is wrapped in ErrInvalidParams.
func PrepareRequestParams(start, end any, period types.PeriodType, usagePointID string) (RequestParams, error) {
	if start == nil || end == nil {
		return RequestParams{}, fmt.Errorf("%w: start and end dates are required", ErrInvalidParams)
	}

	startDate, err := EnsureDate(start)
	if err != nil {
		return RequestParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	endDate, err := EnsureDate(end)
	if err != nil {
		return RequestParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if err := ValidateRange(startDate, endDate, period); err != nil {
		return RequestParams{}, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}

	if usagePointID == "" {
		return RequestParams{}, fmt.Errorf("%w: account has no usage point configured", ErrInvalidParams)
	}

	return RequestParams{
		UsagePointID: usagePointID,
		Start:        startDate.Format("2006-01-02"),
		End:          endDate.Format("2006-01-02"),
	}, nil
}

func truncateDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func daysBetween(a, b time.Time) int {
	return int(b.Sub(a) / (24 * time.Hour))
}
