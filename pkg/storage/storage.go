package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/metersync/metersync/pkg/types"
)

var (
	ErrAccountNotFound = errors.New("account not found")
	ErrStateNotFound   = errors.New("oauth state not found")
)

// Database defines the interface for persisting accounts, normalized
// readings, and transient OAuth states.
type Database interface {
	// Accounts
	GetAccount(ctx context.Context, accountID string) (types.Account, error)
	PutAccount(ctx context.Context, account types.Account) error
	UpdateAccountTokens(ctx context.Context, accountID, accessToken string, expiresAt time.Time, refreshToken string) error
	SetUsagePoint(ctx context.Context, accountID, usagePointID string) error

	// Readings
	// UpsertReading adds or updates a reading keyed by
	// (account, usage point, date, period type, measurement kind).
	UpsertReading(ctx context.Context, reading types.Reading) (types.Reading, error)
	GetReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.Reading, error)
	HasReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (bool, error)
	// SumAndAverage returns the total and mean value over the range.
	// An empty range yields (0, 0), never an error.
	SumAndAverage(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (float64, float64, error)
	// GroupSumByMonth sums readings per calendar month, keeping each
	// month's first-seen unit.
	GroupSumByMonth(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.MonthlyTotal, error)

	// OAuth states
	PutOAuthState(ctx context.Context, accountID, state string) error
	// TakeOAuthState returns and removes the stored state so it can only
	// be redeemed once.
	TakeOAuthState(ctx context.Context, accountID string) (string, error)

	// Lifecycle
	Close() error
}

// normalizeReadingDate truncates a reading timestamp to its period's
// resolution: midnight UTC for daily and monthly rows, the minute for
// half-hour load-curve rows.
func normalizeReadingDate(period types.PeriodType, t time.Time) time.Time {
	t = t.UTC()
	if period == types.PeriodThirtyMinutes {
		return t.Truncate(time.Minute)
	}
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Configured sets up the storage provider based on flags.
func Configured() Database {
	provider := lflag.String("storage-provider", "postgres", "Storage provider to use (available: postgres, firestore)")

	var p struct{ Database }

	pg := configuredPostgres()
	fs := configuredFirestore()

	lflag.Do(func() {
		switch *provider {
		case "postgres":
			if err := pg.Validate(); err != nil {
				panic(fmt.Sprintf("postgres validation failed: %v", err))
			}
			p.Database = pg
			if err := pg.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("postgres init failed: %v", err))
			}
		case "firestore":
			if err := fs.Validate(); err != nil {
				panic(fmt.Sprintf("firestore validation failed: %v", err))
			}
			p.Database = fs
			if err := fs.Init(context.Background()); err != nil {
				panic(fmt.Sprintf("firestore init failed: %v", err))
			}
		default:
			panic(fmt.Sprintf("unknown storage provider: %s", *provider))
		}
	})

	return &p
}
