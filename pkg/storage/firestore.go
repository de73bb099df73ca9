package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/levenlabs/go-lflag"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/types"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// FirestoreDatabase implements Database using Google Cloud Firestore.
// Readings are stored as JSON blobs under each account; aggregation happens
// in memory since Firestore cannot group server-side.
type FirestoreDatabase struct {
	client    *firestore.Client
	projectID string
	database  string
}

// configuredFirestore sets up the Firestore database.
// It registers flags for configuration.
func configuredFirestore() *FirestoreDatabase {
	projectID := lflag.String("firestore-project-id", "", "Google Cloud Project ID for Firestore")
	database := lflag.String("firestore-database", "", "Google Cloud Firestore Database")
	emulator := lflag.String("firestore-emulator", "", "Use Firestore emulator")

	f := &FirestoreDatabase{}

	lflag.Do(func() {
		f.projectID = *projectID
		f.database = *database

		// set this because that's how firestore client expects it
		if *emulator != "" {
			os.Setenv("FIRESTORE_EMULATOR_HOST", *emulator)
		}
	})

	return f
}

// Validate checks if the database is properly configured.
func (f *FirestoreDatabase) Validate() error {
	// Project ID verification could be here, but we allow empty if inferred.
	return nil
}

// Init initializes the Firestore client.
// This must be called before using the database methods.
func (f *FirestoreDatabase) Init(ctx context.Context) error {
	projectID := f.projectID
	if projectID == "" {
		projectID = firestore.DetectProjectID
	}
	database := f.database
	if database == "" {
		database = firestore.DefaultDatabaseID
	}
	client, err := firestore.NewClientWithDatabase(ctx, projectID, database)
	if err != nil {
		return fmt.Errorf("failed to create firestore client (project=%s, database=%s): %w", projectID, database, err)
	}
	f.client = client
	return nil
}

// Close closes the Firestore client connection.
func (f *FirestoreDatabase) Close() error {
	if f.client != nil {
		return f.client.Close()
	}
	return nil
}

func (f *FirestoreDatabase) getCollection(accountID, name string) (*firestore.CollectionRef, error) {
	if accountID == "" {
		return nil, fmt.Errorf("accountID cannot be empty")
	}
	return f.client.Collection("accounts").Doc(accountID).Collection(name), nil
}

// readingDocID builds the document ID for a reading. The period and kind
// prefix keeps the series separate while the ISO date suffix preserves
// lexicographic ordering for range queries. Half-hour rows carry the time of
// day; everything else is keyed by date alone. An account has a single usage
// point at a time, so it is part of the blob rather than the key.
func readingDocID(period types.PeriodType, kind types.MeasurementKind, date time.Time) string {
	layout := "2006-01-02"
	if period == types.PeriodThirtyMinutes {
		layout = "2006-01-02T15:04"
	}
	return fmt.Sprintf("%s-%s-%s", period, kind, date.UTC().Format(layout))
}

// readingRangeEndID is the inclusive upper bound for a range query ending on
// end's calendar day. Half-hour IDs sort by time of day, so the bound must
// cover the whole last day.
func readingRangeEndID(period types.PeriodType, kind types.MeasurementKind, end time.Time) string {
	if period == types.PeriodThirtyMinutes {
		return fmt.Sprintf("%s-%s-%sT23:59", period, kind, end.UTC().Format("2006-01-02"))
	}
	return readingDocID(period, kind, end)
}

// GetAccount retrieves an account from the "accounts" collection.
func (f *FirestoreDatabase) GetAccount(ctx context.Context, accountID string) (types.Account, error) {
	doc, err := f.client.Collection("accounts").Doc(accountID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return types.Account{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return types.Account{}, fmt.Errorf("failed to get account %s: %w", accountID, err)
	}

	val, err := doc.DataAt("json")
	if err != nil {
		log.Ctx(ctx).WarnContext(ctx, "account doc missing json", slog.String("accountID", accountID))
		return types.Account{}, fmt.Errorf("account %s missing json: %w", accountID, err)
	}
	jsonStr, ok := val.(string)
	if !ok {
		log.Ctx(ctx).WarnContext(ctx, "account doc json not string", slog.String("accountID", accountID))
		return types.Account{}, fmt.Errorf("account %s json not string", accountID)
	}

	var acct types.Account
	if err := json.Unmarshal([]byte(jsonStr), &acct); err != nil {
		return types.Account{}, fmt.Errorf("failed to unmarshal account %s: %w", accountID, err)
	}
	return acct, nil
}

// PutAccount adds or replaces an account document in the "accounts" collection.
func (f *FirestoreDatabase) PutAccount(ctx context.Context, account types.Account) error {
	jsonBytes, err := json.Marshal(account)
	if err != nil {
		return fmt.Errorf("failed to marshal account %s: %w", account.ID, err)
	}
	_, err = f.client.Collection("accounts").Doc(account.ID).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
	}, firestore.MergeAll)
	if err != nil {
		return fmt.Errorf("failed to save account %s: %w", account.ID, err)
	}
	return nil
}

// UpdateAccountTokens replaces the stored credentials on an account.
// Passing zero values clears them.
func (f *FirestoreDatabase) UpdateAccountTokens(ctx context.Context, accountID, accessToken string, expiresAt time.Time, refreshToken string) error {
	acct, err := f.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	acct.AccessToken = accessToken
	acct.TokenExpiresAt = expiresAt
	acct.RefreshToken = refreshToken
	return f.PutAccount(ctx, acct)
}

// SetUsagePoint updates the usage point on an account.
func (f *FirestoreDatabase) SetUsagePoint(ctx context.Context, accountID, usagePointID string) error {
	acct, err := f.GetAccount(ctx, accountID)
	if err != nil {
		return err
	}
	acct.UsagePointID = usagePointID
	return f.PutAccount(ctx, acct)
}

// UpsertReading adds or updates a reading in the account's "readings"
// sub-collection as a JSON blob.
func (f *FirestoreDatabase) UpsertReading(ctx context.Context, reading types.Reading) (types.Reading, error) {
	reading.Date = normalizeReadingDate(reading.PeriodType, reading.Date)
	jsonBytes, err := json.Marshal(reading)
	if err != nil {
		return types.Reading{}, fmt.Errorf("failed to marshal reading: %w", err)
	}

	coll, err := f.getCollection(reading.AccountID, "readings")
	if err != nil {
		return types.Reading{}, err
	}
	_, err = coll.Doc(readingDocID(reading.PeriodType, reading.MeasurementKind, reading.Date)).Set(ctx, map[string]interface{}{
		"json": string(jsonBytes),
		"date": reading.Date,
	})
	if err != nil {
		return types.Reading{}, fmt.Errorf("failed to upsert reading: %w", err)
	}
	return reading, nil
}

// GetReadingsInRange retrieves readings within the date range, inclusive on
// both ends. Uses document ID range queries for efficient filtering.
func (f *FirestoreDatabase) GetReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.Reading, error) {
	coll, err := f.getCollection(accountID, "readings")
	if err != nil {
		return nil, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(readingDocID(period, kind, start))).
		Where(firestore.DocumentID, "<=", coll.Doc(readingRangeEndID(period, kind, end))).
		OrderBy(firestore.DocumentID, firestore.Asc).
		Documents(ctx)
	defer iter.Stop()

	var readings []types.Reading
	for {
		doc, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("error iterating readings: %w", err)
		}

		val, err := doc.DataAt("json")
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "reading doc missing json", slog.String("docID", doc.Ref.ID), slog.String("accountID", accountID), slog.Any("err", err))
			return nil, fmt.Errorf("reading document %s missing 'json' field: %w", doc.Ref.ID, err)
		}

		jsonStr, ok := val.(string)
		if !ok {
			log.Ctx(ctx).WarnContext(ctx, "reading doc json not string", slog.String("docID", doc.Ref.ID), slog.String("accountID", accountID))
			return nil, fmt.Errorf("reading document %s 'json' field is not string", doc.Ref.ID)
		}

		var r types.Reading
		if err := json.Unmarshal([]byte(jsonStr), &r); err != nil {
			log.Ctx(ctx).WarnContext(ctx, "failed to unmarshal reading", slog.String("docID", doc.Ref.ID), slog.String("accountID", accountID), slog.Any("err", err))
			return nil, fmt.Errorf("failed to unmarshal reading (id=%s): %w", doc.Ref.ID, err)
		}
		readings = append(readings, r)
	}
	return readings, nil
}

// HasReadingsInRange reports whether at least one reading exists in the range.
func (f *FirestoreDatabase) HasReadingsInRange(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (bool, error) {
	coll, err := f.getCollection(accountID, "readings")
	if err != nil {
		return false, err
	}
	iter := coll.
		Where(firestore.DocumentID, ">=", coll.Doc(readingDocID(period, kind, start))).
		Where(firestore.DocumentID, "<=", coll.Doc(readingRangeEndID(period, kind, end))).
		Limit(1).
		Documents(ctx)
	defer iter.Stop()

	_, err = iter.Next()
	if err == iterator.Done {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check readings: %w", err)
	}
	return true, nil
}

// SumAndAverage computes the total and mean value over the range in memory.
func (f *FirestoreDatabase) SumAndAverage(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) (float64, float64, error) {
	readings, err := f.GetReadingsInRange(ctx, accountID, period, kind, start, end)
	if err != nil {
		return 0, 0, err
	}
	if len(readings) == 0 {
		return 0, 0, nil
	}
	var total float64
	for _, r := range readings {
		total += r.Value
	}
	return total, total / float64(len(readings)), nil
}

// GroupSumByMonth sums readings per calendar month, keeping each month's
// first-seen unit.
func (f *FirestoreDatabase) GroupSumByMonth(ctx context.Context, accountID string, period types.PeriodType, kind types.MeasurementKind, start, end time.Time) ([]types.MonthlyTotal, error) {
	readings, err := f.GetReadingsInRange(ctx, accountID, period, kind, start, end)
	if err != nil {
		return nil, err
	}

	byMonth := make(map[time.Time]*types.MonthlyTotal)
	for _, r := range readings {
		month := time.Date(r.Date.Year(), r.Date.Month(), 1, 0, 0, 0, 0, time.UTC)
		mt, ok := byMonth[month]
		if !ok {
			mt = &types.MonthlyTotal{Month: month, Unit: r.Unit}
			byMonth[month] = mt
		}
		mt.TotalValue += r.Value
	}

	totals := make([]types.MonthlyTotal, 0, len(byMonth))
	for _, mt := range byMonth {
		totals = append(totals, *mt)
	}
	sort.Slice(totals, func(i, j int) bool {
		return totals[i].Month.Before(totals[j].Month)
	})
	return totals, nil
}

// PutOAuthState saves the pending authorization state for an account.
// Starting a new authorization replaces the previous state.
func (f *FirestoreDatabase) PutOAuthState(ctx context.Context, accountID, state string) error {
	coll, err := f.getCollection(accountID, "oauth")
	if err != nil {
		return err
	}
	_, err = coll.Doc("state").Set(ctx, map[string]interface{}{
		"state":     state,
		"createdAt": time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to save oauth state for %s: %w", accountID, err)
	}
	return nil
}

// TakeOAuthState returns and deletes the pending authorization state so a
// state can only be redeemed once.
func (f *FirestoreDatabase) TakeOAuthState(ctx context.Context, accountID string) (string, error) {
	coll, err := f.getCollection(accountID, "oauth")
	if err != nil {
		return "", err
	}
	doc, err := coll.Doc("state").Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return "", fmt.Errorf("%w: %s", ErrStateNotFound, accountID)
		}
		return "", fmt.Errorf("failed to get oauth state for %s: %w", accountID, err)
	}

	val, err := doc.DataAt("state")
	if err != nil {
		return "", fmt.Errorf("oauth state doc for %s missing 'state' field: %w", accountID, err)
	}
	state, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("oauth state for %s is not a string", accountID)
	}

	if _, err := coll.Doc("state").Delete(ctx); err != nil {
		return "", fmt.Errorf("failed to delete oauth state for %s: %w", accountID, err)
	}
	return state, nil
}
