package types

import "time"

const (
	// AccountIDNone is the account used when running in single-account mode.
	AccountIDNone = "default"

	// UsagePointIDLength is the exact number of digits in a delivery point
	// identifier.
	UsagePointIDLength = 14
)

// PeriodType is the granularity tag of a reading.
type PeriodType string

const (
	PeriodDaily         PeriodType = "DAILY"
	PeriodMonthly       PeriodType = "MONTHLY"
	PeriodThirtyMinutes PeriodType = "THIRTY_MINUTES"
)

// MeasurementKind is the semantic category of a reading.
type MeasurementKind string

const (
	MeasurementEnergy     MeasurementKind = "energy"
	MeasurementPower      MeasurementKind = "power"
	MeasurementPowerMax   MeasurementKind = "power_max"
	MeasurementProduction MeasurementKind = "production"
)

// Account represents a metered customer account and its provider credentials.
// Token fields are mutated by the auth manager; UsagePointID is set via the
// configuration API.
type Account struct {
	ID             string    `json:"id"`
	UsagePointID   string    `json:"usagePointID,omitempty"`
	AccessToken    string    `json:"accessToken,omitempty"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt,omitempty"`
	RefreshToken   string    `json:"refreshToken,omitempty"`
}

// Authenticated reports whether the account holds a token that has not yet
// expired.
func (a Account) Authenticated() bool {
	return a.AccessToken != "" && !a.TokenExpiresAt.IsZero() && a.TokenExpiresAt.After(time.Now())
}

// Reading is one normalized time-series data point for an account's usage
// point. At most one reading exists per (AccountID, UsagePointID, Date,
// PeriodType, MeasurementKind); persistence is an upsert on that key.
type Reading struct {
	AccountID       string          `json:"accountID"`
	UsagePointID    string          `json:"usagePointID"`
	Date            time.Time       `json:"date"`
	PeriodType      PeriodType      `json:"periodType"`
	Value           float64         `json:"value"`
	Unit            string          `json:"unit"`
	MeasurementKind MeasurementKind `json:"measurementKind"`
}

// MonthlyTotal is the grouped sum of daily readings for one calendar month.
type MonthlyTotal struct {
	Month      time.Time `json:"month"`
	TotalValue float64   `json:"totalValue"`
	Unit       string    `json:"unit"`
}

// TokenData is the provider's token endpoint response.
type TokenData struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// ConsumptionSummary is the aggregate view over a persisted range.
type ConsumptionSummary struct {
	Readings []Reading `json:"readings"`
	Total    float64   `json:"total"`
	Average  float64   `json:"average"`
}
