// Package provider talks to the energy-data provider's metering APIs. It
// handles the OAuth2 token lifecycle and converts the provider's envelope
// responses into normalized readings.
package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/levenlabs/go-lflag"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

// Client is the interface for fetching metering data for an account. All
// data methods validate the requested window before any network call and
// return readings normalized to the internal model.
type Client interface {
	// AuthorizeURL returns the provider consent page URL carrying the given
	// anti-forgery state.
	AuthorizeURL(state string) string
	// EnsureAuthenticated makes sure the account holds a usable access
	// token, authenticating against the provider if needed. The account is
	// updated in place and persisted.
	EnsureAuthenticated(ctx context.Context, acct *types.Account) error
	// ExchangeAuthorizationCode redeems a consent callback code for tokens.
	ExchangeAuthorizationCode(ctx context.Context, acct *types.Account, code string) error
	// Revoke invalidates the account's tokens with the provider. Local
	// credentials are cleared even when the remote call fails; the bool
	// reports whether the provider accepted the revocation.
	Revoke(ctx context.Context, acct *types.Account) (bool, error)

	GetDailyConsumption(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)
	GetConsumptionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)
	GetDailyConsumptionMaxPower(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)
	GetDailyProduction(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)
	GetProductionLoadCurve(ctx context.Context, acct *types.Account, start, end time.Time) ([]types.Reading, error)

	// The customer record methods are passthroughs; the payload shape is
	// owned by the provider so it is returned as raw JSON.
	GetUsagePointAddresses(ctx context.Context, acct *types.Account) (json.RawMessage, error)
	GetContracts(ctx context.Context, acct *types.Account) (json.RawMessage, error)
	GetIdentity(ctx context.Context, acct *types.Account) (json.RawMessage, error)
	GetContactData(ctx context.Context, acct *types.Account) (json.RawMessage, error)
}

// Configured sets up the provider client based on flags.
func Configured(db storage.Database) Client {
	mode := lflag.String("provider-mode", "real", "Provider mode to use (available: real, simulated)")
	baseURL := lflag.String("provider-base-url", "https://gw.ext.prod.api.enedis.fr", "Base URL of the provider API")
	clientID := lflag.String("provider-client-id", "", "OAuth2 client ID issued by the provider")
	clientSecret := lflag.String("provider-client-secret", "", "OAuth2 client secret issued by the provider")
	redirectURI := lflag.String("provider-redirect-uri", "", "Redirect URI registered with the provider for the consent flow")

	var p struct{ Client }

	lflag.Do(func() {
		switch *mode {
		case "real":
			if *clientID == "" || *clientSecret == "" {
				panic("provider-client-id and provider-client-secret are required in real mode")
			}
			p.Client = NewHTTPClient(*baseURL, *clientID, *clientSecret, *redirectURI, db)
		case "simulated":
			p.Client = NewSimulated(db)
		default:
			panic(fmt.Sprintf("unknown provider mode: %s", *mode))
		}
	})

	return &p
}
