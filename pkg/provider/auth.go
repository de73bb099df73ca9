package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metersync/metersync/pkg/common"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/types"
)

const (
	tokenPath     = "oauth2/v3/token"
	revokePath    = "oauth2/v3/revoke"
	authorizePath = "dataconnect/v1/oauth2/authorize"
)

// ErrMalformedResponse indicates the provider returned a 2xx response whose
// body did not match the documented shape.
var ErrMalformedResponse = errors.New("malformed provider response")

// ApiError is a non-2xx response from the provider. The body is kept
// verbatim since the provider's error payloads are not stable enough to
// parse.
type ApiError struct {
	Code int
	Body string
}

func (e *ApiError) Error() string {
	return fmt.Sprintf("provider api error: status %d: %s", e.Code, e.Body)
}

// AuthManager drives the OAuth2 token lifecycle against the provider.
// Tokens are persisted through storage so they survive restarts.
type AuthManager struct {
	client       *http.Client
	db           storage.Database
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
}

func newAuthManager(baseURL, clientID, clientSecret, redirectURI string, db storage.Database) *AuthManager {
	return &AuthManager{
		client:       common.HTTPClient(time.Minute),
		db:           db,
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
	}
}

// AuthorizeURL returns the provider consent page URL carrying the given
// anti-forgery state.
func (a *AuthManager) AuthorizeURL(state string) string {
	params := url.Values{}
	params.Set("client_id", a.clientID)
	params.Set("state", state)
	params.Set("response_type", "code")
	if a.redirectURI != "" {
		params.Set("redirect_uri", a.redirectURI)
	}
	return fmt.Sprintf("%s/%s?%s", a.baseURL, authorizePath, params.Encode())
}

// EnsureAuthenticated makes sure the account holds a usable access token,
// requesting a fresh one via client credentials when the stored token is
// missing or expired.
func (a *AuthManager) EnsureAuthenticated(ctx context.Context, acct *types.Account) error {
	if acct.Authenticated() {
		return nil
	}
	log.Ctx(ctx).DebugContext(ctx, "token missing or expired, authenticating", slog.String("accountID", acct.ID))
	return a.Authenticate(ctx, acct)
}

// Authenticate performs the client-credentials grant and persists the
// resulting token on the account. Any stored refresh token is preserved.
func (a *AuthManager) Authenticate(ctx context.Context, acct *types.Account) error {
	data := url.Values{}
	data.Set("grant_type", "client_credentials")

	td, err := a.tokenRequest(ctx, data)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "authentication failed", slog.String("accountID", acct.ID), slog.Any("error", err))
		return err
	}

	acct.AccessToken = td.AccessToken
	acct.TokenExpiresAt = time.Now().Add(time.Duration(td.ExpiresIn) * time.Second)
	if err := a.db.UpdateAccountTokens(ctx, acct.ID, acct.AccessToken, acct.TokenExpiresAt, acct.RefreshToken); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "authenticated with provider",
		slog.String("accountID", acct.ID),
		slog.Time("expiresAt", acct.TokenExpiresAt),
	)
	return nil
}

// ExchangeAuthorizationCode redeems a consent callback code for tokens and
// persists them. A refresh token is stored only when the provider returns
// one; otherwise the existing refresh token is kept.
func (a *AuthManager) ExchangeAuthorizationCode(ctx context.Context, acct *types.Account, code string) error {
	data := url.Values{}
	data.Set("grant_type", "authorization_code")
	data.Set("code", code)
	if a.redirectURI != "" {
		data.Set("redirect_uri", a.redirectURI)
	}

	td, err := a.tokenRequest(ctx, data)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "authorization code exchange failed", slog.String("accountID", acct.ID), slog.Any("error", err))
		return err
	}

	acct.AccessToken = td.AccessToken
	acct.TokenExpiresAt = time.Now().Add(time.Duration(td.ExpiresIn) * time.Second)
	if td.RefreshToken != "" {
		acct.RefreshToken = td.RefreshToken
	}
	if err := a.db.UpdateAccountTokens(ctx, acct.ID, acct.AccessToken, acct.TokenExpiresAt, acct.RefreshToken); err != nil {
		return fmt.Errorf("persisting tokens: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "exchanged authorization code",
		slog.String("accountID", acct.ID),
		slog.Bool("gotRefreshToken", td.RefreshToken != ""),
	)
	return nil
}

// Revoke invalidates the account's token with the provider. Local
// credentials are always cleared, even when the remote call fails, so a
// broken provider cannot leave us holding a token we believe is live.
func (a *AuthManager) Revoke(ctx context.Context, acct *types.Account) (bool, error) {
	remoteOK := true
	if acct.AccessToken != "" {
		data := url.Values{}
		data.Set("token", acct.AccessToken)
		data.Set("token_type_hint", "access_token")

		req, err := a.newFormRequest(ctx, revokePath, data)
		if err != nil {
			return false, err
		}
		resp, err := a.client.Do(req)
		if err != nil {
			log.Ctx(ctx).WarnContext(ctx, "revocation request failed", slog.String("accountID", acct.ID), slog.Any("error", err))
			remoteOK = false
		} else {
			resp.Body.Close()
			if resp.StatusCode < 200 || resp.StatusCode >= 300 {
				log.Ctx(ctx).WarnContext(ctx, "provider rejected revocation",
					slog.String("accountID", acct.ID),
					slog.Int("status", resp.StatusCode),
				)
				remoteOK = false
			}
		}
	}

	acct.AccessToken = ""
	acct.TokenExpiresAt = time.Time{}
	acct.RefreshToken = ""
	if err := a.db.UpdateAccountTokens(ctx, acct.ID, "", time.Time{}, ""); err != nil {
		return remoteOK, fmt.Errorf("clearing tokens: %w", err)
	}
	log.Ctx(ctx).InfoContext(ctx, "cleared local credentials", slog.String("accountID", acct.ID), slog.Bool("remoteOK", remoteOK))
	return remoteOK, nil
}

// invalidateToken drops the in-memory and persisted access token so the next
// request re-authenticates. Used when the provider answers 401 to a request
// we believed was authorized.
func (a *AuthManager) invalidateToken(ctx context.Context, acct *types.Account) error {
	acct.AccessToken = ""
	acct.TokenExpiresAt = time.Time{}
	return a.db.UpdateAccountTokens(ctx, acct.ID, "", time.Time{}, acct.RefreshToken)
}

func (a *AuthManager) newFormRequest(ctx context.Context, endpoint string, data url.Values) (*http.Request, error) {
	u := fmt.Sprintf("%s/%s", a.baseURL, endpoint)
	req, err := http.NewRequestWithContext(ctx, "POST", u, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, err
	}
	basic := base64.StdEncoding.EncodeToString([]byte(a.clientID + ":" + a.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (a *AuthManager) tokenRequest(ctx context.Context, data url.Values) (types.TokenData, error) {
	req, err := a.newFormRequest(ctx, tokenPath, data)
	if err != nil {
		return types.TokenData{}, err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return types.TokenData{}, fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.TokenData{}, fmt.Errorf("reading token response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return types.TokenData{}, &ApiError{Code: resp.StatusCode, Body: string(body)}
	}

	var td types.TokenData
	if err := json.Unmarshal(body, &td); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to decode token response", slog.Any("error", err), slog.String("body", string(body)))
		return types.TokenData{}, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if td.AccessToken == "" {
		return types.TokenData{}, fmt.Errorf("%w: token response missing access_token", ErrMalformedResponse)
	}
	return td, nil
}
