package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/metersync/metersync/pkg/storage/storagemock"
	"github.com/metersync/metersync/pkg/syncer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthz(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(body))
}

func TestSecurityHeaders(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "max-age=63072000; includeSubDomains", resp.Header.Get("Strict-Transport-Security"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", resp.Header.Get("X-Frame-Options"))
	assert.Equal(t, "strict-origin-when-cross-origin", resp.Header.Get("Referrer-Policy"))
}

func TestServerNameHeader(t *testing.T) {
	db := storagemock.NewMemory()
	fp := &fakeProvider{dailyValue: 3}
	srv := &Server{
		db:         db,
		provider:   fp,
		sync:       syncer.New(db, fp),
		bypassAuth: true,
		serverName: "metersync-rev1",
	}
	ts := httptest.NewServer(srv.setupHandler())
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "metersync-rev1", resp.Header.Get("Server"))
}

func TestAuthMiddleware(t *testing.T) {
	newAuthedServer := func(verifier tokenVerifier) *httptest.Server {
		db := storagemock.NewMemory()
		fp := &fakeProvider{dailyValue: 3}
		srv := &Server{
			db:           db,
			provider:     fp,
			sync:         syncer.New(db, fp),
			oidcAudience: "test-audience",
			oidcVerifier: verifier,
		}
		return httptest.NewServer(srv.setupHandler())
	}

	t.Run("Missing Token", func(t *testing.T) {
		ts := newAuthedServer(func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			t.Error("verifier must not be called without a bearer token")
			return nil, errors.New("unexpected call")
		})
		t.Cleanup(ts.Close)

		resp, err := http.Get(ts.URL + "/api/usagepoint")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Invalid Token", func(t *testing.T) {
		ts := newAuthedServer(func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			return nil, errors.New("bad signature")
		})
		t.Cleanup(ts.Close)

		req, err := http.NewRequest(http.MethodGet, ts.URL+"/api/usagepoint", nil)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer not-a-token")
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})

	t.Run("Healthz Stays Open", func(t *testing.T) {
		ts := newAuthedServer(func(ctx context.Context, raw string) (*oidc.IDToken, error) {
			return nil, errors.New("bad signature")
		})
		t.Cleanup(ts.Close)

		resp, err := http.Get(ts.URL + "/healthz")
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusOK, resp.StatusCode)
	})
}

func TestAccountCreatedLazily(t *testing.T) {
	ts, db, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/usagepoint?account=tenant2")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	acct, err := db.GetAccount(context.Background(), "tenant2")
	require.NoError(t, err)
	assert.Equal(t, "tenant2", acct.ID)
	assert.Empty(t, acct.UsagePointID)
}
