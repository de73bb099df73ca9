// Package server exposes the HTTP API: consumption and production queries,
// usage point configuration, and the provider OAuth flow.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/NYTimes/gziphandler"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/levenlabs/go-lflag"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/provider"
	"github.com/metersync/metersync/pkg/storage"
	"github.com/metersync/metersync/pkg/syncer"
	"github.com/metersync/metersync/pkg/types"
)

// tokenVerifier is a function that validates an ID token.
type tokenVerifier func(ctx context.Context, rawIDToken string) (*oidc.IDToken, error)

// Server handles the HTTP API. It orchestrates the provider client, the
// sync layer, and storage.
type Server struct {
	db       storage.Database
	provider provider.Client
	sync     *syncer.Syncer

	listenAddr string
	httpServer *http.Server

	oidcAudience string
	oidcVerifier tokenVerifier
	bypassAuth   bool
	serverName   string
}

// Configured initializes the Server with dependencies.
// It uses lflag to register command-line flags for configuration.
func Configured(db storage.Database, client provider.Client) *Server {
	srv := &Server{
		db:         db,
		provider:   client,
		sync:       syncer.New(db, client),
		serverName: "metersync",
	}
	revision := os.Getenv("K_REVISION")
	if revision != "" {
		srv.serverName = revision
	}

	// get the port from PORT when running in cloud run
	port := os.Getenv("PORT")
	if port == "" {
		// otherwise default to 8080
		port = "8080"
	}

	listenAddr := lflag.String("http-listen", ":"+port, "HTTP server listen address")
	oidcAudience := lflag.String("oidc-audience", "", "Google OIDC audience/client ID to validate API callers against; empty disables auth")

	lflag.Do(func() {
		srv.listenAddr = *listenAddr
		if *oidcAudience != "" {
			oidcProvider, err := oidc.NewProvider(context.Background(), "https://accounts.google.com")
			if err != nil {
				log.Ctx(context.Background()).Error("failed to initialize Google OIDC provider", slog.Any("error", err))
				os.Exit(1)
			}
			srv.oidcAudience = *oidcAudience
			srv.oidcVerifier = oidcProvider.Verifier(&oidc.Config{ClientID: *oidcAudience}).Verify
		} else {
			srv.bypassAuth = true
		}
	})

	return srv
}

func (s *Server) setupHandler() http.Handler {
	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/consumption/daily", s.handleDailyConsumption)
	apiMux.HandleFunc("GET /api/consumption/monthly", s.handleMonthlyConsumption)
	apiMux.HandleFunc("GET /api/consumption/loadcurve", s.handleConsumptionLoadCurve)
	apiMux.HandleFunc("GET /api/consumption/maxpower", s.handleConsumptionMaxPower)
	apiMux.HandleFunc("GET /api/production/daily", s.handleDailyProduction)
	apiMux.HandleFunc("GET /api/production/loadcurve", s.handleProductionLoadCurve)
	apiMux.HandleFunc("GET /api/usagepoint", s.handleGetUsagePoint)
	apiMux.HandleFunc("POST /api/usagepoint", s.handleSetUsagePoint)
	apiMux.HandleFunc("GET /api/usagepoint/addresses", s.handleUsagePointAddresses)
	apiMux.HandleFunc("GET /api/usagepoint/contracts", s.handleUsagePointContracts)
	apiMux.HandleFunc("GET /api/usagepoint/identity", s.handleUsagePointIdentity)
	apiMux.HandleFunc("GET /api/usagepoint/contact", s.handleUsagePointContact)
	apiMux.HandleFunc("GET /api/oauth/authorize", s.handleOAuthAuthorize)
	apiMux.HandleFunc("GET /api/oauth/callback", s.handleOAuthCallback)
	apiMux.HandleFunc("POST /api/oauth/revoke", s.handleOAuthRevoke)

	mux := http.NewServeMux()
	mux.Handle("/api/", s.authMiddleware(apiMux))
	mux.HandleFunc("/healthz", s.handleHealthz)
	return s.serverNameMiddleware(gziphandler.GzipHandler(s.securityHeadersMiddleware(mux)))
}

// getOrCreateAccount resolves the account the request is for. Without an
// explicit account query parameter the shared single-tenant account is used.
// Accounts are created lazily on first touch.
func (s *Server) getOrCreateAccount(ctx context.Context, r *http.Request) (types.Account, error) {
	accountID := r.URL.Query().Get("account")
	if accountID == "" {
		accountID = types.AccountIDNone
	}
	acct, err := s.db.GetAccount(ctx, accountID)
	if errors.Is(err, storage.ErrAccountNotFound) {
		acct = types.Account{ID: accountID}
		if err := s.db.PutAccount(ctx, acct); err != nil {
			return types.Account{}, err
		}
		log.Ctx(ctx).InfoContext(ctx, "created account", slog.String("accountID", accountID))
		return acct, nil
	} else if err != nil {
		return types.Account{}, err
	}
	return acct, nil
}

// Run starts the HTTP server and blocks until the context is canceled or an
// error occurs. It also handles graceful shutdown when the context is done.
func (s *Server) Run(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:         s.listenAddr,
		Handler:      s.setupHandler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  15 * time.Second,
	}

	// use a channel to capture server errors
	errChan := make(chan error, 1)
	go func() {
		defer close(errChan)
		log.Ctx(ctx).InfoContext(ctx, "starting server", slog.String("addr", s.listenAddr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		log.Ctx(ctx).InfoContext(ctx, "shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return nil
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func writeJSONError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(struct {
		Error string `json:"error"`
	}{Error: msg}); err != nil {
		slog.Warn("failed to write error response", slog.Any("error", err))
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok")); err != nil {
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) serverNameMiddleware(next http.Handler) http.Handler {
	if s.serverName == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", s.serverName)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Strict-Transport-Security: max-age=2 years
		w.Header().Set("Strict-Transport-Security", "max-age=63072000; includeSubDomains")

		// Prevent MIME-sniffing
		w.Header().Set("X-Content-Type-Options", "nosniff")

		// Prevent clickjacking
		w.Header().Set("X-Frame-Options", "DENY")

		// Control referrer information
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")

		next.ServeHTTP(w, r)
	})
}
