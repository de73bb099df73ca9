package server

import (
	"crypto/subtle"
	"errors"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/storage"
)

// handleOAuthAuthorize starts the consent flow: a fresh anti-forgery state
// is persisted for the account and the caller is redirected to the provider.
func (s *Server) handleOAuthAuthorize(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	state := uuid.NewString()
	if err := s.db.PutOAuthState(ctx, acct.ID, state); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to store oauth state", slog.Any("error", err))
		writeJSONError(w, "failed to start authorization", http.StatusInternalServerError)
		return
	}

	log.Ctx(ctx).InfoContext(ctx, "starting authorization flow", slog.String("accountID", acct.ID))
	http.Redirect(w, r, s.provider.AuthorizeURL(state), http.StatusFound)
}

// handleOAuthCallback finishes the consent flow. The state must match the
// one stored for the account; a mismatch rejects the request before any
// token exchange happens.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	gotState := r.URL.Query().Get("state")
	if gotState == "" {
		writeJSONError(w, "missing state", http.StatusBadRequest)
		return
	}

	wantState, err := s.db.TakeOAuthState(ctx, acct.ID)
	if err != nil {
		if errors.Is(err, storage.ErrStateNotFound) {
			log.Ctx(ctx).WarnContext(ctx, "callback without pending authorization", slog.String("accountID", acct.ID))
			writeJSONError(w, "no pending authorization", http.StatusForbidden)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to load oauth state", slog.Any("error", err))
		writeJSONError(w, "failed to verify state", http.StatusInternalServerError)
		return
	}
	if subtle.ConstantTimeCompare([]byte(gotState), []byte(wantState)) != 1 {
		log.Ctx(ctx).WarnContext(ctx, "oauth state mismatch", slog.String("accountID", acct.ID))
		writeJSONError(w, "state mismatch", http.StatusForbidden)
		return
	}

	code := r.URL.Query().Get("code")
	if code == "" {
		writeJSONError(w, "missing authorization code", http.StatusBadRequest)
		return
	}

	if err := s.provider.ExchangeAuthorizationCode(ctx, &acct, code); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "code exchange failed", slog.String("accountID", acct.ID), slog.Any("error", err))
		writeJSONError(w, "authorization failed", apiErrorStatus(err))
		return
	}

	writeJSON(w, struct {
		Status string `json:"status"`
	}{Status: "connected"})
}

// handleOAuthRevoke drops the account's provider consent. Local credentials
// are cleared even when the provider rejects the revocation.
func (s *Server) handleOAuthRevoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	remoteOK, err := s.provider.Revoke(ctx, &acct)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "revocation failed", slog.String("accountID", acct.ID), slog.Any("error", err))
		writeJSONError(w, "revocation failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct {
		Revoked  bool `json:"revoked"`
		RemoteOK bool `json:"remoteOK"`
	}{Revoked: true, RemoteOK: remoteOK})
}
