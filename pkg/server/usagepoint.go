package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/metersync/metersync/pkg/daterange"
	"github.com/metersync/metersync/pkg/log"
	"github.com/metersync/metersync/pkg/types"
)

// usage point identifiers are exactly 14 digits
var usagePointIDRe = regexp.MustCompile(`^\d{14}$`)

func (s *Server) handleGetUsagePoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	writeJSON(w, struct {
		UsagePointID  string `json:"usagePointID"`
		Authenticated bool   `json:"authenticated"`
	}{UsagePointID: acct.UsagePointID, Authenticated: acct.Authenticated()})
}

func (s *Server) handleSetUsagePoint(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	var body struct {
		UsagePointID string `json:"usagePointID"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSONError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if !usagePointIDRe.MatchString(body.UsagePointID) {
		writeJSONError(w, "usagePointID must be exactly 14 digits", http.StatusBadRequest)
		return
	}

	if err := s.db.SetUsagePoint(ctx, acct.ID, body.UsagePointID); err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to set usage point", slog.String("accountID", acct.ID), slog.Any("error", err))
		writeJSONError(w, "failed to save usage point", http.StatusInternalServerError)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "usage point updated",
		slog.String("accountID", acct.ID),
		slog.String("usagePointID", body.UsagePointID),
	)

	writeJSON(w, struct {
		UsagePointID string `json:"usagePointID"`
	}{UsagePointID: body.UsagePointID})
}

func (s *Server) handleUsagePointAddresses(w http.ResponseWriter, r *http.Request) {
	s.handleUsagePointInfo(w, r, s.provider.GetUsagePointAddresses)
}

func (s *Server) handleUsagePointContracts(w http.ResponseWriter, r *http.Request) {
	s.handleUsagePointInfo(w, r, s.provider.GetContracts)
}

func (s *Server) handleUsagePointIdentity(w http.ResponseWriter, r *http.Request) {
	s.handleUsagePointInfo(w, r, s.provider.GetIdentity)
}

func (s *Server) handleUsagePointContact(w http.ResponseWriter, r *http.Request) {
	s.handleUsagePointInfo(w, r, s.provider.GetContactData)
}

// handleUsagePointInfo proxies a provider customer record verbatim; the
// payload shape is owned by the provider.
func (s *Server) handleUsagePointInfo(w http.ResponseWriter, r *http.Request, fetch func(context.Context, *types.Account) (json.RawMessage, error)) {
	ctx := r.Context()

	acct, err := s.getOrCreateAccount(ctx, r)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to resolve account", slog.Any("error", err))
		writeJSONError(w, "failed to resolve account", http.StatusInternalServerError)
		return
	}

	raw, err := fetch(ctx, &acct)
	if err != nil {
		if errors.Is(err, daterange.ErrInvalidParams) {
			writeJSONError(w, err.Error(), http.StatusBadRequest)
			return
		}
		log.Ctx(ctx).ErrorContext(ctx, "failed to fetch usage point info", slog.String("accountID", acct.ID), slog.Any("error", err))
		writeJSONError(w, "failed to fetch usage point info", apiErrorStatus(err))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(raw); err != nil {
		panic(http.ErrAbortHandler)
	}
}
