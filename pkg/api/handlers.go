package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/money"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxHistoryLimit = 200

// limitParam reads ?limit=, defaulting to the configured page size.
func (s *Server) limitParam(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return s.config.HistoryLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxHistoryLimit {
		return 0, fmt.Errorf("%w: limit must be between 1 and %d", errBadRequest, maxHistoryLimit)
	}
	return n, nil
}

// handleRegister creates an account with a zero balance and enrolls its
// password.
func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	req.Tag = strings.TrimSpace(req.Tag)
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if req.Tag == "" || req.DisplayName == "" {
		s.writeError(w, r, fmt.Errorf("%w: tag and display_name are required", errBadRequest))
		return
	}
	if err := s.deps.Credentials.ValidateCredential(req.Password); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	account := &ledger.Account{
		ID:          uuid.NewString(),
		Tag:         req.Tag,
		DisplayName: req.DisplayName,
		Balance:     money.Zero,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.deps.Store.CreateAccount(ctx, account); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.deps.Credentials.Enroll(ctx, account.ID, req.Password); err != nil {
		s.logger.Error("account created without a password",
			logging.AccountID(account.ID),
			zap.Error(err),
		)
		s.writeError(w, r, err)
		return
	}

	s.logger.Info("account registered", logging.AccountID(account.ID), zap.String("tag", account.Tag))
	writeJSON(w, http.StatusCreated, accountResponse{
		AccountID:   account.ID,
		Tag:         account.Tag,
		DisplayName: account.DisplayName,
		Balance:     account.Balance,
		Version:     account.Version,
		CreatedAt:   account.CreatedAt,
	})
}

// handleMe returns the caller's account with its displayed balance.
func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	account, err := s.deps.Store.GetAccount(ctx, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.deps.Balances.Get(ctx, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, accountResponse{
		AccountID:   account.ID,
		Tag:         account.Tag,
		DisplayName: account.DisplayName,
		Balance:     snap.Balance,
		Version:     snap.Version,
		CreatedAt:   account.CreatedAt,
	})
}

// handleBalance serves the caller's balance from the balance view.
// ?fresh=true bypasses the cached layers.
func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	get := s.deps.Balances.Get
	if fresh, _ := strconv.ParseBool(r.URL.Query().Get("fresh")); fresh {
		get = s.deps.Balances.Refresh
	}

	snap, err := get(ctx, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newBalanceResponse(snap))
}

// handleTransfer sends money to the account identified by recipient_tag.
// The caller's password is re-verified.
func (s *Server) handleTransfer(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.deps.Transfers.Transfer(ctx, accountID, strings.TrimSpace(req.RecipientTag), req.Amount, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newTransferResponse(rec))
}

// handleTransferHistory lists transfers sent or received by the caller.
func (s *Server) handleTransferHistory(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	limit, err := s.limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	records, err := s.deps.Transfers.History(ctx, accountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]transferResponse, 0, len(records))
	for i := range records {
		out = append(out, newTransferResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"transfers": out})
}

// handleGetTransfer returns a transfer the caller took part in.
func (s *Server) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.deps.Transfers.Get(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.SenderID != accountID && rec.RecipientID != accountID {
		s.writeError(w, r, ledger.ErrRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newTransferResponse(rec))
}
