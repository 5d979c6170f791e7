package api

import (
	"net/http"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/ledger"

	"github.com/gorilla/mux"
)

func (s *Server) handleCart(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	entries, total, err := s.deps.Settlement.Cart(ctx, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	resp := cartResponse{Entries: make([]cartEntryResponse, 0, len(entries)), Total: total}
	for _, entry := range entries {
		out, err := newCartEntryResponse(entry)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		resp.Entries = append(resp.Entries, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAddCartItem(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())

	var item lineItem
	if err := decodeJSON(w, r, &item); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	entry, err := s.deps.Settlement.AddToCart(ctx, accountID, item.toLedger())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := newCartEntryResponse(*entry)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (s *Server) handleRemoveCartItem(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	if err := s.deps.Settlement.RemoveFromCart(ctx, accountID, mux.Vars(r)["id"]); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCheckout settles the caller's cart as it is now.
func (s *Server) handleCheckout(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.deps.Settlement.Checkout(ctx, accountID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPurchaseResponse(rec))
}

// handleSettle settles an explicit list of line items and clears the cart.
func (s *Server) handleSettle(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())

	var req settleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	items := make([]ledger.LineItem, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, item.toLedger())
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.deps.Settlement.Settle(ctx, accountID, items)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newPurchaseResponse(rec))
}

func (s *Server) handlePurchases(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	limit, err := s.limitParam(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	records, err := s.deps.Settlement.Purchases(ctx, accountID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]purchaseResponse, 0, len(records))
	for i := range records {
		out = append(out, newPurchaseResponse(&records[i]))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"purchases": out})
}

func (s *Server) handleGetPurchase(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	rec, err := s.deps.Settlement.Purchase(ctx, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if rec.AccountID != accountID {
		s.writeError(w, r, ledger.ErrRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newPurchaseResponse(rec))
}
