package api

import (
	"net/http"

	"tap-ledger/pkg/logging"
	metricsmem "tap-ledger/pkg/metrics/memory"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// handleMetricsJSON returns metrics in JSON format.
func (s *Server) handleMetricsJSON(w http.ResponseWriter, r *http.Request) {
	if mc, ok := s.deps.Metrics.(interface{ Snapshot() metricsmem.Snapshot }); ok {
		writeJSON(w, http.StatusOK, mc.Snapshot())
		return
	}

	writeJSON(w, http.StatusNotFound, errorResponse{
		Error:   "not_supported",
		Message: "Metrics collector does not support JSON snapshot",
	})
}

// handleReconciliations lists escalated compensations awaiting an operator.
func (s *Server) handleReconciliations(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := s.requestContext(r)
	defer cancel()

	items, err := s.deps.Store.ListPendingReconciliations(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	out := make([]reconciliationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, newReconciliationResponse(item))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reconciliations": out})
}

// handleResolveReconciliation closes an escalation the operator has settled
// by hand. The account's cached balance is dropped since the fix happened
// outside the engines.
func (s *Server) handleResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ctx, cancel := s.requestContext(r)
	defer cancel()

	pending, err := s.deps.Store.ListPendingReconciliations(ctx)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var accountID string
	for _, item := range pending {
		if item.ID == id {
			accountID = item.AccountID
			break
		}
	}

	if err := s.deps.Store.ResolveReconciliation(ctx, id); err != nil {
		s.writeError(w, r, err)
		return
	}
	if accountID != "" {
		if err := s.deps.Balances.Invalidate(ctx, accountID); err != nil {
			s.logger.Warn("cached balance not invalidated",
				logging.AccountID(accountID),
				zap.Error(err),
			)
		}
	}

	s.logger.Info("reconciliation resolved",
		zap.String("reconciliation_id", id),
		logging.AccountID(accountID),
	)
	writeJSON(w, http.StatusOK, map[string]interface{}{"id": id, "resolved": true})
}
