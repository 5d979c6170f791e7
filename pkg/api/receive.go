package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/device"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/receive"

	"github.com/gorilla/mux"
)

// handleBeginReceive opens a receive request for the caller. The request
// settles when the sender's card is scanned.
func (s *Server) handleBeginReceive(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())

	var req receiveRequest
	if err := decodeJSON(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	opened, err := s.deps.Receive.Begin(ctx, accountID, strings.TrimSpace(req.SenderTag), req.Amount)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, newReceiveResponse(opened, nil))
}

// handlePendingReceive returns the caller's open receive request.
func (s *Server) handlePendingReceive(w http.ResponseWriter, r *http.Request) {
	req, ok := s.deps.Receive.Pending(auth.AccountIDFromContext(r.Context()))
	if !ok {
		s.writeError(w, r, ledger.ErrRecordNotFound)
		return
	}
	writeJSON(w, http.StatusOK, newReceiveResponse(req, nil))
}

// ownReceive loads a receive request that belongs to the caller.
func (s *Server) ownReceive(ctx context.Context, accountID, requestID string) (*ledger.ReceiveRequest, error) {
	req, err := s.deps.Receive.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.ReceiverID != accountID {
		return nil, ledger.ErrRecordNotFound
	}
	return req, nil
}

// statusError is the error a finished request reports when polled.
func statusError(req *ledger.ReceiveRequest) error {
	if req.Status == ledger.ReceiveExpired {
		return ledger.ErrExpired
	}
	return nil
}

func (s *Server) handleGetReceive(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	ctx, cancel := s.requestContext(r)
	defer cancel()

	req, err := s.ownReceive(ctx, accountID, mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiveResponse(req, statusError(req)))
}

// handleAwaitReceive long-polls a receive request until it finishes or
// ?timeout= (capped by ReceiveWaitLimit) passes. A request still open at
// the deadline is returned as is.
func (s *Server) handleAwaitReceive(w http.ResponseWriter, r *http.Request) {
	accountID := auth.AccountIDFromContext(r.Context())
	requestID := mux.Vars(r)["id"]

	wait := s.config.ReceiveWaitLimit
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			s.writeError(w, r, fmt.Errorf("%w: timeout must be a positive duration", errBadRequest))
			return
		}
		if d < wait {
			wait = d
		}
	}

	current, err := s.ownReceive(r.Context(), accountID, requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if current.Status.Terminal() {
		writeJSON(w, http.StatusOK, newReceiveResponse(current, statusError(current)))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), wait)
	defer cancel()

	final, err := s.deps.Receive.Await(ctx, requestID)
	if final == nil {
		if errors.Is(err, context.DeadlineExceeded) && r.Context().Err() == nil {
			if current, err = s.deps.Receive.Get(r.Context(), requestID); err == nil {
				writeJSON(w, http.StatusOK, newReceiveResponse(current, nil))
				return
			}
		}
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newReceiveResponse(final, err))
}

// handleDeviceScan accepts a scan report from the reader device.
func (s *Server) handleDeviceScan(w http.ResponseWriter, r *http.Request) {
	var report scanReport
	if err := decodeJSON(w, r, &report); err != nil {
		s.writeError(w, r, err)
		return
	}

	ctx, cancel := s.requestContext(r)
	defer cancel()

	if report.Success != nil && !*report.Success {
		if report.RequestID == "" {
			s.writeError(w, r, fmt.Errorf("%w: request_id is required", errBadRequest))
			return
		}
		if err := s.deps.Receive.ScanFailed(report.RequestID); err != nil {
			s.writeError(w, r, err)
			return
		}
		req, err := s.deps.Receive.Get(ctx, report.RequestID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newReceiveResponse(req, ledger.ErrInvalidScan))
		return
	}

	scanID := report.ScanID
	if scanID == "" && report.UID != "" && report.RequestID != "" {
		scanID = device.DeriveScanID(report.RequestID, report.UID)
	}

	req, err := s.deps.Receive.HandleScan(ctx, receive.Scan{
		RequestID:  report.RequestID,
		ReceiverID: report.ReceiverID,
		ScanID:     scanID,
		CardUID:    report.UID,
	})
	if err != nil {
		if req == nil {
			s.writeError(w, r, err)
			return
		}
		status, _ := describeError(err)
		writeJSON(w, status, newReceiveResponse(req, err))
		return
	}
	writeJSON(w, http.StatusOK, newReceiveResponse(req, nil))
}
