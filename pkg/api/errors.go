package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"tap-ledger/pkg/auth"
	"tap-ledger/pkg/ledger"
	"tap-ledger/pkg/logging"
	"tap-ledger/pkg/money"
	"tap-ledger/pkg/resilience"

	"go.uber.org/zap"
)

var (
	// errBadRequest is returned for malformed request bodies and parameters
	errBadRequest = errors.New("api: bad request")

	// errInvalidKey is returned when a device or operator key does not match
	errInvalidKey = errors.New("api: invalid key")
)

// errorResponse is the body of every error reply.
type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

var statusByClass = map[string]int{
	"invalid_amount":        http.StatusBadRequest,
	"self_transfer":         http.StatusBadRequest,
	"self_receive":          http.StatusBadRequest,
	"empty_cart":            http.StatusBadRequest,
	"invalid_line_item":     http.StatusBadRequest,
	"invalid_scan":          http.StatusBadRequest,
	"unauthorized":          http.StatusForbidden,
	"not_found":             http.StatusNotFound,
	"record_not_found":      http.StatusNotFound,
	"insufficient_funds":    http.StatusUnprocessableEntity,
	"contention":            http.StatusConflict,
	"conflict":              http.StatusConflict,
	"receive_in_progress":   http.StatusConflict,
	"duplicate_scan":        http.StatusConflict,
	"request_closed":        http.StatusConflict,
	"tag_taken":             http.StatusConflict,
	"record_final":          http.StatusConflict,
	"expired":               http.StatusGone,
	"purchase_not_recorded": http.StatusServiceUnavailable,
	"compensation_failed":   http.StatusInternalServerError,
	"canceled":              http.StatusRequestTimeout,
	"timeout":               http.StatusGatewayTimeout,
	"internal":              http.StatusInternalServerError,
}

// describeError maps err to an HTTP status, a stable code and a user-facing
// message.
func describeError(err error) (int, errorResponse) {
	switch {
	case errors.Is(err, auth.ErrMissingToken), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized, errorResponse{"unauthenticated", "Sign in to continue."}
	case errors.Is(err, errInvalidKey):
		return http.StatusUnauthorized, errorResponse{"invalid_key", "The request key is not valid."}
	case errors.Is(err, auth.ErrWeakPassword):
		return http.StatusBadRequest, errorResponse{"weak_password",
			fmt.Sprintf("Password must be at least %d characters.", auth.MinPasswordLength)}
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, errorResponse{"bad_request", "The request is malformed."}
	case resilience.IsCircuitOpen(err):
		return http.StatusServiceUnavailable, errorResponse{"unavailable",
			"The service is temporarily unavailable. Please try again."}
	case resilience.IsTimeout(err):
		return http.StatusGatewayTimeout, errorResponse{"timeout", "The request timed out. Please try again."}
	}

	code := ledger.ClassifyError(err)
	status, ok := statusByClass[code]
	if !ok {
		status = http.StatusInternalServerError
	}
	return status, errorResponse{Error: code, Message: ledger.Message(err)}
}

// writeError writes the error reply for err. Server-side failures are
// logged with the request context.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := describeError(err)
	if status >= http.StatusInternalServerError {
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("code", body.Error),
			zap.Error(err),
		}
		if id := auth.AccountIDFromContext(r.Context()); id != "" {
			fields = append(fields, logging.AccountID(id))
		}
		s.logger.Error("request failed", fields...)
	}
	writeJSON(w, status, body)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

const maxBodyBytes = 1 << 20

// decodeJSON reads a single JSON object from the request body. Amount
// parse failures keep their invalid_amount classification.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, money.ErrInvalidAmount) {
			return err
		}
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: empty body", errBadRequest)
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
