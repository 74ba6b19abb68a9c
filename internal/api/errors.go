package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/UnimibEsami/ditto/internal/connectivity"
	"github.com/UnimibEsami/ditto/internal/connectivity/manager"
	"github.com/UnimibEsami/ditto/internal/connectivity/protocol"
	"github.com/UnimibEsami/ditto/internal/connectivity/store"
)

// Error represents a structured error response.
type Error struct {
	Status  int    `json:"status"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Common error codes.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeUnauthorized     = "unauthorised"
	ErrCodeConflict         = "conflict"
	ErrCodeInternal         = "internal_error"
	ErrCodeValidation       = "validation_error"
	ErrCodeRateLimited      = "rate_limited"
	ErrCodeUnavailable      = "unavailable"
	ErrCodeTimeout          = "timeout"
	ErrCodeConnectionFailed = "connection_failed"
	ErrCodeNotAllowed       = "command_not_allowed"
	ErrCodeMappingFailed    = "mapping_failed"
)

// writeJSON writes a JSON response with the given status code and payload.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		//nolint:errcheck // Best-effort write to response; connection may be closed
		json.NewEncoder(w).Encode(v)
	}
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, Error{
		Status:  status,
		Code:    code,
		Message: message,
	})
}

// writeBadRequest writes a 400 error response.
func writeBadRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, ErrCodeBadRequest, message)
}

// writeNotFound writes a 404 error response.
func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, ErrCodeNotFound, message)
}

// writeUnauthorized writes a 401 error response.
func writeUnauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, message)
}

// writeInternalError writes a 500 error response.
func writeInternalError(w http.ResponseWriter, message string) {
	writeError(w, http.StatusInternalServerError, ErrCodeInternal, message)
}

// errorStatus maps a service or reply error onto an HTTP status and code.
func errorStatus(err error) (int, string) {
	var failed *connectivity.ConnectionFailedError
	switch {
	case errors.Is(err, store.ErrConnectionNotFound):
		return http.StatusNotFound, ErrCodeNotFound
	case errors.Is(err, store.ErrConnectionExists):
		return http.StatusConflict, ErrCodeConflict
	case errors.Is(err, connectivity.ErrInvalidConnection),
		errors.Is(err, protocol.ErrUnsupportedType):
		return http.StatusBadRequest, ErrCodeValidation
	case errors.Is(err, connectivity.ErrCommandNotAllowed):
		return http.StatusConflict, ErrCodeNotAllowed
	case errors.Is(err, connectivity.ErrMappingFailed):
		return http.StatusBadRequest, ErrCodeMappingFailed
	case errors.As(err, &failed):
		return http.StatusBadGateway, ErrCodeConnectionFailed
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, ErrCodeTimeout
	case errors.Is(err, manager.ErrNotStarted),
		errors.Is(err, connectivity.ErrClientStopped):
		return http.StatusServiceUnavailable, ErrCodeUnavailable
	default:
		return http.StatusInternalServerError, ErrCodeInternal
	}
}

// writeServiceError writes err with the status errorStatus assigns it.
// Internal errors are logged and reported without their detail.
func (s *Server) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := errorStatus(err)
	if status == http.StatusInternalServerError {
		s.logger.Error("connection request failed",
			"error", err,
			"path", r.URL.Path,
			"request_id", r.Context().Value(ctxKeyRequestID),
		)
		writeInternalError(w, "internal server error")
		return
	}
	writeError(w, status, code, err.Error())
}
