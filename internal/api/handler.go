// Package api provides HTTP handlers for the diagnostic API.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/ashureev/cat-engine/internal/domain"
	"github.com/ashureev/cat-engine/internal/service"
	"github.com/ashureev/cat-engine/internal/store"
)

const maxRequestBody = 1 << 20

// Error codes returned in JSON error bodies.
const (
	CodeInvalidRequest       = "INVALID_REQUEST"
	CodeInvalidConfig        = "INVALID_CONFIG"
	CodeNotFound             = "NOT_FOUND"
	CodeUnauthorized         = "UNAUTHORIZED"
	CodeInvalidResponseOrder = "INVALID_RESPONSE_ORDER"
	CodeInvalidSessionState  = "INVALID_SESSION_STATE"
	CodeSessionNotFinished   = "SESSION_NOT_FINISHED"
	CodeUnknownItem          = "UNKNOWN_ITEM"
	CodeInternal             = "INTERNAL"
)

// Handler provides common handler utilities.
type Handler struct {
	svc   *service.Service
	users store.UserRepository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(svc *service.Service, users store.UserRepository) *Handler {
	return &Handler{svc: svc, users: users}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// ErrorCode writes a JSON error response carrying a machine-readable code.
func ErrorCode(w http.ResponseWriter, status int, code, message string) {
	JSON(w, status, map[string]string{"error": message, "code": code})
}

// writeServiceError maps domain errors onto HTTP statuses and codes.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := http.StatusInternalServerError, CodeInternal
	switch {
	case errors.Is(err, domain.ErrNotFound):
		status, code = http.StatusNotFound, CodeNotFound
	case errors.Is(err, domain.ErrInvalidConfig):
		status, code = http.StatusBadRequest, CodeInvalidConfig
	case errors.Is(err, domain.ErrInvalidResponseOrder):
		status, code = http.StatusConflict, CodeInvalidResponseOrder
	case errors.Is(err, domain.ErrInvalidSessionState):
		status, code = http.StatusConflict, CodeInvalidSessionState
	case errors.Is(err, domain.ErrSessionNotFinished):
		status, code = http.StatusConflict, CodeSessionNotFinished
	case errors.Is(err, domain.ErrUnknownItem):
		status, code = http.StatusUnprocessableEntity, CodeUnknownItem
	}

	if status == http.StatusInternalServerError {
		slog.Error("Request failed", "path", r.URL.Path, "error", err)
		ErrorCode(w, status, code, "internal error")
		return
	}
	ErrorCode(w, status, code, err.Error())
}

// decodeJSON reads a JSON body into v. An empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
