// Package httputil contains shared HTTP utilities for consistent response
// formatting across handlers.
package httputil

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/jedarden/swebench-swarm/internal/domain"
)

type ErrorResponse struct {
	Error string      `json:"error"`
	Code  domain.Code `json:"code"`
}

func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to write JSON response", "error", err)
	}
}

func WriteJSONError(w http.ResponseWriter, message string, code domain.Code, status int) {
	WriteJSON(w, status, ErrorResponse{Error: message, Code: code})
}

// WriteError writes err with the status matching its domain code. Errors
// without a code are reported as internal and their text is not exposed.
func WriteError(w http.ResponseWriter, err error) {
	de, ok := domain.AsError(err)
	if !ok {
		slog.Error("request failed", "error", err)
		WriteJSONError(w, "internal server error", domain.CodeInternal, http.StatusInternalServerError)
		return
	}

	status := StatusFor(de.Code)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "code", de.Code, "error", err)
	}
	WriteJSONError(w, de.Error(), de.Code, status)
}

func StatusFor(code domain.Code) int {
	switch code {
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeConflict:
		return http.StatusConflict
	case domain.CodeInvalidArgument, domain.CodeInvalidConfiguration, domain.CodeDependencyCycle:
		return http.StatusBadRequest
	case domain.CodeResourceExhausted:
		return http.StatusTooManyRequests
	case domain.CodeExternalToolFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
