package gateway

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/alekspetrov/recap/internal/adapters"
	"github.com/alekspetrov/recap/internal/durable"
)

type errorResponse struct {
	Error string `json:"error"`
}

// statusFor maps an error to its HTTP status.
func statusFor(err error) int {
	switch {
	case durable.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, adapters.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, durable.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// resultLabel names the error class for webhook metrics.
func resultLabel(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusNotFound:
		return "unknown_source"
	default:
		return "error"
	}
}

// writeError writes err as JSON. Internal errors are logged and their
// details withheld from the caller.
func writeError(w http.ResponseWriter, log *slog.Logger, err error) int {
	status := statusFor(err)
	msg := err.Error()
	switch status {
	case http.StatusInternalServerError:
		log.Error("Request failed", slog.Any("error", err))
		msg = "internal server error"
	case http.StatusUnauthorized:
		log.Warn("Unauthorized request", slog.Any("error", err))
		msg = "unauthorized"
	}
	writeJSON(w, status, errorResponse{Error: msg})
	return status
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
