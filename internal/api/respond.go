package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/storage"
)

// fieldError is one entry of a validation_error response.
type fieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeErrorCode(w http.ResponseWriter, status int, code string) {
	writeJSON(w, status, map[string]string{"error": code})
}

func writeValidationError(w http.ResponseWriter, details ...fieldError) {
	writeJSON(w, http.StatusBadRequest, map[string]interface{}{
		"error":   "validation_error",
		"details": details,
	})
}

// writeDomainError maps messaging and storage errors onto the HTTP status
// table. Unknown errors become an opaque 500; the details go to the log only.
func writeDomainError(w http.ResponseWriter, log *logrus.Entry, err error) {
	switch {
	case errors.Is(err, messaging.ErrInvalidName):
		writeValidationError(w, fieldError{Field: "name", Message: "must be 1-64 code points"})
	case errors.Is(err, messaging.ErrInvalidContent):
		writeValidationError(w, fieldError{Field: "content", Message: "must be 1-4000 code points"})
	case errors.Is(err, messaging.ErrSenderMismatch):
		writeErrorCode(w, http.StatusForbidden, "sender_mismatch")
	case errors.Is(err, messaging.ErrRateLimited):
		writeErrorCode(w, http.StatusTooManyRequests, "rate_limited")
	case errors.Is(err, messaging.ErrUnauthenticated):
		writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials")
	case errors.Is(err, storage.ErrGuildNotFound),
		errors.Is(err, storage.ErrChannelNotFound),
		errors.Is(err, storage.ErrUserNotFound):
		writeErrorCode(w, http.StatusNotFound, "not_found")
	case errors.Is(err, storage.ErrUsernameTaken):
		writeErrorCode(w, http.StatusConflict, "username_taken")
	case errors.Is(err, storage.ErrDuplicateEvent):
		writeErrorCode(w, http.StatusConflict, "duplicate_event")
	default:
		log.WithError(err).Error("request failed")
		writeErrorCode(w, http.StatusInternalServerError, "server_error")
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeValidationError(w, fieldError{Field: "body", Message: "invalid JSON"})
		return false
	}
	return true
}
