package api

import (
	"net/http"
	"strings"

	"github.com/openguild/openguild/internal/auth"
	"github.com/openguild/openguild/internal/middleware"
)

type loginRequest struct {
	Identifier string       `json:"identifier"`
	Secret     string       `json:"secret"`
	Device     *auth.Device `json:"device"`
}

func (req *loginRequest) validate() []fieldError {
	var details []fieldError
	if strings.TrimSpace(req.Identifier) == "" {
		details = append(details, fieldError{Field: "identifier", Message: "must not be empty"})
	}
	if req.Secret == "" {
		details = append(details, fieldError{Field: "secret", Message: "must not be empty"})
	}
	switch {
	case req.Device == nil:
		details = append(details, fieldError{Field: "device", Message: "is required"})
	case strings.TrimSpace(req.Device.DeviceID) == "":
		details = append(details, fieldError{Field: "device.device_id", Message: "must not be empty"})
	}
	return details
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if details := req.validate(); len(details) > 0 {
		writeValidationError(w, details...)
		return
	}

	pair, err := s.authority.Login(r.Context(), req.Identifier, req.Secret, *req.Device)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if pair == nil {
		writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeValidationError(w, fieldError{Field: "refresh_token", Message: "must not be empty"})
		return
	}

	pair, err := s.authority.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if pair == nil {
		writeErrorCode(w, http.StatusUnauthorized, "invalid_credentials")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.RefreshToken == "" {
		writeValidationError(w, fieldError{Field: "refresh_token", Message: "must not be empty"})
		return
	}

	// Revoking an unknown or already-revoked token still answers 204.
	if _, err := s.authority.Revoke(r.Context(), req.RefreshToken); err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !decodeBody(w, r, &req) {
		return
	}
	var details []fieldError
	if strings.TrimSpace(req.Username) == "" {
		details = append(details, fieldError{Field: "username", Message: "must not be empty"})
	}
	if len(req.Password) < 8 {
		details = append(details, fieldError{Field: "password", Message: "must be at least 8 characters"})
	}
	if len(details) > 0 {
		writeValidationError(w, details...)
		return
	}

	user, err := s.authority.Register(r.Context(), strings.TrimSpace(req.Username), req.Password)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	user, err := s.users.UserByID(r.Context(), claims.UserID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
