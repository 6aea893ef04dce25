package api

import (
	"errors"
	"net/http"

	"github.com/openguild/openguild/internal/middleware"
	"github.com/openguild/openguild/internal/mls"
)

func (s *Server) handleListKeyPackages(w http.ResponseWriter, r *http.Request) {
	if s.keyPkgs == nil {
		writeErrorCode(w, http.StatusNotImplemented, "not_implemented")
		return
	}
	pkgs, err := s.keyPkgs.List(r.Context())
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pkgs)
}

func (s *Server) handlePublishKeyPackage(w http.ResponseWriter, r *http.Request) {
	if s.keyPkgs == nil {
		writeErrorCode(w, http.StatusNotImplemented, "not_implemented")
		return
	}
	claims := middleware.ClaimsFromContext(r.Context())
	pkg, err := s.keyPkgs.Publish(r.Context(), claims.UserID.String())
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}

func (s *Server) handleRotateKeyPackage(w http.ResponseWriter, r *http.Request) {
	if s.keyPkgs == nil {
		writeErrorCode(w, http.StatusNotImplemented, "not_implemented")
		return
	}
	claims := middleware.ClaimsFromContext(r.Context())
	pkg, err := s.keyPkgs.Rotate(r.Context(), claims.UserID.String())
	if err != nil {
		if errors.Is(err, mls.ErrUnknownIdentity) {
			writeErrorCode(w, http.StatusNotFound, "not_found")
			return
		}
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, pkg)
}
