package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/openguild/openguild/internal/event"
	"github.com/openguild/openguild/internal/federation"
	"github.com/openguild/openguild/internal/messaging"
	"github.com/openguild/openguild/internal/monitoring"
	"github.com/openguild/openguild/internal/storage"
)

type transactionRequest struct {
	Origin string         `json:"origin"`
	PDUs   []*event.Event `json:"pdus"`
}

type transactionResponse struct {
	Origin   string                 `json:"origin"`
	Accepted []string               `json:"accepted"`
	Rejected []federation.Rejection `json:"rejected"`
	Disabled bool                   `json:"disabled"`
}

// Ingest-time rejection reasons; verification reasons live in the
// federation package.
const (
	reasonDuplicateEvent = "duplicate event id"
	reasonUnknownRoom    = "room_id does not name a local channel"
)

func (s *Server) handleFederationTransactions(w http.ResponseWriter, r *http.Request) {
	var req transactionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	resp := transactionResponse{
		Origin:   req.Origin,
		Accepted: []string{},
		Rejected: []federation.Rejection{},
	}
	if !s.federation.Enabled() {
		resp.Disabled = true
		writeJSON(w, http.StatusOK, resp)
		return
	}
	if strings.TrimSpace(req.Origin) == "" {
		writeValidationError(w, fieldError{Field: "origin", Message: "must not be empty"})
		return
	}

	eval := s.federation.Evaluate(req.Origin, req.PDUs)
	resp.Rejected = append(resp.Rejected, eval.Rejected...)

	for _, e := range eval.Accepted {
		_, err := s.messaging.IngestEvent(r.Context(), e)
		switch {
		case err == nil:
			resp.Accepted = append(resp.Accepted, e.EventID)
		case errors.Is(err, storage.ErrDuplicateEvent):
			resp.Rejected = append(resp.Rejected, federation.Rejection{EventID: e.EventID, Reason: reasonDuplicateEvent})
		case errors.Is(err, messaging.ErrInvalidRoomID), errors.Is(err, storage.ErrChannelNotFound):
			resp.Rejected = append(resp.Rejected, federation.Rejection{EventID: e.EventID, Reason: reasonUnknownRoom})
		default:
			writeDomainError(w, s.log, err)
			return
		}
	}

	monitoring.FederationEvents.WithLabelValues("accepted").Add(float64(len(resp.Accepted)))
	monitoring.FederationEvents.WithLabelValues("rejected").Add(float64(len(resp.Rejected)))
	writeJSON(w, http.StatusOK, resp)
}
