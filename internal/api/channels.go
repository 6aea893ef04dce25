package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/openguild/openguild/internal/middleware"
	"github.com/openguild/openguild/internal/storage"
)

type nameRequest struct {
	Name string `json:"name"`
}

// pathUUID parses a route variable; an unparseable id reads as "no such
// resource", not as a validation error.
func pathUUID(w http.ResponseWriter, r *http.Request, key string) (uuid.UUID, bool) {
	id, err := uuid.Parse(mux.Vars(r)[key])
	if err != nil {
		writeErrorCode(w, http.StatusNotFound, "not_found")
		return uuid.Nil, false
	}
	return id, true
}

func (s *Server) handleCreateGuild(w http.ResponseWriter, r *http.Request) {
	var req nameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	guild, err := s.messaging.CreateGuild(r.Context(), req.Name)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, guild)
}

func (s *Server) handleListGuilds(w http.ResponseWriter, r *http.Request) {
	guilds, err := s.messaging.ListGuilds(r.Context())
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if guilds == nil {
		guilds = []storage.Guild{}
	}
	writeJSON(w, http.StatusOK, guilds)
}

func (s *Server) handleCreateChannel(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathUUID(w, r, "guild_id")
	if !ok {
		return
	}
	var req nameRequest
	if !decodeBody(w, r, &req) {
		return
	}
	channel, err := s.messaging.CreateChannel(r.Context(), guildID, req.Name)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, channel)
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	guildID, ok := pathUUID(w, r, "guild_id")
	if !ok {
		return
	}
	if exists, err := s.messaging.GuildExists(r.Context(), guildID); err != nil {
		writeDomainError(w, s.log, err)
		return
	} else if !exists {
		writeErrorCode(w, http.StatusNotFound, "not_found")
		return
	}

	channels, err := s.messaging.ListChannels(r.Context(), guildID)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if channels == nil {
		channels = []storage.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

type postMessageRequest struct {
	Sender  string `json:"sender"`
	Content string `json:"content"`
}

type postMessageResponse struct {
	Sequence  int64     `json:"sequence"`
	EventID   string    `json:"event_id"`
	CreatedAt time.Time `json:"created_at"`
}

// clientIP keys the per-IP write limiter: the first token of
// X-Forwarded-For, or empty when the header is absent.
func clientIP(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	return strings.TrimSpace(strings.SplitN(xff, ",", 2)[0])
}

func (s *Server) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathUUID(w, r, "channel_id")
	if !ok {
		return
	}
	var req postMessageRequest
	if !decodeBody(w, r, &req) {
		return
	}

	claims := middleware.ClaimsFromContext(r.Context())
	stored, err := s.messaging.AppendMessage(r.Context(), channelID, claims, req.Sender, req.Content, clientIP(r))
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, postMessageResponse{
		Sequence:  stored.Sequence,
		EventID:   stored.EventID,
		CreatedAt: stored.CreatedAt,
	})
}

func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathUUID(w, r, "channel_id")
	if !ok {
		return
	}
	if exists, err := s.messaging.ChannelExists(r.Context(), channelID); err != nil {
		writeDomainError(w, s.log, err)
		return
	} else if !exists {
		writeErrorCode(w, http.StatusNotFound, "not_found")
		return
	}

	var since *int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeValidationError(w, fieldError{Field: "since", Message: "must be an integer"})
			return
		}
		since = &n
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		// Out-of-range values clamp downstream instead of failing.
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}

	events, err := s.messaging.RecentEvents(r.Context(), channelID, since, limit)
	if err != nil {
		writeDomainError(w, s.log, err)
		return
	}
	if events == nil {
		events = []storage.ChannelEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleSocket(w http.ResponseWriter, r *http.Request) {
	channelID, ok := pathUUID(w, r, "channel_id")
	if !ok {
		return
	}
	if exists, err := s.messaging.ChannelExists(r.Context(), channelID); err != nil {
		writeDomainError(w, s.log, err)
		return
	} else if !exists {
		writeErrorCode(w, http.StatusNotFound, "not_found")
		return
	}
	s.gateway.Handle(w, r, channelID)
}
