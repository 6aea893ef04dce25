// Package messaging is the core of the server: guild and channel lifecycle,
// append-and-broadcast of messages, timeline reads, federation ingest and
// the write-path rate limits.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/openguild/openguild/internal/auth"
	"github.com/openguild/openguild/internal/event"
	"github.com/openguild/openguild/internal/fanout"
	"github.com/openguild/openguild/internal/keyring"
	"github.com/openguild/openguild/internal/middleware"
	"github.com/openguild/openguild/internal/monitoring"
	"github.com/openguild/openguild/internal/storage"
)

// EventTypeMessage is the canonical event type for channel messages.
const EventTypeMessage = "m.room.message"

const (
	maxNameRunes    = 64
	maxContentRunes = 4000
)

// Domain errors surfaced to the HTTP shell.
var (
	ErrInvalidName     = errors.New("messaging: name must be 1-64 code points")
	ErrInvalidContent  = errors.New("messaging: content must be 1-4000 code points")
	ErrSenderMismatch  = errors.New("messaging: sender does not match authenticated user")
	ErrRateLimited     = errors.New("messaging: rate limit exceeded")
	ErrInvalidRoomID   = errors.New("messaging: room_id is not a valid channel id")
	ErrUnauthenticated = errors.New("messaging: missing authenticated claims")
)

// Limits bundles the two write-path limiters. Both share a 60-second window;
// the IP check runs first and neither commits unless the write is admitted.
type Limits struct {
	IP     *middleware.FixedWindowLimiter
	Sender *middleware.FixedWindowLimiter
}

// Service implements the messaging core over a storage port and a fan-out
// publisher.
type Service struct {
	store      storage.Store
	publisher  fanout.Publisher
	ring       *keyring.Ring
	serverName string
	limits     Limits
	log        *logrus.Entry
}

// NewService wires the core. Locally built events are signed with the ring's
// primary key under serverName.
func NewService(store storage.Store, publisher fanout.Publisher, ring *keyring.Ring, serverName string, limits Limits) *Service {
	return &Service{
		store:      store,
		publisher:  publisher,
		ring:       ring,
		serverName: serverName,
		limits:     limits,
		log:        logrus.WithField("component", "messaging"),
	}
}

// CreateGuild validates the name and persists the guild.
func (s *Service) CreateGuild(ctx context.Context, name string) (*storage.Guild, error) {
	name, ok := validName(name)
	if !ok {
		return nil, ErrInvalidName
	}
	return s.store.CreateGuild(ctx, name)
}

// ListGuilds returns all guilds, oldest first.
func (s *Service) ListGuilds(ctx context.Context) ([]storage.Guild, error) {
	return s.store.ListGuilds(ctx)
}

// CreateChannel validates the name and persists the channel.
func (s *Service) CreateChannel(ctx context.Context, guildID uuid.UUID, name string) (*storage.Channel, error) {
	name, ok := validName(name)
	if !ok {
		return nil, ErrInvalidName
	}
	return s.store.CreateChannel(ctx, guildID, name)
}

// ListChannels returns the guild's channels, oldest first.
func (s *Service) ListChannels(ctx context.Context, guildID uuid.UUID) ([]storage.Channel, error) {
	return s.store.ListChannels(ctx, guildID)
}

// GuildExists reports whether the guild is known.
func (s *Service) GuildExists(ctx context.Context, guildID uuid.UUID) (bool, error) {
	return s.store.GuildExists(ctx, guildID)
}

// ChannelExists reports whether the channel is known.
func (s *Service) ChannelExists(ctx context.Context, channelID uuid.UUID) (bool, error) {
	return s.store.ChannelExists(ctx, channelID)
}

// RecentEvents reads the channel timeline. limit is clamped to [1, 200].
func (s *Service) RecentEvents(ctx context.Context, channelID uuid.UUID, since *int64, limit int) ([]storage.ChannelEvent, error) {
	if limit < 1 {
		limit = 1
	}
	if limit > 200 {
		limit = 200
	}
	return s.store.RecentEvents(ctx, channelID, since, limit)
}

// AppendMessage is the client write path: validate, enforce sender
// ownership and rate limits, build and sign a canonical event, append it and
// broadcast the stored form.
//
// requestedSender is the sender field from the request body; when nonempty
// it must equal the authenticated user id. clientIP keys the IP limiter.
func (s *Service) AppendMessage(ctx context.Context, channelID uuid.UUID, claims *auth.Claims, requestedSender, content, clientIP string) (*storage.ChannelEvent, error) {
	if claims == nil {
		return nil, ErrUnauthenticated
	}
	content = strings.TrimSpace(content)
	if n := utf8.RuneCountInString(content); n == 0 || n > maxContentRunes {
		return nil, ErrInvalidContent
	}

	sender := claims.UserID.String()
	if requestedSender != "" && requestedSender != sender {
		return nil, ErrSenderMismatch
	}

	if clientIP == "" {
		clientIP = "unknown"
	}
	if !s.limits.IP.Allow(clientIP) {
		monitoring.RateLimited.WithLabelValues("ip").Inc()
		return nil, ErrRateLimited
	}
	if !s.limits.Sender.Allow(sender) {
		monitoring.RateLimited.WithLabelValues("sender").Inc()
		return nil, ErrRateLimited
	}
	s.limits.IP.Commit(clientIP)
	s.limits.Sender.Commit(sender)

	payload, err := json.Marshal(map[string]string{"body": content})
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal content: %w", err)
	}

	// Chain the new event onto the channel head, when there is one.
	var prev []string
	if tail, err := s.store.RecentEvents(ctx, channelID, nil, 1); err == nil && len(tail) == 1 {
		prev = []string{tail[0].EventID}
	}

	e, err := event.Build(s.serverName, channelID.String(), EventTypeMessage, sender, payload, prev, nil)
	if err != nil {
		return nil, err
	}
	if err := e.Sign(s.serverName, s.ring.KeyID(), s.ring.Primary()); err != nil {
		return nil, err
	}
	stored, err := s.appendAndBroadcast(ctx, channelID, e, "local")
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// IngestEvent appends an already-verified federation event. The room_id must
// parse as a channel UUID; duplicate event ids surface as
// storage.ErrDuplicateEvent.
func (s *Service) IngestEvent(ctx context.Context, e *event.Event) (*storage.ChannelEvent, error) {
	channelID, err := uuid.Parse(e.RoomID)
	if err != nil {
		return nil, ErrInvalidRoomID
	}
	return s.appendAndBroadcast(ctx, channelID, e, "federation")
}

func (s *Service) appendAndBroadcast(ctx context.Context, channelID uuid.UUID, e *event.Event, source string) (*storage.ChannelEvent, error) {
	body, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("messaging: marshal event: %w", err)
	}

	stored, err := s.store.AppendEvent(ctx, channelID, e.EventID, e.EventType, body)
	if err != nil {
		return nil, err
	}
	monitoring.EventsAppended.WithLabelValues(source).Inc()

	if err := s.publisher.Publish(fanout.OutboundEvent{
		Sequence:  stored.Sequence,
		ChannelID: channelID,
		Event:     stored.Body,
	}); err != nil {
		// The write is durable; delivery problems never fail it.
		s.log.WithFields(logrus.Fields{
			"channel_id": channelID,
			"event_id":   e.EventID,
		}).WithError(err).Debug("broadcast not delivered")
	}
	return stored, nil
}

// validName trims and checks the 1-64 code point rule shared by guild and
// channel names.
func validName(name string) (string, bool) {
	name = strings.TrimSpace(name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameRunes {
		return "", false
	}
	return name, true
}
