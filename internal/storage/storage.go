// Package storage defines the persistence ports the messaging core and the
// session authority depend on, plus the shared record types. Two
// implementations exist: an in-memory store used by tests and single-node
// setups (storage/memory) and a Postgres store (storage/postgres).
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Well-known storage errors. Anything else coming out of a store is treated
// as internal and mapped to a 500 at the HTTP boundary.
var (
	ErrGuildNotFound   = errors.New("storage: guild not found")
	ErrChannelNotFound = errors.New("storage: channel not found")
	ErrUserNotFound    = errors.New("storage: user not found")
	ErrUsernameTaken   = errors.New("storage: username already taken")
	ErrDuplicateEvent  = errors.New("storage: duplicate event id in channel")
	ErrRefreshNotFound = errors.New("storage: refresh session not found")
)

// Guild is a named container of channels.
type Guild struct {
	GuildID   uuid.UUID `json:"guild_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Channel is a named ordered log of events inside a guild.
type Channel struct {
	ChannelID uuid.UUID `json:"channel_id"`
	GuildID   uuid.UUID `json:"guild_id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// ChannelEvent is a stored event with its per-channel sequence number.
// Body holds the full canonical event serialization.
type ChannelEvent struct {
	Sequence  int64           `json:"sequence"`
	ChannelID uuid.UUID       `json:"channel_id"`
	EventID   string          `json:"event_id"`
	EventType string          `json:"event_type"`
	Body      json.RawMessage `json:"event"`
	CreatedAt time.Time       `json:"created_at"`
}

// User is a registered account.
type User struct {
	UserID       uuid.UUID `json:"user_id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
}

// Session is a live access-token session.
type Session struct {
	SessionID uuid.UUID
	UserID    uuid.UUID
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// RefreshSession is a refresh-token record bound to a device identity.
// At most one row exists per (user_id, device_id).
type RefreshSession struct {
	RefreshID  uuid.UUID
	UserID     uuid.UUID
	SessionID  uuid.UUID
	DeviceID   string
	DeviceName *string
	UserAgent  *string
	IPAddress  *string
	CreatedAt  time.Time
	LastUsedAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// Live reports whether the refresh session is usable at the given instant.
func (r *RefreshSession) Live(now time.Time) bool {
	return r.RevokedAt == nil && r.ExpiresAt.After(now)
}

// Store is the messaging-core persistence port.
type Store interface {
	CreateGuild(ctx context.Context, name string) (*Guild, error)
	// ListGuilds returns guilds ordered by creation time ascending.
	ListGuilds(ctx context.Context) ([]Guild, error)
	// CreateChannel fails with ErrGuildNotFound for an unknown guild.
	CreateChannel(ctx context.Context, guildID uuid.UUID, name string) (*Channel, error)
	// ListChannels returns channels ordered by creation time ascending.
	ListChannels(ctx context.Context, guildID uuid.UUID) ([]Channel, error)
	GuildExists(ctx context.Context, guildID uuid.UUID) (bool, error)
	ChannelExists(ctx context.Context, channelID uuid.UUID) (bool, error)
	// AppendEvent assigns the next per-channel sequence atomically. Fails
	// with ErrChannelNotFound for an unknown channel and ErrDuplicateEvent
	// when the event id is already stored in the channel.
	AppendEvent(ctx context.Context, channelID uuid.UUID, eventID, eventType string, body json.RawMessage) (*ChannelEvent, error)
	// RecentEvents returns events in ascending sequence order. With since
	// set, events strictly greater than it, up to limit; without, the
	// latest limit events. Callers clamp limit to [1, 200].
	RecentEvents(ctx context.Context, channelID uuid.UUID, since *int64, limit int) ([]ChannelEvent, error)
}

// UserStore is the account persistence port.
type UserStore interface {
	// CreateUser fails with ErrUsernameTaken on a username collision.
	CreateUser(ctx context.Context, username, passwordHash string) (*User, error)
	UserByUsername(ctx context.Context, username string) (*User, error)
	UserByID(ctx context.Context, userID uuid.UUID) (*User, error)
}

// SessionStore is the session-authority persistence port.
type SessionStore interface {
	InsertSession(ctx context.Context, s Session) error
	// UpsertRefresh inserts the refresh session, displacing any existing
	// row with the same (user_id, device_id) pair. The displaced
	// refresh_id becomes unresolvable.
	UpsertRefresh(ctx context.Context, r RefreshSession) error
	RefreshByID(ctx context.Context, refreshID uuid.UUID) (*RefreshSession, error)
	TouchRefresh(ctx context.Context, refreshID uuid.UUID, at time.Time) error
	// RevokeRefresh marks the session revoked and reports whether the id
	// existed. Revoking twice is a no-op that still reports true.
	RevokeRefresh(ctx context.Context, refreshID uuid.UUID, at time.Time) (bool, error)
}
