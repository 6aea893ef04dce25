// Package memory implements the storage ports with in-process maps. It backs
// tests and single-node development setups; semantics mirror the Postgres
// implementation, except that event sequences come from one atomic counter
// shared across channels. Only per-channel monotonicity is a contract.
package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openguild/openguild/internal/storage"
)

// Store satisfies storage.Store, storage.UserStore and storage.SessionStore.
type Store struct {
	guildMu sync.RWMutex
	guilds  map[uuid.UUID]storage.Guild

	channelMu sync.RWMutex
	channels  map[uuid.UUID]storage.Channel

	eventMu sync.RWMutex
	events  map[uuid.UUID][]storage.ChannelEvent
	seq     atomic.Int64

	userMu sync.RWMutex
	users  map[uuid.UUID]storage.User

	sessionMu sync.RWMutex
	sessions  map[uuid.UUID]storage.Session
	refresh   map[uuid.UUID]storage.RefreshSession
	// deviceIndex maps (user_id, device_id) to the live refresh id so an
	// upsert can displace the prior row.
	deviceIndex map[deviceKey]uuid.UUID
}

type deviceKey struct {
	userID   uuid.UUID
	deviceID string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		guilds:      make(map[uuid.UUID]storage.Guild),
		channels:    make(map[uuid.UUID]storage.Channel),
		events:      make(map[uuid.UUID][]storage.ChannelEvent),
		users:       make(map[uuid.UUID]storage.User),
		sessions:    make(map[uuid.UUID]storage.Session),
		refresh:     make(map[uuid.UUID]storage.RefreshSession),
		deviceIndex: make(map[deviceKey]uuid.UUID),
	}
}

func (s *Store) CreateGuild(_ context.Context, name string) (*storage.Guild, error) {
	s.guildMu.Lock()
	defer s.guildMu.Unlock()

	g := storage.Guild{GuildID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	s.guilds[g.GuildID] = g
	return &g, nil
}

func (s *Store) ListGuilds(_ context.Context) ([]storage.Guild, error) {
	s.guildMu.RLock()
	defer s.guildMu.RUnlock()

	out := make([]storage.Guild, 0, len(s.guilds))
	for _, g := range s.guilds {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) CreateChannel(_ context.Context, guildID uuid.UUID, name string) (*storage.Channel, error) {
	s.guildMu.RLock()
	_, ok := s.guilds[guildID]
	s.guildMu.RUnlock()
	if !ok {
		return nil, storage.ErrGuildNotFound
	}

	s.channelMu.Lock()
	defer s.channelMu.Unlock()

	c := storage.Channel{ChannelID: uuid.New(), GuildID: guildID, Name: name, CreatedAt: time.Now().UTC()}
	s.channels[c.ChannelID] = c
	return &c, nil
}

func (s *Store) ListChannels(_ context.Context, guildID uuid.UUID) ([]storage.Channel, error) {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()

	var out []storage.Channel
	for _, c := range s.channels {
		if c.GuildID == guildID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) GuildExists(_ context.Context, guildID uuid.UUID) (bool, error) {
	s.guildMu.RLock()
	defer s.guildMu.RUnlock()
	_, ok := s.guilds[guildID]
	return ok, nil
}

func (s *Store) ChannelExists(_ context.Context, channelID uuid.UUID) (bool, error) {
	s.channelMu.RLock()
	defer s.channelMu.RUnlock()
	_, ok := s.channels[channelID]
	return ok, nil
}

func (s *Store) AppendEvent(_ context.Context, channelID uuid.UUID, eventID, eventType string, body json.RawMessage) (*storage.ChannelEvent, error) {
	s.channelMu.RLock()
	_, ok := s.channels[channelID]
	s.channelMu.RUnlock()
	if !ok {
		return nil, storage.ErrChannelNotFound
	}

	s.eventMu.Lock()
	defer s.eventMu.Unlock()

	for _, existing := range s.events[channelID] {
		if existing.EventID == eventID {
			return nil, storage.ErrDuplicateEvent
		}
	}

	ev := storage.ChannelEvent{
		Sequence:  s.seq.Add(1),
		ChannelID: channelID,
		EventID:   eventID,
		EventType: eventType,
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
	s.events[channelID] = append(s.events[channelID], ev)
	return &ev, nil
}

func (s *Store) RecentEvents(_ context.Context, channelID uuid.UUID, since *int64, limit int) ([]storage.ChannelEvent, error) {
	s.channelMu.RLock()
	_, ok := s.channels[channelID]
	s.channelMu.RUnlock()
	if !ok {
		return nil, storage.ErrChannelNotFound
	}

	s.eventMu.RLock()
	defer s.eventMu.RUnlock()

	log := s.events[channelID]
	if since != nil {
		var out []storage.ChannelEvent
		for _, ev := range log {
			if ev.Sequence > *since {
				out = append(out, ev)
				if len(out) == limit {
					break
				}
			}
		}
		return out, nil
	}

	// Latest limit events, still in ascending order.
	start := len(log) - limit
	if start < 0 {
		start = 0
	}
	out := make([]storage.ChannelEvent, len(log)-start)
	copy(out, log[start:])
	return out, nil
}

func (s *Store) CreateUser(_ context.Context, username, passwordHash string) (*storage.User, error) {
	s.userMu.Lock()
	defer s.userMu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, storage.ErrUsernameTaken
		}
	}
	u := storage.User{UserID: uuid.New(), Username: username, PasswordHash: passwordHash}
	s.users[u.UserID] = u
	return &u, nil
}

func (s *Store) UserByUsername(_ context.Context, username string) (*storage.User, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()

	for _, u := range s.users {
		if u.Username == username {
			copied := u
			return &copied, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (s *Store) UserByID(_ context.Context, userID uuid.UUID) (*storage.User, error) {
	s.userMu.RLock()
	defer s.userMu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &u, nil
}

func (s *Store) InsertSession(_ context.Context, sess storage.Session) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	s.sessions[sess.SessionID] = sess
	return nil
}

func (s *Store) UpsertRefresh(_ context.Context, r storage.RefreshSession) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	key := deviceKey{userID: r.UserID, deviceID: r.DeviceID}
	if prior, ok := s.deviceIndex[key]; ok {
		delete(s.refresh, prior)
	}
	s.refresh[r.RefreshID] = r
	s.deviceIndex[key] = r.RefreshID
	return nil
}

func (s *Store) RefreshByID(_ context.Context, refreshID uuid.UUID) (*storage.RefreshSession, error) {
	s.sessionMu.RLock()
	defer s.sessionMu.RUnlock()

	r, ok := s.refresh[refreshID]
	if !ok {
		return nil, storage.ErrRefreshNotFound
	}
	return &r, nil
}

func (s *Store) TouchRefresh(_ context.Context, refreshID uuid.UUID, at time.Time) error {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	r, ok := s.refresh[refreshID]
	if !ok {
		return storage.ErrRefreshNotFound
	}
	r.LastUsedAt = at
	s.refresh[refreshID] = r
	return nil
}

func (s *Store) RevokeRefresh(_ context.Context, refreshID uuid.UUID, at time.Time) (bool, error) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()

	r, ok := s.refresh[refreshID]
	if !ok {
		return false, nil
	}
	if r.RevokedAt == nil {
		revoked := at
		r.RevokedAt = &revoked
		s.refresh[refreshID] = r
	}
	return true, nil
}
