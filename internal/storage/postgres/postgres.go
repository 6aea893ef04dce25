// Package postgres implements the storage ports on PostgreSQL via
// database/sql and lib/pq. Per-channel sequences are assigned inside the
// insert statement and guarded by a UNIQUE(channel_id, sequence) constraint;
// concurrent appends that collide are retried.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/openguild/openguild/internal/storage"
)

const (
	pqUniqueViolation     = "23505"
	pqForeignKeyViolation = "23503"

	// appendRetries bounds retries when two appenders race for the same
	// sequence slot.
	appendRetries = 5
)

// Store satisfies storage.Store, storage.UserStore and storage.SessionStore.
type Store struct {
	db *sql.DB
}

// Open connects, verifies the connection and applies the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error { return s.db.Close() }

func isPQError(err error, code, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	if string(pqErr.Code) != code {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

func (s *Store) CreateGuild(ctx context.Context, name string) (*storage.Guild, error) {
	g := storage.Guild{GuildID: uuid.New(), Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO guilds (guild_id, name, created_at) VALUES ($1, $2, $3)`,
		g.GuildID, g.Name, g.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("postgres: insert guild: %w", err)
	}
	return &g, nil
}

func (s *Store) ListGuilds(ctx context.Context) ([]storage.Guild, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT guild_id, name, created_at FROM guilds ORDER BY created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list guilds: %w", err)
	}
	defer rows.Close()

	var out []storage.Guild
	for rows.Next() {
		var g storage.Guild
		if err := rows.Scan(&g.GuildID, &g.Name, &g.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan guild: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *Store) CreateChannel(ctx context.Context, guildID uuid.UUID, name string) (*storage.Channel, error) {
	c := storage.Channel{ChannelID: uuid.New(), GuildID: guildID, Name: name, CreatedAt: time.Now().UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO channels (channel_id, guild_id, name, created_at) VALUES ($1, $2, $3, $4)`,
		c.ChannelID, c.GuildID, c.Name, c.CreatedAt)
	if isPQError(err, pqForeignKeyViolation, "") {
		return nil, storage.ErrGuildNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: insert channel: %w", err)
	}
	return &c, nil
}

func (s *Store) ListChannels(ctx context.Context, guildID uuid.UUID) ([]storage.Channel, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT channel_id, guild_id, name, created_at FROM channels
		 WHERE guild_id = $1 ORDER BY created_at ASC`, guildID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list channels: %w", err)
	}
	defer rows.Close()

	var out []storage.Channel
	for rows.Next() {
		var c storage.Channel
		if err := rows.Scan(&c.ChannelID, &c.GuildID, &c.Name, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan channel: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *Store) GuildExists(ctx context.Context, guildID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM guilds WHERE guild_id = $1)`, guildID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: guild exists: %w", err)
	}
	return exists, nil
}

func (s *Store) ChannelExists(ctx context.Context, channelID uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM channels WHERE channel_id = $1)`, channelID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("postgres: channel exists: %w", err)
	}
	return exists, nil
}

func (s *Store) AppendEvent(ctx context.Context, channelID uuid.UUID, eventID, eventType string, body json.RawMessage) (*storage.ChannelEvent, error) {
	if len(body) == 0 {
		body = json.RawMessage(`{}`)
	}
	ev := storage.ChannelEvent{
		ChannelID: channelID,
		EventID:   eventID,
		EventType: eventType,
		Body:      body,
	}

	var lastErr error
	for attempt := 0; attempt < appendRetries; attempt++ {
		now := time.Now().UTC()
		err := s.db.QueryRowContext(ctx,
			`INSERT INTO channel_events (channel_id, sequence, event_id, event_type, body, created_at)
			 VALUES ($1,
			         (SELECT COALESCE(MAX(sequence), 0) + 1 FROM channel_events WHERE channel_id = $1),
			         $2, $3, $4, $5)
			 RETURNING sequence`,
			channelID, eventID, eventType, []byte(body), now).Scan(&ev.Sequence)
		if err == nil {
			ev.CreatedAt = now
			return &ev, nil
		}
		if isPQError(err, pqUniqueViolation, "channel_events_channel_event") {
			return nil, storage.ErrDuplicateEvent
		}
		if isPQError(err, pqForeignKeyViolation, "") {
			return nil, storage.ErrChannelNotFound
		}
		if isPQError(err, pqUniqueViolation, "channel_events_channel_sequence") {
			// Lost the race for this sequence slot; take the next one.
			lastErr = err
			continue
		}
		return nil, fmt.Errorf("postgres: append event: %w", err)
	}
	return nil, fmt.Errorf("postgres: append event: sequence contention: %w", lastErr)
}

func (s *Store) RecentEvents(ctx context.Context, channelID uuid.UUID, since *int64, limit int) ([]storage.ChannelEvent, error) {
	exists, err := s.ChannelExists(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, storage.ErrChannelNotFound
	}

	var rows *sql.Rows
	if since != nil {
		rows, err = s.db.QueryContext(ctx,
			`SELECT sequence, channel_id, event_id, event_type, body, created_at
			 FROM channel_events
			 WHERE channel_id = $1 AND sequence > $2
			 ORDER BY sequence ASC LIMIT $3`, channelID, *since, limit)
	} else {
		rows, err = s.db.QueryContext(ctx,
			`SELECT sequence, channel_id, event_id, event_type, body, created_at FROM (
			     SELECT sequence, channel_id, event_id, event_type, body, created_at
			     FROM channel_events
			     WHERE channel_id = $1
			     ORDER BY sequence DESC LIMIT $2
			 ) latest ORDER BY sequence ASC`, channelID, limit)
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: recent events: %w", err)
	}
	defer rows.Close()

	var out []storage.ChannelEvent
	for rows.Next() {
		var ev storage.ChannelEvent
		var body []byte
		if err := rows.Scan(&ev.Sequence, &ev.ChannelID, &ev.EventID, &ev.EventType, &body, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan event: %w", err)
		}
		ev.Body = json.RawMessage(body)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) CreateUser(ctx context.Context, username, passwordHash string) (*storage.User, error) {
	u := storage.User{UserID: uuid.New(), Username: username, PasswordHash: passwordHash}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (user_id, username, password_hash) VALUES ($1, $2, $3)`,
		u.UserID, u.Username, u.PasswordHash)
	if isPQError(err, pqUniqueViolation, "") {
		return nil, storage.ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: insert user: %w", err)
	}
	return &u, nil
}

func (s *Store) UserByUsername(ctx context.Context, username string) (*storage.User, error) {
	var u storage.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, password_hash FROM users WHERE username = $1`,
		username).Scan(&u.UserID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: user by username: %w", err)
	}
	return &u, nil
}

func (s *Store) UserByID(ctx context.Context, userID uuid.UUID) (*storage.User, error) {
	var u storage.User
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, username, password_hash FROM users WHERE user_id = $1`,
		userID).Scan(&u.UserID, &u.Username, &u.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: user by id: %w", err)
	}
	return &u, nil
}

func (s *Store) InsertSession(ctx context.Context, sess storage.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (session_id, user_id, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		sess.SessionID, sess.UserID, sess.IssuedAt, sess.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: insert session: %w", err)
	}
	return nil
}

func (s *Store) UpsertRefresh(ctx context.Context, r storage.RefreshSession) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO refresh_sessions
		     (refresh_id, user_id, session_id, device_id, device_name,
		      user_agent, ip_address, created_at, last_used_at, expires_at, revoked_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NULL)
		 ON CONFLICT ON CONSTRAINT refresh_sessions_user_device DO UPDATE SET
		     refresh_id   = EXCLUDED.refresh_id,
		     session_id   = EXCLUDED.session_id,
		     device_name  = EXCLUDED.device_name,
		     user_agent   = EXCLUDED.user_agent,
		     ip_address   = EXCLUDED.ip_address,
		     created_at   = EXCLUDED.created_at,
		     last_used_at = EXCLUDED.last_used_at,
		     expires_at   = EXCLUDED.expires_at,
		     revoked_at   = NULL`,
		r.RefreshID, r.UserID, r.SessionID, r.DeviceID, r.DeviceName,
		r.UserAgent, r.IPAddress, r.CreatedAt, r.LastUsedAt, r.ExpiresAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert refresh: %w", err)
	}
	return nil
}

func (s *Store) RefreshByID(ctx context.Context, refreshID uuid.UUID) (*storage.RefreshSession, error) {
	var r storage.RefreshSession
	err := s.db.QueryRowContext(ctx,
		`SELECT refresh_id, user_id, session_id, device_id, device_name,
		        user_agent, ip_address, created_at, last_used_at, expires_at, revoked_at
		 FROM refresh_sessions WHERE refresh_id = $1`, refreshID).
		Scan(&r.RefreshID, &r.UserID, &r.SessionID, &r.DeviceID, &r.DeviceName,
			&r.UserAgent, &r.IPAddress, &r.CreatedAt, &r.LastUsedAt, &r.ExpiresAt, &r.RevokedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrRefreshNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: refresh by id: %w", err)
	}
	return &r, nil
}

func (s *Store) TouchRefresh(ctx context.Context, refreshID uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET last_used_at = $2 WHERE refresh_id = $1`,
		refreshID, at)
	if err != nil {
		return fmt.Errorf("postgres: touch refresh: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return storage.ErrRefreshNotFound
	}
	return nil
}

func (s *Store) RevokeRefresh(ctx context.Context, refreshID uuid.UUID, at time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE refresh_sessions SET revoked_at = COALESCE(revoked_at, $2)
		 WHERE refresh_id = $1`, refreshID, at)
	if err != nil {
		return false, fmt.Errorf("postgres: revoke refresh: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("postgres: revoke refresh: %w", err)
	}
	return n > 0, nil
}
