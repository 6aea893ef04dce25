package postgres

// Schema is applied on startup. Statements are idempotent so repeated boots
// against the same database are safe.
const schema = `
CREATE TABLE IF NOT EXISTS users (
    user_id       UUID PRIMARY KEY,
    username      TEXT NOT NULL UNIQUE,
    password_hash TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
    session_id UUID PRIMARY KEY,
    user_id    UUID NOT NULL REFERENCES users (user_id),
    issued_at  TIMESTAMPTZ NOT NULL,
    expires_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS refresh_sessions (
    refresh_id   UUID PRIMARY KEY,
    user_id      UUID NOT NULL REFERENCES users (user_id),
    session_id   UUID NOT NULL,
    device_id    TEXT NOT NULL,
    device_name  TEXT,
    user_agent   TEXT,
    ip_address   TEXT,
    created_at   TIMESTAMPTZ NOT NULL,
    last_used_at TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    revoked_at   TIMESTAMPTZ,
    CONSTRAINT refresh_sessions_user_device UNIQUE (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS guilds (
    guild_id   UUID PRIMARY KEY,
    name       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS channels (
    channel_id UUID PRIMARY KEY,
    guild_id   UUID NOT NULL REFERENCES guilds (guild_id),
    name       TEXT NOT NULL,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS channel_events (
    channel_id UUID NOT NULL REFERENCES channels (channel_id),
    sequence   BIGINT NOT NULL,
    event_id   TEXT NOT NULL,
    event_type TEXT NOT NULL,
    body       JSONB NOT NULL,
    created_at TIMESTAMPTZ NOT NULL,
    CONSTRAINT channel_events_channel_sequence UNIQUE (channel_id, sequence),
    CONSTRAINT channel_events_channel_event UNIQUE (channel_id, event_id)
);

CREATE INDEX IF NOT EXISTS channel_events_by_sequence
    ON channel_events (channel_id, sequence DESC);
`
