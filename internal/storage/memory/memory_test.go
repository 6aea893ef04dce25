package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openguild/openguild/internal/storage"
)

func seedChannel(t *testing.T, s *Store) *storage.Channel {
	t.Helper()
	g, err := s.CreateGuild(context.Background(), "alpha")
	require.NoError(t, err)
	c, err := s.CreateChannel(context.Background(), g.GuildID, "general")
	require.NoError(t, err)
	return c
}

func TestCreateChannelUnknownGuild(t *testing.T) {
	s := New()
	_, err := s.CreateChannel(context.Background(), uuid.New(), "general")
	assert.ErrorIs(t, err, storage.ErrGuildNotFound)
}

func TestAppendAssignsMonotonicSequences(t *testing.T) {
	s := New()
	c := seedChannel(t, s)

	var last int64
	for i := 0; i < 10; i++ {
		ev, err := s.AppendEvent(context.Background(), c.ChannelID,
			fmt.Sprintf("$ev%d", i), "m.room.message", json.RawMessage(`{}`))
		require.NoError(t, err)
		assert.Greater(t, ev.Sequence, last)
		last = ev.Sequence
	}
}

func TestAppendUnknownChannel(t *testing.T) {
	s := New()
	_, err := s.AppendEvent(context.Background(), uuid.New(), "$e", "t", nil)
	assert.ErrorIs(t, err, storage.ErrChannelNotFound)
}

func TestAppendDuplicateEventID(t *testing.T) {
	s := New()
	c := seedChannel(t, s)

	_, err := s.AppendEvent(context.Background(), c.ChannelID, "$dup", "t", nil)
	require.NoError(t, err)
	_, err = s.AppendEvent(context.Background(), c.ChannelID, "$dup", "t", nil)
	assert.ErrorIs(t, err, storage.ErrDuplicateEvent)
}

func TestRecentEventsLatestWindow(t *testing.T) {
	s := New()
	c := seedChannel(t, s)

	for i := 0; i < 7; i++ {
		_, err := s.AppendEvent(context.Background(), c.ChannelID,
			fmt.Sprintf("$ev%d", i), "t", nil)
		require.NoError(t, err)
	}

	got, err := s.RecentEvents(context.Background(), c.ChannelID, nil, 3)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "$ev4", got[0].EventID)
	assert.Equal(t, "$ev6", got[2].EventID)
	assert.Less(t, got[0].Sequence, got[1].Sequence)
}

func TestRecentEventsSince(t *testing.T) {
	s := New()
	c := seedChannel(t, s)

	var seqs []int64
	for i := 0; i < 5; i++ {
		ev, err := s.AppendEvent(context.Background(), c.ChannelID,
			fmt.Sprintf("$ev%d", i), "t", nil)
		require.NoError(t, err)
		seqs = append(seqs, ev.Sequence)
	}

	got, err := s.RecentEvents(context.Background(), c.ChannelID, &seqs[1], 10)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "$ev2", got[0].EventID)

	// since beyond the head returns nothing
	got, err = s.RecentEvents(context.Background(), c.ChannelID, &seqs[4], 10)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestListGuildsAndChannelsOrdered(t *testing.T) {
	s := New()
	ctx := context.Background()
	for _, name := range []string{"one", "two", "three"} {
		_, err := s.CreateGuild(ctx, name)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	guilds, err := s.ListGuilds(ctx)
	require.NoError(t, err)
	require.Len(t, guilds, 3)
	assert.Equal(t, "one", guilds[0].Name)
	assert.Equal(t, "three", guilds[2].Name)
}

func TestUpsertRefreshDisplacesSameDevice(t *testing.T) {
	s := New()
	ctx := context.Background()
	userID := uuid.New()
	now := time.Now().UTC()

	first := storage.RefreshSession{
		RefreshID: uuid.New(), UserID: userID, SessionID: uuid.New(),
		DeviceID: "d1", CreatedAt: now, LastUsedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.UpsertRefresh(ctx, first))

	second := first
	second.RefreshID = uuid.New()
	second.SessionID = uuid.New()
	require.NoError(t, s.UpsertRefresh(ctx, second))

	_, err := s.RefreshByID(ctx, first.RefreshID)
	assert.ErrorIs(t, err, storage.ErrRefreshNotFound, "displaced refresh must be dead")
	got, err := s.RefreshByID(ctx, second.RefreshID)
	require.NoError(t, err)
	assert.Equal(t, second.SessionID, got.SessionID)

	// A different device for the same user keeps its own row.
	other := first
	other.RefreshID = uuid.New()
	other.DeviceID = "d2"
	require.NoError(t, s.UpsertRefresh(ctx, other))
	_, err = s.RefreshByID(ctx, second.RefreshID)
	assert.NoError(t, err)
}

func TestRevokeRefreshIdempotent(t *testing.T) {
	s := New()
	ctx := context.Background()
	now := time.Now().UTC()
	r := storage.RefreshSession{
		RefreshID: uuid.New(), UserID: uuid.New(), SessionID: uuid.New(),
		DeviceID: "d1", CreatedAt: now, LastUsedAt: now, ExpiresAt: now.Add(time.Hour),
	}
	require.NoError(t, s.UpsertRefresh(ctx, r))

	ok, err := s.RevokeRefresh(ctx, r.RefreshID, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.RevokeRefresh(ctx, r.RefreshID, now.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := s.RefreshByID(ctx, r.RefreshID)
	require.NoError(t, err)
	require.NotNil(t, got.RevokedAt)
	assert.Equal(t, now, *got.RevokedAt, "second revoke must not move the timestamp")
	assert.False(t, got.Live(now.Add(time.Second)))

	ok, err = s.RevokeRefresh(ctx, uuid.New(), now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCreateUserUniqueUsername(t *testing.T) {
	s := New()
	ctx := context.Background()
	_, err := s.CreateUser(ctx, "alice", "hash")
	require.NoError(t, err)
	_, err = s.CreateUser(ctx, "alice", "otherhash")
	assert.ErrorIs(t, err, storage.ErrUsernameTaken)
}
