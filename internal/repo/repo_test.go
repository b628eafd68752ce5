package repo

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLobbyDirectory(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClock()
	d := NewMemoryLobbyDirectory(clock)

	rec := LobbyRecord{LobbyId: "blue-fox-12", ControllerId: "a"}
	ok, err := d.Reserve(ctx, rec, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = d.Reserve(ctx, LobbyRecord{LobbyId: "blue-fox-12", ControllerId: "b"}, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second reservation of the same id must fail")

	got, found, err := d.Lookup(ctx, "blue-fox-12")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "a", got.ControllerId)

	clock.Advance(50 * time.Second)
	require.NoError(t, d.Touch(ctx, "blue-fox-12", time.Minute))
	clock.Advance(50 * time.Second)
	_, found, _ = d.Lookup(ctx, "blue-fox-12")
	assert.True(t, found, "touch extends the reservation")

	clock.Advance(11 * time.Second)
	_, found, _ = d.Lookup(ctx, "blue-fox-12")
	assert.False(t, found, "expired reservation")

	ok, err = d.Reserve(ctx, LobbyRecord{LobbyId: "blue-fox-12"}, 0)
	require.NoError(t, err)
	assert.True(t, ok, "expired id can be reserved again")

	require.NoError(t, d.Release(ctx, "blue-fox-12"))
	_, found, _ = d.Lookup(ctx, "blue-fox-12")
	assert.False(t, found)
}

func newRedisDirectory(t *testing.T) (*RedisLobbyDirectory, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewRedisLobbyDirectory(rdb), mr
}

func TestRedisLobbyDirectory_ReserveLookupRelease(t *testing.T) {
	ctx := context.Background()
	d, mr := newRedisDirectory(t)

	rec := LobbyRecord{LobbyId: "red-owl-3", ControllerId: "a", Instance: "relay-1", CreatedAt: 100}
	ok, err := d.Reserve(ctx, rec, time.Hour)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.True(t, mr.Exists("lobbies:red-owl-3"))

	ok, err = d.Reserve(ctx, LobbyRecord{LobbyId: "red-owl-3"}, time.Hour)
	require.NoError(t, err)
	assert.False(t, ok)

	got, found, err := d.Lookup(ctx, "red-owl-3")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, rec, got)

	require.NoError(t, d.Release(ctx, "red-owl-3"))
	_, found, err = d.Lookup(ctx, "red-owl-3")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisLobbyDirectory_Touch(t *testing.T) {
	ctx := context.Background()
	d, mr := newRedisDirectory(t)

	_, err := d.Reserve(ctx, LobbyRecord{LobbyId: "calm-elk-7"}, time.Minute)
	require.NoError(t, err)

	mr.FastForward(50 * time.Second)
	require.NoError(t, d.Touch(ctx, "calm-elk-7", time.Minute))
	mr.FastForward(50 * time.Second)
	assert.True(t, mr.Exists("lobbies:calm-elk-7"))

	mr.FastForward(11 * time.Second)
	assert.False(t, mr.Exists("lobbies:calm-elk-7"))

	require.NoError(t, d.Touch(ctx, "calm-elk-7", time.Minute))
	assert.False(t, mr.Exists("lobbies:calm-elk-7"), "touch must not recreate an expired id")
}
