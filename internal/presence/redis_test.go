package presence

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cipherchat/internal/presence/presencetest"
	"cipherchat/internal/protocol"
)

// fallbackReader stands in for the store behind the cache.
type fallbackReader struct {
	mu    sync.Mutex
	calls []string
	known map[string]protocol.StatusUpdate
}

func (f *fallbackReader) Status(_ context.Context, userID string) (protocol.StatusUpdate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, userID)
	st, ok := f.known[userID]
	if !ok {
		return protocol.StatusUpdate{}, errors.New("not found")
	}
	return st, nil
}

func newRedisCache(t *testing.T, next StatusReader) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCache(client, next), mr
}

func TestRedisCacheOnlineWithoutLastSeen(t *testing.T) {
	next := &fallbackReader{}
	cache, mr := newRedisCache(t, next)
	ctx := context.Background()

	require.NoError(t, cache.RecordStatus(ctx, "alice", protocol.StatusOnline, nil))
	assert.Equal(t, "online", mr.HGet("presence:alice", "status"))
	assert.False(t, mr.Exists("presence:bob"))
	assert.Equal(t, 7*24*time.Hour, mr.TTL("presence:alice"))

	st, err := cache.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusUpdate{UID: "alice", Status: protocol.StatusOnline}, st)
	assert.Empty(t, next.calls, "hit must not reach the store")
}

func TestRedisCacheOfflineLastSeenRoundTrip(t *testing.T) {
	cache, _ := newRedisCache(t, nil)
	ctx := context.Background()

	seen := time.Date(2026, 10, 17, 8, 30, 15, 123456789, time.FixedZone("CEST", 7200))
	require.NoError(t, cache.RecordStatus(ctx, "alice", protocol.StatusOffline, &seen))

	st, err := cache.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	require.NotNil(t, st.LastSeen)
	assert.True(t, seen.Equal(*st.LastSeen))
	assert.Equal(t, time.UTC, st.LastSeen.Location())

	// Coming back online keeps the previous last seen, like the store.
	require.NoError(t, cache.RecordStatus(ctx, "alice", protocol.StatusOnline, nil))
	st, err = cache.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOnline, st.Status)
	require.NotNil(t, st.LastSeen)
	assert.True(t, seen.Equal(*st.LastSeen))
}

func TestRedisCacheMissFallsThrough(t *testing.T) {
	seen := time.Date(2026, 10, 16, 22, 0, 0, 0, time.UTC)
	next := &fallbackReader{known: map[string]protocol.StatusUpdate{
		"carol": {UID: "carol", Status: protocol.StatusOffline, LastSeen: &seen},
	}}
	cache, mr := newRedisCache(t, next)
	ctx := context.Background()

	st, err := cache.Status(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	assert.Equal(t, &seen, st.LastSeen)
	assert.Equal(t, []string{"carol"}, next.calls)

	_, err = cache.Status(ctx, "ghost")
	assert.Error(t, err)

	// An expired entry is a miss as well.
	require.NoError(t, cache.RecordStatus(ctx, "carol", protocol.StatusOnline, nil))
	mr.FastForward(8 * 24 * time.Hour)
	st, err = cache.Status(ctx, "carol")
	require.NoError(t, err)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	assert.Len(t, next.calls, 3)
}

func TestRedisCacheUnavailableWithoutFallback(t *testing.T) {
	cache, mr := newRedisCache(t, nil)
	mr.Close()

	st, err := cache.Status(context.Background(), "alice")
	assert.Error(t, err)
	assert.Equal(t, protocol.StatusOffline, st.Status)
	assert.Error(t, cache.RecordStatus(context.Background(), "alice", protocol.StatusOnline, nil))
}

func TestRegistryRecordsThroughCache(t *testing.T) {
	primary := &fakeRecorder{}
	cache, mr := newRedisCache(t, nil)
	r := NewRegistry(Recorders{primary, cache}, nil)

	r.Register(context.Background(), "alice", presencetest.NewConn("alice"))
	r.Close()

	assert.Len(t, primary.recorded(), 1)
	assert.Equal(t, "online", mr.HGet("presence:alice", "status"))
}
