package preload

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/pagevoice/internal/negotiator"
)

func setupRedisStore(t *testing.T, opts ...RedisOption) (*RedisStore, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(client, opts...), mr
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store, mr := setupRedisStore(t, WithPrefix("test"), WithRedisTTL(time.Minute))
	ctx := context.Background()

	_, ok, err := store.GetAudio(ctx, "page1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.PutAudio(ctx, "page1", []byte{0xff, 0x00, 0x01}))
	got, ok, err := store.GetAudio(ctx, "page1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte{0xff, 0x00, 0x01}, got)

	assert.True(t, mr.Exists("test:greeting:page1"))
	assert.Equal(t, time.Minute, mr.TTL("test:greeting:page1"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.GetAudio(ctx, "page1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCacheUsesStore(t *testing.T) {
	store, mr := setupRedisStore(t)
	ctx := context.Background()
	require.NoError(t, store.PutAudio(ctx, "cached", []byte("from-redis")))

	greeter := &fakeGreeter{audio: []byte("from-tts")}
	cache := New(greeter, &fakeNegotiator{cred: negotiator.Credential{Value: "c"}}, WithStore(store))
	defer cache.Close()

	got, err := cache.Audio(ctx, "cached")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-redis"), got)
	assert.Equal(t, int32(0), greeter.calls.Load())

	got, err = cache.Audio(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, []byte("from-tts"), got)
	assert.True(t, mr.Exists("pagevoice:greeting:fresh"))
}
