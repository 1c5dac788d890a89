package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis starts an in-process Redis and returns a client for it.
func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

type entry struct {
	ID   int    `json:"id"`
	Text string `json:"text"`
}

func TestRedisCache_SetAndGet(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "history:global", []entry{{ID: 1, Text: "hi"}}, time.Minute))

	var got []entry
	found, err := c.Get(ctx, "history:global", &got)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, []entry{{ID: 1, Text: "hi"}}, got)

	stats := c.GetStats()
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Sets)
}

func TestRedisCache_Miss(t *testing.T) {
	_, client := setupTestRedis(t)
	c := NewRedisCache(client, "test:")

	var got []entry
	found, err := c.Get(context.Background(), "nothing", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(1), c.GetStats().Misses)
}

func TestRedisCache_Expiry(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", entry{ID: 1}, time.Second))
	mr.FastForward(2 * time.Second)

	var got entry
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCache_DeleteAndDeletePattern(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "test:")
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "history:document:doc1", entry{ID: 1}, time.Minute))
	require.NoError(t, c.Set(ctx, "history:document:doc2", entry{ID: 2}, time.Minute))
	require.NoError(t, c.Set(ctx, "history:global:global", entry{ID: 3}, time.Minute))
	require.NoError(t, c.Set(ctx, "other", entry{ID: 4}, time.Minute))

	require.NoError(t, c.Delete(ctx, "other"))
	assert.False(t, mr.Exists("test:other"))

	require.NoError(t, c.DeletePattern(ctx, "history:document:*"))
	assert.False(t, mr.Exists("test:history:document:doc1"))
	assert.False(t, mr.Exists("test:history:document:doc2"))
	assert.True(t, mr.Exists("test:history:global:global"))
}

func TestRedisCache_ErrorWhenRedisDown(t *testing.T) {
	mr, client := setupTestRedis(t)
	c := NewRedisCache(client, "test:")
	mr.Close()

	var got entry
	found, err := c.Get(context.Background(), "k", &got)
	assert.Error(t, err)
	assert.False(t, found)
	assert.Equal(t, uint64(1), c.GetStats().Errors)
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", 1, time.Minute))
	var got int
	found, err := c.Get(ctx, "k", &got)
	require.NoError(t, err)
	assert.False(t, found)
	assert.NoError(t, c.Delete(ctx, "k"))
	assert.NoError(t, c.DeletePattern(ctx, "*"))
}
