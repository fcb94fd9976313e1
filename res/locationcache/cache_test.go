package locationcache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exerciseCache(t *testing.T, c Cache) {
	ctx := context.Background()
	t0 := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

	_, ok, err := c.Get(ctx, "bkg_1")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, Entry{BookingID: "bkg_1", Latitude: 12.9, Longitude: 77.6, UpdatedAt: t0}))
	assert.ErrorIs(t, c.Put(ctx, Entry{BookingID: "bkg_1", Latitude: 1, Longitude: 1, UpdatedAt: t0}), ErrStale)
	assert.ErrorIs(t, c.Put(ctx, Entry{BookingID: "bkg_1", Latitude: 1, Longitude: 1, UpdatedAt: t0.Add(-time.Second)}), ErrStale)

	e, ok, err := c.Get(ctx, "bkg_1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 12.9, e.Latitude)
	assert.True(t, t0.Equal(e.UpdatedAt))

	require.NoError(t, c.Put(ctx, Entry{BookingID: "bkg_1", Latitude: 13, Longitude: 77.7, UpdatedAt: t0.Add(time.Second)}))
	e, _, _ = c.Get(ctx, "bkg_1")
	assert.Equal(t, 13.0, e.Latitude)

	require.NoError(t, c.Delete(ctx, "bkg_1"))
	_, ok, _ = c.Get(ctx, "bkg_1")
	assert.False(t, ok)
}

func TestMemoryCache(t *testing.T) {
	exerciseCache(t, NewMemory())
}

func TestRedisCache(t *testing.T) {
	redisURL := os.Getenv("REDIS_URL")
	if redisURL == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(redisURL)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	c := NewRedis(rdb, time.Minute)
	_ = c.Delete(context.Background(), "bkg_1")
	exerciseCache(t, c)
}
