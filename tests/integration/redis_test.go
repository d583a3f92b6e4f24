package integration

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voltgrid/csms/internal/adapter/cache"
)

// TestRedis_CacheAdapter exercises the cache adapter against a real Redis
func TestRedis_CacheAdapter(t *testing.T) {
	env := SetupTestEnvironment(t)
	if env == nil || env.Redis == nil {
		t.Skip("Redis not available")
	}
	FlushRedis(t, env.Redis)

	ctx := context.Background()
	c, err := cache.NewRedisCache(env.RedisURL, env.Logger)
	require.NoError(t, err)
	defer c.Close()

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "cp:CP-1:status", "Available", time.Minute))
		val, err := c.Get(ctx, "cp:CP-1:status")
		require.NoError(t, err)
		assert.Equal(t, "Available", val)
	})

	t.Run("MissReturnsError", func(t *testing.T) {
		_, err := c.Get(ctx, "cp:CP-MISSING:status")
		assert.Error(t, err)
	})

	t.Run("Expiration", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "cp:CP-1:connected", "1", 200*time.Millisecond))
		val, err := c.Get(ctx, "cp:CP-1:connected")
		require.NoError(t, err)
		assert.Equal(t, "1", val)

		time.Sleep(400 * time.Millisecond)
		_, err = c.Get(ctx, "cp:CP-1:connected")
		assert.Error(t, err)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "cp:CP-2:status", "Charging", time.Minute))
		require.NoError(t, c.Delete(ctx, "cp:CP-2:status"))
		_, err := c.Get(ctx, "cp:CP-2:status")
		assert.Error(t, err)
	})

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, c.Ping())
	})
}
