package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLocalCacheSetGet(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "cp:CP-1:status", "Available", 0))
	got, err := c.Get(context.Background(), "cp:CP-1:status")
	require.NoError(t, err)
	assert.Equal(t, "Available", got)

	_, err = c.Get(context.Background(), "cp:CP-2:status")
	require.Error(t, err)
}

func TestLocalCacheMarshalsNonStringValues(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", map[string]int{"connectors": 2}, 0))
	got, err := c.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.JSONEq(t, `{"connectors":2}`, got)
}

func TestLocalCacheReapsExpiredKeyOnRead(t *testing.T) {
	// Sweeper interval is an hour, so only the read path can reap.
	c := NewLocalCache(time.Hour, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", "v", 10*time.Millisecond))
	time.Sleep(20 * time.Millisecond)

	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)

	lc := c.(*LocalCache)
	lc.mu.Lock()
	_, ok := lc.data["k"]
	lc.mu.Unlock()
	assert.False(t, ok)
}

func TestLocalCacheDelete(t *testing.T) {
	c := NewLocalCache(time.Minute, zap.NewNop())
	defer c.Close()

	require.NoError(t, c.Set(context.Background(), "k", "v", 0))
	require.NoError(t, c.Delete(context.Background(), "k"))
	_, err := c.Get(context.Background(), "k")
	require.Error(t, err)
}
