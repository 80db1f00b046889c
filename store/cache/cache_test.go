package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("a", 1)
	v, ok := c.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, v)

	_, ok = c.Get("missing")
	require.False(t, ok)
}

func TestExpiry(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	c.SetWithTTL("a", 1, 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	_, ok := c.Get("a")
	require.False(t, ok)
}

func TestZeroTTLPinsEntry(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	c.SetWithTTL("pinned", 1, 0)
	v, ok := c.Get("pinned")
	require.True(t, ok)
	require.Equal(t, 1, v)

	// The janitor never collects a pinned entry.
	c.evictExpired()
	_, ok = c.Get("pinned")
	require.True(t, ok)
}

func TestSizeEvictionPrefersExpiringOverPinned(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute, MaxItems: 2})
	defer c.Close()

	c.SetWithTTL("pinned", 1, 0)
	c.SetWithTTL("a", 2, time.Minute)
	c.Set("b", 3)

	_, ok := c.Get("pinned")
	require.True(t, ok)
	_, ok = c.Get("a")
	require.False(t, ok)
	_, ok = c.Get("b")
	require.True(t, ok)
}

func TestMaxItemsEviction(t *testing.T) {
	evicted := make(map[string]bool)
	c := New(Config{
		DefaultTTL:      time.Minute,
		CleanupInterval: time.Minute,
		MaxItems:        2,
		OnEviction:      func(key string, _ any) { evicted[key] = true },
	})
	defer c.Close()

	c.SetWithTTL("a", 1, time.Second)
	c.SetWithTTL("b", 2, time.Minute)
	c.Set("c", 3)

	// "a" expires soonest and must be the eviction victim.
	require.True(t, evicted["a"])
	_, ok := c.Get("b")
	require.True(t, ok)
	_, ok = c.Get("c")
	require.True(t, ok)
}

func TestDeleteAndPurge(t *testing.T) {
	c := New(Config{DefaultTTL: time.Minute, CleanupInterval: time.Minute})
	defer c.Close()

	c.Set("a", 1)
	c.Delete("a")
	_, ok := c.Get("a")
	require.False(t, ok)

	c.Set("b", 2)
	c.Purge()
	_, ok = c.Get("b")
	require.False(t, ok)
}
