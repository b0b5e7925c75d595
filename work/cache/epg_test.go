package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEPGCacheStoresPerHost(t *testing.T) {
	c := NewEPGCache(time.Minute)

	_, ok := c.Get("http://a")
	assert.False(t, ok)

	c.Set("http://a", "<tv>a</tv>")
	c.Set("http://b", "<tv>b</tv>")

	got, ok := c.Get("http://a")
	require.True(t, ok)
	assert.Equal(t, "<tv>a</tv>", got)

	got, ok = c.Get("http://b")
	require.True(t, ok)
	assert.Equal(t, "<tv>b</tv>", got)

	c.Invalidate()
	_, ok = c.Get("http://a")
	assert.False(t, ok)
}

func TestEPGCacheExpires(t *testing.T) {
	c := NewEPGCache(20 * time.Millisecond)
	c.Set("http://a", "<tv/>")

	assert.Eventually(t, func() bool {
		_, ok := c.Get("http://a")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestEPGCacheDefaultTTL(t *testing.T) {
	assert.Equal(t, time.Minute, NewEPGCache(0).TTL())
}
