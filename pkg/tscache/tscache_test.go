package tscache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newFixed(ttl time.Duration) (*TimestampCache, *time.Time) {
	c := New(ttl)
	now := time.Unix(1000, 0)
	c.now = func() time.Time { return now }
	return c, &now
}

func TestTouchDebouncesWithinTTL(t *testing.T) {
	c, now := newFixed(time.Minute)

	assert.True(t, c.Touch("tunnel-42"))
	assert.False(t, c.Touch("tunnel-42"))

	*now = now.Add(30 * time.Second)
	assert.False(t, c.Touch("tunnel-42"))

	*now = now.Add(31 * time.Second)
	assert.True(t, c.Touch("tunnel-42"))
}

func TestTouchIndependentKeys(t *testing.T) {
	c, _ := newFixed(time.Minute)

	assert.True(t, c.Touch("a"))
	assert.True(t, c.Touch("b"))
	assert.False(t, c.Touch("a"))
}

func TestSeenDoesNotRefresh(t *testing.T) {
	c, now := newFixed(time.Minute)

	c.Touch("k")
	*now = now.Add(59 * time.Second)
	assert.True(t, c.Seen("k"))

	*now = now.Add(2 * time.Second)
	assert.False(t, c.Seen("k"))
	// Expired entry is evicted by Seen.
	assert.Equal(t, 0, c.Len())
}

func TestPurgeEvictsExpired(t *testing.T) {
	c, now := newFixed(time.Minute)

	c.Touch("old")
	*now = now.Add(2 * time.Minute)
	c.Touch("fresh")

	assert.Equal(t, 1, c.Purge())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Seen("fresh"))
}

func TestZeroTTLDisablesDebounce(t *testing.T) {
	c := New(0)
	assert.True(t, c.Touch("k"))
	assert.True(t, c.Touch("k"))
	assert.False(t, c.Seen("k"))
}

func TestForget(t *testing.T) {
	c, _ := newFixed(time.Minute)
	c.Touch("k")
	c.Forget("k")
	assert.True(t, c.Touch("k"))
}
