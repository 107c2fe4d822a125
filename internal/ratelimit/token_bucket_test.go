package ratelimit

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestTokenBucket_AllowAndRefill(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 5, 5) // 5 tokens capacity, 5 tokens/sec.

	require.True(t, b.Allow(5), "initial burst")
	require.False(t, b.Allow(1), "bucket should be empty")

	clk.Advance(200 * time.Millisecond) // 1 token refilled (5 tokens/sec).
	assert.True(t, b.Allow(1), "refill after time advance")
}

func TestTokenBucket_DoesNotExceedCapacity(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	b := NewTokenBucket(clk, 1, 1) // capacity 1 token.

	require.True(t, b.Allow(1))

	clk.Advance(10 * time.Second)
	require.True(t, b.Allow(1), "refill up to capacity")
	assert.False(t, b.Allow(1), "only 1 token available")
}

func TestKeyedLimiter_IsolatesKeys(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewKeyedLimiter(clk, 2, 1, 0)

	require.True(t, l.Allow("PC1", 2))
	require.False(t, l.Allow("PC1", 1))
	require.True(t, l.Allow("App1", 2), "App1 has its own bucket")

	clk.Advance(time.Second)
	assert.True(t, l.Allow("PC1", 1), "PC1 refills after one second")
}

func TestKeyedLimiter_EvictsLeastRecentlyUsed(t *testing.T) {
	clk := &fakeClock{now: time.Unix(0, 0)}
	l := NewKeyedLimiter(clk, 1, 0, 2)

	l.Allow("a", 1)
	l.Allow("b", 1)
	l.Allow("a", 0) // touch a so b is the oldest
	l.Allow("c", 1)

	assert.Equal(t, 2, l.Len())
	assert.EqualValues(t, 1, l.Evicted())
	assert.False(t, l.Allow("a", 1), "a keeps its drained bucket")
	assert.True(t, l.Allow("b", 1), "evicted b comes back with a full bucket")
}
