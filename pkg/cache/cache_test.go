package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(ttl time.Duration) (*Cache[string, int], *clock) {
	clk := &clock{t: time.Unix(1_700_000_000, 0)}
	c := New[string, int](ttl)
	c.now = clk.now
	return c, clk
}

func TestCache_Expiry(t *testing.T) {
	c, clk := newTestCache(time.Minute)

	c.Set("a", 1)
	c.SetWithTTL("b", 2, 10*time.Second)

	v, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, v)

	clk.advance(10 * time.Second)
	_, ok = c.Get("b")
	assert.False(t, ok, "entry expires at its ttl")
	_, ok = c.Get("a")
	assert.True(t, ok)

	c.Set("c", 3)
	assert.Equal(t, 2, c.Size(), "expired entries are dropped on write")

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)
}

func TestCache_GetOrLoad(t *testing.T) {
	c, clk := newTestCache(time.Minute)
	calls := 0
	load := func(context.Context) (int, error) {
		calls++
		return calls * 10, nil
	}

	v, err := c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 10, v)

	v, err = c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 10, v)
	assert.Equal(t, 1, calls)

	clk.advance(time.Minute)
	v, err = c.GetOrLoad(context.Background(), "k", load)
	require.NoError(t, err)
	assert.Equal(t, 20, v)
}

func TestCache_GetOrLoadDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(time.Minute)
	boom := errors.New("boom")

	_, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, c.Size())

	v, err := c.GetOrLoad(context.Background(), "k", func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}
