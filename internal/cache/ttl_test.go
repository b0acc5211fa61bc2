package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frommybrain/fatebox/internal/clock"
)

func TestTTLExpiry(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewTTL[string, int](time.Minute, clk)

	c.Set("devnet", 7)
	v, ok := c.Get("devnet")
	require.True(t, ok)
	assert.Equal(t, 7, v)

	clk.Advance(59 * time.Second)
	_, ok = c.Get("devnet")
	assert.True(t, ok)

	clk.Advance(time.Second)
	_, ok = c.Get("devnet")
	assert.False(t, ok, "entry expires exactly at ttl")
}

func TestGetOrFetch(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	c := NewTTL[string, int](time.Minute, clk)
	calls := 0
	fetch := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := c.GetOrFetch(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, err = c.GetOrFetch(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 1, v, "served from cache")

	clk.Advance(2 * time.Minute)
	v, err = c.GetOrFetch(context.Background(), "k", fetch)
	require.NoError(t, err)
	assert.Equal(t, 2, v)
}

func TestGetOrFetchDoesNotCacheErrors(t *testing.T) {
	c := NewTTL[string, int](time.Minute, nil)
	boom := errors.New("boom")

	_, err := c.GetOrFetch(context.Background(), "k", func(context.Context) (int, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)

	_, ok := c.Get("k")
	assert.False(t, ok)

	c.Set("k", 3)
	c.Invalidate("k")
	_, ok = c.Get("k")
	assert.False(t, ok)
}
