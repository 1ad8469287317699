package offlinequeue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCacheFreshUntilTTL(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q, err := New(Config{Store: newTestStore(t), Now: clock.Now})
	require.NoError(t, err)

	require.NoError(t, q.Cache(ctx, "menu", []byte("v1"), time.Minute))

	clock.Advance(time.Minute)
	data, ok, err := q.GetCached(ctx, "menu")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), data)

	clock.Advance(time.Millisecond)
	data, ok, err = q.GetCached(ctx, "menu")
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, data)
}

func TestCacheZeroTTLNeverHits(t *testing.T) {
	ctx := context.Background()
	q, err := New(Config{Store: newTestStore(t), Now: newFakeClock().Now})
	require.NoError(t, err)

	require.NoError(t, q.Cache(ctx, "k", []byte("v"), 0))
	_, ok, err := q.GetCached(ctx, "k")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestCacheMissAndReplace(t *testing.T) {
	ctx := context.Background()
	q, err := New(Config{Store: newTestStore(t)})
	require.NoError(t, err)

	_, ok, err := q.GetCached(ctx, "absent")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Cache(ctx, "k", []byte("old"), time.Hour))
	require.NoError(t, q.Cache(ctx, "k", []byte("new"), time.Hour))
	data, ok, err := q.GetCached(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "new", string(data))

	require.Error(t, q.Cache(ctx, "", []byte("x"), time.Hour))
}

func TestCacheJSONRoundTrip(t *testing.T) {
	ctx := context.Background()
	q, err := New(Config{Store: newTestStore(t)})
	require.NoError(t, err)

	type menu struct {
		Items []string `json:"items"`
	}
	require.NoError(t, q.CacheJSON(ctx, "menu", menu{Items: []string{"fries"}}, time.Hour))

	var got menu
	ok, err := q.GetCachedJSON(ctx, "menu", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []string{"fries"}, got.Items)

	ok, err = q.GetCachedJSON(ctx, "nope", &got)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSweepCache(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	q, err := New(Config{Store: newTestStore(t), Now: clock.Now})
	require.NoError(t, err)

	require.NoError(t, q.Cache(ctx, "short", []byte("a"), time.Second))
	require.NoError(t, q.Cache(ctx, "long", []byte("b"), time.Hour))
	clock.Advance(time.Minute)

	n, err := q.SweepCache(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, ok, err := q.GetCached(ctx, "long")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestCacheRejectsSubMillisecondTTL(t *testing.T) {
	ctx := context.Background()
	q, err := New(Config{Store: newTestStore(t)})
	require.NoError(t, err)

	require.ErrorIs(t, q.Cache(ctx, "menu", []byte("x"), 500*time.Microsecond), ErrTTLPrecision)
	_, ok, err := q.GetCached(ctx, "menu")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, q.Cache(ctx, "menu", []byte("x"), time.Millisecond))
	require.NoError(t, q.Cache(ctx, "menu", []byte("x"), 0))
}
