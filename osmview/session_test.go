package osmview

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStoreIsolatesSessions(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "a", func(c *Controller) error {
		c.Zoom(2)
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "b", func(c *Controller) error {
		assert.Equal(t, DefaultView, c.Committed())
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.InDelta(t, 19.15, c.Committed().Zoom, 1e-9)
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStorePersistsAcrossFailedNavigation(t *testing.T) {
	store := NewMemoryStore(time.Minute)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "a", func(c *Controller) error {
		c.UpdatePending(FieldLat, "oops")
		_, err := c.Navigate()
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.Equal(t, "oops", c.Pending().Lat.Raw)
		assert.Equal(t, DefaultView, c.Committed())
		return nil
	})
	require.NoError(t, err)
}

func TestMemoryStoreZeroTTL(t *testing.T) {
	store := NewMemoryStore(0)
	defer store.Close()

	err := store.Update(context.Background(), "a", func(c *Controller) error {
		c.Zoom(1)
		return nil
	})
	require.NoError(t, err)
}

func newRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewRedisStore(rdb, time.Minute)
}

func TestRedisStoreRoundTrip(t *testing.T) {
	store := newRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "a", func(c *Controller) error {
		c.UpdatePending(FieldLat, "12.5")
		c.UpdatePending(FieldLng, "-7.25")
		c.UpdatePending(FieldZoom, "14")
		_, err := c.Navigate()
		return err
	})
	require.NoError(t, err)

	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.Equal(t, View{Lat: 12.5, Lng: -7.25, Zoom: 14}, c.Committed())
		return nil
	})
	require.NoError(t, err)
}

func TestRedisStorePersistsNonNumericPending(t *testing.T) {
	store := newRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "a", func(c *Controller) error {
		c.UpdatePending(FieldZoom, "abc")
		return nil
	})
	require.NoError(t, err)

	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.Equal(t, "abc", c.Pending().Zoom.Raw)
		assert.True(t, math.IsNaN(c.Pending().Zoom.Value))
		return nil
	})
	require.NoError(t, err)
}

func TestRedisStoreRetriesOnConcurrentWrite(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := NewRedisStore(rdb, time.Minute)
	defer store.Close()
	ctx := context.Background()

	other := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer other.Close()

	stale := `{"committed":{"lat":1,"lng":2,"zoom":12},"pending":{"lat":"1","lng":"2","zoom":"12"}}`
	calls := 0
	err := store.Update(ctx, "a", func(c *Controller) error {
		calls++
		if calls == 1 {
			// another replica writes the session mid-update
			require.NoError(t, other.Set(ctx, sessionKey("a"), stale, 0).Err())
		}
		c.Zoom(1)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// the replay applied the zoom on top of the concurrent write
	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.Equal(t, View{Lat: 1, Lng: 2, Zoom: 13}, c.Committed())
		return nil
	})
	require.NoError(t, err)
}

func TestRedisStoreFailedNavigationStillPersists(t *testing.T) {
	store := newRedisStore(t)
	defer store.Close()
	ctx := context.Background()

	err := store.Update(ctx, "a", func(c *Controller) error {
		c.UpdatePending(FieldLat, "nope")
		_, err := c.Navigate()
		return err
	})
	assert.ErrorIs(t, err, ErrInvalidCoordinate)

	err = store.Update(ctx, "a", func(c *Controller) error {
		assert.Equal(t, "nope", c.Pending().Lat.Raw)
		return nil
	})
	require.NoError(t, err)
}
