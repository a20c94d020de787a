package querycache_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jrsteele09/fleetops-session/querycache"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	base := querycache.Key{"api", "loads"}
	scoped := base.With("companyId", "c-1")

	require.Equal(t, "api/loads", base.String())
	require.Equal(t, "api/loads/companyId=c-1", scoped.String())
	require.True(t, scoped.HasPrefix(base))
	require.False(t, base.HasPrefix(scoped))

	v, ok := scoped.Field("companyId")
	require.True(t, ok)
	require.Equal(t, "c-1", v)
	require.Len(t, base, 2, "With must not mutate the base key")
}

func TestKey_SegmentsContainingSeparator(t *testing.T) {
	nested := querycache.Key{"api", "auth", "user"}
	joined := querycache.Key{"api/auth", "user"}
	require.NotEqual(t, nested.String(), joined.String())
	require.Equal(t, "api%2Fauth/user", joined.String())

	c := querycache.New()
	c.Set(nested, "nested")
	c.Set(joined, "joined")

	v, ok := c.Get(joined)
	require.True(t, ok)
	require.Equal(t, "joined", v)

	require.Equal(t, 1, c.Invalidate(querycache.Key{"api", "auth"}))
	_, ok = c.Get(nested)
	require.False(t, ok)
	_, ok = c.Get(joined)
	require.True(t, ok)
}

func TestCache_FetchStaleTime(t *testing.T) {
	now := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)
	c := querycache.New(querycache.WithNowTime(func() time.Time { return now }))
	key := querycache.Key{"api", "drivers"}

	calls := 0
	fetch := func(context.Context) (any, error) {
		calls++
		return calls, nil
	}

	t.Run("zero stale time always refetches", func(t *testing.T) {
		_, err := c.Fetch(context.Background(), key, querycache.FetchOptions{}, fetch)
		require.NoError(t, err)
		v, err := c.Fetch(context.Background(), key, querycache.FetchOptions{}, fetch)
		require.NoError(t, err)
		require.Equal(t, 2, v)
	})

	t.Run("fresh entry served from cache", func(t *testing.T) {
		v, err := c.Fetch(context.Background(), key, querycache.FetchOptions{StaleTime: time.Minute}, fetch)
		require.NoError(t, err)
		require.Equal(t, 2, v)
		require.Equal(t, 2, calls)
	})

	t.Run("stale entry refetched", func(t *testing.T) {
		now = now.Add(2 * time.Minute)
		v, err := c.Fetch(context.Background(), key, querycache.FetchOptions{StaleTime: time.Minute}, fetch)
		require.NoError(t, err)
		require.Equal(t, 3, v)
	})
}

func TestCache_FetchErrorNotCached(t *testing.T) {
	c := querycache.New()
	key := querycache.Key{"api", "loads"}
	boom := errors.New("boom")

	_, err := c.Fetch(context.Background(), key, querycache.FetchOptions{}, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestCache_ResultAfterClearIsDiscarded(t *testing.T) {
	c := querycache.New()
	key := querycache.Key{"api", "auth", "user"}

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := c.Fetch(context.Background(), key, querycache.FetchOptions{}, func(context.Context) (any, error) {
			close(started)
			<-release // ignores cancellation, like a response already on the wire
			return "late-user", nil
		})
		done <- err
	}()

	<-started
	require.Equal(t, 1, c.InFlight())
	c.Clear()
	close(release)

	require.ErrorIs(t, <-done, querycache.ErrDiscarded)
	_, ok := c.Get(key)
	require.False(t, ok)
	require.Equal(t, 0, c.InFlight())
}

func TestCache_CancelAll(t *testing.T) {
	c := querycache.New()
	started := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := c.Fetch(context.Background(), querycache.Key{"slow"}, querycache.FetchOptions{}, func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		})
		done <- err
	}()

	<-started
	require.Equal(t, 1, c.CancelAll())
	require.ErrorIs(t, <-done, querycache.ErrDiscarded)
}

func TestCache_Invalidate(t *testing.T) {
	c := querycache.New()
	c.Set(querycache.Key{"api", "loads", "companyId=c-1"}, 1)
	c.Set(querycache.Key{"api", "loads", "companyId=c-2"}, 2)
	c.Set(querycache.Key{"api", "loadsummary"}, 3)

	require.Equal(t, 2, c.Invalidate(querycache.Key{"api", "loads"}))
	_, ok := c.Get(querycache.Key{"api", "loadsummary"})
	require.True(t, ok)
}

func TestFetchAs(t *testing.T) {
	c := querycache.New()
	v, err := querycache.FetchAs(context.Background(), c, querycache.Key{"n"}, querycache.FetchOptions{}, func(context.Context) (int, error) {
		return 42, nil
	})
	require.NoError(t, err)
	require.Equal(t, 42, v)
}
