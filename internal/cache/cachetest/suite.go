// Package cachetest holds the behaviour every cache.Backend must show. Each
// driver's tests run it against a fresh backend.
package cachetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"authcore/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises b. newBackend must return an empty backend per call.
func Run(t *testing.T, newBackend func(t *testing.T) cache.Backend) {
	t.Run("ticket is taken once", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ticket := newTicket("acc-1")

		require.NoError(t, b.PutTicket(ctx, "h1", ticket))

		got, err := b.TakeTicket(ctx, "h1")
		require.NoError(t, err)
		assert.Equal(t, "acc-1", got.AccountID)
		assert.WithinDuration(t, ticket.ExpiresAt, got.ExpiresAt, time.Second)

		_, err = b.TakeTicket(ctx, "h1")
		assert.ErrorIs(t, err, cache.ErrNotFound)

		_, err = b.TakeTicket(ctx, "never-stored")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("concurrent takes have one winner", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		require.NoError(t, b.PutTicket(ctx, "h2", newTicket("acc-2")))

		const n = 16
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := b.TakeTicket(ctx, "h2"); err == nil {
					winners.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("restored ticket can be taken again", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		ticket := newTicket("acc-3")
		require.NoError(t, b.PutTicket(ctx, "h3", ticket))

		taken, err := b.TakeTicket(ctx, "h3")
		require.NoError(t, err)
		require.NoError(t, b.RestoreTicket(ctx, "h3", taken))

		again, err := b.TakeTicket(ctx, "h3")
		require.NoError(t, err)
		assert.Equal(t, "acc-3", again.AccountID)
	})

	t.Run("expired ticket is not restored", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		stale := cache.Ticket{AccountID: "acc-4", IssuedAt: time.Now().Add(-time.Hour), ExpiresAt: time.Now().Add(-time.Minute)}

		require.NoError(t, b.RestoreTicket(ctx, "h4", stale))
		_, err := b.TakeTicket(ctx, "h4")
		assert.ErrorIs(t, err, cache.ErrNotFound)
	})

	t.Run("rotation revokes the old id", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		exp := time.Now().Add(time.Hour)

		require.NoError(t, b.TrackSession(ctx, "acc-5", "old", exp))
		require.NoError(t, b.RotateSession(ctx, "acc-5", "old", exp, "new", exp))

		revoked, err := b.IsRevoked(ctx, "old")
		require.NoError(t, err)
		assert.True(t, revoked)

		revoked, err = b.IsRevoked(ctx, "new")
		require.NoError(t, err)
		assert.False(t, revoked)

		err = b.RotateSession(ctx, "acc-5", "old", exp, "newer", exp)
		assert.ErrorIs(t, err, cache.ErrRevoked)
	})

	t.Run("concurrent rotations of one id have one winner", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		exp := time.Now().Add(time.Hour)
		require.NoError(t, b.TrackSession(ctx, "acc-6", "shared", exp))

		const n = 8
		var (
			wg      sync.WaitGroup
			winners atomic.Int32
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				if err := b.RotateSession(ctx, "acc-6", "shared", exp, fmt.Sprintf("next-%d", i), exp); err == nil {
					winners.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), winners.Load())
	})

	t.Run("revoke session reports first revocation", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		exp := time.Now().Add(time.Hour)
		require.NoError(t, b.TrackSession(ctx, "acc-7", "s1", exp))

		first, err := b.RevokeSession(ctx, "acc-7", "s1", exp)
		require.NoError(t, err)
		assert.True(t, first)

		second, err := b.RevokeSession(ctx, "acc-7", "s1", exp)
		require.NoError(t, err)
		assert.False(t, second)
	})

	t.Run("revoke all covers every tracked session", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()
		exp := time.Now().Add(time.Hour)

		require.NoError(t, b.TrackSession(ctx, "acc-8", "a", exp))
		require.NoError(t, b.TrackSession(ctx, "acc-8", "b", exp))
		require.NoError(t, b.RotateSession(ctx, "acc-8", "b", exp, "c", exp))
		require.NoError(t, b.TrackSession(ctx, "other", "z", exp))

		n, err := b.RevokeAllSessions(ctx, "acc-8")
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		for _, id := range []string{"a", "b", "c"} {
			revoked, err := b.IsRevoked(ctx, id)
			require.NoError(t, err)
			assert.True(t, revoked, id)
		}
		revoked, err := b.IsRevoked(ctx, "z")
		require.NoError(t, err)
		assert.False(t, revoked)

		err = b.RotateSession(ctx, "acc-8", "c", exp, "d", exp)
		assert.ErrorIs(t, err, cache.ErrRevoked)

		n, err = b.RevokeAllSessions(ctx, "acc-8")
		require.NoError(t, err)
		assert.Zero(t, n)
	})

	t.Run("counter is atomic", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		const n = 20
		var wg sync.WaitGroup
		seen := make([]int64, n)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				v, err := b.Increment(ctx, "rl:test", time.Minute)
				assert.NoError(t, err)
				seen[i] = v
			}(i)
		}
		wg.Wait()

		distinct := make(map[int64]struct{}, n)
		for _, v := range seen {
			distinct[v] = struct{}{}
		}
		assert.Len(t, distinct, n, "every caller must observe its own count")

		v, err := b.Increment(ctx, "rl:test", time.Minute)
		require.NoError(t, err)
		assert.Equal(t, int64(n+1), v)
	})

	t.Run("compact and ping", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		require.NoError(t, b.Ping(ctx))
		result, err := b.Compact(ctx)
		require.NoError(t, err)
		assert.NotEmpty(t, result.Backend)
	})
}

func newTicket(accountID string) cache.Ticket {
	now := time.Now()
	return cache.Ticket{AccountID: accountID, IssuedAt: now, ExpiresAt: now.Add(10 * time.Minute)}
}
