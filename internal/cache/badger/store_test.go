package badger

import (
	"context"
	"testing"
	"time"

	"authcore/internal/cache"
	"authcore/internal/cache/cachetest"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStoreConformance(t *testing.T) {
	cachetest.Run(t, func(t *testing.T) cache.Backend {
		return openInMemory(t)
	})
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Config{}, nil)
	assert.Error(t, err)
}

func TestOnDiskCompact(t *testing.T) {
	s, err := Open(Config{Dir: t.TempDir()}, hclog.NewNullLogger())
	require.NoError(t, err)
	defer s.Close()

	ctx := context.Background()
	require.NoError(t, s.TrackSession(ctx, "acc", "id", time.Now().Add(time.Hour)))

	result, err := s.Compact(ctx)
	require.NoError(t, err)
	assert.Equal(t, "badger", result.Backend)
}

func TestCounterKeepsFirstExpiry(t *testing.T) {
	s := openInMemory(t)
	ctx := context.Background()

	_, err := s.Increment(ctx, "rl:k", time.Minute)
	require.NoError(t, err)

	var first uint64
	require.NoError(t, s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("rl:k"))
		if err != nil {
			return err
		}
		first = item.ExpiresAt()
		return nil
	}))

	v, err := s.Increment(ctx, "rl:k", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	require.NoError(t, s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte("rl:k"))
		if err != nil {
			return err
		}
		assert.Equal(t, first, item.ExpiresAt())
		return nil
	}))
}

func TestPing(t *testing.T) {
	s, err := Open(Config{InMemory: true}, nil)
	require.NoError(t, err)
	require.NoError(t, s.Ping(context.Background()))
	require.NoError(t, s.Close())
	assert.Error(t, s.Ping(context.Background()))
}
