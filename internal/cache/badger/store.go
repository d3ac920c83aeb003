// Package badger is an embedded cache.Backend on Badger. Every operation is
// a serializable read-write transaction; commits that lose a conflict are
// retried, so conditional writes behave atomically across goroutines of
// one process.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"authcore/internal/cache"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/go-hclog"
	"github.com/samber/oops"
	"github.com/sethvargo/go-retry"
)

const (
	defaultGCThreshold = 0.5
	maxConflictRetries = 100
)

type Config struct {
	Dir         string  `koanf:"dir"`
	InMemory    bool    `koanf:"in_memory"`
	SyncWrites  bool    `koanf:"sync_writes"`
	GCThreshold float64 `koanf:"gc_threshold"`
}

type Store struct {
	db       *badgerdb.DB
	inMemory bool
	gcRatio  float64
	now      func() time.Time
}

var _ cache.Backend = (*Store)(nil)

// Open opens (or creates) the database described by cfg. logger may be nil.
func Open(cfg Config, logger hclog.Logger) (*Store, error) {
	if cfg.Dir == "" && !cfg.InMemory {
		return nil, fmt.Errorf("badger: dir is required")
	}

	opts := badgerdb.DefaultOptions(cfg.Dir)
	if cfg.InMemory {
		opts = badgerdb.DefaultOptions("").WithInMemory(true)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites)
	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger.Named("badger")})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	ratio := cfg.GCThreshold
	if ratio <= 0 || ratio >= 1 {
		ratio = defaultGCThreshold
	}

	return &Store{db: db, inMemory: cfg.InMemory, gcRatio: ratio, now: time.Now}, nil
}

// update runs fn in a read-write transaction, retrying on commit conflicts.
func (s *Store) update(ctx context.Context, fn func(txn *badgerdb.Txn) error) error {
	backoff := retry.WithMaxRetries(maxConflictRetries,
		retry.WithCappedDuration(20*time.Millisecond,
			retry.WithJitterPercent(50, retry.NewExponential(time.Millisecond))))

	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := s.db.Update(fn)
		if errors.Is(err, badgerdb.ErrConflict) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func (s *Store) PutTicket(ctx context.Context, hash string, t cache.Ticket) error {
	return s.putTicket(ctx, hash, t, false)
}

func (s *Store) TakeTicket(ctx context.Context, hash string) (cache.Ticket, error) {
	key := []byte(cache.TicketKey(hash))

	var data []byte
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		if data, err = item.ValueCopy(nil); err != nil {
			return err
		}
		return txn.Delete(key)
	})
	if err != nil {
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return cache.Ticket{}, cache.ErrNotFound
		}
		return cache.Ticket{}, oops.Code("CACHE_TICKET_TAKE_FAILED").Wrap(err)
	}

	var t cache.Ticket
	if err := json.Unmarshal(data, &t); err != nil {
		return cache.Ticket{}, oops.Code("CACHE_TICKET_DECODE_FAILED").Wrap(err)
	}
	if !s.now().Before(t.ExpiresAt) {
		return cache.Ticket{}, cache.ErrNotFound
	}
	return t, nil
}

func (s *Store) RestoreTicket(ctx context.Context, hash string, t cache.Ticket) error {
	return s.putTicket(ctx, hash, t, true)
}

func (s *Store) putTicket(ctx context.Context, hash string, t cache.Ticket, onlyIfAbsent bool) error {
	ttl := cache.Remaining(s.now(), t.ExpiresAt)
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return oops.Code("CACHE_TICKET_ENCODE_FAILED").Wrap(err)
	}

	key := []byte(cache.TicketKey(hash))
	err = s.update(ctx, func(txn *badgerdb.Txn) error {
		if onlyIfAbsent {
			if _, err := txn.Get(key); err == nil {
				return nil
			} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
				return err
			}
		}
		return txn.SetEntry(badgerdb.NewEntry(key, data).WithTTL(ttl))
	})
	if err != nil {
		return oops.Code("CACHE_TICKET_PUT_FAILED").Wrap(err)
	}
	return nil
}

func (s *Store) TrackSession(ctx context.Context, accountID, id string, expiresAt time.Time) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		return s.track(txn, accountID, id, expiresAt)
	})
	if err != nil {
		return oops.Code("CACHE_SESSION_TRACK_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

func (s *Store) RotateSession(ctx context.Context, accountID, oldID string, oldExpiresAt time.Time, newID string, newExpiresAt time.Time) error {
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		revoked, err := s.revoke(txn, oldID, oldExpiresAt)
		if err != nil {
			return err
		}
		if !revoked {
			return cache.ErrRevoked
		}
		if err := txn.Delete([]byte(cache.SessionKey(accountID, oldID))); err != nil {
			return err
		}
		return s.track(txn, accountID, newID, newExpiresAt)
	})
	if errors.Is(err, cache.ErrRevoked) {
		return err
	}
	if err != nil {
		return oops.Code("CACHE_SESSION_ROTATE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

func (s *Store) RevokeSession(ctx context.Context, accountID, id string, expiresAt time.Time) (bool, error) {
	var revoked bool
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		if err := txn.Delete([]byte(cache.SessionKey(accountID, id))); err != nil {
			return err
		}
		var err error
		revoked, err = s.revoke(txn, id, expiresAt)
		return err
	})
	if err != nil {
		return false, oops.Code("CACHE_SESSION_REVOKE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return revoked, nil
}

func (s *Store) RevokeAllSessions(ctx context.Context, accountID string) (int, error) {
	prefix := []byte(cache.SessionsKey(accountID) + ":")

	var count int
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		type session struct {
			key       []byte
			id        string
			expiresAt time.Time
		}

		var sessions []session
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			raw, err := item.ValueCopy(nil)
			if err != nil {
				it.Close()
				return err
			}
			ms, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				it.Close()
				return fmt.Errorf("decode session expiry: %w", err)
			}
			key := item.KeyCopy(nil)
			sessions = append(sessions, session{
				key:       key,
				id:        string(key[len(prefix):]),
				expiresAt: time.UnixMilli(ms),
			})
		}
		it.Close()

		count = 0
		now := s.now()
		for _, sess := range sessions {
			if err := txn.Delete(sess.key); err != nil {
				return err
			}
			if !now.Before(sess.expiresAt) {
				continue
			}
			entry := badgerdb.NewEntry([]byte(cache.RevokedKey(sess.id)), []byte{1}).WithTTL(cache.Remaining(now, sess.expiresAt))
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, oops.Code("CACHE_SESSION_REVOKE_ALL_FAILED").With("account_id", accountID).Wrap(err)
	}
	return count, nil
}

func (s *Store) IsRevoked(_ context.Context, id string) (bool, error) {
	err := s.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(cache.RevokedKey(id)))
		return err
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, nil
	}
	return false, oops.Code("CACHE_REVOKED_LOOKUP_FAILED").Wrap(err)
}

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	k := []byte(key)

	var value int64
	err := s.update(ctx, func(txn *badgerdb.Txn) error {
		value = 1
		var expiresAt uint64

		item, err := txn.Get(k)
		switch {
		case err == nil:
			raw, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			current, err := strconv.ParseInt(string(raw), 10, 64)
			if err != nil {
				return fmt.Errorf("decode counter: %w", err)
			}
			value = current + 1
			expiresAt = item.ExpiresAt()
		case !errors.Is(err, badgerdb.ErrKeyNotFound):
			return err
		}

		entry := badgerdb.NewEntry(k, []byte(strconv.FormatInt(value, 10)))
		if expiresAt != 0 {
			entry.ExpiresAt = expiresAt
		} else {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
	if err != nil {
		return 0, oops.Code("CACHE_INCREMENT_FAILED").With("key", key).Wrap(err)
	}
	return value, nil
}

// Compact runs value-log GC until nothing is left to rewrite. Expired keys
// themselves are dropped by Badger's own LSM compactions.
func (s *Store) Compact(ctx context.Context) (cache.CompactResult, error) {
	result := cache.CompactResult{Backend: "badger"}
	if s.inMemory {
		return result, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		err := s.db.RunValueLogGC(s.gcRatio)
		if err != nil {
			if errors.Is(err, badgerdb.ErrNoRewrite) || errors.Is(err, badgerdb.ErrRejected) {
				return result, nil
			}
			return result, oops.Code("CACHE_COMPACT_FAILED").Wrap(err)
		}
		result.Removed++
	}
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger: database closed")
	}
	return nil
}

func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close badger: %w", err)
	}
	return nil
}

func (s *Store) track(txn *badgerdb.Txn, accountID, id string, expiresAt time.Time) error {
	ttl := cache.Remaining(s.now(), expiresAt)
	if ttl <= 0 {
		return nil
	}
	entry := badgerdb.NewEntry([]byte(cache.SessionKey(accountID, id)), []byte(strconv.FormatInt(expiresAt.UnixMilli(), 10))).WithTTL(ttl)
	return txn.SetEntry(entry)
}

// revoke adds id to the revocation set and reports false when it was
// already there.
func (s *Store) revoke(txn *badgerdb.Txn, id string, expiresAt time.Time) (bool, error) {
	key := []byte(cache.RevokedKey(id))
	if _, err := txn.Get(key); err == nil {
		return false, nil
	} else if !errors.Is(err, badgerdb.ErrKeyNotFound) {
		return false, err
	}

	ttl := cache.Remaining(s.now(), expiresAt)
	if ttl < time.Second {
		ttl = time.Second
	}
	return true, txn.SetEntry(badgerdb.NewEntry(key, []byte{1}).WithTTL(ttl))
}

// badgerLogger adapts hclog to Badger's logger interface.
type badgerLogger struct {
	logger hclog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}
