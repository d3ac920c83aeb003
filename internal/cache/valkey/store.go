// Package valkey is a cache.Backend on Valkey (or Redis). Conditional
// writes run as Lua scripts so each one is a single atomic step on the
// server.
package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"authcore/internal/cache"

	"github.com/samber/oops"
	valkeygo "github.com/valkey-io/valkey-go"
)

const (
	DefaultKeyPrefix = "authcore:"

	connectionVerifyTimeout = 5 * time.Second
	scanBatchSize           = 100
)

type Config struct {
	Address   string `koanf:"address"`
	Password  string `koanf:"password"`
	DB        int    `koanf:"db"`
	KeyPrefix string `koanf:"key_prefix"`
}

type Store struct {
	client valkeygo.Client
	prefix string
	now    func() time.Time
}

var _ cache.Backend = (*Store)(nil)

// New connects and verifies the connection with a PING.
func New(cfg Config) (*Store, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("valkey address is required")
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}

	opts := valkeygo.ClientOption{
		InitAddress: []string{cfg.Address},
		SelectDB:    cfg.DB,
	}
	if cfg.Password != "" {
		opts.Password = cfg.Password
	}

	client, err := valkeygo.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("create valkey client: %w", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), connectionVerifyTimeout)
	defer cancel()

	if err := client.Do(ctx, client.B().Ping().Build()).Error(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to valkey: %w", err)
	}

	return &Store{client: client, prefix: prefix, now: time.Now}, nil
}

// KEYS[1] ticket key; ARGV[1] payload; ARGV[2] ttl ms; ARGV[3] "NX" to
// refuse overwriting.
const luaPutTicket = `
if ARGV[3] == "NX" then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2], 'NX')
else
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
end
return 1
`

// KEYS[1] ticket key. Returns the payload and deletes the key, or nil.
const luaTakeTicket = `
local data = redis.call('GET', KEYS[1])
if not data then
  return false
end
redis.call('DEL', KEYS[1])
return data
`

// KEYS[1] sessions index; ARGV[1] id; ARGV[2] expiry ms (score); ARGV[3]
// now ms.
const luaTrackSession = `
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
local ttl = tonumber(ARGV[2]) - tonumber(ARGV[3])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`

// KEYS[1] revoked key of old id; KEYS[2] sessions index; ARGV[1] old id;
// ARGV[2] old remaining ms; ARGV[3] new id; ARGV[4] new expiry ms; ARGV[5]
// now ms. Returns 0 when the old id was already revoked.
const luaRotateSession = `
if not redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[1])
redis.call('ZREMRANGEBYSCORE', KEYS[2], '-inf', ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[3])
local ttl = tonumber(ARGV[4]) - tonumber(ARGV[5])
if redis.call('PTTL', KEYS[2]) < ttl then
  redis.call('PEXPIRE', KEYS[2], ttl)
end
return 1
`

// KEYS[1] revoked key; KEYS[2] sessions index; ARGV[1] id; ARGV[2]
// remaining ms. Returns 1 when newly revoked.
const luaRevokeSession = `
redis.call('ZREM', KEYS[2], ARGV[1])
if redis.call('SET', KEYS[1], '1', 'NX', 'PX', ARGV[2]) then
  return 1
end
return 0
`

// KEYS[1] sessions index; ARGV[1] now ms; ARGV[2] revoked key prefix.
// Revokes every unexpired member for its remaining lifetime, then drops the
// index. Returns the number revoked.
const luaRevokeAll = `
local now = tonumber(ARGV[1])
local members = redis.call('ZRANGEBYSCORE', KEYS[1], '(' .. ARGV[1], '+inf', 'WITHSCORES')
local n = 0
for i = 1, #members, 2 do
  local ttl = math.floor(tonumber(members[i + 1]) - now)
  if ttl > 0 then
    redis.call('SET', ARGV[2] .. members[i], '1', 'PX', ttl)
    n = n + 1
  end
end
redis.call('DEL', KEYS[1])
return n
`

// KEYS[1] counter; ARGV[1] ttl ms.
const luaIncrement = `
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`

func (s *Store) PutTicket(ctx context.Context, hash string, t cache.Ticket) error {
	return s.putTicket(ctx, hash, t, false)
}

func (s *Store) TakeTicket(ctx context.Context, hash string) (cache.Ticket, error) {
	data, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTakeTicket).
			Numkeys(1).
			Key(s.key(cache.TicketKey(hash))).
			Build(),
	).ToString()
	if err != nil {
		if valkeygo.IsValkeyNil(err) {
			return cache.Ticket{}, cache.ErrNotFound
		}
		return cache.Ticket{}, oops.Code("CACHE_TICKET_TAKE_FAILED").Wrap(err)
	}

	var t cache.Ticket
	if err := json.Unmarshal([]byte(data), &t); err != nil {
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
	if ttl < time.Millisecond {
		return nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return oops.Code("CACHE_TICKET_ENCODE_FAILED").Wrap(err)
	}

	mode := ""
	if onlyIfAbsent {
		mode = "NX"
	}

	err = s.client.Do(ctx,
		s.client.B().Eval().Script(luaPutTicket).
			Numkeys(1).
			Key(s.key(cache.TicketKey(hash))).
			Arg(string(data), millis(ttl), mode).
			Build(),
	).Error()
	if err != nil {
		return oops.Code("CACHE_TICKET_PUT_FAILED").Wrap(err)
	}
	return nil
}

func (s *Store) TrackSession(ctx context.Context, accountID, id string, expiresAt time.Time) error {
	err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaTrackSession).
			Numkeys(1).
			Key(s.key(cache.SessionsKey(accountID))).
			Arg(id, unixMillis(expiresAt), unixMillis(s.now())).
			Build(),
	).Error()
	if err != nil {
		return oops.Code("CACHE_SESSION_TRACK_FAILED").With("account_id", accountID).Wrap(err)
	}
	return nil
}

func (s *Store) RotateSession(ctx context.Context, accountID, oldID string, oldExpiresAt time.Time, newID string, newExpiresAt time.Time) error {
	now := s.now()
	ok, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRotateSession).
			Numkeys(2).
			Key(s.key(cache.RevokedKey(oldID)), s.key(cache.SessionsKey(accountID))).
			Arg(oldID, millis(atLeastMillisecond(cache.Remaining(now, oldExpiresAt))), newID, unixMillis(newExpiresAt), unixMillis(now)).
			Build(),
	).AsInt64()
	if err != nil {
		return oops.Code("CACHE_SESSION_ROTATE_FAILED").With("account_id", accountID).Wrap(err)
	}
	if ok == 0 {
		return cache.ErrRevoked
	}
	return nil
}

func (s *Store) RevokeSession(ctx context.Context, accountID, id string, expiresAt time.Time) (bool, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeSession).
			Numkeys(2).
			Key(s.key(cache.RevokedKey(id)), s.key(cache.SessionsKey(accountID))).
			Arg(id, millis(atLeastMillisecond(cache.Remaining(s.now(), expiresAt)))).
			Build(),
	).AsInt64()
	if err != nil {
		return false, oops.Code("CACHE_SESSION_REVOKE_FAILED").With("account_id", accountID).Wrap(err)
	}
	return n == 1, nil
}

func (s *Store) RevokeAllSessions(ctx context.Context, accountID string) (int, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaRevokeAll).
			Numkeys(1).
			Key(s.key(cache.SessionsKey(accountID))).
			Arg(unixMillis(s.now()), s.key(cache.RevokedKey(""))).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, oops.Code("CACHE_SESSION_REVOKE_ALL_FAILED").With("account_id", accountID).Wrap(err)
	}
	return int(n), nil
}

func (s *Store) IsRevoked(ctx context.Context, id string) (bool, error) {
	n, err := s.client.Do(ctx, s.client.B().Exists().Key(s.key(cache.RevokedKey(id))).Build()).AsInt64()
	if err != nil {
		return false, oops.Code("CACHE_REVOKED_LOOKUP_FAILED").Wrap(err)
	}
	return n > 0, nil
}

func (s *Store) Increment(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := s.client.Do(ctx,
		s.client.B().Eval().Script(luaIncrement).
			Numkeys(1).
			Key(s.key(key)).
			Arg(millis(atLeastMillisecond(ttl))).
			Build(),
	).AsInt64()
	if err != nil {
		return 0, oops.Code("CACHE_INCREMENT_FAILED").With("key", key).Wrap(err)
	}
	return n, nil
}

// Compact prunes expired members from every session index. Plain keys
// expire natively.
func (s *Store) Compact(ctx context.Context) (cache.CompactResult, error) {
	result := cache.CompactResult{Backend: "valkey"}
	pattern := s.key(cache.SessionsKey("*"))
	cutoff := unixMillis(s.now())

	var cursor uint64
	for {
		entry, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(scanBatchSize).Build(),
		).AsScanEntry()
		if err != nil {
			return result, oops.Code("CACHE_COMPACT_SCAN_FAILED").Wrap(err)
		}

		for _, key := range entry.Elements {
			removed, err := s.client.Do(ctx,
				s.client.B().Zremrangebyscore().Key(key).Min("-inf").Max(cutoff).Build(),
			).AsInt64()
			if err != nil {
				return result, oops.Code("CACHE_COMPACT_PRUNE_FAILED").With("key", key).Wrap(err)
			}
			result.Removed += int(removed)
		}

		cursor = entry.Cursor
		if cursor == 0 {
			break
		}
	}
	return result, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Do(ctx, s.client.B().Ping().Build()).Error()
}

func (s *Store) Close() error {
	s.client.Close()
	return nil
}

func (s *Store) key(k string) string {
	return s.prefix + k
}

func millis(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10)
}

func unixMillis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func atLeastMillisecond(d time.Duration) time.Duration {
	if d < time.Millisecond {
		return time.Millisecond
	}
	return d
}
