// Package cache defines the shared, expiring state the authentication core
// keeps outside the durable account store: reset tickets, the refresh-token
// revocation set with its per-account session index, and rate-limit
// counters. Every conditional write is atomic in each backend.
package cache

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a ticket does not exist or has expired.
	ErrNotFound = errors.New("cache: not found")
	// ErrRevoked is returned by RotateSession when the presented session id
	// is already in the revocation set.
	ErrRevoked = errors.New("cache: session revoked")
)

// Ticket is the stored half of a password-reset ticket.
type Ticket struct {
	AccountID string    `json:"account_id"`
	IssuedAt  time.Time `json:"issued_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

type TicketStore interface {
	// PutTicket stores t under hash until t.ExpiresAt.
	PutTicket(ctx context.Context, hash string, t Ticket) error
	// TakeTicket removes and returns the ticket in one atomic step. Of any
	// number of concurrent callers at most one receives the ticket; the rest
	// get ErrNotFound.
	TakeTicket(ctx context.Context, hash string) (Ticket, error)
	// RestoreTicket puts back a ticket previously taken, unless it has
	// expired in the meantime or the hash is occupied again.
	RestoreTicket(ctx context.Context, hash string, t Ticket) error
}

type SessionStore interface {
	// TrackSession records a live refresh-token id in the account's index.
	TrackSession(ctx context.Context, accountID, id string, expiresAt time.Time) error
	// RotateSession revokes oldID and tracks newID atomically. It returns
	// ErrRevoked, and tracks nothing, when oldID was already revoked.
	RotateSession(ctx context.Context, accountID, oldID string, oldExpiresAt time.Time, newID string, newExpiresAt time.Time) error
	// RevokeSession adds id to the revocation set until expiresAt. It
	// reports whether the id was newly revoked.
	RevokeSession(ctx context.Context, accountID, id string, expiresAt time.Time) (bool, error)
	// RevokeAllSessions revokes every unexpired id in the account's index
	// and clears the index. It returns the number of ids revoked.
	RevokeAllSessions(ctx context.Context, accountID string) (int, error)
	// IsRevoked reports whether id is in the revocation set.
	IsRevoked(ctx context.Context, id string) (bool, error)
}

type Counter interface {
	// Increment atomically adds one to key and returns the new value. The
	// key expires ttl after its first increment.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// CompactResult summarises one maintenance pass.
type CompactResult struct {
	Backend string `json:"backend"`
	Removed int    `json:"removed"`
}

type Maintainer interface {
	Compact(ctx context.Context) (CompactResult, error)
}

// Backend is everything a cache driver provides.
type Backend interface {
	TicketStore
	SessionStore
	Counter
	Maintainer
	Ping(ctx context.Context) error
	Close() error
}

// Key layout shared by all drivers.
const (
	ticketPrefix   = "reset:"
	revokedPrefix  = "revoked:"
	sessionsPrefix = "sessions:"
)

func TicketKey(hash string) string {
	return ticketPrefix + hash
}

func RevokedKey(id string) string {
	return revokedPrefix + id
}

func SessionsKey(accountID string) string {
	return sessionsPrefix + accountID
}

// SessionKey addresses a single session entry for drivers without sorted
// sets; SessionsKey(accountID) is its prefix.
func SessionKey(accountID, id string) string {
	return SessionsKey(accountID) + ":" + id
}

// Remaining returns the time left until deadline, or zero if it has passed.
func Remaining(now, deadline time.Time) time.Duration {
	d := deadline.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
