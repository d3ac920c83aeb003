// Package account is the credential store: it owns account identity,
// registration, password verification and password changes.
package account

import (
	"context"
	"errors"
	"net/mail"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned by repositories when no account matches.
	ErrNotFound = errors.New("account not found")
	// ErrEmailTaken is returned by repositories when the unique email
	// constraint rejects a write.
	ErrEmailTaken = errors.New("email already registered")
)

// Account is a registered identity. PasswordHash is only populated on values
// read from a Repository and is cleared before an Account leaves the Store.
type Account struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	DisplayName  string    `json:"display_name"`
	PasswordHash string    `json:"-"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Public returns a copy safe to hand to callers.
func (a Account) Public() Account {
	a.PasswordHash = ""
	return a
}

// Repository persists accounts. Implementations must enforce email
// uniqueness (case-insensitive) in storage and report violations as
// ErrEmailTaken.
type Repository interface {
	Create(ctx context.Context, account Account) error
	GetByID(ctx context.Context, id string) (Account, error)
	GetByEmail(ctx context.Context, email string) (Account, error)
	UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error
	SetActive(ctx context.Context, id string, active bool, updatedAt time.Time) error
	Ping(ctx context.Context) error
}

// NormalizeEmail trims and lower-cases an address. Lookups and writes always
// go through it so the email behaves as a case-insensitive login name.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func validEmail(email string) bool {
	if email == "" || len(email) > 254 {
		return false
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return false
	}
	return addr.Address == email && strings.Contains(email, "@")
}
