package account

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"authcore/internal/autherr"

	"github.com/google/uuid"
)

const maxDisplayNameLength = 150

// ErrSessionsNotRevoked marks a SetPassword failure that happened after the
// new hash was stored.
var ErrSessionsNotRevoked = errors.New("password changed but sessions were not revoked")

// Revoker ends every live session of an account. The token service
// implements it; the store calls it whenever a password changes.
type Revoker interface {
	RevokeAll(ctx context.Context, accountID string) error
}

type RegisterInput struct {
	Email           string `json:"email"`
	DisplayName     string `json:"display_name"`
	Password        string `json:"password"`
	PasswordConfirm string `json:"password_confirm"`
}

type Store struct {
	repo      Repository
	policy    PasswordPolicy
	revoker   Revoker
	dummyHash string
	now       func() time.Time
}

// NewStore builds a Store. A throwaway hash is computed up front with the
// policy's own parameters so verification against a missing account costs
// the same as against a real one.
func NewStore(repo Repository, policy PasswordPolicy, revoker Revoker) (*Store, error) {
	seed := make([]byte, 16)
	if _, err := rand.Read(seed); err != nil {
		return nil, fmt.Errorf("seed dummy hash: %w", err)
	}
	dummy, err := policy.Hash(hex.EncodeToString(seed))
	if err != nil {
		return nil, fmt.Errorf("compute dummy hash: %w", err)
	}

	return &Store{
		repo:      repo,
		policy:    policy,
		revoker:   revoker,
		dummyHash: dummy,
		now:       func() time.Time { return time.Now().UTC() },
	}, nil
}

// Register creates a new active account.
func (s *Store) Register(ctx context.Context, in RegisterInput) (Account, error) {
	email := NormalizeEmail(in.Email)
	displayName := strings.TrimSpace(in.DisplayName)

	fields := map[string]string{}
	switch {
	case email == "":
		fields["email"] = "email is required"
	case !validEmail(email):
		fields["email"] = "enter a valid email address"
	}
	switch {
	case displayName == "":
		fields["display_name"] = "display name is required"
	case len(displayName) > maxDisplayNameLength:
		fields["display_name"] = fmt.Sprintf("display name must be at most %d characters", maxDisplayNameLength)
	}
	if in.Password != in.PasswordConfirm {
		fields["password_confirm"] = "passwords do not match"
	}
	if problems := s.policy.Check(in.Password, email, displayName); len(problems) > 0 {
		fields["password"] = strings.Join(problems, "; ")
	}
	if len(fields) > 0 {
		return Account{}, autherr.Validation("invalid registration", fields)
	}

	hash, err := s.policy.Hash(in.Password)
	if err != nil {
		return Account{}, fmt.Errorf("hash password: %w", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return Account{}, fmt.Errorf("generate account id: %w", err)
	}

	now := s.now()
	account := Account{
		ID:           id.String(),
		Email:        email,
		DisplayName:  displayName,
		PasswordHash: hash,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.repo.Create(ctx, account); err != nil {
		if errors.Is(err, ErrEmailTaken) {
			return Account{}, autherr.Conflict("an account with this email already exists")
		}
		return Account{}, autherr.Unavailable("create account", err)
	}

	return account.Public(), nil
}

// Verify checks credentials. Every failure mode (unknown email, wrong
// password, inactive account) yields the same Authentication error and
// performs one full hash verification.
func (s *Store) Verify(ctx context.Context, email, password string) (Account, error) {
	email = NormalizeEmail(email)

	account, err := s.repo.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			_, _ = s.policy.Verify(password, s.dummyHash)
			return Account{}, autherr.Authentication()
		}
		return Account{}, autherr.Unavailable("look up account", err)
	}

	ok, err := s.policy.Verify(password, account.PasswordHash)
	if err != nil {
		authErr := autherr.Authentication()
		authErr.Err = err
		return Account{}, authErr
	}
	if !ok || !account.Active {
		return Account{}, autherr.Authentication()
	}

	if s.policy.NeedsUpgrade(account.PasswordHash) {
		// A failed upgrade leaves the old hash in place; it is retried on
		// the next successful login.
		if upgraded, hashErr := s.policy.Hash(password); hashErr == nil {
			now := s.now()
			if s.repo.UpdatePassword(ctx, account.ID, upgraded, now) == nil {
				account.UpdatedAt = now
			}
		}
	}

	return account.Public(), nil
}

// SetPassword replaces the password and then revokes every session of the
// account. The revocation is part of the operation: if it fails the caller
// gets an Unavailable error even though the new hash is already stored.
func (s *Store) SetPassword(ctx context.Context, accountID, newPassword string) error {
	account, err := s.repo.GetByID(ctx, accountID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("set password: %w", err)
		}
		return autherr.Unavailable("look up account", err)
	}

	if err := s.CheckPassword(account, newPassword); err != nil {
		return err
	}

	hash, err := s.policy.Hash(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	if err := s.repo.UpdatePassword(ctx, account.ID, hash, s.now()); err != nil {
		if errors.Is(err, ErrNotFound) {
			return fmt.Errorf("set password: %w", err)
		}
		return autherr.Unavailable("update password", err)
	}

	if s.revoker != nil {
		if err := s.revoker.RevokeAll(ctx, account.ID); err != nil {
			return autherr.Unavailable("revoke sessions after password change", errors.Join(ErrSessionsNotRevoked, err))
		}
	}

	return nil
}

// CheckPassword runs the strength policy against a candidate password for
// account without changing anything.
func (s *Store) CheckPassword(account Account, password string) error {
	if problems := s.policy.Check(password, account.Email, account.DisplayName); len(problems) > 0 {
		return autherr.Validation("invalid password", map[string]string{
			"password": strings.Join(problems, "; "),
		})
	}
	return nil
}

// SetActive enables or disables the account registered under email.
// Disabling also revokes every session, so outstanding refresh tokens stop
// working immediately rather than at their expiry.
func (s *Store) SetActive(ctx context.Context, email string, active bool) (Account, error) {
	account, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, err
		}
		return Account{}, autherr.Unavailable("look up account", err)
	}

	now := s.now()
	if err := s.repo.SetActive(ctx, account.ID, active, now); err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, err
		}
		return Account{}, autherr.Unavailable("update account", err)
	}
	account.Active = active
	account.UpdatedAt = now

	if !active && s.revoker != nil {
		if err := s.revoker.RevokeAll(ctx, account.ID); err != nil {
			return Account{}, autherr.Unavailable("revoke sessions after deactivation", err)
		}
	}

	return account.Public(), nil
}

// Get returns the account with the given id.
func (s *Store) Get(ctx context.Context, id string) (Account, error) {
	account, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, err
		}
		return Account{}, autherr.Unavailable("look up account", err)
	}
	return account.Public(), nil
}

// Lookup finds an account by email. found is false when no account matches.
func (s *Store) Lookup(ctx context.Context, email string) (Account, bool, error) {
	account, err := s.repo.GetByEmail(ctx, NormalizeEmail(email))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return Account{}, false, nil
		}
		return Account{}, false, autherr.Unavailable("look up account", err)
	}
	return account.Public(), true, nil
}

// Bootstrap creates the initial administrator account when both values are
// set and no account with that email exists yet.
func (s *Store) Bootstrap(ctx context.Context, email, password string) error {
	email = NormalizeEmail(email)
	password = strings.TrimSpace(password)

	if email == "" && password == "" {
		return nil
	}
	if email == "" || password == "" {
		return fmt.Errorf("bootstrap email and password are required together")
	}

	if _, found, err := s.Lookup(ctx, email); err != nil {
		return err
	} else if found {
		return nil
	}

	_, err := s.Register(ctx, RegisterInput{
		Email:           email,
		DisplayName:     "Administrator",
		Password:        password,
		PasswordConfirm: password,
	})
	if errors.Is(err, autherr.ErrConflict) {
		return nil
	}
	return err
}

// Ping reports whether the backing repository is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.repo.Ping(ctx)
}
