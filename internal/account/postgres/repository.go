// Package postgres implements account.Repository on PostgreSQL.
package postgres

import (
	"context"
	"errors"
	"time"

	"authcore/internal/account"
	"authcore/internal/db"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/samber/oops"
)

const selectColumns = `id, email, display_name, password_hash, active, created_at, updated_at`

type Repository struct {
	pool db.Pool
}

var _ account.Repository = (*Repository)(nil)

func NewRepository(pool db.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Create(ctx context.Context, a account.Account) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, display_name, password_hash, active, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Active, a.CreatedAt, a.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgerrcode.UniqueViolation {
			return account.ErrEmailTaken
		}
		return oops.Code("ACCOUNT_CREATE_FAILED").With("email", a.Email).Wrap(err)
	}
	return nil
}

func (r *Repository) GetByID(ctx context.Context, id string) (account.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM accounts WHERE id = $1`, id)
	return scanAccount(row, "id", id)
}

func (r *Repository) GetByEmail(ctx context.Context, email string) (account.Account, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+selectColumns+` FROM accounts WHERE lower(email) = lower($1)`, email)
	return scanAccount(row, "email", email)
}

func (r *Repository) UpdatePassword(ctx context.Context, id, passwordHash string, updatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET password_hash = $2, updated_at = $3 WHERE id = $1
	`, id, passwordHash, updatedAt)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("account_id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (r *Repository) SetActive(ctx context.Context, id string, active bool, updatedAt time.Time) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE accounts SET active = $2, updated_at = $3 WHERE id = $1
	`, id, active, updatedAt)
	if err != nil {
		return oops.Code("ACCOUNT_UPDATE_FAILED").With("account_id", id).Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return account.ErrNotFound
	}
	return nil
}

func (r *Repository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func scanAccount(row pgx.Row, key, value string) (account.Account, error) {
	var a account.Account
	err := row.Scan(&a.ID, &a.Email, &a.DisplayName, &a.PasswordHash, &a.Active, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return account.Account{}, account.ErrNotFound
		}
		return account.Account{}, oops.Code("ACCOUNT_QUERY_FAILED").With(key, value).Wrap(err)
	}
	return a, nil
}
