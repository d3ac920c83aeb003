package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"authcore/internal/account"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{"id", "email", "display_name", "password_hash", "active", "created_at", "updated_at"}

func TestRepository_Create(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	a := account.Account{
		ID: "acc-1", Email: "a@x.com", DisplayName: "A", PasswordHash: "$argon2id$...", Active: true,
		CreatedAt: now, UpdatedAt: now,
	}

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		wantErr   error
		anyErr    bool
	}{
		{
			name: "inserts row",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Active, a.CreatedAt, a.UpdatedAt).
					WillReturnResult(pgxmock.NewResult("INSERT", 1))
			},
		},
		{
			name: "unique violation maps to email taken",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Active, a.CreatedAt, a.UpdatedAt).
					WillReturnError(&pgconn.PgError{Code: pgerrcode.UniqueViolation})
			},
			wantErr: account.ErrEmailTaken,
		},
		{
			name: "other errors are wrapped",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectExec(`INSERT INTO accounts`).
					WithArgs(a.ID, a.Email, a.DisplayName, a.PasswordHash, a.Active, a.CreatedAt, a.UpdatedAt).
					WillReturnError(errors.New("connection reset"))
			},
			anyErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.setupMock(mock)

			err = NewRepository(mock).Create(context.Background(), a)
			switch {
			case tt.wantErr != nil:
				assert.ErrorIs(t, err, tt.wantErr)
			case tt.anyErr:
				assert.Error(t, err)
				assert.NotErrorIs(t, err, account.ErrEmailTaken)
			default:
				assert.NoError(t, err)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestRepository_GetByEmail(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name      string
		setupMock func(mock pgxmock.PgxPoolIface)
		want      account.Account
		wantErr   error
	}{
		{
			name: "found",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .* FROM accounts WHERE lower\(email\) = lower\(\$1\)`).
					WithArgs("a@x.com").
					WillReturnRows(pgxmock.NewRows(columns).AddRow("acc-1", "a@x.com", "A", "hash", true, now, now))
			},
			want: account.Account{
				ID: "acc-1", Email: "a@x.com", DisplayName: "A", PasswordHash: "hash", Active: true,
				CreatedAt: now, UpdatedAt: now,
			},
		},
		{
			name: "missing",
			setupMock: func(mock pgxmock.PgxPoolIface) {
				mock.ExpectQuery(`SELECT .* FROM accounts WHERE lower\(email\)`).
					WithArgs("a@x.com").
					WillReturnError(pgx.ErrNoRows)
			},
			wantErr: account.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock, err := pgxmock.NewPool()
			require.NoError(t, err)
			defer mock.Close()

			tt.setupMock(mock)

			got, err := NewRepository(mock).GetByEmail(context.Background(), "a@x.com")
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.want, got)
			}
			assert.NoError(t, mock.ExpectationsWereMet(), "unfulfilled expectations")
		})
	}
}

func TestRepository_UpdatePassword(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE accounts SET password_hash`).
		WithArgs("acc-1", "new-hash", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET password_hash`).
		WithArgs("missing", "new-hash", now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	repo := NewRepository(mock)
	require.NoError(t, repo.UpdatePassword(context.Background(), "acc-1", "new-hash", now))
	assert.ErrorIs(t, repo.UpdatePassword(context.Background(), "missing", "new-hash", now), account.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRepository_SetActive(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	mock.ExpectExec(`UPDATE accounts SET active`).
		WithArgs("acc-1", false, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))
	mock.ExpectExec(`UPDATE accounts SET active`).
		WithArgs("missing", false, now).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))
	mock.ExpectExec(`UPDATE accounts SET active`).
		WithArgs("acc-2", true, now).
		WillReturnError(errors.New("connection reset"))

	repo := NewRepository(mock)
	require.NoError(t, repo.SetActive(context.Background(), "acc-1", false, now))
	assert.ErrorIs(t, repo.SetActive(context.Background(), "missing", false, now), account.ErrNotFound)

	err = repo.SetActive(context.Background(), "acc-2", true, now)
	require.Error(t, err)
	assert.NotErrorIs(t, err, account.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
