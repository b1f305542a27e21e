package otp

import (
	"context"
	"testing"
	"time"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return NewRepository(mock), mock
}

func TestConsumeIsConditional(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE otp_codes SET consumed_at = now\(\)\s+WHERE id = \$1 AND consumed_at IS NULL AND superseded_at IS NULL AND expires_at > now\(\)`).
		WithArgs(id).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))
	mock.ExpectQuery(`UPDATE otp_codes SET consumed_at`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	ok, err := repo.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.Consume(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertMapsUniqueViolation(t *testing.T) {
	repo, mock := newMockRepo(t)
	c := Code{ID: uuid.New(), Subject: "a@example.com", Purpose: PurposeEmailVerification, CodeHash: "h", ExpiresAt: time.Now()}

	mock.ExpectExec(`INSERT INTO otp_codes`).
		WithArgs(c.ID, c.Subject, "email_verification", "h", c.ExpiresAt).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := repo.Insert(context.Background(), c)
	assert.ErrorIs(t, err, db.ErrAlreadyExists)
}

func TestSupersedeTouchesOnlyOpenCodes(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectExec(`UPDATE otp_codes SET superseded_at = now\(\)\s+WHERE subject = \$1 AND purpose = \$2 AND consumed_at IS NULL AND superseded_at IS NULL`).
		WithArgs("+31612345678", "phone_verification").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.Supersede(context.Background(), "+31612345678", PurposePhoneVerification))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestOpenNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	mock.ExpectQuery(`FROM otp_codes`).
		WithArgs("a@example.com", "password_reset").
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Open(context.Background(), "a@example.com", PurposePasswordReset)
	assert.ErrorIs(t, err, db.ErrNotFound)
}
