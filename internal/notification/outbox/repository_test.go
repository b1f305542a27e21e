package outbox

import (
	"context"
	"testing"
	"time"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var recordCols = []string{"id", "channel", "recipient", "template_key", "fields", "run_at", "status", "attempts"}

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestInsertValidates(t *testing.T) {
	repo, _ := newMockRepo(t)
	ctx := context.Background()

	_, err := repo.Insert(ctx, InsertParams{Channel: "push", Recipient: "x", TemplateKey: "lead_new"})
	assert.Error(t, err)
	_, err = repo.Insert(ctx, InsertParams{Channel: ChannelEmail, TemplateKey: "lead_new"})
	assert.Error(t, err)
	_, err = repo.Insert(ctx, InsertParams{Channel: ChannelEmail, Recipient: "x"})
	assert.Error(t, err)
}

func TestInsert(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	runAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`INSERT INTO notification_outbox \(channel, recipient, template_key, fields, run_at\)`).
		WithArgs("email", "a@example.com", "lead_new", []byte(`{"vehicle":"VW Golf"}`), runAt).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(id))

	got, err := repo.Insert(context.Background(), InsertParams{
		Channel:     ChannelEmail,
		Recipient:   "a@example.com",
		TemplateKey: "lead_new",
		Fields:      map[string]string{"vehicle": "VW Golf"},
		RunAt:       runAt,
	})
	require.NoError(t, err)
	assert.Equal(t, id, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaimPendingSkipsLockedRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	runAt := time.Now().UTC()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE SKIP LOCKED`).
		WithArgs(10).
		WillReturnRows(pgxmock.NewRows(recordCols).
			AddRow(id, "sms", "+31612345678", "otp_phone_verification", []byte(`{"code":"123456"}`), runAt, "enqueued", 0))
	mock.ExpectCommit()
	mock.ExpectRollback()

	recs, err := repo.ClaimPending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, ChannelSMS, recs[0].Channel)
	assert.Equal(t, StatusEnqueued, recs[0].Status)
	assert.Equal(t, "123456", recs[0].Fields["code"])
}

func TestMarkProcessingIsConditional(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`SET status = 'processing', attempts = attempts \+ 1, updated_at = now\(\)\s+WHERE id = \$1 AND status IN \('pending', 'enqueued'\)`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	ok, err := repo.MarkProcessing(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestGetByIDNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()
	mock.ExpectQuery(`FROM notification_outbox WHERE id = \$1`).
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetByID(context.Background(), id)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
