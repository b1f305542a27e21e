package repository

import (
	"context"
	"testing"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var columns = []string{
	"id", "public_token", "owner_id", "symptoms",
	"vehicle_make", "vehicle_model", "vehicle_year", "vehicle_mileage", "vehicle_fuel_type",
	"owner_region", "owner_latitude", "owner_longitude",
	"status", "summary", "possible_causes", "recommended_actions", "safety_warnings",
	"urgency_level", "confidence_score", "provider", "raw_response", "degraded", "error_detail",
	"is_free", "attempts", "next_attempt_at", "created_at", "updated_at", "completed_at",
}

type rowOpts struct {
	status    domain.Status
	attempts  int
	make      *string
	summary   *string
	causes    []byte
	urgency   *string
	errDetail *string
}

func diagnosisRow(id, owner uuid.UUID, o rowOpts) *pgxmock.Rows {
	now := time.Now()
	causes := o.causes
	if causes == nil {
		causes = []byte("[]")
	}
	return pgxmock.NewRows(columns).AddRow(
		id, "tok", owner, "engine knocks",
		o.make, nil, nil, nil, nil,
		nil, nil, nil,
		o.status, o.summary, causes, []byte("[]"), []byte("[]"),
		o.urgency, nil, nil, nil, false, o.errDetail,
		true, o.attempts, nil, now, now, nil,
	)
}

func strPtr(s string) *string { return &s }

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestClaim(t *testing.T) {
	id, owner := uuid.New(), uuid.New()

	t.Run("wins", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("UPDATE diagnoses").
			WithArgs(id, "worker-1", float64(120), 3).
			WillReturnRows(diagnosisRow(id, owner, rowOpts{status: domain.StatusProcessing, attempts: 1, make: strPtr("Ford")}))

		d, ok, err := repo.Claim(context.Background(), id, "worker-1", 2*time.Minute, 3)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, domain.StatusProcessing, d.Status)
		assert.Equal(t, 1, d.Attempts)
		require.NotNil(t, d.Vehicle)
		assert.Equal(t, "Ford", d.Vehicle.Make)
		assert.Nil(t, d.Result)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("loses", func(t *testing.T) {
		repo, mock := newMockRepo(t)
		mock.ExpectQuery("UPDATE diagnoses").
			WithArgs(id, "worker-2", float64(120), 3).
			WillReturnError(pgx.ErrNoRows)

		_, ok, err := repo.Claim(context.Background(), id, "worker-2", 2*time.Minute, 3)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCompleteDecodesResult(t *testing.T) {
	repo, mock := newMockRepo(t)
	id, owner := uuid.New(), uuid.New()

	mock.ExpectQuery("SET status = 'completed'").
		WithArgs(id, "worker-1", pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			"high", 0.9, pgxmock.AnyArg(), pgxmock.AnyArg(), false).
		WillReturnRows(diagnosisRow(id, owner, rowOpts{
			status:   domain.StatusCompleted,
			attempts: 1,
			summary:  strPtr("Timing belt worn"),
			causes:   []byte(`["belt","tensioner"]`),
			urgency:  strPtr("high"),
		}))

	d, ok, err := repo.Complete(context.Background(), id, "worker-1", domain.Result{
		Summary:         "Timing belt worn",
		PossibleCauses:  []string{"belt", "tensioner"},
		UrgencyLevel:    domain.UrgencyHigh,
		ConfidenceScore: 0.9,
		Provider:        "fake",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.NotNil(t, d.Result)
	assert.Equal(t, "Timing belt worn", d.Result.Summary)
	assert.Equal(t, []string{"belt", "tensioner"}, d.Result.PossibleCauses)
	assert.Equal(t, []domain.Action{}, d.Result.RecommendedActions)
	assert.Equal(t, domain.UrgencyHigh, d.Result.UrgencyLevel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestTerminalWriteIsNoOpOnceTerminal(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("SET status = 'failed'").
		WithArgs(id, "worker-1", "boom").
		WillReturnError(pgx.ErrNoRows)

	_, ok, err := repo.Fail(context.Background(), id, "worker-1", "boom")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery("FROM diagnoses WHERE id").
		WithArgs(id).
		WillReturnError(pgx.ErrNoRows)

	_, err := repo.Get(context.Background(), id)
	assert.ErrorIs(t, err, db.ErrNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListClaimable(t *testing.T) {
	repo, mock := newMockRepo(t)
	a, b := uuid.New(), uuid.New()

	mock.ExpectQuery("SELECT id, attempts FROM diagnoses").
		WithArgs(float64(60), 3, 50).
		WillReturnRows(pgxmock.NewRows([]string{"id", "attempts"}).AddRow(a, 0).AddRow(b, 2))

	got, err := repo.ListClaimable(context.Background(), time.Minute, 3, 50)
	require.NoError(t, err)
	assert.Equal(t, []domain.Claimable{{ID: a, Attempts: 0}, {ID: b, Attempts: 2}}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkMatchedOnlyTouchesCompletedRows(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectExec(`UPDATE diagnoses SET matched_at = now\(\) WHERE id = \$1 AND status = 'completed' AND matched_at IS NULL`).
		WithArgs(id).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.MarkMatched(context.Background(), id))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestListUnmatched(t *testing.T) {
	repo, mock := newMockRepo(t)
	a := uuid.New()

	mock.ExpectQuery(`SELECT id FROM diagnoses\s+WHERE status = 'completed' AND matched_at IS NULL`).
		WithArgs(float64(120), 50).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(a))

	got, err := repo.ListUnmatched(context.Background(), 2*time.Minute, 50)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a}, got)
	assert.NoError(t, mock.ExpectationsWereMet())
}
