package repository

import (
	"context"
	"testing"
	"time"

	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var expertCols = []string{
	"id", "user_id", "display_name", "email", "phone",
	"regions", "vehicle_makes", "rating", "latitude", "longitude", "is_priority",
}

var leadCols = []string{
	"id", "diagnosis_id", "expert_id", "status", "is_free_lead", "rank", "created_at", "updated_at",
}

func newMockRepo(t *testing.T) (*Repository, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return New(mock), mock
}

func TestEligibleExpertsBindsFilters(t *testing.T) {
	repo, mock := newMockRepo(t)
	diagnosisID := uuid.New()
	expertID := uuid.New()
	lat := 52.37

	mock.ExpectQuery(`FROM experts e WHERE e.is_active = \$1 AND e.kyc_status = \$2 AND .*unnest\(e.regions\).*unnest\(e.vehicle_makes\).*NOT EXISTS`).
		WithArgs(true, "approved", "north", "Toyota", diagnosisID).
		WillReturnRows(pgxmock.NewRows(expertCols).AddRow(
			expertID, uuid.New(), "Garage Noord", "noord@example.com", "",
			[]string{"north"}, []string{}, 4.5, &lat, nil, true,
		))

	experts, err := repo.EligibleExperts(context.Background(), domain.Criteria{
		DiagnosisID: diagnosisID,
		Region:      "north",
		Make:        "Toyota",
	})
	require.NoError(t, err)
	require.Len(t, experts, 1)
	assert.Equal(t, expertID, experts[0].ID)
	assert.Equal(t, 4.5, experts[0].Rating)
	assert.True(t, experts[0].IsPriority)
	assert.Nil(t, experts[0].Longitude)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEligibleExpertsSkipsUnknownRegionAndMake(t *testing.T) {
	repo, mock := newMockRepo(t)
	diagnosisID := uuid.New()

	mock.ExpectQuery(`FROM experts e WHERE e.is_active = \$1 AND e.kyc_status = \$2 AND NOT EXISTS`).
		WithArgs(true, "approved", diagnosisID).
		WillReturnRows(pgxmock.NewRows(expertCols))

	experts, err := repo.EligibleExperts(context.Background(), domain.Criteria{DiagnosisID: diagnosisID})
	require.NoError(t, err)
	assert.Empty(t, experts)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEligibleExpertsOrdersByRankingKeyBeforeTheCap(t *testing.T) {
	repo, mock := newMockRepo(t)
	diagnosisID := uuid.New()
	lat, lon := 52.37, 4.90

	mock.ExpectQuery(`NOT EXISTS .* ORDER BY e.rating DESC, \(2 \* 6371\.0 \* asin.* ASC NULLS LAST, e.is_priority DESC, e.id LIMIT 200`).
		WithArgs(true, "approved", diagnosisID, lat, lat, lon).
		WillReturnRows(pgxmock.NewRows(expertCols))

	_, err := repo.EligibleExperts(context.Background(), domain.Criteria{
		DiagnosisID: diagnosisID,
		Origin:      domain.Origin{Latitude: &lat, Longitude: &lon},
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEligibleExpertsWithoutOriginSkipsDistance(t *testing.T) {
	repo, mock := newMockRepo(t)
	diagnosisID := uuid.New()

	mock.ExpectQuery(`ORDER BY e.rating DESC, e.is_priority DESC, e.id LIMIT 200`).
		WithArgs(true, "approved", diagnosisID).
		WillReturnRows(pgxmock.NewRows(expertCols))

	_, err := repo.EligibleExperts(context.Background(), domain.Criteria{DiagnosisID: diagnosisID})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadConflictIsNotAnError(t *testing.T) {
	repo, mock := newMockRepo(t)
	lead := domain.Lead{DiagnosisID: uuid.New(), ExpertID: uuid.New(), IsFreeLead: true, Rank: 1}

	mock.ExpectQuery(`INSERT INTO leads .* ON CONFLICT \(diagnosis_id, expert_id\) DO NOTHING`).
		WithArgs(lead.DiagnosisID, lead.ExpertID, true, 1).
		WillReturnError(pgx.ErrNoRows)

	_, inserted, err := repo.InsertLead(context.Background(), lead)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestInsertLeadReturnsRow(t *testing.T) {
	repo, mock := newMockRepo(t)
	lead := domain.Lead{DiagnosisID: uuid.New(), ExpertID: uuid.New(), Rank: 2}
	id := uuid.New()
	now := time.Now()

	mock.ExpectQuery(`INSERT INTO leads`).
		WithArgs(lead.DiagnosisID, lead.ExpertID, false, 2).
		WillReturnRows(pgxmock.NewRows(leadCols).AddRow(id, lead.DiagnosisID, lead.ExpertID, "new", false, 2, now, now))

	got, inserted, err := repo.InsertLead(context.Background(), lead)
	require.NoError(t, err)
	assert.True(t, inserted)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, domain.LeadNew, got.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateLeadStatusLosesRace(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`UPDATE leads SET status = \$3`).
		WithArgs(id, "new", "viewed").
		WillReturnError(pgx.ErrNoRows)

	_, updated, err := repo.UpdateLeadStatus(context.Background(), id, domain.LeadNew, domain.LeadViewed)
	require.NoError(t, err)
	assert.False(t, updated)
}

func TestGetLeadNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)
	id := uuid.New()

	mock.ExpectQuery(`FROM leads WHERE id = \$1`).WithArgs(id).WillReturnError(pgx.ErrNoRows)

	_, err := repo.GetLead(context.Background(), id)
	assert.ErrorIs(t, err, db.ErrNotFound)
}

func TestMemoryEligibilityRules(t *testing.T) {
	m := NewMemory()
	diagnosisID := uuid.New()
	anywhere := MemoryExpert{Expert: domain.Expert{ID: uuid.New()}, Active: true, KYCStatus: "approved"}
	north := MemoryExpert{Expert: domain.Expert{ID: uuid.New(), Regions: []string{"North"}, VehicleMakes: []string{"bmw"}}, Active: true, KYCStatus: "approved"}
	inactive := MemoryExpert{Expert: domain.Expert{ID: uuid.New()}, Active: false, KYCStatus: "approved"}
	pending := MemoryExpert{Expert: domain.Expert{ID: uuid.New()}, Active: true, KYCStatus: "pending"}
	for _, e := range []MemoryExpert{anywhere, north, inactive, pending} {
		m.AddExpert(e)
	}

	ids := func(c domain.Criteria) []uuid.UUID {
		experts, err := m.EligibleExperts(context.Background(), c)
		require.NoError(t, err)
		out := make([]uuid.UUID, 0, len(experts))
		for _, e := range experts {
			out = append(out, e.ID)
		}
		return out
	}

	assert.ElementsMatch(t, []uuid.UUID{anywhere.ID, north.ID}, ids(domain.Criteria{DiagnosisID: diagnosisID}))
	assert.ElementsMatch(t, []uuid.UUID{anywhere.ID, north.ID}, ids(domain.Criteria{DiagnosisID: diagnosisID, Region: "north", Make: "BMW"}))
	assert.ElementsMatch(t, []uuid.UUID{anywhere.ID}, ids(domain.Criteria{DiagnosisID: diagnosisID, Region: "south"}))
	assert.ElementsMatch(t, []uuid.UUID{anywhere.ID}, ids(domain.Criteria{DiagnosisID: diagnosisID, Make: "Audi"}))

	_, inserted, err := m.InsertLead(context.Background(), domain.Lead{DiagnosisID: diagnosisID, ExpertID: anywhere.ID})
	require.NoError(t, err)
	require.True(t, inserted)
	assert.ElementsMatch(t, []uuid.UUID{north.ID}, ids(domain.Criteria{DiagnosisID: diagnosisID}))
}

func TestMemoryKeepsTopRatedExpertBeyondTheCap(t *testing.T) {
	m := NewMemory()
	for i := 0; i < maxPool+20; i++ {
		m.AddExpert(MemoryExpert{Expert: domain.Expert{ID: uuid.New(), Rating: 3}, Active: true, KYCStatus: "approved"})
	}
	best := uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff")
	m.AddExpert(MemoryExpert{Expert: domain.Expert{ID: best, Rating: 5}, Active: true, KYCStatus: "approved"})

	experts, err := m.EligibleExperts(context.Background(), domain.Criteria{DiagnosisID: uuid.New()})
	require.NoError(t, err)
	require.Len(t, experts, maxPool)
	assert.Equal(t, best, experts[0].ID)
}
