// Package repository persists experts and leads.
package repository

import (
	"context"
	"errors"
	"fmt"

	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/platform/db"

	"github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// maxPool bounds how many eligible experts one pass ranks. The query orders
// by the ranking key before the cut so the best candidates are always kept.
const maxPool = 200

// distanceKmExpr is the haversine distance from the origin ($lat, $lat, $lon)
// to the expert; NULL when the expert has no coordinates.
const distanceKmExpr = "(2 * 6371.0 * asin(least(1.0, sqrt(" +
	"power(sin(radians(e.latitude - ?) / 2), 2) + " +
	"cos(radians(?)) * cos(radians(e.latitude)) * power(sin(radians(e.longitude - ?) / 2), 2)))))"

const leadColumns = `id, diagnosis_id, expert_id, status, is_free_lead, rank, created_at, updated_at`

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

type Repository struct {
	pool db.Querier
}

func New(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, r.pool)
}

// EligibleExperts returns active, KYC-approved experts that serve the
// requester's region and vehicle make and hold no lead for the diagnosis yet.
// An expert with no regions or no makes listed serves all of them.
func (r *Repository) EligibleExperts(ctx context.Context, c domain.Criteria) ([]domain.Expert, error) {
	query := psql.
		Select("e.id", "e.user_id", "e.display_name", "COALESCE(e.email, '')", "COALESCE(e.phone, '')",
			"e.regions", "e.vehicle_makes", "e.rating::float8", "e.latitude", "e.longitude", "e.is_priority").
		From("experts e").
		Where(squirrel.Eq{"e.is_active": true}).
		Where(squirrel.Eq{"e.kyc_status": "approved"})

	if c.Region != "" {
		query = query.Where(squirrel.Or{
			squirrel.Expr("cardinality(e.regions) = 0"),
			squirrel.Expr("EXISTS (SELECT 1 FROM unnest(e.regions) reg WHERE lower(reg) = lower(?))", c.Region),
		})
	}
	if c.Make != "" {
		query = query.Where(squirrel.Or{
			squirrel.Expr("cardinality(e.vehicle_makes) = 0"),
			squirrel.Expr("EXISTS (SELECT 1 FROM unnest(e.vehicle_makes) mk WHERE lower(mk) = lower(?))", c.Make),
		})
	}

	query = query.
		Where(squirrel.Expr("NOT EXISTS (SELECT 1 FROM leads l WHERE l.diagnosis_id = ? AND l.expert_id = e.id)", c.DiagnosisID)).
		OrderBy("e.rating DESC")
	if c.Origin.Known() {
		query = query.OrderByClause(distanceKmExpr+" ASC NULLS LAST",
			*c.Origin.Latitude, *c.Origin.Latitude, *c.Origin.Longitude)
	}
	query = query.
		OrderBy("e.is_priority DESC", "e.id").
		Limit(maxPool)

	sql, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build eligibility query: %w", err)
	}

	rows, err := r.q(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query eligible experts: %w", err)
	}
	defer rows.Close()

	experts := make([]domain.Expert, 0)
	for rows.Next() {
		var e domain.Expert
		if err := rows.Scan(&e.ID, &e.UserID, &e.DisplayName, &e.Email, &e.Phone,
			&e.Regions, &e.VehicleMakes, &e.Rating, &e.Latitude, &e.Longitude, &e.IsPriority); err != nil {
			return nil, fmt.Errorf("scan expert: %w", err)
		}
		experts = append(experts, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate experts: %w", err)
	}
	return experts, nil
}

// InsertLead stores a lead. inserted is false when the expert already holds
// a lead for the diagnosis; the existing row is left untouched.
func (r *Repository) InsertLead(ctx context.Context, l domain.Lead) (domain.Lead, bool, error) {
	sql, args, err := psql.
		Insert("leads").
		Columns("diagnosis_id", "expert_id", "is_free_lead", "rank").
		Values(l.DiagnosisID, l.ExpertID, l.IsFreeLead, l.Rank).
		Suffix("ON CONFLICT (diagnosis_id, expert_id) DO NOTHING RETURNING " + leadColumns).
		ToSql()
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("build lead insert: %w", err)
	}

	lead, err := scanLead(r.q(ctx).QueryRow(ctx, sql, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, false, nil
	}
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("insert lead: %w", db.MapError(err))
	}
	return lead, true, nil
}

// CountLeads returns how many leads a diagnosis already produced.
func (r *Repository) CountLeads(ctx context.Context, diagnosisID uuid.UUID) (int, error) {
	var n int
	err := r.q(ctx).QueryRow(ctx, `SELECT count(*) FROM leads WHERE diagnosis_id = $1`, diagnosisID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count leads: %w", err)
	}
	return n, nil
}

func (r *Repository) GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error) {
	lead, err := scanLead(r.q(ctx).QueryRow(ctx, `SELECT `+leadColumns+` FROM leads WHERE id = $1`, id))
	if err != nil {
		return domain.Lead{}, db.MapError(err)
	}
	return lead, nil
}

// ListLeadsForExpert returns the newest leads first.
func (r *Repository) ListLeadsForExpert(ctx context.Context, expertID uuid.UUID, limit int) ([]domain.Lead, error) {
	rows, err := r.q(ctx).Query(ctx,
		`SELECT `+leadColumns+` FROM leads WHERE expert_id = $1 ORDER BY created_at DESC LIMIT $2`,
		expertID, limit)
	if err != nil {
		return nil, fmt.Errorf("list leads: %w", err)
	}
	defer rows.Close()

	leads := make([]domain.Lead, 0)
	for rows.Next() {
		lead, err := scanLead(rows)
		if err != nil {
			return nil, fmt.Errorf("scan lead: %w", err)
		}
		leads = append(leads, lead)
	}
	return leads, rows.Err()
}

// UpdateLeadStatus moves a lead from one status to the next. updated is
// false when the lead no longer has status from, so concurrent updates
// cannot both win.
func (r *Repository) UpdateLeadStatus(ctx context.Context, id uuid.UUID, from, to domain.LeadStatus) (domain.Lead, bool, error) {
	lead, err := scanLead(r.q(ctx).QueryRow(ctx, `
		UPDATE leads SET status = $3, updated_at = now()
		WHERE id = $1 AND status = $2
		RETURNING `+leadColumns, id, string(from), string(to)))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Lead{}, false, nil
	}
	if err != nil {
		return domain.Lead{}, false, fmt.Errorf("update lead status: %w", err)
	}
	return lead, true, nil
}

// ExpertByUserID resolves the expert profile of an account.
func (r *Repository) ExpertByUserID(ctx context.Context, userID uuid.UUID) (domain.Expert, error) {
	var e domain.Expert
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, user_id, display_name, COALESCE(email, ''), COALESCE(phone, ''),
			regions, vehicle_makes, rating::float8, latitude, longitude, is_priority
		FROM experts WHERE user_id = $1`, userID).
		Scan(&e.ID, &e.UserID, &e.DisplayName, &e.Email, &e.Phone,
			&e.Regions, &e.VehicleMakes, &e.Rating, &e.Latitude, &e.Longitude, &e.IsPriority)
	if err != nil {
		return domain.Expert{}, db.MapError(err)
	}
	return e, nil
}

func scanLead(row pgx.Row) (domain.Lead, error) {
	var (
		l      domain.Lead
		status string
	)
	if err := row.Scan(&l.ID, &l.DiagnosisID, &l.ExpertID, &status, &l.IsFreeLead, &l.Rank, &l.CreatedAt, &l.UpdatedAt); err != nil {
		return domain.Lead{}, err
	}
	l.Status = domain.LeadStatus(status)
	return l, nil
}
