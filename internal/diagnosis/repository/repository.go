// Package repository persists diagnosis requests and implements the job
// claim protocol in Postgres. Every state change is a single conditional
// UPDATE so concurrent workers cannot both win.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const diagnosisColumns = `id, public_token, owner_id, symptoms,
	vehicle_make, vehicle_model, vehicle_year, vehicle_mileage, vehicle_fuel_type,
	owner_region, owner_latitude, owner_longitude,
	status, summary, possible_causes, recommended_actions, safety_warnings,
	urgency_level, confidence_score, provider, raw_response, degraded, error_detail,
	is_free, attempts, next_attempt_at, created_at, updated_at, completed_at`

// Repository is the Postgres diagnosis store.
type Repository struct {
	pool db.Querier
}

// New creates a diagnosis repository.
func New(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, r.pool)
}

// Create inserts a queued diagnosis. It joins the transaction carried by ctx.
func (r *Repository) Create(ctx context.Context, d domain.Diagnosis) (domain.Diagnosis, error) {
	v := d.Vehicle
	if v == nil {
		v = &domain.Vehicle{}
	}
	row := r.q(ctx).QueryRow(ctx, `
		INSERT INTO diagnoses (
			id, public_token, owner_id, symptoms,
			vehicle_make, vehicle_model, vehicle_year, vehicle_mileage, vehicle_fuel_type,
			owner_region, owner_latitude, owner_longitude,
			status, is_free
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, 'queued', $13)
		RETURNING `+diagnosisColumns,
		d.ID, d.PublicToken, d.OwnerID, d.Symptoms,
		nullString(v.Make), nullString(v.Model), v.Year, v.Mileage, nullString(v.FuelType),
		nullString(d.Location.Region), d.Location.Latitude, d.Location.Longitude,
		d.IsFree,
	)
	created, err := scanDiagnosis(row)
	if err != nil {
		return domain.Diagnosis{}, fmt.Errorf("insert diagnosis: %w", db.MapError(err))
	}
	return created, nil
}

// Get loads a diagnosis by id. Returns db.ErrNotFound when absent.
func (r *Repository) Get(ctx context.Context, id uuid.UUID) (domain.Diagnosis, error) {
	d, err := scanDiagnosis(r.q(ctx).QueryRow(ctx, `SELECT `+diagnosisColumns+` FROM diagnoses WHERE id = $1`, id))
	if err != nil {
		return domain.Diagnosis{}, db.MapError(err)
	}
	return d, nil
}

// GetByToken loads a diagnosis by its public token.
func (r *Repository) GetByToken(ctx context.Context, token string) (domain.Diagnosis, error) {
	d, err := scanDiagnosis(r.q(ctx).QueryRow(ctx, `SELECT `+diagnosisColumns+` FROM diagnoses WHERE public_token = $1`, token))
	if err != nil {
		return domain.Diagnosis{}, db.MapError(err)
	}
	return d, nil
}

// ListByOwner returns the owner's most recent diagnoses.
func (r *Repository) ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Diagnosis, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT `+diagnosisColumns+`
		FROM diagnoses
		WHERE owner_id = $1
		ORDER BY created_at DESC
		LIMIT $2`, ownerID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnoses: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Diagnosis, 0, limit)
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diagnosis: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Claim moves the diagnosis to processing under worker's lease. A queued row,
// a released row whose retry time has come, or a row whose lease expired can
// be claimed while attempts remain. ok is false when another worker holds it
// or nothing is claimable.
func (r *Repository) Claim(ctx context.Context, id uuid.UUID, worker string, lease time.Duration, maxAttempts int) (domain.Diagnosis, bool, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE diagnoses
		SET status = 'processing',
		    attempts = attempts + 1,
		    lease_owner = $2,
		    lease_expires_at = now() + make_interval(secs => $3),
		    next_attempt_at = NULL,
		    updated_at = now()
		WHERE id = $1
		  AND attempts < $4
		  AND (
		        status = 'queued'
		     OR (status = 'processing' AND lease_owner IS NULL AND (next_attempt_at IS NULL OR next_attempt_at <= now()))
		     OR (status = 'processing' AND lease_expires_at < now())
		  )
		RETURNING `+diagnosisColumns,
		id, worker, lease.Seconds(), maxAttempts)
	return claimed(scanDiagnosis(row))
}

// ReleaseForRetry drops worker's lease and schedules the next attempt. The row
// stays in processing; Claim picks it up once next_attempt_at has passed.
func (r *Repository) ReleaseForRetry(ctx context.Context, id uuid.UUID, worker, errDetail string, delay time.Duration) (domain.Diagnosis, bool, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE diagnoses
		SET lease_owner = NULL,
		    lease_expires_at = NULL,
		    error_detail = $3,
		    next_attempt_at = now() + make_interval(secs => $4),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_owner = $2
		RETURNING `+diagnosisColumns,
		id, worker, errDetail, delay.Seconds())
	return claimed(scanDiagnosis(row))
}

// Complete writes the result and moves to completed. Only the lease holder
// can complete; a row already terminal is left untouched and ok is false.
func (r *Repository) Complete(ctx context.Context, id uuid.UUID, worker string, res domain.Result) (domain.Diagnosis, bool, error) {
	causes, err := json.Marshal(nonNil(res.PossibleCauses))
	if err != nil {
		return domain.Diagnosis{}, false, fmt.Errorf("marshal causes: %w", err)
	}
	actions, err := json.Marshal(nonNilActions(res.RecommendedActions))
	if err != nil {
		return domain.Diagnosis{}, false, fmt.Errorf("marshal actions: %w", err)
	}
	warnings, err := json.Marshal(nonNil(res.SafetyWarnings))
	if err != nil {
		return domain.Diagnosis{}, false, fmt.Errorf("marshal warnings: %w", err)
	}

	row := r.q(ctx).QueryRow(ctx, `
		UPDATE diagnoses
		SET status = 'completed',
		    summary = $3,
		    possible_causes = $4,
		    recommended_actions = $5,
		    safety_warnings = $6,
		    urgency_level = $7,
		    confidence_score = $8,
		    provider = $9,
		    raw_response = $10,
		    degraded = $11,
		    error_detail = NULL,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_owner = $2
		RETURNING `+diagnosisColumns,
		id, worker, nullString(res.Summary), causes, actions, warnings,
		string(res.UrgencyLevel), res.ConfidenceScore, nullString(res.Provider),
		nullString(res.RawResponse), res.Degraded,
	)
	return claimed(scanDiagnosis(row))
}

// Fail records errDetail verbatim and moves to failed. Same first-writer-wins
// guard as Complete.
func (r *Repository) Fail(ctx context.Context, id uuid.UUID, worker, errDetail string) (domain.Diagnosis, bool, error) {
	row := r.q(ctx).QueryRow(ctx, `
		UPDATE diagnoses
		SET status = 'failed',
		    error_detail = $3,
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id = $1 AND status = 'processing' AND lease_owner = $2
		RETURNING `+diagnosisColumns,
		id, worker, errDetail)
	return claimed(scanDiagnosis(row))
}

// FailAbandoned fails rows whose final attempt lost its lease, e.g. after a
// worker crash. They can no longer be claimed and would otherwise stay in
// processing.
func (r *Repository) FailAbandoned(ctx context.Context, maxAttempts int, limit int) ([]domain.Diagnosis, error) {
	rows, err := r.q(ctx).Query(ctx, `
		UPDATE diagnoses
		SET status = 'failed',
		    error_detail = COALESCE(error_detail, 'worker lease expired'),
		    lease_owner = NULL,
		    lease_expires_at = NULL,
		    completed_at = now(),
		    updated_at = now()
		WHERE id IN (
			SELECT id FROM diagnoses
			WHERE status = 'processing'
			  AND attempts >= $1
			  AND lease_expires_at < now()
			ORDER BY updated_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+diagnosisColumns, maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("fail abandoned diagnoses: %w", err)
	}
	defer rows.Close()

	var out []domain.Diagnosis
	for rows.Next() {
		d, err := scanDiagnosis(rows)
		if err != nil {
			return nil, fmt.Errorf("scan diagnosis: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListClaimable returns rows a worker could claim now. Queued rows younger
// than grace are skipped since their task was enqueued moments ago.
func (r *Repository) ListClaimable(ctx context.Context, grace time.Duration, maxAttempts int, limit int) ([]domain.Claimable, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id, attempts FROM diagnoses
		WHERE attempts < $2
		  AND (
		        (status = 'queued' AND created_at < now() - make_interval(secs => $1))
		     OR (status = 'processing' AND lease_owner IS NULL AND next_attempt_at <= now())
		     OR (status = 'processing' AND lease_expires_at < now())
		  )
		ORDER BY created_at
		LIMIT $3`, grace.Seconds(), maxAttempts, limit)
	if err != nil {
		return nil, fmt.Errorf("list claimable diagnoses: %w", err)
	}
	defer rows.Close()

	var out []domain.Claimable
	for rows.Next() {
		var c domain.Claimable
		if err := rows.Scan(&c.ID, &c.Attempts); err != nil {
			return nil, fmt.Errorf("scan claimable diagnosis: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkMatched records that a matching pass finished for a completed diagnosis.
func (r *Repository) MarkMatched(ctx context.Context, id uuid.UUID) error {
	_, err := r.q(ctx).Exec(ctx,
		`UPDATE diagnoses SET matched_at = now() WHERE id = $1 AND status = 'completed' AND matched_at IS NULL`, id)
	if err != nil {
		return fmt.Errorf("mark diagnosis matched: %w", err)
	}
	return nil
}

// ListUnmatched returns completed diagnoses older than grace that no matching
// pass has finished for.
func (r *Repository) ListUnmatched(ctx context.Context, grace time.Duration, limit int) ([]uuid.UUID, error) {
	rows, err := r.q(ctx).Query(ctx, `
		SELECT id FROM diagnoses
		WHERE status = 'completed' AND matched_at IS NULL
		  AND completed_at < now() - make_interval(secs => $1)
		ORDER BY completed_at
		LIMIT $2`, grace.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list unmatched diagnoses: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unmatched diagnosis: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func claimed(d domain.Diagnosis, err error) (domain.Diagnosis, bool, error) {
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Diagnosis{}, false, nil
	}
	if err != nil {
		return domain.Diagnosis{}, false, err
	}
	return d, true, nil
}

func scanDiagnosis(row pgx.Row) (domain.Diagnosis, error) {
	var (
		d                           domain.Diagnosis
		vMake, vModel, fuel, region *string
		year, mileage               *int32
		summary, urgency, provider  *string
		raw, errDetail              *string
		confidence                  *float64
		causes, actions, warnings   []byte
		degraded                    bool
	)
	err := row.Scan(
		&d.ID, &d.PublicToken, &d.OwnerID, &d.Symptoms,
		&vMake, &vModel, &year, &mileage, &fuel,
		&region, &d.Location.Latitude, &d.Location.Longitude,
		&d.Status, &summary, &causes, &actions, &warnings,
		&urgency, &confidence, &provider, &raw, &degraded, &errDetail,
		&d.IsFree, &d.Attempts, &d.NextAttemptAt, &d.CreatedAt, &d.UpdatedAt, &d.CompletedAt,
	)
	if err != nil {
		return domain.Diagnosis{}, err
	}

	if vMake != nil || vModel != nil || year != nil || mileage != nil || fuel != nil {
		d.Vehicle = &domain.Vehicle{
			Make:     deref(vMake),
			Model:    deref(vModel),
			Year:     intPtr(year),
			Mileage:  intPtr(mileage),
			FuelType: deref(fuel),
		}
	}
	d.Location.Region = deref(region)
	d.ErrorDetail = deref(errDetail)

	if d.Status == domain.StatusCompleted {
		res := &domain.Result{
			Summary:      deref(summary),
			UrgencyLevel: domain.ParseUrgency(deref(urgency)),
			Provider:     deref(provider),
			RawResponse:  deref(raw),
			Degraded:     degraded,
		}
		if confidence != nil {
			res.ConfidenceScore = *confidence
		}
		if err := unmarshalList(causes, &res.PossibleCauses); err != nil {
			return domain.Diagnosis{}, fmt.Errorf("decode possible_causes: %w", err)
		}
		if err := unmarshalList(actions, &res.RecommendedActions); err != nil {
			return domain.Diagnosis{}, fmt.Errorf("decode recommended_actions: %w", err)
		}
		if err := unmarshalList(warnings, &res.SafetyWarnings); err != nil {
			return domain.Diagnosis{}, fmt.Errorf("decode safety_warnings: %w", err)
		}
		d.Result = res
	}
	return d, nil
}

func unmarshalList[T any](raw []byte, dst *[]T) error {
	if len(raw) == 0 {
		*dst = []T{}
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return err
	}
	if *dst == nil {
		*dst = []T{}
	}
	return nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func intPtr(v *int32) *int {
	if v == nil {
		return nil
	}
	i := int(*v)
	return &i
}

func nonNil(items []string) []string {
	if items == nil {
		return []string{}
	}
	return items
}

func nonNilActions(items []domain.Action) []domain.Action {
	if items == nil {
		return []domain.Action{}
	}
	return items
}
