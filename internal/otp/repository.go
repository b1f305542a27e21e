package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Repository stores codes in otp_codes. A partial unique index keeps one
// unconsumed, unsuperseded row per (subject, purpose).
type Repository struct {
	pool db.Querier
}

func NewRepository(pool db.Querier) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, r.pool)
}

// Supersede retires every open code for the pair.
func (r *Repository) Supersede(ctx context.Context, subject string, purpose Purpose) error {
	_, err := r.q(ctx).Exec(ctx, `
		UPDATE otp_codes SET superseded_at = now()
		WHERE subject = $1 AND purpose = $2 AND consumed_at IS NULL AND superseded_at IS NULL`,
		subject, string(purpose))
	if err != nil {
		return fmt.Errorf("supersede otp codes: %w", err)
	}
	return nil
}

func (r *Repository) Insert(ctx context.Context, c Code) error {
	_, err := r.q(ctx).Exec(ctx, `
		INSERT INTO otp_codes (id, subject, purpose, code_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)`,
		c.ID, c.Subject, string(c.Purpose), c.CodeHash, c.ExpiresAt)
	if err != nil {
		return fmt.Errorf("insert otp code: %w", db.MapError(err))
	}
	return nil
}

// Open returns the open code for the pair, expired or not.
func (r *Repository) Open(ctx context.Context, subject string, purpose Purpose) (Code, error) {
	var (
		c   Code
		pur string
	)
	err := r.q(ctx).QueryRow(ctx, `
		SELECT id, subject, purpose, code_hash, expires_at, created_at
		FROM otp_codes
		WHERE subject = $1 AND purpose = $2 AND consumed_at IS NULL AND superseded_at IS NULL`,
		subject, string(purpose)).
		Scan(&c.ID, &c.Subject, &pur, &c.CodeHash, &c.ExpiresAt, &c.CreatedAt)
	if err != nil {
		return Code{}, db.MapError(err)
	}
	c.Purpose = Purpose(pur)
	return c, nil
}

// Consume marks the code used if it is still open and unexpired. Exactly
// one concurrent caller sees true.
func (r *Repository) Consume(ctx context.Context, id uuid.UUID) (bool, error) {
	var got uuid.UUID
	err := r.q(ctx).QueryRow(ctx, `
		UPDATE otp_codes SET consumed_at = now()
		WHERE id = $1 AND consumed_at IS NULL AND superseded_at IS NULL AND expires_at > now()
		RETURNING id`, id).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("consume otp code: %w", err)
	}
	return true, nil
}

// DeleteCreatedBefore purges old codes of any state.
func (r *Repository) DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.q(ctx).Exec(ctx, `DELETE FROM otp_codes WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete otp codes: %w", err)
	}
	return tag.RowsAffected(), nil
}
