package entitlement

import (
	"context"
	"errors"
	"fmt"

	"diagnostics_backend/platform/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxRunner opens or joins a transaction carried in the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Repository is the Postgres-backed ledger store. Consume serializes on the
// account row with SELECT ... FOR UPDATE.
type Repository struct {
	pool db.Querier
	tx   TxRunner
}

// NewRepository creates a Postgres ledger store.
func NewRepository(pool db.Querier, tx TxRunner) *Repository {
	return &Repository{pool: pool, tx: tx}
}

func (r *Repository) q(ctx context.Context) db.Querier {
	return db.QuerierFromCtx(ctx, r.pool)
}

// Consume takes one unit for (accountID, kind). The consumption is recorded
// under idempotencyKey; a repeated key returns the original grant.
func (r *Repository) Consume(ctx context.Context, accountID uuid.UUID, kind Kind, idempotencyKey string) (Grant, error) {
	if idempotencyKey == "" {
		idempotencyKey = uuid.NewString()
	}

	var grant Grant
	err := r.tx.RunInTx(ctx, func(ctx context.Context) error {
		var bal Balance
		err := r.q(ctx).QueryRow(ctx, `
			SELECT free_remaining, paid_remaining
			FROM entitlement_accounts
			WHERE user_id = $1 AND kind = $2
			FOR UPDATE`, accountID, kind).Scan(&bal.FreeRemaining, &bal.PaidRemaining)
		if errors.Is(err, pgx.ErrNoRows) {
			grant = Grant{}
			return nil
		}
		if err != nil {
			return fmt.Errorf("lock entitlement account: %w", err)
		}

		var prior Source
		err = r.q(ctx).QueryRow(ctx, `
			SELECT source FROM entitlement_consumptions
			WHERE user_id = $1 AND kind = $2 AND idempotency_key = $3`,
			accountID, kind, idempotencyKey).Scan(&prior)
		switch {
		case err == nil:
			grant = Grant{Granted: true, Source: prior, Replayed: true}
			return nil
		case !errors.Is(err, pgx.ErrNoRows):
			return fmt.Errorf("lookup consumption: %w", err)
		}

		source, ok := pickSource(bal)
		if !ok {
			grant = Grant{}
			return nil
		}

		column := "free_remaining"
		if source == SourcePaid {
			column = "paid_remaining"
		}
		if _, err := r.q(ctx).Exec(ctx, `
			UPDATE entitlement_accounts
			SET `+column+` = `+column+` - 1, updated_at = now()
			WHERE user_id = $1 AND kind = $2`, accountID, kind); err != nil {
			return fmt.Errorf("decrement entitlement: %w", err)
		}
		if _, err := r.q(ctx).Exec(ctx, `
			INSERT INTO entitlement_consumptions (user_id, kind, source, idempotency_key)
			VALUES ($1, $2, $3, $4)`, accountID, kind, source, idempotencyKey); err != nil {
			return fmt.Errorf("record consumption: %w", db.MapError(err))
		}

		grant = Grant{Granted: true, Source: source}
		return nil
	})
	if err != nil {
		return Grant{}, err
	}
	return grant, nil
}

// Balance reads the counters. A missing account reads as zero.
func (r *Repository) Balance(ctx context.Context, accountID uuid.UUID, kind Kind) (Balance, error) {
	bal := Balance{AccountID: accountID, Kind: kind}
	err := r.q(ctx).QueryRow(ctx, `
		SELECT free_remaining, paid_remaining
		FROM entitlement_accounts
		WHERE user_id = $1 AND kind = $2`, accountID, kind).Scan(&bal.FreeRemaining, &bal.PaidRemaining)
	if errors.Is(err, pgx.ErrNoRows) {
		return bal, nil
	}
	if err != nil {
		return Balance{}, fmt.Errorf("read entitlement balance: %w", err)
	}
	return bal, nil
}

// Credit adds amount units to the source counter, creating the account when needed.
func (r *Repository) Credit(ctx context.Context, accountID uuid.UUID, kind Kind, source Source, amount int) (Balance, error) {
	free, paid := 0, 0
	if source == SourceFree {
		free = amount
	} else {
		paid = amount
	}

	bal := Balance{AccountID: accountID, Kind: kind}
	err := r.q(ctx).QueryRow(ctx, `
		INSERT INTO entitlement_accounts (user_id, kind, free_remaining, paid_remaining)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, kind) DO UPDATE
		SET free_remaining = entitlement_accounts.free_remaining + EXCLUDED.free_remaining,
		    paid_remaining = entitlement_accounts.paid_remaining + EXCLUDED.paid_remaining,
		    updated_at = now()
		RETURNING free_remaining, paid_remaining`, accountID, kind, free, paid).
		Scan(&bal.FreeRemaining, &bal.PaidRemaining)
	if err != nil {
		return Balance{}, fmt.Errorf("credit entitlement: %w", err)
	}
	return bal, nil
}
