package entitlement

import (
	"context"
	"log/slog"

	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"

	"github.com/google/uuid"
)

// Store persists ledger state. Consume must be atomic per (account, kind).
type Store interface {
	Consume(ctx context.Context, accountID uuid.UUID, kind Kind, idempotencyKey string) (Grant, error)
	Balance(ctx context.Context, accountID uuid.UUID, kind Kind) (Balance, error)
	Credit(ctx context.Context, accountID uuid.UUID, kind Kind, source Source, amount int) (Balance, error)
}

// Ledger is the entitlement service.
type Ledger struct {
	store Store
	log   *logger.Logger
}

// NewLedger creates a ledger over store.
func NewLedger(store Store, log *logger.Logger) *Ledger {
	return &Ledger{store: store, log: log}
}

// TryConsume atomically takes one unit, free before paid. A denied consume
// returns Grant{Granted: false} and a nil error; nothing is mutated.
// When ctx carries an open transaction the consume joins it.
func (l *Ledger) TryConsume(ctx context.Context, accountID uuid.UUID, kind Kind, idempotencyKey string) (Grant, error) {
	if !kind.Valid() {
		return Grant{}, ErrInvalidKind
	}

	grant, err := l.store.Consume(ctx, accountID, kind, idempotencyKey)
	if err != nil {
		l.log.Error("entitlement consume failed",
			slog.String("account_id", accountID.String()),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
		return Grant{}, err
	}

	if !grant.Replayed {
		metrics.ObserveConsume(string(kind), grant.Granted)
	}
	l.log.Debug("entitlement consume",
		slog.String("account_id", accountID.String()),
		slog.String("kind", string(kind)),
		slog.Bool("granted", grant.Granted),
		slog.String("source", string(grant.Source)),
		slog.Bool("replayed", grant.Replayed),
	)
	return grant, nil
}

// Inspect returns the current balance.
func (l *Ledger) Inspect(ctx context.Context, accountID uuid.UUID, kind Kind) (Balance, error) {
	if !kind.Valid() {
		return Balance{}, ErrInvalidKind
	}
	return l.store.Balance(ctx, accountID, kind)
}

// Credit grants amount units of source to an account. Free allotments and
// paid top-ups both arrive through here.
func (l *Ledger) Credit(ctx context.Context, accountID uuid.UUID, kind Kind, source Source, amount int) (Balance, error) {
	if !kind.Valid() {
		return Balance{}, ErrInvalidKind
	}
	if !source.Valid() {
		return Balance{}, apperr.Validation("unknown entitlement source")
	}
	if amount <= 0 {
		return Balance{}, apperr.Validation("amount must be positive")
	}

	bal, err := l.store.Credit(ctx, accountID, kind, source, amount)
	if err != nil {
		return Balance{}, err
	}
	l.log.Info("entitlement credited",
		slog.String("account_id", accountID.String()),
		slog.String("kind", string(kind)),
		slog.String("source", string(source)),
		slog.Int("amount", amount),
	)
	return bal, nil
}
