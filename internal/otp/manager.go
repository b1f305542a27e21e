package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultTTL = 10 * time.Minute
	// RetentionWindow is how long codes are kept after creation.
	RetentionWindow = 24 * time.Hour
	// Generate retries once when a concurrent Generate for the same pair
	// committed between our supersede and insert.
	insertAttempts = 2
)

// Store persists codes.
type Store interface {
	Supersede(ctx context.Context, subject string, purpose Purpose) error
	Insert(ctx context.Context, c Code) error
	Open(ctx context.Context, subject string, purpose Purpose) (Code, error)
	Consume(ctx context.Context, id uuid.UUID) (bool, error)
	DeleteCreatedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// TxRunner opens or joins a transaction carried in the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Manager is the OTP lifecycle service.
type Manager struct {
	store      Store
	tx         TxRunner
	bus        events.Bus
	ttl        time.Duration
	bcryptCost int
	now        func() time.Time
	log        *logger.Logger
}

func NewManager(store Store, tx TxRunner, bus events.Bus, ttl time.Duration, bcryptCost int, log *logger.Logger) *Manager {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if bcryptCost < bcrypt.MinCost || bcryptCost > bcrypt.MaxCost {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Manager{
		store:      store,
		tx:         tx,
		bus:        bus,
		ttl:        ttl,
		bcryptCost: bcryptCost,
		now:        time.Now,
		log:        log.WithComponent("otp"),
	}
}

// SetClock replaces the manager's notion of now.
func (m *Manager) SetClock(now func() time.Time) { m.now = now }

// Generate supersedes any open code for the pair, stores a new one and
// hands it to delivery. The plaintext code is returned but never stored.
func (m *Manager) Generate(ctx context.Context, subject string, purpose Purpose) (Issued, error) {
	if !purpose.Valid() {
		return Issued{}, ErrUnknownPurpose
	}
	subject, err := NormalizeSubject(purpose, subject)
	if err != nil {
		return Issued{}, err
	}

	code, err := newCode()
	if err != nil {
		return Issued{}, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), m.bcryptCost)
	if err != nil {
		return Issued{}, fmt.Errorf("hash code: %w", err)
	}

	record := Code{
		Subject:   subject,
		Purpose:   purpose,
		CodeHash:  string(hash),
		ExpiresAt: m.now().Add(m.ttl).UTC(),
	}
	for attempt := 1; ; attempt++ {
		record.ID = uuid.New()
		err = m.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := m.store.Supersede(ctx, subject, purpose); err != nil {
				return err
			}
			return m.store.Insert(ctx, record)
		})
		if err == nil || !errors.Is(err, db.ErrAlreadyExists) || attempt == insertAttempts {
			break
		}
	}
	if err != nil {
		return Issued{}, fmt.Errorf("store code: %w", err)
	}

	issued := Issued{Code: code, Subject: subject, Purpose: purpose, ExpiresAt: record.ExpiresAt}
	if err := m.bus.PublishSync(ctx, events.OTPIssued{
		BaseEvent: events.NewBaseEvent(),
		Subject:   subject,
		Purpose:   string(purpose),
		Channel:   purpose.Channel(),
		Code:      code,
		ExpiresAt: record.ExpiresAt,
	}); err != nil {
		m.log.Warn("otp delivery hand-off failed", "purpose", string(purpose), "error", err)
	}
	return issued, nil
}

// Resend issues a fresh code; throttling is the caller's job.
func (m *Manager) Resend(ctx context.Context, subject string, purpose Purpose) (Issued, error) {
	return m.Generate(ctx, subject, purpose)
}

// Verify reports true at most once per issued code. Wrong, used or
// superseded codes give ErrOTPInvalid and a lapsed code gives ErrOTPExpired.
func (m *Manager) Verify(ctx context.Context, subject string, purpose Purpose, code string) (bool, error) {
	if !purpose.Valid() {
		return false, ErrUnknownPurpose
	}
	subject, err := NormalizeSubject(purpose, subject)
	if err != nil {
		return false, ErrOTPInvalid
	}

	current, err := m.store.Open(ctx, subject, purpose)
	if errors.Is(err, db.ErrNotFound) {
		return false, ErrOTPInvalid
	}
	if err != nil {
		return false, fmt.Errorf("load code: %w", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(current.CodeHash), []byte(code)) != nil {
		return false, ErrOTPInvalid
	}
	if !current.ExpiresAt.After(m.now()) {
		return false, ErrOTPExpired
	}

	ok, err := m.store.Consume(ctx, current.ID)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, ErrOTPInvalid
	}
	m.log.Debug("otp verified", "purpose", string(purpose))
	return true, nil
}

// Purge deletes codes created before cutoff.
func (m *Manager) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	return m.store.DeleteCreatedBefore(ctx, cutoff)
}
