// Package service holds the diagnosis use cases exposed to the HTTP layer.
package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/diagnosis/jobs"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"
	"diagnostics_backend/platform/sanitize"

	"github.com/google/uuid"
)

const (
	minSymptomsChars = 10
	maxSymptomsChars = 4000
	maxListLimit     = 50
)

// Store is the diagnosis persistence used by the service.
type Store interface {
	Create(ctx context.Context, d domain.Diagnosis) (domain.Diagnosis, error)
	Get(ctx context.Context, id uuid.UUID) (domain.Diagnosis, error)
	GetByToken(ctx context.Context, token string) (domain.Diagnosis, error)
	ListByOwner(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Diagnosis, error)
}

// Consumer takes entitlement units.
type Consumer interface {
	TryConsume(ctx context.Context, accountID uuid.UUID, kind entitlement.Kind, idempotencyKey string) (entitlement.Grant, error)
}

// TxRunner opens or joins a transaction carried in the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Service implements submit and status reads.
type Service struct {
	store     Store
	ledger    Consumer
	tx        TxRunner
	queue     jobs.Enqueuer
	publisher jobs.Publisher
	bus       events.Bus
	log       *logger.Logger
}

func New(store Store, ledger Consumer, tx TxRunner, queue jobs.Enqueuer, publisher jobs.Publisher, bus events.Bus, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		ledger:    ledger,
		tx:        tx,
		queue:     queue,
		publisher: publisher,
		bus:       bus,
		log:       log,
	}
}

// SubmitParams is a new symptom report.
type SubmitParams struct {
	OwnerID  uuid.UUID
	Symptoms string
	Vehicle  *domain.Vehicle
	Location domain.Location
}

// Submission is returned to the caller right after submit.
type Submission struct {
	ID          uuid.UUID     `json:"id"`
	PublicToken string        `json:"publicToken"`
	Status      domain.Status `json:"status"`
	IsFree      bool          `json:"isFree"`
}

// Submit consumes one diagnosis credit and stores the request in the same
// transaction, then queues the job. An exhausted account gets a 402 and no
// row is written. The credit is keyed by the new diagnosis id.
func (s *Service) Submit(ctx context.Context, p SubmitParams) (Submission, error) {
	symptoms := sanitize.Truncate(sanitize.Text(p.Symptoms), maxSymptomsChars)
	if len([]rune(symptoms)) < minSymptomsChars {
		return Submission{}, apperr.Validation(fmt.Sprintf("symptoms must be at least %d characters", minSymptomsChars))
	}

	token, err := newPublicToken()
	if err != nil {
		return Submission{}, fmt.Errorf("generate public token: %w", err)
	}

	d := domain.Diagnosis{
		ID:          uuid.New(),
		PublicToken: token,
		OwnerID:     p.OwnerID,
		Symptoms:    symptoms,
		Vehicle:     cleanVehicle(p.Vehicle),
		Location:    domain.Location{Region: sanitize.Text(p.Location.Region), Latitude: p.Location.Latitude, Longitude: p.Location.Longitude},
	}

	var created domain.Diagnosis
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		grant, err := s.ledger.TryConsume(ctx, p.OwnerID, entitlement.KindDiagnosis, "diagnosis:"+d.ID.String())
		if err != nil {
			return err
		}
		if !grant.Granted {
			return entitlement.Exhausted(entitlement.KindDiagnosis)
		}
		d.IsFree = grant.Source == entitlement.SourceFree

		created, err = s.store.Create(ctx, d)
		return err
	})
	if err != nil {
		return Submission{}, err
	}

	ctx = context.WithValue(ctx, logger.DiagnosisIDKey, created.ID.String())
	log := s.log.WithContext(ctx)
	log.Info("diagnosis submitted", slog.Bool("is_free", created.IsFree))
	metrics.ObserveTransition(string(created.Status))

	if err := s.queue.EnqueueDiagnosis(ctx, created.ID, 1, 0); err != nil {
		log.Warn("diagnosis enqueue failed, sweeper will pick it up", "error", err)
	}
	jobs.PublishStatus(ctx, s.publisher, created)
	s.bus.Publish(ctx, events.DiagnosisSubmitted{
		BaseEvent:   events.NewBaseEvent(),
		DiagnosisID: created.ID,
		OwnerID:     created.OwnerID,
		IsFree:      created.IsFree,
	})

	return Submission{
		ID:          created.ID,
		PublicToken: created.PublicToken,
		Status:      created.Status,
		IsFree:      created.IsFree,
	}, nil
}

// Get returns a diagnosis to its owner or an admin. Anyone else gets 404.
func (s *Service) Get(ctx context.Context, callerID uuid.UUID, isAdmin bool, id uuid.UUID) (domain.Diagnosis, error) {
	d, err := s.store.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return domain.Diagnosis{}, apperr.NotFound("diagnosis not found")
	}
	if err != nil {
		return domain.Diagnosis{}, err
	}
	if d.OwnerID != callerID && !isAdmin {
		return domain.Diagnosis{}, apperr.NotFound("diagnosis not found")
	}
	return d, nil
}

// PublicView is the unauthenticated status page behind a public token.
type PublicView struct {
	Status      domain.Status  `json:"status"`
	Vehicle     string         `json:"vehicle,omitempty"`
	Result      *domain.Result `json:"result,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
}

// GetPublic resolves a public token. Raw model output is never exposed.
func (s *Service) GetPublic(ctx context.Context, token string) (PublicView, error) {
	d, err := s.store.GetByToken(ctx, token)
	if errors.Is(err, db.ErrNotFound) {
		return PublicView{}, apperr.NotFound("diagnosis not found")
	}
	if err != nil {
		return PublicView{}, err
	}

	view := PublicView{
		Status:      d.Status,
		Vehicle:     d.Vehicle.Label(),
		CreatedAt:   d.CreatedAt,
		CompletedAt: d.CompletedAt,
	}
	if snap := d.Snapshot(); snap.Result != nil {
		snap.Result.RawResponse = ""
		view.Result = snap.Result
	}
	return view, nil
}

// List returns the caller's recent diagnoses.
func (s *Service) List(ctx context.Context, ownerID uuid.UUID, limit int) ([]domain.Diagnosis, error) {
	if limit < 1 || limit > maxListLimit {
		limit = maxListLimit
	}
	return s.store.ListByOwner(ctx, ownerID, limit)
}

// Requeue puts a stuck, non-terminal diagnosis back on the queue.
func (s *Service) Requeue(ctx context.Context, id uuid.UUID) (domain.Diagnosis, error) {
	d, err := s.Get(ctx, uuid.Nil, true, id)
	if err != nil {
		return domain.Diagnosis{}, err
	}
	if d.Status.Terminal() {
		return domain.Diagnosis{}, apperr.Conflict("diagnosis already " + string(d.Status))
	}
	if err := s.queue.EnqueueDiagnosis(ctx, d.ID, d.Attempts+1, 0); err != nil {
		return domain.Diagnosis{}, fmt.Errorf("enqueue diagnosis: %w", err)
	}
	s.log.Info("diagnosis requeued", "diagnosis_id", d.ID, "attempts", d.Attempts)
	return d, nil
}

// OwnsDiagnosis reports whether userID submitted diagnosisID.
func (s *Service) OwnsDiagnosis(ctx context.Context, userID, diagnosisID uuid.UUID) (bool, error) {
	d, err := s.store.Get(ctx, diagnosisID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return d.OwnerID == userID, nil
}

func cleanVehicle(v *domain.Vehicle) *domain.Vehicle {
	if v == nil {
		return nil
	}
	out := &domain.Vehicle{
		Make:     sanitize.Text(v.Make),
		Model:    sanitize.Text(v.Model),
		Year:     v.Year,
		Mileage:  v.Mileage,
		FuelType: sanitize.Text(v.FuelType),
	}
	if out.Make == "" && out.Model == "" && out.Year == nil && out.Mileage == nil && out.FuelType == "" {
		return nil
	}
	return out
}

func newPublicToken() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
