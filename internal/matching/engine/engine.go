// Package engine distributes a completed diagnosis to eligible experts as
// leads. Each lead costs the expert one lead credit; experts without credit
// are skipped and the pass backfills from the rest of the ranked pool.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"diagnostics_backend/internal/broadcast"
	diagdomain "diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	defaultFanout = 3
	maxLeadList   = 100
)

var (
	// ErrDedupConflict means the expert already holds a lead for the diagnosis.
	ErrDedupConflict = apperr.Conflict("lead already issued to this expert")
	// ErrNotCompleted is returned for diagnoses that have no result yet.
	ErrNotCompleted = apperr.Conflict("diagnosis is not completed")
	// ErrMatchInProgress is returned when another pass holds the diagnosis lock.
	ErrMatchInProgress = apperr.Conflict("matching already in progress for this diagnosis")

	errNoCredit = errors.New("no lead credit")
)

// Store is the lead persistence the engine needs.
type Store interface {
	EligibleExperts(ctx context.Context, c domain.Criteria) ([]domain.Expert, error)
	InsertLead(ctx context.Context, l domain.Lead) (domain.Lead, bool, error)
	CountLeads(ctx context.Context, diagnosisID uuid.UUID) (int, error)
	GetLead(ctx context.Context, id uuid.UUID) (domain.Lead, error)
	ListLeadsForExpert(ctx context.Context, expertID uuid.UUID, limit int) ([]domain.Lead, error)
	UpdateLeadStatus(ctx context.Context, id uuid.UUID, from, to domain.LeadStatus) (domain.Lead, bool, error)
	ExpertByUserID(ctx context.Context, userID uuid.UUID) (domain.Expert, error)
}

// DiagnosisReader loads the diagnosis being matched and records a finished pass.
type DiagnosisReader interface {
	Get(ctx context.Context, id uuid.UUID) (diagdomain.Diagnosis, error)
	MarkMatched(ctx context.Context, id uuid.UUID) error
}

// Consumer takes entitlement units.
type Consumer interface {
	TryConsume(ctx context.Context, accountID uuid.UUID, kind entitlement.Kind, idempotencyKey string) (entitlement.Grant, error)
}

// TxRunner opens or joins a transaction carried in the context.
type TxRunner interface {
	RunInTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// Publisher fans realtime events out to channels.
type Publisher interface {
	PublishMany(ctx context.Context, channels []string, event string, payload any)
}

// Result reports one matching pass. Existing counts leads issued by
// earlier passes for the same diagnosis.
type Result struct {
	DiagnosisID        uuid.UUID     `json:"diagnosisId"`
	Leads              []domain.Lead `json:"leads"`
	Skipped            []uuid.UUID   `json:"skipped"`
	Existing           int           `json:"existing"`
	NoExpertsAvailable bool          `json:"noExpertsAvailable"`
}

// Engine runs matching passes.
type Engine struct {
	diagnoses DiagnosisReader
	store     Store
	ledger    Consumer
	tx        TxRunner
	locker    Locker
	publisher Publisher
	bus       events.Bus
	fanout    int
	log       *logger.Logger
}

type Deps struct {
	Diagnoses DiagnosisReader
	Store     Store
	Ledger    Consumer
	Tx        TxRunner
	Locker    Locker
	Publisher Publisher
	Bus       events.Bus
}

func New(deps Deps, fanout int, log *logger.Logger) *Engine {
	if fanout < 1 {
		fanout = defaultFanout
	}
	locker := deps.Locker
	if locker == nil {
		locker = NoopLocker{}
	}
	return &Engine{
		diagnoses: deps.Diagnoses,
		store:     deps.Store,
		ledger:    deps.Ledger,
		tx:        deps.Tx,
		locker:    locker,
		publisher: deps.Publisher,
		bus:       deps.Bus,
		fanout:    fanout,
		log:       log.WithComponent("matching"),
	}
}

// MatchLeads issues up to the fan-out count of leads for a completed
// diagnosis. Passes for the same diagnosis are serialized and a rerun only
// tops up to the fan-out count; the (diagnosis, expert) unique key is what
// finally guarantees one lead per expert.
func (e *Engine) MatchLeads(ctx context.Context, diagnosisID uuid.UUID) (Result, error) {
	ctx = context.WithValue(ctx, logger.DiagnosisIDKey, diagnosisID.String())
	log := e.log.WithContext(ctx)

	d, err := e.diagnoses.Get(ctx, diagnosisID)
	if errors.Is(err, db.ErrNotFound) {
		return Result{}, apperr.NotFound("diagnosis not found")
	}
	if err != nil {
		return Result{}, fmt.Errorf("load diagnosis: %w", err)
	}
	if d.Status != diagdomain.StatusCompleted {
		return Result{}, ErrNotCompleted
	}

	release, err := e.locker.Acquire(ctx, lockKey(diagnosisID))
	if errors.Is(err, ErrLockHeld) {
		return Result{}, ErrMatchInProgress
	}
	if err != nil {
		return Result{}, fmt.Errorf("acquire matching lock: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			log.Warn("matching lock release failed", "error", err)
		}
	}()

	res := Result{DiagnosisID: diagnosisID, Leads: []domain.Lead{}, Skipped: []uuid.UUID{}}
	res.Existing, err = e.store.CountLeads(ctx, diagnosisID)
	if err != nil {
		return Result{}, fmt.Errorf("count leads: %w", err)
	}
	if res.Existing >= e.fanout {
		log.Debug("diagnosis already fully matched", "existing", res.Existing)
		return res, e.markMatched(ctx, diagnosisID)
	}

	criteria := domain.Criteria{
		DiagnosisID: diagnosisID,
		Region:      d.Location.Region,
		Origin:      domain.Origin{Latitude: d.Location.Latitude, Longitude: d.Location.Longitude},
	}
	if d.Vehicle != nil {
		criteria.Make = d.Vehicle.Make
	}
	pool, err := e.store.EligibleExperts(ctx, criteria)
	if err != nil {
		return Result{}, fmt.Errorf("load eligible experts: %w", err)
	}
	ranked := domain.Rank(pool, criteria.Origin)

	var passErr error
	for _, expert := range ranked {
		if res.Existing+len(res.Leads) >= e.fanout {
			break
		}
		lead, err := e.assign(ctx, d.ID, expert, res.Existing+len(res.Leads)+1)
		switch {
		case err == nil:
			res.Leads = append(res.Leads, lead)
			e.leadCreated(ctx, d, expert, lead)
		case errors.Is(err, errNoCredit):
			res.Skipped = append(res.Skipped, expert.ID)
		case errors.Is(err, ErrDedupConflict):
			log.Debug("lead already issued, skipping", "expert_id", expert.ID.String())
		default:
			passErr = fmt.Errorf("assign lead to expert %s: %w", expert.ID, err)
		}
		if passErr != nil {
			break
		}
	}

	total := res.Existing + len(res.Leads)
	res.NoExpertsAvailable = total == 0
	channels := []string{broadcast.UserChannel(d.OwnerID), broadcast.DiagnosisChannel(d.ID)}
	switch {
	case len(res.Leads) > 0:
		e.publisher.PublishMany(ctx, channels, broadcast.EventLeadsMatched, map[string]any{
			"diagnosisId": d.ID,
			"count":       total,
		})
	case res.NoExpertsAvailable && passErr == nil:
		e.publisher.PublishMany(ctx, channels, broadcast.EventNoExpertsAvailable, map[string]any{
			"diagnosisId": d.ID,
		})
	}

	log.Info("matching pass finished",
		slog.Int("created", len(res.Leads)),
		slog.Int("skipped", len(res.Skipped)),
		slog.Int("existing", res.Existing),
		slog.Int("pool", len(pool)),
	)
	if passErr != nil {
		return res, passErr
	}
	return res, e.markMatched(ctx, diagnosisID)
}

// markMatched stops the sweeper from re-enqueueing a diagnosis whose pass finished.
func (e *Engine) markMatched(ctx context.Context, diagnosisID uuid.UUID) error {
	if err := e.diagnoses.MarkMatched(ctx, diagnosisID); err != nil {
		return fmt.Errorf("mark diagnosis matched: %w", err)
	}
	return nil
}

// assign consumes a lead credit and stores the lead in one transaction.
// A duplicate insert rolls the consume back.
func (e *Engine) assign(ctx context.Context, diagnosisID uuid.UUID, expert domain.Expert, rank int) (domain.Lead, error) {
	var lead domain.Lead
	err := e.tx.RunInTx(ctx, func(ctx context.Context) error {
		grant, err := e.ledger.TryConsume(ctx, expert.UserID, entitlement.KindLead, leadKey(diagnosisID, expert.ID))
		if err != nil {
			return err
		}
		if !grant.Granted {
			return errNoCredit
		}

		created, inserted, err := e.store.InsertLead(ctx, domain.Lead{
			DiagnosisID: diagnosisID,
			ExpertID:    expert.ID,
			IsFreeLead:  grant.Source == entitlement.SourceFree,
			Rank:        rank,
		})
		if err != nil {
			return err
		}
		if !inserted {
			return ErrDedupConflict
		}
		lead = created
		return nil
	})
	return lead, err
}

func (e *Engine) leadCreated(ctx context.Context, d diagdomain.Diagnosis, expert domain.Expert, lead domain.Lead) {
	source := string(entitlement.SourcePaid)
	if lead.IsFreeLead {
		source = string(entitlement.SourceFree)
	}
	metrics.ObserveLeadCreated(source)

	var summary, urgency string
	if d.Result != nil {
		summary = d.Result.Summary
		urgency = string(d.Result.UrgencyLevel)
	}
	e.publisher.PublishMany(ctx, []string{broadcast.ExpertChannel(expert.ID)}, broadcast.EventLeadCreated, LeadSnapshot{
		Lead:         lead,
		Summary:      summary,
		UrgencyLevel: urgency,
		Vehicle:      d.Vehicle.Label(),
		Region:       d.Location.Region,
	})

	e.bus.Publish(ctx, events.LeadCreated{
		BaseEvent:    events.NewBaseEvent(),
		LeadID:       lead.ID,
		DiagnosisID:  d.ID,
		ExpertID:     expert.ID,
		ExpertName:   expert.DisplayName,
		ExpertEmail:  expert.Email,
		ExpertPhone:  expert.Phone,
		IsFreeLead:   lead.IsFreeLead,
		Summary:      summary,
		UrgencyLevel: urgency,
		VehicleLabel: d.Vehicle.Label(),
	})
}

// LeadSnapshot is the realtime payload sent to an expert for a new lead.
type LeadSnapshot struct {
	domain.Lead
	Summary      string `json:"summary,omitempty"`
	UrgencyLevel string `json:"urgencyLevel,omitempty"`
	Vehicle      string `json:"vehicle,omitempty"`
	Region       string `json:"region,omitempty"`
}

// MatchForDiagnosis runs a pass from the job queue. Diagnoses that vanished
// or never completed are dropped; a held lock is returned so the queue
// retries later.
func (e *Engine) MatchForDiagnosis(ctx context.Context, diagnosisID uuid.UUID) error {
	_, err := e.MatchLeads(ctx, diagnosisID)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotCompleted), apperr.Is(err, apperr.KindNotFound):
		e.log.WithContext(ctx).Warn("matching skipped", "diagnosis_id", diagnosisID.String(), "reason", err.Error())
		return nil
	default:
		return err
	}
}

// UpdateLeadStatus moves one of the caller's leads forward.
func (e *Engine) UpdateLeadStatus(ctx context.Context, userID, leadID uuid.UUID, next domain.LeadStatus) (domain.Lead, error) {
	if !next.Valid() {
		return domain.Lead{}, apperr.Validation("unknown lead status")
	}
	expert, err := e.expertFor(ctx, userID)
	if err != nil {
		return domain.Lead{}, err
	}

	lead, err := e.store.GetLead(ctx, leadID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && lead.ExpertID != expert.ID) {
		return domain.Lead{}, apperr.NotFound("lead not found")
	}
	if err != nil {
		return domain.Lead{}, fmt.Errorf("load lead: %w", err)
	}
	if !lead.Status.CanTransition(next) {
		return domain.Lead{}, apperr.Conflict(fmt.Sprintf("lead cannot move from %s to %s", lead.Status, next))
	}

	updated, ok, err := e.store.UpdateLeadStatus(ctx, leadID, lead.Status, next)
	if err != nil {
		return domain.Lead{}, fmt.Errorf("update lead status: %w", err)
	}
	if !ok {
		return domain.Lead{}, apperr.Conflict("lead was updated concurrently")
	}

	e.publisher.PublishMany(ctx,
		[]string{broadcast.ExpertChannel(expert.ID), broadcast.DiagnosisChannel(updated.DiagnosisID)},
		broadcast.EventLeadUpdated,
		updated,
	)
	return updated, nil
}

// ListLeads returns the caller's most recent leads.
func (e *Engine) ListLeads(ctx context.Context, userID uuid.UUID, limit int) ([]domain.Lead, error) {
	expert, err := e.expertFor(ctx, userID)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > maxLeadList {
		limit = maxLeadList
	}
	return e.store.ListLeadsForExpert(ctx, expert.ID, limit)
}

// OwnsExpert reports whether userID is the account behind expertID.
func (e *Engine) OwnsExpert(ctx context.Context, userID, expertID uuid.UUID) (bool, error) {
	expert, err := e.store.ExpertByUserID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return expert.ID == expertID, nil
}

// IsLeadParticipant reports whether userID is the lead's expert or the owner
// of the diagnosis it was issued for. Unknown leads report false.
func (e *Engine) IsLeadParticipant(ctx context.Context, userID, leadID uuid.UUID) (bool, error) {
	lead, err := e.store.GetLead(ctx, leadID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load lead: %w", err)
	}

	expert, err := e.store.ExpertByUserID(ctx, userID)
	switch {
	case err == nil && expert.ID == lead.ExpertID:
		return true, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		return false, fmt.Errorf("load expert: %w", err)
	}

	d, err := e.diagnoses.Get(ctx, lead.DiagnosisID)
	if errors.Is(err, db.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load diagnosis: %w", err)
	}
	return d.OwnerID == userID, nil
}

func (e *Engine) expertFor(ctx context.Context, userID uuid.UUID) (domain.Expert, error) {
	expert, err := e.store.ExpertByUserID(ctx, userID)
	if errors.Is(err, db.ErrNotFound) {
		return domain.Expert{}, apperr.Forbidden("caller has no expert profile")
	}
	if err != nil {
		return domain.Expert{}, fmt.Errorf("load expert: %w", err)
	}
	return expert, nil
}

func leadKey(diagnosisID, expertID uuid.UUID) string {
	return "lead:" + diagnosisID.String() + ":" + expertID.String()
}

func lockKey(diagnosisID uuid.UUID) string {
	return "lock:matching:" + diagnosisID.String()
}
