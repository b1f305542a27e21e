package jobs

import (
	"context"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	defaultSweepInterval = 30 * time.Second
	queuedGrace          = time.Minute
	sweepBatch           = 50
)

// SweepStore lists work the queue may have lost.
type SweepStore interface {
	ListClaimable(ctx context.Context, grace time.Duration, maxAttempts int, limit int) ([]domain.Claimable, error)
	FailAbandoned(ctx context.Context, maxAttempts int, limit int) ([]domain.Diagnosis, error)
	ListUnmatched(ctx context.Context, grace time.Duration, limit int) ([]uuid.UUID, error)
}

// SweepQueue re-enqueues both diagnosis and matching work.
type SweepQueue interface {
	Enqueuer
	EnqueueMatch(ctx context.Context, diagnosisID uuid.UUID) error
}

// Sweeper periodically re-enqueues claimable diagnoses so a dropped queue
// task never strands a job, fails rows whose last attempt lost its worker,
// and re-enqueues matching for completed diagnoses no pass has finished for.
type Sweeper struct {
	store       SweepStore
	queue       SweepQueue
	publisher   Publisher
	bus         events.Bus
	maxAttempts int
	interval    time.Duration
	log         *logger.Logger
}

func NewSweeper(store SweepStore, queue SweepQueue, publisher Publisher, bus events.Bus, maxAttempts int, interval time.Duration, log *logger.Logger) *Sweeper {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	if maxAttempts < 1 {
		maxAttempts = 3
	}
	return &Sweeper{
		store:       store,
		queue:       queue,
		publisher:   publisher,
		bus:         bus,
		maxAttempts: maxAttempts,
		interval:    interval,
		log:         log.WithComponent("diagnosis_sweeper"),
	}
}

func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		s.Sweep(ctx)
	}
}

// Sweep performs one pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	abandoned, err := s.store.FailAbandoned(ctx, s.maxAttempts, sweepBatch)
	if err != nil {
		s.log.Warn("abandoned diagnosis sweep failed", "error", err)
	}
	for _, d := range abandoned {
		dctx := context.WithValue(ctx, logger.DiagnosisIDKey, d.ID.String())
		s.log.WithContext(dctx).DiagnosisTransition(d.ID.String(), string(domain.StatusProcessing), string(d.Status), d.Attempts)
		metrics.ObserveTransition(string(d.Status))
		PublishStatus(dctx, s.publisher, d)
		if err := s.bus.PublishSync(dctx, events.DiagnosisFailed{
			BaseEvent:   events.NewBaseEvent(),
			DiagnosisID: d.ID,
			OwnerID:     d.OwnerID,
			Error:       d.ErrorDetail,
		}); err != nil {
			s.log.Error("diagnosis failure handlers failed", "error", err)
		}
	}

	s.sweepUnmatched(ctx)

	pending, err := s.store.ListClaimable(ctx, queuedGrace, s.maxAttempts, sweepBatch)
	if err != nil {
		s.log.Warn("claimable diagnosis sweep failed", "error", err)
		return
	}
	for _, c := range pending {
		if err := s.queue.EnqueueDiagnosis(ctx, c.ID, c.Attempts+1, 0); err != nil {
			s.log.Warn("diagnosis re-enqueue failed", "diagnosis_id", c.ID, "error", err)
		}
	}
	if len(pending) > 0 {
		s.log.Info("re-enqueued claimable diagnoses", "count", len(pending))
	}
}

func (s *Sweeper) sweepUnmatched(ctx context.Context) {
	unmatched, err := s.store.ListUnmatched(ctx, queuedGrace, sweepBatch)
	if err != nil {
		s.log.Warn("unmatched diagnosis sweep failed", "error", err)
		return
	}
	for _, id := range unmatched {
		if err := s.queue.EnqueueMatch(ctx, id); err != nil {
			s.log.Warn("match re-enqueue failed", "diagnosis_id", id, "error", err)
		}
	}
	if len(unmatched) > 0 {
		s.log.Info("re-enqueued matching for completed diagnoses", "count", len(unmatched))
	}
}
