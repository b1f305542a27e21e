// Package jobs drives diagnosis requests through their lifecycle. Each
// delivery of a queue task runs at most one attempt: claim, call the
// orchestrator, then complete, schedule a retry, or fail. Attempt counts and
// retry times live on the diagnosis row so they survive restarts.
package jobs

import (
	"context"
	"fmt"
	"os"
	"time"

	"diagnostics_backend/internal/broadcast"
	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"

	"github.com/google/uuid"
)

// Store is the persistence the runner needs.
type Store interface {
	Claim(ctx context.Context, id uuid.UUID, worker string, lease time.Duration, maxAttempts int) (domain.Diagnosis, bool, error)
	ReleaseForRetry(ctx context.Context, id uuid.UUID, worker, errDetail string, delay time.Duration) (domain.Diagnosis, bool, error)
	Complete(ctx context.Context, id uuid.UUID, worker string, res domain.Result) (domain.Diagnosis, bool, error)
	Fail(ctx context.Context, id uuid.UUID, worker, errDetail string) (domain.Diagnosis, bool, error)
}

// Diagnoser produces a result for a symptom report.
type Diagnoser interface {
	Diagnose(ctx context.Context, symptoms string, vehicle *domain.Vehicle) (domain.Result, error)
}

// Enqueuer schedules a diagnosis attempt on the durable queue.
type Enqueuer interface {
	EnqueueDiagnosis(ctx context.Context, diagnosisID uuid.UUID, attempt int, delay time.Duration) error
}

// Publisher fans realtime events out to channels.
type Publisher interface {
	PublishMany(ctx context.Context, channels []string, event string, payload any)
}

// Options control retries and leases.
type Options struct {
	MaxAttempts int
	RetryDelay  time.Duration
	Lease       time.Duration
	WorkerID    string
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts < 1 {
		o.MaxAttempts = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.Lease <= 0 {
		o.Lease = 2 * time.Minute
	}
	if o.WorkerID == "" {
		host, _ := os.Hostname()
		o.WorkerID = fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
	}
	return o
}

// Runner processes diagnosis jobs.
type Runner struct {
	store     Store
	diagnoser Diagnoser
	queue     Enqueuer
	publisher Publisher
	bus       events.Bus
	opts      Options
	log       *logger.Logger
}

func NewRunner(store Store, diagnoser Diagnoser, queue Enqueuer, publisher Publisher, bus events.Bus, opts Options, log *logger.Logger) *Runner {
	return &Runner{
		store:     store,
		diagnoser: diagnoser,
		queue:     queue,
		publisher: publisher,
		bus:       bus,
		opts:      opts.withDefaults(),
		log:       log.WithComponent("diagnosis_jobs"),
	}
}

// Process runs one attempt. A lost claim is not an error. Only
// infrastructure failures are returned, which lets the queue redeliver.
func (r *Runner) Process(ctx context.Context, id uuid.UUID) error {
	ctx = context.WithValue(ctx, logger.DiagnosisIDKey, id.String())
	log := r.log.WithContext(ctx)

	d, ok, err := r.store.Claim(ctx, id, r.opts.WorkerID, r.opts.Lease, r.opts.MaxAttempts)
	if err != nil {
		return fmt.Errorf("claim diagnosis: %w", err)
	}
	if !ok {
		log.Debug("diagnosis not claimable, skipping")
		return nil
	}

	from := domain.StatusQueued
	if d.Attempts > 1 {
		from = domain.StatusProcessing
	}
	r.transitioned(ctx, d, from)

	res, diagErr := r.diagnoser.Diagnose(ctx, d.Symptoms, d.Vehicle)
	if diagErr != nil {
		return r.handleFailure(ctx, d, diagErr)
	}

	done, ok, err := r.store.Complete(ctx, id, r.opts.WorkerID, res)
	if err != nil {
		return fmt.Errorf("complete diagnosis: %w", err)
	}
	if !ok {
		log.Warn("diagnosis lease lost before completion, result discarded")
		return nil
	}
	r.transitioned(ctx, done, domain.StatusProcessing)

	if err := r.bus.PublishSync(ctx, events.DiagnosisCompleted{
		BaseEvent:   events.NewBaseEvent(),
		DiagnosisID: done.ID,
		OwnerID:     done.OwnerID,
		Degraded:    res.Degraded,
	}); err != nil {
		log.Error("diagnosis completion handlers failed", "error", err)
	}
	return nil
}

func (r *Runner) handleFailure(ctx context.Context, d domain.Diagnosis, cause error) error {
	log := r.log.WithContext(ctx)
	detail := cause.Error()

	if d.Attempts < r.opts.MaxAttempts {
		released, ok, err := r.store.ReleaseForRetry(ctx, d.ID, r.opts.WorkerID, detail, r.opts.RetryDelay)
		if err != nil {
			return fmt.Errorf("release diagnosis for retry: %w", err)
		}
		if !ok {
			return nil
		}
		log.Warn("diagnosis attempt failed, retry scheduled",
			"attempt", released.Attempts,
			"max_attempts", r.opts.MaxAttempts,
			"retry_in", r.opts.RetryDelay,
			"error", detail,
		)
		if err := r.queue.EnqueueDiagnosis(ctx, d.ID, released.Attempts+1, r.opts.RetryDelay); err != nil {
			log.Warn("retry enqueue failed, sweeper will pick it up", "error", err)
		}
		return nil
	}

	failed, ok, err := r.store.Fail(ctx, d.ID, r.opts.WorkerID, detail)
	if err != nil {
		return fmt.Errorf("fail diagnosis: %w", err)
	}
	if !ok {
		return nil
	}
	r.transitioned(ctx, failed, domain.StatusProcessing)
	r.publishFailed(ctx, failed)
	return nil
}

func (r *Runner) publishFailed(ctx context.Context, d domain.Diagnosis) {
	if err := r.bus.PublishSync(ctx, events.DiagnosisFailed{
		BaseEvent:   events.NewBaseEvent(),
		DiagnosisID: d.ID,
		OwnerID:     d.OwnerID,
		Error:       d.ErrorDetail,
	}); err != nil {
		r.log.WithContext(ctx).Error("diagnosis failure handlers failed", "error", err)
	}
}

// transitioned logs, counts and broadcasts the state d has just entered.
func (r *Runner) transitioned(ctx context.Context, d domain.Diagnosis, from domain.Status) {
	r.log.WithContext(ctx).DiagnosisTransition(d.ID.String(), string(from), string(d.Status), d.Attempts)
	metrics.ObserveTransition(string(d.Status))
	PublishStatus(ctx, r.publisher, d)
}

// PublishStatus sends the diagnosis snapshot to its owner and diagnosis channels.
func PublishStatus(ctx context.Context, p Publisher, d domain.Diagnosis) {
	p.PublishMany(ctx,
		[]string{broadcast.UserChannel(d.OwnerID), broadcast.DiagnosisChannel(d.ID)},
		broadcast.EventDiagnosisUpdated,
		d.Snapshot(),
	)
}
