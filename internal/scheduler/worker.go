package scheduler

import (
	"context"
	"fmt"

	"diagnostics_backend/platform/config"
	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

// DiagnosisProcessor runs one attempt of a diagnosis job.
type DiagnosisProcessor interface {
	Process(ctx context.Context, diagnosisID uuid.UUID) error
}

// LeadMatcher runs a matching pass for a completed diagnosis.
type LeadMatcher interface {
	MatchForDiagnosis(ctx context.Context, diagnosisID uuid.UUID) error
}

// OutboxDeliverer sends one notification outbox record.
type OutboxDeliverer interface {
	Deliver(ctx context.Context, outboxID uuid.UUID) error
}

// Handlers wires task types to domain processors. Nil entries are skipped.
type Handlers struct {
	Diagnosis    DiagnosisProcessor
	Matching     LeadMatcher
	Notification OutboxDeliverer
}

type Worker struct {
	server   *asynq.Server
	mux      *asynq.ServeMux
	handlers Handlers
	log      *logger.Logger
}

func NewWorker(cfg config.QueueConfig, handlers Handlers, log *logger.Logger) (*Worker, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	concurrency := cfg.GetQueueConcurrency()
	if concurrency < 1 {
		concurrency = 10
	}

	server := asynq.NewServer(opt, asynq.Config{
		Concurrency: concurrency,
		Queues: map[string]int{
			queueName(cfg): 1,
		},
		Logger: asynqLogger{log: log.WithComponent("asynq")},
	})

	w := &Worker{
		server:   server,
		handlers: handlers,
		log:      log,
	}
	w.mux = w.newMux()
	return w, nil
}

func (w *Worker) newMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	if w.handlers.Diagnosis != nil {
		mux.HandleFunc(TaskProcessDiagnosis, w.handleProcessDiagnosis)
	}
	if w.handlers.Matching != nil {
		mux.HandleFunc(TaskMatchLeads, w.handleMatchLeads)
	}
	if w.handlers.Notification != nil {
		mux.HandleFunc(TaskNotificationOutboxDue, w.handleNotificationOutboxDue)
	}
	return mux
}

// Run blocks until ctx is cancelled, then waits for in-flight tasks.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.server.Start(w.mux); err != nil {
		w.log.Error("scheduler worker failed to start", "error", err)
		return err
	}
	<-ctx.Done()
	w.server.Shutdown()
	return nil
}

func (w *Worker) handleProcessDiagnosis(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseProcessDiagnosisPayload(task)
	if err != nil {
		return skip(err)
	}
	id, err := uuid.Parse(payload.DiagnosisID)
	if err != nil {
		return skip(err)
	}
	return w.handlers.Diagnosis.Process(ctx, id)
}

func (w *Worker) handleMatchLeads(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseMatchLeadsPayload(task)
	if err != nil {
		return skip(err)
	}
	id, err := uuid.Parse(payload.DiagnosisID)
	if err != nil {
		return skip(err)
	}
	return w.handlers.Matching.MatchForDiagnosis(ctx, id)
}

func (w *Worker) handleNotificationOutboxDue(ctx context.Context, task *asynq.Task) error {
	payload, err := ParseNotificationOutboxDuePayload(task)
	if err != nil {
		return skip(err)
	}
	id, err := uuid.Parse(payload.OutboxID)
	if err != nil {
		return skip(err)
	}
	return w.handlers.Notification.Deliver(ctx, id)
}

// skip marks a malformed payload as permanently failed.
func skip(err error) error {
	return &skipRetryError{err: err}
}

type skipRetryError struct{ err error }

func (e *skipRetryError) Error() string { return "malformed task payload: " + e.err.Error() }

func (e *skipRetryError) Unwrap() []error { return []error{e.err, asynq.SkipRetry} }

// asynqLogger routes asynq's internal logging through slog.
type asynqLogger struct {
	log *logger.Logger
}

func (l asynqLogger) Debug(args ...any) { l.log.Debug(sprint(args)) }
func (l asynqLogger) Info(args ...any)  { l.log.Info(sprint(args)) }
func (l asynqLogger) Warn(args ...any)  { l.log.Warn(sprint(args)) }
func (l asynqLogger) Error(args ...any) { l.log.Error(sprint(args)) }
func (l asynqLogger) Fatal(args ...any) { l.log.Error(sprint(args)) }

func sprint(args []any) string { return fmt.Sprint(args...) }
