package scheduler

import (
	"context"
	"time"

	"diagnostics_backend/internal/notification/outbox"
	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
)

const (
	outboxPollInterval = 2 * time.Second
	outboxClaimBatch   = 50
	outboxRequeueDelay = 10 * time.Second
)

// OutboxClaimer hands due outbox rows to the dispatcher.
type OutboxClaimer interface {
	ClaimPending(ctx context.Context, limit int) ([]outbox.Record, error)
	MarkPending(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error
}

// NotificationOutboxDispatcher moves claimed outbox rows onto the queue.
type NotificationOutboxDispatcher struct {
	client *Client
	repo   OutboxClaimer
	log    *logger.Logger
}

func NewNotificationOutboxDispatcher(client *Client, repo OutboxClaimer, log *logger.Logger) *NotificationOutboxDispatcher {
	return &NotificationOutboxDispatcher{
		client: client,
		repo:   repo,
		log:    log,
	}
}

func (d *NotificationOutboxDispatcher) Run(ctx context.Context) {
	if d == nil || d.client == nil || d.repo == nil {
		return
	}

	ticker := time.NewTicker(outboxPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		d.dispatch(ctx)
	}
}

func (d *NotificationOutboxDispatcher) dispatch(ctx context.Context) int {
	records, err := d.repo.ClaimPending(ctx, outboxClaimBatch)
	if err != nil {
		d.log.Warn("outbox claim failed", "error", err)
		return 0
	}

	sent := 0
	for _, rec := range records {
		task, err := NewNotificationOutboxDueTask(NotificationOutboxDuePayload{OutboxID: rec.ID.String()})
		if err == nil {
			err = d.client.enqueue(ctx, task,
				asynq.Queue(d.client.queue),
				asynq.TaskID("outbox:"+rec.ID.String()+":"+rec.RunAt.UTC().Format(time.RFC3339Nano)),
				asynq.MaxRetry(infraRetries),
			)
		}
		if err != nil {
			if markErr := d.repo.MarkPending(ctx, rec.ID, err.Error(), time.Now().UTC().Add(outboxRequeueDelay)); markErr != nil {
				d.log.Error("outbox requeue failed", "outboxId", rec.ID, "error", markErr)
			}
			continue
		}
		sent++
	}
	return sent
}
