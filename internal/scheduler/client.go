package scheduler

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/platform/config"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
)

// infraRetries bounds asynq-level retries for infrastructure errors (DB or
// Redis hiccups). Provider retries are counted on the diagnosis row instead.
const infraRetries = 5

// Client enqueues pipeline tasks.
type Client struct {
	client *asynq.Client
	queue  string
}

func NewClient(cfg config.QueueConfig) (*Client, error) {
	opt, err := redisClientOpt(cfg.GetRedisURL(), cfg.GetRedisTLSInsecure())
	if err != nil {
		return nil, err
	}

	return &Client{
		client: asynq.NewClient(opt),
		queue:  queueName(cfg),
	}, nil
}

func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

// EnqueueDiagnosis schedules attempt number attempt of a diagnosis job after
// delay. The task id is derived from (diagnosis, attempt) so a duplicate
// enqueue for the same attempt is dropped.
func (c *Client) EnqueueDiagnosis(ctx context.Context, diagnosisID uuid.UUID, attempt int, delay time.Duration) error {
	task, err := NewProcessDiagnosisTask(ProcessDiagnosisPayload{DiagnosisID: diagnosisID.String()})
	if err != nil {
		return err
	}

	opts := []asynq.Option{
		asynq.Queue(c.queue),
		asynq.TaskID(fmt.Sprintf("diagnosis:%s:%d", diagnosisID, attempt)),
		asynq.MaxRetry(infraRetries),
	}
	if delay > 0 {
		opts = append(opts, asynq.ProcessIn(delay))
	}
	return c.enqueue(ctx, task, opts...)
}

// EnqueueMatch schedules a matching pass for a completed diagnosis.
func (c *Client) EnqueueMatch(ctx context.Context, diagnosisID uuid.UUID) error {
	task, err := NewMatchLeadsTask(MatchLeadsPayload{DiagnosisID: diagnosisID.String()})
	if err != nil {
		return err
	}
	return c.enqueue(ctx, task,
		asynq.Queue(c.queue),
		asynq.TaskID("match:"+diagnosisID.String()),
		asynq.MaxRetry(infraRetries),
	)
}

func (c *Client) enqueue(ctx context.Context, task *asynq.Task, opts ...asynq.Option) error {
	if c == nil || c.client == nil {
		return nil
	}
	_, err := c.client.EnqueueContext(ctx, task, opts...)
	if errors.Is(err, asynq.ErrTaskIDConflict) || errors.Is(err, asynq.ErrDuplicateTask) {
		return nil
	}
	return err
}

// NewRedisClient opens a go-redis client with the same URL and TLS handling
// the queue uses. Used by the broadcaster and the matching lock.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opt.TLSConfig = tlsConfig(opt.TLSConfig, cfg.GetRedisTLSInsecure())
	return redis.NewClient(opt), nil
}

func queueName(cfg config.QueueConfig) string {
	if q := cfg.GetQueueName(); q != "" {
		return q
	}
	return "default"
}

func redisClientOpt(redisURL string, tlsInsecure bool) (asynq.RedisClientOpt, error) {
	if redisURL == "" {
		return asynq.RedisClientOpt{}, fmt.Errorf("redis url not configured")
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return asynq.RedisClientOpt{}, err
	}

	return asynq.RedisClientOpt{
		Addr:      opt.Addr,
		Password:  opt.Password,
		DB:        opt.DB,
		TLSConfig: tlsConfig(opt.TLSConfig, tlsInsecure),
	}, nil
}

func tlsConfig(base *tls.Config, insecure bool) *tls.Config {
	switch {
	case base != nil:
		clone := base.Clone()
		if insecure {
			clone.InsecureSkipVerify = true
		}
		return clone
	case insecure:
		return &tls.Config{InsecureSkipVerify: true}
	default:
		return nil
	}
}
