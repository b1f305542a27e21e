package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"diagnostics_backend/platform/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"
)

const redisChannelPrefix = "rt:"

// RedisTransport publishes envelopes on Redis pub/sub so every API instance
// can deliver them to its own subscribers.
type RedisTransport struct {
	client redis.UniversalClient
}

func NewRedisTransport(client redis.UniversalClient) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Send(ctx context.Context, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := t.client.Publish(ctx, redisChannelPrefix+env.Channel, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

// RedisRelay consumes the Redis feed and forwards envelopes to a local sink,
// normally the Hub. It reconnects with exponential backoff.
type RedisRelay struct {
	client redis.UniversalClient
	sink   Transport
	log    *logger.Logger

	maxInterval time.Duration
}

func NewRedisRelay(client redis.UniversalClient, sink Transport, log *logger.Logger) *RedisRelay {
	return &RedisRelay{
		client:      client,
		sink:        sink,
		log:         log.WithComponent("realtime_relay"),
		maxInterval: 30 * time.Second,
	}
}

// Run blocks until ctx is cancelled.
func (r *RedisRelay) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxInterval = r.maxInterval
	bo.MaxElapsedTime = 0

	op := func() error {
		err := r.consume(ctx, bo.Reset)
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("realtime relay disconnected, retrying", "error", err, "retry_in", wait)
	}

	err := backoff.RetryNotify(op, backoff.WithContext(bo, ctx), notify)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *RedisRelay) consume(ctx context.Context, connected func()) error {
	ps := r.client.PSubscribe(ctx, redisChannelPrefix+"*")
	defer ps.Close()

	if _, err := ps.Receive(ctx); err != nil {
		return fmt.Errorf("psubscribe: %w", err)
	}
	connected()
	r.log.Info("realtime relay subscribed")

	messages := ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-messages:
			if !ok {
				return errors.New("redis subscription closed")
			}
			var env Envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				r.log.Warn("dropping malformed realtime envelope", "channel", msg.Channel, "error", err)
				continue
			}
			if err := r.sink.Send(ctx, env); err != nil {
				r.log.Warn("realtime sink failed", "channel", env.Channel, "error", err)
			}
		}
	}
}
