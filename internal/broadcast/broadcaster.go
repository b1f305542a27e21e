// Package broadcast fans pipeline events out to realtime subscribers.
//
// Publish takes a JSON snapshot of the payload at call time and hands the
// envelope to a sharded set of FIFO workers. A channel always hashes to the
// same shard, so events on one channel keep publish order while different
// channels proceed independently. Delivery is best-effort: subscribers that
// are offline miss the event.
package broadcast

import (
	"context"
	"encoding/json"
	"hash/fnv"
	"sync"
	"time"

	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"
)

const (
	defaultShards = 8
	shardBuffer   = 256
	sendTimeout   = 5 * time.Second
)

// Envelope is what a transport delivers.
type Envelope struct {
	Channel   string          `json:"channel"`
	Event     string          `json:"event"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emittedAt"`
}

// Transport delivers envelopes to subscribers.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// Broadcaster publishes events through a Transport.
type Broadcaster struct {
	transport Transport
	log       *logger.Logger

	mu     sync.RWMutex
	closed bool
	shards []chan Envelope
	wg     sync.WaitGroup
}

// New starts a broadcaster with the given number of shard workers.
func New(transport Transport, shards int, log *logger.Logger) *Broadcaster {
	if shards < 1 {
		shards = defaultShards
	}
	b := &Broadcaster{
		transport: transport,
		log:       log.WithComponent("broadcast"),
		shards:    make([]chan Envelope, shards),
	}
	for i := range b.shards {
		b.shards[i] = make(chan Envelope, shardBuffer)
		b.wg.Add(1)
		go b.run(b.shards[i])
	}
	return b
}

// Publish sends one event on one channel.
func (b *Broadcaster) Publish(ctx context.Context, channel, event string, payload any) {
	b.PublishMany(ctx, []string{channel}, event, payload)
}

// PublishMany sends the same snapshot to every channel.
func (b *Broadcaster) PublishMany(ctx context.Context, channels []string, event string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.WithContext(ctx).Error("broadcast payload not serializable", "event", event, "error", err)
		return
	}
	now := time.Now().UTC()

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for _, ch := range channels {
		env := Envelope{Channel: ch, Event: event, Payload: data, EmittedAt: now}
		select {
		case b.shards[shardFor(ch, len(b.shards))] <- env:
		default:
			metrics.ObserveBroadcast("dropped")
			b.log.Warn("broadcast shard full, event dropped", "channel", ch, "event", event)
		}
	}
}

// Close stops accepting events and waits for queued ones to be sent.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, s := range b.shards {
		close(s)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

func (b *Broadcaster) run(queue <-chan Envelope) {
	defer b.wg.Done()
	for env := range queue {
		ctx, cancel := context.WithTimeout(context.Background(), sendTimeout)
		err := b.transport.Send(ctx, env)
		cancel()
		if err != nil {
			metrics.ObserveBroadcast("failed")
			b.log.Warn("broadcast send failed", "channel", env.Channel, "event", env.Event, "error", err)
			continue
		}
		metrics.ObserveBroadcast("sent")
	}
}

func shardFor(channel string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(channel))
	return int(h.Sum32() % uint32(n))
}
