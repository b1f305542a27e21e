package jobs

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"diagnostics_backend/internal/broadcast"
	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/diagnosis/repository"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/ai"
	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	channels []string
	event    string
	snapshot domain.Snapshot
}

type recordingPublisher struct {
	mu   sync.Mutex
	seen []published
}

func (p *recordingPublisher) PublishMany(_ context.Context, channels []string, event string, payload any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snap, _ := payload.(domain.Snapshot)
	p.seen = append(p.seen, published{channels: channels, event: event, snapshot: snap})
}

func (p *recordingPublisher) statuses() []domain.Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.Status, 0, len(p.seen))
	for _, s := range p.seen {
		out = append(out, s.snapshot.Status)
	}
	return out
}

type enqueued struct {
	id      uuid.UUID
	attempt int
	delay   time.Duration
}

type fakeQueue struct {
	mu      sync.Mutex
	tasks   []enqueued
	matches []uuid.UUID
}

func (q *fakeQueue) EnqueueMatch(_ context.Context, id uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.matches = append(q.matches, id)
	return nil
}

func (q *fakeQueue) EnqueueDiagnosis(_ context.Context, id uuid.UUID, attempt int, delay time.Duration) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks = append(q.tasks, enqueued{id, attempt, delay})
	return nil
}

type scriptedDiagnoser struct {
	calls   atomic.Int32
	errs    []error
	result  domain.Result
	started chan struct{}
	release chan struct{}
}

func (s *scriptedDiagnoser) Diagnose(_ context.Context, _ string, _ *domain.Vehicle) (domain.Result, error) {
	n := int(s.calls.Add(1)) - 1
	if s.started != nil {
		s.started <- struct{}{}
		<-s.release
	}
	if n < len(s.errs) && s.errs[n] != nil {
		return domain.Result{}, s.errs[n]
	}
	return s.result, nil
}

type harness struct {
	store     *repository.Memory
	queue     *fakeQueue
	publisher *recordingPublisher
	bus       *events.InMemoryBus
	clock     time.Time
	completed []events.DiagnosisCompleted
	failed    []events.DiagnosisFailed
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:     repository.NewMemory(),
		queue:     &fakeQueue{},
		publisher: &recordingPublisher{},
		bus:       events.NewInMemoryBus(logger.Discard()),
		clock:     time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.store.SetClock(func() time.Time { return h.clock })
	h.bus.Subscribe(events.DiagnosisCompleted{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		h.completed = append(h.completed, e.(events.DiagnosisCompleted))
		return nil
	}))
	h.bus.Subscribe(events.DiagnosisFailed{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		h.failed = append(h.failed, e.(events.DiagnosisFailed))
		return nil
	}))
	return h
}

func (h *harness) runner(d Diagnoser, worker string) *Runner {
	return NewRunner(h.store, d, h.queue, h.publisher, h.bus, Options{
		MaxAttempts: 3,
		RetryDelay:  30 * time.Second,
		Lease:       2 * time.Minute,
		WorkerID:    worker,
	}, logger.Discard())
}

func (h *harness) seed(t *testing.T) domain.Diagnosis {
	t.Helper()
	d, err := h.store.Create(context.Background(), domain.Diagnosis{
		ID:          uuid.New(),
		PublicToken: uuid.NewString(),
		OwnerID:     uuid.New(),
		Symptoms:    "rattling at idle",
		IsFree:      true,
	})
	require.NoError(t, err)
	return d
}

func TestProcessCompletes(t *testing.T) {
	h := newHarness(t)
	d := h.seed(t)
	diag := &scriptedDiagnoser{result: domain.Result{Summary: "Loose heat shield", UrgencyLevel: domain.UrgencyLow, ConfidenceScore: 0.7}}

	require.NoError(t, h.runner(diag, "w1").Process(context.Background(), d.ID))

	got, err := h.store.Get(context.Background(), d.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, "Loose heat shield", got.Result.Summary)
	assert.Equal(t, []domain.Status{domain.StatusProcessing, domain.StatusCompleted}, h.publisher.statuses())

	last := h.publisher.seen[len(h.publisher.seen)-1]
	assert.Equal(t, broadcast.EventDiagnosisUpdated, last.event)
	assert.Equal(t, []string{broadcast.UserChannel(d.OwnerID), broadcast.DiagnosisChannel(d.ID)}, last.channels)

	require.Len(t, h.completed, 1)
	assert.Equal(t, d.ID, h.completed[0].DiagnosisID)
}

func TestProcessRetriesThenFailsWithLastError(t *testing.T) {
	h := newHarness(t)
	d := h.seed(t)
	diag := &scriptedDiagnoser{errs: []error{
		&ai.ProviderError{Provider: "fake", StatusCode: 502, Err: errors.New("bad gateway")},
		&ai.ProviderError{Provider: "fake", Timeout: true, Err: context.DeadlineExceeded},
		&ai.ProviderError{Provider: "fake", StatusCode: 503, Err: errors.New("overloaded")},
	}}
	r := h.runner(diag, "w1")
	ctx := context.Background()

	require.NoError(t, r.Process(ctx, d.ID))
	got, _ := h.store.Get(ctx, d.ID)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, 1, got.Attempts)
	require.Len(t, h.queue.tasks, 1)
	assert.Equal(t, enqueued{d.ID, 2, 30 * time.Second}, h.queue.tasks[0])

	// Redelivery before the retry time claims nothing.
	require.NoError(t, r.Process(ctx, d.ID))
	assert.EqualValues(t, 1, diag.calls.Load())

	h.clock = h.clock.Add(31 * time.Second)
	require.NoError(t, r.Process(ctx, d.ID))
	h.clock = h.clock.Add(31 * time.Second)
	require.NoError(t, r.Process(ctx, d.ID))

	got, _ = h.store.Get(ctx, d.ID)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "fake: status 503: overloaded", got.ErrorDetail)
	assert.EqualValues(t, 3, diag.calls.Load())

	require.Len(t, h.failed, 1)
	assert.Equal(t, got.ErrorDetail, h.failed[0].Error)

	statuses := h.publisher.statuses()
	assert.Equal(t, domain.StatusFailed, statuses[len(statuses)-1])
	assertMonotonic(t, statuses)

	// A further delivery after the terminal write changes nothing.
	h.clock = h.clock.Add(time.Hour)
	require.NoError(t, r.Process(ctx, d.ID))
	again, _ := h.store.Get(ctx, d.ID)
	assert.Equal(t, domain.StatusFailed, again.Status)
	assert.EqualValues(t, 3, diag.calls.Load())
}

func TestConcurrentDeliveriesRunOneAttempt(t *testing.T) {
	h := newHarness(t)
	d := h.seed(t)
	diag := &scriptedDiagnoser{
		result:  domain.Result{Summary: "ok"},
		started: make(chan struct{}, 8),
		release: make(chan struct{}),
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = h.runner(diag, "w"+string(rune('a'+i))).Process(context.Background(), d.ID)
		}(i)
	}

	<-diag.started
	close(diag.release)
	wg.Wait()

	assert.EqualValues(t, 1, diag.calls.Load())
	got, _ := h.store.Get(context.Background(), d.ID)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 1, got.Attempts)
}

func TestLateCompletionAfterLeaseTakeoverIsDiscarded(t *testing.T) {
	h := newHarness(t)
	d := h.seed(t)
	ctx := context.Background()

	first, ok, err := h.store.Claim(ctx, d.ID, "slow", 2*time.Minute, 3)
	require.NoError(t, err)
	require.True(t, ok)

	h.clock = h.clock.Add(3 * time.Minute)
	require.NoError(t, h.runner(&scriptedDiagnoser{result: domain.Result{Summary: "second"}}, "fast").Process(ctx, d.ID))

	_, ok, err = h.store.Complete(ctx, first.ID, "slow", domain.Result{Summary: "first"})
	require.NoError(t, err)
	assert.False(t, ok)

	got, _ := h.store.Get(ctx, d.ID)
	assert.Equal(t, "second", got.Result.Summary)
}

func assertMonotonic(t *testing.T, statuses []domain.Status) {
	t.Helper()
	rank := map[domain.Status]int{
		domain.StatusQueued:     0,
		domain.StatusProcessing: 1,
		domain.StatusCompleted:  2,
		domain.StatusFailed:     2,
	}
	for i := 1; i < len(statuses); i++ {
		assert.GreaterOrEqual(t, rank[statuses[i]], rank[statuses[i-1]], "status went backwards: %v", statuses)
		if statuses[i-1].Terminal() {
			t.Fatalf("transition out of terminal state: %v", statuses)
		}
	}
}
