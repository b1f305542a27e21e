package matching_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"diagnostics_backend/internal/broadcast"
	diagdomain "diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/diagnosis/jobs"
	diagrepo "diagnostics_backend/internal/diagnosis/repository"
	"diagnostics_backend/internal/diagnosis/service"
	"diagnostics_backend/internal/entitlement"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/internal/matching"
	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/internal/matching/engine"
	matchrepo "diagnostics_backend/internal/matching/repository"
	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type nopQueue struct{}

func (nopQueue) EnqueueDiagnosis(context.Context, uuid.UUID, int, time.Duration) error { return nil }

type recordingTransport struct {
	mu   sync.Mutex
	envs []broadcast.Envelope
}

func (t *recordingTransport) Send(_ context.Context, env broadcast.Envelope) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.envs = append(t.envs, env)
	return nil
}

func (t *recordingTransport) on(channel, event string) []broadcast.Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []broadcast.Envelope
	for _, e := range t.envs {
		if e.Channel == channel && e.Event == event {
			out = append(out, e)
		}
	}
	return out
}

type fixedDiagnoser struct{ result diagdomain.Result }

func (f fixedDiagnoser) Diagnose(context.Context, string, *diagdomain.Vehicle) (diagdomain.Result, error) {
	return f.result, nil
}

type pipeline struct {
	ledger      *entitlement.Ledger
	diagnoses   *diagrepo.Memory
	leads       *matchrepo.Memory
	transport   *recordingTransport
	broadcaster *broadcast.Broadcaster
	bus         *events.InMemoryBus
	service     *service.Service
	runner      *jobs.Runner
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	log := logger.Discard()
	p := &pipeline{
		ledger:    entitlement.NewLedger(entitlement.NewMemoryStore(), log),
		diagnoses: diagrepo.NewMemory(),
		leads:     matchrepo.NewMemory(),
		transport: &recordingTransport{},
		bus:       events.NewInMemoryBus(log),
	}
	p.broadcaster = broadcast.New(p.transport, 2, log)
	p.service = service.New(p.diagnoses, p.ledger, passthroughTx{}, nopQueue{}, p.broadcaster, p.bus, log)

	eng := engine.New(engine.Deps{
		Diagnoses: p.diagnoses,
		Store:     p.leads,
		Ledger:    p.ledger,
		Tx:        passthroughTx{},
		Publisher: p.broadcaster,
		Bus:       p.bus,
	}, 3, log)
	matching.NewModule(eng, validator.New(), p.bus, nil, log)

	p.runner = jobs.NewRunner(p.diagnoses, fixedDiagnoser{result: diagdomain.Result{
		Summary:         "Worn front brake pads",
		PossibleCauses:  []string{"pad wear"},
		UrgencyLevel:    diagdomain.UrgencyHigh,
		ConfidenceScore: 0.8,
	}}, nopQueue{}, p.broadcaster, p.bus, jobs.Options{
		MaxAttempts: 3,
		RetryDelay:  time.Second,
		Lease:       time.Minute,
		WorkerID:    "worker-1",
	}, log)
	return p
}

// flush drains async bus handlers and queued broadcasts.
func (p *pipeline) flush() {
	p.bus.Wait()
	p.broadcaster.Close()
}

func (p *pipeline) addExpert(t *testing.T, name string, rating float64, makes ...string) domain.Expert {
	t.Helper()
	e := domain.Expert{
		ID:           uuid.New(),
		UserID:       uuid.New(),
		DisplayName:  name,
		Regions:      []string{"utrecht"},
		VehicleMakes: makes,
		Rating:       rating,
	}
	p.leads.AddExpert(matchrepo.MemoryExpert{Expert: e, Active: true, KYCStatus: "approved"})
	_, err := p.ledger.Credit(context.Background(), e.UserID, entitlement.KindLead, entitlement.SourcePaid, 5)
	require.NoError(t, err)
	return e
}

func TestFreeCreditThenRefusal(t *testing.T) {
	p := newPipeline(t)
	defer p.flush()
	ctx := context.Background()
	owner := uuid.New()

	_, err := p.ledger.Credit(ctx, owner, entitlement.KindDiagnosis, entitlement.SourceFree, 1)
	require.NoError(t, err)

	first, err := p.service.Submit(ctx, service.SubmitParams{OwnerID: owner, Symptoms: "Grinding noise when braking hard"})
	require.NoError(t, err)
	assert.True(t, first.IsFree)

	_, err = p.service.Submit(ctx, service.SubmitParams{OwnerID: owner, Symptoms: "Grinding noise when braking hard"})
	assert.True(t, apperr.Is(err, apperr.KindPaymentRequired))

	grant, err := p.ledger.TryConsume(ctx, owner, entitlement.KindDiagnosis, "recheck")
	require.NoError(t, err)
	assert.False(t, grant.Granted)

	list, err := p.service.List(ctx, owner, 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestCompletedDiagnosisLeadsGoToMatchingMakesByRating(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	owner := uuid.New()

	toyotaLow := p.addExpert(t, "Low", 3.1, "Toyota")
	toyotaHigh := p.addExpert(t, "High", 4.9, "toyota", "Honda")
	toyotaMid := p.addExpert(t, "Mid", 4.2, "Toyota")
	ford := p.addExpert(t, "Ford", 5.0, "Ford")
	bmw := p.addExpert(t, "BMW", 4.8, "BMW")

	_, err := p.ledger.Credit(ctx, owner, entitlement.KindDiagnosis, entitlement.SourcePaid, 1)
	require.NoError(t, err)
	sub, err := p.service.Submit(ctx, service.SubmitParams{
		OwnerID:  owner,
		Symptoms: "Squealing from the front wheels",
		Vehicle:  &diagdomain.Vehicle{Make: "Toyota", Model: "Corolla"},
		Location: diagdomain.Location{Region: "utrecht"},
	})
	require.NoError(t, err)
	require.NoError(t, p.runner.Process(ctx, sub.ID))
	p.flush()

	d, err := p.diagnoses.Get(ctx, sub.ID)
	require.NoError(t, err)
	assert.Equal(t, diagdomain.StatusCompleted, d.Status)
	unmatched, err := p.diagnoses.ListUnmatched(ctx, 0, 10)
	require.NoError(t, err)
	assert.Empty(t, unmatched)

	ranks := map[uuid.UUID]int{}
	for _, e := range []domain.Expert{toyotaLow, toyotaHigh, toyotaMid, ford, bmw} {
		leads, err := p.leads.ListLeadsForExpert(ctx, e.ID, 10)
		require.NoError(t, err)
		for _, l := range leads {
			assert.Equal(t, sub.ID, l.DiagnosisID)
			ranks[e.ID] = l.Rank
		}
	}
	assert.Equal(t, map[uuid.UUID]int{toyotaHigh.ID: 1, toyotaMid.ID: 2, toyotaLow.ID: 3}, ranks)

	for _, e := range []domain.Expert{ford, bmw} {
		bal, err := p.ledger.Inspect(ctx, e.UserID, entitlement.KindLead)
		require.NoError(t, err)
		assert.Equal(t, 5, bal.Total())
	}
	bal, err := p.ledger.Inspect(ctx, toyotaHigh.UserID, entitlement.KindLead)
	require.NoError(t, err)
	assert.Equal(t, 4, bal.Total())

	assert.Len(t, p.transport.on(broadcast.ExpertChannel(toyotaHigh.ID), broadcast.EventLeadCreated), 1)
	assert.Empty(t, p.transport.on(broadcast.ExpertChannel(ford.ID), broadcast.EventLeadCreated))
}

func TestTopRatedExpertWinsInALargePool(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	owner := uuid.New()

	for i := 0; i < 200; i++ {
		p.addExpert(t, "Average", 3.0)
	}
	best := domain.Expert{
		ID:          uuid.MustParse("ffffffff-ffff-ffff-ffff-ffffffffffff"),
		UserID:      uuid.New(),
		DisplayName: "Best",
		Rating:      5.0,
	}
	p.leads.AddExpert(matchrepo.MemoryExpert{Expert: best, Active: true, KYCStatus: "approved"})
	_, err := p.ledger.Credit(ctx, best.UserID, entitlement.KindLead, entitlement.SourcePaid, 1)
	require.NoError(t, err)

	_, err = p.ledger.Credit(ctx, owner, entitlement.KindDiagnosis, entitlement.SourcePaid, 1)
	require.NoError(t, err)
	sub, err := p.service.Submit(ctx, service.SubmitParams{OwnerID: owner, Symptoms: "Battery drains overnight"})
	require.NoError(t, err)
	require.NoError(t, p.runner.Process(ctx, sub.ID))
	p.flush()

	leads, err := p.leads.ListLeadsForExpert(ctx, best.ID, 10)
	require.NoError(t, err)
	require.Len(t, leads, 1)
	assert.Equal(t, 1, leads[0].Rank)
}

func TestCompletionReachesOwnerAndDiagnosisChannelsAlike(t *testing.T) {
	p := newPipeline(t)
	ctx := context.Background()
	owner := uuid.New()

	_, err := p.ledger.Credit(ctx, owner, entitlement.KindDiagnosis, entitlement.SourceFree, 1)
	require.NoError(t, err)
	sub, err := p.service.Submit(ctx, service.SubmitParams{OwnerID: owner, Symptoms: "Engine light flashing on the highway"})
	require.NoError(t, err)
	require.NoError(t, p.runner.Process(ctx, sub.ID))
	p.flush()

	userEnvs := p.transport.on(broadcast.UserChannel(owner), broadcast.EventDiagnosisUpdated)
	diagEnvs := p.transport.on(broadcast.DiagnosisChannel(sub.ID), broadcast.EventDiagnosisUpdated)
	require.Len(t, userEnvs, 3)
	require.Len(t, diagEnvs, 3)

	byStatus := func(envs []broadcast.Envelope) map[diagdomain.Status]json.RawMessage {
		out := map[diagdomain.Status]json.RawMessage{}
		for _, env := range envs {
			var snap diagdomain.Snapshot
			require.NoError(t, json.Unmarshal(env.Payload, &snap))
			out[snap.Status] = env.Payload
		}
		return out
	}
	user, diag := byStatus(userEnvs), byStatus(diagEnvs)
	require.Contains(t, user, diagdomain.StatusCompleted)
	assert.JSONEq(t, string(user[diagdomain.StatusCompleted]), string(diag[diagdomain.StatusCompleted]))

	var snap diagdomain.Snapshot
	require.NoError(t, json.Unmarshal(user[diagdomain.StatusCompleted], &snap))
	require.NotNil(t, snap.Result)
	assert.Equal(t, "Worn front brake pads", snap.Result.Summary)

	noExperts := p.transport.on(broadcast.UserChannel(owner), broadcast.EventNoExpertsAvailable)
	assert.Len(t, noExperts, 1)
}
