package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"diagnostics_backend/internal/notification/outbox"
	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
)

type fakePurger struct {
	cutoffs chan time.Time
	err     error
}

func (p *fakePurger) Purge(_ context.Context, cutoff time.Time) (int64, error) {
	if p.cutoffs != nil {
		p.cutoffs <- cutoff
	}
	return 3, p.err
}

func TestOTPCleanupRunsImmediatelyAndStops(t *testing.T) {
	purger := &fakePurger{cutoffs: make(chan time.Time, 1)}
	c := NewOTPCleanup(purger, logger.Discard(), time.Hour, 24*time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()

	var cutoff time.Time
	select {
	case cutoff = <-purger.cutoffs:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup did not run")
	}
	cancel()
	<-done

	if age := time.Since(cutoff); age < 24*time.Hour || age > 24*time.Hour+time.Minute {
		t.Fatalf("cutoff should be ~24h ago, got %s", age)
	}
}

func TestOTPCleanupToleratesErrors(t *testing.T) {
	c := NewOTPCleanup(&fakePurger{err: errors.New("db down")}, logger.Discard(), 0, time.Hour)
	if c.interval != defaultOTPCleanupInterval {
		t.Fatalf("expected default interval, got %s", c.interval)
	}
	c.cleanup(context.Background())
}

type fakeClaimer struct {
	records []outbox.Record
	err     error
	pending []uuid.UUID
}

func (f *fakeClaimer) ClaimPending(context.Context, int) ([]outbox.Record, error) {
	recs := f.records
	f.records = nil
	return recs, f.err
}

func (f *fakeClaimer) MarkPending(_ context.Context, id uuid.UUID, _ string, _ time.Time) error {
	f.pending = append(f.pending, id)
	return nil
}

func TestDispatchEnqueuesClaimedRecords(t *testing.T) {
	claimer := &fakeClaimer{records: []outbox.Record{
		{ID: uuid.New(), RunAt: time.Now()},
		{ID: uuid.New(), RunAt: time.Now()},
	}}
	d := NewNotificationOutboxDispatcher(&Client{queue: "default"}, claimer, logger.Discard())

	if n := d.dispatch(context.Background()); n != 2 {
		t.Fatalf("expected 2 dispatched, got %d", n)
	}
	if len(claimer.pending) != 0 {
		t.Fatalf("no record should be handed back, got %v", claimer.pending)
	}
	if n := d.dispatch(context.Background()); n != 0 {
		t.Fatalf("expected empty batch, got %d", n)
	}
}

func TestDispatchClaimError(t *testing.T) {
	d := NewNotificationOutboxDispatcher(&Client{queue: "default"}, &fakeClaimer{err: errors.New("db down")}, logger.Discard())
	if n := d.dispatch(context.Background()); n != 0 {
		t.Fatalf("expected nothing dispatched, got %d", n)
	}
}
