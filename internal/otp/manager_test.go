package otp

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"diagnostics_backend/internal/events"
	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

type passthroughTx struct{}

func (passthroughTx) RunInTx(ctx context.Context, fn func(context.Context) error) error { return fn(ctx) }

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newManager(t *testing.T) (*Manager, *clock, *[]events.OTPIssued) {
	t.Helper()
	clk := &clock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	store.SetClock(clk.Now)

	bus := events.NewInMemoryBus(logger.Discard())
	var issued []events.OTPIssued
	bus.Subscribe(events.OTPIssued{}.EventName(), events.HandlerFunc(func(_ context.Context, e events.Event) error {
		issued = append(issued, e.(events.OTPIssued))
		return nil
	}))

	m := NewManager(store, passthroughTx{}, bus, 10*time.Minute, bcrypt.MinCost, logger.Discard())
	m.SetClock(clk.Now)
	return m, clk, &issued
}

func TestVerifySucceedsOnlyOnce(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	issued, err := m.Generate(ctx, "Driver@Example.com", PurposeEmailVerification)
	require.NoError(t, err)
	require.Len(t, issued.Code, 6)
	assert.Equal(t, "driver@example.com", issued.Subject)

	ok, err := m.Verify(ctx, "driver@example.com", PurposeEmailVerification, issued.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = m.Verify(ctx, "driver@example.com", PurposeEmailVerification, issued.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrOTPInvalid)
}

func TestGenerateSupersedesPriorCode(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	first, err := m.Generate(ctx, "a@example.com", PurposePasswordReset)
	require.NoError(t, err)
	second, err := m.Resend(ctx, "a@example.com", PurposePasswordReset)
	require.NoError(t, err)

	if first.Code != second.Code {
		_, err = m.Verify(ctx, "a@example.com", PurposePasswordReset, first.Code)
		assert.ErrorIs(t, err, ErrOTPInvalid)
	}

	ok, err := m.Verify(ctx, "a@example.com", PurposePasswordReset, second.Code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupersedeIsScopedToPurpose(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	reset, err := m.Generate(ctx, "a@example.com", PurposePasswordReset)
	require.NoError(t, err)
	_, err = m.Generate(ctx, "a@example.com", PurposeEmailVerification)
	require.NoError(t, err)

	ok, err := m.Verify(ctx, "a@example.com", PurposePasswordReset, reset.Code)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestExpiredCode(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()

	issued, err := m.Generate(ctx, "a@example.com", PurposeEmailVerification)
	require.NoError(t, err)
	clk.Advance(10*time.Minute + time.Second)

	ok, err := m.Verify(ctx, "a@example.com", PurposeEmailVerification, issued.Code)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrOTPExpired)
	assert.True(t, apperr.Is(err, apperr.KindGone))
}

func TestWrongCodeIsInvalid(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()

	issued, err := m.Generate(ctx, "a@example.com", PurposeEmailVerification)
	require.NoError(t, err)
	wrong := "000000"
	if issued.Code == wrong {
		wrong = "111111"
	}

	_, err = m.Verify(ctx, "a@example.com", PurposeEmailVerification, wrong)
	assert.ErrorIs(t, err, ErrOTPInvalid)

	_, err = m.Verify(ctx, "nobody@example.com", PurposeEmailVerification, issued.Code)
	assert.ErrorIs(t, err, ErrOTPInvalid)
}

func TestConcurrentVerifyHasOneWinner(t *testing.T) {
	m, _, _ := newManager(t)
	ctx := context.Background()
	issued, err := m.Generate(ctx, "a@example.com", PurposeEmailVerification)
	require.NoError(t, err)

	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := m.Verify(ctx, "a@example.com", PurposeEmailVerification, issued.Code); ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())
}

func TestPhoneSubjectIsNormalizedAndSentBySMS(t *testing.T) {
	m, _, issued := newManager(t)
	ctx := context.Background()

	got, err := m.Generate(ctx, "06 12345678", PurposePhoneVerification)
	require.NoError(t, err)
	assert.Equal(t, "+31612345678", got.Subject)

	require.Len(t, *issued, 1)
	evt := (*issued)[0]
	assert.Equal(t, "sms", evt.Channel)
	assert.Equal(t, got.Code, evt.Code)

	ok, err := m.Verify(ctx, "+31 6 12345678", PurposePhoneVerification, got.Code)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.Generate(ctx, "not a number", PurposePhoneVerification)
	assert.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestUnknownPurpose(t *testing.T) {
	m, _, _ := newManager(t)
	_, err := m.Generate(context.Background(), "a@example.com", Purpose("login"))
	assert.ErrorIs(t, err, ErrUnknownPurpose)
}

func TestPurge(t *testing.T) {
	m, clk, _ := newManager(t)
	ctx := context.Background()
	_, err := m.Generate(ctx, "a@example.com", PurposeEmailVerification)
	require.NoError(t, err)

	clk.Advance(25 * time.Hour)
	n, err := m.Purge(ctx, clk.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
