// Package notification turns domain events into outbox rows and delivers
// them. Domain modules publish events and never talk to mail or messaging
// gateways directly.
package notification

import (
	"context"
	"errors"
	"strconv"
	"time"

	"diagnostics_backend/internal/email"
	"diagnostics_backend/internal/events"
	"diagnostics_backend/internal/notification/outbox"
	"diagnostics_backend/platform/db"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"

	"github.com/google/uuid"
)

const (
	maxOutboxAttempts    = 5
	outboxRetryBaseDelay = 30 * time.Second
	outboxRetryMaxDelay  = 15 * time.Minute
)

// Outbox persists pending deliveries.
type Outbox interface {
	Insert(ctx context.Context, p outbox.InsertParams) (uuid.UUID, error)
	GetByID(ctx context.Context, id uuid.UUID) (outbox.Record, error)
	MarkProcessing(ctx context.Context, id uuid.UUID) (bool, error)
	MarkPending(ctx context.Context, id uuid.UUID, lastError string, runAt time.Time) error
	MarkSucceeded(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, lastError string) error
}

// SMSSender delivers the sms channel.
type SMSSender interface {
	SendMessage(ctx context.Context, phoneNumber string, message string) error
}

// Module handles notification event subscriptions and outbox delivery.
type Module struct {
	outbox Outbox
	mail   email.Sender
	sms    SMSSender
	now    func() time.Time
	log    *logger.Logger
}

// New creates a notification module. A nil sms sender drops sms rows.
func New(box Outbox, mail email.Sender, sms SMSSender, log *logger.Logger) *Module {
	if mail == nil {
		mail = email.NoopSender{}
	}
	return &Module{
		outbox: box,
		mail:   mail,
		sms:    sms,
		now:    time.Now,
		log:    log.WithComponent("notification"),
	}
}

// RegisterHandlers subscribes the module to the events it delivers.
func (m *Module) RegisterHandlers(bus events.Bus) {
	bus.Subscribe(events.LeadCreated{}.EventName(), m)
	bus.Subscribe(events.OTPIssued{}.EventName(), m)
	m.log.Info("notification module registered event handlers")
}

// Handle routes events to the appropriate handler method.
func (m *Module) Handle(ctx context.Context, event events.Event) error {
	switch e := event.(type) {
	case events.LeadCreated:
		return m.handleLeadCreated(ctx, e)
	case events.OTPIssued:
		return m.handleOTPIssued(ctx, e)
	default:
		m.log.Warn("unhandled event type", "event", event.EventName())
		return nil
	}
}

func (m *Module) handleLeadCreated(ctx context.Context, e events.LeadCreated) error {
	fields := map[string]string{
		"leadId":      e.LeadID.String(),
		"diagnosisId": e.DiagnosisID.String(),
		"expertName":  e.ExpertName,
		"vehicle":     e.VehicleLabel,
		"urgency":     e.UrgencyLevel,
		"summary":     e.Summary,
		"isFree":      strconv.FormatBool(e.IsFreeLead),
	}

	params := outbox.InsertParams{TemplateKey: email.TemplateLeadNew, Fields: fields}
	switch {
	case e.ExpertEmail != "":
		params.Channel, params.Recipient = outbox.ChannelEmail, e.ExpertEmail
	case e.ExpertPhone != "":
		params.Channel, params.Recipient = outbox.ChannelSMS, e.ExpertPhone
	default:
		m.log.Warn("expert has no contact channel; lead notification skipped", "leadId", e.LeadID, "expertId", e.ExpertID)
		return nil
	}
	return m.enqueue(ctx, params)
}

func (m *Module) handleOTPIssued(ctx context.Context, e events.OTPIssued) error {
	channel := outbox.ChannelEmail
	if e.Channel == string(outbox.ChannelSMS) {
		channel = outbox.ChannelSMS
	}
	return m.enqueue(ctx, outbox.InsertParams{
		Channel:     channel,
		Recipient:   e.Subject,
		TemplateKey: "otp_" + e.Purpose,
		Fields: map[string]string{
			"code":      e.Code,
			"expiresAt": e.ExpiresAt.UTC().Format("15:04 UTC"),
		},
	})
}

func (m *Module) enqueue(ctx context.Context, p outbox.InsertParams) error {
	id, err := m.outbox.Insert(ctx, p)
	if err != nil {
		m.log.Error("failed to queue notification", "template", p.TemplateKey, "channel", string(p.Channel), "error", err)
		return err
	}
	m.log.Debug("notification queued", "outboxId", id, "template", p.TemplateKey, "channel", string(p.Channel))
	return nil
}

// Deliver sends one outbox row. Delivery failures are rescheduled on the
// row itself, so Deliver only returns errors from the outbox store.
func (m *Module) Deliver(ctx context.Context, outboxID uuid.UUID) error {
	rec, err := m.outbox.GetByID(ctx, outboxID)
	if errors.Is(err, db.ErrNotFound) {
		m.log.Warn("outbox record vanished before delivery", "outboxId", outboxID)
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == outbox.StatusSucceeded || rec.Status == outbox.StatusFailed {
		return nil
	}

	claimed, err := m.outbox.MarkProcessing(ctx, rec.ID)
	if err != nil {
		return err
	}
	if !claimed {
		m.log.Debug("outbox record already claimed", "outboxId", rec.ID)
		return nil
	}

	rendered, err := email.Render(rec.TemplateKey, rec.Fields)
	if err != nil {
		m.markUnsupported(ctx, rec, err)
		return nil
	}

	if err := m.send(ctx, rec, rendered); err != nil {
		metrics.ObserveDelivery(string(rec.Channel), "error")
		m.handleDeliveryError(ctx, rec, err)
		return nil
	}

	metrics.ObserveDelivery(string(rec.Channel), "sent")
	if err := m.outbox.MarkSucceeded(ctx, rec.ID); err != nil {
		return err
	}
	m.log.Info("outbox record processed successfully", "outboxId", rec.ID, "channel", string(rec.Channel), "template", rec.TemplateKey)
	return nil
}

func (m *Module) send(ctx context.Context, rec outbox.Record, r email.Rendered) error {
	switch rec.Channel {
	case outbox.ChannelEmail:
		return m.mail.Send(ctx, email.Message{To: rec.Recipient, Subject: r.Subject, HTML: r.HTML, Text: r.Text})
	case outbox.ChannelSMS:
		if m.sms == nil {
			m.log.Warn("sms channel not configured; message dropped", "outboxId", rec.ID)
			return nil
		}
		return m.sms.SendMessage(ctx, rec.Recipient, r.Text)
	default:
		return errors.New("unsupported channel " + string(rec.Channel))
	}
}

func (m *Module) markUnsupported(ctx context.Context, rec outbox.Record, cause error) {
	metrics.ObserveDelivery(string(rec.Channel), "unsupported")
	if err := m.outbox.MarkFailed(ctx, rec.ID, cause.Error()); err != nil {
		m.log.Error("failed to mark outbox record failed", "outboxId", rec.ID, "error", err)
	}
	m.log.Warn("outbox record unsupported", "outboxId", rec.ID, "template", rec.TemplateKey, "error", cause)
}

func (m *Module) handleDeliveryError(ctx context.Context, rec outbox.Record, deliveryErr error) {
	attempt := rec.Attempts + 1
	if attempt >= maxOutboxAttempts {
		_ = m.outbox.MarkFailed(ctx, rec.ID, deliveryErr.Error())
		m.log.Warn("notification outbox exhausted retries",
			"outboxId", rec.ID,
			"channel", string(rec.Channel),
			"template", rec.TemplateKey,
			"attempt", attempt,
			"maxAttempts", maxOutboxAttempts,
			"error", deliveryErr,
		)
		return
	}

	retryAt := m.now().UTC().Add(retryDelay(attempt))
	if err := m.outbox.MarkPending(ctx, rec.ID, deliveryErr.Error(), retryAt); err != nil {
		_ = m.outbox.MarkFailed(ctx, rec.ID, deliveryErr.Error())
		m.log.Error("notification outbox retry scheduling failed; marked failed",
			"outboxId", rec.ID,
			"attempt", attempt,
			"error", err,
		)
		return
	}

	m.log.Warn("notification outbox scheduled retry",
		"outboxId", rec.ID,
		"channel", string(rec.Channel),
		"template", rec.TemplateKey,
		"attempt", attempt,
		"retryAt", retryAt,
		"error", deliveryErr,
	)
}

func retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := outboxRetryBaseDelay << (attempt - 1)
	if delay > outboxRetryMaxDelay {
		return outboxRetryMaxDelay
	}
	return delay
}
