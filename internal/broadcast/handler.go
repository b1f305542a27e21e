package broadcast

import (
	"context"
	"net/http"
	"strings"
	"time"

	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/sanitize"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	maxChannelsPerStream = 20
	heartbeatInterval    = 25 * time.Second
	maxPreviewChars      = 280
)

// Ownership answers whether a user may follow a channel. A conversation is
// the thread on one lead, between the diagnosis owner and the lead's expert.
type Ownership interface {
	OwnsDiagnosis(ctx context.Context, userID, diagnosisID uuid.UUID) (bool, error)
	OwnsExpert(ctx context.Context, userID, expertID uuid.UUID) (bool, error)
	IsParticipant(ctx context.Context, userID, conversationID uuid.UUID) (bool, error)
}

// MessagePublisher announces conversation activity.
type MessagePublisher interface {
	PublishMessageReceived(ctx context.Context, msg MessageSnapshot)
	PublishReadReceipt(ctx context.Context, receipt ReadReceipt)
}

// Handler serves the SSE stream and the conversation relay endpoints.
type Handler struct {
	hub       *Hub
	ownership Ownership
	messages  MessagePublisher
	val       *validator.Validator
	log       *logger.Logger
}

func NewHandler(hub *Hub, ownership Ownership, messages MessagePublisher, val *validator.Validator, log *logger.Logger) *Handler {
	return &Handler{hub: hub, ownership: ownership, messages: messages, val: val, log: log}
}

type messageRequest struct {
	Body string `json:"body" validate:"required,max=4000"`
}

type readRequest struct {
	MessageID string `json:"messageId" validate:"required,uuid"`
}

// Stream handles GET /realtime/stream?channels=a,b. Without the query the
// caller's own user channel is used.
func (h *Handler) Stream(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	channels, status, msg := h.authorize(c.Request.Context(), identity, c.Query("channels"))
	if status != http.StatusOK {
		httpkit.Error(c, status, msg, nil)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")

	sub := h.hub.Subscribe(channels)
	defer h.hub.Unsubscribe(sub)

	c.SSEvent("connected", gin.H{"userId": identity.UserID(), "channels": channels})
	c.Writer.Flush()

	heartbeat := time.NewTicker(heartbeatInterval)
	defer heartbeat.Stop()

	clientGone := c.Request.Context().Done()
	for {
		select {
		case <-clientGone:
			return
		case <-heartbeat.C:
			_, _ = c.Writer.WriteString(": ping\n\n")
			c.Writer.Flush()
		case env, ok := <-sub.Events():
			if !ok {
				return
			}
			c.SSEvent(env.Event, env)
			c.Writer.Flush()
		}
	}
}

func (h *Handler) authorize(ctx context.Context, identity httpkit.Identity, raw string) ([]string, int, string) {
	userID := identity.UserID()
	if strings.TrimSpace(raw) == "" {
		return []string{UserChannel(userID)}, http.StatusOK, ""
	}

	seen := make(map[string]struct{})
	var channels []string
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		kind, id, err := ParseChannel(name)
		if err != nil {
			return nil, http.StatusBadRequest, "invalid channel"
		}
		allowed, err := h.allowed(ctx, identity, kind, id)
		if err != nil {
			h.log.WithContext(ctx).Error("channel authorization failed", "channel", name, "error", err)
			return nil, http.StatusInternalServerError, "internal error"
		}
		if !allowed {
			return nil, http.StatusForbidden, "channel not allowed"
		}
		channels = append(channels, name)
	}
	if len(channels) == 0 {
		return nil, http.StatusBadRequest, "no channels requested"
	}
	if len(channels) > maxChannelsPerStream {
		return nil, http.StatusBadRequest, "too many channels"
	}
	return channels, http.StatusOK, ""
}

func (h *Handler) allowed(ctx context.Context, identity httpkit.Identity, kind string, id uuid.UUID) (bool, error) {
	if identity.HasRole(httpkit.RoleAdmin) {
		return true, nil
	}
	switch kind {
	case KindUser:
		return id == identity.UserID(), nil
	case KindDiagnosis:
		return h.ownership.OwnsDiagnosis(ctx, identity.UserID(), id)
	case KindExpert:
		return h.ownership.OwnsExpert(ctx, identity.UserID(), id)
	case KindConversation:
		return h.ownership.IsParticipant(ctx, identity.UserID(), id)
	default:
		return false, nil
	}
}

// PostMessage handles POST /realtime/conversations/:id/messages. Message
// storage belongs to the messaging layer; this relays the live event.
func (h *Handler) PostMessage(c *gin.Context) {
	identity, conversationID, ok := h.participant(c)
	if !ok {
		return
	}
	var req messageRequest
	if !h.bind(c, &req) {
		return
	}
	msg := MessageSnapshot{
		ID:             uuid.New(),
		ConversationID: conversationID,
		SenderID:       identity.UserID(),
		Preview:        sanitize.Truncate(sanitize.Text(req.Body), maxPreviewChars),
		SentAt:         time.Now().UTC(),
	}
	h.messages.PublishMessageReceived(c.Request.Context(), msg)
	httpkit.Accepted(c, msg)
}

// MarkRead handles POST /realtime/conversations/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	identity, conversationID, ok := h.participant(c)
	if !ok {
		return
	}
	var req readRequest
	if !h.bind(c, &req) {
		return
	}
	receipt := ReadReceipt{
		ConversationID: conversationID,
		ReaderID:       identity.UserID(),
		MessageID:      uuid.MustParse(req.MessageID),
		ReadAt:         time.Now().UTC(),
	}
	h.messages.PublishReadReceipt(c.Request.Context(), receipt)
	httpkit.Accepted(c, receipt)
}

func (h *Handler) participant(c *gin.Context) (httpkit.Identity, uuid.UUID, bool) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return nil, uuid.Nil, false
	}
	conversationID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid conversation id", nil)
		return nil, uuid.Nil, false
	}
	ok, err := h.ownership.IsParticipant(c.Request.Context(), identity.UserID(), conversationID)
	if err != nil {
		h.log.WithContext(c.Request.Context()).Error("conversation authorization failed", "error", err)
		httpkit.Error(c, http.StatusInternalServerError, "internal error", nil)
		return nil, uuid.Nil, false
	}
	if !ok {
		httpkit.Error(c, http.StatusNotFound, "conversation not found", nil)
		return nil, uuid.Nil, false
	}
	return identity, conversationID, true
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request", nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return false
	}
	return true
}
