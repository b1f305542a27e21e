package broadcast

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// MessageSnapshot is the realtime view of a chat message.
type MessageSnapshot struct {
	ID             uuid.UUID `json:"id"`
	ConversationID uuid.UUID `json:"conversationId"`
	SenderID       uuid.UUID `json:"senderId"`
	Preview        string    `json:"preview"`
	SentAt         time.Time `json:"sentAt"`
}

// ReadReceipt marks messages up to MessageID as read by ReaderID.
type ReadReceipt struct {
	ConversationID uuid.UUID `json:"conversationId"`
	ReaderID       uuid.UUID `json:"readerId"`
	MessageID      uuid.UUID `json:"messageId"`
	ReadAt         time.Time `json:"readAt"`
}

// PublishMessageReceived announces a new message on the conversation channel.
func (b *Broadcaster) PublishMessageReceived(ctx context.Context, msg MessageSnapshot) {
	b.Publish(ctx, ConversationChannel(msg.ConversationID), EventMessageReceived, msg)
}

// PublishReadReceipt announces a read marker on the conversation channel.
func (b *Broadcaster) PublishReadReceipt(ctx context.Context, receipt ReadReceipt) {
	b.Publish(ctx, ConversationChannel(receipt.ConversationID), EventMessageRead, receipt)
}
