package broadcast

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Channel kinds.
const (
	KindUser         = "user"
	KindDiagnosis    = "diagnosis"
	KindExpert       = "expert"
	KindConversation = "conversation"
)

// Event names published by the pipeline.
const (
	EventDiagnosisUpdated   = "diagnosis.updated"
	EventLeadsMatched       = "diagnosis.leads_matched"
	EventNoExpertsAvailable = "diagnosis.no_experts_available"
	EventLeadCreated        = "lead.created"
	EventLeadUpdated        = "lead.updated"
	EventMessageReceived    = "message.received"
	EventMessageRead        = "message.read"
)

func UserChannel(id uuid.UUID) string         { return KindUser + "." + id.String() }
func DiagnosisChannel(id uuid.UUID) string    { return KindDiagnosis + "." + id.String() }
func ExpertChannel(id uuid.UUID) string       { return KindExpert + "." + id.String() }
func ConversationChannel(id uuid.UUID) string { return KindConversation + "." + id.String() }

// ParseChannel splits "<kind>.<uuid>".
func ParseChannel(name string) (string, uuid.UUID, error) {
	kind, rawID, ok := strings.Cut(name, ".")
	if !ok {
		return "", uuid.Nil, fmt.Errorf("channel %q: missing id", name)
	}
	switch kind {
	case KindUser, KindDiagnosis, KindExpert, KindConversation:
	default:
		return "", uuid.Nil, fmt.Errorf("channel %q: unknown kind", name)
	}
	id, err := uuid.Parse(rawID)
	if err != nil {
		return "", uuid.Nil, fmt.Errorf("channel %q: %w", name, err)
	}
	return kind, id, nil
}
