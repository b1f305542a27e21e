package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"diagnostics_backend/platform/logger"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingTransport struct {
	mu   sync.Mutex
	seen []Envelope
	err  error
}

func (r *recordingTransport) Send(_ context.Context, env Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, env)
	return r.err
}

func (r *recordingTransport) byChannel(ch string) []Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Envelope
	for _, env := range r.seen {
		if env.Channel == ch {
			out = append(out, env)
		}
	}
	return out
}

func TestPublishPreservesPerChannelOrder(t *testing.T) {
	tr := &recordingTransport{}
	b := New(tr, 4, logger.Discard())

	channels := []string{UserChannel(uuid.New()), DiagnosisChannel(uuid.New()), ExpertChannel(uuid.New())}
	for i := 0; i < 50; i++ {
		for _, ch := range channels {
			b.Publish(context.Background(), ch, "tick", map[string]int{"seq": i})
		}
	}
	b.Close()

	for _, ch := range channels {
		got := tr.byChannel(ch)
		require.Len(t, got, 50)
		for i, env := range got {
			var p map[string]int
			require.NoError(t, json.Unmarshal(env.Payload, &p))
			assert.Equal(t, i, p["seq"], "channel %s out of order", ch)
		}
	}
}

func TestPublishSnapshotsPayload(t *testing.T) {
	tr := &recordingTransport{}
	b := New(tr, 1, logger.Discard())

	type status struct {
		Status string   `json:"status"`
		Causes []string `json:"causes"`
	}
	live := &status{Status: "processing", Causes: []string{"a"}}
	b.Publish(context.Background(), "diagnosis.x", EventDiagnosisUpdated, live)
	live.Status = "completed"
	live.Causes[0] = "mutated"
	b.Close()

	require.Len(t, tr.seen, 1)
	assert.JSONEq(t, `{"status":"processing","causes":["a"]}`, string(tr.seen[0].Payload))
}

func TestPublishManySharesOneSnapshot(t *testing.T) {
	tr := &recordingTransport{}
	b := New(tr, 2, logger.Discard())

	owner, diag := uuid.New(), uuid.New()
	b.PublishMany(context.Background(), []string{UserChannel(owner), DiagnosisChannel(diag)}, EventDiagnosisUpdated, map[string]string{"status": "failed"})
	b.Close()

	require.Len(t, tr.seen, 2)
	assert.Equal(t, tr.seen[0].Payload, tr.seen[1].Payload)
	assert.Equal(t, tr.seen[0].EmittedAt, tr.seen[1].EmittedAt)
}

func TestMessageEventsGoToTheConversationChannel(t *testing.T) {
	tr := &recordingTransport{}
	b := New(tr, 2, logger.Discard())

	conv, msgID := uuid.New(), uuid.New()
	b.PublishMessageReceived(context.Background(), MessageSnapshot{ID: msgID, ConversationID: conv, SenderID: uuid.New(), Preview: "Can you check it Friday?"})
	b.PublishReadReceipt(context.Background(), ReadReceipt{ConversationID: conv, ReaderID: uuid.New(), MessageID: msgID})
	b.Close()

	got := tr.byChannel("conversation." + conv.String())
	require.Len(t, got, 2)
	assert.Equal(t, "message.received", got[0].Event)
	assert.Equal(t, "message.read", got[1].Event)

	var receipt ReadReceipt
	require.NoError(t, json.Unmarshal(got[1].Payload, &receipt))
	assert.Equal(t, msgID, receipt.MessageID)
}

func TestTransportErrorsDoNotStopTheShard(t *testing.T) {
	tr := &recordingTransport{err: errors.New("down")}
	b := New(tr, 1, logger.Discard())
	for i := 0; i < 3; i++ {
		b.Publish(context.Background(), fmt.Sprintf("user.%d", i), "x", i)
	}
	b.Close()
	assert.Len(t, tr.seen, 3)
}

func TestPublishAfterCloseIsDropped(t *testing.T) {
	tr := &recordingTransport{}
	b := New(tr, 1, logger.Discard())
	b.Close()
	b.Publish(context.Background(), "user.x", "x", 1)
	b.Close()
	assert.Empty(t, tr.seen)
}

func TestParseChannel(t *testing.T) {
	id := uuid.New()
	kind, got, err := ParseChannel(ExpertChannel(id))
	require.NoError(t, err)
	assert.Equal(t, KindExpert, kind)
	assert.Equal(t, id, got)

	for _, bad := range []string{"user", "team." + id.String(), "user.not-a-uuid"} {
		_, _, err := ParseChannel(bad)
		assert.Error(t, err, bad)
	}
}
