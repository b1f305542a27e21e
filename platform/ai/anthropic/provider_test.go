package anthropic

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"diagnostics_backend/platform/ai"

	"github.com/jarcoal/httpmock"
)

const messageOK = `{
  "id": "msg_1",
  "type": "message",
  "role": "assistant",
  "model": "claude-test",
  "content": [{"type": "text", "text": "{\"diagnosis\":\"worn pads\"}"}],
  "stop_reason": "end_turn",
  "usage": {"input_tokens": 10, "output_tokens": 5}
}`

func newMocked(status int, body string) *Provider {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, "https://anthropic.test/v1/messages",
		httpmock.NewStringResponder(status, body).HeaderSet(http.Header{"Content-Type": {"application/json"}}))
	return New(Config{
		APIKey:     "k",
		Model:      "claude-test",
		BaseURL:    "https://anthropic.test/",
		HTTPClient: &http.Client{Transport: transport},
	})
}

func TestCompleteJoinsTextBlocks(t *testing.T) {
	text, err := newMocked(200, messageOK).Complete(context.Background(), ai.Prompt{System: "s", User: "brakes squeal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != `{"diagnosis":"worn pads"}` {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestCompleteMapsAuthFailure(t *testing.T) {
	_, err := newMocked(401, `{"type":"error","error":{"type":"authentication_error","message":"invalid x-api-key"}}`).
		Complete(context.Background(), ai.Prompt{User: "x"})

	var pe *ai.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.StatusCode != 401 {
		t.Fatalf("expected status 401, got %d", pe.StatusCode)
	}
}
