package gemini

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"diagnostics_backend/platform/ai"

	"github.com/jarcoal/httpmock"
)

const generateURL = `=~^https://gemini\.test/v1beta/models/gemini-test:generateContent`

const generateOK = `{
  "candidates": [{
    "content": {"role": "model", "parts": [{"text": "  {\"diagnosis\":\"worn pads\"}\n"}]},
    "finishReason": "STOP"
  }],
  "usageMetadata": {"promptTokenCount": 10, "candidatesTokenCount": 5}
}`

func newMocked(t *testing.T, status int, body string) *Provider {
	t.Helper()
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, generateURL,
		httpmock.NewStringResponder(status, body).HeaderSet(http.Header{"Content-Type": {"application/json"}}))
	p, err := New(context.Background(), Config{
		APIKey:     "k",
		Model:      "gemini-test",
		BaseURL:    "https://gemini.test/",
		HTTPClient: &http.Client{Transport: transport},
	})
	if err != nil {
		t.Fatalf("new provider: %v", err)
	}
	return p
}

func TestCompleteReturnsTrimmedCandidateText(t *testing.T) {
	text, err := newMocked(t, 200, generateOK).Complete(context.Background(), ai.Prompt{System: "s", User: "brakes squeal"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != `{"diagnosis":"worn pads"}` {
		t.Fatalf("unexpected text %q", text)
	}
}

func TestCompleteRejectsEmptyCandidates(t *testing.T) {
	_, err := newMocked(t, 200, `{"candidates": []}`).Complete(context.Background(), ai.Prompt{User: "x"})
	if !errors.Is(err, ai.ErrEmptyResponse) {
		t.Fatalf("expected ErrEmptyResponse, got %v", err)
	}
}

func TestCompleteMapsAPIErrorStatus(t *testing.T) {
	_, err := newMocked(t, 403, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`).
		Complete(context.Background(), ai.Prompt{User: "x"})

	var pe *ai.ProviderError
	if !errors.As(err, &pe) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if pe.Provider != "gemini" || pe.StatusCode != 403 {
		t.Fatalf("unexpected provider error %+v", pe)
	}
}
