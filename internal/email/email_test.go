package email

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderLeadNew(t *testing.T) {
	out, err := Render(TemplateLeadNew, map[string]string{
		"expertName": "Garage <Jansen>",
		"vehicle":    "Toyota Corolla 2017",
		"urgency":    "high",
		"summary":    "Worn brake pads",
		"isFree":     "true",
	})
	require.NoError(t, err)

	assert.Equal(t, "New diagnosis lead: Toyota Corolla 2017", out.Subject)
	assert.Contains(t, out.HTML, "Garage &lt;Jansen&gt;")
	assert.Contains(t, out.HTML, "free allowance")
	assert.Equal(t, "New lead for Toyota Corolla 2017 (high): Worn brake pads", out.Text)
}

func TestRenderMissingFieldsAreEmpty(t *testing.T) {
	out, err := Render(TemplateOTPEmailVerification, map[string]string{"code": "123456"})
	require.NoError(t, err)
	assert.Contains(t, out.HTML, "123456")
	assert.NotContains(t, out.HTML, "no value")
	assert.Equal(t, "Your verification code is 123456. It expires at .", out.Text)
}

func TestRenderUnknownTemplate(t *testing.T) {
	_, err := Render("quote_sent", nil)
	assert.Error(t, err)
}

func TestEveryOTPPurposeHasATemplate(t *testing.T) {
	for _, key := range []string{TemplateOTPEmailVerification, TemplateOTPPasswordReset, TemplateOTPPhoneVerification} {
		assert.Contains(t, Keys(), key)
	}
}

func TestBrevoSend(t *testing.T) {
	transport := httpmock.NewMockTransport()
	var got brevoEmailRequest
	transport.RegisterResponder(http.MethodPost, brevoEndpoint, func(req *http.Request) (*http.Response, error) {
		assert.Equal(t, "key-1", req.Header.Get("api-key"))
		if err := json.NewDecoder(req.Body).Decode(&got); err != nil {
			return nil, err
		}
		return httpmock.NewStringResponse(http.StatusCreated, `{"messageId":"m1"}`), nil
	})

	s := NewBrevoSender("key-1", "noreply@example.com", "Diagnostics", &http.Client{Transport: transport})
	err := s.Send(context.Background(), Message{To: "expert@example.com", Subject: "s", HTML: "<p>h</p>", Text: "h"})
	require.NoError(t, err)

	assert.Equal(t, "noreply@example.com", got.Sender.Email)
	require.Len(t, got.To, 1)
	assert.Equal(t, "expert@example.com", got.To[0].Email)
	assert.Equal(t, "<p>h</p>", got.HTMLContent)
	assert.Equal(t, 1, transport.GetTotalCallCount())
}

func TestBrevoSendNon2xx(t *testing.T) {
	transport := httpmock.NewMockTransport()
	transport.RegisterResponder(http.MethodPost, brevoEndpoint,
		httpmock.NewStringResponder(http.StatusUnauthorized, `{"code":"unauthorized"}`))

	s := NewBrevoSender("bad", "noreply@example.com", "Diagnostics", &http.Client{Transport: transport})
	err := s.Send(context.Background(), Message{To: "expert@example.com"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 401")
}

type emailCfg struct {
	enabled bool
	brevo   string
	host    string
}

func (c emailCfg) GetEmailEnabled() bool       { return c.enabled }
func (c emailCfg) GetBrevoAPIKey() string      { return c.brevo }
func (c emailCfg) GetEmailFromName() string    { return "Diagnostics" }
func (c emailCfg) GetEmailFromAddress() string { return "noreply@example.com" }
func (c emailCfg) GetSMTPHost() string         { return c.host }
func (c emailCfg) GetSMTPPort() int            { return 587 }
func (c emailCfg) GetSMTPUsername() string     { return "" }
func (c emailCfg) GetSMTPPassword() string     { return "" }

func TestNewSenderSelection(t *testing.T) {
	s, err := NewSender(emailCfg{})
	require.NoError(t, err)
	assert.IsType(t, NoopSender{}, s)

	s, err = NewSender(emailCfg{enabled: true, brevo: "k", host: "smtp.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &BrevoSender{}, s)

	s, err = NewSender(emailCfg{enabled: true, host: "smtp.example.com"})
	require.NoError(t, err)
	assert.IsType(t, &SMTPSender{}, s)

	_, err = NewSender(emailCfg{enabled: true})
	assert.Error(t, err)
}
