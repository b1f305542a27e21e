// Package whatsapp sends text messages through a GOWA-compatible gateway.
// It carries the sms channel of the notification outbox.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"diagnostics_backend/platform/config"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/phone"
)

// ErrInvalidRecipient is returned for numbers that do not parse as E.164.
var ErrInvalidRecipient = errors.New("whatsapp: invalid recipient number")

type Client struct {
	baseURL  string
	username string
	password string
	deviceID string
	http     *http.Client
	log      *logger.Logger
}

type gowaRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

// NewClient returns nil when no gateway URL is configured; a nil client
// drops messages.
func NewClient(cfg config.WhatsAppConfig, log *logger.Logger) *Client {
	if cfg.GetWhatsAppURL() == "" {
		return nil
	}

	return &Client{
		baseURL:  strings.TrimRight(cfg.GetWhatsAppURL(), "/"),
		username: cfg.GetWhatsAppUsername(),
		password: cfg.GetWhatsAppPassword(),
		deviceID: cfg.GetWhatsAppDevice(),
		http:     &http.Client{Timeout: 10 * time.Second},
		log:      log.WithComponent("whatsapp"),
	}
}

// WithHTTPClient swaps the transport.
func (c *Client) WithHTTPClient(h *http.Client) *Client {
	c.http = h
	return c
}

func (c *Client) SendMessage(ctx context.Context, phoneNumber string, message string) error {
	if c == nil {
		return nil
	}

	e164, ok := phone.ParseE164(phoneNumber)
	if !ok {
		return ErrInvalidRecipient
	}
	normalized := strings.TrimPrefix(e164, "+")

	body, err := json.Marshal(gowaRequest{
		Phone:   normalized + "@s.whatsapp.net",
		Message: message,
	})
	if err != nil {
		return fmt.Errorf("marshal whatsapp payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/send/message", bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}
	if c.deviceID != "" {
		req.Header.Set("X-Device-Id", c.deviceID)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= http.StatusBadRequest {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("whatsapp service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	c.log.Info("whatsapp message sent", "phone", maskPhone(normalized))
	return nil
}

func maskPhone(p string) string {
	if len(p) <= 4 {
		return "****"
	}
	return strings.Repeat("*", len(p)-4) + p[len(p)-4:]
}
