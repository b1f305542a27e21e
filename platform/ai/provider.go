// Package ai defines the model provider abstraction used by the diagnosis
// pipeline. Vendor adapters live in subpackages and are selected once at
// construction time by the providers package.
package ai

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Prompt is a single-turn request to a text model.
type Prompt struct {
	System      string
	User        string
	Temperature float64
	MaxTokens   int
}

// Provider turns a prompt into raw model text.
type Provider interface {
	Name() string
	Complete(ctx context.Context, prompt Prompt) (string, error)
}

// ProviderError is returned for every failure reaching or reading from a
// model vendor: transport errors, non-2xx statuses, auth failures, empty
// responses and timeouts.
type ProviderError struct {
	Provider   string
	StatusCode int
	Timeout    bool
	Err        error
}

func (e *ProviderError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: request timed out: %v", e.Provider, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%s: status %d: %v", e.Provider, e.StatusCode, e.Err)
	default:
		return fmt.Sprintf("%s: %v", e.Provider, e.Err)
	}
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err for provider. An existing ProviderError is
// returned unchanged. Deadline and network timeouts set Timeout.
func NewProviderError(provider string, statusCode int, err error) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe
	}
	return &ProviderError{
		Provider:   provider,
		StatusCode: statusCode,
		Timeout:    isTimeout(err),
		Err:        err,
	}
}

// IsProviderError reports whether err carries a ProviderError.
func IsProviderError(err error) bool {
	var pe *ProviderError
	return errors.As(err, &pe)
}

// ErrEmptyResponse is wrapped when a vendor answers without any text.
var ErrEmptyResponse = errors.New("empty model response")

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
