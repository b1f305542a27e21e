// Package orchestrator turns a symptom report into a structured diagnosis
// through the configured model provider. It makes exactly one provider call
// per invocation; retry policy belongs to the job state machine.
package orchestrator

import (
	"context"
	"time"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/platform/ai"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/metrics"
)

// Options tune the provider call.
type Options struct {
	Timeout     time.Duration
	Temperature float64
	MaxTokens   int
}

// Orchestrator builds the prompt, calls the provider and parses the answer.
type Orchestrator struct {
	provider ai.Provider
	opts     Options
	log      *logger.Logger
}

// New creates an orchestrator. A zero timeout defaults to 60s.
func New(provider ai.Provider, opts Options, log *logger.Logger) *Orchestrator {
	if opts.Timeout <= 0 {
		opts.Timeout = 60 * time.Second
	}
	return &Orchestrator{provider: provider, opts: opts, log: log}
}

// Diagnose returns a Result or an *ai.ProviderError. An unparseable answer is
// not an error: the Result comes back with Degraded set.
func (o *Orchestrator) Diagnose(ctx context.Context, symptoms string, vehicle *domain.Vehicle) (domain.Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.opts.Timeout)
	defer cancel()

	prompt := ai.Prompt{
		System:      systemPrompt,
		User:        buildUserPrompt(symptoms, vehicle),
		Temperature: o.opts.Temperature,
		MaxTokens:   o.opts.MaxTokens,
	}

	start := time.Now()
	text, err := o.provider.Complete(callCtx, prompt)
	latency := time.Since(start)
	metrics.ObserveProviderCall(o.provider.Name(), latency, err)
	o.log.WithContext(ctx).ProviderCall(o.provider.Name(), latency, err)

	if err != nil {
		if callCtx.Err() != nil && ctx.Err() == nil {
			err = &ai.ProviderError{Provider: o.provider.Name(), Timeout: true, Err: callCtx.Err()}
		}
		return domain.Result{}, ai.NewProviderError(o.provider.Name(), 0, err)
	}

	result := parseResult(text)
	result.Provider = o.provider.Name()
	if result.Degraded {
		o.log.WithContext(ctx).Warn("diagnosis response could not be parsed", "provider", o.provider.Name())
	}
	return result, nil
}
