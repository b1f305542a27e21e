// Package matching turns completed diagnoses into expert leads.
package matching

import (
	"context"
	"fmt"

	"diagnostics_backend/internal/events"
	apphttp "diagnostics_backend/internal/http"
	"diagnostics_backend/internal/matching/engine"
	"diagnostics_backend/internal/matching/handler"
	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/google/uuid"
)

// MatchEnqueuer hands a matching pass to the job queue.
type MatchEnqueuer interface {
	EnqueueMatch(ctx context.Context, diagnosisID uuid.UUID) error
}

// Module implements http.Module for leads.
type Module struct {
	engine  *engine.Engine
	handler *handler.Handler
	queue   MatchEnqueuer
	log     *logger.Logger
}

// NewModule wires the lead endpoints and subscribes to diagnosis completion.
// With a nil queue the pass runs inline in the completing worker.
func NewModule(e *engine.Engine, val *validator.Validator, bus events.Bus, queue MatchEnqueuer, log *logger.Logger) *Module {
	m := &Module{
		engine:  e,
		handler: handler.New(e, val),
		queue:   queue,
		log:     log.WithComponent("matching"),
	}
	bus.Subscribe(events.DiagnosisCompleted{}.EventName(), events.HandlerFunc(m.onDiagnosisCompleted))
	return m
}

func (m *Module) Name() string { return "matching" }

// Engine exposes the matching engine to the worker and ownership checks.
func (m *Module) Engine() *engine.Engine { return m.engine }

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	ctx.Admin.POST("/diagnoses/:id/match", m.handler.Match)

	leads := ctx.Protected.Group("/leads", httpkit.RequireRole(httpkit.RoleExpert))
	leads.GET("", m.handler.List)
	leads.PATCH("/:id/status", m.handler.UpdateStatus)
}

func (m *Module) onDiagnosisCompleted(ctx context.Context, event events.Event) error {
	e, ok := event.(events.DiagnosisCompleted)
	if !ok {
		return nil
	}
	if m.queue != nil {
		if err := m.queue.EnqueueMatch(ctx, e.DiagnosisID); err != nil {
			return fmt.Errorf("enqueue matching for %s: %w", e.DiagnosisID, err)
		}
		return nil
	}
	return m.engine.MatchForDiagnosis(ctx, e.DiagnosisID)
}
