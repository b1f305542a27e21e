// Package diagnosis is the symptom-report bounded context: submission,
// status reads and the job pipeline that turns a report into a result.
package diagnosis

import (
	"diagnostics_backend/internal/diagnosis/handler"
	"diagnostics_backend/internal/diagnosis/service"
	apphttp "diagnostics_backend/internal/http"
	"diagnostics_backend/platform/validator"
)

// Module implements http.Module for diagnoses.
type Module struct {
	svc     *service.Service
	handler *handler.Handler
}

func NewModule(svc *service.Service, val *validator.Validator) *Module {
	return &Module{svc: svc, handler: handler.New(svc, val)}
}

func (m *Module) Name() string { return "diagnosis" }

// Service exposes the use cases to other modules.
func (m *Module) Service() *service.Service { return m.svc }

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	g := ctx.Protected.Group("/diagnoses")
	g.POST("", m.handler.Submit)
	g.GET("", m.handler.List)
	g.GET("/:id", m.handler.Get)

	public := ctx.V1.Group("/public/diagnoses")
	if ctx.PublicRateLimiter != nil {
		public.Use(ctx.PublicRateLimiter.RateLimit())
	}
	public.GET("/:token", m.handler.GetPublic)

	ctx.Admin.POST("/diagnoses/:id/requeue", m.handler.Requeue)
}
