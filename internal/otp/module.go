package otp

import (
	apphttp "diagnostics_backend/internal/http"
	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"golang.org/x/time/rate"
)

// One code per subject per 30s, with a small burst for typos.
const (
	subjectRate  = rate.Limit(1.0 / 30)
	subjectBurst = 3
)

// Module implements http.Module for one-time passcodes.
type Module struct {
	manager *Manager
	handler *Handler
}

func NewModule(manager *Manager, val *validator.Validator, log *logger.Logger) *Module {
	limiter := httpkit.NewKeyedRateLimiter(subjectRate, subjectBurst, nil, log)
	return &Module{
		manager: manager,
		handler: NewHandler(manager, val, limiter, log),
	}
}

func (m *Module) Name() string { return "otp" }

// Manager exposes the lifecycle service to the worker cleanup.
func (m *Module) Manager() *Manager { return m.manager }

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	g := ctx.V1.Group("/otp")
	if ctx.PublicRateLimiter != nil {
		g.Use(ctx.PublicRateLimiter.RateLimit())
	}
	g.POST("/generate", m.handler.Generate)
	g.POST("/resend", m.handler.Resend)
	g.POST("/verify", m.handler.Verify)
}
