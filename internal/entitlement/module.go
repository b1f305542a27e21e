package entitlement

import (
	apphttp "diagnostics_backend/internal/http"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"
)

// Module is the entitlement bounded context implementing http.Module.
type Module struct {
	ledger  *Ledger
	handler *Handler
}

// NewModule wires the ledger over store.
func NewModule(store Store, val *validator.Validator, log *logger.Logger) *Module {
	ledger := NewLedger(store, log)
	return &Module{ledger: ledger, handler: NewHandler(ledger, val)}
}

// Name returns the module identifier.
func (m *Module) Name() string { return "entitlement" }

// Ledger exposes the service for other modules.
func (m *Module) Ledger() *Ledger { return m.ledger }

// RegisterRoutes mounts the entitlement routes.
func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	g := ctx.Protected.Group("/entitlements")
	g.GET("/:kind", m.handler.Inspect)
	g.POST("/:kind/consume", m.handler.Consume)

	ctx.Admin.POST("/entitlements/:userId/:kind/credit", m.handler.Credit)
}
