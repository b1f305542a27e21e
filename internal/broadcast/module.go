package broadcast

import (
	apphttp "diagnostics_backend/internal/http"
)

// Module mounts the realtime stream and conversation relay.
type Module struct {
	handler *Handler
}

func NewModule(handler *Handler) *Module {
	return &Module{handler: handler}
}

func (m *Module) Name() string { return "realtime" }

func (m *Module) RegisterRoutes(ctx *apphttp.RouterContext) {
	rt := ctx.Protected.Group("/realtime")
	rt.GET("/stream", m.handler.Stream)
	rt.POST("/conversations/:id/messages", m.handler.PostMessage)
	rt.POST("/conversations/:id/read", m.handler.MarkRead)
}
