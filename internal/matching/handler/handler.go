package handler

import (
	"net/http"
	"strconv"

	"diagnostics_backend/internal/matching/domain"
	"diagnostics_backend/internal/matching/engine"
	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest = "invalid request"
	msgValidation     = "validation error"
)

// Handler serves lead endpoints.
type Handler struct {
	engine *engine.Engine
	val    *validator.Validator
}

func New(e *engine.Engine, val *validator.Validator) *Handler {
	return &Handler{engine: e, val: val}
}

// Match handles POST /admin/diagnoses/:id/match.
func (h *Handler) Match(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid diagnosis id", nil)
		return
	}
	res, err := h.engine.MatchLeads(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, res)
}

// List handles GET /leads.
func (h *Handler) List(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))

	leads, err := h.engine.ListLeads(c.Request.Context(), identity.UserID(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"items": leads})
}

type statusRequest struct {
	Status string `json:"status" validate:"required,oneof=viewed contacted converted closed"`
}

// UpdateStatus handles PATCH /leads/:id/status.
func (h *Handler) UpdateStatus(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid lead id", nil)
		return
	}

	var req statusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidation, err.Error())
		return
	}

	lead, err := h.engine.UpdateLeadStatus(c.Request.Context(), identity.UserID(), id, domain.LeadStatus(req.Status))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, lead)
}
