package entitlement

import (
	"net/http"

	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const msgInvalidRequest = "invalid request"

// Handler exposes balances and consumes to the owning user, and credits to admins.
type Handler struct {
	ledger *Ledger
	val    *validator.Validator
}

// NewHandler creates an entitlement handler.
func NewHandler(ledger *Ledger, val *validator.Validator) *Handler {
	return &Handler{ledger: ledger, val: val}
}

type consumeRequest struct {
	IdempotencyKey string `json:"idempotencyKey" validate:"omitempty,max=200"`
}

type creditRequest struct {
	Source Source `json:"source" validate:"required,oneof=free paid"`
	Amount int    `json:"amount" validate:"required,min=1,max=10000"`
}

// Inspect handles GET /entitlements/:kind.
func (h *Handler) Inspect(c *gin.Context) {
	id := httpkit.MustGetIdentity(c)
	if id == nil {
		return
	}
	bal, err := h.ledger.Inspect(c.Request.Context(), id.UserID(), Kind(c.Param("kind")))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, bal)
}

// Consume handles POST /entitlements/:kind/consume. The Idempotency-Key
// header wins over the body field.
func (h *Handler) Consume(c *gin.Context) {
	id := httpkit.MustGetIdentity(c)
	if id == nil {
		return
	}

	var req consumeRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
			return
		}
	}
	if header := c.GetHeader("Idempotency-Key"); header != "" {
		req.IdempotencyKey = header
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}

	kind := Kind(c.Param("kind"))
	grant, err := h.ledger.TryConsume(c.Request.Context(), id.UserID(), kind, req.IdempotencyKey)
	if httpkit.HandleError(c, err) {
		return
	}
	if !grant.Granted {
		httpkit.HandleError(c, Exhausted(kind))
		return
	}
	httpkit.OK(c, grant)
}

// Credit handles POST /admin/entitlements/:userId/:kind/credit.
func (h *Handler) Credit(c *gin.Context) {
	accountID, err := uuid.Parse(c.Param("userId"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}

	var req creditRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, err.Error())
		return
	}

	bal, err := h.ledger.Credit(c.Request.Context(), accountID, Kind(c.Param("kind")), req.Source, req.Amount)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, bal)
}
