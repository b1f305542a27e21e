package otp

import (
	"net/http"
	"strings"

	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/logger"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
)

// Handler serves the public code endpoints.
type Handler struct {
	manager *Manager
	val     *validator.Validator
	subject *httpkit.KeyedRateLimiter
	log     *logger.Logger
}

// NewHandler throttles issuing per client IP and subject with limiter.
func NewHandler(manager *Manager, val *validator.Validator, limiter *httpkit.KeyedRateLimiter, log *logger.Logger) *Handler {
	return &Handler{manager: manager, val: val, subject: limiter, log: log}
}

type issueRequest struct {
	Subject string `json:"subject" validate:"required,max=254"`
	Purpose string `json:"purpose" validate:"required,oneof=email_verification password_reset phone_verification"`
}

type verifyRequest struct {
	Subject string `json:"subject" validate:"required,max=254"`
	Purpose string `json:"purpose" validate:"required,oneof=email_verification password_reset phone_verification"`
	Code    string `json:"code" validate:"required,len=6,numeric"`
}

// Generate handles POST /otp/generate.
func (h *Handler) Generate(c *gin.Context) { h.issue(c, false) }

// Resend handles POST /otp/resend.
func (h *Handler) Resend(c *gin.Context) { h.issue(c, true) }

func (h *Handler) issue(c *gin.Context, resend bool) {
	var req issueRequest
	if !h.bind(c, &req) {
		return
	}
	if !h.allow(c, req.Subject) {
		return
	}

	fn := h.manager.Generate
	if resend {
		fn = h.manager.Resend
	}
	issued, err := fn(c.Request.Context(), req.Subject, Purpose(req.Purpose))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, issued)
}

// Verify handles POST /otp/verify.
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if !h.bind(c, &req) {
		return
	}
	if !h.allow(c, req.Subject) {
		return
	}

	ok, err := h.manager.Verify(c.Request.Context(), req.Subject, Purpose(req.Purpose), req.Code)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"verified": ok})
}

func (h *Handler) bind(c *gin.Context, req any) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "invalid request", nil)
		return false
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, "validation error", err.Error())
		return false
	}
	return true
}

func (h *Handler) allow(c *gin.Context, subject string) bool {
	if h.subject == nil {
		return true
	}
	key := c.ClientIP() + "|" + strings.ToLower(strings.TrimSpace(subject))
	if h.subject.Allow(key) {
		return true
	}
	h.log.RateLimitExceeded(c.ClientIP(), c.Request.URL.Path)
	httpkit.Error(c, http.StatusTooManyRequests, "too many requests for this subject", nil)
	return false
}
