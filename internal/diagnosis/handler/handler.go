package handler

import (
	"net/http"
	"strconv"

	"diagnostics_backend/internal/diagnosis/domain"
	"diagnostics_backend/internal/diagnosis/service"
	"diagnostics_backend/platform/httpkit"
	"diagnostics_backend/platform/validator"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	msgInvalidRequest = "invalid request"
	msgValidation     = "validation error"
	msgInvalidID      = "invalid diagnosis id"
)

// Handler serves the diagnosis endpoints.
type Handler struct {
	svc *service.Service
	val *validator.Validator
}

func New(svc *service.Service, val *validator.Validator) *Handler {
	return &Handler{svc: svc, val: val}
}

type vehicleRequest struct {
	Make     string `json:"make" validate:"omitempty,max=60"`
	Model    string `json:"model" validate:"omitempty,max=60"`
	Year     *int   `json:"year" validate:"omitempty,vehicleyear"`
	Mileage  *int   `json:"mileage" validate:"omitempty,min=0,max=3000000"`
	FuelType string `json:"fuelType" validate:"omitempty,oneof=petrol diesel electric hybrid lpg cng other"`
}

type locationRequest struct {
	Region    string   `json:"region" validate:"omitempty,max=100"`
	Latitude  *float64 `json:"latitude" validate:"omitempty,latitude"`
	Longitude *float64 `json:"longitude" validate:"omitempty,longitude"`
}

type submitRequest struct {
	Symptoms string           `json:"symptoms" validate:"required,min=10,max=4000"`
	Vehicle  *vehicleRequest  `json:"vehicle"`
	Location *locationRequest `json:"location"`
}

// Submit handles POST /diagnoses.
func (h *Handler) Submit(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}

	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidRequest, nil)
		return
	}
	if err := h.val.Struct(req); err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgValidation, err.Error())
		return
	}

	params := service.SubmitParams{OwnerID: identity.UserID(), Symptoms: req.Symptoms}
	if v := req.Vehicle; v != nil {
		params.Vehicle = &domain.Vehicle{Make: v.Make, Model: v.Model, Year: v.Year, Mileage: v.Mileage, FuelType: v.FuelType}
	}
	if l := req.Location; l != nil {
		params.Location = domain.Location{Region: l.Region, Latitude: l.Latitude, Longitude: l.Longitude}
	}

	sub, err := h.svc.Submit(c.Request.Context(), params)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, sub)
}

// Get handles GET /diagnoses/:id.
func (h *Handler) Get(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}

	d, err := h.svc.Get(c.Request.Context(), identity.UserID(), identity.HasRole(httpkit.RoleAdmin), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, d)
}

// List handles GET /diagnoses.
func (h *Handler) List(c *gin.Context) {
	identity := httpkit.MustGetIdentity(c)
	if identity == nil {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	items, err := h.svc.List(c.Request.Context(), identity.UserID(), limit)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, gin.H{"items": items})
}

// GetPublic handles GET /public/diagnoses/:token.
func (h *Handler) GetPublic(c *gin.Context) {
	view, err := h.svc.GetPublic(c.Request.Context(), c.Param("token"))
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.OK(c, view)
}

// Requeue handles POST /admin/diagnoses/:id/requeue.
func (h *Handler) Requeue(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		httpkit.Error(c, http.StatusBadRequest, msgInvalidID, nil)
		return
	}
	d, err := h.svc.Requeue(c.Request.Context(), id)
	if httpkit.HandleError(c, err) {
		return
	}
	httpkit.Accepted(c, gin.H{"id": d.ID, "status": d.Status, "attempts": d.Attempts})
}
