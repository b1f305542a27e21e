// Package events provides domain event definitions for decoupled,
// event-driven communication between modules.
// Infrastructure (Bus, Handler) is in platform/events.
package events

import (
	"time"

	"diagnostics_backend/platform/events"

	"github.com/google/uuid"
)

// Re-export platform types for convenience
type (
	Event       = events.Event
	Bus         = events.Bus
	Handler     = events.Handler
	HandlerFunc = events.HandlerFunc
	BaseEvent   = events.BaseEvent
)

// Re-export platform functions
var NewBaseEvent = events.NewBaseEvent

// =============================================================================
// Diagnosis Domain Events
// =============================================================================

// DiagnosisSubmitted is published after a diagnosis request has been stored
// and its entitlement consumed.
type DiagnosisSubmitted struct {
	BaseEvent
	DiagnosisID uuid.UUID `json:"diagnosisId"`
	OwnerID     uuid.UUID `json:"ownerId"`
	IsFree      bool      `json:"isFree"`
}

func (e DiagnosisSubmitted) EventName() string { return "diagnosis.submitted" }

// DiagnosisCompleted is published once a diagnosis reaches the completed state.
type DiagnosisCompleted struct {
	BaseEvent
	DiagnosisID uuid.UUID `json:"diagnosisId"`
	OwnerID     uuid.UUID `json:"ownerId"`
	Degraded    bool      `json:"degraded"`
}

func (e DiagnosisCompleted) EventName() string { return "diagnosis.completed" }

// DiagnosisFailed is published once a diagnosis exhausts its attempts.
type DiagnosisFailed struct {
	BaseEvent
	DiagnosisID uuid.UUID `json:"diagnosisId"`
	OwnerID     uuid.UUID `json:"ownerId"`
	Error       string    `json:"error"`
}

func (e DiagnosisFailed) EventName() string { return "diagnosis.failed" }

// =============================================================================
// Lead Domain Events
// =============================================================================

// LeadCreated is published for every lead distributed to an expert.
type LeadCreated struct {
	BaseEvent
	LeadID       uuid.UUID `json:"leadId"`
	DiagnosisID  uuid.UUID `json:"diagnosisId"`
	ExpertID     uuid.UUID `json:"expertId"`
	ExpertName   string    `json:"expertName"`
	ExpertEmail  string    `json:"expertEmail"`
	ExpertPhone  string    `json:"expertPhone"`
	IsFreeLead   bool      `json:"isFreeLead"`
	Summary      string    `json:"summary"`
	UrgencyLevel string    `json:"urgencyLevel"`
	VehicleLabel string    `json:"vehicleLabel"`
}

func (e LeadCreated) EventName() string { return "leads.lead.created" }

// =============================================================================
// OTP Domain Events
// =============================================================================

// OTPIssued is published when a new code has been generated for a subject.
// Code holds the plaintext and must never be persisted beyond the delivery.
type OTPIssued struct {
	BaseEvent
	Subject   string    `json:"subject"`
	Purpose   string    `json:"purpose"`
	Channel   string    `json:"channel"`
	Code      string    `json:"-"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e OTPIssued) EventName() string { return "otp.issued" }
