// Package domain holds the diagnosis request record and its lifecycle rules.
package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Status is the job lifecycle state. Transitions only move forward:
// queued -> processing -> completed | failed.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanTransition reports whether moving from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusQueued:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusProcessing || next.Terminal()
	default:
		return false
	}
}

// Urgency is the model's triage level.
type Urgency string

const (
	UrgencyLow      Urgency = "low"
	UrgencyMedium   Urgency = "medium"
	UrgencyHigh     Urgency = "high"
	UrgencyCritical Urgency = "critical"
)

// ParseUrgency maps free text onto the known levels. Unknown values read as medium.
func ParseUrgency(raw string) Urgency {
	switch Urgency(strings.ToLower(strings.TrimSpace(raw))) {
	case UrgencyLow:
		return UrgencyLow
	case UrgencyHigh:
		return UrgencyHigh
	case UrgencyCritical, "urgent", "emergency":
		return UrgencyCritical
	default:
		return UrgencyMedium
	}
}

// Vehicle is the optional context supplied with a report.
type Vehicle struct {
	Make     string `json:"make,omitempty"`
	Model    string `json:"model,omitempty"`
	Year     *int   `json:"year,omitempty"`
	Mileage  *int   `json:"mileage,omitempty"`
	FuelType string `json:"fuelType,omitempty"`
}

// Label renders "2015 Toyota Corolla" style text, skipping unknown parts.
func (v *Vehicle) Label() string {
	if v == nil {
		return ""
	}
	parts := make([]string, 0, 3)
	if v.Year != nil {
		parts = append(parts, fmt.Sprint(*v.Year))
	}
	if v.Make != "" {
		parts = append(parts, v.Make)
	}
	if v.Model != "" {
		parts = append(parts, v.Model)
	}
	return strings.Join(parts, " ")
}

// Action is one recommended step.
type Action struct {
	Action    string `json:"action"`
	Priority  string `json:"priority"`
	CostRange string `json:"cost_range,omitempty"`
}

// Result is the structured diagnosis produced by the orchestrator. Degraded
// marks a model answer that could not be parsed; RawResponse then holds the text.
type Result struct {
	Summary            string   `json:"diagnosis"`
	PossibleCauses     []string `json:"possible_causes"`
	RecommendedActions []Action `json:"recommended_actions"`
	UrgencyLevel       Urgency  `json:"urgency_level"`
	ConfidenceScore    float64  `json:"confidence_score"`
	SafetyWarnings     []string `json:"safety_warnings"`
	RawResponse        string   `json:"raw_response,omitempty"`
	Degraded           bool     `json:"degraded,omitempty"`
	Provider           string   `json:"provider,omitempty"`
}

// Location is where the owner wants service.
type Location struct {
	Region    string   `json:"region,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// Diagnosis is a persisted request and its lifecycle.
type Diagnosis struct {
	ID            uuid.UUID  `json:"id"`
	PublicToken   string     `json:"publicToken"`
	OwnerID       uuid.UUID  `json:"ownerId"`
	Symptoms      string     `json:"symptoms"`
	Vehicle       *Vehicle   `json:"vehicle,omitempty"`
	Location      Location   `json:"location"`
	Status        Status     `json:"status"`
	Result        *Result    `json:"result,omitempty"`
	ErrorDetail   string     `json:"errorDetail,omitempty"`
	IsFree        bool       `json:"isFree"`
	Attempts      int        `json:"attempts"`
	NextAttemptAt *time.Time `json:"nextAttemptAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Snapshot is the realtime payload for a diagnosis. It is built from a
// copy so later mutation of the record does not leak into published events.
type Snapshot struct {
	ID          uuid.UUID `json:"id"`
	Status      Status    `json:"status"`
	Attempts    int       `json:"attempts"`
	IsFree      bool      `json:"isFree"`
	Result      *Result   `json:"result,omitempty"`
	ErrorDetail string    `json:"errorDetail,omitempty"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Snapshot copies the fields published on status changes.
func (d Diagnosis) Snapshot() Snapshot {
	s := Snapshot{
		ID:          d.ID,
		Status:      d.Status,
		Attempts:    d.Attempts,
		IsFree:      d.IsFree,
		ErrorDetail: d.ErrorDetail,
		UpdatedAt:   d.UpdatedAt,
	}
	if d.Result != nil {
		r := *d.Result
		r.PossibleCauses = append([]string(nil), d.Result.PossibleCauses...)
		r.RecommendedActions = append([]Action(nil), d.Result.RecommendedActions...)
		r.SafetyWarnings = append([]string(nil), d.Result.SafetyWarnings...)
		s.Result = &r
	}
	return s
}

// Claimable identifies a diagnosis a worker could claim now, with the number
// of attempts already spent.
type Claimable struct {
	ID       uuid.UUID
	Attempts int
}
