// Package domain holds expert and lead records for lead distribution.
package domain

import (
	"time"

	"github.com/google/uuid"
)

// LeadStatus tracks how far an expert has taken a lead.
type LeadStatus string

const (
	LeadNew       LeadStatus = "new"
	LeadViewed    LeadStatus = "viewed"
	LeadContacted LeadStatus = "contacted"
	LeadConverted LeadStatus = "converted"
	LeadClosed    LeadStatus = "closed"
)

var leadOrder = map[LeadStatus]int{
	LeadNew:       0,
	LeadViewed:    1,
	LeadContacted: 2,
	LeadConverted: 3,
}

// Valid reports whether s is a known status.
func (s LeadStatus) Valid() bool {
	_, ok := leadOrder[s]
	return ok || s == LeadClosed
}

// Terminal reports whether no further transition is possible.
func (s LeadStatus) Terminal() bool {
	return s == LeadConverted || s == LeadClosed
}

// CanTransition allows forward moves along new, viewed, contacted, converted
// and closing from any non-terminal status.
func (s LeadStatus) CanTransition(next LeadStatus) bool {
	if s.Terminal() || !next.Valid() {
		return false
	}
	if next == LeadClosed {
		return true
	}
	return leadOrder[next] > leadOrder[s]
}

// Expert is a service provider that can receive leads.
type Expert struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"userId"`
	DisplayName  string    `json:"displayName"`
	Email        string    `json:"email,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Regions      []string  `json:"regions"`
	VehicleMakes []string  `json:"vehicleMakes"`
	Rating       float64   `json:"rating"`
	Latitude     *float64  `json:"latitude,omitempty"`
	Longitude    *float64  `json:"longitude,omitempty"`
	IsPriority   bool      `json:"isPriority"`
}

// Lead is one diagnosis handed to one expert.
type Lead struct {
	ID          uuid.UUID  `json:"id"`
	DiagnosisID uuid.UUID  `json:"diagnosisId"`
	ExpertID    uuid.UUID  `json:"expertId"`
	Status      LeadStatus `json:"status"`
	IsFreeLead  bool       `json:"isFreeLead"`
	Rank        int        `json:"rank"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// Criteria narrows the expert pool for one diagnosis. Empty Region or Make
// means the requester did not provide it.
type Criteria struct {
	DiagnosisID uuid.UUID
	Region      string
	Make        string
	Origin      Origin
}
