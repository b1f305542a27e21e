// Package entitlement is the quota ledger for diagnosis and lead credits.
// Callers can only consume one unit atomically, inspect balances, or credit
// an allotment; raw counters are never exposed for mutation.
package entitlement

import (
	"fmt"

	"diagnostics_backend/platform/apperr"

	"github.com/google/uuid"
)

// Kind is the countable the credit buys.
type Kind string

const (
	KindDiagnosis Kind = "diagnosis"
	KindLead      Kind = "lead"
)

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	return k == KindDiagnosis || k == KindLead
}

// Source tells which counter a unit was taken from.
type Source string

const (
	SourceFree Source = "free"
	SourcePaid Source = "paid"
)

// Valid reports whether s is a known source.
func (s Source) Valid() bool {
	return s == SourceFree || s == SourcePaid
}

// Balance is a snapshot of one account's counters for one kind.
type Balance struct {
	AccountID     uuid.UUID `json:"accountId"`
	Kind          Kind      `json:"kind"`
	FreeRemaining int       `json:"freeRemaining"`
	PaidRemaining int       `json:"paidRemaining"`
}

// Total is the number of consumable units left.
func (b Balance) Total() int {
	return b.FreeRemaining + b.PaidRemaining
}

// Grant is the outcome of a consume attempt. Replayed is set when the
// idempotency key had already been consumed and nothing was decremented.
type Grant struct {
	Granted  bool   `json:"granted"`
	Source   Source `json:"source,omitempty"`
	Replayed bool   `json:"replayed,omitempty"`
}

// pickSource applies the free-first rule. ok is false when both counters
// are zero.
func pickSource(b Balance) (Source, bool) {
	switch {
	case b.FreeRemaining > 0:
		return SourceFree, true
	case b.PaidRemaining > 0:
		return SourcePaid, true
	default:
		return "", false
	}
}

// Exhausted builds the user-facing error for a denied consume.
func Exhausted(kind Kind) *apperr.Error {
	return apperr.PaymentRequired(fmt.Sprintf("no %s credits remaining", kind)).
		WithDetails(map[string]string{"kind": string(kind)})
}

// ErrInvalidKind is returned for unknown kinds.
var ErrInvalidKind = apperr.Validation("unknown entitlement kind")
