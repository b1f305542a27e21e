// Package otp issues and verifies short-lived one-time passcodes. Only one
// code per (subject, purpose) is active at a time and each code verifies at
// most once.
package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"strings"
	"time"

	"diagnostics_backend/platform/apperr"
	"diagnostics_backend/platform/phone"

	"github.com/google/uuid"
)

// Purpose scopes a code to one flow.
type Purpose string

const (
	PurposeEmailVerification Purpose = "email_verification"
	PurposePasswordReset     Purpose = "password_reset"
	PurposePhoneVerification Purpose = "phone_verification"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeEmailVerification, PurposePasswordReset, PurposePhoneVerification:
		return true
	}
	return false
}

// Channel is how the code reaches the subject.
func (p Purpose) Channel() string {
	if p == PurposePhoneVerification {
		return "sms"
	}
	return "email"
}

const codeDigits = 6

var (
	// ErrOTPInvalid covers wrong, consumed, superseded and unknown codes.
	ErrOTPInvalid = apperr.Validation("invalid or already used code")
	// ErrOTPExpired is returned when the active code is past its expiry.
	ErrOTPExpired = apperr.Gone("code has expired")
	// ErrUnknownPurpose rejects purposes outside the known flows.
	ErrUnknownPurpose = apperr.Validation("unknown code purpose")
)

// Code is a stored passcode. Only the bcrypt hash is kept.
type Code struct {
	ID           uuid.UUID
	Subject      string
	Purpose      Purpose
	CodeHash     string
	ExpiresAt    time.Time
	ConsumedAt   *time.Time
	SupersededAt *time.Time
	CreatedAt    time.Time
}

// Issued is what Generate hands back to the caller.
type Issued struct {
	Code      string    `json:"-"`
	Subject   string    `json:"subject"`
	Purpose   Purpose   `json:"purpose"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// newCode returns a uniformly random zero-padded six digit string.
func newCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()), nil
}

// NormalizeSubject canonicalizes the subject for its purpose: phone numbers
// become E.164 and addresses are lower-cased.
func NormalizeSubject(purpose Purpose, subject string) (string, error) {
	subject = strings.TrimSpace(subject)
	if purpose == PurposePhoneVerification {
		e164, ok := phone.ParseE164(subject)
		if !ok {
			return "", apperr.Validation("invalid phone number")
		}
		return e164, nil
	}
	subject = strings.ToLower(subject)
	if at := strings.LastIndex(subject, "@"); at < 1 || at == len(subject)-1 {
		return "", apperr.Validation("invalid email address")
	}
	return subject, nil
}
