package booking

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusScheduled Status = "scheduled"
	StatusExecuting Status = "executing"
	StatusBooked    Status = "booked"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s
// (other than administrative deletion).
func (s Status) Terminal() bool {
	switch s {
	case StatusBooked, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Choice identifies which preference of a request was secured.
type Choice string

const (
	ChoicePrimary  Choice = "primary"
	ChoiceFallback Choice = "fallback"
)

// Request is one court-booking request. TargetDate is the day the court is
// for; ExecuteAt is when the execution engine wakes up, shortly before the
// slot release at midnight.
type Request struct {
	ID             uuid.UUID
	TargetDate     time.Time // local midnight of the reservation day
	ChoicePrimary  string    // preferred slot time, "HH:MM"
	ChoiceFallback string    // optional second preference, "" = none

	Status    Status
	ExecuteAt time.Time

	// Set on booked.
	ResultChoice Choice
	ResultLabel  string // court name as reported by the portal

	// Set on failed.
	ErrorDetail string

	EvidenceRef string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRequest validates the inputs and returns a pending request.
// now is the validation reference time, normally time.Now().
func NewRequest(target time.Time, primary, fallback string, now time.Time) (Request, error) {
	primary = strings.TrimSpace(primary)
	fallback = strings.TrimSpace(fallback)

	if target.IsZero() {
		return Request{}, &ValidationError{Msg: "target date required"}
	}
	if !target.After(now) {
		return Request{}, &ValidationError{Msg: "target date must be in the future"}
	}
	if primary == "" {
		return Request{}, &ValidationError{Msg: "primary slot time required"}
	}
	if _, err := ParseSlotTime(primary); err != nil {
		return Request{}, &ValidationError{Msg: "primary slot time: " + err.Error()}
	}
	if fallback != "" {
		if _, err := ParseSlotTime(fallback); err != nil {
			return Request{}, &ValidationError{Msg: "fallback slot time: " + err.Error()}
		}
	}

	return Request{
		ID:             uuid.New(),
		TargetDate:     target,
		ChoicePrimary:  primary,
		ChoiceFallback: fallback,
		Status:         StatusPending,
	}, nil
}

// HasFallback reports whether a second preference exists.
func (r Request) HasFallback() bool { return r.ChoiceFallback != "" }
