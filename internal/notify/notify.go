// Package notify delivers booking outcome events. Delivery is best-effort:
// a notifier that errors never affects booking state, callers only log.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Outcome string

const (
	OutcomeBooked         Outcome = "booked"
	OutcomeNoAvailability Outcome = "no_availability"
	OutcomeFailed         Outcome = "failed"
	OutcomeSystemError    Outcome = "system_error"
)

type Event struct {
	RequestID  uuid.UUID
	Outcome    Outcome
	TargetDate time.Time
	SlotTime   string // HH:MM of the secured or requested slot
	CourtName  string // set on booked
	Detail     string
}

type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Multi fans out to each notifier and joins the failures. A nil or empty
// Multi is a valid no-op notifier.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
