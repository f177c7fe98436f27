// Package store owns all durable state for booking requests and their
// execution audit trail. Mutation goes through a compare-and-set on status;
// the audit log is append-only and never participates in the CAS.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
)

// Fields carries the optional columns a status transition may set.
// Nil pointers leave the stored value untouched.
type Fields struct {
	ExecuteAt    *time.Time
	ResultChoice *booking.Choice
	ResultLabel  *string
	ErrorDetail  *string
	EvidenceRef  *string
}

type Stats struct {
	Total     int
	Pending   int
	Scheduled int
	Executing int
	Booked    int
	Failed    int
	Cancelled int
}

type Store interface {
	// Create persists a new request. CreatedAt/UpdatedAt are set by the store.
	Create(ctx context.Context, req booking.Request) (booking.Request, error)

	Get(ctx context.Context, id uuid.UUID) (booking.Request, error)

	// List returns requests ordered by execute_at ascending. An empty status
	// matches all.
	List(ctx context.Context, status booking.Status) ([]booking.Request, error)

	// UpdateStatus transitions id from -> to, applying f atomically with the
	// transition. A request not currently in from fails with
	// *booking.ConflictError; this is the sole synchronization primitive that
	// prevents two concurrent triggers from double-executing a request.
	UpdateStatus(ctx context.Context, id uuid.UUID, from, to booking.Status, f Fields) (booking.Request, error)

	// Delete removes a request and its audit trail.
	Delete(ctx context.Context, id uuid.UUID) error

	AppendAudit(ctx context.Context, e booking.AuditEntry) error

	// AuditLog returns the trail for id ordered by timestamp ascending.
	AuditLog(ctx context.Context, id uuid.UUID) ([]booking.AuditEntry, error)

	Stats(ctx context.Context) (Stats, error)
}

func strPtr(s string) *string { return &s }

// FieldsForFailure builds the Fields for a terminal FAILED transition.
func FieldsForFailure(detail, evidenceRef string) Fields {
	f := Fields{ErrorDetail: strPtr(detail)}
	if evidenceRef != "" {
		f.EvidenceRef = strPtr(evidenceRef)
	}
	return f
}

// FieldsForBooked builds the Fields for a terminal BOOKED transition.
func FieldsForBooked(choice booking.Choice, label, evidenceRef string) Fields {
	f := Fields{ResultChoice: &choice, ResultLabel: strPtr(label)}
	if evidenceRef != "" {
		f.EvidenceRef = strPtr(evidenceRef)
	}
	return f
}
