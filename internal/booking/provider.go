package booking

import (
	"context"
	"time"
)

// Session is an authenticated, staged portal session. It is opaque to the
// engine and exclusively owned by one request's execution for its lifetime.
type Session interface {
	// Staged reports whether the booking page is loaded and ready for the
	// commit click.
	Staged() bool
}

// CommitStatus distinguishes "the slot is gone" from transport failure.
// Unavailable drives the fallback preference and is never retried;
// transport problems come back as ordinary errors and are retried.
type CommitStatus string

const (
	CommitBooked      CommitStatus = "booked"
	CommitUnavailable CommitStatus = "unavailable"
)

type CommitResult struct {
	Status      CommitStatus
	Label       string // court name, set when Status == CommitBooked
	EvidenceRef string
}

type VerifyResult struct {
	Confirmed   bool
	EvidenceRef string
}

// Provider is the remote actor performing the timed portal interaction.
// Every method is a bounded-duration call, safe to retry within the
// engine's budget.
type Provider interface {
	// Prepare authenticates and stages the booking page for target.
	Prepare(ctx context.Context, target time.Time) (Session, error)

	// Commit attempts to grab the slot at the given HH:MM choice.
	Commit(ctx context.Context, s Session, choice string) (CommitResult, error)

	// Verify confirms the commit was durably accepted by the portal.
	Verify(ctx context.Context, s Session) (VerifyResult, error)

	// Release frees the session. Must be called on every exit path.
	Release(s Session)
}
