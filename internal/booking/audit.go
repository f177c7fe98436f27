package booking

import (
	"time"

	"github.com/google/uuid"
)

// Phase names the execution engine steps recorded in the audit log.
type Phase string

const (
	PhaseWake           Phase = "wake"
	PhasePrepare        Phase = "prepare"
	PhaseArmed          Phase = "armed"
	PhaseCommitPrimary  Phase = "commit_primary"
	PhaseCommitFallback Phase = "commit_fallback"
	PhaseVerify         Phase = "verify"
	PhaseRelease        Phase = "release"
)

type AuditOutcome string

const (
	AuditSuccess AuditOutcome = "success"
	AuditFailed  AuditOutcome = "failed"
	AuditError   AuditOutcome = "error"
)

// AuditEntry is one append-only row in a request's execution trail.
// Ordering by Timestamp reconstructs the narrative of an attempt.
type AuditEntry struct {
	RequestID   uuid.UUID
	Timestamp   time.Time
	Phase       Phase
	Outcome     AuditOutcome
	Detail      string
	EvidenceRef string
}
