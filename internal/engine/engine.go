// Package engine drives one booking request from wake-up through the
// commit instant to a terminal status. Each request runs in its own
// goroutine; the scheduled→executing compare-and-set in the store is what
// makes concurrent triggers (restart races, duplicate timers) safe.
package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/notify"
	"github.com/example/court-scheduler/internal/store"
)

type Config struct {
	// PrepareBackoff is the initial delay between failed PREPARE attempts.
	// It doubles per failure up to PrepareBackoffCap.
	PrepareBackoff    time.Duration
	PrepareBackoffCap time.Duration

	// CommitRetries bounds retries of transient commit errors per choice.
	CommitRetries int
	// CommitRetryDelay separates those retries; the commit window is short,
	// so this stays small.
	CommitRetryDelay time.Duration

	// VerifyRetries bounds verification attempts before declaring the
	// commit unverified.
	VerifyRetries int
}

func DefaultConfig() Config {
	return Config{
		PrepareBackoff:    5 * time.Second,
		PrepareBackoffCap: time.Minute,
		CommitRetries:     3,
		CommitRetryDelay:  500 * time.Millisecond,
		VerifyRetries:     2,
	}
}

type Engine struct {
	store    store.Store
	provider booking.Provider
	notifier notify.Notifier
	window   booking.Window
	cfg      Config
	logger   *slog.Logger
}

func New(st store.Store, provider booking.Provider, notifier notify.Notifier, window booking.Window, cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if notifier == nil {
		notifier = notify.Multi{}
	}
	return &Engine{store: st, provider: provider, notifier: notifier, window: window, cfg: cfg, logger: logger}
}

// Execute runs the full state machine for one request. It is safe to call
// from multiple triggers: only the caller that wins the scheduled→executing
// CAS proceeds, everyone else returns immediately.
func (e *Engine) Execute(ctx context.Context, id uuid.UUID) {
	req, err := e.store.UpdateStatus(ctx, id, booking.StatusScheduled, booking.StatusExecuting, store.Fields{})
	if err != nil {
		if booking.IsConflict(err) {
			e.logger.Info("execution already claimed or cancelled", "id", id)
			return
		}
		e.logger.Error("wake transition failed", "id", id, "err", err)
		return
	}

	log := e.logger.With("id", req.ID, "target", req.TargetDate.Format("2006-01-02"))
	commitAt := e.window.CommitAt(req.TargetDate)
	log.Info("execution started", "commit_at", commitAt)
	e.audit(ctx, req.ID, booking.PhaseWake, booking.AuditSuccess, "", "")

	var sess booking.Session
	defer func() {
		if sess != nil {
			e.provider.Release(sess)
			e.audit(ctx, req.ID, booking.PhaseRelease, booking.AuditSuccess, "", "")
		}
	}()

	// PREPARE: stage the portal session ahead of the window. Failures back
	// off and retry until the commit instant; if staging never completes we
	// still go to the window and retry just in time, because the instant
	// cannot be delayed.
	sess = e.prepare(ctx, req, commitAt, log)

	if e.cancelled(ctx, req.ID) {
		log.Info("cancelled before commit window")
		e.audit(ctx, req.ID, booking.PhaseArmed, booking.AuditFailed, "cancelled", "")
		return
	}

	// ARMED: sleep precisely to the commit instant.
	e.audit(ctx, req.ID, booking.PhaseArmed, booking.AuditSuccess, "", "")
	if err := sleepUntil(ctx, commitAt); err != nil {
		// Shutdown mid-wait. Leave the row executing so the restart's orphan
		// recovery can re-arm it while the window is still winnable.
		e.audit(context.WithoutCancel(ctx), req.ID, booking.PhaseArmed, booking.AuditError, "shutdown while armed", "")
		return
	}
	if e.cancelled(ctx, req.ID) {
		log.Info("cancelled at commit instant")
		e.audit(ctx, req.ID, booking.PhaseArmed, booking.AuditFailed, "cancelled", "")
		return
	}

	// Just-in-time prepare if staging never completed.
	if sess == nil {
		var err error
		sess, err = e.provider.Prepare(ctx, req.TargetDate)
		if err != nil {
			e.audit(ctx, req.ID, booking.PhasePrepare, booking.AuditError, err.Error(), "")
			e.finishFailed(ctx, req, "prepare failed: "+err.Error(), "")
			return
		}
		e.audit(ctx, req.ID, booking.PhasePrepare, booking.AuditSuccess, "just-in-time", "")
	}

	// COMMIT: primary first, fallback only on an Unavailable outcome.
	res, err := e.commit(ctx, sess, req.ChoicePrimary, booking.PhaseCommitPrimary, req.ID)
	if err != nil {
		e.finishFailed(ctx, req, "commit failed: "+err.Error(), "")
		return
	}
	secured := booking.ChoicePrimary

	if res.Status == booking.CommitUnavailable {
		if !req.HasFallback() {
			e.finishNoAvailability(ctx, req, res.EvidenceRef)
			return
		}
		log.Info("primary unavailable, trying fallback", "fallback", req.ChoiceFallback)
		res, err = e.commit(ctx, sess, req.ChoiceFallback, booking.PhaseCommitFallback, req.ID)
		if err != nil {
			e.finishFailed(ctx, req, "fallback commit failed: "+err.Error(), "")
			return
		}
		if res.Status == booking.CommitUnavailable {
			e.finishNoAvailability(ctx, req, res.EvidenceRef)
			return
		}
		secured = booking.ChoiceFallback
	}

	// VERIFY: a commit that cannot be confirmed is a failure, never a
	// silent success.
	verified, evidence := e.verify(ctx, sess, req.ID)
	if !verified {
		e.finishFailed(ctx, req, booking.DetailUnverified, evidence)
		return
	}
	if evidence == "" {
		evidence = res.EvidenceRef
	}

	updated, err := e.store.UpdateStatus(ctx, req.ID, booking.StatusExecuting, booking.StatusBooked,
		store.FieldsForBooked(secured, res.Label, evidence))
	if err != nil {
		// Lost a cancellation race at the last boundary; the portal booking
		// stands, record it in the trail.
		log.Warn("booked transition lost", "err", err)
		e.audit(ctx, req.ID, booking.PhaseVerify, booking.AuditError, "terminal transition conflict: "+err.Error(), evidence)
		return
	}
	log.Info("booked", "choice", secured, "court", res.Label)
	e.notifyAsync(notify.Event{
		RequestID:  updated.ID,
		Outcome:    notify.OutcomeBooked,
		TargetDate: updated.TargetDate,
		SlotTime:   chosenSlot(updated),
		CourtName:  updated.ResultLabel,
	})
}

func (e *Engine) prepare(ctx context.Context, req booking.Request, commitAt time.Time, log *slog.Logger) booking.Session {
	backoff := e.cfg.PrepareBackoff
	for {
		if e.cancelled(ctx, req.ID) {
			return nil
		}
		sess, err := e.provider.Prepare(ctx, req.TargetDate)
		if err == nil {
			e.audit(ctx, req.ID, booking.PhasePrepare, booking.AuditSuccess, "", "")
			return sess
		}
		log.Warn("prepare failed", "err", err)
		e.audit(ctx, req.ID, booking.PhasePrepare, booking.AuditError, err.Error(), "")

		// Leave the rest of the lead time to the ARMED sleep once backing
		// off would overshoot the commit instant.
		if time.Now().Add(backoff).After(commitAt) {
			return nil
		}
		if err := sleepFor(ctx, backoff); err != nil {
			return nil
		}
		backoff *= 2
		if backoff > e.cfg.PrepareBackoffCap {
			backoff = e.cfg.PrepareBackoffCap
		}
	}
}

func (e *Engine) commit(ctx context.Context, sess booking.Session, choice string, phase booking.Phase, id uuid.UUID) (booking.CommitResult, error) {
	var lastErr error
	for attempt := 0; attempt <= e.cfg.CommitRetries; attempt++ {
		if attempt > 0 {
			if err := sleepFor(ctx, e.cfg.CommitRetryDelay); err != nil {
				break
			}
		}
		res, err := e.provider.Commit(ctx, sess, choice)
		if err != nil {
			lastErr = err
			e.audit(ctx, id, phase, booking.AuditError, err.Error(), "")
			continue
		}
		switch res.Status {
		case booking.CommitBooked:
			e.audit(ctx, id, phase, booking.AuditSuccess, "secured "+choice, res.EvidenceRef)
		case booking.CommitUnavailable:
			e.audit(ctx, id, phase, booking.AuditFailed, "slot "+choice+" unavailable", res.EvidenceRef)
		}
		return res, nil
	}
	return booking.CommitResult{}, lastErr
}

func (e *Engine) verify(ctx context.Context, sess booking.Session, id uuid.UUID) (bool, string) {
	var evidence string
	for attempt := 0; attempt <= e.cfg.VerifyRetries; attempt++ {
		res, err := e.provider.Verify(ctx, sess)
		if err != nil {
			e.audit(ctx, id, booking.PhaseVerify, booking.AuditError, err.Error(), "")
			continue
		}
		if res.EvidenceRef != "" {
			evidence = res.EvidenceRef
		}
		if res.Confirmed {
			e.audit(ctx, id, booking.PhaseVerify, booking.AuditSuccess, "", evidence)
			return true, evidence
		}
	}
	e.audit(ctx, id, booking.PhaseVerify, booking.AuditFailed, booking.DetailUnverified, evidence)
	return false, evidence
}

func (e *Engine) finishNoAvailability(ctx context.Context, req booking.Request, evidence string) {
	updated, err := e.store.UpdateStatus(ctx, req.ID, booking.StatusExecuting, booking.StatusFailed,
		store.FieldsForFailure(booking.DetailNoAvailability, evidence))
	if err != nil {
		e.logger.Warn("failed transition lost", "id", req.ID, "err", err)
		return
	}
	e.notifyAsync(notify.Event{
		RequestID:  updated.ID,
		Outcome:    notify.OutcomeNoAvailability,
		TargetDate: updated.TargetDate,
		SlotTime:   updated.ChoicePrimary,
		Detail:     booking.DetailNoAvailability,
	})
}

func (e *Engine) finishFailed(ctx context.Context, req booking.Request, detail, evidence string) {
	updated, err := e.store.UpdateStatus(ctx, req.ID, booking.StatusExecuting, booking.StatusFailed,
		store.FieldsForFailure(detail, evidence))
	if err != nil {
		e.logger.Warn("failed transition lost", "id", req.ID, "err", err)
		return
	}
	e.notifyAsync(notify.Event{
		RequestID:  updated.ID,
		Outcome:    notify.OutcomeFailed,
		TargetDate: updated.TargetDate,
		SlotTime:   updated.ChoicePrimary,
		Detail:     detail,
	})
}

// cancelled re-reads status from the store; cancellation is cooperative and
// only honored at phase boundaries.
func (e *Engine) cancelled(ctx context.Context, id uuid.UUID) bool {
	req, err := e.store.Get(ctx, id)
	if err != nil {
		return false
	}
	return req.Status == booking.StatusCancelled
}

func (e *Engine) audit(ctx context.Context, id uuid.UUID, phase booking.Phase, outcome booking.AuditOutcome, detail, evidence string) {
	err := e.store.AppendAudit(ctx, booking.AuditEntry{
		RequestID:   id,
		Timestamp:   time.Now().UTC(),
		Phase:       phase,
		Outcome:     outcome,
		Detail:      detail,
		EvidenceRef: evidence,
	})
	if err != nil {
		e.logger.Error("audit append failed", "id", id, "phase", phase, "err", err)
	}
}

func (e *Engine) notifyAsync(ev notify.Event) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Notify(ctx, ev); err != nil {
			e.logger.Warn("notification failed", "id", ev.RequestID, "err", err)
		}
	}()
}

func chosenSlot(req booking.Request) string {
	if req.ResultChoice == booking.ChoiceFallback {
		return req.ChoiceFallback
	}
	return req.ChoicePrimary
}

func sleepUntil(ctx context.Context, t time.Time) error {
	return sleepFor(ctx, time.Until(t))
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
