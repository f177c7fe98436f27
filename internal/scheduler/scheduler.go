// Package scheduler keeps one addressable timer per armed request and
// rebuilds all of them from the store on process start. Firing a timer is
// only a trigger; exactly-once execution is enforced by the engine's
// scheduled→executing compare-and-set, so a duplicate trigger after a
// restart race is harmless.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/store"
)

// Executor is the execution engine entry point the scheduler wakes.
type Executor interface {
	Execute(ctx context.Context, id uuid.UUID)
}

type Scheduler struct {
	store  store.Store
	exec   Executor
	window booking.Window
	logger *slog.Logger

	// Grace bounds how long after execute_at an orphaned EXECUTING request
	// is still worth a fresh attempt.
	grace time.Duration

	mu     sync.Mutex
	timers map[uuid.UUID]*time.Timer
	ctx    context.Context
	wg     sync.WaitGroup
}

func New(st store.Store, exec Executor, window booking.Window, grace time.Duration, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if grace <= 0 {
		grace = 15 * time.Minute
	}
	return &Scheduler{
		store:  st,
		exec:   exec,
		window: window,
		grace:  grace,
		logger: logger,
		timers: make(map[uuid.UUID]*time.Timer),
		ctx:    context.Background(),
	}
}

// Start binds the scheduler to the process context and rehydrates pending
// work from the store.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()
	return s.Rehydrate(ctx)
}

// Arm computes execute_at for a pending request, persists it with the
// scheduled status and registers the wake timer. A wake time already in
// the past is a ScheduleError: the release window cannot be recovered.
func (s *Scheduler) Arm(ctx context.Context, req booking.Request) (booking.Request, error) {
	executeAt := s.window.ExecuteAt(req.TargetDate)
	if !executeAt.After(time.Now()) {
		return booking.Request{}, &booking.ScheduleError{
			Reason: fmt.Sprintf("stale: execute_at %s already passed", executeAt.Format(time.RFC3339)),
		}
	}

	updated, err := s.store.UpdateStatus(ctx, req.ID, booking.StatusPending, booking.StatusScheduled,
		store.Fields{ExecuteAt: &executeAt})
	if err != nil {
		return booking.Request{}, err
	}

	s.armTimer(updated.ID, executeAt)
	s.logger.Info("armed", "id", updated.ID,
		"target", updated.TargetDate.Format("2006-01-02"),
		"execute_at", executeAt.Format(time.RFC3339))
	return updated, nil
}

// Rehydrate rebuilds the timer set from durable state. SCHEDULED requests
// with a future execute_at are re-armed; elapsed ones are executed
// immediately rather than dropped. EXECUTING rows are attempts a crash
// interrupted: within the grace window after execute_at they get a fresh
// attempt, otherwise they are marked failed (interrupted). Idempotent:
// terminal requests are never touched.
func (s *Scheduler) Rehydrate(ctx context.Context) error {
	scheduled, err := s.store.List(ctx, booking.StatusScheduled)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	for _, req := range scheduled {
		if req.ExecuteAt.After(time.Now()) {
			s.armTimer(req.ID, req.ExecuteAt)
			continue
		}
		s.logger.Warn("execute_at elapsed while down, catching up", "id", req.ID)
		s.fire(req.ID)
	}

	orphans, err := s.store.List(ctx, booking.StatusExecuting)
	if err != nil {
		return fmt.Errorf("rehydrate: %w", err)
	}
	for _, req := range orphans {
		s.recoverOrphan(ctx, req)
	}

	s.logger.Info("rehydrated", "scheduled", len(scheduled), "orphaned", len(orphans))
	return nil
}

func (s *Scheduler) recoverOrphan(ctx context.Context, req booking.Request) {
	withinGrace := !req.ExecuteAt.IsZero() && time.Now().Before(req.ExecuteAt.Add(s.grace))

	if withinGrace {
		updated, err := s.store.UpdateStatus(ctx, req.ID, booking.StatusExecuting, booking.StatusScheduled, store.Fields{})
		if err != nil {
			s.logger.Error("orphan re-arm failed", "id", req.ID, "err", err)
			return
		}
		s.appendAudit(ctx, req.ID, booking.AuditError, "attempt interrupted by restart, re-armed")
		s.logger.Warn("interrupted attempt re-armed", "id", req.ID)
		if updated.ExecuteAt.After(time.Now()) {
			s.armTimer(updated.ID, updated.ExecuteAt)
		} else {
			s.fire(updated.ID)
		}
		return
	}

	_, err := s.store.UpdateStatus(ctx, req.ID, booking.StatusExecuting, booking.StatusFailed,
		store.FieldsForFailure(booking.DetailInterrupted, ""))
	if err != nil {
		s.logger.Error("orphan fail transition failed", "id", req.ID, "err", err)
		return
	}
	s.appendAudit(ctx, req.ID, booking.AuditFailed, "attempt interrupted by restart, window elapsed")
	s.logger.Warn("interrupted attempt marked failed", "id", req.ID)
}

// Cancel disarms the timer and transitions the request to cancelled. A
// request already executing keeps its status flag; the engine honors it at
// the next phase boundary.
func (s *Scheduler) Cancel(ctx context.Context, id uuid.UUID) error {
	s.disarmTimer(id)

	for attempt := 0; attempt < 3; attempt++ {
		req, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		if req.Status == booking.StatusCancelled {
			return nil
		}
		if req.Status.Terminal() {
			return &booking.ConflictError{Expected: booking.StatusScheduled, Actual: req.Status}
		}
		_, err = s.store.UpdateStatus(ctx, id, req.Status, booking.StatusCancelled, store.Fields{})
		if err == nil {
			s.logger.Info("cancelled", "id", id, "was", req.Status)
			return nil
		}
		if !booking.IsConflict(err) {
			return err
		}
		// Raced with a transition; re-read and retry.
	}
	return fmt.Errorf("cancel %s: too many status races", id)
}

// Stop disarms all timers and waits for in-flight executions.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) armTimer(id uuid.UUID, executeAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(time.Until(executeAt), func() {
		s.fire(id)
	})
}

func (s *Scheduler) disarmTimer(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
}

func (s *Scheduler) fire(id uuid.UUID) {
	s.mu.Lock()
	delete(s.timers, id)
	ctx := s.ctx
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.exec.Execute(ctx, id)
	}()
}

func (s *Scheduler) appendAudit(ctx context.Context, id uuid.UUID, outcome booking.AuditOutcome, detail string) {
	err := s.store.AppendAudit(ctx, booking.AuditEntry{
		RequestID: id,
		Timestamp: time.Now().UTC(),
		Phase:     booking.PhaseWake,
		Outcome:   outcome,
		Detail:    detail,
	})
	if err != nil {
		s.logger.Error("audit append failed", "id", id, "err", err)
	}
}
