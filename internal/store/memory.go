package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
)

// Memory keeps everything in process memory, for tests; semantics
// (compare-and-set, append-only audit) match Postgres.
type Memory struct {
	mu       sync.Mutex
	requests map[uuid.UUID]booking.Request
	audit    map[uuid.UUID][]booking.AuditEntry
}

func NewMemory() *Memory {
	return &Memory{
		requests: make(map[uuid.UUID]booking.Request),
		audit:    make(map[uuid.UUID][]booking.AuditEntry),
	}
}

func (m *Memory) Create(_ context.Context, req booking.Request) (booking.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	m.requests[req.ID] = req
	return req, nil
}

func (m *Memory) Get(_ context.Context, id uuid.UUID) (booking.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return booking.Request{}, booking.ErrNotFound
	}
	return req, nil
}

func (m *Memory) List(_ context.Context, status booking.Status) ([]booking.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []booking.Request
	for _, req := range m.requests {
		if status == "" || req.Status == status {
			out = append(out, req)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecuteAt.Equal(out[j].ExecuteAt) {
			return out[i].ExecuteAt.Before(out[j].ExecuteAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) UpdateStatus(_ context.Context, id uuid.UUID, from, to booking.Status, f Fields) (booking.Request, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return booking.Request{}, booking.ErrNotFound
	}
	if req.Status != from {
		return booking.Request{}, &booking.ConflictError{Expected: from, Actual: req.Status}
	}
	req.Status = to
	if f.ExecuteAt != nil {
		req.ExecuteAt = *f.ExecuteAt
	}
	if f.ResultChoice != nil {
		req.ResultChoice = *f.ResultChoice
	}
	if f.ResultLabel != nil {
		req.ResultLabel = *f.ResultLabel
	}
	if f.ErrorDetail != nil {
		req.ErrorDetail = *f.ErrorDetail
	}
	if f.EvidenceRef != nil {
		req.EvidenceRef = *f.EvidenceRef
	}
	req.UpdatedAt = time.Now().UTC()
	m.requests[id] = req
	return req, nil
}

func (m *Memory) Delete(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.requests, id)
	delete(m.audit, id)
	return nil
}

func (m *Memory) AppendAudit(_ context.Context, e booking.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	m.audit[e.RequestID] = append(m.audit[e.RequestID], e)
	return nil
}

func (m *Memory) AuditLog(_ context.Context, id uuid.UUID) ([]booking.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	entries := append([]booking.AuditEntry(nil), m.audit[id]...)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].Timestamp.Before(entries[j].Timestamp) })
	return entries, nil
}

func (m *Memory) Stats(_ context.Context) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var s Stats
	for _, req := range m.requests {
		s.Total++
		switch req.Status {
		case booking.StatusPending:
			s.Pending++
		case booking.StatusScheduled:
			s.Scheduled++
		case booking.StatusExecuting:
			s.Executing++
		case booking.StatusBooked:
			s.Booked++
		case booking.StatusFailed:
			s.Failed++
		case booking.StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}
