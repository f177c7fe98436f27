package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/example/court-scheduler/internal/booking"
)

const (
	mirrorKeyPrefix = "courtsched:booking:"
	mirrorQueueKey  = "courtsched:booking_queue"
)

// Mirror write-throughs every request mutation to Redis so non-terminal
// bookings survive a wiped primary database (scale-to-zero deployments).
// Mirror failures are logged, never propagated: the primary store is the
// source of truth and booking state must not depend on Redis health.
type Mirror struct {
	Store

	rdb    *redis.Client
	logger *slog.Logger
}

func NewMirror(primary Store, rdb *redis.Client, logger *slog.Logger) *Mirror {
	if logger == nil {
		logger = slog.Default()
	}
	return &Mirror{Store: primary, rdb: rdb, logger: logger}
}

func (m *Mirror) Create(ctx context.Context, req booking.Request) (booking.Request, error) {
	created, err := m.Store.Create(ctx, req)
	if err != nil {
		return created, err
	}
	m.save(ctx, created)
	return created, nil
}

func (m *Mirror) UpdateStatus(ctx context.Context, id uuid.UUID, from, to booking.Status, f Fields) (booking.Request, error) {
	updated, err := m.Store.UpdateStatus(ctx, id, from, to, f)
	if err != nil {
		return updated, err
	}
	m.save(ctx, updated)
	return updated, nil
}

func (m *Mirror) Delete(ctx context.Context, id uuid.UUID) error {
	if err := m.Store.Delete(ctx, id); err != nil {
		return err
	}
	key := mirrorKeyPrefix + id.String()
	if err := m.rdb.Del(ctx, key).Err(); err != nil {
		m.logger.Warn("redis mirror delete failed", "id", id, "err", err)
	}
	if err := m.rdb.SRem(ctx, mirrorQueueKey, id.String()).Err(); err != nil {
		m.logger.Warn("redis mirror dequeue failed", "id", id, "err", err)
	}
	return nil
}

// Restore re-inserts mirrored non-terminal requests that are missing from
// the primary store. Run before Scheduler.Rehydrate on startup.
func (m *Mirror) Restore(ctx context.Context) (int, error) {
	ids, err := m.rdb.SMembers(ctx, mirrorQueueKey).Result()
	if err != nil {
		return 0, fmt.Errorf("redis mirror scan: %w", err)
	}

	restored := 0
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			m.rdb.SRem(ctx, mirrorQueueKey, raw)
			continue
		}

		if _, err := m.Store.Get(ctx, id); err == nil {
			continue // primary already has it
		}

		data, err := m.rdb.Get(ctx, mirrorKeyPrefix+raw).Result()
		if err != nil {
			m.logger.Warn("redis mirror read failed", "id", raw, "err", err)
			continue
		}
		var rec mirrorRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			m.logger.Warn("redis mirror decode failed", "id", raw, "err", err)
			continue
		}
		req := rec.request()
		if req.Status.Terminal() {
			m.rdb.SRem(ctx, mirrorQueueKey, raw)
			continue
		}
		if _, err := m.Store.Create(ctx, req); err != nil {
			m.logger.Warn("redis mirror restore failed", "id", raw, "err", err)
			continue
		}
		restored++
	}
	return restored, nil
}

func (m *Mirror) save(ctx context.Context, req booking.Request) {
	key := mirrorKeyPrefix + req.ID.String()
	data, err := json.Marshal(newMirrorRecord(req))
	if err != nil {
		m.logger.Warn("redis mirror encode failed", "id", req.ID, "err", err)
		return
	}
	if err := m.rdb.Set(ctx, key, data, 0).Err(); err != nil {
		m.logger.Warn("redis mirror write failed", "id", req.ID, "err", err)
		return
	}
	if req.Status.Terminal() {
		if err := m.rdb.SRem(ctx, mirrorQueueKey, req.ID.String()).Err(); err != nil {
			m.logger.Warn("redis mirror dequeue failed", "id", req.ID, "err", err)
		}
		return
	}
	if err := m.rdb.SAdd(ctx, mirrorQueueKey, req.ID.String()).Err(); err != nil {
		m.logger.Warn("redis mirror enqueue failed", "id", req.ID, "err", err)
	}
}

type mirrorRecord struct {
	ID             string    `json:"id"`
	TargetDate     time.Time `json:"target_date"`
	ChoicePrimary  string    `json:"choice_primary"`
	ChoiceFallback string    `json:"choice_fallback,omitempty"`
	Status         string    `json:"status"`
	ExecuteAt      time.Time `json:"execute_at"`
	ResultChoice   string    `json:"result_choice,omitempty"`
	ResultLabel    string    `json:"result_label,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
	EvidenceRef    string    `json:"evidence_ref,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

func newMirrorRecord(req booking.Request) mirrorRecord {
	return mirrorRecord{
		ID:             req.ID.String(),
		TargetDate:     req.TargetDate,
		ChoicePrimary:  req.ChoicePrimary,
		ChoiceFallback: req.ChoiceFallback,
		Status:         string(req.Status),
		ExecuteAt:      req.ExecuteAt,
		ResultChoice:   string(req.ResultChoice),
		ResultLabel:    req.ResultLabel,
		ErrorDetail:    req.ErrorDetail,
		EvidenceRef:    req.EvidenceRef,
		CreatedAt:      req.CreatedAt,
		UpdatedAt:      req.UpdatedAt,
	}
}

func (r mirrorRecord) request() booking.Request {
	id, _ := uuid.Parse(r.ID)
	return booking.Request{
		ID:             id,
		TargetDate:     r.TargetDate,
		ChoicePrimary:  r.ChoicePrimary,
		ChoiceFallback: r.ChoiceFallback,
		Status:         booking.Status(r.Status),
		ExecuteAt:      r.ExecuteAt,
		ResultChoice:   booking.Choice(r.ResultChoice),
		ResultLabel:    r.ResultLabel,
		ErrorDetail:    r.ErrorDetail,
		EvidenceRef:    r.EvidenceRef,
		CreatedAt:      r.CreatedAt,
		UpdatedAt:      r.UpdatedAt,
	}
}
