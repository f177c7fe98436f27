package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/db"
)

const requestColumns = `id,target_date,choice_primary,choice_fallback,status,execute_at,
result_choice,result_label,error_detail,evidence_ref,created_at,updated_at`

// Postgres is the production Store, backed by the bookings and booking_audit
// tables created by internal/migrate.
type Postgres struct {
	db *db.DB
}

func NewPostgres(d *db.DB) *Postgres { return &Postgres{db: d} }

func (p *Postgres) Create(ctx context.Context, req booking.Request) (booking.Request, error) {
	now := time.Now().UTC()
	req.CreatedAt = now
	req.UpdatedAt = now
	err := p.db.Exec(ctx, `
INSERT INTO bookings(id,target_date,choice_primary,choice_fallback,status,execute_at,
  result_choice,result_label,error_detail,evidence_ref,created_at,updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		req.ID, req.TargetDate, req.ChoicePrimary, req.ChoiceFallback, req.Status, nullTime(req.ExecuteAt),
		string(req.ResultChoice), req.ResultLabel, req.ErrorDetail, req.EvidenceRef, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		return booking.Request{}, fmt.Errorf("create booking: %w", err)
	}
	return req, nil
}

func (p *Postgres) Get(ctx context.Context, id uuid.UUID) (booking.Request, error) {
	row := p.db.QueryRow(ctx, `SELECT `+requestColumns+` FROM bookings WHERE id=$1`, id)
	return scanRequest(row)
}

func (p *Postgres) List(ctx context.Context, status booking.Status) ([]booking.Request, error) {
	q := `SELECT ` + requestColumns + ` FROM bookings ORDER BY execute_at ASC NULLS LAST, created_at ASC`
	args := []any{}
	if status != "" {
		q = `SELECT ` + requestColumns + ` FROM bookings WHERE status=$1 ORDER BY execute_at ASC NULLS LAST, created_at ASC`
		args = append(args, status)
	}
	rows, err := p.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (p *Postgres) UpdateStatus(ctx context.Context, id uuid.UUID, from, to booking.Status, f Fields) (booking.Request, error) {
	row := p.db.QueryRow(ctx, `
UPDATE bookings SET
  status=$3,
  execute_at=COALESCE($4, execute_at),
  result_choice=COALESCE($5, result_choice),
  result_label=COALESCE($6, result_label),
  error_detail=COALESCE($7, error_detail),
  evidence_ref=COALESCE($8, evidence_ref),
  updated_at=now()
WHERE id=$1 AND status=$2
RETURNING `+requestColumns,
		id, from, to, f.ExecuteAt, choicePtr(f.ResultChoice), f.ResultLabel, f.ErrorDetail, f.EvidenceRef)

	req, err := scanRequest(row)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, booking.ErrNotFound) {
		return booking.Request{}, err
	}

	// No row matched: distinguish a missing request from a lost CAS race.
	cur, gerr := p.Get(ctx, id)
	if gerr != nil {
		return booking.Request{}, gerr
	}
	return booking.Request{}, &booking.ConflictError{Expected: from, Actual: cur.Status}
}

func (p *Postgres) Delete(ctx context.Context, id uuid.UUID) error {
	if err := p.db.Exec(ctx, `DELETE FROM booking_audit WHERE request_id=$1`, id); err != nil {
		return err
	}
	return p.db.Exec(ctx, `DELETE FROM bookings WHERE id=$1`, id)
}

func (p *Postgres) AppendAudit(ctx context.Context, e booking.AuditEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	return p.db.Exec(ctx, `
INSERT INTO booking_audit(request_id,ts,phase,outcome,detail,evidence_ref)
VALUES ($1,$2,$3,$4,$5,$6)`,
		e.RequestID, e.Timestamp, e.Phase, e.Outcome, e.Detail, e.EvidenceRef)
}

func (p *Postgres) AuditLog(ctx context.Context, id uuid.UUID) ([]booking.AuditEntry, error) {
	rows, err := p.db.Query(ctx, `
SELECT request_id,ts,phase,outcome,detail,evidence_ref
FROM booking_audit WHERE request_id=$1 ORDER BY ts ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []booking.AuditEntry
	for rows.Next() {
		var e booking.AuditEntry
		if err := rows.Scan(&e.RequestID, &e.Timestamp, &e.Phase, &e.Outcome, &e.Detail, &e.EvidenceRef); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (p *Postgres) Stats(ctx context.Context) (Stats, error) {
	rows, err := p.db.Query(ctx, `SELECT status, COUNT(*) FROM bookings GROUP BY status`)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status booking.Status
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		s.Total += n
		switch status {
		case booking.StatusPending:
			s.Pending = n
		case booking.StatusScheduled:
			s.Scheduled = n
		case booking.StatusExecuting:
			s.Executing = n
		case booking.StatusBooked:
			s.Booked = n
		case booking.StatusFailed:
			s.Failed = n
		case booking.StatusCancelled:
			s.Cancelled = n
		}
	}
	return s, rows.Err()
}

func scanRequest(row db.Row) (booking.Request, error) {
	var req booking.Request
	var executeAt *time.Time
	var resultChoice string
	err := row.Scan(
		&req.ID, &req.TargetDate, &req.ChoicePrimary, &req.ChoiceFallback, &req.Status, &executeAt,
		&resultChoice, &req.ResultLabel, &req.ErrorDetail, &req.EvidenceRef, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return booking.Request{}, db.WrapNotFound(err)
	}
	if executeAt != nil {
		req.ExecuteAt = *executeAt
	}
	req.ResultChoice = booking.Choice(resultChoice)
	return req, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func choicePtr(c *booking.Choice) *string {
	if c == nil {
		return nil
	}
	s := string(*c)
	return &s
}
