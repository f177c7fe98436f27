// Package ingest converts uploaded booking batches into store entries.
// The upload format is a CSV with a header of Date, Time1, Time2, Status;
// only rows whose Status is "Book" are taken.
package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/store"
)

type Row struct {
	Date         time.Time
	TimePrimary  string
	TimeFallback string
}

type Summary struct {
	Added   int      `json:"added"`
	Skipped int      `json:"skipped"`
	Errors  []string `json:"errors,omitempty"`
}

// Armer is satisfied by scheduler.Scheduler.
type Armer interface {
	Arm(ctx context.Context, req booking.Request) (booking.Request, error)
}

// Parse reads the CSV and returns the rows marked for booking. Rows
// missing required columns are skipped, not fatal.
func Parse(r io.Reader, loc *time.Location) ([]Row, int, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		return nil, 0, fmt.Errorf("read csv header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	dateIdx, okDate := col["date"]
	time1Idx, okTime := col["time1"]
	if !okDate || !okTime {
		return nil, 0, fmt.Errorf("csv must have Date and Time1 columns")
	}
	time2Idx, hasTime2 := col["time2"]
	statusIdx, hasStatus := col["status"]

	var rows []Row
	skipped := 0
	for {
		rec, err := cr.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, 0, fmt.Errorf("read csv: %w", err)
		}

		if hasStatus {
			if status := field(rec, statusIdx); !strings.EqualFold(status, "book") {
				skipped++
				continue
			}
		}

		date, err := time.ParseInLocation("2006-01-02", field(rec, dateIdx), loc)
		if err != nil {
			skipped++
			continue
		}
		primary := field(rec, time1Idx)
		if primary == "" {
			skipped++
			continue
		}
		fallback := ""
		if hasTime2 {
			fallback = field(rec, time2Idx)
		}
		rows = append(rows, Row{Date: date, TimePrimary: primary, TimeFallback: fallback})
	}
	return rows, skipped, nil
}

// Import creates and arms a request per row. Per-row failures (bad time
// format, stale execute_at) are collected in the summary; the batch
// continues.
func Import(ctx context.Context, st store.Store, armer Armer, rows []Row, logger *slog.Logger) Summary {
	if logger == nil {
		logger = slog.Default()
	}
	var sum Summary
	for _, row := range rows {
		req, err := booking.NewRequest(row.Date, row.TimePrimary, row.TimeFallback, time.Now())
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", row.Date.Format("2006-01-02"), err))
			continue
		}
		created, err := st.Create(ctx, req)
		if err != nil {
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", row.Date.Format("2006-01-02"), err))
			continue
		}
		if _, err := armer.Arm(ctx, created); err != nil {
			var se *booking.ScheduleError
			if errors.As(err, &se) {
				// Window already open or passed: keep the entry, just not armed.
				sum.Skipped++
				logger.Warn("csv row not armed", "date", row.Date.Format("2006-01-02"), "err", err)
				cleanupUnarmed(ctx, st, created.ID)
				continue
			}
			sum.Errors = append(sum.Errors, fmt.Sprintf("%s: %v", row.Date.Format("2006-01-02"), err))
			continue
		}
		sum.Added++
	}
	return sum
}

func cleanupUnarmed(ctx context.Context, st store.Store, id uuid.UUID) {
	// A row whose execution time has already passed is useless; remove it.
	_ = st.Delete(ctx, id)
}

func field(rec []string, i int) string {
	if i < 0 || i >= len(rec) {
		return ""
	}
	return strings.TrimSpace(rec[i])
}
