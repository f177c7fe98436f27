package ingest

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/court-scheduler/internal/booking"
	"github.com/example/court-scheduler/internal/store"
)

const sampleCSV = `Date,Time1,Time2,Status
2026-09-20,7pm,8pm,Book
2026-09-21,19:00,,Book
2026-09-22,19:00,20:00,Skip
not-a-date,19:00,,Book
2026-09-23,,,Book
`

func TestParse(t *testing.T) {
	rows, skipped, err := Parse(strings.NewReader(sampleCSV), time.UTC)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, 3, skipped)

	assert.Equal(t, time.Date(2026, time.September, 20, 0, 0, 0, 0, time.UTC), rows[0].Date)
	assert.Equal(t, "7pm", rows[0].TimePrimary)
	assert.Equal(t, "8pm", rows[0].TimeFallback)
	assert.Equal(t, "19:00", rows[1].TimePrimary)
	assert.Empty(t, rows[1].TimeFallback)
}

func TestParseHeaderVariants(t *testing.T) {
	rows, _, err := Parse(strings.NewReader("date, time1\n2026-09-20,19:00\n"), time.UTC)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	_, _, err = Parse(strings.NewReader("Day,Slot\nx,y\n"), time.UTC)
	assert.Error(t, err)

	_, _, err = Parse(strings.NewReader(""), time.UTC)
	assert.Error(t, err)
}

type fakeArmer struct {
	staleDates map[string]bool
	armed      []booking.Request
}

func (a *fakeArmer) Arm(_ context.Context, req booking.Request) (booking.Request, error) {
	if a.staleDates[req.TargetDate.Format("2006-01-02")] {
		return booking.Request{}, &booking.ScheduleError{Reason: "stale"}
	}
	a.armed = append(a.armed, req)
	req.Status = booking.StatusScheduled
	return req, nil
}

func TestImport(t *testing.T) {
	st := store.NewMemory()
	armer := &fakeArmer{staleDates: map[string]bool{"2026-09-20": true}}

	rows := []Row{
		{Date: time.Date(2026, time.September, 20, 0, 0, 0, 0, time.UTC), TimePrimary: "19:00"},
		{Date: time.Date(2026, time.September, 21, 0, 0, 0, 0, time.UTC), TimePrimary: "7pm", TimeFallback: "8pm"},
		{Date: time.Date(2026, time.September, 22, 0, 0, 0, 0, time.UTC), TimePrimary: "nope"},
	}
	sum := Import(context.Background(), st, armer, rows, nil)

	assert.Equal(t, 1, sum.Added)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, sum.Errors, 1)
	assert.Contains(t, sum.Errors[0], "2026-09-22")

	// The stale row was removed again, only the armed one remains.
	all, err := st.List(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "2026-09-21", all[0].TargetDate.Format("2006-01-02"))
}
