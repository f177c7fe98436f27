package booking

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRequest(t *testing.T) {
	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	target := time.Date(2026, time.September, 20, 0, 0, 0, 0, time.UTC)

	req, err := NewRequest(target, "19:00", "8pm", now)
	require.NoError(t, err)
	assert.NotEqual(t, req.ID.String(), "00000000-0000-0000-0000-000000000000")
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "19:00", req.ChoicePrimary)
	assert.Equal(t, "8pm", req.ChoiceFallback)
	assert.True(t, req.HasFallback())

	req, err = NewRequest(target, " 19:00 ", "", now)
	require.NoError(t, err)
	assert.Equal(t, "19:00", req.ChoicePrimary)
	assert.False(t, req.HasFallback())
}

func TestNewRequestValidation(t *testing.T) {
	now := time.Date(2026, time.September, 1, 12, 0, 0, 0, time.UTC)
	future := now.AddDate(0, 0, 20)

	cases := []struct {
		name     string
		target   time.Time
		primary  string
		fallback string
	}{
		{"zero target", time.Time{}, "19:00", ""},
		{"past target", now.AddDate(0, 0, -1), "19:00", ""},
		{"missing primary", future, "", ""},
		{"bad primary", future, "late evening", ""},
		{"bad fallback", future, "19:00", "whenever"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewRequest(tc.target, tc.primary, tc.fallback, now)
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusBooked.Terminal())
	assert.True(t, StatusFailed.Terminal())
	assert.True(t, StatusCancelled.Terminal())
	assert.False(t, StatusPending.Terminal())
	assert.False(t, StatusScheduled.Terminal())
	assert.False(t, StatusExecuting.Terminal())
}

func TestIsConflict(t *testing.T) {
	err := &ConflictError{Expected: StatusScheduled, Actual: StatusCancelled}
	assert.True(t, IsConflict(err))
	assert.False(t, IsConflict(ErrNotFound))
	assert.False(t, IsConflict(nil))
}
