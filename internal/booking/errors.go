package booking

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by stores when no request matches the given id.
var ErrNotFound = errors.New("not found")

// ValidationError rejects bad input before anything is persisted.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return "validation: " + e.Msg }

// ScheduleError is returned when a request cannot be armed, typically
// because its execute_at has already passed.
type ScheduleError struct {
	Reason string
}

func (e *ScheduleError) Error() string { return "schedule: " + e.Reason }

// ConflictError is a failed compare-and-set on status: the request was not
// in the expected prior status. Callers treat it as "someone else got there
// first" and never surface it to users.
type ConflictError struct {
	Expected Status
	Actual   Status
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("status conflict: expected %s, found %s", e.Expected, e.Actual)
}

// IsConflict reports whether err is a status compare-and-set conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// Failure details recorded on terminal FAILED requests.
const (
	DetailNoAvailability = "no_availability"
	DetailUnverified     = "unverified"
	DetailInterrupted    = "interrupted"
)
