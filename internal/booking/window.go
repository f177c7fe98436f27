package booking

import (
	"fmt"
	"time"
)

// Window encodes the club's release rule: courts for a given day become
// bookable at midnight local time, Days days ahead. The engine wakes Lead
// before that instant to log in and stage the booking page.
type Window struct {
	Days     int
	Lead     time.Duration
	Location *time.Location
}

// DefaultWindow matches the portal: 14-day release, 10 minute pre-window.
func DefaultWindow(loc *time.Location) Window {
	if loc == nil {
		loc = time.Local
	}
	return Window{Days: 14, Lead: 10 * time.Minute, Location: loc}
}

// CommitAt returns the commit instant for target: the local midnight at
// which target's slots are released. With a 14-day window that is 00:00
// entering target−13d, i.e. midnight at the end of day target−14d.
func (w Window) CommitAt(target time.Time) time.Time {
	t := target.In(w.Location)
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, w.Location)
	return day.AddDate(0, 0, -(w.Days - 1))
}

// ExecuteAt returns the engine wake time for target: Lead before the
// commit instant (23:50 on target−14d with the defaults).
func (w Window) ExecuteAt(target time.Time) time.Time {
	return w.CommitAt(target).Add(-w.Lead)
}

// ParseSlotTime parses a preference like "19:00", "7pm" or "7:30pm" into a
// normalized HH:MM 24-hour value. The portal labels slots this way and the
// CSV upload format uses the am/pm form.
func ParseSlotTime(s string) (string, error) {
	for _, layout := range []string{"15:04", "3pm", "3:04pm", "3PM", "3:04PM"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.Format("15:04"), nil
		}
	}
	return "", fmt.Errorf("unrecognized slot time %q", s)
}

// SlotStart combines a request's target date with a parsed slot time.
func SlotStart(target time.Time, slot string, loc *time.Location) (time.Time, error) {
	hm, err := ParseSlotTime(slot)
	if err != nil {
		return time.Time{}, err
	}
	t, err := time.ParseInLocation("2006-01-02 15:04", target.Format("2006-01-02")+" "+hm, loc)
	if err != nil {
		return time.Time{}, err
	}
	return t, nil
}
