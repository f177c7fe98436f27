// Package ical renders an RFC 5545 invite for a booked court so the
// confirmation can go straight into a calendar.
package ical

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-ical"

	"github.com/example/court-scheduler/internal/booking"
)

const (
	slotDuration    = time.Hour
	reminderBefore  = -time.Hour
	defaultLocation = "Padel Courts"
)

// Invite renders a .ics for a request in the booked status.
func Invite(req booking.Request, loc *time.Location) ([]byte, error) {
	if req.Status != booking.StatusBooked {
		return nil, fmt.Errorf("request %s is %s, not booked", req.ID, req.Status)
	}

	slot := req.ChoicePrimary
	if req.ResultChoice == booking.ChoiceFallback {
		slot = req.ChoiceFallback
	}
	start, err := booking.SlotStart(req.TargetDate, slot, loc)
	if err != nil {
		return nil, err
	}

	summary := "Padel Court"
	location := defaultLocation
	if req.ResultLabel != "" {
		summary = "Padel: " + req.ResultLabel
		location = req.ResultLabel
	}

	event := ical.NewEvent()
	event.Props.SetText(ical.PropUID, req.ID.String()+"@courtsched")
	event.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())
	event.Props.SetDateTime(ical.PropDateTimeStart, start)
	event.Props.SetDateTime(ical.PropDateTimeEnd, start.Add(slotDuration))
	event.Props.SetText(ical.PropSummary, summary)
	event.Props.SetText(ical.PropLocation, location)

	alarm := ical.NewComponent(ical.CompAlarm)
	alarm.Props.SetText(ical.PropAction, "DISPLAY")
	trigger := ical.NewProp(ical.PropTrigger)
	trigger.SetDuration(reminderBefore)
	alarm.Props.Set(trigger)
	alarm.Props.SetText(ical.PropDescription, summary)
	event.Children = append(event.Children, alarm)

	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropProductID, "-//courtsched//booking//EN")
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Children = append(cal.Children, event.Component)

	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
