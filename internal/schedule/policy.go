// Package schedule holds the reminder arithmetic: when the first reminder
// goes out, how a fired reminder advances, and how a lost reminder time is
// recomputed after a restart. Everything here is a pure function of its
// inputs and the supplied "now".
package schedule

import (
	"fmt"
	"time"

	"remindcal/internal/model"
)

const (
	DefaultGrace = 5 * time.Second
	DefaultLead  = 15 * time.Minute
)

// Policy carries the configured reminder timing.
type Policy struct {
	// Hour and Minute of the day-before reminder, in the event's timezone.
	Hour   int
	Minute int
	// Interval between repeated reminders.
	Interval time.Duration
	// Grace is the delay used when the day-before instant already passed
	// at import time.
	Grace time.Duration
	// Lead bounds a recomputed reminder to this long before the start.
	Lead time.Duration
}

// DefaultPolicy returns 17:00 day-before reminders repeated every 2 hours.
func DefaultPolicy() Policy {
	return Policy{Hour: 17, Minute: 0, Interval: 2 * time.Hour, Grace: DefaultGrace, Lead: DefaultLead}
}

func (p Policy) grace() time.Duration {
	if p.Grace <= 0 {
		return DefaultGrace
	}
	return p.Grace
}

func (p Policy) lead() time.Duration {
	if p.Lead <= 0 {
		return DefaultLead
	}
	return p.Lead
}

// DayBefore returns the configured reminder time on the day before start.
func (p Policy) DayBefore(start time.Time) time.Time {
	y, m, d := start.Date()
	return time.Date(y, m, d-1, p.Hour, p.Minute, 0, 0, start.Location())
}

// Initial computes the first reminder for a freshly imported event. If the
// day-before instant has already passed, the reminder goes out after a short
// grace delay so that imminent events still get one notification.
func (p Policy) Initial(start, now time.Time) (time.Time, bool) {
	at := p.DayBefore(start)
	if !at.After(now) {
		at = now.Add(p.grace()).In(start.Location())
	}
	return at, IsFirst(at, start)
}

// Recompute derives a reminder for a record whose stored reminder time is
// missing or unusable. It prefers the day-before instant; otherwise it
// schedules one interval from now, bounded to Lead before the start.
func (p Policy) Recompute(start, now time.Time) (time.Time, bool) {
	at := p.DayBefore(start)
	if !at.After(now) {
		at = now.Add(p.Interval).In(start.Location())
		if at.After(start) {
			at = start.Add(-p.lead())
		}
	}
	return at, IsFirst(at, start)
}

// Armable reports whether a reminder at "at" may hold a live timer for ev.
func Armable(ev model.Event, at, now time.Time) bool {
	return at.After(now) && at.Before(ev.Cutoff())
}

// IsFirst reports whether at falls on a calendar day before start's day,
// both taken in start's location.
func IsFirst(at, start time.Time) bool {
	return at.In(start.Location()).Before(model.Midnight(start))
}

// Days returns the whole-day difference between the event date and now's
// date, both taken in the event's location.
func Days(start, now time.Time) int {
	y1, m1, d1 := now.In(start.Location()).Date()
	y2, m2, d2 := start.Date()
	a := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	b := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	return int(b.Sub(a).Hours() / 24)
}

// Message renders the notification text for ev as seen at now.
func Message(ev model.Event, now time.Time) string {
	date := ev.Start.Format("2006-01-02")
	switch Days(ev.Start, now) {
	case 1:
		return fmt.Sprintf("REMINDER: You have '%s' scheduled for tomorrow (%s).", ev.Summary, date)
	case 0:
		return fmt.Sprintf("REMINDER: Don't forget about '%s' scheduled for today (%s).", ev.Summary, date)
	default:
		return fmt.Sprintf("REMINDER: '%s' is coming up on %s.", ev.Summary, date)
	}
}

// Transition is the outcome of a reminder firing.
type Transition struct {
	Event model.Event
	// Stale is set when the record no longer wants reminders.
	Stale bool
	// Expired is set when the event reached its cutoff and must be pruned.
	Expired bool
	// Notify carries the text to send; empty when nothing is sent.
	Notify string
	// Rearm is set when a timer must be armed for Event.NextReminder.
	Rearm bool
}

// Fire advances ev for a reminder firing at now.
func (p Policy) Fire(ev model.Event, now time.Time) Transition {
	if ev.Acknowledged {
		return Transition{Event: ev, Stale: true}
	}
	if ev.Expired(now) {
		return Transition{Event: ev, Expired: true}
	}

	t := Transition{Notify: Message(ev, now)}
	ev.Sent++

	cutoff := ev.Cutoff()
	candidate := now.Add(p.Interval).In(ev.Start.Location())
	if candidate.Before(cutoff) {
		ev.NextReminder = candidate
		ev.FirstReminder = IsFirst(candidate, ev.Start)
		t.Rearm = true
	} else {
		ev.NextReminder = cutoff
		ev.FirstReminder = false
	}
	t.Event = ev
	return t
}
