package model

import (
	"sort"
	"time"
)

// RawEvent is a single calendar entry as produced by the calendar source,
// after recurrence expansion but before filtering and scheduling.
type RawEvent struct {
	UID        string // iCalendar UID, may be empty
	Summary    string
	Categories []string

	// Start is in the event's own timezone. Floating and date-only values
	// carry the configured default location.
	Start  time.Time
	AllDay bool
}

// Event is the persisted reminder record for one calendar event of one user.
// The live timer belonging to it is held by the scheduler, never here.
type Event struct {
	ID      string
	Summary string
	// Type groups events for display; it has no scheduling effect.
	Type  string
	Start time.Time

	Acknowledged bool
	// NextReminder is the zero time when no reminder is pending.
	NextReminder  time.Time
	FirstReminder bool
	// Sent counts notifications delivered to the transport for this event.
	Sent int
}

// EventSet maps event ID to record for a single user.
type EventSet map[string]Event

// State is the reminder lifecycle stage of an event, derived from its
// record and the current time.
type State string

const (
	StatePendingFirst   State = "pending_first"
	StateRecurring      State = "recurring"
	StateAwaitingExpiry State = "awaiting_expiry"
	StateAcknowledged   State = "acknowledged"
	StateExpired        State = "expired"
)

// Terminal reports whether no further reminder can be produced in this state.
func (s State) Terminal() bool {
	return s == StateAcknowledged || s == StateExpired
}

// Cutoff returns midnight of the event's calendar date in its own location.
// No reminder may be scheduled at or after this instant.
func (e Event) Cutoff() time.Time {
	return Midnight(e.Start)
}

// Expired reports whether the event's day has begun relative to now,
// evaluated in the event's own timezone.
func (e Event) Expired(now time.Time) bool {
	return !now.In(e.Start.Location()).Before(e.Cutoff())
}

// Parked reports whether the record sits on the cutoff sentinel with no
// live timer, waiting to be pruned.
func (e Event) Parked() bool {
	return !e.NextReminder.IsZero() && !e.NextReminder.Before(e.Cutoff())
}

// State reports the lifecycle stage of e at now.
func (e Event) State(now time.Time) State {
	switch {
	case e.Acknowledged:
		return StateAcknowledged
	case e.Expired(now):
		return StateExpired
	case e.Parked():
		return StateAwaitingExpiry
	case e.Sent == 0:
		return StatePendingFirst
	default:
		return StateRecurring
	}
}

// Midnight returns 00:00 of t's calendar date in t's location.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// Clone returns a shallow copy of the set.
func (s EventSet) Clone() EventSet {
	out := make(EventSet, len(s))
	for id, ev := range s {
		out[id] = ev
	}
	return out
}

// Sorted returns the events ordered by start time, then ID.
func (s EventSet) Sorted() []Event {
	out := make([]Event, 0, len(s))
	for _, ev := range s {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].Start.Equal(out[j].Start) {
			return out[i].Start.Before(out[j].Start)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
