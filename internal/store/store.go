// Package store persists one reminder set per user as a single JSON blob.
// Live timers are never persisted; they are rebuilt on startup.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"remindcal/internal/model"
)

// ErrInvalidUser is returned for user IDs that cannot be used as storage keys.
var ErrInvalidUser = errors.New("invalid user id")

var userIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// ValidUserID reports whether id may be used as a storage key.
func ValidUserID(id string) bool {
	return userIDPattern.MatchString(id)
}

// Store is the durable per-user mapping from event ID to record.
//
// Save overwrites the whole set for a user. Load never fails: a missing or
// unreadable blob yields an empty set (the failure is logged).
type Store interface {
	Save(ctx context.Context, userID string, events model.EventSet) error
	Load(ctx context.Context, userID string) model.EventSet
	Users(ctx context.Context) ([]string, error)
	Close() error
}

// record is the serialized form of model.Event.
type record struct {
	Summary       string `json:"summary"`
	EventType     string `json:"event_type"`
	StartTime     string `json:"start_time"`
	TimeZone      string `json:"time_zone,omitempty"`
	Acknowledged  bool   `json:"acknowledged"`
	NextReminder  string `json:"next_reminder_time"`
	FirstReminder bool   `json:"first_reminder"`
	RemindersSent int    `json:"reminders_sent,omitempty"`
}

// Marshal encodes a set deterministically: equal sets give equal bytes.
func Marshal(events model.EventSet) ([]byte, error) {
	out := make(map[string]record, len(events))
	for id, ev := range events {
		r := record{
			Summary:       ev.Summary,
			EventType:     ev.Type,
			StartTime:     ev.Start.Format(time.RFC3339Nano),
			TimeZone:      zoneName(ev.Start.Location()),
			Acknowledged:  ev.Acknowledged,
			FirstReminder: ev.FirstReminder,
			RemindersSent: ev.Sent,
		}
		if !ev.NextReminder.IsZero() {
			r.NextReminder = ev.NextReminder.Format(time.RFC3339Nano)
		}
		out[id] = r
	}
	// encoding/json sorts map keys.
	return json.MarshalIndent(out, "", "  ")
}

// Unmarshal decodes a blob written by Marshal. Instants are restored into
// their recorded IANA zone when it is known, else keep their fixed offset.
func Unmarshal(data []byte) (model.EventSet, error) {
	var in map[string]record
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, err
	}

	out := make(model.EventSet, len(in))
	for id, r := range in {
		loc := resolveZone(r.TimeZone)

		start, err := parseInstant(r.StartTime, loc)
		if err != nil {
			return nil, fmt.Errorf("event %s: start_time: %w", id, err)
		}
		ev := model.Event{
			ID:            id,
			Summary:       r.Summary,
			Type:          r.EventType,
			Start:         start,
			Acknowledged:  r.Acknowledged,
			FirstReminder: r.FirstReminder,
			Sent:          r.RemindersSent,
		}
		if r.NextReminder != "" {
			// A corrupt reminder time is recomputed on recovery.
			if next, err := parseInstant(r.NextReminder, start.Location()); err == nil {
				ev.NextReminder = next
			}
		}
		out[id] = ev
	}
	return out, nil
}

func parseInstant(s string, loc *time.Location) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, err
	}
	if loc != nil {
		t = t.In(loc)
	}
	return t, nil
}

func zoneName(loc *time.Location) string {
	if loc == nil || loc == time.UTC {
		return "UTC"
	}
	return loc.String()
}

// resolveZone returns nil for names that cannot be loaded (for example
// fixed zones), leaving the parsed offset in place.
func resolveZone(name string) *time.Location {
	if name == "" {
		return nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil
	}
	return loc
}
