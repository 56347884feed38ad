package ics

import (
	"errors"
	"time"

	"github.com/teambition/rrule-go"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
)

const (
	defaultMaxOccurrencesPerEvent = 5000
)

// ExpandConfig controls how recurrence expansion is performed.
type ExpandConfig struct {
	// RangeStart / RangeEnd bound the occurrences produced for recurring
	// events. Single events are passed through regardless of range.
	RangeStart time.Time
	RangeEnd   time.Time

	// MaxOccurrencesPerEvent is a safety cap to avoid infinite or extremely
	// large expansions. If zero, defaultMaxOccurrencesPerEvent is used.
	MaxOccurrencesPerEvent int
}

// ExpandOccurrences flattens parsed VEVENTs into raw events. It handles:
//
//   - Single non-recurring events
//   - RRULE-based recurrence
//   - EXDATE for exception removal
//   - RECURRENCE-ID overrides
//
// Occurrences keep the timezone of their base event.
func ExpandOccurrences(events []ParsedEvent, cfg ExpandConfig) ([]model.RawEvent, error) {
	if cfg.RangeEnd.Before(cfg.RangeStart) {
		return nil, errors.New("expand: RangeEnd is before RangeStart")
	}
	if cfg.MaxOccurrencesPerEvent <= 0 {
		cfg.MaxOccurrencesPerEvent = defaultMaxOccurrencesPerEvent
	}

	// Overrides only apply to recurring events sharing their UID.
	overridesByUID := make(map[string][]ParsedEvent)
	recurring := make(map[string]bool)
	for _, ev := range events {
		if ev.IsOverride() && ev.UID != "" {
			overridesByUID[ev.UID] = append(overridesByUID[ev.UID], ev)
		} else if ev.RawRRule != "" {
			recurring[ev.UID] = true
		}
	}

	out := make([]model.RawEvent, 0, len(events))
	for _, ev := range events {
		switch {
		case ev.IsOverride() && recurring[ev.UID]:
			// Emitted in place of the matching instance below.
			continue
		case ev.RawRRule == "":
			out = append(out, toRaw(ev, ev.Start))
		default:
			occ, hitCap := expandRecurringEvent(ev, overridesByUID[ev.UID], cfg)
			if hitCap {
				appLog.Error("expand: truncated occurrences for UID due to cap",
					errors.New("max occurrences reached"),
					"uid", ev.UID,
					"cap", cfg.MaxOccurrencesPerEvent,
				)
			}
			out = append(out, occ...)
		}
	}
	return out, nil
}

func expandRecurringEvent(ev ParsedEvent, overrides []ParsedEvent, cfg ExpandConfig) ([]model.RawEvent, bool) {
	out := make([]model.RawEvent, 0)

	r, err := rrule.StrToRRule(ev.RawRRule)
	if err != nil {
		appLog.Error("expand: failed to parse RRULE", err, "uid", ev.UID, "rrule", ev.RawRRule)
		return out, false
	}
	r.DTStart(ev.Start)

	var set rrule.Set
	set.RRule(r)
	for _, ex := range ev.ExDates {
		set.ExDate(ex.In(ev.Start.Location()))
	}

	loc := ev.Start.Location()
	occTimes := set.Between(cfg.RangeStart.In(loc), cfg.RangeEnd.In(loc), true)

	hitCap := false
	if len(occTimes) > cfg.MaxOccurrencesPerEvent {
		occTimes = occTimes[:cfg.MaxOccurrencesPerEvent]
		hitCap = true
	}

	for _, occStart := range occTimes {
		occStart = occStart.In(loc)
		if ev.AllDay {
			occStart = model.Midnight(occStart)
		}
		if o, ok := findOverrideForStart(overrides, occStart); ok {
			out = append(out, toRaw(o, o.Start))
			continue
		}
		out = append(out, toRaw(ev, occStart))
	}

	return out, hitCap
}

// findOverrideForStart finds an override event whose RECURRENCE-ID matches
// the given instance start.
func findOverrideForStart(overrides []ParsedEvent, start time.Time) (ParsedEvent, bool) {
	for _, ov := range overrides {
		if ov.Recurrence != nil && ov.Recurrence.Equal(start) {
			return ov, true
		}
	}
	return ParsedEvent{}, false
}

func toRaw(ev ParsedEvent, start time.Time) model.RawEvent {
	return model.RawEvent{
		UID:        ev.UID,
		Summary:    ev.Summary,
		Categories: ev.Categories,
		Start:      start,
		AllDay:     ev.AllDay,
	}
}
