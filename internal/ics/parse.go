package ics

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "remindcal/internal/log"
)

// ErrMalformedCalendar is returned when an ICS payload cannot be turned into
// events. It always covers the whole batch.
var ErrMalformedCalendar = errors.New("malformed calendar")

// ParsedEvent is the normalized representation of a VEVENT before
// recurrence expansion.
type ParsedEvent struct {
	UID        string
	Summary    string
	Categories []string

	Start  time.Time
	AllDay bool

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
}

// IsOverride reports whether this VEVENT replaces one instance of a
// recurring event.
func (p ParsedEvent) IsOverride() bool {
	return p.Recurrence != nil
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - DTSTART in UTC ("...Z") stays in UTC.
//   - DTSTART with TZID is placed in that zone.
//   - Floating and date-only values are placed in loc; date-only values
//     land on midnight.
//
// Any VEVENT without a usable DTSTART fails the whole payload.
func ParseICS(body []byte, loc *time.Location) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, fmt.Errorf("%w: empty ICS body", ErrMalformedCalendar)
	}
	if !bytes.Contains(body, []byte("BEGIN:VCALENDAR")) {
		return nil, fmt.Errorf("%w: missing VCALENDAR", ErrMalformedCalendar)
	}
	if loc == nil {
		loc = time.Local
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedCalendar, err)
	}

	events := make([]ParsedEvent, 0)
	for i, comp := range cal.Events() {
		ev, perr := parseVEvent(comp, loc)
		if perr != nil {
			return nil, fmt.Errorf("%w: vevent %d: %v", ErrMalformedCalendar, i, perr)
		}
		events = append(events, ev)
	}

	appLog.Debug("ics parse completed", "event_count", len(events))
	return events, nil
}

func parseVEvent(ve *ical.VEvent, loc *time.Location) (ParsedEvent, error) {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = p.Value
	}
	out.Summary = "No Title"
	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil && p.Value != "" {
		out.Summary = unescapeText(p.Value)
	}

	// CATEGORIES may repeat and each may hold a comma separated list.
	for _, p := range ve.GetProperties("CATEGORIES") {
		for _, c := range splitUnescaped(p.Value, ',') {
			if c = strings.TrimSpace(unescapeText(c)); c != "" {
				out.Categories = append(out.Categories, c)
			}
		}
	}

	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStart == nil || strings.TrimSpace(dtStart.Value) == "" {
		return out, errors.New("missing DTSTART")
	}

	val := strings.TrimSpace(dtStart.Value)
	if vs, ok := dtStart.ICalParameters["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
		out.AllDay = true
	}
	if !strings.Contains(val, "T") {
		out.AllDay = true
	}

	startLoc := loc
	if tzs, ok := dtStart.ICalParameters["TZID"]; ok && len(tzs) > 0 && !out.AllDay {
		tz, err := time.LoadLocation(strings.Trim(tzs[0], `"`))
		if err != nil {
			// Non-IANA TZID; the library resolves it through VTIMEZONE.
			start, serr := ve.GetStartAt()
			if serr != nil {
				return out, fmt.Errorf("DTSTART %q: %w", val, serr)
			}
			out.Start = start
		} else {
			startLoc = tz
		}
	}
	if out.Start.IsZero() {
		start, err := parseICSTime(val, startLoc)
		if err != nil {
			return out, fmt.Errorf("DTSTART %q: %w", val, err)
		}
		out.Start = start
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		exLoc := out.Start.Location()
		if tzs, ok := p.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			if tz, err := time.LoadLocation(tzs[0]); err == nil {
				exLoc = tz
			}
		}
		for _, part := range strings.Split(p.Value, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			if t, err := parseICSTime(part, exLoc); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	if rid := ve.GetProperty("RECURRENCE-ID"); rid != nil {
		ridLoc := out.Start.Location()
		if tzs, ok := rid.ICalParameters["TZID"]; ok && len(tzs) > 0 {
			if tz, err := time.LoadLocation(tzs[0]); err == nil {
				ridLoc = tz
			}
		}
		if t, err := parseICSTime(rid.Value, ridLoc); err == nil {
			out.Recurrence = &t
		}
	}

	return out, nil
}

// parseICSTime parses a basic ICS date/date-time string. Values without a
// trailing Z are interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

// splitUnescaped splits s on sep, skipping separators escaped with a
// backslash. Escapes are kept for unescapeText.
func splitUnescaped(s string, sep byte) []string {
	var (
		parts []string
		start int
	)
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\\':
			i++
		case sep:
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	return append(parts, s[start:])
}

var textUnescaper = strings.NewReplacer(`\,`, ",", `\;`, ";", `\n`, "\n", `\N`, "\n", `\\`, `\`)

func unescapeText(s string) string {
	return textUnescaper.Replace(s)
}
