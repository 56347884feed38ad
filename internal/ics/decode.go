package ics

import (
	"time"

	"remindcal/internal/model"
)

const defaultHorizon = 366 * 24 * time.Hour

// Decoder turns an ICS payload into the raw events fed to ingestion.
type Decoder struct {
	// Location applies to floating and date-only values. Nil means time.Local.
	Location *time.Location
	// Horizon bounds how far ahead recurring events are expanded.
	Horizon time.Duration
}

// Decode parses body and expands recurring events between one day before
// now and now+Horizon. Errors wrap ErrMalformedCalendar.
func (d Decoder) Decode(body []byte, now time.Time) ([]model.RawEvent, error) {
	parsed, err := ParseICS(body, d.Location)
	if err != nil {
		return nil, err
	}

	horizon := d.Horizon
	if horizon <= 0 {
		horizon = defaultHorizon
	}
	return ExpandOccurrences(parsed, ExpandConfig{
		RangeStart: now.Add(-24 * time.Hour),
		RangeEnd:   now.Add(horizon),
	})
}
