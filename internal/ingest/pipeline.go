// Package ingest turns decoded calendar entries into the reminder set of a
// single user: filtered, deduplicated, expiry-checked and with a first
// reminder time assigned.
package ingest

import (
	"strings"
	"time"

	"github.com/google/uuid"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/schedule"
)

// eventNamespace seeds the name-based UUIDs used as event IDs.
var eventNamespace = uuid.MustParse("6f1c3c5e-8a0e-4d4f-9a57-2f0d8a2f4b61")

// EventID derives the stable identity of an imported event. The same
// calendar entry always maps to the same ID, across imports and restarts.
func EventID(userID, uid string, start time.Time, summary string) string {
	key := strings.Join([]string{userID, uid, start.Format(time.RFC3339Nano), summary}, "\x00")
	return uuid.NewSHA1(eventNamespace, []byte(key)).String()
}

// Result is the outcome of building a reminder set.
type Result struct {
	Events     model.EventSet
	Ignored    int
	Expired    int
	Duplicates int
}

// Pipeline filters, deduplicates and schedules decoded calendar entries.
type Pipeline struct {
	ignoredTerms []string
	policy       schedule.Policy
}

// NewPipeline returns a Pipeline dropping events that match any of
// ignoredTerms. Empty terms are skipped.
func NewPipeline(ignoredTerms []string, policy schedule.Policy) *Pipeline {
	terms := make([]string, 0, len(ignoredTerms))
	for _, t := range ignoredTerms {
		if t != "" {
			terms = append(terms, t)
		}
	}
	return &Pipeline{ignoredTerms: terms, policy: policy}
}

// Build produces the complete replacement set for userID. It never looks at
// the user's previous set.
func (p *Pipeline) Build(userID string, raws []model.RawEvent, now time.Time) Result {
	res := Result{Events: make(model.EventSet, len(raws))}

	for _, raw := range raws {
		start := raw.Start
		if raw.AllDay {
			start = model.Midnight(start)
		}

		if term, ok := p.ignored(raw); ok {
			appLog.Debug("ignoring event", "user", userID, "summary", raw.Summary, "term", term)
			res.Ignored++
			continue
		}

		ev := model.Event{
			Summary: raw.Summary,
			Type:    eventType(raw),
			Start:   start,
		}
		if ev.Expired(now) {
			appLog.Debug("skipping past event", "user", userID, "summary", raw.Summary, "start", start.Format(time.RFC3339))
			res.Expired++
			continue
		}

		ev.ID = EventID(userID, raw.UID, start, raw.Summary)
		if _, dup := res.Events[ev.ID]; dup {
			res.Duplicates++
		}

		at, first := p.policy.Initial(start, now)
		if at.Before(ev.Cutoff()) {
			ev.NextReminder, ev.FirstReminder = at, first
		} else {
			ev.NextReminder = ev.Cutoff()
		}
		res.Events[ev.ID] = ev
	}

	return res
}

// ignored reports the first configured term found in the summary or any
// category. Matching is case-sensitive.
func (p *Pipeline) ignored(raw model.RawEvent) (string, bool) {
	for _, term := range p.ignoredTerms {
		if strings.Contains(raw.Summary, term) {
			return term, true
		}
		for _, c := range raw.Categories {
			if strings.Contains(c, term) {
				return term, true
			}
		}
	}
	return "", false
}

func eventType(raw model.RawEvent) string {
	for _, c := range raw.Categories {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return raw.Summary
}
