// Package reminder drives each event's reminder lifecycle: arming timers,
// handling their firing, acknowledgment and pruning. All mutations of a
// user's set happen inside Registry.Update, so timer callbacks and request
// handlers for the same user never interleave.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"remindcal/internal/clock"
	"remindcal/internal/ingest"
	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/notify"
	"remindcal/internal/schedule"
)

// ErrUnknownAction is returned for action tokens the scheduler does not handle.
var ErrUnknownAction = errors.New("unknown action")

const ackPrefix = "ack_"

// AckToken returns the action token that acknowledges eventID.
func AckToken(eventID string) string {
	return ackPrefix + eventID
}

// Scheduler owns every user's reminder lifecycle: import, timer firing,
// acknowledgment and pruning.
type Scheduler struct {
	registry *Registry
	timers   Timers
	notifier notify.Notifier
	pipeline *ingest.Pipeline
	policy   schedule.Policy
	clock    clock.Clock

	// acked remembers acknowledged event IDs per user until their cutoff,
	// so a subscription refresh cannot bring them back.
	ackMu sync.Mutex
	acked map[string]map[string]time.Time
}

// NewScheduler wires a Scheduler. A nil clk means the system clock.
func NewScheduler(reg *Registry, timers Timers, n notify.Notifier, p *ingest.Pipeline, policy schedule.Policy, clk clock.Clock) *Scheduler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Scheduler{
		registry: reg,
		timers:   timers,
		notifier: n,
		pipeline: p,
		policy:   policy,
		clock:    clk,
		acked:    make(map[string]map[string]time.Time),
	}
}

// Registry exposes the per-user record store.
func (s *Scheduler) Registry() *Registry { return s.registry }

// Policy returns the reminder timing rules in effect.
func (s *Scheduler) Policy() schedule.Policy { return s.policy }

// Now returns the scheduler's current time.
func (s *Scheduler) Now() time.Time { return s.clock.Now() }

// Armed returns the number of live timers across all users.
func (s *Scheduler) Armed() int { return s.timers.Len() }

func timerKey(userID, eventID string) string {
	return userID + "/" + eventID
}

// Import replaces the user's reminder set with the events built from raws.
// Every timer of the previous set is cancelled before the swap. An explicit
// import also revives events that were acknowledged earlier.
func (s *Scheduler) Import(ctx context.Context, userID string, raws []model.RawEvent) (ingest.Result, error) {
	now := s.clock.Now()
	res := s.pipeline.Build(userID, raws, now)

	err := s.registry.Replace(ctx, userID, res.Events, func(old model.EventSet) {
		s.forgetAcked(userID, res.Events)
		for id := range old {
			s.timers.Cancel(timerKey(userID, id))
		}
		for _, ev := range res.Events {
			s.arm(userID, ev, now)
		}
	})

	appLog.Info("calendar imported",
		"user", userID,
		"scheduled", len(res.Events),
		"ignored", res.Ignored,
		"expired", res.Expired,
		"duplicates", res.Duplicates,
	)
	return res, err
}

// Refresh merges a re-downloaded calendar into the user's set. Events that
// are already scheduled keep their reminder progress and live timer, events
// acknowledged before their cutoff stay gone, new events are armed and
// events missing from the calendar are dropped.
func (s *Scheduler) Refresh(ctx context.Context, userID string, raws []model.RawEvent) (ingest.Result, error) {
	now := s.clock.Now()
	res := s.pipeline.Build(userID, raws, now)

	skipped := 0
	acked := map[string]struct{}{}
	err := s.registry.Update(ctx, userID, func(old model.EventSet) (model.EventSet, bool) {
		acked = s.ackedIDs(userID, now)
		next := make(model.EventSet, len(res.Events))
		for id, ev := range res.Events {
			if _, gone := acked[id]; gone {
				skipped++
				continue
			}
			if prev, ok := old[id]; ok {
				ev.NextReminder = prev.NextReminder
				ev.FirstReminder = prev.FirstReminder
				ev.Sent = prev.Sent
			}
			next[id] = ev
		}

		changed := len(next) != len(old)
		for id := range old {
			if _, ok := next[id]; !ok {
				s.timers.Cancel(timerKey(userID, id))
				changed = true
			}
		}
		for id, ev := range next {
			prev, ok := old[id]
			if ok && sameRecord(prev, ev) {
				continue
			}
			if !ok {
				s.arm(userID, ev, now)
			}
			changed = true
		}
		return next, changed
	})
	for id := range acked {
		delete(res.Events, id)
	}

	appLog.Info("calendar refreshed",
		"user", userID,
		"scheduled", len(res.Events),
		"acknowledged", skipped,
		"ignored", res.Ignored,
		"expired", res.Expired,
	)
	return res, err
}

func sameRecord(a, b model.Event) bool {
	return a.Summary == b.Summary &&
		a.Type == b.Type &&
		a.Start.Equal(b.Start) &&
		a.NextReminder.Equal(b.NextReminder) &&
		a.FirstReminder == b.FirstReminder &&
		a.Sent == b.Sent
}

// rememberAcked records an acknowledged event until its cutoff.
func (s *Scheduler) rememberAcked(userID string, ev model.Event) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	ids, ok := s.acked[userID]
	if !ok {
		ids = make(map[string]time.Time)
		s.acked[userID] = ids
	}
	ids[ev.ID] = ev.Cutoff()
}

func (s *Scheduler) forgetAcked(userID string, events model.EventSet) {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	for id := range events {
		delete(s.acked[userID], id)
	}
}

// ackedIDs returns the user's acknowledged IDs whose cutoff is still ahead,
// dropping the rest.
func (s *Scheduler) ackedIDs(userID string, now time.Time) map[string]struct{} {
	s.ackMu.Lock()
	defer s.ackMu.Unlock()
	out := make(map[string]struct{}, len(s.acked[userID]))
	for id, cutoff := range s.acked[userID] {
		if !now.Before(cutoff) {
			delete(s.acked[userID], id)
			continue
		}
		out[id] = struct{}{}
	}
	return out
}

// Acknowledge stops reminders for one event and removes it. Unknown or
// already removed events are a no-op reported as not found.
func (s *Scheduler) Acknowledge(ctx context.Context, userID, eventID string) (model.Event, bool, error) {
	var (
		acked model.Event
		found bool
	)
	err := s.registry.Update(ctx, userID, func(set model.EventSet) (model.EventSet, bool) {
		ev, ok := set[eventID]
		if !ok {
			return set, false
		}
		s.timers.Cancel(timerKey(userID, eventID))
		ev.Acknowledged = true
		ev.NextReminder = time.Time{}
		acked, found = ev, true
		delete(set, eventID)
		s.rememberAcked(userID, ev)
		return set, true
	})
	if found {
		appLog.Info("reminder acknowledged", "user", userID, "event", eventID, "summary", acked.Summary)
	}
	return acked, found, err
}

// HandleAction dispatches an action token sent along with a notification.
func (s *Scheduler) HandleAction(ctx context.Context, userID, token string) (model.Event, bool, error) {
	eventID, ok := strings.CutPrefix(token, ackPrefix)
	if !ok || eventID == "" {
		return model.Event{}, false, fmt.Errorf("%w: %q", ErrUnknownAction, token)
	}
	return s.Acknowledge(ctx, userID, eventID)
}

// List prunes the user's set and returns the remaining events by start time.
func (s *Scheduler) List(ctx context.Context, userID string) ([]model.Event, error) {
	if _, err := s.Prune(ctx, userID); err != nil {
		appLog.Error("prune before list failed", err, "user", userID)
	}
	return s.registry.Snapshot(ctx, userID).Sorted(), nil
}

// Clear cancels every timer of the user and persists an empty set.
func (s *Scheduler) Clear(ctx context.Context, userID string) (int, error) {
	cleared := 0
	err := s.registry.Update(ctx, userID, func(set model.EventSet) (model.EventSet, bool) {
		for id := range set {
			s.timers.Cancel(timerKey(userID, id))
		}
		cleared = len(set)
		return model.EventSet{}, true
	})
	appLog.Info("reminders cleared", "user", userID, "count", cleared)
	return cleared, err
}

// Prune removes expired and acknowledged records of one user.
func (s *Scheduler) Prune(ctx context.Context, userID string) (int, error) {
	return s.registry.Prune(ctx, userID, s.clock.Now(), func(ev model.Event) {
		s.timers.Cancel(timerKey(userID, ev.ID))
	})
}

// PruneAll runs Prune for every known user.
func (s *Scheduler) PruneAll(ctx context.Context) int {
	users, err := s.registry.Users(ctx)
	if err != nil {
		appLog.Error("prune sweep: list users failed", err)
		return 0
	}
	total := 0
	for _, userID := range users {
		n, err := s.Prune(ctx, userID)
		if err != nil {
			appLog.Error("prune sweep failed", err, "user", userID)
		}
		total += n
	}
	if total > 0 {
		appLog.Info("prune sweep removed events", "count", total, "users", len(users))
	}
	return total
}

// Arm arms a timer for ev.NextReminder when it lies strictly between now
// and the event's cutoff, and cancels any timer otherwise. It reports
// whether a timer is live. Callers must hold the user's registry lock.
func (s *Scheduler) Arm(userID string, ev model.Event) bool {
	return s.arm(userID, ev, s.clock.Now())
}

func (s *Scheduler) arm(userID string, ev model.Event, now time.Time) bool {
	key := timerKey(userID, ev.ID)
	if ev.Acknowledged || !schedule.Armable(ev, ev.NextReminder, now) {
		s.timers.Cancel(key)
		return false
	}
	at := ev.NextReminder
	s.timers.Arm(key, at, func() {
		s.fire(context.Background(), userID, ev.ID, at)
	})
	return true
}

// fire handles a timer going off for the reminder scheduled at "at".
// Firings for records that were removed, acknowledged or rescheduled
// in the meantime are ignored.
func (s *Scheduler) fire(ctx context.Context, userID, eventID string, at time.Time) {
	var msg *notify.Message
	err := s.registry.Update(ctx, userID, func(set model.EventSet) (model.EventSet, bool) {
		ev, ok := set[eventID]
		if !ok || ev.Acknowledged || !ev.NextReminder.Equal(at) {
			appLog.Debug("stale reminder fire ignored", "user", userID, "event", eventID)
			return set, false
		}

		now := s.clock.Now()
		tr := s.policy.Fire(ev, now)
		switch {
		case tr.Stale:
			return set, false
		case tr.Expired:
			s.timers.Cancel(timerKey(userID, eventID))
			delete(set, eventID)
			appLog.Info("event expired", "user", userID, "event", eventID, "summary", ev.Summary)
			return set, true
		}

		msg = &notify.Message{
			UserID: userID,
			Text:   tr.Notify,
			Action: notify.Action{Label: "Acknowledge", Token: AckToken(eventID)},
		}
		set[eventID] = tr.Event
		if tr.Rearm {
			s.arm(userID, tr.Event, now)
		} else {
			s.timers.Cancel(timerKey(userID, eventID))
		}
		return set, true
	})
	if err != nil {
		appLog.Error("persist after reminder failed", err, "user", userID, "event", eventID)
	}

	if msg != nil {
		if err := s.notifier.Send(ctx, *msg); err != nil {
			appLog.Error("send reminder failed", err, "user", userID, "event", eventID)
		}
	}
}
