// Package recovery rebuilds live reminder timers from persisted state after
// a restart. Running it twice in a row with the same clock changes nothing
// the second time.
package recovery

import (
	"context"
	"time"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/reminder"
	"remindcal/internal/schedule"
)

// Report summarizes one recovery run.
type Report struct {
	Users    int
	Pruned   int
	Restored int
	Parked   int
}

// Manager restores reminder timers for every persisted user.
type Manager struct {
	sched *reminder.Scheduler
}

// NewManager returns a Manager working on s.
func NewManager(s *reminder.Scheduler) *Manager {
	return &Manager{sched: s}
}

// Run walks every known user. Acknowledged and expired records are
// dropped; the rest get a valid reminder time and a live timer, or are
// parked on their cutoff when no reminder fits before it. Sets are only
// written back when something changed.
func (m *Manager) Run(ctx context.Context) (Report, error) {
	var rep Report

	users, err := m.sched.Registry().Users(ctx)
	if err != nil {
		return rep, err
	}
	rep.Users = len(users)

	policy := m.sched.Policy()
	for _, userID := range users {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		now := m.sched.Now()
		err := m.sched.Registry().Update(ctx, userID, func(set model.EventSet) (model.EventSet, bool) {
			changed := false
			for id, ev := range set {
				if ev.Acknowledged || ev.Expired(now) {
					delete(set, id)
					rep.Pruned++
					changed = true
					continue
				}

				next := restore(policy, ev, now)
				if !sameReminder(ev, next) {
					set[id] = next
					changed = true
				}
				if m.sched.Arm(userID, next) {
					rep.Restored++
				} else {
					rep.Parked++
				}
			}
			return set, changed
		})
		if err != nil {
			appLog.Error("recovery persist failed", err, "user", userID)
		}
	}

	appLog.Info("recovery finished",
		"users", rep.Users,
		"restored", rep.Restored,
		"parked", rep.Parked,
		"pruned", rep.Pruned,
		"live_timers", m.sched.Armed(),
	)
	return rep, nil
}

// restore returns ev with a reminder time that is either strictly between
// now and the cutoff, or exactly the cutoff.
func restore(p schedule.Policy, ev model.Event, now time.Time) model.Event {
	if schedule.Armable(ev, ev.NextReminder, now) {
		return ev
	}
	at, first := p.Recompute(ev.Start, now)
	if schedule.Armable(ev, at, now) {
		ev.NextReminder, ev.FirstReminder = at, first
		return ev
	}
	ev.NextReminder, ev.FirstReminder = ev.Cutoff(), false
	return ev
}

func sameReminder(a, b model.Event) bool {
	return a.NextReminder.Equal(b.NextReminder) && a.FirstReminder == b.FirstReminder
}
