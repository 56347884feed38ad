package reminder

import (
	"context"
	"sort"
	"sync"
	"time"

	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/store"
)

// Registry owns the in-memory reminder sets of all users and their
// persistence. Every access to a user's set goes through the user's lock,
// and a changed set is saved before the lock is released.
type Registry struct {
	store store.Store

	mu    sync.Mutex
	users map[string]*userSet
}

type userSet struct {
	mu     sync.Mutex
	loaded bool
	events model.EventSet
}

// NewRegistry returns an empty Registry backed by s. Sets are loaded
// lazily on first access.
func NewRegistry(s store.Store) *Registry {
	return &Registry{store: s, users: make(map[string]*userSet)}
}

func (r *Registry) user(userID string) *userSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		u = &userSet{}
		r.users[userID] = u
	}
	return u
}

// Update runs fn on the user's set under the user's lock. fn may mutate
// the set in place or return a replacement; when it reports a change the
// result is persisted. A save failure is logged and returned, but the new
// in-memory set stays authoritative.
func (r *Registry) Update(ctx context.Context, userID string, fn func(model.EventSet) (model.EventSet, bool)) error {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.loaded {
		u.events = r.store.Load(ctx, userID)
		u.loaded = true
	}

	next, changed := fn(u.events)
	if next == nil {
		next = model.EventSet{}
	}
	u.events = next
	if !changed {
		return nil
	}

	if err := r.store.Save(ctx, userID, u.events); err != nil {
		appLog.Error("persist reminders failed", err, "user", userID, "count", len(u.events))
		return err
	}
	return nil
}

// view runs fn on the user's set under the user's lock. fn must not
// mutate the set.
func (r *Registry) view(ctx context.Context, userID string, fn func(model.EventSet)) {
	u := r.user(userID)
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.loaded {
		u.events = r.store.Load(ctx, userID)
		u.loaded = true
	}
	fn(u.events)
}

// Snapshot returns a copy of the user's set.
func (r *Registry) Snapshot(ctx context.Context, userID string) model.EventSet {
	var out model.EventSet
	r.view(ctx, userID, func(set model.EventSet) {
		out = set.Clone()
	})
	return out
}

// Replace swaps in a whole new set; before runs on the old set first,
// under the same lock.
func (r *Registry) Replace(ctx context.Context, userID string, events model.EventSet, before func(old model.EventSet)) error {
	return r.Update(ctx, userID, func(old model.EventSet) (model.EventSet, bool) {
		if before != nil {
			before(old)
		}
		return events, true
	})
}

// Prune removes acknowledged and expired records. drop runs for each
// removed record under the user's lock. It returns how many were removed.
func (r *Registry) Prune(ctx context.Context, userID string, now time.Time, drop func(model.Event)) (int, error) {
	removed := 0
	err := r.Update(ctx, userID, func(set model.EventSet) (model.EventSet, bool) {
		for id, ev := range set {
			if ev.Acknowledged || ev.Expired(now) {
				if drop != nil {
					drop(ev)
				}
				delete(set, id)
				removed++
			}
		}
		return set, removed > 0
	})
	return removed, err
}

// Users lists every user known to the store or held in memory.
func (r *Registry) Users(ctx context.Context) ([]string, error) {
	stored, err := r.store.Users(ctx)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(stored))
	for _, id := range stored {
		seen[id] = struct{}{}
	}
	r.mu.Lock()
	for id := range r.users {
		seen[id] = struct{}{}
	}
	r.mu.Unlock()

	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}
