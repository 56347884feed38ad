// Package subscription keeps users' reminder sets in sync with calendar
// URLs listed in the configuration.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"remindcal/internal/access"
	"remindcal/internal/ics"
	appLog "remindcal/internal/log"
	"remindcal/internal/model"
	"remindcal/internal/reminder"
)

// ErrNoSources is returned by Sync for users without configured sources.
var ErrNoSources = errors.New("no subscriptions for user")

// Syncer refreshes every user's reminder set from the configured sources.
// All sources of one user are merged into a single refresh, because events
// missing from the merged calendar are dropped.
type Syncer struct {
	fetcher *ics.Fetcher
	decoder ics.Decoder
	sched   *reminder.Scheduler
	allow   *access.Whitelist
	byUser  map[string][]ics.Source
}

// NewSyncer groups sources by user. Sources without a user or URL are
// skipped.
func NewSyncer(f *ics.Fetcher, d ics.Decoder, s *reminder.Scheduler, allow *access.Whitelist, sources []ics.Source) *Syncer {
	byUser := make(map[string][]ics.Source)
	for _, src := range sources {
		if src.UserID == "" || src.URL == "" {
			continue
		}
		byUser[src.UserID] = append(byUser[src.UserID], src)
	}
	return &Syncer{fetcher: f, decoder: d, sched: s, allow: allow, byUser: byUser}
}

// Users returns the users with at least one source, sorted.
func (s *Syncer) Users() []string {
	out := make([]string, 0, len(s.byUser))
	for u := range s.byUser {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Sync fetches all sources of one user and merges them into the user's
// set. When every source came back unchanged or from cache nothing is
// re-imported. If any source fails the user's current set is left
// untouched. It returns the number of scheduled events.
func (s *Syncer) Sync(ctx context.Context, userID string) (int, error) {
	if err := s.allow.Check(userID); err != nil {
		return 0, err
	}
	sources := s.byUser[userID]
	if len(sources) == 0 {
		return 0, ErrNoSources
	}

	bodies := make([]ics.FetchResult, 0, len(sources))
	fresh := false
	for _, src := range sources {
		res, err := s.fetcher.Fetch(ctx, src)
		if err != nil {
			return 0, fmt.Errorf("fetch %q: %w", src.Name, err)
		}
		fresh = fresh || !res.FromCache
		bodies = append(bodies, res)
	}
	if !fresh {
		appLog.Debug("subscriptions unchanged", "user", userID, "sources", len(sources))
		return len(s.sched.Registry().Snapshot(ctx, userID)), nil
	}

	now := s.sched.Now()
	var raws []model.RawEvent
	for _, res := range bodies {
		events, err := s.decoder.Decode(res.Body, now)
		if err != nil {
			return 0, fmt.Errorf("decode %q: %w", res.Source.Name, err)
		}
		raws = append(raws, events...)
	}

	result, err := s.sched.Refresh(ctx, userID, raws)
	return len(result.Events), err
}

// SyncAll runs Sync for every user. Failures are logged and joined; one
// user's failure does not stop the others.
func (s *Syncer) SyncAll(ctx context.Context) error {
	var errs []error
	for _, userID := range s.Users() {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		n, err := s.Sync(ctx, userID)
		if err != nil {
			appLog.Error("subscription sync failed", err, "user", userID)
			errs = append(errs, fmt.Errorf("user %s: %w", userID, err))
			continue
		}
		appLog.Debug("subscription synced", "user", userID, "events", n)
	}
	return errors.Join(errs...)
}
