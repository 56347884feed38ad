package reminder

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/clock"
	"remindcal/internal/ingest"
	"remindcal/internal/model"
	"remindcal/internal/notify"
	"remindcal/internal/schedule"
	"remindcal/internal/store"
)

type fakeEntry struct {
	at time.Time
	fn func()
}

// fakeTimers only fires when the test says so.
type fakeTimers struct {
	mu      sync.Mutex
	entries map[string]fakeEntry
}

func newFakeTimers() *fakeTimers {
	return &fakeTimers{entries: make(map[string]fakeEntry)}
}

func (f *fakeTimers) Arm(key string, at time.Time, fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries[key] = fakeEntry{at: at, fn: fn}
}

func (f *fakeTimers) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, key)
}

func (f *fakeTimers) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeTimers) get(key string) (fakeEntry, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	e, ok := f.entries[key]
	return e, ok
}

// fire runs the timer for key the way a real timer would: the entry is
// consumed before its callback runs.
func (f *fakeTimers) fire(t *testing.T, key string) time.Time {
	t.Helper()
	f.mu.Lock()
	e, ok := f.entries[key]
	delete(f.entries, key)
	f.mu.Unlock()
	require.True(t, ok, "no timer armed for %s", key)
	e.fn()
	return e.at
}

type recordingNotifier struct {
	mu   sync.Mutex
	msgs []notify.Message
}

func (r *recordingNotifier) Send(_ context.Context, msg notify.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msg)
	return nil
}

func (r *recordingNotifier) messages() []notify.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.Message(nil), r.msgs...)
}

type fixture struct {
	sched    *Scheduler
	timers   *fakeTimers
	notifier *recordingNotifier
	clock    *clock.Manual
	store    *store.FileStore
}

func newFixture(t *testing.T, now time.Time) *fixture {
	t.Helper()
	fs, err := store.NewFileStore(t.TempDir())
	require.NoError(t, err)

	policy := schedule.DefaultPolicy()
	f := &fixture{
		timers:   newFakeTimers(),
		notifier: &recordingNotifier{},
		clock:    clock.NewManual(now),
		store:    fs,
	}
	f.sched = NewScheduler(NewRegistry(fs), f.timers, f.notifier,
		ingest.NewPipeline([]string{"Wertstoffhof geschlossen"}, policy), policy, f.clock)
	return f
}

func at(day, hour int) time.Time {
	return time.Date(2024, 3, day, hour, 0, 0, 0, time.UTC)
}

func TestScheduler_ReminderLifecycle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	raws := []model.RawEvent{{UID: "rest", Summary: "Restmüll", Start: at(10, 8)}}
	res, err := f.sched.Import(ctx, "42", raws)
	require.NoError(t, err)
	require.Len(t, res.Events, 1)

	id := ingest.EventID("42", "rest", at(10, 8), "Restmüll")
	key := timerKey("42", id)

	entry, ok := f.timers.get(key)
	require.True(t, ok)
	assert.True(t, entry.at.Equal(at(9, 17)))

	// 17:00, 19:00, 21:00 and 23:00 go out; the one after would cross midnight.
	for _, hour := range []int{17, 19, 21, 23} {
		f.clock.Set(at(9, hour))
		fired := f.timers.fire(t, key)
		assert.True(t, fired.Equal(at(9, hour)))
	}

	msgs := f.notifier.messages()
	require.Len(t, msgs, 4)
	for _, m := range msgs {
		assert.Equal(t, "42", m.UserID)
		assert.Equal(t, "REMINDER: You have 'Restmüll' scheduled for tomorrow (2024-03-10).", m.Text)
		assert.Equal(t, AckToken(id), m.Action.Token)
	}

	assert.Zero(t, f.timers.Len(), "no timer past the last reminder")
	ev, ok := f.sched.Registry().Snapshot(ctx, "42")[id]
	require.True(t, ok)
	assert.Equal(t, 4, ev.Sent)
	assert.True(t, ev.NextReminder.Equal(ev.Cutoff()))
	assert.Equal(t, model.StateAwaitingExpiry, ev.State(f.clock.Now()))

	f.clock.Set(at(10, 0))
	list, err := f.sched.List(ctx, "42")
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Empty(t, f.store.Load(ctx, "42"))
}

func TestScheduler_RecurringStateIsPersisted(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	_, err := f.sched.Import(ctx, "42", []model.RawEvent{{UID: "p", Summary: "Papier", Start: at(10, 8)}})
	require.NoError(t, err)
	id := ingest.EventID("42", "p", at(10, 8), "Papier")

	f.clock.Set(at(9, 17))
	f.timers.fire(t, timerKey("42", id))

	stored := f.store.Load(ctx, "42")[id]
	assert.Equal(t, 1, stored.Sent)
	assert.True(t, stored.NextReminder.Equal(at(9, 19)))
	assert.True(t, stored.FirstReminder)
	assert.Equal(t, model.StateRecurring, stored.State(f.clock.Now()))
}

func TestScheduler_Acknowledge(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	_, err := f.sched.Import(ctx, "42", []model.RawEvent{
		{UID: "a", Summary: "Bio", Start: at(10, 8)},
		{UID: "b", Summary: "Gelb", Start: at(11, 8)},
	})
	require.NoError(t, err)
	require.Equal(t, 2, f.timers.Len())

	id := ingest.EventID("42", "a", at(10, 8), "Bio")
	pending, ok := f.timers.get(timerKey("42", id))
	require.True(t, ok)

	acked, found, err := f.sched.HandleAction(ctx, "42", AckToken(id))
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, acked.Acknowledged)
	assert.Equal(t, "Bio", acked.Summary)
	assert.Equal(t, 1, f.timers.Len())

	// A second acknowledgment is a harmless no-op.
	_, found, err = f.sched.Acknowledge(ctx, "42", id)
	require.NoError(t, err)
	assert.False(t, found)

	// A timer callback that raced with the acknowledgment sends nothing.
	f.clock.Set(pending.at)
	pending.fn()
	assert.Empty(t, f.notifier.messages())

	list, err := f.sched.List(ctx, "42")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Gelb", list[0].Summary)
	assert.Len(t, f.store.Load(ctx, "42"), 1)
}

func TestScheduler_HandleActionUnknown(t *testing.T) {
	t.Parallel()

	f := newFixture(t, at(8, 9))
	for _, token := range []string{"", "ack_", "snooze_1"} {
		_, _, err := f.sched.HandleAction(context.Background(), "42", token)
		require.ErrorIs(t, err, ErrUnknownAction, token)
	}
}

func TestScheduler_ImportReplacesPreviousSet(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	first := []model.RawEvent{
		{UID: "a", Summary: "Bio", Start: at(10, 8)},
		{UID: "b", Summary: "Gelb", Start: at(11, 8)},
	}
	_, err := f.sched.Import(ctx, "42", first)
	require.NoError(t, err)
	require.Equal(t, 2, f.timers.Len())

	dropped := ingest.EventID("42", "a", at(10, 8), "Bio")
	stale, ok := f.timers.get(timerKey("42", dropped))
	require.True(t, ok)

	_, err = f.sched.Import(ctx, "42", first[1:])
	require.NoError(t, err)
	assert.Equal(t, 1, f.timers.Len())
	_, ok = f.timers.get(timerKey("42", dropped))
	assert.False(t, ok)

	f.clock.Set(stale.at)
	stale.fn()
	assert.Empty(t, f.notifier.messages(), "dropped event must stay silent")

	snap := f.sched.Registry().Snapshot(ctx, "42")
	assert.Len(t, snap, 1)
}

func TestScheduler_ImportKeepsUsersApart(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	raws := []model.RawEvent{{UID: "a", Summary: "Bio", Start: at(10, 8)}}
	_, err := f.sched.Import(ctx, "1", raws)
	require.NoError(t, err)
	_, err = f.sched.Import(ctx, "2", raws)
	require.NoError(t, err)
	assert.Equal(t, 2, f.timers.Len())

	n, err := f.sched.Clear(ctx, "1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 1, f.timers.Len())
	assert.Empty(t, f.store.Load(ctx, "1"))
	assert.Len(t, f.store.Load(ctx, "2"), 1)

	users, err := f.sched.Registry().Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"1", "2"}, users)
}

func TestScheduler_ImminentEventGetsGraceReminder(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(9, 18))

	_, err := f.sched.Import(ctx, "42", []model.RawEvent{{UID: "a", Summary: "Bio", Start: at(10, 8)}})
	require.NoError(t, err)

	id := ingest.EventID("42", "a", at(10, 8), "Bio")
	entry, ok := f.timers.get(timerKey("42", id))
	require.True(t, ok)
	assert.True(t, entry.at.Equal(at(9, 18).Add(schedule.DefaultGrace)))
}

func TestScheduler_PruneAll(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	_, err := f.sched.Import(ctx, "1", []model.RawEvent{{UID: "a", Summary: "Bio", Start: at(9, 8)}})
	require.NoError(t, err)
	_, err = f.sched.Import(ctx, "2", []model.RawEvent{{UID: "b", Summary: "Gelb", Start: at(12, 8)}})
	require.NoError(t, err)

	f.clock.Set(at(9, 0))
	assert.Equal(t, 1, f.sched.PruneAll(ctx))
	assert.Empty(t, f.store.Load(ctx, "1"))
	assert.Len(t, f.store.Load(ctx, "2"), 1)
	assert.Equal(t, 1, f.timers.Len())
}

func TestScheduler_FireAtCutoffExpires(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	_, err := f.sched.Import(ctx, "42", []model.RawEvent{{UID: "a", Summary: "Bio", Start: at(10, 8)}})
	require.NoError(t, err)
	id := ingest.EventID("42", "a", at(10, 8), "Bio")

	// The host slept through the whole evening.
	f.clock.Set(at(10, 3))
	f.timers.fire(t, timerKey("42", id))

	assert.Empty(t, f.notifier.messages())
	assert.Empty(t, f.store.Load(ctx, "42"))
}

func TestScheduler_RefreshKeepsAcknowledgedEventsGone(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(9, 18))

	raws := []model.RawEvent{
		{UID: "a", Summary: "Bio", Start: at(10, 8)},
		{UID: "b", Summary: "Gelb", Start: at(10, 8)},
	}
	_, err := f.sched.Refresh(ctx, "42", raws)
	require.NoError(t, err)
	bio := ingest.EventID("42", "a", at(10, 8), "Bio")

	f.clock.Set(at(9, 18).Add(schedule.DefaultGrace))
	f.timers.fire(t, timerKey("42", bio))
	_, found, err := f.sched.Acknowledge(ctx, "42", bio)
	require.NoError(t, err)
	require.True(t, found)

	f.clock.Set(at(9, 18).Add(30 * time.Minute))
	res, err := f.sched.Refresh(ctx, "42", raws)
	require.NoError(t, err)
	assert.Len(t, res.Events, 1)

	_, armed := f.timers.get(timerKey("42", bio))
	assert.False(t, armed)
	assert.Len(t, f.notifier.messages(), 1)
	assert.NotContains(t, f.store.Load(ctx, "42"), bio)

	// An explicit import brings it back.
	_, err = f.sched.Import(ctx, "42", raws)
	require.NoError(t, err)
	_, armed = f.timers.get(timerKey("42", bio))
	assert.True(t, armed)
}

func TestScheduler_RefreshKeepsReminderProgress(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, at(8, 9))

	raws := []model.RawEvent{{UID: "p", Summary: "Papier", Start: at(10, 8)}}
	_, err := f.sched.Import(ctx, "42", raws)
	require.NoError(t, err)
	id := ingest.EventID("42", "p", at(10, 8), "Papier")
	key := timerKey("42", id)

	entry, ok := f.timers.get(key)
	require.True(t, ok)
	f.clock.Set(entry.at)
	f.timers.fire(t, key)

	// Refreshing every half hour neither resends nor shifts the 2h interval.
	start := f.clock.Now()
	for step := 1; step <= 5; step++ {
		f.clock.Set(start.Add(time.Duration(step) * 30 * time.Minute))
		_, err := f.sched.Refresh(ctx, "42", raws)
		require.NoError(t, err)

		if entry, ok := f.timers.get(key); ok && !f.clock.Now().Before(entry.at) {
			f.timers.fire(t, key)
		}
	}

	assert.Len(t, f.notifier.messages(), 2)
	ev := f.store.Load(ctx, "42")[id]
	assert.Equal(t, 2, ev.Sent)
	assert.True(t, ev.NextReminder.Equal(at(9, 21)))
	entry, ok = f.timers.get(key)
	require.True(t, ok)
	assert.True(t, entry.at.Equal(at(9, 21)))
}
