package schedule

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"remindcal/internal/model"
)

func berlin(t *testing.T) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	return loc
}

func TestPolicy_Initial(t *testing.T) {
	t.Parallel()

	loc := berlin(t)
	p := DefaultPolicy()
	start := time.Date(2024, 3, 10, 8, 0, 0, 0, loc)

	t.Run("day before at configured time", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 3, 8, 9, 0, 0, 0, loc)
		at, first := p.Initial(start, now)
		assert.True(t, at.Equal(time.Date(2024, 3, 9, 17, 0, 0, 0, loc)))
		assert.True(t, first)
	})

	t.Run("grace delay once day before has passed", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 3, 9, 18, 30, 0, 0, loc)
		at, first := p.Initial(start, now)
		assert.True(t, at.Equal(now.Add(DefaultGrace)))
		assert.True(t, first)
	})

	t.Run("configured minute", func(t *testing.T) {
		t.Parallel()

		p := Policy{Hour: 6, Minute: 45, Interval: time.Hour}
		now := time.Date(2024, 3, 1, 0, 0, 0, 0, loc)
		at, _ := p.Initial(start, now)
		assert.Equal(t, "2024-03-09T06:45:00+01:00", at.Format(time.RFC3339))
	})
}

func TestPolicy_Recompute(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	start := time.Date(2024, 3, 10, 0, 10, 0, 0, time.UTC)

	t.Run("day before still ahead", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
		at, first := p.Recompute(start, now)
		assert.True(t, at.Equal(time.Date(2024, 3, 9, 17, 0, 0, 0, time.UTC)))
		assert.True(t, first)
	})

	t.Run("interval from now", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 3, 9, 18, 0, 0, 0, time.UTC)
		at, first := p.Recompute(start, now)
		assert.True(t, at.Equal(time.Date(2024, 3, 9, 20, 0, 0, 0, time.UTC)))
		assert.True(t, first)
	})

	t.Run("clamped before start", func(t *testing.T) {
		t.Parallel()

		now := time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC)
		at, first := p.Recompute(start, now)
		assert.True(t, at.Equal(time.Date(2024, 3, 9, 23, 55, 0, 0, time.UTC)))
		assert.True(t, first)
	})
}

func TestDaysAndMessage(t *testing.T) {
	t.Parallel()

	ev := model.Event{Summary: "Biotonne", Start: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)}

	tests := []struct {
		name string
		now  time.Time
		days int
		want string
	}{
		{"tomorrow", time.Date(2024, 3, 9, 23, 0, 0, 0, time.UTC), 1, "tomorrow (2024-03-10)"},
		{"today", time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC), 0, "today (2024-03-10)"},
		{"later", time.Date(2024, 3, 7, 6, 0, 0, 0, time.UTC), 3, "coming up on 2024-03-10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, tt.days, Days(ev.Start, tt.now))
			assert.Contains(t, Message(ev, tt.now), tt.want)
			assert.Contains(t, Message(ev, tt.now), "Biotonne")
		})
	}
}

func TestPolicy_Fire(t *testing.T) {
	t.Parallel()

	p := DefaultPolicy()
	start := time.Date(2024, 3, 10, 8, 0, 0, 0, time.Local)

	t.Run("walks the day-before schedule up to the cutoff", func(t *testing.T) {
		t.Parallel()

		ev := model.Event{ID: "e", Summary: "Papier", Start: start}
		at, first := p.Initial(start, time.Date(2024, 3, 8, 9, 0, 0, 0, time.Local))
		ev.NextReminder, ev.FirstReminder = at, first
		require.True(t, at.Equal(time.Date(2024, 3, 9, 17, 0, 0, 0, time.Local)))
		assert.Equal(t, model.StatePendingFirst, ev.State(at))

		tr := p.Fire(ev, at)
		assert.Contains(t, tr.Notify, "tomorrow")
		require.True(t, tr.Rearm)
		assert.True(t, tr.Event.NextReminder.Equal(time.Date(2024, 3, 9, 19, 0, 0, 0, time.Local)))
		assert.True(t, tr.Event.FirstReminder)
		assert.Equal(t, model.StateRecurring, tr.Event.State(at))

		now := time.Date(2024, 3, 9, 23, 0, 0, 0, time.Local)
		tr = p.Fire(tr.Event, now)
		assert.NotEmpty(t, tr.Notify)
		assert.False(t, tr.Rearm)
		assert.True(t, tr.Event.NextReminder.Equal(ev.Cutoff()))
		assert.False(t, tr.Event.FirstReminder)
		assert.Equal(t, model.StateAwaitingExpiry, tr.Event.State(now))
		assert.Equal(t, 2, tr.Event.Sent)
	})

	t.Run("acknowledged is stale", func(t *testing.T) {
		t.Parallel()

		tr := p.Fire(model.Event{Start: start, Acknowledged: true}, start.Add(-24*time.Hour))
		assert.True(t, tr.Stale)
		assert.Empty(t, tr.Notify)
	})

	t.Run("past cutoff expires", func(t *testing.T) {
		t.Parallel()

		tr := p.Fire(model.Event{Start: start}, time.Date(2024, 3, 10, 0, 0, 0, 0, time.Local))
		assert.True(t, tr.Expired)
		assert.Empty(t, tr.Notify)
	})

	t.Run("never rearms at or past cutoff", func(t *testing.T) {
		t.Parallel()

		ev := model.Event{Start: start}
		for now := start.Add(-72 * time.Hour); now.Before(ev.Cutoff()); now = now.Add(17 * time.Minute) {
			tr := p.Fire(ev, now)
			if tr.Rearm {
				require.True(t, tr.Event.NextReminder.Before(ev.Cutoff()), "now=%s", now)
			}
		}
	})
}

func TestArmable(t *testing.T) {
	t.Parallel()

	ev := model.Event{Start: time.Date(2024, 3, 10, 8, 0, 0, 0, time.UTC)}
	now := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)

	assert.True(t, Armable(ev, now.Add(time.Hour), now))
	assert.False(t, Armable(ev, now, now))
	assert.False(t, Armable(ev, ev.Cutoff(), now))
}
