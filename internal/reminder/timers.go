package reminder

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	appLog "remindcal/internal/log"
)

// Timers arms one-shot wake-ups keyed by an opaque string. At most one
// timer is live per key: Arm replaces any previous timer for the key.
// Cancel on an unknown or already fired key is a no-op.
type Timers interface {
	Arm(key string, at time.Time, fn func())
	Cancel(key string)
	Len() int
}

// once is a cron.Schedule that yields a single activation.
type once struct {
	at   time.Time
	used atomic.Bool
}

// Next returns the activation time on the first call and the zero time
// afterwards, which parks the entry until it is removed. A time already in
// the past activates immediately.
func (s *once) Next(now time.Time) time.Time {
	if s.used.Swap(true) {
		return time.Time{}
	}
	if s.at.Before(now) {
		return now
	}
	return s.at
}

type handle struct {
	id cron.EntryID
}

// CronTimers runs timers on a robfig/cron scheduler. The same cron instance
// may carry periodic jobs as well.
type CronTimers struct {
	cron *cron.Cron

	mu      sync.Mutex
	handles map[string]*handle
}

// NewCron builds the cron instance shared by timers and periodic jobs.
// Panics in jobs are recovered and logged.
func NewCron() *cron.Cron {
	logger := cronLogger{}
	return cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)
}

func NewCronTimers(c *cron.Cron) *CronTimers {
	return &CronTimers{cron: c, handles: make(map[string]*handle)}
}

func (t *CronTimers) Arm(key string, at time.Time, fn func()) {
	h := &handle{}
	job := cron.FuncJob(func() {
		t.mu.Lock()
		if t.handles[key] == h {
			delete(t.handles, key)
		}
		t.mu.Unlock()
		t.cron.Remove(h.id)
		fn()
	})

	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.handles[key]; ok {
		t.cron.Remove(prev.id)
	}
	h.id = t.cron.Schedule(&once{at: at}, job)
	t.handles[key] = h
}

func (t *CronTimers) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if h, ok := t.handles[key]; ok {
		t.cron.Remove(h.id)
		delete(t.handles, key)
	}
}

func (t *CronTimers) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.handles)
}

// cronLogger adapts the application logger to cron.Logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...interface{}) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	appLog.Error("cron: "+msg, err, kv...)
}
