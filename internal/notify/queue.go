package notify

import (
	"context"
	"time"

	appLog "remindcal/internal/log"
)

// Queue decouples senders from a slow transport: Send only enqueues, and
// Run delivers messages one at a time until its context ends.
type Queue struct {
	next    Notifier
	ch      chan Message
	timeout time.Duration
}

func NewQueue(next Notifier, size int) *Queue {
	if size <= 0 {
		size = 256
	}
	return &Queue{next: next, ch: make(chan Message, size), timeout: 30 * time.Second}
}

// Send enqueues msg without blocking.
func (q *Queue) Send(_ context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	default:
		return ErrQueueFull
	}
}

// Run drains the queue. Pending messages are dropped once ctx is done.
func (q *Queue) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			if n := len(q.ch); n > 0 {
				appLog.Warn("notification queue stopped with pending messages", "count", n)
			}
			return
		case msg := <-q.ch:
			sendCtx, cancel := context.WithTimeout(ctx, q.timeout)
			if err := q.next.Send(sendCtx, msg); err != nil {
				appLog.Error("notification delivery failed", err, "user", msg.UserID)
			}
			cancel()
		}
	}
}
