// Package notify delivers reminder messages to users. The scheduler only
// sees the Notifier interface; delivery failures are logged by the caller
// and never retried here, the next scheduled reminder being the retry.
package notify

import (
	"context"
	"errors"

	appLog "remindcal/internal/log"
)

// ErrQueueFull is returned by Queue.Send when the outbox is saturated.
var ErrQueueFull = errors.New("notification queue full")

// Action is a button offered alongside a message. Token identifies what
// happens when the user presses it.
type Action struct {
	Label string `json:"label"`
	Token string `json:"token"`
}

type Message struct {
	UserID string `json:"user_id"`
	Text   string `json:"text"`
	Action Action `json:"action"`
}

type Notifier interface {
	Send(ctx context.Context, msg Message) error
}

// LogNotifier writes messages to the application log. It is the default
// transport when nothing else is configured.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, msg Message) error {
	appLog.Info("reminder", "user", msg.UserID, "text", msg.Text, "action", msg.Action.Token)
	return nil
}
