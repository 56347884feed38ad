// Package access decides which users may use the service at all.
package access

import (
	"errors"
	"strings"

	appLog "remindcal/internal/log"
)

var ErrForbidden = errors.New("user not allowed")

// Whitelist admits the listed user ids. An empty whitelist admits everyone.
type Whitelist struct {
	users map[string]struct{}
}

func NewWhitelist(users []string) *Whitelist {
	w := &Whitelist{users: make(map[string]struct{}, len(users))}
	for _, u := range users {
		if u = strings.TrimSpace(u); u != "" {
			w.users[u] = struct{}{}
		}
	}
	return w
}

func (w *Whitelist) Allow(userID string) bool {
	if w == nil || len(w.users) == 0 {
		return true
	}
	_, ok := w.users[userID]
	return ok
}

// Check returns ErrForbidden for users outside the whitelist and logs the
// attempt.
func (w *Whitelist) Check(userID string) error {
	if w.Allow(userID) {
		return nil
	}
	appLog.Warn("unauthorized access attempt", "user", userID)
	return ErrForbidden
}
