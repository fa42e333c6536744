// Package notify delivers best-effort job completion notices.
package notify

import (
	"strings"
	"unicode/utf8"

	"github.com/gen2brain/beeep"

	"github.com/bengillin/walkietalkiebot-sub001/internal/types"
)

const bodyMaxLen = 100

// Notifier dispatches a notification. Implementations are fire-and-forget
// from the job's perspective; callers swallow errors.
type Notifier interface {
	Dispatch(n types.Notification) error
}

// Desktop sends OS desktop notifications.
type Desktop struct {
	// AppName labels the notification; defaults to "walkietalkie".
	AppName string
}

func (d *Desktop) Dispatch(n types.Notification) error {
	title := n.Title
	if app := d.appName(); title == "" {
		title = app
	} else if app != "" {
		title = app + " · " + title
	}
	return beeep.Notify(title, truncateBody(n.Body, bodyMaxLen), "")
}

func (d *Desktop) appName() string {
	if d.AppName != "" {
		return d.AppName
	}
	return "walkietalkie"
}

func truncateBody(s string, maxLen int) string {
	// Collapse whitespace for notification display
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen - 1
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}

// Discard drops all notifications. Used when desktop notifications are
// disabled.
type Discard struct{}

func (Discard) Dispatch(types.Notification) error { return nil }
