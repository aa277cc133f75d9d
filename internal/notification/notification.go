// Package notification provides cross-platform desktop notifications.
// It uses the beeep library to send notifications on macOS, Linux, and Windows.
package notification

import (
	"fmt"
	"sync"

	"github.com/gen2brain/beeep"

	"github.com/zhubert/nightshift/internal/logger"
)

// Title is used for every notification nightshift sends.
const Title = "nightshift"

var (
	mu       sync.Mutex
	notifier = beeep.Notify
)

// SetNotifier replaces the function used to deliver notifications.
func SetNotifier(fn func(title, message string, icon any) error) {
	mu.Lock()
	defer mu.Unlock()
	notifier = fn
}

// ResetNotifier restores beeep as the delivery function.
func ResetNotifier() {
	SetNotifier(beeep.Notify)
}

// Send sends a desktop notification with the given title and message.
// On macOS, it uses terminal-notifier or AppleScript.
// On Linux, it uses D-Bus or notify-send.
func Send(title, message string) error {
	mu.Lock()
	fn := notifier
	mu.Unlock()

	log := logger.ComponentLogger("notification")
	log.Debug("sending notification", "title", title, "message", message)
	// Empty icon lets beeep pick the platform default.
	if err := fn(title, message, ""); err != nil {
		log.Warn("failed to send notification", "error", err)
		return err
	}
	return nil
}

// SessionFinished announces that a session stopped running.
func SessionFinished(id, state string) error {
	return Send(Title, fmt.Sprintf("session %s %s", id, state))
}
