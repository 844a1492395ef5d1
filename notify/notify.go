package notify

import (
	"log/slog"

	"github.com/pvcharge/pvcharge/store"
)

// Event identifies a notification-worthy occurrence.
type Event string

const (
	EventChargingStarted         Event = "chargingStarted"
	EventChargingStopped         Event = "chargingStopped"
	EventCurrentAdjusted         Event = "currentAdjusted"
	EventPlugConnected           Event = "plugConnected"
	EventPlugDisconnected        Event = "plugDisconnected"
	EventBatteryLockActivated    Event = "batteryLockActivated"
	EventBatteryLockReleased     Event = "batteryLockReleased"
	EventE3dcConnectionLost      Event = "e3dcConnectionLost"
	EventE3dcConnectionRestored  Event = "e3dcConnectionRestored"
	EventNightChargingStarted    Event = "nightChargingStarted"
	EventNightChargingEnded      Event = "nightChargingEnded"
	EventStrategyActivationError Event = "strategyActivationError"
)

// Notifier is a fire-and-forget event hook. Implementations must never block
// the caller for long and must swallow their own errors.
type Notifier interface {
	Notify(event Event, message string)
}

// LogNotifier records events in the store log and mirrors them to slog.
// Delivery to external channels (push services etc.) hangs off the same seam.
type LogNotifier struct {
	store  store.Store
	logger *slog.Logger
}

func NewLogNotifier(s store.Store) *LogNotifier {
	return &LogNotifier{
		store:  s,
		logger: slog.Default().With("component", "notifier"),
	}
}

func (n *LogNotifier) Notify(event Event, message string) {
	n.logger.Info("Event", "event", string(event), "message", message)

	err := n.store.AddLog(store.LogEntry{
		Level:    store.LevelInfo,
		Category: store.CategorySystem,
		Message:  message,
		Details:  string(event),
	})
	if err != nil {
		// notifications are fire-and-forget: degrade to a log line
		n.logger.Error("Failed to record event", "event", string(event), "error", err)
	}
}

// NopNotifier discards all events; used in tests.
type NopNotifier struct{}

func (NopNotifier) Notify(event Event, message string) {}
