package hass

import "github.com/alexjbarnes/ha-sync/internal/metrics"

// notificationBuffer is the capacity of the notification channel.
const notificationBuffer = 128

// NotificationKind enumerates what the core tells its consumers.
type NotificationKind int

const (
	// ConnectivityChanged carries the new Connected value.
	ConnectivityChanged NotificationKind = iota + 1
	// StateChanged carries the EntityID whose cached state changed.
	StateChanged
	// InitialSyncComplete fires once per layout revision.
	InitialSyncComplete
)

func (k NotificationKind) String() string {
	switch k {
	case ConnectivityChanged:
		return "connectivity_changed"
	case StateChanged:
		return "state_changed"
	case InitialSyncComplete:
		return "initial_sync_complete"
	default:
		return "unknown"
	}
}

// Notification is one outbound signal. Push and sync updates produce
// identical StateChanged notifications.
type Notification struct {
	Kind      NotificationKind
	EntityID  string
	Connected bool
}

type notifier struct {
	ch chan Notification
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan Notification, notificationBuffer)}
}

// publish never blocks; a slow consumer loses notifications.
func (n *notifier) publish(nt Notification) {
	select {
	case n.ch <- nt:
	default:
		metrics.NotificationsDroppedTotal.Inc()
	}
}
