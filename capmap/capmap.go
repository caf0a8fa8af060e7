// Package capmap holds the authoritative event-type to capability mapping
// table. It is deliberately a small, static table rather than a
// pattern-matching engine: the set of namespaces is closed and must be
// honored identically across every implementation of this protocol.
package capmap

import "strings"

// RequiredCapability returns the capability tag an event_type requires,
// and whether the event_type is capability-routed at all. plugin.call.*,
// plugin.broadcast, and plugin.event.published are handled outside this
// table (explicit target, caller-supplied filter, and subscription-based
// routing respectively — see dispatch and eventbus).
func RequiredCapability(eventType string) (capability string, ok bool) {
	switch {
	case eventType == "message.incoming", eventType == "message.outgoing":
		return "message", true
	case hasPrefix(eventType, "storage."):
		return "storage", true
	case hasPrefix(eventType, "auth."):
		return "auth", true
	case hasPrefix(eventType, "room."):
		return "room", true
	case hasPrefix(eventType, "connection."):
		return "connection", true
	case hasPrefix(eventType, "user."):
		return "user", true
	case hasPrefix(eventType, "gateway."):
		return "gateway", true
	default:
		return "", false
	}
}

func hasPrefix(s, prefix string) bool {
	return strings.HasPrefix(s, prefix)
}

// PeerCallEventType builds the event_type for a plugin-to-plugin RPC
// (dispatch.Call): "plugin.call." + method.
func PeerCallEventType(method string) string {
	return "plugin.call." + method
}

// BroadcastEventType is the event_type used for dispatch.Broadcast deliveries.
const BroadcastEventType = "plugin.broadcast"

// PublishedEventType is the event_type used for eventbus fanout deliveries.
const PublishedEventType = "plugin.event.published"

// Event types a plugin uses to drive its own eventbus subscriptions.
const (
	SubscribeEventType   = "plugin.subscribe"
	UnsubscribeEventType = "plugin.unsubscribe"
	PublishEventType     = "plugin.publish"
)
