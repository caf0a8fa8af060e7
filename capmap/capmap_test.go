package capmap

import "testing"

func TestRequiredCapabilityTable(t *testing.T) {
	cases := map[string]string{
		"storage.message.save": "storage",
		"auth.login":           "auth",
		"message.incoming":     "message",
		"message.outgoing":     "message",
		"room.join":            "room",
		"connection.opened":    "connection",
		"user.updated":         "user",
		"gateway.relay":        "gateway",
	}
	for eventType, want := range cases {
		got, ok := RequiredCapability(eventType)
		if !ok {
			t.Fatalf("%s: expected a capability mapping", eventType)
		}
		if got != want {
			t.Errorf("%s: got %q, want %q", eventType, got, want)
		}
	}
}

func TestRequiredCapabilityUnroutedEventTypes(t *testing.T) {
	for _, eventType := range []string{"plugin.call.foo", "plugin.broadcast", "plugin.event.published", "unknown.thing"} {
		if _, ok := RequiredCapability(eventType); ok {
			t.Errorf("%s: expected no capability-routed mapping", eventType)
		}
	}
}

func TestPeerCallEventType(t *testing.T) {
	if got := PeerCallEventType("slow"); got != "plugin.call.slow" {
		t.Errorf("got %q", got)
	}
}
