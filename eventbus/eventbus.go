// Package eventbus implements topic-based publish/subscribe fanout (C7)
// on top of the same session pool dispatch uses for capability routing.
// Where dispatch answers "which plugin handles this capability", eventbus
// answers "which plugins asked to hear about this topic" — a separate
// routing table keyed by dotted-glob pattern instead of a flat string.
package eventbus

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/driftline/pluginrt/capmap"
	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/session"
)

// Subscription is one subscriber's standing interest in a topic pattern.
type Subscription struct {
	SubscriberIdentity string
	Pattern            string
	Priority           int32
}

// Result is one subscriber's delivery outcome for a Publish call.
type Result struct {
	Identity string
	Err      error
}

// Bus holds the subscription table and fans published topics out through
// the session registry.
type Bus struct {
	registry *session.Registry
	logger   *slog.Logger

	mu   sync.RWMutex
	subs []Subscription
}

// New constructs an empty event bus over registry.
func New(registry *session.Registry, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{registry: registry, logger: logger}
}

// Subscribe records subscriberIdentity's interest in pattern at priority.
// Re-subscribing the same (identity, pattern) pair replaces the prior
// priority rather than duplicating the entry.
func (b *Bus) Subscribe(subscriberIdentity, pattern string, priority int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.SubscriberIdentity == subscriberIdentity && s.Pattern == pattern {
			b.subs[i].Priority = priority
			return
		}
	}
	b.subs = append(b.subs, Subscription{SubscriberIdentity: subscriberIdentity, Pattern: pattern, Priority: priority})
}

// Unsubscribe removes subscriberIdentity's interest in pattern, if any.
func (b *Bus) Unsubscribe(subscriberIdentity, pattern string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.SubscriberIdentity == subscriberIdentity && s.Pattern == pattern {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription held by subscriberIdentity,
// used when its session goes away.
func (b *Bus) UnsubscribeAll(subscriberIdentity string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kept := b.subs[:0]
	for _, s := range b.subs {
		if s.SubscriberIdentity != subscriberIdentity {
			kept = append(kept, s)
		}
	}
	b.subs = kept
}

// Publish delivers payload under topic to every subscriber whose pattern
// matches, in descending subscription-priority order (identity as the
// tiebreak), skipping the publisher itself. A subscriber with no live
// session is reported as an error result but does not stop the fanout —
// delivery failures are isolated per recipient, the same as dispatch.
func (b *Bus) Publish(ctx context.Context, publisherIdentity, topic string, payload []byte) []Result {
	subscribers := b.matchingSubscribers(topic, publisherIdentity)

	results := make([]Result, 0, len(subscribers))
	for _, sub := range subscribers {
		target, ok := b.registry.Get(sub.SubscriberIdentity)
		if !ok {
			results = append(results, Result{Identity: sub.SubscriberIdentity, Err: errNotConnected(sub.SubscriberIdentity)})
			continue
		}
		err := target.Send(ctx, &envelope.EventMessage{
			EventType: capmap.PublishedEventType,
			Topic:     topic,
			Payload:   payload,
		})
		if err != nil {
			b.logger.Warn("publish delivery failed", "subscriber", sub.SubscriberIdentity, "topic", topic, "error", err)
		}
		results = append(results, Result{Identity: sub.SubscriberIdentity, Err: err})
	}
	return results
}

func (b *Bus) matchingSubscribers(topic, excludeIdentity string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matches := make([]Subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.SubscriberIdentity == excludeIdentity {
			continue
		}
		if Match(s.Pattern, topic) {
			matches = append(matches, s)
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Priority != matches[j].Priority {
			return matches[i].Priority > matches[j].Priority
		}
		return matches[i].SubscriberIdentity < matches[j].SubscriberIdentity
	})
	return matches
}

// HandlePeerEvent interprets a peer-initiated subscribe/unsubscribe/publish
// event. ok is false when event is none of those, so the caller can fall
// through to another handler (dispatch's capability/RPC routing).
func (b *Bus) HandlePeerEvent(fromIdentity string, event *envelope.EventMessage) (resp *envelope.EventResponse, ok bool) {
	switch event.EventType {
	case capmap.SubscribeEventType:
		b.Subscribe(fromIdentity, event.Topic, b.priorityOf(fromIdentity))
		return &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue}, true
	case capmap.UnsubscribeEventType:
		b.Unsubscribe(fromIdentity, event.Topic)
		return &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue}, true
	case capmap.PublishEventType:
		b.Publish(context.Background(), fromIdentity, event.Topic, event.Payload)
		return &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue}, true
	default:
		return nil, false
	}
}

func (b *Bus) priorityOf(identity string) int32 {
	if s, ok := b.registry.Get(identity); ok {
		return s.Priority
	}
	return 0
}

type notConnectedError struct{ identity string }

func (e *notConnectedError) Error() string { return "eventbus: subscriber not connected: " + e.identity }

func errNotConnected(identity string) error { return &notConnectedError{identity: identity} }
