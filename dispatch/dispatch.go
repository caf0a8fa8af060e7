// Package dispatch implements capability-based event routing (C6): the
// host-facing dispatch/call/send_to/broadcast operations, plus the
// peer-event handler wired into every session so a plugin-initiated RPC,
// direct send, or broadcast gets routed the same way: capability lookup
// over flat strings feeding a priority-ordered fanout.
package dispatch

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"github.com/driftline/pluginrt/capmap"
	"github.com/driftline/pluginrt/corerr"
	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/session"
)

// DefaultCallDeadline bounds how long Dispatch or Call will wait for a
// single recipient's reply when the caller's own context carries no
// deadline of its own.
const DefaultCallDeadline = 5 * time.Second

// Result is one recipient's outcome from a fanout operation (Dispatch or
// Broadcast). Error isolation is per-recipient: one plugin's failure
// never prevents delivery to the rest.
type Result struct {
	Identity string
	Response *envelope.EventResponse
	Err      error
}

// Dispatcher routes events to the plugins registered for them.
type Dispatcher struct {
	registry     *session.Registry
	logger       *slog.Logger
	callDeadline time.Duration
}

// New constructs a Dispatcher over registry, applying DefaultCallDeadline
// to any per-target request whose caller ctx carries no deadline.
func New(registry *session.Registry, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{registry: registry, logger: logger, callDeadline: DefaultCallDeadline}
}

// NewWithCallDeadline is like New but overrides the per-target reply
// deadline applied when the caller's ctx has none of its own.
func NewWithCallDeadline(registry *session.Registry, logger *slog.Logger, callDeadline time.Duration) *Dispatcher {
	d := New(registry, logger)
	if callDeadline > 0 {
		d.callDeadline = callDeadline
	}
	return d
}

// withCallDeadline derives a deadline-bounded context from ctx when ctx
// doesn't already carry one, so a target that never replies can't block
// a caller forever. The returned cancel must be called once the request
// completes.
func (d *Dispatcher) withCallDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.callDeadline)
}

// Dispatch routes payload under eventType to every live session declaring
// the capability eventType requires, in descending-priority order,
// stopping early the first time a recipient replies with flow="stop".
// An eventType with no capability mapping yields an empty result set —
// there is nothing to route it to.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, payload []byte) []Result {
	capability, ok := capmap.RequiredCapability(eventType)
	if !ok {
		return nil
	}

	targets := d.registry.ByCapability(capability)
	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		callCtx, cancel := d.withCallDeadline(ctx)
		resp, err := target.Request(callCtx, &envelope.EventMessage{EventType: eventType, Payload: payload})
		cancel()
		results = append(results, d.resultFor(target.Identity, resp, err))
		if err == nil && resp.Flow == envelope.FlowStop {
			break
		}
	}
	return results
}

// Call performs a one-to-one plugin RPC: from invokes method on to with
// params, and waits for exactly one reply. Both from and to must be live
// sessions; failing that (or on timeout) the caller receives a
// structured error response rather than a Go error, matching how any
// other plugin-level failure is reported.
func (d *Dispatcher) Call(ctx context.Context, from, to, method string, params []byte) *envelope.EventResponse {
	if _, ok := d.registry.Get(from); !ok {
		return errorResponse(corerr.KindTargetNotConnected, "sender not connected: "+from)
	}
	target, ok := d.registry.Get(to)
	if !ok {
		return errorResponse(corerr.KindTargetNotConnected, "target not connected: "+to)
	}

	callCtx, cancel := d.withCallDeadline(ctx)
	defer cancel()
	resp, err := target.Request(callCtx, &envelope.EventMessage{
		EventType: capmap.PeerCallEventType(method),
		Payload:   params,
		Target:    to,
	})
	if err != nil {
		return errorResponseFromErr(err)
	}
	return resp
}

// SendTo delivers message to a single plugin identity fire-and-forget.
// It reports whether the recipient is currently connected; it does not
// wait for the recipient to process the message.
func (d *Dispatcher) SendTo(ctx context.Context, from, to string, message []byte) bool {
	target, ok := d.registry.Get(to)
	if !ok {
		return false
	}
	err := target.Send(ctx, &envelope.EventMessage{
		EventType: capmap.BroadcastEventType,
		Payload:   message,
		Target:    to,
	})
	return err == nil
}

// Broadcast delivers message to every live session, optionally filtered
// to those declaring a capability in capabilityFilter, excluding from
// itself. Delivery order is descending priority, identity tiebreak;
// there is no short-circuit — every recipient is attempted.
func (d *Dispatcher) Broadcast(ctx context.Context, from string, message []byte, capabilityFilter []string) []Result {
	var targets []*session.Session
	if len(capabilityFilter) == 0 {
		targets = d.registry.All()
	} else {
		seen := make(map[string]struct{})
		for _, capability := range capabilityFilter {
			for _, s := range d.registry.ByCapability(capability) {
				if _, dup := seen[s.Identity]; dup {
					continue
				}
				seen[s.Identity] = struct{}{}
				targets = append(targets, s)
			}
		}
		sort.Slice(targets, func(i, j int) bool {
			if targets[i].Priority != targets[j].Priority {
				return targets[i].Priority > targets[j].Priority
			}
			return targets[i].Identity < targets[j].Identity
		})
	}

	results := make([]Result, 0, len(targets))
	for _, target := range targets {
		if target.Identity == from {
			continue
		}
		err := target.Send(ctx, &envelope.EventMessage{EventType: capmap.BroadcastEventType, Payload: message})
		results = append(results, Result{Identity: target.Identity, Err: err})
	}
	return results
}

// HandlePeerEvent is the session.PeerEventHandler this dispatcher
// provides: it interprets an EventMessage the connected plugin itself
// initiated and routes it the same way the host-facing API would.
func (d *Dispatcher) HandlePeerEvent(fromIdentity string, event *envelope.EventMessage) *envelope.EventResponse {
	switch {
	case event.EventType == capmap.BroadcastEventType && event.Target != "":
		delivered := d.SendTo(context.Background(), fromIdentity, event.Target, event.Payload)
		if !delivered {
			return errorResponse(corerr.KindTargetNotConnected, "target not connected: "+event.Target)
		}
		return &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue}

	case event.EventType == capmap.BroadcastEventType:
		d.Broadcast(context.Background(), fromIdentity, event.Payload, nil)
		return &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue}

	case event.Target != "":
		resp := d.Call(context.Background(), fromIdentity, event.Target, methodFromCallEventType(event.EventType), event.Payload)
		return resp

	default:
		d.logger.Warn("peer event with no routable target", "from", fromIdentity, "event_type", event.EventType)
		return errorResponse(corerr.KindTargetNotConnected, "no target for peer event")
	}
}

func (d *Dispatcher) resultFor(identity string, resp *envelope.EventResponse, err error) Result {
	if err != nil {
		d.logger.Warn("dispatch target failed", "identity", identity, "error", err)
		return Result{Identity: identity, Err: err, Response: errorResponseFromErr(err)}
	}
	return Result{Identity: identity, Response: resp}
}

func methodFromCallEventType(eventType string) string {
	const prefix = "plugin.call."
	if len(eventType) > len(prefix) && eventType[:len(prefix)] == prefix {
		return eventType[len(prefix):]
	}
	return eventType
}

func errorResponse(kind corerr.Kind, message string) *envelope.EventResponse {
	return &envelope.EventResponse{Status: envelope.StatusError, Flow: envelope.FlowContinue, Error: kind.String() + ": " + message}
}

func errorResponseFromErr(err error) *envelope.EventResponse {
	return &envelope.EventResponse{Status: envelope.StatusError, Flow: envelope.FlowContinue, Error: err.Error()}
}
