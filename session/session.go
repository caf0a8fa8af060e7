// Package session implements the per-connection session (C5): the owned
// writer/reader halves, the outbound queue with backpressure, and the
// correlation table used to match replies to in-flight requests, built
// around a dedicated writer/reader goroutine pair plus an identity,
// capability, and priority data model learned at handshake.
package session

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/driftline/pluginrt/corerr"
	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/wire"
)

// PeerEventHandler processes an EventMessage the plugin itself initiated
// (peer RPC, P2P send, broadcast, or publish) and returns the response to
// write back to that plugin. It is supplied by whatever owns dispatch
// (pluginhost), keeping session decoupled from the dispatcher.
type PeerEventHandler func(fromIdentity string, event *envelope.EventMessage) *envelope.EventResponse

// Config bounds a session's resource usage.
type Config struct {
	Limits                wire.Limits
	OutboundQueueCapacity int
}

// DefaultConfig returns the baseline resource limits for a new session.
func DefaultConfig() Config {
	return Config{Limits: wire.DefaultLimits(), OutboundQueueCapacity: 256}
}

type pendingReply struct {
	ch chan *envelope.EventResponse
}

type outboundItem struct {
	body          []byte
	correlationID string // empty => fire-and-forget, no pending slot
}

// Session is the live state for one connected plugin.
type Session struct {
	Identity     string
	Capabilities map[string]struct{}
	Priority     int32

	conn   io.ReadWriteCloser
	cfg    Config
	logger *slog.Logger

	onPeerEvent PeerEventHandler

	outbound chan outboundItem

	mu              sync.Mutex
	pending         map[string]*pendingReply
	nextCorrelation uint64

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}

	lastHeartbeat atomic.Int64 // unix nanos
}

// New constructs a Session over an already-connected stream and starts its
// writer and reader goroutines. onPeerEvent may be nil for sessions that
// never expect plugin-initiated traffic (e.g. tests).
func New(identity string, capabilities []string, priority int32, conn io.ReadWriteCloser, cfg Config, onPeerEvent PeerEventHandler, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	capSet := make(map[string]struct{}, len(capabilities))
	for _, c := range capabilities {
		capSet[c] = struct{}{}
	}

	s := &Session{
		Identity:     identity,
		Capabilities: capSet,
		Priority:     priority,
		conn:         conn,
		cfg:          cfg,
		logger:       logger.With("identity", identity),
		onPeerEvent:  onPeerEvent,
		outbound:     make(chan outboundItem, cfg.OutboundQueueCapacity),
		pending:      make(map[string]*pendingReply),
		done:         make(chan struct{}),
	}
	s.touchHeartbeat()

	go s.writerLoop()
	go s.readerLoop()

	return s
}

// HasCapability reports whether this session's plugin declared capability.
func (s *Session) HasCapability(capability string) bool {
	_, ok := s.Capabilities[capability]
	return ok
}

// LastHeartbeat returns the last time the session produced activity.
func (s *Session) LastHeartbeat() time.Time {
	return time.Unix(0, s.lastHeartbeat.Load())
}

func (s *Session) touchHeartbeat() {
	s.lastHeartbeat.Store(time.Now().UnixNano())
}

// Closed reports whether the session has been torn down.
func (s *Session) Closed() bool {
	return s.closed.Load()
}

// Done is closed once the session's goroutines have exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Request sends event as a request-style message and waits for its
// correlated reply, the caller's ctx deadline, or session closure —
// whichever comes first.
func (s *Session) Request(ctx context.Context, event *envelope.EventMessage) (*envelope.EventResponse, error) {
	if s.Closed() {
		return nil, corerr.New(corerr.KindSessionClosed, s.Identity, "session closed")
	}

	correlationID := s.allocateCorrelationID()
	event.TraceID = correlationID

	reply := &pendingReply{ch: make(chan *envelope.EventResponse, 1)}
	s.mu.Lock()
	s.pending[correlationID] = reply
	s.mu.Unlock()

	body, err := (&envelope.Envelope{Kind: envelope.KindEventMessage, Event: event}).Marshal()
	if err != nil {
		s.forgetPending(correlationID)
		return nil, corerr.Wrap(corerr.KindDecodeError, s.Identity, err)
	}

	if err := s.enqueue(ctx, outboundItem{body: body, correlationID: correlationID}); err != nil {
		s.forgetPending(correlationID)
		return nil, err
	}

	select {
	case resp := <-reply.ch:
		return resp, nil
	case <-ctx.Done():
		// Free the slot so a late reply is discarded rather than delivered
		// to a caller who has already walked away.
		s.forgetPending(correlationID)
		return nil, corerr.New(corerr.KindCallTimeout, s.Identity, "timeout")
	case <-s.done:
		return nil, corerr.New(corerr.KindSessionClosed, s.Identity, "session closed")
	}
}

// Send enqueues event fire-and-forget: "delivered" means queued to the
// writer, not processed. No pending slot is created.
func (s *Session) Send(ctx context.Context, event *envelope.EventMessage) error {
	if s.Closed() {
		return corerr.New(corerr.KindSessionClosed, s.Identity, "session closed")
	}
	if event.TraceID == "" {
		event.TraceID = s.allocateCorrelationID()
	}
	body, err := (&envelope.Envelope{Kind: envelope.KindEventMessage, Event: event}).Marshal()
	if err != nil {
		return corerr.Wrap(corerr.KindDecodeError, s.Identity, err)
	}
	return s.enqueue(ctx, outboundItem{body: body})
}

// replyTo writes an EventResponse carrying traceID back to the plugin,
// used when this session's plugin initiated the request (peer RPC) and
// the core has now produced (or synthesized) a response for it. This
// never creates a pending slot — it is itself the reply.
func (s *Session) replyTo(traceID string, resp *envelope.EventResponse) error {
	resp.TraceID = traceID
	body, err := (&envelope.Envelope{Kind: envelope.KindEventResponse, Response: resp}).Marshal()
	if err != nil {
		return err
	}
	// Best-effort: a dead writer means the plugin already lost the reply
	// it was waiting on anyway.
	select {
	case s.outbound <- outboundItem{body: body}:
		return nil
	case <-s.done:
		return corerr.New(corerr.KindSessionClosed, s.Identity, "session closed")
	}
}

func (s *Session) enqueue(ctx context.Context, item outboundItem) error {
	select {
	case s.outbound <- item:
		return nil
	case <-ctx.Done():
		return corerr.New(corerr.KindCallTimeout, s.Identity, "backpressure: outbound queue saturated")
	case <-s.done:
		return corerr.New(corerr.KindSessionClosed, s.Identity, "session closed")
	}
}

func (s *Session) allocateCorrelationID() string {
	n := atomic.AddUint64(&s.nextCorrelation, 1)
	return strconv.FormatUint(n, 10)
}

func (s *Session) forgetPending(correlationID string) {
	s.mu.Lock()
	delete(s.pending, correlationID)
	s.mu.Unlock()
}

// writerLoop drains outbound until done fires. outbound is never closed —
// enqueue/replyTo have many concurrent senders (host-side Dispatch/Call/
// SendTo/Broadcast, plus peer-event replies), and closing a channel with
// live senders races a send against the close and panics. Selecting on
// done here instead means a send loses that race harmlessly: it blocks
// on a full buffer until done fires and enqueue/replyTo's own <-s.done
// case returns an error instead.
func (s *Session) writerLoop() {
	for {
		select {
		case item := <-s.outbound:
			if err := wire.WriteFrame(s.conn, item.body, s.cfg.Limits); err != nil {
				s.logger.Warn("session write failed, closing", "error", err)
				s.Close("write error")
				return
			}
			s.touchHeartbeat()
		case <-s.done:
			return
		}
	}
}

func (s *Session) readerLoop() {
	for {
		body, err := wire.ReadFrame(s.conn, s.cfg.Limits)
		if err != nil {
			if err != io.EOF {
				s.logger.Warn("session read failed, closing", "error", err)
			}
			s.Close("read error")
			return
		}
		s.touchHeartbeat()

		env, err := envelope.Unmarshal(body)
		if err != nil {
			s.logger.Warn("session decode failed, closing", "error", err)
			s.Close("decode error")
			return
		}

		switch env.Kind {
		case envelope.KindEventResponse:
			s.handleReply(env.Response)
		case envelope.KindEventMessage:
			s.handlePeerEvent(env.Event)
		default:
			s.logger.Warn("unexpected envelope kind from plugin", "kind", env.Kind)
		}
	}
}

// handleReply matches an inbound EventResponse against the pending slot
// whose correlation id it echoes in TraceID. An unknown or already-freed
// id (late reply after cancellation, or a forged id) is logged and
// discarded — it never unblocks any awaiter.
func (s *Session) handleReply(resp *envelope.EventResponse) {
	s.mu.Lock()
	p, ok := s.pending[resp.TraceID]
	if ok {
		delete(s.pending, resp.TraceID)
	}
	s.mu.Unlock()

	if !ok {
		s.logger.Warn("reply with unknown or expired correlation id, dropped", "trace_id", resp.TraceID)
		return
	}
	select {
	case p.ch <- resp:
	default:
	}
}

func (s *Session) handlePeerEvent(event *envelope.EventMessage) {
	if s.onPeerEvent == nil {
		s.logger.Warn("peer event with no handler registered, dropped", "event_type", event.EventType)
		return
	}
	resp := s.onPeerEvent(s.Identity, event)
	if resp == nil {
		return
	}
	if err := s.replyTo(event.TraceID, resp); err != nil {
		s.logger.Warn("failed to reply to peer event", "error", err)
	}
}

// Close tears the session down: all pending callers wake with an error
// response whose Error is "replaced" for an identity replacement and
// "session closed" for any other reason, and the underlying connection
// is closed. outbound is
// intentionally left open — see writerLoop — it is simply abandoned and
// garbage collected once the session is unreachable. Idempotent.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		errText := "session closed"
		if reason == "replaced" {
			errText = reason
		}
		s.mu.Lock()
		closedResp := &envelope.EventResponse{Status: envelope.StatusError, Flow: envelope.FlowContinue, Error: errText}
		for id, p := range s.pending {
			select {
			case p.ch <- closedResp:
			default:
			}
			delete(s.pending, id)
		}
		s.mu.Unlock()

		s.conn.Close()
		close(s.done)
	})
}

// String implements fmt.Stringer for logging.
func (s *Session) String() string {
	return fmt.Sprintf("session(%s)", s.Identity)
}
