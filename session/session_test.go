package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/wire"
)

// fakePlugin reads frames off one end of a net.Pipe and lets the test
// script exactly how (and whether) to reply.
type fakePlugin struct {
	conn   net.Conn
	limits wire.Limits
}

func (f *fakePlugin) recvEvent(t *testing.T) *envelope.EventMessage {
	t.Helper()
	body, err := wire.ReadFrame(f.conn, f.limits)
	require.NoError(t, err)
	env, err := envelope.Unmarshal(body)
	require.NoError(t, err)
	require.Equal(t, envelope.KindEventMessage, env.Kind)
	return env.Event
}

func (f *fakePlugin) reply(t *testing.T, traceID string, resp *envelope.EventResponse) {
	t.Helper()
	resp.TraceID = traceID
	body, err := (&envelope.Envelope{Kind: envelope.KindEventResponse, Response: resp}).Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(f.conn, body, f.limits))
}

func newTestSession(t *testing.T) (*Session, *fakePlugin) {
	t.Helper()
	hostConn, pluginConn := net.Pipe()
	t.Cleanup(func() { hostConn.Close(); pluginConn.Close() })

	cfg := DefaultConfig()
	s := New("test.plugin", []string{"storage"}, 100, hostConn, cfg, nil, nil)
	return s, &fakePlugin{conn: pluginConn, limits: cfg.Limits}
}

func TestRequestReceivesCorrelatedReply(t *testing.T) {
	s, plugin := newTestSession(t)

	var got *envelope.EventResponse
	var reqErr error
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		got, reqErr = s.Request(ctx, &envelope.EventMessage{EventType: "storage.message.save", Payload: []byte("x")})
		close(done)
	}()

	event := plugin.recvEvent(t)
	assert.Equal(t, "storage.message.save", event.EventType)
	assert.NotEmpty(t, event.TraceID)

	plugin.reply(t, event.TraceID, &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue, Data: []byte("ok")})

	<-done
	require.NoError(t, reqErr)
	require.NotNil(t, got)
	assert.Equal(t, envelope.StatusOK, got.Status)
	assert.Equal(t, []byte("ok"), got.Data)
}

func TestUnknownCorrelationIdNeverUnblocksAwaiter(t *testing.T) {
	s, plugin := newTestSession(t)

	var got *envelope.EventResponse
	var reqErr error
	done := make(chan struct{})
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		defer cancel()
		got, reqErr = s.Request(ctx, &envelope.EventMessage{EventType: "storage.message.save"})
		close(done)
	}()

	event := plugin.recvEvent(t)
	// Reply with a bogus, unrelated correlation id.
	plugin.reply(t, "not-the-real-id-"+event.TraceID, &envelope.EventResponse{Status: envelope.StatusOK})

	<-done
	assert.Error(t, reqErr)
	assert.Nil(t, got)
}

func TestCallTimeoutFreesSlotAndDiscardsLateReply(t *testing.T) {
	s, plugin := newTestSession(t)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := s.Request(ctx, &envelope.EventMessage{EventType: "storage.message.save"})
	require.Error(t, err)

	event := plugin.recvEvent(t)

	s.mu.Lock()
	_, stillPending := s.pending[event.TraceID]
	s.mu.Unlock()
	assert.False(t, stillPending, "pending slot must be freed after timeout")

	// A late reply must not panic or get delivered anywhere.
	plugin.reply(t, event.TraceID, &envelope.EventResponse{Status: envelope.StatusOK})
	time.Sleep(50 * time.Millisecond)
}

func TestCloseDrainsPendingWithSessionClosed(t *testing.T) {
	s, _ := newTestSession(t)

	var got *envelope.EventResponse
	var reqErr error
	done := make(chan struct{})
	go func() {
		got, reqErr = s.Request(context.Background(), &envelope.EventMessage{EventType: "storage.message.save"})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	s.Close("replaced")

	<-done
	require.NoError(t, reqErr)
	require.NotNil(t, got)
	assert.Equal(t, envelope.StatusError, got.Status)
	assert.Equal(t, "replaced", got.Error)
}
