package pluginhost

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/wire"
)

func newTestCore(t *testing.T) (*Core, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "core.sock")
	c := New(Config{SocketPath: sockPath}, nil)

	require.NoError(t, c.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(sockPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return c, sockPath
}

type wirePlugin struct {
	conn   net.Conn
	limits wire.Limits
}

func connectPlugin(t *testing.T, sockPath, identity string, caps []string, priority int32) *wirePlugin {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })

	limits := wire.DefaultLimits()
	body, err := (&envelope.Envelope{
		Kind: envelope.KindHandshakeRequest,
		HandshakeRequest: &envelope.HandshakeRequest{
			Identity:     identity,
			Version:      "1.0.0",
			Capabilities: caps,
			Priority:     priority,
			Protocol:     envelope.ProtocolProtobuf,
		},
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, body, limits))

	respBody, err := wire.ReadFrame(conn, limits)
	require.NoError(t, err)
	env, err := envelope.Unmarshal(respBody)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusOK, env.HandshakeResp.Status)

	return &wirePlugin{conn: conn, limits: limits}
}

func (p *wirePlugin) recvEvent(t *testing.T) *envelope.EventMessage {
	t.Helper()
	body, err := wire.ReadFrame(p.conn, p.limits)
	require.NoError(t, err)
	env, err := envelope.Unmarshal(body)
	require.NoError(t, err)
	require.Equal(t, envelope.KindEventMessage, env.Kind)
	return env.Event
}

func (p *wirePlugin) reply(t *testing.T, traceID string, resp *envelope.EventResponse) {
	t.Helper()
	resp.TraceID = traceID
	body, err := (&envelope.Envelope{Kind: envelope.KindEventResponse, Response: resp}).Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(p.conn, body, p.limits))
}

func TestCoreDispatchRoundTripsThroughRealSocket(t *testing.T) {
	c, sockPath := newTestCore(t)
	plugin := connectPlugin(t, sockPath, "v.plugin.storage", []string{"storage"}, 10)

	done := make(chan []dispatchResultSummary)
	go func() {
		results := c.Dispatch(context.Background(), "storage.message.save", []byte("payload"))
		summaries := make([]dispatchResultSummary, len(results))
		for i, r := range results {
			summaries[i] = dispatchResultSummary{identity: r.Identity, status: r.Response.Status}
		}
		done <- summaries
	}()

	event := plugin.recvEvent(t)
	assert.Equal(t, "storage.message.save", event.EventType)
	plugin.reply(t, event.TraceID, &envelope.EventResponse{Status: envelope.StatusOK, Flow: envelope.FlowContinue, Data: []byte("saved")})

	results := <-done
	require.Len(t, results, 1)
	assert.Equal(t, "v.plugin.storage", results[0].identity)
	assert.Equal(t, envelope.StatusOK, results[0].status)
}

type dispatchResultSummary struct {
	identity string
	status   string
}

func TestCoreSubscribeAndPublishViaPeerEvent(t *testing.T) {
	c, sockPath := newTestCore(t)
	listener := connectPlugin(t, sockPath, "v.plugin.listener", nil, 0)

	body, err := (&envelope.Envelope{
		Kind: envelope.KindEventMessage,
		Event: &envelope.EventMessage{
			EventType: "plugin.subscribe",
			Topic:     "room.**",
			TraceID:   "1",
		},
	}).Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(listener.conn, body, listener.limits))

	ackBody, err := wire.ReadFrame(listener.conn, listener.limits)
	require.NoError(t, err)
	ack, err := envelope.Unmarshal(ackBody)
	require.NoError(t, err)
	require.Equal(t, envelope.StatusOK, ack.Response.Status)

	go c.Publish(context.Background(), "publisher", "room.created", []byte("hello"))

	published := listener.recvEvent(t)
	assert.Equal(t, "room.created", published.Topic)
	assert.Equal(t, []byte("hello"), published.Payload)
}
