package ipcserver

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
	"github.com/driftline/pluginrt/session"
	"github.com/driftline/pluginrt/wire"
)

func newTestServer(t *testing.T) (*Server, *session.Registry, string) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "test.sock")
	registry := session.NewRegistry()
	cfg := DefaultConfig(sockPath)
	cfg.HandshakeTimeout = 2 * time.Second
	srv := New(cfg, registry, nil, nil, nil)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		_, err := os.Stat(sockPath)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return srv, registry, sockPath
}

func dial(t *testing.T, sockPath string) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendHandshake(t *testing.T, conn net.Conn, req *envelope.HandshakeRequest) *envelope.HandshakeResponse {
	t.Helper()
	limits := wire.DefaultLimits()
	body, err := (&envelope.Envelope{Kind: envelope.KindHandshakeRequest, HandshakeRequest: req}).Marshal()
	require.NoError(t, err)
	require.NoError(t, wire.WriteFrame(conn, body, limits))

	respBody, err := wire.ReadFrame(conn, limits)
	require.NoError(t, err)
	env, err := envelope.Unmarshal(respBody)
	require.NoError(t, err)
	require.Equal(t, envelope.KindHandshakeResponse, env.Kind)
	return env.HandshakeResp
}

func TestSuccessfulHandshakeRegistersSession(t *testing.T) {
	_, registry, sockPath := newTestServer(t)
	conn := dial(t, sockPath)

	resp := sendHandshake(t, conn, &envelope.HandshakeRequest{
		Identity:     "v.plugin.storage",
		Version:      "1.0.0",
		Capabilities: []string{"storage"},
		Priority:     10,
		Protocol:     envelope.ProtocolProtobuf,
	})
	assert.Equal(t, envelope.StatusOK, resp.Status)

	require.Eventually(t, func() bool {
		_, ok := registry.Get("v.plugin.storage")
		return ok
	}, time.Second, 10*time.Millisecond)
}

func TestHandshakeRejectsWrongProtocol(t *testing.T) {
	_, registry, sockPath := newTestServer(t)
	conn := dial(t, sockPath)

	resp := sendHandshake(t, conn, &envelope.HandshakeRequest{
		Identity: "v.plugin.bad",
		Protocol: "json",
	})
	assert.Equal(t, envelope.StatusError, resp.Status)

	_, ok := registry.Get("v.plugin.bad")
	assert.False(t, ok)
}

func TestHandshakeRejectsMissingIdentity(t *testing.T) {
	_, _, sockPath := newTestServer(t)
	conn := dial(t, sockPath)

	resp := sendHandshake(t, conn, &envelope.HandshakeRequest{
		Protocol: envelope.ProtocolProtobuf,
	})
	assert.Equal(t, envelope.StatusError, resp.Status)
}

func TestSecondHandshakeSameIdentityReplacesFirst(t *testing.T) {
	_, registry, sockPath := newTestServer(t)

	first := dial(t, sockPath)
	sendHandshake(t, first, &envelope.HandshakeRequest{Identity: "dup", Protocol: envelope.ProtocolProtobuf})

	require.Eventually(t, func() bool {
		_, ok := registry.Get("dup")
		return ok
	}, time.Second, 10*time.Millisecond)
	firstSession, _ := registry.Get("dup")

	second := dial(t, sockPath)
	sendHandshake(t, second, &envelope.HandshakeRequest{Identity: "dup", Protocol: envelope.ProtocolProtobuf})

	require.Eventually(t, func() bool {
		return firstSession.Closed()
	}, time.Second, 10*time.Millisecond)

	got, ok := registry.Get("dup")
	require.True(t, ok)
	assert.NotSame(t, firstSession, got)
}

func TestExpandSocketPathExpandsHomeTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	require.NoError(t, err)

	got, err := ExpandSocketPath("~/sockets/core.sock")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "sockets/core.sock"), got)

	got, err = ExpandSocketPath("/abs/path.sock")
	require.NoError(t, err)
	assert.Equal(t, "/abs/path.sock", got)
}
