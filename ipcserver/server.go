// Package ipcserver implements the IPC endpoint (C4): a Unix domain
// socket listener that accepts plugin connections, runs the handshake,
// and installs the resulting session into the registry: a long-lived
// multi-plugin listener with the usual net.Listen("unix", ...) +
// os.Remove/os.Chmod socket lifecycle.
package ipcserver

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/session"
	"github.com/driftline/pluginrt/wire"
)

// Config controls the listener and the sessions it creates.
type Config struct {
	SocketPath       string
	HandshakeTimeout time.Duration
	SessionConfig    session.Config
}

// DefaultHandshakeTimeout bounds how long a connection may take to
// complete its handshake before the core gives up and closes it.
const DefaultHandshakeTimeout = 2 * time.Second

// DefaultConfig returns baseline server settings for socketPath.
func DefaultConfig(socketPath string) Config {
	return Config{
		SocketPath:       socketPath,
		HandshakeTimeout: DefaultHandshakeTimeout,
		SessionConfig:    session.DefaultConfig(),
	}
}

// Server accepts plugin connections on a Unix domain socket.
type Server struct {
	cfg             Config
	registry        *session.Registry
	onPeerEvent     session.PeerEventHandler
	onSessionClosed func(identity string)
	logger          *slog.Logger

	mu       sync.Mutex
	listener net.Listener
	closed   bool
	wg       sync.WaitGroup
}

// New constructs a Server. onPeerEvent is wired into every accepted
// session so plugin-initiated RPC/send/publish traffic reaches dispatch
// and eventbus without this package depending on either. onSessionClosed,
// if non-nil, is called with a session's identity once it tears down
// (crash or graceful disconnect) so callers can clean up state keyed by
// that identity — e.g. the event bus's subscriber table. It is not
// called for a session whose identity already belongs to a newer session
// (identity replacement). It may be nil for callers with nothing to
// clean up.
func New(cfg Config, registry *session.Registry, onPeerEvent session.PeerEventHandler, onSessionClosed func(identity string), logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	return &Server{cfg: cfg, registry: registry, onPeerEvent: onPeerEvent, onSessionClosed: onSessionClosed, logger: logger}
}

// ExpandSocketPath resolves a leading "~" to the current user's home
// directory, the only expansion the socket path contract supports.
func ExpandSocketPath(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("ipcserver: resolve home directory: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, path[2:]), nil
}

// ListenAndServe binds the Unix socket and accepts connections until
// Shutdown is called or a fatal listener error occurs.
func (s *Server) ListenAndServe() error {
	socketPath, err := ExpandSocketPath(s.cfg.SocketPath)
	if err != nil {
		return err
	}

	// A stale socket file from a prior, uncleanly-stopped run must not
	// block the bind.
	_ = os.Remove(socketPath)

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("ipcserver: listen on %s: %w", socketPath, err)
	}
	if err := os.Chmod(socketPath, 0o600); err != nil {
		lis.Close()
		return fmt.Errorf("ipcserver: chmod socket: %w", err)
	}

	s.mu.Lock()
	s.listener = lis
	s.mu.Unlock()

	s.logger.Info("ipc server listening", "socket", socketPath)

	for {
		conn, err := lis.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				s.wg.Wait()
				return nil
			}
			return fmt.Errorf("ipcserver: accept: %w", err)
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConn(conn)
		}()
	}
}

// Shutdown stops accepting new connections and waits for in-flight
// connection handlers (handshake and session install) to return.
// It does not forcibly close already-established sessions; callers that
// want that should close the registry's sessions separately.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	lis := s.listener
	s.mu.Unlock()

	if lis != nil {
		lis.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	req, err := s.performHandshake(conn)
	if err != nil {
		s.logger.Warn("handshake failed, closing connection", "error", err)
		conn.Close()
		return
	}

	sess := session.New(req.Identity, req.Capabilities, req.Priority, conn, s.cfg.SessionConfig, s.onPeerEvent, s.logger)
	replaced := s.registry.Put(sess)
	if replaced != nil {
		s.logger.Info("plugin identity replaced existing session", "identity", req.Identity)
	}
	s.logger.Info("plugin connected", "identity", req.Identity, "capabilities", req.Capabilities, "priority", req.Priority)

	go func() {
		<-sess.Done()
		// departed is false when identity was already reassigned to a
		// newer session before this one tore down (identity replacement);
		// that newer session's state is still live, so cleanup must not
		// run for it.
		departed := s.registry.Remove(req.Identity, sess)
		if departed && s.onSessionClosed != nil {
			s.onSessionClosed(req.Identity)
		}
	}()
}

// performHandshake reads exactly one HandshakeRequest frame within the
// configured deadline, validates it, and writes back the corresponding
// HandshakeResponse. On any validation failure it writes an error
// response (best effort) before returning the error.
func (s *Server) performHandshake(conn net.Conn) (*envelope.HandshakeRequest, error) {
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, err
	}
	defer conn.SetDeadline(time.Time{})

	body, err := wire.ReadFrame(conn, s.cfg.SessionConfig.Limits)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: read handshake frame: %w", err)
	}

	env, err := envelope.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("ipcserver: decode handshake: %w", err)
	}
	if env.Kind != envelope.KindHandshakeRequest || env.HandshakeRequest == nil {
		s.rejectHandshake(conn, "expected handshake request")
		return nil, fmt.Errorf("ipcserver: first frame was not a handshake request")
	}
	req := env.HandshakeRequest

	if req.Identity == "" {
		s.rejectHandshake(conn, "missing identity")
		return nil, fmt.Errorf("ipcserver: handshake missing identity")
	}
	if err := envelope.ValidateProtocol(req.Protocol); err != nil {
		s.rejectHandshake(conn, err.Error())
		return nil, fmt.Errorf("ipcserver: %w", err)
	}

	resp := &envelope.Envelope{
		Kind: envelope.KindHandshakeResponse,
		HandshakeResp: &envelope.HandshakeResponse{
			Status:   envelope.StatusOK,
			Protocol: envelope.ProtocolProtobuf,
		},
	}
	respBody, err := resp.Marshal()
	if err != nil {
		return nil, err
	}
	if err := wire.WriteFrame(conn, respBody, s.cfg.SessionConfig.Limits); err != nil {
		return nil, fmt.Errorf("ipcserver: write handshake response: %w", err)
	}

	return req, nil
}

func (s *Server) rejectHandshake(conn net.Conn, message string) {
	resp := &envelope.Envelope{
		Kind: envelope.KindHandshakeResponse,
		HandshakeResp: &envelope.HandshakeResponse{
			Status:   envelope.StatusError,
			Message:  message,
			Protocol: envelope.ProtocolProtobuf,
		},
	}
	body, err := resp.Marshal()
	if err != nil {
		return
	}
	_ = wire.WriteFrame(conn, body, s.cfg.SessionConfig.Limits)
}
