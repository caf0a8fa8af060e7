// Package pluginhost wires the runtime's components together: the
// session registry, the capability dispatcher, the event bus, process
// supervision, and the IPC server: the top-level composition root
// exposing the full host-facing API (dispatch/call/send_to/broadcast
// plus subscribe/unsubscribe/publish) to its embedding process (the
// chat transport and admin surface).
package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/driftline/pluginrt/dispatch"
	"github.com/driftline/pluginrt/envelope"
	"github.com/driftline/pluginrt/eventbus"
	"github.com/driftline/pluginrt/ipcserver"
	"github.com/driftline/pluginrt/session"
	"github.com/driftline/pluginrt/supervisor"
)

// Config bundles the settings needed to bring a Core up.
type Config struct {
	SocketPath       string
	Debug            bool
	LogLevel         string
	HandshakeTimeout time.Duration
	// CallDeadline bounds how long Dispatch or Call will wait for a
	// single recipient's reply when the caller's own context carries no
	// deadline. Defaults to dispatch.DefaultCallDeadline (5s).
	CallDeadline  time.Duration
	SessionConfig session.Config
}

// Core owns every live component of the plugin runtime.
type Core struct {
	cfg Config

	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Bus        *eventbus.Bus
	Supervisor *supervisor.Supervisor
	Server     *ipcserver.Server

	logger *slog.Logger
}

// New constructs a Core with all components wired but not yet listening
// or spawning plugins — call Start for that.
func New(cfg Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.SessionConfig.OutboundQueueCapacity == 0 {
		cfg.SessionConfig = session.DefaultConfig()
	}

	registry := session.NewRegistry()
	dispatcher := dispatch.NewWithCallDeadline(registry, logger, cfg.CallDeadline)
	bus := eventbus.New(registry, logger)
	sv := supervisor.New(cfg.SocketPath, cfg.Debug, cfg.LogLevel, logger)

	c := &Core{
		cfg:        cfg,
		Registry:   registry,
		Dispatcher: dispatcher,
		Bus:        bus,
		Supervisor: sv,
		logger:     logger,
	}

	serverCfg := ipcserver.Config{
		SocketPath:       cfg.SocketPath,
		HandshakeTimeout: cfg.HandshakeTimeout,
		SessionConfig:    cfg.SessionConfig,
	}
	c.Server = ipcserver.New(serverCfg, registry, c.handlePeerEvent, bus.UnsubscribeAll, logger)
	return c
}

// handlePeerEvent is the session.PeerEventHandler installed on every
// accepted session. Event-bus operations (subscribe/unsubscribe/publish)
// are tried first since they're a closed, fixed set of event types;
// anything else falls through to capability/RPC dispatch.
func (c *Core) handlePeerEvent(fromIdentity string, event *envelope.EventMessage) *envelope.EventResponse {
	if resp, ok := c.Bus.HandlePeerEvent(fromIdentity, event); ok {
		return resp
	}
	return c.Dispatcher.HandlePeerEvent(fromIdentity, event)
}

// InstallPlugin registers manifest for supervision without starting it.
func (c *Core) InstallPlugin(manifest *supervisor.Manifest) *supervisor.Runtime {
	return c.Supervisor.Install(manifest)
}

// Start begins accepting plugin connections and starts every installed
// plugin process. It returns once the IPC listener is bound; serving
// continues in the background until Shutdown.
func (c *Core) Start(ctx context.Context) error {
	serveErrC := make(chan error, 1)
	go func() { serveErrC <- c.Server.ListenAndServe() }()

	select {
	case err := <-serveErrC:
		return fmt.Errorf("pluginhost: ipc server failed to start: %w", err)
	case <-time.After(50 * time.Millisecond):
		// Listener bound successfully; ListenAndServe keeps running.
	}

	if errs := c.Supervisor.StartAll(ctx); len(errs) > 0 {
		for _, err := range errs {
			c.logger.Error("plugin failed to start", "error", err)
		}
	}
	return nil
}

// Shutdown stops accepting new plugin connections, closes remaining
// sessions, and then stops every supervised plugin process.
func (c *Core) Shutdown(ctx context.Context) error {
	err := c.Server.Shutdown(ctx)
	for _, s := range c.Registry.All() {
		s.Close("host shutdown")
	}
	c.Supervisor.StopAll(supervisor.DefaultGracefulShutdown)
	return err
}

// Dispatch, Call, SendTo, and Broadcast are the host-facing API used by
// an embedding transport (e.g. the chat server) to drive capability
// routing; Subscribe, Unsubscribe, and Publish drive the event bus.

func (c *Core) Dispatch(ctx context.Context, eventType string, payload []byte) []dispatch.Result {
	return c.Dispatcher.Dispatch(ctx, eventType, payload)
}

func (c *Core) Call(ctx context.Context, from, to, method string, params []byte) *envelope.EventResponse {
	return c.Dispatcher.Call(ctx, from, to, method, params)
}

func (c *Core) SendTo(ctx context.Context, from, to string, message []byte) bool {
	return c.Dispatcher.SendTo(ctx, from, to, message)
}

func (c *Core) Broadcast(ctx context.Context, from string, message []byte, capabilityFilter []string) []dispatch.Result {
	return c.Dispatcher.Broadcast(ctx, from, message, capabilityFilter)
}

func (c *Core) Subscribe(subscriberIdentity, pattern string, priority int32) {
	c.Bus.Subscribe(subscriberIdentity, pattern, priority)
}

func (c *Core) Unsubscribe(subscriberIdentity, pattern string) {
	c.Bus.Unsubscribe(subscriberIdentity, pattern)
}

func (c *Core) Publish(ctx context.Context, publisherIdentity, topic string, payload []byte) []eventbus.Result {
	return c.Bus.Publish(ctx, publisherIdentity, topic, payload)
}
