// Command pluginhostd runs the plugin runtime core: it binds the IPC
// socket, discovers and starts every plugin under its manifest
// directories, and serves until an interrupt or SIGTERM arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/driftline/pluginrt/dispatch"
	"github.com/driftline/pluginrt/pluginhost"
	"github.com/driftline/pluginrt/supervisor"
)

func main() {
	socketPath := flag.String("socket", "~/.pluginrt/core.sock", "Unix socket path plugins dial into")
	pluginsDir := flag.String("plugins-dir", "./plugins", "directory containing one subdirectory per plugin, each with a plugin.json manifest")
	debug := flag.Bool("debug", false, "run spawned plugins in debug mode")
	logLevel := flag.String("log-level", "info", "log level passed through to spawned plugins (debug, info, warn, error)")
	shutdownTimeout := flag.Duration("shutdown-timeout", 10*time.Second, "how long to wait for plugins to stop gracefully before killing them")
	callDeadline := flag.Duration("call-deadline", dispatch.DefaultCallDeadline, "how long dispatch/call waits for a single plugin's reply before timing out")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(*logLevel),
	}))
	slog.SetDefault(logger)

	core := pluginhost.New(pluginhost.Config{
		SocketPath:   *socketPath,
		Debug:        *debug,
		LogLevel:     *logLevel,
		CallDeadline: *callDeadline,
	}, logger)

	manifests, err := discoverManifests(*pluginsDir)
	if err != nil {
		logger.Error("failed to discover plugin manifests", "dir", *pluginsDir, "error", err)
		os.Exit(1)
	}
	for _, m := range manifests {
		core.InstallPlugin(m)
		logger.Info("plugin installed", "identity", m.Identity, "command", m.Command)
	}

	ctx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelStart()
	if err := core.Start(ctx); err != nil {
		logger.Error("failed to start core", "error", err)
		os.Exit(1)
	}
	logger.Info("pluginhostd running", "socket", *socketPath, "plugins", len(manifests))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	sig := <-quit
	logger.Info("received shutdown signal", "signal", sig.String())

	shutdownCtx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()
	if err := core.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown did not complete cleanly", "error", err)
		os.Exit(1)
	}
	logger.Info("pluginhostd stopped")
}

// discoverManifests finds one plugin.json per immediate subdirectory of
// dir. A missing plugins directory is not an error — a core with no
// plugins installed is still a valid (if idle) deployment.
func discoverManifests(dir string) ([]*supervisor.Manifest, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read plugins dir: %w", err)
	}

	var manifests []*supervisor.Manifest
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		m, err := supervisor.LoadManifest(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", entry.Name(), err)
		}
		manifests = append(manifests, m)
	}
	return manifests, nil
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
