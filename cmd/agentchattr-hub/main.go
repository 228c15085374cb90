// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// agentchattr-hub is the coordination hub: it serves the browser chat
// room over WebSocket and exposes the MCP tool bridge agents call into.
//
// Each agent's terminal session is supervised by its own
// agentchattr-wrapper process (see cmd/agentchattr-wrapper), started
// and restarted independently of the hub; the two coordinate through
// the shared data directory's files (trigger queues, session_token,
// server_started_at), the wrapper's authenticated MCP tool calls, and
// its busy/idle reports to the hub's /api/activity endpoint.
//
// Usage:
//
//	agentchattr-hub --data-dir /var/lib/agentchattr
//
// Configuration is loaded from the file named by AGENTCHATTR_CONFIG; see
// internal/config for the document shape and defaults.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"

	"github.com/agentchattr/agentchattr/internal/config"
	"github.com/agentchattr/agentchattr/internal/hub"
	"github.com/agentchattr/agentchattr/internal/httpserver"
	"github.com/agentchattr/agentchattr/internal/mcpbridge"
	"github.com/agentchattr/agentchattr/internal/presence"
	"github.com/agentchattr/agentchattr/internal/router"
	"github.com/agentchattr/agentchattr/internal/sessionauth"
	"github.com/agentchattr/agentchattr/internal/store"
	"github.com/agentchattr/agentchattr/internal/trigger"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentchattr-hub: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var dataDir string
	var allowNetwork bool
	var showVersion bool

	flagSet := pflag.NewFlagSet("agentchattr-hub", pflag.ContinueOnError)
	flagSet.StringVar(&dataDir, "data-dir", "./agentchattr-data", "directory for the chat log, trigger queues, and session token")
	flagSet.BoolVar(&allowNetwork, "allow-network", false, "permit binding server.host to a non-loopback address")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("agentchattr-hub (development build)")
		return nil
	}

	logger := slog.New(newLogHandler(os.Stderr))

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	if !allowNetwork && !isLoopback(cfg.Server.Host) {
		return fmt.Errorf("refusing to bind server.host=%q: not a loopback address (pass --allow-network to override)", cfg.Server.Host)
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	if cfg.Cleanup.Enabled {
		cleanupStaleAgentFiles(dataDir, cfg, logger)
	}

	token, err := sessionauth.Load(filepath.Join(dataDir, "session_token"))
	if err != nil {
		return fmt.Errorf("load session token: %w", err)
	}

	st, err := store.Open(filepath.Join(dataDir, "chat_log"), logger)
	if err != nil {
		return fmt.Errorf("open chat log: %w", err)
	}
	defer st.Close()

	agentNames := make([]string, 0, len(cfg.Agents))
	for name := range cfg.Agents {
		agentNames = append(agentNames, name)
	}

	rt := router.New(nil, agentNames, cfg.Routing.Default, cfg.Routing.MaxAgentHops)

	queues := make(map[string]*trigger.Queue, len(cfg.Agents))
	for name := range cfg.Agents {
		q, err := trigger.Open(dataDir, name)
		if err != nil {
			return fmt.Errorf("open trigger queue for %s: %w", name, err)
		}
		queues[name] = q
	}

	// The transition callback closes over h, which does not exist until
	// the tracker does; transitions fire from MCP tool calls (joins) and
	// from the started tracker's sweep (leaves), both only once the
	// listeners serve, well after both are constructed.
	var h *hub.Hub
	var presenceTracker *presence.Tracker
	presenceTracker = presence.New(nil, presence.OfflineThreshold, func(t presence.Transition) {
		msgType := store.TypeLeave
		text := fmt.Sprintf("%s left", t.Name)
		if t.Online {
			msgType = store.TypeJoin
			text = fmt.Sprintf("%s joined", t.Name)
		}
		for _, channel := range st.Channels() {
			if _, err := st.Append(store.Message{Sender: t.Name, Channel: channel, Type: msgType, Text: text}); err != nil {
				logger.Error("append presence transition message failed", "channel", channel, "error", err)
			}
		}
		h.BroadcastStatus(presenceTracker.Statuses())
	})

	uploadDir := filepath.Join(dataDir, "uploads")
	if err := os.MkdirAll(uploadDir, 0o700); err != nil {
		return fmt.Errorf("create upload dir: %w", err)
	}

	h = hub.New(hub.Config{
		Logger:    logger,
		Store:     st,
		Router:    rt,
		Presence:  presenceTracker,
		Queues:    queues,
		UploadDir: uploadDir,
		Token:     token,
	})

	presenceTracker.Start()
	defer presenceTracker.Stop()

	bridge := mcpbridge.New(mcpbridge.Config{
		Logger:   logger,
		Store:    st,
		Router:   rt,
		Presence: presenceTracker,
		Queues:   queues,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	hubServer := httpserver.New(httpserver.Config{
		Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler: h.Handler(),
		Logger:  logger.With("component", "hub"),
	})
	mcpHTTPServer := httpserver.New(httpserver.Config{
		Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.MCP.HTTPPort),
		Handler: bridge.Handler(token),
		Logger:  logger.With("component", "mcp-http"),
	})
	mcpSSEServer := httpserver.New(httpserver.Config{
		Address: fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.MCP.SSEPort),
		Handler: bridge.SSEHandler(token),
		Logger:  logger.With("component", "mcp-sse"),
	})

	// server_started_at records this process's boot time so that each
	// wrapper process can detect a hub restart and nudge its agent back
	// to sync. It is intentionally a flat file, not a socket, so any
	// wrapper can watch it without the hub knowing it exists.
	serverStartedAtPath := filepath.Join(dataDir, "server_started_at")
	if err := touchServerStartedAt(serverStartedAtPath); err != nil {
		logger.Warn("touch server_started_at failed", "error", err)
	}

	errs := make(chan error, 3)
	go func() { errs <- hubServer.Serve(ctx) }()
	go func() { errs <- mcpHTTPServer.Serve(ctx) }()
	go func() { errs <- mcpSSEServer.Serve(ctx) }()

	var firstErr error
	for i := 0; i < cap(errs); i++ {
		err := <-errs
		if err != nil && ctx.Err() == nil {
			logger.Error("component exited unexpectedly", "error", err)
			if firstErr == nil {
				firstErr = err
			}
			cancel() // one listener failing (e.g. port in use) takes the whole hub down
		}
	}
	return firstErr
}

// cleanupStaleAgentFiles prunes queue and stability-log files for agents
// no longer present in the configuration. Off by default: an operator
// who removed an agent temporarily would otherwise lose its logs.
func cleanupStaleAgentFiles(dataDir string, cfg *config.Config, logger *slog.Logger) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		logger.Warn("cleanup scan failed", "error", err)
		return
	}
	for _, entry := range entries {
		name := entry.Name()
		var agent string
		switch {
		case strings.HasSuffix(name, "_queue"):
			agent = strings.TrimSuffix(name, "_queue")
		case strings.HasSuffix(name, "_stability.log"):
			agent = strings.TrimSuffix(name, "_stability.log")
		case strings.HasSuffix(name, "_wrapper.log"):
			agent = strings.TrimSuffix(name, "_wrapper.log")
		default:
			continue
		}
		if _, configured := cfg.Agents[agent]; configured {
			continue
		}
		if err := os.Remove(filepath.Join(dataDir, name)); err != nil {
			logger.Warn("cleanup remove failed", "file", name, "error", err)
		} else {
			logger.Info("removed stale agent file", "file", name)
		}
	}
}

// newLogHandler picks human-readable text output when stderr is an
// interactive terminal and JSON when it is captured by a supervisor.
func newLogHandler(f *os.File) slog.Handler {
	if isatty.IsTerminal(f.Fd()) {
		return slog.NewTextHandler(f, nil)
	}
	return slog.NewJSONHandler(f, nil)
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func touchServerStartedAt(path string) error {
	now := time.Now().Format(time.RFC3339Nano)
	return os.WriteFile(path, []byte(now), 0o600)
}
