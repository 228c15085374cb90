// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// agentchattr-wrapper is the per-agent supervisor process: it owns one
// agent's tmux session, injects wake-up prompts from that agent's
// trigger queue, restarts the session when health checks demand it, and
// interrupts the agent after a confirmed hub restart so it reconnects.
//
// Exactly one wrapper process exists per configured agent. The hub
// (cmd/agentchattr-hub) and a wrapper coordinate through the shared
// data directory's files, the MCP bridge's authenticated tool calls,
// and the hub's /api/activity endpoint, to which the wrapper reports
// busy/idle changes.
//
// Usage:
//
//	agentchattr-wrapper --agent claude --data-dir /var/lib/agentchattr
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentchattr/agentchattr/internal/config"
	"github.com/agentchattr/agentchattr/internal/sessionauth"
	"github.com/agentchattr/agentchattr/internal/trigger"
	"github.com/agentchattr/agentchattr/internal/wrapper"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "agentchattr-wrapper: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var agentName, dataDir string
	var resume, showVersion bool

	flagSet := pflag.NewFlagSet("agentchattr-wrapper", pflag.ContinueOnError)
	flagSet.StringVar(&agentName, "agent", "", "name of the agent to supervise, matching a key under agents: in config")
	flagSet.StringVar(&dataDir, "data-dir", "./agentchattr-data", "data directory shared with agentchattr-hub")
	flagSet.BoolVar(&resume, "resume", false, "append the agent's configured resume flag when spawning")
	flagSet.BoolVar(&showVersion, "version", false, "print version information and exit")
	flagSet.BoolP("help", "h", false, "show help")

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			return nil
		}
		return err
	}
	if showVersion {
		fmt.Println("agentchattr-wrapper (development build)")
		return nil
	}
	if agentName == "" {
		return fmt.Errorf("--agent is required")
	}

	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	// Wrapper output goes to stderr and to <agent>_wrapper.log, so the
	// log survives whatever supervisor captured (or discarded) stderr.
	logSink := io.Writer(os.Stderr)
	logPath := filepath.Join(dataDir, agentName+"_wrapper.log")
	if logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600); err == nil {
		defer logFile.Close()
		logSink = io.MultiWriter(os.Stderr, logFile)
	}
	var handler slog.Handler
	if isatty.IsTerminal(os.Stderr.Fd()) {
		handler = slog.NewTextHandler(logSink, nil)
	} else {
		handler = slog.NewJSONHandler(logSink, nil)
	}
	logger := slog.New(handler).With("agent", agentName)

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	agentCfg, ok := cfg.Agents[agentName]
	if !ok {
		return fmt.Errorf("no agent named %q in config", agentName)
	}

	token, err := sessionauth.Load(filepath.Join(dataDir, "session_token"))
	if err != nil {
		return fmt.Errorf("load session token: %w", err)
	}

	queue, err := trigger.Open(dataDir, agentName)
	if err != nil {
		return fmt.Errorf("open trigger queue: %w", err)
	}
	reader, err := trigger.NewReader(dataDir, agentName)
	if err != nil {
		return fmt.Errorf("open trigger reader: %w", err)
	}
	defer reader.Close()

	httpURL := fmt.Sprintf("http://%s:%d/", cfg.Server.Host, cfg.MCP.HTTPPort)
	sseURL := fmt.Sprintf("http://%s:%d/", cfg.Server.Host, cfg.MCP.SSEPort)
	hubURL := fmt.Sprintf("http://%s:%d/", cfg.Server.Host, cfg.Server.Port)

	// Size the detached session to the launching terminal when there is
	// one, so attaching later doesn't reflow the agent's TUI.
	termWidth, termHeight := 0, 0
	if w, h, err := term.GetSize(int(os.Stdout.Fd())); err == nil {
		termWidth, termHeight = w, h
	}

	sup := wrapper.New(wrapper.Config{
		AgentName:           agentName,
		Command:             agentCfg.Command,
		Cwd:                 agentCfg.Cwd,
		ResumeFlag:          agentCfg.ResumeFlag,
		Resume:              resume,
		TermWidth:           termWidth,
		TermHeight:          termHeight,
		TriggerCooldown:     time.Duration(agentCfg.TriggerCooldown * float64(time.Second)),
		TaskIdleThreshold:   time.Duration(cfg.Monitor.AgentTaskTimeoutMinutes * float64(time.Minute)),
		DataDir:             dataDir,
		ServerStartedAtPath: filepath.Join(dataDir, "server_started_at"),
		HTTPKillThreshold:   cfg.MCP.HTTPKillThreshold,
		SSEKillThreshold:    cfg.MCP.SSEKillThreshold,
		HTTPProbe:           httpProbe(httpURL, token),
		SSEProbe:            httpProbe(sseURL, token),
		Queue:               queue,
		Reader:              reader,
		Presence:            newActivitySink(hubURL, token, logger),
		Hooks:               mcpHooks(httpURL, token, agentName, logger),
		Logger:              logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return sup.Run(ctx)
}

// httpProbe is a minimal reachability check for the wrapper's health
// watcher: it only needs to observe whether the request completes
// before the context deadline, not inspect the response.
func httpProbe(url, token string) func(context.Context) error {
	client := &http.Client{Timeout: 5 * time.Second}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		req.Header.Set(sessionauth.HeaderName, token)
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		return nil
	}
}

// tokenTransport attaches the session token to every outgoing MCP
// client request, the same way the browser's WebSocket and the
// wrapper's health probes authenticate.
type tokenTransport struct {
	token string
	base  http.RoundTripper
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.Header.Set(sessionauth.HeaderName, t.token)
	return t.base.RoundTrip(req)
}

// mcpHooks wires the supervisor's Join/System lifecycle calls to real
// MCP tool invocations against the hub's streamable-HTTP bridge, using
// the same chat_join and chat_send tools an agent's own MCP client
// would call.
func mcpHooks(httpURL, token, agentName string, logger *slog.Logger) wrapper.Hooks {
	newSession := func(ctx context.Context) (*mcp.ClientSession, error) {
		client := mcp.NewClient(&mcp.Implementation{Name: "agentchattr-wrapper", Version: "0.1.0"}, nil)
		transport := &mcp.StreamableClientTransport{
			Endpoint:   httpURL,
			HTTPClient: &http.Client{Transport: &tokenTransport{token: token, base: http.DefaultTransport}},
		}
		return client.Connect(ctx, transport, nil)
	}

	return wrapper.Hooks{
		Join: func(ctx context.Context) error {
			session, err := newSession(ctx)
			if err != nil {
				return fmt.Errorf("connect for chat_join: %w", err)
			}
			defer session.Close()
			_, err = session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "chat_join",
				Arguments: map[string]any{"sender": agentName},
			})
			return err
		},
		System: func(ctx context.Context, text string) error {
			session, err := newSession(ctx)
			if err != nil {
				return fmt.Errorf("connect for chat_send: %w", err)
			}
			defer session.Close()
			_, err = session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "chat_send",
				Arguments: map[string]any{"sender": "system", "text": text},
			})
			return err
		},
		Heartbeat: func(ctx context.Context) error {
			session, err := newSession(ctx)
			if err != nil {
				logger.Warn("heartbeat connect failed", "error", err)
				return nil
			}
			defer session.Close()
			_, err = session.CallTool(ctx, &mcp.CallToolParams{
				Name:      "chat_who",
				Arguments: map[string]any{"sender": agentName},
			})
			return err
		},
	}
}

// activitySink reports busy transitions to the hub's activity endpoint,
// the explicit notification the presence tracker's busy flag is fed by.
type activitySink struct {
	url    string
	token  string
	client *http.Client
	logger *slog.Logger
}

func newActivitySink(hubURL, token string, logger *slog.Logger) *activitySink {
	return &activitySink{
		url:    hubURL + "api/activity",
		token:  token,
		client: &http.Client{Timeout: 5 * time.Second},
		logger: logger,
	}
}

func (a *activitySink) SetBusy(name string, busy bool) {
	body := fmt.Sprintf(`{"agent":%q,"busy":%t}`, name, busy)
	req, err := http.NewRequest(http.MethodPost, a.url, strings.NewReader(body))
	if err != nil {
		return
	}
	req.Header.Set(sessionauth.HeaderName, a.token)
	req.Header.Set("Content-Type", "application/json")
	resp, err := a.client.Do(req)
	if err != nil {
		a.logger.Debug("activity report failed", "error", err)
		return
	}
	resp.Body.Close()
}
