// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package wrapper is the per-agent supervisor: it owns one agent's tmux
// session, injects wake-up prompts from its trigger queue, hashes screen
// activity to track busy state, and watches MCP reachability and server
// restarts to recover a wedged session without losing the conversation.
package wrapper

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sys/unix"

	"github.com/agentchattr/agentchattr/internal/apperr"
	"github.com/agentchattr/agentchattr/internal/trigger"
	"github.com/agentchattr/agentchattr/lib/clock"
	"github.com/agentchattr/agentchattr/lib/tmux"
)

// State is the supervisor's lifecycle phase, reported alongside log lines
// and, on kill, a system chat message.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped"
)

const (
	// sessionPrefix names the tmux session agentchattr-<agent>.
	sessionPrefix = "agentchattr-"

	activityInterval    = time.Second
	defaultQuietWindow  = 3 * time.Second
	defaultHeartbeat    = 60 * time.Second
	defaultHealthPeriod = 30 * time.Second
	defaultTaskIdle     = 15 * time.Minute
	injectPause         = 150 * time.Millisecond
	restartWindow       = 10 * time.Second
)

// Hooks are the MCP-tool-shaped calls the supervisor makes on the agent's
// behalf (join/leave/heartbeat). Concrete callers wire these to authenticated
// HTTP calls against the hub's MCP bridge; tests wire them to stubs.
type Hooks struct {
	Join      func(ctx context.Context) error
	Leave     func(ctx context.Context) error
	Heartbeat func(ctx context.Context) error
	System    func(ctx context.Context, text string) error
}

// PresenceSink is the subset of internal/presence a Supervisor reports
// activity transitions to.
type PresenceSink interface {
	SetBusy(name string, busy bool)
}

// Config configures one agent's supervisor.
type Config struct {
	AgentName         string
	Command           string
	Args              []string
	Cwd               string
	Env               []string
	ResumeFlag        string
	Resume            bool
	TriggerCooldown   time.Duration
	TaskIdleThreshold time.Duration

	// TermWidth/TermHeight size the detached tmux session; zero leaves
	// tmux's default (80x24), which garbles most agent TUIs when the
	// operator later attaches from a larger terminal.
	TermWidth  int
	TermHeight int

	DataDir        string // holds the agent's lock file and stability log
	TmuxSocketPath string

	ServerStartedAtPath string // watched for restart-recovery nudges

	HTTPProbe         func(ctx context.Context) error // MCP streamable-HTTP reachability
	SSEProbe          func(ctx context.Context) error // MCP SSE reachability
	HTTPKillThreshold int
	SSEKillThreshold  int
	HealthPeriod      time.Duration

	Queue    *trigger.Queue
	Reader   *trigger.Reader
	Presence PresenceSink
	Hooks    Hooks
	Clock    clock.Clock
	Logger   *slog.Logger
}

// Supervisor runs the full lifecycle for one agent.
type Supervisor struct {
	cfg         Config
	tmuxServer  *tmux.Server
	sessionName string
	clock       clock.Clock
	logger      *slog.Logger

	lockFile     *os.File
	stabilityLog *os.File

	mu             sync.Mutex
	state          State
	busy           bool
	lastActivity   time.Time
	lastTrigger    map[string]time.Time // channel -> last injected trigger time
	pendingPrompt  string               // last injected prompt, "" once re-nudged
	httpFailures   int
	sseFailures    int
	restartSignals []time.Time
}

// New constructs a Supervisor. Zero-value timing fields fall back to
// their documented defaults.
func New(cfg Config) *Supervisor {
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TriggerCooldown <= 0 {
		cfg.TriggerCooldown = 2 * time.Second
	}
	if cfg.TaskIdleThreshold <= 0 {
		cfg.TaskIdleThreshold = defaultTaskIdle
	}
	if cfg.HealthPeriod <= 0 {
		cfg.HealthPeriod = defaultHealthPeriod
	}
	if cfg.HTTPKillThreshold <= 0 {
		cfg.HTTPKillThreshold = 10
	}
	if cfg.SSEKillThreshold <= 0 {
		cfg.SSEKillThreshold = 5
	}

	socket := cfg.TmuxSocketPath
	if socket == "" {
		socket = filepath.Join(cfg.DataDir, "tmux.sock")
	}

	return &Supervisor{
		cfg:         cfg,
		tmuxServer:  tmux.NewServer(socket, "/dev/null"),
		sessionName: sessionPrefix + cfg.AgentName,
		clock:       cfg.Clock,
		logger:      cfg.Logger.With("agent", cfg.AgentName),
		state:       StateStarting,
		lastTrigger: map[string]time.Time{},
	}
}

// Run executes the supervisor until ctx is cancelled. It acquires the
// agent's exclusive lock, truncates the trigger queue, spawns or attaches
// to the tmux session, and runs every watcher concurrently until shutdown.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.acquireLock(); err != nil {
		return apperr.Wrap(apperr.Fatal, "acquire agent lock", err)
	}
	defer s.releaseLock()

	if err := s.openStabilityLog(); err != nil {
		s.logger.Warn("open stability log failed", "error", err)
	}
	defer func() {
		if s.stabilityLog != nil {
			s.stabilityLog.Close()
		}
	}()

	if s.cfg.Queue != nil {
		if err := s.cfg.Queue.Truncate(); err != nil {
			s.logger.Warn("truncate trigger queue failed", "error", err)
		}
	}

	if err := s.ensureSession(); err != nil {
		return apperr.Wrap(apperr.Injection, "start agent session", err)
	}
	s.setState(StateRunning)

	if s.cfg.Hooks.Join != nil {
		if err := s.cfg.Hooks.Join(ctx); err != nil {
			s.logger.Warn("join post failed", "error", err)
		}
	}

	var wg sync.WaitGroup
	restart := make(chan string, 1)

	watchers := []func(context.Context, chan<- string){
		s.triggerWatcher,
		s.activityWatcher,
		s.heartbeatWatcher,
		s.healthWatcher,
		s.serverRestartWatcher,
		s.taskIdleWatcher,
	}
	for _, watch := range watchers {
		wg.Add(1)
		go func(fn func(context.Context, chan<- string)) {
			defer wg.Done()
			fn(ctx, restart)
		}(watch)
	}

	go func() {
		wg.Wait()
		close(restart)
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return ctx.Err()
		case reason, ok := <-restart:
			if !ok {
				return nil
			}
			s.kill(ctx, reason)
		}
	}
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// acquireLock takes an exclusive flock on <DataDir>/<agent>.lock so a
// second supervisor for the same agent yields rather than fighting over
// the same tmux session.
func (s *Supervisor) acquireLock() error {
	path := filepath.Join(s.cfg.DataDir, s.cfg.AgentName+".lock")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return err
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return fmt.Errorf("agent %q is already supervised: %w", s.cfg.AgentName, err)
	}
	s.lockFile = f
	return nil
}

func (s *Supervisor) releaseLock() {
	if s.lockFile == nil {
		return
	}
	unix.Flock(int(s.lockFile.Fd()), unix.LOCK_UN)
	s.lockFile.Close()
}

// stabilityLogPath is <agent>_stability.log: tagged stability events
// ([session], [inject], [health], [kill]) an operator can tail
// alongside the live tmux session, independent of the process's own
// slog output.
func (s *Supervisor) stabilityLogPath() string {
	return filepath.Join(s.cfg.DataDir, s.cfg.AgentName+"_stability.log")
}

func (s *Supervisor) openStabilityLog() error {
	f, err := os.OpenFile(s.stabilityLogPath(), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	s.stabilityLog = f
	return nil
}

func (s *Supervisor) logEvent(tag, msg string) {
	if s.stabilityLog == nil {
		return
	}
	line := fmt.Sprintf("%s [%s] %s\n", s.clock.Now().Format(time.RFC3339), tag, msg)
	s.stabilityLog.WriteString(line)
}

// splitStabilityPane opens a second pane in the agent's tmux window
// tailing its stability log, so an operator attached to the session
// sees the live CLI and recent health/inject/kill events side by side.
// This is optional polish: failures are logged, not returned, since the
// agent session itself is unaffected either way.
func (s *Supervisor) splitStabilityPane() {
	if s.stabilityLog == nil {
		return
	}
	if _, err := s.tmuxServer.Run("split-window", "-t", s.sessionName, "-v", "-l", "25%",
		"tail", "-n", "20", "-f", s.stabilityLogPath()); err != nil {
		s.logger.Warn("split stability pane failed", "error", err)
	}
}

// ensureSession attaches to a live session or spawns a fresh one. A
// prior healthy session is kept: killing it would destroy whatever
// conversation the agent still has on screen.
func (s *Supervisor) ensureSession() error {
	if s.tmuxServer.HasSession(s.sessionName) {
		s.logger.Info("attaching to existing session")
		return nil
	}
	return s.spawn()
}

func (s *Supervisor) spawn() error {
	args := append([]string{}, s.cfg.Args...)
	if s.cfg.Resume && s.cfg.ResumeFlag != "" {
		args = append(args, s.cfg.ResumeFlag)
	}

	s.tmuxServer.KillSession(s.sessionName) // clean up a stale dead session, if any

	newSessionArgs := []string{"-f", "/dev/null", "new-session", "-d", "-s", s.sessionName}
	if s.cfg.TermWidth > 0 && s.cfg.TermHeight > 0 {
		newSessionArgs = append(newSessionArgs,
			"-x", strconv.Itoa(s.cfg.TermWidth), "-y", strconv.Itoa(s.cfg.TermHeight))
	}
	if s.cfg.Cwd != "" {
		newSessionArgs = append(newSessionArgs, "-c", s.cfg.Cwd)
	}
	for _, kv := range s.cfg.Env {
		newSessionArgs = append(newSessionArgs, "-e", kv)
	}
	newSessionArgs = append(newSessionArgs, s.cfg.Command)
	newSessionArgs = append(newSessionArgs, args...)

	cmd := s.tmuxServer.Command(newSessionArgs...)
	if output, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session %q: %w (%s)", s.sessionName, err, bytes.TrimSpace(output))
	}

	if err := s.tmuxServer.SetOption(s.sessionName, "remain-on-exit", "on"); err != nil {
		return err
	}

	s.logger.Info("spawned agent session", "command", s.cfg.Command)
	s.logEvent("session", fmt.Sprintf("spawned %s (%s)", s.sessionName, s.cfg.Command))
	s.splitStabilityPane()
	return nil
}

// kill terminates the session to force a clean restart, optionally posting
// a system message first, then respawns.
func (s *Supervisor) kill(ctx context.Context, reason string) {
	s.setState(StateRestarting)
	s.logger.Warn("killing session", "reason", reason)
	s.logEvent("kill", reason)

	if s.cfg.Hooks.System != nil {
		msg := fmt.Sprintf("[stability] Killing %s — %s", s.sessionName, reason)
		if err := s.cfg.Hooks.System(ctx, msg); err != nil {
			s.logger.Warn("system message post failed", "error", err)
		}
	}

	s.tmuxServer.KillSession(s.sessionName)
	s.mu.Lock()
	s.httpFailures, s.sseFailures = 0, 0
	s.mu.Unlock()

	if err := s.spawn(); err != nil {
		s.logger.Error("respawn after kill failed", "error", err)
		return
	}
	s.setState(StateRunning)
}

func (s *Supervisor) shutdown(ctx context.Context) {
	s.setState(StateStopped)
	if s.cfg.Hooks.Leave != nil {
		if err := s.cfg.Hooks.Leave(ctx); err != nil {
			s.logger.Warn("leave post failed", "error", err)
		}
	}
	if s.cfg.Reader != nil {
		s.cfg.Reader.Close()
	}
}

// inject sends text into the session with a deterministic keystroke
// sequence: clear the input line, Escape out of any modal input mode, a
// pause, the literal text, another pause, then Enter.
func (s *Supervisor) inject(text string) error {
	if _, err := s.tmuxServer.Run("send-keys", "-t", s.sessionName, "C-u", "Escape"); err != nil {
		return apperr.Wrap(apperr.Injection, "clear input line", err)
	}
	// The pauses pace a real TUI, so they stay on the wall clock even
	// when the watchers run on an injected one.
	time.Sleep(injectPause)
	if _, err := s.tmuxServer.Run("send-keys", "-t", s.sessionName, "-l", text); err != nil {
		return apperr.Wrap(apperr.Injection, "send literal text", err)
	}
	time.Sleep(injectPause)
	if _, err := s.tmuxServer.Run("send-keys", "-t", s.sessionName, "Enter"); err != nil {
		return apperr.Wrap(apperr.Injection, "send enter", err)
	}
	return nil
}

// triggerWatcher consumes the per-agent queue and injects a short prompt
// per entry, applying the per-agent trigger_cooldown so a burst collapses
// to one injected prompt rather than garbling a still-rendering TUI.
func (s *Supervisor) triggerWatcher(ctx context.Context, _ chan<- string) {
	if s.cfg.Reader == nil {
		return
	}
	for {
		select {
		case <-ctx.Done():
			return
		case entry, ok := <-s.cfg.Reader.Entries():
			if !ok {
				return
			}
			s.handleTrigger(entry)
		case err, ok := <-s.cfg.Reader.Errors():
			if !ok {
				continue
			}
			s.logger.Error("trigger queue error", "error", err)
		}
	}
}

func (s *Supervisor) handleTrigger(entry trigger.Entry) {
	prompt := fmt.Sprintf("mcp read #%s", entry.Channel)

	s.mu.Lock()
	last, seen := s.lastTrigger[entry.Channel]
	now := s.clock.Now()
	if seen && now.Sub(last) < s.cfg.TriggerCooldown {
		s.mu.Unlock()
		return
	}
	s.lastTrigger[entry.Channel] = now
	s.mu.Unlock()

	if err := s.inject(prompt); err != nil {
		// Injection failure is not recorded as delivered — if the
		// session is actually gone, the next health cycle finds it
		// missing and requests a restart.
		s.logger.Warn("inject failed", "error", err)
		return
	}
	s.logEvent("inject", prompt)

	s.mu.Lock()
	s.pendingPrompt = prompt
	s.mu.Unlock()
}

// activityWatcher hashes the pane's captured content every second. A
// changed hash means the agent is rendering output (busy); an unchanged
// hash for longer than the quiet window clears busy.
func (s *Supervisor) activityWatcher(ctx context.Context, _ chan<- string) {
	ticker := s.clock.NewTicker(activityInterval)
	defer ticker.Stop()

	var lastHash [sha256.Size]byte
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pane, err := s.tmuxServer.CapturePane(s.sessionName, 0)
			if err != nil {
				continue
			}
			hash := sha256.Sum256([]byte(pane))
			now := s.clock.Now()

			if !bytes.Equal(hash[:], lastHash[:]) {
				lastHash = hash
				s.mu.Lock()
				s.lastActivity = now
				wasBusy := s.busy
				s.busy = true
				s.mu.Unlock()
				if !wasBusy && s.cfg.Presence != nil {
					s.cfg.Presence.SetBusy(s.cfg.AgentName, true)
				}
				continue
			}

			s.mu.Lock()
			quiet := now.Sub(s.lastActivity)
			wasBusy := s.busy
			if quiet >= defaultQuietWindow {
				s.busy = false
			}
			stillBusy := s.busy
			s.mu.Unlock()
			if wasBusy && !stillBusy && s.cfg.Presence != nil {
				s.cfg.Presence.SetBusy(s.cfg.AgentName, false)
			}
		}
	}
}

// heartbeatWatcher refreshes presence every 60s via the MCP who call,
// independent of any other MCP traffic the agent may be generating.
func (s *Supervisor) heartbeatWatcher(ctx context.Context, _ chan<- string) {
	ticker := s.clock.NewTicker(defaultHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.cfg.Hooks.Heartbeat == nil {
				continue
			}
			if err := s.cfg.Hooks.Heartbeat(ctx); err != nil {
				s.logger.Warn("heartbeat failed", "error", err)
			}
		}
	}
}

// healthWatcher probes MCP HTTP and SSE reachability on independent
// consecutive-failure counters. A single transient failure only logs; the
// counter reaching its threshold fires a restart. A tmux session that no
// longer exists fires a restart on the cycle that finds it missing.
func (s *Supervisor) healthWatcher(ctx context.Context, restart chan<- string) {
	ticker := s.clock.NewTicker(s.cfg.HealthPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.tmuxServer.HasSession(s.sessionName) {
				reason := fmt.Sprintf("session %s is gone", s.sessionName)
				s.logEvent("health", reason)
				select {
				case restart <- reason:
				default:
				}
				continue
			}
			s.probe(ctx, "http", s.cfg.HTTPProbe, &s.httpFailures, s.cfg.HTTPKillThreshold, restart)
			s.probe(ctx, "sse", s.cfg.SSEProbe, &s.sseFailures, s.cfg.SSEKillThreshold, restart)
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, label string, fn func(context.Context) error, failures *int, threshold int, restart chan<- string) {
	if fn == nil {
		return
	}
	err := fn(ctx)

	s.mu.Lock()
	if err != nil {
		*failures++
	} else {
		*failures = 0
	}
	count := *failures
	s.mu.Unlock()

	if err == nil {
		return
	}
	if count < threshold {
		s.logger.Warn("mcp probe failed", "transport", label, "consecutive", count, "error", err)
		s.logEvent("health", fmt.Sprintf("%s probe failed (%d/%d): %v", label, count, threshold, err))
		return
	}
	reason := fmt.Sprintf("%s unreachable for %d consecutive probes", label, count)
	s.logEvent("health", reason)
	select {
	case restart <- reason:
	default:
	}
}

// serverRestartWatcher watches server_started_at for two confirmed
// changes within restartWindow, which signals the hub restarted recently
// enough that cached MCP session IDs may be stale. It sends a controlled
// C-c rather than a full session kill, since the agent process itself is
// fine — only its MCP connection needs to reconnect.
func (s *Supervisor) serverRestartWatcher(ctx context.Context, _ chan<- string) {
	if s.cfg.ServerStartedAtPath == "" {
		return
	}
	ticker := s.clock.NewTicker(time.Second)
	defer ticker.Stop()

	var lastModTime time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			info, err := os.Stat(s.cfg.ServerStartedAtPath)
			if err != nil {
				continue
			}
			modTime := info.ModTime()
			// The first observation is the baseline, not a change.
			if lastModTime.IsZero() {
				lastModTime = modTime
				continue
			}
			if modTime.Equal(lastModTime) {
				continue
			}
			lastModTime = modTime
			s.recordRestartSignal()
		}
	}
}

func (s *Supervisor) recordRestartSignal() {
	now := s.clock.Now()

	s.mu.Lock()
	s.restartSignals = append(s.restartSignals, now)
	cutoff := now.Add(-restartWindow)
	kept := s.restartSignals[:0]
	for _, t := range s.restartSignals {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.restartSignals = kept
	confirmed := len(s.restartSignals) >= 2
	if confirmed {
		s.restartSignals = nil
	}
	s.mu.Unlock()

	if !confirmed {
		return
	}
	s.logger.Info("server restart detected twice, sending interrupt")
	s.logEvent("session", "hub restart detected twice, sending interrupt")
	if _, err := s.tmuxServer.Run("send-keys", "-t", s.sessionName, "C-c"); err != nil {
		s.logger.Warn("interrupt send failed", "error", err)
	}
}

// taskIdleWatcher re-injects the latest pending prompt once if a trigger
// was delivered but no terminal activity has been observed for the idle
// threshold — the agent may have missed or swallowed the original
// injection. The threshold is deliberately long (default 15m): a busy
// agent deep in a task must not be interrupted by a premature re-nudge.
func (s *Supervisor) taskIdleWatcher(ctx context.Context, _ chan<- string) {
	ticker := s.clock.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			prompt := s.renudgePrompt()
			if prompt == "" {
				continue
			}
			s.logger.Info("task idle threshold reached, re-nudging")
			s.logEvent("inject", "re-nudge: "+prompt)
			if err := s.inject(prompt); err != nil {
				s.logger.Warn("re-nudge inject failed", "error", err)
			}
		}
	}
}

// renudgePrompt returns the prompt to re-inject if a delivered trigger
// has sat idle past the threshold, consuming it so at most one re-nudge
// fires per delivered trigger.
func (s *Supervisor) renudgePrompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pendingPrompt == "" {
		return ""
	}
	if s.clock.Now().Sub(s.lastActivity) < s.cfg.TaskIdleThreshold {
		return ""
	}
	prompt := s.pendingPrompt
	s.pendingPrompt = ""
	return prompt
}
