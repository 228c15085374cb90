// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package wrapper

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/agentchattr/agentchattr/internal/trigger"
	"github.com/agentchattr/agentchattr/lib/clock"
	"github.com/agentchattr/agentchattr/lib/tmux"
)

func newTestSupervisor(t *testing.T, agent string) (*Supervisor, *tmux.Server) {
	t.Helper()
	server := tmux.NewTestServer(t)
	dir := t.TempDir()

	s := New(Config{
		AgentName:      agent,
		Command:        "sh",
		Args:           []string{"-c", "cat"},
		DataDir:        dir,
		TmuxSocketPath: server.SocketPath(),
		Clock:          clock.Real(),
	})
	return s, server
}

func TestSpawn_CreatesSession(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")

	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if !s.tmuxServer.HasSession(s.sessionName) {
		t.Fatal("expected session to exist after spawn")
	}
}

func TestEnsureSession_ReusesExisting(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")

	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	if err := s.ensureSession(); err != nil {
		t.Fatalf("ensureSession: %v", err)
	}
	if !s.tmuxServer.HasSession(s.sessionName) {
		t.Fatal("expected existing session to survive ensureSession")
	}
}

func TestInject_DeliversLiteralTextAndEnter(t *testing.T) {
	s, _ := newTestSupervisor(t, "gemini")
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	if err := s.inject("hello from the hub"); err != nil {
		t.Fatalf("inject: %v", err)
	}

	var pane string
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		pane, _ = s.tmuxServer.CapturePane(s.sessionName, 0)
		if strings.Contains(pane, "hello from the hub") {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatalf("expected injected text to appear in pane, got:\n%s", pane)
}

func TestHandleTrigger_RespectsCooldown(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	s.cfg.TriggerCooldown = time.Minute
	fake := clock.Fake(time.Now())
	s.clock = fake
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	s.handleTrigger(trigger.Entry{Channel: "general"})
	first, _ := s.tmuxServer.CapturePane(s.sessionName, 0)
	if !strings.Contains(first, "mcp read #general") {
		t.Fatalf("expected first trigger to inject, got:\n%s", first)
	}

	// A second trigger on the same channel within the cooldown window
	// must not inject again.
	s.tmuxServer.Run("send-keys", "-t", s.sessionName, "-l", "CLEAR_MARKER")
	s.handleTrigger(trigger.Entry{Channel: "general"})
	time.Sleep(100 * time.Millisecond)
	pane, _ := s.tmuxServer.CapturePane(s.sessionName, 0)
	if strings.Count(pane, "mcp read #general") != 1 {
		t.Fatalf("expected cooldown to suppress the second inject, got:\n%s", pane)
	}
}

func TestRenudgePrompt_FiresOncePerDeliveredTrigger(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	fake := clock.Fake(time.Now())
	s.clock = fake
	s.cfg.TaskIdleThreshold = 15 * time.Minute
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// No trigger delivered yet: idle time alone must not re-nudge.
	fake.Advance(time.Hour)
	if got := s.renudgePrompt(); got != "" {
		t.Fatalf("expected no re-nudge without a pending trigger, got %q", got)
	}

	s.handleTrigger(trigger.Entry{Channel: "general"})

	// Still inside the idle threshold.
	s.mu.Lock()
	s.lastActivity = fake.Now()
	s.mu.Unlock()
	fake.Advance(time.Minute)
	if got := s.renudgePrompt(); got != "" {
		t.Fatalf("expected no re-nudge before the idle threshold, got %q", got)
	}

	fake.Advance(20 * time.Minute)
	if got := s.renudgePrompt(); got != "mcp read #general" {
		t.Fatalf("expected the pending prompt back, got %q", got)
	}
	if got := s.renudgePrompt(); got != "" {
		t.Fatalf("expected the re-nudge to be one-shot, got %q", got)
	}
}

func TestRecordRestartSignal_RequiresTwoWithinWindow(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	fake := clock.Fake(time.Now())
	s.clock = fake
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	s.recordRestartSignal()
	s.mu.Lock()
	count := len(s.restartSignals)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected 1 pending signal after first call, got %d", count)
	}

	s.recordRestartSignal()
	s.mu.Lock()
	count = len(s.restartSignals)
	s.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected signals to reset after confirmation, got %d", count)
	}
}

func TestRecordRestartSignal_OutsideWindowDoesNotConfirm(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	fake := clock.Fake(time.Now())
	s.clock = fake
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	s.recordRestartSignal()
	fake.Advance(restartWindow * 2)
	s.recordRestartSignal()

	s.mu.Lock()
	count := len(s.restartSignals)
	s.mu.Unlock()
	if count != 1 {
		t.Fatalf("expected the stale first signal to have been pruned, got %d pending", count)
	}
}

func TestProbe_SuccessResetsConsecutiveFailures(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	s.cfg.SSEKillThreshold = 5

	restart := make(chan string, 1)
	failing := func(context.Context) error { return context.DeadlineExceeded }
	healthy := func(context.Context) error { return nil }

	for i := 0; i < 4; i++ {
		s.probe(context.Background(), "sse", failing, &s.sseFailures, s.cfg.SSEKillThreshold, restart)
	}
	s.probe(context.Background(), "sse", healthy, &s.sseFailures, s.cfg.SSEKillThreshold, restart)

	select {
	case reason := <-restart:
		t.Fatalf("expected no kill below the threshold, got %q", reason)
	default:
	}

	s.mu.Lock()
	count := s.sseFailures
	s.mu.Unlock()
	if count != 0 {
		t.Fatalf("expected counter reset after a successful probe, got %d", count)
	}
}

func TestProbe_ThresholdFiresRestart(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	s.cfg.SSEKillThreshold = 3

	restart := make(chan string, 1)
	failing := func(context.Context) error { return context.DeadlineExceeded }

	for i := 0; i < 3; i++ {
		s.probe(context.Background(), "sse", failing, &s.sseFailures, s.cfg.SSEKillThreshold, restart)
	}

	select {
	case <-restart:
	default:
		t.Fatal("expected a restart request at the failure threshold")
	}
}

func TestStabilityLog_RecordsTaggedEvents(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")
	if err := s.openStabilityLog(); err != nil {
		t.Fatalf("openStabilityLog: %v", err)
	}
	if err := s.spawn(); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	s.stabilityLog.Close()

	contents, err := os.ReadFile(s.stabilityLogPath())
	if err != nil {
		t.Fatalf("read stability log: %v", err)
	}
	if !strings.Contains(string(contents), "[session]") {
		t.Fatalf("expected a [session] entry from spawn, got:\n%s", contents)
	}
}

func TestAcquireLock_RejectsSecondSupervisor(t *testing.T) {
	s1, server := newTestSupervisor(t, "claude")
	if err := s1.acquireLock(); err != nil {
		t.Fatalf("first acquireLock: %v", err)
	}
	defer s1.releaseLock()

	s2 := New(Config{
		AgentName:      "claude",
		DataDir:        s1.cfg.DataDir,
		TmuxSocketPath: server.SocketPath(),
	})
	if err := s2.acquireLock(); err == nil {
		t.Fatal("expected second acquireLock for the same agent to fail")
	}
}

func TestRun_ShutdownOnContextCancel(t *testing.T) {
	s, _ := newTestSupervisor(t, "claude")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for !s.tmuxServer.HasSession(s.sessionName) {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for session to start")
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected Run to return ctx.Err() on cancellation")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for Run to return after cancel")
	}
	if s.State() != StateStopped {
		t.Errorf("expected state %q after shutdown, got %q", StateStopped, s.State())
	}
}
