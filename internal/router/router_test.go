// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"testing"
	"time"

	"github.com/agentchattr/agentchattr/lib/clock"
)

func TestParseMentions_ExactAndPrefix(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 4)

	got := r.ParseMentions("hey @gemini-cli and @claude, look at this")
	want := []string{"gemini", "claude"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseMentions_AllAndBoth(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 4)

	got := r.ParseMentions("@all please weigh in")
	want := []string{"claude", "gemini"}
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}

	got = r.ParseMentions("@both thoughts?")
	if !equalStrings(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseMentions_UnknownIgnored(t *testing.T) {
	r := New(nil, []string{"claude"}, "none", 4)
	got := r.ParseMentions("@nobody are you there")
	if len(got) != 0 {
		t.Errorf("expected no mentions, got %v", got)
	}
}

func TestTargets_DefaultNoneIgnoresUnmentionedHuman(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 4)
	targets, guard := r.Targets("alice", "general", "good morning")
	if len(targets) != 0 || guard != "" {
		t.Errorf("expected no targets under default=none, got %v guard=%q", targets, guard)
	}
}

func TestTargets_DefaultAllForwardsToEveryAgent(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "all", 4)
	targets, _ := r.Targets("alice", "general", "good morning")
	if !equalStrings(targets, []string{"claude", "gemini"}) {
		t.Errorf("expected all agents, got %v", targets)
	}
}

func TestTargets_MentionOverridesDefault(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 4)
	targets, _ := r.Targets("alice", "general", "@claude can you check this")
	if !equalStrings(targets, []string{"claude"}) {
		t.Errorf("expected only claude, got %v", targets)
	}
}

func TestTargets_AgentMentionExcludesSelf(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 4)
	targets, _ := r.Targets("claude", "general", "@claude @gemini take a look")
	if !equalStrings(targets, []string{"gemini"}) {
		t.Errorf("expected gemini only (sender excluded), got %v", targets)
	}
}

func TestTargets_LoopGuardTripsAndResets(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 2)

	// With maxHops=2, two agent-to-agent hops route normally; the third
	// agent-originated message is dropped and trips the guard.
	if targets, guard := r.Targets("claude", "general", "@gemini go"); guard != "" || len(targets) == 0 {
		t.Errorf("unexpected guard on first hop: targets=%v guard=%q", targets, guard)
	}
	if targets, guard := r.Targets("gemini", "general", "@claude go"); guard != "" || len(targets) == 0 {
		t.Errorf("unexpected guard on second hop: targets=%v guard=%q", targets, guard)
	}
	targets, guard := r.Targets("claude", "general", "@gemini once more")
	if guard == "" || len(targets) != 0 {
		t.Errorf("expected loop guard to trip on third hop, got targets=%v guard=%q", targets, guard)
	}

	// Guard message should only fire once.
	_, guard2 := r.Targets("gemini", "general", "@claude go again")
	if guard2 != "" {
		t.Errorf("expected guard message only once, got second: %q", guard2)
	}

	// Human message resets it.
	r.Targets("alice", "general", "ok let's continue normally")
	targets3, guard3 := r.Targets("claude", "general", "@gemini resumed")
	if guard3 != "" || len(targets3) == 0 {
		t.Errorf("expected guard reset by human message, got targets=%v guard=%q", targets3, guard3)
	}
}

func TestTargets_MentionlessAgentMessagesCountAsHops(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 2)

	r.Targets("claude", "dev", "working on it")
	r.Targets("gemini", "dev", "same here")
	if targets, guard := r.Targets("claude", "dev", "@gemini ready for you"); guard == "" || len(targets) != 0 {
		t.Errorf("expected mention-less agent chatter to consume hops, got targets=%v guard=%q", targets, guard)
	}
}

func TestTargets_ZeroMaxHopsPausesImmediately(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 0)

	targets, guard := r.Targets("claude", "general", "@gemini go")
	if guard == "" || len(targets) != 0 {
		t.Errorf("expected first agent message to pause with maxHops=0, got targets=%v guard=%q", targets, guard)
	}
}

func TestTargets_ContinueCommandResetsGuard(t *testing.T) {
	r := New(nil, []string{"claude", "gemini"}, "none", 2)

	r.Targets("claude", "general", "@gemini go")
	r.Targets("gemini", "general", "@claude go")
	if _, guard := r.Targets("claude", "general", "@gemini go"); guard == "" {
		t.Fatal("expected guard to trip before /continue")
	}

	r.Targets("alice", "general", "/continue")
	targets, guard := r.Targets("claude", "general", "@gemini go again")
	if guard != "" || len(targets) == 0 {
		t.Errorf("expected /continue to reset guard, got targets=%v guard=%q", targets, guard)
	}
}

func TestShouldEnqueue_DedupsWithinWindow(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	r := New(fc, []string{"claude"}, "none", 4)

	if !r.ShouldEnqueue("claude", "general") {
		t.Error("expected first enqueue to be allowed")
	}
	if r.ShouldEnqueue("claude", "general") {
		t.Error("expected second immediate enqueue to be deduped")
	}

	fc.Advance(DedupWindow + time.Millisecond)
	if !r.ShouldEnqueue("claude", "general") {
		t.Error("expected enqueue to be allowed after dedup window elapses")
	}
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
