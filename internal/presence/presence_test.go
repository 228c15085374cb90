// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"sync"
	"testing"
	"time"

	"github.com/agentchattr/agentchattr/lib/clock"
)

func TestSeen_BringsAgentOnline(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	var mu sync.Mutex
	var transitions []Transition
	tr := New(fc, 0, func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	tr.Seen("claude")

	st, ok := tr.Status("claude")
	if !ok || !st.Online {
		t.Fatalf("expected claude online, got %+v ok=%v", st, ok)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(transitions) != 1 || !transitions[0].Online || transitions[0].Name != "claude" {
		t.Errorf("expected one join transition, got %+v", transitions)
	}
}

func TestSweep_TransitionsOfflineAfterThreshold(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	var mu sync.Mutex
	var transitions []Transition
	tr := New(fc, 10*time.Second, func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	tr.Seen("gemini")
	tr.Start()
	defer tr.Stop()

	fc.WaitForTimers(1) // the sweep ticker must be registered before advancing
	fc.Advance(20 * time.Second)

	deadline := time.After(2 * time.Second)
	for {
		mu.Lock()
		n := len(transitions)
		mu.Unlock()
		if n >= 2 {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for offline transition")
		case <-time.After(time.Millisecond):
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if transitions[1].Online {
		t.Errorf("expected second transition to be offline, got %+v", transitions[1])
	}

	st, _ := tr.Status("gemini")
	if st.Online {
		t.Error("expected gemini marked offline after sweep")
	}
}

func TestSetBusy(t *testing.T) {
	tr := New(nil, 0, nil)
	tr.Seen("claude")
	tr.SetBusy("claude", true)

	st, _ := tr.Status("claude")
	if !st.Busy {
		t.Error("expected busy=true")
	}

	tr.SetBusy("claude", false)
	st, _ = tr.Status("claude")
	if st.Busy {
		t.Error("expected busy=false")
	}
}

func TestOnline_ListsOnlyOnlineAgents(t *testing.T) {
	fc := clock.Fake(time.Unix(0, 0))
	tr := New(fc, 5*time.Second, nil)

	tr.Seen("claude")
	fc.Advance(1 * time.Second)
	tr.Seen("gemini")

	online := tr.Online()
	if len(online) != 2 {
		t.Errorf("expected both agents online, got %+v", online)
	}

	// claude is now 5.5s stale (past the 5s threshold), gemini 4.5s.
	fc.Advance(4500 * time.Millisecond)
	tr.sweep()
	online = tr.Online()
	if len(online) != 1 || online[0] != "gemini" {
		t.Errorf("expected only gemini online, got %+v", online)
	}
}
