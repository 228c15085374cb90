// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package presence tracks each agent's last-seen timestamp, busy state,
// and terminal session identifier, and emits synthetic join/leave
// messages as agents transition online and offline.
package presence

import (
	"sort"
	"sync"
	"time"

	"github.com/agentchattr/agentchattr/lib/clock"
)

// OfflineThreshold is the default duration of silence after which an
// agent is considered offline.
const OfflineThreshold = 120 * time.Second

// TickInterval is how often the background sweep checks for agents
// that have gone quiet.
const TickInterval = 5 * time.Second

// Status is a snapshot of one agent's presence state.
type Status struct {
	Name      string
	LastSeen  time.Time
	Online    bool
	Busy      bool
	SessionID string
}

// Transition describes an online/offline change the tracker observed.
type Transition struct {
	Name    string
	Online  bool // true = just came online (join), false = just went offline (leave)
}

// OnTransition is called synchronously whenever an agent's online state
// flips: from the goroutine calling Seen for a join, and from the sweep
// goroutine for a leave.
type OnTransition func(Transition)

// Tracker maintains {agent -> (last_seen, busy, session_id)}.
type Tracker struct {
	clock            clock.Clock
	offlineThreshold time.Duration

	mu     sync.Mutex
	agents map[string]*Status

	onTransition OnTransition

	stop chan struct{}
	done chan struct{}
}

// New creates a Tracker. If c is nil, clock.Real() is used. If
// offlineThreshold is zero, OfflineThreshold is used.
func New(c clock.Clock, offlineThreshold time.Duration, onTransition OnTransition) *Tracker {
	if c == nil {
		c = clock.Real()
	}
	if offlineThreshold <= 0 {
		offlineThreshold = OfflineThreshold
	}
	return &Tracker{
		clock:            c,
		offlineThreshold: offlineThreshold,
		agents:           map[string]*Status{},
		onTransition:     onTransition,
	}
}

// Seen updates last_seen for name, bringing it online if it was offline
// or previously unknown. Called on any authenticated tool call or
// explicit heartbeat.
func (t *Tracker) Seen(name string) {
	t.mu.Lock()
	now := t.clock.Now()
	st, ok := t.agents[name]
	if !ok {
		st = &Status{Name: name}
		t.agents[name] = st
	}
	wasOffline := !ok || !st.Online
	st.LastSeen = now
	st.Online = true
	t.mu.Unlock()

	if wasOffline && t.onTransition != nil {
		t.onTransition(Transition{Name: name, Online: true})
	}
}

// SetSession records the terminal session identifier for name.
func (t *Tracker) SetSession(name, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[name]
	if !ok {
		st = &Status{Name: name}
		t.agents[name] = st
	}
	st.SessionID = sessionID
}

// SetBusy sets the busy flag, set by the wrapper's activity watcher
// (see the wrapper package) whenever the terminal's activity hash
// changes or goes quiet.
func (t *Tracker) SetBusy(name string, busy bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[name]
	if !ok {
		st = &Status{Name: name}
		t.agents[name] = st
	}
	st.Busy = busy
}

// Status returns a snapshot of name's presence, or false if unknown.
func (t *Tracker) Status(name string) (Status, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	st, ok := t.agents[name]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Statuses returns a snapshot of every tracked agent, sorted by name.
func (t *Tracker) Statuses() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.agents))
	for _, st := range t.agents {
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Online returns the names of all currently online agents.
func (t *Tracker) Online() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []string
	for name, st := range t.agents {
		if st.Online {
			out = append(out, name)
		}
	}
	return out
}

// Start launches the background offline sweep. Stop must be called to
// release it.
func (t *Tracker) Start() {
	t.stop = make(chan struct{})
	t.done = make(chan struct{})
	go t.run()
}

// Stop halts the background sweep and waits for it to exit.
func (t *Tracker) Stop() {
	if t.stop == nil {
		return
	}
	close(t.stop)
	<-t.done
}

func (t *Tracker) run() {
	defer close(t.done)
	ticker := t.clock.NewTicker(TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweep()
		}
	}
}

func (t *Tracker) sweep() {
	now := t.clock.Now()

	var offline []string
	t.mu.Lock()
	for name, st := range t.agents {
		if st.Online && now.Sub(st.LastSeen) >= t.offlineThreshold {
			st.Online = false
			st.Busy = false
			offline = append(offline, name)
		}
	}
	t.mu.Unlock()

	if t.onTransition == nil {
		return
	}
	for _, name := range offline {
		t.onTransition(Transition{Name: name, Online: false})
	}
}
