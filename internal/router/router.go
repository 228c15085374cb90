// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package router decides which agents to wake per new human or agent
// message: mention parsing, default routing, and the per-channel loop
// guard that stops runaway agent-to-agent chains.
package router

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/agentchattr/agentchattr/lib/clock"
)

// DedupWindow is how long repeated mentions of the same agent in quick
// succession collapse into a single enqueue.
const DedupWindow = 500 * time.Millisecond

var mentionPattern = regexp.MustCompile(`(?i)@([a-z][a-z0-9_-]*)\b`)

const (
	tokenAll  = "all"
	tokenBoth = "both"
)

// Router routes a new message to the agents it should wake, and
// enforces the per-channel loop guard.
type Router struct {
	clock clock.Clock

	agentNames   []string // configured agent names, stable order
	defaultRoute string   // "none" or "all"
	maxHops      int

	mu          sync.Mutex
	hops        map[string]int  // channel -> agent-authored message count since last reset
	guardTripped map[string]bool // channel -> guard message already emitted
	lastEnqueue map[string]time.Time // "agent|channel" -> last enqueue time, for dedup
}

// New creates a Router. agentNames are the statically configured
// agents (from config.Agents); defaultRoute is "none" or "all";
// maxHops is routing.max_agent_hops.
func New(c clock.Clock, agentNames []string, defaultRoute string, maxHops int) *Router {
	if c == nil {
		c = clock.Real()
	}
	names := make([]string, len(agentNames))
	copy(names, agentNames)
	sort.Strings(names)

	return &Router{
		clock:        c,
		agentNames:   names,
		defaultRoute: defaultRoute,
		maxHops:      maxHops,
		hops:         map[string]int{},
		guardTripped: map[string]bool{},
		lastEnqueue:  map[string]time.Time{},
	}
}

func (r *Router) isAgent(name string) bool {
	for _, n := range r.agentNames {
		if n == name {
			return true
		}
	}
	return false
}

// ParseMentions extracts the configured agent names mentioned in text,
// deduplicated, in first-seen order. @all and @both expand to every
// configured agent. Unknown @name tokens are ignored.
func (r *Router) ParseMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	seen := map[string]bool{}
	var out []string

	add := func(name string) {
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}

	for _, m := range matches {
		token := strings.ToLower(m[1])
		switch token {
		case tokenAll, tokenBoth:
			for _, name := range r.agentNames {
				add(name)
			}
			continue
		}
		if resolved, ok := r.resolve(token); ok {
			add(resolved)
		}
	}
	return out
}

// resolve matches token to a configured agent name: exact match first,
// then prefix match (e.g. "gemini-cli" -> "gemini").
func (r *Router) resolve(token string) (string, bool) {
	for _, name := range r.agentNames {
		if name == token {
			return name, true
		}
	}
	for _, name := range r.agentNames {
		if strings.HasPrefix(token, name) {
			return name, true
		}
	}
	return "", false
}

// Targets returns the agents a new message from sender should wake in
// channel, applying the loop guard. It returns a loop-guard system
// message (non-empty) the first time the guard trips for a channel.
func (r *Router) Targets(sender, channel, text string) (targets []string, guardMessage string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if strings.TrimSpace(text) == "/continue" {
		r.resetLocked(channel)
		return nil, ""
	}

	mentions := r.ParseMentions(text)

	if !r.isAgent(sender) {
		// Human message: resets the loop guard for this channel.
		r.resetLocked(channel)
		return r.humanTargetsLocked(sender, mentions), ""
	}

	// Agent-authored message. Every one counts as a hop, mentions or
	// not; the counter saturates at maxHops+1 so a paused channel's
	// count stays bounded while agents finish talking.
	if r.hops[channel] <= r.maxHops {
		r.hops[channel]++
	}
	if r.hops[channel] > r.maxHops {
		if !r.guardTripped[channel] {
			r.guardTripped[channel] = true
			guardMessage = fmt.Sprintf("Loop guard paused #%s — type /continue to resume", channel)
		}
		return nil, guardMessage
	}

	var out []string
	for _, name := range mentions {
		if name != sender {
			out = append(out, name)
		}
	}
	return out, ""
}

func (r *Router) humanTargetsLocked(sender string, mentions []string) []string {
	if len(mentions) > 0 {
		return mentions
	}
	switch r.defaultRoute {
	case "all":
		var out []string
		for _, name := range r.agentNames {
			if name != sender {
				out = append(out, name)
			}
		}
		return out
	default:
		return nil
	}
}

// ContinueRouting resets the loop guard for channel, mirroring the
// "/continue" slash command.
func (r *Router) ContinueRouting(channel string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resetLocked(channel)
}

func (r *Router) resetLocked(channel string) {
	r.hops[channel] = 0
	r.guardTripped[channel] = false
}

// ShouldEnqueue reports whether target should receive a fresh trigger
// right now, applying the short dedup window so repeated mentions of
// the same agent within one burst collapse to a single enqueue.
func (r *Router) ShouldEnqueue(target, channel string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := target + "|" + channel
	now := r.clock.Now()
	if last, ok := r.lastEnqueue[key]; ok && now.Sub(last) < DedupWindow {
		return false
	}
	r.lastEnqueue[key] = now
	return true
}
