// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcpbridge exposes agentchattr's fixed, minimal MCP tool
// surface — chat_send, chat_read, chat_resync, chat_join, chat_who,
// chat_decision, chat_channels, chat_set_hat — over both a
// streamable-HTTP and an SSE transport, authenticated the same way as
// the browser's WebSocket connection.
package mcpbridge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentchattr/agentchattr/internal/hats"
	"github.com/agentchattr/agentchattr/internal/presence"
	"github.com/agentchattr/agentchattr/internal/router"
	"github.com/agentchattr/agentchattr/internal/sessionauth"
	"github.com/agentchattr/agentchattr/internal/store"
	"github.com/agentchattr/agentchattr/internal/trigger"
)

const serverName = "agentchattr"

// Bridge holds the dependencies every tool call dispatches to. It
// writes to the same store the hub reads from; the store's Observer
// mechanism is what fans a bridge-originated write out to connected
// browsers; the bridge itself never talks to the hub directly.
type Bridge struct {
	logger   *slog.Logger
	store    *store.Store
	router   *router.Router
	presence *presence.Tracker
	queues   map[string]*trigger.Queue
	version  string

	mu      sync.Mutex
	cursors map[string]map[string]int64 // sender -> channel ("" = all) -> highest seen id
}

// Config bundles the dependencies a Bridge needs.
type Config struct {
	Logger   *slog.Logger
	Store    *store.Store
	Router   *router.Router
	Presence *presence.Tracker
	Queues   map[string]*trigger.Queue
	Version  string
}

// New constructs a Bridge.
func New(cfg Config) *Bridge {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	return &Bridge{
		logger:   cfg.Logger,
		store:    cfg.Store,
		router:   cfg.Router,
		presence: cfg.Presence,
		queues:   cfg.Queues,
		version:  cfg.Version,
		cursors:  map[string]map[string]int64{},
	}
}

// newMCPServer builds a fresh *mcp.Server with every tool registered
// against b. go-sdk's HTTP handlers call this once per session.
func (b *Bridge) newMCPServer() *mcp.Server {
	server := mcp.NewServer(&mcp.Implementation{Name: serverName, Version: b.version}, nil)
	b.registerTools(server)
	return server
}

// Handler wraps the streamable-HTTP transport in the same session-token
// and Origin checks the browser WebSocket goes through. The SSE transport
// is served separately by SSEHandler.
func (b *Bridge) Handler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server {
		return b.newMCPServer()
	}, nil))
	return sessionauth.Middleware(token, mux)
}

// SSEHandler wraps the SSE transport the same way. agentchattr serves
// it on a separate port (mcp.sse_port) so a health watcher can probe
// HTTP and SSE reachability independently.
func (b *Bridge) SSEHandler(token string) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", mcp.NewSSEHandler(func(*http.Request) *mcp.Server {
		return b.newMCPServer()
	}, nil))
	return sessionauth.Middleware(token, mux)
}

func (b *Bridge) registerTools(server *mcp.Server) {
	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_send",
		Description: "Send a message to the shared chat room. Use @name to mention a specific agent, @all for everyone.",
	}, b.chatSend)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_read",
		Description: "Read new messages since your last read or resync call.",
	}, b.chatRead)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_resync",
		Description: "Fetch the most recent messages and reset your read cursor to the newest of them.",
	}, b.chatResync)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_join",
		Description: "Announce your presence in the chat room and refresh your online status.",
	}, b.chatJoin)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_who",
		Description: "List the agents currently online.",
	}, b.chatWho)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_decision",
		Description: "Propose, approve, unapprove, edit, or delete a tracked decision.",
	}, b.chatDecision)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_channels",
		Description: "List, create, rename, or delete chat channels.",
	}, b.chatChannels)

	mcp.AddTool(server, &mcp.Tool{
		Name:        "chat_set_hat",
		Description: "Set a small decorative SVG hat shown next to your name.",
	}, b.chatSetHat)
}

func textResult(text string, isError bool) (*mcp.CallToolResult, any, error) {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
		IsError: isError,
	}, nil, nil
}

func errorResult(err error) (*mcp.CallToolResult, any, error) {
	return textResult(err.Error(), true)
}

// touch refreshes presence for sender. Every tool that takes a sender
// calls it; chat_decision and chat_channels take no sender and do not
// refresh presence.
func (b *Bridge) touch(sender string) {
	if sender == "" || b.presence == nil {
		return
	}
	b.presence.Seen(sender)
}

type sendArgs struct {
	Sender      string             `json:"sender" jsonschema:"Your agent name"`
	Text        string             `json:"text" jsonschema:"Message text. Use @name to mention another agent."`
	Channel     string             `json:"channel,omitempty" jsonschema:"Channel to post to (default: general)"`
	ReplyTo     int64              `json:"reply_to,omitempty" jsonschema:"Message id this replies to"`
	Attachments []store.Attachment `json:"attachments,omitempty" jsonschema:"Optional image attachments"`
}

func (b *Bridge) chatSend(_ context.Context, _ *mcp.CallToolRequest, args sendArgs) (*mcp.CallToolResult, any, error) {
	b.touch(args.Sender)

	if strings.TrimSpace(args.Text) == "" && len(args.Attachments) == 0 {
		return textResult("message text cannot be empty", true)
	}

	var replyTo *int64
	if args.ReplyTo != 0 {
		if _, ok := b.store.ByID(args.ReplyTo); !ok {
			return textResult(fmt.Sprintf("reply_to #%d does not reference an existing message", args.ReplyTo), true)
		}
		replyTo = &args.ReplyTo
	}

	msg, err := b.store.Append(store.Message{
		Sender:      args.Sender,
		Channel:     args.Channel,
		Text:        args.Text,
		ReplyTo:     replyTo,
		Attachments: args.Attachments,
	})
	if err != nil {
		return errorResult(err)
	}

	b.routeTriggers(msg)

	return textResult(fmt.Sprintf("Sent (id=%d)", msg.ID), false)
}

// routeTriggers is the MCP-side equivalent of the hub's route() — both
// entry points for new messages (browser WebSocket and agent tool
// calls) must apply the same router and loop guard.
func (b *Bridge) routeTriggers(msg store.Message) {
	if b.router == nil {
		return
	}
	targets, guardMessage := b.router.Targets(msg.Sender, msg.Channel, msg.Text)

	if guardMessage != "" {
		if _, err := b.store.Append(store.Message{
			Type:    store.TypeSystem,
			Channel: msg.Channel,
			Text:    guardMessage,
		}); err != nil {
			b.logger.Error("append guard message failed", "error", err)
		}
	}

	for _, target := range targets {
		if !b.router.ShouldEnqueue(target, msg.Channel) {
			continue
		}
		q, ok := b.queues[target]
		if !ok {
			continue
		}
		if err := q.Enqueue(trigger.Entry{Channel: msg.Channel, MessageID: msg.ID}); err != nil {
			b.logger.Error("trigger enqueue failed", "agent", target, "error", err)
		}
	}
}

type readArgs struct {
	Sender  string `json:"sender,omitempty" jsonschema:"Your agent name; omit to read without advancing a cursor"`
	SinceID int64  `json:"since_id,omitempty" jsonschema:"Explicit cursor override; omit to use your last-seen id"`
	Limit   int    `json:"limit,omitempty" jsonschema:"Maximum messages to return when no cursor exists (default 20)"`
	Channel string `json:"channel,omitempty" jsonschema:"Restrict to one channel; omit for all channels"`
}

func (b *Bridge) chatRead(_ context.Context, _ *mcp.CallToolRequest, args readArgs) (*mcp.CallToolResult, any, error) {
	b.touch(args.Sender)

	limit := args.Limit
	if limit <= 0 {
		limit = 20
	}

	var messages []store.Message
	switch {
	case args.SinceID > 0:
		messages = b.store.Since(args.SinceID, args.Channel)
	case args.Sender != "" && b.cursorFor(args.Sender, args.Channel) > 0:
		messages = b.store.Since(b.cursorFor(args.Sender, args.Channel), args.Channel)
	default:
		messages = b.store.Recent(args.Channel, limit)
	}

	if args.Sender != "" {
		b.updateCursor(args.Sender, args.Channel, messages)
	}

	return textResult(serializeMessages(messages), false)
}

type resyncArgs struct {
	Sender  string `json:"sender" jsonschema:"Your agent name"`
	Limit   int    `json:"limit,omitempty" jsonschema:"How many recent messages to fetch (default 50)"`
	Channel string `json:"channel,omitempty" jsonschema:"Restrict to one channel; omit for all channels"`
}

func (b *Bridge) chatResync(_ context.Context, _ *mcp.CallToolRequest, args resyncArgs) (*mcp.CallToolResult, any, error) {
	if args.Sender == "" {
		return textResult("sender is required for resync", true)
	}
	b.touch(args.Sender)

	limit := args.Limit
	if limit <= 0 {
		limit = 50
	}
	messages := b.store.Recent(args.Channel, limit)
	b.resetCursor(args.Sender, args.Channel, messages)

	return textResult(serializeMessages(messages), false)
}

func serializeMessages(messages []store.Message) string {
	if len(messages) == 0 {
		return "No new messages."
	}
	var lines []string
	for _, m := range messages {
		line := fmt.Sprintf("[#%d] %s (%s): %s", m.ID, m.Sender, m.Channel, m.Text)
		if m.ReplyTo != nil {
			line += fmt.Sprintf(" (reply to #%d)", *m.ReplyTo)
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}

func (b *Bridge) cursorFor(sender, channel string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	perChannel, ok := b.cursors[sender]
	if !ok {
		return 0
	}
	return perChannel[channel]
}

func (b *Bridge) updateCursor(sender, channel string, messages []store.Message) {
	if len(messages) == 0 {
		return
	}
	highest := messages[len(messages)-1].ID
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursors[sender] == nil {
		b.cursors[sender] = map[string]int64{}
	}
	if highest > b.cursors[sender][channel] {
		b.cursors[sender][channel] = highest
	}
}

func (b *Bridge) resetCursor(sender, channel string, messages []store.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cursors[sender] == nil {
		b.cursors[sender] = map[string]int64{}
	}
	if len(messages) == 0 {
		b.cursors[sender][channel] = 0
		return
	}
	b.cursors[sender][channel] = messages[len(messages)-1].ID
}

type joinArgs struct {
	Sender string `json:"sender" jsonschema:"Your agent name"`
}

func (b *Bridge) chatJoin(_ context.Context, _ *mcp.CallToolRequest, args joinArgs) (*mcp.CallToolResult, any, error) {
	if args.Sender == "" {
		return textResult("sender is required for join", true)
	}
	// The join system message itself is synthesized by the presence
	// tracker's offline->online transition, so an agent that was already
	// online does not produce a duplicate announcement.
	b.touch(args.Sender)

	online := "none"
	if names := b.presence.Online(); len(names) > 0 {
		online = strings.Join(names, ", ")
	}
	return textResult(fmt.Sprintf("Joined. Online: %s", online), false)
}

type whoArgs struct {
	Sender string `json:"sender,omitempty" jsonschema:"Your agent name; supplying it refreshes your presence (the wrapper's heartbeat relies on this)"`
}

func (b *Bridge) chatWho(_ context.Context, _ *mcp.CallToolRequest, args whoArgs) (*mcp.CallToolResult, any, error) {
	b.touch(args.Sender)

	names := b.presence.Online()
	if len(names) == 0 {
		return textResult("Nobody online.", false)
	}
	return textResult(strings.Join(names, ", "), false)
}

type decisionArgs struct {
	Action     string `json:"action" jsonschema:"One of: propose, approve, unapprove, edit, delete"`
	Owner      string `json:"owner,omitempty" jsonschema:"Decision owner, required for propose"`
	Text       string `json:"text,omitempty" jsonschema:"Decision text, max 80 characters"`
	Reason     string `json:"reason,omitempty" jsonschema:"Optional reason, max 80 characters"`
	DecisionID int64  `json:"decision_id,omitempty" jsonschema:"Target decision id, required for approve/unapprove/edit/delete"`
}

const maxDecisionTextLen = 80

func (b *Bridge) chatDecision(_ context.Context, _ *mcp.CallToolRequest, args decisionArgs) (*mcp.CallToolResult, any, error) {
	switch args.Action {
	case "propose":
		if utf8.RuneCountInString(args.Text) > maxDecisionTextLen || utf8.RuneCountInString(args.Reason) > maxDecisionTextLen {
			return textResult("decision text or reason exceeds 80 characters", true)
		}
		d, err := b.store.AddDecision(args.Owner, args.Text, args.Reason)
		if err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Proposed decision #%d", d.ID), false)
	case "approve":
		if _, err := b.store.SetDecisionStatus(args.DecisionID, store.DecisionApproved); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Approved decision #%d", args.DecisionID), false)
	case "unapprove":
		if _, err := b.store.SetDecisionStatus(args.DecisionID, store.DecisionProposed); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Unapproved decision #%d", args.DecisionID), false)
	case "edit":
		if utf8.RuneCountInString(args.Text) > maxDecisionTextLen || utf8.RuneCountInString(args.Reason) > maxDecisionTextLen {
			return textResult("decision text or reason exceeds 80 characters", true)
		}
		if _, err := b.store.EditDecision(args.DecisionID, args.Text, args.Reason); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Edited decision #%d", args.DecisionID), false)
	case "delete":
		if err := b.store.DeleteDecision(args.DecisionID); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Deleted decision #%d", args.DecisionID), false)
	default:
		return textResult(fmt.Sprintf("unknown action %q", args.Action), true)
	}
}

type channelsArgs struct {
	Action  string `json:"action,omitempty" jsonschema:"One of: list (default), create, rename, delete"`
	Name    string `json:"name,omitempty" jsonschema:"Channel name for create/rename/delete"`
	OldName string `json:"old_name,omitempty" jsonschema:"Existing channel name for rename"`
}

func (b *Bridge) chatChannels(_ context.Context, _ *mcp.CallToolRequest, args channelsArgs) (*mcp.CallToolResult, any, error) {
	switch args.Action {
	case "", "list":
		return textResult(strings.Join(b.store.Channels(), ", "), false)
	case "create":
		if err := b.store.CreateChannel(args.Name); err != nil {
			return errorResult(err)
		}
		if _, err := b.store.Append(store.Message{
			Type:    store.TypeSystem,
			Channel: args.Name,
			Text:    fmt.Sprintf("Channel #%s created", args.Name),
		}); err != nil {
			b.logger.Error("append channel-created message failed", "error", err)
		}
		return textResult(fmt.Sprintf("Created #%s", args.Name), false)
	case "rename":
		if err := b.store.RenameChannel(args.OldName, args.Name); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Renamed #%s to #%s", args.OldName, args.Name), false)
	case "delete":
		if err := b.store.DeleteChannel(args.Name); err != nil {
			return errorResult(err)
		}
		return textResult(fmt.Sprintf("Deleted #%s", args.Name), false)
	default:
		return textResult(fmt.Sprintf("unknown action %q", args.Action), true)
	}
}

type setHatArgs struct {
	Agent string `json:"agent" jsonschema:"Agent name"`
	SVG   string `json:"svg" jsonschema:"Small decorative SVG markup"`
}

func (b *Bridge) chatSetHat(_ context.Context, _ *mcp.CallToolRequest, args setHatArgs) (*mcp.CallToolResult, any, error) {
	b.touch(args.Agent)

	sanitized, err := hats.Sanitize(args.SVG)
	if err != nil {
		return textResult(err.Error(), true)
	}
	if err := b.store.SetHat(args.Agent, sanitized); err != nil {
		return errorResult(err)
	}
	return textResult(fmt.Sprintf("Hat set for %s", args.Agent), false)
}
