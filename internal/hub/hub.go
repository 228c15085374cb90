// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package hub implements the chat hub: the WebSocket/HTTP server that
// the browser UI and MCP bridge both sit in front of. It owns the
// single synchronous broadcaster per connection, the upload endpoint,
// and the best-effort host-desktop helpers.
package hub

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agentchattr/agentchattr/internal/apperr"
	"github.com/agentchattr/agentchattr/internal/presence"
	"github.com/agentchattr/agentchattr/internal/router"
	"github.com/agentchattr/agentchattr/internal/sessionauth"
	"github.com/agentchattr/agentchattr/internal/store"
	"github.com/agentchattr/agentchattr/internal/trigger"
)

// writeQueueDepth bounds how many pending outgoing frames a connection
// buffers before non-essential events start getting dropped.
const writeQueueDepth = 32

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true }, // handleWebSocket checks Origin before upgrading
}

// Hub wires the store, router, presence tracker, and trigger queues to
// an HTTP/WebSocket surface.
type Hub struct {
	logger   *slog.Logger
	store    *store.Store
	router   *router.Router
	presence *presence.Tracker
	queues   map[string]*trigger.Queue // agent name -> its trigger queue
	uploadDir string
	indexHTML []byte
	token    string

	mu      sync.Mutex
	clients map[*connection]struct{}
}

// Config bundles the dependencies a Hub needs.
type Config struct {
	Logger    *slog.Logger
	Store     *store.Store
	Router    *router.Router
	Presence  *presence.Tracker
	Queues    map[string]*trigger.Queue
	UploadDir string
	IndexHTML []byte
	Token     string
}

// New constructs a Hub from its dependencies.
func New(cfg Config) *Hub {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if len(cfg.IndexHTML) == 0 {
		cfg.IndexHTML = DefaultIndexHTML
	}
	h := &Hub{
		logger:    cfg.Logger,
		store:     cfg.Store,
		router:    cfg.Router,
		presence:  cfg.Presence,
		queues:    cfg.Queues,
		uploadDir: cfg.UploadDir,
		indexHTML: cfg.IndexHTML,
		token:     cfg.Token,
		clients:   map[*connection]struct{}{},
	}
	h.wireStoreObservers()
	return h
}

// wireStoreObservers makes the hub broadcast every store mutation to
// connected browsers, regardless of whether it originated from a
// WebSocket client or from an agent's MCP tool call — both sit in
// front of the same store, and the store's Observer mechanism is the
// one place that sees both.
func (h *Hub) wireStoreObservers() {
	h.store.On(store.EventMessage, func(_ store.EventKind, payload any) {
		h.broadcast(serverFrame{Type: "message", Data: payload.(store.Message)})
	})

	h.store.On(store.EventDelete, func(_ store.EventKind, payload any) {
		h.broadcast(serverFrame{Type: "delete", Data: payload.(store.DeleteEvent).IDs})
	})

	h.store.On(store.EventChannel, func(_ store.EventKind, payload any) {
		ev := payload.(store.ChannelEvent)
		switch ev.Action {
		case "delete":
			h.broadcast(serverFrame{Type: "clear", Data: map[string]string{"channel": ev.Name}})
		case "rename":
			h.broadcast(serverFrame{Type: "channel_renamed", Data: map[string]string{"name": ev.Name, "old_name": ev.OldName}})
		}
		// Creation is announced through the system message the creating
		// handler appends, not a dedicated frame.
	})

	h.store.On(store.EventDecision, func(_ store.EventKind, payload any) {
		ev := payload.(store.DecisionEvent)
		if ev.Action == "delete" {
			h.broadcast(serverFrame{Type: "decisions", Data: ev.All})
			return
		}
		h.broadcast(serverFrame{Type: "decision", Data: ev.Decision})
	})

	h.store.On(store.EventPin, func(_ store.EventKind, payload any) {
		h.broadcast(serverFrame{Type: "todos", Data: payload.(store.PinEvent).Pins})
	})

	h.store.On(store.EventSettings, func(_ store.EventKind, payload any) {
		ev := payload.(store.SettingsEvent)
		if ev.Settings != nil {
			h.broadcast(serverFrame{Type: "settings", Data: *ev.Settings})
		}
		if len(ev.Hats) > 0 {
			h.broadcast(serverFrame{Type: "agents", Data: map[string]any{"hats": ev.Hats}})
		}
	})
}

// BroadcastStatus pushes a presence snapshot to every connected client.
// Called by whoever owns the presence tracker (the hub binary wires the
// tracker's transition callback and the activity endpoint to it).
func (h *Hub) BroadcastStatus(statuses []presence.Status) {
	agents := make([]map[string]any, 0, len(statuses))
	for _, st := range statuses {
		agents = append(agents, map[string]any{
			"name":   st.Name,
			"online": st.Online,
			"busy":   st.Busy,
		})
	}
	h.broadcast(serverFrame{Type: "status", Data: agents})
}

// CloseInvalidToken is the WebSocket close code sent when a connection's
// session token is rejected, signalling the client to reload and pick up
// a fresh token.
const CloseInvalidToken = 4003

// Handler returns the http.Handler for the hub, already wrapped in
// session-token and Origin enforcement. /ws sits outside the HTTP-level
// middleware: a bad token there is reported as close code 4003 on the
// upgraded socket, which browsers can observe (an HTTP 403 on the
// handshake is opaque to browser WebSocket clients).
func (h *Hub) Handler() http.Handler {
	authed := http.NewServeMux()
	authed.HandleFunc("/", h.handleIndex)
	authed.HandleFunc("/api/upload", h.handleUpload)
	authed.HandleFunc("/api/activity", h.handleActivity)
	authed.HandleFunc("/api/open-path", h.handleOpenPath)
	authed.HandleFunc("/api/open-session/", h.handleOpenSession)
	if h.uploadDir != "" {
		authed.Handle("/uploads/", http.StripPrefix("/uploads/", http.FileServer(http.Dir(h.uploadDir))))
	}

	root := http.NewServeMux()
	root.HandleFunc("/ws", h.handleWebSocket)
	root.Handle("/", sessionauth.Middleware(h.token, authed))
	return root
}

// TokenPlaceholder is replaced with the active session token when the
// index page is served, so the browser client boots already
// authenticated.
const TokenPlaceholder = "{{SESSION_TOKEN}}"

// DefaultIndexHTML is the built-in page served when no UI bundle is
// configured: it exposes the session token to whatever client script
// the operator deploys alongside the hub.
var DefaultIndexHTML = []byte(`<!doctype html>
<html>
<head><meta charset="utf-8"><title>agentchattr</title></head>
<body>
<script>window.AGENTCHATTR_TOKEN = "{{SESSION_TOKEN}}";</script>
<p>agentchattr hub is running. Connect a client to /ws.</p>
</body>
</html>
`)

func (h *Hub) handleIndex(w http.ResponseWriter, r *http.Request) {
	// The "/" pattern is a catch-all; anything but the exact index path
	// (including unauthenticated /static/ paths with no registered
	// asset) must not fall through to the token-bearing page.
	if r.Method != http.MethodGet || r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(bytes.ReplaceAll(h.indexHTML, []byte(TokenPlaceholder), []byte(h.token)))
}

// clientFrame is the envelope for every client-to-server WebSocket
// message; only the field matching Type is populated.
type clientFrame struct {
	Type string `json:"type"`

	// message
	Text        string             `json:"text,omitempty"`
	Sender      string             `json:"sender,omitempty"`
	Channel     string             `json:"channel,omitempty"`
	ReplyTo     *int64             `json:"reply_to,omitempty"`
	Attachments []store.Attachment `json:"attachments,omitempty"`

	// update_settings
	Settings *store.Settings `json:"settings,omitempty"`

	// todo_add/toggle/remove
	MessageID int64 `json:"message_id,omitempty"`

	// delete
	IDs []int64 `json:"ids,omitempty"`

	// decision_propose/approve/unapprove/edit/delete
	DecisionID int64  `json:"decision_id,omitempty"`
	Owner      string `json:"owner,omitempty"`
	Reason     string `json:"reason,omitempty"`

	// channel_create/rename/delete
	Name    string `json:"name,omitempty"`
	OldName string `json:"old_name,omitempty"`
}

// serverFrame is the envelope for every server-to-client message.
type serverFrame struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

type connection struct {
	ws     *websocket.Conn
	send   chan serverFrame
	done   chan struct{}
	once   sync.Once
	hub    *Hub
	logger *slog.Logger
}

func (h *Hub) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if origin := r.Header.Get("Origin"); origin != "" && !sessionauth.CheckOrigin(origin) {
		http.Error(w, "forbidden: origin not allowed", http.StatusForbidden)
		return
	}

	tokenOK := sessionauth.Check(h.token, sessionauth.TokenFromRequest(r))

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	if !tokenOK {
		msg := websocket.FormatCloseMessage(CloseInvalidToken, "invalid session token")
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
		ws.Close()
		return
	}

	c := &connection{
		ws:     ws,
		send:   make(chan serverFrame, writeQueueDepth),
		done:   make(chan struct{}),
		hub:    h,
		logger: h.logger,
	}

	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	c.readLoop()

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

// closeWithCode closes the connection with a specific WebSocket close
// code, signalling the client how to react (4003 = reload, invalid
// token).
func (c *connection) closeWithCode(code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(5*time.Second))
	c.close()
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteJSON(frame); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					c.logger.Debug("websocket write failed", "error", err)
				}
				c.close()
				return
			}
		}
	}
}

func (c *connection) readLoop() {
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.sendSystem("malformed message ignored")
			continue
		}
		c.hub.handleClientFrame(c, frame)
	}
}

func (c *connection) sendSystem(text string) {
	c.enqueue(serverFrame{Type: "message", Data: store.Message{
		Type: store.TypeSystem,
		Text: text,
	}})
}

// enqueue delivers frame to this connection's outgoing queue. message
// and delete frames always block (never dropped); everything else is
// dropped if the queue is full, and a persistently full queue for
// these essential kinds closes the connection to prompt a reload.
func (c *connection) enqueue(frame serverFrame) {
	if frame.Type == "message" || frame.Type == "delete" {
		select {
		case c.send <- frame:
		case <-c.done:
		case <-time.After(2 * time.Second):
			c.closeWithCode(websocket.CloseGoingAway, "client too slow")
		}
		return
	}
	select {
	case c.send <- frame:
	default:
	}
}

// broadcast delivers frame to every connected client.
func (h *Hub) broadcast(frame serverFrame) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		c.enqueue(frame)
	}
}

func (h *Hub) handleClientFrame(c *connection, f clientFrame) {
	switch f.Type {
	case "message":
		h.handleMessage(c, f)
	case "delete":
		h.handleDelete(c, f)
	case "update_settings":
		h.handleUpdateSettings(c, f)
	case "todo_add":
		h.handlePin(c, f.MessageID, store.PinTodo)
	case "todo_toggle":
		h.handleTodoToggle(c, f.MessageID)
	case "todo_remove":
		h.handlePin(c, f.MessageID, "")
	case "decision_propose":
		h.handleDecisionPropose(c, f)
	case "decision_approve":
		h.handleDecisionStatus(c, f.DecisionID, store.DecisionApproved)
	case "decision_unapprove":
		h.handleDecisionStatus(c, f.DecisionID, store.DecisionProposed)
	case "decision_edit":
		h.handleDecisionEdit(c, f)
	case "decision_delete":
		h.handleDecisionDelete(c, f.DecisionID)
	case "channel_create":
		h.handleChannelCreate(c, f.Name)
	case "channel_rename":
		h.handleChannelRename(c, f.OldName, f.Name)
	case "channel_delete":
		h.handleChannelDelete(c, f.Name)
	default:
		c.sendSystem(fmt.Sprintf("unknown message type %q ignored", f.Type))
	}
}

func (h *Hub) handleMessage(c *connection, f clientFrame) {
	if f.Text == "" {
		c.sendSystem("empty message ignored")
		return
	}
	if f.ReplyTo != nil {
		if _, ok := h.store.ByID(*f.ReplyTo); !ok {
			c.sendSystem("reply_to references an unknown message")
			return
		}
	}

	msg, err := h.store.Append(store.Message{
		Sender:      f.Sender,
		Channel:     f.Channel,
		Text:        f.Text,
		ReplyTo:     f.ReplyTo,
		Attachments: f.Attachments,
	})
	if err != nil {
		c.sendSystem("failed to persist message")
		h.logger.Error("append failed", "error", err)
		return
	}

	h.route(msg)
}

// route asks the router who should be woken by msg and enqueues one
// trigger entry per target, applying the short-window enqueue dedup.
func (h *Hub) route(msg store.Message) {
	targets, guardMessage := h.router.Targets(msg.Sender, msg.Channel, msg.Text)

	if guardMessage != "" {
		if _, err := h.store.Append(store.Message{
			Type:    store.TypeSystem,
			Channel: msg.Channel,
			Text:    guardMessage,
		}); err != nil {
			h.logger.Error("append guard message failed", "error", err)
		}
	}

	for _, target := range targets {
		if !h.router.ShouldEnqueue(target, msg.Channel) {
			continue
		}
		q, ok := h.queues[target]
		if !ok {
			continue
		}
		if err := q.Enqueue(trigger.Entry{Channel: msg.Channel, MessageID: msg.ID}); err != nil {
			h.logger.Error("trigger enqueue failed", "agent", target, "error", err)
		}
	}
}

func (h *Hub) handleDelete(c *connection, f clientFrame) {
	if err := h.store.Delete(f.Channel, f.IDs); err != nil {
		c.sendSystem("delete failed")
		return
	}
}

func (h *Hub) handleUpdateSettings(c *connection, f clientFrame) {
	if f.Settings == nil {
		return
	}
	if err := h.store.SetSettings(*f.Settings); err != nil {
		c.sendSystem("failed to update settings")
		return
	}
}

func (h *Hub) handlePin(c *connection, id int64, status store.PinStatus) {
	if err := h.store.SetPin(id, status); err != nil {
		c.sendSystem("failed to update pin")
		return
	}
}

func (h *Hub) handleTodoToggle(c *connection, id int64) {
	pins := h.store.Pins()
	next := store.PinTodo
	if pins[id] == store.PinTodo {
		next = store.PinDone
	}
	if err := h.store.SetPin(id, next); err != nil {
		c.sendSystem("failed to toggle pin")
		return
	}
}

const maxDecisionTextLen = 80

func (h *Hub) handleDecisionPropose(c *connection, f clientFrame) {
	if utf8.RuneCountInString(f.Text) > maxDecisionTextLen || utf8.RuneCountInString(f.Reason) > maxDecisionTextLen {
		c.sendSystem("decision text or reason too long")
		return
	}
	if _, err := h.store.AddDecision(f.Owner, f.Text, f.Reason); err != nil {
		if apperr.Is(err, apperr.ResourceExhausted) {
			c.sendSystem("decision cap reached")
		} else {
			c.sendSystem("failed to record decision")
		}
		return
	}
}

func (h *Hub) handleDecisionStatus(c *connection, id int64, status store.DecisionStatus) {
	if _, err := h.store.SetDecisionStatus(id, status); err != nil {
		c.sendSystem("failed to update decision")
		return
	}
}

func (h *Hub) handleDecisionEdit(c *connection, f clientFrame) {
	if utf8.RuneCountInString(f.Text) > maxDecisionTextLen || utf8.RuneCountInString(f.Reason) > maxDecisionTextLen {
		c.sendSystem("decision text or reason too long")
		return
	}
	if _, err := h.store.EditDecision(f.DecisionID, f.Text, f.Reason); err != nil {
		c.sendSystem("failed to edit decision")
		return
	}
}

func (h *Hub) handleDecisionDelete(c *connection, id int64) {
	if err := h.store.DeleteDecision(id); err != nil {
		c.sendSystem("failed to delete decision")
		return
	}
}

func (h *Hub) handleChannelCreate(c *connection, name string) {
	if err := h.store.CreateChannel(name); err != nil {
		c.sendSystem(apperr.KindOf(err).String() + ": " + err.Error())
		return
	}
	if _, err := h.store.Append(store.Message{
		Type:    store.TypeSystem,
		Channel: name,
		Text:    fmt.Sprintf("Channel #%s created", name),
	}); err != nil {
		h.logger.Error("append channel-created message failed", "error", err)
	}
}

func (h *Hub) handleChannelRename(c *connection, oldName, newName string) {
	if err := h.store.RenameChannel(oldName, newName); err != nil {
		c.sendSystem("failed to rename channel")
		return
	}
}

func (h *Hub) handleChannelDelete(c *connection, name string) {
	if err := h.store.DeleteChannel(name); err != nil {
		c.sendSystem("failed to delete channel")
		return
	}
}

// handleUpload accepts an image, stores it under uploadDir with a
// uuid-prefixed filename (avoiding collisions and path traversal from
// client-supplied names), and returns {path, name, url}.
func (h *Hub) handleUpload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}

	file, header, err := r.FormFile("image")
	if err != nil {
		http.Error(w, "missing image field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := filepath.Ext(header.Filename)
	name := uuid.NewString() + ext
	dest := filepath.Join(h.uploadDir, name)

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}
	defer out.Close()

	if _, err := io.Copy(out, file); err != nil {
		http.Error(w, "failed to store upload", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{
		"path": dest,
		"name": header.Filename,
		"url":  "/uploads/" + name,
	})
}

// activityRequest is the wrapper's explicit busy/idle notification: the
// activity watcher posts one on every busy transition it observes in
// the agent's terminal.
type activityRequest struct {
	Agent string `json:"agent"`
	Busy  bool   `json:"busy"`
}

func (h *Hub) handleActivity(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req activityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Agent == "" {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	h.presence.SetBusy(req.Agent, req.Busy)
	h.BroadcastStatus(h.presence.Statuses())
	w.WriteHeader(http.StatusNoContent)
}

// openPathRequest mirrors the browser's best-effort "reveal in file
// manager" call.
type openPathRequest struct {
	Path string `json:"path"`
}

// handleOpenPath asks the host desktop to reveal a path. Only paths the
// server can statically classify as local (under uploadDir, the only
// directory this process writes files a user would want to reveal) are
// accepted — this is a best-effort convenience, not a general file
// browser.
func (h *Hub) handleOpenPath(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	var req openPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request", http.StatusBadRequest)
		return
	}

	abs, err := filepath.Abs(req.Path)
	if err != nil || !isUnder(h.uploadDir, abs) {
		http.Error(w, "path not recognized as local", http.StatusBadRequest)
		return
	}

	if err := revealPath(abs); err != nil {
		h.logger.Warn("reveal path failed", "path", abs, "error", err)
		http.Error(w, "could not reveal path", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func isUnder(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}

// handleOpenSession answers POST /api/open-session/<agent>. It checks
// that agent is a configured agent (404 otherwise) and replies 202
// Accepted. It does not focus, attach to or otherwise act on the
// agent's tmux session, which the wrapper owns.
func (h *Hub) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.NotFound(w, r)
		return
	}
	agent := filepath.Base(r.URL.Path)
	if _, ok := h.queues[agent]; !ok {
		http.Error(w, "unknown agent", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
