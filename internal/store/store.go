// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package store provides durable, ordered persistence and change
// notification for messages, decisions, pins, channels, and room
// settings. All state lives in one append-only JSONL log, replayed on
// startup to rebuild in-memory indexes; malformed lines are skipped and
// logged rather than failing startup.
package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/agentchattr/agentchattr/internal/apperr"
)

// DefaultChannel is the reserved channel that always exists and can
// neither be renamed nor deleted.
const DefaultChannel = "general"

// MaxChannels caps the number of channels a single hub tracks; a local
// room with more than a handful stops being readable.
const MaxChannels = 8

// MaxDecisions caps the decision log. Reaching the cap while all
// entries are approved rejects new decisions outright; otherwise the
// oldest proposed decision is evicted to make room.
const MaxDecisions = 30

var channelNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,19}$`)

// MessageType tags a message's role distinct from ordinary chat text.
type MessageType string

const (
	TypeMessage MessageType = "message"
	TypeSystem  MessageType = "system"
	TypeJoin    MessageType = "join"
	TypeLeave   MessageType = "leave"
)

// Attachment describes one uploaded file referenced by a message.
type Attachment struct {
	Path        string `json:"path"`
	DisplayName string `json:"name"`
	URL         string `json:"url"`
}

// Message is an immutable (except for deletion) chat record.
type Message struct {
	ID          int64        `json:"id"`
	Sender      string       `json:"sender"`
	Channel     string       `json:"channel"`
	Text        string       `json:"text"`
	Type        MessageType  `json:"type"`
	Timestamp   float64      `json:"timestamp"`
	Time        string       `json:"time"`
	ReplyTo     *int64       `json:"reply_to,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`
}

// PinStatus is the state of a pinned message.
type PinStatus string

const (
	PinTodo PinStatus = "todo"
	PinDone PinStatus = "done"
)

// DecisionStatus is the lifecycle state of a recorded decision.
type DecisionStatus string

const (
	DecisionProposed DecisionStatus = "proposed"
	DecisionApproved DecisionStatus = "approved"

	// decisionDeleted is an on-disk sentinel only: a decision record
	// carrying it marks removal, so replay converges with the live
	// in-memory state. It never appears in Decisions() output.
	decisionDeleted DecisionStatus = "deleted"
)

// Decision is a short, capped log of team decisions.
type Decision struct {
	ID     int64          `json:"id"`
	Owner  string         `json:"owner"`
	Text   string         `json:"text"`
	Reason string         `json:"reason,omitempty"`
	Status DecisionStatus `json:"status"`
}

// Settings holds room-wide cosmetic state: title, default username
// display, font, history limit, and contrast mode.
type Settings struct {
	Title            string `json:"title"`
	UsernameDisplay  string `json:"username_display"`
	Font             string `json:"font"`
	HistoryLimit     int    `json:"history_limit"`
	HighContrast     bool   `json:"high_contrast"`
}

// DefaultSettings seeds the room-cosmetics record.
func DefaultSettings() Settings {
	return Settings{
		Title:           "agentchattr",
		UsernameDisplay: "sender",
		Font:            "system",
		HistoryLimit:    200,
		HighContrast:    false,
	}
}

// EventKind identifies the category of a store observer notification.
type EventKind string

const (
	EventMessage  EventKind = "msg"
	EventDelete   EventKind = "delete"
	EventChannel  EventKind = "channel"
	EventDecision EventKind = "decision"
	EventPin      EventKind = "pin"
	EventSettings EventKind = "settings"
)

// DeleteEvent carries the set of message ids a Delete call removed.
type DeleteEvent struct {
	Channel string  `json:"channel"`
	IDs     []int64 `json:"ids"`
}

// DecisionEvent describes a decision mutation. All is a snapshot of the
// full decision list after the mutation, so observers never have to call
// back into the store (which would deadlock — observers run under the
// store's write lock).
type DecisionEvent struct {
	Action   string // "add", "update", "delete"
	Decision Decision
	All      []Decision
}

// PinEvent describes a pin mutation, with Pins a snapshot of the full
// pin map after the mutation.
type PinEvent struct {
	MessageID int64
	Status    *PinStatus // nil means cleared
	Pins      map[int64]PinStatus
}

// SettingsEvent describes a settings or hat mutation. Exactly one of
// Settings and Hats is populated.
type SettingsEvent struct {
	Settings *Settings
	Hats     map[string]string
}

// ChannelEvent describes a channel lifecycle change.
type ChannelEvent struct {
	Action string `json:"action"` // "create", "rename", "delete"
	Name   string `json:"name"`
	OldName string `json:"old_name,omitempty"`
}

// Observer is called synchronously, after the durable write succeeds,
// with the event kind and its associated payload. Observers run under
// the store's write lock so subscribers see mutations in the exact
// order ids were assigned; they must not call back into the store.
// Event payloads carry the snapshots an observer would otherwise need
// to read back.
type Observer func(kind EventKind, payload any)

// record is the on-disk envelope for every JSONL line. Only the field
// matching Kind is populated.
type record struct {
	Kind     EventKind        `json:"kind"`
	Message  *Message         `json:"message,omitempty"`
	Delete   *DeleteEvent     `json:"delete,omitempty"`
	Channel  *channelRecord   `json:"channel,omitempty"`
	Decision *Decision        `json:"decision,omitempty"`
	Pin      *pinRecord       `json:"pin,omitempty"`
	Settings *settingsRecord  `json:"settings,omitempty"`
}

type channelRecord struct {
	Action  string `json:"action"`
	Name    string `json:"name"`
	OldName string `json:"old_name,omitempty"`
}

type pinRecord struct {
	MessageID int64      `json:"message_id"`
	Status    *PinStatus `json:"status,omitempty"` // nil means cleared
}

type settingsRecord struct {
	Settings *Settings         `json:"settings,omitempty"`
	Hats     map[string]string `json:"hats,omitempty"`
}

// Store is the durable, in-memory-indexed log of everything agentchattr
// persists. All mutating methods take the same lock, and observers fire
// under it so delivery order matches id assignment order.
type Store struct {
	mu sync.Mutex

	path string
	log  *os.File
	logger *slog.Logger

	nextMessageID  int64
	nextDecisionID int64

	messages []Message // append-ordered, global; ids removed by Delete stay as tombstones, DeleteChannel purges its messages
	deleted  map[int64]bool

	channels map[string]bool // existing channel names
	channelOrder []string

	pins map[int64]PinStatus

	decisions []Decision // append order; id is monotonic but slice may shrink on evict/delete

	settings Settings
	hats     map[string]string // agent name -> sanitized SVG

	observers map[EventKind][]Observer
}

// Open replays path (creating it if absent) and returns a ready Store.
// Malformed lines are skipped and logged rather than aborting startup.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// Ids start at 1 so that 0 is always "nothing": a zero reply_to means
	// no parent and a zero read cursor means nothing seen yet.
	s := &Store{
		path:           path,
		logger:         logger,
		nextMessageID:  1,
		nextDecisionID: 1,
		deleted:   map[int64]bool{},
		channels:  map[string]bool{DefaultChannel: true},
		channelOrder: []string{DefaultChannel},
		pins:      map[int64]PinStatus{},
		settings:  DefaultSettings(),
		hats:      map[string]string{},
		observers: map[EventKind][]Observer{},
	}

	if err := s.replay(); err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "replay store log", err)
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "open store log for append", err)
	}
	s.log = f

	return s, nil
}

func (s *Store) replay() error {
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var rec record
		if err := json.Unmarshal(line, &rec); err != nil {
			s.logger.Warn("skipping malformed store log line", "line", lineNo, "error", err)
			continue
		}
		s.applyRecord(rec)
	}
	return scanner.Err()
}

func (s *Store) applyRecord(rec record) {
	switch rec.Kind {
	case EventMessage:
		if rec.Message == nil {
			return
		}
		s.messages = append(s.messages, *rec.Message)
		if rec.Message.ID >= s.nextMessageID {
			s.nextMessageID = rec.Message.ID + 1
		}
		s.channels[rec.Message.Channel] = true
	case EventDelete:
		if rec.Delete == nil {
			return
		}
		for _, id := range rec.Delete.IDs {
			s.deleted[id] = true
			delete(s.pins, id)
		}
	case EventChannel:
		if rec.Channel == nil {
			return
		}
		switch rec.Channel.Action {
		case "create":
			if !s.channels[rec.Channel.Name] {
				s.channels[rec.Channel.Name] = true
				s.channelOrder = append(s.channelOrder, rec.Channel.Name)
			}
		case "rename":
			delete(s.channels, rec.Channel.OldName)
			s.channels[rec.Channel.Name] = true
			for i, n := range s.channelOrder {
				if n == rec.Channel.OldName {
					s.channelOrder[i] = rec.Channel.Name
				}
			}
			for i := range s.messages {
				if s.messages[i].Channel == rec.Channel.OldName {
					s.messages[i].Channel = rec.Channel.Name
				}
			}
		case "delete":
			delete(s.channels, rec.Channel.Name)
			s.channelOrder = removeString(s.channelOrder, rec.Channel.Name)
			kept := s.messages[:0]
			for _, m := range s.messages {
				if m.Channel == rec.Channel.Name {
					s.deleted[m.ID] = true
					delete(s.pins, m.ID)
					continue
				}
				kept = append(kept, m)
			}
			s.messages = kept
		}
	case EventDecision:
		if rec.Decision == nil {
			return
		}
		s.applyDecision(*rec.Decision)
		if rec.Decision.ID >= s.nextDecisionID {
			s.nextDecisionID = rec.Decision.ID + 1
		}
	case EventPin:
		if rec.Pin == nil {
			return
		}
		if rec.Pin.Status == nil {
			delete(s.pins, rec.Pin.MessageID)
		} else {
			s.pins[rec.Pin.MessageID] = *rec.Pin.Status
		}
	case EventSettings:
		if rec.Settings == nil {
			return
		}
		if rec.Settings.Settings != nil {
			s.settings = *rec.Settings.Settings
		}
		for name, svg := range rec.Settings.Hats {
			s.hats[name] = svg
		}
	}
}

func (s *Store) applyDecision(d Decision) {
	for i, existing := range s.decisions {
		if existing.ID == d.ID {
			if d.Status == decisionDeleted {
				s.decisions = append(s.decisions[:i], s.decisions[i+1:]...)
				return
			}
			s.decisions[i] = d
			return
		}
	}
	if d.Status == decisionDeleted {
		return
	}
	s.decisions = append(s.decisions, d)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// On registers an observer for kind. Observers run synchronously, after
// the triggering write durably lands, in registration order.
func (s *Store) On(kind EventKind, obs Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers[kind] = append(s.observers[kind], obs)
}

func (s *Store) notify(kind EventKind, payload any) {
	for _, obs := range s.observers[kind] {
		obs(kind, payload)
	}
}

func (s *Store) writeRecord(rec record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	data = append(data, '\n')
	if _, err := s.log.Write(data); err != nil {
		return err
	}
	return s.log.Sync()
}

// Append assigns the next id, writes a message record, and returns the
// stored message. The channel defaults to DefaultChannel if empty.
func (s *Store) Append(msg Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Channel == "" {
		msg.Channel = DefaultChannel
	}
	if msg.Type == "" {
		msg.Type = TypeMessage
	}
	msg.ID = s.nextMessageID
	now := time.Now()
	if msg.Timestamp == 0 {
		msg.Timestamp = float64(now.UnixNano()) / 1e9
	}
	if msg.Time == "" {
		msg.Time = now.Format("15:04:05")
	}

	if err := s.writeRecord(record{Kind: EventMessage, Message: &msg}); err != nil {
		return Message{}, apperr.Wrap(apperr.Persistence, "append message", err)
	}

	s.nextMessageID++
	s.messages = append(s.messages, msg)
	s.channels[msg.Channel] = true

	s.notify(EventMessage, msg)
	return msg, nil
}

// Delete removes a set of message ids. Reads will skip them afterward.
// A single delete notification carries the whole set.
func (s *Store) Delete(channel string, ids []int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := DeleteEvent{Channel: channel, IDs: ids}
	if err := s.writeRecord(record{Kind: EventDelete, Delete: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "delete messages", err)
	}
	pinsRemoved := false
	for _, id := range ids {
		s.deleted[id] = true
		if _, pinned := s.pins[id]; pinned {
			delete(s.pins, id)
			pinsRemoved = true
		}
	}
	s.notify(EventDelete, ev)
	if pinsRemoved {
		s.notify(EventPin, PinEvent{Pins: s.pinsLocked()})
	}
	return nil
}

func (s *Store) pinsLocked() map[int64]PinStatus {
	out := make(map[int64]PinStatus, len(s.pins))
	for k, v := range s.pins {
		out[k] = v
	}
	return out
}

func (s *Store) decisionsLocked() []Decision {
	out := make([]Decision, len(s.decisions))
	copy(out, s.decisions)
	return out
}

// Recent returns up to limit visible messages for channel (all channels
// if empty), newest last, in strict global id order.
func (s *Store) Recent(channel string, limit int) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var visible []Message
	for _, m := range s.messages {
		if s.deleted[m.ID] {
			continue
		}
		if channel != "" && m.Channel != channel {
			continue
		}
		visible = append(visible, m)
	}
	if limit > 0 && len(visible) > limit {
		visible = visible[len(visible)-limit:]
	}
	return visible
}

// Since returns all visible messages with id > cursor for channel (all
// channels if empty), in strict global id order.
func (s *Store) Since(cursor int64, channel string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Message
	for _, m := range s.messages {
		if m.ID <= cursor || s.deleted[m.ID] {
			continue
		}
		if channel != "" && m.Channel != channel {
			continue
		}
		out = append(out, m)
	}
	return out
}

// ByID returns a message by id even if it was since removed with Delete
// (callers that need to validate reply_to targets want this). Messages
// purged by DeleteChannel are not found.
func (s *Store) ByID(id int64) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.messages {
		if m.ID == id {
			return m, true
		}
	}
	return Message{}, false
}

// Channels returns the current channel names in creation order.
func (s *Store) Channels() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.channelOrder))
	copy(out, s.channelOrder)
	return out
}

// CreateChannel adds a new channel. Name must match the channel-name
// pattern and the cap must not already be reached.
func (s *Store) CreateChannel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !channelNamePattern.MatchString(name) {
		return apperr.New(apperr.Validation, fmt.Sprintf("invalid channel name %q", name))
	}
	if s.channels[name] {
		return apperr.New(apperr.Validation, fmt.Sprintf("channel %q already exists", name))
	}
	if len(s.channelOrder) >= MaxChannels {
		return apperr.New(apperr.ResourceExhausted, "channel cap reached")
	}

	ev := channelRecord{Action: "create", Name: name}
	if err := s.writeRecord(record{Kind: EventChannel, Channel: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "create channel", err)
	}
	s.channels[name] = true
	s.channelOrder = append(s.channelOrder, name)
	s.notify(EventChannel, ChannelEvent{Action: "create", Name: name})
	return nil
}

// RenameChannel moves messages from old to new atomically. The default
// channel can never be renamed.
func (s *Store) RenameChannel(oldName, newName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if oldName == DefaultChannel {
		return apperr.New(apperr.Validation, "cannot rename the default channel")
	}
	if !s.channels[oldName] {
		return apperr.New(apperr.Validation, fmt.Sprintf("channel %q does not exist", oldName))
	}
	if !channelNamePattern.MatchString(newName) {
		return apperr.New(apperr.Validation, fmt.Sprintf("invalid channel name %q", newName))
	}
	if s.channels[newName] {
		return apperr.New(apperr.Validation, fmt.Sprintf("channel %q already exists", newName))
	}

	ev := channelRecord{Action: "rename", Name: newName, OldName: oldName}
	if err := s.writeRecord(record{Kind: EventChannel, Channel: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "rename channel", err)
	}

	delete(s.channels, oldName)
	s.channels[newName] = true
	for i, n := range s.channelOrder {
		if n == oldName {
			s.channelOrder[i] = newName
		}
	}
	for i := range s.messages {
		if s.messages[i].Channel == oldName {
			s.messages[i].Channel = newName
		}
	}

	s.notify(EventChannel, ChannelEvent{Action: "rename", Name: newName, OldName: oldName})
	return nil
}

// DeleteChannel destructively purges every message in name (no
// tombstone) and cleans up any pins referencing them. The default
// channel can never be deleted.
func (s *Store) DeleteChannel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if name == DefaultChannel {
		return apperr.New(apperr.Validation, "cannot delete the default channel")
	}
	if !s.channels[name] {
		return apperr.New(apperr.Validation, fmt.Sprintf("channel %q does not exist", name))
	}

	ev := channelRecord{Action: "delete", Name: name}
	if err := s.writeRecord(record{Kind: EventChannel, Channel: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "delete channel", err)
	}

	delete(s.channels, name)
	s.channelOrder = removeString(s.channelOrder, name)
	kept := s.messages[:0]
	for _, m := range s.messages {
		if m.Channel == name {
			s.deleted[m.ID] = true
			delete(s.pins, m.ID)
			continue
		}
		kept = append(kept, m)
	}
	s.messages = kept

	s.notify(EventChannel, ChannelEvent{Action: "delete", Name: name})
	return nil
}

// SetPin sets or clears the pin status for messageID. Passing a zero
// PinStatus clears it.
func (s *Store) SetPin(messageID int64, status PinStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var statusPtr *PinStatus
	if status != "" {
		statusPtr = &status
	}
	ev := pinRecord{MessageID: messageID, Status: statusPtr}
	if err := s.writeRecord(record{Kind: EventPin, Pin: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "set pin", err)
	}

	if status == "" {
		delete(s.pins, messageID)
	} else {
		s.pins[messageID] = status
	}
	s.notify(EventPin, PinEvent{MessageID: messageID, Status: statusPtr, Pins: s.pinsLocked()})
	return nil
}

// Pins returns a copy of the current pin map.
func (s *Store) Pins() map[int64]PinStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinsLocked()
}

// AddDecision appends a new proposed decision, evicting the oldest
// proposed decision if the cap is reached. Rejects with
// ResourceExhausted if the cap is reached and every entry is approved.
func (s *Store) AddDecision(owner, text, reason string) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.decisions) >= MaxDecisions {
		evictIdx := -1
		for i, d := range s.decisions {
			if d.Status == DecisionProposed {
				evictIdx = i
				break
			}
		}
		if evictIdx == -1 {
			return Decision{}, apperr.New(apperr.ResourceExhausted, "decision cap reached and all decisions are approved")
		}
		// The eviction is written out too, so replay converges on the
		// same post-eviction list the live store holds.
		evicted := Decision{ID: s.decisions[evictIdx].ID, Status: decisionDeleted}
		if err := s.writeRecord(record{Kind: EventDecision, Decision: &evicted}); err != nil {
			return Decision{}, apperr.Wrap(apperr.Persistence, "evict decision", err)
		}
		s.decisions = append(s.decisions[:evictIdx], s.decisions[evictIdx+1:]...)
	}

	d := Decision{
		ID:     s.nextDecisionID,
		Owner:  owner,
		Text:   text,
		Reason: reason,
		Status: DecisionProposed,
	}
	if err := s.writeRecord(record{Kind: EventDecision, Decision: &d}); err != nil {
		return Decision{}, apperr.Wrap(apperr.Persistence, "add decision", err)
	}

	s.nextDecisionID++
	s.decisions = append(s.decisions, d)
	s.notify(EventDecision, DecisionEvent{Action: "add", Decision: d, All: s.decisionsLocked()})
	return d, nil
}

// SetDecisionStatus updates an existing decision's status (approve or
// unapprove).
func (s *Store) SetDecisionStatus(id int64, status DecisionStatus) (Decision, error) {
	return s.editDecision(id, func(d *Decision) { d.Status = status })
}

// EditDecision updates an existing decision's text/reason in place.
func (s *Store) EditDecision(id int64, text, reason string) (Decision, error) {
	return s.editDecision(id, func(d *Decision) {
		d.Text = text
		d.Reason = reason
	})
}

func (s *Store) editDecision(id int64, mutate func(*Decision)) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, d := range s.decisions {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return Decision{}, apperr.New(apperr.Validation, fmt.Sprintf("decision %d does not exist", id))
	}

	updated := s.decisions[idx]
	mutate(&updated)
	if err := s.writeRecord(record{Kind: EventDecision, Decision: &updated}); err != nil {
		return Decision{}, apperr.Wrap(apperr.Persistence, "edit decision", err)
	}
	s.decisions[idx] = updated
	s.notify(EventDecision, DecisionEvent{Action: "update", Decision: updated, All: s.decisionsLocked()})
	return updated, nil
}

// DeleteDecision removes a decision entirely. The removal is written as
// a decision record carrying the deleted sentinel status, so replay
// drops it the same way the live store does.
func (s *Store) DeleteDecision(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := -1
	for i, d := range s.decisions {
		if d.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		return apperr.New(apperr.Validation, fmt.Sprintf("decision %d does not exist", id))
	}

	removed := s.decisions[idx]
	tombstone := Decision{ID: id, Status: decisionDeleted}
	if err := s.writeRecord(record{Kind: EventDecision, Decision: &tombstone}); err != nil {
		return apperr.Wrap(apperr.Persistence, "delete decision", err)
	}
	s.decisions = append(s.decisions[:idx], s.decisions[idx+1:]...)
	s.notify(EventDecision, DecisionEvent{Action: "delete", Decision: removed, All: s.decisionsLocked()})
	return nil
}

// Decisions returns a copy of the current decision list in id order.
func (s *Store) Decisions() []Decision {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.decisionsLocked()
}

// GetSettings returns the current room settings.
func (s *Store) GetSettings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.settings
}

// SetSettings replaces the room settings.
func (s *Store) SetSettings(settings Settings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := settingsRecord{Settings: &settings}
	if err := s.writeRecord(record{Kind: EventSettings, Settings: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "set settings", err)
	}
	s.settings = settings
	s.notify(EventSettings, SettingsEvent{Settings: &settings})
	return nil
}

// SetHat sets one agent's sanitized hat SVG. Callers are expected to
// have already sanitized svg (see hats.Sanitize); the store itself
// does not parse markup.
func (s *Store) SetHat(agent, svg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	ev := settingsRecord{Hats: map[string]string{agent: svg}}
	if err := s.writeRecord(record{Kind: EventSettings, Settings: &ev}); err != nil {
		return apperr.Wrap(apperr.Persistence, "set hat", err)
	}
	s.hats[agent] = svg
	hats := make(map[string]string, len(s.hats))
	for k, v := range s.hats {
		hats[k] = v
	}
	s.notify(EventSettings, SettingsEvent{Hats: hats})
	return nil
}

// Hats returns a copy of the current agent-hat map.
func (s *Store) Hats() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hats))
	for k, v := range s.hats {
		out[k] = v
	}
	return out
}

// Close flushes and releases the underlying log file.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.log == nil {
		return nil
	}
	return s.log.Close()
}
