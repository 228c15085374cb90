// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package mcpbridge

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/agentchattr/agentchattr/internal/presence"
	"github.com/agentchattr/agentchattr/internal/router"
	"github.com/agentchattr/agentchattr/internal/store"
	"github.com/agentchattr/agentchattr/internal/trigger"
	"github.com/agentchattr/agentchattr/lib/testutil"
)

func newTestBridge(t *testing.T) *Bridge {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "chat_log"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := trigger.Open(dir, "gemini")
	if err != nil {
		t.Fatalf("trigger.Open: %v", err)
	}

	return New(Config{
		Store:    st,
		Router:   router.New(nil, []string{"claude", "gemini"}, "none", 4),
		Presence: presence.New(nil, 0, nil),
		Queues:   map[string]*trigger.Queue{"gemini": q},
	})
}

func TestChatSend_RejectsEmptyText(t *testing.T) {
	b := newTestBridge(t)
	res, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: ""})
	if err != nil {
		t.Fatalf("chatSend: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for empty text")
	}
}

func TestChatSend_RoutesMentionToTriggerQueue(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(filepath.Join(dir, "chat_log"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	q, err := trigger.Open(dir, "gemini")
	if err != nil {
		t.Fatalf("trigger.Open: %v", err)
	}
	reader, err := trigger.NewReader(dir, "gemini")
	if err != nil {
		t.Fatalf("trigger.NewReader: %v", err)
	}
	defer reader.Close()

	b := New(Config{
		Store:    st,
		Router:   router.New(nil, []string{"claude", "gemini"}, "none", 4),
		Presence: presence.New(nil, 0, nil),
		Queues:   map[string]*trigger.Queue{"gemini": q},
	})

	res, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: "hey @gemini look at this"})
	if err != nil || res.IsError {
		t.Fatalf("chatSend failed: err=%v res=%+v", err, res)
	}

	e := testutil.RequireReceive(t, reader.Entries(), 2*time.Second, "waiting for trigger entry")
	if e.Channel != store.DefaultChannel {
		t.Errorf("expected channel %q, got %q", store.DefaultChannel, e.Channel)
	}
}

func TestChatRead_AdvancesCursor(t *testing.T) {
	b := newTestBridge(t)
	if _, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: "first"}); err != nil {
		t.Fatalf("chatSend: %v", err)
	}
	if _, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: "second"}); err != nil {
		t.Fatalf("chatSend: %v", err)
	}

	first, _, err := b.chatRead(context.Background(), nil, readArgs{Sender: "gemini"})
	if err != nil || first.IsError {
		t.Fatalf("first read failed: err=%v res=%+v", err, first)
	}
	firstText := first.Content[0].(*mcp.TextContent).Text
	if !strings.Contains(firstText, "first") || !strings.Contains(firstText, "second") {
		t.Errorf("expected both messages in first read, got %q", firstText)
	}

	second, _, err := b.chatRead(context.Background(), nil, readArgs{Sender: "gemini"})
	if err != nil || second.IsError {
		t.Fatalf("second read failed: err=%v res=%+v", err, second)
	}
	secondText := second.Content[0].(*mcp.TextContent).Text
	if secondText != "No new messages." {
		t.Errorf("expected cursor to have advanced, got %q", secondText)
	}
}

func TestChatResync_ResetsCursorToNewest(t *testing.T) {
	b := newTestBridge(t)
	if _, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: "first"}); err != nil {
		t.Fatalf("chatSend: %v", err)
	}
	if _, _, err := b.chatSend(context.Background(), nil, sendArgs{Sender: "claude", Text: "second"}); err != nil {
		t.Fatalf("chatSend: %v", err)
	}

	res, _, err := b.chatResync(context.Background(), nil, resyncArgs{Sender: "gemini", Limit: 10})
	if err != nil || res.IsError {
		t.Fatalf("resync failed: err=%v res=%+v", err, res)
	}

	readRes, _, err := b.chatRead(context.Background(), nil, readArgs{Sender: "gemini"})
	if err != nil || readRes.IsError {
		t.Fatalf("read after resync failed: err=%v res=%+v", err, readRes)
	}
	if got := readRes.Content[0].(*mcp.TextContent).Text; got != "No new messages." {
		t.Errorf("expected resync to move the cursor to the newest message, got %q", got)
	}
}

func TestChatDecision_ProposeAndApprove(t *testing.T) {
	b := newTestBridge(t)
	res, _, err := b.chatDecision(context.Background(), nil, decisionArgs{Action: "propose", Owner: "claude", Text: "use postgres"})
	if err != nil || res.IsError {
		t.Fatalf("propose failed: err=%v res=%+v", err, res)
	}

	decisions := b.store.Decisions()
	if len(decisions) != 1 {
		t.Fatalf("expected 1 decision, got %d", len(decisions))
	}

	approveRes, _, err := b.chatDecision(context.Background(), nil, decisionArgs{Action: "approve", DecisionID: decisions[0].ID})
	if err != nil || approveRes.IsError {
		t.Fatalf("approve failed: err=%v res=%+v", err, approveRes)
	}
}

func TestChatDecision_RejectsOverlongText(t *testing.T) {
	b := newTestBridge(t)
	long := make([]byte, maxDecisionTextLen+1)
	for i := range long {
		long[i] = 'x'
	}
	res, _, err := b.chatDecision(context.Background(), nil, decisionArgs{Action: "propose", Owner: "claude", Text: string(long)})
	if err != nil {
		t.Fatalf("chatDecision: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected error result for overlong decision text")
	}
}

func TestChatDecision_CountsCharactersNotBytes(t *testing.T) {
	b := newTestBridge(t)

	// 80 runes but 160 bytes: the cap is on characters, so this is the
	// largest accepted decision text.
	text := strings.Repeat("é", maxDecisionTextLen)
	res, _, err := b.chatDecision(context.Background(), nil, decisionArgs{Action: "propose", Owner: "claude", Text: text})
	if err != nil || res.IsError {
		t.Fatalf("expected 80 multibyte characters to be accepted: err=%v res=%+v", err, res)
	}

	over := strings.Repeat("é", maxDecisionTextLen+1)
	res, _, err = b.chatDecision(context.Background(), nil, decisionArgs{Action: "propose", Owner: "claude", Text: over})
	if err != nil {
		t.Fatalf("chatDecision: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected 81 characters to be rejected")
	}
}

func TestChatChannels_CreateRenameDelete(t *testing.T) {
	b := newTestBridge(t)

	if res, _, err := b.chatChannels(context.Background(), nil, channelsArgs{Action: "create", Name: "infra"}); err != nil || res.IsError {
		t.Fatalf("create failed: err=%v res=%+v", err, res)
	}
	if res, _, err := b.chatChannels(context.Background(), nil, channelsArgs{Action: "rename", OldName: "infra", Name: "platform"}); err != nil || res.IsError {
		t.Fatalf("rename failed: err=%v res=%+v", err, res)
	}
	if res, _, err := b.chatChannels(context.Background(), nil, channelsArgs{Action: "delete", Name: "platform"}); err != nil || res.IsError {
		t.Fatalf("delete failed: err=%v res=%+v", err, res)
	}
}

func TestChatSetHat_RejectsUnsafeSVG(t *testing.T) {
	b := newTestBridge(t)
	res, _, err := b.chatSetHat(context.Background(), nil, setHatArgs{Agent: "claude", SVG: "<svg><script>alert(1)</script></svg>"})
	if err != nil {
		t.Fatalf("chatSetHat: %v", err)
	}
	if !res.IsError {
		t.Fatal("expected unsafe svg to be rejected")
	}
}

func TestChatSetHat_AcceptsPlainSVG(t *testing.T) {
	b := newTestBridge(t)
	res, _, err := b.chatSetHat(context.Background(), nil, setHatArgs{Agent: "claude", SVG: `<svg><circle r="2"/></svg>`})
	if err != nil || res.IsError {
		t.Fatalf("chatSetHat failed: err=%v res=%+v", err, res)
	}
	if b.store.Hats()["claude"] == "" {
		t.Fatal("expected hat to be persisted")
	}
}

func TestChatWho_ReflectsJoinedAgents(t *testing.T) {
	b := newTestBridge(t)
	if _, _, err := b.chatJoin(context.Background(), nil, joinArgs{Sender: "claude"}); err != nil {
		t.Fatalf("chatJoin: %v", err)
	}
	res, _, err := b.chatWho(context.Background(), nil, whoArgs{})
	if err != nil || res.IsError {
		t.Fatalf("chatWho failed: err=%v res=%+v", err, res)
	}
	if got := res.Content[0].(*mcp.TextContent).Text; !strings.Contains(got, "claude") {
		t.Errorf("expected joined agent claude in who list, got %q", got)
	}
}
