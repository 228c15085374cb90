// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package hub

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/agentchattr/agentchattr/internal/presence"
	"github.com/agentchattr/agentchattr/internal/router"
	"github.com/agentchattr/agentchattr/internal/store"
	"github.com/agentchattr/agentchattr/internal/trigger"
)

const testToken = "test-token"

func newTestHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	dir := t.TempDir()

	st, err := store.Open(filepath.Join(dir, "chat_log"), nil)
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	r := router.New(nil, []string{"claude"}, "none", 4)
	pr := presence.New(nil, 0, nil)

	q, err := trigger.Open(dir, "claude")
	if err != nil {
		t.Fatalf("trigger.Open: %v", err)
	}

	h := New(Config{
		Store:     st,
		Router:    r,
		Presence:  pr,
		Queues:    map[string]*trigger.Queue{"claude": q},
		UploadDir: dir,
		IndexHTML: []byte("<html></html>"),
		Token:     testToken,
	})

	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func dialWS(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"
	u.RawQuery = "token=" + testToken

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestWebSocket_BadTokenClosesWith4003(t *testing.T) {
	_, srv := newTestHub(t)

	u, _ := url.Parse(srv.URL)
	u.Scheme = "ws"
	u.Path = "/ws"

	// The handshake succeeds; the rejection arrives as close code 4003
	// so browser clients can react by reloading.
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("expected handshake to succeed, got %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err = conn.ReadMessage()
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if !websocket.IsCloseError(err, CloseInvalidToken) {
		t.Errorf("expected close code %d, got %v", CloseInvalidToken, err)
	}
}

func TestWebSocket_MessageBroadcasts(t *testing.T) {
	_, srv := newTestHub(t)
	conn := dialWS(t, srv)
	defer conn.Close()

	if err := conn.WriteJSON(clientFrame{Type: "message", Sender: "alice", Text: "hi @claude"}); err != nil {
		t.Fatalf("WriteJSON: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	var frame serverFrame
	if err := conn.ReadJSON(&frame); err != nil {
		t.Fatalf("ReadJSON: %v", err)
	}
	if frame.Type != "message" {
		t.Errorf("expected message frame, got %q", frame.Type)
	}
}

func TestUpload_StoresFileAndReturnsURL(t *testing.T) {
	_, srv := newTestHub(t)

	body := &strings.Builder{}
	body.WriteString("--X\r\nContent-Disposition: form-data; name=\"image\"; filename=\"cat.png\"\r\nContent-Type: image/png\r\n\r\nbinarydata\r\n--X--\r\n")

	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/upload?token="+testToken, strings.NewReader(body.String()))
	req.Header.Set("Content-Type", "multipart/form-data; boundary=X")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("upload request: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestIndex_RejectsMissingToken(t *testing.T) {
	_, srv := newTestHub(t)

	resp, err := http.Get(srv.URL + "/")
	if err != nil {
		t.Fatalf("GET /: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("expected 403 without token, got %d", resp.StatusCode)
	}
}
