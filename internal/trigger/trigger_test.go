// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

package trigger

import (
	"testing"
	"time"

	"github.com/agentchattr/agentchattr/lib/testutil"
)

func TestEnqueueAndRead(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, "claude")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	r, err := NewReader(dir, "claude")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if err := q.Enqueue(Entry{Channel: "general"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	select {
	case e := <-r.Entries():
		if e.Channel != "general" {
			t.Errorf("expected channel=general, got %q", e.Channel)
		}
	case err := <-r.Errors():
		t.Fatalf("unexpected error: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for entry")
	}
}

func TestTruncate_DropsStaleEntries(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, "gemini")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := q.Enqueue(Entry{Channel: "general"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Truncate(); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	r, err := NewReader(dir, "gemini")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	if err := q.Enqueue(Entry{Channel: "dev"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	e := testutil.RequireReceive(t, r.Entries(), 2*time.Second, "waiting for post-truncate entry")
	if e.Channel != "dev" {
		t.Errorf("expected only post-truncate entry \"dev\", got %q", e.Channel)
	}
}

func TestEnqueue_MultipleEntriesDeliveredInOrder(t *testing.T) {
	dir := t.TempDir()

	q, err := Open(dir, "codex")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	r, err := NewReader(dir, "codex")
	if err != nil {
		t.Fatalf("NewReader: %v", err)
	}
	defer r.Close()

	for _, ch := range []string{"general", "dev", "ops"} {
		if err := q.Enqueue(Entry{Channel: ch}); err != nil {
			t.Fatalf("Enqueue(%s): %v", ch, err)
		}
	}

	var got []string
	for i := 0; i < 3; i++ {
		e := testutil.RequireReceive(t, r.Entries(), 2*time.Second, "waiting for entry %d", i)
		got = append(got, e.Channel)
	}

	want := []string{"general", "dev", "ops"}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: got %q want %q", i, got[i], want[i])
		}
	}
}
