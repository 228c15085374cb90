// Copyright 2026 The agentchattr Authors
// SPDX-License-Identifier: Apache-2.0

// Package trigger implements the per-agent trigger queue: one
// append-only file per agent, written by the router and read by that
// agent's wrapper. The file's monotonic offset is the cross-process
// coordination primitive — no locking is needed between the single
// writer and single reader.
package trigger

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/agentchattr/agentchattr/internal/apperr"
)

// Entry is one queued wake-up for an agent.
type Entry struct {
	Channel   string    `json:"channel"`
	MessageID int64     `json:"message_id,omitempty"`
	Time      time.Time `json:"time"`
}

// Queue is the append-only trigger file for one agent.
type Queue struct {
	path string
}

func queuePath(dataDir, agent string) string {
	return filepath.Join(dataDir, fmt.Sprintf("%s_queue", agent))
}

// Open returns a Queue bound to agent's queue file under dataDir,
// creating the file if it does not yet exist.
func Open(dataDir, agent string) (*Queue, error) {
	path := queuePath(dataDir, agent)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "open trigger queue", err)
	}
	f.Close()
	return &Queue{path: path}, nil
}

// Enqueue appends one entry. Called only by the router.
func (q *Queue) Enqueue(e Entry) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal trigger entry: %w", err)
	}
	data = append(data, '\n')

	f, err := os.OpenFile(q.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "open trigger queue for append", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return apperr.Wrap(apperr.Persistence, "append trigger entry", err)
	}
	return f.Sync()
}

// Truncate drops all stale entries, called once by the wrapper at
// startup to discard triggers left over from a crashed prior session.
func (q *Queue) Truncate() error {
	f, err := os.OpenFile(q.path, os.O_TRUNC|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return apperr.Wrap(apperr.Persistence, "truncate trigger queue", err)
	}
	return f.Close()
}

// Reader tails a Queue from its current end, delivering newly appended
// entries as they land. It is the sole reader for its agent; only one
// Reader should be open on a queue at a time.
type Reader struct {
	path   string
	offset int64

	watcher *fsnotify.Watcher
	entries chan Entry
	errs    chan error
	stop    chan struct{}
	done    chan struct{}
}

// NewReader opens a Reader positioned at the current end of the queue
// file (entries written before NewReader is called are not replayed —
// Truncate is expected to have already dropped anything stale).
func NewReader(dataDir, agent string) (*Reader, error) {
	path := queuePath(dataDir, agent)

	info, err := os.Stat(path)
	var offset int64
	if err == nil {
		offset = info.Size()
	} else if !os.IsNotExist(err) {
		return nil, apperr.Wrap(apperr.Persistence, "stat trigger queue", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, apperr.Wrap(apperr.Persistence, "create trigger queue watcher", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return nil, apperr.Wrap(apperr.Persistence, "watch trigger queue directory", err)
	}

	r := &Reader{
		path:    path,
		offset:  offset,
		watcher: watcher,
		entries: make(chan Entry, 16),
		errs:    make(chan error, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.run()
	return r, nil
}

// Entries delivers newly appended trigger entries as they are
// observed.
func (r *Reader) Entries() <-chan Entry { return r.entries }

// Errors delivers non-fatal read errors (e.g. a torn line read before
// the writer finished its append); the reader keeps running.
func (r *Reader) Errors() <-chan error { return r.errs }

// Close stops watching and releases the underlying file-system watch.
func (r *Reader) Close() error {
	close(r.stop)
	<-r.done
	return r.watcher.Close()
}

func (r *Reader) run() {
	defer close(r.done)
	defer close(r.entries)

	r.poll() // catch anything appended between Stat and watcher.Add

	for {
		select {
		case <-r.stop:
			return
		case event, ok := <-r.watcher.Events:
			if !ok {
				return
			}
			if event.Name == r.path && (event.Op&(fsnotify.Write|fsnotify.Create) != 0) {
				r.poll()
			}
		case err, ok := <-r.watcher.Errors:
			if !ok {
				return
			}
			select {
			case r.errs <- err:
			default:
			}
		}
	}
}

// poll reads everything appended since the last offset, but only
// consumes up to the last newline — a torn write in progress leaves an
// unterminated final line, which stays unconsumed until the writer
// finishes it on the next poll.
func (r *Reader) poll() {
	f, err := os.Open(r.path)
	if err != nil {
		if !os.IsNotExist(err) {
			select {
			case r.errs <- err:
			default:
			}
		}
		return
	}
	defer f.Close()

	if _, err := f.Seek(r.offset, io.SeekStart); err != nil {
		select {
		case r.errs <- err:
		default:
		}
		return
	}

	buf, err := io.ReadAll(f)
	if err != nil {
		select {
		case r.errs <- err:
		default:
		}
		return
	}

	lastNewline := bytes.LastIndexByte(buf, '\n')
	if lastNewline < 0 {
		return
	}

	scanner := bufio.NewScanner(bytes.NewReader(buf[:lastNewline+1]))
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			select {
			case r.errs <- fmt.Errorf("malformed trigger entry: %w", err):
			default:
			}
			continue
		}
		select {
		case r.entries <- e:
		case <-r.stop:
			// Shutting down; leave the offset as-is, the entries were
			// stale the moment the sole reader went away.
			return
		}
	}
	r.offset += int64(lastNewline + 1)
}
