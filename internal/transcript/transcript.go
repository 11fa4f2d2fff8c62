// Package transcript implements the Transcript Store: an append-only JSONL
// record of CLI/LLM interactions against a session, redacted before it
// ever touches disk, with scoped tail reads for replay and a filter-in-place
// operation for retroactive redaction or entry removal.
package transcript

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/coredump-labs/postmortem/internal/redaction"
	"github.com/coredump-labs/postmortem/internal/validate"
)

// Kind distinguishes the origin of a transcript entry.
type Kind string

const (
	KindCommand  Kind = "command"
	KindResponse Kind = "response"
	KindNote     Kind = "note"
)

// Scope ties an entry to the server/session/dump it occurred under, so a
// shared transcript file can be tailed for just one of them.
type Scope struct {
	ServerURL string `json:"server_url,omitempty"`
	SessionID string `json:"session_id,omitempty"`
	DumpID    string `json:"dump_id,omitempty"`
}

// Entry is one append-only transcript record.
type Entry struct {
	Timestamp      time.Time `json:"timestamp"`
	Kind           Kind      `json:"kind"`
	Text           string    `json:"text"`
	CapturedOutput string    `json:"captured_output,omitempty"`
	Scope          Scope     `json:"scope,omitempty"`
}

// Store is the on-disk transcript store, one file per session under root.
type Store struct {
	root     string
	redactor *redaction.Engine
}

// Open returns a Store rooted at dir, creating it if necessary. redactor
// may be nil, in which case entries are appended unredacted.
func Open(dir string, redactor *redaction.Engine) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{root: dir, redactor: redactor}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".jsonl")
}

// Append redacts entry's text fields (if a redactor is configured) and
// appends it as one JSON line. Safe under concurrent callers at line
// granularity: each Append opens in append mode and writes in one syscall
// for typical entry sizes.
func (s *Store) Append(sessionID string, entry Entry) error {
	if err := validate.Identifier("sessionId", sessionID); err != nil {
		return err
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if s.redactor != nil {
		entry.Text = s.redactor.Redact(entry.Text)
		entry.CapturedOutput = s.redactor.Redact(entry.CapturedOutput)
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path(sessionID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.Write(append(line, '\n'))
	return err
}

// Tail returns the last n entries for sessionID, optionally filtered to
// entries whose Scope.DumpID matches dumpIDFilter (empty means no filter).
// Malformed lines are skipped rather than failing the whole read.
func (s *Store) Tail(sessionID string, n int, dumpIDFilter string) ([]Entry, error) {
	if err := validate.Identifier("sessionId", sessionID); err != nil {
		return nil, err
	}
	entries, err := s.readAll(sessionID)
	if err != nil {
		return nil, err
	}
	if dumpIDFilter != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if e.Scope.DumpID == dumpIDFilter {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	if n > 0 && len(entries) > n {
		entries = entries[len(entries)-n:]
	}
	return entries, nil
}

func (s *Store) readAll(sessionID string) ([]Entry, error) {
	f, err := os.Open(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, scanner.Err()
}

// FilterInPlace rewrites a session's transcript, keeping only entries for
// which keep returns true. Uses copy-to-temp-then-rename so a concurrent
// tail read never observes a half-written file.
func (s *Store) FilterInPlace(sessionID string, keep func(Entry) bool) error {
	if err := validate.Identifier("sessionId", sessionID); err != nil {
		return err
	}
	entries, err := s.readAll(sessionID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.root, sessionID+".filter-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	w := bufio.NewWriter(tmp)
	for _, e := range entries {
		if !keep(e) {
			continue
		}
		line, err := json.Marshal(e)
		if err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
		if _, err := w.Write(append(line, '\n')); err != nil {
			tmp.Close()
			os.Remove(tmpPath)
			return err
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, s.path(sessionID)); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("transcript: rename filtered file: %w", err)
	}
	return nil
}

// Delete removes a session's transcript file entirely. A missing file is
// not an error.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
