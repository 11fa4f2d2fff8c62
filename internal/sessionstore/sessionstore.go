// Package sessionstore implements the Persistent Session Store: one JSON
// document per session under a shared storage path, so a session survives
// process restart and cross-node failover.
package sessionstore

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/coredump-labs/postmortem/internal/atomicfile"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/validate"
)

// Record is the persisted document for one session.
type Record struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	CreatedAt      time.Time `json:"created_at"`
	LastAccessedAt time.Time `json:"last_accessed_at"`
	CurrentDumpID  string    `json:"current_dump_id,omitempty"`
	DumpPath       string    `json:"dump_path,omitempty"`
	ExecutablePath string    `json:"executable_path,omitempty"`
	LastServerID   string    `json:"last_server_id"`
}

// Store is the on-disk session store rooted at <root>/<sessionId>.json.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &Store{root: dir}, nil
}

func (s *Store) path(sessionID string) string {
	return filepath.Join(s.root, sessionID+".json")
}

// Save writes rec atomically, overwriting any prior record for the same
// session id.
func (s *Store) Save(rec Record) error {
	if err := validate.Identifier("sessionId", rec.SessionID); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	return atomicfile.Write(s.path(rec.SessionID), data, 0600)
}

// Load reads a single session record. Returns errs.ErrNotFound if absent.
func (s *Store) Load(sessionID string) (*Record, error) {
	if err := validate.Identifier("sessionId", sessionID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errs.ErrNotFound
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Delete removes a session's persisted record. A missing record is not an
// error — Close and Cleanup both call this unconditionally.
func (s *Store) Delete(sessionID string) error {
	err := os.Remove(s.path(sessionID))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// LoadAll reads every session record under root, skipping any file that
// fails to parse (a malformed or partially-written record is logged and
// ignored rather than aborting the whole scan).
func (s *Store) LoadAll() ([]Record, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var out []Record
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		rec, err := readRecordFile(filepath.Join(s.root, e.Name()))
		if err != nil {
			logger.Warn("sessionstore: skipping malformed record", "file", e.Name(), "err", err)
			continue
		}
		out = append(out, *rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SessionID < out[j].SessionID })
	return out, nil
}

func readRecordFile(path string) (*Record, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
