// Package dumpstore implements the content-addressed on-disk layout for
// uploaded memory dumps: one immutable dump file plus a sidecar metadata
// document per (userId, dumpId), per the persisted-state layout contract.
package dumpstore

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/coredump-labs/postmortem/internal/atomicfile"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/validate"
)

// Format mirrors validate.Format; re-exported so callers only import one
// package for the dump lifecycle.
type Format = validate.Format

// Architecture is the detected CPU architecture of a dump.
type Architecture string

const (
	ArchX64   Architecture = "x64"
	ArchARM64 Architecture = "arm64"
	ArchX86   Architecture = "x86"
	ArchARM   Architecture = "arm"
)

// Metadata is the sidecar JSON document stored next to every dump file. It
// is mutated only through UpdateMetadata (symbol-file inventory, runtime
// version) — never by direct field assignment from outside this package,
// so every write goes through the atomic-rename writer.
type Metadata struct {
	UserID           string       `json:"user_id"`
	DumpID           string       `json:"dump_id"`
	ByteSize         int64        `json:"byte_size"`
	Format           Format       `json:"format"`
	Architecture     Architecture `json:"architecture,omitempty"`
	RuntimeVersion   string       `json:"runtime_version,omitempty"`
	IsMusl           bool         `json:"is_musl"`
	OriginalFilename string       `json:"original_filename,omitempty"`
	Description      string       `json:"description,omitempty"`
	UploadedAt       time.Time    `json:"uploaded_at"`

	// SymbolFiles is the recursive inventory of the symbol cache from the
	// last successful acquisition, relative to the symbol cache root.
	// Presence of a complete inventory lets the open path skip a redundant
	// download (see internal/symbols).
	SymbolFiles []string `json:"symbol_files,omitempty"`

	// ExecutableForStandaloneApp is an optional sidecar-recorded path (set
	// by the analyzer or by upload) to a host executable to use when
	// reopening this dump, so session restore doesn't have to guess.
	ExecutableForStandaloneApp string `json:"executable_for_standalone_app,omitempty"`

	// ContentHash is a blake2b-256 fingerprint of the uploaded bytes,
	// computed on Create. Cheaper than sha256 at the throughput large
	// dump uploads need, and used as the symbol cache's "is this artifact
	// already present" fast-path key.
	ContentHash string `json:"content_hash,omitempty"`
}

// Store is the on-disk dump store rooted at a single directory, laid out
// as <root>/<userId>/<dumpId>.dmp and <root>/<userId>/<dumpId>.json.
type Store struct {
	root string
}

// Open returns a Store rooted at dir, creating it if necessary.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("dumpstore: create root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) userDir(userID string) string {
	return filepath.Join(s.root, userID)
}

// DumpPath returns the on-disk path of the dump file. Never exposed outside
// the server process, per the upload contract.
func (s *Store) DumpPath(userID, dumpID string) string {
	return filepath.Join(s.userDir(userID), dumpID+".dmp")
}

func (s *Store) metadataPath(userID, dumpID string) string {
	return filepath.Join(s.userDir(userID), dumpID+".json")
}

// SymbolCacheDir returns the per-dump symbol cache directory, matching the
// persisted layout's ".symbols_<dumpId>" convention.
func (s *Store) SymbolCacheDir(userID, dumpID string) string {
	return filepath.Join(s.userDir(userID), ".symbols_"+dumpID)
}

// Create writes a new dump's bytes and sidecar metadata atomically. data is
// the full dump content (callers are expected to have already validated its
// size and magic bytes before reaching here). Returns errs.ErrInvalidInput
// if userID or dumpID fail identifier sanitization.
func (s *Store) Create(userID, dumpID string, data []byte, meta Metadata) error {
	if err := validate.Identifier("userId", userID); err != nil {
		return err
	}
	if err := validate.Identifier("dumpId", dumpID); err != nil {
		return err
	}
	if err := os.MkdirAll(s.userDir(userID), 0755); err != nil {
		return fmt.Errorf("dumpstore: create user dir: %w", err)
	}

	meta.UserID = userID
	meta.DumpID = dumpID
	meta.ByteSize = int64(len(data))
	if meta.UploadedAt.IsZero() {
		meta.UploadedAt = time.Now().UTC()
	}
	meta.ContentHash = contentHash(data)

	dumpPath := s.DumpPath(userID, dumpID)
	if err := atomicfile.Write(dumpPath, data, 0600); err != nil {
		return fmt.Errorf("dumpstore: write dump: %w", err)
	}
	if err := s.writeMetadata(userID, dumpID, &meta); err != nil {
		os.Remove(dumpPath)
		return err
	}
	return nil
}

// contentHash returns the blake2b-256 digest of data, hex-encoded.
func contentHash(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// GetMetadata loads the sidecar metadata for a dump. Returns
// errs.ErrNotFound if it does not exist.
func (s *Store) GetMetadata(userID, dumpID string) (*Metadata, error) {
	if err := validate.Identifier("userId", userID); err != nil {
		return nil, err
	}
	if err := validate.Identifier("dumpId", dumpID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.metadataPath(userID, dumpID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("dump %s/%s: %w", userID, dumpID, errs.ErrNotFound)
		}
		return nil, fmt.Errorf("dumpstore: read metadata: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("dumpstore: parse metadata: %w", err)
	}
	return &meta, nil
}

// Exists reports whether a dump's file and sidecar both exist on disk.
func (s *Store) Exists(userID, dumpID string) bool {
	if _, err := os.Stat(s.DumpPath(userID, dumpID)); err != nil {
		return false
	}
	if _, err := os.Stat(s.metadataPath(userID, dumpID)); err != nil {
		return false
	}
	return true
}

// UpdateMetadata loads the current sidecar, applies mutate, and writes it
// back atomically. mutate must not change UserID, DumpID, or ByteSize.
func (s *Store) UpdateMetadata(userID, dumpID string, mutate func(*Metadata)) error {
	meta, err := s.GetMetadata(userID, dumpID)
	if err != nil {
		return err
	}
	mutate(meta)
	return s.writeMetadata(userID, dumpID, meta)
}

func (s *Store) writeMetadata(userID, dumpID string, meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("dumpstore: marshal metadata: %w", err)
	}
	if err := atomicfile.Write(s.metadataPath(userID, dumpID), data, 0600); err != nil {
		return fmt.Errorf("dumpstore: write metadata: %w", err)
	}
	return nil
}

// Delete removes a dump's file, sidecar, and symbol cache tree. Cascades as
// required by the data model's delete lifecycle.
func (s *Store) Delete(userID, dumpID string) error {
	if err := validate.Identifier("userId", userID); err != nil {
		return err
	}
	if err := validate.Identifier("dumpId", dumpID); err != nil {
		return err
	}
	if !s.Exists(userID, dumpID) {
		return fmt.Errorf("dump %s/%s: %w", userID, dumpID, errs.ErrNotFound)
	}
	var firstErr error
	for _, p := range []string{s.DumpPath(userID, dumpID), s.metadataPath(userID, dumpID)} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) && firstErr == nil {
			firstErr = err
		}
	}
	if err := os.RemoveAll(s.SymbolCacheDir(userID, dumpID)); err != nil && firstErr == nil {
		firstErr = err
	}
	if firstErr != nil {
		return fmt.Errorf("dumpstore: delete %s/%s: %w", userID, dumpID, firstErr)
	}
	return nil
}

// ListUsers returns every user id with at least one dump, sorted, by
// scanning the store root for per-user directories. Used by metaindex
// rebuilds, which otherwise have no way to enumerate users.
func (s *Store) ListUsers() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dumpstore: list users: %w", err)
	}
	var users []string
	for _, e := range entries {
		if e.IsDir() {
			users = append(users, e.Name())
		}
	}
	sort.Strings(users)
	return users, nil
}

// ListForUser returns the dump ids owned by userID, sorted, by scanning for
// sidecar files. Used by the admin surface and by metaindex rebuilds.
func (s *Store) ListForUser(userID string) ([]string, error) {
	if err := validate.Identifier("userId", userID); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.userDir(userID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("dumpstore: list %s: %w", userID, err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() && len(name) > 5 && name[len(name)-5:] == ".json" {
			ids = append(ids, name[:len(name)-5])
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// HasCompleteSymbolInventory reports whether every file in meta.SymbolFiles
// exists under the dump's symbol cache directory, the fast-path check that
// lets symbol acquisition be skipped entirely.
func (s *Store) HasCompleteSymbolInventory(userID, dumpID string, meta *Metadata) bool {
	if len(meta.SymbolFiles) == 0 {
		return false
	}
	root := s.SymbolCacheDir(userID, dumpID)
	for _, rel := range meta.SymbolFiles {
		if _, err := os.Stat(filepath.Join(root, rel)); err != nil {
			return false
		}
	}
	return true
}
