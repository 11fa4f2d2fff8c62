package dumpstore

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/validate"
)

func TestCreateAndGetMetadata(t *testing.T) {
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("MDMP-fake-dump-bytes")
	meta := Metadata{
		Format:           validate.FormatWindowsMinidump,
		Architecture:     ArchX64,
		OriginalFilename: "crash.dmp",
	}
	if err := s.Create("alice", "dump1", data, meta); err != nil {
		t.Fatalf("Create: %v", err)
	}
	got, err := s.GetMetadata("alice", "dump1")
	if err != nil {
		t.Fatalf("GetMetadata: %v", err)
	}
	if got.ByteSize != int64(len(data)) {
		t.Errorf("ByteSize = %d, want %d", got.ByteSize, len(data))
	}
	if got.UserID != "alice" || got.DumpID != "dump1" {
		t.Errorf("identity mismatch: %+v", got)
	}
	if !s.Exists("alice", "dump1") {
		t.Error("Exists() = false after Create")
	}
	if got.ContentHash == "" {
		t.Error("ContentHash not populated by Create")
	}
	if got.ContentHash != contentHash(data) {
		t.Errorf("ContentHash = %s, want %s", got.ContentHash, contentHash(data))
	}
}

func TestGetMetadataNotFound(t *testing.T) {
	s, _ := Open(t.TempDir())
	_, err := s.GetMetadata("alice", "missing")
	if !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateRejectsHostileIdentifiers(t *testing.T) {
	s, _ := Open(t.TempDir())
	err := s.Create("../escape", "dump1", []byte("x"), Metadata{})
	if !errors.Is(err, errs.ErrInvalidInput) {
		t.Errorf("err = %v, want ErrInvalidInput", err)
	}
}

func TestUpdateMetadata(t *testing.T) {
	s, _ := Open(t.TempDir())
	if err := s.Create("alice", "dump1", []byte("x"), Metadata{}); err != nil {
		t.Fatal(err)
	}
	err := s.UpdateMetadata("alice", "dump1", func(m *Metadata) {
		m.RuntimeVersion = "8.0.1"
		m.SymbolFiles = []string{"a.so", "b.dbg"}
	})
	if err != nil {
		t.Fatalf("UpdateMetadata: %v", err)
	}
	got, err := s.GetMetadata("alice", "dump1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RuntimeVersion != "8.0.1" {
		t.Errorf("RuntimeVersion = %q", got.RuntimeVersion)
	}
	if len(got.SymbolFiles) != 2 {
		t.Errorf("SymbolFiles = %v", got.SymbolFiles)
	}
}

func TestDeleteCascades(t *testing.T) {
	s, _ := Open(t.TempDir())
	if err := s.Create("alice", "dump1", []byte("x"), Metadata{}); err != nil {
		t.Fatal(err)
	}
	symDir := s.SymbolCacheDir("alice", "dump1")
	if err := writeDummyFile(filepath.Join(symDir, "a.so")); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("alice", "dump1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if s.Exists("alice", "dump1") {
		t.Error("Exists() = true after Delete")
	}
	if _, err := s.GetMetadata("alice", "dump1"); !errors.Is(err, errs.ErrNotFound) {
		t.Errorf("GetMetadata after delete = %v, want ErrNotFound", err)
	}
}

func TestListForUser(t *testing.T) {
	s, _ := Open(t.TempDir())
	for _, id := range []string{"d2", "d1", "d3"} {
		if err := s.Create("alice", id, []byte("x"), Metadata{}); err != nil {
			t.Fatal(err)
		}
	}
	ids, err := s.ListForUser("alice")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"d1", "d2", "d3"}
	if len(ids) != len(want) {
		t.Fatalf("ids = %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("ids[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

func TestHasCompleteSymbolInventory(t *testing.T) {
	s, _ := Open(t.TempDir())
	if err := s.Create("alice", "dump1", []byte("x"), Metadata{}); err != nil {
		t.Fatal(err)
	}
	meta, _ := s.GetMetadata("alice", "dump1")
	if s.HasCompleteSymbolInventory("alice", "dump1", meta) {
		t.Error("expected incomplete inventory with no SymbolFiles")
	}
	symDir := s.SymbolCacheDir("alice", "dump1")
	if err := writeDummyFile(filepath.Join(symDir, "libc.so")); err != nil {
		t.Fatal(err)
	}
	meta.SymbolFiles = []string{"libc.so"}
	if !s.HasCompleteSymbolInventory("alice", "dump1", meta) {
		t.Error("expected complete inventory")
	}
	meta.SymbolFiles = append(meta.SymbolFiles, "missing.dbg")
	if s.HasCompleteSymbolInventory("alice", "dump1", meta) {
		t.Error("expected incomplete inventory when a listed file is missing")
	}
}

func writeDummyFile(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte("x"), 0644)
}
