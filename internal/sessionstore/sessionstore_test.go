package sessionstore

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coredump-labs/postmortem/internal/errs"
)

func TestSaveLoadDelete(t *testing.T) {
	store, err := Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	rec := Record{SessionID: "sess-1", UserID: "alice", CreatedAt: time.Now().UTC(), LastAccessedAt: time.Now().UTC(), LastServerID: "node-a"}
	if err := store.Save(rec); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := store.Load("sess-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.UserID != "alice" || got.LastServerID != "node-a" {
		t.Errorf("Load = %+v", got)
	}

	if err := store.Delete("sess-1"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Load("sess-1"); err != errs.ErrNotFound {
		t.Errorf("Load after Delete = %v, want ErrNotFound", err)
	}
}

func TestLoadMissingReturnsNotFound(t *testing.T) {
	store, _ := Open(t.TempDir())
	if _, err := store.Load("nope"); err != errs.ErrNotFound {
		t.Errorf("Load(nope) = %v, want ErrNotFound", err)
	}
}

func TestLoadAllSkipsMalformed(t *testing.T) {
	dir := t.TempDir()
	store, _ := Open(dir)
	if err := store.Save(Record{SessionID: "good-1", UserID: "bob"}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "bad.json"), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}
	recs, err := store.LoadAll()
	if err != nil {
		t.Fatalf("LoadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].SessionID != "good-1" {
		t.Errorf("LoadAll = %+v, want one good-1 record", recs)
	}
}

func TestDeleteMissingIsNotError(t *testing.T) {
	store, _ := Open(t.TempDir())
	if err := store.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing record = %v, want nil", err)
	}
}
