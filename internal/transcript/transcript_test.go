package transcript

import (
	"testing"

	"github.com/coredump-labs/postmortem/internal/redaction"
)

func TestAppendAndTail(t *testing.T) {
	store, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 5; i++ {
		if err := store.Append("sess-1", Entry{Kind: KindCommand, Text: "bt all", Scope: Scope{DumpID: "dump-a"}}); err != nil {
			t.Fatalf("Append: %v", err)
		}
	}
	entries, err := store.Tail("sess-1", 2, "")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("Tail(n=2) returned %d entries", len(entries))
	}
}

func TestTailMissingSessionReturnsEmpty(t *testing.T) {
	store, _ := Open(t.TempDir(), nil)
	entries, err := store.Tail("nope", 10, "")
	if err != nil {
		t.Fatalf("Tail: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("Tail for missing session = %v, want empty", entries)
	}
}

func TestTailScopedByDumpID(t *testing.T) {
	store, _ := Open(t.TempDir(), nil)
	store.Append("sess-1", Entry{Kind: KindCommand, Text: "bt", Scope: Scope{DumpID: "dump-a"}})
	store.Append("sess-1", Entry{Kind: KindCommand, Text: "image list", Scope: Scope{DumpID: "dump-b"}})

	entries, err := store.Tail("sess-1", 10, "dump-a")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "bt" {
		t.Errorf("Tail scoped to dump-a = %+v", entries)
	}
}

func TestAppendRedactsBeforeWriting(t *testing.T) {
	store, err := Open(t.TempDir(), redaction.New(nil))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Append("sess-1", Entry{Kind: KindResponse, CapturedOutput: "token: Bearer abc.def.ghi"}); err != nil {
		t.Fatal(err)
	}
	entries, err := store.Tail("sess-1", 1, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].CapturedOutput == "token: Bearer abc.def.ghi" {
		t.Errorf("expected captured output to be redacted, got %+v", entries)
	}
}

func TestFilterInPlace(t *testing.T) {
	store, _ := Open(t.TempDir(), nil)
	store.Append("sess-1", Entry{Kind: KindCommand, Text: "keep me"})
	store.Append("sess-1", Entry{Kind: KindCommand, Text: "drop me"})

	err := store.FilterInPlace("sess-1", func(e Entry) bool { return e.Text != "drop me" })
	if err != nil {
		t.Fatalf("FilterInPlace: %v", err)
	}
	entries, err := store.Tail("sess-1", 10, "")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Text != "keep me" {
		t.Errorf("after FilterInPlace = %+v", entries)
	}
}

func TestDeleteMissingIsNotError(t *testing.T) {
	store, _ := Open(t.TempDir(), nil)
	if err := store.Delete("never-existed"); err != nil {
		t.Errorf("Delete on missing transcript = %v, want nil", err)
	}
}
