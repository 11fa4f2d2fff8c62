package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/engine"
	"github.com/coredump-labs/postmortem/internal/metaindex"
	"github.com/coredump-labs/postmortem/internal/session"
	"github.com/coredump-labs/postmortem/internal/sessionstore"
)

// fakeAdapter is the same scripted stand-in used across the engine/session
// test suites: it satisfies engine.Adapter without spawning a real
// debugger, so the HTTP layer can be exercised end to end.
type fakeAdapter struct{ dumpOpen bool; dumpPath string }

func (f *fakeAdapter) Initialize(ctx context.Context) error { return nil }
func (f *fakeAdapter) OpenDump(ctx context.Context, dumpPath, executablePath string) error {
	f.dumpOpen = true
	f.dumpPath = dumpPath
	return nil
}
func (f *fakeAdapter) CloseDump(ctx context.Context) error                            { f.dumpOpen = false; return nil }
func (f *fakeAdapter) Execute(ctx context.Context, cmd string) (string, error)         { return "ok: " + cmd, nil }
func (f *fakeAdapter) LoadRuntimePlugin(ctx context.Context, pluginPath string) error   { return nil }
func (f *fakeAdapter) SetSymbolPath(ctx context.Context, paths []string) error         { return nil }
func (f *fakeAdapter) Dispose() error                                                 { return nil }
func (f *fakeAdapter) Initialized() bool                                              { return true }
func (f *fakeAdapter) DumpOpen() bool                                                 { return f.dumpOpen }
func (f *fakeAdapter) RuntimePluginLoaded() bool                                      { return false }
func (f *fakeAdapter) ManagedRuntimeDetected() bool                                   { return false }
func (f *fakeAdapter) DebuggerKind() engine.DebuggerKind                              { return engine.DebuggerLLDB }
func (f *fakeAdapter) CurrentDumpPath() string                                        { return f.dumpPath }
func (f *fakeAdapter) RecoveryCount() int                                             { return 0 }

var _ engine.Adapter = (*fakeAdapter)(nil)

func newTestServer(t *testing.T) (*httptest.Server, *Client, *dumpstore.Store) {
	t.Helper()
	dumps, err := dumpstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store, err := sessionstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	idx, err := metaindex.Open(t.TempDir() + "/index.db")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { idx.Close() })

	cfg := &config.Config{MaxSessionsPerUser: 5, MaxTotalSessions: 10, SessionInactivity: time.Hour, MaxRequestBodyBytes: 1 << 20}
	newAdapter := func() engine.Adapter { return &fakeAdapter{} }
	mgr := session.NewManager(store, dumps, cfg, newAdapter, "test-node", idx, nil)
	srv := New(cfg, dumps, mgr, idx, nil, nil, nil, newAdapter)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, NewClient(ts.URL, ""), dumps
}

func TestUploadAndGetSession(t *testing.T) {
	ts, client, _ := newTestServer(t)
	_ = ts

	path := writeTempDumpFile(t, elfCoreBytes())

	dumpID, err := client.UploadDump(path, "alice", "test dump")
	if err != nil {
		t.Fatalf("UploadDump: %v", err)
	}
	if dumpID == "" {
		t.Fatal("expected non-empty dump id")
	}

	sess, err := client.CreateSession("alice")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if sess.UserID != "alice" {
		t.Errorf("UserID = %q", sess.UserID)
	}

	got, err := client.GetSession("alice", sess.ID)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if got.ID != sess.ID {
		t.Errorf("GetSession returned %q, want %q", got.ID, sess.ID)
	}
}

func TestUploadRejectsUnrecognizedFormat(t *testing.T) {
	_, client, _ := newTestServer(t)
	path := writeTempDumpFile(t, []byte("not a dump"))
	if _, err := client.UploadDump(path, "alice", ""); err == nil {
		t.Fatal("expected upload of unrecognized format to fail")
	}
}

func TestCloseSessionThenGetFails(t *testing.T) {
	_, client, _ := newTestServer(t)
	sess, err := client.CreateSession("bob")
	if err != nil {
		t.Fatal(err)
	}
	if err := client.CloseSession(sess.ID); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, err := client.GetSession("bob", sess.ID); err == nil {
		t.Error("expected GetSession after Close to fail")
	}
}

func TestExecuteRoundTrip(t *testing.T) {
	_, client, _ := newTestServer(t)
	sess, err := client.CreateSession("carol")
	if err != nil {
		t.Fatal(err)
	}
	out, err := client.Execute("carol", sess.ID, "bt all")
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if out != "ok: bt all" {
		t.Errorf("Execute output = %q", out)
	}
}

func TestAdminListDumpsEmpty(t *testing.T) {
	_, client, _ := newTestServer(t)
	rows, err := client.ListDumps("nobody")
	if err != nil {
		t.Fatalf("ListDumps: %v", err)
	}
	if len(rows) != 0 {
		t.Errorf("rows = %v, want empty", rows)
	}
}

func TestAdminListSessionsReflectsSessionCreatedSinceStartup(t *testing.T) {
	_, client, _ := newTestServer(t)
	sess, err := client.CreateSession("frank")
	if err != nil {
		t.Fatal(err)
	}
	rows, err := client.ListSessions("frank")
	if err != nil {
		t.Fatalf("ListSessions: %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("rows = %d, want 1 (session created after startup should be indexed immediately)", len(rows))
	}
	var row struct {
		SessionID string `json:"session_id"`
	}
	if err := json.Unmarshal(rows[0], &row); err != nil {
		t.Fatal(err)
	}
	if row.SessionID != sess.ID {
		t.Errorf("SessionID = %q, want %q", row.SessionID, sess.ID)
	}
}

func TestCompare(t *testing.T) {
	_, client, _ := newTestServer(t)

	pathA := writeTempDumpFile(t, elfCoreBytes())
	dumpA, err := client.UploadDump(pathA, "dave", "")
	if err != nil {
		t.Fatalf("UploadDump A: %v", err)
	}
	pathB := writeTempDumpFile(t, elfCoreBytes())
	dumpB, err := client.UploadDump(pathB, "erin", "")
	if err != nil {
		t.Fatalf("UploadDump B: %v", err)
	}

	result, err := client.Compare("dave", dumpA, "erin", dumpB)
	if err != nil {
		t.Fatalf("Compare: %v", err)
	}
	if result.ThreadCountA != 1 || result.ThreadCountB != 1 {
		t.Errorf("thread counts = %d, %d, want 1, 1", result.ThreadCountA, result.ThreadCountB)
	}
}

func TestHealthzAndReadyz(t *testing.T) {
	ts, _, _ := newTestServer(t)
	for _, path := range []string{"/healthz", "/readyz"} {
		resp, err := ts.Client().Get(ts.URL + path)
		if err != nil {
			t.Fatalf("GET %s: %v", path, err)
		}
		resp.Body.Close()
		if resp.StatusCode != 200 {
			t.Errorf("GET %s = %d, want 200", path, resp.StatusCode)
		}
	}
}

func writeTempDumpFile(t *testing.T, data []byte) string {
	t.Helper()
	path := t.TempDir() + "/dump.bin"
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func elfCoreBytes() []byte {
	return append([]byte{0x7F, 'E', 'L', 'F'}, make([]byte, 64)...)
}
