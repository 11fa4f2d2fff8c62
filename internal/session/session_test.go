package session

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coredump-labs/postmortem/internal/analyzer"
	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/engine"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/sessionstore"
)

type fakeAdapter struct {
	initialized   bool
	dumpOpen      bool
	disposed      bool
	dumpPath      string
	recoveryCount int
	executed      []string

	// crashOn, if non-empty, makes one Execute call for that command
	// simulate a crash-recovery respawn (bumping recoveryCount and
	// returning errs.ErrEngineCrashed), the way Subprocess/DbgEng do
	// internally when their own recovery kicks in.
	crashOn string
}

func (f *fakeAdapter) Initialize(ctx context.Context) error { f.initialized = true; return nil }
func (f *fakeAdapter) OpenDump(ctx context.Context, dumpPath, executablePath string) error {
	f.dumpOpen = true
	f.dumpPath = dumpPath
	return nil
}
func (f *fakeAdapter) CloseDump(ctx context.Context) error { f.dumpOpen = false; return nil }
func (f *fakeAdapter) Execute(ctx context.Context, cmd string) (string, error) {
	f.executed = append(f.executed, cmd)
	if f.crashOn != "" && cmd == f.crashOn {
		f.crashOn = ""
		f.recoveryCount++
		return "", errs.ErrEngineCrashed
	}
	return "", nil
}
func (f *fakeAdapter) LoadRuntimePlugin(ctx context.Context, pluginPath string) error { return nil }
func (f *fakeAdapter) SetSymbolPath(ctx context.Context, paths []string) error        { return nil }
func (f *fakeAdapter) Dispose() error                                                { f.disposed = true; return nil }
func (f *fakeAdapter) Initialized() bool                                             { return f.initialized }
func (f *fakeAdapter) DumpOpen() bool                                                { return f.dumpOpen }
func (f *fakeAdapter) RuntimePluginLoaded() bool                                     { return false }
func (f *fakeAdapter) ManagedRuntimeDetected() bool                                  { return false }
func (f *fakeAdapter) DebuggerKind() engine.DebuggerKind                             { return engine.DebuggerLLDB }
func (f *fakeAdapter) CurrentDumpPath() string                                       { return f.dumpPath }
func (f *fakeAdapter) RecoveryCount() int                                            { return f.recoveryCount }

var _ engine.Adapter = (*fakeAdapter)(nil)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	store, err := sessionstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	dumps, err := dumpstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	cfg := &config.Config{MaxSessionsPerUser: 2, MaxTotalSessions: 3, SessionInactivity: time.Hour}
	return NewManager(store, dumps, cfg, func() engine.Adapter { return &fakeAdapter{} }, "test-node", nil, nil)
}

func TestCreateAndGet(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sess, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.UserID != "alice" {
		t.Errorf("UserID = %q", sess.UserID)
	}

	got, err := m.Get(ctx, "alice", sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != sess {
		t.Error("Get returned a different in-memory session instance")
	}
}

func TestGetWrongUserIsUnauthorized(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := m.Get(ctx, "mallory", sess.ID); err != errs.ErrUnauthorized {
		t.Errorf("Get(wrong user) = %v, want ErrUnauthorized", err)
	}
}

func TestGetMissingSessionIsNotFound(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Get(context.Background(), "alice", "nope"); err != errs.ErrNotFound {
		t.Errorf("Get(missing) = %v, want ErrNotFound", err)
	}
}

func TestCreateEvictsOldestOverPerUserLimit(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 2; i++ {
		sess, err := m.Create(ctx, "alice")
		if err != nil {
			t.Fatalf("Create #%d: %v", i, err)
		}
		ids = append(ids, sess.ID)
		time.Sleep(time.Millisecond) // ensure distinct createdAt ordering
	}

	// A third session for alice exceeds MaxSessionsPerUser(2); the oldest
	// must be evicted (closed) to make room.
	third, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatalf("Create #3: %v", err)
	}

	if _, err := m.Get(ctx, "alice", ids[0]); err != errs.ErrNotFound {
		t.Errorf("oldest session should have been evicted, Get = %v", err)
	}
	if _, err := m.Get(ctx, "alice", third.ID); err != nil {
		t.Errorf("newest session should survive, Get = %v", err)
	}
}

func TestCreateFailsOverTotalCapacity(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	// Distinct users so per-user eviction never kicks in, only the total cap.
	for _, user := range []string{"u1", "u2", "u3"} {
		if _, err := m.Create(ctx, user); err != nil {
			t.Fatalf("Create(%s): %v", user, err)
		}
	}
	if _, err := m.Create(ctx, "u4"); err != errs.ErrCapacityExceeded {
		t.Errorf("Create over total cap = %v, want ErrCapacityExceeded", err)
	}
}

func TestClose(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	adapter := sess.Engine.(*fakeAdapter)

	if err := m.Close(sess.ID); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !adapter.disposed {
		t.Error("expected engine to be disposed on Close")
	}
	if _, err := m.Get(ctx, "alice", sess.ID); err != errs.ErrNotFound {
		t.Errorf("Get after Close = %v, want ErrNotFound", err)
	}
}

func TestExecuteReplaysModuleMappingAfterRecovery(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()
	sess, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	adapter := sess.Engine.(*fakeAdapter)

	cacheDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(cacheDir, "libfoo.so"), []byte("fake"), 0644); err != nil {
		t.Fatal(err)
	}
	sess.mu.Lock()
	sess.analyzerResult = &analyzer.Result{ModuleLoadAddresses: []analyzer.Module{
		{Path: "/usr/lib/libfoo.so", LoadAddress: 0x1000},
	}}
	sess.symbolCacheDir = cacheDir
	sess.mu.Unlock()

	adapter.crashOn = "CRASH"
	if _, err := sess.Execute(ctx, "CRASH"); err == nil {
		t.Fatal("expected ErrEngineCrashed to surface from Execute")
	}

	var sawRemap bool
	for _, cmd := range adapter.executed {
		if strings.Contains(cmd, "target modules add") && strings.Contains(cmd, "libfoo.so") {
			sawRemap = true
		}
	}
	if !sawRemap {
		t.Errorf("expected Execute to replay the module-rebase script after recovery, executed = %v", adapter.executed)
	}
}

func TestCreateEmptyUserIDRejected(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.Create(context.Background(), ""); err != errs.ErrInvalidInput {
		t.Errorf("Create(\"\") = %v, want ErrInvalidInput", err)
	}
}

func TestCleanupClosesInactiveSessions(t *testing.T) {
	m := newTestManager(t)
	m.cfg.SessionInactivity = time.Millisecond
	ctx := context.Background()

	sess, err := m.Create(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(5 * time.Millisecond)
	m.Cleanup(ctx)

	if _, err := m.Get(ctx, "alice", sess.ID); err != errs.ErrNotFound {
		t.Errorf("Get after Cleanup = %v, want ErrNotFound", err)
	}
}
