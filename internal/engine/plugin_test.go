package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLocatePluginBinaryPrecedence(t *testing.T) {
	dumpCache := t.TempDir()
	hostDir := t.TempDir()

	writePlugin := func(dir string) {
		if err := os.WriteFile(filepath.Join(dir, pluginFilename), []byte("fake"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	writePlugin(hostDir)

	// Not yet in dump-local cache: host dir wins.
	path, ok := LocatePluginBinary(PluginLoadOptions{DumpSymbolCacheDir: dumpCache, HostPluginDir: hostDir})
	if !ok || path != filepath.Join(hostDir, pluginFilename) {
		t.Fatalf("expected host dir plugin, got %q, %v", path, ok)
	}

	// Once present dump-local, it takes precedence over the host dir.
	writePlugin(dumpCache)
	path, ok = LocatePluginBinary(PluginLoadOptions{DumpSymbolCacheDir: dumpCache, HostPluginDir: hostDir})
	if !ok || path != filepath.Join(dumpCache, pluginFilename) {
		t.Fatalf("expected dump-local plugin to take precedence, got %q, %v", path, ok)
	}

	// An explicit env override beats everything.
	envDir := t.TempDir()
	writePlugin(envDir)
	envPath := filepath.Join(envDir, pluginFilename)
	path, ok = LocatePluginBinary(PluginLoadOptions{EnvOverride: envPath, DumpSymbolCacheDir: dumpCache, HostPluginDir: hostDir})
	if !ok || path != envPath {
		t.Fatalf("expected env override to win, got %q, %v", path, ok)
	}
}

func TestLocatePluginBinaryNotFound(t *testing.T) {
	if _, ok := LocatePluginBinary(PluginLoadOptions{DumpSymbolCacheDir: t.TempDir()}); ok {
		t.Fatal("expected not found when no plugin exists anywhere")
	}
}

func TestResolveRuntimePathExactMatch(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"6.0.25", "8.0.3", "8.0.10"} {
		if err := os.MkdirAll(filepath.Join(root, v), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	got := resolveRuntimePath([]string{root}, "8.0.3")
	if want := filepath.Join(root, "8.0.3"); got != want {
		t.Errorf("resolveRuntimePath exact = %q, want %q", got, want)
	}
}

func TestResolveRuntimePathFallsBackToNewest(t *testing.T) {
	root := t.TempDir()
	for _, v := range []string{"6.0.25", "8.0.3"} {
		if err := os.MkdirAll(filepath.Join(root, v), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	got := resolveRuntimePath([]string{root}, "9.9.9")
	if want := filepath.Join(root, "8.0.3"); got != want {
		t.Errorf("resolveRuntimePath fallback = %q, want %q", got, want)
	}
}

func TestLoadPluginEndToEnd(t *testing.T) {
	ctx := context.Background()
	dumpCache := t.TempDir()
	if err := os.WriteFile(filepath.Join(dumpCache, pluginFilename), []byte("fake"), 0o644); err != nil {
		t.Fatal(err)
	}
	runtimeRoot := t.TempDir()
	if err := os.MkdirAll(filepath.Join(runtimeRoot, "8.0.3"), 0o755); err != nil {
		t.Fatal(err)
	}

	sp := NewSubprocess(SubprocessConfig{DebuggerPath: writeFakeDebugger(t)})
	if err := sp.Initialize(ctx); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	defer sp.Dispose()
	if err := sp.OpenDump(ctx, "/tmp/dump.core", ""); err != nil {
		t.Fatalf("OpenDump: %v", err)
	}

	err := LoadPlugin(ctx, sp, PluginLoadOptions{
		DumpSymbolCacheDir:     dumpCache,
		RuntimeInstallRoots:    []string{runtimeRoot},
		DetectedRuntimeVersion: "8.0.3",
	})
	if err != nil {
		t.Fatalf("LoadPlugin: %v", err)
	}
	if !sp.RuntimePluginLoaded() {
		t.Error("expected plugin to be marked loaded")
	}
}
