// Package symbols implements the per-dump symbol cache and the on-demand
// symbol acquisition that makes a dump loadable: downloading native module
// symbols, debug sidecars, managed-source PDBs, and the runtime-debug
// plugin binary into a directory tree the native debugger searches.
package symbols

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/logger"
)

// AcquisitionTool knows how to invoke the external symbol-acquisition
// binary. Production wires this to the real tool; tests substitute a fake.
type AcquisitionTool interface {
	// Run downloads symbols for dumpPath into cacheDir using the given
	// ordered server list (which replaces any built-in default list), and
	// returns the tool's combined stdout+stderr for runtime-version
	// sniffing.
	Run(ctx context.Context, dumpPath, cacheDir string, servers []config.SymbolServer, modulesOnly []string) ([]byte, error)
}

// execTool shells out to a real acquisition binary (e.g. dotnet-symbol) via
// os/exec: build the arg list, run under a deadline context, capture
// combined output.
type execTool struct {
	binary string
}

// NewExecTool returns an AcquisitionTool backed by the named executable.
func NewExecTool(binary string) AcquisitionTool {
	return &execTool{binary: binary}
}

func (t *execTool) Run(ctx context.Context, dumpPath, cacheDir string, servers []config.SymbolServer, modulesOnly []string) ([]byte, error) {
	args := []string{"--output", cacheDir}
	for _, srv := range servers {
		args = append(args, "--server-path", srv.URL)
	}
	for _, m := range modulesOnly {
		args = append(args, "--module", m)
	}
	args = append(args, dumpPath)

	cmd := exec.CommandContext(ctx, t.binary, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Acquirer drives symbol acquisition for one dump store.
type Acquirer struct {
	store *dumpstore.Store
	tool  AcquisitionTool
}

// NewAcquirer builds an Acquirer over the given dump store and tool.
func NewAcquirer(store *dumpstore.Store, tool AcquisitionTool) *Acquirer {
	return &Acquirer{store: store, tool: tool}
}

// runtimeVersionPattern matches the managed-runtime path segment
// "Microsoft.NETCore.App/<MAJOR.MINOR.PATCH>" anywhere in acquisition tool
// output, anchored on the literal segment name so it never matches
// arbitrary text.
var runtimeVersionPattern = regexp.MustCompile(`Microsoft\.NETCore\.App[/\\](\d+\.\d+\.\d+)`)

// Ensure makes the dump loadable: skips acquisition entirely if the
// sidecar's recorded inventory is already complete on disk, otherwise runs
// the acquisition tool, does a second pass scoped to newly-downloaded
// modules for PDBs, and records the new recursive inventory. Acquisition
// failures are non-fatal — logged, and the open proceeds with whatever is
// cached.
func (a *Acquirer) Ensure(ctx context.Context, userID, dumpID string, servers []config.SymbolServer, timeout time.Duration, newModules []string) error {
	meta, err := a.store.GetMetadata(userID, dumpID)
	if err != nil {
		return fmt.Errorf("symbols: load metadata: %w", err)
	}
	if a.store.HasCompleteSymbolInventory(userID, dumpID, meta) {
		logger.Debug("symbol cache already complete, skipping acquisition", "user", userID, "dump", dumpID)
		return nil
	}
	if a.awaitConcurrentAcquisition(ctx, userID, dumpID, meta) {
		logger.Debug("symbol cache completed by a concurrent acquisition while waiting, skipping acquisition", "user", userID, "dump", dumpID)
		return nil
	}

	cacheDir := a.store.SymbolCacheDir(userID, dumpID)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return fmt.Errorf("symbols: create cache dir: %w", err)
	}

	acqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	dumpPath := a.store.DumpPath(userID, dumpID)
	out, runErr := a.tool.Run(acqCtx, dumpPath, cacheDir, servers, nil)
	if runErr != nil {
		logger.Warn("symbol acquisition failed, proceeding with cached symbols", "user", userID, "dump", dumpID, "err", runErr)
	} else if len(newModules) > 0 {
		// Second pass: fetch PDBs scoped to newly downloaded modules only.
		if _, err := a.tool.Run(acqCtx, dumpPath, cacheDir, servers, newModules); err != nil {
			logger.Warn("pdb follow-up acquisition failed", "user", userID, "dump", dumpID, "err", err)
		}
	}

	if v := ParseRuntimeVersion(out); v != "" && meta.RuntimeVersion == "" {
		if err := a.store.UpdateMetadata(userID, dumpID, func(m *dumpstore.Metadata) {
			m.RuntimeVersion = v
		}); err != nil {
			logger.Warn("failed to record detected runtime version", "err", err)
		}
	}

	inventory, err := recursiveInventory(cacheDir)
	if err != nil {
		return fmt.Errorf("symbols: scan cache dir: %w", err)
	}
	if err := a.store.UpdateMetadata(userID, dumpID, func(m *dumpstore.Metadata) {
		m.SymbolFiles = inventory
	}); err != nil {
		return fmt.Errorf("symbols: record inventory: %w", err)
	}
	if runErr != nil {
		return fmt.Errorf("symbols: %w: %v", errs.ErrSymbolAcquisitionFailed, runErr)
	}
	return nil
}

// concurrentAcquisitionWait bounds how long Ensure's fast path waits for a
// racing acquisition (another request for the same dump, or another node on
// shared storage) to finish writing the last missing symbol files before
// falling through to run the acquisition tool itself.
const concurrentAcquisitionWait = 3 * time.Second

// awaitConcurrentAcquisition waits briefly on the first file meta.SymbolFiles
// says should exist but HasCompleteSymbolInventory found missing, in case a
// concurrent acquisition for the same dump is mid-write. Returns true if the
// cache became complete while waiting. meta.SymbolFiles being non-empty is
// itself a signal that some acquisition, somewhere, already believed this
// dump's symbols were done.
func (a *Acquirer) awaitConcurrentAcquisition(ctx context.Context, userID, dumpID string, meta *dumpstore.Metadata) bool {
	if len(meta.SymbolFiles) == 0 {
		return false
	}
	cacheDir := a.store.SymbolCacheDir(userID, dumpID)
	var missing string
	for _, rel := range meta.SymbolFiles {
		if _, err := os.Stat(filepath.Join(cacheDir, rel)); err != nil {
			missing = rel
			break
		}
	}
	if missing == "" {
		return false
	}

	waitCtx, cancel := context.WithTimeout(ctx, concurrentAcquisitionWait)
	defer cancel()
	dir := filepath.Dir(filepath.Join(cacheDir, missing))
	if ok, err := WatchForFile(waitCtx, dir, filepath.Base(missing)); err != nil || !ok {
		return false
	}
	return a.store.HasCompleteSymbolInventory(userID, dumpID, meta)
}

// ParseRuntimeVersion scans acquisition tool output line by line for the
// first occurrence of the managed-runtime path pattern.
func ParseRuntimeVersion(output []byte) string {
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		if m := runtimeVersionPattern.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1]
		}
	}
	return ""
}

func recursiveInventory(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(root, path)
		if relErr != nil {
			return relErr
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(files)
	return files, nil
}

// SearchPaths returns every directory in the symbol cache tree (root and
// every subdirectory), the list the engine adapter appends to its
// debug-file-search-paths before opening the dump.
func SearchPaths(cacheDir string) ([]string, error) {
	var dirs []string
	err := filepath.WalkDir(cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return filepath.SkipDir
			}
			return err
		}
		if d.IsDir() {
			dirs = append(dirs, path)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return dirs, nil
}

// FindPluginBinary performs the runtime-debug plugin's recursive resolution
// search within a dump-local symbol cache, returning the absolute path to
// the first file named pluginFilename found under cacheDir.
func FindPluginBinary(cacheDir, pluginFilename string) (string, bool) {
	var found string
	_ = filepath.WalkDir(cacheDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || found != "" {
			return nil
		}
		if !d.IsDir() && d.Name() == pluginFilename {
			found = path
		}
		return nil
	})
	return found, found != ""
}

// WatchForFile blocks until filename appears under dir or ctx is done,
// using fsnotify rather than polling, so a concurrent download (another
// node, shared storage) landing mid-check is observed promptly. Returns
// immediately (true, nil) if the file already exists.
func WatchForFile(ctx context.Context, dir, filename string) (bool, error) {
	target := filepath.Join(dir, filename)
	if _, err := os.Stat(target); err == nil {
		return true, nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false, fmt.Errorf("symbols: new watcher: %w", err)
	}
	defer watcher.Close()

	if err := os.MkdirAll(dir, 0755); err != nil {
		return false, err
	}
	if err := watcher.Add(dir); err != nil {
		return false, fmt.Errorf("symbols: watch %s: %w", dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return false, nil
			}
			if (ev.Op&(fsnotify.Create|fsnotify.Write) != 0) && filepath.Clean(ev.Name) == target {
				return true, nil
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return false, nil
			}
			return false, err
		}
	}
}
