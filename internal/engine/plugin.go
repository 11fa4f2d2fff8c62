package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/coredump-labs/postmortem/internal/config"
	"github.com/coredump-labs/postmortem/internal/logger"
	"github.com/coredump-labs/postmortem/internal/symbols"
)

// pluginFilename is the known managed-runtime reflection plugin binary
// name the locator searches for.
const pluginFilename = "libsosplugin.so"

// PluginLoadOptions carries everything LoadPlugin needs beyond the Adapter
// itself: where to look for the plugin binary and which runtime build the
// dump was produced against.
type PluginLoadOptions struct {
	EnvOverride         string // SOS_PLUGIN_PATH
	DumpSymbolCacheDir  string
	HostPluginDir       string
	UserPluginDir       string
	RuntimeInstallRoots []string
	DetectedRuntimeVersion string
	SymbolServers       []config.SymbolServer
}

// LocatePluginBinary resolves the plugin binary's absolute path following
// the documented precedence: explicit override, dump-local symbol cache,
// host-wide plugin dir, user-local install, then every versioned runtime
// directory on the system as a last resort.
func LocatePluginBinary(opts PluginLoadOptions) (string, bool) {
	if opts.EnvOverride != "" {
		if _, err := os.Stat(opts.EnvOverride); err == nil {
			return opts.EnvOverride, true
		}
	}
	if opts.DumpSymbolCacheDir != "" {
		if path, ok := symbols.FindPluginBinary(opts.DumpSymbolCacheDir, pluginFilename); ok {
			return path, true
		}
	}
	if opts.HostPluginDir != "" {
		if path, ok := symbols.FindPluginBinary(opts.HostPluginDir, pluginFilename); ok {
			return path, true
		}
	}
	if opts.UserPluginDir != "" {
		if path, ok := symbols.FindPluginBinary(opts.UserPluginDir, pluginFilename); ok {
			return path, true
		}
	}
	for _, root := range opts.RuntimeInstallRoots {
		if path, ok := symbols.FindPluginBinary(root, pluginFilename); ok {
			return path, true
		}
	}
	return "", false
}

// LoadPlugin runs the full plugin-attach sequence against an already
// initialized, dump-open Adapter: locate the binary, load it, verify it
// responded, bind it to the dump's exact runtime build, and configure its
// symbol servers. Idempotent — a short-circuit inside Adapter.LoadRuntimePlugin
// handles the "already loaded with this path" case; this function still
// re-runs the runtime-bind and symbol-server steps each call since those
// have no adapter-level memory of having run.
func LoadPlugin(ctx context.Context, a Adapter, opts PluginLoadOptions) error {
	pluginPath, ok := LocatePluginBinary(opts)
	if !ok {
		return fmt.Errorf("engine: runtime-debug plugin binary not found")
	}

	if err := a.LoadRuntimePlugin(ctx, pluginPath); err != nil {
		return fmt.Errorf("engine: load plugin: %w", err)
	}

	help, err := a.Execute(ctx, "soshelp")
	if err != nil {
		return fmt.Errorf("engine: verify plugin load: %w", err)
	}
	if strings.Contains(strings.ToLower(help), "unknown command") {
		return fmt.Errorf("engine: plugin did not respond to its self-help command")
	}

	runtimePath := resolveRuntimePath(opts.RuntimeInstallRoots, opts.DetectedRuntimeVersion)
	if runtimePath != "" {
		if _, err := a.Execute(ctx, fmt.Sprintf("sethostruntime %q", runtimePath)); err != nil {
			logger.Warn("engine: sethostruntime failed", "err", err)
		}
		if _, err := a.Execute(ctx, fmt.Sprintf("setclrpath %q", runtimePath)); err != nil {
			logger.Warn("engine: setclrpath failed", "err", err)
		}
	}

	for _, srv := range opts.SymbolServers {
		cmd := fmt.Sprintf("setsymbolserver %s %s %s", srv.URL, srv.CacheDir, srv.Timeout)
		if _, err := a.Execute(ctx, cmd); err != nil {
			logger.Warn("engine: configure plugin symbol server failed", "server", srv.Name, "err", err)
		}
	}

	out, err := a.Execute(ctx, "soscache clear")
	if err != nil {
		logger.Warn("engine: plugin cache flush failed", "err", err)
	} else if strings.Contains(strings.ToLower(out), "invalid module base") || strings.Contains(strings.ToLower(out), "failed to find runtime") {
		logger.Warn("engine: plugin reports unresolved runtime binding", "status", out)
	}

	return nil
}

// resolveRuntimePath finds the runtime install directory matching version
// exactly; absent an exact match it falls back to the lexicographically
// newest versioned directory found across roots (runtime version strings
// in these install layouts sort correctly as plain strings: "8.0.10" >
// "8.0.3" only holds numerically, so this is a best-effort fallback, not a
// guarantee — exact match is the common case and always correct).
func resolveRuntimePath(roots []string, version string) string {
	var candidates []string
	for _, root := range roots {
		entries, err := os.ReadDir(root)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if !e.IsDir() {
				continue
			}
			full := filepath.Join(root, e.Name())
			if version != "" && e.Name() == version {
				return full
			}
			candidates = append(candidates, full)
		}
	}
	if len(candidates) == 0 {
		return ""
	}
	sort.Strings(candidates)
	return candidates[len(candidates)-1]
}
