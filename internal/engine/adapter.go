// Package engine implements the Engine Adapter: a capability boundary over
// a native post-mortem debugger (LLDB on Linux/macOS, DbgEng on Windows),
// exposed through one interface regardless of which variant backs it.
package engine

import (
	"context"
	"strings"
)

// Sentinel is the fixed, grammar-invalid literal appended after every
// command sent to a subprocess-driven debugger to mark completion. It must
// never be producible by normal debugger output — chosen here as a
// hyphen-bracketed token no known LLDB command or output line contains.
const Sentinel = "-POSTMORTEM-CMD-DONE-7f3a9c-"

// DebuggerKind identifies which native debugger an Adapter wraps.
type DebuggerKind string

const (
	DebuggerLLDB   DebuggerKind = "lldb"
	DebuggerDbgEng DebuggerKind = "dbgeng"
)

// Adapter is the uniform capability set every debugger variant exposes.
// Callers never type-switch on the concrete implementation; Session holds
// exactly one Adapter for its lifetime.
type Adapter interface {
	Initialize(ctx context.Context) error
	OpenDump(ctx context.Context, dumpPath string, executablePath string) error
	CloseDump(ctx context.Context) error
	Execute(ctx context.Context, cmd string) (string, error)
	LoadRuntimePlugin(ctx context.Context, pluginPath string) error
	SetSymbolPath(ctx context.Context, paths []string) error
	Dispose() error

	Initialized() bool
	DumpOpen() bool
	RuntimePluginLoaded() bool
	ManagedRuntimeDetected() bool
	DebuggerKind() DebuggerKind
	CurrentDumpPath() string

	// RecoveryCount reports how many times this Adapter has respawned after
	// a detected crash. Recovery itself only replays symbol paths, the dump
	// reopen, and the runtime-debug plugin; a caller that layers session
	// state on top of the Adapter (native module mappings) uses a change in
	// this count as the signal to replay that layer too.
	RecoveryCount() int
}

// crashMarkers are substrings whose presence in command output indicates
// the native debugger crashed mid-command.
var crashMarkers = []string{
	"PLEASE submit a bug report",
	"Stack dump:",
	"Segmentation fault",
	"Aborted (core dumped)",
	"core dumped at",
}

// containsCrashMarker reports whether output carries one of the known
// crash signatures.
func containsCrashMarker(output string) bool {
	for _, m := range crashMarkers {
		if strings.Contains(output, m) {
			return true
		}
	}
	return false
}

// stateMutatingPrefixes are command prefixes the Command Cache never
// serves or stores results for, because the command may change debugger
// state and a cached answer would be stale or misleading.
var stateMutatingPrefixes = []string{
	"settings ", "plugin ", ".load", ".unload", ".sympath", ".srcpath",
	"target ", "process ", "thread select", "frame select", "breakpoint",
	"watchpoint", "register write", "memory write", "expression", "p ", "po ",
}

// IsStateMutating reports whether a normalized command matches one of the
// state-mutating prefixes and must bypass the Command Cache.
func IsStateMutating(normalizedCmd string) bool {
	for _, p := range stateMutatingPrefixes {
		if strings.HasPrefix(normalizedCmd, p) {
			return true
		}
	}
	return false
}

// NormalizeCommand trims and lowercases a command for cache-key and
// prefix-matching purposes. Deterministic and idempotent:
// NormalizeCommand(NormalizeCommand(x)) == NormalizeCommand(x).
func NormalizeCommand(cmd string) string {
	return strings.ToLower(strings.TrimSpace(cmd))
}

// transformForSubprocess strips a leading "!" — a history-expansion sigil
// in the subprocess debugger's grammar — before the command is written to
// stdin. It is a no-op for the in-process variant, which has no history
// expansion to worry about.
func transformForSubprocess(cmd string) string {
	return strings.TrimPrefix(cmd, "!")
}
