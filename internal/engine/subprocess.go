package engine

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coredump-labs/postmortem/internal/engine/procutil"
	"github.com/coredump-labs/postmortem/internal/errs"
	"github.com/coredump-labs/postmortem/internal/logger"
)

// SubprocessConfig parameterizes a Subprocess adapter. DebuggerPath is the
// path or bare name (resolved via PATH) to the native debugger binary.
type SubprocessConfig struct {
	DebuggerPath    string
	CommandTimeout  time.Duration
	RecoveryTimeout time.Duration
}

func (c SubprocessConfig) withDefaults() SubprocessConfig {
	if c.DebuggerPath == "" {
		c.DebuggerPath = "lldb"
	}
	if c.CommandTimeout <= 0 {
		c.CommandTimeout = 30 * time.Second
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = 5 * time.Second
	}
	return c
}

// Subprocess drives a native debugger (LLDB) as a long-lived interactive
// child process, completing one command at a time via the sentinel-framing
// protocol: write the command plus Sentinel on its own line, read stdout
// until a line contains Sentinel, then post-process the captured buffer.
type Subprocess struct {
	cfg SubprocessConfig

	execMu sync.Mutex // serializes Execute/OpenDump/CloseDump against each other

	cmd   *exec.Cmd
	stdin io.WriteCloser

	outMu sync.Mutex
	outBuf bytes.Buffer
	done   chan struct{}
	exited bool

	recoveryMu    sync.Mutex
	recovering    bool
	recoveryCount atomic.Int64

	initialized  bool
	dumpOpen     bool
	dumpPath     string
	execPath     string
	symbolPaths  []string
	pluginPath   string
	managedRuntimeDetected bool

	cache *CommandCache
}

// NewSubprocess returns an unstarted LLDB-backed Adapter. Call Initialize
// before any other method.
func NewSubprocess(cfg SubprocessConfig) *Subprocess {
	return &Subprocess{cfg: cfg.withDefaults(), cache: NewCommandCache()}
}

// Cache exposes the engine's command cache so callers can inspect hit/miss
// counters; Execute consults and populates it automatically.
func (s *Subprocess) Cache() *CommandCache { return s.cache }

func (s *Subprocess) DebuggerKind() DebuggerKind { return DebuggerLLDB }

func (s *Subprocess) Initialized() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.initialized
}

func (s *Subprocess) DumpOpen() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.dumpOpen
}

func (s *Subprocess) RuntimePluginLoaded() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.pluginPath != ""
}

func (s *Subprocess) ManagedRuntimeDetected() bool {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.managedRuntimeDetected
}

func (s *Subprocess) CurrentDumpPath() string {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.dumpPath
}

func (s *Subprocess) RecoveryCount() int {
	return int(s.recoveryCount.Load())
}

// Initialize spawns the debugger subprocess in interactive batch mode and
// starts the stdout/stderr pump goroutines. Safe to call once per Subprocess.
func (s *Subprocess) Initialize(ctx context.Context) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	return s.spawnLocked(ctx)
}

func (s *Subprocess) spawnLocked(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, s.cfg.DebuggerPath, "--no-use-colors", "--no-lldbinit")
	procutil.SetNewProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("engine: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("engine: stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("engine: start debugger: %w", err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.outMu.Lock()
	s.outBuf.Reset()
	s.done = nil
	s.exited = false
	s.outMu.Unlock()

	go s.pumpStdout(stdout)
	go s.pumpStderr(stderr)

	s.initialized = true
	return nil
}

func (s *Subprocess) pumpStdout(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.outMu.Lock()
		if strings.Contains(line, Sentinel) {
			stripped := strings.ReplaceAll(line, Sentinel, "")
			if strings.TrimSpace(stripped) != "" {
				s.outBuf.WriteString(stripped)
				s.outBuf.WriteByte('\n')
			}
			if s.done != nil {
				close(s.done)
				s.done = nil
			}
		} else {
			s.outBuf.WriteString(line)
			s.outBuf.WriteByte('\n')
		}
		s.outMu.Unlock()
	}
	s.outMu.Lock()
	s.exited = true
	if s.done != nil {
		close(s.done)
		s.done = nil
	}
	s.outMu.Unlock()
}

// pumpStderr discards the known invalid-command complaint the sentinel
// itself provokes (the debugger doesn't recognize our marker as a command)
// and appends anything else, since real stderr noise can hint at a crash.
func (s *Subprocess) pumpStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.Contains(line, Sentinel) {
			continue
		}
		s.outMu.Lock()
		s.outBuf.WriteString(line)
		s.outBuf.WriteByte('\n')
		s.outMu.Unlock()
	}
}

// Execute submits cmd to the running debugger and returns its captured,
// post-processed output. Requires Initialize and a dump open. A detected
// crash triggers one recovery attempt and always fails the command in
// progress with ErrEngineCrashed — it is never silently retried.
func (s *Subprocess) Execute(ctx context.Context, cmd string) (string, error) {
	s.execMu.Lock()
	defer s.execMu.Unlock()

	if !s.initialized {
		return "", errs.ErrNotInitialized
	}
	if !s.dumpOpen {
		return "", errs.ErrNoDump
	}

	normalized := NormalizeCommand(cmd)
	if cached, ok := s.cache.Get(normalized); ok {
		return cached, nil
	}
	out, err := s.executeLocked(ctx, cmd)
	if err == nil {
		s.cache.Put(normalized, out)
	}
	return out, err
}

// executeLocked runs one command through the sentinel protocol. Callers
// must hold execMu. Used both by Execute and by internal setup commands
// (OpenDump, SetSymbolPath, LoadRuntimePlugin) that don't go through the
// public Execute precondition checks.
func (s *Subprocess) executeLocked(ctx context.Context, cmd string) (string, error) {
	done := make(chan struct{})
	s.outMu.Lock()
	s.outBuf.Reset()
	s.done = done
	s.outMu.Unlock()

	wire := transformForSubprocess(cmd) + "\n" + Sentinel + "\n"
	if _, err := io.WriteString(s.stdin, wire); err != nil {
		return "", fmt.Errorf("engine: write command: %w", err)
	}

	select {
	case <-done:
	case <-ctx.Done():
		return "", ctx.Err()
	case <-time.After(s.cfg.CommandTimeout):
		s.outMu.Lock()
		partial := postProcess(s.outBuf.String())
		s.outBuf.Reset()
		s.outMu.Unlock()
		logger.Warn("engine subprocess command timed out", "cmd", truncateForLog(cmd), "partial_output", partial)
		return partial, errs.ErrTimeout
	}

	s.outMu.Lock()
	raw := s.outBuf.String()
	exited := s.exited
	s.outMu.Unlock()

	out := postProcess(raw)
	if exited || containsCrashMarker(out) || containsCrashMarker(raw) {
		s.recoverLocked(ctx)
		return "", fmt.Errorf("command %q: %w", truncateForLog(cmd), errs.ErrEngineCrashed)
	}
	return out, nil
}

// postProcess strips the command echo (the debugger's first output line),
// truncates at any residual sentinel occurrence, and trims a trailing
// prompt token left over from the debugger's next-read prompt.
func postProcess(raw string) string {
	lines := strings.Split(raw, "\n")
	if len(lines) > 0 {
		lines = lines[1:]
	}
	joined := strings.Join(lines, "\n")
	if idx := strings.Index(joined, Sentinel); idx >= 0 {
		joined = joined[:idx]
	}
	joined = strings.TrimSuffix(joined, "(lldb) ")
	return strings.TrimSpace(joined)
}

func truncateForLog(cmd string) string {
	const max = 100
	if len(cmd) <= max {
		return cmd
	}
	return cmd[:max] + "..."
}

// recoverLocked tears down the crashed process tree, spawns a replacement,
// and replays the deterministic pre-open setup (symbol paths, dump open,
// runtime plugin) so the session can keep going on its next command.
// Callers must hold execMu. A concurrent recovery in flight is a no-op —
// crash detection only ever fires from within the single serialized
// executeLocked call path, so overlap can't happen in practice, but the
// guard keeps recover() safe to call defensively.
func (s *Subprocess) recoverLocked(ctx context.Context) {
	s.recoveryMu.Lock()
	if s.recovering {
		s.recoveryMu.Unlock()
		return
	}
	s.recovering = true
	s.recoveryMu.Unlock()
	defer func() {
		s.recoveryMu.Lock()
		s.recovering = false
		s.recoveryMu.Unlock()
	}()

	logger.Warn("engine subprocess crashed; recovering", "dump_path", s.dumpPath)

	dumpPath, execPath := s.dumpPath, s.execPath
	symbolPaths := append([]string(nil), s.symbolPaths...)
	pluginPath := s.pluginPath
	wasDumpOpen := s.dumpOpen

	if s.cmd != nil && s.cmd.Process != nil {
		_ = procutil.KillGroup(s.cmd.Process.Pid)
		procutil.WaitExit(s.cmd, s.cfg.RecoveryTimeout)
	}
	s.initialized = false
	s.dumpOpen = false
	s.cache.Clear()
	s.cache.SetEnabled(false)

	if err := s.spawnLocked(ctx); err != nil {
		logger.Error("engine subprocess recovery failed to respawn", "err", err)
		return
	}
	s.recoveryCount.Add(1)

	if len(symbolPaths) > 0 {
		if _, err := s.executeLocked(ctx, symbolPathCommand(symbolPaths)); err != nil {
			logger.Error("engine subprocess recovery: reapplying symbol path failed", "err", err)
		}
	}
	if wasDumpOpen {
		if err := s.openDumpLocked(ctx, dumpPath, execPath); err != nil {
			logger.Error("engine subprocess recovery: reopening dump failed", "err", err)
			return
		}
	}
	if pluginPath != "" {
		if _, err := s.executeLocked(ctx, loadPluginCommand(pluginPath)); err != nil {
			logger.Error("engine subprocess recovery: reloading plugin failed", "err", err)
		} else {
			s.pluginPath = pluginPath
		}
	}
}

func (s *Subprocess) OpenDump(ctx context.Context, dumpPath, executablePath string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if !s.initialized {
		return errs.ErrNotInitialized
	}
	return s.openDumpLocked(ctx, dumpPath, executablePath)
}

func (s *Subprocess) openDumpLocked(ctx context.Context, dumpPath, executablePath string) error {
	var cmd string
	if executablePath != "" {
		cmd = fmt.Sprintf("target create --core %q %q", dumpPath, executablePath)
	} else {
		cmd = fmt.Sprintf("target create --core %q", dumpPath)
	}
	if _, err := s.executeLocked(ctx, cmd); err != nil {
		return fmt.Errorf("engine: open dump: %w", err)
	}
	s.dumpOpen = true
	s.dumpPath = dumpPath
	s.execPath = executablePath
	s.cache.SetEnabled(true)
	return nil
}

func (s *Subprocess) CloseDump(ctx context.Context) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if !s.dumpOpen {
		return nil
	}
	_, err := s.executeLocked(ctx, "target delete --all")
	s.dumpOpen = false
	s.dumpPath = ""
	s.execPath = ""
	s.pluginPath = ""
	s.managedRuntimeDetected = false
	s.cache.Clear()
	s.cache.SetEnabled(false)
	if err != nil {
		return fmt.Errorf("engine: close dump: %w", err)
	}
	return nil
}

func (s *Subprocess) SetSymbolPath(ctx context.Context, paths []string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if !s.initialized {
		return errs.ErrNotInitialized
	}
	if len(paths) == 0 {
		return nil
	}
	if _, err := s.executeLocked(ctx, symbolPathCommand(paths)); err != nil {
		return fmt.Errorf("engine: set symbol path: %w", err)
	}
	s.symbolPaths = append([]string(nil), paths...)
	return nil
}

func symbolPathCommand(paths []string) string {
	return fmt.Sprintf("settings set target.debug-file-search-paths %s", strings.Join(paths, ":"))
}

func (s *Subprocess) LoadRuntimePlugin(ctx context.Context, pluginPath string) error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if !s.initialized {
		return errs.ErrNotInitialized
	}
	if s.pluginPath == pluginPath {
		return nil // already loaded; idempotent
	}
	if _, err := s.executeLocked(ctx, loadPluginCommand(pluginPath)); err != nil {
		return fmt.Errorf("engine: load runtime plugin: %w", err)
	}
	s.pluginPath = pluginPath
	s.managedRuntimeDetected = true
	return nil
}

func loadPluginCommand(pluginPath string) string {
	return fmt.Sprintf("plugin load %q", pluginPath)
}

// Dispose terminates the debugger subprocess and releases its pipes. Safe
// to call on an already-uninitialized or already-disposed Subprocess.
func (s *Subprocess) Dispose() error {
	s.execMu.Lock()
	defer s.execMu.Unlock()
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	_ = procutil.KillGroup(s.cmd.Process.Pid)
	procutil.WaitExit(s.cmd, s.cfg.RecoveryTimeout)
	s.initialized = false
	s.dumpOpen = false
	return nil
}

var _ Adapter = (*Subprocess)(nil)
