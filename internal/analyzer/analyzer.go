// Package analyzer implements the Dump Analyzer: inspecting a memory dump
// without opening it in the native debugger, to drive symbol acquisition
// and the Engine Adapter's open-dump orchestration.
package analyzer

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/logger"
)

const (
	moduleListTimeout = 30 * time.Second
	fileCommandTimeout = 10 * time.Second
)

// Module is one loaded module reported by the dump, with its load address.
type Module struct {
	LoadAddress uint64
	Path        string
}

// Result is everything the Engine Adapter and Symbol Cache need to open a
// dump without the analyzer itself touching the native debugger.
type Result struct {
	IsMusl              bool
	RuntimeVersion      string
	Architecture        dumpstore.Architecture
	ModuleLoadAddresses []Module
	MainExecutablePath  string
	MainExecutableName  string
}

// ModuleLister invokes the external tool that enumerates a dump's modules
// and their load addresses without opening it (e.g. the same acquisition
// tool run in a listing mode). Bounded to moduleListTimeout.
type ModuleLister interface {
	ListModules(ctx context.Context, dumpPath string) ([]byte, error)
}

// ArchDetector invokes the platform's file(1)-equivalent to classify the
// dump's target architecture. Bounded to fileCommandTimeout.
type ArchDetector interface {
	DetectArch(ctx context.Context, dumpPath string) ([]byte, error)
}

// execModuleLister shells out to a real module-enumeration binary.
type execModuleLister struct{ binary string }

// NewExecModuleLister returns a ModuleLister backed by the named binary,
// invoked as "<binary> --list-modules <dumpPath>".
func NewExecModuleLister(binary string) ModuleLister { return &execModuleLister{binary: binary} }

func (m *execModuleLister) ListModules(ctx context.Context, dumpPath string) ([]byte, error) {
	return runBounded(ctx, moduleListTimeout, m.binary, "--list-modules", dumpPath)
}

// execFileCommand shells out to file(1).
type execFileCommand struct{}

// NewFileCommandDetector returns an ArchDetector backed by the system's
// file(1) command.
func NewFileCommandDetector() ArchDetector { return &execFileCommand{} }

func (execFileCommand) DetectArch(ctx context.Context, dumpPath string) ([]byte, error) {
	return runBounded(ctx, fileCommandTimeout, "file", dumpPath)
}

// runBounded runs name with args under a deadline; on timeout the process
// is killed and whatever output was captured so far is still returned — the
// context deadline is what triggers exec's automatic kill, so a timeout
// surfaces as a non-nil error alongside the partial buffer rather than a
// panic.
func runBounded(ctx context.Context, timeout time.Duration, name string, args ...string) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	cmd := exec.CommandContext(cctx, name, args...)
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Analyzer runs the module-list and architecture-detection tools and
// assembles a Result.
type Analyzer struct {
	lister   ModuleLister
	detector ArchDetector
}

// New builds an Analyzer from its two external-tool collaborators.
func New(lister ModuleLister, detector ArchDetector) *Analyzer {
	return &Analyzer{lister: lister, detector: detector}
}

// Analyze inspects dumpPath and returns whatever it was able to determine.
// Timeouts on either sub-tool are logged and yield partial results rather
// than failing the whole analysis, since the Engine Adapter's open-dump
// orchestration can still proceed with an incomplete picture.
func (a *Analyzer) Analyze(ctx context.Context, dumpPath string) (*Result, error) {
	res := &Result{}

	moduleOut, err := a.lister.ListModules(ctx, dumpPath)
	if err != nil {
		logger.Warn("analyzer: module list tool failed or timed out, using partial output", "err", err)
	}
	modules := parseModuleList(moduleOut)
	res.ModuleLoadAddresses = modules
	res.IsMusl = detectMusl(modules)
	res.RuntimeVersion = detectRuntimeVersion(modules)
	if len(modules) > 0 {
		res.MainExecutablePath = modules[0].Path
		res.MainExecutableName = baseName(modules[0].Path)
	}

	archOut, err := a.detector.DetectArch(ctx, dumpPath)
	if err != nil {
		logger.Warn("analyzer: arch detection tool failed or timed out, using partial output", "err", err)
	}
	res.Architecture = normalizeArch(string(archOut))

	return res, nil
}

// hexPrefix matches 8+ hex characters at the start of a token — the
// "explicit first-token hex validation" the module-list parser anchors on,
// instead of regex-matching anywhere in the line.
var hexPrefix = regexp.MustCompile(`^[0-9a-fA-F]{8,}$`)

// parseModuleList scans line by line for "<8+ hex chars> ... /rooted/path"
// and returns every match, in order.
func parseModuleList(output []byte) []Module {
	var modules []Module
	scanner := bufio.NewScanner(bytes.NewReader(output))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		if !hexPrefix.MatchString(fields[0]) {
			continue
		}
		addr, err := strconv.ParseUint(fields[0], 16, 64)
		if err != nil {
			continue
		}
		var path string
		for _, f := range fields[1:] {
			if strings.HasPrefix(f, "/") {
				path = f
				break
			}
		}
		if path == "" {
			continue
		}
		modules = append(modules, Module{LoadAddress: addr, Path: path})
	}
	return modules
}

func detectMusl(modules []Module) bool {
	for _, m := range modules {
		if strings.Contains(m.Path, "ld-musl-") ||
			strings.Contains(m.Path, "/musl-") ||
			strings.Contains(m.Path, "linux-musl-") {
			return true
		}
	}
	return false
}

var runtimeVersionPathPattern = regexp.MustCompile(`Microsoft\.NETCore\.App[/\\](\d+\.\d+\.\d+)`)

func detectRuntimeVersion(modules []Module) string {
	for _, m := range modules {
		if match := runtimeVersionPathPattern.FindStringSubmatch(m.Path); match != nil {
			return match[1]
		}
	}
	return ""
}

func baseName(path string) string {
	idx := strings.LastIndexByte(path, '/')
	if idx < 0 {
		return path
	}
	return path[idx+1:]
}

// normalizeArch maps raw file(1)-style architecture tokens onto the
// service's canonical architecture set.
func normalizeArch(raw string) dumpstore.Architecture {
	lower := strings.ToLower(raw)
	switch {
	case strings.Contains(lower, "aarch64") || strings.Contains(lower, "arm aarch64"):
		return dumpstore.ArchARM64
	case strings.Contains(lower, "x86-64") || strings.Contains(lower, "x86_64") || strings.Contains(lower, "amd64"):
		return dumpstore.ArchX64
	case strings.Contains(lower, "i386") || strings.Contains(lower, "i686"):
		return dumpstore.ArchX86
	case strings.Contains(lower, "armv7") || strings.Contains(lower, "arm,"):
		return dumpstore.ArchARM
	default:
		return ""
	}
}
