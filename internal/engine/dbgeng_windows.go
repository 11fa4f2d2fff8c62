//go:build windows

package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"unsafe"

	"golang.org/x/sys/windows"

	"github.com/coredump-labs/postmortem/internal/errs"
)

// DbgEng is the COM-in-process Engine Adapter variant, driving the Debug
// Engine (dbgeng.dll) directly in-process rather than through stdin/stdout
// framing. There is no subprocess to crash independently of this process,
// so crash detection here means the engine itself reported a fatal state;
// recovery re-creates the COM client and replays the same deterministic
// setup sequence the subprocess variant does.
type DbgEng struct {
	mu sync.Mutex

	client *idebugClient
	output *outputCallbacks

	initialized, dumpOpen bool
	dumpPath, execPath    string
	pluginPath            string
	managedRuntimeDetected bool
	recoveryCount          atomic.Int64

	cache *CommandCache
}

// NewDbgEng returns an uninitialized DbgEng adapter. Call Initialize
// before any other method.
func NewDbgEng() *DbgEng {
	return &DbgEng{cache: NewCommandCache()}
}

var _ Adapter = (*DbgEng)(nil)

func (d *DbgEng) DebuggerKind() DebuggerKind { return DebuggerDbgEng }

func (d *DbgEng) Initialize(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initializeLocked()
}

func (d *DbgEng) initializeLocked() error {
	client, err := newIDebugClient()
	if err != nil {
		return fmt.Errorf("dbgeng: create client: %w", err)
	}
	out := newOutputCallbacks()
	if err := client.SetOutputCallbacks(out); err != nil {
		client.Release()
		return fmt.Errorf("dbgeng: set output callbacks: %w", err)
	}
	d.client = client
	d.output = out
	d.initialized = true
	return nil
}

func (d *DbgEng) OpenDump(ctx context.Context, dumpPath string, executablePath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return fmt.Errorf("dbgeng: open dump: %w", errs.ErrNotInitialized)
	}
	if err := d.client.OpenDumpFile(dumpPath); err != nil {
		return fmt.Errorf("dbgeng: open dump file %s: %w", dumpPath, err)
	}
	d.dumpPath = dumpPath
	d.execPath = executablePath
	d.dumpOpen = true
	d.cache.SetEnabled(true)
	return nil
}

func (d *DbgEng) CloseDump(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.dumpOpen {
		return nil
	}
	if err := d.client.EndSession(); err != nil {
		return fmt.Errorf("dbgeng: end session: %w", err)
	}
	d.dumpOpen = false
	d.dumpPath = ""
	d.execPath = ""
	d.cache.Clear()
	d.cache.SetEnabled(false)
	return nil
}

func (d *DbgEng) Execute(ctx context.Context, cmd string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.initialized {
		return "", fmt.Errorf("dbgeng: execute: %w", errs.ErrNotInitialized)
	}
	if !d.dumpOpen {
		return "", fmt.Errorf("dbgeng: execute: %w", errs.ErrNoDump)
	}

	normalized := NormalizeCommand(cmd)
	if out, ok := d.cache.Get(normalized); ok {
		return out, nil
	}

	// The "!" history-expansion sigil is a subprocess-grammar quirk; the
	// in-process engine takes the command as-is.
	d.output.reset()
	if err := d.client.Execute(cmd); err != nil {
		return "", fmt.Errorf("dbgeng: execute %q: %w", truncate(cmd, 100), err)
	}
	captured := d.output.captured()

	if containsCrashMarker(captured) {
		if err := d.recoverLocked(); err != nil {
			return "", fmt.Errorf("dbgeng: recover after crash: %w", err)
		}
		return "", fmt.Errorf("command %q: %w", truncate(cmd, 100), errs.ErrEngineCrashed)
	}

	d.cache.Put(normalized, captured)
	return captured, nil
}

func (d *DbgEng) recoverLocked() error {
	dumpPath, execPath, wasOpen := d.dumpPath, d.execPath, d.dumpOpen

	if d.client != nil {
		d.client.Release()
	}
	if err := d.initializeLocked(); err != nil {
		return err
	}
	d.recoveryCount.Add(1)
	if wasOpen {
		if err := d.client.OpenDumpFile(dumpPath); err != nil {
			return fmt.Errorf("reopen dump after recovery: %w", err)
		}
		d.dumpPath = dumpPath
		d.execPath = execPath
		d.dumpOpen = true
		d.cache.Clear()
		d.cache.SetEnabled(true)
	}
	return nil
}

func (d *DbgEng) LoadRuntimePlugin(ctx context.Context, pluginPath string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pluginPath == pluginPath {
		return nil
	}
	if err := d.client.LoadExtension(pluginPath); err != nil {
		return fmt.Errorf("dbgeng: load extension %s: %w", pluginPath, err)
	}
	d.pluginPath = pluginPath
	d.managedRuntimeDetected = true
	return nil
}

func (d *DbgEng) SetSymbolPath(ctx context.Context, paths []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.client.SetSymbolPath(strings.Join(paths, ";")); err != nil {
		return fmt.Errorf("dbgeng: set symbol path: %w", err)
	}
	return nil
}

func (d *DbgEng) Dispose() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client != nil {
		d.client.Release()
		d.client = nil
	}
	return nil
}

func (d *DbgEng) Initialized() bool             { d.mu.Lock(); defer d.mu.Unlock(); return d.initialized }
func (d *DbgEng) DumpOpen() bool                { d.mu.Lock(); defer d.mu.Unlock(); return d.dumpOpen }
func (d *DbgEng) RuntimePluginLoaded() bool      { d.mu.Lock(); defer d.mu.Unlock(); return d.pluginPath != "" }
func (d *DbgEng) ManagedRuntimeDetected() bool   { d.mu.Lock(); defer d.mu.Unlock(); return d.managedRuntimeDetected }
func (d *DbgEng) CurrentDumpPath() string        { d.mu.Lock(); defer d.mu.Unlock(); return d.dumpPath }
func (d *DbgEng) RecoveryCount() int             { return int(d.recoveryCount.Load()) }

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// --- minimal COM plumbing over the Debug Engine vtable ---
//
// dbgeng.dll exposes its functionality through IDebugClient, IDebugControl
// and IDebugOutputCallbacks COM interfaces. There is no cgo in this repo,
// so calls go straight through syscall against the vtable function
// pointers, the same technique the Windows-only parts of the standard
// library's own syscall package use for other COM-less Windows APIs.

var (
	modDbgEng       = windows.NewLazySystemDLL("dbgeng.dll")
	procDebugCreate = modDbgEng.NewProc("DebugCreate")
)

// iidIDebugClient5 is the well-known IID for IDebugClient5, the broadest
// client interface exposing OpenDumpFile/EndSession/Execute et al in one
// vtable via interface inheritance.
var iidIDebugClient5 = windows.GUID{
	Data1: 0xe3acb9d7, Data2: 0x7ec2, Data3: 0x4f0c,
	Data4: [8]byte{0xa0, 0xda, 0xe8, 0x1e, 0x0c, 0xbb, 0xe6, 0x28},
}

type idebugClient struct {
	ptr uintptr
}

func newIDebugClient() (*idebugClient, error) {
	var out uintptr
	r, _, _ := procDebugCreate.Call(uintptr(unsafe.Pointer(&iidIDebugClient5)), uintptr(unsafe.Pointer(&out)))
	if r != 0 {
		return nil, fmt.Errorf("DebugCreate failed: hresult=0x%x", r)
	}
	return &idebugClient{ptr: out}, nil
}

// vtable slot indices below follow the published IDebugClient5/IDebugControl4
// ordering; only the subset this adapter exercises is called.
const (
	slotOpenDumpFile      = 18
	slotEndSession        = 9
	slotSetOutputCallbacks = 3
	slotExecute           = 14
	slotSetSymbolPath     = 20
	slotLoadExtension     = 32
	slotRelease           = 2
)

func (c *idebugClient) call(slot int, args ...uintptr) (uintptr, error) {
	vtbl := *(*uintptr)(unsafe.Pointer(c.ptr))
	fn := *(*uintptr)(unsafe.Pointer(vtbl + uintptr(slot)*unsafe.Sizeof(uintptr(0))))
	full := append([]uintptr{c.ptr}, args...)
	r, _, _ := syscall.SyscallN(fn, full...)
	if int32(r) < 0 {
		return r, fmt.Errorf("hresult=0x%x", r)
	}
	return r, nil
}

func (c *idebugClient) OpenDumpFile(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	_, err = c.call(slotOpenDumpFile, uintptr(unsafe.Pointer(p)))
	return err
}

func (c *idebugClient) EndSession() error {
	_, err := c.call(slotEndSession, 0 /* DEBUG_END_ACTIVE_TERMINATE */)
	return err
}

func (c *idebugClient) SetOutputCallbacks(cb *outputCallbacks) error {
	_, err := c.call(slotSetOutputCallbacks, uintptr(unsafe.Pointer(cb.comPtr())))
	return err
}

func (c *idebugClient) Execute(cmd string) error {
	p, err := windows.UTF16PtrFromString(cmd)
	if err != nil {
		return err
	}
	_, err = c.call(slotExecute, 0 /* DEBUG_OUTCTL_THIS_CLIENT */, uintptr(unsafe.Pointer(p)), 0)
	return err
}

func (c *idebugClient) SetSymbolPath(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	_, err = c.call(slotSetSymbolPath, uintptr(unsafe.Pointer(p)))
	return err
}

func (c *idebugClient) LoadExtension(path string) error {
	p, err := windows.UTF16PtrFromString(path)
	if err != nil {
		return err
	}
	_, err = c.call(slotLoadExtension, uintptr(unsafe.Pointer(p)), 0, uintptr(unsafe.Pointer(nil)))
	return err
}

func (c *idebugClient) Release() {
	c.call(slotRelease)
}

// outputCallbacks backs a minimal IDebugOutputCallbacks COM object so the
// engine's Execute output lands in a Go buffer instead of a console.
type outputCallbacks struct {
	mu  sync.Mutex
	buf strings.Builder
	vt  [4]uintptr
	obj [1]uintptr
}

func newOutputCallbacks() *outputCallbacks {
	cb := &outputCallbacks{}
	cb.vt[0] = windows.NewCallback(cb.queryInterface)
	cb.vt[1] = windows.NewCallback(cb.addRef)
	cb.vt[2] = windows.NewCallback(cb.release)
	cb.vt[3] = windows.NewCallback(cb.output)
	cb.obj[0] = uintptr(unsafe.Pointer(&cb.vt[0]))
	return cb
}

func (cb *outputCallbacks) comPtr() *uintptr { return &cb.obj[0] }

func (cb *outputCallbacks) queryInterface(this, riid, ppv uintptr) uintptr { return 0 }
func (cb *outputCallbacks) addRef(this uintptr) uintptr                   { return 1 }
func (cb *outputCallbacks) release(this uintptr) uintptr                  { return 1 }

func (cb *outputCallbacks) output(this uintptr, mask uint32, text uintptr) uintptr {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buf.WriteString(windows.UTF16PtrToString((*uint16)(unsafe.Pointer(text))))
	return 0
}

func (cb *outputCallbacks) reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.buf.Reset()
}

func (cb *outputCallbacks) captured() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.buf.String()
}
