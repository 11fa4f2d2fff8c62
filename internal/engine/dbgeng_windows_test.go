//go:build windows

package engine

import "testing"

// The DbgEng adapter talks to dbgeng.dll directly; there is no fake to
// substitute the way writeFakeDebugger substitutes for the subprocess
// variant's shell script, so this only exercises the parts that don't
// require an actual COM session.
func TestDbgEngKindAndInitialState(t *testing.T) {
	d := NewDbgEng()
	if d.DebuggerKind() != DebuggerDbgEng {
		t.Errorf("DebuggerKind() = %v", d.DebuggerKind())
	}
	if d.Initialized() || d.DumpOpen() {
		t.Error("fresh DbgEng adapter should be uninitialized with no dump open")
	}
}
