package engine

import "testing"

func TestNormalizeCommandIdempotent(t *testing.T) {
	cases := []string{"  BT all  ", "p *this", "Thread Select 3"}
	for _, c := range cases {
		once := NormalizeCommand(c)
		twice := NormalizeCommand(once)
		if once != twice {
			t.Errorf("NormalizeCommand not idempotent for %q: %q != %q", c, once, twice)
		}
	}
}

func TestIsStateMutating(t *testing.T) {
	mutating := []string{"target create --core x", "process launch", "breakpoint set -n main", "p myVar", ".load sosext"}
	for _, c := range mutating {
		if !IsStateMutating(NormalizeCommand(c)) {
			t.Errorf("expected %q to be state-mutating", c)
		}
	}
	readonly := []string{"bt all", "image list", "memory read 0x1000"}
	for _, c := range readonly {
		if IsStateMutating(NormalizeCommand(c)) {
			t.Errorf("expected %q to be read-only", c)
		}
	}
}

func TestTransformForSubprocessStripsHistoryBang(t *testing.T) {
	if got := transformForSubprocess("!bt"); got != "bt" {
		t.Errorf("transformForSubprocess(!bt) = %q, want bt", got)
	}
	if got := transformForSubprocess("bt"); got != "bt" {
		t.Errorf("transformForSubprocess(bt) = %q, want bt", got)
	}
}

func TestContainsCrashMarker(t *testing.T) {
	if !containsCrashMarker("...\nSegmentation fault\n") {
		t.Error("expected crash marker to be detected")
	}
	if containsCrashMarker("(lldb) bt\nframe #0: 0x1000\n") {
		t.Error("did not expect crash marker in clean output")
	}
}

func TestCommandCacheBypassesStateMutating(t *testing.T) {
	c := NewCommandCache()
	c.SetEnabled(true)
	c.Put("target create --core x", "should not be stored")
	if _, ok := c.Get("target create --core x"); ok {
		t.Error("state-mutating command must bypass the cache")
	}

	c.Put("bt all", "frame #0")
	out, ok := c.Get("bt all")
	if !ok || out != "frame #0" {
		t.Errorf("Get(bt all) = %q, %v; want frame #0, true", out, ok)
	}
	hits, misses := c.Stats()
	if hits != 1 {
		t.Errorf("hits = %d, want 1", hits)
	}
	_ = misses
}

func TestCommandCacheDisabled(t *testing.T) {
	c := NewCommandCache()
	c.Put("bt all", "frame #0")
	if _, ok := c.Get("bt all"); ok {
		t.Error("disabled cache must not serve entries")
	}
}

func TestCommandCacheClear(t *testing.T) {
	c := NewCommandCache()
	c.SetEnabled(true)
	c.Put("bt all", "frame #0")
	c.Clear()
	if _, ok := c.Get("bt all"); ok {
		t.Error("Clear must empty the cache")
	}
	hits, misses := c.Stats()
	if hits != 0 || misses != 1 {
		t.Errorf("Stats after Clear = %d, %d; want 0, 1", hits, misses)
	}
}
