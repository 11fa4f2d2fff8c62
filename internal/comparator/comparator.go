// Package comparator implements the Dump Comparator: given two dumps, it
// opens each in its own ephemeral Engine Adapter — never registered with
// the Session Manager — runs a fixed script of queries against both, and
// diffs the results.
package comparator

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/coredump-labs/postmortem/internal/dumpstore"
	"github.com/coredump-labs/postmortem/internal/engine"
)

// NewAdapterFunc constructs a fresh Engine Adapter, platform-selected the
// same way the Session Manager's factory is.
type NewAdapterFunc func() engine.Adapter

// Side is one dump's query results, captured for the diff.
type Side struct {
	UserID       string
	DumpID       string
	HeapSummary  string
	ThreadList   string
	ModuleList   string
}

// ModuleDiff reduces the two raw module listings down to
// modules present on only one side, which is what a caller actually wants
// to act on (a library added, removed, or renamed between two crashes).
type ModuleDiff struct {
	OnlyInA []string
	OnlyInB []string
}

// Result is the full comparison between two dumps.
type Result struct {
	A, B           Side
	ThreadCountA   int
	ThreadCountB   int
	Modules        ModuleDiff
}

// Compare opens both dumps in parallel ephemeral engines, runs the fixed
// query script against each, and computes the diff. A failure opening
// either side is fatal to the comparison only — no Session Manager state
// is touched, and both engines are guaranteed disposed.
func Compare(ctx context.Context, dumps *dumpstore.Store, newAdapter NewAdapterFunc, userA, dumpA, userB, dumpB string) (*Result, error) {
	var (
		sideA, sideB Side
		errA, errB   error
	)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		sideA, errA = runSide(ctx, dumps, newAdapter, userA, dumpA)
	}()
	go func() {
		defer wg.Done()
		sideB, errB = runSide(ctx, dumps, newAdapter, userB, dumpB)
	}()
	wg.Wait()

	if errA != nil {
		return nil, fmt.Errorf("comparator: side A (%s/%s): %w", userA, dumpA, errA)
	}
	if errB != nil {
		return nil, fmt.Errorf("comparator: side B (%s/%s): %w", userB, dumpB, errB)
	}

	return &Result{
		A:            sideA,
		B:            sideB,
		ThreadCountA: countLines(sideA.ThreadList),
		ThreadCountB: countLines(sideB.ThreadList),
		Modules:      diffModules(sideA.ModuleList, sideB.ModuleList),
	}, nil
}

func runSide(ctx context.Context, dumps *dumpstore.Store, newAdapter NewAdapterFunc, userID, dumpID string) (Side, error) {
	if !dumps.Exists(userID, dumpID) {
		return Side{}, fmt.Errorf("dump %s/%s does not exist", userID, dumpID)
	}

	a := newAdapter()
	defer a.Dispose()

	if err := a.Initialize(ctx); err != nil {
		return Side{}, fmt.Errorf("initialize: %w", err)
	}
	dumpPath := dumps.DumpPath(userID, dumpID)
	if err := a.OpenDump(ctx, dumpPath, ""); err != nil {
		return Side{}, fmt.Errorf("open dump: %w", err)
	}

	heap, err := a.Execute(ctx, "memory summary")
	if err != nil {
		return Side{}, fmt.Errorf("heap summary: %w", err)
	}
	threads, err := a.Execute(ctx, "thread list")
	if err != nil {
		return Side{}, fmt.Errorf("thread list: %w", err)
	}
	modules, err := a.Execute(ctx, "image list")
	if err != nil {
		return Side{}, fmt.Errorf("module list: %w", err)
	}

	return Side{
		UserID:      userID,
		DumpID:      dumpID,
		HeapSummary: heap,
		ThreadList:  threads,
		ModuleList:  modules,
	}, nil
}

func countLines(s string) int {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0
	}
	return len(strings.Split(s, "\n"))
}

// diffModules reduces two raw `image list` outputs to the module basenames
// present in one but not the other, ignoring load addresses (which always
// differ between two independent processes) and comparing by path token.
func diffModules(a, b string) ModuleDiff {
	setA := moduleSet(a)
	setB := moduleSet(b)

	var diff ModuleDiff
	for m := range setA {
		if _, ok := setB[m]; !ok {
			diff.OnlyInA = append(diff.OnlyInA, m)
		}
	}
	for m := range setB {
		if _, ok := setA[m]; !ok {
			diff.OnlyInB = append(diff.OnlyInB, m)
		}
	}
	return diff
}

func moduleSet(listing string) map[string]struct{} {
	set := map[string]struct{}{}
	for _, line := range strings.Split(listing, "\n") {
		fields := strings.Fields(line)
		for _, f := range fields {
			if strings.HasPrefix(f, "/") {
				set[f] = struct{}{}
				break
			}
		}
	}
	return set
}
