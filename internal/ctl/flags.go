package ctl

import "sync"

// Flags is a set of named boolean conditions shared by the actions of one
// object, such as "synced" on a folder whose config matches its file.
//
// Every Clear bumps a per-name generation. An action snapshots the
// generations of its conditions when it starts and only sets them on
// success if no Clear happened in between, so a run that saw stale state
// never marks the object as satisfied.
type Flags struct {
	mu  sync.Mutex
	set map[string]bool
	gen map[string]uint64
}

// NewFlags returns an empty flag set.
func NewFlags() *Flags {
	return &Flags{
		set: make(map[string]bool),
		gen: make(map[string]uint64),
	}
}

// Is reports whether name is set.
func (f *Flags) Is(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.set[name]
}

// All reports whether every name is set. It is false for an empty list.
func (f *Flags) All(names ...string) bool {
	if len(names) == 0 {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		if !f.set[n] {
			return false
		}
	}
	return true
}

// Set marks every name.
func (f *Flags) Set(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		f.set[n] = true
	}
}

// Clear unmarks every name.
func (f *Flags) Clear(names ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, n := range names {
		delete(f.set, n)
		f.gen[n]++
	}
}

func (f *Flags) snapshot(names []string) []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	gens := make([]uint64, len(names))
	for i, n := range names {
		gens[i] = f.gen[n]
	}
	return gens
}

// setIf sets the names whose generation still matches gens.
func (f *Flags) setIf(names []string, gens []uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, n := range names {
		if f.gen[n] == gens[i] {
			f.set[n] = true
		}
	}
}
