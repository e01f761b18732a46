// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"cmp"
	"slices"
	"sync"
	"time"
)

// DirtyEntry describes a context whose in-memory facts differ from its
// saved snapshot.
type DirtyEntry struct {
	// ContextID is the analysis context.
	ContextID string

	// MarkedAt is when the context was last marked.
	MarkedAt time.Time

	// Source says what changed it ("record", "revoke", "sweep").
	Source string

	// Generation increases on every mark.
	Generation uint64
}

// DirtyTracker tracks contexts changed since their last save.
//
// Description:
//
//	Every mark bumps a generation. A save reads the generation before it
//	snapshots and clears only if nothing was marked meanwhile, so a change
//	that races a save is never lost.
//
// Thread Safety:
//
//	All methods are safe for concurrent use.
type DirtyTracker struct {
	mu      sync.RWMutex
	entries map[string]DirtyEntry
	gen     uint64
}

// NewDirtyTracker creates an empty tracker.
func NewDirtyTracker() *DirtyTracker {
	return &DirtyTracker{entries: make(map[string]DirtyEntry)}
}

// MarkDirty marks contextID as changed.
func (d *DirtyTracker) MarkDirty(contextID, source string) {
	if contextID == "" {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen++
	d.entries[contextID] = DirtyEntry{
		ContextID:  contextID,
		MarkedAt:   time.Now(),
		Source:     source,
		Generation: d.gen,
	}
}

// Generation returns the generation contextID was last marked at, or 0 if
// it is clean.
func (d *DirtyTracker) Generation(contextID string) uint64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.entries[contextID].Generation
}

// IsDirty reports whether contextID is marked.
func (d *DirtyTracker) IsDirty(contextID string) bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	_, ok := d.entries[contextID]
	return ok
}

// HasDirty reports whether any context is marked.
func (d *DirtyTracker) HasDirty() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries) > 0
}

// Count returns the number of marked contexts.
func (d *DirtyTracker) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.entries)
}

// Dirty returns the marked context ids, sorted. Does not clear.
func (d *DirtyTracker) Dirty() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	ids := make([]string, 0, len(d.entries))
	for id := range d.entries {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Entries returns copies of every entry, oldest mark first.
func (d *DirtyTracker) Entries() []DirtyEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]DirtyEntry, 0, len(d.entries))
	for _, e := range d.entries {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b DirtyEntry) int {
		return cmp.Compare(a.Generation, b.Generation)
	})
	return out
}

// ClearIf clears contextID if it has not been marked after generation.
//
// Outputs:
//
//	bool - True if the entry was cleared.
func (d *DirtyTracker) ClearIf(contextID string, generation uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	e, ok := d.entries[contextID]
	if !ok || e.Generation > generation {
		return false
	}
	delete(d.entries, contextID)
	return true
}

// Clear clears contextID unconditionally.
func (d *DirtyTracker) Clear(contextID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.entries, contextID)
}

// ClearAll clears every entry and returns how many were cleared.
func (d *DirtyTracker) ClearAll() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.entries)
	d.entries = make(map[string]DirtyEntry)
	return n
}
