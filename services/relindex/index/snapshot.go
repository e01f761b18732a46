// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package index

import (
	"slices"
	"time"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

// RelationEntry is one relationship block of a snapshot element.
type RelationEntry struct {
	Relationship element.Relationship
	Locations    []element.ContributedLocation
}

// Snapshot is a read-only, point-in-time view of the facts whose subject
// belongs to one analysis context.
//
// Ordering is stable and is the order the codec writes:
//   - elements by encoding
//   - relationships by identifier
//   - locations by (target, offset, length, prefix, contributor)
//
// Locations may target elements outside the context; only subjects are
// filtered.
type Snapshot struct {
	elements  []element.Element
	relations map[element.Element][]RelationEntry
	locations int
}

// Snapshot produces the read-only view restricted to subjects for which
// filter returns true.
//
// Description:
//
//	The filter is evaluated exactly once per subject element. The view is
//	copied under the read lock, so it is consistent and unaffected by later
//	writes.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) Snapshot(filter ContextFilter) *Snapshot {
	start := time.Now()
	if filter == nil {
		filter = All()
	}

	s.mu.RLock()
	snap := &Snapshot{relations: make(map[element.Element][]RelationEntry)}
	for subject, rels := range s.relationships {
		if !filter(subject) {
			continue
		}
		entries := make([]RelationEntry, 0, len(rels))
		for rel, set := range rels {
			locs := make([]element.ContributedLocation, 0, len(set))
			for cl := range set {
				locs = append(locs, cl)
			}
			entries = append(entries, RelationEntry{Relationship: rel, Locations: locs})
			snap.locations += len(locs)
		}
		snap.elements = append(snap.elements, subject)
		snap.relations[subject] = entries
	}
	locations := s.locationCount
	s.mu.RUnlock()

	// Sorting happens outside the lock; the copies are private.
	snap.sort()
	recordOperation("snapshot", start, locations)
	return snap
}

// NewSnapshot builds a snapshot directly from facts, for callers holding
// decoded facts that are not resident in a store.
func NewSnapshot(facts []Fact) *Snapshot {
	snap := &Snapshot{relations: make(map[element.Element][]RelationEntry)}
	pos := make(map[element.Element]map[element.Relationship]int)
	for _, f := range facts {
		entries, ok := snap.relations[f.Subject]
		if !ok {
			snap.elements = append(snap.elements, f.Subject)
			pos[f.Subject] = make(map[element.Relationship]int)
		}
		i, ok := pos[f.Subject][f.Relationship]
		if !ok {
			i = len(entries)
			pos[f.Subject][f.Relationship] = i
			entries = append(entries, RelationEntry{Relationship: f.Relationship})
		}
		entries[i].Locations = append(entries[i].Locations, f.Contributed())
		snap.relations[f.Subject] = entries
		snap.locations++
	}
	snap.sort()
	return snap
}

func (s *Snapshot) sort() {
	slices.SortFunc(s.elements, element.Compare)
	for _, entries := range s.relations {
		slices.SortFunc(entries, func(a, b RelationEntry) int {
			return element.CompareRelationships(a.Relationship, b.Relationship)
		})
		for _, e := range entries {
			slices.SortFunc(e.Locations, element.CompareContributed)
		}
	}
}

// Len returns the number of subject elements.
func (s *Snapshot) Len() int {
	return len(s.elements)
}

// LocationCount returns the number of contributed locations.
func (s *Snapshot) LocationCount() int {
	return s.locations
}

// Elements returns the subject elements in write order.
func (s *Snapshot) Elements() []element.Element {
	return slices.Clone(s.elements)
}

// Relations returns the relationship blocks of subject in write order.
// The returned entries are copies.
func (s *Snapshot) Relations(subject element.Element) []RelationEntry {
	entries := s.relations[subject]
	out := make([]RelationEntry, len(entries))
	for i, e := range entries {
		out[i] = RelationEntry{Relationship: e.Relationship, Locations: slices.Clone(e.Locations)}
	}
	return out
}

// Locations returns the locations for (subject, relationship) in write
// order, one per contributed fact.
func (s *Snapshot) Locations(subject element.Element, relationship element.Relationship) []element.Location {
	for _, e := range s.relations[subject] {
		if e.Relationship != relationship {
			continue
		}
		out := make([]element.Location, len(e.Locations))
		for i, cl := range e.Locations {
			out[i] = cl.Location
		}
		return out
	}
	return nil
}

// Facts flattens the snapshot in write order.
func (s *Snapshot) Facts() []Fact {
	out := make([]Fact, 0, s.locations)
	for _, subject := range s.elements {
		for _, e := range s.relations[subject] {
			for _, cl := range e.Locations {
				out = append(out, Fact{
					Subject:      subject,
					Relationship: e.Relationship,
					Location:     cl.Location,
					Contributor:  cl.Contributor,
				})
			}
		}
	}
	return out
}

// Equal reports whether two snapshots hold the same facts, ignoring
// contributors. Location multiplicity matters: a location asserted by two
// contributors counts twice.
func (s *Snapshot) Equal(other *Snapshot) bool {
	if s.Len() != other.Len() || s.locations != other.locations {
		return false
	}
	for i, subject := range s.elements {
		if other.elements[i] != subject {
			return false
		}
		a, b := s.relations[subject], other.relations[subject]
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j].Relationship != b[j].Relationship {
				return false
			}
			if !slices.Equal(sortedLocations(a[j].Locations), sortedLocations(b[j].Locations)) {
				return false
			}
		}
	}
	return true
}

// sortedLocations drops contributors and sorts, so that two multisets of
// locations compare equal regardless of who asserted them.
func sortedLocations(cls []element.ContributedLocation) []element.Location {
	out := make([]element.Location, len(cls))
	for i, cl := range cls {
		out[i] = cl.Location
	}
	slices.SortFunc(out, element.CompareLocations)
	return out
}
