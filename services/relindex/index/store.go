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
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

// DefaultInitialCapacity is the default number of subject elements the
// primary map is sized for.
const DefaultInitialCapacity = 1024

// StoreOptions configures MemoryIndexStore.
type StoreOptions struct {
	// InitialCapacity presizes the primary map.
	// Default: 1024
	InitialCapacity int
}

// DefaultStoreOptions returns the default options.
func DefaultStoreOptions() StoreOptions {
	return StoreOptions{InitialCapacity: DefaultInitialCapacity}
}

// StoreOption is a functional option for configuring MemoryIndexStore.
type StoreOption func(*StoreOptions)

// WithInitialCapacity presizes the primary map for n subject elements.
func WithInitialCapacity(n int) StoreOption {
	return func(o *StoreOptions) {
		if n > 0 {
			o.InitialCapacity = n
		}
	}
}

// StoreStats contains statistics about the store.
type StoreStats struct {
	// Elements is the number of subject elements with at least one entry.
	Elements int

	// Entries is the number of (subject, relationship) pairs.
	Entries int

	// Locations is the number of contributed locations.
	Locations int

	// Contributors is the number of contributors with at least one fact.
	Contributors int
}

type locationSet map[element.ContributedLocation]struct{}

// MemoryIndexStore is the in-memory relationship index.
//
// The store maintains two maps, updated together under one lock:
//   - relationships: subject → relationship → set of contributed locations
//   - byContributor: contributor → set of facts (the reverse index)
//
// The reverse index is what keeps RevokeContributor proportional to the
// contributor's fact count, so a revoke + re-record cycle stays incremental.
//
// Invariants:
//   - no entry holds an empty location set, no subject holds an empty map
//   - no fact has an empty subject, relationship, target or contributor
//   - a fact is in byContributor iff it is in relationships
//
// Thread Safety:
//
//	MemoryIndexStore is safe for concurrent use.
type MemoryIndexStore struct {
	mu sync.RWMutex

	relationships map[element.Element]map[element.Relationship]locationSet
	byContributor map[element.ContributorID]map[Fact]struct{}

	entryCount    int
	locationCount int

	options StoreOptions
}

// NewMemoryIndexStore creates an empty store.
//
// Example:
//
//	store := NewMemoryIndexStore()
//	store.RecordRelationship(subject, element.IsReferencedBy,
//	    element.NewLocation(caller, 120, 7), "lib/a.dart")
func NewMemoryIndexStore(opts ...StoreOption) *MemoryIndexStore {
	options := DefaultStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &MemoryIndexStore{
		relationships: make(map[element.Element]map[element.Relationship]locationSet, options.InitialCapacity),
		byContributor: make(map[element.ContributorID]map[Fact]struct{}),
		options:       options,
	}
}

// RecordRelationship records that subject has relationship at location,
// as asserted by contributor.
//
// Description:
//
//	Idempotent on (subject, relationship, location, contributor): recording
//	the same fact twice leaves the store unchanged. Offset and length are
//	opaque. Facts with an empty identity are a caller contract violation
//	and are not stored.
//
// Outputs:
//
//	bool - True if the fact was newly added.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) RecordRelationship(
	subject element.Element,
	relationship element.Relationship,
	location element.Location,
	contributor element.ContributorID,
) bool {
	f := Fact{Subject: subject, Relationship: relationship, Location: location, Contributor: contributor}
	if f.Validate() != nil {
		return false
	}

	s.mu.Lock()
	added := s.recordLocked(f)
	s.mu.Unlock()

	if added {
		recordFactDelta(1, 0)
	}
	return added
}

// RecordBatch records many facts under one write lock.
//
// Description:
//
//	Validates every fact first; if any is invalid, nothing is recorded and
//	a *BatchError lists all problems. Otherwise all facts become visible to
//	readers at once. Duplicates (within the batch or already stored) are
//	skipped as in RecordRelationship.
//
// Outputs:
//
//	int - Number of facts newly added.
//	error - *BatchError if validation failed.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) RecordBatch(facts []Fact) (int, error) {
	if len(facts) == 0 {
		return 0, nil
	}
	if err := ValidateFacts(facts); err != nil {
		return 0, err
	}

	start := time.Now()
	s.mu.Lock()
	added := 0
	for _, f := range facts {
		if s.recordLocked(f) {
			added++
		}
	}
	locations := s.locationCount
	s.mu.Unlock()

	recordFactDelta(added, 0)
	recordOperation("record_batch", start, locations)
	return added, nil
}

// recordLocked adds a fact to both maps. Caller must hold s.mu.Lock().
func (s *MemoryIndexStore) recordLocked(f Fact) bool {
	rels, ok := s.relationships[f.Subject]
	if !ok {
		rels = make(map[element.Relationship]locationSet)
		s.relationships[f.Subject] = rels
	}
	set, ok := rels[f.Relationship]
	if !ok {
		set = make(locationSet)
		rels[f.Relationship] = set
		s.entryCount++
	}

	cl := f.Contributed()
	if _, exists := set[cl]; exists {
		return false
	}
	set[cl] = struct{}{}
	s.locationCount++

	facts, ok := s.byContributor[f.Contributor]
	if !ok {
		facts = make(map[Fact]struct{})
		s.byContributor[f.Contributor] = facts
	}
	facts[f] = struct{}{}
	return true
}

// deleteLocked removes a fact from both maps and prunes empty containers.
// Caller must hold s.mu.Lock().
//
// Outputs:
//
//	bool - True if removing the fact emptied its (subject, relationship) entry.
func (s *MemoryIndexStore) deleteLocked(f Fact) bool {
	if facts, ok := s.byContributor[f.Contributor]; ok {
		delete(facts, f)
		if len(facts) == 0 {
			delete(s.byContributor, f.Contributor)
		}
	}

	rels, ok := s.relationships[f.Subject]
	if !ok {
		return false
	}
	set, ok := rels[f.Relationship]
	if !ok {
		return false
	}
	cl := f.Contributed()
	if _, exists := set[cl]; !exists {
		return false
	}
	delete(set, cl)
	s.locationCount--

	if len(set) > 0 {
		return false
	}
	delete(rels, f.Relationship)
	s.entryCount--
	if len(rels) == 0 {
		delete(s.relationships, f.Subject)
	}
	return true
}

// GetRelationshipLocations returns the locations at which subject has
// relationship.
//
// Description:
//
//	The sequence is produced lazily from a copy taken under the read lock,
//	so it reflects one point in time and may be consumed after other
//	writes. Order is unspecified. Locations asserted by several
//	contributors appear once per contributor. Absent keys yield an empty
//	sequence.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) GetRelationshipLocations(subject element.Element, relationship element.Relationship) iter.Seq[element.Location] {
	contributed := s.GetContributedLocations(subject, relationship)
	return func(yield func(element.Location) bool) {
		for _, cl := range contributed {
			if !yield(cl.Location) {
				return
			}
		}
	}
}

// Locations is GetRelationshipLocations collected into a slice.
func (s *MemoryIndexStore) Locations(subject element.Element, relationship element.Relationship) []element.Location {
	return slices.Collect(s.GetRelationshipLocations(subject, relationship))
}

// GetContributedLocations returns a copy of the contributed locations for
// (subject, relationship), or nil if there are none.
//
// Thread Safety:
//
//	This method is safe for concurrent use. The returned slice is a copy.
func (s *MemoryIndexStore) GetContributedLocations(subject element.Element, relationship element.Relationship) []element.ContributedLocation {
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.relationships[subject][relationship]
	if len(set) == 0 {
		return nil
	}
	out := make([]element.ContributedLocation, 0, len(set))
	for cl := range set {
		out = append(out, cl)
	}
	return out
}

// Relationships returns the relationship kinds recorded for subject,
// ordered by identifier.
func (s *MemoryIndexStore) Relationships(subject element.Element) []element.Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rels := s.relationships[subject]
	if len(rels) == 0 {
		return nil
	}
	out := make([]element.Relationship, 0, len(rels))
	for r := range rels {
		out = append(out, r)
	}
	slices.SortFunc(out, element.CompareRelationships)
	return out
}

// RevokeContributor removes every fact asserted by contributor.
//
// Description:
//
//	Walks the contributor's reverse-index set, so the cost is proportional
//	to that contributor's fact count. Facts from other contributors for the
//	same (subject, relationship) are untouched. Revoking a contributor with
//	no facts is a no-op.
//
// Outputs:
//
//	int - Number of (subject, relationship) entries fully removed.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) RevokeContributor(contributor element.ContributorID) int {
	start := time.Now()

	s.mu.Lock()
	facts := s.byContributor[contributor]
	if len(facts) == 0 {
		s.mu.Unlock()
		return 0
	}
	removedFacts := len(facts)
	removedEntries := 0
	for f := range facts {
		if s.deleteLocked(f) {
			removedEntries++
		}
	}
	delete(s.byContributor, contributor)
	locations := s.locationCount
	s.mu.Unlock()

	recordFactDelta(0, removedFacts)
	recordOperation("revoke", start, locations)
	return removedEntries
}

// RevokeContributorFacts removes every fact asserted by contributor and
// returns the removed facts, taken in the same locked pass.
//
// Outputs:
//
//	[]Fact - The facts removed, in no particular order.
//	int - Number of (subject, relationship) entries fully removed.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) RevokeContributorFacts(contributor element.ContributorID) ([]Fact, int) {
	start := time.Now()

	s.mu.Lock()
	facts := s.byContributor[contributor]
	if len(facts) == 0 {
		s.mu.Unlock()
		return nil, 0
	}
	removed := make([]Fact, 0, len(facts))
	removedEntries := 0
	for f := range facts {
		removed = append(removed, f)
		if s.deleteLocked(f) {
			removedEntries++
		}
	}
	delete(s.byContributor, contributor)
	locations := s.locationCount
	s.mu.Unlock()

	recordFactDelta(0, len(removed))
	recordOperation("revoke", start, locations)
	return removed, removedEntries
}

// Replace revokes every contributor in revoke and records facts as one
// write.
//
// Description:
//
//	Facts are validated first; if any is invalid nothing changes and a
//	*BatchError is returned. Otherwise readers observe either the state
//	before the call or the state after it, never a mix.
//
// Outputs:
//
//	int - Number of (subject, relationship) entries fully removed.
//	int - Number of facts newly added.
//	error - *BatchError if validation failed.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) Replace(revoke []element.ContributorID, facts []Fact) (int, int, error) {
	if err := ValidateFacts(facts); err != nil {
		return 0, 0, err
	}

	start := time.Now()
	s.mu.Lock()
	removedFacts := 0
	removedEntries := 0
	for _, c := range revoke {
		for f := range s.byContributor[c] {
			removedFacts++
			if s.deleteLocked(f) {
				removedEntries++
			}
		}
		delete(s.byContributor, c)
	}
	added := 0
	for _, f := range facts {
		if s.recordLocked(f) {
			added++
		}
	}
	locations := s.locationCount
	s.mu.Unlock()

	recordFactDelta(added, removedFacts)
	recordOperation("replace", start, locations)
	return removedEntries, added, nil
}

// SweepContext removes everything said by or about a disposed context.
//
// Description:
//
//	Removes every fact whose subject passes filter and every fact whose
//	location targets an element passing filter. The filter is evaluated
//	once per distinct element.
//
// Outputs:
//
//	int - Number of (subject, relationship) entries fully removed.
//
// Thread Safety:
//
//	This method is safe for concurrent use.
func (s *MemoryIndexStore) SweepContext(filter ContextFilter) int {
	start := time.Now()
	in := memoize(filter)

	s.mu.Lock()
	removedFacts := 0
	removedEntries := 0
	for subject, rels := range s.relationships {
		subjectIn := in(subject)
		for rel, set := range rels {
			for cl := range set {
				if !subjectIn && !in(cl.Location.Element) {
					continue
				}
				removedFacts++
				f := Fact{Subject: subject, Relationship: rel, Location: cl.Location, Contributor: cl.Contributor}
				if s.deleteLocked(f) {
					removedEntries++
				}
			}
		}
	}
	locations := s.locationCount
	s.mu.Unlock()

	recordFactDelta(0, removedFacts)
	recordOperation("sweep", start, locations)
	return removedEntries
}

// Contributors returns every contributor with at least one fact, sorted.
func (s *MemoryIndexStore) Contributors() []element.ContributorID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]element.ContributorID, 0, len(s.byContributor))
	for c := range s.byContributor {
		out = append(out, c)
	}
	slices.Sort(out)
	return out
}

// FactsOf returns a copy of every fact contributor has asserted, in no
// particular order.
func (s *MemoryIndexStore) FactsOf(contributor element.ContributorID) []Fact {
	s.mu.RLock()
	defer s.mu.RUnlock()

	facts := s.byContributor[contributor]
	if len(facts) == 0 {
		return nil
	}
	out := make([]Fact, 0, len(facts))
	for f := range facts {
		out = append(out, f)
	}
	return out
}

// ContributorFactCount returns how many facts contributor has asserted.
func (s *MemoryIndexStore) ContributorFactCount(contributor element.ContributorID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byContributor[contributor])
}

// Stats returns counts using maintained counters, not map traversal.
func (s *MemoryIndexStore) Stats() StoreStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreStats{
		Elements:     len(s.relationships),
		Entries:      s.entryCount,
		Locations:    s.locationCount,
		Contributors: len(s.byContributor),
	}
}

// Clear removes every fact.
func (s *MemoryIndexStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.relationships = make(map[element.Element]map[element.Relationship]locationSet, s.options.InitialCapacity)
	s.byContributor = make(map[element.ContributorID]map[Fact]struct{})
	s.entryCount = 0
	s.locationCount = 0
}

// Clone creates an independent deep copy of the store.
//
// Description:
//
//	Used for copy-on-write updates: mutate the clone, then swap it in.
//	Element values are shared (they are immutable); all maps are copied.
//
// Thread Safety:
//
//	Safe to call concurrently on the source store.
func (s *MemoryIndexStore) Clone() *MemoryIndexStore {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &MemoryIndexStore{
		relationships: make(map[element.Element]map[element.Relationship]locationSet, len(s.relationships)),
		byContributor: make(map[element.ContributorID]map[Fact]struct{}, len(s.byContributor)),
		entryCount:    s.entryCount,
		locationCount: s.locationCount,
		options:       s.options,
	}
	for subject, rels := range s.relationships {
		clonedRels := make(map[element.Relationship]locationSet, len(rels))
		for rel, set := range rels {
			clonedRels[rel] = maps.Clone(set)
		}
		clone.relationships[subject] = clonedRels
	}
	for c, facts := range s.byContributor {
		clone.byContributor[c] = maps.Clone(facts)
	}
	return clone
}
