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
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

var (
	elementX = element.MustNew("file:///lib/x.dart;X")
	elementY = element.MustNew("file:///lib/y.dart;Y")
	elementZ = element.MustNew("file:///lib/z.dart;Z")
)

func TestNewMemoryIndexStore(t *testing.T) {
	t.Run("default options", func(t *testing.T) {
		s := NewMemoryIndexStore()
		assert.Equal(t, DefaultInitialCapacity, s.options.InitialCapacity)
		assert.Equal(t, StoreStats{}, s.Stats())
	})

	t.Run("custom capacity", func(t *testing.T) {
		s := NewMemoryIndexStore(WithInitialCapacity(16))
		assert.Equal(t, 16, s.options.InitialCapacity)
	})

	t.Run("non-positive capacity ignored", func(t *testing.T) {
		s := NewMemoryIndexStore(WithInitialCapacity(-1))
		assert.Equal(t, DefaultInitialCapacity, s.options.InitialCapacity)
	})
}

func TestMemoryIndexStore_RecordRelationship(t *testing.T) {
	t.Run("single fact is queryable", func(t *testing.T) {
		s := NewMemoryIndexStore()
		added := s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 10, 5), "c1")
		require.True(t, added)

		locs := s.Locations(elementX, element.IsReferencedBy)
		require.Len(t, locs, 1)
		assert.Equal(t, element.Location{Element: elementY, Offset: 10, Length: 5, ImportPrefix: ""}, locs[0])
		assert.Equal(t, StoreStats{Elements: 1, Entries: 1, Locations: 1, Contributors: 1}, s.Stats())
	})

	t.Run("recording twice is idempotent", func(t *testing.T) {
		s := NewMemoryIndexStore()
		loc := element.NewLocation(elementY, 10, 5)

		assert.True(t, s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c1"))
		assert.False(t, s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c1"))

		assert.Len(t, s.Locations(elementX, element.IsReferencedBy), 1)
		assert.Equal(t, 1, s.ContributorFactCount("c1"))
	})

	t.Run("same location from two contributors kept twice", func(t *testing.T) {
		s := NewMemoryIndexStore()
		loc := element.NewLocation(elementY, 10, 5)

		s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c1")
		s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c2")

		assert.Equal(t, []element.Location{loc, loc}, s.Locations(elementX, element.IsReferencedBy))
	})

	t.Run("different prefix is a different location", func(t *testing.T) {
		s := NewMemoryIndexStore()
		loc := element.NewLocation(elementY, 10, 5)

		s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c1")
		s.RecordRelationship(elementX, element.IsReferencedBy, loc.WithImportPrefix("p"), "c1")

		assert.Len(t, s.Locations(elementX, element.IsReferencedBy), 2)
	})

	t.Run("opaque offsets accepted", func(t *testing.T) {
		s := NewMemoryIndexStore()
		assert.True(t, s.RecordRelationship(elementX, element.IsReadBy, element.NewLocation(elementY, -1, -7), "c1"))
	})

	t.Run("invalid facts are not stored", func(t *testing.T) {
		s := NewMemoryIndexStore()
		loc := element.NewLocation(elementY, 0, 1)

		assert.False(t, s.RecordRelationship(element.Element{}, element.IsReadBy, loc, "c1"))
		assert.False(t, s.RecordRelationship(elementX, element.Relationship{}, loc, "c1"))
		assert.False(t, s.RecordRelationship(elementX, element.IsReadBy, element.Location{}, "c1"))
		assert.False(t, s.RecordRelationship(elementX, element.IsReadBy, loc, ""))
		assert.Equal(t, StoreStats{}, s.Stats())
	})
}

func TestMemoryIndexStore_RecordBatch(t *testing.T) {
	t.Run("batch recorded", func(t *testing.T) {
		s := NewMemoryIndexStore()
		facts := []Fact{
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 1, 1), Contributor: "c1"},
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 1, 1), Contributor: "c1"},
			{Subject: elementY, Relationship: element.IsInvokedBy, Location: element.NewLocation(elementZ, 2, 2), Contributor: "c2"},
		}

		added, err := s.RecordBatch(facts)
		require.NoError(t, err)
		assert.Equal(t, 2, added)
		assert.Equal(t, StoreStats{Elements: 2, Entries: 2, Locations: 2, Contributors: 2}, s.Stats())
	})

	t.Run("empty batch is noop", func(t *testing.T) {
		s := NewMemoryIndexStore()
		added, err := s.RecordBatch(nil)
		require.NoError(t, err)
		assert.Zero(t, added)
	})

	t.Run("invalid fact fails atomically", func(t *testing.T) {
		s := NewMemoryIndexStore()
		facts := []Fact{
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 1, 1), Contributor: "c1"},
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 1, 1)},
			{Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 1, 1), Contributor: "c1"},
		}

		_, err := s.RecordBatch(facts)
		require.Error(t, err)

		var batchErr *BatchError
		require.True(t, errors.As(err, &batchErr))
		assert.Len(t, batchErr.Errors, 2)
		assert.ErrorIs(t, err, ErrInvalidFact)
		assert.Contains(t, batchErr.ErrorList(), "fact[1]")
		assert.Contains(t, batchErr.ErrorList(), "fact[2]")

		assert.Equal(t, StoreStats{}, s.Stats())
	})
}

func TestMemoryIndexStore_GetRelationshipLocations(t *testing.T) {
	s := NewMemoryIndexStore()
	for i := range 5 {
		s.RecordRelationship(elementX, element.IsInvokedBy, element.NewLocation(elementY, i*10, 3), "c1")
	}

	t.Run("absent key yields empty sequence", func(t *testing.T) {
		n := 0
		for range s.GetRelationshipLocations(elementZ, element.IsInvokedBy) {
			n++
		}
		assert.Zero(t, n)
		assert.Nil(t, s.Locations(elementX, element.IsReadBy))
	})

	t.Run("early break stops iteration", func(t *testing.T) {
		n := 0
		for range s.GetRelationshipLocations(elementX, element.IsInvokedBy) {
			n++
			if n == 2 {
				break
			}
		}
		assert.Equal(t, 2, n)
	})

	t.Run("sequence is a point-in-time copy", func(t *testing.T) {
		seq := s.GetRelationshipLocations(elementX, element.IsInvokedBy)
		s.RecordRelationship(elementX, element.IsInvokedBy, element.NewLocation(elementY, 999, 3), "c1")

		assert.Len(t, slices.Collect(seq), 5)
		assert.Len(t, s.Locations(elementX, element.IsInvokedBy), 6)
	})

	t.Run("relationships listed sorted", func(t *testing.T) {
		s.RecordRelationship(elementX, element.IsDefinedBy, element.NewLocation(elementY, 0, 1), "c1")
		assert.Equal(t, []element.Relationship{element.IsDefinedBy, element.IsInvokedBy}, s.Relationships(elementX))
		assert.Nil(t, s.Relationships(elementZ))
	})
}

func TestMemoryIndexStore_RevokeContributor(t *testing.T) {
	t.Run("revocation isolation", func(t *testing.T) {
		s := NewMemoryIndexStore()
		locA := element.NewLocation(elementY, 1, 1)
		locB := element.NewLocation(elementZ, 2, 2)
		s.RecordRelationship(elementX, element.IsReferencedBy, locA, "A")
		s.RecordRelationship(elementX, element.IsReferencedBy, locB, "B")

		removed := s.RevokeContributor("A")

		assert.Zero(t, removed)
		assert.Equal(t, []element.Location{locB}, s.Locations(elementX, element.IsReferencedBy))
		assert.Equal(t, []element.ContributorID{"B"}, s.Contributors())
		assert.Nil(t, s.FactsOf("A"))
		assert.Equal(t, []Fact{{Subject: elementX, Relationship: element.IsReferencedBy, Location: locB, Contributor: "B"}}, s.FactsOf("B"))
	})

	t.Run("same textual location from two contributors", func(t *testing.T) {
		s := NewMemoryIndexStore()
		loc := element.NewLocation(elementY, 10, 5)
		s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c1")
		s.RecordRelationship(elementX, element.IsReferencedBy, loc, "c2")

		s.RevokeContributor("c1")

		got := s.GetContributedLocations(elementX, element.IsReferencedBy)
		require.Len(t, got, 1)
		assert.Equal(t, element.ContributorID("c2"), got[0].Contributor)
	})

	t.Run("empty entries are pruned", func(t *testing.T) {
		s := NewMemoryIndexStore()
		s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 1, 1), "c1")
		s.RecordRelationship(elementX, element.IsReadBy, element.NewLocation(elementY, 2, 1), "c1")
		s.RecordRelationship(elementZ, element.IsReadBy, element.NewLocation(elementY, 3, 1), "c1")
		s.RecordRelationship(elementZ, element.IsReadBy, element.NewLocation(elementY, 4, 1), "c2")

		removed := s.RevokeContributor("c1")

		assert.Equal(t, 2, removed)
		assert.Equal(t, StoreStats{Elements: 1, Entries: 1, Locations: 1, Contributors: 1}, s.Stats())
		assert.Nil(t, s.Relationships(elementX))
		assert.Zero(t, s.ContributorFactCount("c1"))
	})

	t.Run("unknown contributor is noop", func(t *testing.T) {
		s := NewMemoryIndexStore()
		s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 1, 1), "c1")

		assert.Zero(t, s.RevokeContributor("never-seen"))
		assert.Equal(t, 1, s.Stats().Locations)
	})

	t.Run("revoke then re-record", func(t *testing.T) {
		s := NewMemoryIndexStore()
		s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 1, 1), "unit")
		s.RevokeContributor("unit")
		s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 7, 1), "unit")

		assert.Equal(t, []element.Location{element.NewLocation(elementY, 7, 1)}, s.Locations(elementX, element.IsReferencedBy))
		assert.Equal(t, 1, s.ContributorFactCount("unit"))
	})
}

func TestMemoryIndexStore_SweepContext(t *testing.T) {
	s := NewMemoryIndexStore()
	libA := element.MustNew("a.dart;A")
	libA2 := element.MustNew("a.dart;A2")
	libB := element.MustNew("b.dart;B")

	s.RecordRelationship(libA, element.IsReferencedBy, element.NewLocation(libA2, 1, 1), "a.dart")
	s.RecordRelationship(libB, element.IsReferencedBy, element.NewLocation(libA, 2, 1), "b.dart")
	s.RecordRelationship(libB, element.IsReferencedBy, element.NewLocation(libB, 3, 1), "b.dart")

	calls := map[element.Element]int{}
	removed := s.SweepContext(func(e element.Element) bool {
		calls[e]++
		return e.Source() == "a.dart"
	})

	assert.Equal(t, 1, removed)
	assert.Equal(t, []element.Location{element.NewLocation(libB, 3, 1)}, s.Locations(libB, element.IsReferencedBy))
	assert.Equal(t, StoreStats{Elements: 1, Entries: 1, Locations: 1, Contributors: 1}, s.Stats())
	for e, n := range calls {
		assert.Equal(t, 1, n, "filter evaluated more than once for %s", e)
	}
}

func TestMemoryIndexStore_ClearAndClone(t *testing.T) {
	s := NewMemoryIndexStore()
	s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 1, 1), "c1")

	clone := s.Clone()
	clone.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 2, 1), "c1")
	clone.RevokeContributor("c1")
	clone.RecordRelationship(elementZ, element.IsReadBy, element.NewLocation(elementY, 2, 1), "c9")

	assert.Equal(t, 1, s.Stats().Locations)
	assert.Equal(t, []element.ContributorID{"c1"}, s.Contributors())
	assert.Equal(t, []element.ContributorID{"c9"}, clone.Contributors())

	s.Clear()
	assert.Equal(t, StoreStats{}, s.Stats())
	assert.Empty(t, s.Contributors())
}

func TestMemoryIndexStore_Concurrency(t *testing.T) {
	s := NewMemoryIndexStore()
	const writers = 8
	const factsPerWriter = 200

	var wg sync.WaitGroup
	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			contributor := element.ContributorID(fmt.Sprintf("unit-%d", w))
			for i := range factsPerWriter {
				s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, i, 1), contributor)
			}
		}(w)
	}
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 50 {
				snap := s.Snapshot(All())
				assert.Equal(t, snap.LocationCount(), len(snap.Facts()))
				_ = s.Locations(elementX, element.IsReferencedBy)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, writers*factsPerWriter, s.Stats().Locations)

	for w := range writers {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			s.RevokeContributor(element.ContributorID(fmt.Sprintf("unit-%d", w)))
		}(w)
	}
	wg.Wait()

	assert.Equal(t, StoreStats{}, s.Stats())
}

func TestMemoryIndexStore_RevokeContributorFacts(t *testing.T) {
	s := NewMemoryIndexStore()
	locA := element.NewLocation(elementY, 1, 1)
	locB := element.NewLocation(elementZ, 2, 2)
	s.RecordRelationship(elementX, element.IsReferencedBy, locA, "A")
	s.RecordRelationship(elementZ, element.IsReadBy, locB, "A")
	s.RecordRelationship(elementX, element.IsReferencedBy, locB, "B")

	facts, removed := s.RevokeContributorFacts("A")

	assert.Equal(t, 1, removed)
	assert.ElementsMatch(t, []Fact{
		{Subject: elementX, Relationship: element.IsReferencedBy, Location: locA, Contributor: "A"},
		{Subject: elementZ, Relationship: element.IsReadBy, Location: locB, Contributor: "A"},
	}, facts)
	assert.Equal(t, []element.ContributorID{"B"}, s.Contributors())

	facts, removed = s.RevokeContributorFacts("A")
	assert.Nil(t, facts)
	assert.Zero(t, removed)
}

func TestMemoryIndexStore_Replace(t *testing.T) {
	t.Run("swaps contributors", func(t *testing.T) {
		s := NewMemoryIndexStore()
		old := element.NewLocation(elementY, 1, 1)
		kept := element.NewLocation(elementZ, 2, 1)
		s.RecordRelationship(elementX, element.IsReferencedBy, old, "old")
		s.RecordRelationship(elementY, element.IsReadBy, old, "old#1")
		s.RecordRelationship(elementX, element.IsReferencedBy, kept, "other")

		fresh := element.NewLocation(elementY, 9, 1)
		removed, added, err := s.Replace([]element.ContributorID{"old", "old#1", "absent"}, []Fact{
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: fresh, Contributor: "new"},
		})

		require.NoError(t, err)
		assert.Equal(t, 1, removed)
		assert.Equal(t, 1, added)
		assert.ElementsMatch(t, []element.Location{kept, fresh}, s.Locations(elementX, element.IsReferencedBy))
		assert.Nil(t, s.Relationships(elementY))
		assert.Equal(t, []element.ContributorID{"new", "other"}, s.Contributors())
	})

	t.Run("invalid facts change nothing", func(t *testing.T) {
		s := NewMemoryIndexStore()
		s.RecordRelationship(elementX, element.IsReferencedBy, element.NewLocation(elementY, 1, 1), "old")

		_, _, err := s.Replace([]element.ContributorID{"old"}, []Fact{
			{Subject: elementX, Relationship: element.IsReferencedBy, Location: element.NewLocation(elementY, 2, 1)},
		})

		var batchErr *BatchError
		require.ErrorAs(t, err, &batchErr)
		assert.Equal(t, 1, s.ContributorFactCount("old"))
	})

	t.Run("readers never see a partial replace", func(t *testing.T) {
		s := NewMemoryIndexStore()
		facts := make([]Fact, 0, 20)
		for i := range 20 {
			facts = append(facts, Fact{
				Subject:      elementX,
				Relationship: element.IsReferencedBy,
				Location:     element.NewLocation(elementY, i, 1),
				Contributor:  "gen",
			})
		}
		_, err := s.RecordBatch(facts)
		require.NoError(t, err)

		done := make(chan struct{})
		var torn int
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				if n := len(s.Locations(elementX, element.IsReferencedBy)); n != len(facts) {
					torn++
				}
			}
		}()
		for range 500 {
			_, _, err := s.Replace([]element.ContributorID{"gen"}, facts)
			require.NoError(t, err)
		}
		close(done)
		wg.Wait()

		assert.Zero(t, torn)
	})
}
