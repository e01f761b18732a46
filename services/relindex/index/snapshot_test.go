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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

func TestMemoryIndexStore_Snapshot(t *testing.T) {
	libA := element.MustNew("a.dart;A")
	libA2 := element.MustNew("a.dart;A2")
	libB := element.MustNew("b.dart;B")

	s := NewMemoryIndexStore()
	s.RecordRelationship(libA2, element.IsReferencedBy, element.NewLocation(libB, 9, 1), "b.dart")
	s.RecordRelationship(libA, element.IsReferencedBy, element.NewLocation(libB, 5, 1), "b.dart")
	s.RecordRelationship(libA, element.IsReferencedBy, element.NewLocation(libA2, 1, 1), "a.dart")
	s.RecordRelationship(libA, element.IsDefinedBy, element.NewLocation(libA, 0, 1), "a.dart")
	s.RecordRelationship(libB, element.IsInvokedBy, element.NewLocation(libA, 3, 1), "a.dart")

	t.Run("filter restricts subjects only", func(t *testing.T) {
		snap := s.Snapshot(BySource("a.dart"))

		assert.Equal(t, []element.Element{libA, libA2}, snap.Elements())
		assert.Equal(t, 4, snap.LocationCount())
		assert.Equal(t,
			[]element.Location{element.NewLocation(libA2, 1, 1), element.NewLocation(libB, 5, 1)},
			snap.Locations(libA, element.IsReferencedBy))
		assert.Nil(t, snap.Locations(libB, element.IsInvokedBy))
	})

	t.Run("relationships in identifier order", func(t *testing.T) {
		snap := s.Snapshot(All())
		rels := snap.Relations(libA)
		require.Len(t, rels, 2)
		assert.Equal(t, element.IsDefinedBy, rels[0].Relationship)
		assert.Equal(t, element.IsReferencedBy, rels[1].Relationship)
	})

	t.Run("nil filter means all", func(t *testing.T) {
		assert.Equal(t, 3, s.Snapshot(nil).Len())
	})

	t.Run("filter evaluated once per subject", func(t *testing.T) {
		calls := map[element.Element]int{}
		s.Snapshot(func(e element.Element) bool {
			calls[e]++
			return true
		})
		assert.Len(t, calls, 3)
		for _, n := range calls {
			assert.Equal(t, 1, n)
		}
	})

	t.Run("snapshot unaffected by later writes", func(t *testing.T) {
		snap := s.Snapshot(All())
		other := s.Clone()
		other.RevokeContributor("a.dart")
		s2 := other.Snapshot(All())

		assert.Equal(t, 3, snap.Len())
		assert.Equal(t, 2, s2.Len())
	})

	t.Run("returned relations are copies", func(t *testing.T) {
		snap := s.Snapshot(All())
		rels := snap.Relations(libA)
		rels[0].Locations[0] = element.ContributedLocation{}
		assert.Equal(t, element.NewLocation(libA, 0, 1), snap.Relations(libA)[0].Locations[0].Location)
	})

	t.Run("empty store", func(t *testing.T) {
		snap := NewMemoryIndexStore().Snapshot(All())
		assert.Zero(t, snap.Len())
		assert.Empty(t, snap.Facts())
	})
}

func TestNewSnapshot(t *testing.T) {
	libA := element.MustNew("a.dart;A")
	libB := element.MustNew("b.dart;B")
	facts := []Fact{
		{Subject: libB, Relationship: element.IsReadBy, Location: element.NewLocation(libA, 2, 1), Contributor: "x"},
		{Subject: libA, Relationship: element.IsWrittenBy, Location: element.NewLocation(libB, 2, 1), Contributor: "x"},
		{Subject: libA, Relationship: element.IsReadBy, Location: element.NewLocation(libB, 1, 1), Contributor: "x"},
	}

	snap := NewSnapshot(facts)

	assert.Equal(t, []element.Element{libA, libB}, snap.Elements())
	assert.Equal(t, 3, snap.LocationCount())
	got := snap.Facts()
	require.Len(t, got, 3)
	assert.Equal(t, facts[2], got[0])
	assert.Equal(t, facts[1], got[1])
	assert.Equal(t, facts[0], got[2])
}

func TestSnapshot_Equal(t *testing.T) {
	loc := element.NewLocation(elementY, 1, 1)

	t.Run("contributors ignored", func(t *testing.T) {
		a := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c1"}})
		b := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "loaded:ctx"}})
		assert.True(t, a.Equal(b))
	})

	t.Run("multiplicity matters", func(t *testing.T) {
		a := NewSnapshot([]Fact{
			{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c1"},
			{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c2"},
		})
		b := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c1"}})
		assert.False(t, a.Equal(b))
	})

	t.Run("different relationship", func(t *testing.T) {
		a := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c1"}})
		b := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsWrittenBy, Location: loc, Contributor: "c1"}})
		assert.False(t, a.Equal(b))
	})

	t.Run("different prefix", func(t *testing.T) {
		a := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc, Contributor: "c1"}})
		b := NewSnapshot([]Fact{{Subject: elementX, Relationship: element.IsReadBy, Location: loc.WithImportPrefix("p"), Contributor: "c1"}})
		assert.False(t, a.Equal(b))
	})
}
