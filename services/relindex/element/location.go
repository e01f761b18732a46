// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package element

import (
	"cmp"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// loadedPrefix marks contributors synthesized for facts read back from a
// persisted snapshot.
const loadedPrefix = "loaded:"

// Location is where, syntactically, a relationship fact is anchored.
//
// Offset and Length are opaque to the index; range checks are the caller's
// job. An empty ImportPrefix means "no prefix".
type Location struct {
	// Element is the target element the location lies in.
	Element Element

	// Offset is the byte offset of the anchor.
	Offset int

	// Length is the byte length of the anchor.
	Length int

	// ImportPrefix is the qualifying import prefix, or "" for none.
	ImportPrefix string
}

// NewLocation builds a Location without an import prefix.
func NewLocation(target Element, offset, length int) Location {
	return Location{Element: target, Offset: offset, Length: length}
}

// WithImportPrefix returns a copy of l with the given prefix.
func (l Location) WithImportPrefix(prefix string) Location {
	l.ImportPrefix = prefix
	return l
}

// String implements fmt.Stringer.
func (l Location) String() string {
	if l.ImportPrefix == "" {
		return fmt.Sprintf("%s@%d+%d", l.Element, l.Offset, l.Length)
	}
	return fmt.Sprintf("%s@%d+%d(%s)", l.Element, l.Offset, l.Length, l.ImportPrefix)
}

// CompareLocations orders locations by target, offset, length and prefix.
func CompareLocations(a, b Location) int {
	if c := Compare(a.Element, b.Element); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Offset, b.Offset); c != 0 {
		return c
	}
	if c := cmp.Compare(a.Length, b.Length); c != 0 {
		return c
	}
	return strings.Compare(a.ImportPrefix, b.ImportPrefix)
}

// ContributorID names the analysis unit that asserted a set of facts, for
// example one source file's analysis pass. It is the revocation granularity.
type ContributorID string

// LoadedContributor is the contributor used for facts loaded from the
// persisted snapshot of contextID.
//
// The context id is path-escaped so no context id can spell another
// context's Replica suffix.
func LoadedContributor(contextID string) ContributorID {
	return ContributorID(loadedPrefix + url.PathEscape(contextID))
}

// IsLoaded reports whether c was synthesized by LoadedContributor or
// derived from one with Replica.
func (c ContributorID) IsLoaded() bool {
	return strings.HasPrefix(string(c), loadedPrefix)
}

// Replica derives the n-th replica of c. Replica(0) is c itself.
//
// Replicas keep repeated occurrences of one location apart when they are
// reloaded under a single synthetic contributor.
func (c ContributorID) Replica(n int) ContributorID {
	if n == 0 {
		return c
	}
	return ContributorID(string(c) + "#" + strconv.Itoa(n))
}

// ContributedLocation is a Location plus the contributor that asserted it.
//
// The pair is the identity of a fact inside one index entry: two contributors
// reporting the same textual location produce two distinct facts.
type ContributedLocation struct {
	Location    Location
	Contributor ContributorID
}

// CompareContributed orders by location, then contributor.
func CompareContributed(a, b ContributedLocation) int {
	if c := CompareLocations(a.Location, b.Location); c != 0 {
		return c
	}
	return strings.Compare(string(a.Contributor), string(b.Contributor))
}
