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
	"strings"
	"unique"
)

// Relationship is an interned, identifier-named kind of structural fact.
//
// Relationships are compared by handle, so equality is a pointer compare
// regardless of how the identifier string was produced (decoded from a
// stream, read from config, or a package constant). The wire carries the
// identifier string, never an ordinal.
type Relationship struct {
	id unique.Handle[string]
}

// Known relationship kinds.
var (
	IsDefinedBy               = RelationshipFor("is-defined-by")
	IsExtendedBy              = RelationshipFor("is-extended-by")
	IsImplementedBy           = RelationshipFor("is-implemented-by")
	IsMixedInBy               = RelationshipFor("is-mixed-in-by")
	IsInvokedBy               = RelationshipFor("is-invoked-by")
	IsInvokedByQualified      = RelationshipFor("is-invoked-by-qualified")
	IsInvokedByUnqualified    = RelationshipFor("is-invoked-by-unqualified")
	IsReferencedBy            = RelationshipFor("is-referenced-by")
	IsReferencedByQualified   = RelationshipFor("is-referenced-by-qualified")
	IsReferencedByUnqualified = RelationshipFor("is-referenced-by-unqualified")
	IsReadBy                  = RelationshipFor("is-read-by")
	IsWrittenBy               = RelationshipFor("is-written-by")
	IsOverriddenBy            = RelationshipFor("is-overridden-by")
)

// RelationshipFor returns the interned relationship for id.
// An empty id yields the zero Relationship.
func RelationshipFor(id string) Relationship {
	if id == "" {
		return Relationship{}
	}
	return Relationship{id: unique.Make(id)}
}

// Identifier returns the identifier string, or "" for the zero value.
func (r Relationship) Identifier() string {
	if r.IsZero() {
		return ""
	}
	return r.id.Value()
}

// String implements fmt.Stringer.
func (r Relationship) String() string {
	return r.Identifier()
}

// IsZero reports whether r is the zero (invalid) relationship.
func (r Relationship) IsZero() bool {
	return r == Relationship{}
}

// CompareRelationships orders relationships by identifier.
func CompareRelationships(a, b Relationship) int {
	return strings.Compare(a.Identifier(), b.Identifier())
}
