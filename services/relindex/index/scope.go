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
	"sync"

	"github.com/AleutianAI/relindex/services/relindex/element"
)

// ContextFilter reports whether an element belongs to the analysis context
// being snapshotted or swept.
//
// The filter is a pure predicate supplied by the caller. Snapshot evaluates
// it once per subject element; the codec never second-guesses it.
type ContextFilter func(element.Element) bool

// All matches every element.
func All() ContextFilter {
	return func(element.Element) bool { return true }
}

// BySource matches elements whose defining source (first encoding
// component) equals source exactly.
func BySource(source string) ContextFilter {
	return func(e element.Element) bool { return e.Source() == source }
}

// And matches elements accepted by every filter.
func And(filters ...ContextFilter) ContextFilter {
	return func(e element.Element) bool {
		for _, f := range filters {
			if !f(e) {
				return false
			}
		}
		return true
	}
}

// Not inverts a filter.
func Not(f ContextFilter) ContextFilter {
	return func(e element.Element) bool { return !f(e) }
}

// memoize wraps f so each distinct element is evaluated once.
// The returned filter is not safe for concurrent use.
func memoize(f ContextFilter) ContextFilter {
	seen := make(map[element.Element]bool)
	return func(e element.Element) bool {
		if v, ok := seen[e]; ok {
			return v
		}
		v := f(e)
		seen[e] = v
		return v
	}
}

// ContextMap records which analysis context defines each element.
//
// Membership is exact: an element belongs to the context it was assigned,
// not to every context it is visible from. Elements never assigned fall
// back to their defining source when a fallback is enabled.
//
// Thread Safety:
//
//	ContextMap is safe for concurrent use.
type ContextMap struct {
	mu             sync.RWMutex
	contexts       map[element.Element]string
	sourceFallback bool
}

// NewContextMap creates an empty map. When sourceFallback is true, elements
// without an explicit assignment belong to the context named by their
// Source().
func NewContextMap(sourceFallback bool) *ContextMap {
	return &ContextMap{
		contexts:       make(map[element.Element]string),
		sourceFallback: sourceFallback,
	}
}

// Assign records that e is defined by contextID.
func (m *ContextMap) Assign(e element.Element, contextID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.contexts[e] = contextID
}

// Forget drops every assignment to contextID and returns how many were
// dropped.
func (m *ContextMap) Forget(contextID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for e, c := range m.contexts {
		if c == contextID {
			delete(m.contexts, e)
			n++
		}
	}
	return n
}

// ContextOf returns the context defining e.
func (m *ContextMap) ContextOf(e element.Element) (string, bool) {
	m.mu.RLock()
	c, ok := m.contexts[e]
	m.mu.RUnlock()

	if ok {
		return c, true
	}
	if m.sourceFallback && !e.IsZero() {
		return e.Source(), true
	}
	return "", false
}

// Filter returns a ContextFilter matching elements defined by contextID.
func (m *ContextMap) Filter(contextID string) ContextFilter {
	return func(e element.Element) bool {
		c, ok := m.ContextOf(e)
		return ok && c == contextID
	}
}
