// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package index provides the in-memory relationship index.
//
// MemoryIndexStore maps subject element → relationship → set of contributed
// locations, and keeps a reverse index contributor → facts so that all facts
// of one analysis unit can be revoked in time proportional to their count.
//
// # Ownership Model
//
// Every fact belongs to exactly one contributor. The store holds facts for
// querying but only the contributor-scoped API mutates them:
//   - RecordRelationship / RecordBatch add facts for a contributor
//   - RevokeContributor removes exactly the facts that contributor added
//   - SweepContext removes everything said by or about a disposed context
//
// To re-index a unit, call RevokeContributor then record its new facts.
//
// # Thread Safety
//
// MemoryIndexStore is safe for concurrent use. Writes (Record*, Revoke*,
// SweepContext, Clear) take an exclusive lock; reads (Get*, Snapshot, Stats)
// take a shared lock and observe a consistent point-in-time view.
package index

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for index operations.
var (
	// ErrInvalidFact is returned when a fact has an empty subject, target,
	// relationship or contributor.
	ErrInvalidFact = errors.New("invalid fact")
)

// BatchError aggregates multiple errors from batch operations.
//
// RecordBatch validates every fact before recording any of them and returns
// all problems together rather than failing on the first one.
//
// BatchError implements the Go 1.20+ multi-error Unwrap() []error.
type BatchError struct {
	// Errors contains all individual errors, each prefixed with the fact's
	// position in the batch (e.g. "fact[3]: invalid fact: empty subject").
	Errors []error
}

// Error returns a human-readable summary of the batch errors.
func (e *BatchError) Error() string {
	if len(e.Errors) == 0 {
		return "batch error with no errors"
	}
	if len(e.Errors) == 1 {
		return e.Errors[0].Error()
	}
	return fmt.Sprintf("%d errors: %v (and %d more)",
		len(e.Errors), e.Errors[0], len(e.Errors)-1)
}

// Unwrap returns the underlying errors for use with errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	return e.Errors
}

// ErrorList returns all errors, one per line.
func (e *BatchError) ErrorList() string {
	if len(e.Errors) == 0 {
		return ""
	}
	var b strings.Builder
	for i, err := range e.Errors {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(err.Error())
	}
	return b.String()
}
