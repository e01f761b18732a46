// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package codec

import (
	"context"
	"fmt"
	"io"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/relindex/services/relindex/element"
	"github.com/AleutianAI/relindex/services/relindex/index"
)

// LoadResult describes a completed Load.
type LoadResult struct {
	// Facts is the number of facts in the stream.
	Facts int

	// Added is the number of facts newly recorded in the store.
	Added int

	// Contributors lists every contributor id the facts were recorded
	// under, sorted. Revoking all of them removes the load.
	Contributors []element.ContributorID
}

// AssignContributors sets the contributor of every fact to base, or to a
// replica of base for repeated occurrences of the same location under the
// same (subject, relationship).
//
// Description:
//
//	A stream carries one entry per contributed location, so a location
//	asserted by two contributors appears twice. Recording both under one
//	contributor would collapse them; the k-th repeat is recorded under
//	base.Replica(k) instead, which keeps the multiset intact.
//
// Outputs:
//
//	[]element.ContributorID - Every id assigned, sorted.
func AssignContributors(facts []index.Fact, base element.ContributorID) []element.ContributorID {
	type key struct {
		subject      element.Element
		relationship element.Relationship
		location     element.Location
	}
	seen := make(map[key]int, len(facts))
	maxReplica := -1
	for i := range facts {
		k := key{facts[i].Subject, facts[i].Relationship, facts[i].Location}
		n := seen[k]
		seen[k] = n + 1
		facts[i].Contributor = base.Replica(n)
		maxReplica = max(maxReplica, n)
	}

	ids := make([]element.ContributorID, 0, maxReplica+1)
	for n := 0; n <= maxReplica; n++ {
		ids = append(ids, base.Replica(n))
	}
	slices.Sort(ids)
	return ids
}

// Load decodes a stream and records it into store for contextID.
//
// Description:
//
//	The stream is decoded completely before anything is recorded, then
//	applied with one RecordBatch, so a corrupt stream leaves the store
//	untouched and a good one becomes visible at once. Facts are recorded
//	under element.LoadedContributor(contextID) and its replicas.
//
// Inputs:
//
//	ctx - Context for tracing.
//	r - The stream.
//	store - Destination store. Must not be nil.
//	contextID - The analysis context the snapshot belongs to.
//
// Outputs:
//
//	LoadResult - Counts and the contributors used.
//	error - *DecodeError on a format error; nothing is recorded.
func Load(ctx context.Context, r io.Reader, store *index.MemoryIndexStore, contextID string) (LoadResult, error) {
	ctx, span := tracer.Start(ctx, "codec.load",
		trace.WithAttributes(attribute.String("context.id", contextID)),
	)
	defer span.End()

	facts, err := NewReader(r).Decode(ctx)
	if err != nil {
		span.SetStatus(codes.Error, "decode failed")
		return LoadResult{}, err
	}

	result := LoadResult{
		Facts:        len(facts),
		Contributors: AssignContributors(facts, element.LoadedContributor(contextID)),
	}
	added, err := store.RecordBatch(facts)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return LoadResult{}, fmt.Errorf("recording loaded facts: %w", err)
	}
	result.Added = added

	span.SetAttributes(
		attribute.Int("load.facts", result.Facts),
		attribute.Int("load.added", result.Added),
	)
	return result, nil
}
