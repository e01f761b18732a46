// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package persist stores sealed index snapshots per analysis context and
// reloads them into a shared index.
//
// Persistence is a cache, not a source of truth. A snapshot that fails any
// check is deleted and reported as ErrSnapshotCorrupt so the caller can
// rebuild the context from source analysis.
package persist

import "errors"

var (
	// ErrSnapshotNotFound is returned when no snapshot exists for a context.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotCorrupt is returned when a snapshot fails envelope
	// decoding, digest verification, decompression or stream decoding.
	ErrSnapshotCorrupt = errors.New("snapshot corrupt")

	// ErrInvalidContextID is returned for an empty context id.
	ErrInvalidContextID = errors.New("invalid context id")
)
