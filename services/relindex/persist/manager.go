// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package persist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/AleutianAI/relindex/services/relindex/codec"
	"github.com/AleutianAI/relindex/services/relindex/element"
	"github.com/AleutianAI/relindex/services/relindex/index"
)

var tracer = otel.Tracer("aleutian.relindex.persist")

// DefaultSaveConcurrency bounds parallel saves in SaveDirty.
const DefaultSaveConcurrency = 4

// ManagerOptions configures Manager.
type ManagerOptions struct {
	// Compression applied to saved payloads.
	// Default: CompressionNone
	Compression Compression

	// SaveConcurrency bounds SaveDirty's fan-out.
	// Default: 4
	SaveConcurrency int

	// Contexts decides which context each element belongs to.
	// Default: index.NewContextMap(true), i.e. by defining source.
	Contexts *index.ContextMap

	// Logger for load/save events.
	// Default: slog.Default()
	Logger *slog.Logger
}

// ManagerOption is a functional option for configuring Manager.
type ManagerOption func(*ManagerOptions)

// WithCompression sets payload compression.
func WithCompression(c Compression) ManagerOption {
	return func(o *ManagerOptions) { o.Compression = c }
}

// WithSaveConcurrency bounds SaveDirty's fan-out.
func WithSaveConcurrency(n int) ManagerOption {
	return func(o *ManagerOptions) {
		if n > 0 {
			o.SaveConcurrency = n
		}
	}
}

// WithContextMap sets the element-to-context registry.
func WithContextMap(m *index.ContextMap) ManagerOption {
	return func(o *ManagerOptions) { o.Contexts = m }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ManagerOption {
	return func(o *ManagerOptions) { o.Logger = l }
}

// ContextStats summarizes one context.
type ContextStats struct {
	ContextID    string
	Elements     int
	Locations    int
	Dirty        bool
	Contributors []element.ContributorID // from the last load
}

// Manager ties a shared index to a snapshot backend.
//
// Description:
//
//	Record and Revoke pass through to the store and mark the affected
//	contexts dirty. Save persists one context, SaveDirty every dirty one.
//	Load replaces whatever a previous Load of the same context recorded.
//	Concurrent Loads of one context are coalesced.
//
// Thread Safety:
//
//	Manager is safe for concurrent use.
type Manager struct {
	store    *index.MemoryIndexStore
	backend  SnapshotStore
	contexts *index.ContextMap
	dirty    *DirtyTracker
	options  ManagerOptions
	logger   *slog.Logger

	flight singleflight.Group

	mu     sync.Mutex
	loaded map[string][]element.ContributorID
}

// NewManager creates a manager over store and backend.
func NewManager(store *index.MemoryIndexStore, backend SnapshotStore, opts ...ManagerOption) *Manager {
	options := ManagerOptions{
		Compression:     CompressionNone,
		SaveConcurrency: DefaultSaveConcurrency,
	}
	for _, opt := range opts {
		opt(&options)
	}
	if options.Contexts == nil {
		options.Contexts = index.NewContextMap(true)
	}
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		store:    store,
		backend:  backend,
		contexts: options.Contexts,
		dirty:    NewDirtyTracker(),
		options:  options,
		logger:   logger.With(slog.String("component", "relindex.persist")),
		loaded:   make(map[string][]element.ContributorID),
	}
}

// Store returns the managed index.
func (m *Manager) Store() *index.MemoryIndexStore {
	return m.store
}

// Backend returns the snapshot backend.
func (m *Manager) Backend() SnapshotStore {
	return m.backend
}

// Contexts returns the element-to-context registry.
func (m *Manager) Contexts() *index.ContextMap {
	return m.contexts
}

// Dirty returns the dirty tracker.
func (m *Manager) Dirty() *DirtyTracker {
	return m.dirty
}

// Record records a fact and marks the subject's context dirty.
func (m *Manager) Record(
	subject element.Element,
	relationship element.Relationship,
	location element.Location,
	contributor element.ContributorID,
) bool {
	added := m.store.RecordRelationship(subject, relationship, location, contributor)
	if added {
		m.markSubject(subject, "record")
	}
	return added
}

// Revoke revokes contributor and marks every context it touched dirty.
//
// Outputs:
//
//	int - Number of (subject, relationship) entries fully removed.
func (m *Manager) Revoke(contributor element.ContributorID) int {
	facts, removed := m.store.RevokeContributorFacts(contributor)

	seen := make(map[element.Element]struct{}, len(facts))
	for _, f := range facts {
		if _, ok := seen[f.Subject]; ok {
			continue
		}
		seen[f.Subject] = struct{}{}
		m.markSubject(f.Subject, "revoke")
	}
	return removed
}

func (m *Manager) markSubject(subject element.Element, source string) {
	if contextID, ok := m.contexts.ContextOf(subject); ok {
		m.dirty.MarkDirty(contextID, source)
	}
}

// Save persists the current snapshot of contextID.
//
// Description:
//
//	Snapshots the context, encodes and seals it, and replaces the stored
//	snapshot. The context is marked clean unless it changed while saving.
//
// Outputs:
//
//	*Envelope - The saved envelope.
//	error - Non-nil on encode or backend failure; the old snapshot stays.
func (m *Manager) Save(ctx context.Context, contextID string) (*Envelope, error) {
	if contextID == "" {
		return nil, ErrInvalidContextID
	}
	ctx, span := tracer.Start(ctx, "persist.save",
		trace.WithAttributes(attribute.String("context.id", contextID)),
	)
	defer span.End()
	start := time.Now()

	gen := m.dirty.Generation(contextID)
	snap := m.store.Snapshot(m.contexts.Filter(contextID))

	stream, err := codec.Encode(ctx, snap)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode failed")
		return nil, fmt.Errorf("encode %s: %w", contextID, err)
	}
	data, env, err := Seal(contextID, stream, m.options.Compression)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "seal failed")
		return nil, fmt.Errorf("seal %s: %w", contextID, err)
	}
	if err := m.backend.Put(ctx, contextID, data); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "put failed")
		return nil, err
	}
	m.dirty.ClearIf(contextID, gen)

	span.SetAttributes(
		attribute.String("snapshot.id", env.SnapshotID),
		attribute.Int("snapshot.elements", snap.Len()),
		attribute.Int("snapshot.bytes", len(data)),
	)
	m.logger.Debug("snapshot saved",
		slog.String("context_id", contextID),
		slog.String("snapshot_id", env.SnapshotID),
		slog.Int("elements", snap.Len()),
		slog.Int("locations", snap.LocationCount()),
		slog.Int("bytes", len(data)),
		slog.Duration("duration", time.Since(start)),
	)
	return env, nil
}

// SaveDirty saves every dirty context concurrently.
//
// Outputs:
//
//	int - Number of contexts attempted.
//	error - The first save failure, if any.
func (m *Manager) SaveDirty(ctx context.Context) (int, error) {
	ids := m.dirty.Dirty()
	if len(ids) == 0 {
		return 0, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.options.SaveConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			if _, err := m.Save(gctx, id); err != nil {
				return fmt.Errorf("save %s: %w", id, err)
			}
			return nil
		})
	}
	return len(ids), g.Wait()
}

// Load reads contextID's snapshot into the store.
//
// Description:
//
//	The snapshot is verified and decoded completely before the store is
//	touched. On success the previous load of this context is revoked and
//	the new facts recorded under element.LoadedContributor(contextID) and
//	its replicas. A snapshot that fails verification or decoding is
//	deleted. Concurrent calls for the same context share one load.
//
// Outputs:
//
//	codec.LoadResult - Counts and contributors used.
//	error - ErrSnapshotNotFound, ErrSnapshotCorrupt (wrapping the cause,
//	        a *codec.DecodeError when the stream is bad), or a backend error.
func (m *Manager) Load(ctx context.Context, contextID string) (codec.LoadResult, error) {
	if contextID == "" {
		return codec.LoadResult{}, ErrInvalidContextID
	}
	v, err, shared := m.flight.Do(contextID, func() (any, error) {
		return m.load(ctx, contextID)
	})
	if shared {
		m.logger.Debug("snapshot load coalesced", slog.String("context_id", contextID))
	}
	if err != nil {
		return codec.LoadResult{}, err
	}
	return v.(codec.LoadResult), nil
}

func (m *Manager) load(ctx context.Context, contextID string) (codec.LoadResult, error) {
	ctx, span := tracer.Start(ctx, "persist.load",
		trace.WithAttributes(attribute.String("context.id", contextID)),
	)
	defer span.End()

	data, err := m.backend.Get(ctx, contextID)
	if err != nil {
		span.SetStatus(codes.Error, "get failed")
		return codec.LoadResult{}, err
	}

	env, stream, err := Unseal(data)
	if err != nil {
		return codec.LoadResult{}, m.discardCorrupt(ctx, span, contextID, err)
	}
	if env.ContextID != contextID {
		return codec.LoadResult{}, m.discardCorrupt(ctx, span, contextID,
			fmt.Errorf("%w: envelope is for context %q", ErrSnapshotCorrupt, env.ContextID))
	}
	facts, err := codec.Decode(ctx, stream)
	if err != nil {
		return codec.LoadResult{}, m.discardCorrupt(ctx, span, contextID,
			fmt.Errorf("%w: %w", ErrSnapshotCorrupt, err))
	}

	ids := codec.AssignContributors(facts, element.LoadedContributor(contextID))

	m.mu.Lock()
	_, added, err := m.store.Replace(m.loaded[contextID], facts)
	if err != nil {
		m.mu.Unlock()
		span.RecordError(err)
		span.SetStatus(codes.Error, "record failed")
		return codec.LoadResult{}, fmt.Errorf("record %s: %w", contextID, err)
	}
	m.loaded[contextID] = ids
	m.mu.Unlock()

	seen := make(map[element.Element]struct{})
	for _, f := range facts {
		if _, ok := seen[f.Subject]; !ok {
			seen[f.Subject] = struct{}{}
			m.contexts.Assign(f.Subject, contextID)
		}
	}

	result := codec.LoadResult{Facts: len(facts), Added: added, Contributors: ids}
	span.SetAttributes(
		attribute.String("snapshot.id", env.SnapshotID),
		attribute.Int("load.facts", result.Facts),
	)
	m.logger.Info("snapshot loaded",
		slog.String("context_id", contextID),
		slog.String("snapshot_id", env.SnapshotID),
		slog.Time("created_at", env.CreatedAt()),
		slog.Int("facts", result.Facts),
		slog.Int("added", result.Added),
	)
	return result, nil
}

func (m *Manager) discardCorrupt(ctx context.Context, span trace.Span, contextID string, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "snapshot corrupt")
	m.logger.Warn("discarding corrupt snapshot",
		slog.String("context_id", contextID),
		slog.String("error", cause.Error()),
	)
	if err := m.backend.Delete(ctx, contextID); err != nil {
		m.logger.Error("failed to delete corrupt snapshot",
			slog.String("context_id", contextID),
			slog.String("error", err.Error()),
		)
	}
	return cause
}

// LoadAll loads every stored snapshot. Corrupt snapshots are discarded and
// reported together; the rest still load.
//
// Outputs:
//
//	int - Number of contexts loaded.
//	error - Joined load failures, or a List failure.
func (m *Manager) LoadAll(ctx context.Context) (int, error) {
	ids, err := m.backend.List(ctx)
	if err != nil {
		return 0, err
	}
	var errs []error
	loaded := 0
	for _, id := range ids {
		if _, err := m.Load(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("load %s: %w", id, err))
			continue
		}
		loaded++
	}
	return loaded, errors.Join(errs...)
}

// Unload revokes everything the last Load of contextID recorded.
//
// Outputs:
//
//	int - Number of (subject, relationship) entries fully removed.
func (m *Manager) Unload(contextID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed, _, _ := m.store.Replace(m.loaded[contextID], nil)
	delete(m.loaded, contextID)
	return removed
}

// Dispose removes a context entirely: its snapshot, every fact about or
// pointing into it, and its registry entries.
func (m *Manager) Dispose(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrInvalidContextID
	}
	m.Unload(contextID)
	removed := m.store.SweepContext(m.contexts.Filter(contextID))
	m.contexts.Forget(contextID)
	m.dirty.Clear(contextID)

	if err := m.backend.Delete(ctx, contextID); err != nil {
		return err
	}
	m.logger.Info("context disposed",
		slog.String("context_id", contextID),
		slog.Int("entries_removed", removed),
	)
	return nil
}

// Stats summarizes contextID as currently resident.
func (m *Manager) Stats(contextID string) ContextStats {
	snap := m.store.Snapshot(m.contexts.Filter(contextID))

	m.mu.Lock()
	contributors := append([]element.ContributorID(nil), m.loaded[contextID]...)
	m.mu.Unlock()

	return ContextStats{
		ContextID:    contextID,
		Elements:     snap.Len(),
		Locations:    snap.LocationCount(),
		Dirty:        m.dirty.IsDirty(contextID),
		Contributors: contributors,
	}
}
