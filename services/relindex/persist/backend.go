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
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/AleutianAI/relindex/services/relindex/storage/badger"
)

// SnapshotStore holds one sealed snapshot per context.
//
// Implementations must replace a snapshot atomically: a reader sees either
// the previous snapshot or the new one, never a mix.
type SnapshotStore interface {
	// Put replaces the snapshot for contextID.
	Put(ctx context.Context, contextID string, data []byte) error

	// Get returns the snapshot for contextID, or ErrSnapshotNotFound.
	Get(ctx context.Context, contextID string) ([]byte, error)

	// Delete removes the snapshot for contextID. Missing is not an error.
	Delete(ctx context.Context, contextID string) error

	// List returns every context id with a snapshot, sorted.
	List(ctx context.Context) ([]string, error)
}

// SnapshotExt is the file extension FileStore uses.
const SnapshotExt = ".rix"

// FileStore keeps each snapshot in its own file under a directory.
//
// Writes go to a temporary file in the same directory that is renamed over
// the destination once complete.
type FileStore struct {
	dir string
}

// NewFileStore creates dir if needed and returns a store rooted there.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create snapshot directory %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the root directory.
func (s *FileStore) Dir() string {
	return s.dir
}

// PathFor returns the file that holds contextID's snapshot.
func (s *FileStore) PathFor(contextID string) string {
	return filepath.Join(s.dir, url.PathEscape(contextID)+SnapshotExt)
}

// ContextForPath maps a snapshot file back to its context id.
func (s *FileStore) ContextForPath(path string) (string, bool) {
	if filepath.Dir(path) != filepath.Clean(s.dir) {
		return "", false
	}
	name := filepath.Base(path)
	if !strings.HasSuffix(name, SnapshotExt) {
		return "", false
	}
	id, err := url.PathUnescape(strings.TrimSuffix(name, SnapshotExt))
	if err != nil || id == "" {
		return "", false
	}
	return id, true
}

// Put implements SnapshotStore.
func (s *FileStore) Put(ctx context.Context, contextID string, data []byte) error {
	if contextID == "" {
		return ErrInvalidContextID
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return WriteFileAtomic(s.PathFor(contextID), data, 0o644)
}

// WriteFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path. On failure path keeps its previous content.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp snapshot: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write temp snapshot: %w", err)
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod temp snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync temp snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp snapshot: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename snapshot: %w", err)
	}
	committed = true
	return nil
}

// Get implements SnapshotStore.
func (s *FileStore) Get(ctx context.Context, contextID string) ([]byte, error) {
	if contextID == "" {
		return nil, ErrInvalidContextID
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.PathFor(contextID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, contextID)
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	return data, nil
}

// Delete implements SnapshotStore.
func (s *FileStore) Delete(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrInvalidContextID
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	err := os.Remove(s.PathFor(contextID))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List implements SnapshotStore.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if id, ok := s.ContextForPath(filepath.Join(s.dir, e.Name())); ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

// badgerKeyPrefix namespaces snapshot keys in a shared database.
const badgerKeyPrefix = "snapshot/"

// BadgerStore keeps snapshots in an embedded badger database, one key per
// context, each written in a single transaction.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore wraps an open database. The caller owns db.
func NewBadgerStore(db *badger.DB) *BadgerStore {
	return &BadgerStore{db: db}
}

// Put implements SnapshotStore.
func (s *BadgerStore) Put(ctx context.Context, contextID string, data []byte) error {
	if contextID == "" {
		return ErrInvalidContextID
	}
	if err := s.db.Put(ctx, badgerKeyPrefix+contextID, data); err != nil {
		return fmt.Errorf("put snapshot: %w", err)
	}
	return nil
}

// Get implements SnapshotStore.
func (s *BadgerStore) Get(ctx context.Context, contextID string) ([]byte, error) {
	if contextID == "" {
		return nil, ErrInvalidContextID
	}
	data, err := s.db.Get(ctx, badgerKeyPrefix+contextID)
	if errors.Is(err, badger.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, contextID)
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return data, nil
}

// Delete implements SnapshotStore.
func (s *BadgerStore) Delete(ctx context.Context, contextID string) error {
	if contextID == "" {
		return ErrInvalidContextID
	}
	if err := s.db.Delete(ctx, badgerKeyPrefix+contextID); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

// List implements SnapshotStore.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	keys, err := s.db.Keys(ctx, badgerKeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	ids := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, strings.TrimPrefix(k, badgerKeyPrefix))
	}
	return ids, nil
}
