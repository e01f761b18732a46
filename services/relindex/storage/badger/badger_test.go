// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package badger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openInMemory(t *testing.T) *DB {
	t.Helper()
	db, err := Open(InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestDB_PutGetDelete(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)

	require.NoError(t, db.Put(ctx, "snapshot/a", []byte("one")))

	got, err := db.Get(ctx, "snapshot/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), got)

	require.NoError(t, db.Put(ctx, "snapshot/a", []byte("two")))
	got, err = db.Get(ctx, "snapshot/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), got)

	require.NoError(t, db.Delete(ctx, "snapshot/a"))
	_, err = db.Get(ctx, "snapshot/a")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.NoError(t, db.Delete(ctx, "snapshot/missing"))
}

func TestDB_Keys(t *testing.T) {
	ctx := context.Background()
	db := openInMemory(t)

	for _, k := range []string{"snapshot/b", "snapshot/a", "other/x"} {
		require.NoError(t, db.Put(ctx, k, []byte(k)))
	}

	keys, err := db.Keys(ctx, "snapshot/")
	require.NoError(t, err)
	assert.Equal(t, []string{"snapshot/a", "snapshot/b"}, keys)
}

func TestDB_CancelledContext(t *testing.T) {
	db := openInMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, db.Put(ctx, "k", []byte("v")), context.Canceled)
	_, err := db.Get(ctx, "k")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestOpen_Persistent(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	cfg := DefaultConfig(dir)
	cfg.GCInterval = time.Hour
	db, err := Open(cfg)
	require.NoError(t, err)
	assert.Equal(t, dir, db.Path())
	assert.False(t, db.InMemory())

	require.NoError(t, db.Put(ctx, "snapshot/ctx", []byte("payload")))
	require.NoError(t, db.Sync())
	require.NoError(t, db.Close())

	db2, err := Open(cfg)
	require.NoError(t, err)
	defer db2.Close()

	got, err := db2.Get(ctx, "snapshot/ctx")
	require.NoError(t, err)
	assert.Equal(t, []byte("payload"), got)
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "path is required")
}

func TestNewGCRunner_Validation(t *testing.T) {
	db := openInMemory(t)

	_, err := NewGCRunner(nil, time.Minute, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.db, 0, 0.5, nil)
	assert.Error(t, err)

	_, err = NewGCRunner(db.db, time.Minute, 1.5, nil)
	assert.Error(t, err)

	r, err := NewGCRunner(db.db, time.Millisecond, 0.5, nil)
	require.NoError(t, err)
	r.Start()
	r.Start()
	time.Sleep(5 * time.Millisecond)
	r.Stop()
	r.Stop()
}
