// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/relindex/services/relindex/codec"
	"github.com/AleutianAI/relindex/services/relindex/config"
	"github.com/AleutianAI/relindex/services/relindex/element"
	"github.com/AleutianAI/relindex/services/relindex/index"
	"github.com/AleutianAI/relindex/services/relindex/persist"
)

const ctxA = "lib/a.dart"

// harness runs the CLI against a private config and snapshot directory.
type harness struct {
	t           *testing.T
	dir         string
	snapshotDir string
	configPath  string
}

func newHarness(t *testing.T, mutate ...func(*config.Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Persist.SnapshotDir = filepath.Join(dir, "snapshots")
	cfg.Logging.Quiet = true
	cfg.Logging.Format = "text"
	cfg.Telemetry.TraceExporter = "none"
	cfg.Telemetry.MetricExporter = "none"
	for _, m := range mutate {
		m(&cfg)
	}

	data, err := config.Marshal(cfg, ".yaml")
	require.NoError(t, err)
	path := filepath.Join(dir, "relindex.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	return &harness{t: t, dir: dir, snapshotDir: cfg.Persist.SnapshotDir, configPath: path}
}

func (h *harness) run(args ...string) (string, string, int) {
	return h.runContext(context.Background(), args...)
}

func (h *harness) runContext(ctx context.Context, args ...string) (string, string, int) {
	h.t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(ctx, append([]string{"--config", h.configPath}, args...), &stdout, &stderr)
	return stdout.String(), stderr.String(), code
}

// writeStream writes a raw codec stream holding three facts about
// elements of lib/a.dart and returns its path and bytes.
func (h *harness) writeStream() (string, []byte) {
	h.t.Helper()
	a := element.MustNew("lib/a.dart;A")
	a2 := element.MustNew("lib/a.dart;A;foo")
	b := element.MustNew("lib/b.dart;B")

	store := index.NewMemoryIndexStore()
	store.RecordRelationship(a, element.IsReferencedBy, element.NewLocation(b, 10, 5), "lib/b.dart")
	store.RecordRelationship(a, element.IsReferencedBy, element.NewLocation(a2, 3, 1).WithImportPrefix("p"), ctxA)
	store.RecordRelationship(a2, element.IsInvokedBy, element.NewLocation(b, 20, 3), "lib/b.dart")
	store.RecordRelationship(b, element.IsReadBy, element.NewLocation(a, 1, 1), ctxA)

	data, err := codec.Encode(context.Background(), store.Snapshot(index.BySource(ctxA)))
	require.NoError(h.t, err)

	path := filepath.Join(h.dir, "lib_a.bin")
	require.NoError(h.t, os.WriteFile(path, data, 0o600))
	return path, data
}

func TestInspect_RawStream(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()

	out, stderr, code := h.run("inspect", path)
	require.Equal(t, ExitSuccess, code, stderr)

	lines := strings.Split(strings.TrimSpace(out), "\n")
	assert.Len(t, lines, 3)
	assert.Contains(t, out, "is-referenced-by")
	assert.Contains(t, out, "is-invoked-by")
	assert.NotContains(t, out, "is-read-by")
	assert.NotContains(t, out, "# context=")
}

func TestInspect_JSON(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()

	out, stderr, code := h.run("inspect", path, "--json", "--format", "raw")
	require.Equal(t, ExitSuccess, code, stderr)

	var got inspectJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Nil(t, got.Envelope)
	assert.Equal(t, 2, got.Elements)
	assert.Equal(t, 3, got.Locations)
	require.Len(t, got.Facts, 3)

	var prefixed int
	for _, f := range got.Facts {
		if f.ImportPrefix == "p" {
			prefixed++
			assert.Equal(t, "lib/a.dart;A;foo", f.Target)
		}
	}
	assert.Equal(t, 1, prefixed)
}

func TestInspect_UnknownFormat(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()

	_, stderr, code := h.run("inspect", path, "--format", "xml")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "unknown input format")
}

func TestVerify(t *testing.T) {
	h := newHarness(t)
	path, data := h.writeStream()

	out, stderr, code := h.run("verify", path)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "2 elements, 3 locations")

	t.Run("truncated", func(t *testing.T) {
		bad := filepath.Join(h.dir, "truncated.bin")
		require.NoError(t, os.WriteFile(bad, data[:len(data)-2], 0o600))

		_, stderr, code := h.run("verify", bad)
		assert.Equal(t, ExitCorrupt, code)
		assert.Contains(t, stderr, "corrupt at byte offset")
	})

	t.Run("unsupported version", func(t *testing.T) {
		bad := filepath.Join(h.dir, "v2.bin")
		require.NoError(t, os.WriteFile(bad, []byte{0, 0, 0, 2, 0, 0, 0, 0}, 0o600))

		_, stderr, code := h.run("verify", bad)
		assert.Equal(t, ExitCorrupt, code)
		assert.Contains(t, stderr, "corrupt at byte offset 0")
	})

	t.Run("sealed required", func(t *testing.T) {
		_, stderr, code := h.run("verify", path, "--format", "sealed")
		assert.Equal(t, ExitCorrupt, code)
		assert.Contains(t, stderr, "corrupt")
	})
}

func TestImportExport_RoundTrip(t *testing.T) {
	for _, backend := range []string{config.BackendFile, config.BackendBadger} {
		t.Run(backend, func(t *testing.T) {
			h := newHarness(t, func(c *config.Config) {
				c.Persist.Backend = backend
				c.Persist.GCInterval = 0
			})
			path, data := h.writeStream()

			out, stderr, code := h.run("import", ctxA, path)
			require.Equal(t, ExitSuccess, code, stderr)
			assert.Contains(t, out, "imported lib/a.dart: 3 facts")

			exported := filepath.Join(h.dir, "exported.bin")
			_, stderr, code = h.run("export", ctxA, exported)
			require.Equal(t, ExitSuccess, code, stderr)

			got, err := os.ReadFile(exported)
			require.NoError(t, err)
			assert.Equal(t, data, got)

			// Export to stdout.
			out, stderr, code = h.run("export", ctxA, "-")
			require.Equal(t, ExitSuccess, code, stderr)
			assert.Equal(t, data, []byte(out))
		})
	}
}

func TestExport_ReplacesExistingFile(t *testing.T) {
	h := newHarness(t)
	path, data := h.writeStream()
	_, stderr, code := h.run("import", ctxA, path)
	require.Equal(t, ExitSuccess, code, stderr)

	exported := filepath.Join(h.dir, "exported.bin")
	require.NoError(t, os.WriteFile(exported, []byte("previous export"), 0o644))

	_, stderr, code = h.run("export", ctxA, exported)
	require.Equal(t, ExitSuccess, code, stderr)
	got, err := os.ReadFile(exported)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	leftovers, err := filepath.Glob(filepath.Join(h.dir, ".snapshot-*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)

	_, _, code = h.run("export", ctxA, filepath.Join(h.dir, "missing", "out.bin"))
	assert.Equal(t, ExitError, code)
}

func TestInspect_SealedSnapshot(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()
	_, stderr, code := h.run("import", ctxA, path)
	require.Equal(t, ExitSuccess, code, stderr)

	files, err := persist.NewFileStore(h.snapshotDir)
	require.NoError(t, err)
	sealed := files.PathFor(ctxA)

	out, stderr, code := h.run("inspect", sealed, "--json")
	require.Equal(t, ExitSuccess, code, stderr)

	var got inspectJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.NotNil(t, got.Envelope)
	assert.Equal(t, ctxA, got.Envelope.ContextID)
	assert.Equal(t, "zstd", got.Envelope.Compression)
	assert.True(t, strings.HasPrefix(got.Envelope.Digest, "sha256:"))
	assert.Len(t, got.Facts, 3)

	out, stderr, code = h.run("inspect", sealed)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.True(t, strings.HasPrefix(out, "# context=lib/a.dart "))
}

func TestImport_RejectsCorruptStream(t *testing.T) {
	h := newHarness(t)
	_, data := h.writeStream()
	bad := filepath.Join(h.dir, "bad.bin")
	require.NoError(t, os.WriteFile(bad, data[:5], 0o600))

	_, stderr, code := h.run("import", ctxA, bad)
	assert.Equal(t, ExitCorrupt, code)
	assert.Contains(t, stderr, "corrupt at byte offset 4")

	_, stderr, code = h.run("export", ctxA, "-")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "snapshot not found")
}

func TestQuery(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()
	_, stderr, code := h.run("import", ctxA, path)
	require.Equal(t, ExitSuccess, code, stderr)

	out, stderr, code := h.run("query", ctxA, "lib/a.dart;A", "is-referenced-by")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Len(t, strings.Split(strings.TrimSpace(out), "\n"), 2)

	out, stderr, code = h.run("query", ctxA, "lib/a.dart;A", "is-referenced-by", "--json")
	require.Equal(t, ExitSuccess, code, stderr)
	var got []factJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Len(t, got, 2)

	out, stderr, code = h.run("query", ctxA, "lib/a.dart;A", "is-written-by")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Empty(t, strings.TrimSpace(out))

	_, _, code = h.run("query", "lib/missing.dart", "lib/a.dart;A", "is-referenced-by")
	assert.Equal(t, ExitError, code)
}

func TestStats(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()
	_, stderr, code := h.run("import", ctxA, path)
	require.Equal(t, ExitSuccess, code, stderr)

	out, stderr, code := h.run("stats")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "CONTEXT")
	assert.Contains(t, out, ctxA)

	out, stderr, code = h.run("stats", ctxA, "--json")
	require.Equal(t, ExitSuccess, code, stderr)
	var got []contextStatsJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, contextStatsJSON{ContextID: ctxA, Elements: 2, Locations: 3, Contributors: 1}, got[0])

	_, _, code = h.run("stats", "lib/missing.dart")
	assert.Equal(t, ExitError, code)
}

func TestConfigCommands(t *testing.T) {
	h := newHarness(t)

	target := filepath.Join(h.dir, "generated", "relindex.toml")
	out, stderr, code := h.run("config", "init", target)
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "wrote")
	_, err := config.Load(target)
	require.NoError(t, err)

	_, stderr, code = h.run("config", "init", target)
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "already exists")

	out, stderr, code = h.run("config", "show")
	require.Equal(t, ExitSuccess, code, stderr)
	assert.Contains(t, out, "snapshot_dir: "+h.snapshotDir)
}

func TestRoot_InvalidFlags(t *testing.T) {
	h := newHarness(t)

	_, stderr, code := h.run("--log-level", "loud", "stats")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "logging.level")

	var stdout, errb bytes.Buffer
	code = run(context.Background(), []string{"--config", filepath.Join(h.dir, "nope.ini"), "stats"}, &stdout, &errb)
	assert.Equal(t, ExitError, code)
}

func TestWatch_RequiresFileBackend(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Persist.Backend = config.BackendBadger
		c.Persist.GCInterval = 0
	})

	_, stderr, code := h.run("watch")
	assert.Equal(t, ExitError, code)
	assert.Contains(t, stderr, "file backend")
}

func TestWatch_StopsOnCancel(t *testing.T) {
	h := newHarness(t)
	path, _ := h.writeStream()
	_, stderr, code := h.run("import", ctxA, path)
	require.Equal(t, ExitSuccess, code, stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, stderr, code = h.runContext(ctx, "watch")
	assert.Equal(t, ExitSuccess, code, stderr)
}

func TestReloadHandler(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, data := h.writeStream()

	files, err := persist.NewFileStore(h.snapshotDir)
	require.NoError(t, err)
	sealed, _, err := persist.Seal(ctxA, data, persist.CompressionNone)
	require.NoError(t, err)
	require.NoError(t, files.Put(ctx, ctxA, sealed))

	m := persist.NewManager(index.NewMemoryIndexStore(), files)
	handler := reloadHandler(m, slog.Default())

	handler(ctx, []persist.SnapshotChange{{ContextID: ctxA}})
	assert.Equal(t, 3, m.Stats(ctxA).Locations)

	handler(ctx, []persist.SnapshotChange{{ContextID: ctxA, Removed: true}})
	assert.Zero(t, m.Stats(ctxA).Locations)

	// A failed reload is logged, not fatal.
	handler(ctx, []persist.SnapshotChange{{ContextID: "lib/missing.dart"}})
}
