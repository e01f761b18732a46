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
	"fmt"

	"github.com/AleutianAI/relindex/services/relindex/codec"
	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/spf13/cobra"
)

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import CONTEXT FILE",
		Short: "Store a raw codec stream as the snapshot of a context",
		Long: `Read a raw codec stream, check that it decodes, seal it with the
configured compression and store it in the configured backend under
CONTEXT, replacing any previous snapshot.

Use "-" as FILE to read standard input.

Examples:
  relindex import lib/a.dart lib_a.bin
  relindex import lib/a.dart - < lib_a.bin`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, path := args[0], args[1]
			if contextID == "" {
				return persist.ErrInvalidContextID
			}

			stream, err := readInput(cmd, path)
			if err != nil {
				return err
			}
			facts, err := codec.Decode(cmd.Context(), stream)
			if err != nil {
				return corruptError(path, err)
			}

			backend, closeFn, err := a.openBackend()
			if err != nil {
				return err
			}
			defer closeFn()

			sealed, env, err := persist.Seal(contextID, stream, persist.Compression(a.cfg.Persist.Compression))
			if err != nil {
				return err
			}
			if err := backend.Put(cmd.Context(), contextID, sealed); err != nil {
				return err
			}

			a.slog().Info("snapshot imported",
				"context_id", contextID,
				"snapshot_id", env.SnapshotID,
				"facts", len(facts),
			)
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s: %d facts, snapshot %s\n",
				contextID, len(facts), env.SnapshotID)
			return nil
		},
	}
}

func newExportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "export CONTEXT FILE",
		Short: "Write the stored snapshot of a context as a raw codec stream",
		Long: `Fetch the snapshot stored for CONTEXT, verify it, and write the
raw codec stream to FILE. Use "-" to write to standard output.

Examples:
  relindex export lib/a.dart lib_a.bin
  relindex export lib/a.dart - | relindex inspect - --format raw`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID, path := args[0], args[1]

			backend, closeFn, err := a.openBackend()
			if err != nil {
				return err
			}
			defer closeFn()

			sealed, err := backend.Get(cmd.Context(), contextID)
			if err != nil {
				return err
			}
			env, stream, err := persist.Unseal(sealed)
			if err != nil {
				return corruptError(contextID, err)
			}
			if env.ContextID != contextID {
				return corruptError(contextID,
					fmt.Errorf("%w: snapshot belongs to %q", persist.ErrSnapshotCorrupt, env.ContextID))
			}

			if path == "-" {
				_, err = cmd.OutOrStdout().Write(stream)
				return err
			}
			if err := persist.WriteFileAtomic(path, stream, 0o644); err != nil {
				return err
			}
			a.slog().Info("snapshot exported",
				"context_id", contextID,
				"snapshot_id", env.SnapshotID,
				"bytes", len(stream),
			)
			return nil
		},
	}
}
