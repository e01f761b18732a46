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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/AleutianAI/relindex/services/relindex/codec"
	"github.com/AleutianAI/relindex/services/relindex/index"
	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/spf13/cobra"
)

// Input formats accepted by inspect and verify.
const (
	inputAuto   = "auto"
	inputRaw    = "raw"
	inputSealed = "sealed"
)

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newInspectCmd(a *app) *cobra.Command {
	var (
		jsonOutput bool
		format     string
	)
	cmd := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Print the facts in a snapshot file",
		Long: `Decode a snapshot and print one line per fact:

  SUBJECT  RELATIONSHIP  TARGET@OFFSET+LENGTH(PREFIX)

FILE may be a sealed snapshot (as written by the file backend) or a raw
codec stream. Use "-" to read standard input.

Examples:
  relindex inspect lib_a.rix
  relindex inspect lib_a.bin --format raw --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			decoded, err := decodeInput(cmd.Context(), data, format)
			if err != nil {
				return err
			}
			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), decoded.toJSON())
			}
			decoded.writeText(cmd.OutOrStdout())
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON for scripting")
	cmd.Flags().StringVar(&format, "format", inputAuto, "Input format: auto, raw, sealed")
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "verify FILE",
		Short: "Check that a snapshot file decodes",
		Long: `Decode a snapshot without loading it anywhere.

Exits 0 when the file is intact and 2 when it is corrupt. For a corrupt
codec stream the byte offset of the failing field is reported.

Examples:
  relindex verify lib_a.rix
  relindex verify lib_a.bin --format raw`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd, args[0])
			if err != nil {
				return err
			}
			decoded, err := decodeInput(cmd.Context(), data, format)
			if err != nil {
				a.slog().Debug("verify failed", "file", args[0], "error", err)
				return corruptError(args[0], err)
			}
			snap := index.NewSnapshot(decoded.facts)
			fmt.Fprintf(cmd.OutOrStdout(), "ok: %s: %d elements, %d locations\n",
				args[0], snap.Len(), snap.LocationCount())
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", inputAuto, "Input format: auto, raw, sealed")
	return cmd
}

// =============================================================================
// DECODING
// =============================================================================

// decodedInput is a decoded snapshot file.
type decodedInput struct {
	envelope *persist.Envelope
	facts    []index.Fact
}

// decodeInput decodes data as format. In auto mode a sealed snapshot is
// tried first and a raw stream second.
func decodeInput(ctx context.Context, data []byte, format string) (*decodedInput, error) {
	switch format {
	case inputRaw:
		facts, err := codec.Decode(ctx, data)
		if err != nil {
			return nil, err
		}
		return &decodedInput{facts: facts}, nil

	case inputSealed:
		env, payload, err := persist.Unseal(data)
		if err != nil {
			return nil, err
		}
		facts, err := codec.Decode(ctx, payload)
		if err != nil {
			return nil, err
		}
		return &decodedInput{envelope: env, facts: facts}, nil

	case inputAuto:
		if sealed, err := decodeInput(ctx, data, inputSealed); err == nil {
			return sealed, nil
		} else if !errors.Is(err, persist.ErrSnapshotCorrupt) {
			// The envelope opened but its payload did not decode.
			return nil, err
		}
		return decodeInput(ctx, data, inputRaw)

	default:
		return nil, fmt.Errorf("unknown input format %q (want auto, raw or sealed)", format)
	}
}

// corruptError maps a decode failure to ExitCorrupt, naming the byte
// offset when the codec reported one.
func corruptError(name string, err error) error {
	var de *codec.DecodeError
	if errors.As(err, &de) {
		return &exitError{
			code: ExitCorrupt,
			err:  fmt.Errorf("%s: corrupt at byte offset %d: %w", name, de.Offset, err),
		}
	}
	return &exitError{code: ExitCorrupt, err: fmt.Errorf("%s: corrupt: %w", name, err)}
}

// =============================================================================
// OUTPUT
// =============================================================================

type envelopeJSON struct {
	ContextID   string    `json:"context_id"`
	SnapshotID  string    `json:"snapshot_id"`
	CreatedAt   time.Time `json:"created_at"`
	Compression string    `json:"compression"`
	Digest      string    `json:"digest"`
	Size        int64     `json:"size"`
}

type factJSON struct {
	Subject      string `json:"subject"`
	Relationship string `json:"relationship"`
	Target       string `json:"target"`
	Offset       int    `json:"offset"`
	Length       int    `json:"length"`
	ImportPrefix string `json:"import_prefix,omitempty"`
}

type inspectJSON struct {
	Envelope  *envelopeJSON `json:"envelope,omitempty"`
	Elements  int           `json:"elements"`
	Locations int           `json:"locations"`
	Facts     []factJSON    `json:"facts"`
}

func (d *decodedInput) toJSON() inspectJSON {
	snap := index.NewSnapshot(d.facts)
	out := inspectJSON{
		Elements:  snap.Len(),
		Locations: snap.LocationCount(),
		Facts:     make([]factJSON, 0, len(d.facts)),
	}
	if env := d.envelope; env != nil {
		out.Envelope = &envelopeJSON{
			ContextID:   env.ContextID,
			SnapshotID:  env.SnapshotID,
			CreatedAt:   env.CreatedAt().UTC(),
			Compression: string(env.Compression),
			Digest:      env.Digest.String(),
			Size:        env.Size,
		}
	}
	for _, f := range d.facts {
		out.Facts = append(out.Facts, factJSON{
			Subject:      f.Subject.Encoding(),
			Relationship: f.Relationship.Identifier(),
			Target:       f.Location.Element.Encoding(),
			Offset:       f.Location.Offset,
			Length:       f.Location.Length,
			ImportPrefix: f.Location.ImportPrefix,
		})
	}
	return out
}

func (d *decodedInput) writeText(w io.Writer) {
	if env := d.envelope; env != nil {
		fmt.Fprintf(w, "# context=%s snapshot=%s created=%s compression=%s size=%d digest=%s\n",
			env.ContextID, env.SnapshotID, env.CreatedAt().UTC().Format(time.RFC3339),
			env.Compression, env.Size, env.Digest)
	}
	for _, f := range d.facts {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.Subject, f.Relationship, f.Location)
	}
}

// =============================================================================
// HELPERS
// =============================================================================

// readInput reads path, or standard input for "-".
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	return os.ReadFile(path)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
