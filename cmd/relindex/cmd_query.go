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
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/AleutianAI/relindex/services/relindex/element"
	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/spf13/cobra"
)

func newQueryCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "query CONTEXT ELEMENT RELATIONSHIP",
		Short: "List the locations of one relationship of an element",
		Long: `Load the snapshot of CONTEXT and list every location recorded for
ELEMENT under RELATIONSHIP.

ELEMENT is the element encoding: components joined by ';', with ';' and
'\' inside a component escaped by '\'.

Examples:
  relindex query lib/a.dart "lib/a.dart;A" is-referenced-by
  relindex query lib/a.dart "lib/a.dart;A;m" is-invoked-by --json`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			contextID := args[0]
			subject, err := element.New(args[1])
			if err != nil {
				return err
			}
			rel := element.RelationshipFor(args[2])

			m, closeFn, err := a.openManager()
			if err != nil {
				return err
			}
			defer closeFn()

			if _, err := m.Load(cmd.Context(), contextID); err != nil {
				return err
			}

			var locs []element.Location
			for loc := range m.Store().GetRelationshipLocations(subject, rel) {
				locs = append(locs, loc)
			}

			if jsonOutput {
				out := make([]factJSON, 0, len(locs))
				for _, l := range locs {
					out = append(out, factJSON{
						Subject:      subject.Encoding(),
						Relationship: rel.Identifier(),
						Target:       l.Element.Encoding(),
						Offset:       l.Offset,
						Length:       l.Length,
						ImportPrefix: l.ImportPrefix,
					})
				}
				return writeJSON(cmd.OutOrStdout(), out)
			}
			for _, l := range locs {
				fmt.Fprintln(cmd.OutOrStdout(), l)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON for scripting")
	return cmd
}

func newStatsCmd(a *app) *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "stats [CONTEXT...]",
		Short: "Summarize stored snapshots",
		Long: `Load snapshots and report how many subject elements and locations
each holds. With no CONTEXT, every stored snapshot is loaded. Snapshots
that fail to load are reported and the command exits non-zero.

Examples:
  relindex stats
  relindex stats lib/a.dart lib/b.dart --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, closeFn, err := a.openManager()
			if err != nil {
				return err
			}
			defer closeFn()

			contexts := args
			var loadErr error
			if len(contexts) == 0 {
				_, loadErr = m.LoadAll(cmd.Context())
				contexts, err = m.Backend().List(cmd.Context())
				if err != nil {
					return err
				}
			} else {
				var errs []error
				for _, id := range contexts {
					if _, err := m.Load(cmd.Context(), id); err != nil {
						errs = append(errs, fmt.Errorf("%s: %w", id, err))
					}
				}
				loadErr = errors.Join(errs...)
			}

			stats := make([]persist.ContextStats, 0, len(contexts))
			for _, id := range contexts {
				stats = append(stats, m.Stats(id))
			}

			if jsonOutput {
				if err := writeJSON(cmd.OutOrStdout(), statsJSON(stats)); err != nil {
					return err
				}
			} else {
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "CONTEXT\tELEMENTS\tLOCATIONS\tCONTRIBUTORS")
				for _, s := range stats {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", s.ContextID, s.Elements, s.Locations, len(s.Contributors))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}
			return loadErr
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output as JSON for scripting")
	return cmd
}

type contextStatsJSON struct {
	ContextID    string `json:"context_id"`
	Elements     int    `json:"elements"`
	Locations    int    `json:"locations"`
	Contributors int    `json:"contributors"`
}

func statsJSON(stats []persist.ContextStats) []contextStatsJSON {
	out := make([]contextStatsJSON, len(stats))
	for i, s := range stats {
		out[i] = contextStatsJSON{
			ContextID:    s.ContextID,
			Elements:     s.Elements,
			Locations:    s.Locations,
			Contributors: len(s.Contributors),
		}
	}
	return out
}
