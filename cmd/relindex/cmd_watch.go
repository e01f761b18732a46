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
	"log/slog"

	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/AleutianAI/relindex/services/relindex/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newWatchCmd(a *app) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Keep the index in sync with a snapshot directory",
		Long: `Load every snapshot in the configured directory, then reload a
context whenever its snapshot file is written and unload it when the file
is removed. Runs until interrupted.

With the prometheus metric exporter enabled, /metrics is served on
telemetry.metrics_addr (or --metrics-addr).

Requires the file backend.

Examples:
  relindex watch --config relindex.yaml
  relindex watch --metrics-addr 127.0.0.1:9464`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if metricsAddr == "" {
				metricsAddr = a.cfg.Telemetry.MetricsAddr
			}
			m, closeFn, err := a.openManager()
			if err != nil {
				return err
			}
			defer closeFn()
			return a.watch(cmd.Context(), m, metricsAddr)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "",
		"Address for /metrics (default: telemetry.metrics_addr)")
	return cmd
}

// watch runs until ctx is done.
func (a *app) watch(ctx context.Context, m *persist.Manager, metricsAddr string) error {
	files, ok := m.Backend().(*persist.FileStore)
	if !ok {
		return errNoFileBackend
	}
	logger := a.slog().With(slog.String("dir", files.Dir()))

	n, err := m.LoadAll(ctx)
	if err != nil {
		// Broken snapshots were discarded; keep serving the rest.
		logger.Warn("some snapshots failed to load", slog.String("error", err.Error()))
	}
	logger.Info("initial load complete", slog.Int("contexts", n))

	watcher, err := persist.NewWatcher(files, reloadHandler(m, logger), &persist.WatcherOptions{
		DebounceWindow: a.cfg.Persist.DebounceWindow.Std(),
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	if err := watcher.Start(ctx); err != nil {
		return err
	}
	defer watcher.Stop()

	g, gctx := errgroup.WithContext(ctx)
	if handler := a.telemetry.MetricsHandler(); handler != nil && metricsAddr != "" {
		g.Go(func() error {
			return telemetry.ServeMetrics(gctx, metricsAddr, handler, logger)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		return nil
	})
	err = g.Wait()
	logger.Info("watch stopped")
	return err
}

// reloadHandler applies snapshot file changes to m.
func reloadHandler(m *persist.Manager, logger *slog.Logger) persist.SnapshotChangeHandler {
	return func(ctx context.Context, changes []persist.SnapshotChange) {
		for _, c := range changes {
			if c.Removed {
				removed := m.Unload(c.ContextID)
				logger.Info("context unloaded",
					slog.String("context_id", c.ContextID),
					slog.Int("entries_removed", removed),
				)
				continue
			}
			res, err := m.Load(ctx, c.ContextID)
			if err != nil {
				logger.Warn("reload failed",
					slog.String("context_id", c.ContextID),
					slog.String("error", err.Error()),
				)
				continue
			}
			logger.Info("context reloaded",
				slog.String("context_id", c.ContextID),
				slog.Int("facts", res.Facts),
			)
		}
	}
}
