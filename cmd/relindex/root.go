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
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/relindex/pkg/logging"
	"github.com/AleutianAI/relindex/services/relindex/config"
	"github.com/AleutianAI/relindex/services/relindex/index"
	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/AleutianAI/relindex/services/relindex/storage/badger"
	"github.com/AleutianAI/relindex/services/relindex/telemetry"
	"github.com/spf13/cobra"
)

// app holds what every subcommand shares once the root has set it up.
type app struct {
	configPath string
	logLevel   string

	cfg       config.Config
	logger    *logging.Logger
	telemetry *telemetry.Provider
}

// =============================================================================
// COMMAND DEFINITIONS
// =============================================================================

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "relindex",
		Short: "Inspect and manage persisted relationship index snapshots",
		Long: `relindex works with snapshots of the source-code relationship index.

A snapshot holds every relationship fact whose subject belongs to one
analysis context. Snapshots are stored sealed (digest-checked, optionally
zstd-compressed) in a file directory or a badger database.

Examples:
  relindex verify lib_a.rix
  relindex import lib/a.dart lib_a.bin
  relindex query lib/a.dart "lib/a.dart;A" is-referenced-by
  relindex watch --config relindex.yaml`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		PersistentPreRunE: a.setup,
	}

	root.PersistentFlags().StringVar(&a.configPath, "config", "",
		"Config file (.yaml, .yml or .toml); defaults apply when empty")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "",
		"Override the configured log level: debug, info, warn, error")

	root.AddCommand(
		newInspectCmd(a),
		newVerifyCmd(a),
		newImportCmd(a),
		newExportCmd(a),
		newQueryCmd(a),
		newStatsCmd(a),
		newWatchCmd(a),
		newConfigCmd(a),
	)
	return root
}

// =============================================================================
// SHARED SETUP
// =============================================================================

// setup loads configuration, then builds the logger and telemetry.
func (a *app) setup(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	a.cfg = cfg

	logCfg, err := cfg.Logging.LoggerConfig("relindex")
	if err != nil {
		return err
	}
	logCfg.Output = cmd.ErrOrStderr()
	a.logger = logging.New(logCfg)

	tcfg := cfg.Telemetry
	tcfg.Output = cmd.ErrOrStderr()
	provider, err := telemetry.Init(cmd.Context(), tcfg)
	if err != nil {
		return err
	}
	a.telemetry = provider
	return nil
}

// close releases what setup created. Safe when setup never ran.
func (a *app) close(ctx context.Context) {
	if a.telemetry != nil {
		if err := a.telemetry.Shutdown(ctx); err != nil && a.logger != nil {
			a.logger.Warn("telemetry shutdown failed", "error", err)
		}
	}
	if a.logger != nil {
		_ = a.logger.Close()
	}
}

func (a *app) slog() *slog.Logger {
	if a.logger == nil {
		return slog.Default()
	}
	return a.logger.Slog()
}

// openBackend opens the configured snapshot backend. The returned func
// closes it.
func (a *app) openBackend() (persist.SnapshotStore, func() error, error) {
	pc := a.cfg.Persist
	switch pc.Backend {
	case config.BackendBadger:
		db, err := badger.Open(pc.BadgerConfig(a.slog()))
		if err != nil {
			return nil, nil, err
		}
		return persist.NewBadgerStore(db), db.Close, nil
	case config.BackendFile:
		files, err := persist.NewFileStore(pc.SnapshotDir)
		if err != nil {
			return nil, nil, err
		}
		return files, func() error { return nil }, nil
	default:
		return nil, nil, fmt.Errorf("unknown backend %q", pc.Backend)
	}
}

// openManager opens the backend and a manager over a fresh index.
func (a *app) openManager() (*persist.Manager, func() error, error) {
	backend, closeFn, err := a.openBackend()
	if err != nil {
		return nil, nil, err
	}
	store := index.NewMemoryIndexStore(index.WithInitialCapacity(a.cfg.Store.InitialCapacity))
	opts := append(a.cfg.Persist.ManagerOptions(),
		persist.WithContextMap(index.NewContextMap(a.cfg.Store.SourceFallback)),
		persist.WithLogger(a.slog()),
	)
	return persist.NewManager(store, backend, opts...), closeFn, nil
}

// errNoFileBackend is returned by commands that need snapshot files on disk.
var errNoFileBackend = errors.New("this command requires the file backend")
