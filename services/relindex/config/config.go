// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads relindex configuration from YAML or TOML.
//
// The format follows the file extension (.yaml, .yml or .toml). Values not
// present in the file keep their defaults, and unknown keys are rejected.
// Every loaded configuration is validated before it is returned.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/AleutianAI/relindex/pkg/logging"
	"github.com/AleutianAI/relindex/services/relindex/persist"
	"github.com/AleutianAI/relindex/services/relindex/storage/badger"
	"github.com/AleutianAI/relindex/services/relindex/telemetry"
	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

var (
	// ErrUnsupportedFormat is returned for a config path whose extension is
	// not .yaml, .yml or .toml.
	ErrUnsupportedFormat = errors.New("unsupported config format")

	// ErrInvalidConfig wraps every validation failure.
	ErrInvalidConfig = errors.New("invalid config")

	// ErrConfigExists is returned by WriteDefault when the target exists.
	ErrConfigExists = errors.New("config file already exists")
)

// Backend names for PersistConfig.Backend.
const (
	BackendFile   = "file"
	BackendBadger = "badger"
)

// Config is the complete relindex configuration.
type Config struct {
	Store     StoreConfig      `yaml:"store" toml:"store"`
	Persist   PersistConfig    `yaml:"persist" toml:"persist"`
	Logging   LoggingConfig    `yaml:"logging" toml:"logging"`
	Telemetry telemetry.Config `yaml:"telemetry" toml:"telemetry"`
}

// StoreConfig sizes the in-memory index.
type StoreConfig struct {
	// InitialCapacity presizes the index for this many subject elements.
	InitialCapacity int `yaml:"initial_capacity" toml:"initial_capacity" validate:"gte=0"`

	// SourceFallback places unassigned elements in the context named by
	// their defining source.
	SourceFallback bool `yaml:"source_fallback" toml:"source_fallback"`
}

// PersistConfig controls where and how snapshots are kept.
type PersistConfig struct {
	// Backend is "file" (one file per context) or "badger".
	Backend string `yaml:"backend" toml:"backend" validate:"oneof=file badger"`

	// SnapshotDir holds snapshot files, or the badger database.
	SnapshotDir string `yaml:"snapshot_dir" toml:"snapshot_dir" validate:"required"`

	// Compression is "none" or "zstd".
	Compression string `yaml:"compression" toml:"compression" validate:"oneof=none zstd"`

	// SaveConcurrency bounds parallel saves.
	SaveConcurrency int `yaml:"save_concurrency" toml:"save_concurrency" validate:"gte=1,lte=64"`

	// SyncWrites fsyncs every badger commit.
	SyncWrites bool `yaml:"sync_writes" toml:"sync_writes"`

	// GCInterval is the badger value log GC period. Zero disables GC.
	GCInterval Duration `yaml:"gc_interval" toml:"gc_interval" validate:"gte=0"`

	// GCDiscardRatio is the badger value log GC threshold.
	GCDiscardRatio float64 `yaml:"gc_discard_ratio" toml:"gc_discard_ratio" validate:"gt=0,lt=1"`

	// DebounceWindow coalesces snapshot file events in `relindex watch`.
	DebounceWindow Duration `yaml:"debounce_window" toml:"debounce_window" validate:"gte=0"`
}

// LoggingConfig mirrors logging.Config in file-friendly form.
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level" validate:"oneof=debug info warn warning error"`
	Format string `yaml:"format" toml:"format" validate:"oneof=auto text json"`
	Dir    string `yaml:"dir,omitempty" toml:"dir,omitempty"`
	Quiet  bool   `yaml:"quiet" toml:"quiet"`
}

// Duration is a time.Duration written as "30s" or "5m0s" in config files.
type Duration time.Duration

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	return Config{
		Store: StoreConfig{
			InitialCapacity: 1024,
			SourceFallback:  true,
		},
		Persist: PersistConfig{
			Backend:         BackendFile,
			SnapshotDir:     defaultSnapshotDir(),
			Compression:     string(persist.CompressionZstd),
			SaveConcurrency: persist.DefaultSaveConcurrency,
			SyncWrites:      true,
			GCInterval:      Duration(5 * time.Minute),
			GCDiscardRatio:  0.5,
			DebounceWindow:  Duration(500 * time.Millisecond),
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: string(logging.FormatAuto),
		},
		Telemetry: telemetry.DefaultConfig(),
	}
}

func defaultSnapshotDir() string {
	if dir, err := os.UserCacheDir(); err == nil {
		return filepath.Join(dir, "relindex", "snapshots")
	}
	return filepath.Join(os.TempDir(), "relindex", "snapshots")
}

// Load reads and validates the configuration at path.
//
// An empty path returns DefaultConfig. Fields absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		// An empty document decodes to io.EOF and means "all defaults".
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case ".toml":
		md, err := toml.Decode(string(data), &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return Config{}, fmt.Errorf("parsing config %s: unknown keys %v", path, undecoded)
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// WriteDefault writes DefaultConfig to path in the format its extension
// names, creating parent directories. An existing file is never replaced.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("%w: %s", ErrConfigExists, path)
	} else if !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("checking config %s: %w", path, err)
	}

	data, err := Marshal(DefaultConfig(), filepath.Ext(path))
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// Marshal encodes cfg as YAML or TOML, chosen by ext (".yaml", ".yml" or
// ".toml").
func Marshal(cfg Config, ext string) ([]byte, error) {
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		return yaml.Marshal(cfg)
	case ".toml":
		var buf bytes.Buffer
		if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}
}

// LoggerConfig converts the logging section for logging.New.
func (c LoggingConfig) LoggerConfig(service string) (logging.Config, error) {
	level, err := logging.ParseLevel(c.Level)
	if err != nil {
		return logging.Config{}, err
	}
	return logging.Config{
		Level:   level,
		LogDir:  c.Dir,
		Service: service,
		Format:  logging.Format(c.Format),
		Quiet:   c.Quiet,
	}, nil
}

// BadgerConfig returns the badger settings for the snapshot database.
func (c PersistConfig) BadgerConfig(logger *slog.Logger) badger.Config {
	cfg := badger.DefaultConfig(c.SnapshotDir)
	cfg.SyncWrites = c.SyncWrites
	cfg.GCInterval = c.GCInterval.Std()
	cfg.GCDiscardRatio = c.GCDiscardRatio
	cfg.Logger = logger
	return cfg
}

// ManagerOptions returns the persist.Manager options this section implies.
func (c PersistConfig) ManagerOptions() []persist.ManagerOption {
	return []persist.ManagerOption{
		persist.WithCompression(persist.Compression(c.Compression)),
		persist.WithSaveConcurrency(c.SaveConcurrency),
	}
}
