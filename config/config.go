// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

// Package config loads storage configuration from YAML files and maps it onto
// hummock.Options.
package config

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/goccy/go-yaml"
	"github.com/hummockdb/hummock"
	"github.com/hummockdb/hummock/sstable"
)

// Config is the root of the YAML configuration.
type Config struct {
	Sstable    SstableConfig    `yaml:"sstable"`
	Storage    StorageConfig    `yaml:"storage"`
	Compaction CompactionConfig `yaml:"compaction"`
}

// SstableConfig configures the tables produced by flushes.
type SstableConfig struct {
	CapacityBytes   uint64 `yaml:"capacity_bytes"`
	BlockSizeBytes  uint64 `yaml:"block_size_bytes"`
	BloomBitsPerKey int    `yaml:"bloom_bits_per_key"`
	Compression     string `yaml:"compression"`
}

// StorageConfig configures the engine outside the table format.
type StorageConfig struct {
	LevelCount              int   `yaml:"level_count"`
	BuilderMemoryQuotaBytes int64 `yaml:"builder_memory_quota_bytes"`
}

// CompactionConfig configures the compaction coordinator.
type CompactionConfig struct {
	L0SubLevelThreshold int     `yaml:"l0_sub_level_threshold"`
	MaxSendFailures     int     `yaml:"max_send_failures"`
	DispatchRate        float64 `yaml:"dispatch_rate"`
}

// Default returns a baseline development config.
func Default() Config {
	sst := sstable.DefaultOptions()
	return Config{
		Sstable: SstableConfig{
			CapacityBytes:   sst.Capacity,
			BlockSizeBytes:  sst.BlockSize,
			BloomBitsPerKey: sst.BloomBitsPerKey,
			Compression:     sst.Compression.String(),
		},
		Storage: StorageConfig{
			LevelCount: 6,
		},
		Compaction: CompactionConfig{
			L0SubLevelThreshold: 4,
			MaxSendFailures:     3,
		},
	}
}

// Load reads a YAML config from path. A missing file yields Default().
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML on top of the defaults.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrap(err, "config")
	}
	if _, err := parseCompression(cfg.Sstable.Compression); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseCompression(name string) (sstable.Compression, error) {
	switch name {
	case "", "none":
		return sstable.NoCompression, nil
	case "snappy":
		return sstable.SnappyCompression, nil
	case "zstd":
		return sstable.ZstdCompression, nil
	default:
		return 0, errors.Newf("config: unknown compression %q", name)
	}
}

// Options maps the config onto hummock.Options. Runtime-only fields (logger,
// object storage, metrics) are left for the caller to fill.
func (c Config) Options() (*hummock.Options, error) {
	compression, err := parseCompression(c.Sstable.Compression)
	if err != nil {
		return nil, err
	}
	return &hummock.Options{
		Sstable: sstable.Options{
			Capacity:        c.Sstable.CapacityBytes,
			BlockSize:       c.Sstable.BlockSizeBytes,
			BloomBitsPerKey: c.Sstable.BloomBitsPerKey,
			Compression:     compression,
		},
		LevelCount:         c.Storage.LevelCount,
		BuilderMemoryQuota: c.Storage.BuilderMemoryQuotaBytes,
	}, nil
}

// CoordinatorOptions maps the compaction section onto CoordinatorOptions.
func (c Config) CoordinatorOptions() hummock.CoordinatorOptions {
	return hummock.CoordinatorOptions{
		Picker:          &hummock.L0SubLevelCountPicker{Threshold: c.Compaction.L0SubLevelThreshold},
		MaxSendFailures: c.Compaction.MaxSendFailures,
		DispatchRate:    c.Compaction.DispatchRate,
	}
}
