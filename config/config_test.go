// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/hummockdb/hummock"
	"github.com/hummockdb/hummock/sstable"
	"github.com/stretchr/testify/require"
)

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
sstable:
  capacity_bytes: 1048576
  compression: zstd
compaction:
  l0_sub_level_threshold: 8
`))
	require.NoError(t, err)
	require.Equal(t, uint64(1<<20), cfg.Sstable.CapacityBytes)
	// Unset fields keep their defaults.
	require.Equal(t, sstable.DefaultOptions().BlockSize, cfg.Sstable.BlockSizeBytes)
	require.Equal(t, 8, cfg.Compaction.L0SubLevelThreshold)

	opts, err := cfg.Options()
	require.NoError(t, err)
	require.Equal(t, sstable.ZstdCompression, opts.Sstable.Compression)
	require.Equal(t, uint64(1<<20), opts.Sstable.Capacity)

	copts := cfg.CoordinatorOptions()
	picker, ok := copts.Picker.(*hummock.L0SubLevelCountPicker)
	require.True(t, ok)
	require.Equal(t, 8, picker.Threshold)
}

func TestParseRejectsUnknownCompression(t *testing.T) {
	_, err := Parse([]byte("sstable:\n  compression: lz77\n"))
	require.Error(t, err)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hummock.yaml")
	require.NoError(t, os.WriteFile(path, []byte("storage:\n  level_count: 7\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Storage.LevelCount)
}
