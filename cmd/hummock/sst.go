// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"os"

	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/sstable"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var sstCmd = &cobra.Command{
	Use:   "sst",
	Short: "sstable introspection",
}

var sstDumpLimit int

var sstDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "print the entries of an sstable file",
	Args:  cobra.ExactArgs(1),
	RunE:  runSstDump,
}

func init() {
	sstCmd.AddCommand(sstDumpCmd)
}

func runSstDump(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return err
	}
	r, err := sstable.NewReader(data)
	if err != nil {
		return err
	}

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"Table", "VNode", "Key", "Epoch", "Value"})
	n := 0
	it := r.NewIter()
	for it.Next() {
		if sstDumpLimit > 0 && n >= sstDumpLimit {
			break
		}
		key := it.Key()
		tableID, vnode, suffix, err := base.DecodeUserKey(key.UserKey)
		if err != nil {
			return err
		}
		value := "<tombstone>"
		if !it.Value().IsTombstone() {
			value = asciiOrHex(it.Value().UserValue())
		}
		tbl.Append([]string{
			fmt.Sprintf("%d", tableID),
			fmt.Sprintf("%d", vnode),
			asciiOrHex(suffix),
			fmt.Sprintf("%d", key.Epoch),
			value,
		})
		n++
	}
	if err := it.Error(); err != nil {
		return err
	}
	tbl.Render()
	return nil
}

func asciiOrHex(b []byte) string {
	for _, c := range b {
		if c < 32 || c >= 127 {
			return fmt.Sprintf("%x", b)
		}
	}
	return string(b)
}
