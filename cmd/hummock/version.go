// Copyright 2018 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package main

import (
	"fmt"
	"os"
	"slices"

	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version introspection",
}

var versionDumpCmd = &cobra.Command{
	Use:   "dump <file>",
	Short: "print the contents of a persisted version",
	Args:  cobra.ExactArgs(1),
	RunE:  runVersionDump,
}

func init() {
	versionCmd.AddCommand(versionDumpCmd)
}

func runVersionDump(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	v, err := manifest.DecodeHummockVersion(f)
	if err != nil {
		return err
	}

	fmt.Printf("version %d  max-committed-epoch %d  safe-epoch %d\n\n",
		v.ID, v.MaxCommittedEpoch, v.SafeEpoch)

	tbl := tablewriter.NewWriter(os.Stdout)
	tbl.SetHeader([]string{"Group", "Level", "Type", "Tables", "Bytes", "Members"})
	for _, groupID := range v.GroupIDs() {
		levels := v.Levels[groupID]
		members := fmt.Sprintf("%v", levels.MemberTableIDs)
		appendLevel := func(name string, l *manifest.Level) {
			tbl.Append([]string{
				fmt.Sprintf("%d", groupID),
				name,
				l.Type.String(),
				fmt.Sprintf("%d", len(l.Tables)),
				fmt.Sprintf("%d", l.TotalFileSize),
				members,
			})
			members = ""
		}
		for i := range levels.L0 {
			appendLevel(fmt.Sprintf("L0/%d", levels.L0[i].SubLevelID), &levels.L0[i])
		}
		for i := range levels.Levels {
			if len(levels.Levels[i].Tables) == 0 {
				continue
			}
			appendLevel(fmt.Sprintf("L%d", levels.Levels[i].LevelIdx), &levels.Levels[i])
		}
		if len(levels.L0) == 0 && levels.IsEmpty() {
			tbl.Append([]string{fmt.Sprintf("%d", groupID), "-", "-", "0", "0", members})
		}
	}
	tbl.Render()

	if len(v.SnapshotGroups) > 0 {
		fmt.Println()
		sg := tablewriter.NewWriter(os.Stdout)
		sg.SetHeader([]string{"Snapshot Group", "Tables", "Committed Epoch", "Safe Epoch"})
		ids := make([]manifest.SnapshotGroupID, 0, len(v.SnapshotGroups))
		for id := range v.SnapshotGroups {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			g := v.SnapshotGroups[id]
			sg.Append([]string{
				fmt.Sprintf("%d", g.ID),
				fmt.Sprintf("%v", g.TableIDs),
				fmt.Sprintf("%d", g.CommittedEpoch),
				fmt.Sprintf("%d", g.SafeEpoch),
			})
		}
		sg.Render()
	}
	return nil
}
