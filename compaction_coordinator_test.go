// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/hummockdb/hummock/internal/manifest"
	"github.com/stretchr/testify/require"
)

// fakeConn records every message the coordinator sends.
type fakeConn struct {
	msgs []WorkerMessage
	err  error
}

func (c *fakeConn) Send(msg WorkerMessage) error {
	if c.err != nil {
		return c.err
	}
	c.msgs = append(c.msgs, msg)
	return nil
}

// compactableVersion returns a version whose groups each carry subLevels L0
// sub-levels, enough to trip the default picker when subLevels >= 4.
func compactableVersion(subLevels int, groups ...manifest.CompactionGroupID) *manifest.HummockVersion {
	v := manifest.NewHummockVersion()
	v.ID = 1
	var nextID manifest.SstableID
	for _, groupID := range groups {
		levels := manifest.NewLevels(groupID, 6)
		for i := 0; i < subLevels; i++ {
			nextID++
			levels.InsertSubLevel(uint64(i), manifest.LevelTypeNonOverlapping,
				[]manifest.SstableInfo{{ID: nextID, ObjectID: uint64(nextID)}})
		}
		v.Levels[groupID] = levels
	}
	return v
}

type reportRecorder struct {
	tasks    []CompactTask
	statuses []TaskStatus
}

func (r *reportRecorder) record(task CompactTask, status TaskStatus) {
	r.tasks = append(r.tasks, task)
	r.statuses = append(r.statuses, status)
}

func TestCoordinatorPullAndReport(t *testing.T) {
	vm := NewVersionManager(compactableVersion(5, 2, 3, 4), nil, nil)
	var reports reportRecorder
	c := NewCoordinator(vm, CoordinatorOptions{OnReport: reports.record})

	conn := &fakeConn{}
	c.AddWorker(7, conn)
	require.NoError(t, c.HandlePullTask(7, 2))

	// Two tasks (the pull count caps at 2 of the 3 eligible groups) followed
	// by the acknowledgement.
	require.Len(t, conn.msgs, 3)
	require.NotNil(t, conn.msgs[0].Task)
	require.NotNil(t, conn.msgs[1].Task)
	require.True(t, conn.msgs[2].Ack)

	first, second := conn.msgs[0].Task, conn.msgs[1].Task
	require.Equal(t, uint64(1), first.TaskID)
	require.Equal(t, uint64(2), second.TaskID)
	require.Equal(t, manifest.CompactionGroupID(2), first.GroupID)
	require.Equal(t, manifest.CompactionGroupID(3), second.GroupID)
	require.Equal(t, uint32(0), first.InputLevelIdx)
	require.Equal(t, uint32(1), first.TargetLevelIdx)

	require.NoError(t, c.HandleReportTask(7, first.TaskID, TaskSuccess))
	require.NoError(t, c.HandleReportTask(7, second.TaskID, TaskFailed))
	require.Equal(t, []TaskStatus{TaskSuccess, TaskFailed}, reports.statuses)
	require.Equal(t, first.TaskID, reports.tasks[0].TaskID)

	// A second report for the same task is unknown.
	require.Error(t, c.HandleReportTask(7, first.TaskID, TaskSuccess))
}

func TestCoordinatorNothingToCompact(t *testing.T) {
	vm := NewVersionManager(compactableVersion(2, 2), nil, nil)
	c := NewCoordinator(vm, CoordinatorOptions{})

	conn := &fakeConn{}
	c.AddWorker(1, conn)
	require.NoError(t, c.HandlePullTask(1, 4))

	// Below the sub-level threshold: just the acknowledgement.
	require.Len(t, conn.msgs, 1)
	require.True(t, conn.msgs[0].Ack)
}

func TestCoordinatorUnknownWorker(t *testing.T) {
	c := NewCoordinator(NewVersionManager(nil, nil, nil), CoordinatorOptions{})
	require.Error(t, c.HandlePullTask(99, 1))
	require.Error(t, c.HandleReportTask(99, 1, TaskSuccess))
}

func TestCoordinatorEvictsAfterSendFailures(t *testing.T) {
	vm := NewVersionManager(compactableVersion(5, 2), nil, nil)
	var reports reportRecorder
	c := NewCoordinator(vm, CoordinatorOptions{
		MaxSendFailures: 3,
		OnReport:        reports.record,
	})

	conn := &fakeConn{err: errors.New("stream broken")}
	c.AddWorker(7, conn)

	// Each pull registers one task, then fails to send it.
	require.Error(t, c.HandlePullTask(7, 1))
	require.Error(t, c.HandlePullTask(7, 1))
	require.Error(t, c.HandlePullTask(7, 1))

	// The third consecutive failure evicted the worker and canceled its three
	// outstanding tasks.
	require.Error(t, c.HandlePullTask(7, 1))
	require.Len(t, reports.statuses, 3)
	for i, status := range reports.statuses {
		require.Equal(t, TaskSendFailCanceled, status)
		require.Equal(t, manifest.CompactionGroupID(2), reports.tasks[i].GroupID)
	}
}

func TestCoordinatorSuccessResetsFailureCount(t *testing.T) {
	vm := NewVersionManager(compactableVersion(5, 2), nil, nil)
	var reports reportRecorder
	c := NewCoordinator(vm, CoordinatorOptions{
		MaxSendFailures: 2,
		OnReport:        reports.record,
	})

	conn := &fakeConn{err: errors.New("stream broken")}
	c.AddWorker(7, conn)
	require.Error(t, c.HandlePullTask(7, 1))

	// The stream recovers; the failure count resets.
	conn.err = nil
	require.NoError(t, c.HandlePullTask(7, 1))

	conn.err = errors.New("stream broken again")
	require.Error(t, c.HandlePullTask(7, 1))

	// One failure since the reset: the worker survives.
	require.Empty(t, reports.statuses)
	conn.err = nil
	require.NoError(t, c.HandlePullTask(7, 1))
}

func TestRemoveWorkerCancelsTasks(t *testing.T) {
	vm := NewVersionManager(compactableVersion(5, 2), nil, nil)
	var reports reportRecorder
	c := NewCoordinator(vm, CoordinatorOptions{OnReport: reports.record})

	conn := &fakeConn{}
	c.AddWorker(7, conn)
	require.NoError(t, c.HandlePullTask(7, 1))
	require.Empty(t, reports.statuses)

	c.RemoveWorker(7)
	require.Equal(t, []TaskStatus{TaskSendFailCanceled}, reports.statuses)

	// Removing an unknown worker is a no-op.
	c.RemoveWorker(7)
	require.Len(t, reports.statuses, 1)
}

func TestL0SubLevelCountPicker(t *testing.T) {
	picker := &L0SubLevelCountPicker{Threshold: 3}
	v := compactableVersion(3, 2)

	task, ok := picker.PickTask(2, v.Levels[2])
	require.True(t, ok)
	require.Equal(t, manifest.CompactionGroupID(2), task.GroupID)
	require.Equal(t, uint32(0), task.InputLevelIdx)
	require.Equal(t, uint32(1), task.TargetLevelIdx)

	_, ok = picker.PickTask(2, manifest.NewLevels(2, 6))
	require.False(t, ok)
}
