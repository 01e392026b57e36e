// Copyright 2012 The LevelDB-Go and Pebble Authors. All rights reserved. Use
// of this source code is governed by a BSD-style license that can be found in
// the LICENSE file.

package hummock

import (
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/cockroachdb/tokenbucket"
	"github.com/hummockdb/hummock/internal/base"
	"github.com/hummockdb/hummock/internal/manifest"
)

// TaskStatus is the terminal state of a compaction task.
type TaskStatus uint8

const (
	// TaskSuccess means the worker completed the task.
	TaskSuccess TaskStatus = iota
	// TaskFailed means the worker reported a failure.
	TaskFailed
	// TaskSendFailCanceled means the coordinator could not reach the worker
	// and canceled the task; the affected group must be rescheduled.
	TaskSendFailCanceled
)

// String implements fmt.Stringer.
func (s TaskStatus) String() string {
	switch s {
	case TaskSuccess:
		return "success"
	case TaskFailed:
		return "failed"
	case TaskSendFailCanceled:
		return "send-fail-canceled"
	default:
		return "unknown"
	}
}

// CompactTask describes one unit of compaction work handed to a worker.
type CompactTask struct {
	TaskID  uint64
	GroupID manifest.CompactionGroupID
	// InputLevelIdx and TargetLevelIdx bound the levels the task reads and
	// writes.
	InputLevelIdx  uint32
	TargetLevelIdx uint32
}

// WorkerMessage is one message pushed to a compactor worker: a task or a
// pull acknowledgement.
type WorkerMessage struct {
	Task *CompactTask
	// Ack acknowledges a PullTask request once all granted tasks were sent.
	Ack bool
}

// Conn is the coordinator's send side of one worker's duplex stream. The
// receive side is driven by the transport, which calls HandlePullTask and
// HandleReportTask.
type Conn interface {
	Send(msg WorkerMessage) error
}

// TaskPicker chooses the next compaction task for a group, or reports there
// is nothing worth compacting. Picking heuristics are tuning policy behind
// this interface.
type TaskPicker interface {
	PickTask(groupID manifest.CompactionGroupID, levels *manifest.Levels) (CompactTask, bool)
}

// L0SubLevelCountPicker compacts the group with the most L0 sub-levels into
// L1, the simplest useful heuristic.
type L0SubLevelCountPicker struct {
	// Threshold is the minimum sub-level count worth compacting.
	Threshold int
}

// PickTask implements TaskPicker.
func (p *L0SubLevelCountPicker) PickTask(groupID manifest.CompactionGroupID, levels *manifest.Levels) (CompactTask, bool) {
	threshold := p.Threshold
	if threshold <= 0 {
		threshold = 4
	}
	if len(levels.L0) < threshold {
		return CompactTask{}, false
	}
	return CompactTask{GroupID: groupID, InputLevelIdx: 0, TargetLevelIdx: 1}, true
}

// CoordinatorOptions configures a Coordinator.
type CoordinatorOptions struct {
	Logger base.Logger
	Picker TaskPicker
	// MaxSendFailures is the number of consecutive send failures after which
	// a worker is evicted.
	MaxSendFailures int
	// DispatchRate paces task dispatch in tasks per second. Zero disables
	// pacing.
	DispatchRate float64
	// OnReport is invoked for every terminal task state, including tasks
	// canceled by worker eviction.
	OnReport func(task CompactTask, status TaskStatus)
}

type workerState struct {
	conn     Conn
	failures int
	tasks    map[uint64]CompactTask
}

// Coordinator exchanges pull/report messages with remote compactor workers.
// It picks tasks from the version manager's level structures, paces dispatch
// with a token bucket, and evicts workers it cannot reach.
type Coordinator struct {
	opts CoordinatorOptions
	vm   *VersionManager

	bucket tokenbucket.TokenBucket

	mu         sync.Mutex
	workers    map[uint64]*workerState
	nextTaskID uint64
}

// NewCoordinator returns a coordinator over vm.
func NewCoordinator(vm *VersionManager, opts CoordinatorOptions) *Coordinator {
	if opts.Logger == nil {
		opts.Logger = base.DefaultLogger
	}
	if opts.Picker == nil {
		opts.Picker = &L0SubLevelCountPicker{}
	}
	if opts.MaxSendFailures <= 0 {
		opts.MaxSendFailures = 3
	}
	c := &Coordinator{opts: opts, vm: vm, workers: make(map[uint64]*workerState)}
	if opts.DispatchRate > 0 {
		c.bucket.Init(tokenbucket.TokensPerSecond(opts.DispatchRate), tokenbucket.Tokens(opts.DispatchRate))
	}
	return c
}

// AddWorker registers a worker's send stream.
func (c *Coordinator) AddWorker(workerID uint64, conn Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.workers[workerID] = &workerState{conn: conn, tasks: make(map[uint64]CompactTask)}
}

// RemoveWorker evicts a worker, canceling its outstanding tasks with
// TaskSendFailCanceled so the affected groups are rescheduled.
func (c *Coordinator) RemoveWorker(workerID uint64) {
	c.mu.Lock()
	w := c.workers[workerID]
	delete(c.workers, workerID)
	c.mu.Unlock()
	if w == nil {
		return
	}
	c.opts.Logger.Infof("evicting compactor worker %d with %d outstanding tasks", workerID, len(w.tasks))
	for _, task := range w.tasks {
		c.report(task, TaskSendFailCanceled)
	}
}

func (c *Coordinator) report(task CompactTask, status TaskStatus) {
	if c.opts.OnReport != nil {
		c.opts.OnReport(task, status)
	}
}

func (c *Coordinator) pace() {
	if c.opts.DispatchRate <= 0 {
		return
	}
	for {
		ok, wait := c.bucket.TryToFulfill(1)
		if ok {
			return
		}
		time.Sleep(wait)
	}
}

// HandlePullTask answers a worker's PullTask{count} request: it picks up to
// count tasks across the compaction groups, sends each to the worker, and
// finishes with an acknowledgement. Send failures count toward the worker's
// eviction threshold.
func (c *Coordinator) HandlePullTask(workerID uint64, count int) error {
	pv := c.vm.Pin()
	version := pv.Version()

	var picked []CompactTask
	for _, groupID := range version.GroupIDs() {
		if len(picked) >= count {
			break
		}
		if task, ok := c.opts.Picker.PickTask(groupID, version.Levels[groupID]); ok {
			picked = append(picked, task)
		}
	}
	pv.Unref()

	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return errors.Newf("hummock: unknown compactor worker %d", workerID)
	}
	for i := range picked {
		c.nextTaskID++
		picked[i].TaskID = c.nextTaskID
		w.tasks[picked[i].TaskID] = picked[i]
	}
	conn := w.conn
	c.mu.Unlock()

	for i := range picked {
		c.pace()
		if err := c.sendToWorker(workerID, conn, WorkerMessage{Task: &picked[i]}); err != nil {
			return err
		}
	}
	return c.sendToWorker(workerID, conn, WorkerMessage{Ack: true})
}

func (c *Coordinator) sendToWorker(workerID uint64, conn Conn, msg WorkerMessage) error {
	err := conn.Send(msg)
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return err
	}
	if err == nil {
		w.failures = 0
		c.mu.Unlock()
		return nil
	}
	w.failures++
	evict := w.failures >= c.opts.MaxSendFailures
	c.mu.Unlock()
	c.opts.Logger.Errorf("send to compactor worker %d failed: %v", workerID, err)
	if evict {
		c.RemoveWorker(workerID)
	}
	return err
}

// HandleReportTask records a worker's terminal report for a task.
func (c *Coordinator) HandleReportTask(workerID, taskID uint64, status TaskStatus) error {
	c.mu.Lock()
	w, ok := c.workers[workerID]
	if !ok {
		c.mu.Unlock()
		return errors.Newf("hummock: unknown compactor worker %d", workerID)
	}
	task, ok := w.tasks[taskID]
	if !ok {
		c.mu.Unlock()
		return errors.Newf("hummock: worker %d reported unknown task %d", workerID, taskID)
	}
	delete(w.tasks, taskID)
	c.mu.Unlock()
	c.report(task, status)
	return nil
}
