// Copyright 2024 Ali Abbas. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package eventmanager

import (
	"fmt"
	"log"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"golang.org/x/net/context"
	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/internal/freeindex"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// LifeState is the manager's life machine position.
type LifeState int

const (
	NotStarted LifeState = iota
	Living
	DyingPhase1
	DyingPhase2Cancelling
	Dead
)

func (s LifeState) String() string {
	switch s {
	case NotStarted:
		return "NOT_STARTED"
	case Living:
		return "LIVING"
	case DyingPhase1:
		return "DYING_PHASE_1"
	case DyingPhase2Cancelling:
		return "DYING_PHASE_2_CANCELLING"
	case Dead:
		return "DEAD"
	default:
		return fmt.Sprintf("LifeState(%d)", int(s))
	}
}

// EventManager owns one kernel ring, the pseudo-descriptor table, and the
// registered-task table, and drives the completion loop. Construct with
// New, register tasks, then call Start from the goroutine that should
// donate itself to the loop. Kill may be called from anywhere.
type EventManager struct {
	cfg         Config
	opContext   context.Context
	clock       timeutil.Clock
	debugLogger *log.Logger
	errorLogger *log.Logger

	ring      *uring.Ring
	lifeState LifeState

	// mu guards the pfd table, the registered-task table and their free
	// sets against pre-start registration from other goroutines. Once the
	// loop runs, everything is driven from the loop thread.
	mu syncutil.InvariantMutex

	// The pseudo-descriptor table plus the lowest-first free set.
	//
	// GUARDED_BY(mu)
	pfdTable  []pfdData
	freedPfds freeindex.Set

	// Registered tasks, dense, plus the free-index set. A task's index is
	// stored in its metadata cookie so self-removal on finalisation is
	// O(1).
	//
	// GUARDED_BY(mu)
	taskTable  []*emtask.Task
	freedTasks freeindex.Set

	// Tasks registered but not yet started; drained at the top of each
	// loop iteration.
	//
	// GUARDED_BY(mu)
	tasksToStart []*emtask.Task

	// In-flight operations keyed by SQE user tag.
	inflight       map[uint64]*requestData
	nextInflightID uint64

	killPfd int

	// Completions still expected during DYING_PHASE_2_CANCELLING.
	numToCancel int
}

// New constructs a manager, setting up (or attaching to) the kernel ring
// and arming the internal kill event fd. Ring initialisation failure is
// fatal to construction.
func New(cfg Config) (*EventManager, error) {
	cfg.fillDefaults()

	ev := &EventManager{
		cfg:         cfg,
		opContext:   cfg.OpContext,
		clock:       cfg.Clock,
		debugLogger: cfg.DebugLogger,
		errorLogger: cfg.ErrorLogger,
		lifeState:   NotStarted,
		inflight:    make(map[uint64]*requestData),
		killPfd:     -1,
	}
	ev.mu = syncutil.NewInvariantMutex(ev.checkInvariants)

	ring, err := acquireRing(cfg.QueueDepth)
	if err != nil {
		return nil, fmt.Errorf("acquireRing: %w", err)
	}
	ev.ring = ring

	efd, err := unix.Eventfd(0, 0)
	if err != nil {
		releaseRing(ring)
		return nil, fmt.Errorf("eventfd: %w", err)
	}

	ev.mu.Lock()
	ev.killPfd = ev.pfdMake(efd, FDEventSignal)
	ev.mu.Unlock()

	// Arm the kill pathway so the loop responds to Kill.
	if err := ev.submitKillRead(); err != nil {
		unix.Close(efd)
		releaseRing(ring)
		return nil, fmt.Errorf("arming kill event read: %w", err)
	}

	return ev, nil
}

// checkInvariants runs under syncutil invariant checking.
func (ev *EventManager) checkInvariants() {
	// INVARIANT: every freed pfd index is within table range.
	for _, idx := range ev.freedPfds.Indices() {
		if idx < 0 || idx >= len(ev.pfdTable) {
			panic(fmt.Sprintf("freed pfd %d out of range", idx))
		}
	}

	// INVARIANT: no live pfd has a negative submitted-request count.
	for i := range ev.pfdTable {
		if ev.pfdTable[i].submittedReqs < 0 {
			panic(fmt.Sprintf("pfd %d has negative submittedReqs", i))
		}
	}

	// INVARIANT: every freed task index is within table range.
	for _, idx := range ev.freedTasks.Indices() {
		if idx < 0 || idx >= len(ev.taskTable) {
			panic(fmt.Sprintf("freed task index %d out of range", idx))
		}
	}
}

// LifeState reports where the manager is in its life machine.
func (ev *EventManager) LifeState() LifeState {
	return ev.lifeState
}

func (ev *EventManager) isDyingOrDead() bool {
	return ev.lifeState >= DyingPhase1
}

// submitKillRead arms an internal event read on the kill pfd.
func (ev *EventManager) submitKillRead() error {
	sqe := ev.ring.GetSQE()
	if sqe == nil {
		return ErrSubmissionQueueFull
	}

	rd := &requestData{
		op:       emcom.OpEvent,
		pfd:      ev.killPfd,
		buffer:   make([]byte, 8),
		killRead: true,
	}
	rd.generation = ev.pfdTable[ev.killPfd].generation
	ev.pfdTable[ev.killPfd].submittedReqs++

	uring.PrepRead(sqe, ev.pfdTable[ev.killPfd].fd, rd.buffer)
	sqe.SetUserData(ev.trackInflight(rd))

	if _, err := ev.ring.Submit(); err != nil {
		return err
	}

	return nil
}

// RegisterCoro hands a task to the manager. It is inserted into the
// registered-task table at the lowest free index, the index is stored in
// the task's metadata cookie, and the task is started at the top of the
// next loop iteration.
func (ev *EventManager) RegisterCoro(t *emtask.Task) {
	ev.mu.Lock()
	defer ev.mu.Unlock()

	var idx int
	if idx = ev.freedTasks.Take(); idx >= 0 {
		ev.taskTable[idx] = t
	} else {
		ev.taskTable = append(ev.taskTable, t)
		idx = len(ev.taskTable) - 1
	}

	t.SetMetadata(uint64(idx))
	ev.tasksToStart = append(ev.tasksToStart, t)
}

// retireTaskIfDone removes a finalised task from the registered table using
// its metadata cookie.
func (ev *EventManager) retireTaskIfDone(h *emtask.Handle) {
	if h == nil || !h.IsDone() {
		return
	}

	md, ok := h.Metadata()
	if !ok {
		return
	}

	idx := int(md)

	ev.mu.Lock()
	defer ev.mu.Unlock()

	if idx >= 0 && idx < len(ev.taskTable) && ev.taskTable[idx] != nil &&
		ev.taskTable[idx].Handle() == h {
		ev.taskTable[idx] = nil
		ev.freedTasks.Put(idx)
	}
}

// startPendingTasks starts every task registered since the last iteration.
func (ev *EventManager) startPendingTasks() {
	for {
		ev.mu.Lock()
		pending := ev.tasksToStart
		ev.tasksToStart = nil
		ev.mu.Unlock()

		if len(pending) == 0 {
			return
		}

		for _, t := range pending {
			t.Start()
			ev.retireTaskIfDone(t.Handle())
		}
	}
}

// Start runs the completion loop on the calling goroutine until the
// manager reaches DEAD.
func (ev *EventManager) Start() {
	if ev.lifeState == NotStarted {
		ev.lifeState = Living
	}

	for ev.lifeState != Dead {
		ev.startPendingTasks()
		ev.awaitSingleMessage()
	}
}

// Kill signals the loop to begin shutting down: phase 1 cancels everything
// in flight, phase 2 drains the cancellations, then the manager is DEAD.
// Safe to call from any goroutine or task.
func (ev *EventManager) Kill() error {
	if ev.killPfd < 0 {
		return ErrRingNotInitialised
	}

	var buf [8]byte
	buf[0] = 1
	_, err := unix.Write(ev.pfdTable[ev.killPfd].fd, buf[:])
	return err
}
