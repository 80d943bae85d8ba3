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
	"encoding/binary"

	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// awaitSingleMessage blocks for one completion, dispatches it, and runs the
// shutdown phase transitions that may follow.
func (ev *EventManager) awaitSingleMessage() {
	cqe, err := ev.ring.WaitCQE()
	if err != nil {
		ev.errorLog("WaitCQE: %v", err)
		return
	}

	res := cqe.Res
	tag := cqe.UserData
	ev.ring.Seen()

	var rd *requestData
	if tag != 0 {
		rd = ev.recoverInflight(tag)
	}

	if res < 0 && rd != nil {
		ev.debugLog(tag, 3, "%v on pfd %d failed with %v",
			rd.op, rd.pfd, unix.Errno(-res))
	}

	ev.eventHandler(res, rd)

	if ev.lifeState == DyingPhase1 {
		ev.dyingCancelPass()
	}

	if ev.lifeState == Dead {
		ev.teardown()
	}
}

// eventHandler routes one completion: drops stale generations, adjusts pfd
// accounting, materialises the typed response pack, and hands it to the
// suspended task that issued the request.
func (ev *EventManager) eventHandler(res int32, rd *requestData) {
	if rd == nil {
		// Tag-less submission (a cancellation); nothing to route.
		return
	}

	if ev.lifeState == DyingPhase2Cancelling {
		ev.numToCancel--
		if ev.numToCancel == 0 {
			ev.lifeState = Dead
		}
	}

	if rd.pfd >= 0 && rd.generation != ev.pfdTable[rd.pfd].generation {
		// The slot was recycled while this operation was in flight. The
		// task that issued it must not see a completion for somebody
		// else's descriptor; reclaim quietly.
		rd.finishSpan(ErrInvalidPfd)
		ev.debugLog(0, 3, "dropping stale %v completion for pfd %d", rd.op, rd.pfd)
		return
	}

	if rd.pfd >= 0 {
		ev.pfdTable[rd.pfd].submittedReqs--
	}

	rd.finishSpanFromRes(res)
	if !rd.submittedAt.IsZero() {
		ev.debugLog(0, 3, "%v on pfd %d completed in %v",
			rd.op, rd.pfd, ev.clock.Now().Sub(rd.submittedAt))
	}

	if rd.killRead {
		ev.lifeState = DyingPhase1
		return
	}

	if rd.internalOp {
		ev.advanceGracefulClose(rd, res)
		ev.maybeFinishDeferredClose(rd.pfd)
		return
	}

	op, pack := ev.buildResponse(res, rd)

	switch {
	case rd.noAwait:
		// Fire-and-forget responses are only observable through a poll.
		if rd.task != nil && rd.task.Polling() {
			rd.task.ResumeWithResponse(op, pack)
			ev.retireTaskIfDone(rd.task)
		}
	case rd.task != nil:
		rd.task.ResumeWithResponse(op, pack)
		ev.retireTaskIfDone(rd.task)
	}

	if rd.pfd >= 0 {
		ev.maybeFinishDeferredClose(rd.pfd)
	}
}

// buildResponse interprets the kernel result for rd's opcode. Negative
// results become the response pack's errno slot. For ACCEPT and OPENAT with
// a non-negative result, the fresh kernel descriptor is registered into a
// new pfd slot before delivery so user code only ever sees pfds.
func (ev *EventManager) buildResponse(res int32, rd *requestData) (emcom.Opcode, interface{}) {
	generic := emcom.GenericResponse{Cookie: rd.cookie}
	if res < 0 {
		generic.Errno = int(-res)
	}

	switch rd.op {
	case emcom.OpRead:
		pack := emcom.ReadResponse{GenericResponse: generic, Buffer: rd.buffer}
		if res > 0 {
			pack.BytesRead = int(res)
		}
		return rd.op, pack

	case emcom.OpWrite:
		pack := emcom.WriteResponse{GenericResponse: generic}
		if res > 0 {
			pack.BytesWritten = int(res)
		}
		return rd.op, pack

	case emcom.OpReadv:
		pack := emcom.ReadvResponse{GenericResponse: generic, Buffers: rd.buffers}
		if res > 0 {
			pack.BytesRead = int(res)
		}
		return rd.op, pack

	case emcom.OpWritev:
		pack := emcom.WritevResponse{GenericResponse: generic, Buffers: rd.buffers}
		if res > 0 {
			pack.BytesWritten = int(res)
		}
		return rd.op, pack

	case emcom.OpAccept:
		pack := emcom.AcceptResponse{GenericResponse: generic, PFD: -1}
		if res >= 0 {
			ev.mu.Lock()
			pack.PFD = ev.pfdMake(int(res), FDNetworkSocket)
			ev.mu.Unlock()
		}
		if rd.addr != nil {
			pack.Addr = *rd.addr
		}
		if rd.addrLen != nil {
			pack.AddrLen = *rd.addrLen
		}
		return rd.op, pack

	case emcom.OpConnect:
		return rd.op, emcom.ConnectResponse{GenericResponse: generic}

	case emcom.OpClose:
		if res >= 0 && rd.pfd >= 0 {
			ev.mu.Lock()
			ev.pfdFree(rd.pfd)
			ev.mu.Unlock()
		}
		return rd.op, emcom.CloseResponse{GenericResponse: generic}

	case emcom.OpShutdown:
		if res >= 0 && rd.pfd >= 0 {
			ev.pfdTable[rd.pfd].shutdownDone = true
		}
		return rd.op, emcom.ShutdownResponse{GenericResponse: generic}

	case emcom.OpOpenat:
		pack := emcom.OpenatResponse{GenericResponse: generic, PFD: -1}
		if res >= 0 {
			ev.mu.Lock()
			pack.PFD = ev.pfdMake(int(res), FDLocalFile)
			ev.mu.Unlock()
		}
		return rd.op, pack

	case emcom.OpStatx:
		pack := emcom.StatxResponse{GenericResponse: generic}
		if rd.statx != nil {
			pack.Statx = *rd.statx
		}
		return rd.op, pack

	case emcom.OpUnlinkat:
		return rd.op, emcom.UnlinkatResponse{GenericResponse: generic}

	case emcom.OpRenameat:
		return rd.op, emcom.RenameatResponse{GenericResponse: generic}

	case emcom.OpEvent:
		pack := emcom.EventResponse{GenericResponse: generic}
		if res >= 8 && len(rd.buffer) >= 8 {
			pack.Value = binary.LittleEndian.Uint64(rd.buffer)
		}
		return rd.op, pack

	default:
		ev.errorLog("buildResponse: unhandled opcode %v", rd.op)
		return rd.op, generic
	}
}

// dyingCancelPass is DYING_PHASE_1: one sweep that queues a cancellation
// against every live pfd's in-flight operations, counts the completions
// those cancellations will produce, ends any active polls, and moves to
// phase 2 (or straight to DEAD if nothing was in flight).
func (ev *EventManager) dyingCancelPass() {
	depth := ev.ring.SQEntries()

	for i := range ev.pfdTable {
		if ev.freedPfds.Contains(i) {
			continue
		}

		ev.queueCancelByPfd(i)
		ev.numToCancel += ev.pfdTable[i].submittedReqs

		// Don't queue more than the ring can hold.
		if ev.ring.Pending() >= depth {
			if _, err := ev.ring.Submit(); err != nil {
				ev.errorLog("submitting cancellations: %v", err)
			}
		}
	}

	if _, err := ev.ring.Submit(); err != nil {
		ev.errorLog("submitting cancellations: %v", err)
	}

	ev.terminateActivePolls()

	if ev.numToCancel != 0 {
		ev.lifeState = DyingPhase2Cancelling
	} else {
		ev.lifeState = Dead
	}
}

// queueCancelByPfd queues a tag-less cancellation matching every in-flight
// request against the pfd's descriptor.
func (ev *EventManager) queueCancelByPfd(pfd int) {
	sqe := ev.ring.GetSQE()
	if sqe == nil {
		return
	}

	uring.PrepCancelFd(sqe, ev.pfdTable[pfd].fd)
}

// terminateActivePolls delivers a terminal event response to every task
// suspended inside a Poll, running its handler one final time and letting
// the poll return.
func (ev *EventManager) terminateActivePolls() {
	ev.mu.Lock()
	tasks := make([]int, 0, len(ev.taskTable))
	for i, t := range ev.taskTable {
		if t != nil && t.Handle().Polling() {
			tasks = append(tasks, i)
		}
	}
	ev.mu.Unlock()

	for _, i := range tasks {
		t := ev.taskTable[i]
		if t == nil || !t.Handle().Polling() {
			continue
		}
		t.ResumeWithResponse(emcom.OpEvent, emcom.EventResponse{Terminal: true})
		ev.retireTaskIfDone(t.Handle())
	}
}

// maybeFinishDeferredClose completes a blocking-fallback close whose pfd
// was waiting for its in-flight requests to drain.
func (ev *EventManager) maybeFinishDeferredClose(pfd int) {
	if pfd < 0 || pfd >= len(ev.pfdTable) {
		return
	}

	info := &ev.pfdTable[pfd]
	if !info.isBeingFreed || !info.needsBlockingClose || info.submittedReqs != 0 {
		return
	}

	unix.Close(info.fd)
	info.needsBlockingClose = false

	ev.mu.Lock()
	ev.pfdFree(pfd)
	ev.mu.Unlock()
}

// teardown runs once the manager reaches DEAD: the ring is released (and
// destroyed with the last shared instance) and the kill event fd closed.
func (ev *EventManager) teardown() {
	if ev.ring != nil {
		releaseRing(ev.ring)
		ev.ring = nil
	}

	if ev.killPfd >= 0 {
		unix.Close(ev.pfdTable[ev.killPfd].fd)
		ev.killPfd = -1
	}
}
