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
	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// Gracefully closing sockets works like this:
//
//	shutdown -> drain read returning zero bytes -> close
//
// Each arrow is one kernel round trip driven by the completion handler; if
// any submission fails the whole sequence falls back to a blocking
// shutdown-and-close.

// ClosePfd cleanly closes a pfd. Local files and event fds get a plain
// asynchronous close; network sockets go through the graceful sequence. A
// second close of the same pfd is rejected.
func (ev *EventManager) ClosePfd(pfd int) error {
	if !ev.pfdValid(pfd) {
		return ErrInvalidPfd
	}

	info := &ev.pfdTable[pfd]
	if info.closeInitiated || info.isBeingFreed {
		return ErrPfdDoubleClose
	}
	info.closeInitiated = true

	if info.typ != FDNetworkSocket {
		if err := ev.submitInternal(pfd, emcom.OpClose); err != nil {
			return ev.shutdownAndCloseNormally(pfd)
		}
		ev.pfdTable[pfd].isBeingFreed = true
		return nil
	}

	return ev.advanceClose(pfd)
}

// advanceClose takes the next step of the graceful sequence based on the
// pfd's state bits.
func (ev *EventManager) advanceClose(pfd int) error {
	info := &ev.pfdTable[pfd]

	switch {
	case info.shutdownDone && info.lastReadZero:
		if err := ev.submitInternal(pfd, emcom.OpClose); err == nil {
			info.isBeingFreed = true
			return nil
		}

	case info.shutdownDone:
		if !info.readZeroCheckInitiated {
			if err := ev.submitInternal(pfd, emcom.OpRead); err == nil {
				info.readZeroCheckInitiated = true
				return nil
			}
		}

	default:
		if err := ev.submitInternal(pfd, emcom.OpShutdown); err == nil {
			return nil
		}
	}

	return ev.shutdownAndCloseNormally(pfd)
}

// submitInternal queues and submits one step of the close sequence as a
// task-less internal request. op is one of OpShutdown, OpRead (the 1-byte
// drain read) or OpClose.
func (ev *EventManager) submitInternal(pfd int, op emcom.Opcode) error {
	if ev.ring == nil {
		return ErrRingNotInitialised
	}
	if ev.isDyingOrDead() {
		return ErrManagerDyingOrDead
	}

	sqe := ev.ring.GetSQE()
	if sqe == nil {
		return ErrSubmissionQueueFull
	}

	info := &ev.pfdTable[pfd]
	rd := &requestData{
		op:         op,
		pfd:        pfd,
		generation: info.generation,
		internalOp: true,
	}

	switch op {
	case emcom.OpShutdown:
		rd.how = unix.SHUT_RDWR
		uring.PrepShutdown(sqe, info.fd, unix.SHUT_RDWR)
	case emcom.OpRead:
		rd.buffer = make([]byte, 1)
		uring.PrepRead(sqe, info.fd, rd.buffer)
	case emcom.OpClose:
		uring.PrepClose(sqe, info.fd)
	}

	info.submittedReqs++
	sqe.SetUserData(ev.trackInflight(rd))

	if _, err := ev.ring.Submit(); err != nil {
		info.submittedReqs--
		return err
	}

	return nil
}

// advanceGracefulClose handles the completion of an internal close-sequence
// step and pushes the state machine forward.
func (ev *EventManager) advanceGracefulClose(rd *requestData, res int32) {
	info := &ev.pfdTable[rd.pfd]

	switch rd.op {
	case emcom.OpShutdown:
		info.shutdownDone = true
		ev.advanceClose(rd.pfd)

	case emcom.OpRead:
		switch {
		case res == 0:
			info.lastReadZero = true
		case res > 0:
			// The peer is still sending; drain again.
			info.readZeroCheckInitiated = false
		default:
			// Can't drain a broken socket any further.
			info.lastReadZero = true
		}
		ev.advanceClose(rd.pfd)

	case emcom.OpClose:
		if res < 0 {
			ev.errorLog("graceful close of pfd %d: close failed with %v",
				rd.pfd, unix.Errno(-res))
		}
		ev.mu.Lock()
		ev.pfdFree(rd.pfd)
		ev.mu.Unlock()
	}
}

// shutdownAndCloseNormally is the blocking fallback. If requests are still
// in flight the actual close is deferred until the pfd's submitted-request
// counter drains to zero.
func (ev *EventManager) shutdownAndCloseNormally(pfd int) error {
	info := &ev.pfdTable[pfd]

	info.shutdownDone = true
	info.lastReadZero = true

	if info.submittedReqs == 0 {
		unix.Shutdown(info.fd, unix.SHUT_RDWR)
		err := unix.Close(info.fd)

		info.isBeingFreed = true
		ev.mu.Lock()
		ev.pfdFree(pfd)
		ev.mu.Unlock()
		return err
	}

	info.isBeingFreed = true
	info.needsBlockingClose = true
	return nil
}
