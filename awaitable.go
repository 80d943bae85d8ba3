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
	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// ioAwaitable is the shared skeleton of every per-opcode awaitable. The
// factory method reserves a submission slot and captures the operation's
// parameters; Await binds the task's resume key, runs the opcode-specific
// prep routine against the slot, submits, and suspends. An awaitable that
// could not reserve a slot (or was constructed past LIVING) skips
// suspension entirely and surfaces its error synchronously from Await.
type ioAwaitable struct {
	ev   *EventManager
	sqe  *uring.SQE
	rd   *requestData
	prep func(*uring.SQE)
	err  error
}

// newAwaitable reserves the submission slot and does the per-pfd
// accounting. rd.pfd < 0 means the operation addresses the filesystem by
// path rather than a registered descriptor.
func (ev *EventManager) newAwaitable(rd *requestData, prep func(*uring.SQE)) ioAwaitable {
	a := ioAwaitable{ev: ev, rd: rd, prep: prep}

	if ev.ring == nil {
		a.err = ErrRingNotInitialised
		return a
	}
	if ev.isDyingOrDead() {
		a.err = ErrManagerDyingOrDead
		return a
	}
	if rd.pfd >= 0 && !ev.pfdValid(rd.pfd) {
		a.err = ErrInvalidPfd
		return a
	}

	a.sqe = ev.ring.GetSQE()
	if a.sqe == nil {
		a.err = ErrSubmissionQueueFull
		return a
	}

	if rd.pfd >= 0 {
		rd.generation = ev.pfdTable[rd.pfd].generation
		ev.pfdTable[rd.pfd].submittedReqs++
	}

	return a
}

// await performs the suspension half of the awaitable contract. A non-nil
// return means the operation never reached the kernel; the caller's
// response pack is not populated.
func (a *ioAwaitable) await(h *emtask.Handle) error {
	if a.err != nil {
		return a.err
	}

	rd := a.rd
	rd.task = h
	rd.submittedAt = a.ev.clock.Now()
	a.ev.startOpSpan(rd)

	a.prep(a.sqe)
	tag := a.ev.trackInflight(rd)
	a.sqe.SetUserData(tag)

	if _, err := a.ev.ring.Submit(); err != nil {
		a.ev.dropInflight(tag)
		if rd.pfd >= 0 {
			a.ev.pfdTable[rd.pfd].submittedReqs--
		}
		rd.finishSpan(err)
		a.ev.errorLog("submit for %v failed: %v", rd.op, err)
		return err
	}

	h.Suspend()
	return nil
}
