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
	"time"

	"github.com/jacobsa/reqtrace"
	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/emtask"
)

// requestData describes one in-flight kernel operation: the opcode, the pfd
// identity it was issued under, the resume key of the suspended task, and
// whatever buffers the kernel must be able to reach until completion. It is
// created at submission, held in the manager's in-flight table while the
// kernel owns the operation, and released by the completion handler after
// delivery or stale-detection cleanup.
//
// Go pointers cannot ride through the kernel in the SQE user tag, so the
// tag is an index into the in-flight table instead; the table reference
// also pins the buffers for the garbage collector.
type requestData struct {
	op         emcom.Opcode
	pfd        int
	generation uint64
	task       *emtask.Handle
	cookie     uint64

	// Operation parameters; only the fields the opcode needs are set.
	// They live here so they stay reachable while the kernel writes to
	// them.
	buffer  []byte
	buffers [][]byte
	iovs    []unix.Iovec
	addr    *unix.RawSockaddrAny
	addrLen *uint32
	statx   *unix.Statx_t
	path    []byte // NUL-terminated
	path2   []byte // NUL-terminated
	how     int

	// killRead marks the manager's internal kill event read;
	// internalOp marks graceful-close plumbing (shutdown, drain read,
	// close) that advances the pfd state machine instead of resuming a
	// task; noAwait marks fire-and-forget submissions whose responses are
	// only observable through a poll.
	killRead   bool
	internalOp bool
	noAwait    bool

	// Tracing and latency stamps.
	report      reqtrace.ReportFunc
	submittedAt time.Time
}

// trackInflight files rd in the in-flight table and returns the user tag
// for the SQE. Tags start at 1; zero marks tag-less submissions
// (cancellations), which the completion loop skips.
func (ev *EventManager) trackInflight(rd *requestData) uint64 {
	ev.nextInflightID++
	id := ev.nextInflightID
	ev.inflight[id] = rd
	return id
}

// recoverInflight removes and returns the request for a completion tag.
func (ev *EventManager) recoverInflight(tag uint64) *requestData {
	rd, ok := ev.inflight[tag]
	if !ok {
		return nil
	}
	delete(ev.inflight, tag)
	return rd
}

// dropInflight abandons a tracked request whose submit call failed before
// the kernel took ownership.
func (ev *EventManager) dropInflight(tag uint64) {
	delete(ev.inflight, tag)
}
