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
	"testing"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/kylelemons/godebug/pretty"
	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/emtask"
)

// newDispatchManager builds a manager with no kernel ring, enough to unit
// test the completion dispatcher against fabricated completions.
func newDispatchManager() *EventManager {
	ev := &EventManager{
		lifeState: Living,
		inflight:  make(map[uint64]*requestData),
		clock:     timeutil.RealClock(),
		killPfd:   -1,
	}
	ev.mu = syncutil.NewInvariantMutex(ev.checkInvariants)
	return ev
}

func (ev *EventManager) mustMakePfd(t *testing.T, fd int, typ FDType) int {
	t.Helper()

	ev.mu.Lock()
	defer ev.mu.Unlock()

	pfd := ev.pfdMake(fd, typ)
	if pfd < 0 {
		t.Fatalf("pfdMake(%d) failed", fd)
	}
	return pfd
}

// A completion bearing a stale generation must be reclaimed without
// resuming the task that issued it.
func TestStaleCompletionDropped(t *testing.T) {
	ev := newDispatchManager()

	pfd := ev.mustMakePfd(t, 10, FDNetworkSocket)

	task := emtask.New(func(h *emtask.Handle) uint64 {
		h.Suspend()
		return 1
	})
	task.Start()

	rd := &requestData{
		op:         emcom.OpRead,
		pfd:        pfd,
		generation: ev.pfdTable[pfd].generation,
		task:       task.Handle(),
		buffer:     make([]byte, 16),
	}
	ev.pfdTable[pfd].submittedReqs++

	// Recycle the slot underneath the in-flight read.
	ev.mu.Lock()
	ev.pfdFree(pfd)
	reused := ev.pfdMake(11, FDNetworkSocket)
	ev.mu.Unlock()
	if reused != pfd {
		t.Fatalf("expected slot reuse, got pfd %d", reused)
	}
	if ev.pfdTable[pfd].generation != rd.generation+1 {
		t.Fatalf("generation = %d, want %d", ev.pfdTable[pfd].generation, rd.generation+1)
	}

	ev.eventHandler(5, rd)

	if task.IsDone() {
		t.Error("task was resumed by a stale completion")
	}
	if _, ok := task.Channel().ResponseOpcode(); ok {
		t.Error("stale completion left a response in the channel")
	}
	if got := ev.pfdTable[pfd].submittedReqs; got != 0 {
		t.Errorf("reused slot's submittedReqs = %d, want 0", got)
	}
}

// An accept completion registers the new kernel descriptor as a pfd before
// delivery; the response names the pfd, never the raw descriptor.
func TestAcceptCompletionIssuesPfd(t *testing.T) {
	ev := newDispatchManager()

	listener := ev.mustMakePfd(t, 3, FDNetworkSocket)

	var got emcom.AcceptResponse
	task := emtask.New(func(h *emtask.Handle) uint64 {
		h.Suspend()
		resp, ok := emcom.ConsumeResponseAs[emcom.AcceptResponse](h.Channel(), emcom.OpAccept)
		if !ok {
			return 1
		}
		got = resp
		return 0
	})
	task.Start()

	rd := &requestData{
		op:         emcom.OpAccept,
		pfd:        listener,
		generation: ev.pfdTable[listener].generation,
		task:       task.Handle(),
		addr:       &unix.RawSockaddrAny{},
		addrLen:    new(uint32),
	}
	ev.pfdTable[listener].submittedReqs++

	const rawFd = 12
	ev.eventHandler(rawFd, rd)

	if !task.IsDone() || task.ReturnCode() != 0 {
		t.Fatalf("task did not consume the accept response")
	}
	if got.PFD == rawFd {
		t.Error("response leaked the raw kernel descriptor")
	}
	if !ev.pfdValid(got.PFD) {
		t.Fatalf("accept response pfd %d is not registered", got.PFD)
	}
	if fd := ev.pfdTable[got.PFD].fd; fd != rawFd {
		t.Errorf("pfd %d wraps fd %d, want %d", got.PFD, fd, rawFd)
	}
	if ev.pfdTable[got.PFD].typ != FDNetworkSocket {
		t.Error("accepted pfd is not typed as a network socket")
	}
}

func TestKillReadStartsDying(t *testing.T) {
	ev := newDispatchManager()
	kp := ev.mustMakePfd(t, 9, FDEventSignal)

	rd := &requestData{
		op:         emcom.OpEvent,
		pfd:        kp,
		generation: 0,
		buffer:     make([]byte, 8),
		killRead:   true,
	}
	ev.pfdTable[kp].submittedReqs++

	ev.eventHandler(8, rd)

	if ev.lifeState != DyingPhase1 {
		t.Fatalf("lifeState = %v, want %v", ev.lifeState, DyingPhase1)
	}
	if got := ev.pfdTable[kp].submittedReqs; got != 0 {
		t.Errorf("kill pfd submittedReqs = %d, want 0", got)
	}
}

// During phase 2 every routed completion drains the cancellation counter;
// hitting zero makes the manager DEAD. Cancelled operations surface as
// normal responses bearing ECANCELED.
func TestCancellationDrainReachesDead(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 5, FDNetworkSocket)

	mkTask := func(errnoOut *int) *emtask.Task {
		task := emtask.New(func(h *emtask.Handle) uint64 {
			h.Suspend()
			resp, ok := emcom.ConsumeResponseAs[emcom.ReadResponse](h.Channel(), emcom.OpRead)
			if !ok {
				return 1
			}
			*errnoOut = resp.Errno
			return 0
		})
		task.Start()
		return task
	}

	var errno1, errno2 int
	task1 := mkTask(&errno1)
	task2 := mkTask(&errno2)

	rd1 := &requestData{op: emcom.OpRead, pfd: pfd, task: task1.Handle(), buffer: make([]byte, 4)}
	rd2 := &requestData{op: emcom.OpRead, pfd: pfd, task: task2.Handle(), buffer: make([]byte, 4)}
	ev.pfdTable[pfd].submittedReqs = 2

	ev.lifeState = DyingPhase2Cancelling
	ev.numToCancel = 2

	ev.eventHandler(-int32(unix.ECANCELED), rd1)
	if ev.lifeState != DyingPhase2Cancelling {
		t.Fatalf("died before the counter drained")
	}

	ev.eventHandler(-int32(unix.ECANCELED), rd2)
	if ev.lifeState != Dead {
		t.Fatalf("lifeState = %v, want %v", ev.lifeState, Dead)
	}

	if errno1 != int(unix.ECANCELED) || errno2 != int(unix.ECANCELED) {
		t.Errorf("errnos = %d, %d; want ECANCELED for both", errno1, errno2)
	}
	if got := ev.pfdTable[pfd].submittedReqs; got != 0 {
		t.Errorf("submittedReqs = %d, want 0", got)
	}
}

func TestCloseCompletionFreesSlot(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 6, FDLocalFile)

	task := emtask.New(func(h *emtask.Handle) uint64 {
		h.Suspend()
		_, ok := emcom.ConsumeResponseAs[emcom.CloseResponse](h.Channel(), emcom.OpClose)
		if !ok {
			return 1
		}
		return 0
	})
	task.Start()

	rd := &requestData{op: emcom.OpClose, pfd: pfd, task: task.Handle()}
	ev.pfdTable[pfd].submittedReqs++

	ev.eventHandler(0, rd)

	if !task.IsDone() || task.ReturnCode() != 0 {
		t.Fatal("task did not consume the close response")
	}
	if ev.pfdValid(pfd) {
		t.Error("pfd slot not released after close completion")
	}
}

func TestNegativeResBecomesErrno(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 4, FDNetworkSocket)

	rd := &requestData{
		op:         emcom.OpWrite,
		pfd:        pfd,
		generation: ev.pfdTable[pfd].generation,
		cookie:     99,
		buffer:     []byte("xyz"),
	}

	_, pack := ev.buildResponse(-int32(unix.EPIPE), rd)

	want := emcom.WriteResponse{
		GenericResponse: emcom.GenericResponse{Errno: int(unix.EPIPE), Cookie: 99},
	}
	if diff := pretty.Compare(pack, want); diff != "" {
		t.Errorf("response pack diff (-got +want):\n%s", diff)
	}
}

func TestEventResponseCarriesCounter(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 8, FDEventSignal)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 5)
	rd := &requestData{op: emcom.OpEvent, pfd: pfd, buffer: buf}

	_, pack := ev.buildResponse(8, rd)

	resp := pack.(emcom.EventResponse)
	if resp.Value != 5 {
		t.Errorf("Value = %d, want 5", resp.Value)
	}
	if resp.Terminal {
		t.Error("unexpected terminal flag")
	}
}

// A fire-and-forget response is only observable through a poll; a task not
// sitting inside one is not resumed.
func TestNoAwaitDroppedUnlessPolling(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 7, FDLocalFile)

	task := emtask.New(func(h *emtask.Handle) uint64 {
		h.Suspend()
		return 1
	})
	task.Start()

	rd := &requestData{
		op:      emcom.OpWrite,
		pfd:     pfd,
		task:    task.Handle(),
		buffer:  []byte("na"),
		noAwait: true,
	}
	ev.pfdTable[pfd].submittedReqs++

	ev.eventHandler(2, rd)

	if task.IsDone() {
		t.Error("non-polling task was resumed by a fire-and-forget completion")
	}
}

func TestNoAwaitDeliveredToPollingTask(t *testing.T) {
	ev := newDispatchManager()
	pfd := ev.mustMakePfd(t, 7, FDLocalFile)

	var wrote int
	task := emtask.New(func(h *emtask.Handle) uint64 {
		h.SetPolling(true)
		h.Suspend()
		h.SetPolling(false)

		resp, ok := emcom.ConsumeResponseAs[emcom.WriteResponse](h.Channel(), emcom.OpWrite)
		if !ok {
			return 1
		}
		wrote = resp.BytesWritten
		return 0
	})
	task.Start()

	rd := &requestData{
		op:      emcom.OpWrite,
		pfd:     pfd,
		task:    task.Handle(),
		buffer:  []byte("na"),
		noAwait: true,
	}
	ev.pfdTable[pfd].submittedReqs++

	ev.eventHandler(2, rd)

	if !task.IsDone() || task.ReturnCode() != 0 {
		t.Fatal("polling task did not receive the fire-and-forget response")
	}
	if wrote != 2 {
		t.Errorf("BytesWritten = %d, want 2", wrote)
	}
}

// Deferred blocking close: a pfd marked for freeing with requests still in
// flight is closed and released once the counter drains.
func TestDeferredCloseAfterDrain(t *testing.T) {
	ev := newDispatchManager()

	// An fd we can legitimately close.
	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[1])

	pfd := ev.mustMakePfd(t, fds[0], FDNetworkSocket)
	ev.pfdTable[pfd].submittedReqs = 1

	if err := ev.ClosePfd(pfd); err != nil {
		t.Fatalf("ClosePfd: %v", err)
	}
	if ev.pfdValid(pfd) == false {
		t.Fatal("pfd freed while requests were still in flight")
	}
	if err := ev.ClosePfd(pfd); err != ErrPfdDoubleClose {
		t.Fatalf("second ClosePfd = %v, want ErrPfdDoubleClose", err)
	}

	// Drain the last in-flight request; the deferred close runs.
	rd := &requestData{op: emcom.OpRead, pfd: pfd, buffer: make([]byte, 1)}
	ev.eventHandler(-int32(unix.ECANCELED), rd)

	if ev.pfdValid(pfd) {
		t.Error("pfd slot not released after the deferred close")
	}
}
