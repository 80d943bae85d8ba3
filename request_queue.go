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
	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// RequestQueue is a user-built ordered list of operation parameter packs
// for aggregate submission via SubmitAndWait.
type RequestQueue struct {
	reqs []emcom.Request
}

// MakeRequestQueue returns an empty queue.
func (ev *EventManager) MakeRequestQueue() *RequestQueue {
	return &RequestQueue{}
}

func (q *RequestQueue) QueueRead(pfd int, buf []byte, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpRead,
		Data: emcom.ReadRequest{PFD: pfd, Buffer: buf, Cookie: cookie}})
}

func (q *RequestQueue) QueueWrite(pfd int, buf []byte, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpWrite,
		Data: emcom.WriteRequest{PFD: pfd, Buffer: buf, Cookie: cookie}})
}

func (q *RequestQueue) QueueClose(pfd int, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpClose,
		Data: emcom.CloseRequest{PFD: pfd, Cookie: cookie}})
}

func (q *RequestQueue) QueueShutdown(pfd int, how int, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpShutdown,
		Data: emcom.ShutdownRequest{PFD: pfd, How: how, Cookie: cookie}})
}

func (q *RequestQueue) QueueReadv(pfd int, bufs [][]byte, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpReadv,
		Data: emcom.ReadvRequest{PFD: pfd, Buffers: bufs, Cookie: cookie}})
}

func (q *RequestQueue) QueueWritev(pfd int, bufs [][]byte, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpWritev,
		Data: emcom.WritevRequest{PFD: pfd, Buffers: bufs, Cookie: cookie}})
}

func (q *RequestQueue) QueueAccept(listenerPfd int, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpAccept,
		Data: emcom.AcceptRequest{ListenerPFD: listenerPfd, Cookie: cookie}})
}

func (q *RequestQueue) QueueConnect(pfd int, addr unix.RawSockaddrAny, addrLen uint32, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpConnect,
		Data: emcom.ConnectRequest{PFD: pfd, Addr: addr, AddrLen: addrLen, Cookie: cookie}})
}

func (q *RequestQueue) QueueOpenat(dirfd int, path string, flags int, mode uint32, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpOpenat,
		Data: emcom.OpenatRequest{DirFD: dirfd, Path: path, Flags: flags, Mode: mode, Cookie: cookie}})
}

func (q *RequestQueue) QueueStatx(dirfd int, path string, flags int, mask uint32, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpStatx,
		Data: emcom.StatxRequest{DirFD: dirfd, Path: path, Flags: flags, Mask: mask, Cookie: cookie}})
}

func (q *RequestQueue) QueueUnlinkat(dirfd int, path string, flags int, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpUnlinkat,
		Data: emcom.UnlinkatRequest{DirFD: dirfd, Path: path, Flags: flags, Cookie: cookie}})
}

func (q *RequestQueue) QueueRenameat(oldDirfd int, oldPath string, newDirfd int, newPath string, flags int, cookie uint64) {
	q.reqs = append(q.reqs, emcom.Request{Op: emcom.OpRenameat,
		Data: emcom.RenameatRequest{OldDirFD: oldDirfd, OldPath: oldPath,
			NewDirFD: newDirfd, NewPath: newPath, Flags: flags, Cookie: cookie}})
}

// Len reports how many operations are queued.
func (q *RequestQueue) Len() int {
	return len(q.reqs)
}

// PerCompletionCallback runs inside the task's resume context once per
// batch completion, in kernel-completion order. The matching response pack
// is consumed from the channel.
type PerCompletionCallback func(op emcom.Opcode, ch *emcom.Channel)

// SubmitAndWait prepares and submits every queued operation as one batch,
// then suspends h until all of them have completed, invoking cb once per
// completion. Operations that could not be prepared complete immediately
// with an errno-bearing response pack, still through cb.
func (ev *EventManager) SubmitAndWait(h *emtask.Handle, q *RequestQueue, cb PerCompletionCallback) error {
	if ev.ring == nil {
		return ErrRingNotInitialised
	}
	if ev.isDyingOrDead() {
		return ErrManagerDyingOrDead
	}

	type failure struct {
		op   emcom.Opcode
		pack interface{}
	}

	var failures []failure
	expected := 0
	var tags []uint64
	var rds []*requestData

	for _, req := range q.reqs {
		rd, prep, err := ev.prepareQueued(req)
		if err != nil {
			failures = append(failures, failure{req.Op, errorPackFor(req, err)})
			continue
		}

		rd.task = h
		rd.submittedAt = ev.clock.Now()
		ev.startOpSpan(rd)

		sqe := ev.ring.GetSQE()
		if sqe == nil {
			if rd.pfd >= 0 {
				ev.pfdTable[rd.pfd].submittedReqs--
			}
			rd.finishSpan(ErrSubmissionQueueFull)
			failures = append(failures, failure{req.Op, errorPackFor(req, ErrSubmissionQueueFull)})
			continue
		}

		prep(sqe)
		tag := ev.trackInflight(rd)
		sqe.SetUserData(tag)
		tags = append(tags, tag)
		rds = append(rds, rd)
		expected++
	}

	if _, err := ev.ring.Submit(); err != nil {
		// The whole batch failed to reach the kernel; unwind it.
		for i, tag := range tags {
			ev.dropInflight(tag)
			if rds[i].pfd >= 0 {
				ev.pfdTable[rds[i].pfd].submittedReqs--
			}
			rds[i].finishSpan(err)
		}
		return err
	}

	// Synchronous failures are delivered first, in queue order.
	for _, f := range failures {
		h.Channel().PublishResponse(f.op, f.pack)
		cb(f.op, h.Channel())
	}

	for i := 0; i < expected; i++ {
		h.Suspend()

		op, ok := h.Channel().ResponseOpcode()
		if !ok {
			continue
		}
		cb(op, h.Channel())
	}

	return nil
}

// prepareQueued turns one queued parameter pack into a request descriptor
// and prep routine, doing the same life-state, pfd and accounting checks an
// awaitable constructor performs.
func (ev *EventManager) prepareQueued(req emcom.Request) (*requestData, func(*uring.SQE), error) {
	mkrd := func(op emcom.Opcode, pfd int, cookie uint64) (*requestData, error) {
		rd := &requestData{op: op, pfd: pfd, cookie: cookie}
		if pfd >= 0 {
			if !ev.pfdValid(pfd) {
				return nil, ErrInvalidPfd
			}
			rd.generation = ev.pfdTable[pfd].generation
			ev.pfdTable[pfd].submittedReqs++
		}
		return rd, nil
	}

	switch data := req.Data.(type) {
	case emcom.ReadRequest:
		if len(data.Buffer) == 0 {
			return nil, nil, ErrZeroByteRead
		}
		rd, err := mkrd(emcom.OpRead, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.buffer = data.Buffer
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepRead(sqe, fd, rd.buffer) }, nil

	case emcom.WriteRequest:
		rd, err := mkrd(emcom.OpWrite, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.buffer = data.Buffer
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepWrite(sqe, fd, rd.buffer) }, nil

	case emcom.CloseRequest:
		rd, err := mkrd(emcom.OpClose, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepClose(sqe, fd) }, nil

	case emcom.ShutdownRequest:
		rd, err := mkrd(emcom.OpShutdown, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.how = data.How
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepShutdown(sqe, fd, rd.how) }, nil

	case emcom.ReadvRequest:
		rd, err := mkrd(emcom.OpReadv, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.buffers = data.Buffers
		rd.iovs = iovecsFor(data.Buffers)
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepReadv(sqe, fd, rd.iovs) }, nil

	case emcom.WritevRequest:
		rd, err := mkrd(emcom.OpWritev, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.buffers = data.Buffers
		rd.iovs = iovecsFor(data.Buffers)
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepWritev(sqe, fd, rd.iovs) }, nil

	case emcom.AcceptRequest:
		rd, err := mkrd(emcom.OpAccept, data.ListenerPFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.addr = &unix.RawSockaddrAny{}
		rd.addrLen = new(uint32)
		*rd.addrLen = uint32(unix.SizeofSockaddrAny)
		fd := ev.fdFor(data.ListenerPFD)
		return rd, func(sqe *uring.SQE) { uring.PrepAccept(sqe, fd, rd.addr, rd.addrLen, 0) }, nil

	case emcom.ConnectRequest:
		rd, err := mkrd(emcom.OpConnect, data.PFD, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		addr := data.Addr
		rd.addr = &addr
		addrLen := data.AddrLen
		fd := ev.fdFor(data.PFD)
		return rd, func(sqe *uring.SQE) { uring.PrepConnect(sqe, fd, rd.addr, addrLen) }, nil

	case emcom.OpenatRequest:
		rd, err := mkrd(emcom.OpOpenat, -1, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.path = nulTerminated(data.Path)
		dirfd := data.DirFD
		flags := uint32(data.Flags)
		mode := data.Mode
		return rd, func(sqe *uring.SQE) { uring.PrepOpenat(sqe, dirfd, &rd.path[0], flags, mode) }, nil

	case emcom.StatxRequest:
		rd, err := mkrd(emcom.OpStatx, -1, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.path = nulTerminated(data.Path)
		rd.statx = &unix.Statx_t{}
		dirfd := data.DirFD
		flags := uint32(data.Flags)
		mask := data.Mask
		return rd, func(sqe *uring.SQE) { uring.PrepStatx(sqe, dirfd, &rd.path[0], flags, mask, rd.statx) }, nil

	case emcom.UnlinkatRequest:
		rd, err := mkrd(emcom.OpUnlinkat, -1, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.path = nulTerminated(data.Path)
		dirfd := data.DirFD
		flags := uint32(data.Flags)
		return rd, func(sqe *uring.SQE) { uring.PrepUnlinkat(sqe, dirfd, &rd.path[0], flags) }, nil

	case emcom.RenameatRequest:
		rd, err := mkrd(emcom.OpRenameat, -1, data.Cookie)
		if err != nil {
			return nil, nil, err
		}
		rd.path = nulTerminated(data.OldPath)
		rd.path2 = nulTerminated(data.NewPath)
		oldDirfd := data.OldDirFD
		newDirfd := data.NewDirFD
		flags := uint32(data.Flags)
		return rd, func(sqe *uring.SQE) {
			uring.PrepRenameat(sqe, oldDirfd, &rd.path[0], newDirfd, &rd.path2[0], flags)
		}, nil

	default:
		return nil, nil, ErrChannelFailure
	}
}

// errorPackFor builds the errno-bearing response pack for an operation
// that failed before submission.
func errorPackFor(req emcom.Request, err error) interface{} {
	errno := int(unix.ECANCELED)
	if e, ok := err.(unix.Errno); ok {
		errno = int(e)
	}

	generic := emcom.GenericResponse{Errno: errno, Cookie: cookieOf(req)}

	switch req.Op {
	case emcom.OpRead:
		return emcom.ReadResponse{GenericResponse: generic}
	case emcom.OpWrite:
		return emcom.WriteResponse{GenericResponse: generic}
	case emcom.OpClose:
		return emcom.CloseResponse{GenericResponse: generic}
	case emcom.OpShutdown:
		return emcom.ShutdownResponse{GenericResponse: generic}
	case emcom.OpReadv:
		return emcom.ReadvResponse{GenericResponse: generic}
	case emcom.OpWritev:
		return emcom.WritevResponse{GenericResponse: generic}
	case emcom.OpAccept:
		return emcom.AcceptResponse{GenericResponse: generic, PFD: -1}
	case emcom.OpConnect:
		return emcom.ConnectResponse{GenericResponse: generic}
	case emcom.OpOpenat:
		return emcom.OpenatResponse{GenericResponse: generic, PFD: -1}
	case emcom.OpStatx:
		return emcom.StatxResponse{GenericResponse: generic}
	case emcom.OpUnlinkat:
		return emcom.UnlinkatResponse{GenericResponse: generic}
	case emcom.OpRenameat:
		return emcom.RenameatResponse{GenericResponse: generic}
	default:
		return generic
	}
}

func cookieOf(req emcom.Request) uint64 {
	switch data := req.Data.(type) {
	case emcom.ReadRequest:
		return data.Cookie
	case emcom.WriteRequest:
		return data.Cookie
	case emcom.CloseRequest:
		return data.Cookie
	case emcom.ShutdownRequest:
		return data.Cookie
	case emcom.ReadvRequest:
		return data.Cookie
	case emcom.WritevRequest:
		return data.Cookie
	case emcom.AcceptRequest:
		return data.Cookie
	case emcom.ConnectRequest:
		return data.Cookie
	case emcom.OpenatRequest:
		return data.Cookie
	case emcom.StatxRequest:
		return data.Cookie
	case emcom.UnlinkatRequest:
		return data.Cookie
	case emcom.RenameatRequest:
		return data.Cookie
	default:
		return 0
	}
}
