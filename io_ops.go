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

// The per-opcode awaitable family. Each factory reserves a submission slot
// immediately; Await submits and suspends the calling task until the
// completion's response pack comes back through the task's channel.

func nulTerminated(s string) []byte {
	return append([]byte(s), 0)
}

// iovecsFor pins bufs as an iovec array for the kernel.
func iovecsFor(bufs [][]byte) []unix.Iovec {
	iovs := make([]unix.Iovec, len(bufs))
	for i, b := range bufs {
		if len(b) != 0 {
			iovs[i].Base = &b[0]
		}
		iovs[i].SetLen(len(b))
	}
	return iovs
}

func consumePack[T any](h *emtask.Handle, op emcom.Opcode) (T, error) {
	pack, ok := emcom.ConsumeResponseAs[T](h.Channel(), op)
	if !ok {
		var zero T
		return zero, ErrChannelFailure
	}
	return pack, nil
}

////////////////////////////////////////////////////////////////////////
// Read
////////////////////////////////////////////////////////////////////////

type ReadAwaitable struct {
	ioAwaitable
}

// Read prepares a read of len(buf) bytes from pfd at offset zero.
func (ev *EventManager) Read(pfd int, buf []byte) *ReadAwaitable {
	rd := &requestData{op: emcom.OpRead, pfd: pfd, buffer: buf}

	if len(buf) == 0 {
		a := ioAwaitable{ev: ev, rd: rd, err: ErrZeroByteRead}
		return &ReadAwaitable{a}
	}

	fd := ev.fdFor(pfd)
	return &ReadAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepRead(sqe, fd, buf)
	})}
}

// WithCookie attaches an opaque 64-bit value echoed back in the response.
func (a *ReadAwaitable) WithCookie(c uint64) *ReadAwaitable {
	a.rd.cookie = c
	return a
}

// Await submits the operation and suspends h until completion.
func (a *ReadAwaitable) Await(h *emtask.Handle) (emcom.ReadResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.ReadResponse{}, err
	}
	return consumePack[emcom.ReadResponse](h, emcom.OpRead)
}

////////////////////////////////////////////////////////////////////////
// Write
////////////////////////////////////////////////////////////////////////

type WriteAwaitable struct {
	ioAwaitable
}

// Write prepares a write of buf to pfd at offset zero.
func (ev *EventManager) Write(pfd int, buf []byte) *WriteAwaitable {
	rd := &requestData{op: emcom.OpWrite, pfd: pfd, buffer: buf}
	fd := ev.fdFor(pfd)
	return &WriteAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepWrite(sqe, fd, buf)
	})}
}

func (a *WriteAwaitable) WithCookie(c uint64) *WriteAwaitable {
	a.rd.cookie = c
	return a
}

func (a *WriteAwaitable) Await(h *emtask.Handle) (emcom.WriteResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.WriteResponse{}, err
	}
	return consumePack[emcom.WriteResponse](h, emcom.OpWrite)
}

////////////////////////////////////////////////////////////////////////
// Readv / Writev
////////////////////////////////////////////////////////////////////////

type ReadvAwaitable struct {
	ioAwaitable
}

// Readv prepares a scatter read into bufs at offset zero.
func (ev *EventManager) Readv(pfd int, bufs [][]byte) *ReadvAwaitable {
	rd := &requestData{op: emcom.OpReadv, pfd: pfd, buffers: bufs, iovs: iovecsFor(bufs)}
	fd := ev.fdFor(pfd)
	return &ReadvAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepReadv(sqe, fd, rd.iovs)
	})}
}

func (a *ReadvAwaitable) WithCookie(c uint64) *ReadvAwaitable {
	a.rd.cookie = c
	return a
}

func (a *ReadvAwaitable) Await(h *emtask.Handle) (emcom.ReadvResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.ReadvResponse{}, err
	}
	return consumePack[emcom.ReadvResponse](h, emcom.OpReadv)
}

type WritevAwaitable struct {
	ioAwaitable
}

// Writev prepares a gather write of bufs at offset zero.
func (ev *EventManager) Writev(pfd int, bufs [][]byte) *WritevAwaitable {
	rd := &requestData{op: emcom.OpWritev, pfd: pfd, buffers: bufs, iovs: iovecsFor(bufs)}
	fd := ev.fdFor(pfd)
	return &WritevAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepWritev(sqe, fd, rd.iovs)
	})}
}

func (a *WritevAwaitable) WithCookie(c uint64) *WritevAwaitable {
	a.rd.cookie = c
	return a
}

func (a *WritevAwaitable) Await(h *emtask.Handle) (emcom.WritevResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.WritevResponse{}, err
	}
	return consumePack[emcom.WritevResponse](h, emcom.OpWritev)
}

////////////////////////////////////////////////////////////////////////
// Accept / Connect
////////////////////////////////////////////////////////////////////////

type AcceptAwaitable struct {
	ioAwaitable
}

// Accept prepares an accept on a listening socket pfd. The peer address
// buffer lives in the request so it survives until the kernel fills it.
func (ev *EventManager) Accept(listenerPfd int) *AcceptAwaitable {
	addr := &unix.RawSockaddrAny{}
	addrLen := new(uint32)
	*addrLen = uint32(unix.SizeofSockaddrAny)

	rd := &requestData{
		op:      emcom.OpAccept,
		pfd:     listenerPfd,
		addr:    addr,
		addrLen: addrLen,
	}
	fd := ev.fdFor(listenerPfd)
	return &AcceptAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepAccept(sqe, fd, addr, addrLen, 0)
	})}
}

func (a *AcceptAwaitable) WithCookie(c uint64) *AcceptAwaitable {
	a.rd.cookie = c
	return a
}

func (a *AcceptAwaitable) Await(h *emtask.Handle) (emcom.AcceptResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.AcceptResponse{}, err
	}
	return consumePack[emcom.AcceptResponse](h, emcom.OpAccept)
}

type ConnectAwaitable struct {
	ioAwaitable
}

// Connect prepares a connect of pfd to the raw socket address.
func (ev *EventManager) Connect(pfd int, addr *unix.RawSockaddrAny, addrLen uint32) *ConnectAwaitable {
	rd := &requestData{op: emcom.OpConnect, pfd: pfd, addr: addr}
	fd := ev.fdFor(pfd)
	return &ConnectAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepConnect(sqe, fd, addr, addrLen)
	})}
}

func (a *ConnectAwaitable) WithCookie(c uint64) *ConnectAwaitable {
	a.rd.cookie = c
	return a
}

func (a *ConnectAwaitable) Await(h *emtask.Handle) (emcom.ConnectResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.ConnectResponse{}, err
	}
	return consumePack[emcom.ConnectResponse](h, emcom.OpConnect)
}

////////////////////////////////////////////////////////////////////////
// Close / Shutdown
////////////////////////////////////////////////////////////////////////

type CloseAwaitable struct {
	ioAwaitable
}

// Close prepares a raw close of pfd's descriptor. The pfd slot is released
// when the completion arrives. For network sockets prefer ClosePfd, which
// performs the graceful shutdown sequence first.
func (ev *EventManager) Close(pfd int) *CloseAwaitable {
	rd := &requestData{op: emcom.OpClose, pfd: pfd}
	fd := ev.fdFor(pfd)
	return &CloseAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepClose(sqe, fd)
	})}
}

func (a *CloseAwaitable) WithCookie(c uint64) *CloseAwaitable {
	a.rd.cookie = c
	return a
}

func (a *CloseAwaitable) Await(h *emtask.Handle) (emcom.CloseResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.CloseResponse{}, err
	}
	return consumePack[emcom.CloseResponse](h, emcom.OpClose)
}

type ShutdownAwaitable struct {
	ioAwaitable
}

// Shutdown prepares a shutdown(2) of pfd with the given how.
func (ev *EventManager) Shutdown(pfd int, how int) *ShutdownAwaitable {
	rd := &requestData{op: emcom.OpShutdown, pfd: pfd, how: how}
	fd := ev.fdFor(pfd)
	return &ShutdownAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepShutdown(sqe, fd, how)
	})}
}

func (a *ShutdownAwaitable) WithCookie(c uint64) *ShutdownAwaitable {
	a.rd.cookie = c
	return a
}

func (a *ShutdownAwaitable) Await(h *emtask.Handle) (emcom.ShutdownResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.ShutdownResponse{}, err
	}
	return consumePack[emcom.ShutdownResponse](h, emcom.OpShutdown)
}

////////////////////////////////////////////////////////////////////////
// Path operations
////////////////////////////////////////////////////////////////////////

type OpenatAwaitable struct {
	ioAwaitable
}

// Openat prepares an openat(2) relative to dirfd (a raw directory fd such
// as unix.AT_FDCWD, not a pfd). On success the new descriptor is
// registered and the response carries its pfd.
func (ev *EventManager) Openat(dirfd int, path string, flags int, mode uint32) *OpenatAwaitable {
	rd := &requestData{op: emcom.OpOpenat, pfd: -1, path: nulTerminated(path)}
	return &OpenatAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepOpenat(sqe, dirfd, &rd.path[0], uint32(flags), mode)
	})}
}

func (a *OpenatAwaitable) WithCookie(c uint64) *OpenatAwaitable {
	a.rd.cookie = c
	return a
}

func (a *OpenatAwaitable) Await(h *emtask.Handle) (emcom.OpenatResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.OpenatResponse{}, err
	}
	return consumePack[emcom.OpenatResponse](h, emcom.OpOpenat)
}

type StatxAwaitable struct {
	ioAwaitable
}

// Statx prepares a statx(2) of path relative to dirfd.
func (ev *EventManager) Statx(dirfd int, path string, flags int, mask uint32) *StatxAwaitable {
	rd := &requestData{
		op:    emcom.OpStatx,
		pfd:   -1,
		path:  nulTerminated(path),
		statx: &unix.Statx_t{},
	}
	return &StatxAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepStatx(sqe, dirfd, &rd.path[0], uint32(flags), mask, rd.statx)
	})}
}

func (a *StatxAwaitable) WithCookie(c uint64) *StatxAwaitable {
	a.rd.cookie = c
	return a
}

func (a *StatxAwaitable) Await(h *emtask.Handle) (emcom.StatxResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.StatxResponse{}, err
	}
	return consumePack[emcom.StatxResponse](h, emcom.OpStatx)
}

type UnlinkatAwaitable struct {
	ioAwaitable
}

// Unlinkat prepares an unlinkat(2) of path relative to dirfd.
func (ev *EventManager) Unlinkat(dirfd int, path string, flags int) *UnlinkatAwaitable {
	rd := &requestData{op: emcom.OpUnlinkat, pfd: -1, path: nulTerminated(path)}
	return &UnlinkatAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepUnlinkat(sqe, dirfd, &rd.path[0], uint32(flags))
	})}
}

func (a *UnlinkatAwaitable) WithCookie(c uint64) *UnlinkatAwaitable {
	a.rd.cookie = c
	return a
}

func (a *UnlinkatAwaitable) Await(h *emtask.Handle) (emcom.UnlinkatResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.UnlinkatResponse{}, err
	}
	return consumePack[emcom.UnlinkatResponse](h, emcom.OpUnlinkat)
}

type RenameatAwaitable struct {
	ioAwaitable
}

// Renameat prepares a renameat2(2) from oldpath to newpath.
func (ev *EventManager) Renameat(oldDirfd int, oldPath string, newDirfd int, newPath string, flags int) *RenameatAwaitable {
	rd := &requestData{
		op:    emcom.OpRenameat,
		pfd:   -1,
		path:  nulTerminated(oldPath),
		path2: nulTerminated(newPath),
	}
	return &RenameatAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepRenameat(sqe, oldDirfd, &rd.path[0], newDirfd, &rd.path2[0], uint32(flags))
	})}
}

func (a *RenameatAwaitable) WithCookie(c uint64) *RenameatAwaitable {
	a.rd.cookie = c
	return a
}

func (a *RenameatAwaitable) Await(h *emtask.Handle) (emcom.RenameatResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.RenameatResponse{}, err
	}
	return consumePack[emcom.RenameatResponse](h, emcom.OpRenameat)
}

////////////////////////////////////////////////////////////////////////
// Event signalling
////////////////////////////////////////////////////////////////////////

type EventAwaitable struct {
	ioAwaitable
}

// AwaitEvent prepares a read of the 8-byte counter on an event-signal pfd;
// the await completes when somebody calls EventAlert on it.
func (ev *EventManager) AwaitEvent(pfd int) *EventAwaitable {
	rd := &requestData{op: emcom.OpEvent, pfd: pfd, buffer: make([]byte, 8)}
	fd := ev.fdFor(pfd)
	return &EventAwaitable{ev.newAwaitable(rd, func(sqe *uring.SQE) {
		uring.PrepRead(sqe, fd, rd.buffer)
	})}
}

func (a *EventAwaitable) WithCookie(c uint64) *EventAwaitable {
	a.rd.cookie = c
	return a
}

func (a *EventAwaitable) Await(h *emtask.Handle) (emcom.EventResponse, error) {
	if err := a.await(h); err != nil {
		return emcom.EventResponse{}, err
	}
	return consumePack[emcom.EventResponse](h, emcom.OpEvent)
}

// fdFor resolves a pfd's kernel descriptor, tolerating invalid input (the
// awaitable constructor reports the error properly).
func (ev *EventManager) fdFor(pfd int) int {
	if pfd < 0 || pfd >= len(ev.pfdTable) {
		return -1
	}
	return ev.pfdTable[pfd].fd
}
