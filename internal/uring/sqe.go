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

package uring

import (
	"unsafe"

	"golang.org/x/sys/unix"
)

// Opcodes from enum io_uring_op.
const (
	OpReadv       = 1
	OpWritev      = 2
	OpAccept      = 13
	OpAsyncCancel = 14
	OpConnect     = 16
	OpOpenat      = 18
	OpClose       = 19
	OpStatx       = 21
	OpRead        = 22
	OpWrite       = 23
	OpShutdown    = 34
	OpRenameat    = 35
	OpUnlinkat    = 36
)

// Cancellation match flags (Linux 5.19+).
const (
	AsyncCancelAll = 1 << 0 // IORING_ASYNC_CANCEL_ALL
	AsyncCancelFd  = 1 << 1 // IORING_ASYNC_CANCEL_FD
)

// SQE mirrors struct io_uring_sqe. Field aliasing (off/addr2 etc.) follows
// the kernel ABI; the prep routines below are the only writers.
type SQE struct {
	Opcode      uint8
	Flags       uint8
	Ioprio      uint16
	Fd          int32
	Off         uint64 // also addr2
	Addr        uint64 // also splice_off_in
	Len         uint32
	OpFlags     uint32 // rw_flags / accept_flags / open_flags / statx_flags / ...
	UserData    uint64
	BufIndex    uint16
	Personality uint16
	SpliceFdIn  int32
	pad2        [2]uint64
}

// SetUserData tags the entry; the tag comes back verbatim in the CQE.
func (sqe *SQE) SetUserData(tag uint64) {
	sqe.UserData = tag
}

func bufAddr(buf []byte) uint64 {
	if len(buf) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&buf[0])))
}

// PrepNop readies a no-op submission; its completion carries res 0.
func PrepNop(sqe *SQE) {
	sqe.Opcode = 0
}

// PrepRead readies a read(2)-style submission at offset zero.
func PrepRead(sqe *SQE, fd int, buf []byte) {
	sqe.Opcode = OpRead
	sqe.Fd = int32(fd)
	sqe.Addr = bufAddr(buf)
	sqe.Len = uint32(len(buf))
}

// PrepWrite readies a write(2)-style submission at offset zero.
func PrepWrite(sqe *SQE, fd int, buf []byte) {
	sqe.Opcode = OpWrite
	sqe.Fd = int32(fd)
	sqe.Addr = bufAddr(buf)
	sqe.Len = uint32(len(buf))
}

// PrepReadv readies a readv(2)-style submission at offset zero.
func PrepReadv(sqe *SQE, fd int, iovs []unix.Iovec) {
	sqe.Opcode = OpReadv
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&iovs[0])))
	sqe.Len = uint32(len(iovs))
}

// PrepWritev readies a writev(2)-style submission at offset zero.
func PrepWritev(sqe *SQE, fd int, iovs []unix.Iovec) {
	sqe.Opcode = OpWritev
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(&iovs[0])))
	sqe.Len = uint32(len(iovs))
}

// PrepAccept readies an accept4(2)-style submission. addrlen is in-out.
func PrepAccept(sqe *SQE, fd int, addr *unix.RawSockaddrAny, addrlen *uint32, flags uint32) {
	sqe.Opcode = OpAccept
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(addr)))
	sqe.Off = uint64(uintptr(unsafe.Pointer(addrlen)))
	sqe.OpFlags = flags
}

// PrepConnect readies a connect(2)-style submission.
func PrepConnect(sqe *SQE, fd int, addr *unix.RawSockaddrAny, addrlen uint32) {
	sqe.Opcode = OpConnect
	sqe.Fd = int32(fd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(addr)))
	sqe.Off = uint64(addrlen)
}

// PrepClose readies a close(2)-style submission.
func PrepClose(sqe *SQE, fd int) {
	sqe.Opcode = OpClose
	sqe.Fd = int32(fd)
}

// PrepShutdown readies a shutdown(2)-style submission.
func PrepShutdown(sqe *SQE, fd int, how int) {
	sqe.Opcode = OpShutdown
	sqe.Fd = int32(fd)
	sqe.Len = uint32(how)
}

// PrepOpenat readies an openat(2)-style submission. path must be
// NUL-terminated and kept alive until completion.
func PrepOpenat(sqe *SQE, dirfd int, path *byte, flags uint32, mode uint32) {
	sqe.Opcode = OpOpenat
	sqe.Fd = int32(dirfd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(path)))
	sqe.Len = mode
	sqe.OpFlags = flags
}

// PrepStatx readies a statx(2)-style submission into statxbuf.
func PrepStatx(sqe *SQE, dirfd int, path *byte, flags uint32, mask uint32, statxbuf *unix.Statx_t) {
	sqe.Opcode = OpStatx
	sqe.Fd = int32(dirfd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(path)))
	sqe.Len = mask
	sqe.OpFlags = flags
	sqe.Off = uint64(uintptr(unsafe.Pointer(statxbuf)))
}

// PrepUnlinkat readies an unlinkat(2)-style submission.
func PrepUnlinkat(sqe *SQE, dirfd int, path *byte, flags uint32) {
	sqe.Opcode = OpUnlinkat
	sqe.Fd = int32(dirfd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(path)))
	sqe.OpFlags = flags
}

// PrepRenameat readies a renameat2(2)-style submission.
func PrepRenameat(sqe *SQE, olddirfd int, oldpath *byte, newdirfd int, newpath *byte, flags uint32) {
	sqe.Opcode = OpRenameat
	sqe.Fd = int32(olddirfd)
	sqe.Addr = uint64(uintptr(unsafe.Pointer(oldpath)))
	sqe.Len = uint32(newdirfd)
	sqe.Off = uint64(uintptr(unsafe.Pointer(newpath)))
	sqe.OpFlags = flags
}

// PrepCancelFd readies a cancellation matching every in-flight submission
// against fd.
func PrepCancelFd(sqe *SQE, fd int) {
	sqe.Opcode = OpAsyncCancel
	sqe.Fd = int32(fd)
	sqe.OpFlags = AsyncCancelFd | AsyncCancelAll
}
