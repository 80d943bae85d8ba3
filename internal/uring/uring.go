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

// Package uring is a minimal io_uring shim: setup, the two mmap'd rings,
// submission-entry acquisition, submit, and blocking completion waits. It
// maps the subset of the interface the event manager consumes and nothing
// more. Requires a kernel with IORING_FEAT_SINGLE_MMAP (Linux 5.4+).
package uring

import (
	"fmt"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Setup flags.
const (
	SetupAttachWQ = 1 << 5 // IORING_SETUP_ATTACH_WQ
)

// Enter flags.
const (
	enterGetEvents = 1 << 0 // IORING_ENTER_GETEVENTS
)

// Feature flags reported by the kernel after setup.
const (
	featSingleMmap = 1 << 0 // IORING_FEAT_SINGLE_MMAP
)

// Magic mmap offsets from io_uring.h.
const (
	offSQRing = 0
	offSQEs   = 0x10000000
)

// Params mirrors struct io_uring_params.
type Params struct {
	SQEntries    uint32
	CQEntries    uint32
	Flags        uint32
	SQThreadCPU  uint32
	SQThreadIdle uint32
	Features     uint32
	WqFd         uint32
	Resv         [3]uint32
	SQOff        sqRingOffsets
	CQOff        cqRingOffsets
}

type sqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Flags       uint32
	Dropped     uint32
	Array       uint32
	Resv1       uint32
	Resv2       uint64
}

type cqRingOffsets struct {
	Head        uint32
	Tail        uint32
	RingMask    uint32
	RingEntries uint32
	Overflow    uint32
	CQEs        uint32
	Flags       uint32
	Resv1       uint32
	Resv2       uint64
}

// CQE mirrors struct io_uring_cqe: the result code and the user tag the
// submission carried.
type CQE struct {
	UserData uint64
	Res      int32
	Flags    uint32
}

type submissionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	flags       *uint32
	dropped     *uint32
	array       []uint32
	sqes        []SQE
}

type completionQueue struct {
	head        *uint32
	tail        *uint32
	ringMask    uint32
	ringEntries uint32
	overflow    *uint32
	cqes        []CQE
}

// Ring is one io_uring instance: the ring fd plus the mmap'd submission and
// completion queues. A Ring must only be driven from one goroutine at a time.
type Ring struct {
	fd      int
	params  Params
	sq      submissionQueue
	cq      completionQueue
	sqeMem  []byte
	ringMem []byte
}

// New sets up a ring with the given submission queue depth. If attachWqFd is
// >= 0 the new ring attaches to that ring's async work queue
// (IORING_SETUP_ATTACH_WQ) instead of spawning its own.
func New(entries uint32, attachWqFd int) (*Ring, error) {
	params := Params{}
	if attachWqFd >= 0 {
		params.Flags |= SetupAttachWQ
		params.WqFd = uint32(attachWqFd)
	}

	fd, _, errno := unix.Syscall(
		unix.SYS_IO_URING_SETUP,
		uintptr(entries),
		uintptr(unsafe.Pointer(&params)),
		0)
	if errno != 0 {
		return nil, fmt.Errorf("io_uring_setup: %w", errno)
	}

	if params.Features&featSingleMmap == 0 {
		unix.Close(int(fd))
		return nil, fmt.Errorf("kernel lacks IORING_FEAT_SINGLE_MMAP")
	}

	r := &Ring{
		fd:     int(fd),
		params: params,
	}

	if err := r.mmapRings(); err != nil {
		unix.Close(r.fd)
		return nil, err
	}

	return r, nil
}

func (r *Ring) mmapRings() error {
	p := &r.params

	sqSize := p.SQOff.Array + p.SQEntries*uint32(unsafe.Sizeof(uint32(0)))
	cqSize := p.CQOff.CQEs + p.CQEntries*uint32(unsafe.Sizeof(CQE{}))
	ringSize := sqSize
	if cqSize > ringSize {
		ringSize = cqSize
	}

	ringMem, err := unix.Mmap(
		r.fd, offSQRing, int(ringSize),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sq/cq ring: %w", err)
	}
	r.ringMem = ringMem

	sqeMem, err := unix.Mmap(
		r.fd, offSQEs, int(p.SQEntries*uint32(unsafe.Sizeof(SQE{}))),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_SHARED|unix.MAP_POPULATE)
	if err != nil {
		return fmt.Errorf("mmap sqe array: %w", err)
	}
	r.sqeMem = sqeMem

	at := func(off uint32) unsafe.Pointer { return unsafe.Pointer(&r.ringMem[off]) }

	r.sq.head = (*uint32)(at(p.SQOff.Head))
	r.sq.tail = (*uint32)(at(p.SQOff.Tail))
	r.sq.ringMask = *(*uint32)(at(p.SQOff.RingMask))
	r.sq.ringEntries = *(*uint32)(at(p.SQOff.RingEntries))
	r.sq.flags = (*uint32)(at(p.SQOff.Flags))
	r.sq.dropped = (*uint32)(at(p.SQOff.Dropped))
	r.sq.array = unsafe.Slice((*uint32)(at(p.SQOff.Array)), p.SQEntries)
	r.sq.sqes = unsafe.Slice((*SQE)(unsafe.Pointer(&r.sqeMem[0])), p.SQEntries)

	r.cq.head = (*uint32)(at(p.CQOff.Head))
	r.cq.tail = (*uint32)(at(p.CQOff.Tail))
	r.cq.ringMask = *(*uint32)(at(p.CQOff.RingMask))
	r.cq.ringEntries = *(*uint32)(at(p.CQOff.RingEntries))
	r.cq.overflow = (*uint32)(at(p.CQOff.Overflow))
	r.cq.cqes = unsafe.Slice((*CQE)(at(p.CQOff.CQEs)), p.CQEntries)

	return nil
}

// FD returns the ring file descriptor, usable as an ATTACH_WQ target for
// further rings.
func (r *Ring) FD() int {
	return r.fd
}

// SQEntries returns the submission queue depth the kernel granted.
func (r *Ring) SQEntries() uint32 {
	return r.params.SQEntries
}

// GetSQE acquires the next free submission slot, zeroed, or nil if the
// submission queue is full. The slot only becomes visible to the kernel on
// the next Submit.
func (r *Ring) GetSQE() *SQE {
	q := &r.sq

	tail := atomic.LoadUint32(q.tail)
	head := atomic.LoadUint32(q.head)
	if tail-head >= q.ringEntries {
		return nil
	}

	idx := tail & q.ringMask
	sqe := &q.sqes[idx]
	*sqe = SQE{}
	q.array[idx] = idx

	// Publish; the store-release makes the SQE contents visible before the
	// kernel observes the new tail. The caller fills the SQE in before
	// Submit performs the enter syscall, which is the true hand-off point.
	atomic.AddUint32(q.tail, 1)

	return sqe
}

// Pending returns the number of acquired-but-unsubmitted entries.
func (r *Ring) Pending() uint32 {
	return atomic.LoadUint32(r.sq.tail) - atomic.LoadUint32(r.sq.head)
}

// Submit hands every pending submission entry to the kernel, returning the
// count accepted. A negative kernel result surfaces as the matching errno.
func (r *Ring) Submit() (int, error) {
	toSubmit := r.Pending()
	if toSubmit == 0 {
		return 0, nil
	}

	for {
		n, _, errno := unix.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			uintptr(toSubmit),
			0, 0, 0, 0)
		if errno == unix.EINTR {
			continue
		}
		if errno != 0 {
			return 0, errno
		}
		return int(n), nil
	}
}

// WaitCQE blocks until at least one completion is available and returns a
// pointer to it. The entry stays owned by the ring until Seen is called.
func (r *Ring) WaitCQE() (*CQE, error) {
	q := &r.cq

	head := atomic.LoadUint32(q.head)
	for atomic.LoadUint32(q.tail) == head {
		_, _, errno := unix.Syscall6(
			unix.SYS_IO_URING_ENTER,
			uintptr(r.fd),
			0, 1,
			enterGetEvents,
			0, 0)
		if errno == unix.EINTR || errno == unix.EAGAIN {
			continue
		}
		if errno != 0 {
			return nil, errno
		}
	}

	return &q.cqes[head&q.ringMask], nil
}

// PeekCQE returns the next completion without blocking, or nil.
func (r *Ring) PeekCQE() *CQE {
	q := &r.cq
	head := atomic.LoadUint32(q.head)
	if atomic.LoadUint32(q.tail) == head {
		return nil
	}
	return &q.cqes[head&q.ringMask]
}

// Seen releases the completion entry most recently returned by WaitCQE or
// PeekCQE back to the kernel.
func (r *Ring) Seen() {
	atomic.AddUint32(r.cq.head, 1)
}

// Close unmaps the rings and closes the ring fd.
func (r *Ring) Close() error {
	if r.sqeMem != nil {
		unix.Munmap(r.sqeMem)
		r.sqeMem = nil
	}
	if r.ringMem != nil {
		unix.Munmap(r.ringMem)
		r.ringMem = nil
	}
	if r.fd >= 0 {
		err := unix.Close(r.fd)
		r.fd = -1
		return err
	}
	return nil
}
