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
)

// FDType tags what kind of kernel descriptor a pfd wraps. Graceful close
// only applies to network sockets.
type FDType uint8

const (
	FDUnknown FDType = iota
	FDLocalFile
	FDNetworkSocket
	FDEventSignal
)

// pfdData is one slot of the pseudo-descriptor table.
type pfdData struct {
	fd  int
	typ FDType

	// generation increments each time the slot is reused, so completions
	// that raced a close-and-reallocate can be recognised as stale.
	generation uint64

	// submittedReqs counts kernel operations in flight against this pfd.
	submittedReqs int

	// Graceful-close state. shutdownDone and lastReadZero gate the
	// shutdown -> drain-read -> close progression; closeInitiated rejects
	// duplicate ClosePfd calls; isBeingFreed marks a slot on its way out;
	// needsBlockingClose arms the deferred close once in-flight requests
	// drain.
	shutdownDone           bool
	lastReadZero           bool
	readZeroCheckInitiated bool
	closeInitiated         bool
	isBeingFreed           bool
	needsBlockingClose     bool
}

// pfdMake registers fd in the table, reusing the lowest freed slot if any,
// and returns the pfd index. Returns -1 once the manager is dying or dead.
//
// LOCKS_REQUIRED(ev.mu)
func (ev *EventManager) pfdMake(fd int, typ FDType) int {
	if ev.isDyingOrDead() {
		ev.errorLog("pfdMake: rejected, manager is dying or dead")
		return -1
	}

	if idx := ev.freedPfds.Take(); idx >= 0 {
		slot := &ev.pfdTable[idx]
		slot.fd = fd
		slot.typ = typ
		slot.generation++
		slot.submittedReqs = 0
		slot.shutdownDone = false
		slot.lastReadZero = false
		slot.readZeroCheckInitiated = false
		slot.closeInitiated = false
		slot.isBeingFreed = false
		slot.needsBlockingClose = false
		return idx
	}

	ev.pfdTable = append(ev.pfdTable, pfdData{fd: fd, typ: typ})
	return len(ev.pfdTable) - 1
}

// pfdFree returns the slot to the freed set. The slot's generation is only
// bumped on reuse, so in-flight stale completions still compare against the
// generation they were issued under.
//
// LOCKS_REQUIRED(ev.mu)
func (ev *EventManager) pfdFree(pfd int) {
	ev.freedPfds.Put(pfd)
}

func (ev *EventManager) pfdValid(pfd int) bool {
	return pfd >= 0 && pfd < len(ev.pfdTable) && !ev.freedPfds.Contains(pfd)
}

// PassFDToEventManager registers an externally created kernel descriptor
// and returns its pfd. isNetwork selects graceful close behaviour.
func (ev *EventManager) PassFDToEventManager(fd int, isNetwork bool) int {
	typ := FDLocalFile
	if isNetwork {
		typ = FDNetworkSocket
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.pfdMake(fd, typ)
}

// CreateEventFD makes an event fd and registers it, returning its pfd.
func (ev *EventManager) CreateEventFD() (int, error) {
	efd, err := unix.Eventfd(0, 0)
	if err != nil {
		return -1, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.pfdMake(efd, FDEventSignal), nil
}

// EventAlert increments the event fd behind pfd, waking any task awaiting
// an event read on it.
func (ev *EventManager) EventAlert(pfd int) error {
	if !ev.pfdValid(pfd) {
		return ErrInvalidPfd
	}

	var one [8]byte
	one[0] = 1
	_, err := unix.Write(ev.pfdTable[pfd].fd, one[:])
	return err
}

// OpenGetPfd opens a file the blocking way and registers the descriptor,
// returning a pfd. flags and mode are as for open(2).
func (ev *EventManager) OpenGetPfd(path string, flags int, mode uint32) (int, error) {
	fd, err := unix.Open(path, flags, mode)
	if err != nil {
		return -1, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.pfdMake(fd, FDLocalFile), nil
}

// SocketCreate makes a socket the blocking way and registers the
// descriptor, returning a pfd.
func (ev *EventManager) SocketCreate(domain, typ, proto int) (int, error) {
	fd, err := unix.Socket(domain, typ, proto)
	if err != nil {
		return -1, err
	}

	ev.mu.Lock()
	defer ev.mu.Unlock()
	return ev.pfdMake(fd, FDNetworkSocket), nil
}

// Unlink removes a path the blocking way.
func (ev *EventManager) Unlink(path string) error {
	return unix.Unlink(path)
}

// Stat stats a path the blocking way.
func (ev *EventManager) Stat(path string, stat *unix.Stat_t) error {
	return unix.Stat(path, stat)
}

// Fstat stats the descriptor behind a pfd the blocking way.
func (ev *EventManager) Fstat(pfd int, stat *unix.Stat_t) error {
	if !ev.pfdValid(pfd) {
		return ErrInvalidPfd
	}
	return unix.Fstat(ev.pfdTable[pfd].fd, stat)
}

// PfdFD exposes the kernel descriptor behind a pfd, for socket option
// tweaking and test plumbing.
func (ev *EventManager) PfdFD(pfd int) (int, error) {
	if !ev.pfdValid(pfd) {
		return -1, ErrInvalidPfd
	}
	return ev.pfdTable[pfd].fd, nil
}
