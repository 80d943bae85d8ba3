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

// Package emtask implements the runtime's task abstraction: a single-shot
// suspendable routine with bidirectional message passing to a driver.
//
// A task's body runs on its own goroutine, but the body and its driver are
// never runnable at the same time: Start and Resume block the driver until
// the body reaches its next suspension point (or finalises), and a suspended
// body blocks until the driver resumes it. This hand-off discipline gives
// the cooperative single-threaded semantics the event manager's completion
// loop relies on.
package emtask

import (
	"log"

	"github.com/aliabbas299792/event-manager/emcom"
)

// status is the heap cell external holders observe. It outlives the task's
// handle so the return code stays readable after the body has returned.
type status struct {
	done    bool
	retCode uint64
}

// Body is a task's work function. The handle passed in is the task's own;
// awaitables use it to suspend the body at await points. The returned value
// becomes the task's return code.
type Body func(h *Handle) uint64

// Handle is the runtime state of one task: the rendezvous channel, the
// resume gates, the awaiter back-link and the metadata cookie. It is the
// stable resume key for in-flight kernel operations; it survives transfer of
// the owning Task.
type Handle struct {
	channel emcom.Channel

	// resumeCh wakes the body; yieldCh returns control to the driver.
	// Both are unbuffered, so every hand-off is a synchronisation point.
	resumeCh chan struct{}
	yieldCh  chan struct{}

	// The task or driver to resume when this task finalises.
	awaiter *Handle

	// A fault trapped in the body, re-raised at the driver boundary by the
	// next Start/Resume return.
	fault interface{}

	// Status cell back-pointer; nil once the owning Task was dropped before
	// finalisation.
	statusPtr *status

	metadata    uint64
	hasMetadata bool

	polling bool // the body is suspended inside a Poll await
}

// Task owns one task: the body, the status cell, and (until transfer or
// drop) the handle. The zero value is not usable; construct with New.
type Task struct {
	body    Body
	handle  *Handle
	status  *status
	started bool
}

// New allocates a task around body. The body does not run until the first
// Start or Await.
func New(body Body) *Task {
	st := &status{}
	h := &Handle{
		resumeCh:  make(chan struct{}),
		yieldCh:   make(chan struct{}),
		statusPtr: st,
	}

	return &Task{
		body:   body,
		handle: h,
		status: st,
	}
}

// Handle returns the task's resume key. It stays valid across Move.
func (t *Task) Handle() *Handle {
	return t.handle
}

// Start kicks the body and blocks until it suspends or finalises. It
// returns the task's channel, or nil if the body finalised immediately (in
// which case there is nothing left to communicate with).
func (t *Task) Start() *emcom.Channel {
	if t.handle == nil {
		log.Println("emtask: Start on a moved-from task")
		return nil
	}
	if t.started {
		log.Println("emtask: task was already started; ignoring duplicate Start")
		return nil
	}

	t.started = true

	h := t.handle
	go t.run()

	h.resumeCh <- struct{}{}
	<-h.yieldCh
	h.raiseFault()

	if t.IsDone() {
		return nil
	}

	return &h.channel
}

// run is the body goroutine. It waits out the initial suspend, executes the
// body with fault capture, finalises the status cell, resumes the awaiter
// chain and finally yields back to the driver.
func (t *Task) run() {
	h := t.handle
	<-h.resumeCh

	var code uint64
	func() {
		defer func() {
			if r := recover(); r != nil {
				h.fault = r
			}
		}()
		code = t.body(h)
	}()

	if h.statusPtr != nil {
		h.statusPtr.retCode = code
		h.statusPtr.done = true
	}

	if h.awaiter != nil {
		h.awaiter.resume()
	}

	h.yieldCh <- struct{}{}
}

// Resume wakes the suspended body with no response attached and blocks
// until it suspends again or finalises.
func (t *Task) Resume() {
	t.handle.Resume()
}

// ResumeWithResponse deposits a response pack in the channel and resumes
// the body.
func (t *Task) ResumeWithResponse(op emcom.Opcode, data interface{}) {
	t.handle.ResumeWithResponse(op, data)
}

// IsDone reports whether the body has finalised.
func (t *Task) IsDone() bool {
	return t.status != nil && t.status.done
}

// ReturnCode reads the finalised return code. Zero until finalisation.
func (t *Task) ReturnCode() uint64 {
	if t.status == nil {
		return 0
	}
	return t.status.retCode
}

// SetMetadata stores the driver's opaque cookie on the task.
func (t *Task) SetMetadata(md uint64) {
	t.handle.SetMetadata(md)
}

// Metadata reads the cookie back; false if never set.
func (t *Task) Metadata() (uint64, bool) {
	return t.handle.Metadata()
}

// Channel exposes the task's rendezvous channel.
func (t *Task) Channel() *emcom.Channel {
	return &t.handle.channel
}

// Await makes the calling task wait for this task to finalise and returns
// its return code. awaiter must be the handle of the task whose body is
// executing this call. If the task has not started it is started first; if
// it is already done the return code is delivered without suspension.
func (t *Task) Await(awaiter *Handle) uint64 {
	if t.handle == nil {
		log.Println("emtask: Await on a moved-from task")
		return 0
	}

	if !t.started {
		t.Start()
	}

	if t.IsDone() {
		return t.ReturnCode()
	}

	t.handle.awaiter = awaiter
	awaiter.Suspend()

	return t.ReturnCode()
}

// Move transfers frame ownership to a fresh Task, re-binding the status
// cell, and empties the receiver. A second Move of the same task returns an
// inert handle whose IsDone reports false forever.
func (t *Task) Move() *Task {
	nt := &Task{
		body:    t.body,
		handle:  t.handle,
		status:  t.status,
		started: t.started,
	}
	if nt.handle != nil {
		nt.handle.statusPtr = nt.status
	}

	t.handle = nil
	t.status = nil
	t.started = false

	return nt
}

// Drop releases the owner's interest in an unfinished task. The status cell
// is unparented so the (never-finalising) body cannot write through it, and
// any external observer keeps reading "not done". Dropping a finalised task
// is a no-op.
func (t *Task) Drop() {
	if t.handle != nil && t.status != nil && !t.status.done {
		t.handle.statusPtr = nil
	}
}

////////////////////////////////////////////////////////////////////////
// Handle
////////////////////////////////////////////////////////////////////////

// Resume wakes the body and blocks until the next suspension or
// finalisation. A fault trapped in the body re-panics here, at the driver
// boundary.
func (h *Handle) Resume() {
	h.resume()
	h.raiseFault()
}

// ResumeWithResponse publishes a response pack and resumes the body.
func (h *Handle) ResumeWithResponse(op emcom.Opcode, data interface{}) {
	h.channel.PublishResponse(op, data)
	h.Resume()
}

// resume performs the raw hand-off without fault propagation; the
// finaliser's awaiter chain uses it so a parent's fault surfaces at the
// parent's own driver.
func (h *Handle) resume() {
	h.resumeCh <- struct{}{}
	<-h.yieldCh
}

// Suspend yields control from the body back to the driver and blocks until
// resumed. Must only be called from within the body.
func (h *Handle) Suspend() {
	h.yieldCh <- struct{}{}
	<-h.resumeCh
}

// Channel exposes the rendezvous channel.
func (h *Handle) Channel() *emcom.Channel {
	return &h.channel
}

// SetMetadata stores the driver's opaque cookie.
func (h *Handle) SetMetadata(md uint64) {
	h.metadata = md
	h.hasMetadata = true
}

// Metadata reads the cookie back; false if never set.
func (h *Handle) Metadata() (uint64, bool) {
	if !h.hasMetadata {
		return 0, false
	}
	return h.metadata, true
}

// IsDone reports whether the body finalised, as observable through the
// status cell. False if the owner dropped the task before finalisation.
func (h *Handle) IsDone() bool {
	return h.statusPtr != nil && h.statusPtr.done
}

// SetPolling flags the handle as suspended inside a poll await; the event
// manager uses this to route shutdown notice to active pollers.
func (h *Handle) SetPolling(polling bool) {
	h.polling = polling
}

// Polling reports the poll flag.
func (h *Handle) Polling() bool {
	return h.polling
}

func (h *Handle) raiseFault() {
	if h.fault != nil {
		fault := h.fault
		h.fault = nil
		panic(fault)
	}
}
