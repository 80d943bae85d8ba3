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
	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/internal/uring"
)

// PollState is a poll handler's verdict after each completion.
type PollState int

const (
	ContinuePolling PollState = iota
	StopPolling
)

// PollHandler is invoked inside the polling task's resume context with the
// opcode of the completion just delivered; the matching response pack is
// consumed from the channel.
type PollHandler func(ev *EventManager, op emcom.Opcode, ch *emcom.Channel) PollState

// Poll registers h's task as a multi-response consumer: fire-and-forget
// responses are delivered to the handler until it returns StopPolling.
// During shutdown the manager ends any active poll by running the handler
// once with a terminal event response and then letting Poll return.
func (ev *EventManager) Poll(h *emtask.Handle, handler PollHandler) error {
	if ev.isDyingOrDead() {
		return ErrManagerDyingOrDead
	}

	h.SetPolling(true)
	defer h.SetPolling(false)

	for {
		h.Suspend()

		op, ok := h.Channel().ResponseOpcode()
		if !ok {
			// Resumed with nothing to consume; keep waiting.
			continue
		}

		state := handler(ev, op, h.Channel())
		if state == StopPolling || ev.isDyingOrDead() {
			return nil
		}
	}
}

// submitNoAwait performs the shared fire-and-forget submission path: the
// response, if any, is routed to h only while it sits inside a Poll.
func (ev *EventManager) submitNoAwait(h *emtask.Handle, rd *requestData, prep func(*uring.SQE)) error {
	a := ev.newAwaitable(rd, prep)
	if a.err != nil {
		return a.err
	}

	rd.task = h
	rd.noAwait = true
	rd.submittedAt = ev.clock.Now()
	ev.startOpSpan(rd)

	a.prep(a.sqe)
	tag := ev.trackInflight(rd)
	a.sqe.SetUserData(tag)

	if _, err := ev.ring.Submit(); err != nil {
		ev.dropInflight(tag)
		if rd.pfd >= 0 {
			ev.pfdTable[rd.pfd].submittedReqs--
		}
		rd.finishSpan(err)
		return err
	}

	return nil
}

// ReadNA submits a read with no await point. The response is observable
// only through Poll.
func (ev *EventManager) ReadNA(h *emtask.Handle, pfd int, buf []byte) error {
	if len(buf) == 0 {
		return ErrZeroByteRead
	}

	rd := &requestData{op: emcom.OpRead, pfd: pfd, buffer: buf}
	fd := ev.fdFor(pfd)
	return ev.submitNoAwait(h, rd, func(sqe *uring.SQE) {
		uring.PrepRead(sqe, fd, buf)
	})
}

// WriteNA submits a write with no await point.
func (ev *EventManager) WriteNA(h *emtask.Handle, pfd int, buf []byte) error {
	rd := &requestData{op: emcom.OpWrite, pfd: pfd, buffer: buf}
	fd := ev.fdFor(pfd)
	return ev.submitNoAwait(h, rd, func(sqe *uring.SQE) {
		uring.PrepWrite(sqe, fd, buf)
	})
}

// CloseNA submits a close with no await point. The pfd slot is released
// when the completion arrives.
func (ev *EventManager) CloseNA(h *emtask.Handle, pfd int) error {
	rd := &requestData{op: emcom.OpClose, pfd: pfd}
	fd := ev.fdFor(pfd)
	return ev.submitNoAwait(h, rd, func(sqe *uring.SQE) {
		uring.PrepClose(sqe, fd)
	})
}
