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

	"github.com/jacobsa/reqtrace"
)

// startOpSpan opens a reqtrace span for an operation about to be
// submitted, if tracing is enabled.
func (ev *EventManager) startOpSpan(rd *requestData) {
	if !reqtrace.Enabled() {
		return
	}

	_, rd.report = reqtrace.StartSpan(ev.opContext, rd.op.String())
}

// finishSpan closes the span, if any, with the supplied error.
func (rd *requestData) finishSpan(err error) {
	if rd.report != nil {
		rd.report(err)
		rd.report = nil
	}
}

// finishSpanFromRes closes the span with the errno implied by a kernel
// result code.
func (rd *requestData) finishSpanFromRes(res int32) {
	if rd.report == nil {
		return
	}

	var err error
	if res < 0 {
		err = unix.Errno(-res)
	}
	rd.finishSpan(err)
}
