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

// Package emcom defines the opcode taxonomy shared by tasks and the event
// manager: per-operation parameter packs, per-operation response packs, and
// the single-slot rendezvous channel they travel through.
package emcom

import "fmt"

// Opcode identifies one kind of kernel operation the runtime can issue.
type Opcode int

const (
	OpRead Opcode = iota
	OpWrite
	OpClose
	OpShutdown
	OpReadv
	OpWritev
	OpAccept
	OpConnect
	OpOpenat
	OpStatx
	OpUnlinkat
	OpRenameat

	// OpEvent is a read on an event fd; the runtime uses it both for
	// user-visible event signalling and for its internal kill pathway.
	OpEvent
)

func (op Opcode) String() string {
	switch op {
	case OpRead:
		return "Read"
	case OpWrite:
		return "Write"
	case OpClose:
		return "Close"
	case OpShutdown:
		return "Shutdown"
	case OpReadv:
		return "Readv"
	case OpWritev:
		return "Writev"
	case OpAccept:
		return "Accept"
	case OpConnect:
		return "Connect"
	case OpOpenat:
		return "Openat"
	case OpStatx:
		return "Statx"
	case OpUnlinkat:
		return "Unlinkat"
	case OpRenameat:
		return "Renameat"
	case OpEvent:
		return "Event"
	default:
		return fmt.Sprintf("Opcode(%d)", int(op))
	}
}
