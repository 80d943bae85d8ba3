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
	"sync"

	"github.com/aliabbas299792/event-manager/internal/uring"
)

// At most one kernel async work queue is spun up per process. The first
// manager's ring owns it; later managers attach their own rings to it via
// IORING_SETUP_ATTACH_WQ. Each manager still holds a private ring (its own
// submission/completion view), so per-manager ring access stays
// single-threaded.
var gRingState struct {
	mu          sync.Mutex
	sharedRingF int // ring fd of the first instance, -1 when none
	instances   int
}

func init() {
	gRingState.sharedRingF = -1
}

// acquireRing builds a ring for a new manager instance, attaching to the
// process-wide work queue when one exists.
func acquireRing(queueDepth uint32) (*uring.Ring, error) {
	gRingState.mu.Lock()
	defer gRingState.mu.Unlock()

	attachFd := -1
	if gRingState.sharedRingF != -1 && gRingState.instances > 0 {
		attachFd = gRingState.sharedRingF
	}

	ring, err := uring.New(queueDepth, attachFd)
	if err != nil {
		return nil, err
	}

	if attachFd == -1 {
		gRingState.sharedRingF = ring.FD()
	}
	gRingState.instances++

	return ring, nil
}

// releaseRing tears down one instance's ring and drops the shared-instance
// refcount; the work queue owner slot clears when the last instance exits.
func releaseRing(ring *uring.Ring) {
	gRingState.mu.Lock()
	defer gRingState.mu.Unlock()

	ring.Close()

	gRingState.instances--
	if gRingState.instances == 0 {
		gRingState.sharedRingF = -1
	}
}
