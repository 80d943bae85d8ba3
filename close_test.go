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
	"testing"

	"golang.org/x/sys/unix"
)

// newRingManager builds a full manager against a real kernel ring, or
// skips the test where io_uring is unavailable.
func newRingManager(t *testing.T) *EventManager {
	t.Helper()

	ev, err := New(Config{QueueDepth: 16})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}

	t.Cleanup(func() {
		if ev.lifeState == Dead {
			return
		}
		ev.Kill()
		for ev.lifeState != Dead {
			ev.awaitSingleMessage()
		}
	})

	return ev
}

// Graceful close of a network pfd issues, in order, shutdown, a drain read
// that returns zero bytes, then close.
func TestGracefulCloseSequence(t *testing.T) {
	ev := newRingManager(t)

	fdPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	fds := fdPair[:]
	defer unix.Close(fds[1])

	pfd := ev.PassFDToEventManager(fds[0], true)
	ev.lifeState = Living

	if err := ev.ClosePfd(pfd); err != nil {
		t.Fatalf("ClosePfd: %v", err)
	}

	// Step 1: the shutdown completes and the drain read goes out.
	ev.awaitSingleMessage()
	if !ev.pfdTable[pfd].shutdownDone {
		t.Fatal("shutdown did not complete first")
	}
	if ev.pfdTable[pfd].lastReadZero {
		t.Fatal("drain read finished before the shutdown completion")
	}
	if !ev.pfdTable[pfd].readZeroCheckInitiated {
		t.Fatal("drain read was not issued after shutdown")
	}

	// Step 2: the drain read returns zero bytes and the close goes out.
	ev.awaitSingleMessage()
	if !ev.pfdTable[pfd].lastReadZero {
		t.Fatal("drain read did not observe EOF")
	}
	if !ev.pfdTable[pfd].isBeingFreed {
		t.Fatal("close was not issued after the zero-byte read")
	}

	// Step 3: the close completes and the slot is released.
	ev.awaitSingleMessage()
	if ev.pfdValid(pfd) {
		t.Fatal("pfd slot not released after close completion")
	}

	// The peer observes EOF.
	buf := make([]byte, 1)
	n, err := unix.Read(fds[1], buf)
	if err != nil || n != 0 {
		t.Errorf("peer read = (%d, %v), want EOF", n, err)
	}
}

func TestClosePfdRejectsDuplicates(t *testing.T) {
	ev := newRingManager(t)

	fdPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	fds := fdPair[:]
	defer unix.Close(fds[1])

	pfd := ev.PassFDToEventManager(fds[0], true)
	ev.lifeState = Living

	if err := ev.ClosePfd(pfd); err != nil {
		t.Fatalf("ClosePfd: %v", err)
	}
	if err := ev.ClosePfd(pfd); err != ErrPfdDoubleClose {
		t.Fatalf("second ClosePfd = %v, want ErrPfdDoubleClose", err)
	}
}

// The submission-queue-full policy: an awaitable born without a slot
// resolves synchronously and nothing reaches the kernel.
func TestSubmissionQueueFullSynchronous(t *testing.T) {
	ev := newRingManager(t)
	ev.lifeState = Living

	fdPair, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	fds := fdPair[:]
	defer unix.Close(fds[1])

	pfd := ev.PassFDToEventManager(fds[0], true)

	// Exhaust the submission queue without submitting.
	for ev.ring.GetSQE() != nil {
	}

	inflightBefore := len(ev.inflight)
	a := ev.Read(pfd, make([]byte, 4))
	if a.err != ErrSubmissionQueueFull {
		t.Fatalf("constructor error = %v, want ErrSubmissionQueueFull", a.err)
	}
	if got := ev.pfdTable[pfd].submittedReqs; got != 0 {
		t.Errorf("submittedReqs = %d, want 0 (no kernel call issued)", got)
	}
	if len(ev.inflight) != inflightBefore {
		t.Errorf("a RequestData leaked into the in-flight table")
	}

	// Await surfaces the error synchronously; no suspension, no driver.
	if _, err := a.Await(nil); err != ErrSubmissionQueueFull {
		t.Fatalf("Await = %v, want ErrSubmissionQueueFull", err)
	}
}
