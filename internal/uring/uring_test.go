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
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"
)

// The kernel ABI fixes these layouts; a drifting struct corrupts the ring.
func TestABISizes(t *testing.T) {
	if got := unsafe.Sizeof(SQE{}); got != 64 {
		t.Fatalf("SQE is %d bytes, want 64", got)
	}
	if got := unsafe.Sizeof(CQE{}); got != 16 {
		t.Fatalf("CQE is %d bytes, want 16", got)
	}
	if got := unsafe.Sizeof(Params{}); got != 120 {
		t.Fatalf("Params is %d bytes, want 120", got)
	}
}

func newTestRing(t *testing.T, entries uint32) *Ring {
	t.Helper()

	r, err := New(entries, -1)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	t.Cleanup(func() { r.Close() })

	return r
}

func TestNopRoundTrip(t *testing.T) {
	r := newTestRing(t, 4)

	sqe := r.GetSQE()
	if sqe == nil {
		t.Fatal("GetSQE returned nil on an empty ring")
	}
	PrepNop(sqe)
	sqe.SetUserData(42)

	n, err := r.Submit()
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if n != 1 {
		t.Fatalf("Submit accepted %d entries, want 1", n)
	}

	cqe, err := r.WaitCQE()
	if err != nil {
		t.Fatalf("WaitCQE: %v", err)
	}
	if cqe.UserData != 42 {
		t.Errorf("UserData = %d, want 42", cqe.UserData)
	}
	if cqe.Res != 0 {
		t.Errorf("Res = %d, want 0", cqe.Res)
	}
	r.Seen()
}

func TestSubmissionQueueFills(t *testing.T) {
	r := newTestRing(t, 2)
	depth := r.SQEntries()

	var got uint32
	for {
		sqe := r.GetSQE()
		if sqe == nil {
			break
		}
		PrepNop(sqe)
		got++
		if got > depth {
			t.Fatalf("acquired %d entries from a depth-%d ring", got, depth)
		}
	}

	if got != depth {
		t.Fatalf("acquired %d entries before exhaustion, want %d", got, depth)
	}

	// Draining the ring frees the slots again.
	if _, err := r.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	for i := uint32(0); i < depth; i++ {
		if _, err := r.WaitCQE(); err != nil {
			t.Fatalf("WaitCQE: %v", err)
		}
		r.Seen()
	}

	if r.GetSQE() == nil {
		t.Error("GetSQE still nil after draining completions")
	}
}

func TestReadPrepRoundTrip(t *testing.T) {
	r := newTestRing(t, 4)

	fds := make([]int, 2)
	if err := unix.Pipe(fds); err != nil {
		t.Fatalf("pipe: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := []byte("ring")
	if _, err := unix.Write(fds[1], payload); err != nil {
		t.Fatalf("write: %v", err)
	}

	buf := make([]byte, 16)
	sqe := r.GetSQE()
	PrepRead(sqe, fds[0], buf)
	sqe.SetUserData(7)

	if _, err := r.Submit(); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	cqe, err := r.WaitCQE()
	if err != nil {
		t.Fatalf("WaitCQE: %v", err)
	}
	defer r.Seen()

	if cqe.Res != int32(len(payload)) {
		t.Fatalf("Res = %d, want %d", cqe.Res, len(payload))
	}
	if string(buf[:cqe.Res]) != "ring" {
		t.Errorf("read %q, want %q", buf[:cqe.Res], "ring")
	}
}
