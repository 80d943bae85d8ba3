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

package emtask

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aliabbas299792/event-manager/emcom"
)

func TestImmediateReturn(t *testing.T) {
	task := New(func(h *Handle) uint64 { return 17 })

	ch := task.Start()
	assert.Nil(t, ch, "a body that finalises immediately has no channel to return")
	assert.True(t, task.IsDone())
	assert.Equal(t, uint64(17), task.ReturnCode())
}

func TestStartTwiceIsRecoverable(t *testing.T) {
	task := New(func(h *Handle) uint64 { return 0 })

	task.Start()
	assert.Nil(t, task.Start())
	assert.True(t, task.IsDone())
}

func TestRequestResponseRoundTrip(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		h.Channel().PublishRequest(emcom.OpWrite, emcom.WriteRequest{PFD: 7, Buffer: make([]byte, 3)})
		h.Suspend()

		resp, ok := emcom.ConsumeResponseAs[emcom.WriteResponse](h.Channel(), emcom.OpWrite)
		if !ok {
			return 0
		}
		return uint64(resp.BytesWritten)
	})

	ch := task.Start()
	require.NotNil(t, ch)
	assert.False(t, task.IsDone())

	// The driver sees the request the body published before suspending.
	req, ok := emcom.ConsumeRequestAs[emcom.WriteRequest](ch, emcom.OpWrite)
	require.True(t, ok)
	assert.Equal(t, 7, req.PFD)

	task.ResumeWithResponse(emcom.OpWrite, emcom.WriteResponse{BytesWritten: 3})
	assert.True(t, task.IsDone())
	assert.Equal(t, uint64(3), task.ReturnCode())
}

// Nested awaits: A returns 2; B awaits A; C awaits B. Running C yields 2.
func TestNestedAwaits(t *testing.T) {
	taskA := New(func(h *Handle) uint64 { return 2 })
	taskB := New(func(h *Handle) uint64 { return taskA.Await(h) })
	taskC := New(func(h *Handle) uint64 { return taskB.Await(h) })

	taskC.Start()

	assert.True(t, taskC.IsDone())
	assert.Equal(t, uint64(2), taskC.ReturnCode())
	assert.True(t, taskB.IsDone())
	assert.True(t, taskA.IsDone())
}

// An awaiter attaching to a suspended task is resumed exactly once, on
// finalisation.
func TestAwaitSuspendedChild(t *testing.T) {
	child := New(func(h *Handle) uint64 {
		h.Suspend()
		return 9
	})

	parentResumes := 0
	parent := New(func(h *Handle) uint64 {
		code := child.Await(h)
		parentResumes++
		return code
	})

	parent.Start()
	assert.False(t, parent.IsDone(), "parent must block on the suspended child")

	// Drive the child to completion; finalisation resumes the parent.
	child.Resume()

	assert.True(t, parent.IsDone())
	assert.Equal(t, uint64(9), parent.ReturnCode())
	assert.Equal(t, 1, parentResumes)
}

func TestAwaitFinishedChild(t *testing.T) {
	child := New(func(h *Handle) uint64 { return 5 })
	child.Start()
	require.True(t, child.IsDone())

	parent := New(func(h *Handle) uint64 { return child.Await(h) })
	parent.Start()

	assert.True(t, parent.IsDone())
	assert.Equal(t, uint64(5), parent.ReturnCode())
}

func TestFaultSurfacesAtDriverBoundary(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		panic("boom")
	})

	defer func() {
		r := recover()
		require.NotNil(t, r, "the trapped fault must re-raise from Start")
		assert.Equal(t, "boom", r)
		assert.True(t, task.IsDone())
	}()

	task.Start()
	t.Fatal("Start should have panicked")
}

func TestFaultAfterSuspension(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		h.Suspend()
		panic("late boom")
	})

	task.Start()

	defer func() {
		r := recover()
		require.NotNil(t, r)
		assert.Equal(t, "late boom", r)
	}()

	task.Resume()
	t.Fatal("Resume should have panicked")
}

func TestMetadataCookie(t *testing.T) {
	task := New(func(h *Handle) uint64 { return 0 })

	_, ok := task.Metadata()
	assert.False(t, ok)

	task.SetMetadata(41)
	md, ok := task.Metadata()
	require.True(t, ok)
	assert.Equal(t, uint64(41), md)
}

func TestMoveRebindsStatusCell(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		h.Suspend()
		return 3
	})
	task.Start()

	moved := task.Move()
	assert.False(t, task.IsDone(), "the moved-from handle is inert")

	moved.Resume()
	assert.True(t, moved.IsDone())
	assert.Equal(t, uint64(3), moved.ReturnCode())

	// The resume key survived the move.
	assert.True(t, moved.Handle().IsDone())
}

func TestDropUnparentsStatusCell(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		h.Suspend()
		return 1
	})
	task.Start()

	h := task.Handle()
	task.Drop()

	// The body can still be driven to completion, but the dropped owner's
	// view stays "not done".
	h.Resume()
	assert.False(t, h.IsDone())
	assert.False(t, task.IsDone())
}

func TestExternalObserverSeesReturnCode(t *testing.T) {
	task := New(func(h *Handle) uint64 {
		h.Suspend()
		return 77
	})

	task.Start()
	observer := task // attaches before finalisation

	task.Resume()
	assert.True(t, observer.IsDone())
	assert.Equal(t, uint64(77), observer.ReturnCode())
}
