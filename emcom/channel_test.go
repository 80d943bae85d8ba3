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

package emcom

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConsumeClearsRequestSlot(t *testing.T) {
	var c Channel

	c.PublishRequest(OpWrite, WriteRequest{PFD: 7, Buffer: make([]byte, 3)})

	// A mismatched opcode yields nothing and leaves the slot alone.
	_, ok := c.ConsumeRequest(OpRead)
	assert.False(t, ok)

	data, ok := c.ConsumeRequest(OpWrite)
	require.True(t, ok)
	req := data.(WriteRequest)
	assert.Equal(t, 7, req.PFD)
	assert.Len(t, req.Buffer, 3)

	// Consuming cleared the slot.
	_, ok = c.ConsumeRequest(OpWrite)
	assert.False(t, ok)
}

func TestConsumeClearsResponseSlot(t *testing.T) {
	var c Channel

	c.PublishResponse(OpRead, ReadResponse{BytesRead: 5})

	_, ok := c.ConsumeResponse(OpWrite)
	assert.False(t, ok)

	data, ok := c.ConsumeResponse(OpRead)
	require.True(t, ok)
	assert.Equal(t, 5, data.(ReadResponse).BytesRead)

	_, ok = c.ConsumeResponse(OpRead)
	assert.False(t, ok)
}

func TestPublishOverwrites(t *testing.T) {
	var c Channel

	c.PublishRequest(OpRead, ReadRequest{PFD: 1})
	c.PublishRequest(OpClose, CloseRequest{PFD: 2})

	_, ok := c.ConsumeRequest(OpRead)
	assert.False(t, ok, "overwritten request must be gone")

	data, ok := c.ConsumeRequest(OpClose)
	require.True(t, ok)
	assert.Equal(t, 2, data.(CloseRequest).PFD)
}

func TestOpcodePeek(t *testing.T) {
	var c Channel

	_, ok := c.RequestOpcode()
	assert.False(t, ok)

	c.PublishRequest(OpAccept, AcceptRequest{ListenerPFD: 3})

	op, ok := c.RequestOpcode()
	require.True(t, ok)
	assert.Equal(t, OpAccept, op)

	// Peeking does not consume.
	_, ok = c.ConsumeRequest(OpAccept)
	assert.True(t, ok)
}

func TestMismatchLeavesResponseInPlace(t *testing.T) {
	var c Channel

	c.PublishResponse(OpWrite, WriteResponse{BytesWritten: 9})

	// A run of wrong-opcode consumes must not disturb the slot.
	for _, op := range []Opcode{OpRead, OpClose, OpStatx} {
		_, ok := c.ConsumeResponse(op)
		assert.False(t, ok)
	}

	resp, ok := ConsumeResponseAs[WriteResponse](&c, OpWrite)
	require.True(t, ok)
	assert.Equal(t, 9, resp.BytesWritten)
}

func TestTypedConsumeHelpers(t *testing.T) {
	var c Channel

	c.PublishResponse(OpStatx, StatxResponse{})
	_, ok := ConsumeResponseAs[ReadResponse](&c, OpStatx)
	assert.False(t, ok, "wrong pack type under a matching opcode")

	c.PublishRequest(OpRenameat, RenameatRequest{OldPath: "a", NewPath: "b"})
	req, ok := ConsumeRequestAs[RenameatRequest](&c, OpRenameat)
	require.True(t, ok)
	assert.Equal(t, "a", req.OldPath)
	assert.Equal(t, "b", req.NewPath)
}

func TestGenericResponseErr(t *testing.T) {
	assert.NoError(t, GenericResponse{}.Err())
	assert.Error(t, GenericResponse{Errno: 104}.Err())
}
