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

import "golang.org/x/sys/unix"

// GenericResponse carries the fields every completion delivers: the
// operation's errno (0 on success, the positive errno when the kernel
// reported a negative result) and the submission's cookie.
type GenericResponse struct {
	Errno  int
	Cookie uint64
}

// Err converts the errno slot to an error, or nil on success.
func (g GenericResponse) Err() error {
	if g.Errno == 0 {
		return nil
	}
	return unix.Errno(g.Errno)
}

type ReadResponse struct {
	GenericResponse
	BytesRead int
	Buffer    []byte
}

type WriteResponse struct {
	GenericResponse
	BytesWritten int
}

type CloseResponse struct {
	GenericResponse
}

type ShutdownResponse struct {
	GenericResponse
}

type ReadvResponse struct {
	GenericResponse
	BytesRead int
	Buffers   [][]byte
}

type WritevResponse struct {
	GenericResponse
	BytesWritten int
	Buffers      [][]byte
}

// AcceptResponse reports the pseudo-descriptor allocated for the accepted
// connection, never the raw kernel descriptor.
type AcceptResponse struct {
	GenericResponse
	PFD     int
	Addr    unix.RawSockaddrAny
	AddrLen uint32
}

type ConnectResponse struct {
	GenericResponse
}

// OpenatResponse reports the pseudo-descriptor allocated for the opened
// file.
type OpenatResponse struct {
	GenericResponse
	PFD int
}

type StatxResponse struct {
	GenericResponse
	Statx unix.Statx_t
}

type UnlinkatResponse struct {
	GenericResponse
}

type RenameatResponse struct {
	GenericResponse
}

// EventResponse delivers the 8-byte counter read from an event fd.
// Terminal is set when the event manager ends an active poll during
// shutdown; no further responses follow it.
type EventResponse struct {
	GenericResponse
	Value    uint64
	Terminal bool
}

// Response pairs an opcode with its response pack.
type Response struct {
	Op   Opcode
	Data interface{}
}
