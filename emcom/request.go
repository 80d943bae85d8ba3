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

// Parameter packs, one per opcode. PFD fields always name pseudo-descriptors
// issued by the event manager, never raw kernel descriptors. The Cookie is
// an opaque 64-bit value echoed back in the matching response pack.

type ReadRequest struct {
	PFD    int
	Buffer []byte
	Cookie uint64
}

type WriteRequest struct {
	PFD    int
	Buffer []byte
	Cookie uint64
}

type CloseRequest struct {
	PFD    int
	Cookie uint64
}

type ShutdownRequest struct {
	PFD    int
	How    int
	Cookie uint64
}

type ReadvRequest struct {
	PFD     int
	Buffers [][]byte
	Cookie  uint64
}

type WritevRequest struct {
	PFD     int
	Buffers [][]byte
	Cookie  uint64
}

type AcceptRequest struct {
	ListenerPFD int
	Cookie      uint64
}

type ConnectRequest struct {
	PFD     int
	Addr    unix.RawSockaddrAny
	AddrLen uint32
	Cookie  uint64
}

type OpenatRequest struct {
	DirFD  int
	Path   string
	Flags  int
	Mode   uint32
	Cookie uint64
}

type StatxRequest struct {
	DirFD  int
	Path   string
	Flags  int
	Mask   uint32
	Cookie uint64
}

type UnlinkatRequest struct {
	DirFD  int
	Path   string
	Flags  int
	Cookie uint64
}

type RenameatRequest struct {
	OldDirFD int
	OldPath  string
	NewDirFD int
	NewPath  string
	Flags    int
	Cookie   uint64
}

type EventRequest struct {
	PFD    int
	Cookie uint64
}

// Request pairs an opcode with its parameter pack for transport through a
// Channel or a request queue.
type Request struct {
	Op   Opcode
	Data interface{}
}
