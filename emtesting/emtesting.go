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

// Package emtesting contains helpers for tests and examples that drive the
// event manager against real sockets and files.
package emtesting

import (
	"fmt"
	"net"
	"testing"
	"unsafe"

	"golang.org/x/sys/unix"

	eventmanager "github.com/aliabbas299792/event-manager"
)

// SetupListener binds a TCP listener on 127.0.0.1 on an ephemeral port,
// registers it with the manager, and returns the pfd plus the bound port.
func SetupListener(ev *eventmanager.EventManager) (pfd int, port int, err error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
	if err != nil {
		return -1, 0, fmt.Errorf("socket: %w", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("SO_REUSEADDR: %w", err)
	}

	sa := &unix.SockaddrInet4{Addr: [4]byte{127, 0, 0, 1}}
	if err := unix.Bind(fd, sa); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("bind: %w", err)
	}

	if err := unix.Listen(fd, 10); err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("listen: %w", err)
	}

	bound, err := unix.Getsockname(fd)
	if err != nil {
		unix.Close(fd)
		return -1, 0, fmt.Errorf("getsockname: %w", err)
	}

	return ev.PassFDToEventManager(fd, true), bound.(*unix.SockaddrInet4).Port, nil
}

// DialLocal connects a plain blocking client socket to 127.0.0.1:port.
func DialLocal(port int) (net.Conn, error) {
	return net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
}

// DialableListener binds a plain net.Listener on an ephemeral local port,
// for tests that drive the manager's Connect path against it.
func DialableListener() (net.Listener, error) {
	return net.Listen("tcp", "127.0.0.1:0")
}

// RawSockaddrInet4 packs an IPv4 address for the Connect awaitable.
func RawSockaddrInet4(ip [4]byte, port int) (unix.RawSockaddrAny, uint32) {
	sa := unix.RawSockaddrInet4{
		Family: unix.AF_INET,
		Addr:   ip,
	}
	// sin_port is big-endian.
	p := (*[2]byte)(unsafe.Pointer(&sa.Port))
	p[0] = byte(port >> 8)
	p[1] = byte(port)

	var out unix.RawSockaddrAny
	*(*unix.RawSockaddrInet4)(unsafe.Pointer(&out)) = sa

	return out, uint32(unsafe.Sizeof(sa))
}

// RequireRing skips the test when the kernel refuses io_uring, which many
// sandboxes do.
func RequireRing(t *testing.T) *eventmanager.EventManager {
	t.Helper()

	ev, err := eventmanager.New(eventmanager.Config{QueueDepth: 16})
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}

	return ev
}
