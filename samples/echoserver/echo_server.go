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

// Package echoserver is a sample TCP echo server built on the event
// manager: one task accepts connections in a loop and spawns a per-
// connection echo task for each.
package echoserver

import (
	"golang.org/x/sys/unix"

	eventmanager "github.com/aliabbas299792/event-manager"
	"github.com/aliabbas299792/event-manager/emtask"
)

const readSize = 4096

// EchoServer echoes every byte a client sends until the client shuts its
// write side, then closes the connection gracefully.
type EchoServer struct {
	ev          *eventmanager.EventManager
	listenerPfd int

	// ConnectionsServed counts connections whose echo task ran to
	// completion.
	ConnectionsServed int
}

func New(ev *eventmanager.EventManager, listenerPfd int) *EchoServer {
	return &EchoServer{ev: ev, listenerPfd: listenerPfd}
}

// AcceptLoop returns the task that accepts connections until the manager
// shuts down. Register it before starting the manager.
func (s *EchoServer) AcceptLoop() *emtask.Task {
	return emtask.New(func(h *emtask.Handle) uint64 {
		for {
			resp, err := s.ev.Accept(s.listenerPfd).Await(h)
			if err != nil {
				// Past LIVING or out of submission slots; stop listening.
				return 1
			}
			if resp.Errno != 0 {
				// ECANCELED here is the normal shutdown outcome.
				if resp.Errno == int(unix.ECANCELED) {
					return 0
				}
				continue
			}

			s.ev.RegisterCoro(s.echoTask(resp.PFD))
		}
	})
}

func (s *EchoServer) echoTask(connPfd int) *emtask.Task {
	return emtask.New(func(h *emtask.Handle) uint64 {
		buf := make([]byte, readSize)

		for {
			rresp, err := s.ev.Read(connPfd, buf).Await(h)
			if err != nil || rresp.Errno != 0 {
				s.ev.ClosePfd(connPfd)
				return 1
			}
			if rresp.BytesRead == 0 {
				// The peer is done sending.
				break
			}

			wresp, err := s.ev.Write(connPfd, buf[:rresp.BytesRead]).Await(h)
			if err != nil || wresp.Errno != 0 {
				s.ev.ClosePfd(connPfd)
				return 1
			}
		}

		s.ev.ClosePfd(connPfd)
		s.ConnectionsServed++
		return 0
	})
}
