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

// Package eventmanager is an asynchronous I/O runtime that couples
// suspendable tasks (see package emtask) to a kernel io_uring completion
// ring. User code runs as tasks that issue read, write, scatter/gather,
// accept, connect, close, shutdown, openat, statx, unlinkat, renameat and
// event-fd operations and await their kernel completions; the EventManager
// owns the ring, routes each completion back to the task that issued it,
// and coordinates a multi-phase shutdown that cancels everything still in
// flight.
//
// File descriptors never leak to user code in raw form. The manager issues
// pseudo-descriptors (pfds) that wrap the kernel descriptor together with a
// generation counter, so completions for a recycled descriptor slot can be
// detected as stale and discarded.
//
// The runtime is single-threaded and cooperative: one EventManager drives
// one completion loop, tasks suspend only at explicit await points, and the
// loop thread blocks between completions. Multiple managers may run on
// separate goroutines sharing one kernel ring's async work queue.
package eventmanager
