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

import "errors"

// Internal error taxonomy. Kernel-level failures are carried separately as
// unix.Errno values, either returned from Await when the submit call itself
// fails or stored in the response pack's errno slot when the operation
// completes with a negative result.
var (
	// ErrSubmissionQueueFull means no submission slot could be reserved.
	// The driver never blocks waiting for one; await an in-flight
	// completion and retry.
	ErrSubmissionQueueFull = errors.New("submission queue full")

	// ErrRingNotInitialised means the manager's ring is gone or was never
	// set up.
	ErrRingNotInitialised = errors.New("ring not initialised")

	// ErrManagerDyingOrDead rejects submissions once the manager has
	// passed LIVING.
	ErrManagerDyingOrDead = errors.New("event manager is dying or dead")

	// ErrZeroByteRead rejects zero-length reads.
	ErrZeroByteRead = errors.New("reads of zero bytes not allowed")

	// ErrPfdDoubleClose rejects a second close of the same pfd.
	ErrPfdDoubleClose = errors.New("trying to close pfd multiple times")

	// ErrChannelFailure means the expected response pack was not in the
	// task's channel on resume.
	ErrChannelFailure = errors.New("communication channel failure")

	// ErrInvalidPfd means the pseudo-descriptor is out of range or freed.
	ErrInvalidPfd = errors.New("invalid pfd")
)
