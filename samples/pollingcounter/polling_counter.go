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

// Package pollingcounter demonstrates the fire-and-forget operations and
// the poll await: a task keeps rewriting a counter line to a file without
// ever awaiting an individual write, observing the completions through its
// poll handler instead.
package pollingcounter

import (
	"fmt"

	eventmanager "github.com/aliabbas299792/event-manager"
	"github.com/aliabbas299792/event-manager/emcom"
	"github.com/aliabbas299792/event-manager/emtask"
)

// Run bumps the counter file rounds times from within a task, then stops
// polling. It returns the number of write completions observed.
func Run(ev *eventmanager.EventManager, h *emtask.Handle, pfd int, rounds int) (int, error) {
	counter := 0
	writes := 0

	if err := ev.WriteNA(h, pfd, line(counter)); err != nil {
		return 0, err
	}

	err := ev.Poll(h, func(ev *eventmanager.EventManager, op emcom.Opcode, ch *emcom.Channel) eventmanager.PollState {
		if op != emcom.OpWrite {
			return eventmanager.ContinuePolling
		}

		resp, ok := emcom.ConsumeResponseAs[emcom.WriteResponse](ch, op)
		if !ok || resp.Errno != 0 {
			return eventmanager.StopPolling
		}
		writes++

		counter++
		if counter >= rounds {
			return eventmanager.StopPolling
		}

		if err := ev.WriteNA(h, pfd, line(counter)); err != nil {
			return eventmanager.StopPolling
		}
		return eventmanager.ContinuePolling
	})
	if err != nil {
		return writes, err
	}

	return writes, nil
}

func line(counter int) []byte {
	return []byte(fmt.Sprintf("counter is: %d\n", counter))
}
