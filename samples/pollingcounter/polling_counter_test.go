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

package pollingcounter_test

import (
	"os"
	"path"
	"strings"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/emtesting"
	"github.com/aliabbas299792/event-manager/samples/pollingcounter"
)

func TestRun(t *testing.T) {
	ev := emtesting.RequireRing(t)
	dir := t.TempDir()
	name := path.Join(dir, "counter.txt")

	pfd, err := ev.OpenGetPfd(name, unix.O_RDWR|unix.O_CREAT, 0644)
	if err != nil {
		t.Fatalf("OpenGetPfd: %v", err)
	}

	const rounds = 4
	var writes int
	var runErr error

	task := emtask.New(func(h *emtask.Handle) uint64 {
		defer ev.Kill()
		writes, runErr = pollingcounter.Run(ev, h, pfd, rounds)
		if runErr != nil {
			return 1
		}
		return 0
	})

	ev.RegisterCoro(task)
	ev.Start()

	if runErr != nil {
		t.Fatalf("Run: %v", runErr)
	}
	if writes != rounds {
		t.Errorf("observed %d write completions, want %d", writes, rounds)
	}

	// Every write landed at offset zero; the file holds the last line.
	got, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.HasPrefix(string(got), "counter is: 3\n") {
		t.Errorf("file contains %q, want a final counter of 3", got)
	}
}
