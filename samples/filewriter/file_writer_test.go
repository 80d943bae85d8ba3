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

package filewriter_test

import (
	"os"
	"path"
	"testing"

	"github.com/aliabbas299792/event-manager/emtask"
	"github.com/aliabbas299792/event-manager/emtesting"
	"github.com/aliabbas299792/event-manager/samples/filewriter"
)

func TestWriteAll(t *testing.T) {
	ev := emtesting.RequireRing(t)
	dir := t.TempDir()

	files := []filewriter.File{
		{
			Name:   "a.txt",
			Chunks: [][]byte{[]byte("lorem "), []byte("ipsum")},
		},
		{
			Name:   "b.txt",
			Chunks: [][]byte{[]byte("dolor sit amet")},
		},
	}

	var writeErr error
	task := emtask.New(func(h *emtask.Handle) uint64 {
		defer ev.Kill()
		writeErr = filewriter.WriteAll(ev, h, dir, files)
		if writeErr != nil {
			return 1
		}
		return 0
	})

	ev.RegisterCoro(task)
	ev.Start()

	if writeErr != nil {
		t.Fatalf("WriteAll: %v", writeErr)
	}
	if !task.IsDone() || task.ReturnCode() != 0 {
		t.Fatal("writer task did not finish cleanly")
	}

	want := map[string]string{
		"a.txt": "lorem ipsum",
		"b.txt": "dolor sit amet",
	}
	for name, contents := range want {
		got, err := os.ReadFile(path.Join(dir, name))
		if err != nil {
			t.Errorf("reading %q: %v", name, err)
			continue
		}
		if string(got) != contents {
			t.Errorf("%q contains %q, want %q", name, got, contents)
		}

		// The partial name must be gone after the rename.
		if _, err := os.Stat(path.Join(dir, name+".partial")); !os.IsNotExist(err) {
			t.Errorf("%q.partial still exists", name)
		}
	}
}
