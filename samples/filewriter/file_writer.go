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

// Package filewriter is a sample batch file writer: it preallocates each
// output file, gathers its chunks with one writev, verifies the size with
// statx, and moves the finished file into place with renameat.
package filewriter

import (
	"fmt"
	"os"
	"path"

	"github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"

	eventmanager "github.com/aliabbas299792/event-manager"
	"github.com/aliabbas299792/event-manager/emtask"
)

// File is one output: a final name and the chunks to gather-write.
type File struct {
	Name   string
	Chunks [][]byte
}

func (f *File) size() uint64 {
	var n uint64
	for _, c := range f.Chunks {
		n += uint64(len(c))
	}
	return n
}

// WriteAll writes every file under dir from within a task. Each file is
// first written to a ".partial" name and renamed once its size checks out.
func WriteAll(ev *eventmanager.EventManager, h *emtask.Handle, dir string, files []File) error {
	for i := range files {
		if err := writeOne(ev, h, dir, &files[i]); err != nil {
			return fmt.Errorf("writing %q: %w", files[i].Name, err)
		}
	}
	return nil
}

func writeOne(ev *eventmanager.EventManager, h *emtask.Handle, dir string, f *File) error {
	partial := f.Name + ".partial"

	oresp, err := ev.Openat(unix.AT_FDCWD, path.Join(dir, partial),
		unix.O_RDWR|unix.O_CREAT|unix.O_TRUNC, 0644).Await(h)
	if err != nil {
		return err
	}
	if oresp.Errno != 0 {
		return oresp.Err()
	}
	pfd := oresp.PFD

	// Preallocate so the gather write cannot fragment or run out of space
	// halfway through.
	if size := f.size(); size > 0 {
		fd, err := ev.PfdFD(pfd)
		if err != nil {
			return err
		}

		// Fallocate wants an *os.File; dup the descriptor so the
		// finaliser of the wrapper cannot close the pfd's own fd.
		dup, err := unix.Dup(fd)
		if err != nil {
			ev.ClosePfd(pfd)
			return fmt.Errorf("dup: %w", err)
		}
		file := os.NewFile(uintptr(dup), partial)
		err = fallocate.Fallocate(file, 0, int64(size))
		file.Close()
		if err != nil {
			ev.ClosePfd(pfd)
			return fmt.Errorf("fallocate: %w", err)
		}
	}

	wresp, err := ev.Writev(pfd, f.Chunks).Await(h)
	if err != nil {
		ev.ClosePfd(pfd)
		return err
	}
	if wresp.Errno != 0 {
		ev.ClosePfd(pfd)
		return wresp.Err()
	}
	if uint64(wresp.BytesWritten) != f.size() {
		ev.ClosePfd(pfd)
		return fmt.Errorf("short writev: %d of %d bytes", wresp.BytesWritten, f.size())
	}

	cresp, err := ev.Close(pfd).Await(h)
	if err != nil {
		return err
	}
	if cresp.Errno != 0 {
		return cresp.Err()
	}

	sresp, err := ev.Statx(unix.AT_FDCWD, path.Join(dir, partial), 0, unix.STATX_SIZE).Await(h)
	if err != nil {
		return err
	}
	if sresp.Errno != 0 {
		return sresp.Err()
	}
	if sresp.Statx.Size != f.size() {
		return fmt.Errorf("size on disk is %d, want %d", sresp.Statx.Size, f.size())
	}

	rresp, err := ev.Renameat(unix.AT_FDCWD, path.Join(dir, partial),
		unix.AT_FDCWD, path.Join(dir, f.Name), 0).Await(h)
	if err != nil {
		return err
	}
	if rresp.Errno != 0 {
		return rresp.Err()
	}

	return nil
}
