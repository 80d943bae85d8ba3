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

// Package freeindex tracks freed slots of a dense table so that allocation
// can reuse the lowest-numbered free index first.
package freeindex

import "sort"

// Set is a collection of freed indices. The zero value is ready to use. Not
// safe for concurrent use.
type Set struct {
	free map[int]struct{}
}

// Put marks idx as free. Putting an index twice is a no-op.
func (s *Set) Put(idx int) {
	if s.free == nil {
		s.free = make(map[int]struct{})
	}
	s.free[idx] = struct{}{}
}

// Take removes and returns the smallest free index, or -1 if none.
func (s *Set) Take() int {
	if len(s.free) == 0 {
		return -1
	}

	min := -1
	for idx := range s.free {
		if min < 0 || idx < min {
			min = idx
		}
	}
	delete(s.free, min)

	return min
}

// Contains reports whether idx is currently free.
func (s *Set) Contains(idx int) bool {
	_, ok := s.free[idx]
	return ok
}

// Len returns the number of free indices.
func (s *Set) Len() int {
	return len(s.free)
}

// Indices returns the free indices in ascending order. For diagnostics.
func (s *Set) Indices() []int {
	out := make([]int, 0, len(s.free))
	for idx := range s.free {
		out = append(out, idx)
	}
	sort.Ints(out)
	return out
}
