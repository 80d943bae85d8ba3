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

package freeindex

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTakeEmpty(t *testing.T) {
	var s Set
	assert.Equal(t, -1, s.Take())
}

func TestTakeLowestFirst(t *testing.T) {
	var s Set
	s.Put(7)
	s.Put(2)
	s.Put(11)

	assert.Equal(t, 2, s.Take())
	assert.Equal(t, 7, s.Take())
	assert.Equal(t, 11, s.Take())
	assert.Equal(t, -1, s.Take())
}

func TestDoublePut(t *testing.T) {
	var s Set
	s.Put(3)
	s.Put(3)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 3, s.Take())
	assert.Equal(t, -1, s.Take())
}

func TestContains(t *testing.T) {
	var s Set
	assert.False(t, s.Contains(0))

	s.Put(0)
	assert.True(t, s.Contains(0))

	s.Take()
	assert.False(t, s.Contains(0))
}

func TestIndicesSorted(t *testing.T) {
	var s Set
	for _, idx := range []int{9, 1, 4} {
		s.Put(idx)
	}

	assert.Equal(t, []int{1, 4, 9}, s.Indices())
}
