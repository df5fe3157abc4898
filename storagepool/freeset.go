// Copyright (C) 2024 Fairytale, Inc.
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package storagepool

import "github.com/fairytale-go/fairytale/internal/heap"

// freeSet selects which free block an allocation draws next. The memory
// container is indifferent to which block it hands out (mirrors the
// original's unordered_map-backed free list); the disk container always
// hands out the lowest offset first, so that allocations stay dense at
// low file offsets and sequential I/O stays cheap.
type freeSet interface {
	take() (*storageBlock, bool)
	put(b *storageBlock)
	len() int
}

// unorderedFreeSet hands out an arbitrary free block in O(1).
type unorderedFreeSet struct {
	m map[int64]*storageBlock
}

func newUnorderedFreeSet() *unorderedFreeSet {
	return &unorderedFreeSet{m: make(map[int64]*storageBlock)}
}

func (s *unorderedFreeSet) take() (*storageBlock, bool) {
	for offset, b := range s.m {
		delete(s.m, offset)
		return b, true
	}
	return nil, false
}

func (s *unorderedFreeSet) put(b *storageBlock) {
	s.m[b.offset] = b
}

func (s *unorderedFreeSet) len() int { return len(s.m) }

// orderedFreeSet hands out the lowest-offset free block first, via a
// min-heap over offsets built from the adapted teacher heap package.
type orderedFreeSet struct {
	blocks []*storageBlock
}

func newOrderedFreeSet() *orderedFreeSet {
	return &orderedFreeSet{}
}

func lessByOffset(a, b *storageBlock) bool { return a.offset < b.offset }

func (s *orderedFreeSet) take() (*storageBlock, bool) {
	if len(s.blocks) == 0 {
		return nil, false
	}
	return heap.PopSlice(&s.blocks, lessByOffset), true
}

func (s *orderedFreeSet) put(b *storageBlock) {
	heap.PushSlice(&s.blocks, b, lessByOffset)
}

func (s *orderedFreeSet) len() int { return len(s.blocks) }
