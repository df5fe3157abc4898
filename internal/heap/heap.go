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

// Package heap implements a generic min-heap over a plain slice, used
// wherever this module needs a priority order without pulling in
// container/heap's interface-per-element ceremony: storagepool's
// orderedFreeSet keeps disk blocks ordered by offset (lowest free,
// lowest-addressed, first) so allocations stay dense, and
// storagemgr.Manager's purge pass ranks live streams by eviction cost.
package heap

// FixSlice restores the min-heap invariant around x[index] after its
// value has changed in place, determined by less.
func FixSlice[T any](x []T, index int, less func(x, y T) bool) {
	siftDown(x, index, less)
	siftUp(x, index, less)
}

// PopSlice removes and returns the smallest element (by less), leaving
// the rest of x as a valid heap - this is how orderedFreeSet hands out
// the lowest-offset free block.
func PopSlice[T any](x *[]T, less func(x, y T) bool) T {
	ret := (*x)[0]
	(*x)[0], *x = (*x)[len(*x)-1], (*x)[:len(*x)-1]
	if len(*x) > 0 {
		siftDown((*x), 0, less)
	}
	return ret
}

// PushSlice adds item to x while preserving the min-heap invariant -
// orderedFreeSet calls this every time a block is returned to the pool.
func PushSlice[T any](x *[]T, item T, less func(x, y T) bool) {
	*x = append(*x, item)
	siftUp(*x, len(*x)-1, less)
}

// OrderSlice heapifies x in place according to less. If len(x) > 0, the
// smallest element always ends up at x[0]; SortSlice builds on this to
// produce a fully ranked copy.
func OrderSlice[T any](x []T, less func(x, y T) bool) {
	for i := len(x) - 1; i >= 0; i-- {
		siftDown(x, i, less)
	}
}

// SortSlice returns a copy of x in ascending order according to less,
// by repeated extraction from a min-heap. Used by callers that need a
// full ranking rather than just the minimum, e.g. the storage manager's
// purge candidate list which closes streams from the high-cost end down.
func SortSlice[T any](x []T, less func(x, y T) bool) []T {
	work := make([]T, len(x))
	copy(work, x)
	OrderSlice(work, less)
	out := make([]T, 0, len(work))
	for len(work) > 0 {
		out = append(out, PopSlice(&work, less))
	}
	return out
}

func siftUp[T any](x []T, index int, less func(x, y T) bool) {
	for index > 0 {
		p := (index - 1) / 2
		if less(x[p], x[index]) {
			break
		}
		x[p], x[index] = x[index], x[p]
		index = p
	}
}

func siftDown[T any](x []T, index int, less func(x, y T) bool) {
	for {
		left := (index * 2) + 1
		right := left + 1
		if left >= len(x) {
			break
		}
		c := left
		if len(x) > right && less(x[right], x[left]) {
			c = right
		}
		if less(x[index], x[c]) {
			break
		}
		x[c], x[index] = x[index], x[c]
		index = c
	}
}
