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

// Arena is a contiguous logical address space composed of fixed-size
// storage blocks drawn from one or both containers, in insertion order
// (== logical byte order), plus a read/write cursor.
type Arena struct {
	blocks   []*storageBlock
	position int64
}

// Size returns the arena's total addressable byte range.
func (a *Arena) Size() int64 {
	return int64(len(a.blocks)) * BlockSize
}

// Position returns the arena's current cursor.
func (a *Arena) Position() int64 {
	return a.position
}
