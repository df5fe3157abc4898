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

// memoryContainer is one contiguous heap buffer divided into BlockSize
// blocks. Which free block is handed out next is unspecified (see
// unorderedFreeSet) since, unlike disk, there is no locality to preserve.
type memoryContainer struct {
	*container
	buf []byte
}

func newMemoryContainer(size int64) (*memoryContainer, error) {
	base, err := newContainer(Memory, size, newUnorderedFreeSet())
	if err != nil {
		return nil, err
	}
	return &memoryContainer{container: base, buf: make([]byte, base.capacity)}, nil
}

func (m *memoryContainer) readBlock(b *storageBlock, dst []byte) error {
	copy(dst, m.buf[b.offset:b.offset+BlockSize])
	return nil
}

func (m *memoryContainer) writeBlock(b *storageBlock, src []byte) error {
	copy(m.buf[b.offset:b.offset+BlockSize], src)
	return nil
}
