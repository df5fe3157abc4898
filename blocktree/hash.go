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

package blocktree

import "hash/crc32"

// hashChunkSize bounds how much of a block's range is buffered at once
// when computing its hash: blocks can back onto disk-resident streams
// much larger than we want to materialize in one allocation.
const hashChunkSize = 64 * 1024

// rehash recomputes b.Hash over the byte range [b.Offset, b.Offset+b.Length)
// of b.Data and sets b.Hashed. It restores the stream's prior cursor
// position before returning, since hashing is a side effect that should
// be invisible to a caller mid-read.
func (b *Block) rehash() {
	if b.Data == nil || b.Length == 0 {
		b.Hash = 0
		b.Hashed = true
		return
	}

	saved := b.Data.Position()
	b.Data.Seek(b.Offset)

	sum := crc32.NewIEEE()
	buf := make([]byte, hashChunkSize)
	remaining := b.Length
	for remaining > 0 {
		chunk := buf
		if int64(len(chunk)) > remaining {
			chunk = chunk[:remaining]
		}
		n, err := b.Data.Read(chunk)
		if n > 0 {
			sum.Write(chunk[:n])
			remaining -= int64(n)
		}
		if err != nil || n == 0 {
			break
		}
	}

	b.Hash = sum.Sum32()
	b.Hashed = true
	b.Data.Seek(saved)
}
