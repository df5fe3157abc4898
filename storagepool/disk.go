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

import (
	"io"
	"os"
)

// diskContainer is backed by one exclusively-opened temporary file,
// pre-allocated to its full size up front so that later block writes
// never have to grow the file. Free blocks are handed out lowest-offset
// first (see orderedFreeSet) to keep allocations dense and sequential.
type diskContainer struct {
	*container
	file *os.File
}

func newDiskContainer(size int64) (*diskContainer, error) {
	base, err := newContainer(Disk, size, newOrderedFreeSet())
	if err != nil {
		return nil, err
	}
	f, err := os.CreateTemp("", "fairytale-pool-*.tmp")
	if err != nil {
		return nil, ErrExhausted
	}
	// best-effort immediate unlink: the descriptor stays valid for the
	// lifetime of the pool, and nothing else needs the directory entry
	name := f.Name()
	if err := preallocate(f, base.capacity); err != nil {
		f.Close()
		os.Remove(name)
		return nil, ErrExhausted
	}
	os.Remove(name)
	return &diskContainer{container: base, file: f}, nil
}

// preallocate makes f at least size bytes long, zero-filled. It tries
// Truncate first (which may leave the file sparse), falling back to
// writing zeros block by block (slow, but always works).
func preallocate(f *os.File, size int64) error {
	if size == 0 {
		return nil
	}
	if err := f.Truncate(size); err == nil {
		if fi, statErr := f.Stat(); statErr == nil && fi.Size() >= size {
			return nil
		}
	}
	zero := make([]byte, BlockSize)
	var written int64
	for written < size {
		n := int64(len(zero))
		if remaining := size - written; remaining < n {
			n = remaining
		}
		m, err := f.WriteAt(zero[:n], written)
		written += int64(m)
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *diskContainer) Close() error {
	return d.file.Close()
}

func (d *diskContainer) readBlock(b *storageBlock, dst []byte) error {
	_, err := d.file.ReadAt(dst, b.offset)
	return err
}

func (d *diskContainer) writeBlock(b *storageBlock, src []byte) error {
	_, err := d.file.WriteAt(src, b.offset)
	return err
}

// claim atomically copies every memory-backed block of arena to freshly
// reserved disk blocks, swapping the references in arena.blocks. On
// partial failure it rolls back: no disk blocks are left claimed and
// arena is unchanged.
func (d *diskContainer) claim(arena *Arena, mem *memoryContainer) (bool, error) {
	length := len(arena.blocks)
	n := 0
	for _, b := range arena.blocks {
		if b.tier != Disk {
			n++
		}
	}
	if n == 0 {
		return true, nil
	}
	if int64(n)*BlockSize > d.available {
		return false, nil
	}

	buf := make([]byte, BlockSize)
	ok := true
	for i := 0; i < length; i++ {
		b := arena.blocks[i]
		if b.tier == Disk {
			continue
		}
		if err := mem.readBlock(b, buf); err != nil {
			ok = false
			break
		}
		nb, found := d.free.take()
		if !found {
			ok = false
			break
		}
		if err := d.writeBlock(nb, buf); err != nil {
			d.free.put(nb)
			ok = false
			break
		}
		d.used[nb.offset] = nb
		arena.blocks = append(arena.blocks, nb)
	}

	if ok {
		mem.deallocate(arena, false)
		j := length
		for i := 0; i < length; i++ {
			if arena.blocks[i].tier != Disk {
				arena.blocks[i] = arena.blocks[j]
				d.available -= BlockSize
				j++
			}
		}
	} else {
		for i := length; i < len(arena.blocks); i++ {
			b := arena.blocks[i]
			d.free.put(b)
			delete(d.used, b.offset)
		}
	}
	arena.blocks = arena.blocks[:length]
	return ok, nil
}

var _ io.Closer = (*diskContainer)(nil)
