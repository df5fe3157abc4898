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

// Pool is the block-granular allocator spanning both tiers. It is owned
// exclusively by a single storagemgr.Manager; callers never reach into
// the tiers directly.
type Pool struct {
	memory *memoryContainer
	disk   *diskContainer

	capacity  int64
	available int64
}

// New creates a pool with memSize bytes of memory-tier storage and
// diskSize bytes of disk-tier storage (rounded up to BlockSize).
// diskSize may be 0 to disable the disk tier... except the disk
// container always needs at least one block, so 0 is rounded up to
// BlockSize: a pool always has some disk fallback available.
func New(memSize, diskSize int64) (*Pool, error) {
	if diskSize < BlockSize {
		diskSize = BlockSize
	}
	mem, err := newMemoryContainer(memSize)
	if err != nil {
		return nil, err
	}
	disk, err := newDiskContainer(diskSize)
	if err != nil {
		return nil, err
	}
	p := &Pool{memory: mem, disk: disk}
	p.capacity = mem.Capacity() + disk.Capacity()
	p.available = p.capacity
	return p, nil
}

// Close releases the pool's temporary disk file.
func (p *Pool) Close() error {
	return p.disk.Close()
}

func (p *Pool) Capacity() int64  { return p.capacity }
func (p *Pool) Available() int64 { return p.available }

// Allocate reserves a fresh Arena of size bytes (rounded up to
// BlockSize), preferring the tier named by strategy and spilling to the
// other tier if the primary is exhausted.
func (p *Pool) Allocate(size int64, strategy Strategy) (*Arena, error) {
	arena := &Arena{}
	if err := p.Reallocate(arena, size, strategy); err != nil {
		return nil, err
	}
	return arena, nil
}

// Reallocate grows arena (which must currently be empty, i.e. freshly
// zero-valued or just Deallocate'd) by size bytes, used both by
// Allocate and to revive a previously-closed hybrid stream's backing
// storage.
func (p *Pool) Reallocate(arena *Arena, size int64, strategy Strategy) error {
	size = roundToBlockMultiple(size)
	if size > p.available || size < BlockSize {
		return ErrExhausted
	}

	primary := Memory
	if strategy == StrategyCold {
		primary = Disk
	}
	// StrategyHot behaves like StrategyNone: both prefer memory first.
	// See DESIGN.md for why Hot is kept distinct rather than removed.

	primaryAvail := p.memory.Available()
	if primary == Disk {
		primaryAvail = p.disk.Available()
	}
	alloc := size
	if primaryAvail < alloc {
		alloc = primaryAvail
	}

	var err error
	if primary == Memory {
		err = p.memory.allocate(alloc, arena)
	} else {
		err = p.disk.allocate(alloc, arena)
	}
	if err != nil {
		return err
	}
	if alloc < size {
		if primary == Memory {
			err = p.disk.allocate(size-alloc, arena)
		} else {
			err = p.memory.allocate(size-alloc, arena)
		}
		if err != nil {
			return err
		}
	}
	p.available = p.memory.Available() + p.disk.Available()
	return nil
}

// Deallocate returns every block in arena to its container and resets
// the arena to empty.
func (p *Pool) Deallocate(arena *Arena) {
	p.memory.deallocate(arena, false)
	p.disk.deallocate(arena, false)
	p.available = p.memory.Available() + p.disk.Available()
	arena.blocks = nil
	arena.position = 0
}

// Seek clamps offset to [0, arena.Size()] and sets it as the new cursor.
func (p *Pool) Seek(arena *Arena, offset int64) int64 {
	max := arena.Size()
	if offset < 0 {
		offset = 0
	} else if offset > max {
		offset = max
	}
	arena.position = offset
	return arena.position
}

// MoveToColdStorage copies every memory-backed block of arena to freshly
// reserved disk blocks, atomically (on partial failure nothing changes).
func (p *Pool) MoveToColdStorage(arena *Arena) (bool, error) {
	ok, err := p.disk.claim(arena, p.memory)
	if err != nil {
		return false, err
	}
	p.available = p.memory.Available() + p.disk.Available()
	return ok, nil
}

func (p *Pool) readBlock(b *storageBlock, buf []byte) error {
	if b.tier == Disk {
		return p.disk.readBlock(b, buf)
	}
	return p.memory.readBlock(b, buf)
}

func (p *Pool) writeBlock(b *storageBlock, buf []byte) error {
	if b.tier == Disk {
		return p.disk.writeBlock(b, buf)
	}
	return p.memory.writeBlock(b, buf)
}

// Read copies up to len(buf) bytes from arena's cursor into buf, routing
// each BlockSize window through the owning container, and advances the
// cursor by the number of bytes actually read.
func (p *Pool) Read(buf []byte, arena *Arena) (int, error) {
	return p.processRequest(buf, arena, true)
}

// Write stores up to len(buf) bytes into arena at its cursor, routing
// each BlockSize window through the owning container, and advances the
// cursor by the number of bytes actually written.
func (p *Pool) Write(buf []byte, arena *Arena) (int, error) {
	return p.processRequest(buf, arena, false)
}

func (p *Pool) processRequest(buf []byte, arena *Arena, read bool) (int, error) {
	total := arena.Size()
	count := int64(len(buf))
	if arena.position+count > total {
		count = total - arena.position
	}
	if count <= 0 {
		return 0, nil
	}

	block := make([]byte, BlockSize)
	blockIndex := arena.position / BlockSize
	inBlock := arena.position % BlockSize

	var done int64
	for done < count {
		b := arena.blocks[blockIndex]
		n := BlockSize - inBlock
		if remaining := count - done; remaining < n {
			n = remaining
		}
		if read {
			if err := p.readBlock(b, block); err != nil {
				break
			}
			copy(buf[done:done+n], block[inBlock:inBlock+n])
		} else {
			if n < BlockSize {
				// partial block: preserve the untouched bytes around
				// the spliced-in range by reading the block first
				if err := p.readBlock(b, block); err != nil {
					break
				}
			}
			copy(block[inBlock:inBlock+n], buf[done:done+n])
			if err := p.writeBlock(b, block); err != nil {
				break
			}
		}
		done += n
		arena.position += n
		blockIndex++
		inBlock = 0
	}
	return int(done), nil
}
