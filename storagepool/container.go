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

// container is the block-accounting logic shared by the memory and disk
// tiers: a fixed set of BlockSize-granular blocks, tracked as either free
// or used. Each concrete container supplies its own freeSet (selection
// order) and its own Read/Write against the underlying medium.
type container struct {
	tier      Tier
	blocks    []storageBlock
	free      freeSet
	used      map[int64]*storageBlock
	capacity  int64
	available int64
}

func newContainer(tier Tier, size int64, free freeSet) (*container, error) {
	size = roundToBlockMultiple(size)
	if size < BlockSize {
		return nil, ErrExhausted
	}
	n := size / BlockSize
	c := &container{
		tier:   tier,
		blocks: make([]storageBlock, n),
		free:   free,
		used:   make(map[int64]*storageBlock, n),
	}
	for i := int64(0); i < n; i++ {
		c.blocks[i] = storageBlock{tier: tier, offset: i * BlockSize}
		c.free.put(&c.blocks[i])
	}
	c.capacity = n * BlockSize
	c.available = c.capacity
	return c, nil
}

// allocate draws size (a multiple of BlockSize, size <= available) worth
// of free blocks and appends them to arena, in the order they are taken.
func (c *container) allocate(size int64, arena *Arena) error {
	if size > c.available {
		return ErrExhausted
	}
	n := size / BlockSize
	taken := make([]*storageBlock, 0, n)
	for i := int64(0); i < n; i++ {
		b, ok := c.free.take()
		if !ok {
			// shouldn't happen given the available check above, but
			// don't leave the free set short if it somehow does
			for _, b := range taken {
				c.free.put(b)
			}
			return ErrExhausted
		}
		c.used[b.offset] = b
		taken = append(taken, b)
	}
	arena.blocks = append(arena.blocks, taken...)
	c.available -= size
	return nil
}

// deallocate returns every block in arena belonging to this container's
// tier. If erase is set, those blocks are also removed from arena.blocks;
// otherwise arena.blocks is left untouched (used by MoveToColdStorage,
// which replaces the freed slots itself).
func (c *container) deallocate(arena *Arena, erase bool) {
	if !erase {
		for _, b := range arena.blocks {
			if b.tier == c.tier {
				c.free.put(b)
				delete(c.used, b.offset)
				c.available += BlockSize
			}
		}
		return
	}
	kept := arena.blocks[:0]
	for _, b := range arena.blocks {
		if b.tier == c.tier {
			c.free.put(b)
			delete(c.used, b.offset)
			c.available += BlockSize
		} else {
			kept = append(kept, b)
		}
	}
	arena.blocks = kept
}

func (c *container) Capacity() int64  { return c.capacity }
func (c *container) Available() int64 { return c.available }
