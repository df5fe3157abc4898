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

// Package dedup finds byte-identical blocks across a decomposition tree
// and collapses repeats into blocktree.Dedup references, grounded on
// deduper.hpp/deduper.cpp: a CRC32-bucketed chain of previously-seen
// blocks, with each candidate confirmed by a full byte compare against
// streams pinned (revived or woken) for the duration.
package dedup

import (
	"bytes"
	"fmt"

	"github.com/dchest/siphash"

	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/storagemgr"
	"github.com/fairytale-go/fairytale/streams"
)

// compareChunkSize bounds how much of two blocks is buffered at once
// while comparing or fingerprinting them.
const compareChunkSize = 64 * 1024

// fingerprintKey is a fixed SipHash-2-4 key. The fingerprint only needs
// to disambiguate same-run CRC32 buckets cheaply, not resist an
// adversary, so there is no need to randomize it per process.
var fingerprintKey = [16]byte{
	0x46, 0x61, 0x69, 0x72, 0x79, 0x74, 0x61, 0x6c,
	0x65, 0x44, 0x65, 0x64, 0x75, 0x70, 0x00, 0x01,
}

// entry is one node of a hash-bucket chain: a previously-seen,
// not-yet-deduplicated block sharing block.Hash with whatever candidate
// is being matched against it.
type entry struct {
	block   *blocktree.Block
	fp      uint64
	fpValid bool
	next    *entry
}

// Dedup finds byte-identical blocks and marks the later one of each
// pair blocktree.Dedup, pointing its Info back at the block it matches.
// Unlike the original's plain CRC32 multimap, each bucket entry also
// carries a lazily-computed SipHash-2-4 fingerprint of its content: once
// cached, a mismatching fingerprint on a later candidate rejects the
// pair without ever pinning or reading the entry's own block again,
// which matters most for level>0 entries whose backing stream may have
// gone dormant and would otherwise need reviving just to be ruled out.
type Dedup struct {
	buckets map[uint32]*entry
}

// New returns an empty Dedup. Buckets persist across Process calls, so
// later calls (e.g. over sibling trees, or on a later analyzer round)
// dedup against blocks already seen in earlier ones.
func New() *Dedup {
	return &Dedup{buckets: make(map[uint32]*entry)}
}

// Process walks the sibling chain starting at start up to (but
// excluding) end, deduplicating each block against every
// previously-seen block sharing its hash, and recursing into any child
// sub-tree. Passing a nil end walks to the end of the chain; recursion
// into a child always does this (mirroring deduper.cpp's
// Process(*block->child, nullptr, manager)).
func (d *Dedup) Process(start, end *blocktree.Block, manager *storagemgr.Manager) error {
	if start == nil || start.Data == nil || start.Level >= blocktree.MaxRecursionLevel {
		return nil
	}
	block := start
	for block != nil && block != end {
		if !block.Hashed {
			return fmt.Errorf("dedup: Process encountered an unhashed block")
		}

		found := false
		for e := d.buckets[block.Hash]; e != nil; e = e.next {
			if e.block == block {
				found = true
				break
			}
			matched, err := d.match(e, block, manager)
			if err != nil {
				return err
			}
			if matched {
				collapse(block, e.block, manager)
				found = true
				break
			}
		}
		if !found {
			d.buckets[block.Hash] = &entry{block: block, next: d.buckets[block.Hash]}
		}

		if block.Child != nil {
			if err := d.Process(block.Child, nil, manager); err != nil {
				return err
			}
		}
		block = block.Next
	}
	return nil
}

// match checks whether e's block is byte-identical to candidate.
func (d *Dedup) match(e *entry, candidate *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	block0, block1 := e.block, candidate
	if block0 == block1 || block0.Type != block1.Type || block0.Hash != block1.Hash || block0.Length != block1.Length {
		return false, nil
	}

	unpin1, ok, err := pin(block1, manager)
	if err != nil || !ok {
		return false, err
	}
	defer unpin1()

	fp1, err := fingerprint(block1)
	if err != nil {
		return false, err
	}
	if e.fpValid && e.fp != fp1 {
		return false, nil
	}

	unpin0, ok, err := pin(block0, manager)
	if err != nil || !ok {
		return false, err
	}
	defer unpin0()

	equal, fp0, err := compareAndFingerprint(block0, block1)
	if err != nil {
		return false, err
	}
	if !e.fpValid {
		e.fp, e.fpValid = fp0, true
	}
	return equal, nil
}

// pin ensures block's backing stream is addressable for the duration of
// a comparison: reviving a dormant hybrid stream (level > 0) or waking
// a sleeping file stream (level == 0). The returned func restores
// whatever transient state pin changed. ok is false with a nil error
// when storage pressure (or a file stream that can't be woken) means
// the comparison should simply be skipped, not treated as a failure.
func pin(block *blocktree.Block, manager *storagemgr.Manager) (unpin func(), ok bool, err error) {
	if block.Data == nil {
		return nil, false, nil
	}
	if block.Level > 0 {
		hs, isHybrid := block.Data.(*streams.HybridStream)
		if !isHybrid {
			return nil, false, fmt.Errorf("dedup: level>0 block not backed by a hybrid stream")
		}
		if !hs.Active() {
			revived, rerr := block.Revive(manager)
			if rerr != nil {
				return nil, false, rerr
			}
			if !revived {
				return nil, false, nil
			}
		}
		hs.KeepAlive = true
		return func() { hs.KeepAlive = false }, true, nil
	}

	fs, isFile := block.Data.(*streams.FileStream)
	if !isFile {
		return nil, false, fmt.Errorf("dedup: level==0 block not backed by a file stream")
	}
	dormant := fs.Dormant()
	if dormant && !fs.WakeUp() {
		return nil, false, nil
	}
	return func() {
		if dormant {
			fs.Sleep()
		}
	}, true, nil
}

// fingerprint streams block's bytes through SipHash-2-4, used to
// cheaply test a candidate against an entry's cached fingerprint before
// committing to a full byte compare.
func fingerprint(block *blocktree.Block) (uint64, error) {
	h := siphash.New(fingerprintKey[:])
	buf := make([]byte, compareChunkSize)
	offset, remaining := block.Offset, block.Length
	for remaining > 0 {
		size := int64(len(buf))
		if size > remaining {
			size = remaining
		}
		if !block.Data.Seek(offset) {
			return 0, fmt.Errorf("dedup: seek failed while fingerprinting")
		}
		n, err := block.Data.Read(buf[:size])
		if n == 0 {
			if err != nil {
				return 0, err
			}
			break
		}
		h.Write(buf[:n])
		offset += int64(n)
		remaining -= int64(n)
	}
	return h.Sum64(), nil
}

// compareAndFingerprint streams block0 and block1 chunk by chunk,
// byte-comparing them while also accumulating block0's SipHash
// fingerprint (so a caller that hasn't cached one yet gets it for free
// out of the same pass). The two blocks may share an underlying stream,
// so offsets are tracked independently and each side reseeks before
// every read.
func compareAndFingerprint(block0, block1 *blocktree.Block) (equal bool, fp0 uint64, err error) {
	h0 := siphash.New(fingerprintKey[:])
	length := block0.Length
	off0, off1 := block0.Offset, block1.Offset
	buf0 := make([]byte, compareChunkSize)
	buf1 := make([]byte, compareChunkSize)

	for length > 0 {
		size := int64(len(buf0))
		if size > length {
			size = length
		}
		if !block0.Data.Seek(off0) {
			return false, 0, nil
		}
		n0, err0 := block0.Data.Read(buf0[:size])
		if n0 == 0 {
			return false, 0, err0
		}
		if !block1.Data.Seek(off1) {
			return false, 0, nil
		}
		n1, err1 := block1.Data.Read(buf1[:size])
		if n1 != n0 {
			return false, 0, err1
		}
		h0.Write(buf0[:n0])
		if !bytes.Equal(buf0[:n0], buf1[:n0]) {
			return false, 0, nil
		}
		off0 += int64(n0)
		off1 += int64(n0)
		length -= int64(n0)
	}
	return true, h0.Sum64(), nil
}

// collapse marks block as a Dedup reference to matched: its child
// sub-tree (and, if it fully owns a level>0 stream, that stream's
// storage too) is freed. DeleteInfo has no Go equivalent: block.Info is
// simply overwritten below and the old value collected like any other.
func collapse(block, matched *blocktree.Block, manager *storagemgr.Manager) {
	block.DeleteChilds(manager)
	if block.Level > 0 {
		if hs, ok := block.Data.(*streams.HybridStream); ok {
			if block.Offset == 0 && block.Length == block.Data.Size() {
				manager.Delete(hs)
			} else if hs.ReferenceCount > 0 {
				hs.ReferenceCount--
			}
		}
	}
	block.Type = blocktree.Dedup
	block.Info = matched
	block.Done = true
}
