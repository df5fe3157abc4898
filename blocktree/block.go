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

// Package blocktree implements the typed, singly-linked decomposition
// tree the analyzer builds over an input stream: segmentation, CRC32
// hashing, DFS traversal and lazy revival of dormant hybrid streams.
package blocktree

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/fairytale-go/fairytale/storagemgr"
	"github.com/fairytale-go/fairytale/streams"
)

// MaxRecursionLevel bounds how deep the analyzer recurses into nested
// streams.
const MaxRecursionLevel = 4

// Type identifies what a block's byte range has been recognized as.
type Type int

const (
	Default Type = iota
	Dedup
	Deflate
	JPEG
	Image
	Audio
)

func (t Type) String() string {
	switch t {
	case Dedup:
		return "Dedup"
	case Deflate:
		return "Deflate"
	case JPEG:
		return "JPEG"
	case Image:
		return "Image"
	case Audio:
		return "Audio"
	default:
		return "Default"
	}
}

// ErrReconstructionFailed indicates Revive called a transform against
// previously-validated data and the transform reported internal
// failure: an invariant has been violated and the tree can no longer be
// trusted, so this is unwind-to-the-top-level fatal, not locally
// recoverable like a storage-exhausted error.
var ErrReconstructionFailed = errors.New("blocktree: transform failed to reconstruct a previously-validated stream")

// Block is one node in the decomposition tree: a typed byte range over
// some Stream, linked to its parent, next sibling, and first child.
type Block struct {
	Type   Type
	Parent *Block
	Next   *Block
	Child  *Block

	Data   streams.Stream
	Offset int64
	Length int64

	Level  uint32
	Hash   uint32
	Hashed bool
	Done   bool

	// Info is opaque, type-dependent reconstruction metadata: e.g. a
	// *transform.DeflateInfo for Deflate blocks, an ImageInfo for
	// Image blocks. Block never interprets it directly.
	Info any

	// ID uniquely names this node for diagnostics and for a future
	// archive serializer to reference it by (see archive.BlockNode);
	// Segment assigns a fresh one to every fragment and child it
	// creates, since each becomes a logically distinct node.
	ID uuid.UUID
}

// NewRoot builds the level-0 root block wrapping stream.
func NewRoot(stream streams.Stream, length int64) *Block {
	return &Block{ID: uuid.New(), Data: stream, Length: length}
}

// clone returns a shallow copy of b with a fresh ID, used by Segment to
// produce the block that follows a left fragment and the tail fragment.
func (b *Block) clone() *Block {
	c := *b
	c.ID = uuid.New()
	return &c
}

// ChildSegmentation describes a new child sub-stream to attach at
// level+1 when a parser recognizes that a block's bytes decode to a
// distinct byte stream (only the Deflate parser currently does this).
type ChildSegmentation struct {
	Stream streams.Stream
	Type   Type
	Info   any
	Done   bool
}

// Segmentation describes how a parser wants to split a block: the
// recognized sub-range [Offset, Offset+Length) becomes Type/Info, and
// Child optionally attaches a new level+1 sub-tree over a freshly
// produced stream (e.g. decompressed bytes).
type Segmentation struct {
	Offset int64
	Length int64
	Type   Type
	Info   any
	Child  *ChildSegmentation
}

// Segment implements the three-way split: an optional left fragment
// retaining the original Default type, the recognized middle range, and
// an optional trailing fragment. When there is a left fragment, b itself
// is shortened into it and a clone of b becomes the recognized block;
// otherwise b becomes the recognized block. It returns the sibling to
// resume scanning from.
func (b *Block) Segment(seg Segmentation) *Block {
	block := b

	// segment to the left: b keeps what precedes the recognized range,
	// with its original (Default) type, and a clone linked after it
	// carries the rest
	if seg.Offset > block.Offset {
		left := block.clone()
		block.Length = seg.Offset - block.Offset
		block.Next = left
		block.Child = nil
		if block.Level > 0 {
			bumpRefCount(block.Data, 1)
		}
		block.rehash()
		block = left
	}

	// segment to the right: a remaining tail after the recognized
	// range, also keeping the original type
	if seg.Offset-block.Offset+seg.Length < block.Length {
		tail := block.clone()
		tail.Offset = seg.Offset + seg.Length
		tail.Length -= tail.Offset - block.Offset
		tail.Parent = block.Parent
		tail.Next, block.Next = block.Next, tail
		tail.Child = nil
		tail.Level = block.Level
		if block.Level > 0 {
			bumpRefCount(block.Data, 1)
		}
	}

	block.Type = seg.Type
	block.Offset = seg.Offset
	block.Length = seg.Length
	block.Info = seg.Info
	block.Done = true
	block.rehash()

	if seg.Child != nil && seg.Child.Stream != nil {
		child := &Block{
			ID:     uuid.New(),
			Type:   seg.Child.Type,
			Data:   seg.Child.Stream,
			Length: seg.Child.Stream.Size(),
			Parent: block,
			Level:  block.Level + 1,
			Info:   seg.Child.Info,
			Done:   seg.Child.Done,
		}
		child.rehash()
		block.Child = child
	}

	return block.Next
}

func bumpRefCount(s streams.Stream, delta int) {
	if hs, ok := s.(*streams.HybridStream); ok {
		hs.ReferenceCount += delta
	}
}

// Advance performs the DFS walk used by the analyzer and deduper: descend
// into Child when present, otherwise follow Next, otherwise ascend to
// Parent.Next, skipping any block whose level isn't lvl, whose type is
// Dedup, or (when skipDone) whose Done flag is set. Returns nil once the
// traversal runs off the end of the tree.
func (b *Block) Advance(lvl uint32, skipDone bool) *Block {
	block := b
	for {
		switch {
		case block.Child != nil:
			block = block.Child
		case block.Next != nil:
			block = block.Next
		case block.Parent != nil && block.Parent.Next != nil:
			block = block.Parent.Next
		default:
			return nil
		}
		if block.Level == lvl && block.Type != Dedup && !(skipDone && block.Done) {
			return block
		}
	}
}

// DeleteChilds detaches and forgets b's entire child sub-tree, deleting
// every level+1-and-deeper hybrid stream via manager.
func (b *Block) DeleteChilds(manager *storagemgr.Manager) {
	block := b.Child
	for block != nil {
		block.DeleteChilds(manager)
		if block.Level > 0 {
			if hs, ok := block.Data.(*streams.HybridStream); ok {
				manager.Delete(hs)
			}
		}
		block = block.Next
	}
	b.Child = nil
}

// Reviver regenerates a child stream's bytes by replaying the transform
// that produced it. Transforms register themselves against the parent
// block type they can reconstruct (see the transform package's init).
type Reviver interface {
	Apply(input, output streams.Stream, info any) (bool, error)
}

var revivers = map[Type]Reviver{}

// RegisterReviver installs the Reviver responsible for reconstructing
// child streams of blocks with the given parent type. Called from
// transform package init functions so blocktree never imports transform
// directly (avoiding an import cycle, since transform depends on
// storagemgr/streams which blocktree also depends on).
func RegisterReviver(t Type, r Reviver) {
	revivers[t] = r
}

// Revive regenerates b's backing hybrid stream when it has gone Dormant
// (arena deallocated), by replaying the parent's transform. It
// recursively revives the parent stream first (or wakes the root file),
// pins it for the duration, asks manager to reallocate b's arena, and
// re-runs the transform. Returns false (not an error) if storage
// remains insufficient; returns ErrReconstructionFailed only if a
// transform that should succeed on previously-validated bytes reports
// internal failure.
func (b *Block) Revive(manager *storagemgr.Manager) (bool, error) {
	if b.Data == nil || b.Level == 0 || b.Parent == nil {
		return false, fmt.Errorf("blocktree: Revive called on a non-child block")
	}
	stream, ok := b.Data.(*streams.HybridStream)
	if !ok {
		return false, fmt.Errorf("blocktree: Revive called on a block not backed by a hybrid stream")
	}
	if stream.Active() {
		return true, nil
	}

	parent := b.Parent
	if b.Level > 1 {
		parentStream, ok := parent.Data.(*streams.HybridStream)
		if !ok {
			return false, fmt.Errorf("blocktree: parent at level > 1 must be a hybrid stream")
		}
		if !parentStream.Active() {
			ok, err := parent.Revive(manager)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		parentStream.KeepAlive = true
		defer func() { parentStream.KeepAlive = false }()
	} else {
		parentFile, ok := parent.Data.(*streams.FileStream)
		if !ok {
			return false, fmt.Errorf("blocktree: level-1 parent must be a file stream")
		}
		wasDormant := parentFile.Dormant()
		if wasDormant {
			if !parentFile.WakeUp() {
				return false, nil
			}
			defer parentFile.Sleep()
		}
	}

	manager.Reallocate(stream)
	if !stream.Active() {
		// parsing had room for parent + this stream, but dedup may need
		// to restore two streams at once, which can fail here
		return false, nil
	}

	reviver, ok := revivers[parent.Type]
	if !ok {
		return false, nil
	}
	if !parent.Data.Seek(parent.Offset) {
		return false, fmt.Errorf("blocktree: failed to seek parent stream to %d", parent.Offset)
	}
	result, err := reviver.Apply(parent.Data, stream, parent.Info)
	if err != nil {
		return false, err
	}
	if !result {
		return false, ErrReconstructionFailed
	}
	stream.KeepAlive = true
	return true, nil
}
