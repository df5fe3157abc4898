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

package archive

import "github.com/fairytale-go/fairytale/blocktree"

// ChunkInfo is one per-chunk segmentation record: it names the block
// type shared by every block in the chunk, which codec sequence (by
// index into a Definitions table) was applied, and the ids of the
// child blocks it contains.
type ChunkInfo struct {
	Size            int64
	Checksum        uint32
	CodecSequenceID int64
	BlockType       blocktree.Type
	ChildIDs        []int64
}

// BlockNode is the serialized counterpart of one blocktree.Block: its
// own child ids (a node's Child chain, flattened) and opaque
// reconstruction metadata. Block.Info is type-dependent per spec.md §3;
// this layer does not interpret it, it only carries the already-encoded
// bytes a future serializer would produce for it.
type BlockNode struct {
	BlockType blocktree.Type
	ChildIDs  []int64
	Info      []byte
}

// Segmentation is the top-level container for one file's worth of
// chunk/node records plus the codec table they reference. Populating
// this from a finished block tree is this package's only job; encoding
// it to bytes is left to the external archive writer named in spec.md §1.
type Segmentation struct {
	Chunks []ChunkInfo
	Nodes  []BlockNode
	Codecs Definitions
}
