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

// Package parsers implements the format detectors the analyzer drives
// over each leaf block: Bitmap, JPEG, Mod (tracker module) and Deflate
// (which also covers raw/zlib/gzip/zip-wrapped deflate streams).
package parsers

import (
	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/storagemgr"
)

// Class distinguishes format-anchored detectors (Strict) from heuristic
// ones (Fuzzy); the analyzer always runs every Strict parser, at every
// level, before any Fuzzy one.
type Class int

const (
	Strict Class = iota
	Fuzzy
)

// Parser recognizes one byte-stream format over a block's range. A
// single call may call block.Segment any number of times; it returns
// true if at least one segmentation was produced.
type Parser interface {
	// Priority orders parsers within a Class: higher runs first.
	Priority() int
	Class() Class
	Parse(block *blocktree.Block, manager *storagemgr.Manager) (bool, error)
}

// Default priority table (spec.md §4.5): JPEG=9, Bitmap=8, Mod=7, Deflate=0.
const (
	PriorityJPEG    = 9
	PriorityBitmap  = 8
	PriorityMod     = 7
	PriorityDeflate = 0
)

// scratchBufferSize is the shared read-ahead window every parser uses;
// parsers never materialize a whole block, only a sliding window over it.
const scratchBufferSize = 4096
