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

// Package streams provides the uniform byte-addressable random-access
// abstraction the rest of the analyzer builds on: a FileStream over the
// input file, and a HybridStream backed by the storage pool for every
// transient decompressed sub-stream produced during analysis.
package streams

import "errors"

// ErrClosed is returned by operations against a dormant or deallocated
// stream that has not been revived.
var ErrClosed = errors.New("streams: stream is not active")

// Stream is a byte-addressable random-access I/O surface. Every block in
// the analyzer's tree addresses a contiguous range of some Stream.
type Stream interface {
	// Seek moves the read/write cursor to offset. It reports whether the
	// offset is valid for this stream (0 <= offset <= Size()).
	Seek(offset int64) bool
	// Position returns the current cursor.
	Position() int64
	// Size returns the logical size of the stream.
	Size() int64
	// GetByte reads one byte at the cursor and advances it, returning -1
	// on EOF or error.
	GetByte() int
	// PutByte writes one byte at the cursor and advances it, reporting
	// success.
	PutByte(b byte) bool
	// Read fills buf as far as possible starting at the cursor and
	// advances it by the number of bytes read.
	Read(buf []byte) (int, error)
	// Write stores buf starting at the cursor and advances it by the
	// number of bytes written.
	Write(buf []byte) (int, error)
}
