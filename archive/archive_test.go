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

import (
	"bytes"
	"testing"

	"github.com/fairytale-go/fairytale/blocktree"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: 1, Flags: 0x1234, Size: 1 << 30, Checksum: 0xAB}
	buf, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(buf) != HeaderLength {
		t.Fatalf("expected %d bytes, got %d", HeaderLength, len(buf))
	}
	if !bytes.Equal(buf[0:3], Magic[:]) {
		t.Fatal("expected magic at front of header")
	}
	var got Header
	if err := got.UnmarshalBinary(buf); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != h {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
}

func TestHeaderRejectsBadMagic(t *testing.T) {
	buf := make([]byte, HeaderLength)
	var h Header
	if err := h.UnmarshalBinary(buf); err == nil {
		t.Fatal("expected error for all-zero (bad magic) header")
	}
}

func TestCodecSequenceAppendReplacesExisting(t *testing.T) {
	var seq CodecSequence
	seq.Append(CodecEntry{ID: CodecNone, Parameters: []byte{1}})
	seq.Append(CodecEntry{ID: CodecNone, Parameters: []byte{2}})
	if len(seq.Entries) != 1 {
		t.Fatalf("expected Append to replace, got %d entries", len(seq.Entries))
	}
	if seq.Entries[0].Parameters[0] != 2 {
		t.Fatal("expected second Append's parameters to win")
	}
}

func TestCodecSequenceRemove(t *testing.T) {
	var seq CodecSequence
	seq.Append(CodecEntry{ID: CodecNone})
	if !seq.Remove(CodecNone) {
		t.Fatal("expected Remove to find the entry")
	}
	if len(seq.Entries) != 0 {
		t.Fatal("expected entry removed")
	}
	if seq.Remove(CodecNone) {
		t.Fatal("expected second Remove to report not found")
	}
}

func TestDefinitionsAdd(t *testing.T) {
	var d Definitions
	id := d.Add(CodecSequence{})
	if id != 0 {
		t.Fatalf("expected first sequence id 0, got %d", id)
	}
	id = d.Add(CodecSequence{})
	if id != 1 {
		t.Fatalf("expected second sequence id 1, got %d", id)
	}
}

func TestSegmentationHoldsBlockRecords(t *testing.T) {
	seg := Segmentation{
		Chunks: []ChunkInfo{{BlockType: blocktree.JPEG, ChildIDs: []int64{1, 2}}},
		Nodes:  []BlockNode{{BlockType: blocktree.JPEG}},
	}
	if len(seg.Chunks) != 1 || seg.Chunks[0].BlockType != blocktree.JPEG {
		t.Fatal("expected chunk record to carry its block type")
	}
}
