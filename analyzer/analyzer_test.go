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

package analyzer

import (
	"bytes"
	"fmt"
	"os"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/dedup"
	"github.com/fairytale-go/fairytale/parsers"
	"github.com/fairytale-go/fairytale/storagemgr"
	"github.com/fairytale-go/fairytale/streams"
)

// fileRoot creates a level-0 Block backed by a real FileStream over a
// temp file, since pin's level-0 branch requires a *streams.FileStream.
func fileRoot(t *testing.T, contents []byte) *blocktree.Block {
	t.Helper()
	f, err := os.CreateTemp(t.TempDir(), "analyzer-*")
	if err != nil {
		t.Fatalf("CreateTemp: %v", err)
	}
	path := f.Name()
	if _, err := f.Write(contents); err != nil {
		t.Fatalf("Write: %v", err)
	}
	f.Close()

	fs, err := streams.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	t.Cleanup(func() { fs.Close() })
	return &blocktree.Block{Data: fs, Length: int64(len(contents))}
}

// recordingParser never segments; it only records that it was invoked,
// for asserting Process's (Class, Priority) invocation order.
type recordingParser struct {
	name  string
	prio  int
	class parsers.Class
	log   *[]string
}

func (r *recordingParser) Priority() int          { return r.prio }
func (r *recordingParser) Class() parsers.Class   { return r.class }
func (r *recordingParser) Parse(*blocktree.Block, *storagemgr.Manager) (bool, error) {
	*r.log = append(*r.log, r.name)
	return false, nil
}

func TestNewOrdersParsersStrictFirstThenPriorityDescending(t *testing.T) {
	var log []string
	ps := []parsers.Parser{
		&recordingParser{name: "fuzzy-high", prio: 5, class: parsers.Fuzzy, log: &log},
		&recordingParser{name: "strict-low", prio: 1, class: parsers.Strict, log: &log},
		&recordingParser{name: "strict-high", prio: 9, class: parsers.Strict, log: &log},
		&recordingParser{name: "fuzzy-low", prio: 1, class: parsers.Fuzzy, log: &log},
	}
	a := New(ps, nil)

	manager, err := storagemgr.New(1<<20, 0)
	if err != nil {
		t.Fatalf("storagemgr.New: %v", err)
	}
	defer manager.Close()

	root := fileRoot(t, []byte("irrelevant content, no parser here segments anything"))
	if _, err := a.Process(root, manager); err != nil {
		t.Fatalf("Process: %v", err)
	}

	want := []string{"strict-high", "strict-low", "fuzzy-high", "fuzzy-low"}
	if len(log) != len(want) {
		t.Fatalf("invocation log = %v, want %v", log, want)
	}
	for i := range want {
		if log[i] != want[i] {
			t.Errorf("invocation log = %v, want %v", log, want)
			break
		}
	}
}

// fixedMarkerParser segments every occurrence of marker in its block's
// range into a fixed-size Image block (the size bytes immediately
// following the marker), scanning the whole range in one Parse call -
// the same internal-loop shape parsers.DeflateParser and
// parsers.JPEGParser use to find multiple occurrences per invocation.
type fixedMarkerParser struct {
	marker []byte
	size   int64
}

func (f *fixedMarkerParser) Priority() int        { return 0 }
func (f *fixedMarkerParser) Class() parsers.Class { return parsers.Strict }

func (f *fixedMarkerParser) Parse(block *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	if block == nil {
		return false, nil
	}
	if block.Done || block.Type != blocktree.Default {
		return false, fmt.Errorf("fixedMarkerParser: called on a non-candidate block")
	}
	data := block.Data
	end := block.Offset + block.Length
	pos := block.Offset
	found := false

	for pos+int64(len(f.marker))+f.size <= end {
		buf := make([]byte, len(f.marker))
		if !data.Seek(pos) {
			break
		}
		n, _ := data.Read(buf)
		if n == len(f.marker) && bytes.Equal(buf, f.marker) {
			segOffset := pos + int64(len(f.marker))
			seg := blocktree.Segmentation{Offset: segOffset, Length: f.size, Type: blocktree.Image}
			block = block.Segment(seg)
			found = true
			pos = segOffset + f.size
			if block == nil {
				break
			}
			continue
		}
		pos++
	}
	return found, nil
}

func TestProcessDeduplicatesAcrossTwoRecognizedRegionsInOnePass(t *testing.T) {
	marker := []byte("MARK")
	payload := []byte("DUPDUP!!")
	content := append(append(append(append([]byte{}, marker...), payload...), []byte("separator!")...), marker...)
	content = append(content, payload...)

	root := fileRoot(t, content)
	manager, err := storagemgr.New(1<<20, 0)
	if err != nil {
		t.Fatalf("storagemgr.New: %v", err)
	}
	defer manager.Close()

	a := New([]parsers.Parser{&fixedMarkerParser{marker: marker, size: int64(len(payload))}}, dedup.New())
	found, err := a.Process(root, manager)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !found {
		t.Fatal("expected Process to report a segmentation")
	}

	var images []*blocktree.Block
	for b := root; b != nil; b = b.Next {
		if b.Type == blocktree.Image || b.Type == blocktree.Dedup {
			images = append(images, b)
		}
	}
	if len(images) != 2 {
		t.Fatalf("expected 2 recognized (Image or Dedup) blocks, got %d", len(images))
	}

	found = false
	for b := root; b != nil; b = b.Next {
		if b.Type == blocktree.Dedup {
			found = true
			if b.Info != images[0] {
				t.Error("expected the Dedup block's Info to point at the first occurrence")
			}
		}
	}
	if !found {
		t.Error("expected one of the two identical Image blocks to become Dedup")
	}
}

func TestProcessDiscoversGzipWrappedDeflateStream(t *testing.T) {
	plaintext := bytes.Repeat([]byte("Hello"), 200)
	var body bytes.Buffer
	w, err := flate.NewWriter(&body, 6)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	w.Write(plaintext)
	w.Close()

	var content bytes.Buffer
	content.Write([]byte{0x1F, 0x8B, 0x08, 0x00}) // magic, deflate method, flags=0
	content.Write([]byte{0x4B, 0, 0, 0})          // mtime (arbitrary)
	content.WriteByte(0x00)                       // XFL
	content.WriteByte(0xFF)                       // OS = unknown
	content.Write(body.Bytes())
	content.Write([]byte{0, 0, 0, 0}) // CRC32 footer (unchecked by Attempt)
	content.Write([]byte{0, 0, 0, 0}) // ISIZE footer (unchecked by Attempt)

	root := fileRoot(t, content.Bytes())
	manager, err := storagemgr.New(4<<20, 0)
	if err != nil {
		t.Fatalf("storagemgr.New: %v", err)
	}
	defer manager.Close()

	a := New([]parsers.Parser{parsers.NewDeflateParser(false, true)}, dedup.New())
	found, err := a.Process(root, manager)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if !found {
		t.Fatal("expected Process to discover the gzip-wrapped deflate stream")
	}

	var deflateBlock *blocktree.Block
	for b := root; b != nil; b = b.Next {
		if b.Type == blocktree.Deflate {
			deflateBlock = b
			break
		}
	}
	if deflateBlock == nil {
		t.Fatal("expected a Deflate block in the resulting chain")
	}
	if deflateBlock.Length != int64(body.Len()) {
		t.Errorf("Deflate block length = %d, want %d", deflateBlock.Length, body.Len())
	}
	if deflateBlock.Child == nil {
		t.Fatal("expected the Deflate block to have a decompressed child")
	}

	got := make([]byte, deflateBlock.Child.Length)
	deflateBlock.Child.Data.Seek(0)
	if n, _ := deflateBlock.Child.Data.Read(got); int64(n) != deflateBlock.Child.Length {
		t.Fatalf("short read from child stream: %d", n)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("child stream does not match the original plaintext")
	}
}
