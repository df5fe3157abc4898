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

package transform

import (
	"bytes"
	"hash/adler32"
	"testing"

	"github.com/klauspost/compress/flate"

	"github.com/fairytale-go/fairytale/storagemgr"
)

// memStream is a minimal growable in-memory streams.Stream test double.
type memStream struct {
	buf []byte
	pos int64
}

func newMemStream(data []byte) *memStream { return &memStream{buf: append([]byte(nil), data...)} }

func (m *memStream) Seek(offset int64) bool {
	if offset < 0 {
		return false
	}
	m.pos = offset
	return true
}
func (m *memStream) Position() int64 { return m.pos }
func (m *memStream) Size() int64     { return int64(len(m.buf)) }
func (m *memStream) GetByte() int {
	if m.pos >= int64(len(m.buf)) {
		return -1
	}
	b := m.buf[m.pos]
	m.pos++
	return int(b)
}
func (m *memStream) PutByte(b byte) bool {
	m.ensure(m.pos + 1)
	m.buf[m.pos] = b
	m.pos++
	return true
}
func (m *memStream) Read(p []byte) (int, error) {
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	return n, nil
}
func (m *memStream) Write(p []byte) (int, error) {
	m.ensure(m.pos + int64(len(p)))
	copy(m.buf[m.pos:], p)
	m.pos += int64(len(p))
	return len(p), nil
}
func (m *memStream) ensure(size int64) {
	if int64(len(m.buf)) < size {
		grown := make([]byte, size)
		copy(grown, m.buf)
		m.buf = grown
	}
}

// buildZlibStream deflates plaintext at level (via the same klauspost
// encoder the prober uses, so recompression is guaranteed to reproduce
// it byte-for-byte) and wraps it in a zlib header/trailer matching the
// given combination id.
func buildZlibStream(t *testing.T, id int, plaintext []byte) ([]byte, uint16) {
	t.Helper()
	var header uint16
	for h, cid := range zlibHeaders {
		if cid == id {
			header = h
			break
		}
	}
	level := combinationLevel(id)
	var body bytes.Buffer
	w, err := flate.NewWriter(&body, level)
	if err != nil {
		t.Fatalf("flate.NewWriter: %v", err)
	}
	w.Write(plaintext)
	w.Close()

	sum := adler32.Checksum(plaintext)
	var out bytes.Buffer
	out.WriteByte(byte(header >> 8))
	out.WriteByte(byte(header))
	out.Write(body.Bytes())
	out.WriteByte(byte(sum >> 24))
	out.WriteByte(byte(sum >> 16))
	out.WriteByte(byte(sum >> 8))
	out.WriteByte(byte(sum))
	return out.Bytes(), header
}

func TestAttemptReconstructsZlibStream(t *testing.T) {
	plaintext := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 64)
	stream, _ := buildZlibStream(t, 22, plaintext) // id 22 -> 0x789c, level 6

	manager, err := storagemgr.New(4<<20, 0)
	if err != nil {
		t.Fatalf("storagemgr.New: %v", err)
	}
	defer manager.Close()

	input := newMemStream(stream)
	info := &DeflateInfo{Raw: false}
	tr := NewDeflateTransform()
	out, err := tr.Attempt(input, manager, info)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out == nil {
		t.Fatal("expected Attempt to recognize the synthetic zlib stream")
	}
	if info.CombinationID != 22 {
		t.Errorf("CombinationID = %d, want 22", info.CombinationID)
	}
	if info.Level != 6 {
		t.Errorf("Level = %d, want 6", info.Level)
	}
	if len(info.PenaltyPositions) != 0 {
		t.Errorf("expected an exact match with no penalty bytes, got %d", len(info.PenaltyPositions))
	}
	if info.CompressedLength != int64(len(stream)) {
		t.Errorf("CompressedLength = %d, want %d", info.CompressedLength, len(stream))
	}

	got := make([]byte, info.UncompressedLength)
	out.Seek(0)
	if n, _ := out.Read(got); int64(n) != info.UncompressedLength {
		t.Fatalf("short read from reconstructed stream: %d", n)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatal("reconstructed bytes don't match the original plaintext")
	}
}

func TestUndoReproducesCompressedBytes(t *testing.T) {
	plaintext := bytes.Repeat([]byte("undo round trip payload "), 40)
	stream, _ := buildZlibStream(t, 3, plaintext) // id 3 -> level 9

	info := &DeflateInfo{
		Raw:                false,
		CombinationID:      3,
		Level:              9,
		CompressedLength:   int64(len(stream)),
		UncompressedLength: int64(len(plaintext)),
		Header:             0x28cf,
	}
	tr := NewDeflateTransform()
	input := newMemStream(plaintext)
	output := newMemStream(nil)
	ok, err := tr.Undo(input, output, info)
	if err != nil {
		t.Fatalf("Undo: %v", err)
	}
	if !ok {
		t.Fatal("expected Undo to succeed")
	}
	if !bytes.Equal(output.buf, stream) {
		t.Fatalf("Undo did not reproduce the original compressed bytes (got %d bytes, want %d)", len(output.buf), len(stream))
	}
}

func TestApplyReplaysDecompression(t *testing.T) {
	plaintext := []byte("a short message compressed for the Apply path")
	stream, _ := buildZlibStream(t, 20, plaintext) // id 20 -> level 1

	info := &DeflateInfo{Raw: false}
	tr := NewDeflateTransform()
	input := newMemStream(stream)
	output := newMemStream(nil)
	ok, err := tr.Apply(input, output, info)
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !ok {
		t.Fatal("expected Apply to succeed")
	}
	if !bytes.Equal(output.buf, plaintext) {
		t.Fatal("Apply did not reproduce the original plaintext")
	}
}

// TestDeflateCandidateRecordsPenaltyBytesWithinThreshold exercises the
// genuine-mismatch path the three round-trip tests above never touch:
// a candidate whose recompression differs from the "real" stream at a
// handful of positions, but stays within MaxPenaltyBytes, so it's still
// usable once the mismatching bytes are recorded as penalties.
func TestDeflateCandidateRecordsPenaltyBytesWithinThreshold(t *testing.T) {
	plaintext := bytes.Repeat([]byte("penalty byte coverage payload "), 80)
	c := newDeflateCandidate(6)
	c.feed(plaintext)
	c.finish()

	// Stand in for "the real encoder's bytes": identical in length, but
	// diverging at a few scattered offsets, the way a different memLevel
	// or hash-chain strategy would drift from our recompression.
	original := append([]byte(nil), c.buf.Bytes()...)
	if len(original) < 10 {
		t.Fatalf("recompressed output too short to corrupt meaningfully: %d bytes", len(original))
	}
	corrupt := []int{2, len(original) / 2, len(original) - 2}
	for _, p := range corrupt {
		original[p] ^= 0xFF
	}

	c.compareAgainst(original)
	if c.eliminated {
		t.Fatal("a handful of mismatches within MaxPenaltyBytes should not eliminate the candidate")
	}
	if len(c.positions) != len(corrupt) || len(c.penalties) != len(corrupt) {
		t.Fatalf("got %d penalty positions / %d penalty bytes, want %d of each", len(c.positions), len(c.penalties), len(corrupt))
	}
	for i, p := range corrupt {
		if c.positions[i] != int64(p) {
			t.Errorf("positions[%d] = %d, want %d", i, c.positions[i], p)
		}
		if c.penalties[i] != original[p] {
			t.Errorf("penalties[%d] = %#x, want %#x", i, c.penalties[i], original[p])
		}
	}
	if c.compared != int64(len(original)) {
		t.Errorf("compared = %d, want %d", c.compared, len(original))
	}
}

// TestDeflateCandidateEliminatedBeyondMaxPenaltyBytes covers the
// MAX_PENALTY_BYTES elimination path itself: once mismatches exceed the
// threshold, compareAgainst must stop tolerating the candidate.
func TestDeflateCandidateEliminatedBeyondMaxPenaltyBytes(t *testing.T) {
	plaintext := bytes.Repeat([]byte("this candidate drifts past the threshold and dies "), 400)
	c := newDeflateCandidate(6)
	c.feed(plaintext)
	c.finish()

	original := append([]byte(nil), c.buf.Bytes()...)
	if len(original) <= MaxPenaltyBytes {
		t.Fatalf("need more recompressed bytes than MaxPenaltyBytes to exercise elimination, got %d", len(original))
	}
	for i := 0; i <= MaxPenaltyBytes; i++ {
		original[i] ^= 0xFF
	}

	c.compareAgainst(original)
	if !c.eliminated {
		t.Fatal("expected the candidate to be eliminated once mismatches exceed MaxPenaltyBytes")
	}
	if len(c.positions) != MaxPenaltyBytes {
		t.Errorf("positions = %d, want exactly MaxPenaltyBytes (%d) recorded before elimination", len(c.positions), MaxPenaltyBytes)
	}
}

// TestSelectWinnerPicksGlobalMinimumDifferCount covers the selection gap
// the original probe left open: picking the first MTF-ordered candidate
// to clear a threshold instead of the candidate with the fewest
// mismatches overall. Candidates are listed out of differ-count order
// and with one ineligible entry mixed in, so a naive first-match scan
// would pick wrong.
func TestSelectWinnerPicksGlobalMinimumDifferCount(t *testing.T) {
	const originalLen = 100
	worse := &deflateCandidate{level: 5, positions: make([]int64, 4), compared: originalLen}
	incomplete := &deflateCandidate{level: 9, positions: nil, compared: originalLen - 1} // never reached the end
	eliminated := &deflateCandidate{level: 2, eliminated: true, compared: originalLen}
	best := &deflateCandidate{level: 3, positions: make([]int64, 1), compared: originalLen}
	tiedButLater := &deflateCandidate{level: 4, positions: make([]int64, 1), compared: originalLen}

	winner := selectWinner([]*deflateCandidate{worse, incomplete, eliminated, best, tiedButLater}, originalLen)
	if winner != best {
		got := -1
		if winner != nil {
			got = winner.level
		}
		t.Fatalf("selectWinner chose level %d, want level %d (the global minimum differ count)", got, best.level)
	}
}

func TestAttemptRejectsNonDeflateData(t *testing.T) {
	manager, err := storagemgr.New(1<<20, 0)
	if err != nil {
		t.Fatalf("storagemgr.New: %v", err)
	}
	defer manager.Close()

	input := newMemStream(bytes.Repeat([]byte{0xAA, 0x55}, 64))
	info := &DeflateInfo{Raw: false}
	tr := NewDeflateTransform()
	out, err := tr.Attempt(input, manager, info)
	if err != nil {
		t.Fatalf("Attempt: %v", err)
	}
	if out != nil {
		t.Fatal("expected random bytes to be rejected")
	}
}
