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

// PossibleCombinations is the number of distinct zlib stream headers the
// detector recognizes. Real zlib additionally varies output bytes by
// memLevel (1-9) for a given level, giving 9*9=81 encoder configurations;
// klauspost/compress/flate (like the standard library's compress/flate)
// exposes only a level knob, so memLevel cannot be reproduced or probed
// in pure Go. Each header is instead mapped to one representative Go
// flate level drawn from its FLEVEL bucket (see combinationLevel) -
// penaltyBytes absorbs whatever byte-level drift that approximation
// leaves behind.
const PossibleCombinations = 24

// blockSize is the chunk size used when streaming through the candidate
// encoders and the underlying inflate/deflate passes.
const blockSize = 0x8000

// maxWBits is zlib's own MAX_WBITS constant: the largest window size
// deflateInit2 accepts, used to derive DeflateInfo.Window below.
const maxWBits = 15

// zlibHeaders maps the 16-bit big-endian (CMF<<8)|FLG header of a zlib
// stream to a combination id in [0, PossibleCombinations). These are
// exactly the header bytes zlib emits for CINFO in {2..7} (the six
// window sizes zlib's deflateInit2 will pick for non-default wbits)
// crossed with the four FLEVEL buckets, each satisfying
// (CMF*256+FLG) % 31 == 0.
var zlibHeaders = map[uint16]int{
	0x2815: 0, 0x2853: 1, 0x2891: 2, 0x28cf: 3,
	0x3811: 4, 0x384f: 5, 0x388d: 6, 0x38cb: 7,
	0x480d: 8, 0x484b: 9, 0x4889: 10, 0x48c7: 11,
	0x5809: 12, 0x5847: 13, 0x5885: 14, 0x58c3: 15,
	0x6805: 16, 0x6843: 17, 0x6881: 18, 0x68de: 19,
	0x7801: 20, 0x785e: 21, 0x789c: 22, 0x78da: 23,
}

// parseZlibHeader returns the combination id for a 2-byte zlib header
// (big-endian CMF, FLG), or -1 if header isn't a valid zlib header.
func parseZlibHeader(header uint16) int {
	if id, ok := zlibHeaders[header]; ok {
		return id
	}
	return -1
}

// ParseZlibHeader is the exported form, for parsers.DeflateParser's
// trigger scan: it needs to recognize the same headers before handing
// the candidate off to Attempt.
func ParseZlibHeader(header uint16) int { return parseZlibHeader(header) }

// combinationLevel maps a combination id to the Go flate compression
// level most likely to reproduce it: the FLEVEL bucket encoded in the
// header's top two bits of FLG (id%4 here, since the table above lists
// ids in FLEVEL-major order within each CINFO group) determines whether
// the original encoder ran at the fastest, fast, default, or best
// setting; we pick one representative level per bucket.
func combinationLevel(id int) int {
	switch id % 4 {
	case 0:
		return 1 // FLEVEL 0: fastest
	case 1:
		return 3 // FLEVEL 1: fast
	case 2:
		return 6 // FLEVEL 2: default
	default:
		return 9 // FLEVEL 3: best compression
	}
}

// candidateLevelRange returns the inclusive range of Go flate levels
// worth probing for a header combination id, mirroring the original
// encoder's ctype-based minclevel/maxclevel pruning (its SetupParameters
// narrows the 9-level search using exactly this FLEVEL bucket, since the
// header already rules out whichever levels couldn't have produced it).
// A raw deflate body (no header) or an unrecognized id carries no such
// hint, so every level is a candidate.
func candidateLevelRange(raw bool, id int) (min, max int) {
	if raw || id < 0 {
		return 1, 9
	}
	switch id % 4 {
	case 0:
		return 1, 1
	case 1:
		return 2, 5
	case 2:
		return 6, 6
	default:
		return 7, 9
	}
}

// windowFor derives the window value the spec records alongside the
// combination id (DeflateInfo.Window): MAX_WBITS+10+combinationID/4, the
// parameter the original zlib encoder's deflateInit2 call would have
// used, or 0 for a raw deflate body that carries no window at all. Like
// the memLevel dropped above, this is recorded for reconstruction
// fidelity but isn't independently exercised: klauspost/compress/flate's
// Writer exposes no window-bits knob to feed it back into, so two
// streams with different windows but identical level still probe and
// recompress identically here.
func windowFor(raw bool, combinationID int) int {
	if raw || combinationID < 0 {
		return 0
	}
	return maxWBits + 10 + combinationID/4
}
