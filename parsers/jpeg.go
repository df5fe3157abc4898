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

package parsers

import (
	"fmt"

	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/storagemgr"
)

// JPEG marker bytes (second byte of a 0xFF-prefixed marker).
const (
	markerSOF0 = 0xC0
	markerSOF1 = 0xC1
	markerSOF2 = 0xC2
	markerDHT  = 0xC4
	markerEOI  = 0xD9
	markerSOS  = 0xDA
	markerDQT  = 0xDB
)

// JPEGParser finds SOI..EOI ranges bracketing a complete, structurally
// valid JFIF frame: grounded in parsers/jpegparser.cpp.
type JPEGParser struct {
	// AllowProgressive enables SOF2 (progressive) frames; the original
	// gates this behind a constructor option.
	AllowProgressive bool
}

var _ Parser = (*JPEGParser)(nil)

func (p *JPEGParser) Priority() int { return PriorityJPEG }
func (p *JPEGParser) Class() Class  { return Strict }

func (p *JPEGParser) Parse(block *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	if block == nil {
		return false, nil
	}
	if block.Done || block.Type != blocktree.Default {
		return false, fmt.Errorf("parsers: JPEG Parse called on a non-candidate block")
	}
	length := block.Length
	if length < 512 {
		return false, nil
	}
	data := block.Data
	if !data.Seek(block.Offset) {
		return false, nil
	}

	result := false
	var window uint32
	pos := block.Offset
	end := block.Offset + length

	for pos < end {
		c := data.GetByte()
		if c < 0 {
			break
		}
		window = (window << 8) | uint32(c)
		pos++

		if window&0xFFFFFF00 != 0xFFD8FF00 {
			continue
		}
		if !(c == markerSOF0 || c == markerSOF1 ||
			(c == markerSOF2 && p.AllowProgressive) ||
			c == markerDHT ||
			(c >= markerDQT && c < 0xFF)) {
			continue
		}

		// window holds FF D8 FF c: SOI starts 4 bytes back, and the
		// first marker after it 2 bytes back
		soiOffset := pos - 4
		eoiEnd, ok := p.walkFrame(data, pos-2, byte(c))
		window = 0
		if !ok {
			continue
		}

		seg := blocktree.Segmentation{
			Offset: soiOffset,
			Length: eoiEnd - soiOffset,
			Type:   blocktree.JPEG,
		}
		block = block.Segment(seg)
		pos = eoiEnd
		if pos >= end {
			result = true
			break
		}
		if !data.Seek(pos) {
			return result, nil
		}
		result = true
	}
	return result, nil
}

// walkFrame validates the marker chain starting at the first marker
// after SOI (at markerOffset, whose second byte is firstMarker), and
// on success scans forward for a terminating EOI. Returns the offset
// just past EOI.
func (p *JPEGParser) walkFrame(data interface {
	Seek(int64) bool
	Read([]byte) (int, error)
}, markerOffset int64, firstMarker byte) (int64, bool) {
	hasQuantTable := firstMarker == markerDQT
	progressive := firstMarker == markerSOF2
	offset := markerOffset

	var buf [5]byte
	found := false
	for {
		if !data.Seek(offset) {
			return 0, false
		}
		n, _ := data.Read(buf[:5])
		if n != 5 || buf[0] != 0xFF {
			return 0, false
		}
		markerLen := int64(buf[2])*256 + int64(buf[3])
		marker := buf[1]
		done := false
		switch marker {
		case markerDQT:
			if markerLen <= 262 && (markerLen-2)%65 == 0 && buf[4] <= 3 {
				hasQuantTable = true
				offset += markerLen + 2
			} else {
				done = true
			}
		case markerDHT:
			offset += markerLen + 2
			done = (buf[4]&0xF) > 3 || (buf[4]>>4) > 1
		case markerSOS:
			found = hasQuantTable
			done = true
		case markerEOI:
			done = true
		case markerSOF2:
			progressive = true
			offset += markerLen + 2
			done = buf[4] != 0x08
		case markerSOF0, markerSOF1:
			offset += markerLen + 2
			done = buf[4] != 0x08
		default:
			offset += markerLen + 2
		}
		if done {
			break
		}
	}
	if !found {
		return 0, false
	}

	// found a valid SOS; now hunt for the terminating EOI
	offset += 5
	isMarker := buf[4] == 0xFF
	eoiFound := false
	done := false
	for !done {
		var chunk [scratchBufferSize]byte
		if !data.Seek(offset) {
			break
		}
		n, _ := data.Read(chunk[:])
		if n == 0 {
			break
		}
		for k := 0; k < n && !done; k++ {
			c := chunk[k]
			offset++
			if !isMarker {
				isMarker = c == 0xFF
				continue
			}
			done = c > 0 && (c&0xF8) != 0xD0 && (!progressive || (c != markerDHT && c != markerSOS))
			eoiFound = c == markerEOI
			isMarker = false
		}
	}
	if !eoiFound {
		return 0, false
	}
	return offset, true
}
