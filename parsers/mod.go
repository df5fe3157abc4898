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

// signatureOffset is where a tracker-module signature tag lives (4
// bytes); signatureEnd is the offset just past the tag (1084).
const (
	signatureOffset = 1080
	signatureEnd    = 1084
	minModLength    = 2048 + 512
)

// AudioInfo is the reconstruction metadata attached to Audio blocks.
type AudioInfo struct {
	Channels int
	BPS      int
	Mode     int
}

// ModParser recognizes ProTracker-family tracker module signatures and
// validates the sample/pattern tables that must precede them: grounded
// in parsers/modparser.cpp.
type ModParser struct{}

var _ Parser = (*ModParser)(nil)

func (p *ModParser) Priority() int { return PriorityMod }
func (p *ModParser) Class() Class  { return Strict }

func (p *ModParser) Parse(block *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	if block == nil {
		return false, nil
	}
	if block.Done || block.Type != blocktree.Default {
		return false, fmt.Errorf("parsers: Mod Parse called on a non-candidate block")
	}
	if block.Length < minModLength {
		return false, nil
	}
	data := block.Data

	sigBuf := make([]byte, 4)
	if !data.Seek(block.Offset + signatureOffset) {
		return false, nil
	}
	if n, _ := data.Read(sigBuf); n != 4 {
		return false, nil
	}
	channels, allow128Patterns, ok := modChannels(sigBuf)
	if !ok {
		return false, nil
	}

	header := make([]byte, signatureEnd)
	if !data.Seek(block.Offset) {
		return false, nil
	}
	if n, _ := data.Read(header); n != signatureEnd {
		return false, nil
	}

	size, ok := validateSampleHeaders(header)
	if !ok {
		return false, nil
	}

	numPatterns := 1
	for _, b := range header[952:1080] { // pattern table: 128 bytes ending right before the signature
		if int(b)+1 > numPatterns {
			numPatterns = int(b) + 1
		}
	}
	limit := 64
	if allow128Patterns {
		limit = 128
	}
	if numPatterns > limit {
		return false, nil
	}

	sampleDataOffset := block.Offset + signatureEnd + int64(256*channels*numPatterns)
	if sampleDataOffset+size > block.Offset+block.Length {
		return false, nil
	}

	seg := blocktree.Segmentation{
		Offset: sampleDataOffset,
		Length: size,
		Type:   blocktree.Audio,
		Info:   &AudioInfo{Channels: 1, BPS: 8, Mode: 4},
	}
	block.Segment(seg)
	return true, nil
}

// modChannels inspects the 4-byte signature tag and returns the channel
// count it implies and whether the "up to 128 patterns" allowance
// applies (true only for "M!K!" and the decimal "xxCH"/"xxCN" forms,
// per the table in parsers/modparser.cpp).
func modChannels(sig []byte) (channels int, allow128Patterns, ok bool) {
	tag := string(sig)
	switch tag {
	case "M.K.":
		return 4, false, true
	case "M!K!":
		return 4, true, true
	case "FLT4":
		return 4, false, true
	case "FLT8":
		return 8, false, true
	case "CD81":
		return 8, false, true
	}
	if len(tag) == 4 && tag[0] == 'T' && tag[1] == 'D' && tag[2] == 'Z' && tag[3] >= '1' && tag[3] <= '3' {
		return 4, false, true
	}
	if tag == "OCTA" || tag == "OKTA" {
		return 8, false, true
	}
	// "xCHN", x an even digit
	if len(tag) == 4 && tag[1] == 'C' && tag[2] == 'H' && tag[3] == 'N' && tag[0] >= '0' && tag[0] <= '9' {
		d := int(tag[0] - '0')
		if d%2 == 0 && d < 10 {
			return d, false, true
		}
	}
	// "xxCH" or "xxCN", x in 0-9
	if len(tag) == 4 && tag[2] == 'C' && (tag[3] == 'H' || tag[3] == 'N') && tag[0] >= '0' && tag[0] <= '9' && tag[1] >= '0' && tag[1] <= '9' {
		ch := int(tag[0]-'0')*10 + int(tag[1]-'0')
		if ch > 0 && ch%2 == 0 {
			return ch, true, true
		}
	}
	return 0, false, false
}

// validateSampleHeaders walks the 31 fixed 30-byte sample records that
// start right after the 20-byte module name (offset 20) and end at
// offset 950, summing sample lengths and rejecting on the first
// structurally invalid entry.
func validateSampleHeaders(header []byte) (int64, bool) {
	const (
		firstSample  = 20
		sampleRecLen = 30
	)
	var total int64
	for k := 0; k < 31; k++ {
		rec := header[firstSample+k*sampleRecLen : firstSample+(k+1)*sampleRecLen]
		length := int64(rec[22])*256 + int64(rec[23])
		length *= 2
		// fineTune is nominally a nibble (0-15), but the check below
		// must see the raw byte: a malformed module can set the high
		// nibble too, which a premature mask would hide.
		fineTune := rec[24]
		volume := rec[25]
		if length > 0 && (fineTune > 0x0F || volume > 0x40) {
			return 0, false
		}
		total += length
	}
	if total == 0 {
		return 0, false
	}
	return total, true
}
