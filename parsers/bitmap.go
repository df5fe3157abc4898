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

// Bitmap header sizes (biSize/bcSize discriminates the variant in use).
const (
	bitmapCoreHeader   = 12
	bitmapFileHeader   = 14
	bitmapInfoHeader   = 40
	bitmapV2InfoHeader = 52
	bitmapV3InfoHeader = 56
	bitmapV4InfoHeader = 108
	bitmapV5InfoHeader = 124
)

const (
	biRGB = iota
	biRLE8
	biRLE4
	biBitfields
	biJPEG
	biPNG
)

var bitmapSignature = [2]byte{'B', 'M'}

// iconCursorWidths lists the header-less DIB widths Windows ships in
// .ico/.cur resources when the reported size can't be matched against
// the AND-mask formula directly.
var iconCursorWidths = map[int32]bool{
	8: true, 10: true, 14: true, 16: true, 20: true, 22: true, 24: true,
	32: true, 40: true, 48: true, 60: true, 64: true, 72: true, 80: true,
	96: true, 128: true, 256: true,
}

// ImageInfo is the reconstruction metadata attached to Image blocks.
type ImageInfo struct {
	Width, Height int32
	BitCount      int
	Compression   uint32
	Grayscale     bool
	// HeaderLess records whether the match was a raw icon/cursor DIB
	// (no BITMAPFILEHEADER, height reported as 2x the real height).
	HeaderLess bool
}

// bmpHeader holds the fields of whichever BITMAPV5INFOHEADER-compatible
// variant was actually present, normalized to a common shape.
type bmpHeader struct {
	size          uint32
	width, height int32
	planes        uint16
	bitCount      uint16
	compression   uint32
	sizeImage     uint32
	clrUsed       uint32
	clrImportant  uint32
	redMask       uint32
	greenMask     uint32
	blueMask      uint32
	alphaMask     uint32
	csType        uint32
}

// BitmapParser recognizes BITMAPFILEHEADER+DIB pairs, and the header-less
// DIBs Windows stores inside .ico/.cur resources: grounded in
// parsers/bitmapparser.cpp.
type BitmapParser struct{}

var _ Parser = (*BitmapParser)(nil)

func (p *BitmapParser) Priority() int { return PriorityBitmap }
func (p *BitmapParser) Class() Class  { return Strict }

func (p *BitmapParser) Parse(block *blocktree.Block, manager *storagemgr.Manager) (bool, error) {
	if block == nil {
		return false, nil
	}
	if block.Done || block.Type != blocktree.Default {
		return false, fmt.Errorf("parsers: Bitmap Parse called on a non-candidate block")
	}
	if block.Length < 128 {
		return false, nil
	}
	data := block.Data
	result := false
	end := block.Offset + block.Length

	for pos := block.Offset; pos+bitmapCoreHeader <= end; pos++ {
		if !data.Seek(pos) {
			break
		}
		window := make([]byte, 4)
		if n, _ := data.Read(window); n != 4 {
			break
		}
		fileHeaderPresent := window[0] == bitmapSignature[0] && window[1] == bitmapSignature[1]
		hdrOffset := pos
		var reportedSize, reportedOffBits int64
		if fileHeaderPresent {
			if pos+bitmapFileHeader+bitmapCoreHeader > end {
				continue
			}
			fh := make([]byte, bitmapFileHeader)
			if !data.Seek(pos) {
				continue
			}
			if n, _ := data.Read(fh); n != len(fh) {
				continue
			}
			reportedSize = int64(le32(fh[2:6]))
			reportedOffBits = int64(le32(fh[10:14]))
			hdrOffset = pos + bitmapFileHeader
		}

		hdr, headerLen, ok := readDIBHeader(data, hdrOffset, end)
		if !ok {
			continue
		}

		width, height := hdr.width, hdr.height
		headerLess := !fileHeaderPresent
		if headerLess {
			// icon/cursor DIBs report double height (color plane + 1bpp AND mask).
			if height != 2*width || width <= 0 {
				continue
			}
			andMaskStride := ((width + 31) &^ 31) >> 3
			colorStride := int32(stride(width, int(hdr.bitCount)))
			expected := int64(colorStride+andMaskStride) * int64(width)
			if hdr.sizeImage != 0 && int64(hdr.sizeImage) != expected && !iconCursorWidths[width] {
				continue
			}
			height = width
		}

		if width <= 0 || width >= 0x800000 || height == 0 || height >= 0x800000 || height <= -0x800000 {
			continue
		}
		if hdr.planes != 1 {
			continue
		}
		switch hdr.bitCount {
		case 1, 4, 8, 24:
		case 32:
			if hdr.size == bitmapCoreHeader {
				continue
			}
		default:
			continue
		}
		switch hdr.compression {
		case biRGB:
		case biBitfields:
			if hdr.size == bitmapCoreHeader || hdr.bitCount != 32 {
				continue
			}
			if !((hdr.redMask == 0x000000FF && hdr.blueMask == 0x00FF0000) ||
				(hdr.redMask == 0x00FF0000 && hdr.blueMask == 0x000000FF)) {
				continue
			}
			if hdr.greenMask != 0x0000FF00 {
				continue
			}
			if hdr.size >= bitmapV3InfoHeader && hdr.alphaMask != 0 && hdr.alphaMask != 0xFF000000 {
				continue
			}
		default:
			continue
		}
		if hdr.size >= bitmapV4InfoHeader {
			switch hdr.csType {
			case 0x00000000, 0x73524742, 0x57696E20, 0x4C494E4B, 0x4D424544:
			default:
				continue
			}
		}

		bpp := int(hdr.bitCount)
		maxPalette := int64(1)
		if bpp < 8 {
			maxPalette = int64(1) << uint(bpp)
		} else if bpp == 8 {
			maxPalette = 256
		} else {
			maxPalette = 0
		}
		if maxPalette > 0 && (int64(hdr.clrUsed) > maxPalette || int64(hdr.clrImportant) > maxPalette) {
			continue
		}

		absHeight := height
		if absHeight < 0 {
			absHeight = -absHeight
		}
		st := stride(width, bpp)
		actualSize := int64(st) * int64(absHeight)
		if actualSize < 128 {
			continue
		}

		var pixelOffset int64
		var paletteEntries int64
		if bpp <= 8 {
			paletteEntries = maxPalette
			if hdr.clrUsed > 0 {
				paletteEntries = int64(hdr.clrUsed)
			}
		}
		paletteBytes := paletteEntries * 4
		if hdr.size == bitmapCoreHeader {
			paletteBytes = paletteEntries * 3
		}
		if fileHeaderPresent {
			pixelOffset = reportedOffBits
			if pixelOffset < hdrOffset+int64(headerLen) {
				continue
			}
		} else {
			pixelOffset = hdrOffset + int64(headerLen) + paletteBytes
		}
		if pixelOffset+actualSize > end {
			continue
		}
		if reportedSize != 0 && reportedSize < actualSize && fileHeaderPresent {
			continue
		}

		grayscale := false
		if bpp == 8 && paletteEntries > 0 {
			if data.Seek(hdrOffset + int64(headerLen)) {
				grayscale = hasGrayscalePalette(data, int(paletteEntries), hdr.size != bitmapCoreHeader)
			}
		}

		seg := blocktree.Segmentation{
			Offset: pixelOffset,
			Length: actualSize,
			Type:   blocktree.Image,
			Info: &ImageInfo{
				Width: width, Height: absHeight, BitCount: bpp,
				Compression: hdr.compression, Grayscale: grayscale,
				HeaderLess: headerLess,
			},
		}
		block = block.Segment(seg)
		result = true
		pos = pixelOffset + actualSize - 1
		if pos+1 >= end {
			break
		}
	}
	return result, nil
}

// readDIBHeader reads whichever DIB header variant is present at offset,
// normalizing BITMAPCOREHEADER's int16 fields into the common shape.
func readDIBHeader(data interface {
	Seek(int64) bool
	Read([]byte) (int, error)
}, offset, end int64) (bmpHeader, int, bool) {
	if offset+4 > end {
		return bmpHeader{}, 0, false
	}
	if !data.Seek(offset) {
		return bmpHeader{}, 0, false
	}
	var sizeBuf [4]byte
	if n, _ := data.Read(sizeBuf[:]); n != 4 {
		return bmpHeader{}, 0, false
	}
	size := le32(sizeBuf[:])

	var length int
	switch size {
	case bitmapCoreHeader:
		length = bitmapCoreHeader
	case bitmapInfoHeader, bitmapV2InfoHeader, bitmapV3InfoHeader, bitmapV4InfoHeader, bitmapV5InfoHeader:
		length = int(size)
	default:
		return bmpHeader{}, 0, false
	}
	if offset+int64(length) > end {
		return bmpHeader{}, 0, false
	}

	if size == bitmapCoreHeader {
		buf := make([]byte, bitmapCoreHeader-4)
		if n, _ := data.Read(buf); n != len(buf) {
			return bmpHeader{}, 0, false
		}
		w := int16(le16(buf[0:2]))
		h := int16(le16(buf[2:4]))
		return bmpHeader{
			size:     size,
			width:    int32(w),
			height:   int32(h),
			planes:   le16(buf[4:6]),
			bitCount: le16(buf[6:8]),
		}, length, true
	}

	buf := make([]byte, length-4)
	if n, _ := data.Read(buf); n != len(buf) {
		return bmpHeader{}, 0, false
	}
	h := bmpHeader{
		size:         size,
		width:        int32(le32(buf[0:4])),
		height:       int32(le32(buf[4:8])),
		planes:       le16(buf[8:10]),
		bitCount:     le16(buf[10:12]),
		compression:  le32(buf[12:16]),
		sizeImage:    le32(buf[16:20]),
		clrUsed:      le32(buf[28:32]),
		clrImportant: le32(buf[32:36]),
	}
	if size >= bitmapV2InfoHeader {
		h.redMask = le32(buf[36:40])
		h.greenMask = le32(buf[40:44])
		h.blueMask = le32(buf[44:48])
	}
	if size >= bitmapV3InfoHeader {
		h.alphaMask = le32(buf[48:52])
	}
	if size >= bitmapV4InfoHeader {
		h.csType = le32(buf[52:56])
	}
	return h, length, true
}

// stride is the DWORD-aligned byte width of one scanline.
func stride(width int32, bpp int) int {
	return int(((width*int32(bpp) + 31) &^ 31) / 8)
}

func le16(b []byte) uint16 { return uint16(b[0]) | uint16(b[1])<<8 }
func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// hasGrayscalePalette replays Image::HasGrayscalePalette: a palette is
// grayscale if every entry's color channels are equal and consecutive
// entries form a monotonic ramp with a per-step delta of 0..8.
func hasGrayscalePalette(data interface {
	Seek(int64) bool
	Position() int64
	GetByte() int
}, numEntries int, hasAlpha bool) bool {
	if numEntries <= 0 || numEntries > 256 {
		return false
	}
	offset := data.Position()
	defer data.Seek(offset)

	entryStride := 3
	if hasAlpha {
		entryStride = 4
	}
	order := 1
	prev := 0
	for i := 0; i < numEntries*entryStride; i++ {
		b := data.GetByte()
		if b < 0 {
			return false
		}
		if i == 0 {
			prev = b
			order = 1
			if b > intLog2(numEntries)/4 {
				order = -1
			}
			continue
		}
		j := i % entryStride
		if j == 0 {
			k := (b - prev) * order
			if k < 0 || k > 8 {
				return false
			}
			prev = b
		} else if j < 3 {
			if b != prev {
				return false
			}
		} else if b != 0 && b != 0xFF {
			return false
		}
	}
	return true
}

func intLog2(n int) int {
	l := 0
	for n > 1 {
		n >>= 1
		l++
	}
	return l
}
