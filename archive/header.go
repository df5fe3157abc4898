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
	"encoding/binary"
	"fmt"
)

// Magic is the 3-byte container magic.
var Magic = [3]byte{0x46, 0x54, 0x4C}

// Header is the fixed-size archive header: magic, version, flags,
// total size and a checksum byte. It is the only piece of the archive
// format with a fixed on-disk layout; everything else is a sequence of
// ULEB128-framed records.
type Header struct {
	Version  uint8
	Flags    uint16
	Size     int64
	Checksum uint8
}

// HeaderLength is the fixed encoded byte length of Header.
const HeaderLength = len(Magic) + 1 /*version*/ + 2 /*flags*/ + 8 /*size*/ + 1 /*checksum*/

// MarshalBinary encodes h in the on-disk layout: magic, version,
// flags (little-endian u16), size (little-endian i64), checksum.
func (h Header) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HeaderLength)
	copy(buf[0:3], Magic[:])
	buf[3] = h.Version
	binary.LittleEndian.PutUint16(buf[4:6], h.Flags)
	binary.LittleEndian.PutUint64(buf[6:14], uint64(h.Size))
	buf[14] = h.Checksum
	return buf, nil
}

// UnmarshalBinary decodes buf into h, validating the magic.
func (h *Header) UnmarshalBinary(buf []byte) error {
	if len(buf) < HeaderLength {
		return fmt.Errorf("archive: header needs %d bytes, got %d", HeaderLength, len(buf))
	}
	if [3]byte(buf[0:3]) != Magic {
		return fmt.Errorf("archive: bad magic %x", buf[0:3])
	}
	h.Version = buf[3]
	h.Flags = binary.LittleEndian.Uint16(buf[4:6])
	h.Size = int64(binary.LittleEndian.Uint64(buf[6:14]))
	h.Checksum = buf[14]
	return nil
}
