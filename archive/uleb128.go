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

// Package archive is the thin container-format layer named in spec.md §6:
// the core populates these structs (header, segmentation records, codec
// table) but does not serialize or entropy-code the final artifact —
// that remains an external collaborator's job.
package archive

// Cost returns the number of bytes ULEB128 encoding of n would occupy,
// used by the deflate transform's validation gate to estimate
// segmentation overhead without actually encoding anything.
func Cost(n int64) int64 {
	if n < 0 {
		panic("archive: ULEB128 cost of a negative value")
	}
	cost := int64(1)
	for n > 127 {
		n >>= 7
		cost++
	}
	return cost
}

// AppendULEB128 appends the ULEB128 encoding of n to buf and returns the
// extended slice.
func AppendULEB128(buf []byte, n int64) []byte {
	if n < 0 {
		panic("archive: ULEB128 encoding of a negative value")
	}
	for {
		b := byte(n & 0x7f)
		n >>= 7
		if n != 0 {
			buf = append(buf, b|0x80)
			continue
		}
		return append(buf, b)
	}
}

// ReadULEB128 decodes one ULEB128 value from the front of buf, returning
// the value and the number of bytes consumed. It returns consumed == 0
// if buf does not contain a complete encoding.
func ReadULEB128(buf []byte) (value int64, consumed int) {
	var shift uint
	for i, b := range buf {
		value |= int64(b&0x7f) << shift
		if b&0x80 == 0 {
			return value, i + 1
		}
		shift += 7
		if shift >= 64 {
			return 0, 0
		}
	}
	return 0, 0
}
