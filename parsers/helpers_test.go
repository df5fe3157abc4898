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
	"errors"

	"github.com/fairytale-go/fairytale/blocktree"
	"github.com/fairytale-go/fairytale/streams"
)

// memStream is a minimal in-memory streams.Stream test double, mirroring
// blocktree's own test helper (kept package-local to avoid an import
// cycle through an exported test-only type).
type memStream struct {
	buf []byte
	pos int64
}

var _ streams.Stream = (*memStream)(nil)

func newMemStream(data []byte) *memStream {
	return &memStream{buf: append([]byte(nil), data...)}
}

func (m *memStream) Seek(offset int64) bool {
	if offset < 0 || offset > int64(len(m.buf)) {
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
	if m.pos >= int64(len(m.buf)) {
		return false
	}
	m.buf[m.pos] = b
	m.pos++
	return true
}

func (m *memStream) Read(p []byte) (int, error) {
	n := copy(p, m.buf[m.pos:])
	m.pos += int64(n)
	if n == 0 && len(p) > 0 {
		return 0, errors.New("memStream: EOF")
	}
	return n, nil
}

func (m *memStream) Write(p []byte) (int, error) {
	n := copy(m.buf[m.pos:], p)
	m.pos += int64(n)
	return n, nil
}

func rootBlockFromBytes(data []byte) *blocktree.Block {
	return &blocktree.Block{Data: newMemStream(data), Length: int64(len(data))}
}
