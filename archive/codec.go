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

// CodecID names an entry in the codec table. 0 (None) always means
// "stored verbatim, no backend codec applied" — the entropy coder
// itself is an external collaborator (spec.md §1), so this module
// never produces a non-None entry; it only reserves the slot.
type CodecID uint8

const CodecNone CodecID = 0

// CodecEntry pairs a codec id with its opaque parameter bytes.
type CodecEntry struct {
	ID         CodecID
	Parameters []byte
}

// CodecSequence is an ordered list of codec entries applied to one
// chunk, in application order.
type CodecSequence struct {
	Entries []CodecEntry
}

// Append adds entry to the sequence, replacing any existing entry with
// the same ID (mirroring the original's Append-then-Remove-duplicate
// semantics for a Sequence).
func (s *CodecSequence) Append(entry CodecEntry) {
	for i, e := range s.Entries {
		if e.ID == entry.ID {
			s.Entries[i] = entry
			return
		}
	}
	s.Entries = append(s.Entries, entry)
}

// Remove deletes the entry with the given id, reporting whether one was
// found.
func (s *CodecSequence) Remove(id CodecID) bool {
	for i, e := range s.Entries {
		if e.ID == id {
			s.Entries = append(s.Entries[:i], s.Entries[i+1:]...)
			return true
		}
	}
	return false
}

// Definitions is the archive-wide table of codec sequences referenced
// by chunk records via CodecSequenceID.
type Definitions struct {
	Sequences []CodecSequence
}

// Add appends seq and returns its index (the CodecSequenceID chunk
// records should store).
func (d *Definitions) Add(seq CodecSequence) int64 {
	d.Sequences = append(d.Sequences, seq)
	return int64(len(d.Sequences) - 1)
}
