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

// Package storagepool implements the two-tier (memory + temporary disk
// file) block allocator that backs every hybrid stream produced during
// analysis: a fixed 4 KiB block granularity, per-tier containers, and an
// Arena abstraction addressing a contiguous logical range across both.
package storagepool

import "errors"

// ErrExhausted is returned whenever an allocation cannot be satisfied by
// either tier. Callers either purge and retry or abandon the candidate
// operation; it is never fatal to the analyzer run.
var ErrExhausted = errors.New("storagepool: exhausted")

// BlockSize is the fixed granularity of every storage allocation.
const BlockSize = 4096

// Tier identifies which container backs a storage block.
type Tier int

const (
	Memory Tier = iota
	Disk
)

func (t Tier) String() string {
	if t == Disk {
		return "disk"
	}
	return "memory"
}

// Strategy selects which tier an allocation prefers before spilling to
// the other. Hot and None currently behave identically (both prefer
// Memory first) — see DESIGN.md for why Hot is kept as a distinct,
// currently-synonymous value rather than folded into None.
type Strategy int

const (
	StrategyNone Strategy = iota
	StrategyHot
	StrategyCold
)

// roundToBlockMultiple rounds s up to the next multiple of BlockSize.
func roundToBlockMultiple(s int64) int64 {
	return (s + BlockSize - 1) &^ (BlockSize - 1)
}

// storageBlock is a single 4 KiB unit of either tier.
type storageBlock struct {
	tier   Tier
	offset int64 // offset within its container
}
