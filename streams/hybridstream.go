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

package streams

import (
	"github.com/google/uuid"

	"github.com/fairytale-go/fairytale/storagepool"
)

// Priority influences how cheap a hybrid stream is to evict under
// storage pressure: High streams are the most expensive to lose (kept
// longest), Low the cheapest.
type Priority int

const (
	PriorityHigh Priority = iota
	PriorityNormal
	PriorityLow
)

// Weight returns the multiplier the storage manager's purge cost
// function applies for this priority: higher weight sorts toward the
// high-cost (evicted-first) end.
func (p Priority) Weight() int64 {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// HybridStream is a Stream whose bytes live in a storagepool.Arena. Its
// lifecycle is owned by a storagemgr.Manager: Close/Restore are exported
// because Go has no "friend" access, but only the owning Manager should
// call them — every other caller reads/writes through the Stream
// interface only.
type HybridStream struct {
	id       uuid.UUID
	pool     *storagepool.Pool
	arena    *storagepool.Arena
	capacity int64
	// available shrinks from capacity as the high-water write mark
	// advances; Size() reports capacity-available, i.e. how much of
	// the stream has actually been written so far.
	available int64

	ReferenceCount int
	Priority       Priority
	KeepAlive      bool
}

var _ Stream = (*HybridStream)(nil)

// NewHybridStream allocates a fresh arena of size bytes from pool.
func NewHybridStream(pool *storagepool.Pool, size int64, strategy storagepool.Strategy) (*HybridStream, error) {
	arena, err := pool.Allocate(size, strategy)
	if err != nil {
		return nil, err
	}
	cap := arena.Size()
	return &HybridStream{
		id:        uuid.New(),
		pool:      pool,
		arena:     arena,
		capacity:  cap,
		available: cap,
		Priority:  PriorityNormal,
	}, nil
}

// ID uniquely identifies this stream for the lifetime of the process,
// independent of its storage location or any block that references it -
// used by the storage manager and the CLI to name a stream in
// diagnostics without exposing its pointer.
func (h *HybridStream) ID() uuid.UUID { return h.id }

// Capacity returns the byte size this stream was allocated with.
func (h *HybridStream) Capacity() int64 { return h.capacity }

// Active reports whether the stream currently holds an arena (as
// opposed to Dormant, where the arena has been deallocated).
func (h *HybridStream) Active() bool {
	return h.arena.Size() > 0
}

// Close deallocates the arena but preserves capacity metadata so the
// stream can later be revived with Restore.
func (h *HybridStream) Close() {
	h.pool.Deallocate(h.arena)
	h.available = 0
}

// Restore reallocates the arena (as Hot) and resets the cursor. It is a
// no-op if the stream is already active.
func (h *HybridStream) Restore() error {
	if h.Active() {
		return nil
	}
	if err := h.pool.Reallocate(h.arena, h.capacity, storagepool.StrategyHot); err != nil {
		return err
	}
	h.available = h.capacity
	return nil
}

// CommitToDisk moves every memory-backed block of this stream to disk.
func (h *HybridStream) CommitToDisk() (bool, error) {
	return h.pool.MoveToColdStorage(h.arena)
}

func (h *HybridStream) Seek(offset int64) bool {
	return h.pool.Seek(h.arena, offset) == offset
}

func (h *HybridStream) Position() int64 {
	return h.arena.Position()
}

// Size reports the high-water mark of bytes written so far (not the
// full allocated capacity).
func (h *HybridStream) Size() int64 {
	return h.capacity - h.available
}

func (h *HybridStream) GetByte() int {
	var b [1]byte
	n, err := h.pool.Read(b[:], h.arena)
	if n != 1 || err != nil {
		return -1
	}
	return int(b[0])
}

func (h *HybridStream) PutByte(b byte) bool {
	buf := [1]byte{b}
	n, err := h.pool.Write(buf[:], h.arena)
	h.trackHighWaterMark()
	return n == 1 && err == nil
}

func (h *HybridStream) Read(buf []byte) (int, error) {
	return h.pool.Read(buf, h.arena)
}

func (h *HybridStream) Write(buf []byte) (int, error) {
	n, err := h.pool.Write(buf, h.arena)
	h.trackHighWaterMark()
	return n, err
}

func (h *HybridStream) trackHighWaterMark() {
	if rem := h.capacity - h.arena.Position(); rem < h.available {
		h.available = rem
	}
}
