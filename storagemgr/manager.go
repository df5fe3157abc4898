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

// Package storagemgr owns the storage pool and every hybrid stream drawn
// from it, and decides which streams to evict under pressure.
package storagemgr

import (
	"github.com/fairytale-go/fairytale/internal/heap"
	"github.com/fairytale-go/fairytale/storagepool"
	"github.com/fairytale-go/fairytale/streams"
)

// Manager owns the pool and the set of live hybrid streams drawn from
// it, and is the sole caller of HybridStream.Close/Restore.
type Manager struct {
	pool    *storagepool.Pool
	streams map[*streams.HybridStream]struct{}
}

// New constructs a Manager over a fresh pool with the given hot
// (memory) and cold (disk) storage budgets.
func New(hotStorage, coldStorage int64) (*Manager, error) {
	pool, err := storagepool.New(hotStorage, coldStorage)
	if err != nil {
		return nil, err
	}
	return &Manager{pool: pool, streams: make(map[*streams.HybridStream]struct{})}, nil
}

// Close releases the manager's pool (and its temporary disk file).
func (m *Manager) Close() error {
	for s := range m.streams {
		s.Close()
	}
	return m.pool.Close()
}

// Capacity returns the total capacity of the underlying pool.
func (m *Manager) Capacity() int64 { return m.pool.Capacity() }

// Available returns the pool's current free capacity.
func (m *Manager) Available() int64 { return m.pool.Available() }

// Allocate reserves a fresh hybrid stream of size bytes, purging
// lower-priority streams first if the pool does not currently have
// enough room.
func (m *Manager) Allocate(size int64) (*streams.HybridStream, error) {
	size = roundToBlockMultiple(size)
	if size > m.pool.Capacity() {
		return nil, storagepool.ErrExhausted
	}
	if size > m.pool.Available() {
		m.purge(size)
		if size > m.pool.Available() {
			return nil, storagepool.ErrExhausted
		}
	}
	s, err := streams.NewHybridStream(m.pool, size, storagepool.StrategyNone)
	if err != nil {
		return nil, err
	}
	m.streams[s] = struct{}{}
	return s, nil
}

// Deallocate closes stream (if owned by this manager) without forgetting
// it: a later Reallocate can still revive it.
func (m *Manager) Deallocate(s *streams.HybridStream) {
	if _, ok := m.streams[s]; ok {
		s.Close()
	}
}

// Delete closes and permanently forgets stream.
func (m *Manager) Delete(s *streams.HybridStream) {
	if _, ok := m.streams[s]; ok {
		s.Close()
		delete(m.streams, s)
	}
}

// Reallocate revives a previously-closed stream owned by this manager,
// purging if necessary. It gives up silently (leaving the stream closed)
// if storage remains insufficient after purging.
func (m *Manager) Reallocate(s *streams.HybridStream) {
	if _, ok := m.streams[s]; !ok {
		return
	}
	size := s.Capacity()
	if size > m.pool.Available() {
		m.purge(size)
		if size > m.pool.Available() {
			return
		}
	}
	if err := s.Restore(); err != nil {
		s.Close()
	}
}

// purgeCandidate pairs a stream with its eviction cost: purge evicts
// the highest-cost streams first (see purge for the formula).
type purgeCandidate struct {
	cost   int64
	stream *streams.HybridStream
}

// purge closes Active, non-keep_alive streams from the high-cost end of
// the cost ranking down until the pool has at least request bytes free,
// or there are no more eviction candidates.
//
// cost = capacity / max(1, reference_count) * priority_weight: a large,
// rarely-referenced, low-priority stream gets the highest cost value, so
// it is evicted first from the high end.
func (m *Manager) purge(request int64) {
	candidates := make([]purgeCandidate, 0, len(m.streams))
	for s := range m.streams {
		if s.KeepAlive || !s.Active() {
			continue
		}
		refs := int64(s.ReferenceCount)
		if refs < 1 {
			refs = 1
		}
		cost := (s.Capacity() / refs) * s.Priority.Weight()
		candidates = append(candidates, purgeCandidate{cost: cost, stream: s})
	}
	ranked := heap.SortSlice(candidates, func(a, b purgeCandidate) bool { return a.cost < b.cost })
	for i := len(ranked) - 1; i >= 0 && m.pool.Available() < request; i-- {
		ranked[i].stream.Close()
	}
}

func roundToBlockMultiple(s int64) int64 {
	return (s + storagepool.BlockSize - 1) &^ (storagepool.BlockSize - 1)
}
