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

package storagemgr

import (
	"bytes"
	"testing"

	"github.com/fairytale-go/fairytale/storagepool"
	"github.com/fairytale-go/fairytale/streams"
)

func newTestManager(t *testing.T, hot, cold int64) *Manager {
	t.Helper()
	m, err := New(hot, cold)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestAllocateAndWriteRoundTrip(t *testing.T) {
	m := newTestManager(t, 1<<16, 1<<16)
	s, err := m.Allocate(4096)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	data := bytes.Repeat([]byte{0xAB}, 4096)
	s.Seek(0)
	if n, err := s.Write(data); err != nil || n != len(data) {
		t.Fatalf("Write: n=%d err=%v", n, err)
	}
	s.Seek(0)
	got := make([]byte, len(data))
	if n, err := s.Read(got); err != nil || n != len(got) {
		t.Fatalf("Read: n=%d err=%v", n, err)
	}
	if !bytes.Equal(got, data) {
		t.Fatal("round trip mismatch")
	}
}

func TestPurgeEvictsCheapestFirst(t *testing.T) {
	m := newTestManager(t, 3*storagepool.BlockSize, storagepool.BlockSize)

	expensive, err := m.Allocate(storagepool.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	expensive.Priority = streams.PriorityHigh
	expensive.ReferenceCount = 10

	cheap, err := m.Allocate(storagepool.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	cheap.Priority = streams.PriorityLow
	cheap.ReferenceCount = 1

	// request more than remains available (2 of 4 blocks), forcing a purge
	if _, err := m.Allocate(3 * storagepool.BlockSize); err != nil {
		t.Fatalf("Allocate should have purged to make room: %v", err)
	}
	if expensive.Active() == false {
		t.Fatal("expected the high-priority, highly-referenced stream to survive purge")
	}
	if cheap.Active() {
		t.Fatal("expected the low-priority, low-reference stream to be evicted first")
	}
}

func TestKeepAliveProtectsFromPurge(t *testing.T) {
	m := newTestManager(t, 2*storagepool.BlockSize, storagepool.BlockSize)
	s, err := m.Allocate(storagepool.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	s.KeepAlive = true
	// request more than remains available (2 of 3 blocks): purge runs,
	// but its only candidate is keep_alive, so nothing is freed
	if _, err := m.Allocate(3 * storagepool.BlockSize); err != storagepool.ErrExhausted {
		t.Fatalf("Allocate: expected ErrExhausted, got %v", err)
	}
	if !s.Active() {
		t.Fatal("expected keep_alive stream to survive purge even as the only candidate")
	}
}

func TestReallocateRevivesClosedStream(t *testing.T) {
	m := newTestManager(t, 1<<16, 1<<16)
	s, err := m.Allocate(storagepool.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	m.Deallocate(s)
	if s.Active() {
		t.Fatal("expected stream to be closed after Deallocate")
	}
	m.Reallocate(s)
	if !s.Active() {
		t.Fatal("expected Reallocate to revive the stream")
	}
}

func TestDeleteForgetsStream(t *testing.T) {
	m := newTestManager(t, 1<<16, 1<<16)
	s, err := m.Allocate(storagepool.BlockSize)
	if err != nil {
		t.Fatal(err)
	}
	m.Delete(s)
	if s.Active() {
		t.Fatal("expected Delete to close the stream")
	}
	// Reallocate on a forgotten stream is a no-op, not a panic
	m.Reallocate(s)
	if s.Active() {
		t.Fatal("expected forgotten stream to remain closed")
	}
}
