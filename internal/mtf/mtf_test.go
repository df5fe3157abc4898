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

package mtf

import "testing"

func walk(l *List) []int {
	var out []int
	for i := l.First(); i != none; i = l.Next() {
		out = append(out, i)
	}
	return out
}

func TestInitialOrder(t *testing.T) {
	l := New(5)
	got := walk(l)
	want := []int{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestUpdateMovesToFront(t *testing.T) {
	l := New(5)
	l.Update(3)
	got := walk(l)
	want := []int{3, 0, 1, 2, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
	// updating the current root is a no-op
	l.Update(3)
	got = walk(l)
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}

func TestUpdateTail(t *testing.T) {
	l := New(4)
	l.Update(0)
	l.Update(3)
	got := walk(l)
	want := []int{3, 0, 1, 2}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
